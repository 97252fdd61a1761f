package storage

import (
	"errors"

	"github.com/cuemby/sagenet/pkg/types"
)

var (
	// ErrNotFound is returned when a record does not exist
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists is returned when creating a record whose key is taken
	ErrAlreadyExists = errors.New("already exists")

	// ErrVersionConflict is returned by UpdateBackup when the stored record
	// changed since it was read
	ErrVersionConflict = errors.New("version conflict")
)

// IgnoreNotFound returns nil for ErrNotFound and err otherwise.
func IgnoreNotFound(err error) error {
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

// Store is the object store backing nodes, networks, backups and node keys.
// Lookups return ErrNotFound (wrapped) when nothing matches.
type Store interface {
	// Nodes
	CreateNode(node *types.Node) error
	GetNode(uuid string) (*types.Node, error)
	FindNodeByFQDN(fqdn string) (*types.Node, error)
	FindNodeByIP4(ip4 string) (*types.Node, error)
	ListNodes() ([]*types.Node, error)
	ListNodesByNetwork(networkID string) ([]*types.Node, error)
	ListNodesByAccount(accountID string) ([]*types.Node, error)
	UpdateNode(node *types.Node) error
	DeleteNode(uuid string) error

	// Networks
	CreateNetwork(network *types.Network) error
	GetNetwork(uuid string) (*types.Network, error)
	ListNetworks() ([]*types.Network, error)
	UpdateNetwork(network *types.Network) error
	DeleteNetwork(uuid string) error

	// Backups. ListBackupsByNetwork returns newest first. UpdateBackup
	// fails with ErrVersionConflict unless backup.Version matches the stored
	// record, and increments Version on success.
	CreateBackup(backup *types.Backup) error
	GetBackup(uuid string) (*types.Backup, error)
	ListBackupsByNetwork(networkID string) ([]*types.Backup, error)
	FindBackupByNetworkAndPath(networkID, path string) (*types.Backup, error)
	UpdateBackup(backup *types.Backup) error
	DeleteBackup(uuid string) error

	// Node keys
	CreateNodeKey(key *types.NodeKey) error
	GetNodeKey(uuid string) (*types.NodeKey, error)
	FindNodeKeyByHash(hash string) (*types.NodeKey, error)
	ListNodeKeysByNode(nodeID string) ([]*types.NodeKey, error)
	DeleteNodeKey(uuid string) error

	// Utility
	Close() error
}

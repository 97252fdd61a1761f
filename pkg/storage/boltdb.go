package storage

import (
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"time"

	"github.com/cuemby/sagenet/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketNodes    = []byte("nodes")
	bucketNetworks = []byte("networks")
	bucketBackups  = []byte("backups")
	bucketNodeKeys = []byte("node_keys")
)

// BoltStore implements Store interface using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "sagenet.db")

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketNodes,
			bucketNetworks,
			bucketBackups,
			bucketNodeKeys,
		}

		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Path returns the database file path
func (s *BoltStore) Path() string {
	return s.db.Path()
}

// Dump writes a consistent copy of the whole database to w.
func (s *BoltStore) Dump(w io.Writer) (int64, error) {
	var n int64
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		n, err = tx.WriteTo(w)
		return err
	})
	return n, err
}

func insert(tx *bolt.Tx, bucket []byte, kind, id string, v any) error {
	b := tx.Bucket(bucket)
	if b.Get([]byte(id)) != nil {
		return fmt.Errorf("%s %s: %w", kind, id, ErrAlreadyExists)
	}
	return put(b, id, v)
}

func replace(tx *bolt.Tx, bucket []byte, kind, id string, v any) error {
	b := tx.Bucket(bucket)
	if b.Get([]byte(id)) == nil {
		return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
	}
	return put(b, id, v)
}

func put(b *bolt.Bucket, id string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put([]byte(id), data)
}

func get[T any](db *bolt.DB, bucket []byte, kind, id string) (*T, error) {
	var out T
	err := db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucket).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
		}
		return json.Unmarshal(data, &out)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func list[T any](db *bolt.DB, bucket []byte, match func(*T) bool) ([]*T, error) {
	var out []*T
	err := db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).ForEach(func(k, v []byte) error {
			var item T
			if err := json.Unmarshal(v, &item); err != nil {
				return err
			}
			if match == nil || match(&item) {
				out = append(out, &item)
			}
			return nil
		})
	})
	return out, err
}

func first[T any](db *bolt.DB, bucket []byte, kind, what string, match func(*T) bool) (*T, error) {
	items, err := list(db, bucket, match)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("%s %s: %w", kind, what, ErrNotFound)
	}
	return items[0], nil
}

func remove(db *bolt.DB, bucket []byte, id string) error {
	return db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Delete([]byte(id))
	})
}

func stamp(created, updated *time.Time) {
	now := time.Now().UTC()
	if created.IsZero() {
		*created = now
	}
	*updated = now
}

// Node operations
func (s *BoltStore) CreateNode(node *types.Node) error {
	stamp(&node.CreatedAt, &node.UpdatedAt)
	return s.db.Update(func(tx *bolt.Tx) error {
		return insert(tx, bucketNodes, "node", node.UUID, node.Persistent())
	})
}

func (s *BoltStore) GetNode(uuid string) (*types.Node, error) {
	return get[types.Node](s.db, bucketNodes, "node", uuid)
}

func (s *BoltStore) FindNodeByFQDN(fqdn string) (*types.Node, error) {
	return first(s.db, bucketNodes, "node with fqdn", fqdn, func(n *types.Node) bool {
		return n.FQDN == fqdn
	})
}

func (s *BoltStore) FindNodeByIP4(ip4 string) (*types.Node, error) {
	return first(s.db, bucketNodes, "node with ip4", ip4, func(n *types.Node) bool {
		return n.IP4 == ip4
	})
}

func (s *BoltStore) ListNodes() ([]*types.Node, error) {
	return list[types.Node](s.db, bucketNodes, nil)
}

func (s *BoltStore) ListNodesByNetwork(networkID string) ([]*types.Node, error) {
	return list(s.db, bucketNodes, func(n *types.Node) bool {
		return n.Network == networkID
	})
}

func (s *BoltStore) ListNodesByAccount(accountID string) ([]*types.Node, error) {
	return list(s.db, bucketNodes, func(n *types.Node) bool {
		return n.Account == accountID
	})
}

func (s *BoltStore) UpdateNode(node *types.Node) error {
	stamp(&node.CreatedAt, &node.UpdatedAt)
	return s.db.Update(func(tx *bolt.Tx) error {
		return replace(tx, bucketNodes, "node", node.UUID, node.Persistent())
	})
}

func (s *BoltStore) DeleteNode(uuid string) error {
	return remove(s.db, bucketNodes, uuid)
}

// Network operations
func (s *BoltStore) CreateNetwork(network *types.Network) error {
	stamp(&network.CreatedAt, &network.UpdatedAt)
	return s.db.Update(func(tx *bolt.Tx) error {
		return insert(tx, bucketNetworks, "network", network.UUID, network)
	})
}

func (s *BoltStore) GetNetwork(uuid string) (*types.Network, error) {
	return get[types.Network](s.db, bucketNetworks, "network", uuid)
}

func (s *BoltStore) ListNetworks() ([]*types.Network, error) {
	return list[types.Network](s.db, bucketNetworks, nil)
}

func (s *BoltStore) UpdateNetwork(network *types.Network) error {
	stamp(&network.CreatedAt, &network.UpdatedAt)
	return s.db.Update(func(tx *bolt.Tx) error {
		return replace(tx, bucketNetworks, "network", network.UUID, network)
	})
}

func (s *BoltStore) DeleteNetwork(uuid string) error {
	return remove(s.db, bucketNetworks, uuid)
}

// Backup operations
func (s *BoltStore) CreateBackup(backup *types.Backup) error {
	stamp(&backup.CreatedAt, &backup.UpdatedAt)
	backup.Version = 1
	return s.db.Update(func(tx *bolt.Tx) error {
		return insert(tx, bucketBackups, "backup", backup.UUID, backup)
	})
}

func (s *BoltStore) GetBackup(uuid string) (*types.Backup, error) {
	return get[types.Backup](s.db, bucketBackups, "backup", uuid)
}

func (s *BoltStore) ListBackupsByNetwork(networkID string) ([]*types.Backup, error) {
	backups, err := list(s.db, bucketBackups, func(b *types.Backup) bool {
		return b.Network == networkID
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(backups, func(i, j int) bool {
		return backups[i].CreatedAt.After(backups[j].CreatedAt)
	})
	return backups, nil
}

func (s *BoltStore) FindBackupByNetworkAndPath(networkID, path string) (*types.Backup, error) {
	return first(s.db, bucketBackups, "backup with path", path, func(b *types.Backup) bool {
		return b.Network == networkID && b.Path == path
	})
}

func (s *BoltStore) UpdateBackup(backup *types.Backup) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBackups)
		data := b.Get([]byte(backup.UUID))
		if data == nil {
			return fmt.Errorf("backup %s: %w", backup.UUID, ErrNotFound)
		}
		var stored types.Backup
		if err := json.Unmarshal(data, &stored); err != nil {
			return err
		}
		if stored.Version != backup.Version {
			return fmt.Errorf("backup %s at version %d, have %d: %w",
				backup.UUID, stored.Version, backup.Version, ErrVersionConflict)
		}
		next := *backup
		next.Version++
		stamp(&next.CreatedAt, &next.UpdatedAt)
		if err := put(b, backup.UUID, &next); err != nil {
			return err
		}
		*backup = next
		return nil
	})
}

func (s *BoltStore) DeleteBackup(uuid string) error {
	return remove(s.db, bucketBackups, uuid)
}

// Node key operations
func (s *BoltStore) CreateNodeKey(key *types.NodeKey) error {
	if key.PublicKeyHash == "" {
		key.PublicKeyHash = types.HashPublicKey(key.PublicKey)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return insert(tx, bucketNodeKeys, "node key", key.UUID, key)
	})
}

func (s *BoltStore) GetNodeKey(uuid string) (*types.NodeKey, error) {
	return get[types.NodeKey](s.db, bucketNodeKeys, "node key", uuid)
}

func (s *BoltStore) FindNodeKeyByHash(hash string) (*types.NodeKey, error) {
	return first(s.db, bucketNodeKeys, "node key with hash", hash, func(k *types.NodeKey) bool {
		return k.PublicKeyHash == hash
	})
}

// ListNodeKeysByNode returns the node's keys, latest expiration first.
func (s *BoltStore) ListNodeKeysByNode(nodeID string) ([]*types.NodeKey, error) {
	keys, err := list(s.db, bucketNodeKeys, func(k *types.NodeKey) bool {
		return k.Node == nodeID
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(keys, func(i, j int) bool {
		return keys[i].Expiration.After(keys[j].Expiration)
	})
	return keys, nil
}

func (s *BoltStore) DeleteNodeKey(uuid string) error {
	return remove(s.db, bucketNodeKeys, uuid)
}

package types

import (
	"encoding/hex"
	"net"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/zeebo/blake3"
)

// Node is a member of a network, or the sage that coordinates networks.
type Node struct {
	UUID      string            `json:"uuid"`
	FQDN      string            `json:"fqdn"`
	IP4       string            `json:"ip4,omitempty"`
	IP6       string            `json:"ip6,omitempty"`
	AdminPort int               `json:"adminPort,omitempty"`
	Account   string            `json:"account,omitempty"`
	Network   string            `json:"network,omitempty"`
	Domain    string            `json:"domain,omitempty"`
	Cloud     string            `json:"cloud,omitempty"`
	Region    string            `json:"region,omitempty"`
	SageNode  string            `json:"sageNode,omitempty"`
	State     NodeState         `json:"state,omitempty"`
	Tags      map[string]string `json:"tags,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
	UpdatedAt time.Time         `json:"updatedAt"`

	// Transient fields. They travel in notifications and identity files but
	// are stripped before a node is persisted to the object store.
	Peers       []*Node  `json:"peers,omitempty"`
	WasRestored bool     `json:"wasRestored,omitempty"`
	RestoreKey  string   `json:"restoreKey,omitempty"`
	Backup      *Backup  `json:"backup,omitempty"`
	Key         *NodeKey `json:"key,omitempty"`
}

// NodeState is the lifecycle state of a node
type NodeState string

const (
	NodeStateCreated     NodeState = "created"
	NodeStateStarting    NodeState = "starting"
	NodeStateBooting     NodeState = "booting"
	NodeStateRunning     NodeState = "running"
	NodeStateStopping    NodeState = "stopping"
	NodeStateStopped     NodeState = "stopped"
	NodeStateUnreachable NodeState = "unreachable"
)

// HasSageNode reports whether the node references a sage.
func (n *Node) HasSageNode() bool {
	return n != nil && n.SageNode != ""
}

// IsSelfSage reports whether the node is its own sage.
func (n *Node) IsSelfSage() bool {
	return n != nil && n.SageNode != "" && n.SageNode == n.UUID
}

// HasLocalIP4 reports whether the node's ip4 is unset, loopback or the
// unspecified address. Such a node cannot be reached by peers.
func (n *Node) HasLocalIP4() bool {
	if n == nil || n.IP4 == "" {
		return true
	}
	ip := net.ParseIP(n.IP4)
	if ip == nil {
		return false
	}
	return ip.IsLoopback() || ip.IsUnspecified()
}

// AdminAddress returns host:port of the node's administrative endpoint.
// The fqdn is preferred; ip4 is used when no fqdn is known.
func (n *Node) AdminAddress(defaultPort int) string {
	host := n.FQDN
	if host == "" {
		host = n.IP4
	}
	port := n.AdminPort
	if port == 0 {
		port = defaultPort
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// UpstreamUpdate copies the fields a remote peer is authoritative for onto n
// and reports whether anything changed.
func (n *Node) UpstreamUpdate(peer *Node) bool {
	changed := false
	set := func(dst *string, src string) {
		if src != "" && *dst != src {
			*dst = src
			changed = true
		}
	}
	set(&n.FQDN, peer.FQDN)
	set(&n.IP4, peer.IP4)
	set(&n.IP6, peer.IP6)
	set(&n.Cloud, peer.Cloud)
	set(&n.Region, peer.Region)
	set(&n.SageNode, peer.SageNode)
	if peer.AdminPort != 0 && n.AdminPort != peer.AdminPort {
		n.AdminPort = peer.AdminPort
		changed = true
	}
	if peer.State != "" && n.State != peer.State {
		n.State = peer.State
		changed = true
	}
	return changed
}

// Clone returns a deep copy of the persistent fields of n.
func (n *Node) Clone() *Node {
	if n == nil {
		return nil
	}
	c := *n
	if n.Tags != nil {
		c.Tags = make(map[string]string, len(n.Tags))
		for k, v := range n.Tags {
			c.Tags[k] = v
		}
	}
	if n.Peers != nil {
		c.Peers = make([]*Node, len(n.Peers))
		for i, p := range n.Peers {
			c.Peers[i] = p.Clone()
		}
	}
	return &c
}

// Persistent returns a copy of n with every transient field cleared.
func (n *Node) Persistent() *Node {
	c := n.Clone()
	c.Peers = nil
	c.WasRestored = false
	c.RestoreKey = ""
	c.Backup = nil
	c.Key = nil
	return c
}

// Network is a deployment unit owning one or more nodes
type Network struct {
	UUID          string       `json:"uuid"`
	Account       string       `json:"account"`
	Name          string       `json:"name"`
	Domain        string       `json:"domain"`
	State         NetworkState `json:"state"`
	NodesIncluded int          `json:"nodesIncluded"`
	Storage       string       `json:"storage,omitempty"`
	CreatedAt     time.Time    `json:"createdAt"`
	UpdatedAt     time.Time    `json:"updatedAt"`
}

// NetworkState is the lifecycle state of a network
type NetworkState string

const (
	NetworkStateCreated       NetworkState = "created"
	NetworkStateStarting      NetworkState = "starting"
	NetworkStateRunning       NetworkState = "running"
	NetworkStateRestoring     NetworkState = "restoring"
	NetworkStateStopping      NetworkState = "stopping"
	NetworkStateStopped       NetworkState = "stopped"
	NetworkStateErrorStopping NetworkState = "error_stopping"
)

// FQDN returns the network's public name, name.domain
func (n *Network) FQDN() string {
	return n.Name + "." + n.Domain
}

// Backup is a point-in-time copy of a network's node state
type Backup struct {
	UUID      string       `json:"uuid"`
	Account   string       `json:"account"`
	Network   string       `json:"network"`
	Path      string       `json:"path"`
	Label     string       `json:"label,omitempty"`
	Status    BackupStatus `json:"status"`
	Error     string       `json:"error,omitempty"`
	Version   int64        `json:"version"`
	CreatedAt time.Time    `json:"createdAt"`
	UpdatedAt time.Time    `json:"updatedAt"`
}

// BackupStatus is the lifecycle state of a backup
type BackupStatus string

const (
	BackupQueued     BackupStatus = "queued"
	BackupInProgress BackupStatus = "backup_in_progress"
	BackupCompleted  BackupStatus = "backup_completed"
	BackupError      BackupStatus = "backup_error"
	BackupDeleting   BackupStatus = "deleting"
	BackupDeleteErr  BackupStatus = "delete_error"
)

// MaxBackupErrorLength bounds the error string stored on a backup record.
const MaxBackupErrorLength = 1000

// Success reports whether the backup completed.
func (b *Backup) Success() bool {
	return b != nil && b.Status == BackupCompleted
}

// Stuck reports whether the backup sits in a status a cleaner may reclaim
// once it is old enough.
func (b *Backup) Stuck() bool {
	return b.Status != BackupCompleted
}

// SetError records a truncated error and moves the backup to backup_error.
func (b *Backup) SetError(err error) {
	msg := err.Error()
	if len(msg) > MaxBackupErrorLength {
		n := MaxBackupErrorLength
		for n > 0 && !utf8.RuneStart(msg[n]) {
			n--
		}
		msg = msg[:n]
	}
	b.Error = msg
	b.Status = BackupError
}

// NodeKey is a public key a node presents to its peers
type NodeKey struct {
	UUID          string    `json:"uuid"`
	Node          string    `json:"node"`
	PublicKey     string    `json:"publicKey"`
	PublicKeyHash string    `json:"publicKeyHash"`
	RemoteHost    string    `json:"remoteHost,omitempty"`
	Expiration    time.Time `json:"expiration"`
}

// HashPublicKey returns the hex BLAKE3 digest used to index a public key.
func HashPublicKey(publicKey string) string {
	sum := blake3.Sum256([]byte(publicKey))
	return hex.EncodeToString(sum[:])
}

// Expired reports whether the key is expired at now.
func (k *NodeKey) Expired(now time.Time) bool {
	return k == nil || !now.Before(k.Expiration)
}

// ExpiresWithin reports whether the key expires within d of now.
func (k *NodeKey) ExpiresWithin(now time.Time, d time.Duration) bool {
	return k == nil || !now.Add(d).Before(k.Expiration)
}

// StorageDriverType selects the blob store implementation for backups
type StorageDriverType string

const (
	StorageDriverS3    StorageDriverType = "s3"
	StorageDriverLocal StorageDriverType = "local"
)

// StorageConfig locates a backup store
type StorageConfig struct {
	Driver   StorageDriverType `json:"driver" yaml:"driver" mapstructure:"driver"`
	Endpoint string            `json:"endpoint,omitempty" yaml:"endpoint,omitempty" mapstructure:"endpoint"`
	Bucket   string            `json:"bucket,omitempty" yaml:"bucket,omitempty" mapstructure:"bucket"`
	Region   string            `json:"region,omitempty" yaml:"region,omitempty" mapstructure:"region"`
	Prefix   string            `json:"prefix,omitempty" yaml:"prefix,omitempty" mapstructure:"prefix"`
	Insecure bool              `json:"insecure,omitempty" yaml:"insecure,omitempty" mapstructure:"insecure"`
	BaseDir  string            `json:"baseDir,omitempty" yaml:"baseDir,omitempty" mapstructure:"base_dir"`
}

// StorageCredentials authenticate against a backup store
type StorageCredentials struct {
	AccessKey string `json:"accessKey,omitempty" yaml:"-"`
	SecretKey string `json:"secretKey,omitempty" yaml:"-"`
}

// RestoreKeyBundle is the short-lived credential set needed to fetch a
// backup during restore. It lives only in the coordination store.
type RestoreKeyBundle struct {
	Network     string             `json:"network"`
	Storage     StorageConfig      `json:"storage"`
	Credentials StorageCredentials `json:"credentials"`
}

// NewNodeRequest asks the sage to add a node to a network
type NewNodeRequest struct {
	Account        string   `json:"account"`
	Network        string   `json:"network"`
	NetworkName    string   `json:"networkName"`
	Domain         string   `json:"domain"`
	Cloud          string   `json:"cloud,omitempty"`
	Region         string   `json:"region,omitempty"`
	ExcludeRegions []string `json:"excludeRegions,omitempty"`
	Automated      bool     `json:"automated"`
}

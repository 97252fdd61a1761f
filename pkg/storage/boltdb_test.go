package storage

import (
	"testing"
	"time"

	"github.com/cuemby/sagenet/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	s, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestNodeLifecycle(t *testing.T) {
	s := newTestStore(t)

	node := &types.Node{
		UUID:    "u1",
		FQDN:    "n1.example.com",
		IP4:     "10.0.0.1",
		Network: "net-1",
		Account: "acct-1",
		Peers:   []*types.Node{{UUID: "u2"}},
	}
	require.NoError(t, s.CreateNode(node))
	assert.ErrorIs(t, s.CreateNode(node), ErrAlreadyExists)

	got, err := s.GetNode("u1")
	require.NoError(t, err)
	assert.Equal(t, "n1.example.com", got.FQDN)
	assert.Nil(t, got.Peers, "transient peers are not persisted")
	assert.False(t, got.CreatedAt.IsZero())

	byFQDN, err := s.FindNodeByFQDN("n1.example.com")
	require.NoError(t, err)
	assert.Equal(t, "u1", byFQDN.UUID)

	byIP, err := s.FindNodeByIP4("10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, "u1", byIP.UUID)

	inNet, err := s.ListNodesByNetwork("net-1")
	require.NoError(t, err)
	assert.Len(t, inNet, 1)

	inAcct, err := s.ListNodesByAccount("acct-1")
	require.NoError(t, err)
	assert.Len(t, inAcct, 1)

	got.State = types.NodeStateRunning
	require.NoError(t, s.UpdateNode(got))
	got, err = s.GetNode("u1")
	require.NoError(t, err)
	assert.Equal(t, types.NodeStateRunning, got.State)

	require.NoError(t, s.DeleteNode("u1"))
	_, err = s.GetNode("u1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, IgnoreNotFound(err))

	_, err = s.FindNodeByFQDN("n1.example.com")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateMissingNode(t *testing.T) {
	s := newTestStore(t)
	err := s.UpdateNode(&types.Node{UUID: "ghost"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestNetworkLifecycle(t *testing.T) {
	s := newTestStore(t)

	network := &types.Network{UUID: "net-1", Name: "web", Domain: "example.com", State: types.NetworkStateRestoring}
	require.NoError(t, s.CreateNetwork(network))

	network.State = types.NetworkStateRunning
	require.NoError(t, s.UpdateNetwork(network))

	got, err := s.GetNetwork("net-1")
	require.NoError(t, err)
	assert.Equal(t, types.NetworkStateRunning, got.State)
	assert.Equal(t, "web.example.com", got.FQDN())

	all, err := s.ListNetworks()
	require.NoError(t, err)
	assert.Len(t, all, 1)

	require.NoError(t, s.DeleteNetwork("net-1"))
	_, err = s.GetNetwork("net-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBackupsNewestFirst(t *testing.T) {
	s := newTestStore(t)

	base := time.Now().Add(-10 * time.Hour)
	for i, id := range []string{"b1", "b2", "b3"} {
		require.NoError(t, s.CreateBackup(&types.Backup{
			UUID:      id,
			Network:   "net-1",
			Path:      "backups/" + id,
			CreatedAt: base.Add(time.Duration(i) * time.Hour),
		}))
	}
	require.NoError(t, s.CreateBackup(&types.Backup{UUID: "other", Network: "net-2"}))

	backups, err := s.ListBackupsByNetwork("net-1")
	require.NoError(t, err)
	require.Len(t, backups, 3)
	assert.Equal(t, "b3", backups[0].UUID)
	assert.Equal(t, "b1", backups[2].UUID)

	found, err := s.FindBackupByNetworkAndPath("net-1", "backups/b2")
	require.NoError(t, err)
	assert.Equal(t, "b2", found.UUID)

	_, err = s.FindBackupByNetworkAndPath("net-2", "backups/b2")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateBackupVersionCheck(t *testing.T) {
	s := newTestStore(t)

	b := &types.Backup{UUID: "b1", Network: "net-1", Status: types.BackupQueued}
	require.NoError(t, s.CreateBackup(b))
	assert.Equal(t, int64(1), b.Version)

	first, err := s.GetBackup("b1")
	require.NoError(t, err)
	second, err := s.GetBackup("b1")
	require.NoError(t, err)

	first.Status = types.BackupInProgress
	require.NoError(t, s.UpdateBackup(first))
	assert.Equal(t, int64(2), first.Version)

	second.Status = types.BackupInProgress
	err = s.UpdateBackup(second)
	assert.ErrorIs(t, err, ErrVersionConflict, "stale writer loses")

	stored, err := s.GetBackup("b1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), stored.Version)

	assert.ErrorIs(t, s.UpdateBackup(&types.Backup{UUID: "missing"}), ErrNotFound)
}

func TestNodeKeys(t *testing.T) {
	s := newTestStore(t)

	now := time.Now()
	require.NoError(t, s.CreateNodeKey(&types.NodeKey{UUID: "k1", Node: "u1", PublicKey: "pk1", Expiration: now.Add(time.Hour)}))
	require.NoError(t, s.CreateNodeKey(&types.NodeKey{UUID: "k2", Node: "u1", PublicKey: "pk2", Expiration: now.Add(48 * time.Hour)}))

	keys, err := s.ListNodeKeysByNode("u1")
	require.NoError(t, err)
	require.Len(t, keys, 2)
	assert.Equal(t, "k2", keys[0].UUID, "latest expiration first")

	byHash, err := s.FindNodeKeyByHash(types.HashPublicKey("pk1"))
	require.NoError(t, err)
	assert.Equal(t, "k1", byHash.UUID)

	require.NoError(t, s.DeleteNodeKey("k1"))
	_, err = s.GetNodeKey("k1")
	assert.ErrorIs(t, err, ErrNotFound)
}

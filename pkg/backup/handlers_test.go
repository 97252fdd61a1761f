package backup_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/sagenet/pkg/backup"
	"github.com/cuemby/sagenet/pkg/blobstore"
	"github.com/cuemby/sagenet/pkg/kv"
	"github.com/cuemby/sagenet/pkg/lock"
	"github.com/cuemby/sagenet/pkg/notify"
	"github.com/cuemby/sagenet/pkg/notify/notifytest"
	"github.com/cuemby/sagenet/pkg/storage"
	"github.com/cuemby/sagenet/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func keyed(n *types.Node) *types.Node {
	n.Key = &types.NodeKey{UUID: "key-" + n.UUID, Node: n.UUID, PublicKey: "pk-" + n.UUID, Expiration: time.Now().Add(time.Hour)}
	return n
}

type sageSide struct {
	store  *storage.BoltStore
	notify *notify.Service
}

// newSage attaches a sage that knows node and handles backup notifications.
func newSage(t *testing.T, router *notifytest.Router, sage, node *types.Node) *sageSide {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	for _, n := range []*types.Node{sage, node} {
		require.NoError(t, store.CreateNode(n.Persistent()))
		key := *n.Key
		require.NoError(t, store.CreateNodeKey(&key))
	}

	kvStore, err := kv.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { kvStore.Close() })
	local, err := blobstore.NewLocalDriver(t.TempDir(), "")
	require.NoError(t, err)

	ns := notify.NewService(store, &notifytest.StaticSelf{Node: sage}, router, notify.DefaultConfig())
	t.Cleanup(ns.Close)
	o := backup.NewOrchestrator(store, &fakeIdentity{self: sage, sage: sage}, ns,
		lock.NewLocker(kvStore), local, store, backup.DefaultConfig())
	o.Register(ns)
	router.Attach(sage.UUID, ns)
	return &sageSide{store: store, notify: ns}
}

func TestBackupRegisteredWithSage(t *testing.T) {
	router := notifytest.NewRouter()
	f := newFixture(t)
	self := keyed(f.identity.self.Clone())
	sage := keyed(f.identity.sage.Clone())
	f.identity.sage = sage
	s := newSage(t, router, sage, self)

	require.NoError(t, f.store.CreateNode(sage.Persistent()))
	sageKey := *sage.Key
	require.NoError(t, f.store.CreateNodeKey(&sageKey))
	ns := notify.NewService(f.store, &notifytest.StaticSelf{Node: self}, router, notify.DefaultConfig())
	t.Cleanup(ns.Close)
	router.Attach(self.UUID, ns)

	o := backup.NewOrchestrator(f.store, f.identity, ns, f.locker, f.driver, f.store, f.cfg,
		backup.WithClock(func() time.Time { return now }))
	require.NoError(t, o.RunOnce(context.Background()))

	registered, err := s.store.ListBackupsByNetwork("net1")
	require.NoError(t, err)
	require.Len(t, registered, 1)
	assert.Equal(t, "sagenet_backups/home.example.com_20240305/", registered[0].Path)
	assert.True(t, registered[0].Success())

	// A repeated registration is ignored.
	payload := self.Persistent()
	payload.Backup = registered[0]
	receipt := ns.Notify(context.Background(), sage, notify.TypeRegisterBackup, payload)
	assert.True(t, receipt.Success)
	registered, err = s.store.ListBackupsByNetwork("net1")
	require.NoError(t, err)
	assert.Len(t, registered, 1)
}

func TestRegisterBackupRejectsInvalid(t *testing.T) {
	router := notifytest.NewRouter()
	f := newFixture(t)
	self := keyed(f.identity.self.Clone())
	sage := keyed(f.identity.sage.Clone())
	s := newSage(t, router, sage, self)

	require.NoError(t, f.store.CreateNode(sage.Persistent()))
	ns := notify.NewService(f.store, &notifytest.StaticSelf{Node: self}, router, notify.DefaultConfig())
	t.Cleanup(ns.Close)

	cases := map[string]func(n *types.Node){
		"no backup":       func(n *types.Node) { n.Backup = nil },
		"failed backup":   func(n *types.Node) { n.Backup.Status = types.BackupError },
		"other network":   func(n *types.Node) { n.Backup.Network = "net2" },
		"other node":      func(n *types.Node) { n.UUID = "intruder" },
		"payload network": func(n *types.Node) { n.Network = "net2" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			payload := self.Persistent()
			payload.Backup = &types.Backup{UUID: "b1", Network: "net1", Path: "p/", Status: types.BackupCompleted}
			mutate(payload)
			receipt := ns.Notify(context.Background(), sage, notify.TypeRegisterBackup, payload)
			assert.False(t, receipt.Success)
		})
	}
	backups, err := s.store.ListBackupsByNetwork("net1")
	require.NoError(t, err)
	assert.Empty(t, backups)
}

func TestRetrieveBackupAnswersWithNewest(t *testing.T) {
	router := notifytest.NewRouter()
	f := newFixture(t)
	self := keyed(f.identity.self.Clone())
	sage := keyed(f.identity.sage.Clone())
	s := newSage(t, router, sage, self)
	for i, status := range []types.BackupStatus{types.BackupCompleted, types.BackupCompleted, types.BackupError} {
		require.NoError(t, s.store.CreateBackup(&types.Backup{
			UUID: []string{"oldest", "newest", "failed"}[i], Network: "net1", Path: "p" + string(rune('0'+i)) + "/",
			Status: status, CreatedAt: now.Add(time.Duration(i) * time.Hour),
		}))
	}

	require.NoError(t, f.store.CreateNode(sage.Persistent()))
	ns := notify.NewService(f.store, &notifytest.StaticSelf{Node: self}, router, notify.DefaultConfig())
	t.Cleanup(ns.Close)
	var mu sync.Mutex
	var got *types.Node
	ns.Register(notify.TypeBackupResponse, notify.HandlerFunc(func(ctx context.Context, env *notify.Envelope) (any, error) {
		var n types.Node
		if err := env.Decode(&n); err != nil {
			return nil, err
		}
		mu.Lock()
		got = &n
		mu.Unlock()
		return nil, nil
	}))
	router.Attach(self.UUID, ns)

	request := self.Persistent()
	request.RestoreKey = "rk-1"
	receipt := ns.Notify(context.Background(), sage, notify.TypeRetrieveBackup, request)
	require.True(t, receipt.Success, receipt.Error)

	mu.Lock()
	defer mu.Unlock()
	require.NotNil(t, got)
	require.NotNil(t, got.Backup)
	assert.Equal(t, "newest", got.Backup.UUID, "failed backups are never offered")
	assert.Equal(t, "rk-1", got.RestoreKey)
}

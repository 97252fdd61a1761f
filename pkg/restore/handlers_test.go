package restore_test

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/cuemby/sagenet/pkg/backup"
	"github.com/cuemby/sagenet/pkg/blobstore"
	"github.com/cuemby/sagenet/pkg/identity"
	"github.com/cuemby/sagenet/pkg/kv"
	"github.com/cuemby/sagenet/pkg/lock"
	"github.com/cuemby/sagenet/pkg/notify"
	"github.com/cuemby/sagenet/pkg/notify/notifytest"
	"github.com/cuemby/sagenet/pkg/restore"
	"github.com/cuemby/sagenet/pkg/storage"
	"github.com/cuemby/sagenet/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sageIdentity satisfies backup.Identity for the sage side.
type sageIdentity struct{ *fakeIdentity }

func (s sageIdentity) RestoreMode() bool { return false }

type sageSide struct {
	store   *storage.BoltStore
	notify  *notify.Service
	restore *restore.Service
}

// newSage attaches a sage that knows node, owns network net1 in state and
// answers backup and restore notifications.
func newSage(t *testing.T, router *notifytest.Router, sage, node *types.Node, state types.NetworkState) *sageSide {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	for _, n := range []*types.Node{sage, node} {
		require.NoError(t, store.CreateNode(n.Persistent()))
		key := *n.Key
		require.NoError(t, store.CreateNodeKey(&key))
	}
	require.NoError(t, store.CreateNetwork(&types.Network{UUID: "net1", Name: "home", Domain: "example.com", State: state}))

	kvStore, err := kv.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { kvStore.Close() })
	local, err := blobstore.NewLocalDriver(t.TempDir(), "")
	require.NoError(t, err)
	id := &fakeIdentity{home: t.TempDir(), self: sage, sage: sage}

	ns := notify.NewService(store, &notifytest.StaticSelf{Node: sage}, router, notify.DefaultConfig())
	t.Cleanup(ns.Close)
	o := backup.NewOrchestrator(store, sageIdentity{id}, ns, lock.NewLocker(kvStore), local, store, backup.DefaultConfig())
	o.Register(ns)
	rs := restore.NewService(store, kvStore, lock.NewLocker(kvStore), id, ns, restore.DefaultConfig())
	rs.Register(ns)
	router.Attach(sage.UUID, ns)
	return &sageSide{store: store, notify: ns, restore: rs}
}

// attach wires the fixture's node into router and teaches it the sage.
func (f *fixture) attach(t *testing.T, router *notifytest.Router, opts ...restore.Option) (*notify.Service, *restore.Service) {
	t.Helper()
	require.NoError(t, f.store.CreateNode(f.identity.sage.Persistent()))
	key := *f.identity.sage.Key
	require.NoError(t, f.store.CreateNodeKey(&key))

	ns := notify.NewService(f.store, &notifytest.StaticSelf{Node: f.identity.self}, router, notify.DefaultConfig())
	t.Cleanup(ns.Close)
	svc := f.service(ns, opts...)
	t.Cleanup(svc.Close)
	svc.Register(ns)
	router.Attach(f.identity.self.UUID, ns)
	return ns, svc
}

func TestRequestBackupStagesNewest(t *testing.T) {
	router := notifytest.NewRouter()
	f := newFixture(t)
	s := newSage(t, router, f.identity.sage, f.identity.self, types.NetworkStateRestoring)
	require.NoError(t, s.store.CreateBackup(&types.Backup{
		UUID: "b1", Network: "net1", Path: backupPath, Status: types.BackupCompleted,
	}))
	_, svc := f.attach(t, router)
	ctx := context.Background()

	assert.ErrorIs(t, svc.RequestBackup(ctx, "rk-1"), restore.ErrUnknownKey)

	require.NoError(t, svc.RegisterRestore(ctx, "rk-1", f.bundle))
	require.NoError(t, svc.RequestBackup(ctx, "rk-1"))

	assert.Len(t, router.Sent(notify.TypeRetrieveBackup), 1)
	responses := router.Sent(notify.TypeBackupResponse)
	require.Len(t, responses, 1)
	var payload types.Node
	require.NoError(t, responses[0].Decode(&payload))
	assert.Equal(t, "rk-1", payload.RestoreKey)
	assert.Equal(t, "b1", payload.Backup.UUID)

	waitForMarker(t, f.home)
	assert.Contains(t, staged(t, f.home), "db/sagenet.db.zst")
	started, err := svc.IsRestoreStarted(ctx, "net1")
	require.NoError(t, err)
	assert.True(t, started)
}

func TestBackupResponseAnsweredBeforeDownload(t *testing.T) {
	router := notifytest.NewRouter()
	f := newFixture(t)
	s := newSage(t, router, f.identity.sage, f.identity.self, types.NetworkStateRestoring)
	require.NoError(t, s.store.CreateBackup(&types.Backup{
		UUID: "b1", Network: "net1", Path: backupPath, Status: types.BackupCompleted,
	}))

	gate := make(chan struct{})
	slow := restore.WithDriverFactory(func(cfg types.StorageConfig, creds types.StorageCredentials) (blobstore.Driver, error) {
		<-gate
		return blobstore.New(cfg, creds)
	})
	_, svc := f.attach(t, router, slow)
	ctx := context.Background()
	require.NoError(t, svc.RegisterRestore(ctx, "rk-1", f.bundle))

	done := make(chan error, 1)
	go func() { done <- svc.RequestBackup(ctx, "rk-1") }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		close(gate)
		t.Fatal("request waited for the download")
	}
	assert.Empty(t, staged(t, f.home), "nothing is staged before the download")

	close(gate)
	waitForMarker(t, f.home)
	assert.Contains(t, staged(t, f.home), "db/sagenet.db.zst")
}

func TestBackupResponseWithUnknownKey(t *testing.T) {
	router := notifytest.NewRouter()
	f := newFixture(t)
	s := newSage(t, router, f.identity.sage, f.identity.self, types.NetworkStateRestoring)
	f.attach(t, router)

	payload := f.identity.self.Persistent()
	payload.RestoreKey = "never-registered"
	payload.Backup = &types.Backup{UUID: "b1", Network: "net1", Path: backupPath}
	receipt := s.notify.Notify(context.Background(), f.identity.self, notify.TypeBackupResponse, payload)
	assert.False(t, receipt.Success)
	assert.Contains(t, receipt.Error, restore.ErrUnknownKey.Error())
}

func waitForMarker(t *testing.T, home string) {
	t.Helper()
	require.Eventually(t, func() bool {
		_, err := os.Stat(identity.MarkerPath(home))
		return err == nil
	}, 5*time.Second, 10*time.Millisecond, "backup staged")
}

func TestBackupResponseForAnotherNetwork(t *testing.T) {
	router := notifytest.NewRouter()
	f := newFixture(t)
	s := newSage(t, router, f.identity.sage, f.identity.self, types.NetworkStateRestoring)
	_, svc := f.attach(t, router)
	require.NoError(t, svc.RegisterRestore(context.Background(), "rk-1", f.bundle))

	payload := f.identity.self.Persistent()
	payload.Network = "net2"
	payload.RestoreKey = "rk-1"
	payload.Backup = &types.Backup{UUID: "b1", Network: "net2", Path: backupPath}
	receipt := s.notify.Notify(context.Background(), f.identity.self, notify.TypeBackupResponse, payload)
	assert.False(t, receipt.Success)

	_, err := os.Stat(identity.StagingPath(f.home))
	assert.True(t, os.IsNotExist(err))
}

func TestRestoreCompleteOnce(t *testing.T) {
	router := notifytest.NewRouter()
	f := newFixture(t)
	s := newSage(t, router, f.identity.sage, f.identity.self, types.NetworkStateRestoring)
	ns, _ := f.attach(t, router)
	ctx := context.Background()

	reply, err := ns.NotifySync(ctx, f.identity.sage, notify.TypeRestoreDone, f.identity.self.Persistent())
	require.NoError(t, err)
	var network types.Network
	require.NoError(t, json.Unmarshal(reply, &network))
	assert.Equal(t, types.NetworkStateRunning, network.State)

	stored, err := s.store.GetNetwork("net1")
	require.NoError(t, err)
	assert.Equal(t, types.NetworkStateRunning, stored.State)

	_, err = ns.NotifySync(ctx, f.identity.sage, notify.TypeRestoreDone, f.identity.self.Persistent())
	assert.Error(t, err, "a running network is not restored twice")
}

func TestRestoreCompleteRequiresRestoringNetwork(t *testing.T) {
	router := notifytest.NewRouter()
	f := newFixture(t)
	s := newSage(t, router, f.identity.sage, f.identity.self, types.NetworkStateRunning)
	ns, _ := f.attach(t, router)

	_, err := ns.NotifySync(context.Background(), f.identity.sage, notify.TypeRestoreDone, f.identity.self.Persistent())
	assert.Error(t, err)

	stored, err := s.store.GetNetwork("net1")
	require.NoError(t, err)
	assert.Equal(t, types.NetworkStateRunning, stored.State)
}

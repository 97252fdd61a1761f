package identity_test

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cuemby/sagenet/pkg/abort"
	"github.com/cuemby/sagenet/pkg/identity"
	"github.com/cuemby/sagenet/pkg/notify"
	"github.com/cuemby/sagenet/pkg/notify/notifytest"
	"github.com/cuemby/sagenet/pkg/storage"
	"github.com/cuemby/sagenet/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	home  string
	store *storage.BoltStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return &fixture{home: t.TempDir(), store: store}
}

func (f *fixture) service(opts ...identity.Option) *identity.Service {
	return identity.NewService(f.store, identity.DefaultConfig(f.home), opts...)
}

func (f *fixture) write(t *testing.T, name string, v any) {
	t.Helper()
	require.NoError(t, identity.WriteFile(f.home, name, v))
}

func (f *fixture) read(t *testing.T, name string, v any) {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(f.home, name))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, v))
}

func selfNode() *types.Node {
	return &types.Node{
		UUID:    "u1",
		FQDN:    "f1.example.com",
		IP4:     "203.0.113.20",
		Network: "net1",
		Account: "acct1",
		State:   types.NodeStateStarting,
	}
}

func sageNode() *types.Node {
	return &types.Node{
		UUID:  "sage1",
		FQDN:  "sage.example.com",
		IP4:   "203.0.113.10",
		State: types.NodeStateRunning,
	}
}

func TestThisNodeWithoutIdentityFile(t *testing.T) {
	f := newFixture(t)
	node, err := f.service().ThisNode(context.Background())
	require.NoError(t, err)
	assert.Nil(t, node)

	nodes, err := f.store.ListNodes()
	require.NoError(t, err)
	assert.Empty(t, nodes)
}

func TestFreshNodeCreatesExactlyOneRecord(t *testing.T) {
	f := newFixture(t)
	f.write(t, identity.SelfNodeFile, selfNode())

	node, err := f.service().ThisNode(context.Background())
	require.NoError(t, err)
	require.NotNil(t, node)
	assert.Equal(t, "u1", node.UUID)
	assert.Equal(t, types.NodeStateRunning, node.State)
	require.NotNil(t, node.Key, "a key is generated so the node can be addressed")

	nodes, err := f.store.ListNodes()
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, "u1", nodes[0].UUID)
	assert.Equal(t, "f1.example.com", nodes[0].FQDN)
	assert.Equal(t, types.NodeStateRunning, nodes[0].State)
	assert.Nil(t, nodes[0].Key, "transient fields are not persisted")

	keys, err := f.store.ListNodeKeysByNode("u1")
	require.NoError(t, err)
	assert.Len(t, keys, 1)
}

func TestRestartIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.write(t, identity.SelfNodeFile, selfNode())
	ctx := context.Background()

	first, err := f.service().ThisNode(ctx)
	require.NoError(t, err)
	before, err := f.store.GetNode("u1")
	require.NoError(t, err)

	second, err := f.service().ThisNode(ctx)
	require.NoError(t, err)
	after, err := f.store.GetNode("u1")
	require.NoError(t, err)

	assert.Equal(t, first.Key.UUID, second.Key.UUID, "unexpired key is reused")
	assert.True(t, before.UpdatedAt.Equal(after.UpdatedAt), "no write when nothing changed")
	nodes, err := f.store.ListNodes()
	require.NoError(t, err)
	assert.Len(t, nodes, 1)
}

func TestExistingRecordIsPromotedAndReconciled(t *testing.T) {
	f := newFixture(t)
	stored := selfNode()
	stored.State = types.NodeStateStopped
	stored.IP6 = "2001:db8::1"
	require.NoError(t, f.store.CreateNode(stored))

	file := selfNode()
	file.IP6 = ""
	f.write(t, identity.SelfNodeFile, file)

	node, err := f.service().ThisNode(context.Background())
	require.NoError(t, err)
	assert.Equal(t, types.NodeStateRunning, node.State)
	assert.Equal(t, "2001:db8::1", node.IP6, "address missing from the file is kept")

	got, err := f.store.GetNode("u1")
	require.NoError(t, err)
	assert.Equal(t, types.NodeStateRunning, got.State)
}

func TestDisagreeingRecordsAreReplaced(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.CreateNode(&types.Node{UUID: "u1", FQDN: "other.example.com"}))
	require.NoError(t, f.store.CreateNode(&types.Node{UUID: "u2", FQDN: "f1.example.com"}))
	file := selfNode()
	file.IP4 = ""
	f.write(t, identity.SelfNodeFile, file)

	node, err := f.service().ThisNode(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "u1", node.UUID)

	nodes, err := f.store.ListNodes()
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, "f1.example.com", nodes[0].FQDN)
}

func TestFQDNOnlyMatchIsReplaced(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.CreateNode(&types.Node{UUID: "stale", FQDN: "f1.example.com"}))
	f.write(t, identity.SelfNodeFile, selfNode())

	node, err := f.service().ThisNode(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "u1", node.UUID)

	_, err = f.store.GetNode("stale")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestIP4MatchIsAdopted(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.CreateNode(&types.Node{
		UUID:  "assigned",
		FQDN:  "assigned.example.com",
		IP4:   "203.0.113.20",
		State: types.NodeStateBooting,
	}))
	f.write(t, identity.SelfNodeFile, selfNode())

	node, err := f.service().ThisNode(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "assigned", node.UUID)
	assert.Equal(t, types.NodeStateRunning, node.State)
}

func TestWrongFQDNIsFatal(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.CreateNode(&types.Node{UUID: "u1", FQDN: "moved.example.com"}))
	file := selfNode()
	file.IP4 = ""
	f.write(t, identity.SelfNodeFile, file)

	_, err := f.service().ThisNode(context.Background())
	require.Error(t, err)
	assert.True(t, abort.Is(err))
}

func TestCorruptIdentityFileIsFatal(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, os.WriteFile(filepath.Join(f.home, identity.SelfNodeFile), []byte("{nope"), 0o600))

	_, err := f.service().ThisNode(context.Background())
	require.Error(t, err)
	assert.True(t, abort.Is(err))
}

func TestSetActivated(t *testing.T) {
	f := newFixture(t)
	svc := f.service()
	ctx := context.Background()

	node, err := svc.ThisNode(ctx)
	require.NoError(t, err)
	require.Nil(t, node)

	node, err = svc.SetActivated(ctx, selfNode())
	require.NoError(t, err)
	assert.Equal(t, "u1", node.UUID)

	var onDisk types.Node
	f.read(t, identity.SelfNodeFile, &onDisk)
	assert.Equal(t, "f1.example.com", onDisk.FQDN)
}

func TestSageFromFile(t *testing.T) {
	f := newFixture(t)
	self := selfNode()
	self.SageNode = "sage1"
	f.write(t, identity.SelfNodeFile, self)
	f.write(t, identity.SageNodeFile, sageNode())
	f.write(t, identity.SageKeyFile, &types.NodeKey{
		UUID:       "sagekey1",
		Node:       "sage1",
		PublicKey:  "sage-public",
		Expiration: time.Now().Add(time.Hour),
	})
	svc := f.service()
	ctx := context.Background()

	sage, err := svc.SageNode(ctx)
	require.NoError(t, err)
	require.NotNil(t, sage)
	assert.Equal(t, "sage1", sage.UUID)

	stored, err := f.store.GetNode("sage1")
	require.NoError(t, err)
	assert.Equal(t, "sage.example.com", stored.FQDN)

	key, err := svc.SageKey(ctx)
	require.NoError(t, err)
	assert.Equal(t, "sagekey1", key.UUID)
	assert.Equal(t, types.HashPublicKey("sage-public"), key.PublicKeyHash)

	isSage, err := svc.IsSelfSage(ctx)
	require.NoError(t, err)
	assert.False(t, isSage)
}

func TestNoSage(t *testing.T) {
	f := newFixture(t)
	f.write(t, identity.SelfNodeFile, selfNode())
	svc := f.service()

	sage, err := svc.SageNode(context.Background())
	require.NoError(t, err)
	assert.Nil(t, sage)

	_, err = svc.SageKey(context.Background())
	assert.ErrorIs(t, err, identity.ErrNoSageKey)
}

func TestStaleSageRecordIsDeleted(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.CreateNode(&types.Node{UUID: "old-sage", FQDN: "sage.example.com", IP4: "203.0.113.99"}))
	f.write(t, identity.SelfNodeFile, selfNode())
	f.write(t, identity.SageNodeFile, sageNode())

	sage, err := f.service().SageNode(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "sage1", sage.UUID)

	_, err = f.store.GetNode("old-sage")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestLoopbackSageFallsBackToSelf(t *testing.T) {
	f := newFixture(t)
	sage := sageNode()
	sage.IP4 = "127.0.0.1"
	f.write(t, identity.SelfNodeFile, selfNode())
	f.write(t, identity.SageNodeFile, sage)
	svc := f.service()
	ctx := context.Background()

	got, err := svc.SageNode(ctx)
	require.NoError(t, err)
	assert.Equal(t, "u1", got.UUID)

	isSage, err := svc.IsSelfSage(ctx)
	require.NoError(t, err)
	assert.True(t, isSage)
}

func TestLoopbackSageAndSelfIsFatal(t *testing.T) {
	f := newFixture(t)
	self := selfNode()
	self.IP4 = "127.0.0.1"
	sage := sageNode()
	sage.IP4 = "127.0.0.1"
	f.write(t, identity.SelfNodeFile, self)
	f.write(t, identity.SageNodeFile, sage)

	_, err := f.service().SageNode(context.Background())
	require.Error(t, err)
	assert.True(t, abort.Is(err))
}

func TestSageFromStoreWhenNoFile(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.CreateNode(sageNode()))
	self := selfNode()
	self.SageNode = "sage1"
	f.write(t, identity.SelfNodeFile, self)

	sage, err := f.service().SageNode(context.Background())
	require.NoError(t, err)
	require.NotNil(t, sage)
	assert.Equal(t, "sage.example.com", sage.FQDN)
}

func TestInvalidateSageRereadsFile(t *testing.T) {
	f := newFixture(t)
	f.write(t, identity.SelfNodeFile, selfNode())
	f.write(t, identity.SageNodeFile, sageNode())
	svc := f.service()
	ctx := context.Background()

	sage, err := svc.SageNode(ctx)
	require.NoError(t, err)
	assert.Equal(t, "sage1", sage.UUID)

	next := &types.Node{UUID: "sage2", FQDN: "sage2.example.com", IP4: "203.0.113.11"}
	f.write(t, identity.SageNodeFile, next)

	sage, err = svc.SageNode(ctx)
	require.NoError(t, err)
	assert.Equal(t, "sage1", sage.UUID, "cached until invalidated")

	svc.InvalidateSage()
	sage, err = svc.SageNode(ctx)
	require.NoError(t, err)
	assert.Equal(t, "sage2", sage.UUID)
}

type stubFetcher struct {
	calls atomic.Int32
	key   *types.NodeKey
	err   error
}

func (s *stubFetcher) FetchKey(ctx context.Context, sage *types.Node) (*types.NodeKey, error) {
	s.calls.Add(1)
	if s.err != nil {
		return nil, s.err
	}
	k := *s.key
	return &k, nil
}

func TestSageKeyRotation(t *testing.T) {
	now := time.Now()
	ctx := context.Background()

	t.Run("fresh stored key is reused", func(t *testing.T) {
		f := newFixture(t)
		f.write(t, identity.SelfNodeFile, selfNode())
		f.write(t, identity.SageNodeFile, sageNode())
		require.NoError(t, f.store.CreateNodeKey(&types.NodeKey{
			UUID: "stored", Node: "sage1", PublicKey: "p1", Expiration: now.Add(time.Hour),
		}))
		fetcher := &stubFetcher{err: errors.New("should not be called")}

		key, err := f.service(identity.WithKeyFetcher(fetcher)).SageKey(ctx)
		require.NoError(t, err)
		assert.Equal(t, "stored", key.UUID)
		assert.Zero(t, fetcher.calls.Load())
	})

	t.Run("expiring stored key is replaced from file", func(t *testing.T) {
		f := newFixture(t)
		f.write(t, identity.SelfNodeFile, selfNode())
		f.write(t, identity.SageNodeFile, sageNode())
		require.NoError(t, f.store.CreateNodeKey(&types.NodeKey{
			UUID: "stored", Node: "sage1", PublicKey: "p1", Expiration: now.Add(time.Minute),
		}))
		f.write(t, identity.SageKeyFile, &types.NodeKey{
			UUID: "fromfile", Node: "sage1", PublicKey: "p2", Expiration: now.Add(48 * time.Hour),
		})

		key, err := f.service().SageKey(ctx)
		require.NoError(t, err)
		assert.Equal(t, "fromfile", key.UUID)
	})

	t.Run("duplicates by uuid and hash are cleaned", func(t *testing.T) {
		f := newFixture(t)
		f.write(t, identity.SelfNodeFile, selfNode())
		f.write(t, identity.SageNodeFile, sageNode())
		require.NoError(t, f.store.CreateNodeKey(&types.NodeKey{
			UUID: "fromfile", Node: "sage1", PublicKey: "old", Expiration: now.Add(time.Minute),
		}))
		require.NoError(t, f.store.CreateNodeKey(&types.NodeKey{
			UUID: "samehash", Node: "sage1", PublicKey: "p2", Expiration: now.Add(2 * time.Minute),
		}))
		f.write(t, identity.SageKeyFile, &types.NodeKey{
			UUID: "fromfile", Node: "sage1", PublicKey: "p2", Expiration: now.Add(48 * time.Hour),
		})

		key, err := f.service().SageKey(ctx)
		require.NoError(t, err)
		assert.Equal(t, "fromfile", key.UUID)
		assert.Equal(t, "p2", key.PublicKey)

		keys, err := f.store.ListNodeKeysByNode("sage1")
		require.NoError(t, err)
		require.Len(t, keys, 1)
		assert.Equal(t, "fromfile", keys[0].UUID)
	})

	t.Run("expired file key triggers fetch", func(t *testing.T) {
		f := newFixture(t)
		f.write(t, identity.SelfNodeFile, selfNode())
		f.write(t, identity.SageNodeFile, sageNode())
		f.write(t, identity.SageKeyFile, &types.NodeKey{
			UUID: "expired", Node: "sage1", PublicKey: "p1", Expiration: now.Add(-time.Hour),
		})
		fetcher := &stubFetcher{key: &types.NodeKey{
			UUID: "fetched", PublicKey: "p3", Expiration: now.Add(72 * time.Hour),
		}}

		key, err := f.service(identity.WithKeyFetcher(fetcher)).SageKey(ctx)
		require.NoError(t, err)
		assert.Equal(t, "fetched", key.UUID)
		assert.Equal(t, "sage1", key.Node)
		assert.EqualValues(t, 1, fetcher.calls.Load())

		var onDisk types.NodeKey
		f.read(t, identity.SageKeyFile, &onDisk)
		assert.Equal(t, "fetched", onDisk.UUID, "fetched key replaces the file")
	})

	t.Run("no key anywhere", func(t *testing.T) {
		f := newFixture(t)
		f.write(t, identity.SelfNodeFile, selfNode())
		f.write(t, identity.SageNodeFile, sageNode())

		_, err := f.service().SageKey(ctx)
		assert.ErrorIs(t, err, identity.ErrNoSageKey)
	})
}

func TestSelfKeyRenewal(t *testing.T) {
	f := newFixture(t)
	f.write(t, identity.SelfNodeFile, selfNode())
	require.NoError(t, f.store.CreateNodeKey(&types.NodeKey{
		UUID: "old", Node: "u1", PublicKey: "p0", Expiration: time.Now().Add(time.Hour),
	}))

	key, err := f.service().SelfKey(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, "old", key.UUID, "a key expiring within a day is renewed")
	assert.True(t, key.Expiration.After(time.Now().Add(48*time.Hour)))
}

func TestFinalizeRestoreWithoutSage(t *testing.T) {
	f := newFixture(t)
	self := selfNode()
	self.WasRestored = true
	f.write(t, identity.SelfNodeFile, self)
	require.NoError(t, os.WriteFile(identity.MarkerPath(f.home), nil, 0o600))
	svc := f.service()
	require.True(t, svc.RestoreMode())

	node, err := svc.ThisNode(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "u1", node.UUID)
	assert.False(t, svc.RestoreMode())

	var onDisk types.Node
	f.read(t, identity.SelfNodeFile, &onDisk)
	assert.False(t, onDisk.WasRestored)
}

// restoreFleet wires a restored node and its sage through an in-memory
// router. The sage records every restore_complete it receives.
func restoreFleet(t *testing.T) (*fixture, *identity.Service, *notifytest.Router, *atomic.Int32) {
	t.Helper()
	f := newFixture(t)
	self := selfNode()
	self.SageNode = "sage1"
	self.WasRestored = true
	f.write(t, identity.SelfNodeFile, self)
	f.write(t, identity.SageNodeFile, sageNode())
	f.write(t, identity.SageKeyFile, &types.NodeKey{
		UUID: "sagekey1", Node: "sage1", PublicKey: "sage-public", Expiration: time.Now().Add(time.Hour),
	})
	require.NoError(t, os.WriteFile(identity.MarkerPath(f.home), nil, 0o600))

	cfg := notify.DefaultConfig()
	cfg.SyncTimeout = 2 * time.Second
	cfg.DeliveryTimeout = time.Second
	router := notifytest.NewRouter()

	svc := f.service()
	nodeNotify := notify.NewService(f.store, svc.Local(), router, cfg)
	t.Cleanup(nodeNotify.Close)
	svc.SetNotifier(nodeNotify)
	router.Attach("u1", nodeNotify)

	sageStore, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { sageStore.Close() })
	require.NoError(t, sageStore.CreateNode(selfNode()))
	sageNotify := notify.NewService(sageStore, &notifytest.StaticSelf{Node: sageNode()}, router, cfg)
	t.Cleanup(sageNotify.Close)
	router.Attach("sage1", sageNotify)

	var acks atomic.Int32
	sageNotify.Register(notify.TypeRestoreDone, notify.HandlerFunc(func(ctx context.Context, env *notify.Envelope) (any, error) {
		var node types.Node
		if err := env.Decode(&node); err != nil {
			return nil, err
		}
		if node.UUID != "u1" {
			return nil, errors.New("unexpected node")
		}
		acks.Add(1)
		return map[string]bool{"ok": true}, nil
	}))
	return f, svc, router, &acks
}

func TestFinalizeRestoreNotifiesSage(t *testing.T) {
	f, svc, router, acks := restoreFleet(t)
	ctx := context.Background()

	node, err := svc.ThisNode(ctx)
	require.NoError(t, err)
	assert.Equal(t, "u1", node.UUID)
	assert.EqualValues(t, 1, acks.Load())
	assert.False(t, svc.RestoreMode(), "marker is cleared")
	assert.Len(t, router.Sent(notify.TypeRestoreDone), 1)

	var onDisk types.Node
	f.read(t, identity.SelfNodeFile, &onDisk)
	assert.False(t, onDisk.WasRestored)

	_, err = svc.ThisNode(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, acks.Load(), "finalization runs once")
}

func TestFinalizeRestoreUnreachableSageIsFatal(t *testing.T) {
	_, svc, router, acks := restoreFleet(t)
	router.Partition("sage1")

	_, err := svc.ThisNode(context.Background())
	require.Error(t, err)
	assert.True(t, abort.Is(err))
	assert.Zero(t, acks.Load())
	assert.True(t, svc.RestoreMode(), "marker stays until the sage acknowledges")
}

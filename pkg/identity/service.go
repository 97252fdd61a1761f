package identity

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuemby/sagenet/pkg/abort"
	"github.com/cuemby/sagenet/pkg/events"
	"github.com/cuemby/sagenet/pkg/log"
	"github.com/cuemby/sagenet/pkg/metrics"
	"github.com/cuemby/sagenet/pkg/notify"
	"github.com/cuemby/sagenet/pkg/storage"
	"github.com/cuemby/sagenet/pkg/types"
	"github.com/rs/zerolog"
)

// Config locates identity files and sets key lifetimes
type Config struct {
	HomeDir string

	// MinSageKeyTTL is the shortest remaining lifetime a stored sage key
	// may have before it is replaced.
	MinSageKeyTTL time.Duration

	// SelfKeyTTL is the lifetime of a newly generated node key.
	SelfKeyTTL time.Duration

	// KeyRenewWindow triggers a new node key once every existing key
	// expires within it.
	KeyRenewWindow time.Duration
}

// DefaultConfig returns production settings for home
func DefaultConfig(home string) Config {
	return Config{
		HomeDir:        home,
		MinSageKeyTTL:  5 * time.Minute,
		SelfKeyTTL:     72 * time.Hour,
		KeyRenewWindow: 24 * time.Hour,
	}
}

// Option configures a Service
type Option func(*Service)

// WithKeyFetcher sets how sage keys are fetched when no local copy is usable.
func WithKeyFetcher(f KeyFetcher) Option {
	return func(s *Service) { s.fetcher = f }
}

// WithEvents publishes restore completion to broker.
func WithEvents(broker *events.Broker) Option {
	return func(s *Service) { s.events = broker }
}

// WithClock overrides the clock used for key expiry.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// Service owns the local node's identity and its view of the sage. Both
// are resolved lazily from the home directory and the object store, then
// cached until invalidated.
type Service struct {
	store   storage.Store
	fetcher KeyFetcher
	events  *events.Broker
	cfg     Config
	now     func() time.Time
	logger  zerolog.Logger

	notifierMu sync.RWMutex
	notifier   notify.Notifier

	selfMu     sync.Mutex
	self       *types.Node
	nullWarned bool

	sageMu sync.Mutex
	sage   *types.Node

	keyMu sync.Mutex

	wasRestored atomic.Bool
	finalizeMu  sync.Mutex
}

// NewService creates an identity service
func NewService(store storage.Store, cfg Config, opts ...Option) *Service {
	s := &Service{
		store:  store,
		cfg:    cfg,
		now:    time.Now,
		logger: log.WithComponent("identity"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetNotifier installs the transport used to tell the sage a restore is
// complete. The transport itself depends on the service, so it is wired
// after construction.
func (s *Service) SetNotifier(n notify.Notifier) {
	s.notifierMu.Lock()
	defer s.notifierMu.Unlock()
	s.notifier = n
}

func (s *Service) notifierOrNil() notify.Notifier {
	s.notifierMu.RLock()
	defer s.notifierMu.RUnlock()
	return s.notifier
}

// ThisNode returns the local node. A nil node with a nil error means no
// identity file exists yet. A pending restore is finalized with the sage
// before the node is returned; failure to do so is fatal.
func (s *Service) ThisNode(ctx context.Context) (*types.Node, error) {
	node, err := s.loadSelf(ctx)
	if err != nil || node == nil || !s.wasRestored.Load() {
		return node, err
	}

	s.finalizeMu.Lock()
	defer s.finalizeMu.Unlock()
	if !s.wasRestored.Load() {
		return node, nil
	}
	return s.finalizeRestore(ctx, node)
}

// Local returns a notify.SelfProvider that resolves the node without
// finalizing a pending restore. The transport uses it so finalization can
// itself send notifications.
func (s *Service) Local() notify.SelfProvider {
	return localSelf{s}
}

type localSelf struct{ s *Service }

func (l localSelf) ThisNode(ctx context.Context) (*types.Node, error) {
	return l.s.loadSelf(ctx)
}

func (s *Service) loadSelf(ctx context.Context) (*types.Node, error) {
	s.selfMu.Lock()
	defer s.selfMu.Unlock()
	if s.self != nil {
		return s.self.Clone(), nil
	}
	node, err := s.initThisNode()
	if err != nil || node == nil {
		return nil, err
	}
	s.self = node
	return node.Clone(), nil
}

func (s *Service) initThisNode() (*types.Node, error) {
	path := s.path(SelfNodeFile)
	file, err := readJSON[types.Node](path)
	if err != nil {
		return nil, abort.Wrap("init this node", err)
	}
	if file == nil {
		if !s.nullWarned {
			s.nullWarned = true
			s.logger.Warn().Str("path", path).Msg("No identity file, node is not initialized")
		}
		return nil, nil
	}
	if file.UUID == "" || file.FQDN == "" {
		return nil, abort.Errorf("init this node", "%s has no uuid or fqdn", path)
	}
	s.wasRestored.Store(file.WasRestored)

	node, err := s.initSelf(file)
	if err != nil {
		return nil, err
	}
	key, err := s.ensureSelfKey(node)
	if err != nil {
		return nil, err
	}
	node.Key = key
	s.logger.Debug().Str("node", node.UUID).Str("fqdn", node.FQDN).Bool("was_restored", file.WasRestored).Msg("Loaded identity")
	return node, nil
}

// initSelf reconciles the identity file with the object store.
func (s *Service) initSelf(file *types.Node) (*types.Node, error) {
	byUUID, err := lookup(s.store.GetNode(file.UUID))
	if err != nil {
		return nil, err
	}
	byFQDN, err := lookup(s.store.FindNodeByFQDN(file.FQDN))
	if err != nil {
		return nil, err
	}
	var byIP4 *types.Node
	if file.IP4 != "" {
		if byIP4, err = lookup(s.store.FindNodeByIP4(file.IP4)); err != nil {
			return nil, err
		}
	}

	switch {
	case byUUID == nil && byFQDN == nil && byIP4 == nil:
		return s.createSelf(file)

	case byUUID != nil && byFQDN != nil:
		if byUUID.UUID == byFQDN.UUID {
			return s.reconcileSelf(file, byUUID)
		}
		s.logger.Warn().
			Str("by_uuid", byUUID.UUID).
			Str("by_fqdn", byFQDN.UUID).
			Msg("Identity records disagree, recreating")
		if err := s.deleteNodes(byUUID.UUID, byFQDN.UUID); err != nil {
			return nil, err
		}
		return s.createSelf(file)

	case byUUID == nil && byIP4 == nil:
		s.logger.Warn().Str("stale", byFQDN.UUID).Str("fqdn", file.FQDN).Msg("Replacing stale record with our fqdn")
		if err := s.deleteNodes(byFQDN.UUID); err != nil {
			return nil, err
		}
		return s.createSelf(file)

	case byIP4 != nil:
		s.logger.Info().Str("node", byIP4.UUID).Str("ip4", file.IP4).Msg("Adopting record matching our ip4")
		return s.ensureRunning(byIP4)

	default:
		return nil, abort.Errorf("init self", "wrong fqdn for %s: expected %s, found %s", file.UUID, file.FQDN, byUUID.FQDN)
	}
}

func (s *Service) createSelf(file *types.Node) (*types.Node, error) {
	node := file.Persistent()
	node.State = types.NodeStateRunning
	if err := s.store.CreateNode(node); err != nil {
		return nil, fmt.Errorf("create self %s: %w", node.UUID, err)
	}
	s.logger.Info().Str("node", node.UUID).Str("fqdn", node.FQDN).Msg("Created self record")
	return node, nil
}

// reconcileSelf prefers the identity file, keeping addresses the file does
// not know.
func (s *Service) reconcileSelf(file, db *types.Node) (*types.Node, error) {
	node := file.Persistent()
	node.CreatedAt = db.CreatedAt
	node.UpdatedAt = db.UpdatedAt

	if node.IP4 == "" {
		node.IP4 = db.IP4
	} else if db.IP4 != "" && db.IP4 != node.IP4 {
		s.logger.Warn().Str("file", node.IP4).Str("store", db.IP4).Msg("Identity file and store differ on ip4, using file")
	}
	if node.IP6 == "" {
		node.IP6 = db.IP6
	} else if db.IP6 != "" && db.IP6 != node.IP6 {
		s.logger.Warn().Str("file", node.IP6).Str("store", db.IP6).Msg("Identity file and store differ on ip6, using file")
	}
	node.State = types.NodeStateRunning

	if sameNode(node, db) {
		return node, nil
	}
	if err := s.store.UpdateNode(node); err != nil {
		return nil, fmt.Errorf("update self %s: %w", node.UUID, err)
	}
	return node, nil
}

func (s *Service) ensureRunning(node *types.Node) (*types.Node, error) {
	if node.State == types.NodeStateRunning {
		return node, nil
	}
	node.State = types.NodeStateRunning
	if err := s.store.UpdateNode(node); err != nil {
		return nil, fmt.Errorf("promote %s to running: %w", node.UUID, err)
	}
	return node, nil
}

func (s *Service) deleteNodes(ids ...string) error {
	for _, id := range ids {
		if err := storage.IgnoreNotFound(s.store.DeleteNode(id)); err != nil {
			return fmt.Errorf("delete node %s: %w", id, err)
		}
	}
	return nil
}

func sameNode(a, b *types.Node) bool {
	x, y := a.Persistent(), b.Persistent()
	x.UpdatedAt, y.UpdatedAt = time.Time{}, time.Time{}
	return reflect.DeepEqual(x, y)
}

// SetActivated writes a new identity file for node and reloads it.
func (s *Service) SetActivated(ctx context.Context, node *types.Node) (*types.Node, error) {
	if node == nil || node.UUID == "" || node.FQDN == "" {
		return nil, errors.New("activate: node needs a uuid and fqdn")
	}
	if err := writeJSON(s.path(SelfNodeFile), node.Persistent()); err != nil {
		return nil, err
	}
	s.selfMu.Lock()
	s.self = nil
	s.nullWarned = false
	s.selfMu.Unlock()
	s.InvalidateSage()
	return s.loadSelf(ctx)
}

// SelfKey returns the key peers use to address this node.
func (s *Service) SelfKey(ctx context.Context) (*types.NodeKey, error) {
	node, err := s.loadSelf(ctx)
	if err != nil {
		return nil, err
	}
	if node == nil {
		return nil, notify.ErrNoIdentity
	}
	key, err := s.ensureSelfKey(node)
	if err != nil {
		return nil, err
	}
	return key, nil
}

// SageNode returns the sage, or nil when none is known.
func (s *Service) SageNode(ctx context.Context) (*types.Node, error) {
	self, err := s.loadSelf(ctx)
	if err != nil || self == nil {
		return nil, err
	}

	s.sageMu.Lock()
	defer s.sageMu.Unlock()
	if s.sage != nil {
		return s.sage.Clone(), nil
	}
	sage, err := s.initSageNode(ctx, self)
	if err != nil || sage == nil {
		return nil, err
	}
	s.sage = sage
	return sage.Clone(), nil
}

// IsSelfSage reports whether this node is its own sage.
func (s *Service) IsSelfSage(ctx context.Context) (bool, error) {
	self, err := s.loadSelf(ctx)
	if err != nil || self == nil {
		return false, err
	}
	if self.IsSelfSage() {
		return true, nil
	}
	sage, err := s.SageNode(ctx)
	if err != nil {
		return false, err
	}
	return sage != nil && sage.UUID == self.UUID, nil
}

// InvalidateSage drops the cached sage so the next lookup re-reads the
// sage file and store.
func (s *Service) InvalidateSage() {
	s.sageMu.Lock()
	defer s.sageMu.Unlock()
	s.sage = nil
}

func (s *Service) initSageNode(ctx context.Context, self *types.Node) (*types.Node, error) {
	fileSage, err := readJSON[types.Node](s.path(SageNodeFile))
	if err != nil {
		return nil, abort.Wrap("init sage", err)
	}
	var dbSage *types.Node
	if self.HasSageNode() {
		if dbSage, err = lookup(s.store.GetNode(self.SageNode)); err != nil {
			return nil, err
		}
	}
	src := fileSage
	if src == nil {
		src = dbSage
	}
	if src == nil {
		return nil, nil
	}

	sage, err := s.syncSage(self, src, false)
	if err != nil {
		return nil, err
	}
	if sage.UUID != self.UUID {
		if _, err := s.sageKey(ctx, sage); err != nil {
			s.logger.Warn().Err(err).Str("sage", sage.UUID).Msg("No usable sage key")
		}
	}
	return sage, nil
}

// syncSage makes the store agree with sage and returns the stored record.
func (s *Service) syncSage(self, sage *types.Node, recursed bool) (*types.Node, error) {
	if sage.HasLocalIP4() {
		if recursed || self.HasLocalIP4() {
			return nil, abort.Errorf("sync sage", "sage %s and self %s both have local addresses", sage.UUID, self.UUID)
		}
		s.logger.Warn().Str("sage", sage.UUID).Str("ip4", sage.IP4).Msg("Sage address is local, using self as sage")
		return s.syncSage(self, self, true)
	}

	byFQDN, err := lookup(s.store.FindNodeByFQDN(sage.FQDN))
	if err != nil {
		return nil, err
	}
	if byFQDN != nil {
		if byFQDN.UUID == sage.UUID {
			if byFQDN.UpstreamUpdate(sage) {
				if err := s.store.UpdateNode(byFQDN); err != nil {
					return nil, fmt.Errorf("update sage %s: %w", sage.UUID, err)
				}
			}
			return byFQDN, nil
		}
		s.logger.Warn().Str("stale", byFQDN.UUID).Str("sage", sage.UUID).Str("fqdn", sage.FQDN).Msg("Deleting stale sage record")
		if err := s.deleteNodes(byFQDN.UUID); err != nil {
			return nil, err
		}
	}

	rec := sage.Persistent()
	err = s.store.CreateNode(rec)
	if errors.Is(err, storage.ErrAlreadyExists) {
		err = s.store.UpdateNode(rec)
	}
	if err != nil {
		return nil, fmt.Errorf("store sage %s: %w", sage.UUID, err)
	}
	return rec, nil
}

// SageKey returns a key for the sage valid for at least MinSageKeyTTL.
func (s *Service) SageKey(ctx context.Context) (*types.NodeKey, error) {
	sage, err := s.SageNode(ctx)
	if err != nil {
		return nil, err
	}
	if sage == nil {
		return nil, fmt.Errorf("no sage: %w", ErrNoSageKey)
	}
	return s.sageKey(ctx, sage)
}

// RestoreMode reports whether a staged restore awaits acknowledgement.
func (s *Service) RestoreMode() bool {
	_, err := os.Stat(MarkerPath(s.cfg.HomeDir))
	return err == nil
}

// HomeDir returns the directory holding identity files.
func (s *Service) HomeDir() string {
	return s.cfg.HomeDir
}

func (s *Service) finalizeRestore(ctx context.Context, self *types.Node) (*types.Node, error) {
	logger := log.WithNodeID(self.UUID).With().Str("component", "identity").Logger()

	sage, err := s.SageNode(ctx)
	if err != nil {
		return nil, err
	}
	if sage == nil || sage.UUID == self.UUID {
		if err := s.completeRestore(self); err != nil {
			return nil, err
		}
		logger.Warn().Msg("Restore finalized with no sage to notify")
		return self, nil
	}

	if _, err := s.sageKey(ctx, sage); err != nil {
		return nil, abort.Wrap("finalize restore", fmt.Errorf("sage %s unreachable: %w", sage.UUID, err))
	}
	n := s.notifierOrNil()
	if n == nil {
		return nil, abort.Errorf("finalize restore", "no transport to notify sage %s", sage.UUID)
	}
	if _, err := n.NotifySync(ctx, sage, notify.TypeRestoreDone, self.Persistent()); err != nil {
		return nil, abort.Wrap("finalize restore", fmt.Errorf("notify sage %s: %w", sage.UUID, err))
	}
	if err := s.completeRestore(self); err != nil {
		return nil, err
	}
	metrics.RestoresTotal.WithLabelValues("finalized").Inc()
	s.events.Publish(events.New(events.EventRestoreCompleted, "restore acknowledged by sage",
		"node", self.UUID, "sage", sage.UUID))
	logger.Info().Str("sage", sage.UUID).Msg("Restore complete")
	return self, nil
}

func (s *Service) completeRestore(self *types.Node) error {
	if err := writeJSON(s.path(SelfNodeFile), self.Persistent()); err != nil {
		return abort.Wrap("finalize restore", err)
	}
	if err := os.Remove(MarkerPath(s.cfg.HomeDir)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return abort.Wrap("finalize restore", err)
	}
	s.wasRestored.Store(false)
	return nil
}

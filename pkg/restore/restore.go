package restore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"
	"time"

	"github.com/cuemby/sagenet/pkg/blobstore"
	"github.com/cuemby/sagenet/pkg/events"
	"github.com/cuemby/sagenet/pkg/identity"
	"github.com/cuemby/sagenet/pkg/kv"
	"github.com/cuemby/sagenet/pkg/lock"
	"github.com/cuemby/sagenet/pkg/log"
	"github.com/cuemby/sagenet/pkg/metrics"
	"github.com/cuemby/sagenet/pkg/notify"
	"github.com/cuemby/sagenet/pkg/storage"
	"github.com/cuemby/sagenet/pkg/types"
	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
)

var (
	// ErrUnknownKey is returned for restore keys that were never registered
	// or have expired
	ErrUnknownKey = errors.New("unknown restore key")

	// ErrStagingNotEmpty is returned when a previous restore is still staged
	ErrStagingNotEmpty = errors.New("restore staging area not empty")

	// ErrWrongNetwork is returned when a bundle or backup belongs to another
	// network
	ErrWrongNetwork = errors.New("restore for another network")
)

// KeyPrefix namespaces restore key bundles in the coordination store
const KeyPrefix = "restore."

// Identity resolves the local node and its sage
type Identity interface {
	ThisNode(ctx context.Context) (*types.Node, error)
	SageNode(ctx context.Context) (*types.Node, error)
	HomeDir() string
}

// DriverFactory builds a storage driver from bundle credentials
type DriverFactory func(cfg types.StorageConfig, creds types.StorageCredentials) (blobstore.Driver, error)

// Config tunes restores
type Config struct {
	// Window is how long a registered restore key stays valid.
	Window          time.Duration `mapstructure:"window"`
	LockTimeout     time.Duration `mapstructure:"lock_timeout"`
	DeadlockTimeout time.Duration `mapstructure:"deadlock_timeout"`
}

// DefaultConfig returns production settings
func DefaultConfig() Config {
	return Config{
		Window:          24 * time.Hour,
		LockTimeout:     31 * time.Minute,
		DeadlockTimeout: 30 * time.Minute,
	}
}

// Marker is written to the restore marker file once a backup is staged
type Marker struct {
	Backup   string    `json:"backup"`
	Path     string    `json:"path"`
	StagedAt time.Time `json:"stagedAt"`
}

// Option configures a Service
type Option func(*Service)

// WithEvents publishes restore events to broker.
func WithEvents(broker *events.Broker) Option {
	return func(s *Service) { s.events = broker }
}

// WithDriverFactory replaces blobstore.New.
func WithDriverFactory(f DriverFactory) Option {
	return func(s *Service) { s.newDriver = f }
}

// Service stages backups for restore and completes the restore handshake
// on the sage.
type Service struct {
	store     storage.Store
	keys      kv.Store
	locker    *lock.Locker
	identity  Identity
	notifier  notify.Notifier
	newDriver DriverFactory
	events    *events.Broker
	cfg       Config
	logger    zerolog.Logger

	// completeMu makes the restoring to running transition happen once.
	completeMu sync.Mutex

	// Restores started by backup_response run on baseCtx.
	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewService creates a restore service. Restore key bundles live in
// coordination under KeyPrefix.
func NewService(store storage.Store, coordination kv.Store, locker *lock.Locker, identity Identity, notifier notify.Notifier, cfg Config, opts ...Option) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		baseCtx:   ctx,
		cancel:    cancel,
		store:     store,
		keys:      kv.WithPrefix(coordination, KeyPrefix),
		locker:    locker,
		identity:  identity,
		notifier:  notifier,
		newDriver: blobstore.New,
		cfg:       cfg,
		logger:    log.WithComponent("restore"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Close stops background restores and waits for them to return.
func (s *Service) Close() {
	s.cancel()
	s.wg.Wait()
}

// RegisterRestore stores bundle under key for the restore window.
func (s *Service) RegisterRestore(ctx context.Context, key string, bundle *types.RestoreKeyBundle) error {
	if key == "" {
		return fmt.Errorf("%w: empty", ErrUnknownKey)
	}
	data, err := json.Marshal(bundle)
	if err != nil {
		return err
	}
	if err := s.keys.Set(key, data, s.cfg.Window); err != nil {
		return fmt.Errorf("register restore key: %w", err)
	}
	s.logger.Info().Str("network", bundle.Network).Dur("window", s.cfg.Window).Msg("Restore key registered")
	return nil
}

// IsValidRestoreKey reports whether key holds an unexpired bundle.
func (s *Service) IsValidRestoreKey(ctx context.Context, key string) (bool, error) {
	return s.keys.Exists(key)
}

// IsRestoreStarted reports whether a restore of networkID is running or
// staged on this node.
func (s *Service) IsRestoreStarted(ctx context.Context, networkID string) (bool, error) {
	held, err := s.locker.Held(lock.NetworkKey(networkID))
	if err != nil {
		return false, err
	}
	if held {
		return true, nil
	}
	_, err = os.Stat(identity.MarkerPath(s.identity.HomeDir()))
	return err == nil, nil
}

func (s *Service) bundle(key string) (*types.RestoreKeyBundle, error) {
	data, err := s.keys.Get(key)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, ErrUnknownKey
	}
	if err != nil {
		return nil, err
	}
	var b types.RestoreKeyBundle
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("decode restore bundle: %w", err)
	}
	return &b, nil
}

// Restore fetches backup with the credentials registered under key into
// the staging area and writes the restore marker. The staged files are
// applied on the next boot by Apply. It reports false when nothing was
// staged.
func (s *Service) Restore(ctx context.Context, key string, backup *types.Backup) (bool, error) {
	self, err := s.identity.ThisNode(ctx)
	if err != nil {
		return false, err
	}
	if self == nil || self.Network == "" {
		return false, errors.New("restore: node not activated")
	}
	logger := s.logger.With().Str("network", self.Network).Str("backup", backup.UUID).Logger()

	h, err := s.locker.Acquire(ctx, lock.NetworkKey(self.Network), s.cfg.LockTimeout, s.cfg.DeadlockTimeout)
	if err != nil {
		metrics.RestoresTotal.WithLabelValues("busy").Inc()
		return false, fmt.Errorf("restore: %w", err)
	}
	defer func() {
		if err := s.locker.Release(h); err != nil {
			logger.Warn().Err(err).Msg("Failed to release network state lock")
		}
	}()

	ok, err := s.stage(ctx, self, key, backup, logger)
	if err != nil {
		metrics.RestoresTotal.WithLabelValues("failed").Inc()
		logger.Error().Err(err).Msg("Restore failed")
		return false, err
	}
	return ok, nil
}

func (s *Service) stage(ctx context.Context, self *types.Node, key string, backup *types.Backup, logger zerolog.Logger) (bool, error) {
	bundle, err := s.bundle(key)
	if err != nil {
		return false, err
	}
	if bundle.Network != "" && bundle.Network != self.Network {
		return false, fmt.Errorf("%w: bundle for %s", ErrWrongNetwork, bundle.Network)
	}
	if backup.Network != "" && backup.Network != self.Network {
		return false, fmt.Errorf("%w: backup of %s", ErrWrongNetwork, backup.Network)
	}

	home := s.identity.HomeDir()
	staging := identity.StagingPath(home)
	entries, err := os.ReadDir(staging)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return false, err
	}
	if len(entries) > 0 {
		return false, fmt.Errorf("%w: %s", ErrStagingNotEmpty, staging)
	}

	driver, err := s.newDriver(bundle.Storage, bundle.Credentials)
	if err != nil {
		return false, fmt.Errorf("storage driver: %w", err)
	}

	// Download next to the staging area so the final move is a rename.
	tmp, err := os.MkdirTemp(home, ".restore-*")
	if err != nil {
		return false, err
	}
	defer os.RemoveAll(tmp)

	logger.Info().Str("path", backup.Path).Msg("Downloading backup")
	files, size, err := blobstore.FetchDir(ctx, driver, backup.Path, tmp)
	if err != nil {
		return false, fmt.Errorf("download %s: %w", backup.Path, err)
	}
	if files == 0 {
		return false, fmt.Errorf("backup %s has no files", backup.Path)
	}

	if err := os.RemoveAll(staging); err != nil {
		return false, err
	}
	if err := os.Rename(tmp, staging); err != nil {
		return false, fmt.Errorf("stage restore: %w", err)
	}
	marker := Marker{Backup: backup.UUID, Path: backup.Path, StagedAt: time.Now().UTC()}
	if err := identity.WriteFile(home, identity.RestoreMarkerFile, marker); err != nil {
		return false, err
	}

	metrics.RestoresTotal.WithLabelValues("staged").Inc()
	s.events.Publish(events.New(events.EventRestoreStaged, "backup staged for restore",
		"backup", backup.UUID, "network", self.Network))
	logger.Info().
		Int("files", files).
		Str("size", humanize.IBytes(uint64(size))).
		Msg("Backup staged, restore applies on next boot")
	return true, nil
}

// RequestBackup asks the sage for the newest backup of this node's
// network. The sage answers with a backup_response that triggers Restore.
func (s *Service) RequestBackup(ctx context.Context, key string) error {
	valid, err := s.IsValidRestoreKey(ctx, key)
	if err != nil {
		return err
	}
	if !valid {
		return ErrUnknownKey
	}
	self, err := s.identity.ThisNode(ctx)
	if err != nil {
		return err
	}
	if self == nil {
		return errors.New("request backup: node not activated")
	}
	sage, err := s.identity.SageNode(ctx)
	if err != nil {
		return err
	}
	if sage == nil || sage.UUID == self.UUID {
		return errors.New("request backup: no sage to ask")
	}
	payload := self.Persistent()
	payload.RestoreKey = key
	receipt := s.notifier.Notify(ctx, sage, notify.TypeRetrieveBackup, payload)
	if !receipt.Success {
		return fmt.Errorf("retrieve_backup to %s: %s", sage.UUID, receipt.Error)
	}
	return nil
}

package backup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/cuemby/sagenet/pkg/blobstore"
	"github.com/cuemby/sagenet/pkg/daemon"
	"github.com/cuemby/sagenet/pkg/events"
	"github.com/cuemby/sagenet/pkg/lock"
	"github.com/cuemby/sagenet/pkg/log"
	"github.com/cuemby/sagenet/pkg/metrics"
	"github.com/cuemby/sagenet/pkg/notify"
	"github.com/cuemby/sagenet/pkg/storage"
	"github.com/cuemby/sagenet/pkg/types"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	// ErrDisabled is returned by QueueBackup when backups are turned off
	ErrDisabled = errors.New("backups disabled")

	// ErrRestoreMode is returned by QueueBackup while a restore is pending
	ErrRestoreMode = errors.New("restore in progress")

	// ErrNotActivated is returned when this node has no identity yet
	ErrNotActivated = errors.New("node not activated")
)

// PathPrefix is the top level directory of every backup in storage
const PathPrefix = "sagenet_backups"

// Identity resolves the local node and its sage
type Identity interface {
	ThisNode(ctx context.Context) (*types.Node, error)
	SageNode(ctx context.Context) (*types.Node, error)
	RestoreMode() bool
	HomeDir() string
}

// Dumper writes a consistent copy of the object store database
type Dumper interface {
	Dump(w io.Writer) (int64, error)
}

// Config tunes the backup daemon
type Config struct {
	Enabled bool `mapstructure:"enabled"`

	// ConfigFile is snapshotted as config.yaml when set and present.
	ConfigFile string `mapstructure:"-"`
	// ContentDir is mirrored under content/ when set and present.
	ContentDir string `mapstructure:"-"`

	// MaxAge is how old the newest successful backup may get before the
	// next one is taken.
	MaxAge time.Duration `mapstructure:"max_age"`

	StartupDelay time.Duration `mapstructure:"startup_delay"`
	Interval     time.Duration `mapstructure:"interval"`
	Jitter       time.Duration `mapstructure:"jitter"`

	LockTimeout     time.Duration `mapstructure:"lock_timeout"`
	DeadlockTimeout time.Duration `mapstructure:"deadlock_timeout"`
}

// DefaultConfig returns production settings
func DefaultConfig() Config {
	return Config{
		Enabled:         true,
		MaxAge:          24*time.Hour + 10*time.Minute,
		StartupDelay:    5 * time.Minute,
		Interval:        time.Hour,
		Jitter:          15 * time.Minute,
		LockTimeout:     30 * time.Minute,
		DeadlockTimeout: 25 * time.Minute,
	}
}

// Decision is the outcome of ShouldBackup
type Decision struct {
	Now    bool
	Queued *types.Backup
	Reason string
}

// Option configures an Orchestrator
type Option func(*Orchestrator)

// WithEvents publishes backup events to broker.
func WithEvents(broker *events.Broker) Option {
	return func(o *Orchestrator) { o.events = broker }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// Orchestrator decides when to back up this node's network and runs the
// backup steps under the network state lock.
type Orchestrator struct {
	store    storage.Store
	identity Identity
	notifier notify.Notifier
	locker   *lock.Locker
	driver   blobstore.Driver
	dumper   Dumper
	events   *events.Broker
	cfg      Config
	now      func() time.Time
	runner   *daemon.Runner
	logger   zerolog.Logger
}

// NewOrchestrator creates a backup orchestrator
func NewOrchestrator(store storage.Store, identity Identity, notifier notify.Notifier, locker *lock.Locker, driver blobstore.Driver, dumper Dumper, cfg Config, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:    store,
		identity: identity,
		notifier: notifier,
		locker:   locker,
		driver:   driver,
		dumper:   dumper,
		cfg:      cfg,
		now:      time.Now,
		logger:   log.WithComponent("backup"),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.runner = daemon.New(daemon.Config{
		Name:          "backup",
		StartupDelay:  cfg.StartupDelay,
		Interval:      cfg.Interval,
		Jitter:        cfg.Jitter,
		Interruptible: true,
	}, o.RunOnce)
	return o
}

// Start runs the backup daemon until ctx is done or Stop is called
func (o *Orchestrator) Start(ctx context.Context) {
	o.runner.Start(ctx)
}

// Stop halts the daemon
func (o *Orchestrator) Stop() {
	o.runner.Stop()
}

// Runner exposes the daemon for status reporting.
func (o *Orchestrator) Runner() *daemon.Runner {
	return o.runner
}

// Path returns where a backup of network taken at t is stored.
func Path(network *types.Network, t time.Time, label string) string {
	p := PathPrefix + "/" + network.FQDN() + "_" + t.UTC().Format("20060102")
	if label != "" {
		p += "_" + strings.ReplaceAll(label, "/", "_")
	}
	return p + "/"
}

func (o *Orchestrator) thisNetwork(ctx context.Context) (*types.Node, *types.Network, error) {
	self, err := o.identity.ThisNode(ctx)
	if err != nil {
		return nil, nil, err
	}
	if self == nil || self.Network == "" {
		return nil, nil, ErrNotActivated
	}
	network, err := o.store.GetNetwork(self.Network)
	if err != nil {
		return nil, nil, fmt.Errorf("network of %s: %w", self.UUID, err)
	}
	return self, network, nil
}

// ShouldBackup reports whether a backup should run now. A queued backup is
// always taken first. Otherwise a backup runs when no successful backup
// exists or the newest one is older than MaxAge.
func (o *Orchestrator) ShouldBackup(ctx context.Context) (Decision, error) {
	_, network, err := o.thisNetwork(ctx)
	if err != nil {
		return Decision{}, err
	}
	backups, err := o.store.ListBackupsByNetwork(network.UUID)
	if err != nil {
		return Decision{}, err
	}
	if len(backups) == 0 {
		return Decision{Now: true, Reason: "no backups"}, nil
	}
	// Oldest queued request first.
	for i := len(backups) - 1; i >= 0; i-- {
		if backups[i].Status == types.BackupQueued {
			return Decision{Now: true, Queued: backups[i], Reason: "queued"}, nil
		}
	}
	for _, b := range backups {
		if b.Success() {
			if age := o.now().Sub(b.CreatedAt); age > o.cfg.MaxAge {
				return Decision{Now: true, Reason: "newest backup is " + humanize.RelTime(b.CreatedAt, o.now(), "old", "ahead")}, nil
			}
			return Decision{Reason: "recent backup exists"}, nil
		}
	}
	return Decision{Now: true, Reason: "no successful backup"}, nil
}

// QueueBackup records a backup request and wakes the daemon to take it.
func (o *Orchestrator) QueueBackup(ctx context.Context, label string) (*types.Backup, error) {
	if !o.cfg.Enabled {
		return nil, ErrDisabled
	}
	if o.identity.RestoreMode() {
		return nil, ErrRestoreMode
	}
	self, network, err := o.thisNetwork(ctx)
	if err != nil {
		return nil, err
	}
	b := &types.Backup{
		UUID:    uuid.NewString(),
		Account: self.Account,
		Network: network.UUID,
		Path:    Path(network, o.now(), label),
		Label:   label,
		Status:  types.BackupQueued,
	}
	if err := o.store.CreateBackup(b); err != nil {
		return nil, fmt.Errorf("queue backup: %w", err)
	}
	o.logger.Info().Str("backup", b.UUID).Str("path", b.Path).Msg("Backup queued")
	o.runner.Interrupt()
	return b, nil
}

// RunOnce is one daemon cycle: it takes a backup if ShouldBackup says so.
// Lock contention and a missing identity skip the cycle silently.
func (o *Orchestrator) RunOnce(ctx context.Context) error {
	if !o.cfg.Enabled {
		o.logger.Debug().Msg("Backups not enabled")
		return nil
	}
	if o.identity.RestoreMode() {
		o.logger.Info().Msg("Restore mode is active, not backing up")
		return nil
	}
	self, network, err := o.thisNetwork(ctx)
	if errors.Is(err, ErrNotActivated) {
		return nil
	}
	if err != nil {
		return err
	}

	h, err := o.locker.Acquire(ctx, lock.NetworkKey(network.UUID), o.cfg.LockTimeout, o.cfg.DeadlockTimeout)
	if errors.Is(err, lock.ErrBusy) {
		o.logger.Info().Str("network", network.UUID).Msg("Network state locked, skipping backup")
		return nil
	}
	if err != nil {
		return err
	}
	defer func() {
		if err := o.locker.Release(h); err != nil {
			o.logger.Warn().Err(err).Msg("Failed to release network state lock")
		}
	}()

	// Decide under the lock so a run that waited on another sees its result.
	decision, err := o.ShouldBackup(ctx)
	if err != nil {
		return err
	}
	if !decision.Now {
		o.logger.Debug().Str("reason", decision.Reason).Msg("No backup needed")
		return nil
	}
	o.logger.Info().Str("reason", decision.Reason).Msg("Starting backup")

	b, err := o.begin(network, self, decision.Queued)
	if errors.Is(err, storage.ErrVersionConflict) {
		o.logger.Warn().Err(err).Msg("Backup record changed underneath us, skipping")
		return nil
	}
	if err != nil {
		return err
	}
	return o.execute(ctx, self, b)
}

// begin moves the backup record to backup_in_progress, reusing a queued or
// same-path record when there is one.
func (o *Orchestrator) begin(network *types.Network, self *types.Node, queued *types.Backup) (*types.Backup, error) {
	b := queued
	if b == nil {
		path := Path(network, o.now(), "")
		existing, err := o.store.FindBackupByNetworkAndPath(network.UUID, path)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
		if existing != nil {
			o.logger.Warn().Str("backup", existing.UUID).Str("path", path).
				Str("status", string(existing.Status)).Msg("Backup exists, overwriting")
			b = existing
		} else {
			b = &types.Backup{
				UUID:    uuid.NewString(),
				Account: self.Account,
				Network: network.UUID,
				Path:    path,
				Status:  types.BackupInProgress,
			}
			if err := o.store.CreateBackup(b); err != nil {
				return nil, fmt.Errorf("create backup record: %w", err)
			}
			return b, nil
		}
	}
	b.Status = types.BackupInProgress
	b.Error = ""
	if err := o.store.UpdateBackup(b); err != nil {
		return nil, fmt.Errorf("start backup %s: %w", b.UUID, err)
	}
	return b, nil
}

func (o *Orchestrator) execute(ctx context.Context, self *types.Node, b *types.Backup) error {
	timer := metrics.NewTimer()
	logger := o.logger.With().Str("backup", b.UUID).Str("path", b.Path).Logger()

	size, err := o.runSteps(ctx, self, b, logger)
	if err != nil {
		b.SetError(err)
		if uerr := o.store.UpdateBackup(b); uerr != nil {
			logger.Error().Err(uerr).Msg("Failed to record backup error")
		}
		metrics.BackupsTotal.WithLabelValues("failed").Inc()
		o.events.Publish(events.New(events.EventBackupFailed, b.Error, "backup", b.UUID, "network", b.Network))
		return fmt.Errorf("backup %s: %w", b.Path, err)
	}

	b.Status = types.BackupCompleted
	if err := o.store.UpdateBackup(b); err != nil {
		metrics.BackupsTotal.WithLabelValues("failed").Inc()
		return fmt.Errorf("complete backup %s: %w", b.UUID, err)
	}
	timer.ObserveDuration(metrics.BackupDuration)
	metrics.BackupsTotal.WithLabelValues("completed").Inc()
	logger.Info().
		Str("size", humanize.IBytes(uint64(size))).
		Dur("took", timer.Duration()).
		Msg("Backup completed")
	o.events.Publish(events.New(events.EventBackupCompleted, "backup completed",
		"backup", b.UUID, "network", b.Network, "path", b.Path))

	o.register(ctx, self, b)
	return nil
}

// register tells the sage about a completed backup. The receipt is only
// logged; the sage catches up on a later backup if this one is lost.
func (o *Orchestrator) register(ctx context.Context, self *types.Node, b *types.Backup) {
	if !self.HasSageNode() || self.IsSelfSage() {
		return
	}
	sage, err := o.identity.SageNode(ctx)
	if err != nil || sage == nil {
		o.logger.Warn().Err(err).Msg("Sage node not found, cannot register backup")
		return
	}
	payload := self.Persistent()
	payload.Backup = b
	receipt := o.notifier.Notify(ctx, sage, notify.TypeRegisterBackup, payload)
	if receipt.Success {
		o.logger.Info().Str("sage", sage.UUID).Msg("Sage notified of backup")
	} else {
		o.logger.Error().Str("sage", sage.UUID).Str("error", receipt.Error).Msg("Sage refused backup registration")
	}
}

package backup

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/sagenet/pkg/blobstore"
	"github.com/cuemby/sagenet/pkg/daemon"
	"github.com/cuemby/sagenet/pkg/events"
	"github.com/cuemby/sagenet/pkg/log"
	"github.com/cuemby/sagenet/pkg/metrics"
	"github.com/cuemby/sagenet/pkg/storage"
	"github.com/cuemby/sagenet/pkg/types"
	"github.com/rs/zerolog"
)

var (
	// ErrCleanerNeverRan is returned by CleanNow when no cycle completed in time
	// and none ever has.
	ErrCleanerNeverRan = errors.New("backup cleaner has never run")

	// ErrCleanerDidNotRun is returned by CleanNow when no new cycle completed
	// in time.
	ErrCleanerDidNotRun = errors.New("backup cleaner did not run")
)

// CleanerConfig tunes backup retention
type CleanerConfig struct {
	StartupDelay time.Duration `mapstructure:"startup_delay"`
	Interval     time.Duration `mapstructure:"interval"`

	// MaxBackups successful backups are kept per network.
	MaxBackups int `mapstructure:"max_backups"`
	// MinStuckAge is how old an unfinished backup must be before it is
	// removed.
	MinStuckAge time.Duration `mapstructure:"min_stuck_age"`
	// CleanNowTimeout bounds how long CleanNow waits for a cycle.
	CleanNowTimeout time.Duration `mapstructure:"clean_now_timeout"`
}

// DefaultCleanerConfig returns production settings
func DefaultCleanerConfig() CleanerConfig {
	return CleanerConfig{
		StartupDelay:    72 * time.Hour,
		Interval:        24 * time.Hour,
		MaxBackups:      7,
		MinStuckAge:     72 * time.Hour,
		CleanNowTimeout: 25 * time.Second,
	}
}

// Cleaner deletes backups beyond the retention count and backups stuck in
// an unfinished state.
type Cleaner struct {
	store    storage.Store
	identity Identity
	driver   blobstore.Driver
	events   *events.Broker
	cfg      CleanerConfig
	now      func() time.Time
	runner   *daemon.Runner
	logger   zerolog.Logger

	mu      sync.Mutex
	cleaned []*types.Backup
	ran     bool
}

// CleanerOption configures a Cleaner
type CleanerOption func(*Cleaner)

// WithCleanerEvents publishes deletion events to broker.
func WithCleanerEvents(broker *events.Broker) CleanerOption {
	return func(c *Cleaner) { c.events = broker }
}

// WithCleanerClock replaces time.Now.
func WithCleanerClock(now func() time.Time) CleanerOption {
	return func(c *Cleaner) { c.now = now }
}

// NewCleaner creates a backup cleaner
func NewCleaner(store storage.Store, identity Identity, driver blobstore.Driver, cfg CleanerConfig, opts ...CleanerOption) *Cleaner {
	c := &Cleaner{
		store:    store,
		identity: identity,
		driver:   driver,
		cfg:      cfg,
		now:      time.Now,
		logger:   log.WithComponent("backup-cleaner"),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.runner = daemon.New(daemon.Config{
		Name:          "backup-cleaner",
		StartupDelay:  cfg.StartupDelay,
		Interval:      cfg.Interval,
		Interruptible: true,
	}, c.cycle)
	return c
}

// Start runs the cleaner daemon until ctx is done or Stop is called
func (c *Cleaner) Start(ctx context.Context) {
	c.runner.Start(ctx)
}

// Stop halts the daemon
func (c *Cleaner) Stop() {
	c.runner.Stop()
}

// Runner exposes the daemon for status reporting.
func (c *Cleaner) Runner() *daemon.Runner {
	return c.runner
}

func (c *Cleaner) cycle(ctx context.Context) error {
	deleted, err := c.Clean(ctx)
	c.mu.Lock()
	c.cleaned = deleted
	c.ran = true
	c.mu.Unlock()
	return err
}

// CleanNow wakes the cleaner and waits for the cycle it triggers, returning
// the backups that cycle deleted.
func (c *Cleaner) CleanNow(ctx context.Context) ([]*types.Backup, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.CleanNowTimeout)
	defer cancel()

	next := c.runner.NextCycle()
	c.runner.Interrupt()
	select {
	case <-next:
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.cleaned, nil
	case <-ctx.Done():
		c.mu.Lock()
		ran := c.ran
		c.mu.Unlock()
		if !ran {
			return nil, ErrCleanerNeverRan
		}
		return nil, ErrCleanerDidNotRun
	}
}

// Clean applies retention to this node's network once. Successful backups
// beyond MaxBackups go oldest first; unfinished backups older than
// MinStuckAge are always swept.
func (c *Cleaner) Clean(ctx context.Context) ([]*types.Backup, error) {
	self, err := c.identity.ThisNode(ctx)
	if err != nil {
		return nil, err
	}
	if self == nil || self.Network == "" {
		return nil, nil
	}
	backups, err := c.store.ListBackupsByNetwork(self.Network)
	if err != nil {
		return nil, fmt.Errorf("list backups: %w", err)
	}

	var successful, stuck []*types.Backup
	now := c.now()
	for _, b := range backups {
		switch {
		case b.Success():
			successful = append(successful, b)
		case b.Stuck() && now.Sub(b.CreatedAt) > c.cfg.MinStuckAge:
			stuck = append(stuck, b)
		}
	}

	var deleted []*types.Backup
	var errs []error
	if len(successful) <= c.cfg.MaxBackups {
		c.logger.Info().Int("backups", len(successful)).Int("max", c.cfg.MaxBackups).Msg("Retention not exceeded")
	} else {
		// successful is newest first; trim from the end.
		for _, b := range successful[c.cfg.MaxBackups:] {
			if err := c.delete(ctx, b, "retention"); err != nil {
				errs = append(errs, err)
				continue
			}
			deleted = append(deleted, b)
		}
	}
	for _, b := range stuck {
		if err := c.delete(ctx, b, "stuck"); err != nil {
			errs = append(errs, err)
			continue
		}
		deleted = append(deleted, b)
	}
	return deleted, errors.Join(errs...)
}

// delete moves b through deleting, removes its files and then its record.
// A storage failure leaves the record in delete_error.
func (c *Cleaner) delete(ctx context.Context, b *types.Backup, reason string) error {
	logger := c.logger.With().Str("backup", b.UUID).Str("path", b.Path).Str("reason", reason).Logger()

	b.Status = types.BackupDeleting
	if err := c.store.UpdateBackup(b); err != nil {
		metrics.BackupsDeleted.WithLabelValues(reason, "error").Inc()
		return fmt.Errorf("mark %s deleting: %w", b.UUID, err)
	}
	if err := c.driver.Delete(ctx, b.Path); err != nil {
		logger.Error().Err(err).Msg("Failed to delete backup from storage")
		b.Status = types.BackupDeleteErr
		if uerr := c.store.UpdateBackup(b); uerr != nil {
			logger.Error().Err(uerr).Msg("Failed to record delete error")
		}
		metrics.BackupsDeleted.WithLabelValues(reason, "error").Inc()
		return fmt.Errorf("delete %s: %w", b.Path, err)
	}
	if err := c.store.DeleteBackup(b.UUID); storage.IgnoreNotFound(err) != nil {
		metrics.BackupsDeleted.WithLabelValues(reason, "error").Inc()
		return fmt.Errorf("delete record %s: %w", b.UUID, err)
	}
	metrics.BackupsDeleted.WithLabelValues(reason, "ok").Inc()
	logger.Info().Msg("Backup deleted")
	c.events.Publish(events.New(events.EventBackupDeleted, "backup deleted",
		"backup", b.UUID, "network", b.Network, "reason", reason))
	return nil
}

// Package daemon runs periodic background tasks.
//
// A Runner sleeps for a startup delay, then repeatedly runs its task and
// sleeps for an interval plus random jitter. Interrupt wakes an
// interruptible runner from its sleep early; it never cancels a task that is
// already running. Stop cancels the context handed to the task and waits for
// the loop to exit.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/cuemby/sagenet/pkg/abort"
	"github.com/cuemby/sagenet/pkg/log"
	"github.com/cuemby/sagenet/pkg/metrics"
	"github.com/rs/zerolog"
)

// ErrNotRunning is returned by WaitCycle when the runner stops first
var ErrNotRunning = errors.New("daemon not running")

// Task is one cycle of work
type Task func(ctx context.Context) error

// Config holds the scheduling knobs of a Runner
type Config struct {
	Name          string
	StartupDelay  time.Duration
	Interval      time.Duration
	Jitter        time.Duration
	Interruptible bool
}

// Runner drives a Task on a schedule
type Runner struct {
	cfg    Config
	task   Task
	logger zerolog.Logger

	interruptCh chan struct{}

	mu       sync.Mutex
	running  bool
	cancel   context.CancelFunc
	doneCh   chan struct{}
	nextDone chan struct{}
	cycles   int64
	lastRun  time.Time
	lastErr  error
}

// New creates a Runner for task
func New(cfg Config, task Task) *Runner {
	return &Runner{
		cfg:         cfg,
		task:        task,
		logger:      log.WithComponent("daemon").With().Str("daemon", cfg.Name).Logger(),
		interruptCh: make(chan struct{}, 1),
		nextDone:    make(chan struct{}),
	}
}

// Name returns the configured daemon name
func (r *Runner) Name() string { return r.cfg.Name }

// Start launches the loop. Starting a running Runner is a no-op.
func (r *Runner) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	r.running = true
	r.cancel = cancel
	r.doneCh = make(chan struct{})
	go r.run(ctx, r.doneCh)
}

// Stop cancels the loop and waits for it to exit.
func (r *Runner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	cancel, done := r.cancel, r.doneCh
	r.mu.Unlock()

	cancel()
	<-done
}

// Interrupt wakes the runner from its current or next sleep. It is ignored
// by runners that are not interruptible.
func (r *Runner) Interrupt() {
	if !r.cfg.Interruptible {
		r.logger.Debug().Msg("Interrupt ignored by non-interruptible daemon")
		return
	}
	select {
	case r.interruptCh <- struct{}{}:
	default:
	}
}

// Cycles returns how many cycles have completed
func (r *Runner) Cycles() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cycles
}

// LastRun returns when the last cycle completed and its error
func (r *Runner) LastRun() (time.Time, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastRun, r.lastErr
}

// NextCycle returns a channel closed when the first cycle that starts after
// this call completes.
func (r *Runner) NextCycle() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.nextDone
}

// WaitCycle blocks until the first cycle starting after the call completes,
// ctx ends, or the runner stops.
func (r *Runner) WaitCycle(ctx context.Context) error {
	r.mu.Lock()
	next, done := r.nextDone, r.doneCh
	running := r.running
	r.mu.Unlock()
	if !running {
		return ErrNotRunning
	}
	select {
	case <-next:
		return nil
	case <-done:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Runner) run(ctx context.Context, done chan struct{}) {
	defer func() {
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
		close(done)
	}()

	r.logger.Info().
		Dur("startup_delay", r.cfg.StartupDelay).
		Dur("interval", r.cfg.Interval).
		Bool("interruptible", r.cfg.Interruptible).
		Msg("Daemon started")

	if !r.sleep(ctx, r.cfg.StartupDelay) {
		return
	}
	for {
		if err := r.cycle(ctx); abort.Is(err) {
			r.logger.Error().Err(err).Msg("Daemon task aborted")
			abort.Handle(err)
			return
		}
		if !r.sleep(ctx, r.interval()) {
			r.logger.Info().Msg("Daemon stopped")
			return
		}
	}
}

func (r *Runner) cycle(ctx context.Context) (err error) {
	r.mu.Lock()
	current := r.nextDone
	r.nextDone = make(chan struct{})
	r.mu.Unlock()

	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic in %s: %v", r.cfg.Name, p)
		}
		result := "ok"
		if err != nil {
			result = "error"
			if ctx.Err() == nil {
				r.logger.Warn().Err(err).Msg("Daemon cycle failed")
			}
		}
		metrics.DaemonCycles.WithLabelValues(r.cfg.Name, result).Inc()

		r.mu.Lock()
		r.cycles++
		r.lastRun = time.Now()
		r.lastErr = err
		r.mu.Unlock()
		close(current)
	}()

	return r.task(ctx)
}

func (r *Runner) interval() time.Duration {
	d := r.cfg.Interval
	if r.cfg.Jitter > 0 {
		d += rand.N(r.cfg.Jitter)
	}
	return d
}

// sleep waits for d, an interrupt, or ctx. It reports false once ctx is done.
func (r *Runner) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	var interrupt <-chan struct{}
	if r.cfg.Interruptible {
		interrupt = r.interruptCh
	}
	select {
	case <-timer.C:
		return true
	case <-interrupt:
		r.logger.Debug().Msg("Daemon interrupted")
		return true
	case <-ctx.Done():
		return false
	}
}

// Package lock implements a mutex on the coordination key-value store.
//
// A lock is a key whose value records the holder's token and acquire time.
// The key expires after the soft timeout, the longest any legitimate holder
// may need. A holder that has kept the lock past the shorter deadlock
// timeout is presumed dead and its lock may be reclaimed.
package lock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cuemby/sagenet/pkg/kv"
	"github.com/cuemby/sagenet/pkg/log"
	"github.com/cuemby/sagenet/pkg/metrics"
	"github.com/rs/xid"
	"github.com/rs/zerolog"
)

var (
	// ErrBusy is returned when the lock could not be acquired in time
	ErrBusy = errors.New("lock busy")

	// ErrNotHolder is returned when releasing with a token that does not
	// hold the lock
	ErrNotHolder = errors.New("not lock holder")
)

const (
	DefaultAcquireWait   = 10 * time.Second
	DefaultRetryInterval = 250 * time.Millisecond
)

// NetworkKey is the lock serializing backup and restore work on a network.
func NetworkKey(networkID string) string {
	return "network." + networkID + ".state"
}

// Handle identifies a held lock
type Handle struct {
	Key      string
	Token    string
	Acquired time.Time

	value []byte
}

type holder struct {
	Token    string    `json:"token"`
	Acquired time.Time `json:"acquired"`
}

// Locker acquires and releases locks
type Locker struct {
	store         kv.Store
	acquireWait   time.Duration
	retryInterval time.Duration
	now           func() time.Time
	logger        zerolog.Logger
}

// Option configures a Locker
type Option func(*Locker)

// WithAcquireWait bounds how long Acquire retries before returning ErrBusy.
func WithAcquireWait(d time.Duration) Option {
	return func(l *Locker) { l.acquireWait = d }
}

// WithRetryInterval sets the pause between acquisition attempts.
func WithRetryInterval(d time.Duration) Option {
	return func(l *Locker) { l.retryInterval = d }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Locker) { l.now = now }
}

// NewLocker creates a Locker on store
func NewLocker(store kv.Store, opts ...Option) *Locker {
	l := &Locker{
		store:         store,
		acquireWait:   DefaultAcquireWait,
		retryInterval: DefaultRetryInterval,
		now:           time.Now,
		logger:        log.WithComponent("lock"),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Acquire takes the lock at key. It retries until acquireWait elapses or ctx
// is done, then returns ErrBusy. Callers treat ErrBusy as "skip this cycle".
func (l *Locker) Acquire(ctx context.Context, key string, softTimeout, deadlockTimeout time.Duration) (*Handle, error) {
	ctx, cancel := context.WithTimeout(ctx, l.acquireWait)
	defer cancel()
	for {
		h, err := l.tryAcquire(key, softTimeout, deadlockTimeout)
		if err != nil {
			return nil, err
		}
		if h != nil {
			return h, nil
		}
		select {
		case <-ctx.Done():
			metrics.LockAcquisitions.WithLabelValues("busy").Inc()
			return nil, fmt.Errorf("%s: %w", key, ErrBusy)
		case <-time.After(l.retryInterval):
		}
	}
}

func (l *Locker) tryAcquire(key string, softTimeout, deadlockTimeout time.Duration) (*Handle, error) {
	now := l.now()
	token := xid.New().String()
	value, err := json.Marshal(holder{Token: token, Acquired: now})
	if err != nil {
		return nil, err
	}
	h := &Handle{Key: key, Token: token, Acquired: now, value: value}

	ok, err := l.store.SetNX(key, value, softTimeout)
	if err != nil {
		return nil, fmt.Errorf("acquire %s: %w", key, err)
	}
	if ok {
		metrics.LockAcquisitions.WithLabelValues("acquired").Inc()
		return h, nil
	}

	current, err := l.store.Get(key)
	if errors.Is(err, kv.ErrNotFound) {
		// released between SetNX and Get; retry on the next attempt
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("inspect %s: %w", key, err)
	}
	var existing holder
	if err := json.Unmarshal(current, &existing); err != nil || now.Sub(existing.Acquired) <= deadlockTimeout {
		return nil, nil
	}

	ok, err = l.store.CompareAndSwap(key, current, value, softTimeout)
	if err != nil {
		return nil, fmt.Errorf("reclaim %s: %w", key, err)
	}
	if !ok {
		return nil, nil
	}
	l.logger.Warn().
		Str("key", key).
		Str("stale_token", existing.Token).
		Dur("held_for", now.Sub(existing.Acquired)).
		Msg("Reclaimed lock from presumed dead holder")
	metrics.LockAcquisitions.WithLabelValues("reclaimed").Inc()
	return h, nil
}

// Release frees the lock if h still holds it.
func (l *Locker) Release(h *Handle) error {
	if h == nil {
		return nil
	}
	ok, err := l.store.CompareAndDelete(h.Key, h.value)
	if err != nil {
		return fmt.Errorf("release %s: %w", h.Key, err)
	}
	if !ok {
		return fmt.Errorf("%s token %s: %w", h.Key, h.Token, ErrNotHolder)
	}
	metrics.LockHoldDuration.Observe(l.now().Sub(h.Acquired).Seconds())
	return nil
}

// Held reports whether anyone currently holds key.
func (l *Locker) Held(key string) (bool, error) {
	return l.store.Exists(key)
}

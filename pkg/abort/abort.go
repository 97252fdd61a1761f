// Package abort is the fatal error channel. Ordinary failures are returned
// as errors and retried on the next cycle; an *Error means continuing would
// corrupt fleet state and the process must stop.
package abort

import (
	"errors"
	"fmt"
	"sync"

	"github.com/cuemby/sagenet/pkg/log"
)

// Error is an irrecoverable condition
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return "fatal: " + e.Err.Error()
	}
	return "fatal: " + e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// Errorf builds an *Error for op from a format string.
func Errorf(op, format string, args ...any) error {
	return &Error{Op: op, Err: fmt.Errorf(format, args...)}
}

// Wrap marks err as fatal. A nil err stays nil.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Err: err}
}

// Is reports whether err carries an *Error anywhere in its chain.
func Is(err error) bool {
	var ae *Error
	return errors.As(err, &ae)
}

var (
	mu      sync.RWMutex
	handler = func(err error) {
		log.Logger.Fatal().Err(err).Msg("aborting")
	}
)

// Handle passes err to the installed handler. The default logs at fatal
// level, which exits the process.
func Handle(err error) {
	mu.RLock()
	h := handler
	mu.RUnlock()
	h(err)
}

// SetHandler replaces the abort handler and returns a function restoring the
// previous one.
func SetHandler(h func(error)) (restore func()) {
	mu.Lock()
	prev := handler
	handler = h
	mu.Unlock()
	return func() {
		mu.Lock()
		handler = prev
		mu.Unlock()
	}
}

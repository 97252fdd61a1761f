// Package kv is the coordination key-value store: small values with an
// optional time-to-live and the atomic primitives a lock needs.
package kv

import (
	"errors"
	"time"
)

// ErrNotFound is returned by Get for absent or expired keys
var ErrNotFound = errors.New("key not found")

// Store is a key-value store with per-key TTL. A ttl of zero means the key
// never expires. Expired keys behave exactly like absent ones.
type Store interface {
	Get(key string) ([]byte, error)
	Set(key string, value []byte, ttl time.Duration) error

	// SetNX stores value only when key is absent and reports whether it did.
	SetNX(key string, value []byte, ttl time.Duration) (bool, error)

	// CompareAndSwap replaces the value only when it currently equals old.
	CompareAndSwap(key string, old, value []byte, ttl time.Duration) (bool, error)

	// CompareAndDelete removes key only when its value equals old.
	CompareAndDelete(key string, old []byte) (bool, error)

	Delete(key string) error
	Exists(key string) (bool, error)
	Close() error
}

// Prefixed scopes every key of an underlying store under a namespace.
type Prefixed struct {
	Store
	prefix string
}

// WithPrefix returns a Store whose keys are prefix+key in s. Closing it
// closes s.
func WithPrefix(s Store, prefix string) *Prefixed {
	return &Prefixed{Store: s, prefix: prefix}
}

func (p *Prefixed) Get(key string) ([]byte, error) { return p.Store.Get(p.prefix + key) }

func (p *Prefixed) Set(key string, value []byte, ttl time.Duration) error {
	return p.Store.Set(p.prefix+key, value, ttl)
}

func (p *Prefixed) SetNX(key string, value []byte, ttl time.Duration) (bool, error) {
	return p.Store.SetNX(p.prefix+key, value, ttl)
}

func (p *Prefixed) CompareAndSwap(key string, old, value []byte, ttl time.Duration) (bool, error) {
	return p.Store.CompareAndSwap(p.prefix+key, old, value, ttl)
}

func (p *Prefixed) CompareAndDelete(key string, old []byte) (bool, error) {
	return p.Store.CompareAndDelete(p.prefix+key, old)
}

func (p *Prefixed) Delete(key string) error { return p.Store.Delete(p.prefix + key) }

func (p *Prefixed) Exists(key string) (bool, error) { return p.Store.Exists(p.prefix + key) }

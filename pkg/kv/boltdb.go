package kv

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketKV = []byte("kv")

type entry struct {
	Value     []byte `json:"v"`
	ExpiresAt int64  `json:"exp,omitempty"`
}

func (e *entry) live(now time.Time) bool {
	return e.ExpiresAt == 0 || now.UnixNano() < e.ExpiresAt
}

// BoltStore implements Store on a bbolt file
type BoltStore struct {
	db  *bolt.DB
	now func() time.Time
}

// NewBoltStore opens (or creates) coordination.db in dataDir
func NewBoltStore(dataDir string) (*BoltStore, error) {
	db, err := bolt.Open(filepath.Join(dataDir, "coordination.db"), 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open coordination store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketKV)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &BoltStore{db: db, now: time.Now}, nil
}

// SetClock overrides the time source used for expiry.
func (s *BoltStore) SetClock(now func() time.Time) {
	s.now = now
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) load(b *bolt.Bucket, key string) (*entry, error) {
	data := b.Get([]byte(key))
	if data == nil {
		return nil, nil
	}
	var e entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("corrupt entry %s: %w", key, err)
	}
	if !e.live(s.now()) {
		return nil, nil
	}
	return &e, nil
}

func (s *BoltStore) store(b *bolt.Bucket, key string, value []byte, ttl time.Duration) error {
	e := entry{Value: value}
	if ttl > 0 {
		e.ExpiresAt = s.now().Add(ttl).UnixNano()
	}
	data, err := json.Marshal(&e)
	if err != nil {
		return err
	}
	return b.Put([]byte(key), data)
}

func (s *BoltStore) Get(key string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		e, err := s.load(tx.Bucket(bucketKV), key)
		if err != nil {
			return err
		}
		if e == nil {
			return fmt.Errorf("%s: %w", key, ErrNotFound)
		}
		out = e.Value
		return nil
	})
	return out, err
}

func (s *BoltStore) Set(key string, value []byte, ttl time.Duration) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return s.store(tx.Bucket(bucketKV), key, value, ttl)
	})
}

func (s *BoltStore) SetNX(key string, value []byte, ttl time.Duration) (bool, error) {
	ok := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketKV)
		e, err := s.load(b, key)
		if err != nil || e != nil {
			return err
		}
		ok = true
		return s.store(b, key, value, ttl)
	})
	return ok, err
}

func (s *BoltStore) CompareAndSwap(key string, old, value []byte, ttl time.Duration) (bool, error) {
	ok := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketKV)
		e, err := s.load(b, key)
		if err != nil || e == nil || !bytes.Equal(e.Value, old) {
			return err
		}
		ok = true
		return s.store(b, key, value, ttl)
	})
	return ok, err
}

func (s *BoltStore) CompareAndDelete(key string, old []byte) (bool, error) {
	ok := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketKV)
		e, err := s.load(b, key)
		if err != nil || e == nil || !bytes.Equal(e.Value, old) {
			return err
		}
		ok = true
		return b.Delete([]byte(key))
	})
	return ok, err
}

func (s *BoltStore) Delete(key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketKV).Delete([]byte(key))
	})
}

func (s *BoltStore) Exists(key string) (bool, error) {
	_, err := s.Get(key)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return false, err
}

// SweepExpired deletes expired entries and returns how many were removed.
func (s *BoltStore) SweepExpired() (int, error) {
	removed := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketKV)
		now := s.now()
		var stale [][]byte
		err := b.ForEach(func(k, v []byte) error {
			var e entry
			if err := json.Unmarshal(v, &e); err != nil || !e.live(now) {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		removed = len(stale)
		return nil
	})
	return removed, err
}

package identity

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/cuemby/sagenet/pkg/storage"
	"github.com/cuemby/sagenet/pkg/types"
	"github.com/google/uuid"
)

// ErrNoSageKey is returned when no usable key for the sage can be found or
// fetched.
var ErrNoSageKey = errors.New("no usable sage key")

const publicKeyBytes = 32

func newPublicKey() (string, error) {
	buf := make([]byte, publicKeyBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// ensureSelfKey returns the node's newest key, creating one when every
// existing key expires within the renewal window.
func (s *Service) ensureSelfKey(node *types.Node) (*types.NodeKey, error) {
	now := s.now()
	keys, err := s.store.ListNodeKeysByNode(node.UUID)
	if err != nil {
		return nil, fmt.Errorf("list keys for %s: %w", node.UUID, err)
	}
	if len(keys) > 0 && !keys[0].ExpiresWithin(now, s.cfg.KeyRenewWindow) {
		return keys[0], nil
	}

	pub, err := newPublicKey()
	if err != nil {
		return nil, err
	}
	key := &types.NodeKey{
		UUID:       uuid.NewString(),
		Node:       node.UUID,
		PublicKey:  pub,
		RemoteHost: node.IP4,
		Expiration: now.Add(s.cfg.SelfKeyTTL).UTC(),
	}
	if err := s.store.CreateNodeKey(key); err != nil {
		return nil, fmt.Errorf("create key for %s: %w", node.UUID, err)
	}
	s.logger.Info().Str("key", key.UUID).Time("expiration", key.Expiration).Msg("Generated node key")
	return key, nil
}

// sageKey returns a key for sage that stays valid for at least
// MinSageKeyTTL. The store is preferred, then sage_key.json, then the
// fetcher.
func (s *Service) sageKey(ctx context.Context, sage *types.Node) (*types.NodeKey, error) {
	s.keyMu.Lock()
	defer s.keyMu.Unlock()

	now := s.now()
	keys, err := s.store.ListNodeKeysByNode(sage.UUID)
	if err != nil {
		return nil, fmt.Errorf("list keys for sage %s: %w", sage.UUID, err)
	}
	if len(keys) > 0 && !keys[0].ExpiresWithin(now, s.cfg.MinSageKeyTTL) {
		return keys[0], nil
	}

	fileKey, err := readJSON[types.NodeKey](s.path(SageKeyFile))
	if err != nil {
		s.logger.Warn().Err(err).Msg("Ignoring unreadable sage key file")
		fileKey = nil
	}
	if fileKey == nil {
		return s.fetchSageKey(ctx, sage)
	}
	if fileKey.Node != "" && fileKey.Node != sage.UUID {
		s.logger.Warn().Str("key_node", fileKey.Node).Str("sage", sage.UUID).Msg("Sage key file belongs to another node")
		return s.fetchSageKey(ctx, sage)
	}
	fileKey.Node = sage.UUID
	fileKey.PublicKeyHash = types.HashPublicKey(fileKey.PublicKey)
	expiring := fileKey.ExpiresWithin(now, s.cfg.MinSageKeyTTL)

	byUUID, err := lookup(s.store.GetNodeKey(fileKey.UUID))
	if err != nil {
		return nil, err
	}
	byHash, err := lookup(s.store.FindNodeKeyByHash(fileKey.PublicKeyHash))
	if err != nil {
		return nil, err
	}

	switch {
	case byUUID == nil && byHash == nil:
		if expiring {
			return s.fetchSageKey(ctx, sage)
		}
		return s.createKey(fileKey)

	case byUUID != nil && byHash != nil:
		if byUUID.UUID != byHash.UUID && expiring {
			return s.fetchSageKey(ctx, sage)
		}
		// The file is newer than whatever the store holds.
		if err := s.deleteKeys(byUUID, byHash); err != nil {
			return nil, err
		}
		if expiring {
			return s.fetchSageKey(ctx, sage)
		}
		return s.createKey(fileKey)

	default:
		found := byUUID
		if found == nil {
			found = byHash
		}
		if found.Node == sage.UUID && !found.ExpiresWithin(now, s.cfg.MinSageKeyTTL) {
			return found, nil
		}
		return s.fetchSageKey(ctx, sage)
	}
}

func (s *Service) deleteKeys(keys ...*types.NodeKey) error {
	seen := make(map[string]bool)
	for _, k := range keys {
		if seen[k.UUID] {
			continue
		}
		seen[k.UUID] = true
		if err := storage.IgnoreNotFound(s.store.DeleteNodeKey(k.UUID)); err != nil {
			return fmt.Errorf("delete key %s: %w", k.UUID, err)
		}
	}
	return nil
}

func (s *Service) createKey(key *types.NodeKey) (*types.NodeKey, error) {
	if err := s.store.CreateNodeKey(key); err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			return s.store.FindNodeKeyByHash(key.PublicKeyHash)
		}
		return nil, fmt.Errorf("store sage key %s: %w", key.UUID, err)
	}
	s.logger.Info().Str("key", key.UUID).Str("sage", key.Node).Msg("Installed sage key")
	return key, nil
}

func (s *Service) fetchSageKey(ctx context.Context, sage *types.Node) (*types.NodeKey, error) {
	if s.fetcher == nil {
		return nil, fmt.Errorf("sage %s: %w", sage.UUID, ErrNoSageKey)
	}
	key, err := s.fetcher.FetchKey(ctx, sage)
	if err != nil {
		return nil, fmt.Errorf("fetch key from sage %s: %w", sage.UUID, err)
	}
	if key == nil || key.UUID == "" || key.PublicKey == "" {
		return nil, fmt.Errorf("sage %s returned an empty key: %w", sage.UUID, ErrNoSageKey)
	}
	if key.Node == "" {
		key.Node = sage.UUID
	}
	if key.Node != sage.UUID {
		return nil, fmt.Errorf("sage %s returned a key for %s: %w", sage.UUID, key.Node, ErrNoSageKey)
	}
	if key.Expired(s.now()) {
		return nil, fmt.Errorf("sage %s returned an expired key: %w", sage.UUID, ErrNoSageKey)
	}
	key.PublicKeyHash = types.HashPublicKey(key.PublicKey)
	if err := writeJSON(s.path(SageKeyFile), key); err != nil {
		return nil, err
	}
	if err := s.deleteKeys(existingKeys(s.store, key)...); err != nil {
		return nil, err
	}
	return s.createKey(key)
}

func existingKeys(store storage.Store, key *types.NodeKey) []*types.NodeKey {
	var out []*types.NodeKey
	if k, err := store.GetNodeKey(key.UUID); err == nil {
		out = append(out, k)
	}
	if k, err := store.FindNodeKeyByHash(key.PublicKeyHash); err == nil {
		out = append(out, k)
	}
	return out
}

func (s *Service) path(name string) string {
	return filepath.Join(s.cfg.HomeDir, name)
}

// lookup turns ErrNotFound into a nil record.
func lookup[T any](v *T, err error) (*T, error) {
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return v, nil
}

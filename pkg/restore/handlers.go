package restore

import (
	"context"
	"errors"
	"fmt"

	"github.com/cuemby/sagenet/pkg/abort"
	"github.com/cuemby/sagenet/pkg/events"
	"github.com/cuemby/sagenet/pkg/log"
	"github.com/cuemby/sagenet/pkg/metrics"
	"github.com/cuemby/sagenet/pkg/notify"
	"github.com/cuemby/sagenet/pkg/types"
)

// Registrar installs notification handlers
type Registrar interface {
	Register(t notify.Type, h notify.Handler)
}

// Register installs backup_response, handled on restoring nodes, and
// restore_complete, handled on the sage.
func (s *Service) Register(r Registrar) {
	r.Register(notify.TypeBackupResponse, notify.HandlerFunc(s.handleBackupResponse))
	r.Register(notify.TypeRestoreDone, notify.HandlerFunc(s.handleRestoreComplete))
}

// handleBackupResponse accepts the backup the sage picked for us and
// stages it in the background, so the sage is answered before the
// download starts.
func (s *Service) handleBackupResponse(ctx context.Context, env *notify.Envelope) (any, error) {
	var payload types.Node
	if err := env.Decode(&payload); err != nil {
		return nil, err
	}
	self, err := s.identity.ThisNode(ctx)
	if err != nil {
		return nil, err
	}
	if self == nil {
		return nil, notify.ErrNoIdentity
	}
	if payload.Network != self.Network {
		return nil, fmt.Errorf("%w: backup_response for %s", ErrWrongNetwork, payload.Network)
	}
	if payload.Backup == nil {
		return nil, errors.New("backup_response without a backup")
	}

	valid, err := s.IsValidRestoreKey(ctx, payload.RestoreKey)
	if err != nil {
		return nil, err
	}
	if !valid {
		return nil, ErrUnknownKey
	}

	if err := s.baseCtx.Err(); err != nil {
		return nil, fmt.Errorf("restore service closed: %w", err)
	}
	s.wg.Add(1)
	go s.restoreInBackground(payload.RestoreKey, payload.Backup)
	return map[string]string{"accepted": payload.Backup.UUID}, nil
}

func (s *Service) restoreInBackground(key string, backup *types.Backup) {
	defer s.wg.Done()
	ctx, cancel := context.WithTimeout(s.baseCtx, s.cfg.LockTimeout)
	defer cancel()
	if _, err := s.Restore(ctx, key, backup); err != nil {
		s.logger.Error().Err(err).Str("backup", backup.UUID).Msg("Background restore failed")
	}
}

// handleRestoreComplete runs on the sage when a restored node has come
// back. The sender's network must be restoring; it becomes running.
func (s *Service) handleRestoreComplete(ctx context.Context, env *notify.Envelope) (any, error) {
	node, err := s.store.GetNode(env.FromNode)
	if err != nil {
		return nil, abort.Wrap("restore_complete", fmt.Errorf("node %s: %w", env.FromNode, err))
	}

	s.completeMu.Lock()
	defer s.completeMu.Unlock()

	network, err := s.store.GetNetwork(node.Network)
	if err != nil {
		return nil, abort.Wrap("restore_complete", fmt.Errorf("network %s: %w", node.Network, err))
	}
	if network.State != types.NetworkStateRestoring {
		return nil, abort.Errorf("restore_complete", "network %s not in restoring state (%s)", network.UUID, network.State)
	}
	network.State = types.NetworkStateRunning
	if err := s.store.UpdateNetwork(network); err != nil {
		return nil, fmt.Errorf("update network %s: %w", network.UUID, err)
	}

	metrics.RestoresTotal.WithLabelValues("completed").Inc()
	s.events.Publish(events.New(events.EventNetworkRunning, "restore completed, network running",
		"network", network.UUID, "node", node.UUID))
	logger := log.WithNetworkID(network.UUID)
	logger.Info().Str("node", node.UUID).Msg("Restore completed, network running")
	return network, nil
}

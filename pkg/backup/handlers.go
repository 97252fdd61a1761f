package backup

import (
	"context"
	"errors"
	"fmt"

	"github.com/cuemby/sagenet/pkg/log"
	"github.com/cuemby/sagenet/pkg/notify"
	"github.com/cuemby/sagenet/pkg/storage"
	"github.com/cuemby/sagenet/pkg/types"
)

// ErrInvalidBackup is returned for backup notifications that do not match
// their sender
var ErrInvalidBackup = errors.New("invalid backup notification")

// Registrar installs notification handlers
type Registrar interface {
	Register(t notify.Type, h notify.Handler)
}

// Register installs the sage side backup handlers.
func (o *Orchestrator) Register(r Registrar) {
	r.Register(notify.TypeRegisterBackup, notify.HandlerFunc(o.handleRegisterBackup))
	r.Register(notify.TypeRetrieveBackup, notify.HandlerFunc(o.handleRetrieveBackup))
}

func (o *Orchestrator) sender(env *notify.Envelope) (*types.Node, *types.Node, error) {
	node, err := o.store.GetNode(env.FromNode)
	if err != nil {
		return nil, nil, fmt.Errorf("sender %s: %w", env.FromNode, err)
	}
	var payload types.Node
	if err := env.Decode(&payload); err != nil {
		return nil, nil, err
	}
	return node, &payload, nil
}

// handleRegisterBackup records a completed backup a node reports. A
// backup already known by network and path is left alone.
func (o *Orchestrator) handleRegisterBackup(ctx context.Context, env *notify.Envelope) (any, error) {
	node, payload, err := o.sender(env)
	if err != nil {
		return nil, err
	}
	b := payload.Backup
	switch {
	case b == nil:
		return nil, fmt.Errorf("%w: no backup in payload", ErrInvalidBackup)
	case node.UUID != payload.UUID:
		return nil, fmt.Errorf("%w: node %s reported by %s", ErrInvalidBackup, payload.UUID, node.UUID)
	case node.Network != payload.Network:
		return nil, fmt.Errorf("%w: network mismatch", ErrInvalidBackup)
	case node.Network != b.Network:
		return nil, fmt.Errorf("%w: backup network mismatch", ErrInvalidBackup)
	case !b.Success():
		return nil, fmt.Errorf("%w: backup %s did not succeed", ErrInvalidBackup, b.UUID)
	}

	logger := log.WithNetworkID(b.Network).With().Str("backup", b.UUID).Str("path", b.Path).Logger()
	existing, err := o.store.FindBackupByNetworkAndPath(b.Network, b.Path)
	if storage.IgnoreNotFound(err) != nil {
		return nil, err
	}
	if existing != nil {
		logger.Warn().Str("existing", existing.UUID).Msg("Backup already registered")
		return nil, nil
	}
	if err := o.store.CreateBackup(b); err != nil {
		return nil, fmt.Errorf("register backup %s: %w", b.UUID, err)
	}
	logger.Info().Str("node", node.UUID).Msg("Backup registered")
	return nil, nil
}

// handleRetrieveBackup answers a restoring node with the newest successful
// backup of its network, carried back in a backup_response.
func (o *Orchestrator) handleRetrieveBackup(ctx context.Context, env *notify.Envelope) (any, error) {
	node, payload, err := o.sender(env)
	if err != nil {
		return nil, err
	}
	if payload.Network != node.Network {
		return nil, fmt.Errorf("%w: network mismatch", ErrInvalidBackup)
	}
	backups, err := o.store.ListBackupsByNetwork(node.Network)
	if err != nil {
		return nil, err
	}
	var newest *types.Backup
	for _, b := range backups {
		if b.Success() {
			newest = b
			break
		}
	}
	if newest == nil {
		return nil, fmt.Errorf("no successful backups for network %s", node.Network)
	}

	payload.Backup = newest
	receipt := o.notifier.Notify(ctx, node, notify.TypeBackupResponse, payload)
	if !receipt.Success {
		return nil, fmt.Errorf("backup_response to %s: %s", node.UUID, receipt.Error)
	}
	logger := log.WithNetworkID(node.Network)
	logger.Info().
		Str("node", node.UUID).
		Str("backup", newest.UUID).
		Msg("Sent backup for restore")
	return map[string]string{"backup": newest.UUID}, nil
}

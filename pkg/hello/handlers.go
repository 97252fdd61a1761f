package hello

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cuemby/sagenet/pkg/events"
	"github.com/cuemby/sagenet/pkg/log"
	"github.com/cuemby/sagenet/pkg/notify"
	"github.com/cuemby/sagenet/pkg/storage"
	"github.com/cuemby/sagenet/pkg/types"
)

// handleHelloToSage runs on the sage. It records the sender and answers
// with the running nodes of the sender's network. It never notifies
// anyone itself.
func (s *Service) handleHelloToSage(ctx context.Context, env *notify.Envelope) (any, error) {
	var sender types.Node
	if err := env.Decode(&sender); err != nil {
		return nil, err
	}
	if sender.UUID != env.FromNode {
		return nil, fmt.Errorf("%w: hello for %s sent by %s", ErrInvalidPeer, sender.UUID, env.FromNode)
	}
	self, err := s.identity.ThisNode(ctx)
	if err != nil {
		return nil, err
	}
	if self == nil {
		return nil, notify.ErrNoIdentity
	}
	if err := s.admit(&sender); err != nil {
		s.logger.Warn().Err(err).Str("node", sender.UUID).Msg("Rejecting hello")
		return nil, err
	}

	stored, _, err := s.upsert(&sender)
	if err != nil {
		return nil, err
	}
	peers, err := s.peersOf(stored.Network)
	if err != nil {
		return nil, err
	}
	logger := log.WithNetworkID(stored.Network)
	logger.Info().
		Str("node", stored.UUID).
		Int("peers", len(peers)).
		Msg("Answered hello")

	reply := self.Persistent()
	reply.Peers = peers
	return reply, nil
}

// admit checks a node the sage has never seen against the network it
// claims. Known nodes pass.
func (s *Service) admit(sender *types.Node) error {
	_, err := s.store.GetNode(sender.UUID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	if sender.Network == "" || sender.FQDN == "" {
		return fmt.Errorf("%w: %s has no network or fqdn", ErrInvalidPeer, sender.UUID)
	}
	network, err := s.store.GetNetwork(sender.Network)
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("%w: %s claims unknown network %s", ErrInvalidPeer, sender.UUID, sender.Network)
	}
	if err != nil {
		return err
	}
	if sender.Account != network.Account || sender.Domain != network.Domain || !strings.HasSuffix(sender.FQDN, "."+network.Domain) {
		return fmt.Errorf("%w: %s does not match network %s", ErrInvalidPeer, sender.UUID, network.UUID)
	}
	return nil
}

// peersOf lists the running nodes of network with their current keys.
func (s *Service) peersOf(network string) ([]*types.Node, error) {
	if network == "" {
		return nil, nil
	}
	nodes, err := s.store.ListNodesByNetwork(network)
	if err != nil {
		return nil, fmt.Errorf("list nodes of %s: %w", network, err)
	}
	now := time.Now()
	var out []*types.Node
	for _, n := range nodes {
		if n.State != types.NodeStateRunning {
			continue
		}
		keys, err := s.store.ListNodeKeysByNode(n.UUID)
		if err != nil {
			return nil, fmt.Errorf("keys of %s: %w", n.UUID, err)
		}
		if len(keys) > 0 && !keys[0].Expired(now) {
			n.Key = keys[0]
		}
		out = append(out, n)
	}
	return out, nil
}

// handleHelloFromSage processes a peer list the sage pushed to us.
func (s *Service) handleHelloFromSage(ctx context.Context, env *notify.Envelope) (any, error) {
	sage, err := s.identity.SageNode(ctx)
	if err != nil {
		return nil, err
	}
	if sage == nil || sage.UUID != env.FromNode {
		return nil, fmt.Errorf("%w: hello_from_sage sent by %s, not our sage", ErrInvalidPeer, env.FromNode)
	}
	var node types.Node
	if err := env.Decode(&node); err != nil {
		return nil, err
	}
	_, err = s.ProcessPeers(ctx, node.Peers)
	return nil, err
}

// handlePeerHello validates and stores the greeting peer. It never
// notifies anyone, which is what keeps two peers from greeting each other
// forever.
func (s *Service) handlePeerHello(ctx context.Context, env *notify.Envelope) (any, error) {
	var peer types.Node
	if err := env.Decode(&peer); err != nil {
		return nil, err
	}
	if peer.UUID != env.FromNode {
		return nil, fmt.Errorf("%w: peer_hello for %s sent by %s", ErrInvalidPeer, peer.UUID, env.FromNode)
	}
	self, err := s.identity.ThisNode(ctx)
	if err != nil {
		return nil, err
	}
	if self == nil {
		return nil, notify.ErrNoIdentity
	}
	if err := s.validate(self, &peer); err != nil {
		s.logger.Warn().Err(err).Str("peer", peer.UUID).Msg("Rejecting peer hello")
		return nil, err
	}
	if peer.Key == nil && env.FromKey != nil {
		peer.Key = env.FromKey
	}
	_, _, err = s.upsert(&peer)
	return nil, err
}

// handleNewNode runs on the sage and hands autoscale requests to the
// provisioner.
func (s *Service) handleNewNode(ctx context.Context, env *notify.Envelope) (any, error) {
	var req types.NewNodeRequest
	if err := env.Decode(&req); err != nil {
		return nil, err
	}
	if req.Network == "" {
		return nil, errors.New("new_node: no network")
	}
	sender, err := s.store.GetNode(env.FromNode)
	if err != nil {
		return nil, fmt.Errorf("new_node: sender %s: %w", env.FromNode, err)
	}
	if sender.Network != req.Network {
		return nil, fmt.Errorf("%w: %s asked for a node in network %s", ErrInvalidPeer, sender.UUID, req.Network)
	}
	if _, err := s.store.GetNetwork(req.Network); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("new_node: network %s: %w", req.Network, err)
		}
		return nil, err
	}
	return nil, s.provisioner.NewNode(ctx, &req)
}

// Provisioner starts new nodes on request. Cloud drivers implement it
// outside this module.
type Provisioner interface {
	NewNode(ctx context.Context, req *types.NewNodeRequest) error
}

// ProvisionerFunc adapts a function to Provisioner
type ProvisionerFunc func(ctx context.Context, req *types.NewNodeRequest) error

// NewNode implements Provisioner
func (f ProvisionerFunc) NewNode(ctx context.Context, req *types.NewNodeRequest) error {
	return f(ctx, req)
}

// LogProvisioner records new node requests as events for an operator to
// act on.
type LogProvisioner struct {
	Events *events.Broker
}

// NewNode implements Provisioner
func (p *LogProvisioner) NewNode(ctx context.Context, req *types.NewNodeRequest) error {
	logger := log.WithNetworkID(req.Network)
	logger.Info().
		Str("account", req.Account).
		Str("domain", req.Domain).
		Strs("exclude_regions", req.ExcludeRegions).
		Bool("automated", req.Automated).
		Msg("New node requested")
	p.Events.Publish(events.New(events.EventAutoscaleRequested, "new node requested for "+req.NetworkName+"."+req.Domain,
		"network", req.Network, "account", req.Account))
	return nil
}

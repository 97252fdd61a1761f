package hello

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/cuemby/sagenet/pkg/events"
	"github.com/cuemby/sagenet/pkg/metrics"
	"github.com/cuemby/sagenet/pkg/notify"
	"github.com/cuemby/sagenet/pkg/storage"
	"github.com/cuemby/sagenet/pkg/types"
	"golang.org/x/sync/errgroup"
)

// Result summarizes one pass over a peer list
type Result struct {
	// PeerCount counts valid peers plus this node, whether or not the list
	// contained it.
	PeerCount  int
	Added      int
	Updated    int
	Rejected   int
	Greeted    int
	Autoscaled bool
}

type upsertOutcome int

const (
	unchanged upsertOutcome = iota
	added
	updated
)

// ProcessPeers stores every valid peer, greets each with peer_hello and
// requests a new node from the sage when the network runs below its plan.
func (s *Service) ProcessPeers(ctx context.Context, peers []*types.Node) (*Result, error) {
	self, err := s.identity.ThisNode(ctx)
	if err != nil {
		return nil, err
	}
	if self == nil {
		return nil, notify.ErrNoIdentity
	}

	res := &Result{}
	foundSelf := false
	var greet []*types.Node
	for _, peer := range peers {
		if peer == nil {
			continue
		}
		if peer.UUID == self.UUID || (peer.FQDN != "" && peer.FQDN == self.FQDN) {
			foundSelf = true
			res.PeerCount++
			continue
		}
		if err := s.validate(self, peer); err != nil {
			s.logger.Warn().Err(err).Str("peer", peer.UUID).Msg("Rejecting peer")
			res.Rejected++
			continue
		}
		stored, outcome, err := s.upsert(peer)
		if err != nil {
			return nil, err
		}
		switch outcome {
		case added:
			res.Added++
		case updated:
			res.Updated++
		}
		res.PeerCount++
		greet = append(greet, stored)
	}
	// Not finding ourselves must not make the network look smaller than it is.
	if !foundSelf {
		res.PeerCount++
	}
	metrics.PeersSeen.Set(float64(res.PeerCount))

	res.Greeted = s.greet(ctx, self, greet)

	res.Autoscaled, err = s.autoscale(ctx, self, res.PeerCount)
	if err != nil {
		return res, err
	}
	s.logger.Debug().
		Int("peers", res.PeerCount).
		Int("added", res.Added).
		Int("updated", res.Updated).
		Int("rejected", res.Rejected).
		Msg("Processed peer list")
	return res, nil
}

// upsert creates peer or applies the fields it is authoritative for. The
// returned node carries the peer's key when one was advertised.
func (s *Service) upsert(peer *types.Node) (*types.Node, upsertOutcome, error) {
	outcome := unchanged
	found, err := s.store.GetNode(peer.UUID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		found = peer.Persistent()
		if err := s.store.CreateNode(found); err != nil {
			return nil, unchanged, fmt.Errorf("create peer %s: %w", peer.UUID, err)
		}
		outcome = added
		s.logger.Info().Str("peer", peer.UUID).Str("fqdn", peer.FQDN).Msg("Added peer")
		s.events.Publish(events.New(events.EventPeerAdded, "peer added", "peer", peer.UUID, "fqdn", peer.FQDN))
	case err != nil:
		return nil, unchanged, fmt.Errorf("get peer %s: %w", peer.UUID, err)
	default:
		if found.UpstreamUpdate(peer) {
			if err := s.store.UpdateNode(found); err != nil {
				return nil, unchanged, fmt.Errorf("update peer %s: %w", peer.UUID, err)
			}
			outcome = updated
			s.logger.Info().Str("peer", peer.UUID).Msg("Updated peer")
			s.events.Publish(events.New(events.EventPeerUpdated, "peer updated", "peer", peer.UUID))
		}
	}
	found.Key = s.learnKey(peer)
	return found, outcome, nil
}

// learnKey stores the key a peer advertised so it can be notified.
func (s *Service) learnKey(peer *types.Node) *types.NodeKey {
	k := peer.Key
	if k == nil || k.Node != peer.UUID || k.PublicKey == "" {
		return nil
	}
	hash := types.HashPublicKey(k.PublicKey)
	if existing, err := s.store.FindNodeKeyByHash(hash); err == nil {
		return existing
	}
	key := *k
	key.PublicKeyHash = hash
	if err := s.store.CreateNodeKey(&key); err != nil && !errors.Is(err, storage.ErrAlreadyExists) {
		s.logger.Warn().Err(err).Str("peer", peer.UUID).Msg("Failed to store peer key")
		return nil
	}
	return &key
}

// greet sends peer_hello to every peer and returns how many accepted it.
func (s *Service) greet(ctx context.Context, self *types.Node, peers []*types.Node) int {
	if len(peers) == 0 {
		return 0
	}
	payload := self.Persistent()
	var ok atomic.Int32
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Fanout)
	for _, peer := range peers {
		g.Go(func() error {
			receipt := s.notifier.Notify(gctx, peer, notify.TypePeerHello, payload)
			if receipt.Success {
				ok.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()
	return int(ok.Load())
}

func (s *Service) autoscale(ctx context.Context, self *types.Node, peerCount int) (bool, error) {
	if self.Network == "" {
		return false, nil
	}
	network, err := s.store.GetNetwork(self.Network)
	if errors.Is(err, storage.ErrNotFound) {
		s.logger.Warn().Str("network", self.Network).Msg("No network record, cannot check plan size")
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get network %s: %w", self.Network, err)
	}
	if peerCount >= network.NodesIncluded {
		return false, nil
	}
	sage, err := s.identity.SageNode(ctx)
	if err != nil {
		return false, err
	}
	if sage == nil {
		return false, nil
	}

	req := &types.NewNodeRequest{
		Account:     network.Account,
		Network:     network.UUID,
		NetworkName: network.Name,
		Domain:      network.Domain,
		Cloud:       self.Cloud,
		Automated:   true,
	}
	if self.Region != "" {
		req.ExcludeRegions = []string{self.Region}
	}
	s.logger.Info().
		Int("peers", peerCount).
		Int("plan", network.NodesIncluded).
		Str("sage", sage.UUID).
		Msg("Network below plan, requesting new node")
	receipt := s.notifier.Notify(ctx, sage, notify.TypeNewNode, req)
	metrics.AutoscaleRequests.Inc()
	s.events.Publish(events.New(events.EventAutoscaleRequested, "new node requested",
		"network", network.UUID, "peers", fmt.Sprint(peerCount)))
	if !receipt.Success {
		s.logger.Warn().Str("error", receipt.Error).Msg("New node request not delivered")
	}
	return receipt.Success, nil
}

func decodeNode(raw json.RawMessage) (*types.Node, error) {
	if len(raw) == 0 {
		return nil, errors.New("empty reply")
	}
	var node types.Node
	if err := json.Unmarshal(raw, &node); err != nil {
		return nil, fmt.Errorf("decode node: %w", err)
	}
	return &node, nil
}

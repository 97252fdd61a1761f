// Package notifytest provides an in-memory notify.Dialer for tests.
package notifytest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/cuemby/sagenet/pkg/notify"
	"github.com/cuemby/sagenet/pkg/types"
)

// Receiver is the inbound side of a node
type Receiver interface {
	Receive(ctx context.Context, env *notify.Envelope) *notify.Receipt
}

// Router delivers envelopes to registered receivers by node uuid. Envelopes
// are round-tripped through JSON so receivers never share memory with the
// sender.
type Router struct {
	mu        sync.Mutex
	nodes     map[string]Receiver
	sent      []*notify.Envelope
	unreached map[string]bool
}

// NewRouter creates an empty router
func NewRouter() *Router {
	return &Router{nodes: make(map[string]Receiver), unreached: make(map[string]bool)}
}

// Attach routes envelopes for nodeID to r
func (rt *Router) Attach(nodeID string, r Receiver) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.nodes[nodeID] = r
}

// Partition makes nodeID unreachable until Heal
func (rt *Router) Partition(nodeID string) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.unreached[nodeID] = true
}

// Heal makes nodeID reachable again
func (rt *Router) Heal(nodeID string) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	delete(rt.unreached, nodeID)
}

// Deliver implements notify.Dialer
func (rt *Router) Deliver(ctx context.Context, target *types.Node, env *notify.Envelope) (*notify.Receipt, error) {
	raw, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}
	var copied notify.Envelope
	if err := json.Unmarshal(raw, &copied); err != nil {
		return nil, err
	}

	rt.mu.Lock()
	rt.sent = append(rt.sent, &copied)
	r, ok := rt.nodes[target.UUID]
	down := rt.unreached[target.UUID]
	rt.mu.Unlock()

	if !ok || down {
		return nil, fmt.Errorf("node %s unreachable", target.UUID)
	}
	return r.Receive(ctx, &copied), nil
}

// Sent returns every envelope routed so far, optionally filtered by type
func (rt *Router) Sent(types ...notify.Type) []*notify.Envelope {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if len(types) == 0 {
		return append([]*notify.Envelope(nil), rt.sent...)
	}
	var out []*notify.Envelope
	for _, env := range rt.sent {
		for _, t := range types {
			if env.Type == t {
				out = append(out, env)
				break
			}
		}
	}
	return out
}

// Reset forgets the sent log
func (rt *Router) Reset() {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.sent = nil
}

// StaticSelf is a notify.SelfProvider returning a fixed node
type StaticSelf struct {
	mu   sync.Mutex
	Node *types.Node
}

// ThisNode implements notify.SelfProvider
func (s *StaticSelf) ThisNode(ctx context.Context) (*types.Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Node, nil
}

package hello

import (
	"errors"
	"fmt"

	"github.com/cuemby/sagenet/pkg/types"
)

// ErrInvalidPeer is returned by a PeerValidator that rejects a peer
var ErrInvalidPeer = errors.New("invalid peer")

// PeerValidator decides whether peer may be stored by self. Returning an
// error rejects the peer.
type PeerValidator func(self, peer *types.Node) error

// DefaultPeerValidator accepts peers that carry an identity and belong to
// the same network, domain and account as self.
func DefaultPeerValidator(self, peer *types.Node) error {
	if peer == nil || peer.UUID == "" || peer.FQDN == "" {
		return fmt.Errorf("%w: missing uuid or fqdn", ErrInvalidPeer)
	}
	if peer.Network == "" || peer.Domain == "" || peer.Account == "" {
		return fmt.Errorf("%w: %s has no network, domain or account", ErrInvalidPeer, peer.UUID)
	}
	if peer.Network != self.Network {
		return fmt.Errorf("%w: %s is not in our network", ErrInvalidPeer, peer.UUID)
	}
	if peer.Domain != self.Domain {
		return fmt.Errorf("%w: %s is not in our domain", ErrInvalidPeer, peer.UUID)
	}
	if peer.Account != self.Account {
		return fmt.Errorf("%w: %s belongs to another account", ErrInvalidPeer, peer.UUID)
	}
	return nil
}

package notify

import (
	"errors"
	"fmt"
)

var (
	// ErrSyncTimeout is returned when no reply arrives within SyncTimeout
	ErrSyncTimeout = errors.New("timed out waiting for reply")

	// ErrNoHandler is reported when no handler is registered for a type
	ErrNoHandler = errors.New("no handler registered")

	// ErrNoIdentity is reported when the local node has no identity yet
	ErrNoIdentity = errors.New("local node identity not initialized")

	// ErrNoKey is reported when the target has no unexpired node key
	ErrNoKey = errors.New("no valid key for node")

	// ErrUnknownSender is reported for envelopes from nodes not in the store
	ErrUnknownSender = errors.New("unknown sender")

	// ErrDeliveryFailed wraps a failed receipt returned to NotifySync
	ErrDeliveryFailed = errors.New("delivery failed")

	// ErrNoAccountNode is reported when no running node represents an account
	ErrNoAccountNode = errors.New("no running node for account")
)

// RemoteError is a failure reported by the handler on the remote node
type RemoteError struct {
	Type    Type
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote %s handler failed: %s", e.Type, e.Message)
}

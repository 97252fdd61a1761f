package notify

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/cuemby/sagenet/pkg/types"
	"github.com/google/uuid"
)

// Type selects the handler an envelope is dispatched to
type Type string

const (
	TypeHealthCheck    Type = "health_check"
	TypeHelloToSage    Type = "hello_to_sage"
	TypeHelloFromSage  Type = "hello_from_sage"
	TypePeerHello      Type = "peer_hello"
	TypeRegisterBackup Type = "register_backup"
	TypeRetrieveBackup Type = "retrieve_backup"
	TypeBackupResponse Type = "backup_response"
	TypeRestoreDone    Type = "restore_complete"
	TypeNewNode        Type = "new_node"

	// TypeSyncReply carries a Reply back to the sender of a synchronous
	// notification
	TypeSyncReply Type = "sync_reply"
)

// Envelope is one addressed notification
type Envelope struct {
	ID            string          `json:"id"`
	Type          Type            `json:"type"`
	FromNode      string          `json:"fromNode"`
	FromKey       *types.NodeKey  `json:"fromKey,omitempty"`
	ToNode        string          `json:"toNode,omitempty"`
	ToAccount     string          `json:"toAccount,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	CorrelationID string          `json:"correlationId,omitempty"`
	SentAt        time.Time       `json:"sentAt"`
}

// IsSync reports whether the sender waits for a Reply
func (e *Envelope) IsSync() bool {
	return e.CorrelationID != "" && e.Type != TypeSyncReply
}

// Reply answers a synchronous envelope. NotificationID is the request's
// correlation id. Exactly one of Response and Exception is set.
type Reply struct {
	NotificationID string          `json:"notificationId"`
	Response       json.RawMessage `json:"response,omitempty"`
	Exception      string          `json:"exception,omitempty"`
}

// Receipt reports whether a notification was delivered and accepted
type Receipt struct {
	Success bool   `json:"success"`
	ID      string `json:"id,omitempty"`
	Error   string `json:"error,omitempty"`
}

func okReceipt(id string) *Receipt {
	return &Receipt{Success: true, ID: id}
}

func failedReceipt(id string, err error) *Receipt {
	return &Receipt{ID: id, Error: err.Error()}
}

func newEnvelope(from *types.Node, t Type, payload any) (*Envelope, error) {
	env := &Envelope{
		ID:       uuid.NewString(),
		Type:     t,
		FromNode: from.UUID,
		FromKey:  from.Key,
		SentAt:   time.Now().UTC(),
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", t, err)
		}
		env.Payload = raw
	}
	return env, nil
}

// Decode unmarshals an envelope payload into v
func (e *Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%s: empty payload", e.Type)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("%s: decode payload: %w", e.Type, err)
	}
	return nil
}

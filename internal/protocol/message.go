// ABOUTME: Message envelope exchanged between agents and the coordinator
// ABOUTME: Defines message kinds, address sentinels, and reply construction

package protocol

import (
	"time"

	"github.com/google/uuid"
)

// Address sentinels. Neither is a valid agent identifier.
const (
	// Broadcast addresses every registered agent except the sender.
	Broadcast = "BROADCAST"
	// Coordinator addresses the coordination core itself.
	Coordinator = "coordinator"
)

// Kind identifies the role of a message in a conversation.
type Kind string

const (
	KindRequest          Kind = "REQUEST"
	KindResponse         Kind = "RESPONSE"
	KindError            Kind = "ERROR"
	KindConsensusRequest Kind = "CONSENSUS_REQUEST"
	KindVote             Kind = "VOTE"
	KindBroadcast        Kind = "BROADCAST"
)

// Kinds lists every kind the protocol accepts.
var Kinds = []Kind{
	KindRequest,
	KindResponse,
	KindError,
	KindConsensusRequest,
	KindVote,
	KindBroadcast,
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

// Payload is the structured body of a message.
type Payload map[string]any

// Well-known payload keys.
const (
	KeyAction     = "action"
	KeyData       = "data"
	KeyError      = "error"
	KeyVote       = "vote"
	KeyConfidence = "confidence"
	KeyReasoning  = "reasoning"
)

// Message is the unit of traffic on the bus. A message must not be modified
// after it has been submitted.
type Message struct {
	ID            string    `json:"messageId"`
	CorrelationID string    `json:"correlationId"`
	From          string    `json:"from"`
	To            string    `json:"to"`
	Kind          Kind      `json:"kind"`
	Payload       Payload   `json:"payload"`
	Timestamp     time.Time `json:"timestamp"`
}

// NewMessage starts a new conversation: the correlation id equals the
// message id, so replies can be matched against the request id.
func NewMessage(from, to string, kind Kind, payload Payload) *Message {
	id := uuid.New().String()
	if payload == nil {
		payload = Payload{}
	}
	return &Message{
		ID:            id,
		CorrelationID: id,
		From:          from,
		To:            to,
		Kind:          kind,
		Payload:       payload,
		Timestamp:     time.Now().UTC(),
	}
}

// Reply builds a message answering m. The reply is addressed to m's sender
// and carries m's correlation id.
func (m *Message) Reply(from string, kind Kind, payload Payload) *Message {
	reply := NewMessage(from, m.From, kind, payload)
	reply.CorrelationID = m.CorrelationID
	return reply
}

// Action returns the payload's action field, or "" when absent.
func (m *Message) Action() string {
	if m == nil || m.Payload == nil {
		return ""
	}
	action, _ := m.Payload[KeyAction].(string)
	return action
}

// Data returns the payload's data field.
func (m *Message) Data() any {
	if m == nil || m.Payload == nil {
		return nil
	}
	return m.Payload[KeyData]
}

// IsBroadcast reports whether m is addressed to every agent.
func IsBroadcast(m *Message) bool {
	return m != nil && m.To == Broadcast
}

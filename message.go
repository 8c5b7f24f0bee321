package chatsync

import (
	"time"
)

// DeliveryState tags a Message as pending, sent or failed.
type DeliveryState int

const (
	// Pending messages were composed locally and carry only a temporary key.
	Pending DeliveryState = iota
	// Sent messages are confirmed by the server and carry a server-assigned ID.
	Sent
	// Failed messages could not be handed to the event channel.
	Failed
)

func (s DeliveryState) String() string {
	switch s {
	case Pending:
		return "pending"
	case Sent:
		return "sent"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Message is one entry of a conversation log.
type Message struct {
	ID             string
	TempKey        string
	ConversationID string
	SenderID       string
	Body           string
	CreatedAt      time.Time
	State          DeliveryState
	// FailReason is set when State is Failed.
	FailReason string
}

// Key returns the identity the store indexes the message under.
func (m Message) Key() string {
	if m.ID != "" {
		return m.ID
	}
	return m.TempKey
}

// Local reports whether the message has not been confirmed by the server yet.
func (m Message) Local() bool {
	return m.ID == "" && m.State != Sent
}

// before orders messages by (CreatedAt, Key).
func (m Message) before(o Message) bool {
	if !m.CreatedAt.Equal(o.CreatedAt) {
		return m.CreatedAt.Before(o.CreatedAt)
	}
	return m.Key() < o.Key()
}

// Conversation is a two-party thread.
type Conversation struct {
	ID string
	// Participants holds the current user first and the peer second.
	Participants [2]string
	Name         string
	Avatar       string
	Presence     string
}

// Peer returns the other participant.
func (c Conversation) Peer() string {
	return c.Participants[1]
}

// ParticipantIDs returns the non-empty participant identifiers.
func (c Conversation) ParticipantIDs() []string {
	ids := make([]string, 0, 2)
	for _, p := range c.Participants {
		if p != "" {
			ids = append(ids, p)
		}
	}
	return ids
}

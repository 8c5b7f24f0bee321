package chatsync

import (
	"encoding/json"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents a non-2xx response from the REST collaborators.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return e.Code + ": " + e.Message
}

// ============================================================================
// Message collection service
// ============================================================================

// WireMessage is a message as returned by the message collection service.
type WireMessage struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversationId"`
	SenderID       string `json:"senderId"`
	Body           string `json:"body"`
	CreatedAt      string `json:"createdAt"`
}

// PageResponse is the body of GET /conversations/{id}/messages. Items are newest-first.
type PageResponse struct {
	Items []WireMessage `json:"items"`
}

// ============================================================================
// Chat listing / creation service
// ============================================================================

// ParticipantRecord describes one member of a conversation.
type ParticipantRecord struct {
	ID       string `json:"id"`
	Name     string `json:"name,omitempty"`
	Email    string `json:"email,omitempty"`
	Avatar   string `json:"avatar,omitempty"`
	Presence string `json:"presence,omitempty"`
}

// ConversationRecord is a conversation as listed by the chat service.
type ConversationRecord struct {
	ID          string              `json:"id"`
	Members     []ParticipantRecord `json:"members"`
	LastMessage *WireMessage        `json:"lastMessage,omitempty"`
	UpdatedAt   string              `json:"updatedAt,omitempty"`
}

// ConversationList is the body of GET /conversations.
type ConversationList struct {
	Items []ConversationRecord `json:"items"`
}

type createConversationRequest struct {
	ParticipantIDs []string `json:"participantIds"`
}

// ============================================================================
// Event channel
// ============================================================================

// Event type names carried in the envelope.
const (
	EventAuthenticated = "authenticated"
	EventNewMessage    = "NEW_MESSAGE"
	EventPing          = "ping"
	EventPong          = "pong"
	EventError         = "error"
)

// Envelope is the wire format for all real-time events in both directions.
type Envelope struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	RequestID string          `json:"requestId,omitempty"`
}

// AuthenticatedPayload is the first frame sent by the server after the upgrade.
type AuthenticatedPayload struct {
	UserID string `json:"userId"`
}

// NewMessageEvent is an inbound NEW_MESSAGE payload.
type NewMessageEvent struct {
	ConversationID string `json:"conversationId"`
	SenderID       string `json:"senderId"`
	Body           string `json:"body"`
	CreatedAt      string `json:"createdAt"`
	ServerID       string `json:"serverId"`
	// ClientKey echoes the temporary key of the outbound message, when the server supports it.
	ClientKey string `json:"clientKey,omitempty"`
}

// OutboundMessage is an outbound NEW_MESSAGE payload.
type OutboundMessage struct {
	ConversationID string   `json:"conversationId"`
	ParticipantIDs []string `json:"participantIds"`
	Body           string   `json:"body"`
	ClientKey      string   `json:"clientKey,omitempty"`
}

// PongPayload answers a ping.
type PongPayload struct {
	RequestID string `json:"requestId"`
}

// ErrorPayload is sent when a server-side error occurs on the channel.
type ErrorPayload struct {
	Message string `json:"message"`
}

// ============================================================================
// Conversions
// ============================================================================

func parseTimestamp(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t
	}
	return time.Time{}
}

func formatTimestamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

// Message converts a wire message into a confirmed Message.
func (w WireMessage) Message() Message {
	return Message{
		ID:             w.ID,
		ConversationID: w.ConversationID,
		SenderID:       w.SenderID,
		Body:           w.Body,
		CreatedAt:      parseTimestamp(w.CreatedAt),
		State:          Sent,
	}
}

// Message converts an inbound event into a confirmed Message.
func (e NewMessageEvent) Message() Message {
	return Message{
		ID:             e.ServerID,
		ConversationID: e.ConversationID,
		SenderID:       e.SenderID,
		Body:           e.Body,
		CreatedAt:      parseTimestamp(e.CreatedAt),
		State:          Sent,
	}
}

// Conversation converts a listed record into the conversation seen by selfID.
// The first member that is not selfID becomes the peer, mirroring how chat lists
// are rendered from the peer's point of view.
func (r ConversationRecord) Conversation(selfID string) Conversation {
	conv := Conversation{ID: r.ID}
	conv.Participants[0] = selfID
	for _, m := range r.Members {
		if m.ID == selfID {
			continue
		}
		conv.Participants[1] = m.ID
		conv.Name = m.Name
		conv.Avatar = m.Avatar
		conv.Presence = m.Presence
		break
	}
	return conv
}

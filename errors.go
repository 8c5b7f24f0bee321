package chatsync

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrNoConversation is returned when an operation needs an active conversation.
	ErrNoConversation = errors.New("no conversation selected")
	// ErrNotConnected is returned when the event channel has no live connection.
	ErrNotConnected = errors.New("not connected")
	// ErrNotFailed is returned by Retry for a temp key that is not a failed message.
	ErrNotFailed = errors.New("message is not in failed state")
	// ErrStaleCallback marks a fetch or event result that arrived after its
	// conversation stopped being active. It is logged, never surfaced.
	ErrStaleCallback = errors.New("stale callback")
)

// FetchError is a failed history page load. Retry by loading the page again.
type FetchError struct {
	ConversationID string
	Offset         int
	Err            error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch conversation %s at offset %d: %v", e.ConversationID, e.Offset, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// SendError is an outbound message the event channel could not deliver.
type SendError struct {
	ConversationID string
	TempKey        string
	Err            error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send to conversation %s (key %s): %v", e.ConversationID, e.TempKey, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

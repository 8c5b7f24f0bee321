package chatsync

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// LiveChannel bridges the shared event connection to one conversation's store.
type LiveChannel struct {
	conn   EventConn
	selfID string
	logger zerolog.Logger

	mu             sync.Mutex
	conversationID string
	remove         func()
	onForeign      func(NewMessageEvent)
}

// NewLiveChannel creates an unsubscribed channel. selfID is the current user and
// is used to match echoes of our own sends that carry no client key.
func NewLiveChannel(conn EventConn, selfID string, logger zerolog.Logger) *LiveChannel {
	return &LiveChannel{
		conn:   conn,
		selfID: selfID,
		logger: logger.With().Str("component", "live").Logger(),
	}
}

// OnForeign registers a hook for events that belong to other conversations.
func (l *LiveChannel) OnForeign(h func(NewMessageEvent)) {
	l.mu.Lock()
	l.onForeign = h
	l.mu.Unlock()
}

// Subscribe starts delivering NEW_MESSAGE events for conversationID to onMessage.
// An existing subscription is removed first so nothing is delivered twice.
func (l *LiveChannel) Subscribe(conversationID string, onMessage func(NewMessageEvent)) {
	l.Unsubscribe()

	l.mu.Lock()
	defer l.mu.Unlock()
	l.conversationID = conversationID
	l.remove = l.conn.OnNewMessage(func(ev NewMessageEvent) {
		l.mu.Lock()
		active := l.conversationID
		foreign := l.onForeign
		l.mu.Unlock()

		if active != conversationID {
			l.logger.Debug().Err(ErrStaleCallback).Str("conversation_id", conversationID).Msg("dropping event for replaced subscription")
			return
		}
		if ev.ConversationID != active {
			if foreign != nil {
				foreign(ev)
			}
			return
		}
		onMessage(ev)
	})
	l.logger.Debug().Str("conversation_id", conversationID).Msg("subscribed")
}

// Unsubscribe detaches the handler. It is safe to call when not subscribed.
func (l *LiveChannel) Unsubscribe() {
	l.mu.Lock()
	remove := l.remove
	prev := l.conversationID
	l.remove = nil
	l.conversationID = ""
	l.mu.Unlock()

	if remove != nil {
		remove()
		l.logger.Debug().Str("conversation_id", prev).Msg("unsubscribed")
	}
}

// ConversationID returns the subscribed conversation, or "".
func (l *LiveChannel) ConversationID() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conversationID
}

// Send emits msg. It does not wait for the server's echo.
func (l *LiveChannel) Send(ctx context.Context, msg OutboundMessage) error {
	if err := l.conn.Emit(ctx, msg); err != nil {
		l.logger.Warn().Err(err).Str("conversation_id", msg.ConversationID).Str("client_key", msg.ClientKey).Msg("send failed")
		return &SendError{ConversationID: msg.ConversationID, TempKey: msg.ClientKey, Err: err}
	}
	return nil
}

// Apply merges an inbound event into store. Echoes of our own pending sends
// replace the pending entry, even when a history page already delivered the
// server copy; everything else is appended idempotently.
func (l *LiveChannel) Apply(store *MessageStore, ev NewMessageEvent) bool {
	msg := ev.Message()

	tempKey := ev.ClientKey
	if tempKey == "" && ev.SenderID == l.selfID {
		// A copy that already carries a temp key was matched before; a repeated
		// echo must not claim another pending entry with the same body.
		if existing, ok := store.Lookup(msg.ID); !ok || existing.TempKey == "" {
			tempKey, _ = store.FindPending(ev.SenderID, ev.Body)
		}
	}
	if tempKey != "" {
		return store.Reconcile(tempKey, msg)
	}
	return store.Append(msg)
}

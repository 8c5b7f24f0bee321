package main

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/quickchat/chatsync"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test Helpers
// ============================================================================

type fakeEvents struct {
	mu       sync.Mutex
	handlers int
}

func (c *fakeEvents) OnNewMessage(func(chatsync.NewMessageEvent)) func() {
	c.mu.Lock()
	c.handlers++
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		c.handlers--
		c.mu.Unlock()
	}
}

func (c *fakeEvents) Emit(context.Context, chatsync.OutboundMessage) error { return nil }

func (c *fakeEvents) handlerCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handlers
}

type fakeAdmin struct {
	mu      sync.Mutex
	cleared []string
	deleted []string
	err     error
	// onClear runs after a successful Clear, standing in for the server dropping history.
	onClear func()
}

func (a *fakeAdmin) Clear(_ context.Context, conversationID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return a.err
	}
	a.cleared = append(a.cleared, conversationID)
	if a.onClear != nil {
		a.onClear()
	}
	return nil
}

func (a *fakeAdmin) Delete(_ context.Context, conversationID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return a.err
	}
	a.deleted = append(a.deleted, conversationID)
	return nil
}

func newTestRoom(t *testing.T, admin *fakeAdmin, emptied *atomic.Bool) (*chatRoom, *fakeEvents) {
	t.Helper()
	fetch := chatsync.PageFetcherFunc(func(_ context.Context, conversationID string, limit, offset int) ([]chatsync.Message, error) {
		if emptied.Load() || offset > 0 {
			return nil, nil
		}
		base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
		return []chatsync.Message{
			{ID: "m2", ConversationID: conversationID, SenderID: "peer", Body: "second", CreatedAt: base.Add(time.Minute)},
			{ID: "m1", ConversationID: conversationID, SenderID: "me", Body: "first", CreatedAt: base},
		}, nil
	})
	events := &fakeEvents{}
	sess := chatsync.NewSessionController("me", fetch, events, chatsync.WithSessionLogger(zerolog.Nop()))
	t.Cleanup(sess.Close)

	conv := chatsync.Conversation{ID: "conv-1", Participants: [2]string{"me", "peer"}}
	require.NoError(t, sess.Select(context.Background(), conv))
	require.Eventually(t, func() bool { return len(sess.View().Messages) == 2 }, 2*time.Second, 5*time.Millisecond)

	return &chatRoom{sess: sess, admin: admin, printer: newPrinter("me"), conversationID: conv.ID}, events
}

// ============================================================================
// Commands
// ============================================================================

func TestChatRoomClear(t *testing.T) {
	var emptied atomic.Bool
	admin := &fakeAdmin{onClear: func() { emptied.Store(true) }}
	room, events := newTestRoom(t, admin, &emptied)

	require.NoError(t, room.handle(context.Background(), "/clear"))
	require.Equal(t, []string{"conv-1"}, admin.cleared)

	require.Eventually(t, func() bool {
		v := room.sess.View()
		return v.Active && !v.InitialLoad && v.Empty
	}, 2*time.Second, 5*time.Millisecond)
	require.Empty(t, room.sess.View().Messages)
	require.Equal(t, 1, events.handlerCount())
}

func TestChatRoomDelete(t *testing.T) {
	var emptied atomic.Bool
	admin := &fakeAdmin{}
	room, events := newTestRoom(t, admin, &emptied)

	err := room.handle(context.Background(), "/delete")
	require.ErrorIs(t, err, errQuit)
	require.Equal(t, []string{"conv-1"}, admin.deleted)

	_, active := room.sess.Active()
	require.False(t, active)
	require.Zero(t, events.handlerCount())
}

func TestChatRoomAdminFailureKeepsSession(t *testing.T) {
	var emptied atomic.Bool
	admin := &fakeAdmin{err: errors.New("forbidden")}
	room, events := newTestRoom(t, admin, &emptied)

	require.NoError(t, room.handle(context.Background(), "/clear"))
	require.NoError(t, room.handle(context.Background(), "/delete"))

	require.Empty(t, admin.cleared)
	require.Empty(t, admin.deleted)
	_, active := room.sess.Active()
	require.True(t, active)
	require.Len(t, room.sess.View().Messages, 2)
	require.Equal(t, 1, events.handlerCount())
}

func TestChatRoomQuit(t *testing.T) {
	var emptied atomic.Bool
	room, _ := newTestRoom(t, &fakeAdmin{}, &emptied)
	require.ErrorIs(t, room.handle(context.Background(), "/quit"), errQuit)
	require.NoError(t, room.handle(context.Background(), "   "))
}

func TestPrinterReset(t *testing.T) {
	p := newPrinter("me")
	p.render(chatsync.View{Active: true, Messages: []chatsync.Message{
		{ID: "m1", SenderID: "peer", Body: "hi", State: chatsync.Sent},
	}})
	require.Len(t, p.seen, 1)
	require.Equal(t, "m1", p.oldest)

	p.reset()
	require.Empty(t, p.seen)
	require.Empty(t, p.oldest)
	require.False(t, p.emptyMsg)
}

package chatsync

import (
	"context"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test Helpers
// ============================================================================

// fakeConn is an in-memory EventConn. deliver runs handlers synchronously, the
// same way the realtime read loop does.
type fakeConn struct {
	mu       sync.Mutex
	nextID   int
	handlers map[int]func(NewMessageEvent)
	sent     []OutboundMessage
	emitErr  error
}

func newFakeConn() *fakeConn {
	return &fakeConn{handlers: make(map[int]func(NewMessageEvent))}
}

func (c *fakeConn) OnNewMessage(h func(NewMessageEvent)) func() {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.handlers[id] = h
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.handlers, id)
		c.mu.Unlock()
	}
}

func (c *fakeConn) Emit(_ context.Context, msg OutboundMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.emitErr != nil {
		return c.emitErr
	}
	c.sent = append(c.sent, msg)
	return nil
}

func (c *fakeConn) deliver(ev NewMessageEvent) {
	c.mu.Lock()
	handlers := make([]func(NewMessageEvent), 0, len(c.handlers))
	for _, h := range c.handlers {
		handlers = append(handlers, h)
	}
	c.mu.Unlock()
	for _, h := range handlers {
		h(ev)
	}
}

func (c *fakeConn) handlerCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.handlers)
}

func (c *fakeConn) setEmitErr(err error) {
	c.mu.Lock()
	c.emitErr = err
	c.mu.Unlock()
}

func (c *fakeConn) outbound() []OutboundMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]OutboundMessage(nil), c.sent...)
}

func event(conversationID, serverID, sender, body string, minute int) NewMessageEvent {
	return NewMessageEvent{
		ConversationID: conversationID,
		SenderID:       sender,
		Body:           body,
		CreatedAt:      formatTimestamp(baseTime.Add(time.Duration(minute) * time.Minute)),
		ServerID:       serverID,
	}
}

// ============================================================================
// Subscribe / Unsubscribe
// ============================================================================

func TestLiveChannelSubscribe(t *testing.T) {
	t.Run("routes by conversation", func(t *testing.T) {
		conn := newFakeConn()
		l := NewLiveChannel(conn, "me", zerolog.Nop())

		var got, foreign []string
		l.OnForeign(func(ev NewMessageEvent) { foreign = append(foreign, ev.ServerID) })
		l.Subscribe("conv-1", func(ev NewMessageEvent) { got = append(got, ev.ServerID) })

		conn.deliver(event("conv-1", "a", "peer", "x", 1))
		conn.deliver(event("conv-2", "b", "peer", "y", 2))

		require.Equal(t, []string{"a"}, got)
		require.Equal(t, []string{"b"}, foreign)
		require.Equal(t, "conv-1", l.ConversationID())
	})

	t.Run("resubscribe keeps one handler", func(t *testing.T) {
		conn := newFakeConn()
		l := NewLiveChannel(conn, "me", zerolog.Nop())

		var first, second int
		l.Subscribe("conv-1", func(NewMessageEvent) { first++ })
		l.Subscribe("conv-2", func(NewMessageEvent) { second++ })
		require.Equal(t, 1, conn.handlerCount())

		conn.deliver(event("conv-1", "a", "peer", "x", 1))
		conn.deliver(event("conv-2", "b", "peer", "y", 2))
		require.Zero(t, first)
		require.Equal(t, 1, second)
	})

	t.Run("unsubscribe is idempotent", func(t *testing.T) {
		conn := newFakeConn()
		l := NewLiveChannel(conn, "me", zerolog.Nop())
		l.Unsubscribe()
		l.Subscribe("conv-1", func(NewMessageEvent) {})
		l.Unsubscribe()
		l.Unsubscribe()
		require.Zero(t, conn.handlerCount())
		require.Empty(t, l.ConversationID())
	})

	t.Run("captured handler drops events after switch", func(t *testing.T) {
		conn := newFakeConn()
		l := NewLiveChannel(conn, "me", zerolog.Nop())

		var stale func(NewMessageEvent)
		calls := 0
		l.Subscribe("conv-1", func(NewMessageEvent) { calls++ })
		conn.mu.Lock()
		for _, h := range conn.handlers {
			stale = h
		}
		conn.mu.Unlock()

		l.Subscribe("conv-2", func(NewMessageEvent) {})
		stale(event("conv-1", "a", "peer", "x", 1))
		require.Zero(t, calls)
	})
}

// ============================================================================
// Send / Apply
// ============================================================================

func TestLiveChannelSend(t *testing.T) {
	conn := newFakeConn()
	l := NewLiveChannel(conn, "me", zerolog.Nop())
	msg := OutboundMessage{ConversationID: "conv-1", ParticipantIDs: []string{"me", "peer"}, Body: "hi", ClientKey: "tmp"}

	require.NoError(t, l.Send(context.Background(), msg))
	require.Equal(t, []OutboundMessage{msg}, conn.outbound())

	cause := errors.New("socket closed")
	conn.setEmitErr(cause)
	err := l.Send(context.Background(), msg)
	var sendErr *SendError
	require.ErrorAs(t, err, &sendErr)
	require.Equal(t, "tmp", sendErr.TempKey)
	require.ErrorIs(t, err, cause)
}

func TestLiveChannelApply(t *testing.T) {
	l := NewLiveChannel(newFakeConn(), "me", zerolog.Nop())

	t.Run("appends foreign sender", func(t *testing.T) {
		s := NewMessageStore()
		require.True(t, l.Apply(s, event("conv-1", "a", "peer", "x", 1)))
		require.False(t, l.Apply(s, event("conv-1", "a", "peer", "x", 1)))
		require.Equal(t, 1, s.Len())
	})

	t.Run("reconciles by client key", func(t *testing.T) {
		s := NewMessageStore()
		s.Append(pendingMsg("tmp-1", "hello", 1))
		ev := event("conv-1", "srv-1", "me", "hello", 1)
		ev.ClientKey = "tmp-1"
		require.True(t, l.Apply(s, ev))

		snap := s.Snapshot()
		require.Len(t, snap, 1)
		require.Equal(t, "srv-1", snap[0].ID)
		require.Equal(t, Sent, snap[0].State)
	})

	t.Run("reconciles own echo by body", func(t *testing.T) {
		s := NewMessageStore()
		s.Append(pendingMsg("tmp-1", "hello", 1))
		s.Append(pendingMsg("tmp-2", "hello", 2))

		require.True(t, l.Apply(s, event("conv-1", "srv-1", "me", "hello", 1)))
		snap := s.Snapshot()
		require.Equal(t, []string{"srv-1", "tmp-2"}, keys(snap))
		require.Equal(t, Pending, snap[1].State)
	})

	t.Run("page copy before keyed echo", func(t *testing.T) {
		ev := event("conv-1", "x1", "me", "hello", 1)
		ev.ClientKey = "k1"

		pageFirst := NewMessageStore()
		pageFirst.Append(pendingMsg("k1", "hello", 1))
		pageFirst.Seed([]Message{ev.Message()}, true)
		require.True(t, l.Apply(pageFirst, ev))

		echoFirst := NewMessageStore()
		echoFirst.Append(pendingMsg("k1", "hello", 1))
		require.True(t, l.Apply(echoFirst, ev))
		echoFirst.Seed([]Message{ev.Message()}, true)

		snap := pageFirst.Snapshot()
		require.Len(t, snap, 1)
		require.Equal(t, "x1", snap[0].ID)
		require.Equal(t, "k1", snap[0].TempKey)
		require.Equal(t, Sent, snap[0].State)
		require.Equal(t, echoFirst.Snapshot(), snap)
	})

	t.Run("page copy before unkeyed echo", func(t *testing.T) {
		ev := event("conv-1", "x1", "me", "hello", 1)

		pageFirst := NewMessageStore()
		pageFirst.Append(pendingMsg("k1", "hello", 1))
		pageFirst.Seed([]Message{ev.Message()}, true)
		require.True(t, l.Apply(pageFirst, ev))

		echoFirst := NewMessageStore()
		echoFirst.Append(pendingMsg("k1", "hello", 1))
		require.True(t, l.Apply(echoFirst, ev))
		echoFirst.Seed([]Message{ev.Message()}, true)

		snap := pageFirst.Snapshot()
		require.Len(t, snap, 1)
		require.Equal(t, "k1", snap[0].TempKey)
		require.Equal(t, echoFirst.Snapshot(), snap)
	})

	t.Run("repeated echo does not claim another pending entry", func(t *testing.T) {
		s := NewMessageStore()
		s.Append(pendingMsg("k1", "hello", 1))
		s.Append(pendingMsg("k2", "hello", 2))
		ev := event("conv-1", "x1", "me", "hello", 1)

		require.True(t, l.Apply(s, ev))
		require.False(t, l.Apply(s, ev))

		snap := s.Snapshot()
		require.Equal(t, []string{"x1", "k2"}, keys(snap))
		require.Equal(t, Pending, snap[1].State)
	})

	t.Run("own echo without pending match appends", func(t *testing.T) {
		s := NewMessageStore()
		require.True(t, l.Apply(s, event("conv-1", "srv-9", "me", "from another device", 1)))
		require.True(t, s.Has("srv-9"))
	})
}

func TestLiveChannelApplyInterleavingsConverge(t *testing.T) {
	l := NewLiveChannel(newFakeConn(), "me", zerolog.Nop())

	keyed := event("conv-1", "x05", "me", "hello", 5)
	keyed.ClientKey = "k1"
	unkeyed := event("conv-1", "x12", "me", "again", 12)
	peer := event("conv-1", "x15", "peer", "hi back", 15)

	newer := []Message{peer.Message(), unkeyed.Message(), sentMsg("m10", 10)}
	older := []Message{sentMsg("m07", 7), keyed.Message(), sentMsg("m01", 1)}

	ops := []func(*MessageStore){
		func(s *MessageStore) { s.Seed(newer, true) },
		func(s *MessageStore) { s.Seed(older, true) },
		func(s *MessageStore) { l.Apply(s, keyed) },
		func(s *MessageStore) { l.Apply(s, unkeyed) },
		func(s *MessageStore) { l.Apply(s, peer) },
	}

	var first []Message
	rng := rand.New(rand.NewSource(7))
	for round := 0; round < 100; round++ {
		s := NewMessageStore()
		// Pending entries always exist before their send is emitted.
		s.Append(pendingMsg("k1", "hello", 5))
		s.Append(pendingMsg("k2", "again", 12))
		for _, i := range rng.Perm(len(ops)) {
			ops[i](s)
		}
		for _, o := range ops {
			o(s)
		}

		snap := s.Snapshot()
		if first == nil {
			first = snap
			require.Equal(t, []string{"m01", "x05", "m07", "m10", "x12", "x15"}, keys(snap))
			for _, m := range snap {
				require.Equal(t, Sent, m.State, m.Key())
			}
			require.Equal(t, "k1", snap[1].TempKey)
			require.Equal(t, "k2", snap[4].TempKey)
			continue
		}
		require.Equal(t, first, snap, "round %d", round)
	}
}

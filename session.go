package chatsync

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// View is the read model the presentation layer renders.
type View struct {
	Active       bool
	Conversation Conversation
	Messages     []Message
	History      HistoryState
	Offset       int
	Exhausted    bool
	Fetching     bool
	// InitialLoad is true until the first history fetch of the conversation resolves.
	InitialLoad bool
	// Empty is true when the conversation has no history and nothing was sent yet.
	Empty bool
}

// SessionOption configures a SessionController.
type SessionOption func(*SessionController)

// WithPageSize overrides DefaultPageSize for every conversation of the session.
func WithPageSize(n int) SessionOption {
	return func(s *SessionController) {
		if n > 0 {
			s.pageSize = n
		}
	}
}

// WithSessionLogger sets the logger.
func WithSessionLogger(logger zerolog.Logger) SessionOption {
	return func(s *SessionController) { s.logger = logger }
}

// WithClock overrides the clock used to timestamp pending messages.
func WithClock(now func() time.Time) SessionOption {
	return func(s *SessionController) { s.now = now }
}

// ============================================================================
// Hooks
// ============================================================================

type sessionHooks struct {
	mu       sync.RWMutex
	onChange []func(View)
	onError  []func(error)
}

func (h *sessionHooks) changeHandlers() []func(View) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]func(View){}, h.onChange...)
}

func (h *sessionHooks) errorHandlers() []func(error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]func(error){}, h.onError...)
}

// ============================================================================
// SessionController
// ============================================================================

// conversationSession is everything owned for one active conversation. It is
// replaced wholesale on every switch and never reused.
type conversationSession struct {
	conv   Conversation
	store  *MessageStore
	loader *HistoryLoader
}

// SessionController owns the active conversation, its MessageStore and
// HistoryLoader, and the LiveChannel subscription. At most one conversation is
// live at a time.
//
// Methods are safe for concurrent use. OnChange and OnError handlers may be called
// from the realtime read goroutine as well as from the caller's goroutine.
type SessionController struct {
	selfID   string
	fetcher  PageFetcher
	live     *LiveChannel
	pageSize int
	now      func() time.Time
	logger   zerolog.Logger
	hooks    sessionHooks

	// switchMu serializes Select, ConversationCleared, ConversationDeleted,
	// Deselect and Close so a teardown and its subscribe never interleave with
	// another switch. Hooks run after it is released.
	switchMu sync.Mutex

	mu     sync.Mutex
	active *conversationSession
}

// NewSessionController creates a controller in the NoConversationSelected state.
func NewSessionController(selfID string, fetcher PageFetcher, conn EventConn, opts ...SessionOption) *SessionController {
	s := &SessionController{
		selfID:   selfID,
		fetcher:  fetcher,
		pageSize: DefaultPageSize,
		now:      time.Now,
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With().Str("component", "session").Str("user_id", selfID).Logger()
	s.live = NewLiveChannel(conn, selfID, s.logger)
	return s
}

// OnChange registers a handler called with a fresh View after every mutation.
func (s *SessionController) OnChange(h func(View)) {
	s.hooks.mu.Lock()
	s.hooks.onChange = append(s.hooks.onChange, h)
	s.hooks.mu.Unlock()
}

// OnError registers a handler for FetchError and SendError values.
func (s *SessionController) OnError(h func(error)) {
	s.hooks.mu.Lock()
	s.hooks.onError = append(s.hooks.onError, h)
	s.hooks.mu.Unlock()
}

// OnForeignMessage registers a hook for live events of conversations other than
// the active one, e.g. for unread badges.
func (s *SessionController) OnForeignMessage(h func(NewMessageEvent)) {
	s.live.OnForeign(h)
}

// Select makes conv the active conversation. The previous conversation is
// unsubscribed and its state discarded, the first history page is requested in
// the background and the live subscription is installed. Selecting the active
// conversation again is a no-op.
func (s *SessionController) Select(ctx context.Context, conv Conversation) error {
	if strings.TrimSpace(conv.ID) == "" {
		return errors.New("conversation id is required")
	}
	if conv.Participants[0] == "" {
		conv.Participants[0] = s.selfID
	}

	s.switchMu.Lock()
	if cur := s.current(); cur != nil && cur.conv.ID == conv.ID {
		s.switchMu.Unlock()
		return nil
	}
	s.activate(ctx, conv)
	s.switchMu.Unlock()

	s.notify()
	return nil
}

// activate must be called with switchMu held.
func (s *SessionController) activate(ctx context.Context, conv Conversation) {
	s.teardown()

	store := NewMessageStore()
	sess := &conversationSession{
		conv:   conv,
		store:  store,
		loader: NewHistoryLoader(conv.ID, s.fetcher, store, s.pageSize, s.logger),
	}

	s.mu.Lock()
	s.active = sess
	s.mu.Unlock()

	s.logger.Info().Str("conversation_id", conv.ID).Msg("conversation selected")

	loadCtx := context.WithoutCancel(ctx)
	go func() {
		_, _ = s.load(loadCtx, sess)
	}()

	s.live.Subscribe(conv.ID, func(ev NewMessageEvent) {
		s.handleEvent(sess, ev)
	})
}

// teardown unsubscribes and detaches the active conversation, if any. It must be
// called with switchMu held.
func (s *SessionController) teardown() {
	s.mu.Lock()
	prev := s.active
	s.active = nil
	s.mu.Unlock()

	s.live.Unsubscribe()
	if prev != nil {
		prev.loader.Detach()
		s.logger.Debug().Str("conversation_id", prev.conv.ID).Msg("conversation discarded")
	}
}

// Deselect returns to the NoConversationSelected state.
func (s *SessionController) Deselect() {
	s.switchMu.Lock()
	s.teardown()
	s.switchMu.Unlock()
	s.notify()
}

// Close releases the live subscription.
func (s *SessionController) Close() {
	s.switchMu.Lock()
	s.teardown()
	s.switchMu.Unlock()
}

// Active returns the active conversation.
func (s *SessionController) Active() (Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return Conversation{}, false
	}
	return s.active.conv, true
}

// LoadOlder fetches the next older page of the active conversation.
func (s *SessionController) LoadOlder(ctx context.Context) (PageOutcome, error) {
	sess := s.current()
	if sess == nil {
		return PageSkipped, ErrNoConversation
	}
	return s.load(ctx, sess)
}

func (s *SessionController) load(ctx context.Context, sess *conversationSession) (PageOutcome, error) {
	outcome, err := sess.loader.LoadNextPage(ctx)
	if outcome == PageStale || !s.isActive(sess) {
		return PageStale, nil
	}
	if err != nil {
		s.emitError(err)
	}
	if outcome != PageSkipped {
		s.notify()
	}
	return outcome, err
}

// Send appends a pending message with a fresh temporary key and emits it. On a
// SendError the pending message is marked failed and the error is returned and
// reported to OnError handlers.
func (s *SessionController) Send(ctx context.Context, body string) (Message, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return Message{}, errors.New("message body is empty")
	}
	sess := s.current()
	if sess == nil {
		return Message{}, ErrNoConversation
	}

	msg := Message{
		TempKey:        uuid.NewString(),
		ConversationID: sess.conv.ID,
		SenderID:       s.selfID,
		Body:           body,
		CreatedAt:      s.now(),
		State:          Pending,
	}
	sess.store.Append(msg)
	s.notify()

	err := s.live.Send(ctx, OutboundMessage{
		ConversationID: sess.conv.ID,
		ParticipantIDs: sess.conv.ParticipantIDs(),
		Body:           body,
		ClientKey:      msg.TempKey,
	})
	if err != nil {
		msg.State = Failed
		msg.FailReason = err.Error()
		if s.isActive(sess) {
			sess.store.MarkFailed(msg.TempKey, msg.FailReason)
			s.notify()
		}
		s.emitError(err)
		return msg, err
	}
	return msg, nil
}

// Retry resends a failed message under a fresh temporary key. The failed entry is
// removed from the log.
func (s *SessionController) Retry(ctx context.Context, tempKey string) (Message, error) {
	sess := s.current()
	if sess == nil {
		return Message{}, ErrNoConversation
	}
	m, ok := sess.store.Get(tempKey)
	if !ok || m.State != Failed {
		return Message{}, ErrNotFailed
	}
	sess.store.Remove(tempKey)
	s.logger.Debug().Str("conversation_id", sess.conv.ID).Str("client_key", tempKey).Msg("retrying failed message")
	return s.Send(ctx, m.Body)
}

// ConversationCleared tells the controller that the server emptied a
// conversation. When it is the active one its log is reset and reloaded.
func (s *SessionController) ConversationCleared(ctx context.Context, conversationID string) {
	s.switchMu.Lock()
	sess := s.current()
	if sess == nil || sess.conv.ID != conversationID {
		s.switchMu.Unlock()
		return
	}
	s.activate(ctx, sess.conv)
	s.switchMu.Unlock()
	s.notify()
}

// ConversationDeleted tells the controller that a conversation is gone. When it is
// the active one the controller deselects it.
func (s *SessionController) ConversationDeleted(conversationID string) {
	s.switchMu.Lock()
	sess := s.current()
	if sess == nil || sess.conv.ID != conversationID {
		s.switchMu.Unlock()
		return
	}
	s.teardown()
	s.switchMu.Unlock()
	s.notify()
}

// View builds the current read model.
func (s *SessionController) View() View {
	sess := s.current()
	if sess == nil {
		return View{}
	}
	cursor := sess.loader.Cursor()
	state := sess.loader.State()
	msgs := sess.store.Snapshot()
	return View{
		Active:       true,
		Conversation: sess.conv,
		Messages:     msgs,
		History:      state,
		Offset:       cursor.Offset,
		Exhausted:    cursor.Exhausted,
		Fetching:     state == HistoryFetching,
		InitialLoad:  sess.loader.InitialLoad(),
		Empty:        sess.loader.Empty() && len(msgs) == 0,
	}
}

func (s *SessionController) handleEvent(sess *conversationSession, ev NewMessageEvent) {
	if !s.isActive(sess) {
		s.logger.Debug().Err(ErrStaleCallback).Str("conversation_id", sess.conv.ID).Msg("dropping live event")
		return
	}
	if s.live.Apply(sess.store, ev) {
		s.notify()
	}
}

func (s *SessionController) current() *conversationSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *SessionController) isActive(sess *conversationSession) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active == sess
}

func (s *SessionController) notify() {
	handlers := s.hooks.changeHandlers()
	if len(handlers) == 0 {
		return
	}
	v := s.View()
	for _, h := range handlers {
		s.safeCall(func() { h(v) })
	}
}

func (s *SessionController) emitError(err error) {
	for _, h := range s.hooks.errorHandlers() {
		s.safeCall(func() { h(err) })
	}
}

func (s *SessionController) safeCall(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Interface("panic", r).Msg("session hook panicked")
		}
	}()
	fn()
}

package chatsync

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures the shared event connection.
type RealtimeConfig struct {
	Token                string
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	PingTimeout          time.Duration
	DialTimeout          time.Duration
}

func (c *RealtimeConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.PingTimeout == 0 {
		c.PingTimeout = 10 * time.Second
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 15 * time.Second
	}
}

// ConnState represents the connection state.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateReconnecting ConnState = "reconnecting"
)

// EventConn is the bidirectional event channel a LiveChannel is bridged to.
type EventConn interface {
	// OnNewMessage registers a handler for inbound NEW_MESSAGE events and returns a
	// function that removes it.
	OnNewMessage(h func(NewMessageEvent)) (remove func())
	// Emit sends an outbound NEW_MESSAGE event without waiting for acknowledgement.
	Emit(ctx context.Context, msg OutboundMessage) error
}

// ============================================================================
// Event Dispatcher
// ============================================================================

type eventDispatcher struct {
	mu             sync.RWMutex
	nextID         uint64
	onMessageNew   map[uint64]func(NewMessageEvent)
	onError        []func(ErrorPayload)
	onConnected    []func()
	onDisconnected []func(string)
	onReconnecting []func(int, time.Duration)
	logger         zerolog.Logger
}

func newEventDispatcher(logger zerolog.Logger) *eventDispatcher {
	return &eventDispatcher{
		onMessageNew: make(map[uint64]func(NewMessageEvent)),
		logger:       logger,
	}
}

func (d *eventDispatcher) addMessageHandler(h func(NewMessageEvent)) func() {
	d.mu.Lock()
	d.nextID++
	id := d.nextID
	d.onMessageNew[id] = h
	d.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			delete(d.onMessageNew, id)
			d.mu.Unlock()
		})
	}
}

// dispatch runs message handlers on the caller's goroutine, in registration order,
// so inbound events keep their arrival order.
func (d *eventDispatcher) dispatch(env Envelope) {
	switch env.Type {
	case EventNewMessage:
		var p NewMessageEvent
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			d.logger.Warn().Err(err).Msg("failed to decode NEW_MESSAGE payload")
			return
		}
		d.mu.RLock()
		ids := make([]uint64, 0, len(d.onMessageNew))
		for id := range d.onMessageNew {
			ids = append(ids, id)
		}
		handlers := make([]func(NewMessageEvent), 0, len(ids))
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		for _, id := range ids {
			handlers = append(handlers, d.onMessageNew[id])
		}
		d.mu.RUnlock()
		for _, h := range handlers {
			d.safeCall(func() { h(p) })
		}
	case EventError:
		var p ErrorPayload
		if json.Unmarshal(env.Payload, &p) == nil {
			d.mu.RLock()
			handlers := append([]func(ErrorPayload){}, d.onError...)
			d.mu.RUnlock()
			for _, h := range handlers {
				d.safeCall(func() { h(p) })
			}
		}
	}
}

func (d *eventDispatcher) safeCall(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error().Interface("panic", r).Msg("event handler panicked")
		}
	}()
	fn()
}

func (d *eventDispatcher) emitConnected() {
	d.mu.RLock()
	handlers := append([]func(){}, d.onConnected...)
	d.mu.RUnlock()
	for _, h := range handlers {
		go d.safeCall(h)
	}
}

func (d *eventDispatcher) emitDisconnected(reason string) {
	d.mu.RLock()
	handlers := append([]func(string){}, d.onDisconnected...)
	d.mu.RUnlock()
	for _, h := range handlers {
		go d.safeCall(func() { h(reason) })
	}
}

func (d *eventDispatcher) emitReconnecting(attempt int, delay time.Duration) {
	d.mu.RLock()
	handlers := append([]func(int, time.Duration){}, d.onReconnecting...)
	d.mu.RUnlock()
	for _, h := range handlers {
		go d.safeCall(func() { h(attempt, delay) })
	}
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *RealtimeConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts < 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

// nextDelay grows exponentially with jitter; a connection that stayed up for a
// minute resets the attempt counter.
func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

// ============================================================================
// RealtimeConn
// ============================================================================

// RealtimeConn is the single long-lived WebSocket connection shared by every
// LiveChannel of a process. It authenticates on connect, keeps the link alive with
// ping/pong and reconnects with exponential backoff when configured to.
type RealtimeConn struct {
	wsURL      string
	config     *RealtimeConfig
	dispatcher *eventDispatcher
	recon      *reconnector
	logger     zerolog.Logger

	mu               sync.Mutex
	conn             *websocket.Conn
	state            ConnState
	userID           string
	intentionalClose bool
	cancelFn         context.CancelFunc

	requestCounter atomic.Int64
	pendingMu      sync.Mutex
	pendingPings   map[string]chan PongPayload
}

var _ EventConn = (*RealtimeConn)(nil)

// NewRealtimeConn creates a connection for the given HTTP(S) base URL. Call
// Connect to establish it.
func NewRealtimeConn(baseURL string, config RealtimeConfig, logger zerolog.Logger) *RealtimeConn {
	cfg := config
	cfg.defaults()
	logger = logger.With().Str("component", "realtime").Logger()
	return &RealtimeConn{
		wsURL:        websocketURL(baseURL, cfg.Token),
		config:       &cfg,
		dispatcher:   newEventDispatcher(logger),
		recon:        newReconnector(&cfg),
		logger:       logger,
		state:        StateDisconnected,
		pendingPings: make(map[string]chan PongPayload),
	}
}

func websocketURL(baseURL, token string) string {
	u := strings.TrimRight(baseURL, "/")
	u = strings.Replace(u, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	u += "/ws"
	if token != "" {
		u += "?token=" + token
	}
	return u
}

// OnNewMessage registers a handler for inbound NEW_MESSAGE events.
func (rc *RealtimeConn) OnNewMessage(h func(NewMessageEvent)) func() {
	return rc.dispatcher.addMessageHandler(h)
}

// OnError registers a handler for server-side channel errors.
func (rc *RealtimeConn) OnError(h func(ErrorPayload)) {
	rc.dispatcher.mu.Lock()
	rc.dispatcher.onError = append(rc.dispatcher.onError, h)
	rc.dispatcher.mu.Unlock()
}

// OnConnected registers a handler for the connected meta-event.
func (rc *RealtimeConn) OnConnected(h func()) {
	rc.dispatcher.mu.Lock()
	rc.dispatcher.onConnected = append(rc.dispatcher.onConnected, h)
	rc.dispatcher.mu.Unlock()
}

// OnDisconnected registers a handler for the disconnected meta-event.
func (rc *RealtimeConn) OnDisconnected(h func(reason string)) {
	rc.dispatcher.mu.Lock()
	rc.dispatcher.onDisconnected = append(rc.dispatcher.onDisconnected, h)
	rc.dispatcher.mu.Unlock()
}

// OnReconnecting registers a handler for the reconnecting meta-event.
func (rc *RealtimeConn) OnReconnecting(h func(attempt int, delay time.Duration)) {
	rc.dispatcher.mu.Lock()
	rc.dispatcher.onReconnecting = append(rc.dispatcher.onReconnecting, h)
	rc.dispatcher.mu.Unlock()
}

// State returns the current connection state.
func (rc *RealtimeConn) State() ConnState {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.state
}

// UserID returns the user the server authenticated the connection as.
func (rc *RealtimeConn) UserID() string {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.userID
}

// Connect dials the server and waits for the authenticated frame. The read and
// heartbeat loops outlive ctx; they stop on Disconnect.
func (rc *RealtimeConn) Connect(ctx context.Context) error {
	rc.mu.Lock()
	if rc.state == StateConnected || rc.state == StateConnecting {
		rc.mu.Unlock()
		return nil
	}
	rc.state = StateConnecting
	rc.intentionalClose = false
	rc.mu.Unlock()

	conn, userID, err := rc.dial(ctx)
	if err != nil {
		rc.setState(StateDisconnected)
		return err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	rc.mu.Lock()
	rc.conn = conn
	rc.userID = userID
	rc.state = StateConnected
	rc.cancelFn = cancel
	rc.mu.Unlock()
	rc.recon.markConnected()

	rc.logger.Info().Str("user_id", userID).Msg("realtime connected")
	rc.dispatcher.emitConnected()

	go rc.readLoop(loopCtx, conn)
	go rc.heartbeatLoop(loopCtx, conn)
	return nil
}

func (rc *RealtimeConn) dial(ctx context.Context) (*websocket.Conn, string, error) {
	dialCtx, cancel := context.WithTimeout(ctx, rc.config.DialTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, rc.wsURL, nil)
	if err != nil {
		return nil, "", errors.Wrap(err, "websocket dial")
	}

	_, data, err := conn.Read(dialCtx)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		return nil, "", errors.Wrap(err, "read auth message")
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type != EventAuthenticated {
		conn.Close(websocket.StatusNormalClosure, "")
		return nil, "", errors.Errorf("expected %q, got %q", EventAuthenticated, env.Type)
	}
	var auth AuthenticatedPayload
	if err := json.Unmarshal(env.Payload, &auth); err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		return nil, "", errors.Wrap(err, "decode auth payload")
	}
	return conn, auth.UserID, nil
}

// Disconnect gracefully closes the connection and stops reconnecting.
func (rc *RealtimeConn) Disconnect() error {
	rc.mu.Lock()
	rc.intentionalClose = true
	if rc.cancelFn != nil {
		rc.cancelFn()
		rc.cancelFn = nil
	}
	conn := rc.conn
	rc.conn = nil
	rc.state = StateDisconnected
	rc.mu.Unlock()

	rc.clearPendingPings()
	rc.dispatcher.emitDisconnected("client disconnect")

	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	return nil
}

// Emit sends an outbound NEW_MESSAGE event.
func (rc *RealtimeConn) Emit(ctx context.Context, msg OutboundMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, "marshal outbound message")
	}
	return rc.Send(ctx, Envelope{
		Type:      EventNewMessage,
		Payload:   payload,
		RequestID: fmt.Sprintf("msg-%d", rc.requestCounter.Add(1)),
	})
}

// Send writes a raw envelope.
func (rc *RealtimeConn) Send(ctx context.Context, env Envelope) error {
	rc.mu.Lock()
	conn := rc.conn
	rc.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	data, err := json.Marshal(env)
	if err != nil {
		return errors.Wrap(err, "marshal envelope")
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return errors.Wrapf(err, "write %s", env.Type)
	}
	return nil
}

// Ping sends a ping and waits for the matching pong.
func (rc *RealtimeConn) Ping(ctx context.Context) (*PongPayload, error) {
	requestID := fmt.Sprintf("ping-%d", rc.requestCounter.Add(1))

	ch := make(chan PongPayload, 1)
	rc.pendingMu.Lock()
	rc.pendingPings[requestID] = ch
	rc.pendingMu.Unlock()

	forget := func() {
		rc.pendingMu.Lock()
		delete(rc.pendingPings, requestID)
		rc.pendingMu.Unlock()
	}

	payload, _ := json.Marshal(PongPayload{RequestID: requestID})
	if err := rc.Send(ctx, Envelope{Type: EventPing, Payload: payload, RequestID: requestID}); err != nil {
		forget()
		return nil, err
	}

	timer := time.NewTimer(rc.config.PingTimeout)
	defer timer.Stop()

	select {
	case pong, ok := <-ch:
		if !ok {
			return nil, ErrNotConnected
		}
		return &pong, nil
	case <-timer.C:
		forget()
		return nil, errors.New("ping timeout")
	case <-ctx.Done():
		forget()
		return nil, ctx.Err()
	}
}

func (rc *RealtimeConn) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			rc.handleDrop(conn, err)
			return
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			rc.logger.Warn().Err(err).Msg("failed to decode envelope")
			continue
		}

		if env.Type == EventPong {
			rc.resolvePong(env)
			continue
		}

		rc.dispatcher.dispatch(env)
	}
}

func (rc *RealtimeConn) resolvePong(env Envelope) {
	var p PongPayload
	if json.Unmarshal(env.Payload, &p) != nil || p.RequestID == "" {
		p.RequestID = env.RequestID
	}
	if p.RequestID == "" {
		return
	}
	rc.pendingMu.Lock()
	ch, ok := rc.pendingPings[p.RequestID]
	if ok {
		delete(rc.pendingPings, p.RequestID)
	}
	rc.pendingMu.Unlock()
	if ok {
		ch <- p
	}
}

// handleDrop reacts to a failed read on conn. Errors from a connection that has
// already been replaced or closed are ignored.
func (rc *RealtimeConn) handleDrop(conn *websocket.Conn, err error) {
	rc.mu.Lock()
	if rc.intentionalClose || rc.conn != conn {
		rc.mu.Unlock()
		return
	}
	if rc.cancelFn != nil {
		rc.cancelFn()
		rc.cancelFn = nil
	}
	rc.state = StateDisconnected
	rc.conn = nil
	rc.mu.Unlock()

	rc.clearPendingPings()
	rc.logger.Warn().Err(err).Msg("realtime connection dropped")
	rc.dispatcher.emitDisconnected(err.Error())

	if rc.config.AutoReconnect {
		go rc.reconnectLoop()
	}
}

func (rc *RealtimeConn) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(rc.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if rc.State() != StateConnected {
				return
			}
			if _, err := rc.Ping(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				rc.logger.Warn().Err(err).Msg("heartbeat failed, closing connection")
				conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}

func (rc *RealtimeConn) reconnectLoop() {
	for rc.recon.shouldReconnect() {
		delay := rc.recon.nextDelay()
		rc.setState(StateReconnecting)
		rc.dispatcher.emitReconnecting(rc.recon.attempt, delay)
		rc.logger.Info().Int("attempt", rc.recon.attempt).Dur("delay", delay).Msg("reconnecting")

		time.Sleep(delay)

		rc.mu.Lock()
		stop := rc.intentionalClose
		if !stop {
			rc.state = StateDisconnected
		}
		rc.mu.Unlock()
		if stop {
			return
		}

		err := rc.Connect(context.Background())
		if err == nil {
			return
		}
		rc.logger.Warn().Err(err).Msg("reconnect attempt failed")
	}
	rc.setState(StateDisconnected)
}

func (rc *RealtimeConn) setState(s ConnState) {
	rc.mu.Lock()
	rc.state = s
	rc.mu.Unlock()
}

func (rc *RealtimeConn) clearPendingPings() {
	rc.pendingMu.Lock()
	for k, ch := range rc.pendingPings {
		close(ch)
		delete(rc.pendingPings, k)
	}
	rc.pendingMu.Unlock()
}

package chatsync

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// ============================================================================
// Wire Types
// ============================================================================

// AuthenticatedPayload is the first message a server sends on a new connection.
type AuthenticatedPayload struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

// RealtimeEnvelope is the wire format for every frame in both directions.
type RealtimeEnvelope struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// RealtimeResult answers a command with the same requestId.
type RealtimeResult struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

// RealtimePush carries a subscription event to the handle it belongs to.
type RealtimePush struct {
	Handle string `json:"handle"`
	Event  Event  `json:"event"`
}

// Command types.
const (
	CmdInsert          = "insert"
	CmdQuery           = "query"
	CmdSubscribe       = "subscribe"
	CmdUnsubscribe     = "unsubscribe"
	CmdPresenceTrack   = "presence.track"
	CmdPresenceUntrack = "presence.untrack"
	CmdBootstrap       = "bootstrap"
	CmdPing            = "ping"
)

// Server frame types.
const (
	FrameAuthenticated = "authenticated"
	FrameResult        = "result"
	FrameEvent         = "event"
)

type insertCommand struct {
	Table  string `json:"table"`
	Record any    `json:"record"`
}

type queryCommand struct {
	Table string `json:"table"`
	Query Query  `json:"query"`
}

type subscribeCommand struct {
	Handle  string      `json:"handle"`
	Channel string      `json:"channel"`
	Filter  EventFilter `json:"filter"`
}

type unsubscribeCommand struct {
	Handle string `json:"handle"`
}

type presenceCommand struct {
	Channel string         `json:"channel"`
	State   *PresenceEntry `json:"state,omitempty"`
	UserID  string         `json:"userId,omitempty"`
}

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures a RealtimeWSBackend.
type RealtimeConfig struct {
	Token                string
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	RequestTimeout       time.Duration
	HTTPClient           *http.Client
	Logger               *zap.Logger
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
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 10 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// RealtimeState represents the transport state.
type RealtimeState string

const (
	StateDisconnected RealtimeState = "disconnected"
	StateConnecting   RealtimeState = "connecting"
	StateConnected    RealtimeState = "connected"
	StateReconnecting RealtimeState = "reconnecting"
)

// ============================================================================
// Reconnector
// ============================================================================

// reconnector is shared by Connect, Disconnect and the reconnect loop.
type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int

	mu          sync.Mutex
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
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.maxAttempts == 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.mu.Lock()
	r.connectedAt = time.Now()
	r.mu.Unlock()
}

// nextDelay returns base·2^attempt plus up to half a base of jitter, capped,
// and the attempt number it belongs to. A connection that stayed up for a
// minute starts over from the base delay.
func (r *reconnector) nextDelay() (time.Duration, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay, r.attempt
}

func (r *reconnector) reset() {
	r.mu.Lock()
	r.attempt = 0
	r.connectedAt = time.Time{}
	r.mu.Unlock()
}

// ============================================================================
// RealtimeWSBackend
// ============================================================================

// RealtimeWSBackend is a Backend over a single WebSocket connection. Commands
// are answered by result frames carrying the same requestId; subscription
// events arrive as event frames and are delivered in order on one goroutine.
type RealtimeWSBackend struct {
	baseURL string
	config  *RealtimeConfig
	log     *zap.Logger
	recon   *reconnector

	mu               sync.Mutex
	conn             *websocket.Conn
	state            RealtimeState
	intentionalClose bool
	cancelFn         context.CancelFunc
	reconnectStop    chan struct{}
	requestCounter   uint64

	pendingMu sync.Mutex
	pending   map[string]chan RealtimeResult

	subsMu sync.RWMutex
	subs   map[string]func(Event)

	onAuthenticated listeners[AuthenticatedPayload]
	onConnected     listeners[struct{}]
	onDisconnected  listeners[string]
	onReconnecting  listeners[reconnectEvent]
}

// NewRealtimeWSBackend creates a backend for baseURL (http, https, ws or wss).
// Call Connect before use.
func NewRealtimeWSBackend(baseURL string, config *RealtimeConfig) *RealtimeWSBackend {
	if config == nil {
		config = &RealtimeConfig{}
	}
	config.defaults()
	return &RealtimeWSBackend{
		baseURL: strings.TrimRight(baseURL, "/"),
		config:  config,
		log:     config.Logger,
		recon:   newReconnector(config),
		state:   StateDisconnected,
		pending: make(map[string]chan RealtimeResult),
		subs:    make(map[string]func(Event)),
	}
}

// OnAuthenticated registers a handler for the authenticated handshake.
func (ws *RealtimeWSBackend) OnAuthenticated(h func(AuthenticatedPayload)) {
	ws.onAuthenticated.add(h)
}

// OnConnected registers a handler for the connected meta-event.
func (ws *RealtimeWSBackend) OnConnected(h func()) {
	if h == nil {
		return
	}
	ws.onConnected.add(func(struct{}) { h() })
}

// OnDisconnected registers a handler for the disconnected meta-event. All
// subscriptions are gone when it fires.
func (ws *RealtimeWSBackend) OnDisconnected(h func(reason string)) {
	ws.onDisconnected.add(h)
}

// OnReconnecting registers a handler for the reconnecting meta-event.
func (ws *RealtimeWSBackend) OnReconnecting(h func(attempt int, delay time.Duration)) {
	if h == nil {
		return
	}
	ws.onReconnecting.add(func(e reconnectEvent) { h(e.attempt, e.delay) })
}

// State returns the current transport state.
func (ws *RealtimeWSBackend) State() RealtimeState {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.state
}

// Connect dials the server and waits for the authenticated handshake.
func (ws *RealtimeWSBackend) Connect(ctx context.Context) error {
	ws.mu.Lock()
	if ws.state == StateConnected || ws.state == StateConnecting {
		ws.mu.Unlock()
		return nil
	}
	ws.state = StateConnecting
	ws.intentionalClose = false
	ws.mu.Unlock()

	wsURL := strings.Replace(ws.baseURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL += "/ws?token=" + ws.config.Token

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{HTTPClient: ws.config.HTTPClient})
	if err != nil {
		ws.setState(StateDisconnected)
		return fmt.Errorf("websocket dial: %w", err)
	}

	_, data, err := conn.Read(ctx)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		ws.setState(StateDisconnected)
		return fmt.Errorf("read auth message: %w", err)
	}

	var env RealtimeEnvelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type != FrameAuthenticated {
		conn.Close(websocket.StatusNormalClosure, "")
		ws.setState(StateDisconnected)
		return fmt.Errorf("expected '%s', got '%s'", FrameAuthenticated, env.Type)
	}
	var auth AuthenticatedPayload
	_ = json.Unmarshal(env.Payload, &auth)

	connCtx, cancel := context.WithCancel(context.Background())
	events := make(chan RealtimePush, 256)
	ws.mu.Lock()
	ws.conn = conn
	ws.state = StateConnected
	ws.cancelFn = cancel
	ws.mu.Unlock()
	ws.recon.markConnected()

	go ws.readLoop(connCtx, conn, events)
	go ws.eventLoop(connCtx, events)
	go ws.heartbeatLoop(connCtx)

	ws.log.Info("realtime connected", zap.String("userId", auth.UserID))
	ws.onAuthenticated.emit(auth)
	ws.onConnected.emit(struct{}{})
	return nil
}

// Disconnect closes the connection without reconnecting.
func (ws *RealtimeWSBackend) Disconnect() error {
	ws.mu.Lock()
	ws.intentionalClose = true
	if ws.cancelFn != nil {
		ws.cancelFn()
		ws.cancelFn = nil
	}
	if ws.reconnectStop != nil {
		close(ws.reconnectStop)
		ws.reconnectStop = nil
	}
	conn := ws.conn
	ws.conn = nil
	ws.state = StateDisconnected
	ws.mu.Unlock()
	ws.recon.reset()

	ws.failPending()
	ws.dropSubscriptions()

	var err error
	if conn != nil {
		err = conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	ws.onDisconnected.emit("client disconnect")
	return err
}

// ── Backend ───────────────────────────────────────────────

func (ws *RealtimeWSBackend) Insert(ctx context.Context, table string, record any) (json.RawMessage, error) {
	return ws.request(ctx, CmdInsert, insertCommand{Table: table, Record: record})
}

func (ws *RealtimeWSBackend) Query(ctx context.Context, table string, q Query) ([]json.RawMessage, error) {
	data, err := ws.request(ctx, CmdQuery, queryCommand{Table: table, Query: q})
	if err != nil {
		return nil, err
	}
	var rows []json.RawMessage
	if len(data) > 0 && string(data) != "null" {
		if err := json.Unmarshal(data, &rows); err != nil {
			return nil, fmt.Errorf("decode query result: %w", err)
		}
	}
	return rows, nil
}

// Subscribe registers cb under a client-generated handle before the command
// is sent, so events that race the result frame are not lost.
func (ws *RealtimeWSBackend) Subscribe(ctx context.Context, channel string, filter EventFilter, cb func(Event)) (string, error) {
	handle := uuid.NewString()
	ws.subsMu.Lock()
	ws.subs[handle] = cb
	ws.subsMu.Unlock()

	if _, err := ws.request(ctx, CmdSubscribe, subscribeCommand{Handle: handle, Channel: channel, Filter: filter}); err != nil {
		ws.subsMu.Lock()
		delete(ws.subs, handle)
		ws.subsMu.Unlock()
		return "", err
	}
	return handle, nil
}

func (ws *RealtimeWSBackend) Unsubscribe(ctx context.Context, handle string) error {
	ws.subsMu.Lock()
	delete(ws.subs, handle)
	ws.subsMu.Unlock()
	_, err := ws.request(ctx, CmdUnsubscribe, unsubscribeCommand{Handle: handle})
	return err
}

func (ws *RealtimeWSBackend) PresenceTrack(ctx context.Context, channel string, state PresenceEntry) error {
	_, err := ws.request(ctx, CmdPresenceTrack, presenceCommand{Channel: channel, State: &state})
	return err
}

func (ws *RealtimeWSBackend) PresenceUntrack(ctx context.Context, channel, userID string) error {
	_, err := ws.request(ctx, CmdPresenceUntrack, presenceCommand{Channel: channel, UserID: userID})
	return err
}

func (ws *RealtimeWSBackend) Bootstrap(ctx context.Context) error {
	_, err := ws.request(ctx, CmdBootstrap, struct{}{})
	return err
}

// Ping round-trips a ping command.
func (ws *RealtimeWSBackend) Ping(ctx context.Context) error {
	_, err := ws.request(ctx, CmdPing, struct{}{})
	return err
}

// ── Internals ─────────────────────────────────────────────

func (ws *RealtimeWSBackend) setState(s RealtimeState) {
	ws.mu.Lock()
	ws.state = s
	ws.mu.Unlock()
}

func (ws *RealtimeWSBackend) request(ctx context.Context, typ string, payload any) (json.RawMessage, error) {
	ws.mu.Lock()
	conn := ws.conn
	ws.requestCounter++
	requestID := fmt.Sprintf("%s-%d", typ, ws.requestCounter)
	ws.mu.Unlock()

	if conn == nil {
		return nil, &APIError{Code: CodeNotConnected, Message: "not connected"}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, &APIError{Code: CodeInvalidRequest, Message: err.Error()}
	}
	data, err := json.Marshal(RealtimeEnvelope{Type: typ, RequestID: requestID, Payload: body})
	if err != nil {
		return nil, err
	}

	ch := make(chan RealtimeResult, 1)
	ws.pendingMu.Lock()
	ws.pending[requestID] = ch
	ws.pendingMu.Unlock()
	defer func() {
		ws.pendingMu.Lock()
		delete(ws.pending, requestID)
		ws.pendingMu.Unlock()
	}()

	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return nil, fmt.Errorf("%s: %w", typ, &APIError{Code: CodeNotConnected, Message: err.Error()})
	}

	timer := time.NewTimer(ws.config.RequestTimeout)
	defer timer.Stop()
	select {
	case res, ok := <-ch:
		if !ok {
			return nil, &APIError{Code: CodeNotConnected, Message: "connection lost"}
		}
		if !res.OK {
			if res.Error == nil {
				return nil, &APIError{Code: "UNKNOWN", Message: typ + " failed"}
			}
			return nil, res.Error
		}
		return res.Data, nil
	case <-timer.C:
		return nil, fmt.Errorf("%s timeout", typ)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (ws *RealtimeWSBackend) readLoop(ctx context.Context, conn *websocket.Conn, events chan<- RealtimePush) {
	defer close(events)
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			ws.mu.Lock()
			intentional := ws.intentionalClose
			if ws.conn == conn {
				ws.conn = nil
				ws.state = StateDisconnected
			}
			if ws.cancelFn != nil && !intentional {
				ws.cancelFn()
				ws.cancelFn = nil
			}
			ws.mu.Unlock()
			if intentional {
				return
			}

			ws.failPending()
			ws.dropSubscriptions()
			ws.log.Warn("realtime disconnected", zap.Error(err))
			ws.onDisconnected.emit(err.Error())

			if ws.config.AutoReconnect && ws.recon.shouldReconnect() {
				go ws.scheduleReconnect()
			}
			return
		}

		var env RealtimeEnvelope
		if json.Unmarshal(data, &env) != nil {
			continue
		}

		switch env.Type {
		case FrameResult:
			var res RealtimeResult
			if json.Unmarshal(env.Payload, &res) != nil {
				continue
			}
			ws.pendingMu.Lock()
			ch, ok := ws.pending[env.RequestID]
			if ok {
				delete(ws.pending, env.RequestID)
			}
			ws.pendingMu.Unlock()
			if ok {
				ch <- res
			}
		case FrameEvent:
			var push RealtimePush
			if json.Unmarshal(env.Payload, &push) != nil {
				continue
			}
			select {
			case events <- push:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (ws *RealtimeWSBackend) eventLoop(ctx context.Context, events <-chan RealtimePush) {
	for push := range events {
		ws.subsMu.RLock()
		cb := ws.subs[push.Handle]
		ws.subsMu.RUnlock()
		if cb == nil || ctx.Err() != nil {
			continue
		}
		func() {
			defer func() { recover() }() // a broken subscriber must not stop delivery
			cb(push.Event)
		}()
	}
}

func (ws *RealtimeWSBackend) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(ws.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ws.State() != StateConnected {
				return
			}
			if err := ws.Ping(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				// Heartbeat failed, force close
				ws.mu.Lock()
				conn := ws.conn
				ws.mu.Unlock()
				if conn != nil {
					conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				}
				return
			}
		}
	}
}

func (ws *RealtimeWSBackend) scheduleReconnect() {
	ws.mu.Lock()
	if ws.intentionalClose || ws.reconnectStop != nil {
		ws.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	ws.reconnectStop = stop
	ws.mu.Unlock()
	defer func() {
		ws.mu.Lock()
		if ws.reconnectStop == stop {
			ws.reconnectStop = nil
		}
		ws.mu.Unlock()
	}()

	for {
		ws.setState(StateReconnecting)
		delay, attempt := ws.recon.nextDelay()
		ws.onReconnecting.emit(reconnectEvent{attempt: attempt, delay: delay})

		timer := time.NewTimer(delay)
		select {
		case <-stop:
			timer.Stop()
			return
		case <-timer.C:
		}

		ws.mu.Lock()
		if ws.intentionalClose {
			ws.mu.Unlock()
			return
		}
		ws.state = StateDisconnected
		ws.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), ws.config.RequestTimeout)
		err := ws.Connect(ctx)
		cancel()
		if err == nil {
			return
		}
		ws.log.Warn("realtime reconnect failed", zap.Int("attempt", attempt), zap.Error(err))
		if !ws.config.AutoReconnect || !ws.recon.shouldReconnect() {
			ws.setState(StateDisconnected)
			return
		}
	}
}

func (ws *RealtimeWSBackend) failPending() {
	ws.pendingMu.Lock()
	for k, ch := range ws.pending {
		close(ch)
		delete(ws.pending, k)
	}
	ws.pendingMu.Unlock()
}

func (ws *RealtimeWSBackend) dropSubscriptions() {
	ws.subsMu.Lock()
	ws.subs = make(map[string]func(Event))
	ws.subsMu.Unlock()
}

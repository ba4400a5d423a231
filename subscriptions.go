package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Subscription is a snapshot of one logical subscription intent.
type Subscription struct {
	Channel string
	Filter  EventFilter
	Active  bool
}

type subscription struct {
	Subscription
	handler func(Event)
	handle  string
	gen     uint64
	pending bool
	retried bool
	timer   *time.Timer
}

// SubscriptionManager owns the realtime channels of a session. Intents
// survive Pause so Resume can re-establish them; a channel never has more
// than one live backend handle.
type SubscriptionManager struct {
	backend  Backend
	tracker  *DeliveryTracker
	presence *PresenceSet
	table    string
	log      *zap.Logger
	delay    time.Duration
	timeout  time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	subs        map[string]*subscription
	order       []string
	self        *PresenceEntry
	selfChannel string
	paused      bool
	closed      bool

	onFailure listeners[error]
}

// NewSubscriptionManager creates a manager feeding echoes to tracker and
// presence events to presence.
func NewSubscriptionManager(b Backend, tracker *DeliveryTracker, presence *PresenceSet, cfg *Config) *SubscriptionManager {
	if cfg == nil {
		cfg = &Config{}
	}
	cfg.defaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &SubscriptionManager{
		backend:  b,
		tracker:  tracker,
		presence: presence,
		table:    cfg.MessagesTable,
		log:      cfg.Logger,
		delay:    cfg.ResubscribeDelay,
		timeout:  cfg.QueryTimeout,
		ctx:      ctx,
		cancel:   cancel,
		subs:     make(map[string]*subscription),
	}
}

// OnFailure registers a handler for channel faults the manager gave up on.
func (m *SubscriptionManager) OnFailure(fn func(err error)) {
	m.onFailure.add(fn)
}

// Subscriptions returns the current intents in registration order.
func (m *SubscriptionManager) Subscriptions() []Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Subscription, 0, len(m.order))
	for _, ch := range m.order {
		out = append(out, m.subs[ch].Subscription)
	}
	return out
}

// SubscribeMessages delivers remote messages of roomID to onMessage. Echoes
// of locally sent messages are reconciled with the tracker and not forwarded.
func (m *SubscriptionManager) SubscribeMessages(ctx context.Context, roomID string, onMessage func(Message)) error {
	filter := EventFilter{Event: FilterInsert, Table: m.table, Column: "roomId", Value: roomID}
	return m.register(ctx, messagesChannel(roomID), filter, func(ev Event) {
		if ev.Type != EventInsert {
			return
		}
		m.handleInsert(ev, onMessage)
	})
}

// SubscribePresence applies presence events of roomID to the presence set
// and reports the set whenever it is authoritative.
func (m *SubscriptionManager) SubscribePresence(ctx context.Context, roomID string, onPresence func([]PresenceEntry)) error {
	filter := EventFilter{Event: FilterPresence}
	return m.register(ctx, presenceChannel(roomID), filter, func(ev Event) {
		m.handlePresence(ev, onPresence)
	})
}

// TrackPresence publishes self on the room's presence channel now and after
// every resume.
func (m *SubscriptionManager) TrackPresence(ctx context.Context, roomID string, self PresenceEntry) error {
	channel := presenceChannel(roomID)
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrSessionClosed
	}
	m.self = &self
	m.selfChannel = channel
	paused := m.paused
	m.mu.Unlock()
	if paused {
		return nil
	}
	return m.track(ctx, channel, self)
}

// Pause drops every live channel but keeps the intents. Presence becomes
// stale until the next sync.
func (m *SubscriptionManager) Pause(ctx context.Context) {
	m.mu.Lock()
	m.paused = true
	handles := m.deactivateAllLocked()
	m.mu.Unlock()

	m.presence.MarkStale()
	m.unsubscribeAll(ctx, handles)
}

// Resume re-establishes inactive intents. Active channels are left alone, so
// calling Resume twice is harmless.
func (m *SubscriptionManager) Resume(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrSessionClosed
	}
	m.paused = false
	channels := append([]string(nil), m.order...)
	m.mu.Unlock()

	var errs []error
	for _, ch := range channels {
		if _, err := m.activate(ctx, ch); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close drops all channels and intents and withdraws this client's presence.
func (m *SubscriptionManager) Close(ctx context.Context) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	handles := m.deactivateAllLocked()
	self, selfChannel := m.self, m.selfChannel
	m.subs = make(map[string]*subscription)
	m.order = nil
	m.mu.Unlock()

	m.cancel()
	m.unsubscribeAll(ctx, handles)
	if self != nil {
		uctx, cancel := context.WithTimeout(ctx, m.timeout)
		defer cancel()
		if err := m.backend.PresenceUntrack(uctx, selfChannel, self.UserID); err != nil {
			m.log.Debug("presence untrack failed", zap.Error(err))
		}
	}
	m.onFailure.clear()
}

// ============================================================================
// Internals
// ============================================================================

func (m *SubscriptionManager) register(ctx context.Context, channel string, filter EventFilter, handler func(Event)) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrSessionClosed
	}
	sub, ok := m.subs[channel]
	if !ok {
		sub = &subscription{Subscription: Subscription{Channel: channel}}
		m.subs[channel] = sub
		m.order = append(m.order, channel)
	}
	sub.Filter = filter
	sub.handler = handler
	paused := m.paused
	m.mu.Unlock()

	if paused {
		return nil
	}
	_, err := m.activate(ctx, channel)
	return err
}

// activate subscribes channel unless it is already live or being subscribed.
func (m *SubscriptionManager) activate(ctx context.Context, channel string) (bool, error) {
	m.mu.Lock()
	sub, ok := m.subs[channel]
	if !ok || sub.Active || sub.pending || m.paused || m.closed {
		m.mu.Unlock()
		return false, nil
	}
	sub.pending = true
	sub.gen++
	gen := sub.gen
	filter := sub.Filter
	m.mu.Unlock()

	sctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	handle, err := m.backend.Subscribe(sctx, channel, filter, func(ev Event) {
		m.dispatch(channel, gen, ev)
	})

	m.mu.Lock()
	sub.pending = false
	if err != nil {
		m.mu.Unlock()
		return false, fmt.Errorf("subscribe %s: %w", channel, err)
	}
	if m.paused || m.closed || m.subs[channel] != sub {
		m.mu.Unlock()
		m.unsubscribe(ctx, handle)
		return false, nil
	}
	if sub.gen != gen {
		// A pause and resume happened while subscribing. The resume skipped
		// this channel because it was pending, so subscribe it again.
		m.mu.Unlock()
		m.unsubscribe(ctx, handle)
		return m.activate(ctx, channel)
	}
	sub.Active = true
	sub.handle = handle
	retrack := m.self != nil && m.selfChannel == channel
	var self PresenceEntry
	if retrack {
		self = *m.self
	}
	m.mu.Unlock()

	m.log.Debug("subscribed", zap.String("channel", channel))
	if retrack {
		if err := m.track(ctx, channel, self); err != nil {
			return true, err
		}
	}
	return true, nil
}

func (m *SubscriptionManager) dispatch(channel string, gen uint64, ev Event) {
	m.mu.Lock()
	sub, ok := m.subs[channel]
	if !ok || sub.gen != gen {
		m.mu.Unlock()
		return
	}
	handler := sub.handler
	m.mu.Unlock()

	if ev.Type == EventChannelError {
		m.handleChannelError(channel, gen, ev)
		return
	}
	handler(ev)
}

func (m *SubscriptionManager) handleInsert(ev Event, onMessage func(Message)) {
	msg, err := decodeRecord[Message](ev.Payload)
	if err != nil {
		m.log.Warn("dropping invalid message event", zap.Error(err))
		return
	}
	own, err := m.tracker.ObserveEcho(msg)
	if err != nil {
		m.log.Error("echo reconciliation failed", zap.String("clientId", msg.ClientID), zap.Error(err))
	}
	if own || onMessage == nil {
		return
	}
	onMessage(msg)
}

func (m *SubscriptionManager) handlePresence(ev Event, onPresence func([]PresenceEntry)) {
	var raw []json.RawMessage
	if err := json.Unmarshal(ev.Payload, &raw); err != nil {
		m.log.Warn("dropping invalid presence event", zap.String("type", ev.Type), zap.Error(err))
		return
	}
	entries, errs := decodeRecords[PresenceEntry](raw)
	for _, err := range errs {
		m.log.Warn("skipping invalid presence entry", zap.Error(err))
	}
	switch ev.Type {
	case EventPresenceSync:
		m.presence.ApplySync(entries)
	case EventPresenceJoin:
		m.presence.ApplyJoin(entries)
	case EventPresenceLeave:
		m.presence.ApplyLeave(entries)
	default:
		return
	}
	if onPresence != nil && !m.presence.Stale() {
		onPresence(m.presence.Current())
	}
}

// handleChannelError re-subscribes once after a short delay, then escalates.
func (m *SubscriptionManager) handleChannelError(channel string, gen uint64, ev Event) {
	cause := &APIError{Code: CodeChannelError, Message: "channel error"}
	if len(ev.Payload) > 0 {
		var apiErr APIError
		if json.Unmarshal(ev.Payload, &apiErr) == nil && apiErr.Code != "" {
			cause = &apiErr
		}
	}

	m.mu.Lock()
	sub, ok := m.subs[channel]
	if !ok || sub.gen != gen {
		m.mu.Unlock()
		return
	}
	handle := sub.handle
	sub.Active = false
	sub.handle = ""
	sub.gen++
	retry := !sub.retried && !m.paused && !m.closed
	if retry {
		sub.retried = true
		sub.timer = time.AfterFunc(m.delay, func() { m.resubscribe(channel) })
	}
	m.mu.Unlock()

	if strings.HasSuffix(channel, ":presence") {
		m.presence.MarkStale()
	}
	m.unsubscribe(m.ctx, handle)

	if retry {
		m.log.Warn("channel error, resubscribing", zap.String("channel", channel), zap.Duration("delay", m.delay), zap.Error(cause))
		return
	}
	m.log.Error("channel error", zap.String("channel", channel), zap.Error(cause))
	m.onFailure.emit(fmt.Errorf("channel %s: %w", channel, cause))
}

func (m *SubscriptionManager) resubscribe(channel string) {
	activated, err := m.activate(m.ctx, channel)
	if err != nil {
		m.log.Error("resubscribe failed", zap.String("channel", channel), zap.Error(err))
		m.onFailure.emit(err)
		return
	}
	if !activated {
		return
	}
	m.mu.Lock()
	if sub, ok := m.subs[channel]; ok {
		sub.retried = false
		sub.timer = nil
	}
	m.mu.Unlock()
}

func (m *SubscriptionManager) deactivateAllLocked() []string {
	var handles []string
	for _, sub := range m.subs {
		if sub.timer != nil {
			sub.timer.Stop()
			sub.timer = nil
		}
		if sub.Active {
			handles = append(handles, sub.handle)
		}
		sub.Active = false
		sub.handle = ""
		sub.retried = false
		sub.gen++
	}
	return handles
}

func (m *SubscriptionManager) unsubscribeAll(ctx context.Context, handles []string) {
	for _, h := range handles {
		m.unsubscribe(ctx, h)
	}
}

func (m *SubscriptionManager) unsubscribe(ctx context.Context, handle string) {
	if handle == "" {
		return
	}
	uctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.timeout)
	defer cancel()
	if err := m.backend.Unsubscribe(uctx, handle); err != nil {
		m.log.Debug("unsubscribe failed", zap.String("handle", handle), zap.Error(err))
	}
}

func (m *SubscriptionManager) track(ctx context.Context, channel string, self PresenceEntry) error {
	tctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	if err := m.backend.PresenceTrack(tctx, channel, self); err != nil {
		return fmt.Errorf("presence track: %w", err)
	}
	return nil
}

package chatsync

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// transitions lists the delivery states reachable from each state.
var transitions = map[MessageStatus][]MessageStatus{
	StatusComposed: {StatusQueued, StatusSending},
	StatusQueued:   {StatusSending, StatusDelivered},
	StatusSending:  {StatusSent, StatusFailed, StatusQueued, StatusDelivered},
	StatusFailed:   {StatusSending, StatusQueued, StatusDelivered},
	StatusSent:     {StatusDelivered},
}

func canTransition(from, to MessageStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// DeliveryTracker owns the single Message value for every locally composed
// client id and the client id to server id mapping. All mutations are
// serialized by one mutex.
type DeliveryTracker struct {
	mu        sync.Mutex
	messages  map[string]*Message
	serverIDs map[string]string
	sentAt    map[string]time.Time
	flagged   map[string]bool

	now      func() time.Time
	log      *zap.Logger
	onChange listeners[Message]
}

// NewDeliveryTracker creates an empty tracker.
func NewDeliveryTracker(log *zap.Logger) *DeliveryTracker {
	if log == nil {
		log = zap.NewNop()
	}
	return &DeliveryTracker{
		messages:  make(map[string]*Message),
		serverIDs: make(map[string]string),
		sentAt:    make(map[string]time.Time),
		flagged:   make(map[string]bool),
		now:       time.Now,
		log:       log,
	}
}

// OnStatusChange registers a callback run after every status change.
func (t *DeliveryTracker) OnStatusChange(fn func(Message)) {
	t.onChange.add(fn)
}

// Track registers msg. An empty status becomes Composed. Tracking a client id
// that is already known returns the existing value unchanged.
func (t *DeliveryTracker) Track(msg Message) Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	if m, ok := t.messages[msg.ClientID]; ok {
		return *m
	}
	if msg.Status == "" {
		msg.Status = StatusComposed
	}
	m := msg
	t.messages[m.ClientID] = &m
	if m.ServerID != "" {
		t.serverIDs[m.ServerID] = m.ClientID
	}
	if m.Status == StatusSent {
		t.sentAt[m.ClientID] = t.now()
	}
	return m
}

// Transition moves clientID to status to. Moving to the current status is a no-op.
func (t *DeliveryTracker) Transition(clientID string, to MessageStatus) error {
	t.mu.Lock()
	m, ok := t.messages[clientID]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownMessage, clientID)
	}
	if m.Status == to {
		t.mu.Unlock()
		return nil
	}
	if !canTransition(m.Status, to) {
		from := m.Status
		t.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	m.Status = to
	if to == StatusSent {
		t.sentAt[clientID] = t.now()
	}
	snapshot := *m
	t.mu.Unlock()

	t.onChange.emit(snapshot)
	return nil
}

// MarkSent records the backend's acceptance of clientID. A message already
// Delivered keeps that status; its server id must still agree.
func (t *DeliveryTracker) MarkSent(clientID, serverID string, serverCreatedAt *time.Time) error {
	t.mu.Lock()
	m, ok := t.messages[clientID]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownMessage, clientID)
	}
	if err := t.bindLocked(m, serverID); err != nil {
		t.mu.Unlock()
		return err
	}
	if m.ServerCreatedAt == nil && serverCreatedAt != nil {
		ts := *serverCreatedAt
		m.ServerCreatedAt = &ts
	}
	switch m.Status {
	case StatusSent, StatusDelivered:
		t.mu.Unlock()
		return nil
	case StatusSending, StatusQueued, StatusFailed:
	default:
		from := m.Status
		t.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, StatusSent)
	}
	m.Status = StatusSent
	t.sentAt[clientID] = t.now()
	snapshot := *m
	t.mu.Unlock()

	t.onChange.emit(snapshot)
	return nil
}

// ObserveEcho reconciles a message that arrived through the subscription
// channel. own is true when the echo belongs to a locally tracked message;
// such a message becomes Delivered and must not be rendered again.
func (t *DeliveryTracker) ObserveEcho(echo Message) (own bool, err error) {
	t.mu.Lock()
	m, ok := t.messages[echo.ClientID]
	if !ok && echo.ServerID != "" {
		if cid, found := t.serverIDs[echo.ServerID]; found {
			m, ok = t.messages[cid]
		}
	}
	if !ok {
		t.mu.Unlock()
		return false, nil
	}
	if m.Status == StatusDelivered {
		t.mu.Unlock()
		return true, nil
	}
	if err := t.bindLocked(m, echo.ServerID); err != nil {
		t.mu.Unlock()
		return true, err
	}
	if m.ServerCreatedAt == nil && echo.ServerCreatedAt != nil {
		ts := *echo.ServerCreatedAt
		m.ServerCreatedAt = &ts
	}
	m.Status = StatusDelivered
	delete(t.sentAt, m.ClientID)
	delete(t.flagged, m.ClientID)
	snapshot := *m
	t.mu.Unlock()

	t.onChange.emit(snapshot)
	return true, nil
}

func (t *DeliveryTracker) bindLocked(m *Message, serverID string) error {
	if serverID == "" {
		return nil
	}
	if m.ServerID != "" && m.ServerID != serverID {
		t.log.Error("server id conflict",
			zap.String("clientId", m.ClientID),
			zap.String("serverId", m.ServerID),
			zap.String("otherServerId", serverID))
		return fmt.Errorf("%w: %s has %s, got %s", ErrServerIDConflict, m.ClientID, m.ServerID, serverID)
	}
	m.ServerID = serverID
	t.serverIDs[serverID] = m.ClientID
	return nil
}

// SetTranslation attaches a translation. Identity and status are unaffected.
func (t *DeliveryTracker) SetTranslation(clientID, content, language string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.messages[clientID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownMessage, clientID)
	}
	m.TranslatedContent = content
	m.TranslatedFor = language
	return nil
}

// Get returns the current value for clientID.
func (t *DeliveryTracker) Get(clientID string) (Message, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.messages[clientID]
	if !ok {
		return Message{}, false
	}
	return *m, true
}

// ClientIDFor returns the client id mapped to serverID.
func (t *DeliveryTracker) ClientIDFor(serverID string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cid, ok := t.serverIDs[serverID]
	return cid, ok
}

// Messages returns every tracked message ordered by composition time.
func (t *DeliveryTracker) Messages() []Message {
	t.mu.Lock()
	out := make([]Message, 0, len(t.messages))
	for _, m := range t.messages {
		out = append(out, *m)
	}
	t.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Overdue returns messages that have been Sent for at least window without
// an echo. Each message is returned at most once.
func (t *DeliveryTracker) Overdue(window time.Duration) []Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	var out []Message
	for cid, at := range t.sentAt {
		if t.flagged[cid] || now.Sub(at) < window {
			continue
		}
		if m := t.messages[cid]; m != nil && m.Status == StatusSent {
			t.flagged[cid] = true
			out = append(out, *m)
		}
	}
	return out
}

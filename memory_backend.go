package chatsync

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Backend tables.
const (
	MessagesTable       = "messages"
	RoomsTable          = "rooms"
	SecondaryRoomsTable = "chat_rooms"
)

// MemoryBackend is an in-process Backend. Tables exist only after Bootstrap,
// inserts into the messages table are idempotent on clientId, and events are
// delivered in order by a single dispatch goroutine.
type MemoryBackend struct {
	mu       sync.Mutex
	tables   map[string][]map[string]any
	subs     map[string]*memorySub
	presence map[string]map[string]PresenceEntry
	now      func() time.Time

	events chan memoryDelivery
	stopCh chan struct{}
	once   sync.Once

	// inflight counts emitted events not yet delivered.
	flightMu sync.Mutex
	idle     *sync.Cond
	inflight int
}

type memorySub struct {
	channel string
	filter  EventFilter
	cb      func(Event)
}

type memoryDelivery struct {
	cb func(Event)
	ev Event
}

// NewMemoryBackend creates an empty backend with no tables.
func NewMemoryBackend() *MemoryBackend {
	b := &MemoryBackend{
		tables:   make(map[string][]map[string]any),
		subs:     make(map[string]*memorySub),
		presence: make(map[string]map[string]PresenceEntry),
		now:      time.Now,
		events:   make(chan memoryDelivery, 256),
		stopCh:   make(chan struct{}),
	}
	b.idle = sync.NewCond(&b.flightMu)
	go b.dispatchLoop()
	return b
}

// Close stops event delivery.
func (b *MemoryBackend) Close() {
	b.once.Do(func() { close(b.stopCh) })
}

// Settle blocks until every event emitted so far has been delivered.
func (b *MemoryBackend) Settle() {
	b.flightMu.Lock()
	defer b.flightMu.Unlock()
	for b.inflight > 0 {
		b.idle.Wait()
	}
}

func (b *MemoryBackend) addInflight() {
	b.flightMu.Lock()
	b.inflight++
	b.flightMu.Unlock()
}

func (b *MemoryBackend) doneInflight() {
	b.flightMu.Lock()
	b.inflight--
	if b.inflight == 0 {
		b.idle.Broadcast()
	}
	b.flightMu.Unlock()
}

func (b *MemoryBackend) dispatchLoop() {
	for {
		select {
		case <-b.stopCh:
			for {
				select {
				case <-b.events:
					b.doneInflight()
				default:
					return
				}
			}
		case d := <-b.events:
			func() {
				defer b.doneInflight()
				defer func() { recover() }() // a broken subscriber must not stop delivery
				d.cb(d.ev)
			}()
		}
	}
}

func (b *MemoryBackend) emit(deliveries []memoryDelivery) {
	for _, d := range deliveries {
		b.addInflight()
		select {
		case b.events <- d:
		case <-b.stopCh:
			b.doneInflight()
			return
		}
	}
}

func (b *MemoryBackend) Bootstrap(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, t := range []string{MessagesTable, RoomsTable, SecondaryRoomsTable} {
		if _, ok := b.tables[t]; !ok {
			b.tables[t] = nil
		}
	}
	return nil
}

// Seed inserts records into table, creating it if needed. It emits no events.
func (b *MemoryBackend) Seed(table string, records ...any) error {
	rows := make([]map[string]any, 0, len(records))
	for _, r := range records {
		row, err := toRow(r)
		if err != nil {
			return err
		}
		rows = append(rows, row)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tables[table] = append(b.tables[table], rows...)
	return nil
}

// Count returns the number of rows in table.
func (b *MemoryBackend) Count(table string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.tables[table])
}

func (b *MemoryBackend) Insert(_ context.Context, table string, record any) (json.RawMessage, error) {
	row, err := toRow(record)
	if err != nil {
		return nil, &APIError{Code: CodeInvalidRequest, Message: err.Error()}
	}

	b.mu.Lock()
	rows, ok := b.tables[table]
	if !ok {
		b.mu.Unlock()
		return nil, &APIError{Code: CodeRelationMissing, Message: fmt.Sprintf("relation %q does not exist", table)}
	}

	if table == MessagesTable {
		if cid, _ := row["clientId"].(string); cid != "" {
			for _, existing := range rows {
				if existing["clientId"] == cid {
					b.mu.Unlock()
					return json.Marshal(existing)
				}
			}
		}
	}

	if _, ok := row["id"]; !ok {
		row["id"] = uuid.New().String()
	}
	row["serverCreatedAt"] = b.now().UTC().Format(time.RFC3339Nano)
	b.tables[table] = append(rows, row)

	data, err := json.Marshal(row)
	if err != nil {
		b.mu.Unlock()
		return nil, err
	}
	var deliveries []memoryDelivery
	for _, s := range b.subs {
		if s.filter.Event != FilterInsert || s.filter.Table != table {
			continue
		}
		if s.filter.Column != "" && fmt.Sprint(row[s.filter.Column]) != s.filter.Value {
			continue
		}
		deliveries = append(deliveries, memoryDelivery{cb: s.cb, ev: Event{Type: EventInsert, Channel: s.channel, Payload: data}})
	}
	b.mu.Unlock()

	b.emit(deliveries)
	return data, nil
}

func (b *MemoryBackend) Query(_ context.Context, table string, q Query) ([]json.RawMessage, error) {
	b.mu.Lock()
	rows, ok := b.tables[table]
	if !ok {
		b.mu.Unlock()
		return nil, &APIError{Code: CodeRelationMissing, Message: fmt.Sprintf("relation %q does not exist", table)}
	}
	var matched []map[string]any
	for _, row := range rows {
		if matches(row, q.Filter) {
			matched = append(matched, row)
		}
	}
	b.mu.Unlock()

	if q.OrderBy != "" {
		sort.SliceStable(matched, func(i, j int) bool {
			a, c := fmt.Sprint(matched[i][q.OrderBy]), fmt.Sprint(matched[j][q.OrderBy])
			if q.Descending {
				return a > c
			}
			return a < c
		})
	}
	if q.Limit > 0 && len(matched) > q.Limit {
		matched = matched[:q.Limit]
	}

	out := make([]json.RawMessage, 0, len(matched))
	for _, row := range matched {
		data, err := json.Marshal(row)
		if err != nil {
			return nil, err
		}
		out = append(out, data)
	}
	return out, nil
}

func (b *MemoryBackend) Subscribe(_ context.Context, channel string, filter EventFilter, cb func(Event)) (string, error) {
	handle := uuid.New().String()
	b.mu.Lock()
	b.subs[handle] = &memorySub{channel: channel, filter: filter, cb: cb}
	var deliveries []memoryDelivery
	if filter.Event == FilterPresence {
		deliveries = append(deliveries, memoryDelivery{cb: cb, ev: b.presenceEvent(channel, EventPresenceSync, b.presenceState(channel))})
	}
	b.mu.Unlock()

	b.emit(deliveries)
	return handle, nil
}

func (b *MemoryBackend) Unsubscribe(_ context.Context, handle string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, handle)
	return nil
}

func (b *MemoryBackend) PresenceTrack(_ context.Context, channel string, state PresenceEntry) error {
	b.mu.Lock()
	if b.presence[channel] == nil {
		b.presence[channel] = make(map[string]PresenceEntry)
	}
	if state.LastSeenAt.IsZero() {
		state.LastSeenAt = b.now().UTC()
	}
	b.presence[channel][state.UserID] = state
	deliveries := b.presenceDeliveries(channel, EventPresenceJoin, []PresenceEntry{state})
	b.mu.Unlock()

	b.emit(deliveries)
	return nil
}

func (b *MemoryBackend) PresenceUntrack(_ context.Context, channel, userID string) error {
	b.mu.Lock()
	state, ok := b.presence[channel][userID]
	if !ok {
		b.mu.Unlock()
		return nil
	}
	delete(b.presence[channel], userID)
	deliveries := b.presenceDeliveries(channel, EventPresenceLeave, []PresenceEntry{state})
	b.mu.Unlock()

	b.emit(deliveries)
	return nil
}

// FailChannel pushes a channel.error event to every subscription on channel.
func (b *MemoryBackend) FailChannel(channel string, cause *APIError) {
	data, _ := json.Marshal(cause)
	b.mu.Lock()
	var deliveries []memoryDelivery
	for _, s := range b.subs {
		if s.channel == channel {
			deliveries = append(deliveries, memoryDelivery{cb: s.cb, ev: Event{Type: EventChannelError, Channel: channel, Payload: data}})
		}
	}
	b.mu.Unlock()
	b.emit(deliveries)
}

// Subscribers returns the number of live subscriptions on channel.
func (b *MemoryBackend) Subscribers(channel string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, s := range b.subs {
		if s.channel == channel {
			n++
		}
	}
	return n
}

func (b *MemoryBackend) presenceState(channel string) []PresenceEntry {
	entries := make([]PresenceEntry, 0, len(b.presence[channel]))
	for _, e := range b.presence[channel] {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].UserID < entries[j].UserID })
	return entries
}

func (b *MemoryBackend) presenceDeliveries(channel, kind string, entries []PresenceEntry) []memoryDelivery {
	var out []memoryDelivery
	for _, s := range b.subs {
		if s.channel == channel && s.filter.Event == FilterPresence {
			out = append(out, memoryDelivery{cb: s.cb, ev: b.presenceEvent(channel, kind, entries)})
		}
	}
	return out
}

func (b *MemoryBackend) presenceEvent(channel, kind string, entries []PresenceEntry) Event {
	data, _ := json.Marshal(entries)
	return Event{Type: kind, Channel: channel, Payload: data}
}

func toRow(record any) (map[string]any, error) {
	data, err := json.Marshal(record)
	if err != nil {
		return nil, err
	}
	var row map[string]any
	if err := json.Unmarshal(data, &row); err != nil {
		return nil, err
	}
	if row == nil {
		return nil, fmt.Errorf("record must be a JSON object")
	}
	return row, nil
}

func matches(row map[string]any, filter map[string]any) bool {
	for k, v := range filter {
		if fmt.Sprint(row[k]) != fmt.Sprint(v) {
			return false
		}
	}
	return true
}

package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// ============================================================================
// Test Helpers
// ============================================================================

var errInjected = errors.New("injected failure")

// testConfig returns a config with short delays and no periodic flush.
func testConfig() *Config {
	return &Config{
		Logger:           zap.NewNop(),
		QueryTimeout:     time.Second,
		SendTimeout:      time.Second,
		ResumeBaseDelay:  5 * time.Millisecond,
		ResumeMaxDelay:   20 * time.Millisecond,
		ResubscribeDelay: 10 * time.Millisecond,
		FlushInterval:    -1,
		DrainRate:        1000,
		DrainBurst:       100,
	}
}

// newTestBackend returns a bootstrapped MemoryBackend seeded with the
// default rooms plus a closed and a private room.
func newTestBackend(t *testing.T) *MemoryBackend {
	t.Helper()
	mb := NewMemoryBackend()
	t.Cleanup(mb.Close)
	require.NoError(t, mb.Bootstrap(context.Background()))
	require.NoError(t, mb.Seed(RoomsTable,
		Room{ID: "general", Name: "General", Type: RoomPublic, Status: RoomActive},
		Room{ID: "archive", Name: "Archive", Type: RoomPublic, Status: RoomClosed},
		Room{ID: "staff", Name: "Staff", Type: RoomPrivate, Status: RoomActive, AccessCode: "s3cret"},
	))
	return mb
}

// faultyBackend wraps a MemoryBackend and injects failures per operation.
type faultyBackend struct {
	*MemoryBackend

	mu            sync.Mutex
	insertErr     error
	loseReply     bool
	alwaysMissing bool
	queryErr      map[string]error
	subscribeErr  error
	inserts       int
	bootstraps    int
	subscribes    int
}

func newFaultyBackend(mb *MemoryBackend) *faultyBackend {
	return &faultyBackend{MemoryBackend: mb, queryErr: make(map[string]error)}
}

func (f *faultyBackend) set(fn func(f *faultyBackend)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *faultyBackend) Insert(ctx context.Context, table string, record any) (json.RawMessage, error) {
	f.mu.Lock()
	f.inserts++
	insertErr, loseReply, missing := f.insertErr, f.loseReply, f.alwaysMissing
	f.mu.Unlock()

	if missing {
		return nil, &APIError{Code: CodeRelationMissing, Message: "relation \"" + table + "\" does not exist"}
	}
	if insertErr != nil {
		return nil, insertErr
	}
	data, err := f.MemoryBackend.Insert(ctx, table, record)
	if err == nil && loseReply {
		return nil, &APIError{Code: CodeNotConnected, Message: "connection lost"}
	}
	return data, err
}

func (f *faultyBackend) Query(ctx context.Context, table string, q Query) ([]json.RawMessage, error) {
	f.mu.Lock()
	err := f.queryErr[table]
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return f.MemoryBackend.Query(ctx, table, q)
}

func (f *faultyBackend) Subscribe(ctx context.Context, channel string, filter EventFilter, cb func(Event)) (string, error) {
	f.mu.Lock()
	f.subscribes++
	err := f.subscribeErr
	f.mu.Unlock()
	if err != nil {
		return "", err
	}
	return f.MemoryBackend.Subscribe(ctx, channel, filter, cb)
}

func (f *faultyBackend) Bootstrap(ctx context.Context) error {
	f.mu.Lock()
	f.bootstraps++
	f.mu.Unlock()
	return f.MemoryBackend.Bootstrap(ctx)
}

func (f *faultyBackend) counts() (inserts, bootstraps, subscribes int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inserts, f.bootstraps, f.subscribes
}

// failingStore rejects writes while fail is set.
type failingStore struct {
	*MemoryStore
	mu   sync.Mutex
	fail bool
}

func (s *failingStore) setFail(v bool) {
	s.mu.Lock()
	s.fail = v
	s.mu.Unlock()
}

func (s *failingStore) Set(ctx context.Context, key string, value []byte) error {
	s.mu.Lock()
	fail := s.fail
	s.mu.Unlock()
	if fail {
		return errInjected
	}
	return s.MemoryStore.Set(ctx, key, value)
}

func (s *failingStore) Remove(ctx context.Context, key string) error {
	s.mu.Lock()
	fail := s.fail
	s.mu.Unlock()
	if fail {
		return errInjected
	}
	return s.MemoryStore.Remove(ctx, key)
}

// fakeClock is a settable time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// recorder collects values from callbacks.
type recorder[T any] struct {
	mu     sync.Mutex
	values []T
}

func (r *recorder[T]) add(v T) {
	r.mu.Lock()
	r.values = append(r.values, v)
	r.mu.Unlock()
}

func (r *recorder[T]) all() []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]T(nil), r.values...)
}

func (r *recorder[T]) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.values)
}

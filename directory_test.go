package chatsync

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubSource is a RoomSource with canned rooms and an optional error.
type stubSource struct {
	name string

	mu    sync.Mutex
	rooms []Room
	err   error
	lists int
	gets  int
}

func (s *stubSource) Name() string { return s.name }

func (s *stubSource) set(rooms []Room, err error) {
	s.mu.Lock()
	s.rooms, s.err = rooms, err
	s.mu.Unlock()
}

func (s *stubSource) ListRooms(context.Context) ([]Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lists++
	if s.err != nil {
		return nil, s.err
	}
	return append([]Room(nil), s.rooms...), nil
}

func (s *stubSource) GetRoom(_ context.Context, id string) (Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gets++
	if s.err != nil {
		return Room{}, s.err
	}
	if r, ok := findRoom(s.rooms, id); ok {
		return r, nil
	}
	return Room{}, ErrRoomNotFound
}

func (s *stubSource) calls() (lists, gets int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lists, s.gets
}

func room(id string, status RoomStatus) Room {
	return Room{ID: id, Name: id, Type: RoomPublic, Status: status}
}

func roomIDs(rooms []Room) []string {
	ids := make([]string, 0, len(rooms))
	for _, r := range rooms {
		ids = append(ids, r.ID)
	}
	return ids
}

func newResolver(primary, secondary *stubSource, store Store, cfg *Config) (*DirectoryResolver, *fakeClock) {
	if cfg == nil {
		cfg = testConfig()
	}
	r := NewDirectoryResolver(primary, secondary, store, cfg)
	clock := newFakeClock()
	r.now = clock.Now
	return r, clock
}

func TestDirectoryResolver_ResolveRooms(t *testing.T) {
	ctx := context.Background()

	t.Run("merges with primary precedence", func(t *testing.T) {
		primary := &stubSource{name: "p", rooms: []Room{room("a", RoomActive), {ID: "b", Name: "from primary", Type: RoomPublic, Status: RoomActive}}}
		secondary := &stubSource{name: "s", rooms: []Room{{ID: "b", Name: "from secondary", Type: RoomPublic, Status: RoomActive}, room("c", RoomActive)}}
		r, _ := newResolver(primary, secondary, NewMemoryStore(), nil)

		rooms, err := r.ResolveRooms(ctx, false)
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b", "c"}, roomIDs(rooms))
		assert.Equal(t, "from primary", rooms[1].Name)
	})

	t.Run("active only filter", func(t *testing.T) {
		primary := &stubSource{name: "p", rooms: []Room{room("a", RoomActive), room("z", RoomClosed)}}
		r, _ := newResolver(primary, &stubSource{name: "s"}, NewMemoryStore(), nil)

		rooms, err := r.ResolveRooms(ctx, true)
		require.NoError(t, err)
		assert.Equal(t, []string{"a"}, roomIDs(rooms))
		rooms, err = r.ResolveRooms(ctx, false)
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "z"}, roomIDs(rooms))
	})

	t.Run("fresh cache answers without sources", func(t *testing.T) {
		primary := &stubSource{name: "p", rooms: []Room{room("a", RoomActive)}}
		secondary := &stubSource{name: "s"}
		r, clock := newResolver(primary, secondary, NewMemoryStore(), nil)

		_, err := r.ResolveRooms(ctx, false)
		require.NoError(t, err)
		clock.Advance(9 * time.Minute)
		primary.set([]Room{room("b", RoomActive)}, nil)

		rooms, err := r.ResolveRooms(ctx, false)
		require.NoError(t, err)
		assert.Equal(t, []string{"a"}, roomIDs(rooms))
		lists, _ := primary.calls()
		assert.Equal(t, 1, lists)
	})

	t.Run("expired cache is refetched", func(t *testing.T) {
		primary := &stubSource{name: "p", rooms: []Room{room("a", RoomActive)}}
		r, clock := newResolver(primary, &stubSource{name: "s"}, NewMemoryStore(), nil)

		_, err := r.ResolveRooms(ctx, false)
		require.NoError(t, err)
		clock.Advance(11 * time.Minute)
		primary.set([]Room{room("b", RoomActive)}, nil)

		rooms, err := r.ResolveRooms(ctx, false)
		require.NoError(t, err)
		assert.Equal(t, []string{"b"}, roomIDs(rooms))
	})

	t.Run("cache survives a new resolver", func(t *testing.T) {
		store := NewMemoryStore()
		primary := &stubSource{name: "p", rooms: []Room{room("a", RoomActive)}}
		first := NewDirectoryResolver(primary, &stubSource{name: "s"}, store, testConfig())
		_, err := first.ResolveRooms(ctx, false)
		require.NoError(t, err)

		down := &stubSource{name: "p", err: errInjected}
		second := NewDirectoryResolver(down, &stubSource{name: "s", err: errInjected}, store, testConfig())
		rooms, err := second.ResolveRooms(ctx, false)
		require.NoError(t, err)
		assert.Equal(t, []string{"a"}, roomIDs(rooms))
	})

	t.Run("one source down still merges the other", func(t *testing.T) {
		primary := &stubSource{name: "p", err: errInjected}
		secondary := &stubSource{name: "s", rooms: []Room{room("c", RoomActive)}}
		r, _ := newResolver(primary, secondary, NewMemoryStore(), nil)

		rooms, err := r.ResolveRooms(ctx, false)
		require.NoError(t, err)
		assert.Equal(t, []string{"c"}, roomIDs(rooms))
	})

	t.Run("both down serves defaults without caching them", func(t *testing.T) {
		store := NewMemoryStore()
		primary := &stubSource{name: "p", err: errInjected}
		secondary := &stubSource{name: "s", err: errInjected}
		r, _ := newResolver(primary, secondary, store, nil)

		rooms, err := r.ResolveRooms(ctx, true)
		require.NoError(t, err)
		assert.Equal(t, []string{"general"}, roomIDs(rooms))
		assert.Empty(t, store.Keys())

		primary.set([]Room{room("a", RoomActive)}, nil)
		rooms, err = r.ResolveRooms(ctx, true)
		require.NoError(t, err)
		assert.Equal(t, []string{"a"}, roomIDs(rooms))
	})

	t.Run("empty merge serves defaults", func(t *testing.T) {
		r, _ := newResolver(&stubSource{name: "p"}, &stubSource{name: "s"}, NewMemoryStore(), nil)
		rooms, err := r.ResolveRooms(ctx, false)
		require.NoError(t, err)
		assert.Equal(t, []string{"general"}, roomIDs(rooms))
	})

	t.Run("both down without defaults is an error", func(t *testing.T) {
		cfg := testConfig()
		cfg.DefaultRooms = []Room{}
		r, _ := newResolver(&stubSource{name: "p", err: errInjected}, &stubSource{name: "s", err: errInjected}, NewMemoryStore(), cfg)
		_, err := r.ResolveRooms(ctx, false)
		assert.ErrorIs(t, err, errInjected)
	})

	t.Run("refresh bypasses the cache", func(t *testing.T) {
		primary := &stubSource{name: "p", rooms: []Room{room("a", RoomActive)}}
		r, _ := newResolver(primary, &stubSource{name: "s"}, NewMemoryStore(), nil)
		_, err := r.ResolveRooms(ctx, false)
		require.NoError(t, err)

		primary.set([]Room{room("b", RoomActive)}, nil)
		rooms, err := r.Refresh(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"b"}, roomIDs(rooms))
	})
}

func TestDirectoryResolver_ResolveRoom(t *testing.T) {
	ctx := context.Background()

	t.Run("primary then secondary", func(t *testing.T) {
		primary := &stubSource{name: "p", rooms: []Room{room("a", RoomActive)}}
		secondary := &stubSource{name: "s", rooms: []Room{room("c", RoomActive)}}
		r, _ := newResolver(primary, secondary, NewMemoryStore(), nil)

		got, err := r.ResolveRoom(ctx, "c")
		require.NoError(t, err)
		assert.Equal(t, "c", got.ID)
		_, gets := secondary.calls()
		assert.Equal(t, 1, gets)
	})

	t.Run("not found anywhere", func(t *testing.T) {
		r, _ := newResolver(&stubSource{name: "p"}, &stubSource{name: "s"}, NewMemoryStore(), nil)
		_, err := r.ResolveRoom(ctx, "general")
		assert.ErrorIs(t, err, ErrRoomNotFound)
	})

	t.Run("unreachable falls back to defaults", func(t *testing.T) {
		r, _ := newResolver(&stubSource{name: "p", err: errInjected}, &stubSource{name: "s"}, NewMemoryStore(), nil)
		got, err := r.ResolveRoom(ctx, "general")
		require.NoError(t, err)
		assert.Equal(t, "general", got.ID)

		_, err = r.ResolveRoom(ctx, "elsewhere")
		assert.ErrorIs(t, err, errInjected)
	})
}

func TestDirectoryResolver_ValidateRoomAccess(t *testing.T) {
	ctx := context.Background()
	primary := &stubSource{name: "p", rooms: []Room{
		room("open", RoomActive),
		room("shut", RoomClosed),
		{ID: "vip", Name: "VIP", Type: RoomPrivate, Status: RoomActive, AccessCode: "1234"},
	}}
	r, _ := newResolver(primary, &stubSource{name: "s"}, NewMemoryStore(), nil)

	tests := []struct {
		name    string
		id      string
		code    string
		granted bool
		reason  AccessReason
	}{
		{"public active", "open", "", true, AccessGranted},
		{"closed", "shut", "", false, AccessRoomClosed},
		{"private without code", "vip", "", false, AccessIncorrectCode},
		{"private wrong code", "vip", "0000", false, AccessIncorrectCode},
		{"private right code", "vip", "1234", true, AccessGranted},
		{"unknown room", "ghost", "", false, AccessRoomNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := r.ValidateRoomAccess(ctx, tt.id, tt.code)
			require.NoError(t, err)
			assert.Equal(t, tt.granted, res.Granted)
			assert.Equal(t, tt.reason, res.Reason)
		})
	}
}

func TestDirectoryResolver_Breaker(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.BreakerMaxFailures = 2
	cfg.BreakerOpenTimeout = time.Hour
	cfg.DirectoryTTL = time.Nanosecond

	primary := &stubSource{name: "p", err: errInjected}
	secondary := &stubSource{name: "s", rooms: []Room{room("c", RoomActive)}}
	r, clock := newResolver(primary, secondary, NewMemoryStore(), cfg)

	for i := 0; i < 4; i++ {
		rooms, err := r.ResolveRooms(ctx, false)
		require.NoError(t, err)
		assert.Equal(t, []string{"c"}, roomIDs(rooms))
		clock.Advance(time.Second)
	}
	lists, _ := primary.calls()
	assert.Equal(t, 2, lists, "open breaker must short-circuit the failing source")

	t.Run("not found does not trip", func(t *testing.T) {
		s := &stubSource{name: "empty"}
		g := newGuardedSource(s, cfg)
		for i := 0; i < 5; i++ {
			_, err := g.get(ctx, "ghost")
			assert.ErrorIs(t, err, ErrRoomNotFound)
		}
		_, gets := s.calls()
		assert.Equal(t, 5, gets)
	})
}

// heldSource lists its rooms, then waits for release or cancellation.
type heldSource struct {
	*stubSource
	entered chan struct{}
	release chan struct{}
}

func newHeldSource(name string, rooms ...Room) *heldSource {
	return &heldSource{
		stubSource: &stubSource{name: name, rooms: rooms},
		entered:    make(chan struct{}, 1),
		release:    make(chan struct{}),
	}
}

func (h *heldSource) ListRooms(ctx context.Context) ([]Room, error) {
	rooms, err := h.stubSource.ListRooms(ctx)
	select {
	case h.entered <- struct{}{}:
	default:
	}
	select {
	case <-h.release:
		return rooms, err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestDirectoryResolver_SharedFetch(t *testing.T) {
	ctx := context.Background()

	t.Run("canceled caller does not fail the others", func(t *testing.T) {
		primary := newHeldSource("p", room("a", RoomActive))
		r := NewDirectoryResolver(primary, &stubSource{name: "s"}, NewMemoryStore(), testConfig())

		cctx, cancel := context.WithCancel(ctx)
		firstErr := make(chan error, 1)
		go func() {
			_, err := r.ResolveRooms(cctx, false)
			firstErr <- err
		}()
		<-primary.entered

		second := make(chan []Room, 1)
		go func() {
			rooms, err := r.ResolveRooms(ctx, false)
			assert.NoError(t, err)
			second <- rooms
		}()
		cancel()
		assert.ErrorIs(t, <-firstErr, context.Canceled)

		close(primary.release)
		assert.Equal(t, []string{"a"}, roomIDs(<-second))
		lists, _ := primary.calls()
		assert.Equal(t, 1, lists)
	})

	t.Run("invalidate during fetch is not undone", func(t *testing.T) {
		primary := newHeldSource("p", room("a", RoomActive))
		store := NewMemoryStore()
		r := NewDirectoryResolver(primary, &stubSource{name: "s"}, store, testConfig())

		done := make(chan []Room, 1)
		go func() {
			rooms, err := r.ResolveRooms(ctx, false)
			assert.NoError(t, err)
			done <- rooms
		}()
		<-primary.entered

		require.NoError(t, r.Invalidate(ctx))
		primary.set([]Room{room("b", RoomActive)}, nil)
		close(primary.release)
		assert.Equal(t, []string{"a"}, roomIDs(<-done))

		_, ok, err := store.Get(ctx, directoryCacheKey)
		require.NoError(t, err)
		assert.False(t, ok)

		rooms, err := r.ResolveRooms(ctx, false)
		require.NoError(t, err)
		assert.Equal(t, []string{"b"}, roomIDs(rooms))
	})
}

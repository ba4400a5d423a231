package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// RoomSource is one independent origin of room directory entries.
type RoomSource interface {
	Name() string
	ListRooms(ctx context.Context) ([]Room, error)
	// GetRoom returns ErrRoomNotFound when the source has no such room.
	GetRoom(ctx context.Context, id string) (Room, error)
}

// ============================================================================
// BackendRoomSource
// ============================================================================

// BackendRoomSource reads rooms from a backend table.
type BackendRoomSource struct {
	backend Backend
	table   string
	log     *zap.Logger
}

func NewBackendRoomSource(b Backend, table string, log *zap.Logger) *BackendRoomSource {
	if log == nil {
		log = zap.NewNop()
	}
	return &BackendRoomSource{backend: b, table: table, log: log}
}

func (s *BackendRoomSource) Name() string { return "table:" + s.table }

func (s *BackendRoomSource) ListRooms(ctx context.Context) ([]Room, error) {
	rows, err := withBootstrap(ctx, s.backend, func() ([]json.RawMessage, error) {
		return s.backend.Query(ctx, s.table, Query{OrderBy: "name"})
	})
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", s.table, err)
	}
	rooms, errs := decodeRecords[Room](rows)
	for _, err := range errs {
		s.log.Warn("skipping invalid room record", zap.String("table", s.table), zap.Error(err))
	}
	return rooms, nil
}

func (s *BackendRoomSource) GetRoom(ctx context.Context, id string) (Room, error) {
	rows, err := withBootstrap(ctx, s.backend, func() ([]json.RawMessage, error) {
		return s.backend.Query(ctx, s.table, Query{Filter: map[string]any{"id": id}, Limit: 1})
	})
	if err != nil {
		return Room{}, fmt.Errorf("query %s: %w", s.table, err)
	}
	if len(rows) == 0 {
		return Room{}, ErrRoomNotFound
	}
	return decodeRecord[Room](rows[0])
}

// ============================================================================
// DirectoryResolver
// ============================================================================

// DirectoryResolver resolves the room list from a primary and a secondary
// source, caching the merged result in the Store.
type DirectoryResolver struct {
	primary   *guardedSource
	secondary *guardedSource
	store     Store
	ttl       time.Duration
	timeout   time.Duration
	defaults  []Room
	now       func() time.Time
	log       *zap.Logger

	fetches singleflight.Group

	mu     sync.Mutex
	cache  *DirectoryCache
	loaded bool
	// gen is bumped by Invalidate; fetches started under an older gen
	// do not write the cache.
	gen uint64
}

type guardedSource struct {
	RoomSource
	cb *gobreaker.CircuitBreaker
}

func newGuardedSource(src RoomSource, cfg *Config) *guardedSource {
	log := cfg.Logger
	st := gobreaker.Settings{
		Name:        src.Name(),
		MaxRequests: 1,
		Timeout:     cfg.BreakerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerMaxFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrRoomNotFound)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Info("directory source breaker", zap.String("name", name), zap.String("from", from.String()), zap.String("to", to.String()))
		},
	}
	return &guardedSource{RoomSource: src, cb: gobreaker.NewCircuitBreaker(st)}
}

func (g *guardedSource) list(ctx context.Context) ([]Room, error) {
	v, err := g.cb.Execute(func() (interface{}, error) {
		return g.ListRooms(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.([]Room), nil
}

func (g *guardedSource) get(ctx context.Context, id string) (Room, error) {
	v, err := g.cb.Execute(func() (interface{}, error) {
		return g.GetRoom(ctx, id)
	})
	if err != nil {
		return Room{}, err
	}
	return v.(Room), nil
}

// NewDirectoryResolver creates a resolver over two sources.
func NewDirectoryResolver(primary, secondary RoomSource, store Store, cfg *Config) *DirectoryResolver {
	if cfg == nil {
		cfg = &Config{}
	}
	cfg.defaults()
	return &DirectoryResolver{
		primary:   newGuardedSource(primary, cfg),
		secondary: newGuardedSource(secondary, cfg),
		store:     store,
		ttl:       cfg.DirectoryTTL,
		timeout:   cfg.QueryTimeout,
		defaults:  cfg.DefaultRooms,
		now:       time.Now,
		log:       cfg.Logger,
	}
}

// ResolveRooms returns the room directory. It never returns an empty list
// while built-in defaults exist.
func (r *DirectoryResolver) ResolveRooms(ctx context.Context, activeOnly bool) ([]Room, error) {
	if c := r.freshCache(ctx); c != nil {
		return filterRooms(c.Entries, activeOnly), nil
	}

	r.mu.Lock()
	gen := r.gen
	r.mu.Unlock()

	// The shared fetch outlives any one caller's cancellation.
	fctx := context.WithoutCancel(ctx)
	ch := r.fetches.DoChan(fmt.Sprintf("rooms:%d", gen), func() (interface{}, error) {
		return r.fetch(fctx, gen)
	})
	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if res.Err != nil {
		return nil, res.Err
	}
	merged := res.Val.([]Room)
	if len(merged) > 0 {
		return filterRooms(merged, activeOnly), nil
	}
	if len(r.defaults) > 0 {
		return filterRooms(append([]Room(nil), r.defaults...), activeOnly), nil
	}
	return nil, nil
}

// fetch queries both sources concurrently and merges on this goroutine.
func (r *DirectoryResolver) fetch(ctx context.Context, gen uint64) ([]Room, error) {
	qctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var (
		primary, secondary []Room
		perr, serr         error
		g                  errgroup.Group
	)
	g.Go(func() error {
		primary, perr = r.primary.list(qctx)
		return nil
	})
	g.Go(func() error {
		secondary, serr = r.secondary.list(qctx)
		return nil
	})
	_ = g.Wait()

	if perr != nil {
		r.log.Warn("primary room source failed", zap.String("source", r.primary.Name()), zap.Error(perr))
	}
	if serr != nil {
		r.log.Warn("secondary room source failed", zap.String("source", r.secondary.Name()), zap.Error(serr))
	}

	merged := mergeRooms(primary, secondary)
	if len(merged) > 0 {
		r.saveCache(ctx, gen, merged)
		return merged, nil
	}
	if perr != nil && serr != nil && len(r.defaults) == 0 {
		return nil, fmt.Errorf("resolve rooms: %w", errors.Join(perr, serr))
	}
	if perr != nil && serr != nil {
		r.log.Warn("serving default rooms", zap.Int("count", len(r.defaults)))
	}
	return nil, nil
}

// ResolveRoom finds one room: fresh cache first, then the primary and the
// secondary source in sequence.
func (r *DirectoryResolver) ResolveRoom(ctx context.Context, id string) (Room, error) {
	if c := r.freshCache(ctx); c != nil {
		if room, ok := findRoom(c.Entries, id); ok {
			return room, nil
		}
	}

	qctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	room, perr := r.primary.get(qctx, id)
	if perr == nil {
		return room, nil
	}
	room, serr := r.secondary.get(qctx, id)
	if serr == nil {
		return room, nil
	}
	if errors.Is(perr, ErrRoomNotFound) && errors.Is(serr, ErrRoomNotFound) {
		return Room{}, ErrRoomNotFound
	}

	// At least one source is unreachable.
	if room, ok := findRoom(r.defaults, id); ok {
		return room, nil
	}
	if !errors.Is(perr, ErrRoomNotFound) {
		return Room{}, fmt.Errorf("resolve room %s: %w", id, perr)
	}
	return Room{}, fmt.Errorf("resolve room %s: %w", id, serr)
}

// ValidateRoomAccess decides whether a client may join id with code.
// Business refusals are reported in the result; err is only set when the
// directory could not be consulted.
func (r *DirectoryResolver) ValidateRoomAccess(ctx context.Context, id, code string) (AccessResult, error) {
	room, err := r.ResolveRoom(ctx, id)
	if errors.Is(err, ErrRoomNotFound) {
		return AccessResult{Reason: AccessRoomNotFound}, nil
	}
	if err != nil {
		return AccessResult{}, err
	}
	if room.Status != RoomActive {
		return AccessResult{Reason: AccessRoomClosed, Room: &room}, nil
	}
	if room.Type == RoomPrivate && code != room.AccessCode {
		return AccessResult{Reason: AccessIncorrectCode, Room: &room}, nil
	}
	return AccessResult{Granted: true, Room: &room}, nil
}

// Invalidate drops the cached directory.
func (r *DirectoryResolver) Invalidate(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache = nil
	r.loaded = true
	r.gen++
	return r.store.Remove(ctx, directoryCacheKey)
}

// Refresh refetches the directory regardless of cache freshness.
func (r *DirectoryResolver) Refresh(ctx context.Context) ([]Room, error) {
	if err := r.Invalidate(ctx); err != nil {
		r.log.Warn("directory cache invalidate failed", zap.Error(err))
	}
	return r.ResolveRooms(ctx, false)
}

func (r *DirectoryResolver) freshCache(ctx context.Context) *DirectoryCache {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.loaded {
		c, ok, err := loadJSON[DirectoryCache](ctx, r.store, directoryCacheKey)
		if err != nil {
			r.log.Warn("directory cache unreadable", zap.Error(err))
		}
		if ok {
			c.TTL = r.ttl
			r.cache = &c
		}
		r.loaded = true
	}
	if !r.cache.Fresh(r.now()) {
		return nil
	}
	c := *r.cache
	c.Entries = append([]Room(nil), r.cache.Entries...)
	return &c
}

// saveCache stores rooms unless the cache was invalidated after gen.
func (r *DirectoryResolver) saveCache(ctx context.Context, gen uint64, rooms []Room) {
	c := &DirectoryCache{Entries: append([]Room(nil), rooms...), FetchedAt: r.now(), TTL: r.ttl}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.gen != gen {
		r.log.Debug("dropping directory fetched before invalidation")
		return
	}
	r.cache = c
	r.loaded = true
	if err := saveJSON(ctx, r.store, directoryCacheKey, c); err != nil {
		r.log.Warn("directory cache write failed", zap.Error(err))
	}
}

// mergeRooms appends secondary rooms whose id the primary list lacks.
func mergeRooms(primary, secondary []Room) []Room {
	seen := make(map[string]bool, len(primary)+len(secondary))
	out := make([]Room, 0, len(primary)+len(secondary))
	for _, list := range [][]Room{primary, secondary} {
		for _, room := range list {
			if seen[room.ID] {
				continue
			}
			seen[room.ID] = true
			out = append(out, room)
		}
	}
	return out
}

func filterRooms(rooms []Room, activeOnly bool) []Room {
	if !activeOnly {
		return rooms
	}
	out := make([]Room, 0, len(rooms))
	for _, room := range rooms {
		if room.Status == RoomActive {
			out = append(out, room)
		}
	}
	return out
}

func findRoom(rooms []Room, id string) (Room, bool) {
	for _, room := range rooms {
		if room.ID == id {
			return room, true
		}
	}
	return Room{}, false
}

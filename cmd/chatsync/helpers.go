package main

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/LuminPulse-AI/chatsync"
	"github.com/LuminPulse-AI/chatsync/redisstore"
	"github.com/LuminPulse-AI/chatsync/sqlitestore"
	"go.uber.org/zap"
)

// env bundles everything a command needs to talk to a room.
type env struct {
	cfg     *Config
	log     *zap.Logger
	store   chatsync.Store
	backend chatsync.Backend
	ws      *chatsync.RealtimeWSBackend
	closers []func()
}

func (e *env) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		e.closers[i]()
	}
	_ = e.log.Sync()
}

func newLogger() (*zap.Logger, error) {
	if flagVerbose {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// openEnv loads the config, opens the store and connects the backend.
func openEnv(ctx context.Context) (*env, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	log, err := newLogger()
	if err != nil {
		return nil, err
	}
	e := &env{cfg: cfg, log: log}

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		e.Close()
		return nil, err
	}
	e.store = store
	e.closers = append(e.closers, closeStore)

	if flagLoopback {
		mb := chatsync.NewMemoryBackend()
		if err := mb.Bootstrap(ctx); err != nil {
			e.Close()
			return nil, err
		}
		for _, room := range chatsync.DefaultRooms() {
			_ = mb.Seed(chatsync.RoomsTable, room)
		}
		e.backend = mb
		e.closers = append(e.closers, mb.Close)
		return e, nil
	}

	if cfg.Default.BackendURL == "" {
		e.Close()
		return nil, fmt.Errorf("no backend_url. Run 'chatsync init <backend-url>' or pass --loopback")
	}
	ws := chatsync.NewRealtimeWSBackend(cfg.Default.BackendURL, &chatsync.RealtimeConfig{
		Token:         cfg.Default.Token,
		AutoReconnect: true,
		Logger:        log,
	})
	if err := ws.Connect(ctx); err != nil {
		e.Close()
		return nil, err
	}
	e.ws = ws
	e.backend = ws
	e.closers = append(e.closers, func() { _ = ws.Disconnect() })
	return e, nil
}

func openStore(ctx context.Context, cfg *Config) (chatsync.Store, func(), error) {
	switch cfg.Store.Driver {
	case "memory":
		return chatsync.NewMemoryStore(), func() {}, nil
	case "redis":
		s, err := redisstore.Dial(ctx, redisstore.Options{
			Addr:     valueOrDefault(cfg.Store.RedisAddr, "localhost:6379"),
			Password: cfg.Store.RedisPassword,
			DB:       cfg.Store.RedisDB,
			Prefix:   cfg.Store.RedisPrefix,
		})
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	default:
		path := cfg.Store.Path
		if path == "" {
			dir, err := configDir()
			if err != nil {
				return nil, nil, err
			}
			path = filepath.Join(dir, "state.db")
		}
		s, err := sqlitestore.Open(path, &sqlitestore.Option{JournalMode: "WAL"})
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	}
}

// coreConfig maps the CLI config onto the library config.
func (e *env) coreConfig() (*chatsync.Config, error) {
	c := &chatsync.Config{Logger: e.log, MaxAutoRetries: e.cfg.Sync.MaxAutoRetries}
	if s := e.cfg.Sync.DirectoryTTL; s != "" {
		d, err := time.ParseDuration(s)
		if err != nil {
			return nil, fmt.Errorf("sync.directory_ttl: %w", err)
		}
		c.DirectoryTTL = d
	}
	if s := e.cfg.Sync.FlushInterval; s != "" {
		d, err := time.ParseDuration(s)
		if err != nil {
			return nil, fmt.Errorf("sync.flush_interval: %w", err)
		}
		c.FlushInterval = d
	}
	if e.cfg.Default.DirectoryURL != "" {
		c.SecondarySource = chatsync.NewHTTPRoomSource(e.cfg.Default.DirectoryURL,
			chatsync.WithToken(e.cfg.Default.Token),
			chatsync.WithSourceLogger(e.log))
	}
	return c, nil
}

// openSession creates and opens a session for the selected room. The
// WebSocket transport's connection events feed the session's supervisor.
func (e *env) openSession(ctx context.Context) (*chatsync.Session, error) {
	cc, err := e.coreConfig()
	if err != nil {
		return nil, err
	}
	sess, err := chatsync.NewSession(e.room(), e.backend, e.store, cc)
	if err != nil {
		return nil, err
	}
	if e.ws != nil {
		e.ws.OnConnected(func() { sess.ReportTransportSignal(true) })
		e.ws.OnDisconnected(func(string) { sess.ReportTransportSignal(false) })
	}
	if err := sess.Open(ctx); err != nil {
		_ = sess.Close(ctx)
		return nil, err
	}
	e.closers = append(e.closers, func() { _ = sess.Close(context.Background()) })
	return sess, nil
}

func (e *env) room() string {
	return valueOrDefault(flagRoom, valueOrDefault(e.cfg.Default.Room, "general"))
}

func (e *env) self() *chatsync.PresenceEntry {
	if e.cfg.Default.UserID == "" {
		return nil
	}
	return &chatsync.PresenceEntry{
		UserID:      e.cfg.Default.UserID,
		DisplayName: valueOrDefault(e.cfg.Default.DisplayName, e.cfg.Default.UserID),
		Language:    e.cfg.Default.Language,
	}
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}

// maskKey shows the first 4 and last 4 characters of a secret.
func maskKey(key string) string {
	switch {
	case key == "":
		return ""
	case len(key) <= 8:
		return "****"
	default:
		return key[:4] + "..." + key[len(key)-4:]
	}
}

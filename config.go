package chatsync

import (
	"time"

	"go.uber.org/zap"
)

// DefaultDirectoryTTL is how long a resolved room list is served from cache.
const DefaultDirectoryTTL = 10 * time.Minute

// Config configures a Session. Zero values take the defaults noted per field.
type Config struct {
	Logger *zap.Logger

	// Tables
	MessagesTable      string // "messages"
	PrimaryRoomsTable  string // "rooms"
	SecondaryRoomTable string // "chat_rooms"

	// Sources overrides the default backend table sources when set.
	PrimarySource   RoomSource
	SecondarySource RoomSource

	DirectoryTTL time.Duration // 10m
	DefaultRooms []Room        // a single "general" room
	QueryTimeout time.Duration // 10s
	SendTimeout  time.Duration // 10s

	// Breaker for each directory source.
	BreakerMaxFailures uint32        // 5
	BreakerOpenTimeout time.Duration // 30s

	// Supervisor resume backoff.
	ResumeBaseDelay   time.Duration // 1s
	ResumeMaxDelay    time.Duration // 30s
	ResumeJitter      float64       // 0.2
	MaxResumeAttempts int           // 8

	ResubscribeDelay time.Duration // 2s

	// Outbox.
	FlushInterval  time.Duration // 5s, negative disables the periodic flush
	MaxAutoRetries int           // 5
	DrainRate      float64       // 20 sends per second
	DrainBurst     int           // 5

	DeliveryWindow time.Duration // 30s
}

func (c *Config) defaults() {
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.MessagesTable == "" {
		c.MessagesTable = MessagesTable
	}
	if c.PrimaryRoomsTable == "" {
		c.PrimaryRoomsTable = RoomsTable
	}
	if c.SecondaryRoomTable == "" {
		c.SecondaryRoomTable = SecondaryRoomsTable
	}
	if c.DirectoryTTL == 0 {
		c.DirectoryTTL = DefaultDirectoryTTL
	}
	if c.DefaultRooms == nil {
		c.DefaultRooms = DefaultRooms()
	}
	if c.QueryTimeout == 0 {
		c.QueryTimeout = 10 * time.Second
	}
	if c.SendTimeout == 0 {
		c.SendTimeout = 10 * time.Second
	}
	if c.BreakerMaxFailures == 0 {
		c.BreakerMaxFailures = 5
	}
	if c.BreakerOpenTimeout == 0 {
		c.BreakerOpenTimeout = 30 * time.Second
	}
	if c.ResumeBaseDelay == 0 {
		c.ResumeBaseDelay = 1 * time.Second
	}
	if c.ResumeMaxDelay == 0 {
		c.ResumeMaxDelay = 30 * time.Second
	}
	if c.ResumeJitter == 0 {
		c.ResumeJitter = 0.2
	}
	if c.MaxResumeAttempts == 0 {
		c.MaxResumeAttempts = 8
	}
	if c.ResubscribeDelay == 0 {
		c.ResubscribeDelay = 2 * time.Second
	}
	if c.FlushInterval == 0 {
		c.FlushInterval = 5 * time.Second
	}
	if c.MaxAutoRetries == 0 {
		c.MaxAutoRetries = 5
	}
	if c.DrainRate == 0 {
		c.DrainRate = 20
	}
	if c.DrainBurst == 0 {
		c.DrainBurst = 5
	}
	if c.DeliveryWindow == 0 {
		c.DeliveryWindow = 30 * time.Second
	}
}

// DefaultRooms is the built-in directory served when no source answers.
func DefaultRooms() []Room {
	return []Room{
		{ID: "general", Name: "General", Description: "Open discussion", Type: RoomPublic, Status: RoomActive},
	}
}

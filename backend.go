package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Backend is the realtime backend service the core talks to.
type Backend interface {
	// Insert writes record into table and returns the stored record.
	Insert(ctx context.Context, table string, record any) (json.RawMessage, error)
	Query(ctx context.Context, table string, q Query) ([]json.RawMessage, error)
	// Subscribe starts delivering events matching filter on channel to cb and
	// returns a handle for Unsubscribe.
	Subscribe(ctx context.Context, channel string, filter EventFilter, cb func(Event)) (string, error)
	Unsubscribe(ctx context.Context, handle string) error
	// PresenceTrack publishes this client's presence payload on channel.
	PresenceTrack(ctx context.Context, channel string, state PresenceEntry) error
	PresenceUntrack(ctx context.Context, channel, userID string) error
	// Bootstrap idempotently creates the backend schema.
	Bootstrap(ctx context.Context) error
}

// Query selects records by column equality.
type Query struct {
	Filter     map[string]any `json:"filter,omitempty"`
	OrderBy    string         `json:"orderBy,omitempty"`
	Descending bool           `json:"descending,omitempty"`
	Limit      int            `json:"limit,omitempty"`
}

// Subscription event kinds.
const (
	EventInsert        = "insert"
	EventPresenceSync  = "presence.sync"
	EventPresenceJoin  = "presence.join"
	EventPresenceLeave = "presence.leave"
	EventChannelError  = "channel.error"
)

// Filter kinds.
const (
	FilterInsert   = "insert"
	FilterPresence = "presence"
)

// EventFilter selects which events a subscription receives.
type EventFilter struct {
	Event  string `json:"event"`
	Table  string `json:"table,omitempty"`
	Column string `json:"column,omitempty"`
	Value  string `json:"value,omitempty"`
}

// Event is pushed by the backend to a subscription callback.
type Event struct {
	Type    string          `json:"type"`
	Channel string          `json:"channel"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func messagesChannel(roomID string) string { return "room:" + roomID + ":messages" }
func presenceChannel(roomID string) string { return "room:" + roomID + ":presence" }

// withBootstrap runs op. When op fails because a relation is missing, it
// bootstraps the schema once and retries op exactly once more; a second
// failure is returned as is.
func withBootstrap[T any](ctx context.Context, b Backend, op func() (T, error)) (T, error) {
	v, err := op()
	if err == nil || !errors.Is(err, ErrRelationMissing) {
		return v, err
	}
	if berr := b.Bootstrap(ctx); berr != nil {
		var zero T
		return zero, fmt.Errorf("bootstrap after %v: %w", err, berr)
	}
	return op()
}

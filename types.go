package chatsync

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents an error reported by the realtime backend.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// Is lets errors.Is match backend errors against the package sentinels.
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrRelationMissing:
		return e.Code == CodeRelationMissing
	case ErrNotConnected:
		return e.Code == CodeNotConnected
	}
	return false
}

// Backend error codes.
const (
	CodeRelationMissing = "42P01"
	CodeNotConnected    = "NOT_CONNECTED"
	CodeInvalidRequest  = "INVALID_REQUEST"
	CodeChannelError    = "CHANNEL_ERROR"
)

var (
	// ErrRelationMissing is returned when the backend has no table for a request.
	ErrRelationMissing = errors.New("relation does not exist")
	// ErrNotConnected is returned when the transport has no live connection.
	ErrNotConnected = errors.New("not connected")
	// ErrRoomNotFound is returned when no directory source knows a room id.
	ErrRoomNotFound = errors.New("room not found")
	// ErrInvalidTransition is returned for a delivery status change the state machine forbids.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrServerIDConflict is returned when a client id would map to a second server id.
	ErrServerIDConflict = errors.New("client id already mapped to a different server id")
	// ErrUnknownMessage is returned when a client id is not tracked.
	ErrUnknownMessage = errors.New("unknown message")
	// ErrSessionClosed is returned by operations on a torn-down session.
	ErrSessionClosed = errors.New("session closed")
	// ErrInvalidRecord is returned when a backend record fails validation.
	ErrInvalidRecord = errors.New("invalid record")
)

var validate = validator.New()

// ============================================================================
// Messages
// ============================================================================

// MessageStatus is the delivery state of a locally composed message.
type MessageStatus string

const (
	StatusComposed  MessageStatus = "composed"
	StatusQueued    MessageStatus = "queued"
	StatusSending   MessageStatus = "sending"
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusFailed    MessageStatus = "failed"
)

// Message is a chat message keyed by its client-generated id.
// Identity fields never change after composition; status, server id and
// translation are updated in place by the DeliveryTracker.
type Message struct {
	ClientID        string        `json:"clientId" validate:"required"`
	ServerID        string        `json:"id,omitempty"`
	RoomID          string        `json:"roomId" validate:"required"`
	SenderID        string        `json:"senderId" validate:"required"`
	Content         string        `json:"content"`
	Language        string        `json:"language,omitempty"`
	IsModerator     bool          `json:"isModerator,omitempty"`
	IsAnnouncement  bool          `json:"isAnnouncement,omitempty"`
	CreatedAt       time.Time     `json:"createdAt"`
	ServerCreatedAt *time.Time    `json:"serverCreatedAt,omitempty"`
	Status          MessageStatus `json:"status,omitempty"`

	TranslatedContent string `json:"translatedContent,omitempty"`
	TranslatedFor     string `json:"translatedFor,omitempty"`
}

// Draft holds the caller-supplied fields of a message about to be composed.
type Draft struct {
	SenderID       string
	Content        string
	Language       string
	IsModerator    bool
	IsAnnouncement bool
}

// messageRecord is the shape written to the backend messages table.
type messageRecord struct {
	ClientID       string    `json:"clientId"`
	RoomID         string    `json:"roomId"`
	SenderID       string    `json:"senderId"`
	Content        string    `json:"content"`
	Language       string    `json:"language,omitempty"`
	IsModerator    bool      `json:"isModerator"`
	IsAnnouncement bool      `json:"isAnnouncement"`
	CreatedAt      time.Time `json:"createdAt"`
}

func recordFor(m Message) messageRecord {
	return messageRecord{
		ClientID:       m.ClientID,
		RoomID:         m.RoomID,
		SenderID:       m.SenderID,
		Content:        m.Content,
		Language:       m.Language,
		IsModerator:    m.IsModerator,
		IsAnnouncement: m.IsAnnouncement,
		CreatedAt:      m.CreatedAt,
	}
}

// ============================================================================
// Outbox
// ============================================================================

// OutboxEntry is a message waiting for a confirmed send.
type OutboxEntry struct {
	Message      Message   `json:"message"`
	EnqueuedAt   time.Time `json:"enqueuedAt"`
	AttemptCount int       `json:"attemptCount"`
	LastError    string    `json:"lastError,omitempty"`
}

// ============================================================================
// Connection
// ============================================================================

// ConnectionState is a snapshot of the supervisor's view of the transport.
type ConnectionState struct {
	Online            bool `json:"online"`
	ReconnectAttempts int  `json:"reconnectAttempts"`
	PersistentFailure bool `json:"persistentFailure"`
}

// ============================================================================
// Rooms
// ============================================================================

type RoomType string

const (
	RoomPublic  RoomType = "public"
	RoomPrivate RoomType = "private"
)

type RoomStatus string

const (
	RoomActive RoomStatus = "active"
	RoomClosed RoomStatus = "closed"
)

// Room is a directory entry.
type Room struct {
	ID          string     `json:"id" validate:"required"`
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	Type        RoomType   `json:"type" validate:"oneof=public private"`
	Status      RoomStatus `json:"status" validate:"oneof=active closed"`
	AccessCode  string     `json:"accessCode,omitempty"`
}

// DirectoryCache is the persisted room list.
type DirectoryCache struct {
	Entries   []Room        `json:"entries"`
	FetchedAt time.Time     `json:"fetchedAt"`
	TTL       time.Duration `json:"ttl"`
}

// Fresh reports whether the cache may be served at now.
func (c *DirectoryCache) Fresh(now time.Time) bool {
	if c == nil || c.FetchedAt.IsZero() || c.TTL <= 0 {
		return false
	}
	return now.Sub(c.FetchedAt) < c.TTL
}

// AccessReason explains a room access decision.
type AccessReason string

const (
	AccessGranted       AccessReason = ""
	AccessRoomNotFound  AccessReason = "room-not-found"
	AccessRoomClosed    AccessReason = "room-closed"
	AccessIncorrectCode AccessReason = "incorrect-code"
)

// AccessResult is the outcome of ValidateRoomAccess.
type AccessResult struct {
	Granted bool         `json:"granted"`
	Reason  AccessReason `json:"reason,omitempty"`
	Room    *Room        `json:"room,omitempty"`
}

// AccessDeniedError is returned by Session.Join when room access is refused.
type AccessDeniedError struct {
	RoomID string
	Reason AccessReason
}

func (e *AccessDeniedError) Error() string {
	return fmt.Sprintf("access to room %s denied: %s", e.RoomID, e.Reason)
}

// ============================================================================
// Presence
// ============================================================================

// PresenceEntry is one connected participant.
type PresenceEntry struct {
	UserID      string    `json:"userId" validate:"required"`
	DisplayName string    `json:"displayName"`
	IsModerator bool      `json:"isModerator,omitempty"`
	Language    string    `json:"language,omitempty"`
	LastSeenAt  time.Time `json:"lastSeenAt"`
}

// ============================================================================
// Decoding
// ============================================================================

// decodeRecord unmarshals a backend record and validates it.
func decodeRecord[T any](data json.RawMessage) (T, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return v, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	if err := validate.Struct(v); err != nil {
		return v, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	return v, nil
}

func decodeRecords[T any](rows []json.RawMessage) ([]T, []error) {
	out := make([]T, 0, len(rows))
	var errs []error
	for _, row := range rows {
		v, err := decodeRecord[T](row)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, v)
	}
	return out, errs
}

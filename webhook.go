package chatsync

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ============================================================================
// Directory webhook types
// ============================================================================

// Directory event kinds.
const (
	DirectoryRoomsChanged = "rooms.changed"
	DirectoryRoomClosed   = "room.closed"
)

// SignatureHeader carries the hex HMAC-SHA256 of the request body.
const SignatureHeader = "X-Chatsync-Signature"

// maxWebhookBody bounds the request body read by the webhook handler.
const maxWebhookBody = 1 << 20

// DirectoryEvent is posted by a room directory service when its rooms change.
type DirectoryEvent struct {
	Event     string   `json:"event" validate:"oneof=rooms.changed room.closed"`
	Timestamp int64    `json:"timestamp" validate:"required"`
	RoomIDs   []string `json:"roomIds,omitempty"`
}

// VerifySignature checks an HMAC-SHA256 signature of body, with or without
// the "sha256=" prefix, in constant time.
func VerifySignature(body []byte, signature, secret string) bool {
	if len(body) == 0 || signature == "" || secret == "" {
		return false
	}
	sig := strings.TrimPrefix(signature, "sha256=")
	if sig == "" {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	if len(sig) != len(expected) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(sig), []byte(expected)) == 1
}

// ParseDirectoryEvent decodes and validates a webhook body.
func ParseDirectoryEvent(body []byte) (*DirectoryEvent, error) {
	var ev DirectoryEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, fmt.Errorf("invalid JSON in webhook body: %w", err)
	}
	if err := validate.Struct(ev); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	return &ev, nil
}

// ============================================================================
// DirectoryWebhook
// ============================================================================

// DirectoryWebhook receives signed change notifications from a directory
// service and drops the resolver's cached room list, so the next lookup
// sees the change before the cache TTL runs out.
type DirectoryWebhook struct {
	secret   string
	resolver *DirectoryResolver
	log      *zap.Logger
	maxSkew  time.Duration
	now      func() time.Time

	onEvent listeners[DirectoryEvent]
}

// NewDirectoryWebhook creates a webhook handler for resolver. Events older
// than five minutes are rejected.
func NewDirectoryWebhook(secret string, resolver *DirectoryResolver, log *zap.Logger) (*DirectoryWebhook, error) {
	if secret == "" {
		return nil, fmt.Errorf("webhook secret is required")
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &DirectoryWebhook{
		secret:   secret,
		resolver: resolver,
		log:      log,
		maxSkew:  5 * time.Minute,
		now:      time.Now,
	}, nil
}

// OnEvent registers a callback run after each accepted event.
func (w *DirectoryWebhook) OnEvent(fn func(DirectoryEvent)) {
	w.onEvent.add(fn)
}

// Handle verifies, parses and applies one webhook request. It returns the
// status code and response body for the caller to write.
func (w *DirectoryWebhook) Handle(ctx context.Context, body []byte, signature string) (int, any) {
	if !VerifySignature(body, signature, w.secret) {
		return http.StatusUnauthorized, map[string]string{"error": "Invalid signature"}
	}
	ev, err := ParseDirectoryEvent(body)
	if err != nil {
		return http.StatusBadRequest, map[string]string{"error": err.Error()}
	}
	if age := w.now().Sub(time.Unix(ev.Timestamp, 0)); age > w.maxSkew || age < -w.maxSkew {
		return http.StatusBadRequest, map[string]string{"error": "stale event"}
	}

	if err := w.resolver.Invalidate(ctx); err != nil {
		w.log.Error("directory invalidate failed", zap.Error(err))
		return http.StatusInternalServerError, map[string]string{"error": err.Error()}
	}
	w.log.Info("directory changed", zap.String("event", ev.Event), zap.Strings("rooms", ev.RoomIDs))
	w.onEvent.emit(*ev)
	return http.StatusOK, map[string]bool{"ok": true}
}

// ServeHTTP accepts POST requests signed in the X-Chatsync-Signature header.
//
// Example:
//
//	wh, _ := chatsync.NewDirectoryWebhook(secret, sess.Directory(), log)
//	http.Handle("/hooks/directory", wh)
func (w *DirectoryWebhook) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(rw, http.StatusMethodNotAllowed, map[string]string{"error": "Method not allowed"})
		return
	}
	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeJSON(rw, http.StatusBadRequest, map[string]string{"error": "Failed to read body"})
		return
	}
	status, data := w.Handle(r.Context(), body, r.Header.Get(SignatureHeader))
	writeJSON(rw, status, data)
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(v)
}

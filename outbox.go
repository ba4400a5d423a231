package chatsync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// SendFunc delivers one queued message. A nil error means the backend
// accepted it and the entry may leave the queue.
type SendFunc func(ctx context.Context, msg Message) error

// DrainMode selects which entries a drain attempts.
type DrainMode int

const (
	// DrainAll attempts every entry. Used on reconnect and manual retry.
	DrainAll DrainMode = iota
	// DrainPeriodic skips entries that reached the automatic retry limit.
	DrainPeriodic
)

// DrainResult summarizes one drain pass.
type DrainResult struct {
	Attempted int
	Sent      int
	Failed    int
	Skipped   int
	// Busy is true when the pass did nothing because another drain was running
	// or the connection was offline.
	Busy bool
}

// Outbox is the durable queue of messages not yet accepted by the backend.
// The in-memory slice only changes after the persisted copy was written.
type Outbox struct {
	roomID         string
	store          Store
	log            *zap.Logger
	limiter        *rate.Limiter
	maxAutoRetries int
	now            func() time.Time

	mu       sync.Mutex
	entries  []OutboxEntry
	draining bool
}

// NewOutbox creates an empty outbox for roomID. Call Load to restore a
// persisted queue.
func NewOutbox(roomID string, store Store, cfg *Config) *Outbox {
	if cfg == nil {
		cfg = &Config{}
	}
	cfg.defaults()
	return &Outbox{
		roomID:         roomID,
		store:          store,
		log:            cfg.Logger.With(zap.String("room", roomID)),
		limiter:        rate.NewLimiter(rate.Limit(cfg.DrainRate), cfg.DrainBurst),
		maxAutoRetries: cfg.MaxAutoRetries,
		now:            time.Now,
	}
}

// Load replaces the in-memory queue with the persisted one.
func (o *Outbox) Load(ctx context.Context) ([]OutboxEntry, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	entries, _, err := loadJSON[[]OutboxEntry](ctx, o.store, outboxKey(o.roomID))
	if err != nil {
		return nil, fmt.Errorf("load outbox: %w", err)
	}
	o.entries = entries
	return append([]OutboxEntry(nil), entries...), nil
}

// Enqueue adds msg. Re-enqueuing a known ClientID replaces its payload in
// place and keeps its position and attempt count.
func (o *Outbox) Enqueue(ctx context.Context, msg Message) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	next := append([]OutboxEntry(nil), o.entries...)
	if i := indexOf(next, msg.ClientID); i >= 0 {
		next[i].Message = msg
	} else {
		next = append(next, OutboxEntry{Message: msg, EnqueuedAt: o.now()})
	}
	return o.commitLocked(ctx, next)
}

// Dequeue removes clientID. Removing an absent id is a no-op.
func (o *Outbox) Dequeue(ctx context.Context, clientID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	i := indexOf(o.entries, clientID)
	if i < 0 {
		return nil
	}
	next := make([]OutboxEntry, 0, len(o.entries)-1)
	next = append(next, o.entries[:i]...)
	next = append(next, o.entries[i+1:]...)
	return o.commitLocked(ctx, next)
}

// Entries returns a copy of the queue in enqueue order.
func (o *Outbox) Entries() []OutboxEntry {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]OutboxEntry(nil), o.entries...)
}

// Len returns the number of queued entries.
func (o *Outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.entries)
}

// Has reports whether clientID is queued.
func (o *Outbox) Has(clientID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return indexOf(o.entries, clientID) >= 0
}

// Drain attempts every entry of a snapshot taken at the start of the pass.
// It is a no-op when online reports false or another drain is in progress.
// Entries removed while the pass runs are not sent; entries whose send
// fails stay queued with their attempt count raised.
func (o *Outbox) Drain(ctx context.Context, mode DrainMode, online func() bool, send SendFunc) (DrainResult, error) {
	o.mu.Lock()
	if o.draining || !online() {
		o.mu.Unlock()
		return DrainResult{Busy: true}, nil
	}
	o.draining = true
	snapshot := append([]OutboxEntry(nil), o.entries...)
	o.mu.Unlock()

	defer func() {
		o.mu.Lock()
		o.draining = false
		o.mu.Unlock()
	}()

	var res DrainResult
	for _, entry := range snapshot {
		if !online() {
			break
		}
		if !o.Has(entry.Message.ClientID) {
			continue
		}
		if mode == DrainPeriodic && entry.AttemptCount >= o.maxAutoRetries {
			res.Skipped++
			continue
		}
		if err := o.limiter.Wait(ctx); err != nil {
			return res, err
		}

		res.Attempted++
		if err := send(ctx, entry.Message); err != nil {
			res.Failed++
			o.log.Warn("outbox send failed",
				zap.String("clientId", entry.Message.ClientID),
				zap.Int("attempt", entry.AttemptCount+1),
				zap.Error(err))
			if rerr := o.recordFailure(ctx, entry.Message.ClientID, err); rerr != nil {
				o.log.Error("outbox persist failed", zap.Error(rerr))
			}
			continue
		}
		res.Sent++
		if err := o.Dequeue(ctx, entry.Message.ClientID); err != nil {
			o.log.Error("outbox persist failed", zap.Error(err))
		}
	}
	return res, nil
}

func (o *Outbox) recordFailure(ctx context.Context, clientID string, cause error) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	i := indexOf(o.entries, clientID)
	if i < 0 {
		return nil
	}
	next := append([]OutboxEntry(nil), o.entries...)
	next[i].AttemptCount++
	next[i].LastError = cause.Error()
	return o.commitLocked(ctx, next)
}

// commitLocked persists next and then installs it. o.mu must be held.
func (o *Outbox) commitLocked(ctx context.Context, next []OutboxEntry) error {
	key := outboxKey(o.roomID)
	var err error
	if len(next) == 0 {
		err = o.store.Remove(ctx, key)
	} else {
		err = saveJSON(ctx, o.store, key, next)
	}
	if err != nil {
		return fmt.Errorf("persist outbox: %w", err)
	}
	o.entries = next
	return nil
}

func indexOf(entries []OutboxEntry, clientID string) int {
	for i := range entries {
		if entries[i].Message.ClientID == clientID {
			return i
		}
	}
	return -1
}

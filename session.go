package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Session is the sync core of one chat room. It owns the delivery tracker,
// presence set, subscriptions, outbox, directory resolver and connection
// supervisor for that room; sessions share nothing with each other.
type Session struct {
	roomID  string
	cfg     Config
	log     *zap.Logger
	backend Backend
	now     func() time.Time

	tracker    *DeliveryTracker
	presence   *PresenceSet
	subs       *SubscriptionManager
	outbox     *Outbox
	directory  *DirectoryResolver
	supervisor *ConnectionSupervisor

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	opened bool
	closed bool

	onAnomaly listeners[Message]
}

// NewSession wires the components of a room session. Nothing runs until Open.
func NewSession(roomID string, backend Backend, store Store, cfg *Config) (*Session, error) {
	if roomID == "" {
		return nil, errors.New("chatsync: room id is required")
	}
	if backend == nil || store == nil {
		return nil, errors.New("chatsync: backend and store are required")
	}
	var c Config
	if cfg != nil {
		c = *cfg
	}
	c.defaults()
	log := c.Logger.With(zap.String("room", roomID))
	c.Logger = log

	primary, secondary := c.PrimarySource, c.SecondarySource
	if primary == nil {
		primary = NewBackendRoomSource(backend, c.PrimaryRoomsTable, log)
	}
	if secondary == nil {
		secondary = NewBackendRoomSource(backend, c.SecondaryRoomTable, log)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		roomID:    roomID,
		cfg:       c,
		log:       log,
		backend:   backend,
		now:       time.Now,
		tracker:   NewDeliveryTracker(log),
		presence:  NewPresenceSet(),
		outbox:    NewOutbox(roomID, store, &c),
		directory: NewDirectoryResolver(primary, secondary, store, &c),
		ctx:       ctx,
		cancel:    cancel,
	}
	s.subs = NewSubscriptionManager(backend, s.tracker, s.presence, &c)
	s.supervisor = NewConnectionSupervisor(s.subs, &c, s.restore)
	s.subs.OnFailure(s.supervisor.ReportChannelFailure)
	s.tracker.OnStatusChange(s.settle)
	return s, nil
}

// RoomID returns the room this session serves.
func (s *Session) RoomID() string { return s.roomID }

func (s *Session) Tracker() *DeliveryTracker              { return s.tracker }
func (s *Session) Presence() *PresenceSet                 { return s.presence }
func (s *Session) Subscriptions() *SubscriptionManager    { return s.subs }
func (s *Session) Outbox() *Outbox                        { return s.outbox }
func (s *Session) Directory() *DirectoryResolver          { return s.directory }
func (s *Session) Supervisor() *ConnectionSupervisor      { return s.supervisor }
func (s *Session) State() ConnectionState                 { return s.supervisor.State() }
func (s *Session) OnStatusChange(fn func(Message))        { s.tracker.OnStatusChange(fn) }
func (s *Session) OnConnectionChanged(fn func(bool))      { s.supervisor.OnConnectionChanged(fn) }
func (s *Session) OnPersistentFailure(fn func(err error)) { s.supervisor.OnPersistentFailure(fn) }

// OnDeliveryAnomaly registers a handler for messages that stayed Sent longer
// than the delivery window without an echo. Each message is reported once.
func (s *Session) OnDeliveryAnomaly(fn func(Message)) {
	s.onAnomaly.add(fn)
}

// Open restores the persisted outbox and starts the periodic flush.
func (s *Session) Open(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if s.opened {
		s.mu.Unlock()
		return nil
	}
	s.opened = true
	s.mu.Unlock()

	entries, err := s.outbox.Load(ctx)
	if err != nil {
		return err
	}
	for _, e := range entries {
		msg := e.Message
		if msg.Status != StatusFailed {
			msg.Status = StatusQueued
		}
		s.tracker.Track(msg)
	}
	if len(entries) > 0 {
		s.log.Info("restored outbox", zap.Int("entries", len(entries)))
	}

	if s.cfg.FlushInterval > 0 {
		s.wg.Add(1)
		go s.flushLoop()
	}
	return nil
}

// Join checks room access, subscribes to the room's messages and presence
// and announces self when non-nil. A refused access is returned as
// *AccessDeniedError. Subscribe failures are retried in the background.
func (s *Session) Join(ctx context.Context, accessCode string, self *PresenceEntry, onMessage func(Message), onPresence func([]PresenceEntry)) error {
	if s.isClosed() {
		return ErrSessionClosed
	}
	res, err := s.directory.ValidateRoomAccess(ctx, s.roomID, accessCode)
	if err != nil {
		return fmt.Errorf("join %s: %w", s.roomID, err)
	}
	if !res.Granted {
		return &AccessDeniedError{RoomID: s.roomID, Reason: res.Reason}
	}

	var errs []error
	if err := s.subs.SubscribeMessages(ctx, s.roomID, onMessage); err != nil {
		errs = append(errs, err)
	}
	if err := s.subs.SubscribePresence(ctx, s.roomID, onPresence); err != nil {
		errs = append(errs, err)
	}
	if self != nil {
		if err := s.subs.TrackPresence(ctx, s.roomID, *self); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		if errors.Is(err, ErrSessionClosed) {
			return err
		}
		s.log.Warn("join subscribe failed", zap.Error(err))
		s.supervisor.ReportChannelFailure(err)
	}
	return nil
}

// Send composes a message from d. While online it is sent at once; when
// offline, or when the send fails, it is queued for a later drain. Transient
// send errors are not returned.
func (s *Session) Send(ctx context.Context, d Draft) (Message, error) {
	if s.isClosed() {
		return Message{}, ErrSessionClosed
	}
	msg := Message{
		ClientID:       uuid.NewString(),
		RoomID:         s.roomID,
		SenderID:       d.SenderID,
		Content:        d.Content,
		Language:       d.Language,
		IsModerator:    d.IsModerator,
		IsAnnouncement: d.IsAnnouncement,
		CreatedAt:      s.now().UTC(),
		Status:         StatusComposed,
	}
	if err := validate.Struct(msg); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	s.tracker.Track(msg)

	if s.supervisor.IsOnline() {
		err := s.deliver(ctx, msg)
		if err == nil {
			m, _ := s.tracker.Get(msg.ClientID)
			return m, nil
		}
		s.log.Warn("send failed, queueing", zap.String("clientId", msg.ClientID), zap.Error(err))
	} else if err := s.tracker.Transition(msg.ClientID, StatusQueued); err != nil {
		return msg, err
	}

	m, _ := s.tracker.Get(msg.ClientID)
	if m.Status == StatusSent || m.Status == StatusDelivered {
		return m, nil
	}
	if err := s.outbox.Enqueue(ctx, m); err != nil {
		return m, err
	}
	return m, nil
}

// Retry re-queues clientID if needed and drains the whole outbox.
func (s *Session) Retry(ctx context.Context, clientID string) (DrainResult, error) {
	if s.isClosed() {
		return DrainResult{}, ErrSessionClosed
	}
	if !s.outbox.Has(clientID) {
		m, ok := s.tracker.Get(clientID)
		if !ok {
			return DrainResult{}, fmt.Errorf("%w: %s", ErrUnknownMessage, clientID)
		}
		if m.Status == StatusSent || m.Status == StatusDelivered {
			return DrainResult{}, nil
		}
		if err := s.outbox.Enqueue(ctx, m); err != nil {
			return DrainResult{}, err
		}
	}
	return s.Flush(ctx, DrainAll)
}

// Flush drains the outbox through the backend.
func (s *Session) Flush(ctx context.Context, mode DrainMode) (DrainResult, error) {
	return s.outbox.Drain(ctx, mode, s.supervisor.IsOnline, s.deliver)
}

// ReportTransportSignal feeds the environment's network status.
func (s *Session) ReportTransportSignal(online bool) {
	s.supervisor.ReportTransportSignal(online)
}

// Rooms resolves the room directory.
func (s *Session) Rooms(ctx context.Context, activeOnly bool) ([]Room, error) {
	return s.directory.ResolveRooms(ctx, activeOnly)
}

// Messages returns every locally composed message of this session.
func (s *Session) Messages() []Message {
	return s.tracker.Messages()
}

// Close cancels the flush loop, pending resume retries and every channel of
// this room. Queued messages stay persisted.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
	s.supervisor.Close()
	s.subs.Close(ctx)
	s.onAnomaly.clear()
	return nil
}

// ============================================================================
// Internals
// ============================================================================

// deliver inserts one message. The insert is idempotent on ClientID, so a
// retry after a lost reply binds to the record created by the first attempt.
func (s *Session) deliver(ctx context.Context, msg Message) error {
	cur := s.tracker.Track(msg)
	if cur.Status == StatusSent || cur.Status == StatusDelivered {
		return nil
	}
	if err := s.tracker.Transition(cur.ClientID, StatusSending); err != nil {
		return err
	}

	sctx, cancel := context.WithTimeout(ctx, s.cfg.SendTimeout)
	defer cancel()
	raw, err := withBootstrap(sctx, s.backend, func() (json.RawMessage, error) {
		return s.backend.Insert(sctx, s.cfg.MessagesTable, recordFor(cur))
	})
	if err == nil {
		var stored Message
		if stored, err = decodeRecord[Message](raw); err == nil {
			return s.tracker.MarkSent(cur.ClientID, stored.ServerID, stored.ServerCreatedAt)
		}
	}
	if terr := s.tracker.Transition(cur.ClientID, StatusFailed); terr != nil && !errors.Is(terr, ErrInvalidTransition) {
		s.log.Error("mark failed", zap.String("clientId", cur.ClientID), zap.Error(terr))
	}
	return err
}

// settle removes confirmed messages from the outbox.
func (s *Session) settle(m Message) {
	if m.Status != StatusSent && m.Status != StatusDelivered {
		return
	}
	if err := s.outbox.Dequeue(context.Background(), m.ClientID); err != nil {
		s.log.Error("outbox dequeue failed", zap.String("clientId", m.ClientID), zap.Error(err))
	}
}

// restore runs after the supervisor resumed the subscriptions.
func (s *Session) restore(ctx context.Context) {
	res, err := s.Flush(ctx, DrainAll)
	if err != nil {
		s.log.Warn("drain after reconnect failed", zap.Error(err))
	} else if res.Attempted > 0 {
		s.log.Info("drained outbox", zap.Int("sent", res.Sent), zap.Int("failed", res.Failed))
	}
	if _, err := s.directory.Refresh(ctx); err != nil {
		s.log.Warn("directory refresh failed", zap.Error(err))
	}
}

func (s *Session) flushLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Flush(s.ctx, DrainPeriodic); err != nil && s.ctx.Err() == nil {
				s.log.Warn("periodic flush failed", zap.Error(err))
			}
			for _, m := range s.tracker.Overdue(s.cfg.DeliveryWindow) {
				s.log.Warn("message sent but not echoed",
					zap.String("clientId", m.ClientID),
					zap.String("serverId", m.ServerID),
					zap.Duration("window", s.cfg.DeliveryWindow))
				s.onAnomaly.emit(m)
			}
		}
	}
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

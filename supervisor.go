package chatsync

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// Resumer is the subscription side the supervisor drives.
type Resumer interface {
	Pause(ctx context.Context)
	Resume(ctx context.Context) error
}

type reconnectEvent struct {
	attempt int
	delay   time.Duration
}

// ConnectionSupervisor owns the online/offline state of a session. An
// online signal resumes subscriptions with capped exponential backoff; an
// offline signal pauses them and cancels any pending retry.
type ConnectionSupervisor struct {
	resumer     Resumer
	onRestore   func(ctx context.Context)
	log         *zap.Logger
	baseDelay   time.Duration
	maxDelay    time.Duration
	jitter      float64
	maxAttempts int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.Mutex
	state       ConnectionState
	generation  uint64
	cancelRetry context.CancelFunc
	closed      bool

	onChange       listeners[bool]
	onReconnecting listeners[reconnectEvent]
	onPersistent   listeners[error]
}

// NewConnectionSupervisor creates a supervisor that starts Online. onRestore
// runs after every successful resume.
func NewConnectionSupervisor(resumer Resumer, cfg *Config, onRestore func(ctx context.Context)) *ConnectionSupervisor {
	if cfg == nil {
		cfg = &Config{}
	}
	cfg.defaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &ConnectionSupervisor{
		resumer:     resumer,
		onRestore:   onRestore,
		log:         cfg.Logger,
		baseDelay:   cfg.ResumeBaseDelay,
		maxDelay:    cfg.ResumeMaxDelay,
		jitter:      cfg.ResumeJitter,
		maxAttempts: cfg.MaxResumeAttempts,
		ctx:         ctx,
		cancel:      cancel,
		state:       ConnectionState{Online: true},
	}
}

// OnConnectionChanged registers a handler for online/offline transitions.
func (s *ConnectionSupervisor) OnConnectionChanged(fn func(online bool)) {
	s.onChange.add(fn)
}

// OnReconnecting registers a handler called before each delayed resume attempt.
func (s *ConnectionSupervisor) OnReconnecting(fn func(attempt int, delay time.Duration)) {
	if fn == nil {
		return
	}
	s.onReconnecting.add(func(e reconnectEvent) { fn(e.attempt, e.delay) })
}

// OnPersistentFailure registers a handler for the "unable to reconnect" state.
func (s *ConnectionSupervisor) OnPersistentFailure(fn func(err error)) {
	s.onPersistent.add(fn)
}

// State returns a snapshot of the connection state.
func (s *ConnectionSupervisor) State() ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// IsOnline reports the current online state.
func (s *ConnectionSupervisor) IsOnline() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Online && !s.closed
}

// ReportTransportSignal feeds the environment's network status. A signal
// equal to the current state is ignored.
func (s *ConnectionSupervisor) ReportTransportSignal(online bool) {
	s.mu.Lock()
	if s.closed || s.state.Online == online {
		s.mu.Unlock()
		return
	}
	s.state.Online = online
	if online {
		s.state.PersistentFailure = false
	}
	s.stopRetryLocked()
	s.mu.Unlock()

	s.log.Info("connection changed", zap.Bool("online", online))
	s.onChange.emit(online)

	if !online {
		s.resumer.Pause(s.ctx)
		return
	}
	s.startResume()
}

// ReportChannelFailure handles a channel fault the subscription side could
// not recover from. While online it restarts the backoff resume routine.
func (s *ConnectionSupervisor) ReportChannelFailure(err error) {
	s.mu.Lock()
	online := s.state.Online && !s.closed
	s.mu.Unlock()
	if !online {
		return
	}
	s.log.Warn("channel failure, resuming", zap.Error(err))
	s.startResume()
}

// Close cancels any pending retry and waits for the resume routine to exit.
func (s *ConnectionSupervisor) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.stopRetryLocked()
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
	s.onChange.clear()
	s.onReconnecting.clear()
	s.onPersistent.clear()
}

func (s *ConnectionSupervisor) stopRetryLocked() {
	s.generation++
	if s.cancelRetry != nil {
		s.cancelRetry()
		s.cancelRetry = nil
	}
}

func (s *ConnectionSupervisor) startResume() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.stopRetryLocked()
	ctx, cancel := context.WithCancel(s.ctx)
	s.cancelRetry = cancel
	gen := s.generation
	s.wg.Add(1)
	s.mu.Unlock()

	go s.resumeLoop(ctx, cancel, gen)
}

func (s *ConnectionSupervisor) newBackOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.baseDelay
	b.MaxInterval = s.maxDelay
	b.Multiplier = 2
	b.RandomizationFactor = s.jitter
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(s.maxAttempts)), ctx)
}

func (s *ConnectionSupervisor) resumeLoop(ctx context.Context, cancel context.CancelFunc, gen uint64) {
	defer s.wg.Done()
	defer cancel()

	op := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		return s.resumer.Resume(ctx)
	}
	notify := func(err error, delay time.Duration) {
		s.mu.Lock()
		if s.generation != gen {
			s.mu.Unlock()
			return
		}
		s.state.ReconnectAttempts++
		attempt := s.state.ReconnectAttempts
		s.mu.Unlock()
		s.log.Warn("resume failed", zap.Int("attempt", attempt), zap.Duration("retryIn", delay), zap.Error(err))
		s.onReconnecting.emit(reconnectEvent{attempt: attempt, delay: delay})
	}

	err := backoff.RetryNotify(op, s.newBackOff(ctx), notify)
	if ctx.Err() != nil {
		return
	}

	s.mu.Lock()
	if s.generation != gen {
		s.mu.Unlock()
		return
	}
	if err == nil {
		s.state.ReconnectAttempts = 0
		s.mu.Unlock()
		if s.onRestore != nil {
			s.onRestore(ctx)
		}
		return
	}
	s.state.Online = false
	s.state.PersistentFailure = true
	attempts := s.state.ReconnectAttempts
	s.mu.Unlock()

	s.log.Error("unable to reconnect", zap.Int("attempts", attempts), zap.Error(err))
	s.onChange.emit(false)
	s.onPersistent.emit(err)
	s.resumer.Pause(s.ctx)
}

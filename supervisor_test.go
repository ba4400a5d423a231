package chatsync

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeResumer fails the first failN Resume calls.
type fakeResumer struct {
	mu      sync.Mutex
	failN   int
	pauses  int
	resumes int
	block   chan struct{}
}

func (f *fakeResumer) Pause(context.Context) {
	f.mu.Lock()
	f.pauses++
	f.mu.Unlock()
}

func (f *fakeResumer) Resume(ctx context.Context) error {
	f.mu.Lock()
	f.resumes++
	fail := f.failN != 0
	if f.failN > 0 {
		f.failN--
	}
	block := f.block
	f.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if fail {
		return errInjected
	}
	return nil
}

func (f *fakeResumer) counts() (pauses, resumes int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pauses, f.resumes
}

func newSupervisor(t *testing.T, r Resumer, cfg *Config, onRestore func(context.Context)) *ConnectionSupervisor {
	t.Helper()
	if cfg == nil {
		cfg = testConfig()
	}
	s := NewConnectionSupervisor(r, cfg, onRestore)
	t.Cleanup(s.Close)
	return s
}

func TestConnectionSupervisor_Signals(t *testing.T) {
	t.Run("starts online", func(t *testing.T) {
		s := newSupervisor(t, &fakeResumer{}, nil, nil)
		assert.True(t, s.IsOnline())
		assert.Equal(t, ConnectionState{Online: true}, s.State())
	})

	t.Run("repeated signals are debounced", func(t *testing.T) {
		r := &fakeResumer{}
		s := newSupervisor(t, r, nil, nil)
		var changes recorder[bool]
		s.OnConnectionChanged(changes.add)

		s.ReportTransportSignal(true)
		s.ReportTransportSignal(false)
		s.ReportTransportSignal(false)
		assert.Equal(t, []bool{false}, changes.all())
		pauses, _ := r.counts()
		assert.Equal(t, 1, pauses)
	})

	t.Run("online resumes and restores", func(t *testing.T) {
		r := &fakeResumer{}
		restored := make(chan struct{}, 1)
		s := newSupervisor(t, r, nil, func(context.Context) { restored <- struct{}{} })

		s.ReportTransportSignal(false)
		s.ReportTransportSignal(true)
		select {
		case <-restored:
		case <-time.After(2 * time.Second):
			t.Fatal("restore not called")
		}
		_, resumes := r.counts()
		assert.Equal(t, 1, resumes)
		assert.Equal(t, ConnectionState{Online: true}, s.State())
	})

	t.Run("failed resumes are retried with backoff", func(t *testing.T) {
		r := &fakeResumer{failN: 2}
		restored := make(chan struct{}, 1)
		s := newSupervisor(t, r, nil, func(context.Context) { restored <- struct{}{} })
		var attempts recorder[int]
		s.OnReconnecting(func(attempt int, delay time.Duration) {
			assert.Positive(t, delay)
			attempts.add(attempt)
		})

		s.ReportTransportSignal(false)
		s.ReportTransportSignal(true)
		select {
		case <-restored:
		case <-time.After(2 * time.Second):
			t.Fatal("restore not called")
		}
		assert.Equal(t, []int{1, 2}, attempts.all())
		assert.Zero(t, s.State().ReconnectAttempts)
	})

	t.Run("gives up after max attempts", func(t *testing.T) {
		cfg := testConfig()
		cfg.MaxResumeAttempts = 3
		r := &fakeResumer{failN: -1}
		s := newSupervisor(t, r, cfg, nil)
		failed := make(chan error, 1)
		s.OnPersistentFailure(func(err error) { failed <- err })

		s.ReportTransportSignal(false)
		s.ReportTransportSignal(true)
		select {
		case err := <-failed:
			assert.ErrorIs(t, err, errInjected)
		case <-time.After(2 * time.Second):
			t.Fatal("no persistent failure")
		}
		st := s.State()
		assert.False(t, st.Online)
		assert.True(t, st.PersistentFailure)
		assert.Equal(t, 3, st.ReconnectAttempts)
		_, resumes := r.counts()
		assert.Equal(t, 4, resumes)

		// a fresh online signal starts over
		r.mu.Lock()
		r.failN = 0
		r.mu.Unlock()
		s.ReportTransportSignal(true)
		assert.False(t, s.State().PersistentFailure)
	})

	t.Run("offline cancels a pending resume", func(t *testing.T) {
		r := &fakeResumer{block: make(chan struct{})}
		s := newSupervisor(t, r, nil, func(context.Context) { t.Error("restore after offline") })

		s.ReportTransportSignal(false)
		s.ReportTransportSignal(true)
		require.Eventually(t, func() bool {
			_, resumes := r.counts()
			return resumes == 1
		}, time.Second, 5*time.Millisecond)

		s.ReportTransportSignal(false)
		close(r.block)
		time.Sleep(50 * time.Millisecond)
		assert.False(t, s.IsOnline())
		pauses, _ := r.counts()
		assert.Equal(t, 2, pauses)
	})

	t.Run("channel failure restarts resume while online", func(t *testing.T) {
		r := &fakeResumer{}
		s := newSupervisor(t, r, nil, nil)
		s.ReportChannelFailure(errInjected)
		require.Eventually(t, func() bool {
			_, resumes := r.counts()
			return resumes == 1
		}, time.Second, 5*time.Millisecond)

		s.ReportTransportSignal(false)
		s.ReportChannelFailure(errInjected)
		time.Sleep(20 * time.Millisecond)
		_, resumes := r.counts()
		assert.Equal(t, 1, resumes)
	})

	t.Run("closed supervisor ignores signals", func(t *testing.T) {
		r := &fakeResumer{}
		s := NewConnectionSupervisor(r, testConfig(), nil)
		s.Close()
		s.ReportTransportSignal(false)
		assert.False(t, s.IsOnline())
		pauses, _ := r.counts()
		assert.Zero(t, pauses)
	})
}

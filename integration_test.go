//go:build integration

package chatsync_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/LuminPulse-AI/chatsync"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// helpers ---------------------------------------------------------------

func backendURL(t *testing.T) string {
	t.Helper()
	u := os.Getenv("CHATSYNC_BACKEND_URL")
	if u == "" {
		t.Fatal("CHATSYNC_BACKEND_URL environment variable is required")
	}
	return u
}

func connect(t *testing.T) *chatsync.RealtimeWSBackend {
	t.Helper()
	ws := chatsync.NewRealtimeWSBackend(backendURL(t), &chatsync.RealtimeConfig{
		Token:         os.Getenv("CHATSYNC_TOKEN"),
		AutoReconnect: true,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, ws.Connect(ctx))
	t.Cleanup(func() { _ = ws.Disconnect() })
	return ws
}

func uniqueName(prefix string) string {
	return fmt.Sprintf("%s_%d", prefix, time.Now().UnixNano())
}

func openSession(t *testing.T, ws *chatsync.RealtimeWSBackend, store chatsync.Store) *chatsync.Session {
	t.Helper()
	sess, err := chatsync.NewSession("general", ws, store, &chatsync.Config{FlushInterval: -1})
	require.NoError(t, err)
	ws.OnConnected(func() { sess.ReportTransportSignal(true) })
	ws.OnDisconnected(func(string) { sess.ReportTransportSignal(false) })
	require.NoError(t, sess.Open(context.Background()))
	t.Cleanup(func() { _ = sess.Close(context.Background()) })
	return sess
}

// =======================================================================
// Group 1: Directory
// =======================================================================

func TestIntegration_Directory(t *testing.T) {
	ctx := context.Background()
	sess := openSession(t, connect(t), chatsync.NewMemoryStore())

	rooms, err := sess.Rooms(ctx, true)
	require.NoError(t, err)
	assert.NotEmpty(t, rooms)
	for _, r := range rooms {
		assert.Equal(t, chatsync.RoomActive, r.Status, r.ID)
	}
}

// =======================================================================
// Group 2: Send and echo
// =======================================================================

func TestIntegration_SendEcho(t *testing.T) {
	ctx := context.Background()
	sess := openSession(t, connect(t), chatsync.NewMemoryStore())
	require.NoError(t, sess.Join(ctx, "", &chatsync.PresenceEntry{UserID: uniqueName("it")}, nil, nil))

	msg, err := sess.Send(ctx, chatsync.Draft{SenderID: uniqueName("it"), Content: uniqueName("hello")})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		m, _ := sess.Tracker().Get(msg.ClientID)
		return m.Status == chatsync.StatusDelivered
	}, 10*time.Second, 100*time.Millisecond)
}

// =======================================================================
// Group 3: Offline queue
// =======================================================================

func TestIntegration_OfflineQueue(t *testing.T) {
	ctx := context.Background()
	sess := openSession(t, connect(t), chatsync.NewMemoryStore())
	require.NoError(t, sess.Join(ctx, "", nil, nil, nil))

	sess.ReportTransportSignal(false)
	var ids []string
	for i := 0; i < 3; i++ {
		msg, err := sess.Send(ctx, chatsync.Draft{SenderID: "it", Content: uniqueName(fmt.Sprintf("queued-%d", i))})
		require.NoError(t, err)
		ids = append(ids, msg.ClientID)
	}
	require.Equal(t, 3, sess.Outbox().Len())

	sess.ReportTransportSignal(true)
	require.Eventually(t, func() bool { return sess.Outbox().Len() == 0 }, 15*time.Second, 100*time.Millisecond)
	for _, id := range ids {
		m, _ := sess.Tracker().Get(id)
		assert.Contains(t, []chatsync.MessageStatus{chatsync.StatusSent, chatsync.StatusDelivered}, m.Status)
	}
}

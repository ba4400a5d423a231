package redisstore

import (
	"context"
	"os"
	"testing"

	"github.com/LuminPulse-AI/chatsync"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var _ chatsync.Store = (*Store)(nil)

// Requires a Redis server: CHATSYNC_REDIS_ADDR=localhost:6379 go test ./redisstore
func TestStore(t *testing.T) {
	addr := os.Getenv("CHATSYNC_REDIS_ADDR")
	if addr == "" {
		t.Skip("CHATSYNC_REDIS_ADDR not set")
	}
	ctx := context.Background()
	s, err := Dial(ctx, Options{Addr: addr, Prefix: "test-" + uuid.NewString() + ":"})
	require.NoError(t, err)
	defer s.Close()

	t.Run("missing key", func(t *testing.T) {
		_, ok, err := s.Get(ctx, "nope")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("set get remove", func(t *testing.T) {
		require.NoError(t, s.Set(ctx, "k", []byte("v1")))
		require.NoError(t, s.Set(ctx, "k", []byte("v2")))
		v, ok, err := s.Get(ctx, "k")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, []byte("v2"), v)

		require.NoError(t, s.Remove(ctx, "k"))
		require.NoError(t, s.Remove(ctx, "k"))
		_, ok, err = s.Get(ctx, "k")
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestDial_Unreachable(t *testing.T) {
	_, err := Dial(context.Background(), Options{Addr: "127.0.0.1:1"})
	assert.Error(t, err)
}

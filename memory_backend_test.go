package chatsync

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryBackend(t *testing.T) {
	ctx := context.Background()

	t.Run("tables exist only after bootstrap", func(t *testing.T) {
		mb := NewMemoryBackend()
		defer mb.Close()

		_, err := mb.Insert(ctx, MessagesTable, map[string]any{"clientId": "c1"})
		assert.ErrorIs(t, err, ErrRelationMissing)
		_, err = mb.Query(ctx, RoomsTable, Query{})
		assert.ErrorIs(t, err, ErrRelationMissing)

		require.NoError(t, mb.Bootstrap(ctx))
		require.NoError(t, mb.Bootstrap(ctx))
		_, err = mb.Insert(ctx, MessagesTable, map[string]any{"clientId": "c1"})
		assert.NoError(t, err)
	})

	t.Run("insert is idempotent on client id", func(t *testing.T) {
		mb := newTestBackend(t)
		first, err := mb.Insert(ctx, MessagesTable, map[string]any{"clientId": "c1", "content": "a"})
		require.NoError(t, err)
		second, err := mb.Insert(ctx, MessagesTable, map[string]any{"clientId": "c1", "content": "b"})
		require.NoError(t, err)
		assert.JSONEq(t, string(first), string(second))
		assert.Equal(t, 1, mb.Count(MessagesTable))
	})

	t.Run("query filters orders and limits", func(t *testing.T) {
		mb := newTestBackend(t)
		rows, err := mb.Query(ctx, RoomsTable, Query{Filter: map[string]any{"status": "active"}, OrderBy: "name", Descending: true})
		require.NoError(t, err)
		rooms, errs := decodeRecords[Room](rows)
		require.Empty(t, errs)
		assert.Equal(t, []string{"staff", "general"}, roomIDs(rooms))

		rows, err = mb.Query(ctx, RoomsTable, Query{OrderBy: "name", Limit: 1})
		require.NoError(t, err)
		require.Len(t, rows, 1)
		var r Room
		require.NoError(t, json.Unmarshal(rows[0], &r))
		assert.Equal(t, "archive", r.ID)
	})

	t.Run("insert events honour the filter", func(t *testing.T) {
		mb := newTestBackend(t)
		var general, other recorder[Event]
		_, err := mb.Subscribe(ctx, "a", EventFilter{Event: FilterInsert, Table: MessagesTable, Column: "roomId", Value: "general"}, general.add)
		require.NoError(t, err)
		h, err := mb.Subscribe(ctx, "b", EventFilter{Event: FilterInsert, Table: MessagesTable, Column: "roomId", Value: "random"}, other.add)
		require.NoError(t, err)

		_, err = mb.Insert(ctx, MessagesTable, map[string]any{"clientId": "c1", "roomId": "general"})
		require.NoError(t, err)
		require.NoError(t, mb.Unsubscribe(ctx, h))
		_, err = mb.Insert(ctx, MessagesTable, map[string]any{"clientId": "c2", "roomId": "random"})
		require.NoError(t, err)
		mb.Settle()

		require.Equal(t, 1, general.len())
		assert.Equal(t, EventInsert, general.all()[0].Type)
		assert.Zero(t, other.len())
	})

	t.Run("presence subscribe starts with a sync", func(t *testing.T) {
		mb := newTestBackend(t)
		require.NoError(t, mb.PresenceTrack(ctx, "p", PresenceEntry{UserID: "bob"}))

		var events recorder[Event]
		_, err := mb.Subscribe(ctx, "p", EventFilter{Event: FilterPresence}, events.add)
		require.NoError(t, err)
		require.NoError(t, mb.PresenceTrack(ctx, "p", PresenceEntry{UserID: "alice"}))
		require.NoError(t, mb.PresenceUntrack(ctx, "p", "bob"))
		require.NoError(t, mb.PresenceUntrack(ctx, "p", "nobody"))
		mb.Settle()

		var kinds []string
		for _, ev := range events.all() {
			kinds = append(kinds, ev.Type)
		}
		assert.Equal(t, []string{EventPresenceSync, EventPresenceJoin, EventPresenceLeave}, kinds)
	})

	t.Run("panicking subscriber does not stop delivery", func(t *testing.T) {
		mb := newTestBackend(t)
		var got recorder[Event]
		_, err := mb.Subscribe(ctx, "a", EventFilter{Event: FilterInsert, Table: MessagesTable}, func(Event) { panic("boom") })
		require.NoError(t, err)
		_, err = mb.Subscribe(ctx, "b", EventFilter{Event: FilterInsert, Table: MessagesTable}, got.add)
		require.NoError(t, err)

		_, err = mb.Insert(ctx, MessagesTable, map[string]any{"clientId": "c1"})
		require.NoError(t, err)
		mb.Settle()
		assert.Equal(t, 1, got.len())
	})
}

func TestMemoryBackend_SettleWhileEmitting(t *testing.T) {
	ctx := context.Background()
	mb := newTestBackend(t)

	var delivered atomic.Int64
	_, err := mb.Subscribe(ctx, messagesChannel("general"), EventFilter{Event: FilterInsert, Table: MessagesTable}, func(Event) {
		delivered.Add(1)
	})
	require.NoError(t, err)

	const writers, perWriter = 4, 25
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(2)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				_, err := mb.Insert(ctx, MessagesTable, map[string]any{"clientId": fmt.Sprintf("w%d-%d", w, i), "roomId": "general"})
				assert.NoError(t, err)
			}
		}(w)
		go func() {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				mb.Settle()
			}
		}()
	}
	wg.Wait()

	mb.Settle()
	assert.EqualValues(t, writers*perWriter, delivered.Load())
}

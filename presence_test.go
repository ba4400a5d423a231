package chatsync

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPresenceSet(t *testing.T) {
	alice := PresenceEntry{UserID: "alice", DisplayName: "Alice"}
	bob := PresenceEntry{UserID: "bob", DisplayName: "Bob"}
	carol := PresenceEntry{UserID: "carol", DisplayName: "Carol"}

	t.Run("sync replaces the set", func(t *testing.T) {
		p := NewPresenceSet()
		p.ApplySync([]PresenceEntry{alice, bob})
		p.ApplySync([]PresenceEntry{carol})
		assert.Equal(t, []PresenceEntry{carol}, p.Current())
	})

	t.Run("join overwrites by user id", func(t *testing.T) {
		p := NewPresenceSet()
		p.ApplySync([]PresenceEntry{alice})
		renamed := PresenceEntry{UserID: "alice", DisplayName: "Alice B."}
		p.ApplyJoin([]PresenceEntry{renamed, bob})
		assert.Equal(t, []PresenceEntry{renamed, bob}, p.Current())
		assert.Equal(t, 2, p.Len())
	})

	t.Run("leave of unknown user is ignored", func(t *testing.T) {
		p := NewPresenceSet()
		p.ApplySync([]PresenceEntry{alice})
		p.ApplyLeave([]PresenceEntry{bob})
		assert.Equal(t, []PresenceEntry{alice}, p.Current())
		p.ApplyLeave([]PresenceEntry{alice})
		assert.Empty(t, p.Current())
	})

	t.Run("current is ordered by user id", func(t *testing.T) {
		p := NewPresenceSet()
		p.ApplyJoin([]PresenceEntry{carol, alice, bob})
		assert.Equal(t, []PresenceEntry{alice, bob, carol}, p.Current())
	})

	t.Run("stale set is withheld until sync", func(t *testing.T) {
		p := NewPresenceSet()
		p.ApplySync([]PresenceEntry{alice})
		p.MarkStale()
		assert.True(t, p.Stale())
		assert.Nil(t, p.Current())

		p.ApplyJoin([]PresenceEntry{bob})
		p.ApplySync([]PresenceEntry{alice, carol})
		assert.False(t, p.Stale())
		assert.Equal(t, []PresenceEntry{alice, carol}, p.Current())
	})
}

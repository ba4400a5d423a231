package chatsync

import (
	"sort"
	"sync"
)

// PresenceSet is the live set of participants in a room, keyed by user id.
//
// After MarkStale the set is withheld until the next ApplySync: joins are
// dropped, leaves still remove, and Current returns nothing.
type PresenceSet struct {
	mu      sync.RWMutex
	entries map[string]PresenceEntry
	stale   bool
}

// NewPresenceSet creates an empty, authoritative set.
func NewPresenceSet() *PresenceSet {
	return &PresenceSet{entries: make(map[string]PresenceEntry)}
}

// ApplySync replaces the whole set with an authoritative snapshot.
func (p *PresenceSet) ApplySync(state []PresenceEntry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries = make(map[string]PresenceEntry, len(state))
	for _, e := range state {
		p.entries[e.UserID] = e
	}
	p.stale = false
}

// ApplyJoin adds or overwrites entries by user id.
func (p *PresenceSet) ApplyJoin(entries []PresenceEntry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stale {
		return
	}
	for _, e := range entries {
		p.entries[e.UserID] = e
	}
}

// ApplyLeave removes entries by user id. Unknown ids are ignored.
func (p *PresenceSet) ApplyLeave(entries []PresenceEntry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range entries {
		delete(p.entries, e.UserID)
	}
}

// MarkStale withholds the set until the next sync.
func (p *PresenceSet) MarkStale() {
	p.mu.Lock()
	p.stale = true
	p.mu.Unlock()
}

// Stale reports whether the set is waiting for a sync.
func (p *PresenceSet) Stale() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.stale
}

// Current returns the participants ordered by user id.
func (p *PresenceSet) Current() []PresenceEntry {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stale {
		return nil
	}
	out := make([]PresenceEntry, 0, len(p.entries))
	for _, e := range p.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// Len returns the number of participants, ignoring staleness.
func (p *PresenceSet) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.entries)
}

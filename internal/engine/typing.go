package engine

import (
	"sync"
	"time"

	"relaychat/internal/domain"
)

// Typing indicator windows. An entry refreshed within the debounce window is
// not re-processed; an entry older than the liveness window is stale and is
// removed outright to bound memory.
const (
	DefaultTypingDebounce = 2 * time.Second
	DefaultTypingLiveness = 4 * time.Second
)

type typingEntry struct {
	name     string
	lastSeen time.Time
	timer    *time.Timer
}

// TypingTracker keeps the per-conversation ephemeral typing state. All
// timers are cancellable as a group via Close.
type TypingTracker struct {
	mu       sync.Mutex
	entries  map[string]map[string]*typingEntry
	debounce time.Duration
	liveness time.Duration
	now      func() time.Time
	closed   bool
}

func NewTypingTracker(debounce, liveness time.Duration) *TypingTracker {
	if debounce <= 0 {
		debounce = DefaultTypingDebounce
	}
	if liveness <= 0 {
		liveness = DefaultTypingLiveness
	}
	return &TypingTracker{
		entries:  make(map[string]map[string]*typingEntry),
		debounce: debounce,
		liveness: liveness,
		now:      time.Now,
	}
}

// Upsert refreshes the typing entry for sender in conv and schedules its
// expiry. Returns false when the entry was refreshed within the debounce
// window and nothing was re-processed.
func (t *TypingTracker) Upsert(conv, senderKey, name string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false
	}
	byConv := t.entries[conv]
	if byConv == nil {
		byConv = make(map[string]*typingEntry)
		t.entries[conv] = byConv
	}
	now := t.now()
	if entry, ok := byConv[senderKey]; ok {
		if now.Sub(entry.lastSeen) < t.debounce {
			return false
		}
		entry.lastSeen = now
		entry.name = name
		entry.timer.Stop()
		entry.timer = time.AfterFunc(t.liveness, func() { t.expire(conv, senderKey) })
		return true
	}
	byConv[senderKey] = &typingEntry{
		name:     name,
		lastSeen: now,
		timer:    time.AfterFunc(t.liveness, func() { t.expire(conv, senderKey) }),
	}
	return true
}

// Users returns the live typing entries for a conversation. Entries past the
// liveness window are excluded even if their expiry timer has not fired yet.
func (t *TypingTracker) Users(conv string) []domain.TypingEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	var out []domain.TypingEntry
	for key, entry := range t.entries[conv] {
		if now.Sub(entry.lastSeen) >= t.liveness {
			continue
		}
		out = append(out, domain.TypingEntry{SenderKey: key, Name: entry.name, LastSeen: entry.lastSeen})
	}
	return out
}

func (t *TypingTracker) expire(conv, senderKey string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	byConv := t.entries[conv]
	entry, ok := byConv[senderKey]
	if !ok {
		return
	}
	// A refresh may have raced the timer; only drop a genuinely stale entry.
	if t.now().Sub(entry.lastSeen) < t.liveness {
		return
	}
	delete(byConv, senderKey)
	if len(byConv) == 0 {
		delete(t.entries, conv)
	}
}

// Close cancels every pending expiry timer and clears all state.
func (t *TypingTracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	for _, byConv := range t.entries {
		for _, entry := range byConv {
			entry.timer.Stop()
		}
	}
	t.entries = make(map[string]map[string]*typingEntry)
}

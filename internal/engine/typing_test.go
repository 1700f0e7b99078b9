package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTypingDebounce(t *testing.T) {
	tr := NewTypingTracker(2*time.Second, 4*time.Second)
	defer tr.Close()
	now := time.Unix(1700000000, 0)
	tr.now = func() time.Time { return now }

	assert.True(t, tr.Upsert("conv1", "alice", "Alice"))
	// Within the debounce window the refresh is a no-op.
	now = now.Add(time.Second)
	assert.False(t, tr.Upsert("conv1", "alice", "Alice"))
	// Past it the entry is re-processed.
	now = now.Add(2 * time.Second)
	assert.True(t, tr.Upsert("conv1", "alice", "Alice"))
}

func TestTypingLivenessWindow(t *testing.T) {
	tr := NewTypingTracker(2*time.Second, 4*time.Second)
	defer tr.Close()
	now := time.Unix(1700000000, 0)
	tr.now = func() time.Time { return now }

	tr.Upsert("conv1", "alice", "Alice")
	tr.Upsert("conv1", "bob", "Bob")
	assert.Len(t, tr.Users("conv1"), 2)

	// Alice refreshes; bob goes silent and ages out even though the wall
	// clock timer has not fired.
	now = now.Add(3 * time.Second)
	tr.Upsert("conv1", "alice", "Alice")
	now = now.Add(2 * time.Second)

	users := tr.Users("conv1")
	assert.Len(t, users, 1)
	assert.Equal(t, "alice", users[0].SenderKey)
}

func TestTypingConversationsIsolated(t *testing.T) {
	tr := NewTypingTracker(2*time.Second, 4*time.Second)
	defer tr.Close()

	tr.Upsert("conv1", "alice", "Alice")
	assert.Len(t, tr.Users("conv1"), 1)
	assert.Empty(t, tr.Users("conv2"))
}

func TestTypingCloseClearsState(t *testing.T) {
	tr := NewTypingTracker(2*time.Second, 4*time.Second)
	tr.Upsert("conv1", "alice", "Alice")

	tr.Close()

	assert.Empty(t, tr.Users("conv1"))
	assert.False(t, tr.Upsert("conv1", "bob", "Bob"))
}

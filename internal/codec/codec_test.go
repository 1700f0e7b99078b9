package codec

import (
	"errors"
	"testing"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	relayerrors "relaychat/pkg/errors"
)

func TestDecodeDirectMessage(t *testing.T) {
	ev := NewDirectMessage("recipient-key", "ciphertext", "reply-id", "tenant-a")
	ev.ID = "ev1"

	decoded, err := Decode(&ev)
	require.NoError(t, err)
	dm, ok := decoded.(DirectMessage)
	require.True(t, ok)
	assert.Equal(t, "recipient-key", dm.Recipient)
	assert.Equal(t, "reply-id", dm.ReplyTo)
}

func TestDecodeDirectMessageMissingRecipient(t *testing.T) {
	ev := &nostr.Event{ID: "ev1", Kind: KindDirectMessage, Content: "x"}

	_, err := Decode(ev)
	assert.True(t, errors.Is(err, relayerrors.ErrMalformedEvent))
}

func TestDecodeChannelMessageRootMarker(t *testing.T) {
	ev := NewChannelMessage("chan1", "hello", "reply1", "")
	ev.ID = "ev2"

	decoded, err := Decode(&ev)
	require.NoError(t, err)
	cm, ok := decoded.(ChannelMessage)
	require.True(t, ok)
	assert.Equal(t, "chan1", cm.Channel)
	assert.Equal(t, "reply1", cm.ReplyTo)
}

func TestDecodeChannelMessageUnmarkedFallback(t *testing.T) {
	// Clients that omit markers still resolve via the first "e" tag.
	ev := &nostr.Event{
		ID:   "ev3",
		Kind: KindChannelMessage,
		Tags: nostr.Tags{{TagEvent, "chan1"}},
	}

	decoded, err := Decode(ev)
	require.NoError(t, err)
	assert.Equal(t, "chan1", decoded.(ChannelMessage).Channel)
}

func TestDecodeChannelCreate(t *testing.T) {
	ev, err := NewChannelCreate(ChannelMeta{Name: "general", Private: true}, "tenant-a")
	require.NoError(t, err)
	ev.ID = "ev4"

	decoded, err := Decode(&ev)
	require.NoError(t, err)
	cc := decoded.(ChannelCreate)
	assert.Equal(t, "general", cc.Meta.Name)
	assert.True(t, cc.Meta.Private)
}

func TestDecodeReactionUsesLastEventTag(t *testing.T) {
	ev := &nostr.Event{
		ID:      "ev5",
		Kind:    KindReaction,
		Content: "👍",
		Tags:    nostr.Tags{{TagEvent, "root"}, {TagEvent, "target"}},
	}

	decoded, err := Decode(ev)
	require.NoError(t, err)
	r := decoded.(Reaction)
	assert.Equal(t, "target", r.Target)
	assert.Equal(t, "👍", r.Emoji)
}

func TestDecodeDeletionCollectsAllTargets(t *testing.T) {
	ev := &nostr.Event{
		ID:   "ev6",
		Kind: KindDeletion,
		Tags: nostr.Tags{{TagEvent, "a"}, {TagEvent, "b"}},
	}

	decoded, err := Decode(ev)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, decoded.(Deletion).Targets)
}

func TestNewDeletionTagsTargetAuthor(t *testing.T) {
	// Deletions ride the same recipient-tag filter as reactions; without the
	// author tag an unreaction would never reach the message author's client.
	ev := NewDeletion("reaction-event", "author-key", "")

	decoded, err := Decode(&ev)
	require.NoError(t, err)
	assert.Equal(t, []string{"reaction-event"}, decoded.(Deletion).Targets)

	var author string
	for _, tag := range ev.Tags {
		if len(tag) >= 2 && tag[0] == TagRecipient {
			author = tag[1]
		}
	}
	assert.Equal(t, "author-key", author)
}

func TestDecodeTyping(t *testing.T) {
	ev := NewTyping("conv1", "")
	ev.ID = "ev7"

	decoded, err := Decode(&ev)
	require.NoError(t, err)
	assert.Equal(t, "conv1", decoded.(Typing).Conversation)
}

func TestDecodeUnknownKindSkipped(t *testing.T) {
	ev := &nostr.Event{ID: "ev8", Kind: 1}

	decoded, err := Decode(ev)
	assert.NoError(t, err)
	assert.Nil(t, decoded)
}

func TestScopeMatches(t *testing.T) {
	current := &nostr.Event{Tags: nostr.Tags{{TagScope, "tenant-a"}}}
	legacy := &nostr.Event{Tags: nostr.Tags{{TagScopeLegacy, "tenant-a"}}}
	other := &nostr.Event{Tags: nostr.Tags{{TagScope, "tenant-b"}}}
	untagged := &nostr.Event{}

	assert.True(t, ScopeMatches(current, "tenant-a"))
	assert.True(t, ScopeMatches(legacy, "tenant-a"))
	assert.False(t, ScopeMatches(other, "tenant-a"))
	assert.False(t, ScopeMatches(untagged, "tenant-a"))
	// No active scope disables the gate entirely.
	assert.True(t, ScopeMatches(other, ""))
}

func TestBuildersEmitBothScopeVariants(t *testing.T) {
	ev := NewChannelMessage("chan1", "hi", "", "tenant-a")

	assert.True(t, ScopeMatches(&ev, "tenant-a"))
	var hasCurrent, hasLegacy bool
	for _, tag := range ev.Tags {
		if len(tag) >= 2 && tag[1] == "tenant-a" {
			switch tag[0] {
			case TagScope:
				hasCurrent = true
			case TagScopeLegacy:
				hasLegacy = true
			}
		}
	}
	assert.True(t, hasCurrent)
	assert.True(t, hasLegacy)
}

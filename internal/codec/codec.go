// Package codec builds and parses the small set of relay event shapes used
// by the messaging subsystem. It is pure and stateless: malformed inbound
// events yield a classification error that callers drop per event, never a
// batch failure.
package codec

import (
	"encoding/json"
	"fmt"

	"github.com/nbd-wtf/go-nostr"

	relayerrors "relaychat/pkg/errors"
)

// Event kinds understood by this subsystem.
const (
	KindDirectMessage  = 4
	KindDeletion       = 5
	KindReaction       = 7
	KindChannelCreate  = 40
	KindChannelMessage = 42
	KindTyping         = 20001 // ephemeral range, relays do not store it
)

// Tag vocabulary.
const (
	TagRecipient    = "p"
	TagEvent        = "e"
	TagScope        = "scope" // current tenant tag
	TagScopeLegacy  = "t"     // pre-migration tenant tag, still accepted
	TagConversation = "conversation"

	markerRoot  = "root"
	markerReply = "reply"
)

// ChannelMeta is the JSON content body of a channel-create event.
type ChannelMeta struct {
	Name    string `json:"name"`
	About   string `json:"about,omitempty"`
	Picture string `json:"picture,omitempty"`
	Private bool   `json:"private,omitempty"`
}

// Decoded is the closed variant set the reconciliation engine switches over.
type Decoded interface {
	isDecoded()
}

type DirectMessage struct {
	Event     *nostr.Event
	Recipient string
	ReplyTo   string
}

type ChannelMessage struct {
	Event   *nostr.Event
	Channel string
	ReplyTo string
}

type ChannelCreate struct {
	Event *nostr.Event
	Meta  ChannelMeta
}

type Reaction struct {
	Event  *nostr.Event
	Target string
	Emoji  string
}

type Deletion struct {
	Event   *nostr.Event
	Targets []string
}

type Typing struct {
	Event        *nostr.Event
	Conversation string
}

func (DirectMessage) isDecoded()  {}
func (ChannelMessage) isDecoded() {}
func (ChannelCreate) isDecoded()  {}
func (Reaction) isDecoded()       {}
func (Deletion) isDecoded()       {}
func (Typing) isDecoded()         {}

// Decode classifies an inbound event into one of the known variants.
// Unrecognized kinds return (nil, nil) and are skipped by callers.
func Decode(ev *nostr.Event) (Decoded, error) {
	switch ev.Kind {
	case KindDirectMessage:
		recipient := firstTagValue(ev, TagRecipient)
		if recipient == "" {
			return nil, fmt.Errorf("direct message %s: missing recipient tag: %w", ev.ID, relayerrors.ErrMalformedEvent)
		}
		return DirectMessage{Event: ev, Recipient: recipient, ReplyTo: replyTarget(ev)}, nil

	case KindChannelMessage:
		channel := channelRoot(ev)
		if channel == "" {
			return nil, fmt.Errorf("channel message %s: missing channel reference: %w", ev.ID, relayerrors.ErrMalformedEvent)
		}
		return ChannelMessage{Event: ev, Channel: channel, ReplyTo: replyTarget(ev)}, nil

	case KindChannelCreate:
		var meta ChannelMeta
		if err := json.Unmarshal([]byte(ev.Content), &meta); err != nil {
			return nil, fmt.Errorf("channel create %s: %v: %w", ev.ID, err, relayerrors.ErrMalformedEvent)
		}
		return ChannelCreate{Event: ev, Meta: meta}, nil

	case KindReaction:
		target := lastTagValue(ev, TagEvent)
		if target == "" {
			return nil, fmt.Errorf("reaction %s: missing target tag: %w", ev.ID, relayerrors.ErrMalformedEvent)
		}
		return Reaction{Event: ev, Target: target, Emoji: ev.Content}, nil

	case KindDeletion:
		targets := allTagValues(ev, TagEvent)
		if len(targets) == 0 {
			return nil, fmt.Errorf("deletion %s: no targets: %w", ev.ID, relayerrors.ErrMalformedEvent)
		}
		return Deletion{Event: ev, Targets: targets}, nil

	case KindTyping:
		conv := firstTagValue(ev, TagConversation)
		if conv == "" {
			return nil, fmt.Errorf("typing %s: missing conversation tag: %w", ev.ID, relayerrors.ErrMalformedEvent)
		}
		return Typing{Event: ev, Conversation: conv}, nil
	}
	return nil, nil
}

// ScopeMatches checks the tenant gate: with no active scope every event
// passes; otherwise either the current or the legacy tag variant satisfies
// the match. Cross-tenant noise on shared relays fails here silently.
func ScopeMatches(ev *nostr.Event, scope string) bool {
	if scope == "" {
		return true
	}
	for _, tag := range ev.Tags {
		if len(tag) >= 2 && (tag[0] == TagScope || tag[0] == TagScopeLegacy) && tag[1] == scope {
			return true
		}
	}
	return false
}

func scopeTags(scope string) nostr.Tags {
	if scope == "" {
		return nil
	}
	// Both variants are emitted so readers on either side of the tag
	// migration can match.
	return nostr.Tags{{TagScope, scope}, {TagScopeLegacy, scope}}
}

// NewDirectMessage builds an unsigned pairwise message event. The content is
// expected to already be ciphertext.
func NewDirectMessage(recipient, ciphertext, replyTo, scope string) nostr.Event {
	tags := nostr.Tags{{TagRecipient, recipient}}
	if replyTo != "" {
		tags = append(tags, nostr.Tag{TagEvent, replyTo, "", markerReply})
	}
	tags = append(tags, scopeTags(scope)...)
	return nostr.Event{
		Kind:      KindDirectMessage,
		CreatedAt: nostr.Now(),
		Tags:      tags,
		Content:   ciphertext,
	}
}

// NewChannelMessage builds an unsigned channel post referencing the
// channel-create event as its root.
func NewChannelMessage(channelID, content, replyTo, scope string) nostr.Event {
	tags := nostr.Tags{{TagEvent, channelID, "", markerRoot}}
	if replyTo != "" {
		tags = append(tags, nostr.Tag{TagEvent, replyTo, "", markerReply})
	}
	tags = append(tags, scopeTags(scope)...)
	return nostr.Event{
		Kind:      KindChannelMessage,
		CreatedAt: nostr.Now(),
		Tags:      tags,
		Content:   content,
	}
}

// NewChannelCreate builds an unsigned channel-create event. Its signed id
// becomes the conversation id.
func NewChannelCreate(meta ChannelMeta, scope string) (nostr.Event, error) {
	body, err := json.Marshal(meta)
	if err != nil {
		return nostr.Event{}, err
	}
	return nostr.Event{
		Kind:      KindChannelCreate,
		CreatedAt: nostr.Now(),
		Tags:      scopeTags(scope),
		Content:   string(body),
	}, nil
}

// NewReaction builds an unsigned reaction targeting the origin event of a
// message. The author tag lets relays route it to the message author.
func NewReaction(targetEventID, targetAuthor, emoji, scope string) nostr.Event {
	tags := nostr.Tags{{TagEvent, targetEventID}, {TagRecipient, targetAuthor}}
	tags = append(tags, scopeTags(scope)...)
	return nostr.Event{
		Kind:      KindReaction,
		CreatedAt: nostr.Now(),
		Tags:      tags,
		Content:   emoji,
	}
}

// NewDeletion builds an unsigned deletion for a previously published event.
// The author tag routes it to the client holding the annotated message, the
// same way NewReaction is routed.
func NewDeletion(targetEventID, targetAuthor, scope string) nostr.Event {
	tags := nostr.Tags{{TagEvent, targetEventID}, {TagRecipient, targetAuthor}}
	tags = append(tags, scopeTags(scope)...)
	return nostr.Event{
		Kind:      KindDeletion,
		CreatedAt: nostr.Now(),
		Tags:      tags,
	}
}

// NewTyping builds an unsigned ephemeral typing indicator.
func NewTyping(conversationID, scope string) nostr.Event {
	tags := nostr.Tags{{TagConversation, conversationID}}
	tags = append(tags, scopeTags(scope)...)
	return nostr.Event{
		Kind:      KindTyping,
		CreatedAt: nostr.Now(),
		Tags:      tags,
	}
}

func firstTagValue(ev *nostr.Event, key string) string {
	for _, tag := range ev.Tags {
		if len(tag) >= 2 && tag[0] == key {
			return tag[1]
		}
	}
	return ""
}

func lastTagValue(ev *nostr.Event, key string) string {
	value := ""
	for _, tag := range ev.Tags {
		if len(tag) >= 2 && tag[0] == key {
			value = tag[1]
		}
	}
	return value
}

func allTagValues(ev *nostr.Event, key string) []string {
	var values []string
	for _, tag := range ev.Tags {
		if len(tag) >= 2 && tag[0] == key {
			values = append(values, tag[1])
		}
	}
	return values
}

// channelRoot returns the channel reference of a kind-42 event: the "e" tag
// marked root, falling back to the first "e" tag for clients that omit
// markers.
func channelRoot(ev *nostr.Event) string {
	for _, tag := range ev.Tags {
		if len(tag) >= 4 && tag[0] == TagEvent && tag[3] == markerRoot {
			return tag[1]
		}
	}
	return firstTagValue(ev, TagEvent)
}

// replyTarget returns the "e" tag marked reply, if any.
func replyTarget(ev *nostr.Event) string {
	for _, tag := range ev.Tags {
		if len(tag) >= 4 && tag[0] == TagEvent && tag[3] == markerReply {
			return tag[1]
		}
	}
	return ""
}

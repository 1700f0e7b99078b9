package domain

import (
	"fmt"
	"sort"
)

// ConversationType discriminates the three conversation shapes.
type ConversationType string

const (
	ConversationDirect  ConversationType = "direct"
	ConversationChannel ConversationType = "channel"
	ConversationGroup   ConversationType = "group"
)

// SchemeKind selects how message bodies in a conversation are encrypted.
type SchemeKind string

const (
	SchemePairwise SchemeKind = "pairwise"
	SchemeShared   SchemeKind = "shared"
	SchemeNone     SchemeKind = "none"
)

// EncryptionScheme is selected once when a conversation is created and
// carried explicitly instead of being re-derived from flags at call sites.
type EncryptionScheme struct {
	Kind       SchemeKind `json:"kind"`
	PeerKey    string     `json:"peer_key,omitempty"`
	ChannelKey []byte     `json:"channel_key,omitempty"`
}

// HasChannelKey reports whether shared-secret material is present.
func (s EncryptionScheme) HasChannelKey() bool {
	return s.Kind == SchemeShared && len(s.ChannelKey) > 0
}

// Participant is a member of a conversation with resolved display metadata.
type Participant struct {
	PublicKey string `json:"public_key"`
	Name      string `json:"name"`
	Avatar    string `json:"avatar,omitempty"`
}

// LastMessage is the denormalized summary used for conversation list sorting.
type LastMessage struct {
	Content    string `json:"content"`
	Timestamp  int64  `json:"timestamp"`
	SenderName string `json:"sender_name"`
}

// Conversation is the durable per-device record of a chat thread.
// For direct conversations the ID is a deterministic function of the two
// participant keys; for channels it is the id of the channel-create event.
type Conversation struct {
	ID           string           `json:"id"`
	Type         ConversationType `json:"type"`
	Participants []Participant    `json:"participants,omitempty"`
	Name         string           `json:"name,omitempty"`
	Avatar       string           `json:"avatar,omitempty"`
	LastMessage  *LastMessage     `json:"last_message,omitempty"`
	UnreadCount  int              `json:"unread_count"`
	Pinned       bool             `json:"pinned,omitempty"`
	Muted        bool             `json:"muted,omitempty"`
	ReadOnly     bool             `json:"read_only,omitempty"`
	Private      bool             `json:"private,omitempty"`
	Scheme       EncryptionScheme `json:"scheme"`
	Scope        string           `json:"scope,omitempty"`
	Members      []string         `json:"members,omitempty"`
	CreatedBy    string           `json:"created_by,omitempty"`
}

// HasMember reports whether the key is on the member list.
func (c *Conversation) HasMember(key string) bool {
	for _, m := range c.Members {
		if m == key {
			return true
		}
	}
	return false
}

// AddMember appends the key if absent.
func (c *Conversation) AddMember(key string) {
	if !c.HasMember(key) {
		c.Members = append(c.Members, key)
	}
}

// Tombstone suppresses resurrection of a deleted conversation by
// late-arriving relay events.
type Tombstone struct {
	ConversationID string `json:"conversation_id"`
	DeletedAt      int64  `json:"deleted_at"`
}

const directIDPrefixLen = 16

// DirectConversationID derives the deterministic id for a pairwise
// conversation from the two participant keys, sorted lexicographically.
func DirectConversationID(a, b string) string {
	keys := []string{a, b}
	sort.Strings(keys)
	return fmt.Sprintf("dm_%s_%s", keyPrefix(keys[0]), keyPrefix(keys[1]))
}

func keyPrefix(key string) string {
	if len(key) <= directIDPrefixLen {
		return key
	}
	return key[:directIDPrefixLen]
}

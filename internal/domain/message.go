package domain

// DeliveryStatus tracks the lifecycle of an outbound or inbound message.
type DeliveryStatus string

const (
	StatusSending   DeliveryStatus = "sending"
	StatusSent      DeliveryStatus = "sent"
	StatusDelivered DeliveryStatus = "delivered"
	StatusRead      DeliveryStatus = "read"
	StatusFailed    DeliveryStatus = "failed"
)

// Reaction is one sender's emoji annotation on a message. EventID is the
// relay event id of the reaction itself; deletions reference it.
type Reaction struct {
	SenderKey  string `json:"sender_key"`
	SenderName string `json:"sender_name"`
	Timestamp  int64  `json:"timestamp"`
	EventID    string `json:"event_id"`
}

// ReplyPreview caches the target message's content and sender so the UI can
// render a quote without a second lookup.
type ReplyPreview struct {
	Content    string `json:"content"`
	SenderName string `json:"sender_name"`
}

// Message is a single timeline entry. OriginEventID is the id of the relay
// event that produced it and serves as the dedup key; it is empty while an
// optimistic send is still in flight. EncryptedContent holds the wire body
// of a channel message that could not be decrypted yet; it is cleared once
// a key arrives and the plaintext is recovered.
type Message struct {
	ID               string                `json:"id"`
	ConversationID   string                `json:"conversation_id"`
	SenderKey        string                `json:"sender_key"`
	SenderName       string                `json:"sender_name"`
	SenderAvatar     string                `json:"sender_avatar,omitempty"`
	RecipientKey     string                `json:"recipient_key,omitempty"`
	Content          string                `json:"content"`
	EncryptedContent string                `json:"encrypted_content,omitempty"`
	Timestamp        int64                 `json:"timestamp"` // milliseconds
	Status           DeliveryStatus        `json:"status"`
	ReplyToID        string                `json:"reply_to_id,omitempty"`
	ReplyPreview     *ReplyPreview         `json:"reply_preview,omitempty"`
	OriginEventID    string                `json:"origin_event_id,omitempty"`
	Reactions        map[string][]Reaction `json:"reactions,omitempty"`
}

// HasReactionFrom reports whether sender already reacted with emoji.
// A sender may not double-react with the same emoji.
func (m *Message) HasReactionFrom(emoji, senderKey string) bool {
	for _, r := range m.Reactions[emoji] {
		if r.SenderKey == senderKey {
			return true
		}
	}
	return false
}

// AddReaction appends a reaction entry, deduplicated by sender key.
func (m *Message) AddReaction(emoji string, r Reaction) bool {
	if m.HasReactionFrom(emoji, r.SenderKey) {
		return false
	}
	if m.Reactions == nil {
		m.Reactions = make(map[string][]Reaction)
	}
	m.Reactions[emoji] = append(m.Reactions[emoji], r)
	return true
}

// RemoveReactionByEvent removes the entry whose reaction-event id and author
// match. Empty emoji buckets are dropped entirely.
func (m *Message) RemoveReactionByEvent(reactionEventID, authorKey string) bool {
	for emoji, entries := range m.Reactions {
		for i, r := range entries {
			if r.EventID == reactionEventID && r.SenderKey == authorKey {
				entries = append(entries[:i], entries[i+1:]...)
				if len(entries) == 0 {
					delete(m.Reactions, emoji)
				} else {
					m.Reactions[emoji] = entries
				}
				return true
			}
		}
	}
	return false
}

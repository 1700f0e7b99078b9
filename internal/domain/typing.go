package domain

import "time"

// TypingEntry records one peer currently typing in a conversation.
type TypingEntry struct {
	SenderKey string
	Name      string
	LastSeen  time.Time
}

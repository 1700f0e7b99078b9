package crypto

import (
	"encoding/json"
	"strings"
)

// Control payload types carried inside pairwise-encrypted direct messages.
// Invites are the sole key-distribution path for private channels.
const (
	ControlInvite        = "channel_invite"
	ControlAccessRequest = "channel_access_request"
)

// ControlPayload is the structured body of a membership control message.
type ControlPayload struct {
	Type      string `json:"type"`
	ChannelID string `json:"channel_id"`
	Name      string `json:"name,omitempty"`
	Key       []byte `json:"key,omitempty"`
}

// MarshalInvite encodes an invite carrying the channel's symmetric key.
func MarshalInvite(channelID, name string, key []byte) (string, error) {
	return marshalControl(ControlPayload{
		Type:      ControlInvite,
		ChannelID: channelID,
		Name:      name,
		Key:       key,
	})
}

// MarshalAccessRequest encodes a request for a channel's key.
func MarshalAccessRequest(channelID string) (string, error) {
	return marshalControl(ControlPayload{
		Type:      ControlAccessRequest,
		ChannelID: channelID,
	})
}

func marshalControl(p ControlPayload) (string, error) {
	body, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	return string(body), nil
}

// ParseControlPayload distinguishes membership control messages from plain
// chat text. Plain text never parses as a control payload.
func ParseControlPayload(plaintext string) (*ControlPayload, bool) {
	trimmed := strings.TrimSpace(plaintext)
	if !strings.HasPrefix(trimmed, "{") {
		return nil, false
	}
	var p ControlPayload
	if err := json.Unmarshal([]byte(trimmed), &p); err != nil {
		return nil, false
	}
	if p.ChannelID == "" {
		return nil, false
	}
	switch p.Type {
	case ControlInvite, ControlAccessRequest:
		return &p, true
	}
	return nil, false
}

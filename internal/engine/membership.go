package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"go.uber.org/zap"

	"relaychat/internal/codec"
	"relaychat/internal/crypto"
	"relaychat/internal/domain"
	"relaychat/internal/identity"
	"relaychat/internal/relay"
	"relaychat/internal/store"
	relayerrors "relaychat/pkg/errors"
	"relaychat/pkg/logger"
)

// pendingRecoveryLimit bounds how far back a fresh key is applied to
// messages cached before it arrived.
const pendingRecoveryLimit = 500

// Membership runs the private-channel key distribution flow. From a
// non-member's perspective: NoKey -> (access request sent) AwaitingGrant ->
// (invite received) Member. Invites over pairwise-encrypted direct messages
// are the sole key-distribution path.
type Membership struct {
	st           *store.Store
	ids          *identity.Resolver
	transport    relay.Transport
	log          *logger.Logger
	queryTimeout time.Duration

	mu        sync.Mutex
	requested map[string]bool
}

func NewMembership(st *store.Store, ids *identity.Resolver, transport relay.Transport, log *logger.Logger, queryTimeout time.Duration) *Membership {
	if queryTimeout <= 0 {
		queryTimeout = 10 * time.Second
	}
	return &Membership{
		st:           st,
		ids:          ids,
		transport:    transport,
		log:          log,
		queryTimeout: queryTimeout,
		requested:    make(map[string]bool),
	}
}

// EnsureAccessRequested sends an access request for a keyless private
// channel at most once per channel, not once per undecryptable message.
func (m *Membership) EnsureAccessRequested(ctx context.Context, channelID string) error {
	m.mu.Lock()
	if m.requested[channelID] {
		m.mu.Unlock()
		return nil
	}
	m.requested[channelID] = true
	m.mu.Unlock()

	err := m.requestAccess(ctx, channelID)
	if err != nil {
		// Allow a later message to retry.
		m.mu.Lock()
		delete(m.requested, channelID)
		m.mu.Unlock()
	}
	return err
}

func (m *Membership) requestAccess(ctx context.Context, channelID string) error {
	creator, err := m.channelCreator(ctx, channelID)
	if err != nil {
		return err
	}
	body, err := crypto.MarshalAccessRequest(channelID)
	if err != nil {
		return err
	}
	if err := m.sendControl(ctx, creator, body); err != nil {
		return err
	}
	m.log.Info("access_request_sent", zap.String("channel", channelID), zap.String("creator", creator))
	return nil
}

// channelCreator resolves the creator from the cached conversation, falling
// back to a one-shot query for the channel-create event.
func (m *Membership) channelCreator(ctx context.Context, channelID string) (string, error) {
	if conv, ok, err := m.st.Conversation(channelID); err == nil && ok && conv.CreatedBy != "" {
		return conv.CreatedBy, nil
	}
	queryCtx, cancel := context.WithTimeout(ctx, m.queryTimeout)
	defer cancel()
	events, err := m.transport.Query(queryCtx, nostr.Filter{
		IDs:   []string{channelID},
		Kinds: []int{codec.KindChannelCreate},
		Limit: 1,
	})
	if err != nil {
		return "", err
	}
	if len(events) == 0 {
		return "", fmt.Errorf("channel %s creator: %w", channelID, relayerrors.ErrNotFound)
	}
	return events[0].PubKey, nil
}

// HandleControl applies a membership control payload received inside a
// pairwise-encrypted direct message. Control messages are never materialized
// as visible chat messages.
func (m *Membership) HandleControl(ctx context.Context, from string, payload *crypto.ControlPayload) error {
	switch payload.Type {
	case crypto.ControlInvite:
		return m.consumeInvite(ctx, payload)
	case crypto.ControlAccessRequest:
		return m.grantAccess(ctx, from, payload.ChannelID)
	}
	return relayerrors.ErrMalformedEvent
}

// consumeInvite idempotently attaches the channel key to the local
// conversation and marks the recipient as a member.
func (m *Membership) consumeInvite(ctx context.Context, payload *crypto.ControlPayload) error {
	if _, dead, err := m.st.Tombstone(payload.ChannelID); err != nil {
		return err
	} else if dead {
		return relayerrors.ErrConversationDeleted
	}
	keys, err := m.ids.Keys(ctx)
	if err != nil {
		return err
	}
	conv, ok, err := m.st.Conversation(payload.ChannelID)
	if err != nil {
		return err
	}
	if !ok {
		conv = domain.Conversation{
			ID:      payload.ChannelID,
			Type:    domain.ConversationChannel,
			Name:    payload.Name,
			Private: true,
			Scheme:  domain.EncryptionScheme{Kind: domain.SchemeShared},
			Scope:   m.ids.Scope(ctx),
		}
	}
	if !conv.Scheme.HasChannelKey() {
		conv.Scheme = domain.EncryptionScheme{Kind: domain.SchemeShared, ChannelKey: payload.Key}
	}
	if conv.Name == "" {
		conv.Name = payload.Name
	}
	conv.Private = true
	conv.AddMember(keys.PublicKey)
	if err := m.st.UpsertConversation(conv); err != nil {
		return err
	}
	if err := m.recoverPendingMessages(conv); err != nil {
		m.log.Warn("pending_message_recovery_failed", zap.String("channel", conv.ID), zap.Error(err))
	}
	m.log.Info("channel_invite_consumed", zap.String("channel", conv.ID))
	return nil
}

// recoverPendingMessages re-decrypts messages that arrived before the key
// did. Their origin ids are already indexed, so redelivery would be deduped;
// the stored ciphertext is the only path back to plaintext.
func (m *Membership) recoverPendingMessages(conv domain.Conversation) error {
	if !conv.Scheme.HasChannelKey() {
		return nil
	}
	msgs, err := m.st.MessagesByConversation(conv.ID, 0, pendingRecoveryLimit)
	if err != nil {
		return err
	}
	convDirty := false
	for _, msg := range msgs {
		if msg.EncryptedContent == "" {
			continue
		}
		plaintext, ok := crypto.DecryptChannel(msg.EncryptedContent, conv.Scheme.ChannelKey)
		if !ok {
			continue
		}
		msg.Content = plaintext
		msg.EncryptedContent = ""
		if err := m.st.UpsertMessage(msg); err != nil {
			return err
		}
		if conv.LastMessage != nil && conv.LastMessage.Timestamp == msg.Timestamp {
			conv.LastMessage.Content = plaintext
			convDirty = true
		}
	}
	if convDirty {
		return m.st.UpsertConversation(conv)
	}
	return nil
}

// grantAccess answers an access request: if the local copy of the channel
// holds the key, reply with an invite to the requester.
func (m *Membership) grantAccess(ctx context.Context, requester, channelID string) error {
	conv, ok, err := m.st.Conversation(channelID)
	if err != nil {
		return err
	}
	if !ok || !conv.Scheme.HasChannelKey() {
		return fmt.Errorf("channel %s key: %w", channelID, relayerrors.ErrNotFound)
	}
	body, err := crypto.MarshalInvite(conv.ID, conv.Name, conv.Scheme.ChannelKey)
	if err != nil {
		return err
	}
	if err := m.sendControl(ctx, requester, body); err != nil {
		return err
	}
	conv.AddMember(requester)
	if err := m.st.UpsertConversation(conv); err != nil {
		return err
	}
	m.log.Info("channel_invite_sent", zap.String("channel", channelID), zap.String("member", requester))
	return nil
}

func (m *Membership) sendControl(ctx context.Context, recipient, body string) error {
	keys, err := m.ids.Keys(ctx)
	if err != nil {
		return err
	}
	pairwise, err := crypto.NewPairwise(keys.PrivateKey, recipient)
	if err != nil {
		return err
	}
	ciphertext, err := pairwise.Encrypt(body)
	if err != nil {
		return err
	}
	ev := codec.NewDirectMessage(recipient, ciphertext, "", m.ids.Scope(ctx))
	if err := ev.Sign(keys.PrivateKey); err != nil {
		return err
	}
	publishCtx, cancel := context.WithTimeout(ctx, m.queryTimeout)
	defer cancel()
	return m.transport.Publish(publishCtx, ev)
}

// Package chat is the application façade: every user-initiated operation
// (send, react, create channel, typing, read state) goes through Service.
// Sends are optimistic: the message is persisted with status "sending"
// before the relay round trip and settled to "sent" or "failed" after it.
package chat

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nbd-wtf/go-nostr"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"relaychat/internal/codec"
	"relaychat/internal/crypto"
	"relaychat/internal/domain"
	"relaychat/internal/engine"
	"relaychat/internal/identity"
	"relaychat/internal/relay"
	"relaychat/internal/store"
	relayerrors "relaychat/pkg/errors"
	"relaychat/pkg/logger"
)

// typingEmitInterval throttles outbound typing indicators per conversation.
const typingEmitInterval = 2 * time.Second

type Service struct {
	st        *store.Store
	ids       *identity.Resolver
	transport relay.Transport
	eng       *engine.Engine
	log       *logger.Logger

	queryTimeout time.Duration

	mu      sync.Mutex
	typeGov map[string]*rate.Limiter
}

func NewService(st *store.Store, ids *identity.Resolver, transport relay.Transport, eng *engine.Engine, log *logger.Logger, queryTimeout time.Duration) *Service {
	if queryTimeout <= 0 {
		queryTimeout = 10 * time.Second
	}
	return &Service{
		st:           st,
		ids:          ids,
		transport:    transport,
		eng:          eng,
		log:          log,
		queryTimeout: queryTimeout,
		typeGov:      make(map[string]*rate.Limiter),
	}
}

// Conversations lists all conversations, pinned first, then by recency.
func (s *Service) Conversations(ctx context.Context) ([]domain.Conversation, error) {
	return s.st.Conversations()
}

// Messages returns up to limit messages of a conversation older than
// beforeTS (exclusive; beforeTS <= 0 means newest), ascending by timestamp.
func (s *Service) Messages(ctx context.Context, convID string, beforeTS int64, limit int) ([]domain.Message, error) {
	return s.st.MessagesByConversation(convID, beforeTS, limit)
}

// SendDirect sends a pairwise-encrypted message to a peer. The returned
// message reflects the settled delivery status.
func (s *Service) SendDirect(ctx context.Context, peerKey, content, replyTo string) (domain.Message, error) {
	if peerKey == "" || content == "" {
		return domain.Message{}, relayerrors.ErrInvalidInput
	}
	keys, err := s.ids.Keys(ctx)
	if err != nil {
		return domain.Message{}, err
	}
	convID := domain.DirectConversationID(keys.PublicKey, peerKey)
	if _, dead, err := s.st.Tombstone(convID); err != nil {
		return domain.Message{}, err
	} else if dead {
		return domain.Message{}, relayerrors.ErrConversationDeleted
	}
	pairwise, err := crypto.NewPairwise(keys.PrivateKey, peerKey)
	if err != nil {
		return domain.Message{}, err
	}
	ciphertext, err := pairwise.Encrypt(content)
	if err != nil {
		return domain.Message{}, err
	}

	conv, err := s.ensureDirectConversation(ctx, convID, keys.PublicKey, peerKey)
	if err != nil {
		return domain.Message{}, err
	}
	self := s.ids.Profile(ctx, keys.PublicKey)
	msg := domain.Message{
		ID:             uuid.NewString(),
		ConversationID: convID,
		SenderKey:      keys.PublicKey,
		SenderName:     self.Name,
		SenderAvatar:   self.Avatar,
		RecipientKey:   peerKey,
		Content:        content,
		Timestamp:      time.Now().UnixMilli(),
		Status:         domain.StatusSending,
		ReplyToID:      replyTo,
	}
	if err := s.eng.RecordOutgoing(ctx, conv, msg); err != nil {
		return domain.Message{}, err
	}

	ev := codec.NewDirectMessage(peerKey, ciphertext, replyTo, s.ids.Scope(ctx))
	return s.settle(ctx, msg, ev, keys.PrivateKey)
}

// SendChannel posts to a channel. Private channels require the shared key;
// without it the send fails rather than leaking plaintext.
func (s *Service) SendChannel(ctx context.Context, channelID, content, replyTo string) (domain.Message, error) {
	if channelID == "" || content == "" {
		return domain.Message{}, relayerrors.ErrInvalidInput
	}
	if _, dead, err := s.st.Tombstone(channelID); err != nil {
		return domain.Message{}, err
	} else if dead {
		return domain.Message{}, relayerrors.ErrConversationDeleted
	}
	conv, ok, err := s.st.Conversation(channelID)
	if err != nil {
		return domain.Message{}, err
	}
	if !ok {
		return domain.Message{}, relayerrors.ErrNotFound
	}
	if conv.ReadOnly {
		return domain.Message{}, relayerrors.ErrInvalidInput
	}
	keys, err := s.ids.Keys(ctx)
	if err != nil {
		return domain.Message{}, err
	}
	if keys.PrivateKey == "" {
		return domain.Message{}, relayerrors.ErrNoSigningKey
	}

	body := content
	if conv.Private {
		if !conv.Scheme.HasChannelKey() {
			return domain.Message{}, relayerrors.ErrDecryptionUnavailable
		}
		if body, err = crypto.EncryptChannel(content, conv.Scheme.ChannelKey); err != nil {
			return domain.Message{}, err
		}
	}

	self := s.ids.Profile(ctx, keys.PublicKey)
	msg := domain.Message{
		ID:             uuid.NewString(),
		ConversationID: channelID,
		SenderKey:      keys.PublicKey,
		SenderName:     self.Name,
		SenderAvatar:   self.Avatar,
		Content:        content,
		Timestamp:      time.Now().UnixMilli(),
		Status:         domain.StatusSending,
		ReplyToID:      replyTo,
	}
	if err := s.eng.RecordOutgoing(ctx, conv, msg); err != nil {
		return domain.Message{}, err
	}

	ev := codec.NewChannelMessage(channelID, body, replyTo, s.ids.Scope(ctx))
	return s.settle(ctx, msg, ev, keys.PrivateKey)
}

// CreateChannel publishes a channel-create event and materializes the local
// conversation. For private channels a fresh shared key is generated; it
// never leaves the device except inside pairwise-encrypted invites.
func (s *Service) CreateChannel(ctx context.Context, name, about, picture string, private bool) (domain.Conversation, error) {
	if name == "" {
		return domain.Conversation{}, relayerrors.ErrInvalidInput
	}
	keys, err := s.ids.Keys(ctx)
	if err != nil {
		return domain.Conversation{}, err
	}
	if keys.PrivateKey == "" {
		return domain.Conversation{}, relayerrors.ErrNoSigningKey
	}
	meta := codec.ChannelMeta{Name: name, About: about, Picture: picture, Private: private}
	ev, err := codec.NewChannelCreate(meta, s.ids.Scope(ctx))
	if err != nil {
		return domain.Conversation{}, err
	}
	if err := ev.Sign(keys.PrivateKey); err != nil {
		return domain.Conversation{}, err
	}

	scheme := domain.EncryptionScheme{Kind: domain.SchemeNone}
	if private {
		key, err := crypto.GenerateChannelKey()
		if err != nil {
			return domain.Conversation{}, err
		}
		scheme = domain.EncryptionScheme{Kind: domain.SchemeShared, ChannelKey: key}
	}
	conv := domain.Conversation{
		ID:        ev.ID,
		Type:      domain.ConversationChannel,
		Name:      name,
		Avatar:    picture,
		Private:   private,
		Scheme:    scheme,
		Scope:     s.ids.Scope(ctx),
		Members:   []string{keys.PublicKey},
		CreatedBy: keys.PublicKey,
	}
	if err := s.st.UpsertConversation(conv); err != nil {
		return domain.Conversation{}, err
	}

	publishCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	if err := s.transport.Publish(publishCtx, ev); err != nil {
		s.log.Warn("channel_create_publish_failed", zap.String("channel", ev.ID), zap.Error(err))
		return conv, err
	}
	s.log.Info("channel_created", zap.String("channel", ev.ID), zap.Bool("private", private))
	return conv, nil
}

// InviteToChannel distributes the channel key to a peer.
func (s *Service) InviteToChannel(ctx context.Context, channelID, peerKey string) error {
	return s.eng.InviteToChannel(ctx, channelID, peerKey)
}

// RequestChannelAccess asks the channel creator for the shared key.
func (s *Service) RequestChannelAccess(ctx context.Context, channelID string) error {
	return s.eng.RequestChannelAccess(ctx, channelID)
}

// React publishes an emoji reaction to a message and applies it locally.
// Reacting twice with the same emoji is a no-op.
func (s *Service) React(ctx context.Context, messageID, emoji string) error {
	if emoji == "" {
		return relayerrors.ErrInvalidInput
	}
	msg, err := s.st.Message(messageID)
	if err != nil {
		return err
	}
	if msg.OriginEventID == "" {
		// Still in flight; there is no relay event to target yet.
		return relayerrors.ErrInvalidInput
	}
	keys, err := s.ids.Keys(ctx)
	if err != nil {
		return err
	}
	if keys.PrivateKey == "" {
		return relayerrors.ErrNoSigningKey
	}
	if msg.HasReactionFrom(emoji, keys.PublicKey) {
		return nil
	}

	ev := codec.NewReaction(msg.OriginEventID, msg.SenderKey, emoji, s.ids.Scope(ctx))
	if err := ev.Sign(keys.PrivateKey); err != nil {
		return err
	}
	publishCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	if err := s.transport.Publish(publishCtx, ev); err != nil {
		return err
	}

	self := s.ids.Profile(ctx, keys.PublicKey)
	msg.AddReaction(emoji, domain.Reaction{
		SenderKey:  keys.PublicKey,
		SenderName: self.Name,
		Timestamp:  time.Now().UnixMilli(),
		EventID:    ev.ID,
	})
	if err := s.st.UpsertMessage(msg); err != nil {
		return err
	}
	// Index our own reaction event so its relay echo hits the dedup gate.
	return s.st.IndexOrigin(ev.ID, msg.ID)
}

// RemoveReaction publishes a deletion for our own reaction and removes it
// locally.
func (s *Service) RemoveReaction(ctx context.Context, messageID, emoji string) error {
	msg, err := s.st.Message(messageID)
	if err != nil {
		return err
	}
	keys, err := s.ids.Keys(ctx)
	if err != nil {
		return err
	}
	var reactionEventID string
	for _, r := range msg.Reactions[emoji] {
		if r.SenderKey == keys.PublicKey {
			reactionEventID = r.EventID
			break
		}
	}
	if reactionEventID == "" {
		return relayerrors.ErrNotFound
	}
	if keys.PrivateKey == "" {
		return relayerrors.ErrNoSigningKey
	}

	ev := codec.NewDeletion(reactionEventID, msg.SenderKey, s.ids.Scope(ctx))
	if err := ev.Sign(keys.PrivateKey); err != nil {
		return err
	}
	publishCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	if err := s.transport.Publish(publishCtx, ev); err != nil {
		return err
	}
	if msg.RemoveReactionByEvent(reactionEventID, keys.PublicKey) {
		return s.st.UpsertMessage(msg)
	}
	return nil
}

// SetTyping emits an ephemeral typing indicator, throttled per conversation
// so held-down keys do not flood the relays.
func (s *Service) SetTyping(ctx context.Context, convID string) error {
	if !s.typingLimiter(convID).Allow() {
		return nil
	}
	keys, err := s.ids.Keys(ctx)
	if err != nil {
		return err
	}
	if keys.PrivateKey == "" {
		return relayerrors.ErrNoSigningKey
	}
	ev := codec.NewTyping(convID, s.ids.Scope(ctx))
	if err := ev.Sign(keys.PrivateKey); err != nil {
		return err
	}
	publishCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	return s.transport.Publish(publishCtx, ev)
}

// TypingUsers returns peers currently typing in a conversation.
func (s *Service) TypingUsers(convID string) []domain.TypingEntry {
	return s.eng.TypingUsers(convID)
}

// MarkRead clears the unread counter of a conversation.
func (s *Service) MarkRead(ctx context.Context, convID string) error {
	conv, ok, err := s.st.Conversation(convID)
	if err != nil || !ok {
		return err
	}
	if conv.UnreadCount == 0 {
		return nil
	}
	conv.UnreadCount = 0
	return s.st.UpsertConversation(conv)
}

// SetOpenConversation marks the on-screen conversation and clears its
// unread counter. Pass "" when no conversation is open.
func (s *Service) SetOpenConversation(ctx context.Context, convID string) error {
	s.eng.SetOpenConversation(convID)
	if convID == "" {
		return nil
	}
	return s.MarkRead(ctx, convID)
}

// SetPinned toggles the pinned flag.
func (s *Service) SetPinned(ctx context.Context, convID string, pinned bool) error {
	conv, ok, err := s.st.Conversation(convID)
	if err != nil {
		return err
	}
	if !ok {
		return relayerrors.ErrNotFound
	}
	conv.Pinned = pinned
	return s.st.UpsertConversation(conv)
}

// SetMuted toggles the muted flag.
func (s *Service) SetMuted(ctx context.Context, convID string, muted bool) error {
	conv, ok, err := s.st.Conversation(convID)
	if err != nil {
		return err
	}
	if !ok {
		return relayerrors.ErrNotFound
	}
	conv.Muted = muted
	return s.st.UpsertConversation(conv)
}

// DeleteConversation removes the conversation locally and tombstones it so
// relay replays cannot resurrect it. Relay copies are untouched.
func (s *Service) DeleteConversation(ctx context.Context, convID string) error {
	return s.st.DeleteConversation(convID, time.Now().UnixMilli())
}

// Backfill pulls older events for a conversation from the relays, runs them
// through reconciliation, and returns the refreshed local page. beforeTS is
// in milliseconds, matching Messages.
func (s *Service) Backfill(ctx context.Context, convID string, beforeTS int64, limit int) ([]domain.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	filters, err := s.backfillFilters(ctx, convID, beforeTS, limit)
	if err != nil {
		return nil, err
	}
	var batch []*nostr.Event
	for _, filter := range filters {
		queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
		events, err := s.transport.Query(queryCtx, filter)
		cancel()
		if err != nil {
			s.log.Warn("backfill_query_failed", zap.String("conversation", convID), zap.Error(err))
			continue
		}
		batch = append(batch, events...)
	}
	if len(batch) > 0 {
		s.eng.Reconcile(ctx, batch)
	}
	return s.st.MessagesByConversation(convID, beforeTS, limit)
}

func (s *Service) backfillFilters(ctx context.Context, convID string, beforeTS int64, limit int) (nostr.Filters, error) {
	var until *nostr.Timestamp
	if beforeTS > 0 {
		ts := nostr.Timestamp(beforeTS / 1000)
		until = &ts
	}
	conv, ok, err := s.st.Conversation(convID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, relayerrors.ErrNotFound
	}
	if conv.Type == domain.ConversationDirect {
		keys, err := s.ids.Keys(ctx)
		if err != nil {
			return nil, err
		}
		peer := conv.Scheme.PeerKey
		// Only the peer's side is fetched; self-authored events are already
		// local and would be dropped by the self-origin gate anyway.
		return nostr.Filters{{
			Kinds:   []int{codec.KindDirectMessage},
			Authors: []string{peer},
			Tags:    nostr.TagMap{codec.TagRecipient: {keys.PublicKey}},
			Until:   until,
			Limit:   limit,
		}}, nil
	}
	return nostr.Filters{{
		Kinds: []int{codec.KindChannelMessage},
		Tags:  nostr.TagMap{codec.TagEvent: {convID}},
		Until: until,
		Limit: limit,
	}}, nil
}

// settle signs and publishes the relay event for an optimistic message,
// then updates the stored copy to sent or failed. The relay echo of the
// same event is absorbed by the dedup gate via the origin index.
func (s *Service) settle(ctx context.Context, msg domain.Message, ev nostr.Event, privateKey string) (domain.Message, error) {
	if privateKey == "" {
		return s.fail(msg), relayerrors.ErrNoSigningKey
	}
	if err := ev.Sign(privateKey); err != nil {
		return s.fail(msg), err
	}
	publishCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	if err := s.transport.Publish(publishCtx, ev); err != nil {
		return s.fail(msg), err
	}
	msg.Status = domain.StatusSent
	msg.OriginEventID = ev.ID
	if err := s.st.UpsertMessage(msg); err != nil {
		return msg, err
	}
	return msg, nil
}

// fail persists the failed status and returns the updated copy so the caller
// sees the same state the store holds.
func (s *Service) fail(msg domain.Message) domain.Message {
	msg.Status = domain.StatusFailed
	if err := s.st.UpsertMessage(msg); err != nil {
		s.log.Error("message_fail_state_write", zap.String("message", msg.ID), zap.Error(err))
	}
	return msg
}

func (s *Service) ensureDirectConversation(ctx context.Context, convID, selfKey, peerKey string) (domain.Conversation, error) {
	conv, ok, err := s.st.Conversation(convID)
	if err != nil {
		return domain.Conversation{}, err
	}
	if ok {
		return conv, nil
	}
	self := s.ids.Profile(ctx, selfKey)
	peer := s.ids.Profile(ctx, peerKey)
	return domain.Conversation{
		ID:   convID,
		Type: domain.ConversationDirect,
		Participants: []domain.Participant{
			{PublicKey: selfKey, Name: self.Name, Avatar: self.Avatar},
			{PublicKey: peerKey, Name: peer.Name, Avatar: peer.Avatar},
		},
		Scheme: domain.EncryptionScheme{Kind: domain.SchemePairwise, PeerKey: peerKey},
		Scope:  s.ids.Scope(ctx),
	}, nil
}

func (s *Service) typingLimiter(convID string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	lim, ok := s.typeGov[convID]
	if !ok {
		lim = rate.NewLimiter(rate.Every(typingEmitInterval), 1)
		s.typeGov[convID] = lim
	}
	return lim
}

// Package engine is the reconciliation core: it merges raw event batches
// from subscriptions, fallback polling, and backfill into the local store.
// Order is not guaranteed and duplicates are expected across overlapping
// filters; every event passes the dedup, scope, self-origin, and tombstone
// gates before its kind-specific transition is applied.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"go.uber.org/zap"

	"relaychat/internal/codec"
	"relaychat/internal/crypto"
	"relaychat/internal/domain"
	"relaychat/internal/identity"
	"relaychat/internal/metrics"
	"relaychat/internal/relay"
	"relaychat/internal/store"
	relayerrors "relaychat/pkg/errors"
	"relaychat/pkg/logger"
)

// typingStaleThreshold drops typing indicators that spent too long in
// transit to still mean anything.
const typingStaleThreshold = 10 * time.Second

var (
	errScopeMismatch = errors.New("scope mismatch")
	errSelfOrigin    = errors.New("self-authored event")
)

// Notifier is the external presentation collaborator. It is invoked after
// persistence; its failures never affect stored state.
type Notifier interface {
	NewMessage(conv domain.Conversation, msg domain.Message)
	NewReaction(conv domain.Conversation, msg domain.Message, emoji, senderName string)
}

// Engine owns all inbound mutation paths. Optimistic sends go through
// RecordOutgoing so the self-origin and dedup gates are the only places
// where divergence between local and relayed state is resolved.
type Engine struct {
	st         *store.Store
	ids        *identity.Resolver
	transport  relay.Transport
	log        *logger.Logger
	mets       *metrics.Metrics
	typing     *TypingTracker
	membership *Membership
	notifier   Notifier

	queryTimeout time.Duration

	mu       sync.Mutex
	openConv string
}

func New(st *store.Store, ids *identity.Resolver, transport relay.Transport, log *logger.Logger, mets *metrics.Metrics, queryTimeout time.Duration) *Engine {
	if queryTimeout <= 0 {
		queryTimeout = 10 * time.Second
	}
	return &Engine{
		st:           st,
		ids:          ids,
		transport:    transport,
		log:          log,
		mets:         mets,
		typing:       NewTypingTracker(DefaultTypingDebounce, DefaultTypingLiveness),
		membership:   NewMembership(st, ids, transport, log, queryTimeout),
		queryTimeout: queryTimeout,
	}
}

// SetNotifier attaches the presentation collaborator.
func (e *Engine) SetNotifier(n Notifier) {
	e.notifier = n
}

// SetTypingWindows replaces the typing tracker windows. Call before Run.
func (e *Engine) SetTypingWindows(debounce, liveness time.Duration) {
	e.typing.Close()
	e.typing = NewTypingTracker(debounce, liveness)
}

// SetOpenConversation marks the conversation currently on screen; inbound
// messages for it do not bump the unread counter.
func (e *Engine) SetOpenConversation(convID string) {
	e.mu.Lock()
	e.openConv = convID
	e.mu.Unlock()
}

func (e *Engine) openConversation() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.openConv
}

// TypingUsers returns the live typing entries for a conversation.
func (e *Engine) TypingUsers(convID string) []domain.TypingEntry {
	return e.typing.Users(convID)
}

// RequestChannelAccess exposes the membership access-request flow.
func (e *Engine) RequestChannelAccess(ctx context.Context, channelID string) error {
	return e.membership.EnsureAccessRequested(ctx, channelID)
}

// InviteToChannel sends the channel key to a recipient over a pairwise
// direct message and records their membership.
func (e *Engine) InviteToChannel(ctx context.Context, channelID, recipient string) error {
	return e.membership.grantAccess(ctx, recipient, channelID)
}

// Close cancels typing timers. The store is closed by its owner.
func (e *Engine) Close() {
	e.typing.Close()
}

// Reconcile merges a batch of raw relay events into the local store.
// Failures are always local to the offending event; one malformed or
// undecryptable event never aborts the remainder of a batch.
func (e *Engine) Reconcile(ctx context.Context, events []*nostr.Event) {
	for _, ev := range events {
		err := e.apply(ctx, ev)
		switch {
		case err == nil:
			e.mets.EventsStored.Inc()
		case errors.Is(err, relayerrors.ErrDuplicateEvent):
			e.mets.DuplicateEvents.Inc()
		case errors.Is(err, errScopeMismatch):
			e.mets.DroppedScope.Inc()
		case errors.Is(err, errSelfOrigin):
			// Already applied optimistically on send.
		case errors.Is(err, relayerrors.ErrConversationDeleted):
			e.mets.DroppedTombstone.Inc()
		case errors.Is(err, relayerrors.ErrMalformedEvent):
			e.mets.DroppedMalformed.Inc()
			e.log.Debug("event_malformed", zap.String("event", ev.ID), zap.Error(err))
		case errors.Is(err, relayerrors.ErrDecryptionUnavailable), errors.Is(err, relayerrors.ErrNoSigningKey):
			e.mets.DecryptMisses.Inc()
		default:
			e.log.Warn("event_apply_failed", zap.String("event", ev.ID), zap.Error(err))
		}
	}
}

func (e *Engine) apply(ctx context.Context, ev *nostr.Event) error {
	if ev == nil {
		return relayerrors.ErrInvalidInput
	}
	if _, found, err := e.st.FindByOriginEvent(ev.ID); err != nil {
		return err
	} else if found {
		return relayerrors.ErrDuplicateEvent
	}
	keys, err := e.ids.Keys(ctx)
	if err != nil {
		return err
	}
	if !codec.ScopeMatches(ev, e.ids.Scope(ctx)) {
		return errScopeMismatch
	}
	if ev.PubKey == keys.PublicKey {
		return errSelfOrigin
	}

	decoded, err := codec.Decode(ev)
	if err != nil {
		return err
	}
	switch d := decoded.(type) {
	case codec.DirectMessage:
		return e.applyDirectMessage(ctx, keys, d)
	case codec.ChannelMessage:
		return e.applyChannelMessage(ctx, d)
	case codec.ChannelCreate:
		return e.applyChannelCreate(ctx, d)
	case codec.Reaction:
		return e.applyReaction(ctx, d)
	case codec.Deletion:
		return e.applyDeletion(ctx, d)
	case codec.Typing:
		return e.applyTyping(ctx, d)
	}
	// Unrecognized kind; not an error.
	return nil
}

func (e *Engine) applyDirectMessage(ctx context.Context, keys identity.Keys, d codec.DirectMessage) error {
	ev := d.Event
	convID := domain.DirectConversationID(keys.PublicKey, ev.PubKey)
	if err := e.tombstoneGate(convID); err != nil {
		return err
	}
	pairwise, err := crypto.NewPairwise(keys.PrivateKey, ev.PubKey)
	if err != nil {
		return err
	}
	plaintext, err := pairwise.Decrypt(ev.Content)
	if err != nil {
		return err
	}
	if payload, ok := crypto.ParseControlPayload(plaintext); ok {
		// Membership control traffic, not a visible chat message.
		return e.membership.HandleControl(ctx, ev.PubKey, payload)
	}

	profile := e.ids.Profile(ctx, ev.PubKey)
	conv, err := e.ensureDirectConversation(ctx, convID, keys.PublicKey, ev.PubKey, profile)
	if err != nil {
		return err
	}
	msg := domain.Message{
		ID:             ev.ID,
		ConversationID: convID,
		SenderKey:      ev.PubKey,
		SenderName:     profile.Name,
		SenderAvatar:   profile.Avatar,
		RecipientKey:   keys.PublicKey,
		Content:        plaintext,
		Timestamp:      eventMillis(ev),
		Status:         domain.StatusDelivered,
		ReplyToID:      d.ReplyTo,
		OriginEventID:  ev.ID,
	}
	e.attachReplyPreview(&msg)
	if err := e.st.UpsertMessage(msg); err != nil {
		return err
	}
	if err := e.bumpConversation(conv, msg); err != nil {
		return err
	}
	e.notifyMessage(conv, msg)
	return nil
}

func (e *Engine) applyChannelMessage(ctx context.Context, d codec.ChannelMessage) error {
	ev := d.Event
	if err := e.tombstoneGate(d.Channel); err != nil {
		return err
	}
	conv, ok, err := e.st.Conversation(d.Channel)
	if err != nil {
		return err
	}
	if !ok {
		// Fetch channel metadata before materializing a placeholder so the
		// channel is not permanently mislabeled.
		conv = e.fetchChannelConversation(ctx, d.Channel)
		if err := e.st.UpsertConversation(conv); err != nil {
			return err
		}
	}

	// On a decrypt miss the wire body is kept on the message so a later key
	// grant can recover the plaintext without redelivery.
	var content, pending string
	switch {
	case conv.Private && conv.Scheme.HasChannelKey():
		var opened bool
		content, opened = crypto.DecryptChannel(ev.Content, conv.Scheme.ChannelKey)
		if !opened {
			pending = ev.Content
			e.mets.DecryptMisses.Inc()
		}
	case conv.Private:
		content = crypto.PlaceholderEncrypted
		pending = ev.Content
		if err := e.membership.EnsureAccessRequested(ctx, conv.ID); err != nil {
			e.log.Debug("access_request_failed", zap.String("channel", conv.ID), zap.Error(err))
		}
	default:
		content = structuredContentFallback(ev.Content)
	}

	profile := e.ids.Profile(ctx, ev.PubKey)
	msg := domain.Message{
		ID:               ev.ID,
		ConversationID:   conv.ID,
		SenderKey:        ev.PubKey,
		SenderName:       profile.Name,
		SenderAvatar:     profile.Avatar,
		Content:          content,
		EncryptedContent: pending,
		Timestamp:        eventMillis(ev),
		Status:           domain.StatusDelivered,
		ReplyToID:        d.ReplyTo,
		OriginEventID:    ev.ID,
	}
	e.attachReplyPreview(&msg)
	if err := e.st.UpsertMessage(msg); err != nil {
		return err
	}
	if err := e.bumpConversation(conv, msg); err != nil {
		return err
	}
	e.notifyMessage(conv, msg)
	return nil
}

func (e *Engine) applyChannelCreate(ctx context.Context, d codec.ChannelCreate) error {
	ev := d.Event
	if err := e.tombstoneGate(ev.ID); err != nil {
		return err
	}
	conv, ok, err := e.st.Conversation(ev.ID)
	if err != nil {
		return err
	}
	if ok && conv.Name != "" {
		return relayerrors.ErrDuplicateEvent
	}
	if !ok {
		conv = domain.Conversation{
			ID:     ev.ID,
			Type:   domain.ConversationChannel,
			Scheme: domain.EncryptionScheme{Kind: domain.SchemeNone},
			Scope:  e.ids.Scope(ctx),
		}
	}
	// Static metadata only; the message list is untouched.
	conv.Name = d.Meta.Name
	conv.Avatar = d.Meta.Picture
	conv.Private = d.Meta.Private
	conv.CreatedBy = ev.PubKey
	if conv.Private && conv.Scheme.Kind == domain.SchemeNone {
		conv.Scheme = domain.EncryptionScheme{Kind: domain.SchemeShared}
	}
	return e.st.UpsertConversation(conv)
}

func (e *Engine) applyReaction(ctx context.Context, d codec.Reaction) error {
	ev := d.Event
	msgID, found, err := e.st.FindByOriginEvent(d.Target)
	if err != nil {
		return err
	}
	if !found {
		// Reaction to a message we never cached; nothing to annotate.
		return nil
	}
	msg, err := e.st.Message(msgID)
	if err != nil {
		return err
	}
	profile := e.ids.Profile(ctx, ev.PubKey)
	added := msg.AddReaction(d.Emoji, domain.Reaction{
		SenderKey:  ev.PubKey,
		SenderName: profile.Name,
		Timestamp:  eventMillis(ev),
		EventID:    ev.ID,
	})
	if added {
		if err := e.st.UpsertMessage(msg); err != nil {
			return err
		}
	}
	// Index the reaction event either way so redelivery hits the dedup gate.
	if err := e.st.IndexOrigin(ev.ID, msg.ID); err != nil {
		return err
	}
	if added && e.notifier != nil {
		if conv, ok, _ := e.st.Conversation(msg.ConversationID); ok {
			e.notifier.NewReaction(conv, msg, d.Emoji, profile.Name)
		}
	}
	return nil
}

func (e *Engine) applyDeletion(ctx context.Context, d codec.Deletion) error {
	ev := d.Event
	for _, target := range d.Targets {
		msgID, found, err := e.st.FindByOriginEvent(target)
		if err != nil {
			return err
		}
		if !found {
			continue
		}
		msg, err := e.st.Message(msgID)
		if err != nil {
			continue
		}
		if msg.RemoveReactionByEvent(target, ev.PubKey) {
			if err := e.st.UpsertMessage(msg); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *Engine) applyTyping(ctx context.Context, d codec.Typing) error {
	ev := d.Event
	if time.Since(ev.CreatedAt.Time()) > typingStaleThreshold {
		return nil
	}
	if err := e.tombstoneGate(d.Conversation); err != nil {
		return err
	}
	profile := e.ids.Profile(ctx, ev.PubKey)
	e.typing.Upsert(d.Conversation, ev.PubKey, profile.Name)
	return nil
}

// RecordOutgoing is the optimistic-send write path. It persists the
// conversation before the message so a message never exists without a
// resolvable conversation, and refreshes the summary without bumping the
// unread counter.
func (e *Engine) RecordOutgoing(ctx context.Context, conv domain.Conversation, msg domain.Message) error {
	if err := e.st.UpsertConversation(conv); err != nil {
		return err
	}
	if err := e.st.UpsertMessage(msg); err != nil {
		return err
	}
	if conv.LastMessage == nil || msg.Timestamp >= conv.LastMessage.Timestamp {
		conv.LastMessage = &domain.LastMessage{
			Content:    msg.Content,
			Timestamp:  msg.Timestamp,
			SenderName: msg.SenderName,
		}
		return e.st.UpsertConversation(conv)
	}
	return nil
}

func (e *Engine) tombstoneGate(convID string) error {
	if _, dead, err := e.st.Tombstone(convID); err != nil {
		return err
	} else if dead {
		return relayerrors.ErrConversationDeleted
	}
	return nil
}

func (e *Engine) ensureDirectConversation(ctx context.Context, convID, selfKey, peerKey string, peer identity.Profile) (domain.Conversation, error) {
	conv, ok, err := e.st.Conversation(convID)
	if err != nil {
		return domain.Conversation{}, err
	}
	if ok {
		return conv, nil
	}
	self := e.ids.Profile(ctx, selfKey)
	conv = domain.Conversation{
		ID:   convID,
		Type: domain.ConversationDirect,
		Participants: []domain.Participant{
			{PublicKey: selfKey, Name: self.Name, Avatar: self.Avatar},
			{PublicKey: peerKey, Name: peer.Name, Avatar: peer.Avatar},
		},
		Scheme: domain.EncryptionScheme{Kind: domain.SchemePairwise, PeerKey: peerKey},
		Scope:  e.ids.Scope(ctx),
	}
	if err := e.st.UpsertConversation(conv); err != nil {
		return domain.Conversation{}, err
	}
	return conv, nil
}

// fetchChannelConversation learns a channel's metadata with a one-shot query
// before a placeholder conversation is materialized.
func (e *Engine) fetchChannelConversation(ctx context.Context, channelID string) domain.Conversation {
	conv := domain.Conversation{
		ID:     channelID,
		Type:   domain.ConversationChannel,
		Scheme: domain.EncryptionScheme{Kind: domain.SchemeNone},
		Scope:  e.ids.Scope(ctx),
	}
	queryCtx, cancel := context.WithTimeout(ctx, e.queryTimeout)
	defer cancel()
	events, err := e.transport.Query(queryCtx, nostr.Filter{
		IDs:   []string{channelID},
		Kinds: []int{codec.KindChannelCreate},
		Limit: 1,
	})
	if err != nil || len(events) == 0 {
		e.log.Warn("channel_metadata_fetch_failed", zap.String("channel", channelID), zap.Error(err))
		return conv
	}
	decoded, err := codec.Decode(events[0])
	if err != nil {
		return conv
	}
	if create, ok := decoded.(codec.ChannelCreate); ok {
		conv.Name = create.Meta.Name
		conv.Avatar = create.Meta.Picture
		conv.Private = create.Meta.Private
		conv.CreatedBy = create.Event.PubKey
		if conv.Private {
			conv.Scheme = domain.EncryptionScheme{Kind: domain.SchemeShared}
		}
	}
	return conv
}

// bumpConversation refreshes the denormalized summary, bumps the unread
// counter unless the conversation is on screen, and moves it up the recency
// ordering (recency is derived from the summary timestamp on read).
func (e *Engine) bumpConversation(conv domain.Conversation, msg domain.Message) error {
	// Re-read: the membership flow may have attached a key concurrently.
	if current, ok, err := e.st.Conversation(conv.ID); err == nil && ok {
		conv = current
	}
	if conv.LastMessage == nil || msg.Timestamp >= conv.LastMessage.Timestamp {
		conv.LastMessage = &domain.LastMessage{
			Content:    msg.Content,
			Timestamp:  msg.Timestamp,
			SenderName: msg.SenderName,
		}
	}
	if conv.ID != e.openConversation() {
		conv.UnreadCount++
	}
	return e.st.UpsertConversation(conv)
}

func (e *Engine) attachReplyPreview(msg *domain.Message) {
	if msg.ReplyToID == "" {
		return
	}
	targetID, found, err := e.st.FindByOriginEvent(msg.ReplyToID)
	if err != nil || !found {
		return
	}
	target, err := e.st.Message(targetID)
	if err != nil {
		return
	}
	msg.ReplyPreview = &domain.ReplyPreview{
		Content:    target.Content,
		SenderName: target.SenderName,
	}
}

func (e *Engine) notifyMessage(conv domain.Conversation, msg domain.Message) {
	if e.notifier == nil {
		return
	}
	e.notifier.NewMessage(conv, msg)
}

func eventMillis(ev *nostr.Event) int64 {
	return int64(ev.CreatedAt) * 1000
}

// structuredContentFallback unwraps clients that post {"content": "..."}
// JSON bodies in public channels; anything else passes through untouched.
func structuredContentFallback(raw string) string {
	if len(raw) == 0 || raw[0] != '{' {
		return raw
	}
	var wrapper struct {
		Content string `json:"content"`
	}
	if err := json.Unmarshal([]byte(raw), &wrapper); err != nil || wrapper.Content == "" {
		return raw
	}
	return wrapper.Content
}

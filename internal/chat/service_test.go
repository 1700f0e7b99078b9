package chat

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relaychat/internal/codec"
	"relaychat/internal/crypto"
	"relaychat/internal/domain"
	"relaychat/internal/engine"
	"relaychat/internal/identity"
	"relaychat/internal/metrics"
	"relaychat/internal/relay"
	"relaychat/internal/store"
	relayerrors "relaychat/pkg/errors"
	"relaychat/pkg/logger"
)

type fakeTransport struct {
	mu          sync.Mutex
	published   []nostr.Event
	failPublish bool
	queryFn     func(nostr.Filter) ([]*nostr.Event, error)
}

func (f *fakeTransport) Query(ctx context.Context, filter nostr.Filter) ([]*nostr.Event, error) {
	if f.queryFn == nil {
		return nil, nil
	}
	return f.queryFn(filter)
}

func (f *fakeTransport) Publish(ctx context.Context, ev nostr.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failPublish {
		return relayerrors.ErrRelayUnreachable
	}
	f.published = append(f.published, ev)
	return nil
}

func (f *fakeTransport) Subscribe(ctx context.Context, filters nostr.Filters) (relay.Subscription, error) {
	return nil, relayerrors.ErrRelayUnreachable
}

func (f *fakeTransport) publishedEvents() []nostr.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]nostr.Event, len(f.published))
	copy(out, f.published)
	return out
}

type harness struct {
	svc      *Service
	eng      *engine.Engine
	st       *store.Store
	tr       *fakeTransport
	selfPriv string
	selfPub  string
	peerPriv string
	peerPub  string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st, err := store.Open(t.TempDir(), logger.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	selfPriv := nostr.GeneratePrivateKey()
	selfPub, err := nostr.GetPublicKey(selfPriv)
	require.NoError(t, err)
	peerPriv := nostr.GeneratePrivateKey()
	peerPub, err := nostr.GetPublicKey(peerPriv)
	require.NoError(t, err)

	ids := identity.NewResolver(
		identity.StaticKeys{Keys: identity.Keys{PublicKey: selfPub, PrivateKey: selfPriv}},
		nil,
		identity.StaticScope(""),
	)
	tr := &fakeTransport{}
	log := logger.NewNop()
	eng := engine.New(st, ids, tr, log, metrics.New(nil), time.Second)
	t.Cleanup(eng.Close)
	svc := NewService(st, ids, tr, eng, log, time.Second)

	return &harness{
		svc: svc, eng: eng, st: st, tr: tr,
		selfPriv: selfPriv, selfPub: selfPub,
		peerPriv: peerPriv, peerPub: peerPub,
	}
}

func (h *harness) directConvID() string {
	return domain.DirectConversationID(h.selfPub, h.peerPub)
}

func TestSendDirectSettlesToSent(t *testing.T) {
	h := newHarness(t)

	msg, err := h.svc.SendDirect(context.Background(), h.peerPub, "hello", "")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSent, msg.Status)
	assert.NotEmpty(t, msg.OriginEventID)

	published := h.tr.publishedEvents()
	require.Len(t, published, 1)
	assert.Equal(t, codec.KindDirectMessage, published[0].Kind)
	assert.NotEqual(t, "hello", published[0].Content)

	// The peer can decrypt what went over the wire.
	pw, err := crypto.NewPairwise(h.peerPriv, h.selfPub)
	require.NoError(t, err)
	plaintext, err := pw.Decrypt(published[0].Content)
	require.NoError(t, err)
	assert.Equal(t, "hello", plaintext)

	conv, ok, err := h.st.Conversation(h.directConvID())
	require.NoError(t, err)
	require.True(t, ok)
	require.NotNil(t, conv.LastMessage)
	assert.Equal(t, "hello", conv.LastMessage.Content)
	assert.Equal(t, 0, conv.UnreadCount)
}

func TestSendDirectRelayEchoDeduped(t *testing.T) {
	h := newHarness(t)
	msg, err := h.svc.SendDirect(context.Background(), h.peerPub, "hello", "")
	require.NoError(t, err)

	published := h.tr.publishedEvents()
	require.Len(t, published, 1)
	echo := published[0]
	h.eng.Reconcile(context.Background(), []*nostr.Event{&echo})

	msgs, err := h.st.MessagesByConversation(msg.ConversationID, 0, 10)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestSendDirectPublishFailure(t *testing.T) {
	h := newHarness(t)
	h.tr.failPublish = true

	msg, err := h.svc.SendDirect(context.Background(), h.peerPub, "hello", "")
	assert.ErrorIs(t, err, relayerrors.ErrRelayUnreachable)
	assert.Equal(t, domain.StatusFailed, msg.Status)

	// The failed message stays visible locally for retry.
	stored, err := h.st.Message(msg.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, stored.Status)
}

func TestSendDirectTombstoned(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.SendDirect(context.Background(), h.peerPub, "first", "")
	require.NoError(t, err)
	require.NoError(t, h.svc.DeleteConversation(context.Background(), h.directConvID()))

	_, err = h.svc.SendDirect(context.Background(), h.peerPub, "after delete", "")
	assert.ErrorIs(t, err, relayerrors.ErrConversationDeleted)
}

func TestCreateChannelPrivateGeneratesKey(t *testing.T) {
	h := newHarness(t)

	conv, err := h.svc.CreateChannel(context.Background(), "secret", "about", "", true)
	require.NoError(t, err)
	assert.True(t, conv.Private)
	assert.True(t, conv.Scheme.HasChannelKey())
	assert.Equal(t, h.selfPub, conv.CreatedBy)
	assert.True(t, conv.HasMember(h.selfPub))

	published := h.tr.publishedEvents()
	require.Len(t, published, 1)
	assert.Equal(t, codec.KindChannelCreate, published[0].Kind)
	assert.Equal(t, published[0].ID, conv.ID)
	// The channel key never appears on the wire.
	assert.NotContains(t, published[0].Content, string(conv.Scheme.ChannelKey))
}

func TestSendChannelEncryptsForPrivate(t *testing.T) {
	h := newHarness(t)
	conv, err := h.svc.CreateChannel(context.Background(), "secret", "", "", true)
	require.NoError(t, err)

	msg, err := h.svc.SendChannel(context.Background(), conv.ID, "classified", "")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSent, msg.Status)
	// Local copy keeps the plaintext.
	assert.Equal(t, "classified", msg.Content)

	published := h.tr.publishedEvents()
	require.Len(t, published, 2)
	wire := published[1]
	assert.Equal(t, codec.KindChannelMessage, wire.Kind)
	assert.NotEqual(t, "classified", wire.Content)
	plaintext, ok := crypto.DecryptChannel(wire.Content, conv.Scheme.ChannelKey)
	require.True(t, ok)
	assert.Equal(t, "classified", plaintext)
}

func TestSendChannelWithoutKeyFails(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.st.UpsertConversation(domain.Conversation{
		ID: "chan1", Type: domain.ConversationChannel, Name: "secret", Private: true,
		Scheme: domain.EncryptionScheme{Kind: domain.SchemeShared},
	}))

	_, err := h.svc.SendChannel(context.Background(), "chan1", "nope", "")
	assert.ErrorIs(t, err, relayerrors.ErrDecryptionUnavailable)
	assert.Empty(t, h.tr.publishedEvents())
}

func TestSendChannelUnknownChannel(t *testing.T) {
	h := newHarness(t)

	_, err := h.svc.SendChannel(context.Background(), "nope", "hi", "")
	assert.ErrorIs(t, err, relayerrors.ErrNotFound)
}

func TestReactOncePerEmoji(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.st.UpsertConversation(domain.Conversation{ID: "c1"}))
	require.NoError(t, h.st.UpsertMessage(domain.Message{
		ID: "m1", ConversationID: "c1", SenderKey: h.peerPub,
		Timestamp: 1000, OriginEventID: "ev1",
	}))

	require.NoError(t, h.svc.React(context.Background(), "m1", "👍"))
	// Second identical reaction is a local no-op, nothing republished.
	require.NoError(t, h.svc.React(context.Background(), "m1", "👍"))

	published := h.tr.publishedEvents()
	require.Len(t, published, 1)
	assert.Equal(t, codec.KindReaction, published[0].Kind)

	msg, err := h.st.Message("m1")
	require.NoError(t, err)
	require.Len(t, msg.Reactions["👍"], 1)
}

func TestReactToInFlightMessageRejected(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.st.UpsertMessage(domain.Message{
		ID: "m1", ConversationID: "c1", Timestamp: 1000, Status: domain.StatusSending,
	}))

	err := h.svc.React(context.Background(), "m1", "👍")
	assert.ErrorIs(t, err, relayerrors.ErrInvalidInput)
}

func TestRemoveReaction(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.st.UpsertConversation(domain.Conversation{ID: "c1"}))
	require.NoError(t, h.st.UpsertMessage(domain.Message{
		ID: "m1", ConversationID: "c1", SenderKey: h.peerPub,
		Timestamp: 1000, OriginEventID: "ev1",
	}))
	require.NoError(t, h.svc.React(context.Background(), "m1", "👍"))

	require.NoError(t, h.svc.RemoveReaction(context.Background(), "m1", "👍"))

	published := h.tr.publishedEvents()
	require.Len(t, published, 2)
	assert.Equal(t, codec.KindDeletion, published[1].Kind)

	msg, err := h.st.Message("m1")
	require.NoError(t, err)
	assert.Empty(t, msg.Reactions)

	// Removing again finds nothing.
	assert.ErrorIs(t, h.svc.RemoveReaction(context.Background(), "m1", "👍"), relayerrors.ErrNotFound)
}

func TestSetTypingThrottled(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.svc.SetTyping(context.Background(), "conv1"))
	require.NoError(t, h.svc.SetTyping(context.Background(), "conv1"))
	// A different conversation has its own limiter.
	require.NoError(t, h.svc.SetTyping(context.Background(), "conv2"))

	published := h.tr.publishedEvents()
	require.Len(t, published, 2)
	for _, ev := range published {
		assert.Equal(t, codec.KindTyping, ev.Kind)
	}
}

func TestMarkReadClearsUnread(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.st.UpsertConversation(domain.Conversation{ID: "c1", UnreadCount: 7}))

	require.NoError(t, h.svc.MarkRead(context.Background(), "c1"))

	conv, _, err := h.st.Conversation("c1")
	require.NoError(t, err)
	assert.Equal(t, 0, conv.UnreadCount)
}

func TestBackfillMergesOlderEvents(t *testing.T) {
	h := newHarness(t)
	// Seed the conversation via a normal send.
	_, err := h.svc.SendDirect(context.Background(), h.peerPub, "recent", "")
	require.NoError(t, err)

	pw, err := crypto.NewPairwise(h.peerPriv, h.selfPub)
	require.NoError(t, err)
	ciphertext, err := pw.Encrypt("from the archive")
	require.NoError(t, err)
	old := codec.NewDirectMessage(h.selfPub, ciphertext, "", "")
	old.CreatedAt = nostr.Timestamp(time.Now().Add(-time.Hour).Unix())
	require.NoError(t, old.Sign(h.peerPriv))
	h.tr.queryFn = func(filter nostr.Filter) ([]*nostr.Event, error) {
		return []*nostr.Event{&old}, nil
	}

	msgs, err := h.svc.Backfill(context.Background(), h.directConvID(), 0, 50)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "from the archive", msgs[0].Content)
	assert.Equal(t, "recent", msgs[1].Content)
}

func TestSetPinnedAndMuted(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.st.UpsertConversation(domain.Conversation{ID: "c1"}))

	require.NoError(t, h.svc.SetPinned(context.Background(), "c1", true))
	require.NoError(t, h.svc.SetMuted(context.Background(), "c1", true))

	conv, _, err := h.st.Conversation("c1")
	require.NoError(t, err)
	assert.True(t, conv.Pinned)
	assert.True(t, conv.Muted)

	assert.ErrorIs(t, h.svc.SetPinned(context.Background(), "missing", true), relayerrors.ErrNotFound)
}

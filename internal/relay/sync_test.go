package relay

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relaychat/internal/codec"
	"relaychat/internal/identity"
	"relaychat/internal/metrics"
	"relaychat/internal/store"
	relayerrors "relaychat/pkg/errors"
	"relaychat/pkg/logger"
)

type fakeTransport struct {
	mu      sync.Mutex
	queried []nostr.Filter
	events  []*nostr.Event
}

func (f *fakeTransport) Query(ctx context.Context, filter nostr.Filter) ([]*nostr.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queried = append(f.queried, filter)
	return f.events, nil
}

func (f *fakeTransport) Publish(ctx context.Context, ev nostr.Event) error { return nil }

func (f *fakeTransport) Subscribe(ctx context.Context, filters nostr.Filters) (Subscription, error) {
	return nil, relayerrors.ErrRelayUnreachable
}

type captureIngestor struct {
	mu     sync.Mutex
	events []*nostr.Event
}

func (c *captureIngestor) Reconcile(ctx context.Context, events []*nostr.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, events...)
}

func newTestManager(t *testing.T, tr Transport, ingest Ingestor, scope string) (*Manager, *store.Store) {
	t.Helper()
	st, err := store.Open(t.TempDir(), logger.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	priv := nostr.GeneratePrivateKey()
	pub, err := nostr.GetPublicKey(priv)
	require.NoError(t, err)
	ids := identity.NewResolver(
		identity.StaticKeys{Keys: identity.Keys{PublicKey: pub, PrivateKey: priv}},
		nil,
		identity.StaticScope(scope),
	)
	m := NewManager(tr, ingest, ids, st, logger.NewNop(), metrics.New(nil), time.Minute, time.Minute)
	return m, st
}

func TestFiltersCoverScopedChannelVariants(t *testing.T) {
	m, _ := newTestManager(t, &fakeTransport{}, &captureIngestor{}, "tenant-a")

	filters, err := m.filters(context.Background(), nil)
	require.NoError(t, err)

	var current, legacy, unscoped bool
	for _, f := range filters {
		if vals, ok := f.Tags[codec.TagScope]; ok {
			assert.Equal(t, []string{"tenant-a"}, vals)
			current = true
		}
		if vals, ok := f.Tags[codec.TagScopeLegacy]; ok {
			assert.Equal(t, []string{"tenant-a"}, vals)
			legacy = true
		}
		if len(f.Tags) == 0 && len(f.Kinds) == 1 && f.Kinds[0] == codec.KindChannelMessage {
			unscoped = true
		}
	}
	assert.True(t, current)
	assert.True(t, legacy)
	assert.True(t, unscoped)
}

func TestFiltersWithoutScope(t *testing.T) {
	m, _ := newTestManager(t, &fakeTransport{}, &captureIngestor{}, "")

	filters, err := m.filters(context.Background(), nil)
	require.NoError(t, err)

	for _, f := range filters {
		_, hasCurrent := f.Tags[codec.TagScope]
		_, hasLegacy := f.Tags[codec.TagScopeLegacy]
		assert.False(t, hasCurrent)
		assert.False(t, hasLegacy)
	}
}

func TestAnnotationEventsMatchDeliveryFilters(t *testing.T) {
	m, _ := newTestManager(t, &fakeTransport{}, &captureIngestor{}, "")
	keys, err := m.ids.Keys(context.Background())
	require.NoError(t, err)
	filters, err := m.filters(context.Background(), nil)
	require.NoError(t, err)

	// A peer reacting to (or unreacting from) our message must be delivered
	// by at least one live filter.
	reaction := codec.NewReaction("target-event", keys.PublicKey, "👍", "")
	deletion := codec.NewDeletion("reaction-event", keys.PublicKey, "")
	for _, ev := range []nostr.Event{reaction, deletion} {
		matched := false
		for _, f := range filters {
			if f.Matches(&ev) {
				matched = true
				break
			}
		}
		assert.True(t, matched, "kind %d event matches no filter", ev.Kind)
	}
}

func TestPollOnceQueriesWithOverlap(t *testing.T) {
	tr := &fakeTransport{}
	ingest := &captureIngestor{}
	m, st := newTestManager(t, tr, ingest, "")
	require.NoError(t, st.SetCheckpoint(1700000000))
	ev := &nostr.Event{ID: "ev1", Kind: codec.KindTyping, CreatedAt: 1700000500}
	tr.events = []*nostr.Event{ev}

	m.pollOnce(context.Background())

	tr.mu.Lock()
	require.NotEmpty(t, tr.queried)
	for _, f := range tr.queried {
		require.NotNil(t, f.Since)
		assert.Equal(t, nostr.Timestamp(1700000000-60), *f.Since)
		assert.Equal(t, 500, f.Limit)
	}
	tr.mu.Unlock()

	ingest.mu.Lock()
	assert.NotEmpty(t, ingest.events)
	ingest.mu.Unlock()

	// Checkpoint advanced to the newest event seen.
	ts, err := st.Checkpoint()
	require.NoError(t, err)
	assert.Equal(t, int64(1700000500), ts)
}

func TestPollOnceWithoutCheckpointQueriesUnbounded(t *testing.T) {
	tr := &fakeTransport{}
	m, _ := newTestManager(t, tr, &captureIngestor{}, "")

	m.pollOnce(context.Background())

	tr.mu.Lock()
	defer tr.mu.Unlock()
	require.NotEmpty(t, tr.queried)
	for _, f := range tr.queried {
		assert.Nil(t, f.Since)
	}
}

func TestAdvanceCheckpointMonotonic(t *testing.T) {
	m, st := newTestManager(t, &fakeTransport{}, &captureIngestor{}, "")
	require.NoError(t, st.SetCheckpoint(2000))

	m.advanceCheckpoint(1500) // older event must not rewind
	ts, err := st.Checkpoint()
	require.NoError(t, err)
	assert.Equal(t, int64(2000), ts)

	m.advanceCheckpoint(2500)
	ts, err = st.Checkpoint()
	require.NoError(t, err)
	assert.Equal(t, int64(2500), ts)
}

func TestManagerCloseIdempotent(t *testing.T) {
	m, _ := newTestManager(t, &fakeTransport{}, &captureIngestor{}, "")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m.Run(ctx)
	m.Close()
	m.Close()
	assert.Equal(t, StateDisconnected, m.State())
}

func TestManagerRestartsAfterClose(t *testing.T) {
	tr := &fakeTransport{}
	m, _ := newTestManager(t, tr, &captureIngestor{}, "")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	queryCount := func() int {
		tr.mu.Lock()
		defer tr.mu.Unlock()
		return len(tr.queried)
	}
	waitForQueries := func(min int) {
		deadline := time.Now().Add(5 * time.Second)
		for time.Now().Before(deadline) {
			if queryCount() >= min {
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
		t.Fatalf("poller issued %d queries, want at least %d", queryCount(), min)
	}

	// A refresh is Close followed by Run; the second cycle must poll and
	// tear down just like the first.
	m.Run(ctx)
	waitForQueries(1)
	m.Close()
	afterFirst := queryCount()

	m.Run(ctx)
	waitForQueries(afterFirst + 1)
	m.Close()
	assert.Equal(t, StateDisconnected, m.State())
}

package relay

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"relaychat/internal/codec"
	"relaychat/internal/identity"
	"relaychat/internal/metrics"
	"relaychat/internal/store"
	"relaychat/pkg/logger"
)

// State is the subscription lifecycle of the sync manager.
type State int32

const (
	StateDisconnected State = iota
	StateSubscribing
	StateLive
	StateReconnecting
)

// Ingestor receives raw event batches for reconciliation.
type Ingestor interface {
	Reconcile(ctx context.Context, events []*nostr.Event)
}

// checkpointOverlap is subtracted from the stored checkpoint on every poll
// so clock skew between relays cannot open a delivery gap. Overlapping
// redelivery is safe: the dedup gate absorbs it.
const checkpointOverlap = 60 * time.Second

// Manager owns the live subscription, a degraded-mode polling loop, and
// reconnect with backoff. Polling runs concurrently with the live
// subscription as a correctness backstop, because push delivery across
// independently operated relays is not guaranteed.
type Manager struct {
	transport Transport
	ingest    Ingestor
	ids       *identity.Resolver
	st        *store.Store
	log       *logger.Logger
	mets      *metrics.Metrics

	pollInterval  time.Duration
	reconnectWait time.Duration

	state  atomic.Int32
	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewManager(transport Transport, ingest Ingestor, ids *identity.Resolver, st *store.Store, log *logger.Logger, mets *metrics.Metrics, pollInterval, reconnectWait time.Duration) *Manager {
	if pollInterval <= 0 {
		pollInterval = 30 * time.Second
	}
	if reconnectWait <= 0 {
		reconnectWait = 5 * time.Second
	}
	return &Manager{
		transport:     transport,
		ingest:        ingest,
		ids:           ids,
		st:            st,
		log:           log,
		mets:          mets,
		pollInterval:  pollInterval,
		reconnectWait: reconnectWait,
	}
}

// State reports the current subscription state.
func (m *Manager) State() State {
	return State(m.state.Load())
}

// Run starts the subscription loop and the fallback poller. It returns
// immediately; Close tears both down. A closed manager may be run again,
// which is how a caller-initiated refresh restarts delivery.
func (m *Manager) Run(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.wg.Add(2)
	go m.subscribeLoop(runCtx)
	go m.pollLoop(runCtx)
}

// Close tears down all subscriptions and the polling loop as a group.
// Required before a caller-initiated refresh to avoid duplicate delivery.
// Idempotent.
func (m *Manager) Close() {
	m.mu.Lock()
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	m.wg.Wait()
	m.state.Store(int32(StateDisconnected))
}

// filters builds the live filter set: self-directed DMs, reactions and
// deletions on self-authored content, typing indicators, and channel
// content under both scope tag variants plus an unscoped fallback that
// relies on the reconciliation scope gate to screen cross-tenant noise.
func (m *Manager) filters(ctx context.Context, since *nostr.Timestamp) (nostr.Filters, error) {
	keys, err := m.ids.Keys(ctx)
	if err != nil {
		return nil, err
	}
	self := []string{keys.PublicKey}
	filters := nostr.Filters{
		{Kinds: []int{codec.KindDirectMessage}, Tags: nostr.TagMap{codec.TagRecipient: self}, Since: since},
		{Kinds: []int{codec.KindReaction, codec.KindDeletion}, Tags: nostr.TagMap{codec.TagRecipient: self}, Since: since},
		{Kinds: []int{codec.KindTyping}, Since: since},
	}
	channelKinds := []int{codec.KindChannelCreate, codec.KindChannelMessage}
	if scope := m.ids.Scope(ctx); scope != "" {
		filters = append(filters,
			nostr.Filter{Kinds: channelKinds, Tags: nostr.TagMap{codec.TagScope: {scope}}, Since: since},
			nostr.Filter{Kinds: channelKinds, Tags: nostr.TagMap{codec.TagScopeLegacy: {scope}}, Since: since},
			nostr.Filter{Kinds: []int{codec.KindChannelMessage}, Since: since},
		)
	} else {
		filters = append(filters, nostr.Filter{Kinds: channelKinds, Since: since})
	}
	return filters, nil
}

func (m *Manager) subscribeLoop(ctx context.Context) {
	defer m.wg.Done()
	for {
		if ctx.Err() != nil {
			return
		}
		m.state.Store(int32(StateSubscribing))
		filters, err := m.filters(ctx, nil)
		if err != nil {
			m.log.Error("filter_build_failed", zap.Error(err))
			if !m.sleep(ctx, m.reconnectWait) {
				return
			}
			continue
		}
		sub, err := m.transport.Subscribe(ctx, filters)
		if err != nil {
			m.log.Warn("subscribe_failed", zap.Error(err))
			if !m.sleep(ctx, m.reconnectWait) {
				return
			}
			continue
		}
		m.drain(ctx, sub)
		if ctx.Err() != nil {
			return
		}
		m.state.Store(int32(StateReconnecting))
		m.mets.Reconnects.Inc()
		m.log.Info("subscription_closed_reconnecting", zap.Duration("wait", m.reconnectWait))
		if !m.sleep(ctx, m.reconnectWait) {
			return
		}
	}
}

func (m *Manager) drain(ctx context.Context, sub Subscription) {
	defer sub.Close()
	eose := sub.EndOfStored()
	for {
		select {
		case <-ctx.Done():
			return
		case <-eose:
			m.state.Store(int32(StateLive))
			eose = nil
		case <-sub.Done():
			return
		case ev := <-sub.Events():
			if ev == nil {
				continue
			}
			m.ingest.Reconcile(ctx, []*nostr.Event{ev})
			m.advanceCheckpoint(int64(ev.CreatedAt))
		}
	}
}

// pollLoop re-issues bounded since-checkpoint queries on a fixed interval.
// Individual query failures are swallowed and retried on the next tick.
func (m *Manager) pollLoop(ctx context.Context) {
	defer m.wg.Done()
	limiter := rate.NewLimiter(rate.Every(m.pollInterval), 1)
	for {
		if err := limiter.Wait(ctx); err != nil {
			return
		}
		m.pollOnce(ctx)
	}
}

func (m *Manager) pollOnce(ctx context.Context) {
	checkpoint, err := m.st.Checkpoint()
	if err != nil {
		m.mets.PollErrors.Inc()
		return
	}
	var since *nostr.Timestamp
	if checkpoint > 0 {
		ts := nostr.Timestamp(checkpoint - int64(checkpointOverlap.Seconds()))
		since = &ts
	}
	filters, err := m.filters(ctx, since)
	if err != nil {
		m.mets.PollErrors.Inc()
		return
	}
	var batch []*nostr.Event
	for _, filter := range filters {
		filter.Limit = 500
		events, err := m.transport.Query(ctx, filter)
		if err != nil {
			m.mets.PollErrors.Inc()
			continue
		}
		batch = append(batch, events...)
	}
	if len(batch) == 0 {
		return
	}
	m.ingest.Reconcile(ctx, batch)
	for _, ev := range batch {
		m.advanceCheckpoint(int64(ev.CreatedAt))
	}
}

func (m *Manager) advanceCheckpoint(created int64) {
	current, err := m.st.Checkpoint()
	if err != nil || created <= current {
		return
	}
	if err := m.st.SetCheckpoint(created); err != nil {
		m.log.Warn("checkpoint_write_failed", zap.Error(err))
	}
}

func (m *Manager) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

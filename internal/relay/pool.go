package relay

import (
	"context"
	"sync"

	"github.com/nbd-wtf/go-nostr"
	"go.uber.org/zap"

	relayerrors "relaychat/pkg/errors"
	"relaychat/pkg/logger"
)

// Pool is the go-nostr backed Transport over a fixed relay set. Connections
// are dialed lazily and cached; a failed relay is dropped from the cache and
// re-dialed on next use. No single relay is authoritative: queries merge
// responses, publishes succeed on the first ack.
type Pool struct {
	urls []string
	log  *logger.Logger

	mu     sync.Mutex
	relays map[string]*nostr.Relay
}

func NewPool(urls []string, log *logger.Logger) *Pool {
	return &Pool{
		urls:   urls,
		log:    log,
		relays: make(map[string]*nostr.Relay),
	}
}

func (p *Pool) relay(ctx context.Context, url string) (*nostr.Relay, error) {
	p.mu.Lock()
	if r, ok := p.relays[url]; ok {
		p.mu.Unlock()
		return r, nil
	}
	p.mu.Unlock()

	r, err := nostr.RelayConnect(ctx, url)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.relays[url] = r
	p.mu.Unlock()
	return r, nil
}

func (p *Pool) drop(url string) {
	p.mu.Lock()
	if r, ok := p.relays[url]; ok {
		delete(p.relays, url)
		_ = r.Close()
	}
	p.mu.Unlock()
}

// Query fans the filter out to every relay and merges the responses,
// deduplicated by event id. It fails only when no relay answered.
func (p *Pool) Query(ctx context.Context, filter nostr.Filter) ([]*nostr.Event, error) {
	type result struct {
		events []*nostr.Event
		err    error
	}
	results := make(chan result, len(p.urls))
	for _, url := range p.urls {
		go func(url string) {
			r, err := p.relay(ctx, url)
			if err != nil {
				results <- result{err: err}
				return
			}
			events, err := r.QuerySync(ctx, filter)
			if err != nil {
				p.drop(url)
			}
			results <- result{events: events, err: err}
		}(url)
	}

	seen := make(map[string]struct{})
	var merged []*nostr.Event
	answered := false
	for range p.urls {
		res := <-results
		if res.err != nil {
			continue
		}
		answered = true
		for _, ev := range res.events {
			if _, dup := seen[ev.ID]; dup {
				continue
			}
			seen[ev.ID] = struct{}{}
			merged = append(merged, ev)
		}
	}
	if !answered {
		return nil, relayerrors.ErrRelayUnreachable
	}
	return merged, nil
}

// Publish sends the signed event to every relay; one ack is success.
func (p *Pool) Publish(ctx context.Context, ev nostr.Event) error {
	acks := make(chan error, len(p.urls))
	for _, url := range p.urls {
		go func(url string) {
			r, err := p.relay(ctx, url)
			if err != nil {
				acks <- err
				return
			}
			if err := r.Publish(ctx, ev); err != nil {
				p.drop(url)
				acks <- err
				return
			}
			acks <- nil
		}(url)
	}
	var lastErr error
	for range p.urls {
		if err := <-acks; err == nil {
			return nil
		} else {
			lastErr = err
		}
	}
	p.log.Warn("publish_failed_all_relays", zap.String("event", ev.ID), zap.Error(lastErr))
	return relayerrors.ErrRelayUnreachable
}

// Subscribe opens the filters on every reachable relay and fans the streams
// into one Subscription. End-of-stored fires on the first relay to finish
// its replay; waiting for the slowest would leave startup unbounded.
func (p *Pool) Subscribe(ctx context.Context, filters nostr.Filters) (Subscription, error) {
	subCtx, cancel := context.WithCancel(ctx)
	ps := &poolSubscription{
		events: make(chan *nostr.Event, 256),
		eose:   make(chan struct{}),
		done:   make(chan struct{}),
		cancel: cancel,
	}

	opened := 0
	for _, url := range p.urls {
		r, err := p.relay(subCtx, url)
		if err != nil {
			p.log.Warn("relay_dial_failed", zap.String("relay", url), zap.Error(err))
			continue
		}
		sub, err := r.Subscribe(subCtx, filters)
		if err != nil {
			p.log.Warn("subscribe_failed", zap.String("relay", url), zap.Error(err))
			p.drop(url)
			continue
		}
		opened++
		ps.wg.Add(1)
		go ps.drain(sub)
	}
	if opened == 0 {
		cancel()
		return nil, relayerrors.ErrRelayUnreachable
	}
	go func() {
		ps.wg.Wait()
		close(ps.done)
	}()
	return ps, nil
}

type poolSubscription struct {
	events chan *nostr.Event
	eose   chan struct{}
	done   chan struct{}
	cancel context.CancelFunc

	wg       sync.WaitGroup
	eoseOnce sync.Once
}

func (s *poolSubscription) drain(sub *nostr.Subscription) {
	defer s.wg.Done()
	eose := sub.EndOfStoredEvents
	for {
		select {
		case ev, ok := <-sub.Events:
			if !ok {
				return
			}
			select {
			case s.events <- ev:
			case <-sub.Context.Done():
				return
			}
		case <-eose:
			s.eoseOnce.Do(func() { close(s.eose) })
			eose = nil
		case <-sub.Context.Done():
			return
		}
	}
}

func (s *poolSubscription) Events() <-chan *nostr.Event { return s.events }
func (s *poolSubscription) EndOfStored() <-chan struct{} { return s.eose }
func (s *poolSubscription) Done() <-chan struct{}        { return s.done }
func (s *poolSubscription) Close()                       { s.cancel() }

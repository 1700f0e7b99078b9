// Package relay owns the connection to the relay set: a transport
// abstraction over publish/subscribe/query, and the sync manager that keeps
// the local store reconciled against it.
package relay

import (
	"context"

	"github.com/nbd-wtf/go-nostr"
)

// Subscription is a live event stream over one or more relays.
type Subscription interface {
	// Events delivers raw relay events until the subscription ends.
	Events() <-chan *nostr.Event
	// EndOfStored is closed once stored events have been replayed and the
	// stream has gone live.
	EndOfStored() <-chan struct{}
	// Done is closed when the subscription has terminated on all relays.
	Done() <-chan struct{}
	// Close tears the subscription down. Idempotent.
	Close()
}

// Transport is the relay network boundary: at-least-once, best-effort
// delivery with no ordering guarantee and no deduplication. All calls are
// bounded by their context.
type Transport interface {
	Query(ctx context.Context, filter nostr.Filter) ([]*nostr.Event, error)
	Publish(ctx context.Context, ev nostr.Event) error
	Subscribe(ctx context.Context, filters nostr.Filters) (Subscription, error)
}

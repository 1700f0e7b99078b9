package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts reconciliation and sync outcomes.
type Metrics struct {
	EventsStored     prometheus.Counter
	DuplicateEvents  prometheus.Counter
	DroppedScope     prometheus.Counter
	DroppedTombstone prometheus.Counter
	DroppedMalformed prometheus.Counter
	DecryptMisses    prometheus.Counter
	Reconnects       prometheus.Counter
	PollErrors       prometheus.Counter
}

// New registers the counters. A nil registerer gets a private registry so
// callers (tests) never need to care.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)
	return &Metrics{
		EventsStored: factory.NewCounter(prometheus.CounterOpts{
			Name: "relaychat_events_stored_total",
			Help: "Events that produced a local state transition.",
		}),
		DuplicateEvents: factory.NewCounter(prometheus.CounterOpts{
			Name: "relaychat_events_duplicate_total",
			Help: "Events discarded by the dedup gate.",
		}),
		DroppedScope: factory.NewCounter(prometheus.CounterOpts{
			Name: "relaychat_events_dropped_scope_total",
			Help: "Events discarded by the tenant scope gate.",
		}),
		DroppedTombstone: factory.NewCounter(prometheus.CounterOpts{
			Name: "relaychat_events_dropped_tombstone_total",
			Help: "Events discarded because their conversation is tombstoned.",
		}),
		DroppedMalformed: factory.NewCounter(prometheus.CounterOpts{
			Name: "relaychat_events_dropped_malformed_total",
			Help: "Events of a recognized kind with missing or unparseable tags.",
		}),
		DecryptMisses: factory.NewCounter(prometheus.CounterOpts{
			Name: "relaychat_decrypt_misses_total",
			Help: "Payloads that could not be decrypted with available keys.",
		}),
		Reconnects: factory.NewCounter(prometheus.CounterOpts{
			Name: "relaychat_subscription_reconnects_total",
			Help: "Subscription channel closures followed by a resubscribe.",
		}),
		PollErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "relaychat_poll_errors_total",
			Help: "Fallback polling queries that failed and were retried.",
		}),
	}
}

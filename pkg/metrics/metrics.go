package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Counters for the sync core. Labels stay low-cardinality: event type,
// merge rule, mutation action/outcome.
var (
	EventsIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lingodesk_events_ingested_total",
		Help: "Normalized realtime events accepted into the ingest queue.",
	}, []string{"type"})

	EventsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lingodesk_events_dropped_total",
		Help: "Inbound events dropped before reconciliation.",
	}, []string{"reason"})

	Merges = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lingodesk_merges_total",
		Help: "Reconciliation merges by matching rule.",
	}, []string{"rule"})

	DuplicateMessages = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lingodesk_duplicate_messages_total",
		Help: "Message events skipped because the message id was already present.",
	})

	Mutations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lingodesk_mutations_total",
		Help: "Optimistic mutations by action and outcome.",
	}, []string{"action", "outcome"})

	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "lingodesk_ingest_queue_depth",
		Help: "Current depth of the inbound event queue.",
	})
)

// Package metrics exposes Prometheus instruments for the relay.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MessagesTotal counts inbound messages by surface and outcome
	// (reply, command, observed, rejected, error).
	MessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cortex_relay_messages_total",
			Help: "Total number of inbound messages handled",
		},
		[]string{"surface", "outcome"},
	)

	// CommandsTotal counts relay commands by name.
	CommandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cortex_relay_commands_total",
			Help: "Total number of relay commands handled",
		},
		[]string{"command"},
	)

	ReplyDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cortex_relay_reply_duration_seconds",
			Help:    "Time from inbound message to final reply",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 40, 80, 160},
		},
		[]string{"surface"},
	)

	ProviderRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cortex_relay_provider_requests_total",
			Help: "Total number of completion requests",
		},
		[]string{"provider", "status"},
	)

	ProviderLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cortex_relay_provider_latency_seconds",
			Help:    "Completion request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"provider"},
	)

	ProviderTokens = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cortex_relay_provider_tokens_total",
			Help: "Tokens consumed by completion requests",
		},
		[]string{"provider", "direction"},
	)

	// ReasoningRounds observes how many extension rounds a scaled reply used.
	ReasoningRounds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cortex_relay_reasoning_rounds",
			Help:    "Extension rounds used per scaled reasoning reply",
			Buckets: []float64{0, 1, 2, 3, 5, 8, 13, 20},
		},
	)

	RAGQueries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cortex_relay_rag_queries_total",
			Help: "Evidence-grounded queries by result",
		},
		[]string{"result"},
	)

	PapersIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cortex_relay_papers_ingested_total",
			Help: "Papers added to the evidence store by source",
		},
		[]string{"source"},
	)

	AttachmentsResolved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cortex_relay_attachments_resolved_total",
			Help: "Attachments converted to content blocks by kind",
		},
		[]string{"kind"},
	)

	// ActiveConversations tracks conversations with a request in flight.
	ActiveConversations = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "cortex_relay_active_conversations",
			Help: "Conversations currently producing a reply",
		},
	)
)

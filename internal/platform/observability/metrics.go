// Package observability exposes prometheus metrics and the health
// endpoint server.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	MessagesIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sentinel_messages_ingested_total",
		Help: "The total number of ingested messages",
	}, []string{"class"})

	DroppedIngress = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sentinel_dropped_ingress_total",
		Help: "Messages dropped on pending-queue overflow, oldest first",
	}, []string{"class"})

	DroppedDup = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sentinel_dropped_dup_total",
		Help: "Messages rejected as duplicates by the store",
	}, []string{"class"})

	BatchesExtracted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sentinel_batches_extracted_total",
		Help: "Extraction batches by outcome",
	}, []string{"status"})

	LLMCalls = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sentinel_llm_calls_total",
		Help: "Admitted LLM calls",
	})

	LLMDeferrals = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sentinel_llm_deferrals_total",
		Help: "Batches deferred because a budget window was full",
	})

	ExtractionRepairs = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sentinel_extraction_repairs_total",
		Help: "Schema repair attempts after non-conforming LLM output",
	})

	EventsExtracted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sentinel_events_extracted_total",
		Help: "Structured events produced by the extractor",
	})

	ClustersByState = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sentinel_cluster_transitions_total",
		Help: "Cluster state transitions",
	}, []string{"state"})

	Emissions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sentinel_emissions_total",
		Help: "Cluster summaries emitted to the output channel",
	})

	Retractions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sentinel_retractions_total",
		Help: "Retraction messages emitted",
	})

	PendingQueueSize = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sentinel_pending_queue_size",
		Help: "Messages waiting in the per-class pending queues",
	}, []string{"class"})
)

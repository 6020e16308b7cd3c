// Package metrics holds the Prometheus collectors of contextdb. They are
// registered on the default registry at init and served by the gateway.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "contextdb"

var (
	// Store
	StoreOps = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "store",
		Name:      "ops_total",
		Help:      "The total number of put and delete operations committed",
	}, []string{"backend"})

	StoreBatchLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "store",
		Name:      "batch_latency_seconds",
		Help:      "The latency of atomic batch commits",
	}, []string{"backend"})

	StoreBatchErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "store",
		Name:      "batch_errors_total",
		Help:      "The total number of failed batch commits",
	}, []string{"backend"})

	// Index
	IndexEntriesWritten = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "index",
		Name:      "entries_written_total",
		Help:      "The total number of composite index entries written",
	}, []string{"state"})

	IndexEntriesRetracted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "index",
		Name:      "entries_retracted_total",
		Help:      "The total number of stale composite index entries retracted",
	})

	IndexPlanLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "index",
		Name:      "plan_latency_seconds",
		Help:      "The latency of computing the index plan of one document",
	})

	// Reindex
	ReindexRuns = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "reindex",
		Name:      "runs_total",
		Help:      "The total number of full reindex runs",
	})

	ReindexDocuments = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "reindex",
		Name:      "documents_total",
		Help:      "The total number of documents replayed by reindex runs",
	})

	ReindexDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "reindex",
		Name:      "duration_seconds",
		Help:      "The duration of full reindex runs",
		Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
	})

	// Contexts
	ContextsOpen = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "context",
		Name:      "open",
		Help:      "The number of live contexts",
	})

	ContextChanges = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "context",
		Name:      "changes_total",
		Help:      "The total number of change events emitted by contexts",
	}, []string{"action"})

	ContextWriteBacks = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "context",
		Name:      "write_backs_total",
		Help:      "The total number of local edits written back to the store",
	})

	// Live tail
	LiveTailEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "livetail",
		Name:      "events_total",
		Help:      "The total number of events delivered by live-tail streams",
	}, []string{"phase"})
)

func init() {
	prometheus.MustRegister(StoreOps)
	prometheus.MustRegister(StoreBatchLatency)
	prometheus.MustRegister(StoreBatchErrors)
	prometheus.MustRegister(IndexEntriesWritten)
	prometheus.MustRegister(IndexEntriesRetracted)
	prometheus.MustRegister(IndexPlanLatency)
	prometheus.MustRegister(ReindexRuns)
	prometheus.MustRegister(ReindexDocuments)
	prometheus.MustRegister(ReindexDuration)
	prometheus.MustRegister(ContextsOpen)
	prometheus.MustRegister(ContextChanges)
	prometheus.MustRegister(ContextWriteBacks)
	prometheus.MustRegister(LiveTailEvents)
}

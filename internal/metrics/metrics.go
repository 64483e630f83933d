package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Reconciler, driver and collaborator metrics, partitioned by event source.

var (
	// Reconciler
	ReconcilerEventsAdded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "counterwatch",
		Subsystem: "reconciler",
		Name:      "events_added_total",
		Help:      "Total change events accepted into the history, by origin (historical|live)",
	}, []string{"source", "kind"})

	ReconcilerDuplicatesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "counterwatch",
		Subsystem: "reconciler",
		Name:      "duplicates_dropped_total",
		Help:      "Total live events dropped because their transaction hash was already present or missing",
	}, []string{"source"})

	ReconcilerWatermark = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "counterwatch",
		Subsystem: "reconciler",
		Name:      "watermark_block",
		Help:      "Next block number not covered by the historical load",
	}, []string{"source"})

	ReconcilerHistorySize = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "counterwatch",
		Subsystem: "reconciler",
		Name:      "history_size",
		Help:      "Number of change events currently held",
	}, []string{"source"})

	ReconcilerTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "counterwatch",
		Subsystem: "reconciler",
		Name:      "transitions_total",
		Help:      "Lifecycle transitions taken",
	}, []string{"source", "from", "to"})

	// Driver
	HistoricalFetchAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "counterwatch",
		Subsystem: "driver",
		Name:      "historical_fetch_attempts_total",
		Help:      "Historical fetch attempts by outcome (ok|transient|terminal)",
	}, []string{"source", "outcome"})

	HistoricalFetchLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "counterwatch",
		Subsystem: "driver",
		Name:      "historical_fetch_duration_seconds",
		Help:      "Duration of the one-shot historical fetch including retries",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"source"})

	LivePollsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "counterwatch",
		Subsystem: "driver",
		Name:      "live_polls_total",
		Help:      "Live tail polls by status (ok|error|skipped)",
	}, []string{"source", "status"})

	LivePollLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "counterwatch",
		Subsystem: "driver",
		Name:      "live_poll_duration_seconds",
		Help:      "Duration of a single live tail poll",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"source"})

	LiveCursorBlock = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "counterwatch",
		Subsystem: "driver",
		Name:      "live_cursor_block",
		Help:      "Lower bound block of the next live tail poll",
	}, []string{"source"})

	ContractReads = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "counterwatch",
		Subsystem: "driver",
		Name:      "contract_reads_total",
		Help:      "Contract view reads by call (value|owner) and status (ok|error)",
	}, []string{"source", "call", "status"})

	ContractValue = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "counterwatch",
		Subsystem: "driver",
		Name:      "contract_value",
		Help:      "Counter value last read from the contract",
	}, []string{"source"})

	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "counterwatch",
		Subsystem: "driver",
		Name:      "circuit_breaker_state",
		Help:      "Live poll circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"source"})

	// Collaborator RPC
	RPCCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "counterwatch",
		Subsystem: "rpc",
		Name:      "calls_total",
		Help:      "Total collaborator RPC calls by method and status",
	}, []string{"source", "method", "status"})

	RPCRateLimitWaits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "counterwatch",
		Subsystem: "rpc",
		Name:      "rate_limit_waits_total",
		Help:      "Total times RPC calls waited for rate limiter",
	}, []string{"source"})

	BlockMetaCacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "counterwatch",
		Subsystem: "rpc",
		Name:      "block_meta_cache_lookups_total",
		Help:      "Block metadata cache lookups by result (hit|miss)",
	}, []string{"source", "result"})

	// Stream fan-out
	StreamMessagesPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "counterwatch",
		Subsystem: "stream",
		Name:      "messages_published_total",
		Help:      "Change events published to the stream transport",
	}, []string{"backend", "kind"})

	StreamMessagesConsumed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "counterwatch",
		Subsystem: "stream",
		Name:      "messages_consumed_total",
		Help:      "Envelopes handled and checkpointed by a stream follower",
	}, []string{"backend"})

	StreamMessagesSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "counterwatch",
		Subsystem: "stream",
		Name:      "messages_skipped_total",
		Help:      "Undecodable stream entries a follower checkpointed past",
	}, []string{"backend"})

	StreamPublishErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "counterwatch",
		Subsystem: "stream",
		Name:      "publish_errors_total",
		Help:      "Failed stream publishes",
	}, []string{"backend"})

	// Admin
	AdminRateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "counterwatch",
		Subsystem: "admin",
		Name:      "rate_limited_total",
		Help:      "Admin HTTP requests rejected by the rate limiter",
	}, []string{"path"})

	// Alerts
	AlertsSentTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "counterwatch",
		Subsystem: "alert",
		Name:      "sent_total",
		Help:      "Total alerts sent",
	}, []string{"channel", "alert_type"})

	AlertsCooldownSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "counterwatch",
		Subsystem: "alert",
		Name:      "cooldown_skipped_total",
		Help:      "Total alerts skipped due to cooldown",
	}, []string{"channel", "alert_type"})
)

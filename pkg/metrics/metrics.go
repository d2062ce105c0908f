package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Chain subscriber metrics
	SubscriberCircuitState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ethhook_subscriber_circuit_state",
			Help: "Chain subscriber circuit state (0=closed, 1=half_open, 2=open) by chain",
		},
		[]string{"chain"},
	)

	LogsReceivedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ethhook_logs_received_total",
			Help: "Total number of raw logs received from RPC providers by chain",
		},
		[]string{"chain"},
	)

	SubscriberReconnectsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ethhook_subscriber_reconnects_total",
			Help: "Total number of WebSocket reconnect attempts by chain",
		},
		[]string{"chain"},
	)

	// Dedup / normalize metrics
	EventsIngestedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ethhook_events_ingested_total",
			Help: "Total number of events accepted by the deduplicator by chain",
		},
		[]string{"chain"},
	)

	DuplicateEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ethhook_duplicate_events_total",
			Help: "Total number of duplicate logs suppressed by chain",
		},
		[]string{"chain"},
	)

	// Matcher metrics
	EndpointCacheSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ethhook_endpoint_cache_size",
			Help: "Number of active endpoints currently held in the matcher cache",
		},
	)

	EndpointCacheAgeSeconds = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ethhook_endpoint_cache_age_seconds",
			Help: "Seconds since the endpoint cache was last refreshed successfully",
		},
	)

	MatchBatchSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ethhook_match_batch_size",
			Help:    "Number of events accumulated per matcher batch",
			Buckets: []float64{1, 2, 5, 10, 25, 50, 100, 250},
		},
	)

	MatchLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ethhook_match_latency_seconds",
			Help:    "Time taken to match one batch of events against the endpoint cache",
			Buckets: prometheus.DefBuckets,
		},
	)

	DeliveryJobsCreatedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ethhook_delivery_jobs_created_total",
			Help: "Total number of delivery jobs produced by the endpoint matcher",
		},
	)

	// Delivery scheduler / circuit breaker metrics
	EndpointCircuitState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ethhook_endpoint_circuit_state",
			Help: "Per-endpoint circuit breaker state (0=closed, 1=half_open, 2=open)",
		},
		[]string{"endpoint_id"},
	)

	JobsDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ethhook_jobs_dropped_total",
			Help: "Total number of delivery jobs dropped before an HTTP attempt, by reason",
		},
		[]string{"reason"},
	)

	RateLimitWaitSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ethhook_rate_limit_wait_seconds",
			Help:    "Time a job spent waiting on a per-endpoint token bucket",
			Buckets: prometheus.DefBuckets,
		},
	)

	// HTTP delivery worker metrics
	DeliveryAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ethhook_delivery_attempts_total",
			Help: "Total number of webhook delivery attempts by recorded status",
		},
		[]string{"status"},
	)

	DeliveryDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ethhook_delivery_duration_seconds",
			Help:    "Time taken for a single webhook HTTP POST to complete",
			Buckets: prometheus.DefBuckets,
		},
	)

	RetryDelaySeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ethhook_retry_delay_seconds",
			Help:    "Computed backoff delay before a retry attempt is re-enqueued",
			Buckets: []float64{5, 10, 20, 40, 80, 160, 320, 640, 1280, 2560, 3600},
		},
	)

	JobsExpiredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ethhook_jobs_expired_total",
			Help: "Total number of delivery jobs that exhausted their retry horizon",
		},
	)

	AnalyticsWriteFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ethhook_analytics_write_failures_total",
			Help: "Total number of analytics store write failures by record kind",
		},
		[]string{"kind"},
	)
)

func init() {
	prometheus.MustRegister(SubscriberCircuitState)
	prometheus.MustRegister(LogsReceivedTotal)
	prometheus.MustRegister(SubscriberReconnectsTotal)
	prometheus.MustRegister(EventsIngestedTotal)
	prometheus.MustRegister(DuplicateEventsTotal)
	prometheus.MustRegister(EndpointCacheSize)
	prometheus.MustRegister(EndpointCacheAgeSeconds)
	prometheus.MustRegister(MatchBatchSize)
	prometheus.MustRegister(MatchLatency)
	prometheus.MustRegister(DeliveryJobsCreatedTotal)
	prometheus.MustRegister(EndpointCircuitState)
	prometheus.MustRegister(JobsDroppedTotal)
	prometheus.MustRegister(RateLimitWaitSeconds)
	prometheus.MustRegister(DeliveryAttemptsTotal)
	prometheus.MustRegister(DeliveryDuration)
	prometheus.MustRegister(RetryDelaySeconds)
	prometheus.MustRegister(JobsExpiredTotal)
	prometheus.MustRegister(AnalyticsWriteFailuresTotal)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// CircuitGaugeValue maps a circuit state name to the gauge value convention
// used by SubscriberCircuitState / EndpointCircuitState.
func CircuitGaugeValue(state string) float64 {
	switch state {
	case "half_open":
		return 1
	case "open":
		return 2
	default: // closed
		return 0
	}
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

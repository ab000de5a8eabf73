package observability

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "loand"

type httpMetrics struct {
	requests *prometheus.CounterVec
	errors   *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

type marketMetrics struct {
	ticks     *prometheus.CounterVec
	rejects   *prometheus.CounterVec
	freshness *prometheus.GaugeVec
}

type lifecycleMetrics struct {
	requests   *prometheus.CounterVec
	duplicates *prometheus.CounterVec
	events     *prometheus.CounterVec
	latency    *prometheus.HistogramVec
}

// LiquidationMetrics tracks the liquidation pool and its venue traffic.
type LiquidationMetrics struct {
	jobs       *prometheus.CounterVec
	trades     *prometheus.CounterVec
	retries    *prometheus.CounterVec
	proceeds   prometheus.Histogram
	queueDepth prometheus.Gauge
	workers    prometheus.Gauge
}

var (
	httpMetricsOnce sync.Once
	httpRegistry    *httpMetrics

	marketMetricsOnce sync.Once
	marketRegistry    *marketMetrics

	lifecycleMetricsOnce sync.Once
	lifecycleRegistry    *lifecycleMetrics

	liquidationMetricsOnce sync.Once
	liquidationRegistry    *LiquidationMetrics
)

// HTTPMetrics returns the lazily-initialised registry used by the HTTP server
// middleware to record request activity.
func HTTPMetrics() *httpMetrics {
	httpMetricsOnce.Do(func() {
		httpRegistry = &httpMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total HTTP requests segmented by route, method and outcome.",
			}, []string{"route", "method", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "errors_total",
				Help:      "Total HTTP error responses segmented by route, method and status code.",
			}, []string{"route", "method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for HTTP handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route", "method"}),
		}
		prometheus.MustRegister(
			httpRegistry.requests,
			httpRegistry.errors,
			httpRegistry.latency,
		)
	})
	return httpRegistry
}

// Observe records the outcome of an HTTP request. The status code should be
// the one ultimately written to the response writer.
func (m *httpMetrics) Observe(route, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unknown"
	}
	if method == "" {
		method = "unknown"
	}
	outcome := "success"
	if status >= 400 {
		outcome = "error"
	}
	m.requests.WithLabelValues(route, method, outcome).Inc()
	if status >= 400 {
		m.errors.WithLabelValues(route, method, fmt.Sprintf("%d", status)).Inc()
	}
	m.latency.WithLabelValues(route, method).Observe(duration.Seconds())
}

// MarketMetrics returns the registry tracking price feed activity.
func MarketMetrics() *marketMetrics {
	marketMetricsOnce.Do(func() {
		marketRegistry = &marketMetrics{
			ticks: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "market",
				Name:      "ticks_total",
				Help:      "Count of accepted price ticks segmented by venue.",
			}, []string{"venue"}),
			rejects: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "market",
				Name:      "rejected_ticks_total",
				Help:      "Count of dropped feed messages segmented by venue and reason.",
			}, []string{"venue", "reason"}),
			freshness: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "market",
				Name:      "venue_fresh",
				Help:      "Whether the venue currently has a fresh tick (1) or is stale (0).",
			}, []string{"venue"}),
		}
		prometheus.MustRegister(
			marketRegistry.ticks,
			marketRegistry.rejects,
			marketRegistry.freshness,
		)
	})
	return marketRegistry
}

// RecordTick increments the accepted tick counter for the venue.
func (m *marketMetrics) RecordTick(venue string) {
	if m == nil {
		return
	}
	m.ticks.WithLabelValues(labelVenue(venue)).Inc()
}

// RecordReject counts a dropped feed message. Reasons should be stable
// strings such as "parse" or "missing_tier" so dashboards stay consistent.
func (m *marketMetrics) RecordReject(venue, reason string) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "unspecified"
	}
	m.rejects.WithLabelValues(labelVenue(venue), reason).Inc()
}

// SetFresh flips the per-venue freshness gauge.
func (m *marketMetrics) SetFresh(venue string, fresh bool) {
	if m == nil {
		return
	}
	value := 0.0
	if fresh {
		value = 1.0
	}
	m.freshness.WithLabelValues(labelVenue(venue)).Set(value)
}

// LifecycleMetrics returns the registry tracking loan lifecycle operations and
// outbound event publishing.
func LifecycleMetrics() *lifecycleMetrics {
	lifecycleMetricsOnce.Do(func() {
		lifecycleRegistry = &lifecycleMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "lifecycle",
				Name:      "requests_total",
				Help:      "Total lifecycle operations segmented by operation and outcome.",
			}, []string{"operation", "outcome"}),
			duplicates: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "lifecycle",
				Name:      "duplicate_requests_total",
				Help:      "Count of requests collapsed by the idempotency layer.",
			}, []string{"operation"}),
			events: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "lifecycle",
				Name:      "events_total",
				Help:      "Outbound loan events segmented by type and publish outcome.",
			}, []string{"event_type", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "lifecycle",
				Name:      "operation_duration_seconds",
				Help:      "Latency distribution for lifecycle operations.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"operation"}),
		}
		prometheus.MustRegister(
			lifecycleRegistry.requests,
			lifecycleRegistry.duplicates,
			lifecycleRegistry.events,
			lifecycleRegistry.latency,
		)
	})
	return lifecycleRegistry
}

// Observe records a lifecycle operation outcome.
func (m *lifecycleMetrics) Observe(operation string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	if operation == "" {
		operation = "unknown"
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.requests.WithLabelValues(operation, outcome).Inc()
	m.latency.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordDuplicate counts an idempotency replay for the operation.
func (m *lifecycleMetrics) RecordDuplicate(operation string) {
	if m == nil {
		return
	}
	if operation == "" {
		operation = "unknown"
	}
	m.duplicates.WithLabelValues(operation).Inc()
}

// RecordEvent counts a publish attempt outcome for the given event type.
func (m *lifecycleMetrics) RecordEvent(eventType string, err error) {
	if m == nil {
		return
	}
	if eventType == "" {
		eventType = "unknown"
	}
	outcome := "published"
	if err != nil {
		outcome = "failed"
	}
	m.events.WithLabelValues(eventType, outcome).Inc()
}

// Liquidation returns the registry tracking the liquidation pool.
func Liquidation() *LiquidationMetrics {
	liquidationMetricsOnce.Do(func() {
		liquidationRegistry = &LiquidationMetrics{
			jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "liquidation",
				Name:      "jobs_total",
				Help:      "Liquidation jobs segmented by outcome (started, finalized, abandoned).",
			}, []string{"outcome"}),
			trades: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "liquidation",
				Name:      "trades_total",
				Help:      "Venue order attempts segmented by venue and outcome.",
			}, []string{"venue", "outcome"}),
			retries: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "liquidation",
				Name:      "trade_retries_total",
				Help:      "Count of lot retries segmented by venue.",
			}, []string{"venue"}),
			proceeds: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "liquidation",
				Name:      "proceeds_gc",
				Help:      "Realised proceeds per finalized liquidation in GC.",
				Buckets:   prometheus.ExponentialBuckets(10, 4, 8),
			}),
			queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "liquidation",
				Name:      "queue_depth",
				Help:      "Jobs waiting in the liquidation queue.",
			}),
			workers: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "liquidation",
				Name:      "active_workers",
				Help:      "Workers currently holding a loan lease.",
			}),
		}
		prometheus.MustRegister(
			liquidationRegistry.jobs,
			liquidationRegistry.trades,
			liquidationRegistry.retries,
			liquidationRegistry.proceeds,
			liquidationRegistry.queueDepth,
			liquidationRegistry.workers,
		)
	})
	return liquidationRegistry
}

// RecordJob counts a job lifecycle edge: "started", "finalized", "abandoned".
func (m *LiquidationMetrics) RecordJob(outcome string) {
	if m == nil {
		return
	}
	if outcome == "" {
		outcome = "unknown"
	}
	m.jobs.WithLabelValues(outcome).Inc()
}

// RecordTrade counts one order attempt against a venue.
func (m *LiquidationMetrics) RecordTrade(venue string, err error) {
	if m == nil {
		return
	}
	outcome := "filled"
	if err != nil {
		outcome = "failed"
	}
	m.trades.WithLabelValues(labelVenue(venue), outcome).Inc()
}

// RecordRetry counts a lot retry against a venue.
func (m *LiquidationMetrics) RecordRetry(venue string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(labelVenue(venue)).Inc()
}

// ObserveProceeds records the realised GC proceeds of a finalized loan.
func (m *LiquidationMetrics) ObserveProceeds(gc float64) {
	if m == nil {
		return
	}
	m.proceeds.Observe(gc)
}

// SetQueueDepth publishes the current queue backlog.
func (m *LiquidationMetrics) SetQueueDepth(depth int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(depth))
}

// WorkerStarted / WorkerDone move the active worker gauge.
func (m *LiquidationMetrics) WorkerStarted() {
	if m == nil {
		return
	}
	m.workers.Inc()
}

func (m *LiquidationMetrics) WorkerDone() {
	if m == nil {
		return
	}
	m.workers.Dec()
}

func labelVenue(venue string) string {
	normalized := strings.TrimSpace(strings.ToUpper(venue))
	if normalized == "" {
		return "UNKNOWN"
	}
	return normalized
}

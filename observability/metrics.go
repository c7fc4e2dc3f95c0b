package observability

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	bmerrors "batchmint/core/errors"
)

// Namespace prefixes every metric exported by batchmint services.
const Namespace = "batchmint"

type httpMetrics struct {
	requests  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

var (
	httpMetricsOnce sync.Once
	httpRegistry    *httpMetrics

	queueMetricsOnce sync.Once
	queueRegistry    *QueueMetrics

	ledgerMetricsOnce sync.Once
	ledgerRegistry    *LedgerMetrics

	swapMetricsOnce sync.Once
	swapRegistry    *SwapMetrics

	assetMetricsOnce sync.Once
	assetRegistry    *AssetMetrics
)

// HTTP returns the lazily-initialised registry used to record gateway and
// ledger RPC handler activity.
func HTTP() *httpMetrics {
	httpMetricsOnce.Do(func() {
		httpRegistry = &httpMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total HTTP requests segmented by server, route, and outcome.",
			}, []string{"server", "route", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "http",
				Name:      "errors_total",
				Help:      "Total HTTP errors segmented by server, route, and status code.",
			}, []string{"server", "route", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: Namespace,
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for HTTP handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"server", "route"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "http",
				Name:      "throttles_total",
				Help:      "Count of requests rejected by rate limiting.",
			}, []string{"server", "reason"}),
		}
		prometheus.MustRegister(
			httpRegistry.requests,
			httpRegistry.errors,
			httpRegistry.latency,
			httpRegistry.throttles,
		)
	})
	return httpRegistry
}

// Observe records the outcome of a request. The status code should be the HTTP
// status that was ultimately written to the response writer.
func (m *httpMetrics) Observe(server, route string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if server == "" {
		server = "unknown"
	}
	if route == "" {
		route = "unknown"
	}
	outcome := "success"
	if status >= 400 {
		outcome = "error"
	}
	m.requests.WithLabelValues(server, route, outcome).Inc()
	if status >= 400 {
		m.errors.WithLabelValues(server, route, fmt.Sprintf("%d", status)).Inc()
	}
	m.latency.WithLabelValues(server, route).Observe(duration.Seconds())
}

// RecordThrottle increments the throttle counter. Reasons should be stable
// strings such as "rate_limit" so dashboards remain consistent.
func (m *httpMetrics) RecordThrottle(server, reason string) {
	if m == nil {
		return
	}
	if server == "" {
		server = "unknown"
	}
	if reason == "" {
		reason = "unspecified"
	}
	m.throttles.WithLabelValues(server, reason).Inc()
}

// QueueMetrics tracks the threshold queue coordinator.
type QueueMetrics struct {
	operations *prometheus.CounterVec
	latency    *prometheus.HistogramVec
	escrowed   *prometheus.GaugeVec
	count      *prometheus.GaugeVec
	settled    *prometheus.CounterVec
}

// Queue returns the coordinator metrics registry.
func Queue() *QueueMetrics {
	queueMetricsOnce.Do(func() {
		queueRegistry = &QueueMetrics{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "queue",
				Name:      "operations_total",
				Help:      "Coordinator operations segmented by operation and outcome class.",
			}, []string{"operation", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: Namespace,
				Subsystem: "queue",
				Name:      "operation_duration_seconds",
				Help:      "Latency of coordinator operations including ledger confirmation.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"operation"}),
			escrowed: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: Namespace,
				Subsystem: "queue",
				Name:      "escrowed_total",
				Help:      "Funds currently pooled in escrow, as last observed.",
			}, []string{"app"}),
			count: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: Namespace,
				Subsystem: "queue",
				Name:      "request_count",
				Help:      "Requests queued in the current epoch, as last observed.",
			}, []string{"app"}),
			settled: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "queue",
				Name:      "settled_amount_total",
				Help:      "Amounts released from escrow segmented by direction (platform or refund).",
			}, []string{"app", "direction"}),
		}
		prometheus.MustRegister(
			queueRegistry.operations,
			queueRegistry.latency,
			queueRegistry.escrowed,
			queueRegistry.count,
			queueRegistry.settled,
		)
	})
	return queueRegistry
}

// Observe records an operation outcome.
func (m *QueueMetrics) Observe(operation string, err error, duration time.Duration) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(operation, Outcome(err)).Inc()
	m.latency.WithLabelValues(operation).Observe(duration.Seconds())
}

// SetPool records the last observed pool for app.
func (m *QueueMetrics) SetPool(app string, count, escrowed uint64) {
	if m == nil {
		return
	}
	m.count.WithLabelValues(app).Set(float64(count))
	m.escrowed.WithLabelValues(app).Set(float64(escrowed))
}

// RecordSettlement counts funds leaving escrow.
func (m *QueueMetrics) RecordSettlement(app, direction string, amount uint64) {
	if m == nil {
		return
	}
	m.settled.WithLabelValues(app, direction).Add(float64(amount))
}

// LedgerMetrics tracks commits on the reference ledger.
type LedgerMetrics struct {
	groups  *prometheus.CounterVec
	legs    prometheus.Histogram
	latency prometheus.Histogram
}

// Ledger returns the reference ledger metrics registry.
func Ledger() *LedgerMetrics {
	ledgerMetricsOnce.Do(func() {
		ledgerRegistry = &LedgerMetrics{
			groups: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "ledger",
				Name:      "groups_total",
				Help:      "Submitted groups segmented by outcome.",
			}, []string{"outcome"}),
			legs: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: Namespace,
				Subsystem: "ledger",
				Name:      "group_legs",
				Help:      "Number of transactions per submitted group.",
				Buckets:   []float64{1, 2, 3, 4, 8, 16},
			}),
			latency: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: Namespace,
				Subsystem: "ledger",
				Name:      "commit_duration_seconds",
				Help:      "Time spent validating and applying a group.",
				Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8),
			}),
		}
		prometheus.MustRegister(ledgerRegistry.groups, ledgerRegistry.legs, ledgerRegistry.latency)
	})
	return ledgerRegistry
}

// RecordCommit records a group submission.
func (m *LedgerMetrics) RecordCommit(legs int, err error, duration time.Duration) {
	if m == nil {
		return
	}
	outcome := "committed"
	if err != nil {
		outcome = "rejected"
	}
	m.groups.WithLabelValues(outcome).Inc()
	m.legs.Observe(float64(legs))
	m.latency.Observe(duration.Seconds())
}

// SwapMetrics tracks the swap orchestrator.
type SwapMetrics struct {
	transitions *prometheus.CounterVec
	pending     prometheus.Gauge
}

// Swaps returns the swap metrics registry.
func Swaps() *SwapMetrics {
	swapMetricsOnce.Do(func() {
		swapRegistry = &SwapMetrics{
			transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "swap",
				Name:      "transitions_total",
				Help:      "Swap record transitions segmented by resulting status.",
			}, []string{"status"}),
			pending: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: Namespace,
				Subsystem: "swap",
				Name:      "pending",
				Help:      "Swaps proposed but not yet completed or expired, as seen by the last sweep.",
			}),
		}
		prometheus.MustRegister(swapRegistry.transitions, swapRegistry.pending)
	})
	return swapRegistry
}

// RecordTransition counts a swap reaching status.
func (m *SwapMetrics) RecordTransition(status string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(status).Inc()
}

// SetPending records the number of pending swaps.
func (m *SwapMetrics) SetPending(n int) {
	if m == nil {
		return
	}
	m.pending.Set(float64(n))
}

// AssetMetrics tracks the issuance service.
type AssetMetrics struct {
	operations *prometheus.CounterVec
	minted     *prometheus.CounterVec
}

// Assets returns the issuance metrics registry.
func Assets() *AssetMetrics {
	assetMetricsOnce.Do(func() {
		assetRegistry = &AssetMetrics{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "assets",
				Name:      "operations_total",
				Help:      "Issuance operations segmented by operation and outcome class.",
			}, []string{"operation", "outcome"}),
			minted: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "assets",
				Name:      "minted_units_total",
				Help:      "Units distributed from reserve segmented by asset.",
			}, []string{"asset"}),
		}
		prometheus.MustRegister(assetRegistry.operations, assetRegistry.minted)
	})
	return assetRegistry
}

// Observe records an issuance operation outcome.
func (m *AssetMetrics) Observe(operation string, err error) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(operation, Outcome(err)).Inc()
}

// RecordMint counts minted units.
func (m *AssetMetrics) RecordMint(assetID uint64, amount uint64) {
	if m == nil {
		return
	}
	m.minted.WithLabelValues(fmt.Sprintf("%d", assetID)).Add(float64(amount))
}

// Outcome classifies err into a stable metric label.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case bmerrors.IsValidation(err):
		return "validation"
	case bmerrors.IsInsufficientFunds(err):
		return "insufficient_funds"
	case bmerrors.IsRetryable(err):
		return "network"
	case bmerrors.IsStateInconsistency(err):
		return "state_inconsistency"
	case bmerrors.IsRejected(err):
		return "rejected"
	case errors.Is(err, bmerrors.ErrNotFound):
		return "not_found"
	default:
		return "error"
	}
}

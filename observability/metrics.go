package observability

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type moduleMetrics struct {
	requests  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

var (
	moduleMetricsOnce sync.Once
	moduleRegistry    *moduleMetrics

	walletMetricsOnce sync.Once
	walletRegistry    *WalletMetrics
)

// ModuleMetrics returns the lazily-initialised registry used to record admin
// API activity.
func ModuleMetrics() *moduleMetrics {
	moduleMetricsOnce.Do(func() {
		moduleRegistry = &moduleMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "nutwallet",
				Subsystem: "api",
				Name:      "requests_total",
				Help:      "Total admin API requests segmented by route, method and outcome.",
			}, []string{"route", "method", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "nutwallet",
				Subsystem: "api",
				Name:      "errors_total",
				Help:      "Total admin API errors segmented by route, method and status code.",
			}, []string{"route", "method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "nutwallet",
				Subsystem: "api",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for admin API handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route", "method"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "nutwallet",
				Subsystem: "api",
				Name:      "throttles_total",
				Help:      "Count of requests rejected due to throttling or authentication.",
			}, []string{"route", "reason"}),
		}
		prometheus.MustRegister(
			moduleRegistry.requests,
			moduleRegistry.errors,
			moduleRegistry.latency,
			moduleRegistry.throttles,
		)
	})
	return moduleRegistry
}

// Observe records the outcome of an admin request. The status code should be
// the HTTP status that was ultimately written to the response writer.
func (m *moduleMetrics) Observe(route, method string, status int, duration time.Duration) {
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

// RecordThrottle increments the throttle counter for the supplied route and
// reason.
func (m *moduleMetrics) RecordThrottle(route, reason string) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unknown"
	}
	if reason == "" {
		reason = "unspecified"
	}
	m.throttles.WithLabelValues(route, reason).Inc()
}

// WalletMetrics wraps collectors tracking wallet engine health.
type WalletMetrics struct {
	balance      *prometheus.GaugeVec
	contention   *prometheus.CounterVec
	operations   *prometheus.CounterVec
	latency      *prometheus.HistogramVec
	sagas        *prometheus.CounterVec
	quotes       *prometheus.CounterVec
	queueDepth   prometheus.Gauge
	abandoned    prometheus.Gauge
	sweepReverts *prometheus.CounterVec
}

// Wallet exposes the metrics registry for the wallet engine.
func Wallet() *WalletMetrics {
	walletMetricsOnce.Do(func() {
		walletRegistry = &WalletMetrics{
			balance: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "nutwallet",
				Subsystem: "ledger",
				Name:      "balance_sats",
				Help:      "Unspent balance held per issuer.",
			}, []string{"issuer"}),
			contention: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "nutwallet",
				Subsystem: "issuer",
				Name:      "lock_contention_total",
				Help:      "Count of operations rejected because the issuer lock was held.",
			}, []string{"issuer"}),
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "nutwallet",
				Subsystem: "issuer",
				Name:      "operations_total",
				Help:      "Issuer protocol calls segmented by operation and outcome.",
			}, []string{"operation", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "nutwallet",
				Subsystem: "issuer",
				Name:      "operation_duration_seconds",
				Help:      "Latency distribution for issuer protocol calls.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"operation"}),
			sagas: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "nutwallet",
				Subsystem: "transfer",
				Name:      "sagas_total",
				Help:      "Cross-issuer transfers segmented by outcome and failing step.",
			}, []string{"outcome", "step"}),
			quotes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "nutwallet",
				Subsystem: "quotes",
				Name:      "resolved_total",
				Help:      "Quotes reaching a final state segmented by kind and state.",
			}, []string{"kind", "state"}),
			queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "nutwallet",
				Subsystem: "publisher",
				Name:      "retry_queue_depth",
				Help:      "Number of log writes waiting for retry.",
			}),
			abandoned: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "nutwallet",
				Subsystem: "publisher",
				Name:      "retry_abandoned",
				Help:      "Number of log writes abandoned after exhausting retries.",
			}),
			sweepReverts: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "nutwallet",
				Subsystem: "sweep",
				Name:      "proofs_total",
				Help:      "Stuck proofs resolved by the recovery sweep segmented by issuer and outcome.",
			}, []string{"issuer", "outcome"}),
		}
		prometheus.MustRegister(
			walletRegistry.balance,
			walletRegistry.contention,
			walletRegistry.operations,
			walletRegistry.latency,
			walletRegistry.sagas,
			walletRegistry.quotes,
			walletRegistry.queueDepth,
			walletRegistry.abandoned,
			walletRegistry.sweepReverts,
		)
	})
	return walletRegistry
}

// SetBalance updates the balance gauge for an issuer.
func (m *WalletMetrics) SetBalance(issuer string, amount uint64) {
	if m == nil {
		return
	}
	m.balance.WithLabelValues(labelIssuer(issuer)).Set(float64(amount))
}

// RecordContention counts a rejected try-acquire.
func (m *WalletMetrics) RecordContention(issuer string) {
	if m == nil {
		return
	}
	m.contention.WithLabelValues(labelIssuer(issuer)).Inc()
}

// Observe records the execution metrics for an issuer protocol call.
func (m *WalletMetrics) Observe(operation string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	op := strings.TrimSpace(operation)
	if op == "" {
		op = "unknown"
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.operations.WithLabelValues(op, outcome).Inc()
	m.latency.WithLabelValues(op).Observe(duration.Seconds())
}

// RecordSaga counts a finished transfer saga.
func (m *WalletMetrics) RecordSaga(outcome, step string) {
	if m == nil {
		return
	}
	if outcome = strings.TrimSpace(outcome); outcome == "" {
		outcome = "unknown"
	}
	if step == "" {
		step = "none"
	}
	m.sagas.WithLabelValues(outcome, step).Inc()
}

// RecordQuote counts a quote reaching a final state.
func (m *WalletMetrics) RecordQuote(kind, state string) {
	if m == nil {
		return
	}
	m.quotes.WithLabelValues(kind, strings.ToLower(state)).Inc()
}

// SetQueue updates the retry queue gauges.
func (m *WalletMetrics) SetQueue(depth, abandoned int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(depth))
	m.abandoned.Set(float64(abandoned))
}

// RecordSweep counts proofs resolved by the recovery sweep.
func (m *WalletMetrics) RecordSweep(issuer, outcome string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.sweepReverts.WithLabelValues(labelIssuer(issuer), outcome).Add(float64(count))
}

func labelIssuer(issuer string) string {
	trimmed := strings.TrimSpace(issuer)
	if trimmed == "" {
		return "unknown"
	}
	trimmed = strings.TrimPrefix(trimmed, "https://")
	return strings.TrimPrefix(trimmed, "http://")
}

package observability

import (
	"errors"
	"fmt"
	"math"
	"math/big"
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

	creditSwapOnce sync.Once
	creditSwapReg  *CreditSwapMetrics

	oracleMetricsOnce sync.Once
	oracleRegistry    *OracleMetrics

	redemptionOnce sync.Once
	redemptionReg  *RedemptionMetrics
)

// ModuleMetrics returns the lazily-initialised registry used to record HTTP
// API activity per module and route.
func ModuleMetrics() *moduleMetrics {
	moduleMetricsOnce.Do(func() {
		moduleRegistry = &moduleMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "creditswap",
				Subsystem: "api",
				Name:      "requests_total",
				Help:      "Total API requests segmented by module, method, and outcome.",
			}, []string{"module", "method", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "creditswap",
				Subsystem: "api",
				Name:      "errors_total",
				Help:      "Total API errors segmented by module, method, and status code.",
			}, []string{"module", "method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "creditswap",
				Subsystem: "api",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for API handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"module", "method"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "creditswap",
				Subsystem: "api",
				Name:      "throttles_total",
				Help:      "Count of API requests rejected due to throttling policies.",
			}, []string{"module", "reason"}),
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

// Observe records the outcome of an API request. The status code should be
// the HTTP status that was ultimately written to the response writer.
func (m *moduleMetrics) Observe(module, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if module == "" {
		module = "unknown"
	}
	if method == "" {
		method = "unknown"
	}
	outcome := "success"
	if status >= 400 {
		outcome = "error"
	}
	m.requests.WithLabelValues(module, method, outcome).Inc()
	if status >= 400 {
		m.errors.WithLabelValues(module, method, fmt.Sprintf("%d", status)).Inc()
	}
	m.latency.WithLabelValues(module, method).Observe(duration.Seconds())
}

// RecordThrottle increments the throttle counter for the supplied module and
// reason. Reasons should be stable strings such as "rate_limit".
func (m *moduleMetrics) RecordThrottle(module, reason string) {
	if m == nil {
		return
	}
	if module == "" {
		module = "unknown"
	}
	if reason == "" {
		reason = "unspecified"
	}
	m.throttles.WithLabelValues(module, reason).Inc()
}

// CreditSwapMetrics captures metrics for the swap engine operations.
type CreditSwapMetrics struct {
	requests  *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	errors    *prometheus.CounterVec
	feeBps    prometheus.Histogram
	debt      *prometheus.GaugeVec
	imbalance *prometheus.GaugeVec
}

// CreditSwap returns the singleton metrics registry for the swap engine.
func CreditSwap() *CreditSwapMetrics {
	creditSwapOnce.Do(func() {
		creditSwapReg = &CreditSwapMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "creditswap",
				Subsystem: "engine",
				Name:      "operations_total",
				Help:      "Count of engine operations segmented by operation and outcome.",
			}, []string{"operation", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "creditswap",
				Subsystem: "engine",
				Name:      "operation_duration_seconds",
				Help:      "Latency distribution for engine operations.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"operation"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "creditswap",
				Subsystem: "engine",
				Name:      "errors_total",
				Help:      "Count of engine failures segmented by operation and reason.",
			}, []string{"operation", "reason"}),
			feeBps: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "creditswap",
				Subsystem: "engine",
				Name:      "fee_bps",
				Help:      "Distribution of applied swap fee rates in basis points.",
				Buckets:   []float64{10, 20, 30, 40, 50, 60, 70, 80, 90, 100},
			}),
			debt: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "creditswap",
				Subsystem: "engine",
				Name:      "pair_outstanding_debt",
				Help:      "Outstanding borrowed output asset per pair in base units.",
			}, []string{"pair"}),
			imbalance: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "creditswap",
				Subsystem: "engine",
				Name:      "pair_imbalance",
				Help:      "Signed imbalance accumulator per pair in base units.",
			}, []string{"pair"}),
		}
		prometheus.MustRegister(
			creditSwapReg.requests,
			creditSwapReg.latency,
			creditSwapReg.errors,
			creditSwapReg.feeBps,
			creditSwapReg.debt,
			creditSwapReg.imbalance,
		)
	})
	return creditSwapReg
}

// Observe records the execution metrics for an engine operation. Error
// reasons are reduced to the leading sentinel text to bound label
// cardinality.
func (m *CreditSwapMetrics) Observe(operation string, duration time.Duration, err error) {
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
		m.errors.WithLabelValues(op, errorReason(err)).Inc()
	}
	m.requests.WithLabelValues(op, outcome).Inc()
	m.latency.WithLabelValues(op).Observe(duration.Seconds())
}

// ObserveFee records the fee rate applied to an executed swap.
func (m *CreditSwapMetrics) ObserveFee(bps uint64) {
	if m == nil {
		return
	}
	m.feeBps.Observe(float64(bps))
}

// RecordPair updates the debt and imbalance gauges of a pair.
func (m *CreditSwapMetrics) RecordPair(pair string, debt, imbalance *big.Int) {
	if m == nil {
		return
	}
	label := strings.TrimSpace(pair)
	if label == "" {
		label = "unknown"
	}
	m.debt.WithLabelValues(label).Set(bigToFloat(debt))
	m.imbalance.WithLabelValues(label).Set(bigToFloat(imbalance))
}

// OracleMetrics bundles collectors for price feed freshness and failures.
type OracleMetrics struct {
	freshness *prometheus.GaugeVec
	failures  *prometheus.CounterVec
	samples   *prometheus.CounterVec
}

// Oracle returns the metrics registry for the price oracle manager.
func Oracle() *OracleMetrics {
	oracleMetricsOnce.Do(func() {
		oracleRegistry = &OracleMetrics{
			freshness: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "creditswap",
				Subsystem: "oracle",
				Name:      "freshness_seconds",
				Help:      "Age in seconds of the latest aggregated price per pair.",
			}, []string{"pair"}),
			failures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "creditswap",
				Subsystem: "oracle",
				Name:      "source_failures_total",
				Help:      "Count of oracle source fetch failures segmented by source.",
			}, []string{"source"}),
			samples: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "creditswap",
				Subsystem: "oracle",
				Name:      "samples_total",
				Help:      "Count of accepted oracle samples segmented by source.",
			}, []string{"source"}),
		}
		prometheus.MustRegister(oracleRegistry.freshness, oracleRegistry.failures, oracleRegistry.samples)
	})
	return oracleRegistry
}

// RecordFreshness records how stale the latest snapshot of a pair is.
func (m *OracleMetrics) RecordFreshness(pair string, age time.Duration) {
	if m == nil {
		return
	}
	m.freshness.WithLabelValues(labelAsset(pair)).Set(age.Seconds())
}

// RecordSample counts an accepted sample from source.
func (m *OracleMetrics) RecordSample(source string) {
	if m == nil {
		return
	}
	m.samples.WithLabelValues(labelSource(source)).Inc()
}

// RecordFailure counts a failed fetch from source.
func (m *OracleMetrics) RecordFailure(source string) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(labelSource(source)).Inc()
}

// RedemptionMetrics tracks the redemption desk settlement lifecycle.
type RedemptionMetrics struct {
	settlements *prometheus.CounterVec
	surcharge   *prometheus.CounterVec
	pending     prometheus.Gauge
}

// Redemption returns the metrics registry for the redemption desk.
func Redemption() *RedemptionMetrics {
	redemptionOnce.Do(func() {
		redemptionReg = &RedemptionMetrics{
			settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "creditswap",
				Subsystem: "redemption",
				Name:      "settlements_total",
				Help:      "Count of redemption settlements segmented by status.",
			}, []string{"status"}),
			surcharge: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "creditswap",
				Subsystem: "redemption",
				Name:      "surcharge_total",
				Help:      "Sum of tiered surcharges collected per asset in base units.",
			}, []string{"asset"}),
			pending: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "creditswap",
				Subsystem: "redemption",
				Name:      "pending",
				Help:      "Number of redemptions awaiting settlement.",
			}),
		}
		prometheus.MustRegister(redemptionReg.settlements, redemptionReg.surcharge, redemptionReg.pending)
	})
	return redemptionReg
}

// RecordSettlement counts a settlement transition and adjusts the pending gauge.
func (m *RedemptionMetrics) RecordSettlement(status string) {
	if m == nil {
		return
	}
	status = strings.TrimSpace(strings.ToLower(status))
	if status == "" {
		status = "unknown"
	}
	m.settlements.WithLabelValues(status).Inc()
	if status == "pending" {
		m.pending.Inc()
	} else {
		m.pending.Dec()
	}
}

// RecordSurcharge adds a collected surcharge for asset.
func (m *RedemptionMetrics) RecordSurcharge(asset string, amount *big.Int) {
	if m == nil {
		return
	}
	m.surcharge.WithLabelValues(labelAsset(asset)).Add(bigToFloat(amount))
}

func errorReason(err error) string {
	for {
		next := errors.Unwrap(err)
		if next == nil {
			break
		}
		err = next
	}
	reason := strings.TrimSpace(err.Error())
	if reason == "" {
		return "unknown"
	}
	return reason
}

func labelAsset(asset string) string {
	trimmed := strings.TrimSpace(asset)
	if trimmed == "" {
		return "UNKNOWN"
	}
	return strings.ToUpper(trimmed)
}

func labelSource(source string) string {
	trimmed := strings.TrimSpace(strings.ToLower(source))
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}

func bigToFloat(value *big.Int) float64 {
	if value == nil {
		return 0
	}
	floatVal, acc := new(big.Float).SetInt(value).Float64()
	if acc != big.Exact {
		// Guard against NaN/Inf when conversion fails.
		if math.IsNaN(floatVal) || math.IsInf(floatVal, 0) {
			return 0
		}
	}
	return floatVal
}

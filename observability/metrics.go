package observability

import (
	"math"
	"math/big"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// APIMetrics tracks request handling across the service surfaces.
type APIMetrics struct {
	requests   *prometheus.CounterVec
	rejections *prometheus.CounterVec
	latency    *prometheus.HistogramVec
	throttles  *prometheus.CounterVec
}

var (
	apiMetricsOnce sync.Once
	apiRegistry    *APIMetrics
)

// API returns the process-wide API metrics, registering them on first use.
func API() *APIMetrics {
	apiMetricsOnce.Do(func() {
		apiRegistry = &APIMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "loanledger",
				Subsystem: "api",
				Name:      "requests_total",
				Help:      "API requests by module, route and HTTP status class.",
			}, []string{"module", "route", "class"}),
			rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "loanledger",
				Subsystem: "api",
				Name:      "rejections_total",
				Help:      "Requests answered with a ledger error code.",
			}, []string{"module", "code"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "loanledger",
				Subsystem: "api",
				Name:      "request_duration_seconds",
				Help:      "API handler latency.",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
			}, []string{"module", "route"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "loanledger",
				Subsystem: "api",
				Name:      "throttles_total",
				Help:      "Requests refused by rate limits or quotas.",
			}, []string{"module", "reason"}),
		}
		prometheus.MustRegister(
			apiRegistry.requests,
			apiRegistry.rejections,
			apiRegistry.latency,
			apiRegistry.throttles,
		)
	})
	return apiRegistry
}

// Observe records a completed request with the status written to the client.
func (m *APIMetrics) Observe(module, route string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	module = orUnknown(module)
	route = orUnknown(route)
	m.requests.WithLabelValues(module, route, StatusClass(status)).Inc()
	m.latency.WithLabelValues(module, route).Observe(duration.Seconds())
}

// RecordRejection counts an error response by its stable error code, for
// example "insufficient_funds" or "not_found".
func (m *APIMetrics) RecordRejection(module, code string) {
	if m == nil {
		return
	}
	m.rejections.WithLabelValues(orUnknown(module), orUnknown(code)).Inc()
}

// RecordThrottle counts a refused request. Reasons are stable strings such as
// "rate_limit" or "quota_exceeded".
func (m *APIMetrics) RecordThrottle(module, reason string) {
	if m == nil {
		return
	}
	m.throttles.WithLabelValues(orUnknown(module), orUnknown(reason)).Inc()
}

// StatusClass buckets an HTTP status into "2xx", "4xx" and so on.
func StatusClass(status int) string {
	if status < 100 || status > 599 {
		return "unknown"
	}
	return strconv.Itoa(status/100) + "xx"
}

func orUnknown(v string) string {
	if v = strings.TrimSpace(v); v == "" {
		return "unknown"
	}
	return v
}

func labelDenom(denom string) string {
	trimmed := strings.TrimSpace(denom)
	if trimmed == "" {
		return "UNKNOWN"
	}
	return strings.ToUpper(trimmed)
}

// BigToFloat converts an amount for gauge and counter observations. Values
// beyond float64 range report zero.
func BigToFloat(value *big.Int) float64 {
	if value == nil {
		return 0
	}
	f, _ := new(big.Float).SetInt(value).Float64()
	if math.IsInf(f, 0) || math.IsNaN(f) {
		return 0
	}
	return f
}

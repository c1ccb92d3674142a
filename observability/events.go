package observability

import (
	"math/big"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type eventMetrics struct {
	transfers *prometheus.CounterVec
	volume    *prometheus.CounterVec
}

var (
	eventMetricsOnce sync.Once
	eventRegistry    *eventMetrics
)

// Events returns the metrics registry tracking executed transfer effects.
func Events() *eventMetrics {
	eventMetricsOnce.Do(func() {
		eventRegistry = &eventMetrics{
			transfers: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "loanledger",
				Subsystem: "events",
				Name:      "transfers_total",
				Help:      "Count of executed transfers segmented by route and denomination.",
			}, []string{"route", "denom"}),
			volume: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "loanledger",
				Subsystem: "events",
				Name:      "transfer_volume",
				Help:      "Cumulative transferred amount segmented by route and denomination.",
			}, []string{"route", "denom"}),
		}
		prometheus.MustRegister(eventRegistry.transfers, eventRegistry.volume)
	})
	return eventRegistry
}

// RecordTransfer increments the transfer counters for the supplied route and
// denomination.
func (m *eventMetrics) RecordTransfer(route, denom string, amount *big.Int) {
	if m == nil {
		return
	}
	route = strings.TrimSpace(route)
	if route == "" {
		route = "unknown"
	}
	label := labelDenom(denom)
	m.transfers.WithLabelValues(route, label).Inc()
	if amount != nil && amount.Sign() > 0 {
		m.volume.WithLabelValues(route, label).Add(BigToFloat(amount))
	}
}

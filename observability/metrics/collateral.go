package metrics

import (
	"context"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// CollateralMetrics tracks ledger operations executed by the host.
type CollateralMetrics struct {
	operations    *prometheus.CounterVec
	taxCollected  *prometheus.CounterVec
	activeRecords prometheus.Gauge
	liquidations  *prometheus.CounterVec
	blockHeight   prometheus.Gauge

	operationCounter   metric.Int64Counter
	liquidationCounter metric.Int64Counter
}

var (
	collateralOnce     sync.Once
	collateralRegistry *CollateralMetrics
)

func Collateral() *CollateralMetrics {
	collateralOnce.Do(func() {
		collateralRegistry = &CollateralMetrics{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "collateral_operations_total",
				Help: "Count of collateral operations by method and outcome.",
			}, []string{"method", "outcome"}),
			taxCollected: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "collateral_tax_collected",
				Help: "Cumulative holding tax settled per token.",
			}, []string{"token"}),
			activeRecords: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "collateral_active_records",
				Help: "Number of collateral records currently held in the ledger.",
			}),
			liquidations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "collateral_liquidations_total",
				Help: "Count of liquidation attempts by status.",
			}, []string{"status"}),
			blockHeight: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "collateral_block_height",
				Help: "Height of the last executed operation.",
			}),
		}
		prometheus.MustRegister(
			collateralRegistry.operations,
			collateralRegistry.taxCollected,
			collateralRegistry.activeRecords,
			collateralRegistry.liquidations,
			collateralRegistry.blockHeight,
		)
		collateralRegistry.initMeter()
	})
	return collateralRegistry
}

// initMeter mirrors the operation counters into the OpenTelemetry meter
// provider so OTLP exports carry them alongside the Prometheus registry.
func (m *CollateralMetrics) initMeter() {
	meter := otel.GetMeterProvider().Meter("loanledger/collateral")
	ops, err := meter.Int64Counter("loanledger.collateral.operations")
	if err != nil {
		meter = noop.NewMeterProvider().Meter("loanledger/collateral")
		ops, _ = meter.Int64Counter("loanledger.collateral.operations")
	}
	liquidations, err := meter.Int64Counter("loanledger.collateral.liquidations")
	if err != nil {
		liquidations, _ = noop.NewMeterProvider().Meter("loanledger/collateral").Int64Counter("loanledger.collateral.liquidations")
	}
	m.operationCounter = ops
	m.liquidationCounter = liquidations
}

func (m *CollateralMetrics) ObserveOperation(method string, err error) {
	if m == nil {
		return
	}
	if method == "" {
		method = "unknown"
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.operations.WithLabelValues(method, outcome).Inc()
	if m.operationCounter != nil {
		m.operationCounter.Add(context.Background(), 1, metric.WithAttributes(
			attribute.String("method", method),
			attribute.String("outcome", outcome),
		))
	}
}

func (m *CollateralMetrics) AddTaxCollected(token string, amount float64) {
	if m == nil || amount <= 0 {
		return
	}
	token = strings.TrimSpace(token)
	if token == "" {
		token = "unknown"
	}
	m.taxCollected.WithLabelValues(token).Add(amount)
}

func (m *CollateralMetrics) SetActiveRecords(n int) {
	if m == nil {
		return
	}
	m.activeRecords.Set(float64(n))
}

func (m *CollateralMetrics) ObserveLiquidation(status string) {
	if m == nil {
		return
	}
	if status == "" {
		status = "unknown"
	}
	m.liquidations.WithLabelValues(status).Inc()
	if m.liquidationCounter != nil {
		m.liquidationCounter.Add(context.Background(), 1, metric.WithAttributes(attribute.String("status", status)))
	}
}

func (m *CollateralMetrics) SetHeight(height uint64) {
	if m == nil {
		return
	}
	m.blockHeight.Set(float64(height))
}

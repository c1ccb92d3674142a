package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
)

func TestCollateralMetrics(t *testing.T) {
	m := Collateral()
	if m != Collateral() {
		t.Fatalf("expected singleton registry")
	}

	before := testutil.ToFloat64(m.operations.WithLabelValues("pay_tax", "error"))
	m.ObserveOperation("pay_tax", errors.New("boom"))
	if got := testutil.ToFloat64(m.operations.WithLabelValues("pay_tax", "error")); got != before+1 {
		t.Fatalf("expected error counter to increase, got %v", got)
	}

	m.AddTaxCollected("uloan", 12)
	m.AddTaxCollected("uloan", -5)
	if got := testutil.ToFloat64(m.taxCollected.WithLabelValues("uloan")); got != 12 {
		t.Fatalf("unexpected tax collected %v", got)
	}

	m.SetActiveRecords(3)
	if got := testutil.ToFloat64(m.activeRecords); got != 3 {
		t.Fatalf("unexpected active records %v", got)
	}

	m.ObserveLiquidation("collateral_not_found")
	if got := testutil.ToFloat64(m.liquidations.WithLabelValues("collateral_not_found")); got != 1 {
		t.Fatalf("unexpected liquidation count %v", got)
	}

	var nilMetrics *CollateralMetrics
	nilMetrics.ObserveOperation("noop", nil)
}

func TestCollateralMetricsGathered(t *testing.T) {
	m := Collateral()
	m.SetHeight(42)

	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	var height *dto.MetricFamily
	for _, family := range families {
		if family.GetName() == "collateral_block_height" {
			height = family
		}
	}
	if height == nil || len(height.GetMetric()) != 1 {
		t.Fatalf("block height gauge not registered")
	}
	if got := height.GetMetric()[0].GetGauge().GetValue(); got != 42 {
		t.Fatalf("unexpected height %v", got)
	}
}

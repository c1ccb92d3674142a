package otel

import (
	"context"
	"testing"
)

func TestParseHeaders(t *testing.T) {
	got := ParseHeaders(" authorization=Bearer abc , x-tenant=ledger,broken,=skip")
	if len(got) != 2 {
		t.Fatalf("expected two headers, got %v", got)
	}
	if got["authorization"] != "Bearer abc" || got["x-tenant"] != "ledger" {
		t.Fatalf("unexpected headers %v", got)
	}
}

func TestInitRequiresServiceName(t *testing.T) {
	if _, err := Init(context.Background(), Config{}); err == nil {
		t.Fatalf("expected missing service name to fail")
	}
}

func TestInitWithoutExporters(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{ServiceName: "collaterald"})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestSamplerForRatio(t *testing.T) {
	if got := samplerFor(0).Description(); got != "AlwaysOnSampler" {
		t.Fatalf("zero ratio should sample everything, got %s", got)
	}
	if got := samplerFor(1.5).Description(); got != "AlwaysOnSampler" {
		t.Fatalf("ratio above one should sample everything, got %s", got)
	}
	if got := samplerFor(0.25).Description(); got != "TraceIDRatioBased{0.25}" {
		t.Fatalf("unexpected sampler %s", got)
	}
}

func TestNewResourceCarriesNetwork(t *testing.T) {
	res, err := newResource(Config{ServiceName: "collaterald", ServiceVersion: "1.2.0", Network: "loan-devnet"})
	if err != nil {
		t.Fatalf("resource: %v", err)
	}
	var network string
	for _, kv := range res.Attributes() {
		if kv.Key == "ledger.network" {
			network = kv.Value.AsString()
		}
	}
	if network != "loan-devnet" {
		t.Fatalf("expected network attribute, got %q", network)
	}
}

package observability

import (
	"math/big"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestStatusClass(t *testing.T) {
	cases := map[int]string{200: "2xx", 201: "2xx", 404: "4xx", 429: "4xx", 503: "5xx", 0: "unknown", 700: "unknown"}
	for status, want := range cases {
		if got := StatusClass(status); got != want {
			t.Fatalf("StatusClass(%d) = %q, want %q", status, got, want)
		}
	}
}

func TestAPIMetricsRecordsRejections(t *testing.T) {
	m := API()
	before := testutil.ToFloat64(m.rejections.WithLabelValues("collaterald", "insufficient_funds"))
	m.RecordRejection("collaterald", "insufficient_funds")
	if got := testutil.ToFloat64(m.rejections.WithLabelValues("collaterald", "insufficient_funds")); got != before+1 {
		t.Fatalf("expected rejection to be counted, got %v", got)
	}

	m.Observe("", "", 422, 5*time.Millisecond)
	if got := testutil.ToFloat64(m.requests.WithLabelValues("unknown", "unknown", "4xx")); got < 1 {
		t.Fatalf("expected unknown labels to be recorded, got %v", got)
	}
}

func TestTransferMetrics(t *testing.T) {
	m := Events()
	m.RecordTransfer("native", "uloan", big.NewInt(250))
	if got := testutil.ToFloat64(m.volume.WithLabelValues("native", "ULOAN")); got < 250 {
		t.Fatalf("expected volume to include transfer, got %v", got)
	}
}

func TestBigToFloat(t *testing.T) {
	if got := BigToFloat(nil); got != 0 {
		t.Fatalf("nil should convert to zero, got %v", got)
	}
	huge := new(big.Int).Lsh(big.NewInt(1), 2000)
	if got := BigToFloat(huge); got != 0 {
		t.Fatalf("out of range value should convert to zero, got %v", got)
	}
	if got := BigToFloat(big.NewInt(1_500)); got != 1500 {
		t.Fatalf("unexpected conversion %v", got)
	}
}

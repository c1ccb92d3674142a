package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func TestSetupWithOptionsWritesJSON(t *testing.T) {
	var buf bytes.Buffer
	dir := t.TempDir()
	logger := SetupWithOptions(Options{
		Service: "collaterald",
		Env:     "test",
		Level:   slog.LevelDebug,
		File:    filepath.Join(dir, "collaterald.log"),
		Output:  &buf,
	})
	logger.Debug("deposit recorded", slog.String("collateral_id", "1-loan1abc"))

	var line map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line); err != nil {
		t.Fatalf("decode log line: %v (%q)", err, buf.String())
	}
	if line["message"] != "deposit recorded" || line["severity"] != "DEBUG" {
		t.Fatalf("unexpected log line %v", line)
	}
	if line["service"] != "collaterald" || line["env"] != "test" {
		t.Fatalf("missing service attributes %v", line)
	}
	if _, ok := line["timestamp"]; !ok {
		t.Fatalf("missing timestamp %v", line)
	}
	data, err := os.ReadFile(filepath.Join(dir, "collaterald.log"))
	if err != nil {
		t.Fatalf("read rotated file: %v", err)
	}
	if !bytes.Contains(data, []byte("deposit recorded")) {
		t.Fatalf("rotated file missing log line")
	}
}

func TestParseLevel(t *testing.T) {
	if ParseLevel("DEBUG") != slog.LevelDebug || ParseLevel("warning") != slog.LevelWarn || ParseLevel("bogus") != slog.LevelInfo {
		t.Fatalf("unexpected level mapping")
	}
}

func TestMaskField(t *testing.T) {
	if got := MaskField("dsn", "postgres://user:pw@db/ledger"); got.Value.String() != RedactedValue {
		t.Fatalf("expected dsn to be redacted, got %s", got.Value)
	}
	if got := MaskField("service", "collaterald"); got.Value.String() != "collaterald" {
		t.Fatalf("allowlisted key must not be redacted")
	}
}

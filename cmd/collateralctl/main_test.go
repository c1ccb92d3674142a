package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"loanledger/crypto"
)

func testAddress(b byte) string {
	buf := make([]byte, crypto.AddressLength)
	buf[len(buf)-1] = b
	return crypto.NewAddress(crypto.AccountPrefix, buf).String()
}

type capturedRequest struct {
	method string
	path   string
	query  string
	body   map[string]any
}

func newCaptureServer(t *testing.T, status int, response string) (*httptest.Server, *capturedRequest) {
	t.Helper()
	captured := &capturedRequest{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured.method = r.Method
		captured.path = r.URL.EscapedPath()
		captured.query = r.URL.RawQuery
		if r.Body != nil && r.Method == http.MethodPost {
			_ = json.NewDecoder(r.Body).Decode(&captured.body)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(response))
	}))
	t.Cleanup(srv.Close)
	return srv, captured
}

func TestDepositSendsNativeFunds(t *testing.T) {
	srv, captured := newCaptureServer(t, http.StatusOK, `{"method":"deposit_collateral","status":"success"}`)
	var out bytes.Buffer
	err := runDeposit(context.Background(), []string{
		"-api", srv.URL,
		"-from", testAddress(2),
		"-token", "uloan",
		"-amount", "1000",
		"-valuation", "50",
		"-native",
	}, &out)
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if captured.method != http.MethodPost || captured.path != "/v1/collateral/deposit" {
		t.Fatalf("unexpected request %s %s", captured.method, captured.path)
	}
	if captured.body["sender"] != testAddress(2) {
		t.Fatalf("unexpected sender %v", captured.body["sender"])
	}
	funds, ok := captured.body["funds"].([]any)
	if !ok || len(funds) != 1 {
		t.Fatalf("expected attached funds, got %v", captured.body["funds"])
	}
	if !strings.Contains(out.String(), `"status": "success"`) {
		t.Fatalf("expected indented response, got %s", out.String())
	}
}

func TestSenderRequired(t *testing.T) {
	err := runPayTax(context.Background(), []string{"-api", "http://127.0.0.1:1"}, &bytes.Buffer{})
	if err == nil || !strings.Contains(err.Error(), "sender required") {
		t.Fatalf("expected missing sender error, got %v", err)
	}
}

func TestSenderRejectsBothSources(t *testing.T) {
	err := runPayTax(context.Background(), []string{"-from", testAddress(1), "-keystore", "x.json"}, &bytes.Buffer{})
	if err == nil || !strings.Contains(err.Error(), "not both") {
		t.Fatalf("expected conflicting sender error, got %v", err)
	}
}

func TestAPIErrorsSurfaceCode(t *testing.T) {
	srv, _ := newCaptureServer(t, http.StatusUnprocessableEntity, `{"error":"collateral: insufficient funds","code":"insufficient_funds"}`)
	err := runPayTax(context.Background(), []string{"-api", srv.URL, "-from", testAddress(2)}, &bytes.Buffer{})
	var apiErr *apiError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected api error, got %v", err)
	}
	if apiErr.Status != http.StatusUnprocessableEntity || apiErr.Code != "insufficient_funds" {
		t.Fatalf("unexpected api error %+v", apiErr)
	}
}

func TestListAndAuditQueries(t *testing.T) {
	srv, captured := newCaptureServer(t, http.StatusOK, `{"records":[]}`)
	if err := runList(context.Background(), []string{"-api", srv.URL, "-borrower", testAddress(2)}, &bytes.Buffer{}); err != nil {
		t.Fatalf("list: %v", err)
	}
	if captured.path != "/v1/collateral" || !strings.Contains(captured.query, "borrower=") {
		t.Fatalf("unexpected list request %s?%s", captured.path, captured.query)
	}

	if err := runAudit(context.Background(), []string{"-api", srv.URL, "-id", "2-abc", "-limit", "5"}, &bytes.Buffer{}); err != nil {
		t.Fatalf("audit: %v", err)
	}
	if captured.path != "/v1/audit" || !strings.Contains(captured.query, "collateral_id=2-abc") || !strings.Contains(captured.query, "limit=5") {
		t.Fatalf("unexpected audit request %s?%s", captured.path, captured.query)
	}
}

func TestGetRequiresID(t *testing.T) {
	if err := runGet(context.Background(), nil, &bytes.Buffer{}); err == nil {
		t.Fatalf("expected error without -id")
	}
}

func TestAuditExportWritesFile(t *testing.T) {
	srv, captured := newCaptureServer(t, http.StatusOK, "PAR1-data-PAR1")
	path := filepath.Join(t.TempDir(), "audit.parquet")
	var out bytes.Buffer
	if err := runAudit(context.Background(), []string{"-api", srv.URL, "-export", path}, &out); err != nil {
		t.Fatalf("export: %v", err)
	}
	if captured.path != "/v1/audit/export" {
		t.Fatalf("unexpected export path %s", captured.path)
	}
	data, err := os.ReadFile(path)
	if err != nil || string(data) != "PAR1-data-PAR1" {
		t.Fatalf("unexpected export contents %q (%v)", data, err)
	}
}

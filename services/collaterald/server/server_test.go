package server

import (
	"bytes"
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"loanledger/core"
	"loanledger/crypto"
	"loanledger/native/collateral"
	"loanledger/services/collaterald/audit"
	"loanledger/storage"
)

const testDenom = "uloan"

func account(b byte) crypto.Address {
	buf := make([]byte, crypto.AddressLength)
	buf[len(buf)-1] = b
	return crypto.NewAddress(crypto.AccountPrefix, buf)
}

type fixture struct {
	exec   *core.Executor
	audit  *audit.Store
	server *Server
	now    time.Time
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	exec, err := core.NewExecutor(storage.NewMemDB(), crypto.ModuleAddress(collateral.ModuleName))
	require.NoError(t, err)
	f := &fixture{exec: exec, now: time.Unix(1_700_000_000, 0)}
	exec.SetClock(func() time.Time { return f.now })
	require.NoError(t, exec.ApplyGenesis([]core.GenesisBalance{
		{Address: account(2), Denom: testDenom, Amount: big.NewInt(5_000_000)},
	}))

	db, err := audit.Open("")
	require.NoError(t, err)
	f.audit, err = audit.NewStore(db)
	require.NoError(t, err)
	opts.Audit = f.audit
	f.server = New(exec, opts)
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	res := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(res, req)
	return res
}

func (f *fixture) instantiate(t *testing.T) {
	t.Helper()
	res := f.do(t, http.MethodPost, "/v1/instantiate", instantiateRequest{
		Sender: account(1).String(), Name: "Loan Ledger", Symbol: "LOAN", TaxRateBps: 1,
	})
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())
}

func (f *fixture) deposit(t *testing.T) resultPayload {
	t.Helper()
	res := f.do(t, http.MethodPost, "/v1/collateral/deposit", depositRequest{
		Sender:    account(2).String(),
		Token:     testDenom,
		Amount:    "1000000",
		Valuation: "10000",
		Funds:     []coinPayload{{Denom: testDenom, Amount: "1000000"}},
	})
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())
	var payload resultPayload
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &payload))
	return payload
}

func TestServerDepositAndQuery(t *testing.T) {
	f := newFixture(t, Options{})
	f.instantiate(t)
	deposited := f.deposit(t)

	require.Equal(t, collateral.MethodDepositCollateral, deposited.Method)
	require.Equal(t, "2-"+account(2).String(), deposited.CollateralID)
	require.Len(t, deposited.Effects, 1)
	require.Equal(t, "native", deposited.Effects[0].Route)

	res := f.do(t, http.MethodGet, "/v1/collateral/"+deposited.CollateralID, nil)
	require.Equal(t, http.StatusOK, res.Code)
	var record recordPayload
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &record))
	require.Equal(t, "1000000", record.Amount)
	require.Equal(t, "0", record.TaxOwed)

	res = f.do(t, http.MethodGet, "/v1/collateral?borrower="+account(2).String(), nil)
	require.Equal(t, http.StatusOK, res.Code)
	require.Contains(t, res.Body.String(), deposited.CollateralID)

	res = f.do(t, http.MethodGet, "/v1/balances/"+account(2).String()+"/"+testDenom, nil)
	require.Equal(t, http.StatusOK, res.Code)
	var balance balancePayload
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &balance))
	require.Equal(t, "4000000", balance.Amount)
}

func TestServerPayTaxAndLiquidate(t *testing.T) {
	f := newFixture(t, Options{})
	f.instantiate(t)
	deposited := f.deposit(t)

	f.now = f.now.Add(100 * time.Second)
	res := f.do(t, http.MethodPost, "/v1/collateral/tax", taxRequest{Sender: account(2).String()})
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())
	var taxed resultPayload
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &taxed))
	// 10000 * 1 * 100 / 10000
	require.Equal(t, "100", taxed.TaxDue)

	res = f.do(t, http.MethodPost, "/v1/collateral/liquidate", liquidateRequest{
		Sender: account(3).String(), CollateralID: deposited.CollateralID,
	})
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())
	var liquidated resultPayload
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &liquidated))
	require.Equal(t, collateral.StatusSuccess, liquidated.Status)

	res = f.do(t, http.MethodPost, "/v1/collateral/liquidate", liquidateRequest{
		Sender: account(3).String(), CollateralID: deposited.CollateralID,
	})
	require.Equal(t, http.StatusOK, res.Code)
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &liquidated))
	require.Equal(t, collateral.StatusNotFound, liquidated.Status)

	res = f.do(t, http.MethodGet, "/v1/collateral/"+deposited.CollateralID, nil)
	require.Equal(t, http.StatusNotFound, res.Code)
}

func TestServerMapsErrors(t *testing.T) {
	f := newFixture(t, Options{})

	res := f.do(t, http.MethodPost, "/v1/collateral/tax", taxRequest{Sender: account(2).String()})
	require.Equal(t, http.StatusPreconditionFailed, res.Code)

	f.instantiate(t)
	res = f.do(t, http.MethodPost, "/v1/instantiate", instantiateRequest{Sender: account(1).String()})
	require.Equal(t, http.StatusConflict, res.Code)

	res = f.do(t, http.MethodPost, "/v1/collateral/valuation", valuationRequest{Sender: account(9).String(), Valuation: "5"})
	require.Equal(t, http.StatusNotFound, res.Code)

	res = f.do(t, http.MethodPost, "/v1/collateral/deposit", depositRequest{
		Sender: account(2).String(), Token: testDenom, Amount: "abc", Valuation: "1",
	})
	require.Equal(t, http.StatusBadRequest, res.Code)
	var payload errorPayload
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &payload))
	require.Equal(t, "invalid_amount", payload.Code)

	res = f.do(t, http.MethodPost, "/v1/collateral/tax", map[string]string{"sender": account(2).String(), "extra": "x"})
	require.Equal(t, http.StatusBadRequest, res.Code)

	res = f.do(t, http.MethodPost, "/v1/collateral/tax", taxRequest{Sender: "not-an-address"})
	require.Equal(t, http.StatusBadRequest, res.Code)
}

func TestServerInsufficientTaxBalance(t *testing.T) {
	f := newFixture(t, Options{})
	f.instantiate(t)
	res := f.do(t, http.MethodPost, "/v1/collateral/deposit", depositRequest{
		Sender:    account(2).String(),
		Token:     testDenom,
		Amount:    "5000000",
		Valuation: "100000000",
		Funds:     []coinPayload{{Denom: testDenom, Amount: "5000000"}},
	})
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())

	f.now = f.now.Add(time.Hour)
	res = f.do(t, http.MethodPost, "/v1/collateral/tax", taxRequest{Sender: account(2).String()})
	require.Equal(t, http.StatusUnprocessableEntity, res.Code)
	require.Contains(t, res.Body.String(), "insufficient_funds")
}

func TestServerRecordsAudit(t *testing.T) {
	f := newFixture(t, Options{})
	f.instantiate(t)
	deposited := f.deposit(t)
	res := f.do(t, http.MethodPost, "/v1/collateral/valuation", valuationRequest{Sender: account(7).String(), Valuation: "1"})
	require.Equal(t, http.StatusNotFound, res.Code)

	entries, err := f.audit.List(context.Background(), audit.Filter{})
	require.NoError(t, err)
	require.Len(t, entries, 3)

	rejected, err := f.audit.List(context.Background(), audit.Filter{Sender: account(7).String()})
	require.NoError(t, err)
	require.Len(t, rejected, 1)
	require.Equal(t, audit.OutcomeRejected, rejected[0].Outcome)
	require.Equal(t, collateral.MethodAdjustValuation, rejected[0].Method)

	res = f.do(t, http.MethodGet, "/v1/audit?collateral_id="+deposited.CollateralID, nil)
	require.Equal(t, http.StatusOK, res.Code)
	var body struct {
		Entries []auditEntryPayload `json:"entries"`
	}
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &body))
	require.Len(t, body.Entries, 1)
	require.Equal(t, audit.OutcomeCommitted, body.Entries[0].Outcome)
}

func TestServerRateLimitsWrites(t *testing.T) {
	f := newFixture(t, Options{RateLimit: RateLimitOptions{RatePerSecond: 0.001, Burst: 3, WriteTokens: 3}})
	f.instantiate(t)

	res := f.do(t, http.MethodPost, "/v1/collateral/tax", taxRequest{Sender: account(2).String()})
	require.Equal(t, http.StatusTooManyRequests, res.Code)

	res = f.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, res.Code)
}

func TestServerConfigAndHealth(t *testing.T) {
	f := newFixture(t, Options{})
	res := f.do(t, http.MethodGet, "/v1/config", nil)
	require.Equal(t, http.StatusPreconditionFailed, res.Code)

	f.instantiate(t)
	res = f.do(t, http.MethodGet, "/v1/config", nil)
	require.Equal(t, http.StatusOK, res.Code)
	var cfg configPayload
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &cfg))
	require.Equal(t, "LOAN", cfg.Symbol)
	require.Equal(t, crypto.ModuleAddress(collateral.ModuleName).String(), cfg.Custody)

	res = f.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, res.Code)
	require.Contains(t, res.Body.String(), `"instantiated":true`)

	res = f.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, res.Code)
	require.Contains(t, res.Body.String(), "collaterald_requests_total")
}

func TestServerStreamsEvents(t *testing.T) {
	f := newFixture(t, Options{})
	f.instantiate(t)

	ts := httptest.NewServer(f.server.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/events/ws"
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var first streamPayload
	require.NoError(t, json.Unmarshal(data, &first))
	require.Equal(t, collateral.EventTypeInstantiated, first.Type)
	require.Equal(t, "1", first.Cursor)

	f.deposit(t)
	_, data, err = conn.Read(ctx)
	require.NoError(t, err)
	var second streamPayload
	require.NoError(t, json.Unmarshal(data, &second))
	require.Equal(t, collateral.EventTypeDeposited, second.Type)
	require.Equal(t, uint64(2), second.Height)
}

func TestServerAuditVerifyAndExport(t *testing.T) {
	f := newFixture(t, Options{})
	f.instantiate(t)
	f.deposit(t)

	res := f.do(t, http.MethodGet, "/v1/audit/verify", nil)
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())

	res = f.do(t, http.MethodGet, "/v1/audit/export", nil)
	require.Equal(t, http.StatusOK, res.Code)
	require.Equal(t, "application/vnd.apache.parquet", res.Header().Get("Content-Type"))
	require.True(t, bytes.HasPrefix(res.Body.Bytes(), []byte("PAR1")))

	res = f.do(t, http.MethodGet, "/v1/audit?limit=zero", nil)
	require.Equal(t, http.StatusBadRequest, res.Code)
}

func TestServerAuditFollowsExecutionOrder(t *testing.T) {
	f := newFixture(t, Options{})
	f.instantiate(t)
	f.deposit(t)

	codes := make([]int, 16)
	var wg sync.WaitGroup
	for i := range codes {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			codes[i] = f.do(t, http.MethodPost, "/v1/collateral/valuation", valuationRequest{
				Sender: account(2).String(), Valuation: strconv.Itoa(1_000 + i),
			}).Code
		}(i)
	}
	wg.Wait()
	for i, code := range codes {
		require.Equal(t, http.StatusOK, code, "request %d", i)
	}

	entries, err := f.audit.List(context.Background(), audit.Filter{Limit: 100})
	require.NoError(t, err)
	require.Len(t, entries, 18)
	for i := 1; i < len(entries); i++ {
		require.Greater(t, entries[i].Sequence, entries[i-1].Sequence)
		require.Greater(t, entries[i].Height, entries[i-1].Height,
			"audit sequence %d recorded height %d after %d", entries[i].Sequence, entries[i].Height, entries[i-1].Height)
	}
}

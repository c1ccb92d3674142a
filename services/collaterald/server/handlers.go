package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"loanledger/core"
	"loanledger/crypto"
	"loanledger/native/collateral"
	"loanledger/services/collaterald/audit"
)

const maxBodyBytes = 1 << 20

type coinPayload struct {
	Denom  string `json:"denom"`
	Amount string `json:"amount"`
}

type instantiateRequest struct {
	Sender     string `json:"sender"`
	Name       string `json:"name"`
	Symbol     string `json:"symbol"`
	TaxRateBps uint64 `json:"tax_rate_bps"`
}

type depositRequest struct {
	Sender    string        `json:"sender"`
	Token     string        `json:"token"`
	Amount    string        `json:"amount"`
	Valuation string        `json:"valuation"`
	Funds     []coinPayload `json:"funds,omitempty"`
}

type valuationRequest struct {
	Sender    string `json:"sender"`
	Valuation string `json:"valuation"`
}

type taxRequest struct {
	Sender string `json:"sender"`
}

type liquidateRequest struct {
	Sender       string `json:"sender"`
	CollateralID string `json:"collateral_id"`
}

type attributePayload struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type effectPayload struct {
	Route  string `json:"route"`
	Denom  string `json:"denom"`
	Amount string `json:"amount"`
	From   string `json:"from"`
	To     string `json:"to"`
}

type eventPayload struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}

type resultPayload struct {
	Method       string             `json:"method"`
	Height       uint64             `json:"height"`
	CollateralID string             `json:"collateral_id,omitempty"`
	Status       string             `json:"status"`
	TaxDue       string             `json:"tax_due,omitempty"`
	Attributes   []attributePayload `json:"attributes"`
	Effects      []effectPayload    `json:"effects"`
	Events       []eventPayload     `json:"events"`
}

type recordPayload struct {
	ID             string `json:"id"`
	Token          string `json:"token"`
	Amount         string `json:"amount"`
	Valuation      string `json:"valuation"`
	LastTaxPayment uint64 `json:"last_tax_payment"`
	Borrower       string `json:"borrower"`
	Route          string `json:"route"`
	Height         uint64 `json:"height"`
	TaxOwed        string `json:"tax_owed,omitempty"`
}

type configPayload struct {
	Name       string `json:"name"`
	Symbol     string `json:"symbol"`
	TaxRateBps uint64 `json:"tax_rate_bps"`
	Owner      string `json:"owner,omitempty"`
	Custody    string `json:"custody"`
}

type balancePayload struct {
	Address string `json:"address"`
	Denom   string `json:"denom"`
	Amount  string `json:"amount"`
}

type auditEntryPayload struct {
	ID           string `json:"id"`
	Sequence     uint64 `json:"sequence"`
	Height       uint64 `json:"height"`
	Method       string `json:"method"`
	Sender       string `json:"sender"`
	CollateralID string `json:"collateral_id,omitempty"`
	Status       string `json:"status,omitempty"`
	Outcome      string `json:"outcome"`
	Error        string `json:"error,omitempty"`
	Digest       string `json:"digest"`
	CreatedAt    string `json:"created_at"`
}

func decodeBody(r *http.Request, dst any) error {
	decoder := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		return fmt.Errorf("%w: invalid payload: %v", errBadRequest, err)
	}
	return nil
}

func parseSender(raw string) (crypto.Address, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return crypto.Address{}, fmt.Errorf("%w: sender required", collateral.ErrInvalidAddress)
	}
	addr, err := crypto.DecodeAddress(trimmed)
	if err != nil {
		return crypto.Address{}, fmt.Errorf("%w: %v", collateral.ErrInvalidAddress, err)
	}
	return addr, nil
}

func parseAmount(field, raw string) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fmt.Errorf("%w: %s required", collateral.ErrInvalidAmount, field)
	}
	value, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("%w: %s must be a base-10 integer", collateral.ErrInvalidAmount, field)
	}
	return value, nil
}

// execute runs msg. Executed messages reach the audit trail through the
// executor recorder in execution order; messages that fail to parse are
// recorded here.
func (s *Server) execute(w http.ResponseWriter, r *http.Request, method, sender string, build func() (core.Msg, error)) {
	msg, err := build()
	if err != nil {
		s.recordRejection(r.Context(), method, sender, err)
		s.writeError(w, err)
		return
	}
	res, err := s.exec.Execute(r.Context(), msg)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, newResultPayload(res))
}

func (s *Server) recordRejection(ctx context.Context, method, sender string, cause error) {
	if s.audit == nil {
		return
	}
	if _, err := s.audit.RecordRejection(context.WithoutCancel(ctx), method, sender, cause); err != nil {
		s.logger.Error("audit rejection failed", slog.String("method", method), slog.Any("error", err))
	}
}

// auditRecorder writes executor outcomes to the audit store.
type auditRecorder struct {
	store  *audit.Store
	logger *slog.Logger
}

func (a auditRecorder) RecordCommit(ctx context.Context, msg core.Msg, res *collateral.Result) {
	if _, err := a.store.RecordResult(context.WithoutCancel(ctx), msg.Signer().String(), res); err != nil {
		a.logger.Error("audit record failed",
			slog.String("method", res.Method),
			slog.Uint64("height", res.Height),
			slog.Any("error", err))
	}
}

func (a auditRecorder) RecordReject(ctx context.Context, msg core.Msg, cause error) {
	if _, err := a.store.RecordRejection(context.WithoutCancel(ctx), msg.Method(), msg.Signer().String(), cause); err != nil {
		a.logger.Error("audit rejection failed", slog.String("method", msg.Method()), slog.Any("error", err))
	}
}

func (s *Server) handleInstantiate(w http.ResponseWriter, r *http.Request) {
	var req instantiateRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	s.execute(w, r, collateral.MethodInstantiate, req.Sender, func() (core.Msg, error) {
		sender, err := parseSender(req.Sender)
		if err != nil {
			return nil, err
		}
		return core.InstantiateMsg{Sender: sender, Name: req.Name, Symbol: req.Symbol, TaxRateBps: req.TaxRateBps}, nil
	})
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	var req depositRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	s.execute(w, r, collateral.MethodDepositCollateral, req.Sender, func() (core.Msg, error) {
		sender, err := parseSender(req.Sender)
		if err != nil {
			return nil, err
		}
		amount, err := parseAmount("amount", req.Amount)
		if err != nil {
			return nil, err
		}
		valuation, err := parseAmount("valuation", req.Valuation)
		if err != nil {
			return nil, err
		}
		funds := make([]collateral.Coin, 0, len(req.Funds))
		for _, coin := range req.Funds {
			value, err := parseAmount("funds amount", coin.Amount)
			if err != nil {
				return nil, err
			}
			funds = append(funds, collateral.Coin{Denom: strings.TrimSpace(coin.Denom), Amount: value})
		}
		return core.DepositCollateralMsg{
			Sender:    sender,
			Funds:     funds,
			Token:     req.Token,
			Amount:    amount,
			Valuation: valuation,
		}, nil
	})
}

func (s *Server) handleAdjustValuation(w http.ResponseWriter, r *http.Request) {
	var req valuationRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	s.execute(w, r, collateral.MethodAdjustValuation, req.Sender, func() (core.Msg, error) {
		sender, err := parseSender(req.Sender)
		if err != nil {
			return nil, err
		}
		valuation, err := parseAmount("valuation", req.Valuation)
		if err != nil {
			return nil, err
		}
		return core.AdjustValuationMsg{Sender: sender, Valuation: valuation}, nil
	})
}

func (s *Server) handlePayTax(w http.ResponseWriter, r *http.Request) {
	var req taxRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	s.execute(w, r, collateral.MethodPayTax, req.Sender, func() (core.Msg, error) {
		sender, err := parseSender(req.Sender)
		if err != nil {
			return nil, err
		}
		return core.PayTaxMsg{Sender: sender}, nil
	})
}

func (s *Server) handleLiquidate(w http.ResponseWriter, r *http.Request) {
	var req liquidateRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	s.execute(w, r, collateral.MethodLiquidateCollateral, req.Sender, func() (core.Msg, error) {
		sender, err := parseSender(req.Sender)
		if err != nil {
			return nil, err
		}
		return core.LiquidateCollateralMsg{Sender: sender, CollateralID: req.CollateralID}, nil
	})
}

func (s *Server) handleGetCollateral(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	rec, err := s.exec.Collateral(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	payload := newRecordPayload(rec)
	if owed, err := s.exec.TaxOwed(id); err == nil {
		payload.TaxOwed = owed.String()
	}
	s.writeJSON(w, http.StatusOK, payload)
}

func (s *Server) handleListCollateral(w http.ResponseWriter, r *http.Request) {
	var records []*collateral.Record
	if raw := strings.TrimSpace(r.URL.Query().Get("borrower")); raw != "" {
		borrower, err := parseSender(raw)
		if err != nil {
			s.writeError(w, err)
			return
		}
		records = s.exec.CollateralsByBorrower(borrower)
	} else {
		records = s.exec.Collaterals()
	}
	out := make([]recordPayload, 0, len(records))
	for _, rec := range records {
		out = append(out, newRecordPayload(rec))
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"records": out})
}

func (s *Server) handleConfig(w http.ResponseWriter, _ *http.Request) {
	cfg := s.exec.Config()
	if cfg == nil {
		s.writeError(w, collateral.ErrNotInstantiated)
		return
	}
	payload := configPayload{
		Name:       cfg.Name,
		Symbol:     cfg.Symbol,
		TaxRateBps: cfg.TaxRateBps,
		Custody:    s.exec.Custody().String(),
	}
	if !cfg.Owner.IsZero() {
		payload.Owner = cfg.Owner.String()
	}
	s.writeJSON(w, http.StatusOK, payload)
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	holder, err := parseSender(chi.URLParam(r, "address"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	denom, err := collateral.NormalizeToken(chi.URLParam(r, "denom"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	amount, err := s.exec.Balance(holder, denom)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, balancePayload{Address: holder.String(), Denom: denom, Amount: amount.String()})
}

func (s *Server) auditFilter(r *http.Request) (audit.Filter, error) {
	query := r.URL.Query()
	filter := audit.Filter{
		CollateralID: query.Get("collateral_id"),
		Sender:       query.Get("sender"),
	}
	if raw := strings.TrimSpace(query.Get("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			return filter, fmt.Errorf("%w: limit must be a positive integer", errBadRequest)
		}
		filter.Limit = limit
	}
	return filter, nil
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		http.Error(w, "audit trail disabled", http.StatusNotFound)
		return
	}
	filter, err := s.auditFilter(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	entries, err := s.audit.List(r.Context(), filter)
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make([]auditEntryPayload, 0, len(entries))
	for _, entry := range entries {
		out = append(out, auditEntryPayload{
			ID:           entry.ID.String(),
			Sequence:     entry.Sequence,
			Height:       entry.Height,
			Method:       entry.Method,
			Sender:       entry.Sender,
			CollateralID: entry.CollateralID,
			Status:       entry.Status,
			Outcome:      entry.Outcome,
			Error:        entry.Error,
			Digest:       entry.Digest,
			CreatedAt:    entry.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"entries": out})
}

func (s *Server) handleAuditVerify(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		http.Error(w, "audit trail disabled", http.StatusNotFound)
		return
	}
	if err := s.audit.Verify(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAuditExport(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		http.Error(w, "audit trail disabled", http.StatusNotFound)
		return
	}
	filter, err := s.auditFilter(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	entries, err := s.audit.List(r.Context(), filter)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var buf bytes.Buffer
	if err := audit.WriteParquet(&buf, entries); err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/vnd.apache.parquet")
	w.Header().Set("Content-Disposition", `attachment; filename="collateral-audit.parquet"`)
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(buf.Bytes()); err != nil {
		s.logger.Warn("write audit export", slog.Any("error", err))
	}
}

func newResultPayload(res *collateral.Result) resultPayload {
	payload := resultPayload{
		Method:       res.Method,
		Height:       res.Height,
		CollateralID: res.CollateralID,
		Status:       res.Status,
		Attributes:   make([]attributePayload, 0, len(res.Attributes)),
		Effects:      make([]effectPayload, 0, len(res.Effects)),
		Events:       make([]eventPayload, 0, len(res.Events)),
	}
	if res.TaxDue != nil {
		payload.TaxDue = res.TaxDue.String()
	}
	for _, attr := range res.Attributes {
		payload.Attributes = append(payload.Attributes, attributePayload{Key: attr.Key, Value: attr.Value})
	}
	for _, effect := range res.Effects {
		payload.Effects = append(payload.Effects, effectPayload{
			Route:  effect.Route.String(),
			Denom:  effect.Denom,
			Amount: effect.Amount.String(),
			From:   effect.From.String(),
			To:     effect.To.String(),
		})
	}
	for _, evt := range res.Events {
		if evt == nil {
			continue
		}
		payload.Events = append(payload.Events, eventPayload{Type: evt.Type, Attributes: evt.Attributes})
	}
	return payload
}

func newRecordPayload(rec *collateral.Record) recordPayload {
	return recordPayload{
		ID:             rec.ID,
		Token:          rec.Token,
		Amount:         rec.Amount.String(),
		Valuation:      rec.Valuation.String(),
		LastTaxPayment: rec.LastTaxPayment,
		Borrower:       rec.Borrower.String(),
		Route:          rec.Route.String(),
		Height:         rec.Height,
	}
}

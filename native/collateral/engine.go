package collateral

import (
	"fmt"
	"math/big"
	"strings"

	"golang.org/x/text/unicode/norm"

	"loanledger/core/types"
	"loanledger/crypto"
	nativecommon "loanledger/native/common"
)

const moduleName = "collateral"

// ModuleName is the name operators use to pause the collateral module.
const ModuleName = moduleName

// Env carries the block context the host supplies to a single operation.
type Env struct {
	Height uint64
	// Time is the block time in unix seconds. The host guarantees it never
	// decreases between operations.
	Time uint64
}

// Attribute is a descriptive key/value pair attached to a result for
// auditing. Attributes are not part of the ledger state.
type Attribute struct {
	Key   string
	Value string
}

// Result is the outcome of a successful operation. Effects must be executed by
// the host after the operation returns, in slice order.
type Result struct {
	Method       string
	Height       uint64
	CollateralID string
	Status       string
	TaxDue       *big.Int
	Effects      []TransferEffect
	Attributes   []Attribute
	Events       []*types.Event
}

// Attribute returns the value of the first attribute named key.
func (r *Result) Attribute(key string) (string, bool) {
	if r == nil {
		return "", false
	}
	for _, attr := range r.Attributes {
		if attr.Key == key {
			return attr.Value, true
		}
	}
	return "", false
}

func (r *Result) addAttribute(key, value string) {
	r.Attributes = append(r.Attributes, Attribute{Key: key, Value: value})
}

func newResult(env Env, method string) *Result {
	res := &Result{Method: method, Height: env.Height}
	res.addAttribute("method", method)
	return res
}

// Snapshot captures the committed engine state so the host can undo an
// operation whose effects could not be applied.
type Snapshot struct {
	config *Config
	ledger *Ledger
}

// Engine applies the collateral lifecycle operations. Every operation works on
// a staged copy of the ledger that replaces the committed ledger only when the
// operation succeeds, so a failed operation leaves no partial state behind.
//
// Engine is not safe for concurrent use; the host serializes invocations.
type Engine struct {
	config   *Config
	ledger   *Ledger
	custody  crypto.Address
	port     TransferPort
	balances BalanceQuery
	pauses   nativecommon.PauseView
}

// NewEngine constructs an engine whose custody account is custody.
func NewEngine(custody crypto.Address) *Engine {
	return &Engine{
		ledger:  NewLedger(),
		custody: custody,
		port:    DeferredPort{},
	}
}

// SetPort configures the transfer port. Passing nil restores DeferredPort.
func (e *Engine) SetPort(port TransferPort) {
	if port == nil {
		e.port = DeferredPort{}
		return
	}
	e.port = port
}

// SetBalanceQuery wires the balance oracle consulted by PayTax.
func (e *Engine) SetBalanceQuery(q BalanceQuery) { e.balances = q }

// SetPauses wires the operator pause switches consulted before every
// state-changing operation.
func (e *Engine) SetPauses(p nativecommon.PauseView) {
	if e == nil {
		return
	}
	e.pauses = p
}

// Load replaces the engine state with persisted values.
func (e *Engine) Load(cfg *Config, ledger *Ledger) {
	e.config = cfg.Clone()
	if ledger == nil {
		ledger = NewLedger()
	}
	e.ledger = ledger
}

// Custody returns the address that holds deposited collateral.
func (e *Engine) Custody() crypto.Address { return e.custody }

// Config returns a copy of the ledger configuration, or nil before
// instantiation.
func (e *Engine) Config() *Config { return e.config.Clone() }

// Ledger returns the committed ledger. Callers must treat it as read-only.
func (e *Engine) Ledger() *Ledger { return e.ledger }

// Snapshot returns the committed state. Committed ledgers are never mutated in
// place, so holding the pointers is sufficient.
func (e *Engine) Snapshot() Snapshot {
	return Snapshot{config: e.config, ledger: e.ledger}
}

// Revert restores a state captured by Snapshot.
func (e *Engine) Revert(s Snapshot) {
	e.config = s.config
	if s.ledger == nil {
		s.ledger = NewLedger()
	}
	e.ledger = s.ledger
}

func (e *Engine) ensureReady() error {
	if e == nil {
		return ErrNotInstantiated
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	if e.config == nil {
		return ErrNotInstantiated
	}
	if e.port == nil {
		return errNilPort
	}
	return nil
}

// Instantiate creates the ledger configuration. It may only run once. Name and
// symbol are stored trimmed and in Unicode NFC form.
func (e *Engine) Instantiate(env Env, owner crypto.Address, name, symbol string, taxRateBps uint64) (*Result, error) {
	if e == nil {
		return nil, ErrNotInstantiated
	}
	if e.config != nil {
		return nil, ErrAlreadyInstantiated
	}
	cfg := &Config{
		Name:       norm.NFC.String(strings.TrimSpace(name)),
		Symbol:     norm.NFC.String(strings.TrimSpace(symbol)),
		TaxRateBps: taxRateBps,
		Owner:      owner,
	}
	e.config = cfg
	e.ledger = NewLedger()

	res := newResult(env, MethodInstantiate)
	res.Status = StatusSuccess
	res.Events = append(res.Events, NewInstantiatedEvent(cfg))
	return res, nil
}

// DepositCollateral records a new collateral deposit by borrower and schedules
// the transfer of amount into custody. The native route is used when funds
// carries the deposited denomination, the token contract route otherwise.
func (e *Engine) DepositCollateral(env Env, borrower crypto.Address, funds []Coin, token string, amount, valuation *big.Int) (*Result, error) {
	if err := e.ensureReady(); err != nil {
		return nil, err
	}
	if borrower.IsZero() {
		return nil, fmt.Errorf("%w: borrower must be set", ErrInvalidAddress)
	}
	normalized, err := NormalizeToken(token)
	if err != nil {
		return nil, err
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	if valuation == nil || valuation.Sign() < 0 {
		return nil, fmt.Errorf("%w: valuation must be non-negative", ErrInvalidAmount)
	}
	route, err := selectDepositRoute(normalized, amount, funds)
	if err != nil {
		return nil, err
	}

	staged := e.ledger.Clone()
	id := NewCollateralID(env.Height, borrower)
	rec := &Record{
		ID:             id,
		Token:          normalized,
		Amount:         cloneBigInt(amount),
		Valuation:      cloneBigInt(valuation),
		LastTaxPayment: env.Time,
		Borrower:       borrower,
		Route:          route,
		Height:         env.Height,
	}
	if err := staged.Insert(rec); err != nil {
		return nil, err
	}
	effect, err := e.port.Transfer(route, normalized, amount, borrower, e.custody)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	stored, _ := staged.Get(id)

	res := newResult(env, MethodDepositCollateral)
	res.CollateralID = id
	res.Status = StatusSuccess
	res.addAttribute("collateral_id", id)
	res.addAttribute("route", route.String())
	res.Effects = append(res.Effects, effect)
	res.Events = append(res.Events, NewDepositedEvent(stored))

	e.ledger = staged
	return res, nil
}

// AdjustValuation overwrites the declared valuation of the borrower's record.
// No collateralization bound is applied.
func (e *Engine) AdjustValuation(env Env, borrower crypto.Address, newValuation *big.Int) (*Result, error) {
	if err := e.ensureReady(); err != nil {
		return nil, err
	}
	if newValuation == nil || newValuation.Sign() < 0 {
		return nil, fmt.Errorf("%w: valuation must be non-negative", ErrInvalidAmount)
	}
	staged := e.ledger.Clone()
	rec, err := staged.FirstByBorrower(borrower)
	if err != nil {
		return nil, err
	}
	rec.Valuation = cloneBigInt(newValuation)
	if err := staged.Update(rec); err != nil {
		return nil, err
	}

	res := newResult(env, MethodAdjustValuation)
	res.CollateralID = rec.ID
	res.Status = StatusSuccess
	res.addAttribute("collateral_id", rec.ID)
	res.addAttribute("valuation", rec.Valuation.String())
	res.Events = append(res.Events, NewValuationAdjustedEvent(rec))

	e.ledger = staged
	return res, nil
}

// PayTax settles the tax accrued on the borrower's record since its last
// payment. The borrower must hold at least the tax due in the record's token.
func (e *Engine) PayTax(env Env, borrower crypto.Address) (*Result, error) {
	if err := e.ensureReady(); err != nil {
		return nil, err
	}
	if e.balances == nil {
		return nil, errNilBalances
	}
	staged := e.ledger.Clone()
	rec, err := staged.FirstByBorrower(borrower)
	if err != nil {
		return nil, err
	}
	tax, err := RecordTaxDue(rec, env.Time, e.config.TaxRateBps)
	if err != nil {
		return nil, err
	}
	balance, err := e.balances.Balance(borrower, rec.Token)
	if err != nil {
		return nil, fmt.Errorf("query balance: %w", err)
	}
	if balance == nil || balance.Cmp(tax) < 0 {
		return nil, fmt.Errorf("%w: balance %s %s below tax due %s", ErrInsufficientFunds, cloneBigInt(balance), rec.Token, tax)
	}

	res := newResult(env, MethodPayTax)
	if tax.Sign() > 0 {
		effect, err := e.port.Transfer(rec.Route, rec.Token, tax, borrower, e.custody)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrTransferFailed, err)
		}
		res.Effects = append(res.Effects, effect)
	}
	rec.LastTaxPayment = env.Time
	if err := staged.Update(rec); err != nil {
		return nil, err
	}

	res.CollateralID = rec.ID
	res.Status = StatusSuccess
	res.TaxDue = tax
	res.addAttribute("collateral_id", rec.ID)
	res.addAttribute("tax_due", tax.String())
	res.Events = append(res.Events, NewTaxPaidEvent(rec, tax.String()))

	e.ledger = staged
	return res, nil
}

// LiquidateCollateral removes the record stored under id and schedules the
// payout of its full amount to liquidator. An unknown id is not an error: the
// result carries StatusNotFound and the ledger is unchanged, so batch callers
// can move past records that were already liquidated.
func (e *Engine) LiquidateCollateral(env Env, liquidator crypto.Address, id string) (*Result, error) {
	if err := e.ensureReady(); err != nil {
		return nil, err
	}
	if liquidator.IsZero() {
		return nil, fmt.Errorf("%w: liquidator must be set", ErrInvalidAddress)
	}
	id = strings.TrimSpace(id)

	res := newResult(env, MethodLiquidateCollateral)
	res.CollateralID = id

	staged := e.ledger.Clone()
	removed, effect, err := Liquidate(staged, e.port, e.custody, liquidator, id)
	if IsNotFound(err) {
		res.Status = StatusNotFound
		res.addAttribute("status", StatusNotFound)
		res.addAttribute("collateral_id", id)
		res.Events = append(res.Events, NewLiquidationMissingEvent(id, liquidator.String()))
		return res, nil
	}
	if err != nil {
		return nil, err
	}

	res.Status = StatusSuccess
	res.addAttribute("status", StatusSuccess)
	res.addAttribute("collateral_id", id)
	res.addAttribute("amount", removed.Amount.String())
	res.Effects = append(res.Effects, effect)
	res.Events = append(res.Events, NewLiquidatedEvent(removed, liquidator.String()))

	e.ledger = staged
	return res, nil
}

// Collateral returns a copy of the record stored under id.
func (e *Engine) Collateral(id string) (*Record, error) {
	rec, ok := e.ledger.Get(strings.TrimSpace(id))
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return rec, nil
}

// TaxOwed previews the tax accrued on the record stored under id at time now.
func (e *Engine) TaxOwed(id string, now uint64) (*big.Int, error) {
	if e.config == nil {
		return nil, ErrNotInstantiated
	}
	rec, err := e.Collateral(id)
	if err != nil {
		return nil, err
	}
	return RecordTaxDue(rec, now, e.config.TaxRateBps)
}

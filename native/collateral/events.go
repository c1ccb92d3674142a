package collateral

import (
	"strconv"

	"loanledger/core/events"
	"loanledger/core/types"
)

const (
	EventTypeInstantiated       = "collateral.instantiated"
	EventTypeDeposited          = "collateral.deposited"
	EventTypeValuationAdjusted  = "collateral.valuation_adjusted"
	EventTypeTaxPaid            = "collateral.tax_paid"
	EventTypeLiquidated         = "collateral.liquidated"
	EventTypeLiquidationMissing = "collateral.liquidation_missing"
)

// Method names reported in the "method" attribute of every result.
const (
	MethodInstantiate         = "instantiate"
	MethodDepositCollateral   = "deposit_collateral"
	MethodAdjustValuation     = "adjust_valuation"
	MethodPayTax              = "pay_tax"
	MethodLiquidateCollateral = "liquidate_collateral"
)

// Liquidation status values.
const (
	StatusSuccess  = "success"
	StatusNotFound = "collateral_not_found"
)

// ledgerEvent adapts a types.Event to the events.Event interface.
type ledgerEvent struct {
	evt *types.Event
}

func (e ledgerEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e ledgerEvent) Event() *types.Event { return e.evt }

// WrapEvent exposes a ledger event to an events.Emitter.
func WrapEvent(evt *types.Event) events.Event { return ledgerEvent{evt: evt} }

// NewInstantiatedEvent returns the payload emitted when the ledger is created.
func NewInstantiatedEvent(cfg *Config) *types.Event {
	attrs := make(map[string]string)
	if cfg != nil {
		attrs["name"] = cfg.Name
		attrs["symbol"] = cfg.Symbol
		attrs["taxRateBps"] = strconv.FormatUint(cfg.TaxRateBps, 10)
		if !cfg.Owner.IsZero() {
			attrs["owner"] = cfg.Owner.String()
		}
	}
	return &types.Event{Type: EventTypeInstantiated, Attributes: attrs}
}

// NewDepositedEvent returns the payload for a new collateral record.
func NewDepositedEvent(rec *Record) *types.Event { return newRecordEvent(EventTypeDeposited, rec) }

// NewValuationAdjustedEvent returns the payload for a valuation change.
func NewValuationAdjustedEvent(rec *Record) *types.Event {
	return newRecordEvent(EventTypeValuationAdjusted, rec)
}

// NewTaxPaidEvent returns the payload for a tax settlement.
func NewTaxPaidEvent(rec *Record, tax string) *types.Event {
	evt := newRecordEvent(EventTypeTaxPaid, rec)
	evt.Attributes["taxDue"] = tax
	return evt
}

// NewLiquidatedEvent returns the payload for a removed record.
func NewLiquidatedEvent(rec *Record, liquidator string) *types.Event {
	evt := newRecordEvent(EventTypeLiquidated, rec)
	evt.Attributes["liquidator"] = liquidator
	return evt
}

// NewLiquidationMissingEvent reports a liquidation attempt against an id that
// is not in the ledger.
func NewLiquidationMissingEvent(id, liquidator string) *types.Event {
	return &types.Event{Type: EventTypeLiquidationMissing, Attributes: map[string]string{
		"id":         id,
		"liquidator": liquidator,
	}}
}

func newRecordEvent(eventType string, rec *Record) *types.Event {
	attrs := make(map[string]string)
	if rec == nil {
		return &types.Event{Type: eventType, Attributes: attrs}
	}
	attrs["id"] = rec.ID
	attrs["borrower"] = rec.Borrower.String()
	attrs["token"] = rec.Token
	attrs["amount"] = cloneBigInt(rec.Amount).String()
	attrs["valuation"] = cloneBigInt(rec.Valuation).String()
	attrs["lastTaxPayment"] = strconv.FormatUint(rec.LastTaxPayment, 10)
	attrs["route"] = rec.Route.String()
	return &types.Event{Type: eventType, Attributes: attrs}
}

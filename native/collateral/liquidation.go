package collateral

import (
	"errors"
	"fmt"

	"loanledger/crypto"
)

// Liquidate removes the record stored under id from ledger and returns the
// effect that pays its entire amount out of custody to the liquidator.
//
// No trigger condition is evaluated: anyone holding a valid id may liquidate,
// including the borrower. A missing id yields ErrNotFound and leaves the ledger
// untouched.
func Liquidate(ledger *Ledger, port TransferPort, custody, liquidator crypto.Address, id string) (*Record, TransferEffect, error) {
	if ledger == nil {
		return nil, TransferEffect{}, ErrNotInstantiated
	}
	if port == nil {
		return nil, TransferEffect{}, errNilPort
	}
	rec, ok := ledger.Get(id)
	if !ok {
		return nil, TransferEffect{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	// Build the payout before removing so a rejected transfer leaves the
	// record in place.
	effect, err := port.Transfer(rec.Route, rec.Token, rec.Amount, custody, liquidator)
	if err != nil {
		return nil, TransferEffect{}, fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	removed, err := ledger.RemoveByID(id)
	if err != nil {
		return nil, TransferEffect{}, err
	}
	return removed, effect, nil
}

// IsNotFound reports whether err signals an absent record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

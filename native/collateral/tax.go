package collateral

import (
	"fmt"
	"math/big"

	"github.com/holiman/uint256"
)

// BasisPoints is the denominator applied to the tax rate.
const BasisPoints = 10_000

var basisPoints = uint256.NewInt(BasisPoints)

// ElapsedSeconds returns now-last. A clock that moved backwards violates the
// host guarantee and is reported rather than clamped to zero.
func ElapsedSeconds(last, now uint64) (uint64, error) {
	if now < last {
		return 0, fmt.Errorf("%w: last payment %d after now %d", ErrClockRegression, last, now)
	}
	return now - last, nil
}

// TaxDue computes floor(valuation * elapsedSeconds * taxRateBps / 10000) in
// 256-bit unsigned arithmetic. Any intermediate product that does not fit
// yields ErrArithmeticOverflow.
func TaxDue(valuation *big.Int, elapsedSeconds, taxRateBps uint64) (*big.Int, error) {
	if valuation == nil || valuation.Sign() == 0 || elapsedSeconds == 0 || taxRateBps == 0 {
		return big.NewInt(0), nil
	}
	if valuation.Sign() < 0 {
		return nil, ErrInvalidAmount
	}
	v, overflow := uint256.FromBig(valuation)
	if overflow {
		return nil, fmt.Errorf("%w: valuation exceeds 256 bits", ErrArithmeticOverflow)
	}
	product, overflow := new(uint256.Int).MulOverflow(v, uint256.NewInt(elapsedSeconds))
	if overflow {
		return nil, fmt.Errorf("%w: valuation * elapsed", ErrArithmeticOverflow)
	}
	product, overflow = product.MulOverflow(product, uint256.NewInt(taxRateBps))
	if overflow {
		return nil, fmt.Errorf("%w: valuation * elapsed * rate", ErrArithmeticOverflow)
	}
	return product.Div(product, basisPoints).ToBig(), nil
}

// RecordTaxDue computes the tax owed on rec at time now.
func RecordTaxDue(rec *Record, now, taxRateBps uint64) (*big.Int, error) {
	if rec == nil {
		return nil, ErrNotFound
	}
	elapsed, err := ElapsedSeconds(rec.LastTaxPayment, now)
	if err != nil {
		return nil, err
	}
	return TaxDue(rec.Valuation, elapsed, taxRateBps)
}

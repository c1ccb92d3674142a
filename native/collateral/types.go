package collateral

import (
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"loanledger/crypto"
)

// Route identifies which transfer mechanism moves a collateral token.
type Route uint8

const (
	// RouteNative moves a native ledger asset through a bank send.
	RouteNative Route = iota + 1
	// RouteContract moves an asset held by an external token contract.
	RouteContract
)

// Valid reports whether the route value is within the supported range.
func (r Route) Valid() bool {
	switch r {
	case RouteNative, RouteContract:
		return true
	default:
		return false
	}
}

func (r Route) String() string {
	switch r {
	case RouteNative:
		return "native"
	case RouteContract:
		return "contract"
	default:
		return "unknown"
	}
}

// Record is a single tracked collateral deposit.
type Record struct {
	// ID is "<height>-<borrower>" and is unique within the ledger.
	ID    string
	Token string
	// Amount is fixed at deposit time.
	Amount    *big.Int
	Valuation *big.Int
	// LastTaxPayment is the unix time in seconds of the last settlement.
	LastTaxPayment uint64
	Borrower       crypto.Address
	// Route records the transfer path used at deposit so tax and liquidation
	// payouts move the token through the same mechanism.
	Route  Route
	Height uint64
	// Sequence orders records by insertion within the ledger.
	Sequence uint64
}

// Clone returns a deep copy of the record so callers can safely mutate the
// copy without affecting the stored instance.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	clone := *r
	clone.Amount = cloneBigInt(r.Amount)
	clone.Valuation = cloneBigInt(r.Valuation)
	if !r.Borrower.IsZero() {
		clone.Borrower = crypto.NewAddress(r.Borrower.Prefix(), r.Borrower.Bytes())
	}
	return &clone
}

// Equal reports whether two records carry identical state.
func (r *Record) Equal(other *Record) bool {
	if r == nil || other == nil {
		return r == other
	}
	return r.ID == other.ID &&
		r.Token == other.Token &&
		cloneBigInt(r.Amount).Cmp(cloneBigInt(other.Amount)) == 0 &&
		cloneBigInt(r.Valuation).Cmp(cloneBigInt(other.Valuation)) == 0 &&
		r.LastTaxPayment == other.LastTaxPayment &&
		r.Borrower.Equal(other.Borrower) &&
		r.Route == other.Route &&
		r.Height == other.Height &&
		r.Sequence == other.Sequence
}

// Config captures the ledger metadata fixed at instantiation.
type Config struct {
	Name   string
	Symbol string
	// TaxRateBps is charged per elapsed second against the valuation,
	// expressed in basis points.
	TaxRateBps uint64
	Owner      crypto.Address
}

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	if c == nil {
		return nil
	}
	clone := *c
	if !c.Owner.IsZero() {
		clone.Owner = crypto.NewAddress(c.Owner.Prefix(), c.Owner.Bytes())
	}
	return &clone
}

// Coin is an amount of a single denomination attached to a message.
type Coin struct {
	Denom  string
	Amount *big.Int
}

// NewCollateralID derives the identifier for a deposit made by borrower at the
// supplied height.
func NewCollateralID(height uint64, borrower crypto.Address) string {
	return strconv.FormatUint(height, 10) + "-" + borrower.String()
}

// NormalizeToken trims the denomination and rejects empty values.
func NormalizeToken(token string) (string, error) {
	trimmed := strings.TrimSpace(token)
	if trimmed == "" {
		return "", fmt.Errorf("%w: token must not be empty", ErrInvalidToken)
	}
	return trimmed, nil
}

// SanitizeRecord validates a record loaded from storage or built by callers and
// returns a normalised copy. The original is not mutated.
func SanitizeRecord(r *Record) (*Record, error) {
	if r == nil {
		return nil, fmt.Errorf("nil collateral record")
	}
	clone := r.Clone()
	if strings.TrimSpace(clone.ID) == "" {
		return nil, fmt.Errorf("collateral record missing id")
	}
	token, err := NormalizeToken(clone.Token)
	if err != nil {
		return nil, err
	}
	clone.Token = token
	if clone.Amount == nil || clone.Amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	if clone.Valuation == nil {
		clone.Valuation = big.NewInt(0)
	}
	if clone.Valuation.Sign() < 0 {
		return nil, ErrInvalidAmount
	}
	if clone.Borrower.IsZero() {
		return nil, fmt.Errorf("%w: borrower must be set", ErrInvalidAddress)
	}
	if !clone.Route.Valid() {
		return nil, fmt.Errorf("invalid collateral route: %d", clone.Route)
	}
	return clone, nil
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

package collateral

import (
	"fmt"
	"math/big"

	"loanledger/crypto"
)

// TransferEffect is a deferred instruction to move value. The host executes
// effects strictly after the operation that produced them returns, in order.
type TransferEffect struct {
	Route  Route
	Denom  string
	Amount *big.Int
	From   crypto.Address
	To     crypto.Address
}

// Clone returns a deep copy of the effect.
func (t TransferEffect) Clone() TransferEffect {
	clone := t
	clone.Amount = cloneBigInt(t.Amount)
	return clone
}

func (t TransferEffect) String() string {
	return fmt.Sprintf("%s transfer %s %s from %s to %s", t.Route, cloneBigInt(t.Amount), t.Denom, t.From, t.To)
}

// TransferPort turns a transfer request into a deferred effect. It hides
// whether the asset is a native ledger asset or an external token contract.
type TransferPort interface {
	Transfer(route Route, denom string, amount *big.Int, from, to crypto.Address) (TransferEffect, error)
}

// BalanceQuery reports the spendable balance of holder in denom.
type BalanceQuery interface {
	Balance(holder crypto.Address, denom string) (*big.Int, error)
}

// DeferredPort validates transfer requests and records them as effects without
// touching balances.
type DeferredPort struct{}

// Transfer implements TransferPort.
func (DeferredPort) Transfer(route Route, denom string, amount *big.Int, from, to crypto.Address) (TransferEffect, error) {
	if !route.Valid() {
		return TransferEffect{}, fmt.Errorf("unsupported transfer route %d", route)
	}
	normalized, err := NormalizeToken(denom)
	if err != nil {
		return TransferEffect{}, err
	}
	if amount == nil || amount.Sign() <= 0 {
		return TransferEffect{}, ErrInvalidAmount
	}
	if from.IsZero() || to.IsZero() {
		return TransferEffect{}, fmt.Errorf("%w: transfer endpoints must be set", ErrInvalidAddress)
	}
	if route == RouteContract {
		if _, err := ContractAddress(normalized); err != nil {
			return TransferEffect{}, err
		}
	}
	return TransferEffect{
		Route:  route,
		Denom:  normalized,
		Amount: cloneBigInt(amount),
		From:   from,
		To:     to,
	}, nil
}

// ContractAddress decodes a token denomination that names an external token
// contract.
func ContractAddress(denom string) (crypto.Address, error) {
	addr, err := crypto.DecodeAddress(denom)
	if err != nil {
		return crypto.Address{}, fmt.Errorf("%w: %s is not a token contract address: %v", ErrInvalidToken, denom, err)
	}
	if addr.Prefix() != crypto.TokenPrefix {
		return crypto.Address{}, fmt.Errorf("%w: %s is not a token contract address", ErrInvalidToken, denom)
	}
	return addr, nil
}

// IsContractDenom reports whether denom names an external token contract.
func IsContractDenom(denom string) bool {
	_, err := ContractAddress(denom)
	return err == nil
}

// selectDepositRoute picks the native path when the caller attached funds of
// the deposited denomination and the contract path otherwise.
func selectDepositRoute(token string, amount *big.Int, funds []Coin) (Route, error) {
	for _, coin := range funds {
		if coin.Denom != token {
			continue
		}
		if coin.Amount == nil || coin.Amount.Cmp(amount) != 0 {
			return 0, fmt.Errorf("%w: attached %s %s does not match deposit amount %s", ErrInvalidAmount, cloneBigInt(coin.Amount), token, amount)
		}
		return RouteNative, nil
	}
	return RouteContract, nil
}

package core

import (
	"math/big"

	"loanledger/crypto"
	"loanledger/native/collateral"
)

// Msg is an inbound ledger operation. Sender is the caller identity the host
// attaches to the operation.
type Msg interface {
	Method() string
	Signer() crypto.Address
}

type InstantiateMsg struct {
	Sender     crypto.Address
	Name       string
	Symbol     string
	TaxRateBps uint64
}

func (m InstantiateMsg) Method() string         { return collateral.MethodInstantiate }
func (m InstantiateMsg) Signer() crypto.Address { return m.Sender }

type DepositCollateralMsg struct {
	Sender crypto.Address
	// Funds are the native coins attached to the call.
	Funds     []collateral.Coin
	Token     string
	Amount    *big.Int
	Valuation *big.Int
}

func (m DepositCollateralMsg) Method() string         { return collateral.MethodDepositCollateral }
func (m DepositCollateralMsg) Signer() crypto.Address { return m.Sender }

type AdjustValuationMsg struct {
	Sender    crypto.Address
	Valuation *big.Int
}

func (m AdjustValuationMsg) Method() string         { return collateral.MethodAdjustValuation }
func (m AdjustValuationMsg) Signer() crypto.Address { return m.Sender }

type PayTaxMsg struct {
	Sender crypto.Address
}

func (m PayTaxMsg) Method() string         { return collateral.MethodPayTax }
func (m PayTaxMsg) Signer() crypto.Address { return m.Sender }

type LiquidateCollateralMsg struct {
	Sender       crypto.Address
	CollateralID string
}

func (m LiquidateCollateralMsg) Method() string         { return collateral.MethodLiquidateCollateral }
func (m LiquidateCollateralMsg) Signer() crypto.Address { return m.Sender }

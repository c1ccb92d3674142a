package config

import (
	"fmt"
	"math/big"
	"strings"

	"loanledger/crypto"
	nativecommon "loanledger/native/common"
)

// GenesisAllocation is a parsed Allocation.
type GenesisAllocation struct {
	Address crypto.Address
	Denom   string
	Amount  *big.Int
}

// PauseView returns the pause switches in the form the engine consults.
func (g Global) PauseView() nativecommon.StaticPauses {
	return nativecommon.StaticPauses{"collateral": g.Pauses.Collateral}
}

// CollateralQuota converts the configured collateral quota.
func (g Global) CollateralQuota() nativecommon.Quota {
	q := g.Quotas.Collateral
	return nativecommon.Quota{
		MaxRequestsPerEpoch: q.MaxRequestsPerEpoch,
		MaxDepositsPerEpoch: q.MaxDepositsPerEpoch,
		EpochSeconds:        q.EpochSeconds,
	}
}

// OwnerAddress decodes the configured ledger owner. An empty owner yields the
// zero address.
func (c *Config) OwnerAddress() (crypto.Address, error) {
	owner := strings.TrimSpace(c.Ledger.Owner)
	if owner == "" {
		return crypto.Address{}, nil
	}
	addr, err := crypto.DecodeAddress(owner)
	if err != nil {
		return crypto.Address{}, fmt.Errorf("invalid ledger.Owner: %w", err)
	}
	return addr, nil
}

// GenesisAllocations parses the configured allocations.
func (c *Config) GenesisAllocations() ([]GenesisAllocation, error) {
	out := make([]GenesisAllocation, 0, len(c.Allocations))
	for i, alloc := range c.Allocations {
		addr, err := crypto.DecodeAddress(alloc.Address)
		if err != nil {
			return nil, fmt.Errorf("invalid allocations[%d].Address: %w", i, err)
		}
		denom := strings.TrimSpace(alloc.Denom)
		if denom == "" {
			return nil, fmt.Errorf("allocations[%d].Denom must not be empty", i)
		}
		amount, err := parseUintAmount(alloc.Amount)
		if err != nil {
			return nil, fmt.Errorf("invalid allocations[%d].Amount: %w", i, err)
		}
		if amount.Sign() == 0 {
			return nil, fmt.Errorf("allocations[%d].Amount must be positive", i)
		}
		out = append(out, GenesisAllocation{Address: addr, Denom: denom, Amount: amount})
	}
	return out, nil
}

func parseUintAmount(raw string) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return big.NewInt(0), nil
	}
	value, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("%q is not a base-10 integer", raw)
	}
	if value.Sign() < 0 {
		return nil, fmt.Errorf("%q must not be negative", raw)
	}
	return value, nil
}

// Package bank keeps native asset balances and the ledgers of external token
// contracts, and executes the transfer effects produced by the collateral
// engine.
package bank

import (
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"

	"loanledger/crypto"
	"loanledger/native/collateral"
	"loanledger/storage"
)

var (
	ErrInsufficientBalance = errors.New("bank: insufficient balance")
	ErrBalanceOverflow     = errors.New("bank: balance exceeds 256 bits")
	ErrInvalidAmount       = errors.New("bank: amount must be positive")
)

// Bank reads balances from a key-value store and buffers every write until
// Commit stages it into a storage batch. Bank is not safe for concurrent use.
type Bank struct {
	db     storage.Database
	staged map[string]*big.Int
}

// New returns a bank backed by db.
func New(db storage.Database) *Bank {
	return &Bank{db: db, staged: make(map[string]*big.Int)}
}

// balanceKey hashes the holder under its ledger namespace. Native balances are
// namespaced by denomination, contract balances by the contract address.
func balanceKey(holder crypto.Address, denom string) []byte {
	if contract, err := collateral.ContractAddress(denom); err == nil {
		return ethcrypto.Keccak256([]byte("token:"), contract.Bytes(), holder.Bytes())
	}
	return ethcrypto.Keccak256([]byte("balance:"+strings.TrimSpace(denom)+":"), holder.Bytes())
}

func (b *Bank) load(key []byte) (*big.Int, error) {
	if v, ok := b.staged[string(key)]; ok {
		return new(big.Int).Set(v), nil
	}
	raw, err := b.db.Get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return big.NewInt(0), nil
	}
	if err != nil {
		return nil, err
	}
	value := new(big.Int)
	if err := rlp.DecodeBytes(raw, value); err != nil {
		return nil, fmt.Errorf("bank: decode balance: %w", err)
	}
	return value, nil
}

// Balance implements collateral.BalanceQuery. Staged writes are visible.
func (b *Bank) Balance(holder crypto.Address, denom string) (*big.Int, error) {
	if holder.IsZero() {
		return nil, fmt.Errorf("bank: holder must be set")
	}
	return b.load(balanceKey(holder, denom))
}

// Mint credits amount of denom to holder. It is used for genesis allocations.
func (b *Bank) Mint(holder crypto.Address, denom string, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	if holder.IsZero() {
		return fmt.Errorf("bank: holder must be set")
	}
	return b.credit(balanceKey(holder, denom), amount)
}

func (b *Bank) credit(key []byte, amount *big.Int) error {
	current, err := b.load(key)
	if err != nil {
		return err
	}
	next := new(big.Int).Add(current, amount)
	if _, overflow := uint256.FromBig(next); overflow {
		return ErrBalanceOverflow
	}
	b.staged[string(key)] = next
	return nil
}

// Execute applies a transfer effect. Native effects move the denomination
// between accounts; contract effects move balances inside the token
// contract's ledger. Nothing is staged when the sender cannot cover the
// amount.
func (b *Bank) Execute(effect collateral.TransferEffect) error {
	if effect.Amount == nil || effect.Amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	if effect.Route == collateral.RouteContract && !collateral.IsContractDenom(effect.Denom) {
		return fmt.Errorf("bank: %s is not a token contract", effect.Denom)
	}
	fromKey := balanceKey(effect.From, effect.Denom)
	toKey := balanceKey(effect.To, effect.Denom)
	fromBalance, err := b.load(fromKey)
	if err != nil {
		return err
	}
	if fromBalance.Cmp(effect.Amount) < 0 {
		return fmt.Errorf("%w: %s holds %s %s, needs %s", ErrInsufficientBalance, effect.From, fromBalance, effect.Denom, effect.Amount)
	}
	toBalance, err := b.load(toKey)
	if err != nil {
		return err
	}
	if string(fromKey) == string(toKey) {
		return nil
	}
	nextTo := new(big.Int).Add(toBalance, effect.Amount)
	if _, overflow := uint256.FromBig(nextTo); overflow {
		return ErrBalanceOverflow
	}
	b.staged[string(fromKey)] = new(big.Int).Sub(fromBalance, effect.Amount)
	b.staged[string(toKey)] = nextTo
	return nil
}

// Pending returns the number of staged balance writes.
func (b *Bank) Pending() int { return len(b.staged) }

// Commit writes every staged balance into batch and clears the stage. The
// caller owns writing the batch.
func (b *Bank) Commit(batch storage.Batch) error {
	keys := make([]string, 0, len(b.staged))
	for key := range b.staged {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		encoded, err := rlp.EncodeToBytes(b.staged[key])
		if err != nil {
			return fmt.Errorf("bank: encode balance: %w", err)
		}
		batch.Put([]byte(key), encoded)
	}
	b.staged = make(map[string]*big.Int)
	return nil
}

// Discard drops every staged write.
func (b *Bank) Discard() {
	b.staged = make(map[string]*big.Int)
}

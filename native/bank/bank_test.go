package bank

import (
	"errors"
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"loanledger/crypto"
	"loanledger/native/collateral"
	"loanledger/storage"
)

func addr(b byte) crypto.Address {
	buf := make([]byte, crypto.AddressLength)
	buf[len(buf)-1] = b
	return crypto.NewAddress(crypto.AccountPrefix, buf)
}

func contractDenom(b byte) string {
	buf := make([]byte, crypto.AddressLength)
	buf[0] = b
	return crypto.NewAddress(crypto.TokenPrefix, buf).String()
}

func commit(t *testing.T, db storage.Database, b *Bank) {
	t.Helper()
	batch := db.NewBatch()
	require.NoError(t, b.Commit(batch))
	require.NoError(t, batch.Write())
}

func TestNativeTransfer(t *testing.T) {
	db := storage.NewMemDB()
	b := New(db)
	alice, bob := addr(1), addr(2)
	require.NoError(t, b.Mint(alice, "uloan", big.NewInt(100)))

	err := b.Execute(collateral.TransferEffect{Route: collateral.RouteNative, Denom: "uloan", Amount: big.NewInt(40), From: alice, To: bob})
	require.NoError(t, err)
	commit(t, db, b)
	require.Zero(t, b.Pending())

	reloaded := New(db)
	got, err := reloaded.Balance(alice, "uloan")
	require.NoError(t, err)
	require.Equal(t, int64(60), got.Int64())
	got, err = reloaded.Balance(bob, "uloan")
	require.NoError(t, err)
	require.Equal(t, int64(40), got.Int64())
}

func TestInsufficientBalanceStagesNothing(t *testing.T) {
	b := New(storage.NewMemDB())
	alice, bob := addr(1), addr(2)
	require.NoError(t, b.Mint(alice, "uloan", big.NewInt(5)))
	before := b.Pending()

	err := b.Execute(collateral.TransferEffect{Route: collateral.RouteNative, Denom: "uloan", Amount: big.NewInt(6), From: alice, To: bob})
	require.True(t, errors.Is(err, ErrInsufficientBalance))
	require.Equal(t, before, b.Pending())
}

func TestContractLedgerIsolatedFromNative(t *testing.T) {
	b := New(storage.NewMemDB())
	alice, bob := addr(1), addr(2)
	token := contractDenom(9)
	require.NoError(t, b.Mint(alice, token, big.NewInt(50)))

	require.NoError(t, b.Execute(collateral.TransferEffect{Route: collateral.RouteContract, Denom: token, Amount: big.NewInt(50), From: alice, To: bob}))
	got, err := b.Balance(bob, token)
	require.NoError(t, err)
	require.Equal(t, int64(50), got.Int64())

	native, err := b.Balance(bob, "uloan")
	require.NoError(t, err)
	require.Zero(t, native.Sign())

	err = b.Execute(collateral.TransferEffect{Route: collateral.RouteContract, Denom: "uloan", Amount: big.NewInt(1), From: bob, To: alice})
	require.Error(t, err)
}

func TestDiscardDropsStagedWrites(t *testing.T) {
	db := storage.NewMemDB()
	b := New(db)
	require.NoError(t, b.Mint(addr(1), "uloan", big.NewInt(5)))
	b.Discard()
	got, err := b.Balance(addr(1), "uloan")
	require.NoError(t, err)
	require.Zero(t, got.Sign())
}

func TestMintOverflow(t *testing.T) {
	b := New(storage.NewMemDB())
	max := new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
	require.NoError(t, b.Mint(addr(1), "uloan", max))
	require.True(t, errors.Is(b.Mint(addr(1), "uloan", big.NewInt(1)), ErrBalanceOverflow))
	require.True(t, errors.Is(b.Mint(addr(1), "uloan", big.NewInt(0)), ErrInvalidAmount))
}

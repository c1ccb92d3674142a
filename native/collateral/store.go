package collateral

import (
	"errors"
	"fmt"
	"math/big"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"loanledger/crypto"
	"loanledger/storage"
)

var (
	configKey    = ethcrypto.Keccak256([]byte("collateral:config"))
	recordPrefix = []byte("collateral/record/")
)

func recordKey(id string) []byte {
	hashed := ethcrypto.Keccak256([]byte(id))
	buf := make([]byte, 0, len(recordPrefix)+len(hashed))
	buf = append(buf, recordPrefix...)
	return append(buf, hashed...)
}

type storedConfig struct {
	Name        string
	Symbol      string
	TaxRateBps  uint64
	OwnerPrefix string
	Owner       []byte
}

type storedRecord struct {
	ID             string
	Token          string
	Amount         *big.Int
	Valuation      *big.Int
	LastTaxPayment uint64
	BorrowerPrefix string
	Borrower       []byte
	Route          uint8
	Height         uint64
	Sequence       uint64
}

func newStoredRecord(rec *Record) storedRecord {
	return storedRecord{
		ID:             rec.ID,
		Token:          rec.Token,
		Amount:         cloneBigInt(rec.Amount),
		Valuation:      cloneBigInt(rec.Valuation),
		LastTaxPayment: rec.LastTaxPayment,
		BorrowerPrefix: string(rec.Borrower.Prefix()),
		Borrower:       rec.Borrower.Bytes(),
		Route:          uint8(rec.Route),
		Height:         rec.Height,
		Sequence:       rec.Sequence,
	}
}

func (s storedRecord) toRecord() (*Record, error) {
	if len(s.Borrower) != crypto.AddressLength {
		return nil, fmt.Errorf("collateral: stored borrower has %d bytes", len(s.Borrower))
	}
	return &Record{
		ID:             s.ID,
		Token:          s.Token,
		Amount:         cloneBigInt(s.Amount),
		Valuation:      cloneBigInt(s.Valuation),
		LastTaxPayment: s.LastTaxPayment,
		Borrower:       crypto.NewAddress(crypto.AddressPrefix(s.BorrowerPrefix), s.Borrower),
		Route:          Route(s.Route),
		Height:         s.Height,
		Sequence:       s.Sequence,
	}, nil
}

// Store persists the collateral configuration and ledger in a key-value
// database. Records are keyed by the keccak hash of their id.
type Store struct {
	db storage.Database
}

// NewStore wraps db.
func NewStore(db storage.Database) *Store {
	return &Store{db: db}
}

// Load reads the persisted configuration and ledger. A store that has never
// been written returns a nil config and an empty ledger.
func (s *Store) Load() (*Config, *Ledger, error) {
	if s == nil || s.db == nil {
		return nil, nil, fmt.Errorf("collateral: store not configured")
	}
	var cfg *Config
	raw, err := s.db.Get(configKey)
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		return nil, nil, fmt.Errorf("load collateral config: %w", err)
	default:
		var stored storedConfig
		if err := rlp.DecodeBytes(raw, &stored); err != nil {
			return nil, nil, fmt.Errorf("decode collateral config: %w", err)
		}
		cfg = &Config{Name: stored.Name, Symbol: stored.Symbol, TaxRateBps: stored.TaxRateBps}
		if len(stored.Owner) == crypto.AddressLength {
			cfg.Owner = crypto.NewAddress(crypto.AddressPrefix(stored.OwnerPrefix), stored.Owner)
		}
	}

	ledger := NewLedger()
	err = s.db.Iterate(recordPrefix, func(_, value []byte) error {
		var stored storedRecord
		if err := rlp.DecodeBytes(value, &stored); err != nil {
			return fmt.Errorf("decode collateral record: %w", err)
		}
		rec, err := stored.toRecord()
		if err != nil {
			return err
		}
		return ledger.restore(rec)
	})
	if err != nil {
		return nil, nil, err
	}
	return cfg, ledger, nil
}

// StageDiff writes the configuration and every record that differs between
// prev and next into batch. Records absent from next are deleted.
func (s *Store) StageDiff(batch storage.Batch, cfg *Config, prev, next *Ledger) error {
	if batch == nil {
		return fmt.Errorf("collateral: nil batch")
	}
	if cfg != nil {
		encoded, err := rlp.EncodeToBytes(storedConfig{
			Name:        cfg.Name,
			Symbol:      cfg.Symbol,
			TaxRateBps:  cfg.TaxRateBps,
			OwnerPrefix: string(cfg.Owner.Prefix()),
			Owner:       cfg.Owner.Bytes(),
		})
		if err != nil {
			return fmt.Errorf("encode collateral config: %w", err)
		}
		batch.Put(configKey, encoded)
	}
	if prev != nil {
		for id := range prev.records {
			if !next.Has(id) {
				batch.Delete(recordKey(id))
			}
		}
	}
	if next == nil {
		return nil
	}
	for id, rec := range next.records {
		if prev != nil {
			if old, ok := prev.records[id]; ok && old.Equal(rec) {
				continue
			}
		}
		encoded, err := rlp.EncodeToBytes(newStoredRecord(rec))
		if err != nil {
			return fmt.Errorf("encode collateral record %s: %w", id, err)
		}
		batch.Put(recordKey(id), encoded)
	}
	return nil
}

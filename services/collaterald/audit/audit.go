// Package audit keeps an append-only trail of every ledger operation the
// service accepted or rejected. Entries are chained by a blake3 digest over
// the previous digest and the entry contents, so Verify detects edits and
// deletions.
package audit

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"lukechampine.com/blake3"

	"loanledger/native/collateral"
)

// Outcome values.
const (
	OutcomeCommitted = "committed"
	OutcomeRejected  = "rejected"
)

const (
	defaultListLimit = 100
	verifyBatchSize  = 500
)

// ErrChainBroken is returned by Verify when an entry digest does not match.
var ErrChainBroken = errors.New("audit: digest chain broken")

// Entry is a single audited operation.
type Entry struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey"`
	Sequence     uint64    `gorm:"uniqueIndex"`
	Height       uint64    `gorm:"index"`
	Method       string    `gorm:"index"`
	Sender       string    `gorm:"index"`
	CollateralID string    `gorm:"index"`
	Status       string
	Outcome      string `gorm:"index"`
	Error        string
	Attributes   string `gorm:"type:text"`
	Effects      string `gorm:"type:text"`
	CreatedAt    time.Time
	PrevDigest   string
	Digest       string
}

// TableName pins the table name independent of gorm's pluralisation.
func (Entry) TableName() string { return "collateral_audit_entries" }

type attributePayload struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type effectPayload struct {
	Route  string `json:"route"`
	Denom  string `json:"denom"`
	Amount string `json:"amount"`
	From   string `json:"from"`
	To     string `json:"to"`
}

// Open connects to the audit database. DSNs starting with postgres:// or
// postgresql:// use the Postgres driver; anything else is treated as a SQLite
// path. An empty DSN opens a private in-memory SQLite database.
func Open(dsn string) (*gorm.DB, error) {
	dsn = strings.TrimSpace(dsn)
	cfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}
	var dialector gorm.Dialector
	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		dialector = postgres.Open(dsn)
	case dsn == "":
		dialector = sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()))
	default:
		dialector = sqlite.Open(dsn)
	}
	db, err := gorm.Open(dialector, cfg)
	if err != nil {
		return nil, fmt.Errorf("audit: open database: %w", err)
	}
	return db, nil
}

// Driver names the driver Open selects for dsn.
func Driver(dsn string) string {
	dsn = strings.TrimSpace(dsn)
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "postgres"
	}
	return "sqlite"
}

// Store persists audit entries.
type Store struct {
	mu  sync.Mutex
	db  *gorm.DB
	now func() time.Time
}

// NewStore migrates the schema and returns a store.
func NewStore(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, errors.New("audit: database required")
	}
	if err := db.AutoMigrate(&Entry{}); err != nil {
		return nil, fmt.Errorf("audit: migrate: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// RecordResult stores a committed operation.
func (s *Store) RecordResult(ctx context.Context, sender string, res *collateral.Result) (*Entry, error) {
	if res == nil {
		return nil, errors.New("audit: nil result")
	}
	attrs := make([]attributePayload, 0, len(res.Attributes))
	for _, attr := range res.Attributes {
		attrs = append(attrs, attributePayload{Key: attr.Key, Value: attr.Value})
	}
	effects := make([]effectPayload, 0, len(res.Effects))
	for _, effect := range res.Effects {
		effects = append(effects, effectPayload{
			Route:  effect.Route.String(),
			Denom:  effect.Denom,
			Amount: effect.Amount.String(),
			From:   effect.From.String(),
			To:     effect.To.String(),
		})
	}
	attrJSON, err := json.Marshal(attrs)
	if err != nil {
		return nil, err
	}
	effectJSON, err := json.Marshal(effects)
	if err != nil {
		return nil, err
	}
	entry := &Entry{
		Height:       res.Height,
		Method:       res.Method,
		Sender:       sender,
		CollateralID: res.CollateralID,
		Status:       res.Status,
		Outcome:      OutcomeCommitted,
		Attributes:   string(attrJSON),
		Effects:      string(effectJSON),
	}
	return entry, s.insert(ctx, entry)
}

// RecordRejection stores an operation that failed validation or execution.
func (s *Store) RecordRejection(ctx context.Context, method, sender string, cause error) (*Entry, error) {
	entry := &Entry{
		Method:     method,
		Sender:     sender,
		Outcome:    OutcomeRejected,
		Attributes: "[]",
		Effects:    "[]",
	}
	if cause != nil {
		entry.Error = cause.Error()
	}
	return entry, s.insert(ctx, entry)
}

func (s *Store) insert(ctx context.Context, entry *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var last Entry
		err := tx.Order("sequence desc").Limit(1).Take(&last).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
		case err != nil:
			return fmt.Errorf("audit: load chain head: %w", err)
		default:
			entry.Sequence = last.Sequence
			entry.PrevDigest = last.Digest
		}
		entry.Sequence++
		entry.ID = uuid.New()
		entry.CreatedAt = s.now().UTC().Truncate(time.Microsecond)
		entry.Digest = entryDigest(entry)
		if err := tx.Create(entry).Error; err != nil {
			return fmt.Errorf("audit: insert: %w", err)
		}
		return nil
	})
}

func entryDigest(entry *Entry) string {
	h := blake3.New(32, nil)
	var num [8]byte
	writeField := func(value string) {
		binary.BigEndian.PutUint64(num[:], uint64(len(value)))
		h.Write(num[:])
		h.Write([]byte(value))
	}
	writeField(entry.PrevDigest)
	binary.BigEndian.PutUint64(num[:], entry.Sequence)
	h.Write(num[:])
	binary.BigEndian.PutUint64(num[:], entry.Height)
	h.Write(num[:])
	binary.BigEndian.PutUint64(num[:], uint64(entry.CreatedAt.UnixMicro()))
	h.Write(num[:])
	for _, field := range []string{
		entry.ID.String(), entry.Method, entry.Sender, entry.CollateralID,
		entry.Status, entry.Outcome, entry.Error, entry.Attributes, entry.Effects,
	} {
		writeField(field)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Verify walks the whole trail in sequence order and checks every digest
// and back link.
func (s *Store) Verify(ctx context.Context) error {
	var (
		prev   string
		cursor uint64
	)
	for {
		var batch []Entry
		err := s.db.WithContext(ctx).
			Where("sequence > ?", cursor).
			Order("sequence asc").
			Limit(verifyBatchSize).
			Find(&batch).Error
		if err != nil {
			return fmt.Errorf("audit: verify: %w", err)
		}
		for i := range batch {
			entry := &batch[i]
			if entry.Sequence != cursor+1 {
				return fmt.Errorf("%w: expected sequence %d, found %d", ErrChainBroken, cursor+1, entry.Sequence)
			}
			if entry.PrevDigest != prev {
				return fmt.Errorf("%w: entry %d does not link to its predecessor", ErrChainBroken, entry.Sequence)
			}
			if entryDigest(entry) != entry.Digest {
				return fmt.Errorf("%w: entry %d digest mismatch", ErrChainBroken, entry.Sequence)
			}
			prev = entry.Digest
			cursor = entry.Sequence
		}
		if len(batch) < verifyBatchSize {
			return nil
		}
	}
}

// Filter narrows List results. Zero fields match everything.
type Filter struct {
	CollateralID string
	Sender       string
	Limit        int
}

// List returns matching entries, oldest first.
func (s *Store) List(ctx context.Context, filter Filter) ([]Entry, error) {
	query := s.db.WithContext(ctx).Model(&Entry{})
	if id := strings.TrimSpace(filter.CollateralID); id != "" {
		query = query.Where("collateral_id = ?", id)
	}
	if sender := strings.TrimSpace(filter.Sender); sender != "" {
		query = query.Where("sender = ?", sender)
	}
	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = defaultListLimit
	}
	var entries []Entry
	if err := query.Order("sequence asc").Limit(limit).Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("audit: list: %w", err)
	}
	return entries, nil
}

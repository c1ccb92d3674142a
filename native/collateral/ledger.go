package collateral

import (
	"fmt"
	"sort"

	"loanledger/crypto"
)

// Ledger owns every active collateral record. Records are indexed by id and,
// secondarily, by borrower in deposit order.
//
// A Ledger handed out by the engine after a commit is never mutated in place;
// every operation works on a Clone. Ledger is not safe for concurrent use.
type Ledger struct {
	records    map[string]*Record
	byBorrower map[string][]string
	nextSeq    uint64
}

// NewLedger returns an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{
		records:    make(map[string]*Record),
		byBorrower: make(map[string][]string),
	}
}

func borrowerKey(addr crypto.Address) string {
	return string(addr.Bytes())
}

// Len returns the number of active records.
func (l *Ledger) Len() int {
	if l == nil {
		return 0
	}
	return len(l.records)
}

// Has reports whether a record with the id exists.
func (l *Ledger) Has(id string) bool {
	if l == nil {
		return false
	}
	_, ok := l.records[id]
	return ok
}

// Get returns a copy of the record stored under id.
func (l *Ledger) Get(id string) (*Record, bool) {
	if l == nil {
		return nil, false
	}
	rec, ok := l.records[id]
	if !ok {
		return nil, false
	}
	return rec.Clone(), true
}

// ByBorrower returns copies of the borrower's records in deposit order.
func (l *Ledger) ByBorrower(borrower crypto.Address) []*Record {
	if l == nil {
		return nil
	}
	ids := l.byBorrower[borrowerKey(borrower)]
	out := make([]*Record, 0, len(ids))
	for _, id := range ids {
		if rec, ok := l.records[id]; ok {
			out = append(out, rec.Clone())
		}
	}
	return out
}

// FirstByBorrower returns the borrower's earliest active record, which is the
// record borrower-keyed operations act on.
func (l *Ledger) FirstByBorrower(borrower crypto.Address) (*Record, error) {
	if l == nil {
		return nil, ErrNotFound
	}
	ids := l.byBorrower[borrowerKey(borrower)]
	if len(ids) == 0 {
		return nil, ErrNotFound
	}
	rec, ok := l.records[ids[0]]
	if !ok {
		return nil, fmt.Errorf("collateral: borrower index references missing record %s", ids[0])
	}
	return rec.Clone(), nil
}

// Records returns copies of every record ordered by insertion.
func (l *Ledger) Records() []*Record {
	if l == nil {
		return nil
	}
	out := make([]*Record, 0, len(l.records))
	for _, rec := range l.records {
		out = append(out, rec.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out
}

// Insert adds a new record and assigns its insertion sequence.
func (l *Ledger) Insert(rec *Record) error {
	sanitized, err := SanitizeRecord(rec)
	if err != nil {
		return err
	}
	if _, exists := l.records[sanitized.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateID, sanitized.ID)
	}
	l.nextSeq++
	sanitized.Sequence = l.nextSeq
	l.put(sanitized)
	return nil
}

// restore inserts a persisted record keeping its stored sequence.
func (l *Ledger) restore(rec *Record) error {
	sanitized, err := SanitizeRecord(rec)
	if err != nil {
		return err
	}
	if _, exists := l.records[sanitized.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateID, sanitized.ID)
	}
	if sanitized.Sequence > l.nextSeq {
		l.nextSeq = sanitized.Sequence
	}
	l.put(sanitized)
	return nil
}

func (l *Ledger) put(rec *Record) {
	l.records[rec.ID] = rec
	key := borrowerKey(rec.Borrower)
	ids := append(l.byBorrower[key], rec.ID)
	sort.Slice(ids, func(i, j int) bool {
		return l.records[ids[i]].Sequence < l.records[ids[j]].Sequence
	})
	l.byBorrower[key] = ids
}

// Update overwrites the mutable fields of an existing record. The borrower,
// token, amount and route are immutable.
func (l *Ledger) Update(rec *Record) error {
	if rec == nil {
		return fmt.Errorf("nil collateral record")
	}
	existing, ok := l.records[rec.ID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, rec.ID)
	}
	if !existing.Borrower.Equal(rec.Borrower) || existing.Token != rec.Token ||
		existing.Amount.Cmp(cloneBigInt(rec.Amount)) != 0 || existing.Route != rec.Route {
		return fmt.Errorf("collateral: immutable fields changed for %s", rec.ID)
	}
	if rec.Valuation == nil || rec.Valuation.Sign() < 0 {
		return ErrInvalidAmount
	}
	existing.Valuation = cloneBigInt(rec.Valuation)
	existing.LastTaxPayment = rec.LastTaxPayment
	return nil
}

// RemoveByID deletes and returns the record stored under id.
func (l *Ledger) RemoveByID(id string) (*Record, error) {
	if l == nil {
		return nil, ErrNotFound
	}
	rec, ok := l.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(l.records, id)
	key := borrowerKey(rec.Borrower)
	ids := l.byBorrower[key]
	for i, candidate := range ids {
		if candidate == id {
			ids = append(ids[:i:i], ids[i+1:]...)
			break
		}
	}
	if len(ids) == 0 {
		delete(l.byBorrower, key)
	} else {
		l.byBorrower[key] = ids
	}
	return rec, nil
}

// Clone returns a deep copy of the ledger.
func (l *Ledger) Clone() *Ledger {
	clone := NewLedger()
	if l == nil {
		return clone
	}
	clone.nextSeq = l.nextSeq
	for id, rec := range l.records {
		clone.records[id] = rec.Clone()
	}
	for key, ids := range l.byBorrower {
		clone.byBorrower[key] = append([]string(nil), ids...)
	}
	return clone
}

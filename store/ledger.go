package store

import (
	"encoding/json"
	"errors"
	"time"

	bolt "github.com/boltdb/bolt"
	"github.com/google/uuid"

	"github.com/arkantrust/payment-reconciler/models"
)

// ErrMissingCharge is returned when appending an entry without a charge id.
var ErrMissingCharge = errors.New("ledger entry has no charge id")

// EntryReader lists the ledger entries recorded for a charge in append order.
type EntryReader interface {
	Entries(chargeID string) ([]models.LedgerEntry, error)
}

// LedgerTx is the view of the ledger available inside a write transaction.
type LedgerTx interface {
	EntryReader
	Append(e *models.LedgerEntry) error
}

// Ledger is the append-only transaction ledger.
//
// Append enforces no uniqueness; callers that need at-most-once semantics
// check for an equivalent entry and append inside one WithTx call. Reads
// always observe previously committed appends.
type Ledger interface {
	LedgerTx
	WithTx(fn func(tx LedgerTx) error) error
}

// stamp fills the id and creation time of a new entry.
func stamp(e *models.LedgerEntry, now time.Time) error {
	if e.ChargeID == "" {
		return ErrMissingCharge
	}
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	return nil
}

// FindPendingCharge returns the most recent front-office CHARGE entry for a
// charge that no webhook CHARGE or CHARGE_FAIL entry has matched yet.
func FindPendingCharge(r EntryReader, chargeID string) (*models.LedgerEntry, error) {
	entries, err := r.Entries(chargeID)
	if err != nil {
		return nil, err
	}

	var pending *models.LedgerEntry
	for i := range entries {
		e := entries[i]
		if e.Type != models.EntryCharge && e.Type != models.EntryChargeFail {
			continue
		}
		switch e.Source {
		case models.SourceWebhook:
			return nil, nil
		case models.SourceFrontOffice:
			if e.Type == models.EntryCharge {
				pending = &entries[i]
			}
		}
	}
	return pending, nil
}

// OrderIDByCharge returns the order the charge was first recorded against.
func OrderIDByCharge(r EntryReader, chargeID string) (int64, bool, error) {
	entries, err := r.Entries(chargeID)
	if err != nil {
		return 0, false, err
	}
	if len(entries) == 0 {
		return 0, false, nil
	}
	return entries[0].OrderID, true, nil
}

// RefundedAmount sums every refund entry of the charge.
func RefundedAmount(r EntryReader, chargeID string) (int64, error) {
	entries, err := r.Entries(chargeID)
	if err != nil {
		return 0, err
	}

	var total int64
	for _, e := range entries {
		if e.Type.IsRefund() {
			total += e.Amount
		}
	}
	return total, nil
}

// LastFourDigits returns the most recently recorded card digits.
func LastFourDigits(r EntryReader, chargeID string) (string, error) {
	entries, err := r.Entries(chargeID)
	if err != nil {
		return "", err
	}

	digits := ""
	for _, e := range entries {
		if e.CardLastDigits != "" {
			digits = e.CardLastDigits
		}
	}
	return digits, nil
}

// HasEntry reports whether the charge has an entry of the given type. When
// sources are given only entries from one of them count.
func HasEntry(r EntryReader, chargeID string, typ models.EntryType, sources ...models.Source) (bool, error) {
	entries, err := r.Entries(chargeID)
	if err != nil {
		return false, err
	}

	for _, e := range entries {
		if e.Type != typ {
			continue
		}
		if len(sources) == 0 {
			return true, nil
		}
		for _, src := range sources {
			if e.Source == src {
				return true, nil
			}
		}
	}
	return false, nil
}

// boltLedgerTx stores entries in one nested bucket per charge, keyed by a
// per-charge sequence so iteration follows append order.
type boltLedgerTx struct {
	tx  *bolt.Tx
	now time.Time
}

func (t boltLedgerTx) Entries(chargeID string) ([]models.LedgerEntry, error) {
	b := t.tx.Bucket(ledgerBucket).Bucket([]byte(chargeID))
	if b == nil {
		return nil, nil
	}

	var entries []models.LedgerEntry
	err := b.ForEach(func(k, v []byte) error {
		var e models.LedgerEntry
		if err := json.Unmarshal(v, &e); err != nil {
			return err
		}
		entries = append(entries, e)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

func (t boltLedgerTx) Append(e *models.LedgerEntry) error {
	if err := stamp(e, t.now); err != nil {
		return err
	}

	b, err := t.tx.Bucket(ledgerBucket).CreateBucketIfNotExists([]byte(e.ChargeID))
	if err != nil {
		return err
	}
	seq, err := b.NextSequence()
	if err != nil {
		return err
	}

	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return b.Put(itob(int64(seq)), data)
}

// Entries returns the ledger entries of a charge in append order.
func (s *Store) Entries(chargeID string) ([]models.LedgerEntry, error) {
	var entries []models.LedgerEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		entries, err = boltLedgerTx{tx: tx}.Entries(chargeID)
		return err
	})
	return entries, err
}

// Append inserts one immutable entry.
func (s *Store) Append(e *models.LedgerEntry) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return boltLedgerTx{tx: tx, now: s.now()}.Append(e)
	})
}

// WithTx runs fn inside a single BoltDB write transaction. BoltDB allows one
// writer at a time, so check-then-append sequences inside fn are atomic.
func (s *Store) WithTx(fn func(tx LedgerTx) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return fn(boltLedgerTx{tx: tx, now: s.now()})
	})
}

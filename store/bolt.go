// Package store provides the BoltDB-backed persistence layer for payment
// reconciliation, plus an alternative SQLite ledger backend.
//
// Idempotency rationale
// ---------------------
// Payment notifications are delivered at least once and can race the
// customer's browser returning from checkout. Every write in this package is
// therefore either an append that the caller guards with an existence check
// inside the same write transaction, or a compare-and-set that is a no-op
// when the target state already holds:
//   - CreateFromCart returns the existing order when the cart was already
//     converted, without writing.
//   - TransitionStatus skips the write when the order already has the target
//     status or the target lies behind it.
//   - Ledger appends run inside WithTx, so a check for an equivalent entry and
//     the append itself are serialized by BoltDB's single writer.
package store

import (
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"time"

	bolt "github.com/boltdb/bolt"
)

var (
	ledgerBucket      = []byte("ledger")
	ordersBucket      = []byte("orders")
	cartOrdersBucket  = []byte("cart_orders")
	cartsBucket       = []byte("carts")
	reviewsBucket     = []byte("reviews")
	creditNotesBucket = []byte("credit_notes")
	attemptsBucket    = []byte("attempts")
	eventsBucket      = []byte("events")

	allBuckets = [][]byte{
		ledgerBucket, ordersBucket, cartOrdersBucket, cartsBucket,
		reviewsBucket, creditNotesBucket, attemptsBucket, eventsBucket,
	}
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// Store wraps a BoltDB database. It implements Ledger and holds orders,
// carts, review records, credit notes, attempt records and processed event
// ids.
type Store struct {
	db  *bolt.DB
	now func() time.Time
}

// New opens (or creates) a BoltDB database at the given path and ensures all
// buckets exist.
func New(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, err
	}

	// CreateBucketIfNotExists is safe to run on every startup.
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

// Close releases the database file lock.
func (s *Store) Close() error {
	return s.db.Close()
}

func itob(v int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(v))
	return b
}

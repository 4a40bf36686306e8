package store

import (
	"context"
	"encoding/json"

	bolt "github.com/boltdb/bolt"

	"github.com/arkantrust/payment-reconciler/models"
)

// Seen reports whether a notification event id was already processed.
func (s *Store) Seen(_ context.Context, eventID string) (bool, error) {
	seen := false
	err := s.db.View(func(tx *bolt.Tx) error {
		seen = tx.Bucket(eventsBucket).Get([]byte(eventID)) != nil
		return nil
	})
	return seen, err
}

// Mark records a notification event id as processed. Marking twice keeps the
// first timestamp.
func (s *Store) Mark(_ context.Context, eventID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(eventsBucket)
		if b.Get([]byte(eventID)) != nil {
			return nil
		}
		ts, err := s.now().MarshalText()
		if err != nil {
			return err
		}
		return b.Put([]byte(eventID), ts)
	})
}

// PutAttempt stores the correlation record of a payment attempt, replacing
// any earlier attempt for the same cart.
func (s *Store) PutAttempt(_ context.Context, a models.Attempt) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = s.now()
	}
	data, err := json.Marshal(a)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(attemptsBucket).Put(itob(a.CartID), data)
	})
}

// Attempt returns the current attempt of a cart or ErrNotFound.
func (s *Store) Attempt(_ context.Context, cartID int64) (*models.Attempt, error) {
	var a models.Attempt
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx.Bucket(attemptsBucket), itob(cartID), &a)
	})
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// ClearAttempt removes the attempt of a cart.
//
// Clearing an attempt that does not exist is not an error, so terminal
// outcomes reached twice stay harmless.
func (s *Store) ClearAttempt(_ context.Context, cartID int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(attemptsBucket).Delete(itob(cartID))
	})
}

package store

import (
	"encoding/json"

	bolt "github.com/boltdb/bolt"

	"github.com/arkantrust/payment-reconciler/models"
)

// PutCart stores or replaces a cart.
func (s *Store) PutCart(c models.Cart) error {
	data, err := json.Marshal(c)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(cartsBucket).Put(itob(c.ID), data)
	})
}

// Cart retrieves a cart by id. Returns ErrNotFound if the key does not exist.
func (s *Store) Cart(id int64) (*models.Cart, error) {
	var c models.Cart
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(cartsBucket).Get(itob(id))
		if v == nil {
			return ErrNotFound
		}
		return json.Unmarshal(v, &c)
	})
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// Order retrieves an order by id. Returns ErrNotFound if the key does not
// exist.
func (s *Store) Order(id int64) (*models.Order, error) {
	var o models.Order
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx.Bucket(ordersBucket), itob(id), &o)
	})
	if err != nil {
		return nil, err
	}
	return &o, nil
}

// CreateFromCart converts a cart into a pending order ONLY if the cart has
// not been converted yet.
//
// Both the webhook and the confirmation path may try to create the order for
// the same cart; the cart id is the idempotency key.
//
// Returns (existing, false, nil) when the cart already had an order.
// Returns (new, true, nil) when the order was created.
func (s *Store) CreateFromCart(cart models.Cart, paymentMethod string) (*models.Order, bool, error) {
	var result models.Order
	created := false

	err := s.db.Update(func(tx *bolt.Tx) error {
		orders := tx.Bucket(ordersBucket)
		index := tx.Bucket(cartOrdersBucket)

		if existing := index.Get(itob(cart.ID)); existing != nil {
			return getJSON(orders, existing, &result)
		}

		seq, err := orders.NextSequence()
		if err != nil {
			return err
		}

		now := s.now()
		result = models.Order{
			ID:            int64(seq),
			CartID:        cart.ID,
			Status:        models.StatusPending,
			TotalPaid:     cart.Total,
			Currency:      cart.Currency,
			PaymentMethod: paymentMethod,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		data, err := json.Marshal(result)
		if err != nil {
			return err
		}

		created = true
		if err := orders.Put(itob(result.ID), data); err != nil {
			return err
		}
		return index.Put(itob(cart.ID), itob(result.ID))
	})
	if err != nil {
		return nil, false, err
	}

	return &result, created, nil
}

// TransitionStatus moves an order to the target status.
//
// Write-avoidance: when the order already has the target status, or the
// move would go backwards (see models.OrderStatus.CanMoveTo), nothing is
// written, so replaying a transition is safe.
//
// Returns the previous status and whether a write occurred.
func (s *Store) TransitionStatus(orderID int64, to models.OrderStatus) (models.OrderStatus, bool, error) {
	var from models.OrderStatus
	written := false

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(ordersBucket)

		var o models.Order
		if err := getJSON(b, itob(orderID), &o); err != nil {
			return err
		}
		from = o.Status
		if o.Status == to || !o.Status.CanMoveTo(to) {
			return nil
		}

		o.Status = to
		o.UpdatedAt = s.now()
		data, err := json.Marshal(o)
		if err != nil {
			return err
		}
		written = true
		return b.Put(itob(orderID), data)
	})
	if err != nil {
		return "", false, err
	}
	return from, written, nil
}

// Review returns the review record of an order.
func (s *Store) Review(orderID int64) (*models.ReviewRecord, error) {
	var r models.ReviewRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx.Bucket(reviewsBucket), itob(orderID), &r)
	})
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// AdvanceReview moves the review record of an order to state, creating it
// when missing. Transitions the current state does not allow are skipped.
func (s *Store) AdvanceReview(orderID int64, chargeID string, state models.ReviewState) (bool, error) {
	written := false

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(reviewsBucket)

		var r models.ReviewRecord
		if err := getJSON(b, itob(orderID), &r); err != nil && err != ErrNotFound {
			return err
		}
		if r.State == state || !r.State.CanMoveTo(state) {
			return nil
		}

		r.OrderID = orderID
		if chargeID != "" {
			r.ChargeID = chargeID
		}
		r.State = state
		r.UpdatedAt = s.now()
		data, err := json.Marshal(r)
		if err != nil {
			return err
		}
		written = true
		return b.Put(itob(orderID), data)
	})
	return written, err
}

// IssueCreditNote stores a credit note for the order unless one exists.
func (s *Store) IssueCreditNote(note models.CreditNote) (bool, error) {
	created := false

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(creditNotesBucket)
		if b.Get(itob(note.OrderID)) != nil {
			return nil
		}
		if note.CreatedAt.IsZero() {
			note.CreatedAt = s.now()
		}
		data, err := json.Marshal(note)
		if err != nil {
			return err
		}
		created = true
		return b.Put(itob(note.OrderID), data)
	})
	return created, err
}

// CreditNote returns the credit note issued for an order.
func (s *Store) CreditNote(orderID int64) (*models.CreditNote, error) {
	var n models.CreditNote
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx.Bucket(creditNotesBucket), itob(orderID), &n)
	})
	if err != nil {
		return nil, err
	}
	return &n, nil
}

func getJSON(b *bolt.Bucket, key []byte, v any) error {
	data := b.Get(key)
	if data == nil {
		return ErrNotFound
	}
	return json.Unmarshal(data, v)
}

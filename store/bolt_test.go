package store_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/arkantrust/payment-reconciler/models"
	"github.com/arkantrust/payment-reconciler/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	dir := t.TempDir()
	s, err := store.New(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("failed to open test store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCartNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Cart(42)
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCreateFromCartIdempotency(t *testing.T) {
	s := newTestStore(t)

	cart := models.Cart{ID: 7, Total: 5000, Currency: "eur", Country: "NL"}
	if err := s.PutCart(cart); err != nil {
		t.Fatalf("put cart: %v", err)
	}

	// First call – should create.
	first, created, err := s.CreateFromCart(cart, "iDEAL")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !created {
		t.Fatal("expected created=true on first call")
	}
	if first.Status != models.StatusPending {
		t.Fatalf("expected pending order, got %q", first.Status)
	}
	if first.TotalPaid != 5000 {
		t.Fatalf("expected total 5000, got %d", first.TotalPaid)
	}

	// Second call with same cart – should return existing, no write.
	second, created, err := s.CreateFromCart(cart, "iDEAL")
	if err != nil {
		t.Fatalf("unexpected error on retry: %v", err)
	}
	if created {
		t.Fatal("expected created=false on duplicate call")
	}
	if second.ID != first.ID {
		t.Fatalf("expected same order on retry, got %d and %d", first.ID, second.ID)
	}
	if !second.CreatedAt.Equal(first.CreatedAt) {
		t.Fatal("createdAt should not change on idempotent create")
	}
}

func TestTransitionStatusWriteAvoidance(t *testing.T) {
	s := newTestStore(t)

	order, _, err := s.CreateFromCart(models.Cart{ID: 1, Total: 100, Currency: "usd"}, "Card")
	if err != nil {
		t.Fatalf("create order: %v", err)
	}

	from, written, err := s.TransitionStatus(order.ID, models.StatusPaymentAccepted)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !written {
		t.Fatal("expected written=true on first transition")
	}
	if from != models.StatusPending {
		t.Fatalf("expected previous status pending, got %q", from)
	}

	// Same target again – no write should occur.
	from, written, err = s.TransitionStatus(order.ID, models.StatusPaymentAccepted)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if written {
		t.Fatal("expected written=false when status already matches")
	}
	if from != models.StatusPaymentAccepted {
		t.Fatalf("expected previous status payment_accepted, got %q", from)
	}

	got, err := s.Order(order.ID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if got.Status != models.StatusPaymentAccepted {
		t.Fatalf("expected payment_accepted, got %q", got.Status)
	}
}

func TestTransitionStatusForwardOnly(t *testing.T) {
	s := newTestStore(t)

	order, _, err := s.CreateFromCart(models.Cart{ID: 1, Total: 100, Currency: "usd"}, "Card")
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	for _, to := range []models.OrderStatus{models.StatusAuthorized, models.StatusCaptured, models.StatusRefunded} {
		if _, written, err := s.TransitionStatus(order.ID, to); err != nil || !written {
			t.Fatalf("move to %s: written=%v err=%v", to, written, err)
		}
	}

	for _, to := range []models.OrderStatus{models.StatusCaptured, models.StatusAuthorized, models.StatusPartiallyRefunded, models.StatusCanceled} {
		from, written, err := s.TransitionStatus(order.ID, to)
		if err != nil {
			t.Fatalf("move back to %s: %v", to, err)
		}
		if written || from != models.StatusRefunded {
			t.Fatalf("expected refunded order to stay put on %s, got written=%v from=%s", to, written, from)
		}
	}

	got, err := s.Order(order.ID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if got.Status != models.StatusRefunded {
		t.Fatalf("expected refunded, got %q", got.Status)
	}
}

func TestTransitionStatusNotFound(t *testing.T) {
	s := newTestStore(t)
	_, _, err := s.TransitionStatus(99, models.StatusCanceled)
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAdvanceReview(t *testing.T) {
	s := newTestStore(t)

	steps := []struct {
		state   models.ReviewState
		written bool
	}{
		{models.ReviewNew, true},
		{models.ReviewAuthorized, true},
		{models.ReviewAuthorized, false},
		{models.ReviewCaptured, true},
		{models.ReviewAuthorized, false},
	}
	for i, step := range steps {
		written, err := s.AdvanceReview(3, "ch_1", step.state)
		if err != nil {
			t.Fatalf("step %d: unexpected error: %v", i, err)
		}
		if written != step.written {
			t.Fatalf("step %d (%s): expected written=%v, got %v", i, step.state, step.written, written)
		}
	}

	r, err := s.Review(3)
	if err != nil {
		t.Fatalf("get review: %v", err)
	}
	if r.State != models.ReviewCaptured || r.ChargeID != "ch_1" {
		t.Fatalf("unexpected review record: %+v", r)
	}
}

func TestIssueCreditNoteOnce(t *testing.T) {
	s := newTestStore(t)

	created, err := s.IssueCreditNote(models.CreditNote{OrderID: 5, Amount: 5000, Currency: "eur"})
	if err != nil || !created {
		t.Fatalf("expected first credit note to be created, got created=%v err=%v", created, err)
	}
	created, err = s.IssueCreditNote(models.CreditNote{OrderID: 5, Amount: 1})
	if err != nil || created {
		t.Fatalf("expected duplicate credit note to be skipped, got created=%v err=%v", created, err)
	}

	n, err := s.CreditNote(5)
	if err != nil {
		t.Fatalf("get credit note: %v", err)
	}
	if n.Amount != 5000 {
		t.Fatalf("expected original amount 5000, got %d", n.Amount)
	}
}

func TestEventGuard(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seen, err := s.Seen(ctx, "evt_1")
	if err != nil || seen {
		t.Fatalf("expected unseen event, got seen=%v err=%v", seen, err)
	}
	if err := s.Mark(ctx, "evt_1"); err != nil {
		t.Fatalf("mark: %v", err)
	}
	if err := s.Mark(ctx, "evt_1"); err != nil {
		t.Fatalf("second mark: %v", err)
	}
	seen, err = s.Seen(ctx, "evt_1")
	if err != nil || !seen {
		t.Fatalf("expected seen event, got seen=%v err=%v", seen, err)
	}
}

func TestClearAttemptIdempotency(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.PutAttempt(ctx, models.Attempt{CartID: 9, MethodID: "ideal", Token: "tok"}); err != nil {
		t.Fatalf("put attempt: %v", err)
	}
	a, err := s.Attempt(ctx, 9)
	if err != nil {
		t.Fatalf("get attempt: %v", err)
	}
	if a.Token != "tok" || a.CreatedAt.IsZero() {
		t.Fatalf("unexpected attempt: %+v", a)
	}

	// First clear – record exists.
	if err := s.ClearAttempt(ctx, 9); err != nil {
		t.Fatalf("unexpected error on first clear: %v", err)
	}
	// Second clear – record already gone, should still succeed.
	if err := s.ClearAttempt(ctx, 9); err != nil {
		t.Fatalf("unexpected error on second clear: %v", err)
	}
	if _, err := s.Attempt(ctx, 9); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after clear, got %v", err)
	}
}

package reconcile

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/arkantrust/payment-reconciler/metadata"
	"github.com/arkantrust/payment-reconciler/models"
	"github.com/arkantrust/payment-reconciler/processor"
	"github.com/arkantrust/payment-reconciler/store"
)

// redirectCart seeds an iDEAL checkout for cart 7 wrapped in session cs_1
// and returns the attempt token.
func (f *fixture) redirectCart(t *testing.T, status processor.IntentStatus) string {
	t.Helper()
	if err := f.store.PutCart(models.Cart{ID: 7, Total: 5000, Currency: "eur", Country: "NL"}); err != nil {
		t.Fatalf("put cart: %v", err)
	}
	f.proc.sessions["cs_1"] = &processor.CheckoutSession{ID: "cs_1", PaymentIntentID: "pi_1"}
	f.proc.intents["pi_1"] = &processor.PaymentIntent{
		ID:           "pi_1",
		Status:       status,
		Amount:       5000,
		Currency:     "eur",
		LatestCharge: &processor.Charge{ID: "ch_r", Amount: 5000, Currency: "eur", MethodType: "ideal"},
		Metadata:     map[string]string{IntentCartMetadataKey: "7"},
	}

	token, err := f.engine.StartAttempt(context.Background(), StartRequest{CartID: 7, MethodID: "ideal", SessionID: "cs_1"})
	if err != nil {
		t.Fatalf("start attempt: %v", err)
	}
	return token
}

func (f *fixture) redirectSucceededEvent(id, token string) {
	f.proc.event(id, "charge.succeeded", processor.Charge{
		ID:         "ch_r",
		Amount:     5000,
		MethodType: "ideal",
		Metadata:   map[string]string{metadata.ChargeMetadataKey: token},
	})
}

func TestStartAttempt(t *testing.T) {
	f := newFixture(t)
	token := f.redirectCart(t, processor.IntentSucceeded)

	meta, err := f.codec.Decode(token)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if meta.Type != models.MetadataSession || meta.ID != "cs_1" || meta.CartID != 7 || meta.MethodID != "ideal" {
		t.Fatalf("unexpected metadata %+v", meta)
	}

	attempt, err := f.store.Attempt(context.Background(), 7)
	if err != nil {
		t.Fatalf("attempt: %v", err)
	}
	if attempt.Token != token || attempt.MethodID != "ideal" {
		t.Fatalf("unexpected attempt %+v", attempt)
	}
}

func TestStartAttemptErrors(t *testing.T) {
	f := newFixture(t)
	if err := f.store.PutCart(models.Cart{ID: 8, Total: 5000, Currency: "usd"}); err != nil {
		t.Fatalf("put cart: %v", err)
	}
	f.proc.intents["pi_1"] = &processor.PaymentIntent{ID: "pi_1"}

	ctx := context.Background()
	tests := []struct {
		name string
		req  StartRequest
		want error
	}{
		{"missing cart", StartRequest{CartID: 99, MethodID: "ideal", PaymentIntentID: "pi_1"}, ErrCartNotFound},
		{"unknown method", StartRequest{CartID: 8, MethodID: "cash", PaymentIntentID: "pi_1"}, ErrUnknownMethod},
		{"no processor object", StartRequest{CartID: 8, MethodID: "card"}, ErrInvalidAttempt},
		{"unknown intent", StartRequest{CartID: 8, MethodID: "card", PaymentIntentID: "pi_x"}, ErrTransient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := f.engine.StartAttempt(ctx, tt.req); !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}

	_, err := f.engine.StartAttempt(ctx, StartRequest{CartID: 8, MethodID: "ideal", PaymentIntentID: "pi_1"})
	var verr *ValidationError
	if !errors.As(err, &verr) || len(verr.Messages) == 0 {
		t.Fatalf("expected validation error for usd iDEAL cart, got %v", err)
	}
}

func TestConfirmThenWebhook(t *testing.T) {
	f := newFixture(t)
	token := f.redirectCart(t, processor.IntentSucceeded)
	ctx := context.Background()

	res, err := f.engine.Confirm(ctx, ConfirmRequest{Token: token, ExpectedIntentID: "pi_1", SessionCartID: 7})
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if res.Status != Confirmed || res.OrderID == 0 {
		t.Fatalf("expected confirmed order, got %+v", res)
	}
	if f.status(t, res.OrderID) != models.StatusPaymentAccepted {
		t.Fatalf("expected payment_accepted, got %s", f.status(t, res.OrderID))
	}
	if _, err := f.store.Attempt(ctx, 7); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected attempt cleared, got %v", err)
	}

	// The notification for the same charge arrives later.
	f.redirectSucceededEvent("evt_late", token)
	out := f.handle(t, "evt_late")
	if out.Kind != AlreadyProcessed || out.OrderID != res.OrderID {
		t.Fatalf("expected already processed for order %d, got %+v", res.OrderID, out)
	}

	charges := f.entries(t, "ch_r", models.EntryCharge)
	if len(charges) != 1 || charges[0].Source != models.SourceFrontOffice || charges[0].Amount != 5000 {
		t.Fatalf("expected one front-office CHARGE, got %+v", charges)
	}
	if f.notes.count() != 1 {
		t.Fatalf("expected 1 status change, got %d", f.notes.count())
	}
}

func TestWebhookThenConfirm(t *testing.T) {
	f := newFixture(t)
	token := f.redirectCart(t, processor.IntentSucceeded)

	f.redirectSucceededEvent("evt_first", token)
	out := f.handle(t, "evt_first")
	if out.Kind != Applied || out.OrderID == 0 {
		t.Fatalf("expected applied, got %s", out)
	}

	res, err := f.engine.Confirm(context.Background(), ConfirmRequest{Token: token})
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if res.Status != Confirmed || res.OrderID != out.OrderID {
		t.Fatalf("expected confirmed order %d, got %+v", out.OrderID, res)
	}

	charges := f.entries(t, "ch_r", models.EntryCharge)
	if len(charges) != 1 || charges[0].Source != models.SourceWebhook {
		t.Fatalf("expected one webhook CHARGE, got %+v", charges)
	}
}

func TestConfirmRacesWebhook(t *testing.T) {
	f := newFixture(t)
	token := f.redirectCart(t, processor.IntentSucceeded)
	f.redirectSucceededEvent("evt_race", token)

	var (
		wg         sync.WaitGroup
		res        ConfirmResult
		out        Outcome
		cErr, wErr error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		res, cErr = f.engine.Confirm(context.Background(), ConfirmRequest{Token: token})
	}()
	go func() {
		defer wg.Done()
		out, wErr = f.engine.HandleNotification(context.Background(), "evt_race")
	}()
	wg.Wait()

	if cErr != nil || wErr != nil {
		t.Fatalf("confirm err=%v webhook err=%v", cErr, wErr)
	}
	if res.Status != Confirmed || res.OrderID != out.OrderID {
		t.Fatalf("paths disagree: confirm %+v webhook %+v", res, out)
	}
	if out.Kind != Applied && out.Kind != AlreadyProcessed {
		t.Fatalf("unexpected webhook outcome %s", out)
	}
	if n := len(f.entries(t, "ch_r", models.EntryCharge)); n != 1 {
		t.Fatalf("expected exactly one CHARGE entry, got %d", n)
	}
}

func TestConfirmPaymentIntentToken(t *testing.T) {
	f := newFixture(t)
	f.redirectCart(t, processor.IntentSucceeded)

	token, err := f.engine.StartAttempt(context.Background(), StartRequest{CartID: 7, MethodID: "ideal", PaymentIntentID: "pi_1"})
	if err != nil {
		t.Fatalf("start attempt: %v", err)
	}
	res, err := f.engine.Confirm(context.Background(), ConfirmRequest{Token: token, ExpectedIntentID: "pi_1"})
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if res.Status != Confirmed {
		t.Fatalf("expected confirmed, got %+v", res)
	}
}

func TestConfirmFailures(t *testing.T) {
	ctx := context.Background()

	t.Run("malformed token", func(t *testing.T) {
		f := newFixture(t)
		res, err := f.engine.Confirm(ctx, ConfirmRequest{Token: "not-a-token"})
		if err != nil {
			t.Fatalf("confirm: %v", err)
		}
		if res.Status != Failed || !errors.Is(res.Reason, metadata.ErrMalformedMetadata) {
			t.Fatalf("expected malformed metadata failure, got %+v", res)
		}
	})

	t.Run("cart not found", func(t *testing.T) {
		f := newFixture(t)
		token, err := f.codec.Encode(models.PaymentMetadata{Type: models.MetadataPaymentIntent, ID: "pi_1", CartID: 99, MethodID: "ideal"})
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		res, _ := f.engine.Confirm(ctx, ConfirmRequest{Token: token})
		if res.Status != Failed || !errors.Is(res.Reason, ErrCartNotFound) {
			t.Fatalf("expected cart not found, got %+v", res)
		}
	})

	t.Run("session unresolved", func(t *testing.T) {
		f := newFixture(t)
		token := f.redirectCart(t, processor.IntentSucceeded)
		delete(f.proc.sessions, "cs_1")
		res, _ := f.engine.Confirm(ctx, ConfirmRequest{Token: token})
		if res.Status != RetryCheckout || !errors.Is(res.Reason, ErrIntentUnresolved) {
			t.Fatalf("expected retry checkout, got %+v", res)
		}
	})

	t.Run("intent fetch fails", func(t *testing.T) {
		f := newFixture(t)
		token := f.redirectCart(t, processor.IntentSucceeded)
		delete(f.proc.intents, "pi_1")
		res, _ := f.engine.Confirm(ctx, ConfirmRequest{Token: token})
		if res.Status != RetryCheckout || !errors.Is(res.Reason, ErrIntentUnresolved) {
			t.Fatalf("expected retry checkout, got %+v", res)
		}
	})

	t.Run("expected intent mismatch", func(t *testing.T) {
		f := newFixture(t)
		token := f.redirectCart(t, processor.IntentSucceeded)
		res, _ := f.engine.Confirm(ctx, ConfirmRequest{Token: token, ExpectedIntentID: "pi_other"})
		if res.Status != Failed || !errors.Is(res.Reason, ErrParameterMismatch) {
			t.Fatalf("expected parameter mismatch, got %+v", res)
		}
	})

	t.Run("intent belongs to another cart", func(t *testing.T) {
		f := newFixture(t)
		token := f.redirectCart(t, processor.IntentSucceeded)
		f.proc.intents["pi_1"].Metadata[IntentCartMetadataKey] = "8"
		res, _ := f.engine.Confirm(ctx, ConfirmRequest{Token: token})
		if res.Status != Failed || !errors.Is(res.Reason, ErrParameterMismatch) {
			t.Fatalf("expected parameter mismatch, got %+v", res)
		}
	})

	t.Run("session cart differs", func(t *testing.T) {
		f := newFixture(t)
		token := f.redirectCart(t, processor.IntentSucceeded)
		if err := f.store.PutCart(models.Cart{ID: 8, Total: 900, Currency: "usd"}); err != nil {
			t.Fatalf("put cart: %v", err)
		}
		res, _ := f.engine.Confirm(ctx, ConfirmRequest{Token: token, SessionCartID: 8})
		var verr *ValidationError
		if res.Status != Failed || !errors.As(res.Reason, &verr) || len(res.Messages) < 2 {
			t.Fatalf("expected validation failure with messages, got %+v", res)
		}
	})

	t.Run("payment not succeeded", func(t *testing.T) {
		f := newFixture(t)
		token := f.redirectCart(t, processor.IntentRequiresPaymentMethod)
		res, _ := f.engine.Confirm(ctx, ConfirmRequest{Token: token})
		if res.Status != Failed || !errors.Is(res.Reason, ErrPaymentNotSucceeded) {
			t.Fatalf("expected payment not succeeded, got %+v", res)
		}
		if _, err := f.store.Attempt(ctx, 7); !errors.Is(err, store.ErrNotFound) {
			t.Fatalf("expected attempt cleared, got %v", err)
		}
		all, err := f.store.Entries("ch_r")
		if err != nil || len(all) != 0 {
			t.Fatalf("expected no ledger entries, got %+v err=%v", all, err)
		}
	})
}

func TestFailureAfterRedirectConfirmation(t *testing.T) {
	f := newFixture(t)
	token := f.redirectCart(t, processor.IntentSucceeded)

	res, err := f.engine.Confirm(context.Background(), ConfirmRequest{Token: token, ExpectedIntentID: "pi_1", SessionCartID: 7})
	if err != nil || res.Status != Confirmed {
		t.Fatalf("confirm: %+v err=%v", res, err)
	}

	// The notification carries no method type, so only the ledger says the
	// charge belongs to a redirect payment.
	f.proc.event("evt_fail", "charge.failed", processor.Charge{ID: "ch_r"})
	if out := f.handle(t, "evt_fail"); out.Kind == Applied {
		t.Fatalf("expected the failure to be skipped, got %s", out)
	}
	if n := len(f.entries(t, "ch_r", models.EntryChargeFail)); n != 0 {
		t.Fatalf("expected no CHARGE_FAIL entry, got %d", n)
	}
	if got := f.status(t, res.OrderID); got != models.StatusPaymentAccepted {
		t.Fatalf("expected payment_accepted, got %s", got)
	}

	f.proc.event("evt_paid", "charge.succeeded", processor.Charge{ID: "ch_r"})
	if out := f.handle(t, "evt_paid"); out.Kind != AlreadyProcessed || out.OrderID != res.OrderID {
		t.Fatalf("expected already processed for order %d, got %+v", res.OrderID, out)
	}
}

func TestWebhookFinishesFailedConfirmation(t *testing.T) {
	f := newFixture(t)
	token := f.redirectCart(t, processor.IntentSucceeded)
	f.engine.Orders = &flakyOrders{Store: f.store, transitions: 1}

	ctx := context.Background()
	if _, err := f.engine.Confirm(ctx, ConfirmRequest{Token: token, ExpectedIntentID: "pi_1", SessionCartID: 7}); !errors.Is(err, errDiskFull) {
		t.Fatalf("expected the store error, got %v", err)
	}

	f.redirectSucceededEvent("evt_paid", token)
	out := f.handle(t, "evt_paid")
	if out.Kind != AlreadyProcessed || out.OrderID == 0 {
		t.Fatalf("expected already processed, got %+v", out)
	}
	if got := f.status(t, out.OrderID); got != models.StatusPaymentAccepted {
		t.Fatalf("expected payment_accepted, got %s", got)
	}
	if n := len(f.entries(t, "ch_r", models.EntryCharge)); n != 1 {
		t.Fatalf("expected one CHARGE entry, got %d", n)
	}
}

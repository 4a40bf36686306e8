package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/arkantrust/payment-reconciler/metadata"
	"github.com/arkantrust/payment-reconciler/methods"
	"github.com/arkantrust/payment-reconciler/models"
	"github.com/arkantrust/payment-reconciler/processor"
	"github.com/arkantrust/payment-reconciler/store"
)

// IntentCartMetadataKey is the processor-side metadata key holding the cart
// id the checkout created the intent for.
const IntentCartMetadataKey = "cart_id"

// ConfirmStatus tells the browser where to go after a confirmation.
type ConfirmStatus int

const (
	// Confirmed means the order exists and the payment is recorded.
	Confirmed ConfirmStatus = iota
	// RetryCheckout means the payment could not be resolved yet and the
	// customer goes back to checkout.
	RetryCheckout
	// Failed is terminal; the reasons are shown to the customer.
	Failed
)

func (s ConfirmStatus) String() string {
	switch s {
	case Confirmed:
		return "confirmed"
	case RetryCheckout:
		return "retry checkout"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// ConfirmRequest is a browser returning from a redirect payment.
type ConfirmRequest struct {
	Token string

	// ExpectedIntentID is the intent id the processor appended to the return
	// URL, if any.
	ExpectedIntentID string

	// SessionCartID is the cart the customer's session points at. Zero means
	// the cart embedded in the token.
	SessionCartID int64
}

// ConfirmResult is the outcome of a confirmation.
type ConfirmResult struct {
	Status   ConfirmStatus
	OrderID  int64
	Reason   error
	Messages []string
}

// Confirm finishes a redirect payment when the customer comes back. The
// processor is asked for the intent status because the success notification
// may not have arrived yet; the shared success path makes the two entry
// points converge on one ledger entry.
func (e *Engine) Confirm(ctx context.Context, req ConfirmRequest) (ConfirmResult, error) {
	meta, err := e.Codec.Decode(req.Token)
	if err != nil {
		return e.confirmFailed(ctx, 0, err, "The payment link is invalid.")
	}

	cart, err := e.Orders.Cart(meta.CartID)
	if errors.Is(err, store.ErrNotFound) {
		return e.confirmFailed(ctx, meta.CartID, ErrCartNotFound, fmt.Sprintf("Cart %d does not exist.", meta.CartID))
	}
	if err != nil {
		return ConfirmResult{}, err
	}

	if attempt, err := e.Attempts.Attempt(ctx, cart.ID); err == nil {
		e.logf(ctx, "cart %d: confirming attempt started at %s with %s", cart.ID, attempt.CreatedAt.Format(time.RFC3339), attempt.MethodID)
	} else if !errors.Is(err, store.ErrNotFound) {
		e.logf(ctx, "error: read attempt of cart %d: %v", cart.ID, err)
	}

	intentID, err := e.resolveIntentID(ctx, meta)
	if err != nil {
		e.logf(ctx, "cart %d: %v", cart.ID, err)
		return ConfirmResult{Status: RetryCheckout, Reason: fmt.Errorf("%w: %w", ErrIntentUnresolved, err)}, nil
	}

	if req.ExpectedIntentID != "" && req.ExpectedIntentID != intentID {
		return e.confirmFailed(ctx, cart.ID, ErrParameterMismatch,
			fmt.Sprintf("Payment %s does not belong to this checkout.", req.ExpectedIntentID))
	}

	live := cart
	if req.SessionCartID != 0 && req.SessionCartID != cart.ID {
		live, err = e.Orders.Cart(req.SessionCartID)
		if errors.Is(err, store.ErrNotFound) {
			return e.confirmFailed(ctx, cart.ID, ErrCartNotFound, fmt.Sprintf("Cart %d does not exist.", req.SessionCartID))
		}
		if err != nil {
			return ConfirmResult{}, err
		}
	}

	// A missing method stays nil and Validate reports it.
	method, _ := e.Methods.Lookup(meta.MethodID)
	if msgs := metadata.Validate(meta, method, *live); len(msgs) > 0 {
		return e.confirmFailed(ctx, cart.ID, &ValidationError{Messages: msgs}, msgs...)
	}

	pi, err := e.fetchIntent(ctx, intentID)
	if err != nil {
		e.logf(ctx, "cart %d: fetch intent %s: %v", cart.ID, intentID, err)
		return ConfirmResult{Status: RetryCheckout, Reason: fmt.Errorf("%w: %w", ErrIntentUnresolved, err)}, nil
	}

	if raw, ok := pi.Metadata[IntentCartMetadataKey]; ok && raw != strconv.FormatInt(meta.CartID, 10) {
		return e.confirmFailed(ctx, cart.ID, ErrParameterMismatch,
			fmt.Sprintf("Payment %s was started for another cart.", pi.ID))
	}

	if pi.Status != processor.IntentSucceeded {
		e.clearAttempt(ctx, cart.ID)
		return e.confirmFailed(ctx, cart.ID, fmt.Errorf("%w: intent %s is %s", ErrPaymentNotSucceeded, pi.ID, pi.Status),
			"Your payment was not completed. Please try again.")
	}
	if pi.LatestCharge == nil || pi.LatestCharge.ID == "" {
		return ConfirmResult{Status: RetryCheckout, Reason: fmt.Errorf("%w: intent %s has no charge yet", ErrIntentUnresolved, pi.ID)}, nil
	}

	out, err := e.finalizeSuccess(ctx, method, *cart, pi.LatestCharge, models.SourceFrontOffice)
	if err != nil {
		return ConfirmResult{}, err
	}
	e.logf(ctx, "confirm cart %d: %s", cart.ID, out)
	if out.Kind == Rejected {
		return e.confirmFailed(ctx, cart.ID, &ValidationError{Messages: out.Errors}, out.Errors...)
	}

	e.clearAttempt(ctx, cart.ID)
	return ConfirmResult{Status: Confirmed, OrderID: out.OrderID}, nil
}

// finalizeSuccess creates the order of a paid cart and records the charge
// once. It is shared by the confirmation path and success notifications of
// redirect methods; whichever arrives second reports AlreadyProcessed and
// still carries the order id.
func (e *Engine) finalizeSuccess(ctx context.Context, method methods.Method, cart models.Cart, ch *processor.Charge, source models.Source) (Outcome, error) {
	if ch.Amount != 0 && ch.Amount != cart.Total {
		msg := fmt.Sprintf("charge %s amount %s does not match cart %d total %s", ch.ID,
			models.FormatAmount(ch.Amount, cart.Currency), cart.ID, models.FormatAmount(cart.Total, cart.Currency))
		return Outcome{Kind: Rejected, Message: msg, Errors: []string{msg}}, nil
	}

	order, created, err := e.Orders.CreateFromCart(cart, method.Name())
	if err != nil {
		return Outcome{}, fmt.Errorf("create order from cart %d: %w", cart.ID, err)
	}
	if created {
		e.logf(ctx, "order %d created from cart %d", order.ID, cart.ID)
	}

	entry, err := e.appendOnce(ch.ID, &models.LedgerEntry{
		ChargeID:       ch.ID,
		OrderID:        order.ID,
		Type:           models.EntryCharge,
		Source:         source,
		SourceType:     method.ID(),
		Amount:         order.TotalPaid,
		CardLastDigits: ch.CardLast4,
	}, func(tx store.LedgerTx) (bool, error) {
		return store.HasEntry(tx, ch.ID, models.EntryCharge)
	})
	if err != nil {
		return Outcome{}, err
	}
	// The order may still be pending if the delivery that wrote the entry
	// failed before its transition, so it runs on replays too.
	if err := e.transition(ctx, order.ID, ch.ID, models.StatusPaymentAccepted); err != nil {
		return Outcome{}, err
	}
	if entry == nil {
		return Outcome{Kind: AlreadyProcessed, OrderID: order.ID, Message: fmt.Sprintf("charge %s already recorded for order %d", ch.ID, order.ID)}, nil
	}
	return Outcome{Kind: Applied, OrderID: order.ID, Entry: entry, Message: fmt.Sprintf("charge %s paid %s for order %d", ch.ID, models.FormatAmount(entry.Amount, order.Currency), order.ID)}, nil
}

func (e *Engine) resolveIntentID(ctx context.Context, meta models.PaymentMetadata) (string, error) {
	if meta.Type == models.MetadataPaymentIntent {
		return meta.ID, nil
	}

	ctx, cancel := e.bounded(ctx)
	defer cancel()
	sess, err := e.Processor.FetchCheckoutSession(ctx, meta.ID)
	if err != nil {
		return "", fmt.Errorf("fetch session %s: %w", meta.ID, err)
	}
	if sess.PaymentIntentID == "" {
		return "", fmt.Errorf("session %s has no payment intent", meta.ID)
	}
	return sess.PaymentIntentID, nil
}

func (e *Engine) fetchIntent(ctx context.Context, id string) (*processor.PaymentIntent, error) {
	ctx, cancel := e.bounded(ctx)
	defer cancel()
	return e.Processor.FetchPaymentIntent(ctx, id)
}

func (e *Engine) clearAttempt(ctx context.Context, cartID int64) {
	if err := e.Attempts.ClearAttempt(ctx, cartID); err != nil {
		e.logf(ctx, "error: clear attempt of cart %d: %v", cartID, err)
	}
}

func (e *Engine) confirmFailed(ctx context.Context, cartID int64, reason error, msgs ...string) (ConfirmResult, error) {
	e.logf(ctx, "confirm cart %d failed: %v", cartID, reason)
	return ConfirmResult{Status: Failed, Reason: reason, Messages: msgs}, nil
}

// StartRequest opens a redirect payment attempt for a cart. Exactly one of
// PaymentIntentID and SessionID is set.
type StartRequest struct {
	CartID          int64  `json:"cartId"`
	MethodID        string `json:"methodId"`
	PaymentIntentID string `json:"paymentIntentId,omitempty"`
	SessionID       string `json:"sessionId,omitempty"`
}

// StartAttempt checks the cart can be paid with the method, issues the
// metadata token for the processor object and stores the attempt record.
func (e *Engine) StartAttempt(ctx context.Context, req StartRequest) (string, error) {
	if (req.PaymentIntentID == "") == (req.SessionID == "") {
		return "", fmt.Errorf("%w: exactly one of payment intent and session is required", ErrInvalidAttempt)
	}

	cart, err := e.Orders.Cart(req.CartID)
	if errors.Is(err, store.ErrNotFound) {
		return "", fmt.Errorf("%w: %d", ErrCartNotFound, req.CartID)
	}
	if err != nil {
		return "", err
	}
	method, ok := e.Methods.Lookup(req.MethodID)
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownMethod, req.MethodID)
	}
	if msgs := method.Eligible(*cart); len(msgs) > 0 {
		return "", &ValidationError{Messages: msgs}
	}

	fctx, cancel := e.bounded(ctx)
	defer cancel()
	var obj any
	if req.SessionID != "" {
		obj, err = e.Processor.FetchCheckoutSession(fctx, req.SessionID)
	} else {
		obj, err = e.Processor.FetchPaymentIntent(fctx, req.PaymentIntentID)
	}
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrTransient, err)
	}

	meta, err := metadata.ForPaymentObject(method.ID(), *cart, obj)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidAttempt, err)
	}
	if cid := CorrelationID(ctx); cid != "-" {
		meta.CorrelationID = cid
	}
	token, err := e.Codec.Encode(meta)
	if err != nil {
		return "", err
	}

	if err := e.Attempts.PutAttempt(ctx, models.Attempt{CartID: cart.ID, MethodID: method.ID(), Token: token, CreatedAt: e.clock()}); err != nil {
		return "", fmt.Errorf("store attempt of cart %d: %w", cart.ID, err)
	}
	e.logf(ctx, "cart %d: %s attempt started for %s %s", cart.ID, method.Name(), meta.Type, meta.ID)
	return token, nil
}

// PendingCharge is a charge the checkout page created for a synchronous
// method, still waiting for the processor's verdict.
type PendingCharge struct {
	CartID   int64  `json:"cartId"`
	MethodID string `json:"methodId"`
	ChargeID string `json:"chargeId"`
}

// RecordPending creates the order of a synchronous payment and records the
// front-office CHARGE entry that the success or failure notification will
// later match.
func (e *Engine) RecordPending(ctx context.Context, p PendingCharge) (Outcome, error) {
	if p.ChargeID == "" {
		return Outcome{}, fmt.Errorf("%w: missing charge id", ErrInvalidAttempt)
	}
	method, ok := e.Methods.Lookup(p.MethodID)
	if !ok {
		return Outcome{}, fmt.Errorf("%w: %q", ErrUnknownMethod, p.MethodID)
	}
	if method.Redirect() {
		return Outcome{}, fmt.Errorf("%w: %s is confirmed on return, not recorded as pending", ErrInvalidAttempt, method.Name())
	}

	cart, err := e.Orders.Cart(p.CartID)
	if errors.Is(err, store.ErrNotFound) {
		return Outcome{}, fmt.Errorf("%w: %d", ErrCartNotFound, p.CartID)
	}
	if err != nil {
		return Outcome{}, err
	}

	fctx, cancel := e.bounded(ctx)
	defer cancel()
	ch, err := e.Processor.FetchCharge(fctx, p.ChargeID)
	if errors.Is(err, processor.ErrNotFound) {
		return Outcome{Kind: Rejected, Message: fmt.Sprintf("charge %s is unknown to the processor", p.ChargeID)}, nil
	}
	if err != nil {
		return Outcome{}, fmt.Errorf("%w: %w", ErrTransient, err)
	}
	if ch.Amount != cart.Total {
		msg := fmt.Sprintf("charge %s amount %s does not match cart %d total %s", ch.ID,
			models.FormatAmount(ch.Amount, cart.Currency), cart.ID, models.FormatAmount(cart.Total, cart.Currency))
		return Outcome{Kind: Rejected, Message: msg, Errors: []string{msg}}, nil
	}

	order, _, err := e.Orders.CreateFromCart(*cart, method.Name())
	if err != nil {
		return Outcome{}, fmt.Errorf("create order from cart %d: %w", cart.ID, err)
	}

	entry, err := e.appendOnce(ch.ID, &models.LedgerEntry{
		ChargeID:       ch.ID,
		OrderID:        order.ID,
		Type:           models.EntryCharge,
		Source:         models.SourceFrontOffice,
		SourceType:     method.ID(),
		Amount:         order.TotalPaid,
		CardLastDigits: ch.CardLast4,
	}, func(tx store.LedgerTx) (bool, error) {
		return store.HasEntry(tx, ch.ID, models.EntryCharge)
	})
	if err != nil {
		return Outcome{}, err
	}
	if _, err := e.Orders.AdvanceReview(order.ID, ch.ID, models.ReviewNew); err != nil {
		return Outcome{}, fmt.Errorf("open review of order %d: %w", order.ID, err)
	}
	if entry == nil {
		return Outcome{Kind: AlreadyProcessed, OrderID: order.ID, Message: fmt.Sprintf("charge %s already recorded for order %d", ch.ID, order.ID)}, nil
	}
	out := Outcome{Kind: Applied, OrderID: order.ID, Entry: entry, Message: fmt.Sprintf("charge %s pending for order %d", ch.ID, order.ID)}
	e.logf(ctx, "%s", out)
	return out, nil
}

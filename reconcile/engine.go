// Package reconcile drives orders forward from processor notifications and
// from customers returning after a redirect payment.
//
// Both entry points funnel into the same transition functions. Each effect
// is applied at most once per charge: the check for an equivalent ledger
// entry and the append run inside one serialized ledger transaction, so a
// webhook racing the browser return ends with a single entry and the loser
// reports AlreadyProcessed. Status changes are a policy overlay on top of the
// ledger and only happen when the merchant opted in. They only ever move an
// order forward and are re-applied on replays, so a delivery that failed
// between its ledger append and its transition is finished by the next one.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/arkantrust/payment-reconciler/events"
	"github.com/arkantrust/payment-reconciler/metadata"
	"github.com/arkantrust/payment-reconciler/methods"
	"github.com/arkantrust/payment-reconciler/models"
	"github.com/arkantrust/payment-reconciler/processor"
	"github.com/arkantrust/payment-reconciler/store"
)

// Orders is the order store the engine transitions.
type Orders interface {
	Cart(id int64) (*models.Cart, error)
	Order(id int64) (*models.Order, error)
	CreateFromCart(cart models.Cart, paymentMethod string) (*models.Order, bool, error)
	TransitionStatus(orderID int64, to models.OrderStatus) (models.OrderStatus, bool, error)
	AdvanceReview(orderID int64, chargeID string, state models.ReviewState) (bool, error)
	IssueCreditNote(note models.CreditNote) (bool, error)
}

// Guard remembers processed notification event ids.
type Guard interface {
	Seen(ctx context.Context, eventID string) (bool, error)
	Mark(ctx context.Context, eventID string) error
}

// Attempts stores per-attempt correlation records.
type Attempts interface {
	PutAttempt(ctx context.Context, a models.Attempt) error
	Attempt(ctx context.Context, cartID int64) (*models.Attempt, error)
	ClearAttempt(ctx context.Context, cartID int64) error
}

// Notifier receives applied status changes. It must not block.
type Notifier interface {
	OrderStatusChanged(ctx context.Context, change models.StatusChange)
}

// Policy holds the merchant's transition opt-ins.
type Policy interface {
	AutoTransition(status models.OrderStatus) bool
	CreditNoteOnFullRefund() bool
}

// Engine is the reconciliation state machine.
type Engine struct {
	Ledger    store.Ledger
	Orders    Orders
	Guard     Guard
	Attempts  Attempts
	Processor processor.Client
	Codec     *metadata.Codec
	Methods   *methods.Registry
	Policy    Policy
	Notifier  Notifier
	Logger    *log.Logger

	// Timeout bounds every processor call.
	Timeout time.Duration

	now func() time.Time
}

// HandleNotification reconciles the event with the given id. The event body
// is always fetched back from the processor; the caller's payload is not
// trusted. Errors wrapping ErrTransient mean the processor should redeliver.
func (e *Engine) HandleNotification(ctx context.Context, eventID string) (Outcome, error) {
	if eventID == "" {
		return Outcome{Kind: Rejected, Message: "notification has no event id"}, nil
	}

	seen, err := e.Guard.Seen(ctx, eventID)
	if err != nil {
		return Outcome{}, fmt.Errorf("check event %s: %w", eventID, err)
	}
	if seen {
		out := Outcome{Kind: AlreadyProcessed, Message: fmt.Sprintf("event %s was already handled", eventID)}
		e.logf(ctx, "%s", out)
		return out, nil
	}

	ev, err := e.fetchEvent(ctx, eventID)
	if errors.Is(err, processor.ErrNotFound) {
		out := Outcome{Kind: Rejected, Message: fmt.Sprintf("event %s is unknown to the processor", eventID)}
		e.logf(ctx, "%s", out)
		return out, nil
	}
	if err != nil {
		return Outcome{}, fmt.Errorf("fetch event %s: %w: %w", eventID, ErrTransient, err)
	}

	out, err := e.Apply(ctx, ev)
	if err != nil {
		return Outcome{}, err
	}

	if err := e.Guard.Mark(ctx, eventID); err != nil {
		e.logf(ctx, "error: mark event %s: %v", eventID, err)
	}
	e.logf(ctx, "event %s (%s): %s", ev.ID, ev.Type, out)
	return out, nil
}

// Apply runs one already fetched event through the transition table.
func (e *Engine) Apply(ctx context.Context, ev *processor.Event) (Outcome, error) {
	action := events.Classify(ev.Type)
	if action == events.Ignore {
		return Outcome{Kind: Ignored, Message: fmt.Sprintf("event type %q is not reconciled", ev.Type)}, nil
	}

	ch := ev.Charge
	if ch == nil || ch.ID == "" {
		return Outcome{Kind: NoMatch, Message: fmt.Sprintf("event %s carries no charge", ev.ID)}, nil
	}

	switch action {
	case events.ProcessApproved:
		return e.review(ctx, ch, models.EntryAuthorized, models.ReviewAuthorized, models.StatusAuthorized)
	case events.ProcessCaptured:
		return e.review(ctx, ch, models.EntryCaptured, models.ReviewCaptured, models.StatusCaptured)
	case events.ProcessSucceeded:
		return e.succeeded(ctx, ch)
	case events.ProcessFailed:
		return e.failed(ctx, ch)
	case events.ProcessRefund:
		return e.refund(ctx, ch)
	}
	return Outcome{Kind: Ignored, Message: fmt.Sprintf("action %s has no transition", action)}, nil
}

// review handles authorization and capture outcomes of a charge.
func (e *Engine) review(ctx context.Context, ch *processor.Charge, typ models.EntryType, state models.ReviewState, status models.OrderStatus) (Outcome, error) {
	if ch.FromBackOffice() {
		return Outcome{Kind: AlreadyProcessed, Message: fmt.Sprintf("charge %s was %s from the back office", ch.ID, state)}, nil
	}

	orderID, ok, err := store.OrderIDByCharge(e.Ledger, ch.ID)
	if err != nil {
		return Outcome{}, err
	}
	if !ok {
		return Outcome{Kind: NoMatch, Message: fmt.Sprintf("charge %s matches no order", ch.ID)}, nil
	}

	entry, err := e.appendOnce(ch.ID, &models.LedgerEntry{
		ChargeID:       ch.ID,
		OrderID:        orderID,
		Type:           typ,
		Source:         models.SourceWebhook,
		SourceType:     ch.MethodType,
		Amount:         ch.Amount,
		CardLastDigits: ch.CardLast4,
	}, func(tx store.LedgerTx) (bool, error) {
		return store.HasEntry(tx, ch.ID, typ)
	})
	if err != nil {
		return Outcome{}, err
	}

	// Both writes are idempotent and run on replays as well, so a delivery
	// that failed after its ledger append is completed by the next one.
	if _, err := e.Orders.AdvanceReview(orderID, ch.ID, state); err != nil {
		return Outcome{}, fmt.Errorf("advance review of order %d: %w", orderID, err)
	}
	if err := e.transition(ctx, orderID, ch.ID, status); err != nil {
		return Outcome{}, err
	}
	if entry == nil {
		return Outcome{Kind: AlreadyProcessed, OrderID: orderID, Message: fmt.Sprintf("charge %s already recorded as %s", ch.ID, typ)}, nil
	}
	return Outcome{Kind: Applied, OrderID: orderID, Entry: entry, Message: fmt.Sprintf("charge %s %s for order %d", ch.ID, typ, orderID)}, nil
}

func (e *Engine) succeeded(ctx context.Context, ch *processor.Charge) (Outcome, error) {
	if method, ok := e.Methods.Lookup(ch.MethodType); ok && method.Redirect() {
		return e.succeededRedirect(ctx, ch)
	}

	pending, err := e.pendingCharge(e.Ledger, ch.ID)
	if err != nil {
		return Outcome{}, err
	}
	if pending == nil {
		return e.unmatched(ctx, ch.ID, models.EntryCharge)
	}

	order, err := e.Orders.Order(pending.OrderID)
	if errors.Is(err, store.ErrNotFound) {
		return Outcome{Kind: NoMatch, Message: fmt.Sprintf("order %d of charge %s does not exist", pending.OrderID, ch.ID)}, nil
	}
	if err != nil {
		return Outcome{}, err
	}

	digits := ch.CardLast4
	if digits == "" {
		digits = pending.CardLastDigits
	}
	entry, err := e.appendOnce(ch.ID, &models.LedgerEntry{
		ChargeID:       ch.ID,
		OrderID:        order.ID,
		Type:           models.EntryCharge,
		Source:         models.SourceWebhook,
		SourceType:     pending.SourceType,
		Amount:         order.TotalPaid,
		CardLastDigits: digits,
	}, e.settled(ch.ID))
	if err != nil {
		return Outcome{}, err
	}
	if entry == nil {
		return e.unmatched(ctx, ch.ID, models.EntryCharge)
	}

	if err := e.transition(ctx, order.ID, ch.ID, models.StatusPaymentAccepted); err != nil {
		return Outcome{}, err
	}
	return Outcome{Kind: Applied, OrderID: order.ID, Entry: entry, Message: fmt.Sprintf("charge %s paid %s for order %d", ch.ID, models.FormatAmount(entry.Amount, order.Currency), order.ID)}, nil
}

// succeededRedirect resolves the cart from the payment metadata the charge
// carries and finishes the payment the same way the confirmation path does.
func (e *Engine) succeededRedirect(ctx context.Context, ch *processor.Charge) (Outcome, error) {
	token := ch.Metadata[metadata.ChargeMetadataKey]
	if token == "" {
		return Outcome{Kind: NoMatch, Message: fmt.Sprintf("charge %s carries no payment metadata", ch.ID)}, nil
	}
	meta, err := e.Codec.Decode(token)
	if err != nil {
		return Outcome{Kind: NoMatch, Message: fmt.Sprintf("charge %s: %v", ch.ID, err)}, nil
	}
	method, ok := e.Methods.Lookup(meta.MethodID)
	if !ok {
		return Outcome{Kind: NoMatch, Message: fmt.Sprintf("charge %s: unknown payment method %q", ch.ID, meta.MethodID)}, nil
	}
	cart, err := e.Orders.Cart(meta.CartID)
	if errors.Is(err, store.ErrNotFound) {
		return Outcome{Kind: NoMatch, Message: fmt.Sprintf("charge %s: cart %d not found", ch.ID, meta.CartID)}, nil
	}
	if err != nil {
		return Outcome{}, err
	}

	return e.finalizeSuccess(ctx, method, *cart, ch, models.SourceWebhook)
}

func (e *Engine) failed(ctx context.Context, ch *processor.Charge) (Outcome, error) {
	pending, err := e.pendingCharge(e.Ledger, ch.ID)
	if err != nil {
		return Outcome{}, err
	}
	if pending == nil {
		return e.unmatched(ctx, ch.ID, models.EntryChargeFail)
	}

	entry, err := e.appendOnce(ch.ID, &models.LedgerEntry{
		ChargeID:       ch.ID,
		OrderID:        pending.OrderID,
		Type:           models.EntryChargeFail,
		Source:         models.SourceWebhook,
		SourceType:     pending.SourceType,
		Amount:         0,
		CardLastDigits: pending.CardLastDigits,
	}, e.settled(ch.ID))
	if err != nil {
		return Outcome{}, err
	}
	if entry == nil {
		return e.unmatched(ctx, ch.ID, models.EntryChargeFail)
	}

	if err := e.transition(ctx, pending.OrderID, ch.ID, models.StatusCanceled); err != nil {
		return Outcome{}, err
	}
	return Outcome{Kind: Applied, OrderID: pending.OrderID, Entry: entry, Message: fmt.Sprintf("charge %s failed for order %d", ch.ID, pending.OrderID)}, nil
}

// refund records the increment between the processor's cumulative refunded
// amount and what the ledger already holds. Delta and classification are
// computed inside the ledger transaction, so overlapping deliveries of the
// same refund write it once.
func (e *Engine) refund(ctx context.Context, ch *processor.Charge) (Outcome, error) {
	if ch.FromBackOffice() {
		return Outcome{Kind: AlreadyProcessed, Message: fmt.Sprintf("refund of charge %s was issued from the back office", ch.ID)}, nil
	}

	orderID, ok, err := store.OrderIDByCharge(e.Ledger, ch.ID)
	if err != nil {
		return Outcome{}, err
	}
	if !ok {
		return Outcome{Kind: NoMatch, Message: fmt.Sprintf("charge %s matches no order", ch.ID)}, nil
	}
	order, err := e.Orders.Order(orderID)
	if errors.Is(err, store.ErrNotFound) {
		return Outcome{Kind: NoMatch, Message: fmt.Sprintf("order %d of charge %s does not exist", orderID, ch.ID)}, nil
	}
	if err != nil {
		return Outcome{}, err
	}

	cumulative := ch.AmountRefunded
	if cumulative > order.TotalPaid {
		msg := fmt.Sprintf("charge %s refunded %s, more than order %d total %s", ch.ID,
			models.FormatAmount(cumulative, order.Currency), order.ID, models.FormatAmount(order.TotalPaid, order.Currency))
		return Outcome{Kind: Rejected, OrderID: order.ID, Message: msg, Errors: []string{msg}}, nil
	}

	var (
		entry    *models.LedgerEntry
		previous int64
	)
	err = e.Ledger.WithTx(func(tx store.LedgerTx) error {
		var err error
		previous, err = store.RefundedAmount(tx, ch.ID)
		if err != nil {
			return err
		}
		delta := cumulative - previous
		if delta <= 0 {
			return nil
		}

		typ := models.EntryPartialRefund
		if cumulative-order.TotalPaid == 0 {
			typ = models.EntryFullRefund
		}
		entry = &models.LedgerEntry{
			ChargeID:       ch.ID,
			OrderID:        order.ID,
			Type:           typ,
			Source:         models.SourceWebhook,
			SourceType:     ch.MethodType,
			Amount:         delta,
			CardLastDigits: ch.CardLast4,
		}
		return tx.Append(entry)
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("record refund of charge %s: %w", ch.ID, err)
	}
	if entry == nil {
		// Replays finish the effects of the refund the ledger already holds.
		if previous > 0 {
			if err := e.refunded(ctx, order, ch.ID, previous == order.TotalPaid); err != nil {
				return Outcome{}, err
			}
		}
		return Outcome{Kind: AlreadyProcessed, OrderID: order.ID, Message: fmt.Sprintf("refund of %s on charge %s already recorded", models.FormatAmount(cumulative, order.Currency), ch.ID)}, nil
	}

	if err := e.refunded(ctx, order, ch.ID, entry.Type == models.EntryFullRefund); err != nil {
		return Outcome{}, err
	}
	return Outcome{Kind: Applied, OrderID: order.ID, Entry: entry, Message: fmt.Sprintf("charge %s %s of %s for order %d", ch.ID, entry.Type, models.FormatAmount(entry.Amount, order.Currency), order.ID)}, nil
}

// refunded issues the credit note of a full refund when the merchant asked
// for one and moves the order to its refund status.
func (e *Engine) refunded(ctx context.Context, order *models.Order, chargeID string, full bool) error {
	status := models.StatusPartiallyRefunded
	if full {
		status = models.StatusRefunded
		if e.Policy.CreditNoteOnFullRefund() {
			created, err := e.Orders.IssueCreditNote(models.CreditNote{OrderID: order.ID, Amount: order.TotalPaid, Currency: order.Currency})
			if err != nil {
				return fmt.Errorf("issue credit note for order %d: %w", order.ID, err)
			}
			if created {
				e.logf(ctx, "credit note issued for order %d", order.ID)
			}
		}
	}
	return e.transition(ctx, order.ID, chargeID, status)
}

// unmatched distinguishes a replay of an already settled charge from a
// charge this integration never recorded. A replay re-applies the status of
// the recorded settlement.
func (e *Engine) unmatched(ctx context.Context, chargeID string, typ models.EntryType) (Outcome, error) {
	done, err := e.settlement(e.Ledger, chargeID)
	if err != nil {
		return Outcome{}, err
	}
	if done == nil {
		return Outcome{Kind: NoMatch, Message: fmt.Sprintf("charge %s has no pending transaction", chargeID)}, nil
	}
	if done.Type != typ {
		return Outcome{Kind: NoMatch, OrderID: done.OrderID, Message: fmt.Sprintf("charge %s was already settled as %s", chargeID, done.Type)}, nil
	}

	status := models.StatusPaymentAccepted
	if typ == models.EntryChargeFail {
		status = models.StatusCanceled
	}
	if err := e.transition(ctx, done.OrderID, chargeID, status); err != nil {
		return Outcome{}, err
	}
	return Outcome{Kind: AlreadyProcessed, OrderID: done.OrderID, Message: fmt.Sprintf("charge %s already recorded as %s", chargeID, typ)}, nil
}

// pendingCharge is store.FindPendingCharge for charges still awaiting a
// webhook. Redirect payments are recorded only once they succeeded, so their
// front-office CHARGE is a settlement and never pending.
func (e *Engine) pendingCharge(r store.EntryReader, chargeID string) (*models.LedgerEntry, error) {
	pending, err := store.FindPendingCharge(r, chargeID)
	if err != nil || pending == nil {
		return nil, err
	}
	if e.redirect(pending.SourceType) {
		return nil, nil
	}
	return pending, nil
}

// settlement returns the latest entry that decided the charge: a webhook
// CHARGE or CHARGE_FAIL, or the CHARGE a redirect confirmation wrote.
func (e *Engine) settlement(r store.EntryReader, chargeID string) (*models.LedgerEntry, error) {
	entries, err := r.Entries(chargeID)
	if err != nil {
		return nil, err
	}
	for i := len(entries) - 1; i >= 0; i-- {
		en := entries[i]
		switch {
		case en.Type == models.EntryChargeFail:
			return &en, nil
		case en.Type == models.EntryCharge && (en.Source == models.SourceWebhook || e.redirect(en.SourceType)):
			return &en, nil
		}
	}
	return nil, nil
}

func (e *Engine) redirect(methodID string) bool {
	m, ok := e.Methods.Lookup(methodID)
	return ok && m.Redirect()
}

// settled reports whether the charge is no longer pending.
func (e *Engine) settled(chargeID string) func(tx store.LedgerTx) (bool, error) {
	return func(tx store.LedgerTx) (bool, error) {
		pending, err := e.pendingCharge(tx, chargeID)
		if err != nil {
			return false, err
		}
		return pending == nil, nil
	}
}

// appendOnce appends entry unless exists reports an equivalent entry inside
// the same transaction. It returns nil when nothing was written.
func (e *Engine) appendOnce(chargeID string, entry *models.LedgerEntry, exists func(tx store.LedgerTx) (bool, error)) (*models.LedgerEntry, error) {
	appended := false
	err := e.Ledger.WithTx(func(tx store.LedgerTx) error {
		found, err := exists(tx)
		if err != nil || found {
			return err
		}
		appended = true
		return tx.Append(entry)
	})
	if err != nil {
		return nil, fmt.Errorf("append %s for charge %s: %w", entry.Type, chargeID, err)
	}
	if !appended {
		return nil, nil
	}
	return entry, nil
}

// transition applies the status change if the merchant opted in and
// publishes it.
func (e *Engine) transition(ctx context.Context, orderID int64, chargeID string, to models.OrderStatus) error {
	if !e.Policy.AutoTransition(to) {
		e.logf(ctx, "order %d: automatic transition to %s is disabled", orderID, to)
		return nil
	}

	from, changed, err := e.Orders.TransitionStatus(orderID, to)
	if err != nil {
		return fmt.Errorf("transition order %d to %s: %w", orderID, to, err)
	}
	if !changed {
		if from != to {
			e.logf(ctx, "order %d: stays %s, %s is not a forward move", orderID, from, to)
		}
		return nil
	}

	if e.Notifier != nil {
		e.Notifier.OrderStatusChanged(ctx, models.StatusChange{
			OrderID:       orderID,
			ChargeID:      chargeID,
			From:          from,
			To:            to,
			CorrelationID: CorrelationID(ctx),
			At:            e.clock(),
		})
	}
	return nil
}

func (e *Engine) fetchEvent(ctx context.Context, id string) (*processor.Event, error) {
	ctx, cancel := e.bounded(ctx)
	defer cancel()
	return e.Processor.FetchEvent(ctx, id)
}

func (e *Engine) bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, e.Timeout)
}

func (e *Engine) clock() time.Time {
	if e.now != nil {
		return e.now()
	}
	return time.Now().UTC()
}

func (e *Engine) logf(ctx context.Context, format string, args ...any) {
	logger := e.Logger
	if logger == nil {
		logger = log.Default()
	}
	logger.Printf("[%s] "+format, append([]any{CorrelationID(ctx)}, args...)...)
}

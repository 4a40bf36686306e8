// Package processor describes what reconciliation needs from the payment
// processor and provides an HTTP client for it.
package processor

import (
	"context"
	"errors"
)

// ErrNotFound is returned when the processor has no object with the id.
var ErrNotFound = errors.New("processor object not found")

// IntentStatus is the lifecycle state of a payment intent.
type IntentStatus string

const (
	IntentSucceeded             IntentStatus = "succeeded"
	IntentProcessing            IntentStatus = "processing"
	IntentRequiresPaymentMethod IntentStatus = "requires_payment_method"
	IntentRequiresAction        IntentStatus = "requires_action"
	IntentRequiresCapture       IntentStatus = "requires_capture"
	IntentCanceled              IntentStatus = "canceled"
)

// BackOfficeMetadataKey flags processor objects created by a merchant action
// in the back office. Events on such objects were already applied locally.
const BackOfficeMetadataKey = "from_back_office"

// Charge is a single attempted money movement.
type Charge struct {
	ID              string            `json:"id"`
	PaymentIntentID string            `json:"payment_intent"`
	Amount          int64             `json:"amount"`
	AmountRefunded  int64             `json:"amount_refunded"`
	Currency        string            `json:"currency"`
	Status          string            `json:"status"`
	MethodType      string            `json:"payment_method_type"`
	CardLast4       string            `json:"card_last4,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// FromBackOffice reports whether the charge carries the back-office flag.
func (c *Charge) FromBackOffice() bool {
	return c != nil && c.Metadata[BackOfficeMetadataKey] == "true"
}

// PaymentIntent is a single payment attempt.
type PaymentIntent struct {
	ID           string            `json:"id"`
	Status       IntentStatus      `json:"status"`
	Amount       int64             `json:"amount"`
	Currency     string            `json:"currency"`
	LatestCharge *Charge           `json:"latest_charge,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// CheckoutSession is a hosted checkout wrapping a payment intent.
type CheckoutSession struct {
	ID              string            `json:"id"`
	PaymentIntentID string            `json:"payment_intent"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// Event is a notification as fetched back from the processor.
type Event struct {
	ID     string  `json:"id"`
	Type   string  `json:"type"`
	Charge *Charge `json:"charge,omitempty"`
}

// Client fetches authoritative objects from the processor. Implementations
// must honour ctx deadlines and must not retry on their own behalf.
type Client interface {
	FetchEvent(ctx context.Context, id string) (*Event, error)
	FetchPaymentIntent(ctx context.Context, id string) (*PaymentIntent, error)
	FetchCheckoutSession(ctx context.Context, id string) (*CheckoutSession, error)
	FetchCharge(ctx context.Context, id string) (*Charge, error)
}

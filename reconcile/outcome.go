package reconcile

import (
	"context"
	"errors"
	"strings"

	"github.com/arkantrust/payment-reconciler/models"
)

var (
	// ErrTransient marks processor lookups that failed and may succeed later.
	ErrTransient = errors.New("processor unavailable")

	ErrCartNotFound        = errors.New("cart not found")
	ErrIntentUnresolved    = errors.New("payment intent could not be resolved")
	ErrParameterMismatch   = errors.New("payment parameters do not match")
	ErrUnknownMethod       = errors.New("unknown payment method")
	ErrPaymentNotSucceeded = errors.New("payment did not succeed")
	ErrInvalidAttempt      = errors.New("invalid payment attempt")
)

// ValidationError lists human-readable reasons a payment cannot proceed.
type ValidationError struct {
	Messages []string
}

func (e *ValidationError) Error() string {
	return "validation failed: " + strings.Join(e.Messages, "; ")
}

// Kind discriminates reconciliation outcomes.
type Kind int

const (
	// Applied means a ledger entry was appended.
	Applied Kind = iota
	// AlreadyProcessed means an equivalent effect exists; nothing was written.
	AlreadyProcessed
	// Ignored means the notification type needs no reconciliation.
	Ignored
	// NoMatch means no local order or charge corresponds to the notification.
	NoMatch
	// Rejected means the notification or request failed validation.
	Rejected
)

func (k Kind) String() string {
	switch k {
	case Applied:
		return "applied"
	case AlreadyProcessed:
		return "already processed"
	case Ignored:
		return "ignored"
	case NoMatch:
		return "no match"
	case Rejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Outcome is the result of one reconciliation action. Expected divergent
// paths are outcomes, not errors.
type Outcome struct {
	Kind    Kind
	Message string
	OrderID int64
	Entry   *models.LedgerEntry
	Errors  []string
}

func (o Outcome) String() string {
	if o.Message == "" {
		return o.Kind.String()
	}
	return o.Kind.String() + ": " + o.Message
}

type correlationKey struct{}

// WithCorrelationID attaches the per-request correlation id to ctx.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

// CorrelationID returns the id set by WithCorrelationID, or "-".
func CorrelationID(ctx context.Context) string {
	if id, ok := ctx.Value(correlationKey{}).(string); ok && id != "" {
		return id
	}
	return "-"
}

// Package models defines the core domain types for payment reconciliation.
package models

import "time"

// OrderStatus is the business state of an order.
type OrderStatus string

const (
	StatusPending           OrderStatus = "pending"
	StatusAuthorized        OrderStatus = "authorized"
	StatusPaymentAccepted   OrderStatus = "payment_accepted"
	StatusCaptured          OrderStatus = "captured"
	StatusRefunded          OrderStatus = "refunded"
	StatusPartiallyRefunded OrderStatus = "partially_refunded"
	StatusCanceled          OrderStatus = "canceled"
)

// statusRank orders the statuses a paid order moves through. Canceled sits
// outside the ranking: only unpaid orders can be canceled.
var statusRank = map[OrderStatus]int{
	StatusPending:           0,
	StatusAuthorized:        1,
	StatusPaymentAccepted:   2,
	StatusCaptured:          3,
	StatusPartiallyRefunded: 4,
	StatusRefunded:          5,
}

// CanMoveTo reports whether an order in status s may move to next. Status
// only moves forward, so notifications delivered out of order never undo a
// later state. REFUNDED and CANCELED are terminal.
func (s OrderStatus) CanMoveTo(next OrderStatus) bool {
	if s == "" {
		return true
	}
	from, ok := statusRank[s]
	if !ok {
		return false
	}
	if next == StatusCanceled {
		return from < statusRank[StatusPaymentAccepted]
	}
	to, ok := statusRank[next]
	return ok && to > from
}

// Order is the locally recorded order a charge is reconciled against.
type Order struct {
	ID     int64       `json:"id"`
	CartID int64       `json:"cartId"`
	Status OrderStatus `json:"status"`

	// TotalPaid is expressed in the smallest currency unit (e.g. cents).
	TotalPaid int64  `json:"totalPaid"`
	Currency  string `json:"currency"`

	// PaymentMethod is the display name of the method used at checkout.
	PaymentMethod string `json:"paymentMethod"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Cart is the customer's basket before it becomes an order.
type Cart struct {
	ID       int64  `json:"id"`
	Total    int64  `json:"total"`
	Currency string `json:"currency"`
	Country  string `json:"country"`
}

// ReviewState tracks the fraud/manual review lifecycle of an order.
type ReviewState string

const (
	ReviewNew        ReviewState = "NEW"
	ReviewAuthorized ReviewState = "AUTHORIZED"
	ReviewCaptured   ReviewState = "CAPTURED"
	ReviewRejected   ReviewState = "REJECTED"
)

// CanMoveTo reports whether the review may transition to next.
// REJECTED and CAPTURED are terminal.
func (s ReviewState) CanMoveTo(next ReviewState) bool {
	switch s {
	case "":
		return true
	case ReviewNew:
		return next != ReviewNew
	case ReviewAuthorized:
		return next == ReviewCaptured || next == ReviewRejected
	default:
		return false
	}
}

// ReviewRecord is the review state of an order, independent of its status.
type ReviewRecord struct {
	OrderID   int64       `json:"orderId"`
	ChargeID  string      `json:"chargeId"`
	State     ReviewState `json:"state"`
	UpdatedAt time.Time   `json:"updatedAt"`
}

// CreditNote is issued once per order when a full refund is reconciled.
type CreditNote struct {
	OrderID   int64     `json:"orderId"`
	Amount    int64     `json:"amount"`
	Currency  string    `json:"currency"`
	CreatedAt time.Time `json:"createdAt"`
}

// StatusChange is published whenever reconciliation moves an order.
type StatusChange struct {
	OrderID       int64       `json:"orderId"`
	ChargeID      string      `json:"chargeId"`
	From          OrderStatus `json:"from"`
	To            OrderStatus `json:"to"`
	CorrelationID string      `json:"correlationId"`
	At            time.Time   `json:"at"`
}

package models

import "time"

// MetadataType tells which processor object a PaymentMetadata refers to.
type MetadataType string

const (
	MetadataPaymentIntent MetadataType = "PAYMENT_INTENT"
	MetadataSession       MetadataType = "SESSION"
)

// PaymentMetadata links a redirect-based payment attempt to the cart that
// started it. It travels in redirect URLs and in processor-side metadata and
// is never persisted beyond one request/notification pair.
type PaymentMetadata struct {
	Type          MetadataType `json:"type"`
	ID            string       `json:"id"`
	CartID        int64        `json:"cartId"`
	MethodID      string       `json:"methodId"`
	CorrelationID string       `json:"correlationId"`
}

// Attempt is the per-attempt correlation record written when a redirect
// payment flow starts. The confirmation path reads it and clears it only on
// terminal outcomes.
type Attempt struct {
	CartID    int64     `json:"cartId"`
	MethodID  string    `json:"methodId"`
	Token     string    `json:"token"`
	CreatedAt time.Time `json:"createdAt"`
}

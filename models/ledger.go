package models

import "time"

// EntryType is the kind of monetary event a ledger entry records.
type EntryType string

const (
	EntryAuthorized    EntryType = "AUTHORIZED"
	EntryCaptured      EntryType = "CAPTURED"
	EntryCharge        EntryType = "CHARGE"
	EntryChargeFail    EntryType = "CHARGE_FAIL"
	EntryFullRefund    EntryType = "FULL_REFUND"
	EntryPartialRefund EntryType = "PARTIAL_REFUND"
)

// IsRefund reports whether the entry type moves money back to the customer.
func (t EntryType) IsRefund() bool {
	return t == EntryFullRefund || t == EntryPartialRefund
}

// Source identifies which side of the system produced a ledger entry.
type Source string

const (
	SourceFrontOffice Source = "FRONT_OFFICE"
	SourceWebhook     Source = "WEBHOOK"
	SourceBackOffice  Source = "BACK_OFFICE"
)

// LedgerEntry is one immutable monetary event applied to an order.
//
// Entries are keyed by the processor's charge identifier. They are appended
// and never updated or deleted, so the ledger doubles as the audit trail and
// as the idempotency record for reconciliation.
type LedgerEntry struct {
	ID       string    `json:"id"`
	ChargeID string    `json:"chargeId"`
	OrderID  int64     `json:"orderId"`
	Type     EntryType `json:"type"`
	Source   Source    `json:"source"`

	// SourceType describes the originating payment method (e.g. "card",
	// "ideal").
	SourceType string `json:"sourceType"`

	// Amount in the smallest currency unit. For refunds this is the
	// incremental amount of that notification, not the processor's cumulative
	// figure.
	Amount int64 `json:"amount"`

	CardLastDigits string    `json:"cardLastDigits,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}

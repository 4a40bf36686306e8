// Package events maps processor notification types to reconciliation
// actions.
package events

// Action is what the reconciliation engine does with a notification.
type Action int

const (
	Ignore Action = iota
	ProcessApproved
	ProcessCaptured
	ProcessSucceeded
	ProcessFailed
	ProcessRefund
)

var actionNames = map[Action]string{
	Ignore:           "ignore",
	ProcessApproved:  "process_approved",
	ProcessCaptured:  "process_captured",
	ProcessSucceeded: "process_succeeded",
	ProcessFailed:    "process_failed",
	ProcessRefund:    "process_refund",
}

func (a Action) String() string {
	if s, ok := actionNames[a]; ok {
		return s
	}
	return "unknown"
}

var byType = map[string]Action{
	"charge.authorized":                        ProcessApproved,
	"payment_intent.amount_capturable_updated": ProcessApproved,
	"charge.captured":                          ProcessCaptured,
	"charge.succeeded":                         ProcessSucceeded,
	"payment_intent.succeeded":                 ProcessSucceeded,
	"charge.failed":                            ProcessFailed,
	"payment_intent.payment_failed":            ProcessFailed,
	"charge.refunded":                          ProcessRefund,
}

// Classify returns the action for a notification type. Types the processor
// adds later classify as Ignore.
func Classify(eventType string) Action {
	return byType[eventType]
}

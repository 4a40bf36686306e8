package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"log"
	"strings"
	"testing"

	"github.com/arkantrust/payment-reconciler/models"
)

func TestMessage(t *testing.T) {
	change := models.StatusChange{
		OrderID:       12,
		ChargeID:      "ch_1",
		From:          models.StatusPending,
		To:            models.StatusPaymentAccepted,
		CorrelationID: "cid-1",
	}

	msg, err := Message(change)
	if err != nil {
		t.Fatalf("message: %v", err)
	}
	if string(msg.Key) != "12" {
		t.Fatalf("expected key 12, got %q", msg.Key)
	}
	if len(msg.Headers) != 1 || msg.Headers[0].Key != correlationHeader || string(msg.Headers[0].Value) != "cid-1" {
		t.Fatalf("unexpected headers: %+v", msg.Headers)
	}

	var decoded models.StatusChange
	if err := json.Unmarshal(msg.Value, &decoded); err != nil {
		t.Fatalf("decode value: %v", err)
	}
	if decoded.To != models.StatusPaymentAccepted || decoded.ChargeID != "ch_1" {
		t.Fatalf("unexpected payload: %+v", decoded)
	}
}

func TestMessageWithoutCorrelation(t *testing.T) {
	msg, err := Message(models.StatusChange{OrderID: 1})
	if err != nil {
		t.Fatalf("message: %v", err)
	}
	if len(msg.Headers) != 0 {
		t.Fatalf("expected no headers, got %+v", msg.Headers)
	}
}

func TestLogNotifier(t *testing.T) {
	var buf bytes.Buffer
	Log{Logger: log.New(&buf, "", 0)}.OrderStatusChanged(context.Background(), models.StatusChange{
		OrderID: 3, From: models.StatusPaymentAccepted, To: models.StatusRefunded, CorrelationID: "cid",
	})
	if !strings.Contains(buf.String(), "order 3: payment_accepted -> refunded") {
		t.Fatalf("unexpected log line %q", buf.String())
	}
}

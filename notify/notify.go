// Package notify publishes order status changes for fire-and-forget
// consumers such as customer emails. Publishing failures are logged and
// never reported back to reconciliation.
package notify

import (
	"context"
	"encoding/json"
	"log"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/arkantrust/payment-reconciler/models"
)

const correlationHeader = "correlation-id"

// Kafka publishes status changes to a topic, keyed by order id so changes of
// one order stay ordered within a partition.
type Kafka struct {
	writer *kafka.Writer
	logger *log.Logger
}

// NewKafka returns an asynchronous publisher.
func NewKafka(brokers []string, topic string, logger *log.Logger) *Kafka {
	k := &Kafka{logger: logger}
	k.writer = &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.LeastBytes{},
		BatchTimeout: 10 * time.Millisecond,
		Async:        true,
		RequiredAcks: kafka.RequireOne,
		Completion: func(messages []kafka.Message, err error) {
			if err != nil {
				logger.Printf("error: publish %d status change(s): %v", len(messages), err)
			}
		},
	}
	return k
}

// OrderStatusChanged queues the change for publishing.
func (k *Kafka) OrderStatusChanged(ctx context.Context, change models.StatusChange) {
	msg, err := Message(change)
	if err != nil {
		k.logger.Printf("error: encode status change of order %d: %v", change.OrderID, err)
		return
	}
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		k.logger.Printf("error: publish status change of order %d: %v", change.OrderID, err)
	}
}

// Close flushes pending messages.
func (k *Kafka) Close() error {
	return k.writer.Close()
}

// Message encodes a status change as a Kafka message.
func Message(change models.StatusChange) (kafka.Message, error) {
	data, err := json.Marshal(change)
	if err != nil {
		return kafka.Message{}, err
	}
	msg := kafka.Message{
		Key:   []byte(strconv.FormatInt(change.OrderID, 10)),
		Value: data,
	}
	if change.CorrelationID != "" {
		msg.Headers = []kafka.Header{{Key: correlationHeader, Value: []byte(change.CorrelationID)}}
	}
	return msg, nil
}

// Log writes status changes to a logger. It is used when no broker is
// configured.
type Log struct {
	Logger *log.Logger
}

// OrderStatusChanged logs the change on one line.
func (l Log) OrderStatusChanged(_ context.Context, change models.StatusChange) {
	l.Logger.Printf("[%s] order %d: %s -> %s (charge %s)", change.CorrelationID, change.OrderID, change.From, change.To, change.ChargeID)
}

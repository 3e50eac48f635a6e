package kafka

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"
	kafkago "github.com/segmentio/kafka-go"

	"github.com/allyelvis/aebus/internal/orders"
)

// Emitter wraps the per-topic producers behind the coordinator's Events
// contract: one envelope per lifecycle event, partitioned by order id.
type Emitter struct {
	Producers map[string]*Producer // event type -> producer
	Service   string
}

var topicByEvent = map[string]string{
	orders.EventOrderPlaced:    orders.TopicOrderPlaced,
	orders.EventOrderConfirmed: orders.TopicOrderConfirmed,
	orders.EventOrderCancelled: orders.TopicOrderCancelled,
	orders.EventFiscalAlert:    orders.TopicFiscalAlert,
}

// TopicFor maps an event type to its topic; mains use it to build the
// producer set the Emitter expects.
func TopicFor(eventType string) string { return topicByEvent[eventType] }

func (e *Emitter) Emit(_ context.Context, eventType, orderID string, payload any) {
	p, ok := e.Producers[eventType]
	if !ok {
		log.Printf("kafka: no producer wired for event %s", eventType)
		return
	}
	env := orders.Envelope{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		EventVersion:  1,
		OccurredAt:    time.Now().UTC(),
		Producer:      e.Service,
		CorrelationID: orderID,
		Payload:       MustMarshal(payload),
	}
	p.Publish(orders.PartitionKey(orderID), MustMarshal(env),
		kafkago.Header{Key: "x-event-type", Value: []byte(eventType)},
		kafkago.Header{Key: "x-event-version", Value: []byte("1")},
	)
}

package kafka

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

// Producer buffers messages through an inbox channel so HTTP handlers and
// the fulfiller never block on the broker. Delivery is best effort; the
// outbox carries correctness, the bus carries latency.
type Producer struct {
	w       *kafka.Writer
	inbox   chan kafka.Message
	closeCh chan struct{}

	mu     sync.Mutex
	closed bool
}

func NewProducer(brokers []string, topic string, buf int) *Producer {
	return &Producer{
		w: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			Async:        true,
		},
		inbox:   make(chan kafka.Message, buf),
		closeCh: make(chan struct{}),
	}
}

func (p *Producer) Start(ctx context.Context) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				p.Close()
				for m := range p.inbox {
					if err := p.w.WriteMessages(context.Background(), m); err != nil {
						log.Printf("kafka: flush write failed: %v", err)
					}
				}
				_ = p.w.Close()
				close(p.closeCh)
				return
			case m, ok := <-p.inbox:
				if !ok {
					_ = p.w.Close()
					close(p.closeCh)
					return
				}
				if err := p.w.WriteMessages(context.Background(), m); err != nil {
					log.Printf("kafka: write to %s failed: %v", p.w.Topic, err)
				}
			}
		}
	}()
}

// Publish enqueues the message, or drops it once the producer is closed.
// The closed check and the channel send share the mutex with Close, so a
// publish racing shutdown can never hit a closed channel.
func (p *Producer) Publish(key, value []byte, headers ...kafka.Header) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		log.Printf("kafka: dropping message for %s, producer closed", p.w.Topic)
		return
	}
	select {
	case p.inbox <- kafka.Message{Key: key, Value: value, Time: time.Now(), Headers: headers}:
	default:
		// A full inbox means the broker is far behind; blocking the caller
		// here would stall request handling for a best-effort signal.
		log.Printf("kafka: dropping message for %s, inbox full", p.w.Topic)
	}
}

// Close seals the inbox; the flush loop drains what remains and exits.
// Safe to call more than once.
func (p *Producer) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	close(p.inbox)
}

// WaitClosed blocks until the flush loop has finished.
func (p *Producer) WaitClosed() { <-p.closeCh }

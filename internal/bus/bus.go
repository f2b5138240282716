package bus

import (
	"context"
	"errors"
	"time"
)

// Result is a subscriber's verdict on one delivery
type Result int

const (
	// Ack marks the message handled
	Ack Result = iota
	// Nack asks for redelivery
	Nack
)

func (r Result) String() string {
	if r == Ack {
		return "ack"
	}
	return "nack"
}

// Message is one delivery of a published event
type Message struct {
	ID      string
	Topic   string
	Body    []byte
	Attempt int
}

// Subscriber handles messages of one topic
type Subscriber interface {
	OnMessage(ctx context.Context, msg Message) Result
}

// SubscriberFunc adapts a function to Subscriber
type SubscriberFunc func(ctx context.Context, msg Message) Result

// OnMessage calls f
func (f SubscriberFunc) OnMessage(ctx context.Context, msg Message) Result {
	return f(ctx, msg)
}

// Bus publishes events and delivers them to subscribers at least once
type Bus interface {
	Publish(ctx context.Context, topic string, body []byte) error
	Subscribe(topic string, sub Subscriber)
	Ping(ctx context.Context) error
}

// ErrClosed is returned when publishing on a closed bus
var ErrClosed = errors.New("bus closed")

// Options tune redelivery
type Options struct {
	// MaxDeliveries bounds delivery attempts of one message. Defaults to 5.
	MaxDeliveries int
	// RedeliveryDelay is the wait before redelivering a nacked message. Defaults to 5s.
	RedeliveryDelay time.Duration
}

// WithDefaults fills in default values for optional fields
func (o *Options) WithDefaults() {
	if o.MaxDeliveries <= 0 {
		o.MaxDeliveries = 5
	}
	if o.RedeliveryDelay <= 0 {
		o.RedeliveryDelay = 5 * time.Second
	}
}

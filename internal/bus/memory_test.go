package bus

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestMemoryBusDeliversToSubscribers(t *testing.T) {
	b := NewMemoryBus(Options{})
	defer b.Close()

	var got atomic.Value
	b.Subscribe("topic", SubscriberFunc(func(ctx context.Context, msg Message) Result {
		got.Store(string(msg.Body))
		return Ack
	}))
	b.Subscribe("other", SubscriberFunc(func(ctx context.Context, msg Message) Result {
		t.Error("message delivered to the wrong topic")
		return Ack
	}))

	if err := b.Publish(context.Background(), "topic", []byte(`{"a":1}`)); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	b.Wait()

	if got.Load() != `{"a":1}` {
		t.Fatalf("body = %v", got.Load())
	}
}

func TestMemoryBusRedeliversNackedMessages(t *testing.T) {
	b := NewMemoryBus(Options{MaxDeliveries: 3, RedeliveryDelay: time.Millisecond})
	defer b.Close()

	var deliveries int32
	var lastAttempt int32
	b.Subscribe("topic", SubscriberFunc(func(ctx context.Context, msg Message) Result {
		atomic.AddInt32(&deliveries, 1)
		atomic.StoreInt32(&lastAttempt, int32(msg.Attempt))
		if msg.Attempt < 2 {
			return Nack
		}
		return Ack
	}))

	b.Publish(context.Background(), "topic", []byte(`{}`))
	b.Wait()

	if deliveries != 2 || lastAttempt != 2 {
		t.Fatalf("deliveries = %d, last attempt = %d; want 2, 2", deliveries, lastAttempt)
	}
}

func TestMemoryBusGivesUpAfterMaxDeliveries(t *testing.T) {
	b := NewMemoryBus(Options{MaxDeliveries: 3, RedeliveryDelay: time.Millisecond})
	defer b.Close()

	var deliveries int32
	b.Subscribe("topic", SubscriberFunc(func(ctx context.Context, msg Message) Result {
		atomic.AddInt32(&deliveries, 1)
		return Nack
	}))

	b.Publish(context.Background(), "topic", []byte(`{}`))
	b.Wait()

	if deliveries != 3 {
		t.Fatalf("deliveries = %d, want 3", deliveries)
	}
}

func TestMemoryBusClosed(t *testing.T) {
	b := NewMemoryBus(Options{})
	b.Close()
	if err := b.Publish(context.Background(), "topic", []byte(`{}`)); err != ErrClosed {
		t.Fatalf("Publish() error = %v, want ErrClosed", err)
	}
	if err := b.Ping(context.Background()); err != ErrClosed {
		t.Fatalf("Ping() error = %v, want ErrClosed", err)
	}
}

package bus

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryBus delivers messages in process. Each delivery runs on its own goroutine;
// nacked messages are redelivered after a delay until MaxDeliveries is reached.
type MemoryBus struct {
	opts Options

	mu     sync.RWMutex
	subs   map[string][]Subscriber
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMemoryBus creates an in-process bus
func NewMemoryBus(opts Options) *MemoryBus {
	opts.WithDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &MemoryBus{
		opts:   opts,
		subs:   make(map[string][]Subscriber),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Subscribe implements Bus
func (b *MemoryBus) Subscribe(topic string, sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[topic] = append(b.subs[topic], sub)
}

// Publish implements Bus
func (b *MemoryBus) Publish(ctx context.Context, topic string, body []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}

	id := uuid.New().String()
	for _, sub := range b.subs[topic] {
		msg := Message{ID: id, Topic: topic, Body: append([]byte(nil), body...)}
		b.wg.Add(1)
		go b.deliver(sub, msg)
	}
	return nil
}

func (b *MemoryBus) deliver(sub Subscriber, msg Message) {
	defer b.wg.Done()

	for attempt := 1; attempt <= b.opts.MaxDeliveries; attempt++ {
		msg.Attempt = attempt
		if sub.OnMessage(b.ctx, msg) == Ack {
			return
		}
		if attempt == b.opts.MaxDeliveries {
			break
		}

		timer := time.NewTimer(b.opts.RedeliveryDelay)
		select {
		case <-b.ctx.Done():
			timer.Stop()
			log.Printf("Bus closed, dropping message %s on %s after %d deliveries", msg.ID, msg.Topic, attempt)
			return
		case <-timer.C:
		}
	}
	log.Printf("Dropping message %s on %s: nacked %d times", msg.ID, msg.Topic, b.opts.MaxDeliveries)
}

// Ping implements Bus
func (b *MemoryBus) Ping(ctx context.Context) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	return nil
}

// Wait blocks until every delivery in progress has finished
func (b *MemoryBus) Wait() {
	b.wg.Wait()
}

// Close stops accepting messages, cancels pending redeliveries and waits for handlers
func (b *MemoryBus) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.cancel()
	b.wg.Wait()
}

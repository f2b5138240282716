package bus

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// wireMessage is the NOTIFY payload
type wireMessage struct {
	ID      string          `json:"id"`
	Topic   string          `json:"topic"`
	Attempt int             `json:"attempt"`
	Body    json.RawMessage `json:"body"`
}

// maxNotifyPayload is Postgres' NOTIFY payload limit
const maxNotifyPayload = 8000

// PostgresBus carries events over Postgres LISTEN/NOTIFY. Every process listening on a
// channel receives every message, so exactly one process should subscribe per topic or
// subscribers must be idempotent.
type PostgresBus struct {
	db       *sql.DB
	listener *pq.Listener
	prefix   string
	opts     Options

	mu   sync.RWMutex
	subs map[string][]Subscriber

	wg sync.WaitGroup
}

// NewPostgresBus creates a bus publishing through db and listening on a dedicated connection to connStr
func NewPostgresBus(db *sql.DB, connStr, channelPrefix string, opts Options) *PostgresBus {
	opts.WithDefaults()
	listener := pq.NewListener(connStr, 10*time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			log.Printf("Bus listener event %d: %v", ev, err)
		}
	})
	return &PostgresBus{
		db:       db,
		listener: listener,
		prefix:   channelPrefix,
		opts:     opts,
		subs:     make(map[string][]Subscriber),
	}
}

func (b *PostgresBus) channel(topic string) string {
	if b.prefix == "" {
		return topic
	}
	return b.prefix + "_" + topic
}

func (b *PostgresBus) topicOf(channel string) string {
	if b.prefix == "" {
		return channel
	}
	return strings.TrimPrefix(channel, b.prefix+"_")
}

// Subscribe implements Bus. Call before Start.
func (b *PostgresBus) Subscribe(topic string, sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[topic] = append(b.subs[topic], sub)
}

// Start listens on every subscribed topic and dispatches notifications until ctx is done
func (b *PostgresBus) Start(ctx context.Context) error {
	b.mu.RLock()
	topics := make([]string, 0, len(b.subs))
	for topic := range b.subs {
		topics = append(topics, topic)
	}
	b.mu.RUnlock()

	for _, topic := range topics {
		if err := b.listener.Listen(b.channel(topic)); err != nil {
			return fmt.Errorf("failed to listen on %s: %w", b.channel(topic), err)
		}
		log.Printf("✓ Listening on channel %s", b.channel(topic))
	}

	go b.loop(ctx)
	return nil
}

func (b *PostgresBus) loop(ctx context.Context) {
	ping := time.NewTicker(90 * time.Second)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-b.listener.Notify:
			if !ok {
				return
			}
			if n == nil {
				// connection re-established; notifications sent meanwhile are lost
				log.Printf("Bus listener reconnected")
				continue
			}
			b.dispatch(ctx, n)
		case <-ping.C:
			if err := b.listener.Ping(); err != nil {
				log.Printf("Bus listener ping failed: %v", err)
			}
		}
	}
}

func (b *PostgresBus) dispatch(ctx context.Context, n *pq.Notification) {
	var wm wireMessage
	if err := json.Unmarshal([]byte(n.Extra), &wm); err != nil {
		log.Printf("Dropping malformed notification on %s: %v", n.Channel, err)
		return
	}
	topic := wm.Topic
	if topic == "" {
		topic = b.topicOf(n.Channel)
	}

	b.mu.RLock()
	subs := b.subs[topic]
	b.mu.RUnlock()

	msg := Message{ID: wm.ID, Topic: topic, Body: []byte(wm.Body), Attempt: wm.Attempt}
	for _, sub := range subs {
		b.wg.Add(1)
		go func(sub Subscriber) {
			defer b.wg.Done()
			if sub.OnMessage(ctx, msg) == Ack {
				return
			}
			b.redeliver(ctx, wm)
		}(sub)
	}
}

// redeliver republishes a nacked message after the redelivery delay
func (b *PostgresBus) redeliver(ctx context.Context, wm wireMessage) {
	if wm.Attempt >= b.opts.MaxDeliveries {
		log.Printf("Dropping message %s on %s: nacked %d times", wm.ID, wm.Topic, wm.Attempt)
		return
	}
	timer := time.NewTimer(b.opts.RedeliveryDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	}

	wm.Attempt++
	if err := b.notify(ctx, wm); err != nil {
		log.Printf("Failed to redeliver message %s on %s: %v", wm.ID, wm.Topic, err)
	}
}

// Publish implements Bus. body must be JSON.
func (b *PostgresBus) Publish(ctx context.Context, topic string, body []byte) error {
	if !json.Valid(body) {
		return errors.New("bus message body must be valid JSON")
	}
	return b.notify(ctx, wireMessage{
		ID:      uuid.New().String(),
		Topic:   topic,
		Attempt: 1,
		Body:    json.RawMessage(body),
	})
}

func (b *PostgresBus) notify(ctx context.Context, wm wireMessage) error {
	payload, err := json.Marshal(wm)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	if len(payload) > maxNotifyPayload {
		return fmt.Errorf("message of %d bytes exceeds NOTIFY limit", len(payload))
	}
	if _, err := b.db.ExecContext(ctx, `SELECT pg_notify($1, $2)`, b.channel(wm.Topic), string(payload)); err != nil {
		return fmt.Errorf("failed to notify: %w", err)
	}
	return nil
}

// Ping implements Bus
func (b *PostgresBus) Ping(ctx context.Context) error {
	if err := b.db.PingContext(ctx); err != nil {
		return err
	}
	return b.listener.Ping()
}

// Close stops listening and waits for in-flight handlers
func (b *PostgresBus) Close() error {
	err := b.listener.Close()
	b.wg.Wait()
	return err
}

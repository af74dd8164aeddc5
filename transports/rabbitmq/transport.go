// Package rabbitmq adapts RabbitMQ to the agentwire pub/sub transport.
// Every agent channel maps to one durable queue on the default
// exchange, so publishing to a channel is routing-key delivery to that
// queue.
package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/agentwire/agentwire-go/protocol"
)

// Transport implements protocol.Transport over AMQP 0.9.1.
type Transport struct {
	url    string
	logger *slog.Logger

	mu       sync.Mutex
	conn     *amqp.Connection
	pubCh    *amqp.Channel
	declared map[string]bool
	subs     map[string]*subscription
}

// subscription holds one consuming AMQP channel.
type subscription struct {
	ch          *amqp.Channel
	consumerTag string
}

// TransportOption configures the transport.
type TransportOption func(*Transport)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) TransportOption {
	return func(t *Transport) {
		t.logger = logger
	}
}

// NewTransport creates a transport for the given AMQP connection URL.
// Call Connect before use.
func NewTransport(url string, opts ...TransportOption) *Transport {
	t := &Transport{
		url:      url,
		logger:   slog.Default(),
		declared: make(map[string]bool),
		subs:     make(map[string]*subscription),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Connect dials the broker and opens the publishing channel.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn != nil && !t.conn.IsClosed() {
		return nil
	}

	conn, err := amqp.Dial(t.url)
	if err != nil {
		return fmt.Errorf("failed to connect to broker: %w", err)
	}
	pubCh, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to open publish channel: %w", err)
	}

	t.conn = conn
	t.pubCh = pubCh
	t.declared = make(map[string]bool)
	t.logger.Info("connected to broker", "url", t.url)
	return nil
}

// Publish sends a payload to a channel's queue, declaring the queue on
// first use so messages to not-yet-started agents are buffered by the
// broker.
func (t *Transport) Publish(ctx context.Context, channel string, payload []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pubCh == nil {
		return fmt.Errorf("transport not connected")
	}
	if err := t.declareQueue(channel); err != nil {
		return err
	}
	err := t.pubCh.PublishWithContext(ctx,
		"",      // default exchange
		channel, // routing key == queue name
		false,   // mandatory
		false,   // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Transient,
			Body:         payload,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", channel, err)
	}
	return nil
}

// Subscribe consumes a channel's queue on a dedicated AMQP channel and
// forwards deliveries to the handler in queue order.
func (t *Transport) Subscribe(ctx context.Context, channel string, handler protocol.InboundHandler) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil || t.conn.IsClosed() {
		return fmt.Errorf("transport not connected")
	}
	if _, exists := t.subs[channel]; exists {
		return fmt.Errorf("already subscribed to %s", channel)
	}

	ch, err := t.conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open consume channel: %w", err)
	}
	if _, err := ch.QueueDeclare(channel, true, false, false, false, nil); err != nil {
		ch.Close()
		return fmt.Errorf("failed to declare queue %s: %w", channel, err)
	}

	tag := "agentwire-" + channel
	deliveries, err := ch.Consume(channel, tag, true, false, false, false, nil)
	if err != nil {
		ch.Close()
		return fmt.Errorf("failed to consume %s: %w", channel, err)
	}

	t.subs[channel] = &subscription{ch: ch, consumerTag: tag}

	go func() {
		for d := range deliveries {
			handler(channel, d.Body)
		}
		t.logger.Debug("consume loop ended", "channel", channel)
	}()

	t.logger.Info("subscribed", "channel", channel)
	return nil
}

// Unsubscribe cancels the channel's consumer.
func (t *Transport) Unsubscribe(channel string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	sub, ok := t.subs[channel]
	if !ok {
		return nil
	}
	delete(t.subs, channel)
	if err := sub.ch.Cancel(sub.consumerTag, false); err != nil {
		sub.ch.Close()
		return fmt.Errorf("failed to cancel consumer for %s: %w", channel, err)
	}
	return sub.ch.Close()
}

// Close shuts down every consumer and the connection.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for channel, sub := range t.subs {
		sub.ch.Cancel(sub.consumerTag, false)
		sub.ch.Close()
		delete(t.subs, channel)
	}
	if t.conn != nil && !t.conn.IsClosed() {
		if err := t.conn.Close(); err != nil {
			return fmt.Errorf("failed to close connection: %w", err)
		}
	}
	t.conn = nil
	t.pubCh = nil
	return nil
}

// IsConnected reports broker connectivity.
func (t *Transport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn != nil && !t.conn.IsClosed()
}

// declareQueue declares a channel's queue once per connection. Caller
// holds the lock.
func (t *Transport) declareQueue(channel string) error {
	if t.declared[channel] {
		return nil
	}
	if _, err := t.pubCh.QueueDeclare(channel, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", channel, err)
	}
	t.declared[channel] = true
	return nil
}

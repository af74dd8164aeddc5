// Package inproc provides an in-process loopback implementation of the
// protocol transport. Delivery preserves per-channel FIFO order; there
// is no ordering across channels. It backs unit tests and
// single-process deployments where all agents share one binary.
package inproc

import (
	"context"
	"sync"

	"github.com/agentwire/agentwire-go/protocol"
)

const deliveryBuffer = 64

// subscription is one channel's consumer goroutine.
type subscription struct {
	deliveries chan []byte
	done       chan struct{}
}

// Transport is an in-memory pub/sub bus.
type Transport struct {
	mu     sync.RWMutex
	subs   map[string]*subscription
	closed bool
}

// NewTransport creates an empty in-process transport.
func NewTransport() *Transport {
	return &Transport{subs: make(map[string]*subscription)}
}

// Publish delivers a payload to the channel's subscriber. Publishing
// to a channel nobody subscribed to drops the payload, matching
// pub/sub semantics.
func (t *Transport) Publish(ctx context.Context, channel string, payload []byte) error {
	t.mu.RLock()
	sub, ok := t.subs[channel]
	closed := t.closed
	t.mu.RUnlock()
	if closed {
		return context.Canceled
	}
	if !ok {
		return nil
	}

	// Copy so the publisher cannot mutate the payload after handoff.
	buf := make([]byte, len(payload))
	copy(buf, payload)

	select {
	case sub.deliveries <- buf:
		return nil
	case <-sub.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe starts a consumer goroutine for the channel. One
// subscriber per channel; a second Subscribe replaces the first.
func (t *Transport) Subscribe(ctx context.Context, channel string, handler protocol.InboundHandler) error {
	sub := &subscription{
		deliveries: make(chan []byte, deliveryBuffer),
		done:       make(chan struct{}),
	}

	t.mu.Lock()
	if prev, ok := t.subs[channel]; ok {
		close(prev.done)
	}
	t.subs[channel] = sub
	t.mu.Unlock()

	go func() {
		for {
			select {
			case payload := <-sub.deliveries:
				handler(channel, payload)
			case <-sub.done:
				return
			}
		}
	}()
	return nil
}

// Unsubscribe stops the channel's consumer.
func (t *Transport) Unsubscribe(channel string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if sub, ok := t.subs[channel]; ok {
		close(sub.done)
		delete(t.subs, channel)
	}
	return nil
}

// Close stops every consumer.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for channel, sub := range t.subs {
		close(sub.done)
		delete(t.subs, channel)
	}
	t.closed = true
	return nil
}

// IsConnected reports whether the bus is open.
func (t *Transport) IsConnected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return !t.closed
}

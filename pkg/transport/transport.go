package transport

import (
	"context"
	"errors"
	"sync"
)

// ErrSendFailed is returned when the transport cannot deliver a message.
// Checkins retry on the next interval; payloads may be persisted.
var ErrSendFailed = errors.New("transport send failed")

// Sender publishes messages to the cloud. Implementations apply the
// per-call deadline from ctx.
type Sender interface {
	Send(ctx context.Context, topic string, payload []byte) error
}

// Receiver delivers inbound documents. Handlers run on the transport's
// delivery goroutine and must not block.
type Receiver interface {
	Subscribe(topic string, handler func(payload []byte))
}

// Connection is the full narrow contract the agent holds against the
// cloud transport.
type Connection interface {
	Sender
	Receiver
	Connected() bool
}

// Message is one published payload, retained by the in-memory broker for
// assertions.
type Message struct {
	Topic   string
	Payload []byte
}

// InMemoryBroker is a loopback transport used by tests and local
// simulation. It records everything sent while online and fails sends
// while offline.
type InMemoryBroker struct {
	mu        sync.Mutex
	online    bool
	published []Message
	handlers  map[string][]func(payload []byte)
}

// NewInMemoryBroker creates a broker in the online state.
func NewInMemoryBroker() *InMemoryBroker {
	return &InMemoryBroker{
		online:   true,
		handlers: make(map[string][]func(payload []byte)),
	}
}

// SetOnline toggles simulated connectivity.
func (b *InMemoryBroker) SetOnline(online bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.online = online
}

// Connected reports simulated connectivity.
func (b *InMemoryBroker) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.online
}

// Send records the message, or fails when offline or the context is done.
func (b *InMemoryBroker) Send(ctx context.Context, topic string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.online {
		return ErrSendFailed
	}
	p := make([]byte, len(payload))
	copy(p, payload)
	b.published = append(b.published, Message{Topic: topic, Payload: p})
	return nil
}

// Subscribe registers a handler for a topic.
func (b *InMemoryBroker) Subscribe(topic string, handler func(payload []byte)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[topic] = append(b.handlers[topic], handler)
}

// Deliver injects an inbound document, invoking every handler registered
// for the topic.
func (b *InMemoryBroker) Deliver(topic string, payload []byte) {
	b.mu.Lock()
	handlers := append([]func([]byte){}, b.handlers[topic]...)
	b.mu.Unlock()
	for _, h := range handlers {
		h(payload)
	}
}

// Published returns a copy of every message sent so far.
func (b *InMemoryBroker) Published() []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Message, len(b.published))
	copy(out, b.published)
	return out
}

// PublishedOn returns the messages sent to one topic.
func (b *InMemoryBroker) PublishedOn(topic string) []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []Message
	for _, m := range b.published {
		if m.Topic == topic {
			out = append(out, m)
		}
	}
	return out
}

var _ Connection = (*InMemoryBroker)(nil)

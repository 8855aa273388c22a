// Package event provides the in-process pub/sub bus that decouples the
// orchestrator from whatever forwards events to the presentation layer.
package event

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/deskagent-ai/deskagent/internal/logging"
	"github.com/deskagent-ai/deskagent/pkg/types"
)

// Topic is the watermill topic carrying serialized event envelopes.
const Topic = "agent.events"

// Envelope pairs an event with its owning session for wire delivery.
type Envelope struct {
	SessionID string           `json:"sessionID"`
	Event     types.AgentEvent `json:"event"`
}

// Middleware inspects or transforms an event before delivery. It must call
// next() to continue the chain; not calling it suppresses the event.
type Middleware func(sessionID string, ev types.AgentEvent, next func())

// Listener receives events that passed the middleware chain.
type Listener func(sessionID string, ev types.AgentEvent)

type listenerEntry struct {
	id uint64
	fn Listener
}

// Bus fans one (sessionID, event) pair out to all listeners after passing it
// through an ordered middleware chain. It is not a durable queue: the only
// ordering guarantee is FIFO per calling goroutine.
type Bus struct {
	mu         sync.RWMutex
	middleware []Middleware
	listeners  []listenerEntry
	nextID     uint64
	closed     bool

	// Watermill fan-out used by stream consumers (SSE).
	pubsub *gochannel.GoChannel
}

// NewBus creates a bus instance. Instances are independent so multiple
// orchestrators (e.g. in tests) do not interfere.
func NewBus() *Bus {
	return &Bus{
		pubsub: gochannel.NewGoChannel(
			gochannel.Config{OutputChannelBuffer: 256},
			watermill.NopLogger{},
		),
	}
}

// Use appends a middleware to the chain. Middleware run in registration order.
func (b *Bus) Use(mw Middleware) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.middleware = append(b.middleware, mw)
}

// Subscribe registers a listener and returns an unsubscribe function.
func (b *Bus) Subscribe(fn Listener) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return func() {}
	}
	id := atomic.AddUint64(&b.nextID, 1)
	b.listeners = append(b.listeners, listenerEntry{id: id, fn: fn})
	return func() { b.unsubscribe(id) }
}

func (b *Bus) unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, e := range b.listeners {
		if e.id == id {
			b.listeners = append(b.listeners[:i], b.listeners[i+1:]...)
			return
		}
	}
}

// Messages returns a channel of serialized envelopes for stream consumers.
// The subscription ends when ctx is cancelled.
func (b *Bus) Messages(ctx context.Context) (<-chan *message.Message, error) {
	return b.pubsub.Subscribe(ctx, Topic)
}

// Emit runs the middleware chain and, unless suppressed, delivers the event
// to every listener. A panicking middleware or listener is isolated and
// logged; it never breaks delivery to the rest.
func (b *Bus) Emit(sessionID string, ev types.AgentEvent) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	chain := make([]Middleware, len(b.middleware))
	copy(chain, b.middleware)
	listeners := make([]Listener, len(b.listeners))
	for i, e := range b.listeners {
		listeners[i] = e.fn
	}
	b.mu.RUnlock()

	b.run(sessionID, ev, chain, 0, func() {
		b.deliver(sessionID, ev, listeners)
	})
}

func (b *Bus) run(sessionID string, ev types.AgentEvent, chain []Middleware, i int, final func()) {
	if i >= len(chain) {
		final()
		return
	}
	called := false
	next := func() {
		if called {
			return
		}
		called = true
		b.run(sessionID, ev, chain, i+1, final)
	}

	defer func() {
		if r := recover(); r != nil {
			logging.Error().Interface("panic", r).Str("session", sessionID).
				Msg("event middleware panicked")
			// A middleware that panicked before calling next must not
			// swallow the event.
			next()
		}
	}()
	chain[i](sessionID, ev, next)
}

func (b *Bus) deliver(sessionID string, ev types.AgentEvent, listeners []Listener) {
	for _, fn := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logging.Error().Interface("panic", r).Str("session", sessionID).
						Msg("event listener panicked")
				}
			}()
			fn(sessionID, ev)
		}()
	}

	payload, err := json.Marshal(Envelope{SessionID: sessionID, Event: ev})
	if err != nil {
		return
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set("sessionID", sessionID)
	if err := b.pubsub.Publish(Topic, msg); err != nil {
		logging.Debug().Err(err).Msg("event publish after close")
	}
}

// Close shuts the bus down; further emits are dropped.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.listeners = nil
	b.mu.Unlock()
	return b.pubsub.Close()
}

package events

import (
	"context"
	"sync"
)

type Handler func(ctx context.Context, envelope Envelope)

// Bus fans an envelope out to in-process subscribers keyed by event type.
// Delivery is asynchronous: each handler runs in its own goroutine so a slow
// subscriber never blocks the publisher. No ordering is guaranteed across
// subscribers.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
	wg       sync.WaitGroup
}

func NewBus() *Bus {
	return &Bus{handlers: make(map[string][]Handler)}
}

func (b *Bus) Subscribe(eventType string, handler Handler) {
	if handler == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], handler)
}

func (b *Bus) Publish(ctx context.Context, envelope Envelope) {
	b.mu.RLock()
	handlers := b.handlers[envelope.EventType]
	b.mu.RUnlock()
	for _, handler := range handlers {
		h := handler
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			h(ctx, envelope)
		}()
	}
}

// Wait blocks until all in-flight deliveries finish. Used on shutdown and in
// tests.
func (b *Bus) Wait() {
	b.wg.Wait()
}

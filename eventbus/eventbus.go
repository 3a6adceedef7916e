// Package eventbus carries domain events from the persistence port to
// interested subscribers. Publication happens after commit; a publish failure
// is logged by the caller and never rolls the commit back.
package eventbus

import (
	"context"
	"sync"

	"github.com/devflow/devflow/domain"
)

// Publisher is the port the store drains committed events into.
type Publisher interface {
	Publish(ctx context.Context, event domain.Event) error
}

// Handler consumes a published event.
type Handler func(ctx context.Context, event domain.Event)

// Bus is an in-process fan-out bus. Events for a given aggregate are
// delivered in the order they were enqueued because the store drains each
// aggregate's queue serially.
type Bus struct {
	mu       sync.RWMutex
	handlers []Handler
}

// NewBus creates an empty in-process bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers a handler for every published event.
func (b *Bus) Subscribe(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, h)
}

// Publish delivers the event to every subscriber synchronously.
func (b *Bus) Publish(ctx context.Context, event domain.Event) error {
	b.mu.RLock()
	handlers := make([]Handler, len(b.handlers))
	copy(handlers, b.handlers)
	b.mu.RUnlock()

	for _, h := range handlers {
		h(ctx, event)
	}
	return nil
}

// Multi fans a publish out to several publishers, returning the first error
// after attempting all of them.
type Multi []Publisher

// Publish implements Publisher.
func (m Multi) Publish(ctx context.Context, event domain.Event) error {
	var firstErr error
	for _, p := range m {
		if err := p.Publish(ctx, event); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

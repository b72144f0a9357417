// Package publish delivers routing events to observers. Every worker
// invocation emits one RoutingEvent; publishers fan the stream out to
// in-process subscribers or to Redis pub/sub for external consumers.
package publish

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/fluxline/conductor/model"
)

// MemoryBus is an in-process publisher with bounded subscriber
// channels. Delivery is best effort: a subscriber that falls behind
// loses events instead of stalling the routing path.
type MemoryBus struct {
	mu     sync.RWMutex
	subs   map[int]chan model.RoutingEvent
	nextID int
	buffer int
	logger *zap.Logger
	closed bool
}

// NewMemoryBus creates a bus whose subscriber channels hold up to
// buffer events each.
func NewMemoryBus(buffer int, logger *zap.Logger) *MemoryBus {
	if buffer <= 0 {
		buffer = 64
	}
	return &MemoryBus{
		subs:   make(map[int]chan model.RoutingEvent),
		buffer: buffer,
		logger: logger,
	}
}

// Publish fans the event out to all subscribers without blocking.
func (b *MemoryBus) Publish(_ context.Context, event model.RoutingEvent) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil
	}
	for id, ch := range b.subs {
		select {
		case ch <- event:
		default:
			b.logger.Warn("routing event dropped for slow subscriber",
				zap.Int("subscriber", id),
				zap.String("event_type", event.EventType),
			)
		}
	}
	return nil
}

// Subscribe registers a new subscriber and returns its channel plus an
// unsubscribe function. The channel closes on unsubscribe or bus close.
func (b *MemoryBus) Subscribe() (<-chan model.RoutingEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan model.RoutingEvent, b.buffer)
	b.subs[id] = ch

	once := sync.Once{}
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if sub, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(sub)
			}
		})
	}
	return ch, cancel
}

// Close shuts the bus down and closes all subscriber channels.
func (b *MemoryBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}

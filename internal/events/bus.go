package events

import (
	"sync"
	"time"

	"makerflow/logger"
	"makerflow/models"
)

// Bus is the in-process publish/subscribe fabric between components. Every
// subscriber owns a bounded channel; publishing never blocks, so a slow
// consumer cannot stall delivery to the others. Dropped events are counted
// and logged, never silently discarded.
type Bus struct {
	mu         sync.RWMutex
	subs       []*Subscription
	bufferSize int
	closed     bool
	log        *logger.Log
}

// Subscription is one consumer's view of the bus. Events arrive on C until
// the subscription is canceled or the bus is closed.
type Subscription struct {
	C     chan models.Event
	name  string
	kinds map[models.EventKind]bool
	bus   *Bus
	once  sync.Once
}

// NewBus creates a bus whose subscriptions buffer up to bufferSize events.
func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 1
	}
	return &Bus{
		bufferSize: bufferSize,
		log:        logger.GetLogger(),
	}
}

// Subscribe registers a consumer for the given event kinds. An empty kind
// list subscribes to everything. The name identifies the consumer in drop
// logs and channel metrics.
func (b *Bus) Subscribe(name string, kinds ...models.EventKind) *Subscription {
	sub := &Subscription{
		C:    make(chan models.Event, b.bufferSize),
		name: name,
		bus:  b,
	}
	if len(kinds) > 0 {
		sub.kinds = make(map[models.EventKind]bool, len(kinds))
		for _, k := range kinds {
			sub.kinds[k] = true
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(sub.C)
		return sub
	}
	b.subs = append(b.subs, sub)
	return sub
}

// Publish delivers the event to every matching subscriber without blocking.
func (b *Bus) Publish(ev models.Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	logger.IncrementEventPublished()
	for _, sub := range b.subs {
		if sub.kinds != nil && !sub.kinds[ev.Kind] {
			continue
		}
		select {
		case sub.C <- ev:
			logger.RecordChannelMessage("bus_"+sub.name, 1)
		default:
			logger.IncrementEventDropped()
			b.log.WithComponent("event_bus").WithFields(logger.Fields{
				"subscriber": sub.name,
				"kind":       string(ev.Kind),
				"symbol":     ev.Symbol,
			}).Warn("subscriber channel full, dropping event")
		}
	}
}

// Cancel removes the subscription from the bus and closes its channel.
func (s *Subscription) Cancel() {
	s.once.Do(func() {
		b := s.bus
		b.mu.Lock()
		for i, sub := range b.subs {
			if sub == s {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				break
			}
		}
		b.mu.Unlock()
		close(s.C)
	})
}

// Close cancels every subscription and rejects further publishes.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()

	for _, sub := range subs {
		sub.once.Do(func() { close(sub.C) })
	}
}

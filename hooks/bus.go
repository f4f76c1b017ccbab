// Package hooks provides the synchronous event bus the runner publishes run
// lifecycle events on. The streaming bridge, observability sinks and custom
// subscribers all attach here; delivery is synchronous in the publisher's
// goroutine so event order matches execution order exactly.
package hooks

import (
	"context"
	"errors"
	"sync"
)

type (
	// Bus fans out run events to registered subscribers. Safe for concurrent
	// Publish and Register.
	Bus interface {
		// Publish delivers the event to every registered subscriber in
		// registration order, stopping at the first subscriber error.
		Publish(ctx context.Context, event Event) error

		// Register adds a subscriber and returns a Subscription whose Close
		// unregisters it. Returns an error if sub is nil.
		Register(sub Subscriber) (Subscription, error)
	}

	// Subscriber reacts to published run events. A returned error halts the
	// run, so non-critical failures should be handled inside the subscriber.
	Subscriber interface {
		HandleEvent(ctx context.Context, event Event) error
	}

	// SubscriberFunc adapts a function to the Subscriber interface.
	SubscriberFunc func(ctx context.Context, event Event) error

	// Subscription is an active registration. Close is idempotent and always
	// returns nil.
	Subscription interface {
		Close() error
	}

	bus struct {
		mu          sync.RWMutex
		subscribers map[*subscription]Subscriber
		order       []*subscription
	}

	subscription struct {
		bus  *bus
		once sync.Once
	}
)

// HandleEvent implements Subscriber.
func (f SubscriberFunc) HandleEvent(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// NewBus constructs an empty synchronous bus.
func NewBus() Bus {
	return &bus{subscribers: make(map[*subscription]Subscriber)}
}

// Publish implements Bus. The subscriber snapshot is taken before iteration,
// so registrations made during delivery see only subsequent events.
func (b *bus) Publish(ctx context.Context, event Event) error {
	b.mu.RLock()
	subs := make([]Subscriber, 0, len(b.order))
	for _, s := range b.order {
		if sub, ok := b.subscribers[s]; ok {
			subs = append(subs, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range subs {
		if err := sub.HandleEvent(ctx, event); err != nil {
			return err
		}
	}
	return nil
}

// Register implements Bus.
func (b *bus) Register(sub Subscriber) (Subscription, error) {
	if sub == nil {
		return nil, errors.New("hooks: nil subscriber")
	}
	s := &subscription{bus: b}
	b.mu.Lock()
	b.subscribers[s] = sub
	b.order = append(b.order, s)
	b.mu.Unlock()
	return s, nil
}

// Close implements Subscription.
func (s *subscription) Close() error {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subscribers, s)
		for i, cur := range s.bus.order {
			if cur == s {
				s.bus.order = append(s.bus.order[:i], s.bus.order[i+1:]...)
				break
			}
		}
		s.bus.mu.Unlock()
	})
	return nil
}

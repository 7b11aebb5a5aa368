// Package events is the daemon's in-process typed event bus. Run lifecycle
// notifications fan out through it to the SSE API and other in-process
// consumers without coupling the engine to any of them.
//
// The bus is not durable; internal/runstore owns the persistent log.
package events

import (
	"context"
	"reflect"
	"sync"
	"sync/atomic"

	"git.home.luguber.info/inful/conveyor/internal/errors"
)

// Bus delivers published values to typed subscribers. Publish blocks until
// every matching subscriber has accepted the value or the context ends, so
// publishers decide how much stalling a slow consumer may cause.
type Bus struct {
	mu     sync.RWMutex
	subs   map[reflect.Type]map[uint64]*subscription
	nextID atomic.Uint64
	closed atomic.Bool
	once   sync.Once
}

type subscription struct {
	deliver func(ctx context.Context, v any) error
	stop    func()
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[reflect.Type]map[uint64]*subscription)}
}

// Subscribe registers for values of type T and returns the receive channel
// plus an unsubscribe function. When T is an interface, any published value
// implementing it is delivered; a concrete T matches exactly. The channel
// is closed on unsubscribe and on bus Close.
func Subscribe[T any](b *Bus, buffer int) (<-chan T, func()) {
	want := reflect.TypeFor[T]()
	ch := make(chan T, buffer)

	if b.closed.Load() {
		close(ch)
		return ch, func() {}
	}

	var closeOnce sync.Once
	closeCh := func() { closeOnce.Do(func() { close(ch) }) }

	id := b.nextID.Add(1)
	sub := &subscription{
		deliver: func(ctx context.Context, v any) error {
			typed, ok := v.(T)
			if !ok {
				return errors.InternalError("event type mismatch").
					WithContext("expected", want.String()).
					WithContext("actual", reflect.TypeOf(v).String()).
					Build()
			}
			select {
			case ch <- typed:
				return nil
			case <-ctx.Done():
				return errors.WrapError(ctx.Err(), errors.CategoryDaemon, "event delivery canceled").
					WithContext("event_type", want.String()).
					Build()
			}
		},
		stop: closeCh,
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed.Load() {
		closeCh()
		return ch, func() {}
	}
	if b.subs[want] == nil {
		b.subs[want] = make(map[uint64]*subscription)
	}
	b.subs[want][id] = sub

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			b.mu.Lock()
			if set, ok := b.subs[want]; ok {
				delete(set, id)
				if len(set) == 0 {
					delete(b.subs, want)
				}
			}
			b.mu.Unlock()
			closeCh()
		})
	}
	return ch, unsubscribe
}

// Publish delivers v to all matching subscribers, blocking per subscriber
// until accepted or ctx is done.
func (b *Bus) Publish(ctx context.Context, v any) error {
	if v == nil {
		return errors.ValidationError("event cannot be nil").Build()
	}
	if b.closed.Load() {
		return errors.DaemonError("event bus is closed").Build()
	}

	have := reflect.TypeOf(v)

	b.mu.RLock()
	var targets []*subscription
	for want, set := range b.subs {
		if want != have && !(want.Kind() == reflect.Interface && have.Implements(want)) {
			continue
		}
		for _, sub := range set {
			targets = append(targets, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range targets {
		if err := sub.deliver(ctx, v); err != nil {
			return err
		}
	}
	return nil
}

// SubscriberCount reports active subscriptions for type T, for tests and
// diagnostics.
func SubscriberCount[T any](b *Bus) int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[reflect.TypeFor[T]()])
}

// Close shuts the bus down and closes every subscription channel. Further
// publishes fail; further subscriptions get an already-closed channel.
func (b *Bus) Close() {
	b.once.Do(func() {
		b.closed.Store(true)

		b.mu.Lock()
		var all []*subscription
		for _, set := range b.subs {
			for _, sub := range set {
				all = append(all, sub)
			}
		}
		b.subs = make(map[reflect.Type]map[uint64]*subscription)
		b.mu.Unlock()

		for _, sub := range all {
			sub.stop()
		}
	})
}

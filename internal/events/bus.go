package events

import (
	"context"
	"reflect"
	"sync"
	"sync/atomic"

	ferrors "git.home.luguber.info/inful/devloop/internal/foundation/errors"
)

// Bus is a typed, in-process event bus for session events.
//
// Publish blocks until every matching subscriber accepted the event or ctx is
// done. Close closes all subscription channels. Nothing is persisted here; the
// history sink in internal/eventstore does that.
type Bus struct {
	mu        sync.RWMutex
	subs      map[reflect.Type]map[uint64]*subscriber
	nextID    atomic.Uint64
	isClosed  atomic.Bool
	closeOnce sync.Once
}

// subscriber guards its channel so that a send never races the close.
type subscriber struct {
	mu       sync.RWMutex
	closed   bool
	done     chan struct{}
	doneOnce sync.Once
	send     func(ctx context.Context, evt any) error
	close    func()
}

func NewBus() *Bus {
	return &Bus{subs: make(map[reflect.Type]map[uint64]*subscriber)}
}

// Subscribe registers a subscription for events of type T. When T is an
// interface, every event implementing it is delivered.
func Subscribe[T any](b *Bus, buffer int) (<-chan T, func()) {
	eventType := reflect.TypeFor[T]()
	ch := make(chan T, buffer)

	if b.isClosed.Load() {
		close(ch)
		return ch, func() {}
	}

	sub := &subscriber{done: make(chan struct{})}
	sub.close = func() {
		// Wake a blocked send before taking the write lock.
		sub.doneOnce.Do(func() { close(sub.done) })
		sub.mu.Lock()
		defer sub.mu.Unlock()
		if sub.closed {
			return
		}
		sub.closed = true
		close(ch)
	}
	sub.send = func(ctx context.Context, evt any) error {
		v, ok := evt.(T)
		if !ok {
			return ferrors.InternalError("event type mismatch").
				WithContext("expected", eventType.String()).
				WithContext("actual", reflect.TypeOf(evt).String()).
				Build()
		}
		sub.mu.RLock()
		defer sub.mu.RUnlock()
		if sub.closed {
			return nil
		}
		select {
		case ch <- v:
			return nil
		case <-sub.done:
			return nil
		case <-ctx.Done():
			return ferrors.WrapError(ctx.Err(), ferrors.CategoryRuntime, "event publish canceled").
				WithContext("event_type", eventType.String()).
				Build()
		}
	}

	id := b.nextID.Add(1)

	var unsubOnce sync.Once
	unsubscribe := func() {
		unsubOnce.Do(func() {
			b.mu.Lock()
			if typeSubs, ok := b.subs[eventType]; ok {
				delete(typeSubs, id)
				if len(typeSubs) == 0 {
					delete(b.subs, eventType)
				}
			}
			b.mu.Unlock()
			sub.close()
		})
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.isClosed.Load() {
		sub.close()
		return ch, func() {}
	}
	if b.subs[eventType] == nil {
		b.subs[eventType] = make(map[uint64]*subscriber)
	}
	b.subs[eventType][id] = sub

	return ch, unsubscribe
}

// SubscriberCount returns the number of active subscribers for events of type T.
func SubscriberCount[T any](b *Bus) int {
	if b == nil {
		return 0
	}
	eventType := reflect.TypeFor[T]()

	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[eventType])
}

// Publish delivers evt to all matching subscribers.
func (b *Bus) Publish(ctx context.Context, evt any) error {
	if evt == nil {
		return ferrors.ValidationError("event cannot be nil").Build()
	}
	if ctx == nil {
		return ferrors.ValidationError("context cannot be nil").Build()
	}
	if b.isClosed.Load() {
		return ferrors.RuntimeError("event bus is closed").Build()
	}

	evtType := reflect.TypeOf(evt)

	b.mu.RLock()
	var targets []*subscriber
	for subType, typeSubs := range b.subs {
		match := subType == evtType
		if !match && subType.Kind() == reflect.Interface {
			match = evtType.Implements(subType)
		}
		if !match {
			continue
		}
		for _, s := range typeSubs {
			targets = append(targets, s)
		}
	}
	b.mu.RUnlock()

	for _, s := range targets {
		if err := s.send(ctx, evt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the bus and all subscription channels.
func (b *Bus) Close() {
	b.closeOnce.Do(func() {
		b.isClosed.Store(true)

		b.mu.Lock()
		var toClose []*subscriber
		for _, typeSubs := range b.subs {
			for _, s := range typeSubs {
				toClose = append(toClose, s)
			}
		}
		b.subs = make(map[reflect.Type]map[uint64]*subscriber)
		b.mu.Unlock()

		for _, s := range toClose {
			s.close()
		}
	})
}

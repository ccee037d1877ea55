package pubsub

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

const defaultBufferSize = 64

type subscription[T any] struct {
	id int64
	ch chan Event[T]
}

// Broker fans events out to any number of subscribers. Publishing never
// blocks: a subscriber that stops draining its channel loses events rather
// than stalling the dispatcher or the task engine.
type Broker[T any] struct {
	mu      sync.Mutex
	subs    []*subscription[T]
	nextID  int64
	closed  bool
	bufSize int
	dropped atomic.Int64
}

// NewBroker creates a broker with the default per-subscriber buffer (64).
func NewBroker[T any]() *Broker[T] {
	return NewBrokerWithBuffer[T](defaultBufferSize)
}

// NewBrokerWithBuffer creates a broker with a custom per-subscriber buffer.
func NewBrokerWithBuffer[T any](size int) *Broker[T] {
	return &Broker[T]{bufSize: size}
}

// Subscribe registers a new subscriber. The returned channel closes when
// ctx is cancelled or the broker shuts down.
func (b *Broker[T]) Subscribe(ctx context.Context) <-chan Event[T] {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		ch := make(chan Event[T])
		close(ch)
		return ch
	}

	b.nextID++
	sub := &subscription[T]{id: b.nextID, ch: make(chan Event[T], b.bufSize)}
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.remove(sub.id)
	}()

	return sub.ch
}

func (b *Broker[T]) remove(id int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for i, sub := range b.subs {
		if sub.id == id {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			close(sub.ch)
			return
		}
	}
}

// Publish delivers an event to every current subscriber, dropping it for
// any subscriber whose buffer is full.
func (b *Broker[T]) Publish(eventType EventType, payload T) {
	ev := Event[T]{Type: eventType, Payload: payload, Timestamp: time.Now()}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		select {
		case sub.ch <- ev:
		default:
			b.dropped.Add(1)
		}
	}
}

// Close shuts the broker down and closes every subscriber channel.
func (b *Broker[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, sub := range b.subs {
		close(sub.ch)
	}
	b.subs = nil
}

// SubscriberCount returns the number of active subscribers.
func (b *Broker[T]) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Dropped returns how many events were discarded because a subscriber's
// buffer was full.
func (b *Broker[T]) Dropped() int64 {
	return b.dropped.Load()
}

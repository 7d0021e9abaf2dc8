// Package eventbus fans events out to independent subscribers.
package eventbus

import (
	"context"
	"sync"

	"pkt.systems/pslog"
)

// DefaultDepth is the per-subscriber buffer size.
const DefaultDepth = 256

// Bus delivers every published event to each subscriber in publish order.
// A subscriber whose buffer is full misses the event; publishers never block.
type Bus[T any] struct {
	mu     sync.Mutex
	subs   map[chan T]struct{}
	closed bool
	log    pslog.Logger
	depth  int
}

// New constructs a Bus with the given per-subscriber depth (<=0 means
// DefaultDepth).
func New[T any](logger pslog.Logger, depth int) *Bus[T] {
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	if depth <= 0 {
		depth = DefaultDepth
	}
	return &Bus[T]{
		subs:  make(map[chan T]struct{}),
		log:   logger,
		depth: depth,
	}
}

// Subscribe registers a subscriber and returns its channel and a cancel
// func. Cancel closes the channel and is safe to call more than once.
func (b *Bus[T]) Subscribe() (<-chan T, func()) {
	if b == nil {
		return nil, func() {}
	}
	ch := make(chan T, b.depth)
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	b.subs[ch] = struct{}{}
	count := len(b.subs)
	b.mu.Unlock()
	b.log.Debug("eventbus subscribe", "subs", count)

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			_, ok := b.subs[ch]
			delete(b.subs, ch)
			b.mu.Unlock()
			if ok {
				close(ch)
			}
			b.log.Debug("eventbus unsubscribe")
		})
	}
}

// Publish delivers event to every current subscriber.
func (b *Bus[T]) Publish(event T) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.subs) == 0 {
		return
	}
	dropped := 0
	for sub := range b.subs {
		select {
		case sub <- event:
		default:
			dropped++
		}
	}
	if dropped > 0 {
		b.log.Warn("eventbus dropped", "count", dropped)
	}
}

// Len returns the number of subscribers.
func (b *Bus[T]) Len() int {
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close closes every subscriber channel. Later subscribers receive a
// closed channel and later publishes are no-ops.
func (b *Bus[T]) Close() {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subs {
		close(sub)
	}
	b.subs = map[chan T]struct{}{}
}

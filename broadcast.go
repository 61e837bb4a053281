package meshnet

import "sync"

// broadcaster is a multi-subscriber, multi-producer fan-out channel.
// spec.md §9 requires every public stream to tolerate subscribers joining
// after the node has started and to buffer or multicast rather than
// block a single slow subscriber; a bounded per-subscriber channel with a
// non-blocking publish does both.
type broadcaster[T any] struct {
	mu     sync.Mutex
	subs   map[int]chan T
	nextId int
}

func newBroadcaster[T any]() *broadcaster[T] {
	return &broadcaster[T]{subs: make(map[int]chan T)}
}

// subscribeBuf is the per-subscriber channel depth. A slow subscriber
// drops newer events rather than stalling the router/node; this matches
// the best-effort delivery model spec.md §1 commits to end to end.
const subscribeBuf = 64

// Subscribe registers a new listener and returns its channel plus a
// cancel func that unsubscribes and closes the channel.
func (b *broadcaster[T]) Subscribe() (<-chan T, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextId
	b.nextId++
	ch := make(chan T, subscribeBuf)
	b.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(c)
		}
	}
	return ch, cancel
}

// Publish fans v out to every current subscriber without blocking on any
// of them.
func (b *broadcaster[T]) Publish(v T) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.subs {
		select {
		case ch <- v:
		default:
			// subscriber isn't keeping up; drop rather than stall the
			// router/node event loop.
		}
	}
}

// Close tears down every subscriber channel. Used during Node/Router
// shutdown so outward streams stop cleanly (spec.md §4.2 Shutdown).
func (b *broadcaster[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}

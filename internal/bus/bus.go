// Package bus provides typed in-process broadcast topics.
//
// Each topic has explicit subscribe/unsubscribe so listeners live exactly as
// long as the turn or thread that registered them.
package bus

import (
	"sort"
	"sync"
)

// Topic is a broadcast channel for one event type. The zero value is ready to use.
type Topic[T any] struct {
	mu   sync.RWMutex
	subs map[uint64]func(T)
	next uint64
}

// Subscribe registers fn and returns a function that removes it.
// The returned function is safe to call more than once.
func (t *Topic[T]) Subscribe(fn func(T)) (unsubscribe func()) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.subs == nil {
		t.subs = make(map[uint64]func(T))
	}
	id := t.next
	t.next++
	t.subs[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			delete(t.subs, id)
			t.mu.Unlock()
		})
	}
}

// Publish delivers v to every subscriber in subscription order.
// Handlers run on the caller's goroutine outside the topic lock, so a
// handler may unsubscribe itself.
func (t *Topic[T]) Publish(v T) {
	t.mu.RLock()
	ids := make([]uint64, 0, len(t.subs))
	for id := range t.subs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	handlers := make([]func(T), 0, len(ids))
	for _, id := range ids {
		handlers = append(handlers, t.subs[id])
	}
	t.mu.RUnlock()

	for _, fn := range handlers {
		fn(v)
	}
}

// Len returns the number of live subscribers.
func (t *Topic[T]) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.subs)
}

// Abort is the payload-less cancellation signal recognized by both transports.
type Abort struct{}

// LifecycleKind marks agent session start or end.
type LifecycleKind string

const (
	SessionStarted LifecycleKind = "started"
	SessionEnded   LifecycleKind = "ended"
)

// Lifecycle is broadcast when an agent session starts or ends on a thread.
type Lifecycle struct {
	ThreadID  string
	ChannelID string
	Kind      LifecycleKind
}

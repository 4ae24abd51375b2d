package core

import (
	"slices"
	"sync"
)

// Subscription is a disposable registration. Dispose is idempotent and safe
// on a nil receiver.
type Subscription struct {
	once    sync.Once
	dispose func()
}

func NewSubscription(dispose func()) *Subscription {
	return &Subscription{dispose: dispose}
}

func (s *Subscription) Dispose() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		if s.dispose != nil {
			s.dispose()
		}
	})
}

// Listeners is a set of callbacks. Emit calls a snapshot of the set outside
// the lock, so callbacks may register or dispose listeners.
type Listeners[T any] struct {
	mu   sync.Mutex
	next uint64
	fns  map[uint64]func(T)
}

func (l *Listeners[T]) Add(fn func(T)) *Subscription {
	l.mu.Lock()
	if l.fns == nil {
		l.fns = make(map[uint64]func(T))
	}
	id := l.next
	l.next++
	l.fns[id] = fn
	l.mu.Unlock()

	return NewSubscription(func() {
		l.mu.Lock()
		delete(l.fns, id)
		l.mu.Unlock()
	})
}

func (l *Listeners[T]) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.fns)
}

func (l *Listeners[T]) Emit(v T) {
	l.mu.Lock()
	ids := make([]uint64, 0, len(l.fns))
	for id := range l.fns {
		ids = append(ids, id)
	}
	l.mu.Unlock()

	// Registration order, and skip listeners disposed by an earlier callback.
	slices.Sort(ids)
	for _, id := range ids {
		l.mu.Lock()
		fn, ok := l.fns[id]
		l.mu.Unlock()
		if ok {
			fn(v)
		}
	}
}

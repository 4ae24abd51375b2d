package app

import (
	"context"
	"sync"

	"github.com/dkeye/liveshare/internal/core"
	"github.com/dkeye/liveshare/internal/domain"
	"github.com/rs/zerolog/log"
)

// ConsumerID identifies one local consumer of a key.
type ConsumerID string

// Callback receives the object bound to a key, or the error that ended the
// resolution. It fires at least once and again whenever the binding changes.
type Callback func(obj core.SharedObject, err error)

type trackedKey struct {
	consumers map[ConsumerID]Callback
	sub       *core.Subscription
	current   core.SharedObject
}

// Tracker reference-counts local consumers per key. The first registration
// subscribes to the registry and starts resolution; the last unregistration
// tears the subscription down.
type Tracker struct {
	ctx      context.Context
	registry *Registry

	mu   sync.Mutex
	keys map[domain.ObjectKey]*trackedKey
}

// NewTracker builds a tracker; ctx bounds the resolutions it starts.
func NewTracker(ctx context.Context, registry *Registry) *Tracker {
	return &Tracker{
		ctx:      ctx,
		registry: registry,
		keys:     make(map[domain.ObjectKey]*trackedKey),
	}
}

// Register adds or replaces the callback of (key, consumer). A consumer
// registered twice holds one registration.
func (t *Tracker) Register(key domain.ObjectKey, typ core.ObjectType, consumer ConsumerID, cb Callback, seed SeedFunc) {
	t.mu.Lock()
	tk, ok := t.keys[key]
	start := !ok
	if start {
		tk = &trackedKey{consumers: make(map[ConsumerID]Callback)}
		t.keys[key] = tk
		tk.sub = t.registry.Watch(key, func(obj core.SharedObject) { t.deliver(key, tk, obj) })
	}
	tk.consumers[consumer] = cb
	cur := tk.current
	t.mu.Unlock()

	log.Debug().Str("module", "app.tracker").Str("key", string(key)).Str("consumer", string(consumer)).Bool("first", start).Msg("registered")
	if cur != nil {
		cb(cur, nil)
	}
	if start {
		go t.resolve(key, typ, tk, seed)
	}
}

// Unregister drops (key, consumer). In-flight resolution is not cancelled.
func (t *Tracker) Unregister(key domain.ObjectKey, consumer ConsumerID) {
	t.mu.Lock()
	tk, ok := t.keys[key]
	if !ok {
		t.mu.Unlock()
		return
	}
	delete(tk.consumers, consumer)
	last := len(tk.consumers) == 0
	if last {
		delete(t.keys, key)
	}
	t.mu.Unlock()

	if last {
		tk.sub.Dispose()
		log.Debug().Str("module", "app.tracker").Str("key", string(key)).Msg("last consumer left, stopped watching")
	}
}

// Registrations returns the number of consumers registered on key.
func (t *Tracker) Registrations(key domain.ObjectKey) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if tk, ok := t.keys[key]; ok {
		return len(tk.consumers)
	}
	return 0
}

// Current returns the object key is bound to for its consumers.
func (t *Tracker) Current(key domain.ObjectKey) (core.SharedObject, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	tk, ok := t.keys[key]
	if !ok || tk.current == nil {
		return nil, false
	}
	return tk.current, true
}

func (t *Tracker) resolve(key domain.ObjectKey, typ core.ObjectType, tk *trackedKey, seed SeedFunc) {
	obj, err := t.registry.Resolve(t.ctx, key, typ, seed)
	if err != nil {
		t.fail(key, tk, err)
		return
	}
	t.deliver(key, tk, obj)
}

func (t *Tracker) deliver(key domain.ObjectKey, tk *trackedKey, obj core.SharedObject) {
	t.mu.Lock()
	if t.keys[key] != tk {
		t.mu.Unlock()
		return
	}
	if tk.current != nil && tk.current.Handle() == obj.Handle() {
		t.mu.Unlock()
		return
	}
	tk.current = obj
	cbs := make([]Callback, 0, len(tk.consumers))
	for _, cb := range tk.consumers {
		cbs = append(cbs, cb)
	}
	t.mu.Unlock()

	for _, cb := range cbs {
		cb(obj, nil)
	}
}

func (t *Tracker) fail(key domain.ObjectKey, tk *trackedKey, err error) {
	t.mu.Lock()
	if t.keys[key] != tk {
		t.mu.Unlock()
		return
	}
	// Drop the key so the next registration starts a fresh resolution.
	delete(t.keys, key)
	cbs := make([]Callback, 0, len(tk.consumers))
	for _, cb := range tk.consumers {
		cbs = append(cbs, cb)
	}
	t.mu.Unlock()

	tk.sub.Dispose()
	log.Error().Err(err).Str("module", "app.tracker").Str("key", string(key)).Msg("resolution failed")
	for _, cb := range cbs {
		cb(nil, err)
	}
}

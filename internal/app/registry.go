package app

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dkeye/liveshare/internal/core"
	"github.com/dkeye/liveshare/internal/domain"
	"github.com/rs/zerolog/log"
)

var ErrEmptyKey = errors.New("empty object key")

// ResolutionState is where a key stands on this client.
type ResolutionState int

const (
	// Unresolved: no handle known yet.
	Unresolved ResolutionState = iota
	// LocallyCreated: this client attached a candidate and is claiming the key.
	LocallyCreated
	// Canonical: the replicated map holds the key; the handle never changes again.
	Canonical
)

func (s ResolutionState) String() string {
	switch s {
	case Unresolved:
		return "unresolved"
	case LocallyCreated:
		return "locally_created"
	case Canonical:
		return "canonical"
	}
	return "unknown"
}

// SeedFunc seeds a freshly created candidate before it is claimed. It may run
// on a candidate that loses the race and is abandoned.
type SeedFunc func(ctx context.Context, obj core.SharedObject) error

type resolution struct {
	state     ResolutionState
	candidate core.SharedObject
	canonical core.SharedObject
	creating  bool
	// done is closed when the key becomes canonical or a creation attempt fails.
	done    chan struct{}
	attempt int
	err     error

	// emit orders candidate and canonical notifications for the key.
	emit     sync.Mutex
	watchers core.Listeners[core.SharedObject]
}

// Registry resolves logical keys to the one shared object every client of the
// session converges on.
type Registry struct {
	transport core.Transport

	mu     sync.Mutex
	keys   map[domain.ObjectKey]*resolution
	mapSub *core.Subscription
}

func NewRegistry(t core.Transport) *Registry {
	r := &Registry{
		transport: t,
		keys:      make(map[domain.ObjectKey]*resolution),
	}
	r.mapSub = t.OnChange(r.onMapChange)
	return r
}

// Close stops following the replicated map.
func (r *Registry) Close() {
	r.mapSub.Dispose()
}

// Lookup returns the object currently bound to key on this client, if any.
func (r *Registry) Lookup(key domain.ObjectKey) (core.SharedObject, ResolutionState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	res, ok := r.keys[key]
	if !ok {
		return nil, Unresolved
	}
	switch res.state {
	case Canonical:
		return res.canonical, Canonical
	case LocallyCreated:
		return res.candidate, LocallyCreated
	}
	return nil, Unresolved
}

// Watch registers fn for every object key gets bound to: the local candidate
// while this client races to create it, then the canonical object if it
// differs.
func (r *Registry) Watch(key domain.ObjectKey, fn func(core.SharedObject)) *core.Subscription {
	r.mu.Lock()
	res := r.lookupLocked(key)
	r.mu.Unlock()
	return res.watchers.Add(fn)
}

// Resolve returns the canonical object for key, creating a candidate of typ
// if the key is unknown. Concurrent local callers share one attempt.
func (r *Registry) Resolve(ctx context.Context, key domain.ObjectKey, typ core.ObjectType, seed SeedFunc) (core.SharedObject, error) {
	if key == "" {
		return nil, ErrEmptyKey
	}
	if err := AwaitConnected(ctx, r.transport); err != nil {
		return nil, fmt.Errorf("await connected: %w", err)
	}

	for {
		r.mu.Lock()
		res := r.lookupLocked(key)
		if res.state == Canonical {
			obj := res.canonical
			r.mu.Unlock()
			return obj, nil
		}
		if res.creating {
			done, attempt := res.done, res.attempt
			r.mu.Unlock()
			select {
			case <-done:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			r.mu.Lock()
			failed := res.state != Canonical && res.attempt != attempt
			err := res.err
			r.mu.Unlock()
			if failed {
				return nil, fmt.Errorf("resolve %s: %w", key, err)
			}
			continue
		}
		if h, ok := r.transport.Get(string(key)); ok {
			r.mu.Unlock()
			obj, err := r.transport.Open(ctx, h)
			if err != nil {
				return nil, fmt.Errorf("open %s: %w", key, err)
			}
			return r.canonicalize(key, obj), nil
		}
		res.creating = true
		r.mu.Unlock()
		return r.create(ctx, key, typ, seed)
	}
}

func (r *Registry) create(ctx context.Context, key domain.ObjectKey, typ core.ObjectType, seed SeedFunc) (core.SharedObject, error) {
	obj, err := r.transport.Create(ctx, typ)
	if err != nil {
		r.fail(key, err)
		return nil, fmt.Errorf("create %s: %w", key, err)
	}

	r.mu.Lock()
	res := r.lookupLocked(key)
	if res.state == Canonical {
		cur := res.canonical
		res.creating = false
		r.mu.Unlock()
		log.Debug().Str("module", "app.registry").Str("key", string(key)).Str("abandoned", string(obj.Handle().ID)).Msg("key resolved while creating")
		return cur, nil
	}
	res.state = LocallyCreated
	res.candidate = obj
	r.mu.Unlock()

	log.Debug().Str("module", "app.registry").Str("key", string(key)).Str("candidate", string(obj.Handle().ID)).Msg("created candidate")
	res.emit.Lock()
	r.mu.Lock()
	announce := res.state == LocallyCreated && res.candidate == obj
	r.mu.Unlock()
	if announce {
		res.watchers.Emit(obj)
	}
	res.emit.Unlock()

	if seed != nil {
		if err := seed(ctx, obj); err != nil {
			log.Warn().Err(err).Str("module", "app.registry").Str("key", string(key)).Msg("seeding candidate failed")
		}
	}

	entry, err := r.transport.Claim(ctx, string(key), obj.Handle())
	if err != nil {
		if cur, ok := r.canonicalOf(key); ok {
			return cur, nil
		}
		r.fail(key, err)
		return nil, fmt.Errorf("claim %s: %w", key, err)
	}

	// The map change for the claim has already been applied and observed.
	if cur, ok := r.canonicalOf(key); ok {
		return cur, nil
	}
	winner, err := r.transport.Open(ctx, entry.Handle)
	if err != nil {
		r.fail(key, err)
		return nil, fmt.Errorf("open %s: %w", key, err)
	}
	return r.canonicalize(key, winner), nil
}

func (r *Registry) onMapChange(e core.MapEntry) {
	if !e.Accepted {
		return
	}
	key := domain.ObjectKey(e.Key)

	r.mu.Lock()
	res, ok := r.keys[key]
	if !ok {
		r.mu.Unlock()
		return
	}
	if res.state == Canonical {
		cur := res.canonical.Handle()
		r.mu.Unlock()
		if cur != e.Handle {
			log.Warn().Str("module", "app.registry").Str("key", e.Key).Str("canonical", string(cur.ID)).Str("ignored", string(e.Handle.ID)).Msg("ignoring overwrite of canonical key")
		}
		return
	}
	r.mu.Unlock()

	obj, err := r.transport.Open(context.Background(), e.Handle)
	if err != nil {
		log.Error().Err(err).Str("module", "app.registry").Str("key", e.Key).Msg("open canonical object")
		return
	}
	r.canonicalize(key, obj)
}

// canonicalize binds key to obj unless it is already canonical, and returns
// the object key is bound to.
func (r *Registry) canonicalize(key domain.ObjectKey, obj core.SharedObject) core.SharedObject {
	r.mu.Lock()
	res := r.lookupLocked(key)
	if res.state == Canonical {
		cur := res.canonical
		r.mu.Unlock()
		return cur
	}
	prev := res.candidate
	res.state = Canonical
	res.canonical = obj
	res.candidate = nil
	res.creating = false
	close(res.done)
	r.mu.Unlock()

	switch {
	case prev == nil:
		log.Debug().Str("module", "app.registry").Str("key", string(key)).Str("object", string(obj.Handle().ID)).Msg("key resolved")
	case prev.Handle() != obj.Handle():
		log.Info().Str("module", "app.registry").Str("key", string(key)).Str("winner", string(obj.Handle().ID)).Str("abandoned", string(prev.Handle().ID)).Msg("lost creation race, switching to winner")
	default:
		log.Debug().Str("module", "app.registry").Str("key", string(key)).Str("object", string(obj.Handle().ID)).Msg("candidate became canonical")
		return obj
	}
	res.emit.Lock()
	res.watchers.Emit(obj)
	res.emit.Unlock()
	return obj
}

func (r *Registry) canonicalOf(key domain.ObjectKey) (core.SharedObject, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	res := r.lookupLocked(key)
	if res.state != Canonical {
		return nil, false
	}
	return res.canonical, true
}

func (r *Registry) fail(key domain.ObjectKey, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	res := r.lookupLocked(key)
	if res.state == Canonical {
		return
	}
	res.state = Unresolved
	res.candidate = nil
	res.creating = false
	res.err = err
	res.attempt++
	close(res.done)
	res.done = make(chan struct{})
	log.Error().Err(err).Str("module", "app.registry").Str("key", string(key)).Msg("resolution failed")
}

func (r *Registry) lookupLocked(key domain.ObjectKey) *resolution {
	res, ok := r.keys[key]
	if !ok {
		res = &resolution{done: make(chan struct{})}
		r.keys[key] = res
	}
	return res
}

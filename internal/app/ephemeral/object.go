// Package ephemeral implements session-scoped live objects layered on a
// resolved shared object: a typed event channel and a typed state machine.
// The Object base is shared with the presence and media packages.
package ephemeral

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/dkeye/liveshare/internal/app"
	"github.com/dkeye/liveshare/internal/core"
	"github.com/dkeye/liveshare/internal/domain"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var (
	ErrNotStarted = errors.New("live object not started")
	ErrClosed     = errors.New("live object closed")
)

type State int

const (
	NotStarted State = iota
	Started
)

func (s State) String() string {
	if s == Started {
		return "started"
	}
	return "not_started"
}

// Hooks let a specialization follow its object. Bind runs when the object is
// bound for the first time and whenever the key converges on a different
// object; Deliver runs for every accepted delivery of the bound object.
type Hooks struct {
	Bind    func(obj core.SharedObject, rebind bool)
	Deliver func(d core.Delivery)
}

// Object is the NotStarted -> Started state machine shared by every live
// object, plus role gating of outbound sends and optional inbound checks.
type Object struct {
	rt       *app.Runtime
	key      domain.ObjectKey
	typ      core.ObjectType
	consumer app.ConsumerID
	hooks    Hooks

	mu        sync.Mutex
	state     State
	starting  bool
	closed    bool
	allowed   []domain.Role
	obj       core.SharedObject
	delivered *core.Subscription
	bound     chan struct{}
	bindErr   error
}

func NewObject(rt *app.Runtime, key domain.ObjectKey, typ core.ObjectType, hooks Hooks) *Object {
	return &Object{
		rt:       rt,
		key:      key,
		typ:      typ,
		consumer: app.ConsumerID(uuid.NewString()),
		hooks:    hooks,
		bound:    make(chan struct{}),
	}
}

func (o *Object) Key() domain.ObjectKey       { return o.key }
func (o *Object) Runtime() *app.Runtime       { return o.rt }
func (o *Object) ClientID() core.ClientID     { return o.rt.ClientID() }
func (o *Object) Consumer() app.ConsumerID    { return o.consumer }
func (o *Object) ObjectType() core.ObjectType { return o.typ }

func (o *Object) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *Object) Started() bool { return o.State() == Started }

func (o *Object) AllowedRoles() []domain.Role {
	o.mu.Lock()
	defer o.mu.Unlock()
	return slices.Clone(o.allowed)
}

// SharedObject returns the object currently bound, nil before Start.
func (o *Object) SharedObject() core.SharedObject {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.obj
}

// Start resolves the key, binds the object and moves to Started. It reports
// false without error if the object was already started or is starting.
func (o *Object) Start(ctx context.Context, allowed []domain.Role) (bool, error) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return false, ErrClosed
	}
	if o.state == Started || o.starting {
		o.mu.Unlock()
		log.Info().Str("module", "app.ephemeral").Str("key", string(o.key)).Msg("already started, ignoring start")
		return false, nil
	}
	o.starting = true
	o.allowed = slices.Clone(allowed)
	o.mu.Unlock()

	o.rt.Tracker.Register(o.key, o.typ, o.consumer, o.onBound, nil)

	var err error
	select {
	case <-o.bound:
		o.mu.Lock()
		err = o.bindErr
		o.mu.Unlock()
	case <-ctx.Done():
		err = ctx.Err()
	}
	if err != nil {
		o.rt.Tracker.Unregister(o.key, o.consumer)
		o.mu.Lock()
		o.starting = false
		o.mu.Unlock()
		return false, fmt.Errorf("start %s: %w", o.key, err)
	}

	o.mu.Lock()
	o.state = Started
	o.starting = false
	o.mu.Unlock()
	log.Debug().Str("module", "app.ephemeral").Str("key", string(o.key)).Str("client", string(o.ClientID())).Msg("started")
	return true, nil
}

// Send broadcasts payload on lane. It fails before reaching the transport if
// the object is not started or the local client lacks an allowed role.
func (o *Object) Send(ctx context.Context, lane string, payload any) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return ErrClosed
	}
	if o.state != Started {
		o.mu.Unlock()
		log.Warn().Str("module", "app.ephemeral").Str("key", string(o.key)).Msg("send before start")
		return ErrNotStarted
	}
	obj, allowed := o.obj, o.allowed
	o.mu.Unlock()

	return o.broadcast(ctx, obj, allowed, lane, payload)
}

// Republish sends on lane of obj without the started check. Specializations
// use it from Bind to carry local state over to a newly bound object.
func (o *Object) Republish(ctx context.Context, obj core.SharedObject, lane string, payload any) error {
	o.mu.Lock()
	allowed := o.allowed
	o.mu.Unlock()
	return o.broadcast(ctx, obj, allowed, lane, payload)
}

func (o *Object) broadcast(ctx context.Context, obj core.SharedObject, allowed []domain.Role, lane string, payload any) error {
	ok, err := o.rt.Policy.Allow(ctx, o.ClientID(), allowed)
	if err != nil {
		return err
	}
	if !ok {
		log.Debug().Str("module", "app.ephemeral").Str("key", string(o.key)).Str("client", string(o.ClientID())).Msg("dropping send from disallowed role")
		return app.ErrRoleNotAllowed
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	return obj.Broadcast(ctx, lane, data)
}

// Close stops following the key. A closed object cannot be restarted.
func (o *Object) Close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	sub := o.delivered
	o.delivered = nil
	o.mu.Unlock()

	o.rt.Tracker.Unregister(o.key, o.consumer)
	sub.Dispose()
}

func (o *Object) onBound(obj core.SharedObject, err error) {
	if err != nil {
		o.mu.Lock()
		if o.state != Started {
			o.bindErr = err
			o.markBoundLocked()
		}
		o.mu.Unlock()
		return
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	rebind := o.obj != nil
	old := o.delivered
	o.obj = obj
	o.delivered = obj.OnDelivered(func(d core.Delivery) { o.onDelivery(obj, d) })
	o.mu.Unlock()

	old.Dispose()
	if rebind {
		log.Info().Str("module", "app.ephemeral").Str("key", string(o.key)).Str("object", string(obj.Handle().ID)).Msg("rebound to canonical object")
	}
	if o.hooks.Bind != nil {
		o.hooks.Bind(obj, rebind)
	}

	o.mu.Lock()
	o.markBoundLocked()
	o.mu.Unlock()
}

func (o *Object) markBoundLocked() {
	select {
	case <-o.bound:
	default:
		close(o.bound)
	}
}

func (o *Object) onDelivery(obj core.SharedObject, d core.Delivery) {
	o.mu.Lock()
	current := o.obj == obj
	allowed := o.allowed
	o.mu.Unlock()
	if !current {
		return
	}
	if o.rt.VerifyInbound && len(allowed) > 0 {
		ok, err := o.rt.Policy.Allow(context.Background(), d.Sender, allowed)
		if err != nil || !ok {
			log.Warn().Err(err).Str("module", "app.ephemeral").Str("key", string(o.key)).Str("sender", string(d.Sender)).Msg("dropping delivery from disallowed sender")
			return
		}
	}
	if o.hooks.Deliver != nil {
		o.hooks.Deliver(d)
	}
}

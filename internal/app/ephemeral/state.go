package ephemeral

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/dkeye/liveshare/internal/app"
	"github.com/dkeye/liveshare/internal/core"
	"github.com/dkeye/liveshare/internal/domain"
	"github.com/rs/zerolog/log"
)

const (
	StateTag                  = "EphemeralState"
	StateType core.ObjectType = "liveshare/ephemeral-state"

	stateLane = "state"
)

var ErrEmptyState = errors.New("empty state name")

// StateSnapshot is the current (state, data) pair of a state machine. Seq is
// zero for a local seed no transition has replaced yet.
type StateSnapshot[T any] struct {
	State     string
	Data      T
	ClientID  core.ClientID
	Timestamp time.Time
	Seq       core.Sequence
	IsLocal   bool
}

type statePayload[T any] struct {
	State string `json:"state"`
	Data  T      `json:"data"`
}

// StateMachine replicates one (state, data) pair. Every client converges on
// the latest transition in transport order; a client starting on a machine
// that is already running adopts the current pair instead of its seed.
type StateMachine[T any] struct {
	base *Object

	// notify keeps listeners seeing changes in the order they were applied.
	notify sync.Mutex

	mu      sync.Mutex
	current StateSnapshot[T]
	has     bool

	listeners core.Listeners[StateSnapshot[T]]
}

func NewStateMachine[T any](rt *app.Runtime, name string) (*StateMachine[T], error) {
	key, err := domain.NewObjectKey(StateTag, name)
	if err != nil {
		return nil, err
	}
	m := &StateMachine[T]{}
	m.base = NewObject(rt, key, StateType, Hooks{Bind: m.bind, Deliver: m.deliver})
	return m, nil
}

func (m *StateMachine[T]) Key() domain.ObjectKey { return m.base.Key() }
func (m *StateMachine[T]) State() State          { return m.base.State() }

// Start binds the machine. If no transition exists yet and initialState is
// not empty, the seed becomes current and is published.
func (m *StateMachine[T]) Start(ctx context.Context, initialState string, initialData T, allowed ...domain.Role) error {
	started, err := m.base.Start(ctx, allowed)
	if err != nil || !started {
		return err
	}

	m.notify.Lock()
	m.mu.Lock()
	if m.has || initialState == "" {
		m.mu.Unlock()
		m.notify.Unlock()
		return nil
	}
	m.current = StateSnapshot[T]{
		State:     initialState,
		Data:      initialData,
		ClientID:  m.base.ClientID(),
		Timestamp: time.Now(),
		IsLocal:   true,
	}
	m.has = true
	snap := m.current
	m.mu.Unlock()
	m.listeners.Emit(snap)
	m.notify.Unlock()

	err = m.base.Send(ctx, stateLane, statePayload[T]{State: initialState, Data: initialData})
	if errors.Is(err, app.ErrRoleNotAllowed) {
		log.Debug().Str("module", "app.ephemeral").Str("key", string(m.base.Key())).Msg("seed kept local, role may not publish")
		return nil
	}
	return err
}

// ChangeState broadcasts a transition. The local pair changes when the
// transition is delivered back in transport order.
func (m *StateMachine[T]) ChangeState(ctx context.Context, state string, data T) error {
	if state == "" {
		return ErrEmptyState
	}
	return m.base.Send(ctx, stateLane, statePayload[T]{State: state, Data: data})
}

// Current returns the current pair, if any.
func (m *StateMachine[T]) Current() (StateSnapshot[T], bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current, m.has
}

// Subscribe registers fn for every change of the current pair.
func (m *StateMachine[T]) Subscribe(fn func(StateSnapshot[T])) *core.Subscription {
	return m.listeners.Add(fn)
}

func (m *StateMachine[T]) Close() { m.base.Close() }

// bind adopts the retained pair of obj. On a rebind to a race winner that has
// no pair yet, the local pair is carried over.
func (m *StateMachine[T]) bind(obj core.SharedObject, rebind bool) {
	d, ok := obj.Retained()[stateLane]

	m.mu.Lock()
	prev, prevHas := m.current, m.has
	if rebind {
		m.has = false
	}
	m.mu.Unlock()

	if ok && m.apply(d) {
		return
	}
	if rebind && prevHas {
		m.mu.Lock()
		if !m.has {
			m.current, m.has = prev, true
		}
		m.mu.Unlock()
		payload := statePayload[T]{State: prev.State, Data: prev.Data}
		if err := m.base.Republish(context.Background(), obj, stateLane, payload); err != nil {
			log.Warn().Err(err).Str("module", "app.ephemeral").Str("key", string(m.base.Key())).Msg("carry state over to canonical object")
		}
	}
}

func (m *StateMachine[T]) deliver(d core.Delivery) {
	if d.Lane != stateLane {
		return
	}
	m.apply(d)
}

// apply makes d current unless an equal or later transition already is.
func (m *StateMachine[T]) apply(d core.Delivery) bool {
	var p statePayload[T]
	if err := json.Unmarshal(d.Payload, &p); err != nil {
		log.Warn().Err(err).Str("module", "app.ephemeral").Str("key", string(m.base.Key())).Msg("dropping undecodable state")
		return false
	}
	m.notify.Lock()
	defer m.notify.Unlock()

	m.mu.Lock()
	if m.has && m.current.Seq != 0 && d.Seq <= m.current.Seq {
		m.mu.Unlock()
		return false
	}
	m.current = StateSnapshot[T]{
		State:     p.State,
		Data:      p.Data,
		ClientID:  d.Sender,
		Timestamp: d.Timestamp,
		Seq:       d.Seq,
		IsLocal:   d.IsLocal,
	}
	m.has = true
	snap := m.current
	m.mu.Unlock()

	m.listeners.Emit(snap)
	return true
}

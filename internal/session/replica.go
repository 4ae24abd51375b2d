// Package session holds the client-side replica of a collaboration session:
// connection state, the replicated key to handle map and the local instances
// of attached shared objects. Ops are applied strictly in sequence order.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/liveshare/internal/core"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var (
	ErrNotConnected  = errors.New("session not connected")
	ErrDisconnected  = errors.New("session disconnected")
	ErrUnknownObject = errors.New("unknown shared object")
	ErrEmptyKey      = errors.New("empty map key")
	ErrEmptyHandle   = errors.New("empty handle")
	ErrRejected      = errors.New("op rejected by ordering service")
)

// Replica is one client's view of a session. The transport adapter feeds it
// ops through Apply from a single goroutine.
type Replica struct {
	up core.Uplink

	mu       sync.Mutex
	id       core.ClientID
	state    core.ConnectionState
	lastSeq  core.Sequence
	entries  map[string]core.MapEntry
	objects  map[core.ObjectID]*object
	audience map[core.ClientID]struct{}
	waiters  map[string]chan waitResult

	stateListeners core.Listeners[core.ConnectionState]
	mapListeners   core.Listeners[core.MapEntry]
}

type waitResult struct {
	entry core.MapEntry
	err   error
}

var _ core.Transport = (*Replica)(nil)

// NewReplica builds a replica in the Connecting state. An empty id is learned
// from the snapshot the ordering service sends on join.
func NewReplica(id core.ClientID, up core.Uplink) *Replica {
	return &Replica{
		up:       up,
		id:       id,
		state:    core.Connecting,
		entries:  make(map[string]core.MapEntry),
		objects:  make(map[core.ObjectID]*object),
		audience: make(map[core.ClientID]struct{}),
		waiters:  make(map[string]chan waitResult),
	}
}

func (r *Replica) ClientID() core.ClientID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.id
}

func (r *Replica) State() core.ConnectionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Replica) OnStateChange(fn func(core.ConnectionState)) *core.Subscription {
	return r.stateListeners.Add(fn)
}

// Audience returns the clients currently connected to the session.
func (r *Replica) Audience() []core.ClientID {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]core.ClientID, 0, len(r.audience))
	for id := range r.audience {
		out = append(out, id)
	}
	return out
}

// LastSequence returns the sequence number of the last applied op.
func (r *Replica) LastSequence() core.Sequence {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastSeq
}

// Disconnect moves the replica to Disconnected and fails every pending write.
// The adapter calls it when the link is lost.
func (r *Replica) Disconnect() {
	r.mu.Lock()
	if r.state == core.Disconnected {
		r.mu.Unlock()
		return
	}
	r.state = core.Disconnected
	waiters := r.waiters
	r.waiters = make(map[string]chan waitResult)
	r.mu.Unlock()

	for _, ch := range waiters {
		ch <- waitResult{err: ErrDisconnected}
	}
	log.Info().Str("module", "session.replica").Str("client", string(r.ClientID())).Msg("disconnected")
	r.stateListeners.Emit(core.Disconnected)
}

// Reconnecting moves a disconnected replica back to Connecting; the next
// snapshot brings it up to date.
func (r *Replica) Reconnecting() {
	r.mu.Lock()
	changed := r.state != core.Connecting
	r.state = core.Connecting
	r.mu.Unlock()
	if changed {
		r.stateListeners.Emit(core.Connecting)
	}
}

func (r *Replica) Get(key string) (core.Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[key]
	return e.Handle, ok
}

// Entries returns a copy of the current map.
func (r *Replica) Entries() map[string]core.Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]core.Handle, len(r.entries))
	for k, e := range r.entries {
		out[k] = e.Handle
	}
	return out
}

func (r *Replica) OnChange(fn func(core.MapEntry)) *core.Subscription {
	return r.mapListeners.Add(fn)
}

func (r *Replica) Set(ctx context.Context, key string, h core.Handle) error {
	_, err := r.write(ctx, core.OpMapSet, key, h)
	return err
}

func (r *Replica) Claim(ctx context.Context, key string, h core.Handle) (core.MapEntry, error) {
	return r.write(ctx, core.OpMapClaim, key, h)
}

func (r *Replica) write(ctx context.Context, kind core.OpKind, key string, h core.Handle) (core.MapEntry, error) {
	if key == "" {
		return core.MapEntry{}, ErrEmptyKey
	}
	if h.IsZero() {
		return core.MapEntry{}, ErrEmptyHandle
	}
	wk := waitKey(kind, key, h.ID)
	ch, err := r.await(wk)
	if err != nil {
		return core.MapEntry{}, err
	}
	op := core.Op{Kind: kind, Key: key, Handle: h}
	if err := r.up.Submit(ctx, op); err != nil {
		r.forget(wk)
		return core.MapEntry{}, fmt.Errorf("submit %s %q: %w", kind, key, err)
	}
	select {
	case res := <-ch:
		return res.entry, res.err
	case <-ctx.Done():
		r.forget(wk)
		return core.MapEntry{}, ctx.Err()
	}
}

func (r *Replica) Create(ctx context.Context, typ core.ObjectType) (core.SharedObject, error) {
	h := core.Handle{ID: core.ObjectID(uuid.NewString()), Type: typ}
	wk := waitKey(core.OpAttach, "", h.ID)
	ch, err := r.await(wk)
	if err != nil {
		return nil, err
	}
	op := core.Op{Kind: core.OpAttach, ObjectID: h.ID, ObjectType: typ}
	if err := r.up.Submit(ctx, op); err != nil {
		r.forget(wk)
		return nil, fmt.Errorf("submit attach: %w", err)
	}
	select {
	case res := <-ch:
		if res.err != nil {
			return nil, res.err
		}
	case <-ctx.Done():
		r.forget(wk)
		return nil, ctx.Err()
	}
	return r.Open(ctx, h)
}

func (r *Replica) Open(_ context.Context, h core.Handle) (core.SharedObject, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	obj, ok := r.objects[h.ID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownObject, h.ID)
	}
	return obj, nil
}

func (r *Replica) await(wk string) (chan waitResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != core.Connected {
		return nil, ErrNotConnected
	}
	ch := make(chan waitResult, 1)
	r.waiters[wk] = ch
	return ch, nil
}

func (r *Replica) forget(wk string) {
	r.mu.Lock()
	delete(r.waiters, wk)
	r.mu.Unlock()
}

func (r *Replica) broadcast(ctx context.Context, id core.ObjectID, lane string, payload []byte) error {
	if r.State() != core.Connected {
		return ErrNotConnected
	}
	op := core.Op{Kind: core.OpSignal, ObjectID: id, Lane: lane, Payload: payload, Timestamp: time.Now()}
	if err := r.up.Submit(ctx, op); err != nil {
		return fmt.Errorf("submit signal: %w", err)
	}
	return nil
}

func waitKey(kind core.OpKind, key string, id core.ObjectID) string {
	return string(kind) + "|" + key + "|" + string(id)
}

// Package presence keeps a live roster of the users of a session. Every client
// publishes the full record of its own user; every client folds the records
// it receives into one record per user.
package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/dkeye/liveshare/internal/app"
	"github.com/dkeye/liveshare/internal/app/ephemeral"
	"github.com/dkeye/liveshare/internal/core"
	"github.com/dkeye/liveshare/internal/domain"
	"github.com/rs/zerolog/log"
)

const (
	Tag                  = "EphemeralPresence"
	Type core.ObjectType = "liveshare/presence"

	lanePrefix = "presence/"
)

var (
	ErrInvalidState = errors.New("invalid presence state")
	ErrNoUser       = errors.New("runtime has no local user")
)

// Roster is the presence roster of one session.
type Roster[T any] struct {
	base *ephemeral.Object
	user *domain.User

	// notify keeps listeners seeing records in the order they were applied.
	notify sync.Mutex

	mu      sync.Mutex
	records map[domain.UserID]domain.PresenceRecord[T]

	listeners core.Listeners[domain.PresenceRecord[T]]
}

func NewRoster[T any](rt *app.Runtime, name string) (*Roster[T], error) {
	if rt.User == nil {
		return nil, ErrNoUser
	}
	key, err := domain.NewObjectKey(Tag, name)
	if err != nil {
		return nil, err
	}
	r := &Roster[T]{
		user:    rt.User,
		records: make(map[domain.UserID]domain.PresenceRecord[T]),
	}
	r.base = ephemeral.NewObject(rt, key, Type, ephemeral.Hooks{Bind: r.bind, Deliver: r.deliver})
	return r, nil
}

func (r *Roster[T]) Key() domain.ObjectKey  { return r.base.Key() }
func (r *Roster[T]) State() ephemeral.State { return r.base.State() }

// Start joins the roster and publishes the local user's starting record.
// Records other clients already published are available on return.
func (r *Roster[T]) Start(ctx context.Context, state domain.PresenceState, data T, allowed ...domain.Role) error {
	if !state.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidState, state)
	}
	started, err := r.base.Start(ctx, allowed)
	if err != nil || !started {
		return err
	}
	if err := r.UpdatePresence(ctx, state, data); err != nil && !errors.Is(err, app.ErrRoleNotAllowed) {
		return err
	}
	return nil
}

// UpdatePresence publishes the full record of the local user.
func (r *Roster[T]) UpdatePresence(ctx context.Context, state domain.PresenceState, data T) error {
	if !state.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidState, state)
	}
	if !r.base.Started() {
		return ephemeral.ErrNotStarted
	}
	rec := r.localRecord(state, data)
	r.optimistic(rec)

	if err := r.base.Send(ctx, lanePrefix+string(r.user.ID), rec); err != nil {
		if errors.Is(err, app.ErrRoleNotAllowed) {
			log.Debug().Str("module", "app.presence").Str("user", string(r.user.ID)).Msg("presence kept local, role may not publish")
		}
		return err
	}
	return nil
}

// LocalUser returns the record of the local user.
func (r *Roster[T]) LocalUser() (domain.PresenceRecord[T], bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[r.user.ID]
	return rec, ok
}

// OtherUsers returns the records of every other user, filtered to states if
// any are given, ordered by user id.
func (r *Roster[T]) OtherUsers(states ...domain.PresenceState) []domain.PresenceRecord[T] {
	return r.collect(false, states)
}

// Users returns every record, the local user's included.
func (r *Roster[T]) Users(states ...domain.PresenceState) []domain.PresenceRecord[T] {
	return r.collect(true, states)
}

// Subscribe registers fn for every record that changes. Records reach fn in
// the order they were applied; fn must not publish the local user's first
// record.
func (r *Roster[T]) Subscribe(fn func(domain.PresenceRecord[T])) *core.Subscription {
	return r.listeners.Add(fn)
}

func (r *Roster[T]) Close() { r.base.Close() }

func (r *Roster[T]) collect(withLocal bool, states []domain.PresenceState) []domain.PresenceRecord[T] {
	r.mu.Lock()
	out := make([]domain.PresenceRecord[T], 0, len(r.records))
	for id, rec := range r.records {
		if !withLocal && id == r.user.ID {
			continue
		}
		if len(states) > 0 && !slices.Contains(states, rec.State) {
			continue
		}
		out = append(out, rec)
	}
	r.mu.Unlock()

	slices.SortFunc(out, func(a, b domain.PresenceRecord[T]) int {
		return strings.Compare(string(a.UserID), string(b.UserID))
	})
	return out
}

func (r *Roster[T]) localRecord(state domain.PresenceState, data T) domain.PresenceRecord[T] {
	return domain.PresenceRecord[T]{
		UserID:      r.user.ID,
		DisplayName: r.user.DisplayName,
		State:       state,
		Data:        data,
		ClientID:    string(r.base.ClientID()),
		UpdatedAt:   time.Now(),
		IsLocalUser: true,
	}
}

// optimistic shows rec locally until the broadcast comes back, but only if no
// sequenced record of the local user exists yet.
func (r *Roster[T]) optimistic(rec domain.PresenceRecord[T]) {
	if _, ok := r.LocalUser(); ok {
		return
	}
	r.notify.Lock()
	defer r.notify.Unlock()

	r.mu.Lock()
	if _, ok := r.records[rec.UserID]; ok {
		r.mu.Unlock()
		return
	}
	r.records[rec.UserID] = rec
	r.mu.Unlock()
	r.listeners.Emit(rec)
}

// bind loads every retained record of obj. On a rebind the roster is rebuilt
// from the new object and the local record is carried over to it.
func (r *Roster[T]) bind(obj core.SharedObject, rebind bool) {
	var prev domain.PresenceRecord[T]
	var hadLocal bool
	if rebind {
		r.mu.Lock()
		prev, hadLocal = r.records[r.user.ID]
		r.records = make(map[domain.UserID]domain.PresenceRecord[T])
		r.mu.Unlock()
	}

	retained := obj.Retained()
	lanes := make([]string, 0, len(retained))
	for lane := range retained {
		lanes = append(lanes, lane)
	}
	slices.Sort(lanes)
	for _, lane := range lanes {
		r.apply(retained[lane])
	}

	if !hadLocal {
		return
	}
	if _, ok := r.LocalUser(); !ok {
		prev.Seq = 0
		r.optimistic(prev)
	}
	if err := r.base.Republish(context.Background(), obj, lanePrefix+string(r.user.ID), prev); err != nil {
		log.Warn().Err(err).Str("module", "app.presence").Str("user", string(r.user.ID)).Msg("carry presence over to canonical roster")
	}
}

func (r *Roster[T]) deliver(d core.Delivery) {
	r.apply(d)
}

// apply replaces the record of the sending user unless a record with an equal
// or later sequence number is already held.
func (r *Roster[T]) apply(d core.Delivery) {
	userID, ok := strings.CutPrefix(d.Lane, lanePrefix)
	if !ok {
		return
	}
	var rec domain.PresenceRecord[T]
	if err := json.Unmarshal(d.Payload, &rec); err != nil {
		log.Warn().Err(err).Str("module", "app.presence").Str("lane", d.Lane).Msg("dropping undecodable presence")
		return
	}
	if rec.UserID == "" || string(rec.UserID) != userID || !rec.State.Valid() {
		log.Warn().Str("module", "app.presence").Str("lane", d.Lane).Str("user", string(rec.UserID)).Msg("dropping malformed presence")
		return
	}
	rec.Seq = uint64(d.Seq)
	rec.IsLocalUser = rec.UserID == r.user.ID

	r.notify.Lock()
	defer r.notify.Unlock()

	r.mu.Lock()
	if cur, ok := r.records[rec.UserID]; ok && cur.Seq != 0 && rec.Seq <= cur.Seq {
		r.mu.Unlock()
		return
	}
	r.records[rec.UserID] = rec
	r.mu.Unlock()

	r.listeners.Emit(rec)
}

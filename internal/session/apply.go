package session

import (
	"fmt"

	"github.com/dkeye/liveshare/internal/core"
	"github.com/rs/zerolog/log"
)

// Apply applies one op delivered by the ordering service. Callbacks run after
// the replica lock is released, map listeners before the writer is woken so a
// returning Claim always finds its outcome already observed.
func (r *Replica) Apply(op core.Op) {
	var after []func()

	r.mu.Lock()
	switch op.Kind {
	case core.OpSnapshot:
		after = r.applySnapshot(op)
	case core.OpConnected:
		if r.state != core.Connected {
			r.state = core.Connected
			after = append(after, func() { r.stateListeners.Emit(core.Connected) })
			log.Info().Str("module", "session.replica").Str("client", string(r.id)).Uint64("seq", uint64(r.lastSeq)).Msg("connected")
		}
	case core.OpReject:
		after = r.applyReject(op)
	default:
		if op.Seq <= r.lastSeq {
			r.mu.Unlock()
			log.Debug().Str("module", "session.replica").Uint64("seq", uint64(op.Seq)).Msg("dropping duplicate op")
			return
		}
		if op.Seq != r.lastSeq+1 {
			log.Warn().Str("module", "session.replica").Uint64("seq", uint64(op.Seq)).Uint64("last", uint64(r.lastSeq)).Msg("sequence gap")
		}
		r.lastSeq = op.Seq
		after = r.applySequenced(op)
	}
	r.mu.Unlock()

	for _, fn := range after {
		fn()
	}
}

func (r *Replica) applySnapshot(op core.Op) []func() {
	snap := op.Snapshot
	if snap == nil {
		log.Error().Str("module", "session.replica").Msg("snapshot op without snapshot")
		return nil
	}
	if op.ClientID != "" {
		r.id = op.ClientID
	}
	r.lastSeq = snap.Seq
	r.entries = make(map[string]core.MapEntry, len(snap.Entries))
	for _, e := range snap.Entries {
		r.entries[e.Key] = e
	}
	for _, h := range snap.Objects {
		if _, ok := r.objects[h.ID]; !ok {
			r.objects[h.ID] = newObject(r, h)
		}
	}
	retained := make(map[core.ObjectID][]core.Op)
	for _, rop := range snap.Retained {
		retained[rop.ObjectID] = append(retained[rop.ObjectID], rop)
	}
	for id, obj := range r.objects {
		obj.resetRetained(retained[id], r.id)
	}
	r.audience = make(map[core.ClientID]struct{}, len(snap.Audience))
	for _, id := range snap.Audience {
		r.audience[id] = struct{}{}
	}
	log.Debug().Str("module", "session.replica").Str("client", string(r.id)).Uint64("seq", uint64(snap.Seq)).Int("entries", len(snap.Entries)).Int("objects", len(snap.Objects)).Msg("applied snapshot")
	return nil
}

func (r *Replica) applySequenced(op core.Op) []func() {
	switch op.Kind {
	case core.OpAttach:
		h := core.Handle{ID: op.ObjectID, Type: op.ObjectType}
		if _, ok := r.objects[h.ID]; !ok {
			r.objects[h.ID] = newObject(r, h)
		}
		return r.wake(waitKey(core.OpAttach, "", h.ID), waitResult{})

	case core.OpMapSet, core.OpMapClaim:
		cur, exists := r.entries[op.Key]
		entry := core.MapEntry{Key: op.Key, Handle: op.Handle, Seq: op.Seq, Writer: op.ClientID, Accepted: true}
		if op.Kind == core.OpMapClaim && exists {
			entry.Accepted = false
		} else {
			r.entries[op.Key] = entry
			cur = entry
		}
		after := []func(){func() { r.mapListeners.Emit(entry) }}
		return append(after, r.wake(waitKey(op.Kind, op.Key, op.Handle.ID), waitResult{entry: cur})...)

	case core.OpSignal:
		obj, ok := r.objects[op.ObjectID]
		if !ok {
			log.Warn().Str("module", "session.replica").Str("object", string(op.ObjectID)).Msg("signal for unknown object")
			return nil
		}
		d := deliveryOf(op, r.id)
		obj.retain(d)
		return []func(){func() { obj.listeners.Emit(d) }}

	case core.OpJoin:
		r.audience[op.ClientID] = struct{}{}
	case core.OpLeave:
		delete(r.audience, op.ClientID)
	default:
		log.Warn().Str("module", "session.replica").Str("kind", string(op.Kind)).Msg("unknown op kind")
	}
	return nil
}

func (r *Replica) applyReject(op core.Op) []func() {
	id := op.ObjectID
	if op.Rejected != core.OpAttach {
		id = op.Handle.ID
	}
	log.Warn().Str("module", "session.replica").Str("kind", string(op.Rejected)).Str("key", op.Key).Str("reason", op.Reason).Msg("op rejected")
	return r.wake(waitKey(op.Rejected, op.Key, id), waitResult{err: fmt.Errorf("%w: %s", ErrRejected, op.Reason)})
}

// wake must be called with r.mu held; the send happens after unlock.
func (r *Replica) wake(wk string, res waitResult) []func() {
	ch, ok := r.waiters[wk]
	if !ok {
		return nil
	}
	delete(r.waiters, wk)
	return []func(){func() { ch <- res }}
}

func deliveryOf(op core.Op, self core.ClientID) core.Delivery {
	return core.Delivery{
		Seq:       op.Seq,
		Sender:    op.ClientID,
		Timestamp: op.Timestamp,
		Lane:      op.Lane,
		Payload:   op.Payload,
		IsLocal:   op.ClientID == self,
	}
}

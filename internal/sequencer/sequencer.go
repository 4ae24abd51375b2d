// Package sequencer is the ordering service of a collaboration session. It
// assigns every op a global sequence number, keeps the session snapshot that
// joining clients start from and fans each op out to every member in order.
package sequencer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dkeye/liveshare/internal/core"
	"github.com/dkeye/liveshare/internal/domain"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var (
	ErrNotMember       = errors.New("client is not a member of the session")
	ErrAlreadyMember   = errors.New("client is already a member of the session")
	ErrUnknownObject   = errors.New("signal for unknown object")
	ErrInvalidOp       = errors.New("invalid op")
	ErrSessionStopped  = errors.New("session stopped")
	ErrDuplicateObject = errors.New("object already attached")
)

var tracer = otel.Tracer("github.com/dkeye/liveshare/internal/sequencer")

type retainKey struct {
	object core.ObjectID
	lane   string
}

// PublishResult reports delivery stats/backpressure of one fan-out.
type PublishResult struct {
	Seq     core.Sequence
	SendTo  int
	Dropped []core.ClientID
}

// Sequencer orders the ops of one session. It owns the membership set but
// never closes adapter-owned resources except through the back-pressure policy.
type Sequencer struct {
	session *domain.Session
	policy  Policy
	metrics *Metrics
	now     func() time.Time

	mu       sync.Mutex
	stopped  bool
	seq      core.Sequence
	entries  map[string]core.MapEntry
	objects  map[core.ObjectID]core.Handle
	order    []core.ObjectID
	retained map[retainKey]core.Op
	members  map[core.ClientID]MemberSession
}

func New(session *domain.Session, opts ...Option) *Sequencer {
	s := &Sequencer{
		session:  session,
		policy:   SimplePolicy{},
		now:      time.Now,
		entries:  make(map[string]core.MapEntry),
		objects:  make(map[core.ObjectID]core.Handle),
		retained: make(map[retainKey]core.Op),
		members:  make(map[core.ClientID]MemberSession),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Sequencer) Session() *domain.Session { return s.session }

func (s *Sequencer) MemberCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.members)
}

// MembersSnapshot is a read-only view for APIs (no transport fields).
func (s *Sequencer) MembersSnapshot() []MemberDTO {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]MemberDTO, 0, len(s.members))
	for id, ms := range s.members {
		dto := MemberDTO{ClientID: id}
		if m := ms.Meta(); m != nil && m.User != nil {
			dto.UserID = m.User.ID
			dto.DisplayName = m.User.DisplayName
		}
		out = append(out, dto)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClientID < out[j].ClientID })
	return out
}

// Join adds a member. The member first receives the snapshot, then the
// connected marker, then every op sequenced after the snapshot.
func (s *Sequencer) Join(id core.ClientID, ms MemberSession) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrSessionStopped
	}
	if _, ok := s.members[id]; ok {
		s.mu.Unlock()
		return ErrAlreadyMember
	}

	res := s.sequenceLocked(core.Op{Kind: core.OpJoin, ClientID: id})
	s.members[id] = ms
	snap := s.snapshotLocked()
	sig := ms.Signal()
	err := sig.TrySend(core.Op{Kind: core.OpSnapshot, ClientID: id, Snapshot: snap})
	if err == nil {
		err = sig.TrySend(core.Op{Kind: core.OpConnected, ClientID: id, Seq: snap.Seq})
	}
	if err != nil {
		delete(s.members, id)
	}
	s.mu.Unlock()

	if err != nil {
		return fmt.Errorf("send snapshot: %w", err)
	}
	s.metrics.memberJoined()
	log.Info().Str("module", "sequencer").Str("session", string(s.session.ID)).Str("client", string(id)).Uint64("seq", uint64(snap.Seq)).Msg("member joined")
	s.handleDropped(res)
	return nil
}

// Leave removes a member and announces it to the others.
func (s *Sequencer) Leave(id core.ClientID) {
	s.mu.Lock()
	if _, ok := s.members[id]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.members, id)
	var res PublishResult
	if !s.stopped {
		res = s.sequenceLocked(core.Op{Kind: core.OpLeave, ClientID: id})
	}
	s.mu.Unlock()

	s.metrics.memberLeft()
	log.Info().Str("module", "sequencer").Str("session", string(s.session.ID)).Str("client", string(id)).Msg("member left")
	s.handleDropped(res)
}

// Submit sequences an op from member op.ClientID and fans it out.
func (s *Sequencer) Submit(ctx context.Context, op core.Op) error {
	_, span := tracer.Start(ctx, "sequencer.Submit", trace.WithAttributes(
		attribute.String("session", string(s.session.ID)),
		attribute.String("op.kind", string(op.Kind)),
	))
	defer span.End()

	if err := validate(op); err != nil {
		span.RecordError(err)
		return err
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrSessionStopped
	}
	if _, ok := s.members[op.ClientID]; !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotMember, op.ClientID)
	}
	switch op.Kind {
	case core.OpSignal:
		if _, ok := s.objects[op.ObjectID]; !ok {
			s.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrUnknownObject, op.ObjectID)
		}
	case core.OpAttach:
		if _, ok := s.objects[op.ObjectID]; ok {
			s.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrDuplicateObject, op.ObjectID)
		}
	case core.OpMapSet, core.OpMapClaim:
		if _, ok := s.objects[op.Handle.ID]; !ok {
			s.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrUnknownObject, op.Handle.ID)
		}
	}
	res := s.sequenceLocked(op)
	s.mu.Unlock()

	span.SetAttributes(attribute.Int64("op.seq", int64(res.Seq)))
	log.Debug().Str("module", "sequencer").Str("session", string(s.session.ID)).Str("kind", string(op.Kind)).Uint64("seq", uint64(res.Seq)).Int("sent_to", res.SendTo).Int("dropped", len(res.Dropped)).Msg("sequenced")
	s.handleDropped(res)
	return nil
}

// Stop closes every member connection and rejects further ops.
func (s *Sequencer) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	members := s.members
	s.members = make(map[core.ClientID]MemberSession)
	s.mu.Unlock()

	for range members {
		s.metrics.memberLeft()
	}
	for _, ms := range members {
		ms.Signal().Close()
	}
	log.Info().Str("module", "sequencer").Str("session", string(s.session.ID)).Msg("session stopped")
}

// sequenceLocked assigns the next sequence number, applies op to the snapshot
// and fans it out. Fan-out happens under the lock so every member sees the
// same order.
func (s *Sequencer) sequenceLocked(op core.Op) PublishResult {
	s.seq++
	op.Seq = s.seq
	if op.Timestamp.IsZero() {
		op.Timestamp = s.now()
	}
	s.applyLocked(op)
	s.metrics.sequenced(op.Kind)

	res := PublishResult{Seq: op.Seq}
	for id, m := range s.members {
		if err := m.Signal().TrySend(op); err != nil {
			res.Dropped = append(res.Dropped, id)
			continue
		}
		res.SendTo++
	}
	s.metrics.dropped(len(res.Dropped))
	return res
}

func (s *Sequencer) applyLocked(op core.Op) {
	switch op.Kind {
	case core.OpAttach:
		s.objects[op.ObjectID] = core.Handle{ID: op.ObjectID, Type: op.ObjectType}
		s.order = append(s.order, op.ObjectID)
	case core.OpMapSet:
		s.entries[op.Key] = core.MapEntry{Key: op.Key, Handle: op.Handle, Seq: op.Seq, Writer: op.ClientID, Accepted: true}
	case core.OpMapClaim:
		if _, ok := s.entries[op.Key]; !ok {
			s.entries[op.Key] = core.MapEntry{Key: op.Key, Handle: op.Handle, Seq: op.Seq, Writer: op.ClientID, Accepted: true}
		}
	case core.OpSignal:
		if op.Lane != "" {
			s.retained[retainKey{object: op.ObjectID, lane: op.Lane}] = op
		}
	}
}

func (s *Sequencer) snapshotLocked() *core.Snapshot {
	snap := &core.Snapshot{
		Seq:      s.seq,
		Entries:  make([]core.MapEntry, 0, len(s.entries)),
		Objects:  make([]core.Handle, 0, len(s.order)),
		Retained: make([]core.Op, 0, len(s.retained)),
		Audience: make([]core.ClientID, 0, len(s.members)),
	}
	for _, e := range s.entries {
		snap.Entries = append(snap.Entries, e)
	}
	for _, id := range s.order {
		snap.Objects = append(snap.Objects, s.objects[id])
	}
	for _, op := range s.retained {
		snap.Retained = append(snap.Retained, op)
	}
	sort.Slice(snap.Retained, func(i, j int) bool { return snap.Retained[i].Seq < snap.Retained[j].Seq })
	for id := range s.members {
		snap.Audience = append(snap.Audience, id)
	}
	return snap
}

func (s *Sequencer) handleDropped(res PublishResult) {
	if len(res.Dropped) == 0 || s.policy == nil {
		return
	}
	for _, id := range res.Dropped {
		s.mu.Lock()
		ms, ok := s.members[id]
		s.mu.Unlock()
		if !ok {
			continue
		}
		switch s.policy.OnBackPressure(s, ms) {
		case KickMember:
			log.Warn().Str("module", "sequencer").Str("session", string(s.session.ID)).Str("client", string(id)).Msg("kicking slow member")
			s.Leave(id)
			ms.Signal().Close()
		case NoAction:
		}
	}
}

func validate(op core.Op) error {
	if op.ClientID == "" {
		return fmt.Errorf("%w: missing client id", ErrInvalidOp)
	}
	switch op.Kind {
	case core.OpAttach:
		if op.ObjectID == "" || op.ObjectType == "" {
			return fmt.Errorf("%w: attach needs object id and type", ErrInvalidOp)
		}
	case core.OpMapSet, core.OpMapClaim:
		if op.Key == "" || op.Handle.IsZero() {
			return fmt.Errorf("%w: map write needs key and handle", ErrInvalidOp)
		}
	case core.OpSignal:
		if op.ObjectID == "" {
			return fmt.Errorf("%w: signal needs object id", ErrInvalidOp)
		}
	default:
		return fmt.Errorf("%w: kind %q cannot be submitted", ErrInvalidOp, op.Kind)
	}
	return nil
}

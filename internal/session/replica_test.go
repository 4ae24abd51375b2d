package session

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/liveshare/internal/core"
	"github.com/stretchr/testify/require"
)

// loopback sequences every submitted op and applies it straight back.
type loopback struct {
	mu   sync.Mutex
	r    *Replica
	id   core.ClientID
	seq  core.Sequence
	hold bool
	sent []core.Op
}

func (l *loopback) Submit(_ context.Context, op core.Op) error {
	l.mu.Lock()
	op.ClientID = l.id
	l.sent = append(l.sent, op)
	if l.hold {
		l.mu.Unlock()
		return nil
	}
	l.seq++
	op.Seq = l.seq
	l.mu.Unlock()
	l.r.Apply(op)
	return nil
}

func connected(t *testing.T, id core.ClientID, snap *core.Snapshot) (*Replica, *loopback) {
	t.Helper()
	up := &loopback{id: id}
	r := NewReplica("", up)
	up.r = r
	if snap == nil {
		snap = &core.Snapshot{}
	}
	up.seq = snap.Seq
	r.Apply(core.Op{Kind: core.OpSnapshot, ClientID: id, Snapshot: snap})
	r.Apply(core.Op{Kind: core.OpConnected, ClientID: id, Seq: snap.Seq})
	require.Equal(t, core.Connected, r.State())
	return r, up
}

func TestReplicaLearnsIdentityFromSnapshot(t *testing.T) {
	t.Parallel()

	h := core.Handle{ID: "obj-1", Type: "t"}
	snap := &core.Snapshot{
		Seq:     7,
		Entries: []core.MapEntry{{Key: "k", Handle: h, Seq: 3, Accepted: true}},
		Objects: []core.Handle{h},
		Retained: []core.Op{
			{Kind: core.OpSignal, Seq: 5, ClientID: "other", ObjectID: h.ID, Lane: "state", Payload: json.RawMessage(`1`)},
		},
		Audience: []core.ClientID{"c1", "other"},
	}

	var states []core.ConnectionState
	up := &loopback{id: "c1"}
	r := NewReplica("", up)
	up.r = r
	r.OnStateChange(func(s core.ConnectionState) { states = append(states, s) })
	require.Equal(t, core.Connecting, r.State())

	r.Apply(core.Op{Kind: core.OpSnapshot, ClientID: "c1", Snapshot: snap})
	r.Apply(core.Op{Kind: core.OpConnected, ClientID: "c1", Seq: 7})

	require.Equal(t, core.ClientID("c1"), r.ClientID())
	require.Equal(t, []core.ConnectionState{core.Connected}, states)
	require.Equal(t, core.Sequence(7), r.LastSequence())
	require.ElementsMatch(t, []core.ClientID{"c1", "other"}, r.Audience())

	got, ok := r.Get("k")
	require.True(t, ok)
	require.Equal(t, h, got)

	obj, err := r.Open(context.Background(), h)
	require.NoError(t, err)
	d, ok := obj.Retained()["state"]
	require.True(t, ok)
	require.Equal(t, core.Sequence(5), d.Seq)
	require.False(t, d.IsLocal)
}

func TestReplicaDropsDuplicateSequence(t *testing.T) {
	t.Parallel()

	r, _ := connected(t, "c1", nil)
	var seen []core.Sequence
	r.OnChange(func(e core.MapEntry) { seen = append(seen, e.Seq) })

	h := core.Handle{ID: "o", Type: "t"}
	r.Apply(core.Op{Kind: core.OpAttach, Seq: 1, ClientID: "c2", ObjectID: h.ID, ObjectType: h.Type})
	r.Apply(core.Op{Kind: core.OpMapSet, Seq: 2, ClientID: "c2", Key: "k", Handle: h})
	r.Apply(core.Op{Kind: core.OpMapSet, Seq: 2, ClientID: "c2", Key: "k", Handle: h})
	r.Apply(core.Op{Kind: core.OpMapSet, Seq: 1, ClientID: "c2", Key: "k", Handle: h})

	require.Equal(t, []core.Sequence{2}, seen)
}

func TestReplicaClaimFirstWins(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	r, _ := connected(t, "c1", nil)

	a, err := r.Create(ctx, "t")
	require.NoError(t, err)
	b, err := r.Create(ctx, "t")
	require.NoError(t, err)
	require.NotEqual(t, a.Handle(), b.Handle())

	var notes []core.MapEntry
	r.OnChange(func(e core.MapEntry) { notes = append(notes, e) })

	first, err := r.Claim(ctx, "k", a.Handle())
	require.NoError(t, err)
	require.Equal(t, a.Handle(), first.Handle)

	second, err := r.Claim(ctx, "k", b.Handle())
	require.NoError(t, err)
	require.Equal(t, a.Handle(), second.Handle, "claim of a taken key reports the holder")

	require.Len(t, notes, 2)
	require.True(t, notes[0].Accepted)
	require.False(t, notes[1].Accepted)

	h, ok := r.Get("k")
	require.True(t, ok)
	require.Equal(t, a.Handle(), h)

	require.NoError(t, r.Set(ctx, "k", b.Handle()))
	h, _ = r.Get("k")
	require.Equal(t, b.Handle(), h, "set is last writer wins")
}

func TestReplicaBroadcastRetainsLane(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	r, _ := connected(t, "c1", nil)
	obj, err := r.Create(ctx, "t")
	require.NoError(t, err)

	var got []core.Delivery
	sub := obj.OnDelivered(func(d core.Delivery) { got = append(got, d) })

	require.NoError(t, obj.Broadcast(ctx, "", json.RawMessage(`"event"`)))
	require.NoError(t, obj.Broadcast(ctx, "state", json.RawMessage(`"a"`)))
	require.NoError(t, obj.Broadcast(ctx, "state", json.RawMessage(`"b"`)))

	require.Len(t, got, 3)
	for _, d := range got {
		require.True(t, d.IsLocal)
		require.Equal(t, core.ClientID("c1"), d.Sender)
		require.False(t, d.Timestamp.IsZero())
	}
	retained := obj.Retained()
	require.Len(t, retained, 1)
	require.JSONEq(t, `"b"`, string(retained["state"].Payload))

	sub.Dispose()
	require.NoError(t, obj.Broadcast(ctx, "", json.RawMessage(`"late"`)))
	require.Len(t, got, 3)
}

func TestReplicaRequiresConnection(t *testing.T) {
	t.Parallel()

	up := &loopback{id: "c1"}
	r := NewReplica("c1", up)
	up.r = r

	_, err := r.Create(context.Background(), "t")
	require.ErrorIs(t, err, ErrNotConnected)
	_, err = r.Claim(context.Background(), "k", core.Handle{ID: "o"})
	require.ErrorIs(t, err, ErrNotConnected)
}

func TestReplicaWriteValidation(t *testing.T) {
	t.Parallel()

	r, _ := connected(t, "c1", nil)
	_, err := r.Claim(context.Background(), "", core.Handle{ID: "o"})
	require.ErrorIs(t, err, ErrEmptyKey)
	_, err = r.Claim(context.Background(), "k", core.Handle{})
	require.ErrorIs(t, err, ErrEmptyHandle)
	_, err = r.Open(context.Background(), core.Handle{ID: "missing"})
	require.ErrorIs(t, err, ErrUnknownObject)
}

func TestReplicaDisconnectFailsPendingWrites(t *testing.T) {
	t.Parallel()

	r, up := connected(t, "c1", nil)
	up.mu.Lock()
	up.hold = true
	up.mu.Unlock()

	errc := make(chan error, 1)
	go func() {
		_, err := r.Create(context.Background(), "t")
		errc <- err
	}()
	require.Eventually(t, func() bool {
		up.mu.Lock()
		defer up.mu.Unlock()
		return len(up.sent) == 1
	}, time.Second, 5*time.Millisecond)

	r.Disconnect()
	require.ErrorIs(t, <-errc, ErrDisconnected)
	require.Equal(t, core.Disconnected, r.State())

	r.Reconnecting()
	require.Equal(t, core.Connecting, r.State())
}

func TestReplicaRejectFailsWaiter(t *testing.T) {
	t.Parallel()

	r, up := connected(t, "c1", nil)
	up.mu.Lock()
	up.hold = true
	up.mu.Unlock()

	errc := make(chan error, 1)
	go func() {
		_, err := r.Create(context.Background(), "t")
		errc <- err
	}()
	var attach core.Op
	require.Eventually(t, func() bool {
		up.mu.Lock()
		defer up.mu.Unlock()
		if len(up.sent) == 0 {
			return false
		}
		attach = up.sent[0]
		return true
	}, time.Second, 5*time.Millisecond)

	r.Apply(core.Op{Kind: core.OpReject, ObjectID: attach.ObjectID, Rejected: core.OpAttach, Reason: "rate_limited"})
	require.ErrorIs(t, <-errc, ErrRejected)
}

package presence

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/liveshare/internal/app"
	"github.com/dkeye/liveshare/internal/app/apptest"
	"github.com/dkeye/liveshare/internal/app/ephemeral"
	"github.com/dkeye/liveshare/internal/core"
	"github.com/dkeye/liveshare/internal/domain"
	"github.com/sourcegraph/conc"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type cursor struct {
	X int `json:"x"`
}

func start(t *testing.T, p *apptest.Peer, state domain.PresenceState, data cursor, allowed ...domain.Role) *Roster[cursor] {
	t.Helper()
	r, err := NewRoster[cursor](p.Runtime, domain.DefaultName)
	require.NoError(t, err)
	t.Cleanup(r.Close)
	require.NoError(t, r.Start(context.Background(), state, data, allowed...))
	return r
}

func recordOf(r *Roster[cursor], id domain.UserID) (domain.PresenceRecord[cursor], bool) {
	for _, rec := range r.Users() {
		if rec.UserID == id {
			return rec, true
		}
	}
	return domain.PresenceRecord[cursor]{}, false
}

func TestRosterLastWriteWinsPerUser(t *testing.T) {
	t.Parallel()

	s := apptest.NewSession(t)
	u := s.Join("u", nil)
	v := s.Join("v", nil)
	ru := start(t, u, domain.PresenceOnline, cursor{X: 1})
	rv := start(t, v, domain.PresenceOnline, cursor{X: 0})

	require.NoError(t, ru.UpdatePresence(context.Background(), domain.PresenceAway, cursor{X: 2}))

	for _, r := range []*Roster[cursor]{ru, rv} {
		require.Eventually(t, func() bool {
			rec, ok := recordOf(r, u.User.ID)
			return ok && rec.State == domain.PresenceAway
		}, waitFor, tick)

		count := 0
		for _, rec := range r.Users() {
			if rec.UserID == u.User.ID {
				count++
				require.Equal(t, cursor{X: 2}, rec.Data)
			}
		}
		require.Equal(t, 1, count)
	}
}

func TestRosterLocalAndOtherUsers(t *testing.T) {
	t.Parallel()

	s := apptest.NewSession(t)
	a := s.Join("a", nil)
	b := s.Join("b", nil)
	ra := start(t, a, domain.PresenceOnline, cursor{X: 1})
	rb := start(t, b, domain.PresenceOnline, cursor{X: 2})

	require.Eventually(t, func() bool { return len(ra.OtherUsers()) == 1 }, waitFor, tick)

	local, ok := ra.LocalUser()
	require.True(t, ok)
	require.True(t, local.IsLocalUser)
	require.Equal(t, a.User.ID, local.UserID)
	require.Equal(t, "a", local.DisplayName)

	other := ra.OtherUsers()[0]
	require.Equal(t, b.User.ID, other.UserID)
	require.False(t, other.IsLocalUser)
	require.Equal(t, string(b.Client.ClientID()), other.ClientID)

	require.NoError(t, rb.UpdatePresence(context.Background(), domain.PresenceOffline, cursor{}))
	require.Eventually(t, func() bool { return len(ra.OtherUsers(domain.PresenceOnline)) == 0 }, waitFor, tick)
	require.Len(t, ra.OtherUsers(domain.PresenceOffline), 1, "offline users stay in the roster")
	require.Len(t, ra.Users(), 2)
}

func TestRosterJoinerSeesExistingUsers(t *testing.T) {
	t.Parallel()

	s := apptest.NewSession(t)
	a := s.Join("a", nil)
	b := s.Join("b", nil)
	start(t, a, domain.PresenceOnline, cursor{X: 1})
	rb := start(t, b, domain.PresenceAway, cursor{X: 2})
	require.Eventually(t, func() bool { return len(rb.Users()) == 2 }, waitFor, tick)

	c := s.Join("c", nil)
	rc, err := NewRoster[cursor](c.Runtime, domain.DefaultName)
	require.NoError(t, err)
	defer rc.Close()

	var mu sync.Mutex
	seen := map[domain.UserID]domain.PresenceRecord[cursor]{}
	rc.Subscribe(func(rec domain.PresenceRecord[cursor]) {
		mu.Lock()
		seen[rec.UserID] = rec
		mu.Unlock()
	})
	require.NoError(t, rc.Start(context.Background(), domain.PresenceOnline, cursor{X: 3}))

	others := rc.OtherUsers()
	require.Len(t, others, 2, "existing records surface on start")
	mu.Lock()
	require.Equal(t, domain.PresenceAway, seen[b.User.ID].State)
	mu.Unlock()
}

func TestRosterSameUserOnTwoClients(t *testing.T) {
	t.Parallel()

	s := apptest.NewSession(t)
	u := s.Join("u", nil)
	phone := s.JoinAs(u.User, nil)
	observer := s.Join("o", nil)
	ru := start(t, u, domain.PresenceOnline, cursor{X: 1})
	ro := start(t, observer, domain.PresenceOnline, cursor{})
	rp := start(t, phone, domain.PresenceAway, cursor{X: 9})

	for _, r := range []*Roster[cursor]{ru, ro, rp} {
		require.Eventually(t, func() bool {
			rec, ok := recordOf(r, u.User.ID)
			return ok && rec.State == domain.PresenceAway && rec.Data.X == 9
		}, waitFor, tick)
	}
	local, ok := ru.LocalUser()
	require.True(t, ok)
	require.Equal(t, string(phone.Client.ClientID()), local.ClientID, "latest writer wins even across devices")
}

func TestRosterValidation(t *testing.T) {
	t.Parallel()

	s := apptest.NewSession(t)
	a := s.Join("a", nil)
	r, err := NewRoster[cursor](a.Runtime, domain.DefaultName)
	require.NoError(t, err)
	defer r.Close()

	require.ErrorIs(t, r.UpdatePresence(context.Background(), domain.PresenceOnline, cursor{}), ephemeral.ErrNotStarted)
	require.ErrorIs(t, r.Start(context.Background(), "busy", cursor{}), ErrInvalidState)
	require.NoError(t, r.Start(context.Background(), domain.PresenceOnline, cursor{}))
	require.ErrorIs(t, r.UpdatePresence(context.Background(), "", cursor{}), ErrInvalidState)

	_, err = NewRoster[cursor](&app.Runtime{}, domain.DefaultName)
	require.ErrorIs(t, err, ErrNoUser)
}

func TestRosterRoleGating(t *testing.T) {
	t.Parallel()

	s := apptest.NewSession(t)
	host := s.Join("host", []domain.Role{domain.RoleOrganizer})
	guest := s.Join("guest", []domain.Role{domain.RoleGuest})

	rh := start(t, host, domain.PresenceOnline, cursor{}, domain.RoleOrganizer)
	rg := start(t, guest, domain.PresenceOnline, cursor{}, domain.RoleOrganizer)

	_, ok := rg.LocalUser()
	require.True(t, ok, "a gated user still sees itself")
	require.ErrorIs(t, rg.UpdatePresence(context.Background(), domain.PresenceAway, cursor{}), app.ErrRoleNotAllowed)

	require.Eventually(t, func() bool { return len(rg.OtherUsers()) == 1 }, waitFor, tick)
	require.Never(t, func() bool { return len(rh.OtherUsers()) > 0 }, 50*time.Millisecond, tick)
}

func TestRosterNotifiesInSequenceOrder(t *testing.T) {
	t.Parallel()

	s := apptest.NewSession(t)
	r, err := NewRoster[cursor](s.Join("a", nil).Runtime, domain.DefaultName)
	require.NoError(t, err)
	t.Cleanup(r.Close)

	var mu sync.Mutex
	var seen []uint64
	r.Subscribe(func(rec domain.PresenceRecord[cursor]) {
		mu.Lock()
		seen = append(seen, rec.Seq)
		mu.Unlock()
	})

	var wg conc.WaitGroup
	for i := 1; i <= 64; i++ {
		rec := domain.PresenceRecord[cursor]{UserID: "remote", DisplayName: "remote", State: domain.PresenceOnline, Data: cursor{X: i}}
		payload, err := json.Marshal(rec)
		require.NoError(t, err)
		wg.Go(func() {
			r.apply(core.Delivery{Seq: core.Sequence(i), Lane: lanePrefix + "remote", Payload: payload})
		})
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, seen)
	for i := 1; i < len(seen); i++ {
		require.Greater(t, seen[i], seen[i-1])
	}
	others := r.OtherUsers()
	require.Len(t, others, 1)
	require.Equal(t, 64, others[0].Data.X)
}

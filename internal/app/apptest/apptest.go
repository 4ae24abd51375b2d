// Package apptest wires in-process sessions for tests of live objects.
package apptest

import (
	"context"
	"testing"

	"github.com/dkeye/liveshare/internal/adapters/memory"
	"github.com/dkeye/liveshare/internal/app"
	"github.com/dkeye/liveshare/internal/core"
	"github.com/dkeye/liveshare/internal/domain"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// Session is one in-process collaboration session.
type Session struct {
	t     *testing.T
	ID    domain.SessionID
	Net   *memory.Network
	Roles *app.StaticRoles
}

// Peer is one client of a Session with its runtime.
type Peer struct {
	Client  *memory.Client
	Runtime *app.Runtime
	User    *domain.User
}

func NewSession(t *testing.T) *Session {
	t.Helper()
	return &Session{
		t:     t,
		ID:    domain.SessionID(uuid.NewString()),
		Net:   memory.NewNetwork(nil),
		Roles: app.NewStaticRoles(),
	}
}

// Join connects a new client as a fresh user named name. Roles are recorded
// in the session's role table under the new client id.
func (s *Session) Join(name string, roles []domain.Role, opts ...app.RuntimeOption) *Peer {
	s.t.Helper()
	user, err := domain.NewUser(name)
	require.NoError(s.t, err)
	return s.JoinAs(user, roles, opts...)
}

// JoinAs connects another client for an existing user.
func (s *Session) JoinAs(user *domain.User, roles []domain.Role, opts ...app.RuntimeOption) *Peer {
	s.t.Helper()
	c, err := s.Net.Connect(s.ID, user)
	require.NoError(s.t, err)
	s.Roles.Set(c.ClientID(), roles...)

	rt := app.NewRuntime(context.Background(), c, user, s.Roles, opts...)
	s.t.Cleanup(func() {
		rt.Close()
		c.Close()
	})
	return &Peer{Client: c, Runtime: rt, User: user}
}

// AllowAll is a policy admitting every client.
type AllowAll struct{}

func (AllowAll) Allow(context.Context, core.ClientID, []domain.Role) (bool, error) {
	return true, nil
}

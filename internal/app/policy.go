package app

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dkeye/liveshare/internal/core"
	"github.com/dkeye/liveshare/internal/domain"
)

var ErrRoleNotAllowed = errors.New("role not allowed")

// RoleProvider resolves the meeting roles of a client. Supplied by the host;
// this layer never derives roles itself.
type RoleProvider interface {
	Roles(ctx context.Context, client core.ClientID) ([]domain.Role, error)
}

// Policy decides whether a client may act on a channel restricted to allowed.
type Policy interface {
	Allow(ctx context.Context, client core.ClientID, allowed []domain.Role) (bool, error)
}

// RolePolicy admits a client holding at least one allowed role. An empty
// allowed set admits everyone without consulting the provider.
type RolePolicy struct {
	Roles RoleProvider
}

func (p RolePolicy) Allow(ctx context.Context, client core.ClientID, allowed []domain.Role) (bool, error) {
	if len(allowed) == 0 {
		return true, nil
	}
	if p.Roles == nil {
		return false, nil
	}
	held, err := p.Roles.Roles(ctx, client)
	if err != nil {
		return false, fmt.Errorf("roles of %s: %w", client, err)
	}
	return domain.RolesIntersect(held, allowed), nil
}

// StaticRoles is a RoleProvider backed by a fixed table, with Default for
// clients missing from it.
type StaticRoles struct {
	mu      sync.RWMutex
	byID    map[core.ClientID][]domain.Role
	Default []domain.Role
}

func NewStaticRoles(defaults ...domain.Role) *StaticRoles {
	return &StaticRoles{byID: make(map[core.ClientID][]domain.Role), Default: defaults}
}

func (s *StaticRoles) Set(client core.ClientID, roles ...domain.Role) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[client] = roles
}

func (s *StaticRoles) Roles(_ context.Context, client core.ClientID) ([]domain.Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if roles, ok := s.byID[client]; ok {
		return roles, nil
	}
	return s.Default, nil
}

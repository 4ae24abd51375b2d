package app

import (
	"context"

	"github.com/dkeye/liveshare/internal/core"
	"github.com/dkeye/liveshare/internal/domain"
)

// Runtime wires one client's view of a session: the transport, the key
// registry, the consumer tracker and the role policy shared by every live
// object the client starts.
type Runtime struct {
	Transport core.Transport
	Registry  *Registry
	Tracker   *Tracker
	Policy    Policy
	User      *domain.User
	// VerifyInbound also checks the sender's roles on every received event
	// of a role-restricted channel, dropping events from senders that fail.
	VerifyInbound bool

	cancel context.CancelFunc
}

type RuntimeOption func(*Runtime)

func WithPolicy(p Policy) RuntimeOption {
	return func(r *Runtime) { r.Policy = p }
}

func WithInboundVerification() RuntimeOption {
	return func(r *Runtime) { r.VerifyInbound = true }
}

func NewRuntime(ctx context.Context, t core.Transport, user *domain.User, roles RoleProvider, opts ...RuntimeOption) *Runtime {
	ctx, cancel := context.WithCancel(ctx)
	reg := NewRegistry(t)
	r := &Runtime{
		Transport: t,
		Registry:  reg,
		Tracker:   NewTracker(ctx, reg),
		Policy:    RolePolicy{Roles: roles},
		User:      user,
		cancel:    cancel,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Runtime) ClientID() core.ClientID { return r.Transport.ClientID() }

// Close stops pending resolutions and the registry.
func (r *Runtime) Close() {
	r.cancel()
	r.Registry.Close()
}

package media

import (
	"context"
	"sync"

	"github.com/dkeye/liveshare/internal/domain"
	"github.com/rs/zerolog/log"
)

// Suspension is a local opt-out from following the group. While any
// suspension is active, commands from other clients update the group state
// but do not reach the local player.
type Suspension struct {
	s         *Synchronizer
	waitPoint *domain.WaitPoint
	once      sync.Once
}

// WaitPoint returns the point the player was parked at, if any.
func (p *Suspension) WaitPoint() *domain.WaitPoint { return p.waitPoint }

// End releases the suspension. When it was the last one active the player is
// reconciled with the latest group state. End is idempotent.
func (p *Suspension) End(ctx context.Context) {
	p.once.Do(func() {
		p.s.mu.Lock()
		delete(p.s.suspensions, p)
		follow := p.s.followingLocked()
		p.s.mu.Unlock()

		log.Debug().Str("module", "app.media").Str("key", string(p.s.base.Key())).Bool("following", follow).Msg("suspension ended")
		if follow {
			p.s.reconcile(ctx)
		}
	})
}

// BeginSuspension stops the local player from following the group. With a
// wait point the player is parked there, paused, instead of wherever the
// group is. Nothing is broadcast.
func (s *Synchronizer) BeginSuspension(ctx context.Context, wp *domain.WaitPoint) (*Suspension, error) {
	if wp != nil && wp.Position < 0 {
		return nil, ErrInvalidPosition
	}
	p := &Suspension{s: s}
	if wp != nil {
		cp := *wp
		p.waitPoint = &cp
	}

	s.mu.Lock()
	s.suspensions[p] = struct{}{}
	n := len(s.suspensions)
	s.mu.Unlock()

	if p.waitPoint != nil {
		s.seek(ctx, p.waitPoint.Position)
		s.call(ctx, "pause", s.player.Pause)
	}
	log.Debug().Str("module", "app.media").Str("key", string(s.base.Key())).Int("active", n).Msg("suspension began")
	return p, nil
}

// EndSuspension ends every active suspension and reconciles the player.
func (s *Synchronizer) EndSuspension(ctx context.Context) {
	s.mu.Lock()
	active := make([]*Suspension, 0, len(s.suspensions))
	for p := range s.suspensions {
		active = append(active, p)
	}
	s.mu.Unlock()

	for _, p := range active {
		p.once.Do(func() {
			s.mu.Lock()
			delete(s.suspensions, p)
			s.mu.Unlock()
		})
	}

	s.mu.Lock()
	follow := s.followingLocked()
	s.mu.Unlock()
	if follow {
		s.reconcile(ctx)
	}
}

// Suspended reports whether any suspension is active.
func (s *Synchronizer) Suspended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.suspensions) > 0
}

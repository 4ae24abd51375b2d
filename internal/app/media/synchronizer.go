// Package media keeps the players of a session on one shared transport:
// play, pause, seek and track changes are broadcast to every client and
// applied to each client's local player.
package media

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/liveshare/internal/app"
	"github.com/dkeye/liveshare/internal/app/ephemeral"
	"github.com/dkeye/liveshare/internal/core"
	"github.com/dkeye/liveshare/internal/domain"
	"github.com/rs/zerolog/log"
)

const (
	Tag                  = "MediaSession"
	Type core.ObjectType = "liveshare/media-session"

	transportLane = "transport"
)

var (
	ErrInvalidPosition = errors.New("invalid media position")
	ErrNoTrack         = errors.New("no track set")
	ErrNilTrack        = errors.New("nil track")
)

// Player is the local media player driven by the synchronizer. Calls are made
// from the delivery goroutine and must not block on the session.
type Player interface {
	Load(ctx context.Context, track *domain.TrackMetadata) error
	Play(ctx context.Context) error
	Pause(ctx context.Context) error
	Seek(ctx context.Context, position time.Duration) error
}

type Command string

const (
	CommandPlay     Command = "play"
	CommandPause    Command = "pause"
	CommandSeekTo   Command = "seekTo"
	CommandSetTrack Command = "setTrack"
)

type commandPayload struct {
	Command Command              `json:"command"`
	Group   domain.GroupPlayback `json:"group"`
}

// CommandEvent reports a delivered command. Applied is false when the local
// player did not follow it.
type CommandEvent struct {
	Command  Command
	Group    domain.GroupPlayback
	SenderID core.ClientID
	IsLocal  bool
	Applied  bool
}

type Option func(*Synchronizer)

// WithViewOnly starts the synchronizer as a spectator that never follows the
// group.
func WithViewOnly() Option {
	return func(s *Synchronizer) { s.viewOnly = true }
}

func WithClock(now func() time.Time) Option {
	return func(s *Synchronizer) { s.now = now }
}

// Synchronizer is the media session of one key.
type Synchronizer struct {
	base   *ephemeral.Object
	player Player
	now    func() time.Time

	mu          sync.Mutex
	group       domain.GroupPlayback
	viewOnly    bool
	suspensions map[*Suspension]struct{}
	loaded      string

	// pending is the group state this client last broadcast. Local commands
	// build on it while inflight of them are still unsequenced.
	pending  domain.GroupPlayback
	inflight int

	listeners core.Listeners[CommandEvent]
}

func NewSynchronizer(rt *app.Runtime, name string, player Player, opts ...Option) (*Synchronizer, error) {
	key, err := domain.NewObjectKey(Tag, name)
	if err != nil {
		return nil, err
	}
	if player == nil {
		player = nopPlayer{}
	}
	s := &Synchronizer{
		player:      player,
		now:         time.Now,
		group:       domain.GroupPlayback{State: domain.PlaybackNone},
		suspensions: make(map[*Suspension]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.base = ephemeral.NewObject(rt, key, Type, ephemeral.Hooks{Bind: s.bind, Deliver: s.deliver})
	return s, nil
}

func (s *Synchronizer) Key() domain.ObjectKey  { return s.base.Key() }
func (s *Synchronizer) State() ephemeral.State { return s.base.State() }

// Start joins the media session. A client joining a session that already has
// a group state brings its player in line with it.
func (s *Synchronizer) Start(ctx context.Context, allowed ...domain.Role) error {
	_, err := s.base.Start(ctx, allowed)
	return err
}

func (s *Synchronizer) Close() { s.base.Close() }

// GroupState returns the latest group transport state known locally.
func (s *Synchronizer) GroupState() domain.GroupPlayback {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.group
}

// Subscribe registers fn for every delivered command.
func (s *Synchronizer) Subscribe(fn func(CommandEvent)) *core.Subscription {
	return s.listeners.Add(fn)
}

func (s *Synchronizer) Play(ctx context.Context) error {
	now := s.now()
	g, err := s.nextGroup()
	if err != nil {
		return err
	}
	g.Position = g.PositionAt(now)
	g.State = domain.PlaybackPlaying
	g.Timestamp = now
	return s.send(ctx, CommandPlay, g)
}

func (s *Synchronizer) Pause(ctx context.Context) error {
	now := s.now()
	g, err := s.nextGroup()
	if err != nil {
		return err
	}
	g.Position = g.PositionAt(now)
	g.State = domain.PlaybackPaused
	g.Timestamp = now
	return s.send(ctx, CommandPause, g)
}

func (s *Synchronizer) SeekTo(ctx context.Context, position time.Duration) error {
	g, err := s.nextGroup()
	if err != nil {
		return err
	}
	if position < 0 || (g.Track.Duration > 0 && position > g.Track.Duration) {
		return fmt.Errorf("%w: %s", ErrInvalidPosition, position)
	}
	g.Position = position
	g.Timestamp = s.now()
	if g.State == domain.PlaybackEnded {
		g.State = domain.PlaybackPaused
	}
	return s.send(ctx, CommandSeekTo, g)
}

// SetTrack switches the group to track, paused at its start.
func (s *Synchronizer) SetTrack(ctx context.Context, track *domain.TrackMetadata) error {
	if track == nil {
		return ErrNilTrack
	}
	t := *track
	g := domain.GroupPlayback{
		Track:     &t,
		State:     domain.PlaybackPaused,
		Timestamp: s.now(),
	}
	return s.send(ctx, CommandSetTrack, g)
}

func (s *Synchronizer) nextGroup() (domain.GroupPlayback, error) {
	if !s.base.Started() {
		return domain.GroupPlayback{}, ephemeral.ErrNotStarted
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	g := s.group
	if s.inflight > 0 {
		g = s.pending
	}
	if g.Track == nil {
		return domain.GroupPlayback{}, ErrNoTrack
	}
	return g, nil
}

func (s *Synchronizer) send(ctx context.Context, cmd Command, g domain.GroupPlayback) error {
	g.ClientID = string(s.base.ClientID())
	g.Seq = 0

	s.mu.Lock()
	prev, prevInflight := s.pending, s.inflight
	s.pending = g
	s.inflight++
	s.mu.Unlock()

	err := s.base.Send(ctx, transportLane, commandPayload{Command: cmd, Group: g})
	if err != nil {
		s.mu.Lock()
		if s.inflight > 0 {
			s.inflight--
		}
		if s.inflight == prevInflight {
			s.pending = prev
		}
		s.mu.Unlock()
	}
	return err
}

// following reports whether inbound group commands reach the player.
func (s *Synchronizer) followingLocked() bool {
	return !s.viewOnly && len(s.suspensions) == 0
}

// ViewOnly reports whether the synchronizer is in spectator mode.
func (s *Synchronizer) ViewOnly() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewOnly
}

// SetViewOnly switches spectator mode. Leaving it reconciles the player with
// the group unless a suspension is still active. Outbound commands are not
// affected.
func (s *Synchronizer) SetViewOnly(ctx context.Context, viewOnly bool) {
	s.mu.Lock()
	was := s.viewOnly
	s.viewOnly = viewOnly
	follow := s.followingLocked()
	s.mu.Unlock()

	if was && !viewOnly && follow {
		s.reconcile(ctx)
	}
}

func (s *Synchronizer) bind(obj core.SharedObject, rebind bool) {
	if rebind {
		// Commands sent on the abandoned object never come back.
		s.mu.Lock()
		s.inflight = 0
		s.mu.Unlock()
	}
	d, ok := obj.Retained()[transportLane]
	var p commandPayload
	if ok {
		if err := json.Unmarshal(d.Payload, &p); err != nil {
			log.Warn().Err(err).Str("module", "app.media").Str("key", string(s.base.Key())).Msg("dropping undecodable transport state")
			ok = false
		}
	}
	if ok {
		if rebind {
			s.mu.Lock()
			s.group.Seq = 0
			s.mu.Unlock()
		}
		if s.apply(d, p) {
			s.mu.Lock()
			follow := s.followingLocked()
			s.mu.Unlock()
			if follow {
				s.reconcile(context.Background())
			}
		}
		return
	}
	if !rebind {
		return
	}

	s.mu.Lock()
	g := s.group
	s.mu.Unlock()
	if g.Track == nil {
		return
	}
	cmd := CommandSetTrack
	switch g.State {
	case domain.PlaybackPlaying:
		cmd = CommandPlay
	case domain.PlaybackPaused, domain.PlaybackEnded:
		cmd = CommandPause
	}
	payload := commandPayload{Command: cmd, Group: g}
	if err := s.base.Republish(context.Background(), obj, transportLane, payload); err != nil {
		log.Warn().Err(err).Str("module", "app.media").Str("key", string(s.base.Key())).Msg("carry transport over to canonical session")
	}
}

func (s *Synchronizer) deliver(d core.Delivery) {
	if d.Lane != transportLane {
		return
	}
	var p commandPayload
	if err := json.Unmarshal(d.Payload, &p); err != nil {
		log.Warn().Err(err).Str("module", "app.media").Str("key", string(s.base.Key())).Msg("dropping undecodable command")
		return
	}
	if d.IsLocal {
		s.mu.Lock()
		if s.inflight > 0 {
			s.inflight--
		}
		s.mu.Unlock()
	}
	if !s.apply(d, p) {
		return
	}

	s.mu.Lock()
	g := s.group
	// Commands issued by this client always reach its own player.
	follow := d.IsLocal || s.followingLocked()
	s.mu.Unlock()

	if follow {
		s.drive(context.Background(), p.Command, g)
	} else {
		log.Debug().Str("module", "app.media").Str("key", string(s.base.Key())).Str("command", string(p.Command)).Msg("not following group, command not applied")
	}
	s.listeners.Emit(CommandEvent{
		Command:  p.Command,
		Group:    g,
		SenderID: d.Sender,
		IsLocal:  d.IsLocal,
		Applied:  follow,
	})
}

// apply records the group state carried by d unless a later one is held.
func (s *Synchronizer) apply(d core.Delivery, p commandPayload) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.group.Seq != 0 && uint64(d.Seq) <= s.group.Seq {
		return false
	}
	g := p.Group
	g.Seq = uint64(d.Seq)
	g.ClientID = string(d.Sender)
	s.group = g
	return true
}

func (s *Synchronizer) drive(ctx context.Context, cmd Command, g domain.GroupPlayback) {
	switch cmd {
	case CommandSetTrack:
		s.load(ctx, g.Track)
		s.call(ctx, "pause", s.player.Pause)
		s.seek(ctx, g.Position)
	case CommandPlay:
		s.seek(ctx, g.PositionAt(s.now()))
		s.call(ctx, "play", s.player.Play)
	case CommandPause:
		s.call(ctx, "pause", s.player.Pause)
		s.seek(ctx, g.Position)
	case CommandSeekTo:
		s.seek(ctx, g.PositionAt(s.now()))
	default:
		log.Warn().Str("module", "app.media").Str("command", string(cmd)).Msg("unknown command")
	}
}

// reconcile brings the player in line with the latest group state.
func (s *Synchronizer) reconcile(ctx context.Context) {
	s.mu.Lock()
	g := s.group
	s.mu.Unlock()
	if g.Track == nil {
		return
	}

	s.load(ctx, g.Track)
	s.seek(ctx, g.PositionAt(s.now()))
	if g.State == domain.PlaybackPlaying {
		s.call(ctx, "play", s.player.Play)
	} else {
		s.call(ctx, "pause", s.player.Pause)
	}
	log.Debug().Str("module", "app.media").Str("key", string(s.base.Key())).Str("state", string(g.State)).Msg("reconciled with group")
}

func (s *Synchronizer) load(ctx context.Context, track *domain.TrackMetadata) {
	if track == nil {
		return
	}
	s.mu.Lock()
	same := s.loaded == track.ID
	s.mu.Unlock()
	if same {
		return
	}
	if err := s.player.Load(ctx, track); err != nil {
		log.Error().Err(err).Str("module", "app.media").Str("track", track.ID).Msg("player load")
		return
	}
	s.mu.Lock()
	s.loaded = track.ID
	s.mu.Unlock()
}

func (s *Synchronizer) seek(ctx context.Context, pos time.Duration) {
	if err := s.player.Seek(ctx, pos); err != nil {
		log.Error().Err(err).Str("module", "app.media").Dur("position", pos).Msg("player seek")
	}
}

func (s *Synchronizer) call(ctx context.Context, what string, fn func(context.Context) error) {
	if err := fn(ctx); err != nil {
		log.Error().Err(err).Str("module", "app.media").Msg("player " + what)
	}
}

type nopPlayer struct{}

func (nopPlayer) Load(context.Context, *domain.TrackMetadata) error { return nil }
func (nopPlayer) Play(context.Context) error                        { return nil }
func (nopPlayer) Pause(context.Context) error                       { return nil }
func (nopPlayer) Seek(context.Context, time.Duration) error         { return nil }

package domain

import "time"

// TrackMetadata describes the media item the group is playing.
type TrackMetadata struct {
	ID       string        `json:"id"`
	Title    string        `json:"title,omitempty"`
	URL      string        `json:"url,omitempty"`
	Duration time.Duration `json:"duration,omitempty"`
}

type PlaybackState string

const (
	PlaybackNone    PlaybackState = "none"
	PlaybackPlaying PlaybackState = "playing"
	PlaybackPaused  PlaybackState = "paused"
	PlaybackEnded   PlaybackState = "ended"
)

// WaitPoint anchors a suspension to a position in the track.
type WaitPoint struct {
	Position time.Duration `json:"position"`
	Reason   string        `json:"reason,omitempty"`
}

// GroupPlayback is the group's view of the shared transport. Position is
// valid at Timestamp; while playing, the live position advances with the clock.
type GroupPlayback struct {
	Track     *TrackMetadata `json:"track"`
	State     PlaybackState  `json:"state"`
	Position  time.Duration  `json:"position"`
	Timestamp time.Time      `json:"timestamp"`
	ClientID  string         `json:"clientId,omitempty"`
	Seq       uint64         `json:"-"`
}

// PositionAt extrapolates the group position at now.
func (g GroupPlayback) PositionAt(now time.Time) time.Duration {
	if g.State != PlaybackPlaying || g.Timestamp.IsZero() {
		return g.Position
	}
	pos := g.Position + now.Sub(g.Timestamp)
	if g.Track != nil && g.Track.Duration > 0 && pos > g.Track.Duration {
		return g.Track.Duration
	}
	if pos < 0 {
		return 0
	}
	return pos
}

package sequencer

import "time"

// Option configures a Sequencer.
type Option func(*Sequencer)

func WithPolicy(p Policy) Option {
	return func(s *Sequencer) { s.policy = p }
}

func WithMetrics(m *Metrics) Option {
	return func(s *Sequencer) { s.metrics = m }
}

// WithClock replaces the clock used to timestamp ops.
func WithClock(now func() time.Time) Option {
	return func(s *Sequencer) {
		if now != nil {
			s.now = now
		}
	}
}

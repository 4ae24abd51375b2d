package sequencer

import (
	"sort"
	"sync"

	"github.com/dkeye/liveshare/internal/domain"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"
)

type SessionInfo struct {
	ID          domain.SessionID `json:"id"`
	MemberCount int              `json:"client_count"`
}

// Manager owns the sequencers of all live sessions.
type Manager struct {
	mu       sync.RWMutex
	sessions map[domain.SessionID]*Sequencer
	opts     []Option
	metrics  *Metrics
}

func NewManager(metrics *Metrics, opts ...Option) *Manager {
	return &Manager{
		sessions: make(map[domain.SessionID]*Sequencer),
		opts:     append([]Option{WithMetrics(metrics)}, opts...),
		metrics:  metrics,
	}
}

func (m *Manager) GetOrCreate(id domain.SessionID) *Sequencer {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if ok {
		return s
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok = m.sessions[id]; ok {
		return s
	}
	s = New(&domain.Session{ID: id}, m.opts...)
	m.sessions[id] = s
	m.metrics.sessionOpened()
	log.Info().Str("module", "sequencer.manager").Str("session", string(id)).Msg("session created")
	return s
}

func (m *Manager) Get(id domain.SessionID) (*Sequencer, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

func (m *Manager) List() []SessionInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]SessionInfo, 0, len(m.sessions))
	for id, s := range m.sessions {
		out = append(out, SessionInfo{ID: id, MemberCount: s.MemberCount()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *Manager) Stop(id domain.SessionID) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if !ok {
		return
	}
	s.Stop()
	m.metrics.sessionClosed()
}

func (m *Manager) StopAll() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[domain.SessionID]*Sequencer)
	m.mu.Unlock()
	var wg conc.WaitGroup
	for _, s := range sessions {
		wg.Go(func() {
			s.Stop()
			m.metrics.sessionClosed()
		})
	}
	wg.Wait()
}

package sequencer

import (
	"github.com/dkeye/liveshare/internal/core"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the ordering service counters. A nil *Metrics records nothing.
type Metrics struct {
	ops      *prometheus.CounterVec
	drops    prometheus.Counter
	members  prometheus.Gauge
	sessions prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "liveshare",
			Name:      "ops_sequenced_total",
			Help:      "Ops assigned a sequence number, by kind.",
		}, []string{"kind"}),
		drops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "liveshare",
			Name:      "deliveries_dropped_total",
			Help:      "Fan-out deliveries rejected by a full member downlink.",
		}),
		members: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "liveshare",
			Name:      "members",
			Help:      "Connected members across all sessions.",
		}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "liveshare",
			Name:      "sessions",
			Help:      "Live sessions.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.ops, m.drops, m.members, m.sessions)
	}
	return m
}

func (m *Metrics) sequenced(kind core.OpKind) {
	if m == nil {
		return
	}
	m.ops.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) dropped(n int) {
	if m == nil || n == 0 {
		return
	}
	m.drops.Add(float64(n))
}

func (m *Metrics) memberJoined() {
	if m != nil {
		m.members.Inc()
	}
}

func (m *Metrics) memberLeft() {
	if m != nil {
		m.members.Dec()
	}
}

func (m *Metrics) sessionOpened() {
	if m != nil {
		m.sessions.Inc()
	}
}

func (m *Metrics) sessionClosed() {
	if m != nil {
		m.sessions.Dec()
	}
}

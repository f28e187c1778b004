package bfdmetrics

import (
	"net/netip"

	"github.com/prometheus/client_golang/prometheus"
)

// -------------------------------------------------------------------------
// Prometheus Metric Constants
// -------------------------------------------------------------------------

const (
	namespace = "gobfd"
	subsystem = "bfd"
)

// Label names for BFD metrics.
const (
	labelPeerAddr    = "peer_addr"
	labelLocalAddr   = "local_addr"
	labelSessionType = "session_type"
	labelFromState   = "from_state"
	labelToState     = "to_state"
	labelTimerRole   = "role"
)

// -------------------------------------------------------------------------
// Collector — Prometheus BFD Metrics
// -------------------------------------------------------------------------

// Collector holds all BFD Prometheus metrics.
//
// Metrics are designed for production ISP/DC monitoring:
//   - Session gauges track currently active sessions.
//   - Packet counters track TX/RX/drop volumes per peer.
//   - State transition counters record FSM changes for alerting.
//   - Timer fire counters track dispatcher load per timer role.
//   - Event-dropped counter flags a saturated event sink.
type Collector struct {
	// Sessions tracks the number of currently active BFD sessions.
	// Incremented on session creation, decremented on session destruction.
	Sessions *prometheus.GaugeVec

	// PacketsSent counts the total BFD Control packets transmitted per peer.
	PacketsSent *prometheus.CounterVec

	// PacketsReceived counts the total BFD Control packets received per peer.
	PacketsReceived *prometheus.CounterVec

	// PacketsDropped counts BFD Control packets dropped (validation failures,
	// full receive channel, demux miss) per peer.
	PacketsDropped *prometheus.CounterVec

	// StateTransitions counts FSM state transitions. Each counter is labeled
	// with the old state and new state for precise alerting (e.g., Up->Down).
	StateTransitions *prometheus.CounterVec

	// TimerFires counts timer-wheel pops by role (out/exp/rst), satisfying
	// the bfd.TimerMetrics interface the engine's dispatcher reports
	// through on every fired timer.
	TimerFires *prometheus.CounterVec

	// EventsDropped counts events discarded by a full event sink (see
	// internal/eventsink.ChannelSink), a signal that the sink's consumer
	// is falling behind the engine.
	EventsDropped prometheus.Counter
}

// NewCollector creates a Collector with all BFD metrics registered against
// the provided prometheus.Registerer. If reg is nil, prometheus.DefaultRegisterer
// is used.
//
// All metrics are created with the "gobfd_bfd_" prefix (namespace_subsystem)
// to avoid collisions with other exporters.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.Sessions,
		c.PacketsSent,
		c.PacketsReceived,
		c.PacketsDropped,
		c.StateTransitions,
		c.TimerFires,
		c.EventsDropped,
	)

	return c
}

// newMetrics creates all Prometheus metric vectors without registering them.
func newMetrics() *Collector {
	sessionLabels := []string{labelPeerAddr, labelLocalAddr, labelSessionType}
	peerLabels := []string{labelPeerAddr, labelLocalAddr}
	transitionLabels := []string{labelPeerAddr, labelLocalAddr, labelFromState, labelToState}

	return &Collector{
		Sessions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "sessions",
			Help:      "Number of currently active BFD sessions.",
		}, sessionLabels),

		PacketsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "packets_sent_total",
			Help:      "Total BFD Control packets transmitted.",
		}, peerLabels),

		PacketsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "packets_received_total",
			Help:      "Total BFD Control packets received.",
		}, peerLabels),

		PacketsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "packets_dropped_total",
			Help:      "Total BFD Control packets dropped due to validation or buffer overflow.",
		}, peerLabels),

		StateTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "state_transitions_total",
			Help:      "Total BFD session FSM state transitions.",
		}, transitionLabels),

		TimerFires: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "timer_fires_total",
			Help:      "Total timer-wheel pops, labeled by timer role (out, exp, rst).",
		}, []string{labelTimerRole}),

		EventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "events_dropped_total",
			Help:      "Total state-change events dropped by a saturated event sink.",
		}),
	}
}

// -------------------------------------------------------------------------
// Session Lifecycle
// -------------------------------------------------------------------------

// RegisterSession increments the active sessions gauge for the given peer.
func (c *Collector) RegisterSession(peer, local netip.Addr, sessionType string) {
	c.Sessions.WithLabelValues(peer.String(), local.String(), sessionType).Inc()
}

// UnregisterSession decrements the active sessions gauge for the given peer.
func (c *Collector) UnregisterSession(peer, local netip.Addr, sessionType string) {
	c.Sessions.WithLabelValues(peer.String(), local.String(), sessionType).Dec()
}

// -------------------------------------------------------------------------
// Packet Counters
// -------------------------------------------------------------------------

// IncPacketsSent increments the transmitted packets counter for the given peer.
// Called on each successful BFD Control packet transmission.
func (c *Collector) IncPacketsSent(peer, local netip.Addr) {
	c.PacketsSent.WithLabelValues(peer.String(), local.String()).Inc()
}

// IncPacketsReceived increments the received packets counter for the given peer.
// Called on each successfully demultiplexed BFD Control packet.
func (c *Collector) IncPacketsReceived(peer, local netip.Addr) {
	c.PacketsReceived.WithLabelValues(peer.String(), local.String()).Inc()
}

// IncPacketsDropped increments the dropped packets counter for the given peer.
// Called when a packet fails validation or cannot be delivered to a session.
func (c *Collector) IncPacketsDropped(peer, local netip.Addr) {
	c.PacketsDropped.WithLabelValues(peer.String(), local.String()).Inc()
}

// -------------------------------------------------------------------------
// State Transitions
// -------------------------------------------------------------------------

// RecordStateTransition increments the state transition counter with the
// old and new state labels. Used for alerting on session flaps (e.g.,
// Up->Down transitions triggering BGP route withdrawal).
func (c *Collector) RecordStateTransition(peer, local netip.Addr, from, to string) {
	c.StateTransitions.WithLabelValues(peer.String(), local.String(), from, to).Inc()
}

// -------------------------------------------------------------------------
// Timer dispatch and event sink
// -------------------------------------------------------------------------

// RecordTimerFire increments the timer-fire counter for role. Satisfies
// bfd.TimerMetrics, so a *Collector can be passed directly to
// bfd.NewEngine.
func (c *Collector) RecordTimerFire(role string) {
	c.TimerFires.WithLabelValues(role).Inc()
}

// RecordEventDropped increments the dropped-events counter. Called by an
// eventsink.ChannelSink wrapper when Publish finds the channel full.
func (c *Collector) RecordEventDropped() {
	c.EventsDropped.Inc()
}

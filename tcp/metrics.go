package tcp

import "github.com/prometheus/client_golang/prometheus"

// Metrics exposes Prometheus instrumentation for a set of connections
// sharing one Stack (spec.md's domain-stack section: expose connection
// lifecycle and recovery counters, the way a production TCP stack would).
// Grounded on the counter/gauge-per-signal style of the retrieved
// sockstats exporter (pkg/exporter/exporter.go), adapted from its
// per-fd TCPInfoCollector shape to direct CounterVec/GaugeVec updates
// driven by Conn/Listener/Handler call sites, since this module has no
// kernel TCPInfo to poll and instead knows its own counters natively.
type Metrics struct {
	StateTransitions  *prometheus.CounterVec
	Retransmits       *prometheus.CounterVec
	DelayedAckFlushed prometheus.Counter
	DelayedAckCoalesced prometheus.Counter
	OutOfOrderInserts  prometheus.Counter
	OutOfOrderDropped  prometheus.Counter
	ChallengeAcks      prometheus.Counter
	ConnectionsOpened  *prometheus.CounterVec
	ConnectionsAborted prometheus.Counter
	ActiveConnections  prometheus.Gauge
}

// NewMetrics builds a Metrics bundle under the given namespace, without
// registering it. Call Register to attach it to a prometheus.Registerer.
func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		StateTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tcp",
			Name:      "state_transitions_total",
			Help:      "Number of TCP state machine transitions, labeled by resulting state.",
		}, []string{"state"}),
		Retransmits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tcp",
			Name:      "retransmits_total",
			Help:      "Number of segments retransmitted by the RTO timer, labeled by kind (syn, data).",
		}, []string{"kind"}),
		DelayedAckFlushed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tcp",
			Name:      "delayed_ack_flushed_total",
			Help:      "Number of ACKs emitted after the delayed-ACK timer fired.",
		}),
		DelayedAckCoalesced: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tcp",
			Name:      "delayed_ack_coalesced_total",
			Help:      "Number of times a second pending segment forced an immediate ACK instead of waiting on the timer.",
		}),
		OutOfOrderInserts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tcp",
			Name:      "ofo_inserts_total",
			Help:      "Number of out-of-order segments buffered by the reassembler.",
		}),
		OutOfOrderDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tcp",
			Name:      "ofo_dropped_total",
			Help:      "Number of out-of-order segments dropped because the reassembly queue was full.",
		}),
		ChallengeAcks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tcp",
			Name:      "challenge_acks_total",
			Help:      "Number of challenge ACKs sent in response to an unacceptable SYN or RST.",
		}),
		ConnectionsOpened: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tcp",
			Name:      "connections_opened_total",
			Help:      "Number of connections opened, labeled by direction (active, passive).",
		}, []string{"direction"}),
		ConnectionsAborted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tcp",
			Name:      "connections_aborted_total",
			Help:      "Number of connections terminated via abort() or retransmission timeout rather than a graceful close.",
		}),
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "tcp",
			Name:      "active_connections",
			Help:      "Number of connections currently past the handshake and not yet fully closed.",
		}),
	}
}

// Register attaches every collector in m to reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		m.StateTransitions, m.Retransmits, m.DelayedAckFlushed, m.DelayedAckCoalesced,
		m.OutOfOrderInserts, m.OutOfOrderDropped, m.ChallengeAcks,
		m.ConnectionsOpened, m.ConnectionsAborted, m.ActiveConnections,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

package definition

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the Prometheus collectors a Session feeds during
// handshake and frame exchange (SPEC_FULL.md §4 D1). A host that does not
// care about metrics gets NewNoopMetrics, which registers nothing.
type Metrics struct {
	HandshakeDuration prometheus.Histogram
	PacketsSent       prometheus.Counter
	PacketsReceived   prometheus.Counter
	PacketsDropped    prometheus.Counter
	FrameTableDepth   prometheus.Gauge
}

// NewMetrics registers a Metrics set on reg under the "lockstep_" prefix.
// Passing a nil registerer is equivalent to NewNoopMetrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		return NewNoopMetrics()
	}
	m := &Metrics{
		HandshakeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "lockstep_handshake_duration_seconds",
			Help:    "Time spent in Create/Join until Ready; failed handshakes are not observed.",
			Buckets: prometheus.DefBuckets,
		}),
		PacketsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lockstep_packets_sent_total",
			Help: "Per-endpoint send flushes handed to the transport.",
		}),
		PacketsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lockstep_packets_received_total",
			Help: "Datagrams delivered by the transport's receive handler.",
		}),
		PacketsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lockstep_packets_dropped_total",
			Help: "Inbound datagrams dropped for being malformed or from an unknown peer.",
		}),
		FrameTableDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "lockstep_frame_table_depth",
			Help: "Frames currently held in the local frame table.",
		}),
	}
	reg.MustRegister(m.HandshakeDuration, m.PacketsSent, m.PacketsReceived, m.PacketsDropped, m.FrameTableDepth)
	return m
}

// NewNoopMetrics builds a Metrics whose collectors are never registered,
// for hosts that have no Prometheus registry wired up.
func NewNoopMetrics() *Metrics {
	return &Metrics{
		HandshakeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{Name: "lockstep_handshake_duration_seconds"}),
		PacketsSent:       prometheus.NewCounter(prometheus.CounterOpts{Name: "lockstep_packets_sent_total"}),
		PacketsReceived:   prometheus.NewCounter(prometheus.CounterOpts{Name: "lockstep_packets_received_total"}),
		PacketsDropped:    prometheus.NewCounter(prometheus.CounterOpts{Name: "lockstep_packets_dropped_total"}),
		FrameTableDepth:   prometheus.NewGauge(prometheus.GaugeOpts{Name: "lockstep_frame_table_depth"}),
	}
}

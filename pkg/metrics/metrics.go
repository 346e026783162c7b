// Package metrics exposes Prometheus metrics for a conversation session.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the session engine.
type Metrics struct {
	registry *prometheus.Registry

	// Inbound metrics
	PacketsReceived  *prometheus.CounterVec
	PacketsRouted    *prometheus.CounterVec
	PacketsMalformed prometheus.Counter

	// Outgoing metrics
	OutgoingSent    *prometheus.CounterVec
	OutgoingEvicted *prometheus.CounterVec
	OutgoingAcked   prometheus.Counter

	// Audio metrics
	AudioChunks *prometheus.CounterVec

	// Session metrics
	Connects        *prometheus.CounterVec
	ConnectDuration prometheus.Histogram
	Status          *prometheus.GaugeVec
	Cancellations   *prometheus.CounterVec
}

// New creates a Metrics instance with all metrics registered on a private
// registry.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "vai_converse"
	}

	registry := prometheus.NewRegistry()

	packetsReceived := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_received_total",
			Help:      "Inbound packets decoded, by packet type",
		},
		[]string{"type"},
	)

	packetsRouted := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_routed_total",
			Help:      "Inbound packets routed by the correlator, by disposition",
		},
		[]string{"disposition"},
	)

	packetsMalformed := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_malformed_total",
			Help:      "Inbound packets dropped as malformed or unroutable",
		},
	)

	outgoingSent := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outgoing_sent_total",
			Help:      "Client packets handed to the transport, by packet type",
		},
		[]string{"type"},
	)

	outgoingEvicted := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outgoing_evicted_total",
			Help:      "Client packets evicted by capacity bounds, by queue stage",
		},
		[]string{"stage"},
	)

	outgoingAcked := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outgoing_acked_total",
			Help:      "Sent client packets acknowledged by the server",
		},
	)

	audioChunks := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_chunks_total",
			Help:      "Microphone chunks framed, by result",
		},
		[]string{"result"},
	)

	connects := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connects_total",
			Help:      "Connection attempts, by result",
		},
		[]string{"result"},
	)

	connectDuration := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "connect_duration_seconds",
			Help:      "Time to open the transport",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
	)

	status := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_status",
			Help:      "1 for the current session status, 0 otherwise",
		},
		[]string{"status"},
	)

	cancellations := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cancellations_total",
			Help:      "Interaction cancellations, by kind",
		},
		[]string{"kind"},
	)

	registry.MustRegister(
		packetsReceived,
		packetsRouted,
		packetsMalformed,
		outgoingSent,
		outgoingEvicted,
		outgoingAcked,
		audioChunks,
		connects,
		connectDuration,
		status,
		cancellations,
	)

	return &Metrics{
		registry:         registry,
		PacketsReceived:  packetsReceived,
		PacketsRouted:    packetsRouted,
		PacketsMalformed: packetsMalformed,
		OutgoingSent:     outgoingSent,
		OutgoingEvicted:  outgoingEvicted,
		OutgoingAcked:    outgoingAcked,
		AudioChunks:      audioChunks,
		Connects:         connects,
		ConnectDuration:  connectDuration,
		Status:           status,
		Cancellations:    cancellations,
	}
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the private registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// RecordPacketReceived records a decoded inbound packet.
func (m *Metrics) RecordPacketReceived(packetType string) {
	m.PacketsReceived.WithLabelValues(packetType).Inc()
}

// RecordRouted records a correlator disposition.
func (m *Metrics) RecordRouted(disposition string) {
	m.PacketsRouted.WithLabelValues(disposition).Inc()
}

// RecordMalformed records a dropped packet.
func (m *Metrics) RecordMalformed() {
	m.PacketsMalformed.Inc()
}

// RecordOutgoingSent records a packet handed to the transport.
func (m *Metrics) RecordOutgoingSent(packetType string) {
	m.OutgoingSent.WithLabelValues(packetType).Inc()
}

// RecordOutgoingEvicted records a capacity eviction.
func (m *Metrics) RecordOutgoingEvicted(stage string) {
	m.OutgoingEvicted.WithLabelValues(stage).Inc()
}

// RecordOutgoingAcked records acknowledged packets.
func (m *Metrics) RecordOutgoingAcked(n int) {
	if n > 0 {
		m.OutgoingAcked.Add(float64(n))
	}
}

// RecordAudioChunk records a chunk leaving the audio FIFO.
func (m *Metrics) RecordAudioChunk(dispatched bool) {
	result := "dropped"
	if dispatched {
		result = "dispatched"
	}
	m.AudioChunks.WithLabelValues(result).Inc()
}

// RecordConnect records a connection attempt.
func (m *Metrics) RecordConnect(result string, duration time.Duration) {
	m.Connects.WithLabelValues(result).Inc()
	if result == "ok" {
		m.ConnectDuration.Observe(duration.Seconds())
	}
}

// SetStatus marks current as the active status among all.
func (m *Metrics) SetStatus(current string, all []string) {
	for _, s := range all {
		v := 0.0
		if s == current {
			v = 1
		}
		m.Status.WithLabelValues(s).Set(v)
	}
}

// RecordCancel records an interaction cancellation.
func (m *Metrics) RecordCancel(kind string) {
	m.Cancellations.WithLabelValues(kind).Inc()
}

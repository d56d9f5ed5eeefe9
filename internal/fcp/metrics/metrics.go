// Package metrics exposes Prometheus counters for the transfer pipeline.
// The server serves them on an optional /metrics listener; the client counts
// into a private registry that it does not expose. Counters only: the protocol is single-flight,
// so gauges and histograms would not say anything the counters don't.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the counter set for one peer process.
type Metrics struct {
	FramesSent     *prometheus.CounterVec // by frame type tag
	FramesReceived *prometheus.CounterVec
	FramesDropped  prometheus.Counter // malformed or out-of-session datagrams

	Retransmits   prometheus.Counter // DATA frames resent on MISSING or stall
	VerifyRetries prometheus.Counter // verified-write attempts whose read-back did not match

	SessionsStarted   prometheus.Counter
	SessionsSucceeded prometheus.Counter
	SessionsFailed    prometheus.Counter

	PayloadBytes prometheus.Counter // file bytes carried in DATA frames
}

// New registers the counter set with reg. Passing nil uses a private
// registry, which keeps tests and the client CLI free of global state.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)
	return &Metrics{
		FramesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fcp", Name: "frames_sent_total",
			Help: "Datagrams written to the channel, by frame type.",
		}, []string{"type"}),
		FramesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fcp", Name: "frames_received_total",
			Help: "Well-formed frames read from the channel, by frame type.",
		}, []string{"type"}),
		FramesDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "fcp", Name: "frames_dropped_total",
			Help: "Datagrams dropped: malformed, wrong session, or out of state.",
		}),
		Retransmits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "fcp", Name: "data_retransmits_total",
			Help: "DATA frames resent in response to MISSING or a stalled read.",
		}),
		VerifyRetries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "fcp", Name: "verified_write_retries_total",
			Help: "Verified-write attempts that failed read-back comparison.",
		}),
		SessionsStarted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "fcp", Name: "sessions_started_total",
			Help: "Per-file transfer sessions opened.",
		}),
		SessionsSucceeded: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "fcp", Name: "sessions_succeeded_total",
			Help: "Sessions that passed the end-to-end check.",
		}),
		SessionsFailed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "fcp", Name: "sessions_failed_total",
			Help: "Sessions that failed or stalled.",
		}),
		PayloadBytes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "fcp", Name: "payload_bytes_total",
			Help: "File payload bytes carried in DATA frames.",
		}),
	}
}

// SentFrame records one outgoing frame by its wire tag.
func (m *Metrics) SentFrame(tag byte) {
	if m == nil {
		return
	}
	m.FramesSent.WithLabelValues(string(tag)).Inc()
}

// ReceivedFrame records one decoded incoming frame by its wire tag.
func (m *Metrics) ReceivedFrame(tag byte) {
	if m == nil {
		return
	}
	m.FramesReceived.WithLabelValues(string(tag)).Inc()
}

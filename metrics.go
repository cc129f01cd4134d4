package chatsync

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups the engine's Prometheus collectors. A Metrics built with
// a nil registerer still counts; it just isn't exported anywhere.
type Metrics struct {
	FramesReceived      *prometheus.CounterVec
	FramesSent          *prometheus.CounterVec
	FramesMalformed     prometheus.Counter
	SendsDropped        *prometheus.CounterVec
	ReconnectAttempts   prometheus.Counter
	ReconnectsExhausted prometheus.Counter
	Reconciled          *prometheus.CounterVec
	HTTPRequests        *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg, if non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		FramesReceived: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "chatsync",
				Name:      "frames_received_total",
				Help:      "Inbound WebSocket frames by event type",
			},
			[]string{"type"},
		),
		FramesSent: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "chatsync",
				Name:      "frames_sent_total",
				Help:      "Outbound WebSocket frames by wire type",
			},
			[]string{"type"},
		),
		FramesMalformed: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: "chatsync",
				Name:      "frames_malformed_total",
				Help:      "Inbound frames that could not be parsed",
			},
		),
		SendsDropped: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "chatsync",
				Name:      "sends_dropped_total",
				Help:      "Outbound frames not transmitted because the transport was down",
			},
			[]string{"type"},
		),
		ReconnectAttempts: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: "chatsync",
				Name:      "reconnect_attempts_total",
				Help:      "Scheduled reconnection attempts",
			},
		),
		ReconnectsExhausted: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: "chatsync",
				Name:      "reconnects_exhausted_total",
				Help:      "Times the reconnect budget ran out",
			},
		),
		Reconciled: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "chatsync",
				Name:      "messages_reconciled_total",
				Help:      "Inbound messages by reconciliation outcome",
			},
			[]string{"outcome"},
		),
		HTTPRequests: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "chatsync",
				Name:      "http_requests_total",
				Help:      "REST requests by method and status code",
			},
			[]string{"method", "status"},
		),
	}
}

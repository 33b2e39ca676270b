// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package metrics provides Prometheus instrumentation for the relay.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/absmach/relay/pkg/relay"
)

// Metrics holds all Prometheus metrics for the relay.
type Metrics struct {
	// Session metrics
	ActiveSessions  *prometheus.GaugeVec
	SessionsTotal   *prometheus.CounterVec
	SessionDuration *prometheus.HistogramVec
	BytesRelayed    *prometheus.CounterVec

	// Acceptor metrics
	AcceptErrors    *prometheus.CounterVec
	HandshakeErrors *prometheus.CounterVec
	DialErrors      *prometheus.CounterVec
}

// New creates a new Metrics instance with all counters, gauges, and histograms.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "relay"
	}

	return &Metrics{
		ActiveSessions: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_sessions",
				Help:      "Number of currently relayed sessions",
			},
			[]string{"listener"},
		),
		SessionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sessions_total",
				Help:      "Total number of relayed sessions",
			},
			[]string{"listener", "status"},
		),
		SessionDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "session_duration_seconds",
				Help:      "Session duration in seconds",
				Buckets:   []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60, 300, 600},
			},
			[]string{"listener"},
		),
		BytesRelayed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bytes_relayed_total",
				Help:      "Total bytes copied through the relay",
			},
			[]string{"listener", "direction"},
		),
		AcceptErrors: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "accept_errors_total",
				Help:      "Total number of accept errors",
			},
			[]string{"listener"},
		),
		HandshakeErrors: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "handshake_errors_total",
				Help:      "Total number of failed TLS handshakes",
			},
			[]string{"listener"},
		),
		DialErrors: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dial_errors_total",
				Help:      "Total number of failed upstream dials",
			},
			[]string{"listener"},
		),
	}
}

// ObserveSession tracks one session lifecycle: active gauge, duration,
// per-direction byte counters, and the final status.
func (m *Metrics) ObserveSession(listener string, f func() (relay.Stats, error)) error {
	m.ActiveSessions.WithLabelValues(listener).Inc()
	defer m.ActiveSessions.WithLabelValues(listener).Dec()

	start := time.Now()
	stats, err := f()
	m.SessionDuration.WithLabelValues(listener).Observe(time.Since(start).Seconds())

	m.BytesRelayed.WithLabelValues(listener, relay.ToUpstream.String()).Add(float64(stats.BytesToUpstream))
	m.BytesRelayed.WithLabelValues(listener, relay.ToClient.String()).Add(float64(stats.BytesToClient))

	status := "success"
	if err != nil {
		status = "error"
	}
	m.SessionsTotal.WithLabelValues(listener, status).Inc()

	return err
}

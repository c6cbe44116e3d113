// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package metrics exposes Prometheus instrumentation for the appwarden core.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all appwarden Prometheus collectors.
type Metrics struct {
	registry *prometheus.Registry

	// Capture pipeline
	EventsCaptured   prometheus.Counter
	EventsCommitted  prometheus.Counter
	EventsDropped    prometheus.Counter
	CaptureAnomalies *prometheus.CounterVec
	QueueDepth       prometheus.Gauge
	ActiveSessions   prometheus.Gauge

	// Scoring engine
	ScoringRuns     prometheus.Counter
	ScoringFailures prometheus.Counter
	SubjectsSkipped prometheus.Counter

	// Alerts
	AlertsRaised prometheus.Counter
	AlertsMerged prometheus.Counter

	// Store
	RowsSwept prometheus.Counter
}

// New creates the collectors on a dedicated registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		EventsCaptured: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "appwarden_capture_events_total",
			Help: "Total number of events observed by the capture pipeline",
		}),
		EventsCommitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "appwarden_capture_committed_total",
			Help: "Total number of events committed to the store",
		}),
		EventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "appwarden_capture_dropped_total",
			Help: "Total number of events dropped under backpressure",
		}),
		CaptureAnomalies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "appwarden_capture_anomalies_total",
			Help: "Capture anomalies by kind (malformed, unmatched_close, unknown_uid)",
		}, []string{"kind"}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "appwarden_capture_queue_depth",
			Help: "Current depth of the capture-to-store queue",
		}),
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "appwarden_capture_active_sessions",
			Help: "Number of in-flight capture sessions",
		}),
		ScoringRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "appwarden_scoring_runs_total",
			Help: "Total number of completed scoring runs",
		}),
		ScoringFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "appwarden_scoring_failures_total",
			Help: "Total number of scoring runs that failed outright",
		}),
		SubjectsSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "appwarden_scoring_subjects_skipped_total",
			Help: "Subjects skipped during scoring due to bad aggregate data",
		}),
		AlertsRaised: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "appwarden_alerts_raised_total",
			Help: "Total number of alerts created",
		}),
		AlertsMerged: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "appwarden_alerts_merged_total",
			Help: "Total number of alerts deduplicated into an existing row",
		}),
		RowsSwept: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "appwarden_store_rows_swept_total",
			Help: "Total number of time-series rows removed by retention sweeps",
		}),
	}

	m.registry.MustRegister(
		m.EventsCaptured, m.EventsCommitted, m.EventsDropped,
		m.CaptureAnomalies, m.QueueDepth, m.ActiveSessions,
		m.ScoringRuns, m.ScoringFailures, m.SubjectsSkipped,
		m.AlertsRaised, m.AlertsMerged, m.RowsSwept,
	)

	return m
}

// Handler returns the /metrics HTTP handler for the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

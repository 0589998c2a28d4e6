// Package metrics exposes the server's Prometheus collectors.
package metrics

import (
	"context"
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wakeup/audiostudio/internal/pipeline"
	"github.com/wakeup/audiostudio/internal/session"
)

const (
	namespace = "audiostudio"

	resultOK       = "ok"
	resultError    = "error"
	resultCanceled = "canceled"
)

// Metrics holds every collector registered by the server.
type Metrics struct {
	registry *prometheus.Registry

	Connections      prometheus.Gauge
	ConnectionsTotal prometheus.Counter
	Rejected         *prometheus.CounterVec
	SlowClients      prometheus.Counter
	Sessions         *prometheus.GaugeVec
	SessionsTotal    *prometheus.CounterVec
	Events           *prometheus.CounterVec
	PipelineRuns     *prometheus.CounterVec
	PipelineDuration *prometheus.HistogramVec
}

// New registers collectors on a fresh registry, including the Go runtime and
// process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		Connections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "connections",
			Help:      "Currently open websocket connections",
		}),
		ConnectionsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "connections_total",
			Help:      "Websocket connections accepted",
		}),
		Rejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "rejected_total",
			Help:      "Connections refused before registration",
		}, []string{"reason"}),
		SlowClients: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "slow_clients_dropped_total",
			Help:      "Connections closed because their send queue was full",
		}),
		Sessions: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "active",
			Help:      "Sessions currently held in the store",
		}, []string{"kind"}),
		SessionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "created_total",
			Help:      "Sessions created",
		}, []string{"kind"}),
		Events: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "events_total",
			Help:      "Inbound events handled",
		}, []string{"event", "result"}),
		PipelineRuns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "runs_total",
			Help:      "Media tool invocations",
		}, []string{"operation", "result"}),
		PipelineDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "run_duration_seconds",
			Help:      "Media tool invocation duration in seconds",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"operation"}),
	}
}

// Registry returns the registry backing the collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveRun records a finished pipeline run. It matches the executor's
// observer signature.
func (m *Metrics) ObserveRun(r pipeline.RunResult) {
	op := string(r.Operation)
	m.PipelineRuns.WithLabelValues(op, runResult(r.Err)).Inc()
	m.PipelineDuration.WithLabelValues(op).Observe(r.Elapsed.Seconds())
}

// ObserveSession tracks store lifecycle events.
func (m *Metrics) ObserveSession(ev session.Event) {
	m.Sessions.WithLabelValues(session.KindStudio.String()).Set(float64(ev.Studios))
	m.Sessions.WithLabelValues(session.KindSync.String()).Set(float64(ev.Syncs))
	if ev.Type == session.EventCreated {
		m.SessionsTotal.WithLabelValues(ev.Kind.String()).Inc()
	}
}

// ObserveEvent counts an inbound event by outcome.
func (m *Metrics) ObserveEvent(event string, err error) {
	m.Events.WithLabelValues(event, runResult(err)).Inc()
}

func runResult(err error) string {
	switch {
	case err == nil:
		return resultOK
	case isCanceled(err):
		return resultCanceled
	default:
		return resultError
	}
}

func isCanceled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

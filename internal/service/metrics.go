package service

import (
	"net/http"
	"strconv"
	"time"

	"fleetvisor/internal/models"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the supervisor's Prometheus collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	restarts      *prometheus.CounterVec
	spawnFailures *prometheus.CounterVec
	transitions   *prometheus.CounterVec
	logLines      *prometheus.CounterVec
	droppedLines  prometheus.Counter
	instanceState *prometheus.GaugeVec
	backoff       *prometheus.GaugeVec
	httpDuration  *prometheus.HistogramVec
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		restarts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fleetvisor_restarts_total",
				Help: "Automatic relaunches performed by the restart policy",
			},
			[]string{"worker"},
		),
		spawnFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fleetvisor_spawn_failures_total",
				Help: "Launch attempts refused by the operating system",
			},
			[]string{"worker", "kind"},
		),
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fleetvisor_state_transitions_total",
				Help: "Instance state transitions",
			},
			[]string{"worker", "to"},
		),
		logLines: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fleetvisor_log_lines_total",
				Help: "Worker output lines received",
			},
			[]string{"worker", "stream"},
		),
		droppedLines: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "fleetvisor_log_lines_dropped_total",
				Help: "Output lines not delivered to a slow log subscriber",
			},
		),
		instanceState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "fleetvisor_instance_state",
				Help: "1 for the current state of each worker instance",
			},
			[]string{"worker", "instance", "state"},
		),
		backoff: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "fleetvisor_restart_backoff_seconds",
				Help: "Delay before the pending relaunch of a worker",
			},
			[]string{"worker"},
		),
		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fleetvisor_http_request_duration_seconds",
				Help:    "Control API request latency",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route", "status"},
		),
	}

	m.registry.MustRegister(
		m.restarts,
		m.spawnFailures,
		m.transitions,
		m.logLines,
		m.droppedLines,
		m.instanceState,
		m.backoff,
		m.httpDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) observeTransition(worker string, index int, from, to models.State) {
	m.transitions.WithLabelValues(worker, string(to)).Inc()
	instance := strconv.Itoa(index)
	if from != "" {
		m.instanceState.WithLabelValues(worker, instance, string(from)).Set(0)
	}
	m.instanceState.WithLabelValues(worker, instance, string(to)).Set(1)
}

func (m *Metrics) observeRestart(worker string, delay time.Duration) {
	m.restarts.WithLabelValues(worker).Inc()
	m.backoff.WithLabelValues(worker).Set(delay.Seconds())
}

func (m *Metrics) clearBackoff(worker string) {
	m.backoff.WithLabelValues(worker).Set(0)
}

func (m *Metrics) observeSpawnFailure(worker string, kind SpawnErrorKind) {
	m.spawnFailures.WithLabelValues(worker, string(kind)).Inc()
}

func (m *Metrics) observeLine(worker string, stream models.Stream) {
	m.logLines.WithLabelValues(worker, string(stream)).Inc()
}

func (m *Metrics) observeDropped() {
	m.droppedLines.Inc()
}

// ObserveHTTP records one control API request.
func (m *Metrics) ObserveHTTP(method, route string, status int, elapsed time.Duration) {
	m.httpDuration.WithLabelValues(method, route, strconv.Itoa(status)).Observe(elapsed.Seconds())
}

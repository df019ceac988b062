// Package metrics provides Prometheus metrics for the monitoring engine.
//
// All Record/Set methods are safe to call on a nil *Metrics, so components
// constructed without metrics (tests, the list command) need no guards.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains Prometheus metrics for the engine, event sources and dispatcher.
type Metrics struct {
	eventsDetected *prometheus.CounterVec
	launches       *prometheus.CounterVec
	registryScans  *prometheus.CounterVec
	pollErrors     prometheus.Counter
	watchedNames   prometheus.Gauge
	activeStrategy *prometheus.GaugeVec
}

// Strategies reported by the strategy gauge.
var strategies = []string{"native", "poll"}

// New creates a new Metrics instance.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "procwatch"
	}

	return &Metrics{
		eventsDetected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "source",
				Name:      "events_total",
				Help:      "Process lifecycle events produced by the event source",
			},
			[]string{"source", "action"},
		),
		launches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "dispatch",
				Name:      "launches_total",
				Help:      "Handler launch attempts",
			},
			[]string{"kind", "status"},
		),
		registryScans: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "registry",
				Name:      "scans_total",
				Help:      "Handler directory scans",
			},
			[]string{"status"},
		),
		pollErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "source",
				Name:      "poll_errors_total",
				Help:      "Failed polling iterations",
			},
		),
		watchedNames: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "registry",
				Name:      "watched_names",
				Help:      "Number of process names in the current watch-list",
			},
		),
		activeStrategy: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "source",
				Name:      "active_strategy",
				Help:      "Active event source strategy (1=active, 0=inactive)",
			},
			[]string{"strategy"},
		),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.eventsDetected,
		m.launches,
		m.registryScans,
		m.pollErrors,
		m.watchedNames,
		m.activeStrategy,
	}
}

// Register registers all metrics with the given registerer.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range m.collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// MustRegister registers all metrics and panics on error.
func (m *Metrics) MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(m.collectors()...)
}

// RecordEvent records a detected or synthesized process event.
func (m *Metrics) RecordEvent(source, action string) {
	if m == nil {
		return
	}
	m.eventsDetected.WithLabelValues(source, action).Inc()
}

// RecordLaunch records a handler launch attempt.
func (m *Metrics) RecordLaunch(kind string, success bool) {
	if m == nil {
		return
	}
	status := "success"
	if !success {
		status = "failure"
	}
	m.launches.WithLabelValues(kind, status).Inc()
}

// RecordScan records a handler directory scan.
func (m *Metrics) RecordScan(success bool) {
	if m == nil {
		return
	}
	status := "success"
	if !success {
		status = "failure"
	}
	m.registryScans.WithLabelValues(status).Inc()
}

// RecordPollError records a failed polling iteration.
func (m *Metrics) RecordPollError() {
	if m == nil {
		return
	}
	m.pollErrors.Inc()
}

// SetWatched sets the watch-list size.
func (m *Metrics) SetWatched(n int) {
	if m == nil {
		return
	}
	m.watchedNames.Set(float64(n))
}

// SetStrategy marks the given strategy active and all others inactive.
// An empty name clears all.
func (m *Metrics) SetStrategy(name string) {
	if m == nil {
		return
	}
	for _, s := range strategies {
		value := 0.0
		if s == name {
			value = 1.0
		}
		m.activeStrategy.WithLabelValues(s).Set(value)
	}
}

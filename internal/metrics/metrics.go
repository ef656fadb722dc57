// Package metrics exposes Prometheus counters for store dispatches,
// snapshot writes, imports and handle probes.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns a registry so tests and multiple instances do not collide on
// the global one.
type Metrics struct {
	registry *prometheus.Registry

	Dispatches   prometheus.Counter
	Saves        *prometheus.CounterVec
	Imports      *prometheus.CounterVec
	HandleProbes *prometheus.CounterVec
}

// New creates and registers the collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Dispatches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_store_dispatches_total",
			Help: "Change notifications delivered by the state store.",
		}),
		Saves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tracker_snapshot_saves_total",
			Help: "Snapshot writes to durable storage, by result.",
		}, []string{"result"}), // ok | error
		Imports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tracker_snapshot_imports_total",
			Help: "Snapshot imports, by strategy and result.",
		}, []string{"strategy", "result"}),
		HandleProbes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tracker_handle_probes_total",
			Help: "Handle metadata lookups, by resulting state.",
		}, []string{"state"}), // fresh | stale | deleted
	}
	m.registry.MustRegister(m.Dispatches, m.Saves, m.Imports, m.HandleProbes)
	return m
}

// Registry returns the registry the collectors live in.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveSave records the outcome of one snapshot write.
func (m *Metrics) ObserveSave(err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.Saves.WithLabelValues(result).Inc()
}

// ObserveImport records one import attempt.
func (m *Metrics) ObserveImport(strategy string, err error) {
	if strategy == "" {
		strategy = "merge"
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.Imports.WithLabelValues(strategy, result).Inc()
}

// ObserveProbe records the state a handle lookup resolved to.
func (m *Metrics) ObserveProbe(state string) {
	m.HandleProbes.WithLabelValues(state).Inc()
}

package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides observability for the record store.
// Tracks mutations by outcome and request latency per operation.
type Metrics struct {
	registry *prometheus.Registry

	CountriesInserted prometheus.Counter
	CountriesDeleted  prometheus.Counter
	CountriesSynced   prometheus.Counter
	Conflicts         prometheus.Counter
	Operations        *prometheus.CounterVec
	OperationDuration *prometheus.HistogramVec
}

// New creates a Metrics instance registered on its own registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		CountriesInserted: factory.NewCounter(prometheus.CounterOpts{
			Name: "haveibeento_countries_inserted_total",
			Help: "Total number of countries marked as visited through single inserts",
		}),
		CountriesDeleted: factory.NewCounter(prometheus.CounterOpts{
			Name: "haveibeento_countries_deleted_total",
			Help: "Total number of countries removed from visited sets",
		}),
		CountriesSynced: factory.NewCounter(prometheus.CounterOpts{
			Name: "haveibeento_countries_synced_total",
			Help: "Total number of countries newly written by bulk sync",
		}),
		Conflicts: factory.NewCounter(prometheus.CounterOpts{
			Name: "haveibeento_country_conflicts_total",
			Help: "Total number of inserts rejected because the country was already visited",
		}),
		Operations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "haveibeento_operations_total",
			Help: "Record store operations by name and outcome",
		}, []string{"operation", "outcome"}),
		OperationDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "haveibeento_operation_duration_seconds",
			Help:    "Duration of record store operations",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"operation"}),
	}
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveOperation records one operation's outcome and duration.
// Call with time.Now() at the start of the operation.
func (m *Metrics) ObserveOperation(operation, outcome string, start time.Time) {
	m.Operations.WithLabelValues(operation, outcome).Inc()
	m.OperationDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

// IncrementInserted records a successful single insert.
func (m *Metrics) IncrementInserted() {
	m.CountriesInserted.Inc()
}

// IncrementDeleted records a successful delete.
func (m *Metrics) IncrementDeleted() {
	m.CountriesDeleted.Inc()
}

// IncrementConflicts records an insert rejected as already visited.
func (m *Metrics) IncrementConflicts() {
	m.Conflicts.Inc()
}

// AddSynced records the newly written count of a bulk sync.
func (m *Metrics) AddSynced(count int) {
	if count > 0 {
		m.CountriesSynced.Add(float64(count))
	}
}

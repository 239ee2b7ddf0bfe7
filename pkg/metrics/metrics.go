// Package metrics defines the Prometheus collectors for export runs and
// exposes an HTTP handler for scraping. Collectors live on a private
// registry so several runs (and tests) can coexist in one process.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "logexport"

// Run statuses, shared with the audit table.
const (
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// Metrics holds all Prometheus collectors for an export run.
type Metrics struct {
	Registry *prometheus.Registry

	PagesFetchedTotal    prometheus.Counter
	RecordsExportedTotal prometheus.Counter
	PageRetriesTotal     prometheus.Counter
	PageFetchDuration    prometheus.Histogram
	ChunksWrittenTotal   prometheus.Counter
	RunsTotal            *prometheus.CounterVec
	RunDuration          prometheus.Gauge
	LastRunRecords       prometheus.Gauge
}

// New creates the collectors and registers them, together with the Go and
// process collectors, on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		PagesFetchedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pages_fetched_total",
				Help:      "Total non-empty pages written to the output.",
			},
		),
		RecordsExportedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "records_exported_total",
				Help:      "Total records written to the output.",
			},
		),
		PageRetriesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "page_retries_total",
				Help:      "Total page fetches retried after a transient failure.",
			},
		),
		PageFetchDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "page_fetch_duration_seconds",
				Help:      "Latency of one page fetch including retries.",
				Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
		),
		ChunksWrittenTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "chunks_written_total",
				Help:      "Total chunk files finalized.",
			},
		),
		RunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_total",
				Help:      "Finished export runs by status (succeeded, failed, cancelled).",
			},
			[]string{"status"},
		),
		RunDuration: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "last_run_duration_seconds",
				Help:      "Wall time of the most recent run.",
			},
		),
		LastRunRecords: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "last_run_records",
				Help:      "Records exported by the most recent run.",
			},
		),
	}

	m.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.PagesFetchedTotal,
		m.RecordsExportedTotal,
		m.PageRetriesTotal,
		m.PageFetchDuration,
		m.ChunksWrittenTotal,
		m.RunsTotal,
		m.RunDuration,
		m.LastRunRecords,
	)
	for _, status := range []string{StatusSucceeded, StatusFailed, StatusCancelled} {
		m.RunsTotal.WithLabelValues(status)
	}

	return m
}

// PageExported records one page whose records were all written.
func (m *Metrics) PageExported(records int, elapsed time.Duration) {
	m.PagesFetchedTotal.Inc()
	m.RecordsExportedTotal.Add(float64(records))
	m.PageFetchDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) PageRetried() {
	m.PageRetriesTotal.Inc()
}

func (m *Metrics) ChunkWritten() {
	m.ChunksWrittenTotal.Inc()
}

func (m *Metrics) RunFinished(status string, records int, elapsed time.Duration) {
	m.RunsTotal.WithLabelValues(status).Inc()
	m.RunDuration.Set(elapsed.Seconds())
	m.LastRunRecords.Set(float64(records))
}

// Handler returns the Prometheus scrape HTTP handler for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}

// Package metrics holds the Prometheus collectors of the engine. Collectors
// live on a private registry so several engines can coexist in one process.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Extraction outcomes.
const (
	OutcomeOK       = "ok"
	OutcomeFailed   = "failed"
	OutcomeSkipped  = "skipped"
	OutcomeFallback = "fallback"
)

type Metrics struct {
	reg *prometheus.Registry

	filesExtracted *prometheus.CounterVec
	extractSeconds *prometheus.HistogramVec
	commitSeconds  prometheus.Histogram
	generation     prometheus.Gauge
	nodes          prometheus.Gauge
	edges          prometheus.Gauge
	querySeconds   *prometheus.HistogramVec
	queryErrors    *prometheus.CounterVec
	quarantined    prometheus.Counter
	cancelled      prometheus.Counter
}

// New registers every collector on a fresh registry, plus the Go runtime
// and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		reg: reg,
		filesExtracted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "isg_files_extracted_total",
			Help: "Files run through extraction, by language and outcome.",
		}, []string{"language", "outcome"}),
		extractSeconds: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "isg_extract_duration_seconds",
			Help:    "Per-file extraction time.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 4, 8),
		}, []string{"language"}),
		commitSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "isg_commit_duration_seconds",
			Help:    "Time to resolve and commit one generation.",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
		}),
		generation: f.NewGauge(prometheus.GaugeOpts{
			Name: "isg_generation",
			Help: "Head generation of the current branch.",
		}),
		nodes: f.NewGauge(prometheus.GaugeOpts{
			Name: "isg_nodes",
			Help: "Nodes in the head snapshot.",
		}),
		edges: f.NewGauge(prometheus.GaugeOpts{
			Name: "isg_edges",
			Help: "Edges in the head snapshot.",
		}),
		querySeconds: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "isg_query_duration_seconds",
			Help:    "Query latency by operation.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 8),
		}, []string{"op"}),
		queryErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "isg_query_errors_total",
			Help: "Failed queries by operation and error kind.",
		}, []string{"op", "kind"}),
		quarantined: f.NewCounter(prometheus.CounterOpts{
			Name: "isg_quarantined_edges_total",
			Help: "Edges rejected as dangling and recorded in quarantine.",
		}),
		cancelled: f.NewCounter(prometheus.CounterOpts{
			Name: "isg_superseded_extractions_total",
			Help: "In-flight extractions cancelled by a newer change to the same file.",
		}),
	}
}

func (m *Metrics) FileExtracted(language, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.filesExtracted.WithLabelValues(language, outcome).Inc()
	if outcome == OutcomeOK || outcome == OutcomeFallback {
		m.extractSeconds.WithLabelValues(language).Observe(d.Seconds())
	}
}

// Committed records a commit and the resulting head.
func (m *Metrics) Committed(generation int64, nodes, edges int, d time.Duration) {
	if m == nil {
		return
	}
	m.commitSeconds.Observe(d.Seconds())
	m.generation.Set(float64(generation))
	m.nodes.Set(float64(nodes))
	m.edges.Set(float64(edges))
}

// Query records one query. errKind is empty on success.
func (m *Metrics) Query(op, errKind string, d time.Duration) {
	if m == nil {
		return
	}
	m.querySeconds.WithLabelValues(op).Observe(d.Seconds())
	if errKind != "" {
		m.queryErrors.WithLabelValues(op, errKind).Inc()
	}
}

func (m *Metrics) Quarantined(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.quarantined.Add(float64(n))
}

func (m *Metrics) Superseded() {
	if m == nil {
		return
	}
	m.cancelled.Inc()
}

// Registry exposes the private registry, mostly for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

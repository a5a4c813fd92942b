// Package metrics exposes Prometheus collectors for the extraction pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/rules-engine/ocr-service/internal/breaker"
)

// Metrics bundles every collector the service records.
type Metrics struct {
	PDFsProcessed   prometheus.Counter
	PagesProcessed  prometheus.Counter
	ChunksProcessed *prometheus.CounterVec // label: status (ok|error)
	JobsFinished    *prometheus.CounterVec // label: status (completed|error)

	ExtractionSeconds prometheus.Histogram
	ChunkSeconds      prometheus.Histogram
	Confidence        prometheus.Histogram

	JobsInProgress prometheus.Gauge
	QueuedChunks   prometheus.Gauge
	BreakerState   prometheus.Gauge // 0 closed, 1 open, 2 half-open
	BreakerTrips   prometheus.Counter

	CacheHits   prometheus.Counter
	CacheMisses prometheus.Counter
}

// New registers all collectors on the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		PDFsProcessed: factory.NewCounter(prometheus.CounterOpts{
			Name: "ocr_pdfs_processed_total",
			Help: "Number of PDF extraction jobs started.",
		}),
		PagesProcessed: factory.NewCounter(prometheus.CounterOpts{
			Name: "ocr_pages_processed_total",
			Help: "Number of pages run through OCR.",
		}),
		ChunksProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ocr_chunks_processed_total",
			Help: "Number of chunks processed, by outcome.",
		}, []string{"status"}),
		JobsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ocr_jobs_finished_total",
			Help: "Number of jobs settled, by final status.",
		}, []string{"status"}),
		ExtractionSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "ocr_extraction_duration_seconds",
			Help:    "Wall time of whole extraction jobs.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		}),
		ChunkSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "ocr_chunk_duration_seconds",
			Help:    "Wall time of individual chunk analyses.",
			Buckets: []float64{0.5, 1, 5, 10, 30, 60, 120, 300},
		}),
		Confidence: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "ocr_result_confidence",
			Help:    "Confidence scores of finished chunks (0-100).",
			Buckets: []float64{10, 25, 50, 70, 80, 90, 95, 99},
		}),
		JobsInProgress: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ocr_jobs_in_progress",
			Help: "Jobs currently processing.",
		}),
		QueuedChunks: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ocr_queued_chunks",
			Help: "Chunks submitted but not yet settled.",
		}),
		BreakerState: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ocr_breaker_state",
			Help: "Circuit breaker state: 0 closed, 1 open, 2 half-open.",
		}),
		BreakerTrips: factory.NewCounter(prometheus.CounterOpts{
			Name: "ocr_breaker_trips_total",
			Help: "Times the circuit breaker opened.",
		}),
		CacheHits: factory.NewCounter(prometheus.CounterOpts{
			Name: "ocr_query_cache_hits_total",
			Help: "Query answers served from cache.",
		}),
		CacheMisses: factory.NewCounter(prometheus.CounterOpts{
			Name: "ocr_query_cache_misses_total",
			Help: "Query answers computed fresh.",
		}),
	}
}

// ObserveBreaker returns a breaker.StateFunc keeping the state gauge and
// trip counter current.
func (m *Metrics) ObserveBreaker() breaker.StateFunc {
	return func(s breaker.State) {
		switch s {
		case breaker.StateClosed:
			m.BreakerState.Set(0)
		case breaker.StateOpen:
			m.BreakerState.Set(1)
			m.BreakerTrips.Inc()
		case breaker.StateHalfOpen:
			m.BreakerState.Set(2)
		}
	}
}

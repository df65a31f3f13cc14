package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus metrics of the review engine. All methods are
// safe to call on a nil *Metrics.
type Metrics struct {
	registry *prometheus.Registry

	// Review outcomes
	VerdictsTotal  *prometheus.CounterVec
	ReviewDuration *prometheus.HistogramVec

	// OCR
	OCRCallsTotal *prometheus.CounterVec
	OCRPagesTotal *prometheus.CounterVec

	// AI extraction
	AIAttemptsTotal  *prometheus.CounterVec
	AISentinelsTotal *prometheus.CounterVec

	// HTTP surface
	HTTPRequestsTotal *prometheus.CounterVec

	// Health snapshot
	DLQDepth     prometheus.Gauge
	StaleClaims  prometheus.Gauge
	DatasetsOpen prometheus.Gauge
}

// NewMetrics creates all metrics on a fresh registry that also carries the Go
// runtime and process collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		VerdictsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "review_verdicts_total",
			Help: "Review outcomes by kind (dataset leaf or datapoint) and verdict",
		}, []string{"kind", "verdict"}),
		ReviewDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "review_duration_seconds",
			Help:    "Duration of dataset and datapoint reviews",
			Buckets: []float64{1, 2.5, 5, 10, 30, 60, 120, 300, 600},
		}, []string{"kind"}),
		OCRCallsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "review_ocr_calls_total",
			Help: "OCR provider calls by outcome",
		}, []string{"status"}),
		OCRPagesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "review_ocr_pages_total",
			Help: "Pages served by the document cache, by source (cache or ocr)",
		}, []string{"source"}),
		AIAttemptsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "review_ai_attempts_total",
			Help: "AI completion attempts by provider and outcome",
		}, []string{"provider", "outcome"}),
		AISentinelsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "review_ai_sentinels_total",
			Help: "Extractions that exhausted retries and returned the null result",
		}, []string{"model"}),
		HTTPRequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "review_http_requests_total",
			Help: "HTTP requests by route and status code",
		}, []string{"route", "code"}),
		DLQDepth: f.NewGauge(prometheus.GaugeOpts{
			Name: "review_dlq_depth",
			Help: "Items in the dead letter queue",
		}),
		StaleClaims: f.NewGauge(prometheus.GaugeOpts{
			Name: "review_stale_claims",
			Help: "Incomplete dataset claims older than the stale threshold",
		}),
		DatasetsOpen: f.NewGauge(prometheus.GaugeOpts{
			Name: "review_datasets_open",
			Help: "Dataset claims that have not completed",
		}),
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObserveVerdict counts one review outcome.
func (m *Metrics) ObserveVerdict(kind, verdict string) {
	if m == nil {
		return
	}
	m.VerdictsTotal.WithLabelValues(kind, verdict).Inc()
}

// ObserveReview records how long a review took.
func (m *Metrics) ObserveReview(kind string, d time.Duration) {
	if m == nil {
		return
	}
	m.ReviewDuration.WithLabelValues(kind).Observe(d.Seconds())
}

// ObserveOCRCall counts an OCR provider call.
func (m *Metrics) ObserveOCRCall(err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.OCRCallsTotal.WithLabelValues(status).Inc()
}

// ObservePages counts pages served from the cache and from fresh OCR.
func (m *Metrics) ObservePages(cached, extracted int) {
	if m == nil {
		return
	}
	m.OCRPagesTotal.WithLabelValues("cache").Add(float64(cached))
	m.OCRPagesTotal.WithLabelValues("ocr").Add(float64(extracted))
}

// ObserveAIAttempt counts one completion attempt.
func (m *Metrics) ObserveAIAttempt(provider, outcome string) {
	if m == nil {
		return
	}
	m.AIAttemptsTotal.WithLabelValues(provider, outcome).Inc()
}

// ObserveSentinel counts an extraction that fell back to the null result.
func (m *Metrics) ObserveSentinel(model string) {
	if m == nil {
		return
	}
	m.AISentinelsTotal.WithLabelValues(model).Inc()
}

// ObserveHTTP counts one served request.
func (m *Metrics) ObserveHTTP(route, code string) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(route, code).Inc()
}

// ObserveSnapshot copies health gauges from a snapshot.
func (m *Metrics) ObserveSnapshot(s *Snapshot) {
	if m == nil || s == nil {
		return
	}
	m.DLQDepth.Set(float64(s.DLQDepth))
	m.StaleClaims.Set(float64(s.StaleClaims))
	m.DatasetsOpen.Set(float64(s.DatasetsOpen))
}

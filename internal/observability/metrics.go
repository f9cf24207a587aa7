// Package observability provides Prometheus metrics for the worker loops
// and the training pipeline.
package observability

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the application's Prometheus collectors.
type Metrics struct {
	registry *prometheus.Registry

	loopIterationsTotal   *prometheus.CounterVec
	framesCapturedTotal   *prometheus.CounterVec
	detectionsTotal       *prometheus.CounterVec
	reviewAdmissionsTotal *prometheus.CounterVec
	modelSwapsTotal       *prometheus.CounterVec
	trainingRunsTotal     *prometheus.CounterVec
	inferenceDuration     *prometheus.HistogramVec
}

// NewMetrics creates and registers the application metrics on a fresh
// registry.
func NewMetrics() (*Metrics, error) {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.loopIterationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "observer_loop_iterations_total",
		Help: "Worker loop iterations by project, loop kind and outcome",
	}, []string{"project", "kind", "outcome"})

	m.framesCapturedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "observer_frames_captured_total",
		Help: "Frames written to the store by project and origin",
	}, []string{"project", "origin"})

	m.detectionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "observer_detections_total",
		Help: "Detections written by project",
	}, []string{"project"})

	m.reviewAdmissionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "observer_review_admissions_total",
		Help: "Frames admitted to the review queue by project",
	}, []string{"project"})

	m.modelSwapsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "observer_model_swaps_total",
		Help: "Hot-swaps of the deployed model in a running inference loop",
	}, []string{"project"})

	m.trainingRunsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "observer_training_runs_total",
		Help: "Training run completions by project and outcome",
	}, []string{"project", "outcome"})

	m.inferenceDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "observer_inference_duration_seconds",
		Help:    "Duration of one detector invocation",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
	}, []string{"project"})

	for _, c := range []prometheus.Collector{
		m.loopIterationsTotal,
		m.framesCapturedTotal,
		m.detectionsTotal,
		m.reviewAdmissionsTotal,
		m.modelSwapsTotal,
		m.trainingRunsTotal,
		m.inferenceDuration,
		collectors.NewGoCollector(),
	} {
		if err := m.registry.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Handler returns the HTTP handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func projectLabel(projectID uint) string {
	return strconv.FormatUint(uint64(projectID), 10)
}

// RecordLoopIteration counts one loop iteration with its outcome
// ("ok", "skipped", "error", "idle").
func (m *Metrics) RecordLoopIteration(projectID uint, kind, outcome string) {
	m.loopIterationsTotal.WithLabelValues(projectLabel(projectID), kind, outcome).Inc()
}

// RecordFrameCaptured counts one stored frame.
func (m *Metrics) RecordFrameCaptured(projectID uint, origin string) {
	m.framesCapturedTotal.WithLabelValues(projectLabel(projectID), origin).Inc()
}

// RecordDetections counts detections written in one iteration.
func (m *Metrics) RecordDetections(projectID uint, n int) {
	if n > 0 {
		m.detectionsTotal.WithLabelValues(projectLabel(projectID)).Add(float64(n))
	}
}

// RecordReviewAdmission counts one review-queue admission.
func (m *Metrics) RecordReviewAdmission(projectID uint) {
	m.reviewAdmissionsTotal.WithLabelValues(projectLabel(projectID)).Inc()
}

// RecordModelSwap counts one hot-swap.
func (m *Metrics) RecordModelSwap(projectID uint) {
	m.modelSwapsTotal.WithLabelValues(projectLabel(projectID)).Inc()
}

// RecordTrainingRun counts a finished run ("succeeded" or "failed").
func (m *Metrics) RecordTrainingRun(projectID uint, outcome string) {
	m.trainingRunsTotal.WithLabelValues(projectLabel(projectID), outcome).Inc()
}

// ObserveInferenceDuration records one detector invocation duration.
func (m *Metrics) ObserveInferenceDuration(projectID uint, seconds float64) {
	m.inferenceDuration.WithLabelValues(projectLabel(projectID)).Observe(seconds)
}

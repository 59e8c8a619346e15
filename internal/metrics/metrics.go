// Package metrics registers the Prometheus series exported by the agent.
// Every series lives on a private registry so tests and multiple agents in
// one process never collide on the default registry.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "gpuwatch"

// Registry holds the agent's collectors.
type Registry struct {
	reg *prometheus.Registry

	detections          *prometheus.CounterVec
	detectionConfidence *prometheus.GaugeVec
	riskScore           *prometheus.GaugeVec
	failureProbability  *prometheus.GaugeVec
	violations          *prometheus.CounterVec
	enforced            *prometheus.CounterVec
	configErrors        *prometheus.CounterVec
	collectorGaps       prometheus.Counter
	tickDuration        prometheus.Histogram
	windowSnapshots     prometheus.Gauge
	engineFailures      *prometheus.CounterVec
}

// New creates a registry with every series registered. Process and Go
// runtime collectors are included when withRuntime is true.
func New(withRuntime bool) *Registry {
	reg := prometheus.NewRegistry()
	if withRuntime {
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	f := promauto.With(reg)
	return &Registry{
		reg: reg,
		detections: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rca_detections_total",
			Help:      "Root-cause detections by cause, confidence band and subject.",
		}, []string{"cause", "confidence", "subject"}),
		detectionConfidence: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rca_detection_confidence",
			Help:      "Confidence of the latest detection per cause and subject.",
		}, []string{"cause", "subject"}),
		riskScore: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "gpu_failure_risk_score",
			Help:      "Failure risk score (0-100) per accelerator.",
		}, []string{"gpu"}),
		failureProbability: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "gpu_failure_probability",
			Help:      "Estimated failure probability (0-1) per accelerator.",
		}, []string{"gpu"}),
		violations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "policy_violations_total",
			Help:      "Evaluations in which a policy condition held.",
		}, []string{"policy", "target", "severity"}),
		enforced: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "policy_enforced_total",
			Help:      "Policy actions by outcome.",
		}, []string{"policy", "target", "action", "severity", "result"}),
		configErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "policy_config_errors_total",
			Help:      "Policy configuration errors surfaced at evaluation.",
		}, []string{"policy"}),
		collectorGaps: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "collector_gaps_total",
			Help:      "Scrape cycles that produced no snapshot.",
		}),
		tickDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tick_duration_seconds",
			Help:      "Wall-clock duration of one evaluation cycle.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
		windowSnapshots: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "window_snapshots",
			Help:      "Snapshots retained in the sliding window.",
		}),
		engineFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "engine_failures_total",
			Help:      "Recovered engine panics by stage.",
		}, []string{"engine"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}

// Gatherer exposes the underlying registry.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

// Detection counts one new detection episode and records its confidence.
func (r *Registry) Detection(cause, band, subject string, confidence float64) {
	r.detections.WithLabelValues(cause, band, subject).Inc()
	r.detectionConfidence.WithLabelValues(cause, subject).Set(confidence)
}

// ResetRisk clears the risk gauges before a fresh assessment is published.
func (r *Registry) ResetRisk() {
	r.riskScore.Reset()
	r.failureProbability.Reset()
}

// Risk publishes the assessment for one accelerator.
func (r *Registry) Risk(gpu string, score, probability float64) {
	r.riskScore.WithLabelValues(gpu).Set(score)
	r.failureProbability.WithLabelValues(gpu).Set(probability)
}

// PolicyViolation counts a true evaluation.
func (r *Registry) PolicyViolation(policy, target, severity string) {
	r.violations.WithLabelValues(policy, target, severity).Inc()
}

// PolicyEnforced counts an executed, skipped or failed action.
func (r *Registry) PolicyEnforced(policy, target, action, severity, result string) {
	r.enforced.WithLabelValues(policy, target, action, severity, result).Inc()
}

// PolicyConfigError counts a configuration error surfaced for policy.
func (r *Registry) PolicyConfigError(policy string) {
	r.configErrors.WithLabelValues(policy).Inc()
}

// CollectorGap counts a missed scrape.
func (r *Registry) CollectorGap() { r.collectorGaps.Inc() }

// Tick observes the duration of one cycle.
func (r *Registry) Tick(d time.Duration) { r.tickDuration.Observe(d.Seconds()) }

// WindowSnapshots sets the retained snapshot count.
func (r *Registry) WindowSnapshots(n int) { r.windowSnapshots.Set(float64(n)) }

// EngineFailure counts a recovered panic in engine.
func (r *Registry) EngineFailure(engine string) {
	r.engineFailures.WithLabelValues(engine).Inc()
}

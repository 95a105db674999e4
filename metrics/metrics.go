// Package metrics defines the Prometheus collectors for the generation core.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "envdraft"

// Metrics holds the core's collectors.
type Metrics struct {
	providerCalls    *prometheus.CounterVec
	providerLatency  prometheus.Histogram
	quotaDenials     *prometheus.CounterVec
	cacheLookups     *prometheus.CounterVec
	sectionOutcomes  *prometheus.CounterVec
	complianceScores prometheus.Histogram
	assemblies       *prometheus.CounterVec
	assemblyDuration prometheus.Histogram
}

// New creates the collectors and registers them with reg. A nil reg leaves
// them unregistered, which is useful in tests.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		providerCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_calls_total",
			Help:      "LLM provider calls by result (ok, fatal, unavailable).",
		}, []string{"result"}),
		providerLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_call_seconds",
			Help:      "Wall-clock time of LLM provider calls including retries.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 20, 40, 80, 160},
		}),
		quotaDenials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quota_denials_total",
			Help:      "Calls refused by the daily quota, by scope (user, global).",
		}, []string{"scope"}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Generation cache lookups by tier and result.",
		}, []string{"tier", "result"}),
		sectionOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "section_generations_total",
			Help:      "Section generations by strategy and outcome.",
		}, []string{"strategy", "outcome"}),
		complianceScores: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "compliance_score",
			Help:      "Compliance scores of checked sections.",
			Buckets:   prometheus.LinearBuckets(0, 10, 11),
		}),
		assemblies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "document_assemblies_total",
			Help:      "Assembled documents by document type.",
		}, []string{"document_type"}),
		assemblyDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "document_assembly_seconds",
			Help:      "Wall-clock time of whole-document assembly.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.providerCalls,
			m.providerLatency,
			m.quotaDenials,
			m.cacheLookups,
			m.sectionOutcomes,
			m.complianceScores,
			m.assemblies,
			m.assemblyDuration,
		)
	}
	return m
}

// ProviderCall records one provider call and its duration.
func (m *Metrics) ProviderCall(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.providerCalls.WithLabelValues(result).Inc()
	m.providerLatency.Observe(d.Seconds())
}

// QuotaDenied records a quota refusal.
func (m *Metrics) QuotaDenied(scope string) {
	if m == nil {
		return
	}
	m.quotaDenials.WithLabelValues(scope).Inc()
}

// CacheLookup records a cache lookup on tier.
func (m *Metrics) CacheLookup(tier string, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.WithLabelValues(tier, result).Inc()
}

// SectionOutcome records a finished section generation.
func (m *Metrics) SectionOutcome(strategy, outcome string) {
	if m == nil {
		return
	}
	m.sectionOutcomes.WithLabelValues(strategy, outcome).Inc()
}

// ComplianceScore records a compliance score.
func (m *Metrics) ComplianceScore(score int) {
	if m == nil {
		return
	}
	m.complianceScores.Observe(float64(score))
}

// DocumentAssembled records a finished assembly.
func (m *Metrics) DocumentAssembled(docType string, d time.Duration) {
	if m == nil {
		return
	}
	m.assemblies.WithLabelValues(docType).Inc()
	m.assemblyDuration.Observe(d.Seconds())
}

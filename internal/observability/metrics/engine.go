package metrics

import "github.com/prometheus/client_golang/prometheus"

// EngineMetrics tracks classifier and state machine decisions.
type EngineMetrics struct {
	classifications *prometheus.CounterVec
	confidence      prometheus.Histogram
	transitions     *prometheus.CounterVec
	unresolved      *prometheus.CounterVec
	embedCache      *prometheus.CounterVec
}

func NewEngineMetrics(reg prometheus.Registerer) *EngineMetrics {
	m := &EngineMetrics{
		classifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "classifications_total",
			Help:      "Inbound messages by classified intent",
		}, []string{"intent"}),
		confidence: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "classification_confidence",
			Help:      "Similarity of the winning exemplar",
			Buckets:   prometheus.LinearBuckets(0, 0.1, 11),
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "transitions_total",
			Help:      "State transitions by source, target and outcome",
		}, []string{"from", "to", "outcome"}),
		unresolved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "unresolved_placeholders_total",
			Help:      "Template placeholders rendered empty for lack of context",
		}, []string{"template"}),
		embedCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "embedding_cache_total",
			Help:      "Embedding cache lookups by result",
		}, []string{"result"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.classifications, m.confidence, m.transitions, m.unresolved, m.embedCache)
	return m
}

func (m *EngineMetrics) ObserveClassification(intent string, confidence float64) {
	if m == nil {
		return
	}
	m.classifications.WithLabelValues(intent).Inc()
	m.confidence.Observe(confidence)
}

func (m *EngineMetrics) ObserveTransition(from, to, outcome string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(from, to, outcome).Inc()
}

func (m *EngineMetrics) ObserveUnresolved(template string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.unresolved.WithLabelValues(template).Add(float64(count))
}

// ObserveEmbeddingCache records a cache "hit", "miss" or "error".
func (m *EngineMetrics) ObserveEmbeddingCache(result string) {
	if m == nil {
		return
	}
	m.embedCache.WithLabelValues(result).Inc()
}

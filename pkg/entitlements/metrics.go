package entitlements

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics manages Prometheus instrumentation for entitlement decisions.
type Metrics struct {
	checksTotal *prometheus.CounterVec
}

// NewMetrics registers entitlement collectors on registerer.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		checksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "codex",
				Subsystem: "entitlements",
				Name:      "checks_total",
				Help:      "Usage checks by feature and result",
			},
			[]string{"feature", "result"},
		),
	}
	m.checksTotal = registerCounterVec(registerer, m.checksTotal)
	return m
}

func registerCounterVec(registerer prometheus.Registerer, counter *prometheus.CounterVec) *prometheus.CounterVec {
	if err := registerer.Register(counter); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing
			}
		}
		panic(err)
	}
	return counter
}

// featureLabel bounds label cardinality to known feature ids.
func featureLabel(featureID string) string {
	if _, ok := featureBuckets[featureID]; ok {
		return featureID
	}
	return "unknown"
}

// RecordDecision counts a usage check.
func (m *Metrics) RecordDecision(featureID string, result DecisionResult) {
	if m == nil || m.checksTotal == nil {
		return
	}
	m.checksTotal.WithLabelValues(featureLabel(featureID), string(result)).Inc()
}

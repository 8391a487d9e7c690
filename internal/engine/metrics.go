package engine

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics instruments model loads and generations.
type Metrics struct {
	loadsTotal       *prometheus.CounterVec
	generationsTotal *prometheus.CounterVec
	tokensTotal      prometheus.Counter
	duration         prometheus.Histogram
}

// NewMetrics builds the engine collectors and registers them on reg.
// A nil reg leaves them unregistered, which keeps tests and multiple engines independent.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		loadsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "decoplan",
				Subsystem: "engine",
				Name:      "loads_total",
				Help:      "Model load attempts by outcome",
			},
			[]string{"outcome"},
		),
		generationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "decoplan",
				Subsystem: "engine",
				Name:      "generations_total",
				Help:      "Completed generation calls by mode and finish reason",
			},
			[]string{"mode", "finish"},
		),
		tokensTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "decoplan",
			Subsystem: "engine",
			Name:      "tokens_generated_total",
			Help:      "Tokens delivered to callers",
		}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "decoplan",
			Subsystem: "engine",
			Name:      "generation_duration_seconds",
			Help:      "Wall time of generation calls in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
	}
	if reg != nil {
		reg.MustRegister(m.loadsTotal, m.generationsTotal, m.tokensTotal, m.duration)
	}
	return m
}

package vision

import "github.com/prometheus/client_golang/prometheus"

// Metrics instruments image encoding.
type Metrics struct {
	encodesTotal *prometheus.CounterVec
	duration     prometheus.Histogram
}

// NewMetrics builds the vision collectors and registers them on reg when non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		encodesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "decoplan",
				Subsystem: "vision",
				Name:      "images_encoded_total",
				Help:      "Image encode attempts by outcome",
			},
			[]string{"outcome"},
		),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "decoplan",
			Subsystem: "vision",
			Name:      "encode_duration_seconds",
			Help:      "Image decode and preprocess time in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
		}),
	}
	if reg != nil {
		reg.MustRegister(m.encodesTotal, m.duration)
	}
	return m
}

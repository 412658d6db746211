package coordinator

import "github.com/prometheus/client_golang/prometheus"

var (
	generationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "isotope",
			Subsystem: "coordinator",
			Name:      "generations_total",
			Help:      "Chat generations by model and outcome",
		},
		[]string{"model", "outcome"},
	)

	tokensGenerated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "isotope",
			Subsystem: "coordinator",
			Name:      "tokens_generated_total",
			Help:      "Tokens streamed to clients",
		},
		[]string{"model"},
	)

	generationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "isotope",
			Subsystem: "coordinator",
			Name:      "generation_seconds",
			Help:      "Wall time of completed generations",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"model"},
	)

	modelLoadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "isotope",
			Subsystem: "coordinator",
			Name:      "model_loads_total",
			Help:      "Model loads by model and outcome",
		},
		[]string{"model", "outcome"},
	)

	lockWaitSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "isotope",
			Subsystem: "coordinator",
			Name:      "lock_wait_seconds",
			Help:      "Time operations waited for exclusive access",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		},
	)
)

func init() {
	prometheus.MustRegister(generationsTotal, tokensGenerated, generationSeconds, modelLoadsTotal, lockWaitSeconds)
}

// Outcome label values.
const (
	outcomeOK       = "ok"
	outcomeError    = "error"
	outcomeCanceled = "canceled"
)

package retrieval

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Branch outcomes recorded by Metrics.
const (
	outcomeSuccess  = "success"
	outcomeError    = "error"
	outcomeCanceled = "canceled"
)

// Metrics holds Prometheus metrics for the fan-out retriever.
//
// Metrics:
//   - medrag_retrieval_branches_total{outcome} - chunk collection searches by outcome
//   - medrag_retrieval_duration_seconds{stage} - summary, fanout and total latency
//   - medrag_retrieval_results - results returned per retrieval
type Metrics struct {
	Branches *prometheus.CounterVec
	Duration *prometheus.HistogramVec
	Results  prometheus.Histogram
}

// NewMetrics registers retrieval metrics with reg. Use
// prometheus.DefaultRegisterer in production and a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Branches: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "medrag_retrieval_branches_total",
				Help: "Chunk collection searches issued by fan-out, by outcome",
			},
			[]string{"outcome"},
		),
		Duration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "medrag_retrieval_duration_seconds",
				Help:    "Retrieval latency in seconds by stage",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"stage"},
		),
		Results: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "medrag_retrieval_results",
				Help:    "Number of results returned per retrieval",
				Buckets: []float64{0, 1, 5, 10, 25, 50, 100},
			},
		),
	}
}

func (m *Metrics) branch(outcome string) {
	if m == nil {
		return
	}
	m.Branches.WithLabelValues(outcome).Inc()
}

func (m *Metrics) observe(stage string, seconds float64) {
	if m == nil {
		return
	}
	m.Duration.WithLabelValues(stage).Observe(seconds)
}

func (m *Metrics) results(n int) {
	if m == nil {
		return
	}
	m.Results.Observe(float64(n))
}

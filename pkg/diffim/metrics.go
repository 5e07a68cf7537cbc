package diffim

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics records solver outcomes. A nil *Metrics records nothing.
type Metrics struct {
	solves   *prometheus.CounterVec
	failures prometheus.Counter
	duration prometheus.Histogram
	lambda   prometheus.Histogram
}

// NewMetrics creates the solver collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		solves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "diffim_kernel_solves_total",
			Help: "Successful kernel solutions by decomposition method.",
		}, []string{"method"}),
		failures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "diffim_kernel_solve_failures_total",
			Help: "Kernel solutions for which every decomposition failed.",
		}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "diffim_kernel_solve_duration_seconds",
			Help:    "Time spent in the linear solver cascade.",
			Buckets: prometheus.ExponentialBuckets(1e-5, 4, 10),
		}),
		lambda: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "diffim_regularization_lambda",
			Help:    "Regularization strength selected per region.",
			Buckets: prometheus.ExponentialBuckets(1e-3, 10, 8),
		}),
	}
	for _, c := range []prometheus.Collector{m.solves, m.failures, m.duration, m.lambda} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("registering diffim metrics: %w", err)
		}
	}
	return m, nil
}

func (m *Metrics) observeSolve(by SolvedBy, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.duration.Observe(elapsed.Seconds())
	if by == SolvedByNone {
		m.failures.Inc()
		return
	}
	m.solves.WithLabelValues(by.String()).Inc()
}

func (m *Metrics) observeLambda(lambda float64) {
	if m == nil {
		return
	}
	m.lambda.Observe(lambda)
}

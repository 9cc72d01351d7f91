package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"studentpunch/internal/checkin"
)

// Collectors records punch-in outcomes and stage latencies. It satisfies
// checkin.Observer.
type Collectors struct {
	punchIns      *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec
	swept         prometheus.Counter
}

func New(reg prometheus.Registerer) *Collectors {
	c := &Collectors{
		punchIns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "punch_in_total",
			Help: "Punch-in sessions by outcome.",
		}, []string{"outcome"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "punch_in_stage_duration_seconds",
			Help:    "Time spent in each punch-in stage.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 15, 30, 60},
		}, []string{"stage"}),
		swept: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "photo_sweep_removed_total",
			Help: "Abandoned pending photos removed by the sweep job.",
		}),
	}
	if reg != nil {
		reg.MustRegister(c.punchIns, c.stageDuration, c.swept)
	}
	return c
}

func (c *Collectors) StageCompleted(stage checkin.Status, elapsed time.Duration) {
	c.stageDuration.WithLabelValues(string(stage)).Observe(elapsed.Seconds())
}

func (c *Collectors) SessionFinished(outcome string, _ time.Duration) {
	c.punchIns.WithLabelValues(outcome).Inc()
}

func (c *Collectors) PhotosSwept(n int) {
	if n > 0 {
		c.swept.Add(float64(n))
	}
}

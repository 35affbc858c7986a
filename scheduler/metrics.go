package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
)

var queueDepthDesc = prometheus.NewDesc(
	"canopy_scheduler_queue_depth",
	"Stages waiting for placement.",
	nil, nil,
)

// metrics are the scheduler's Prometheus instruments, updated on the loop.
type metrics struct {
	assignments  *prometheus.CounterVec
	preemptions  prometheus.Counter
	tickDuration prometheus.Histogram
}

func newMetrics() metrics {
	return metrics{
		assignments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "canopy_scheduler_assignments_total",
			Help: "Stage assignments by kind.",
		}, []string{"kind"}),
		preemptions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "canopy_scheduler_preemptions_total",
			Help: "Stages preempted to make room for recovery work.",
		}),
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "canopy_scheduler_tick_duration_seconds",
			Help:    "Duration of scheduling passes.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 8),
		}),
	}
}

// Describe implements prometheus.Collector.
func (s *Scheduler) Describe(ch chan<- *prometheus.Desc) {
	ch <- queueDepthDesc
	s.metrics.assignments.Describe(ch)
	ch <- s.metrics.preemptions.Desc()
	ch <- s.metrics.tickDuration.Desc()
}

// Collect implements prometheus.Collector.
func (s *Scheduler) Collect(ch chan<- prometheus.Metric) {
	s.mu.RLock()
	depth := len(s.queue)
	s.mu.RUnlock()

	ch <- prometheus.MustNewConstMetric(queueDepthDesc, prometheus.GaugeValue, float64(depth))
	s.metrics.assignments.Collect(ch)
	ch <- s.metrics.preemptions
	ch <- s.metrics.tickDuration
}

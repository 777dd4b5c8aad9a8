package gotq

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "gotq"

// Collector is a prometheus.Collector of transfer metrics. A nil Collector
// records nothing.
type Collector struct {
	chunks      *prometheus.CounterVec
	retries     prometheus.Counter
	bytes       prometheus.Counter
	jobs        *prometheus.CounterVec
	activeJobs  prometheus.Gauge
	chunkLength prometheus.Histogram
}

// NewMetricsCollector returns a new Collector.
func NewMetricsCollector() *Collector {
	return &Collector{
		chunks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "chunks_total",
				Help:      "The number of chunk attempts by result.",
			}, []string{"result"},
		),
		retries: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "chunk_retries_total",
				Help:      "The number of retried chunk attempts.",
			},
		),
		bytes: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "verified_bytes_total",
				Help:      "The number of bytes transferred and verified.",
			},
		),
		jobs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "jobs_total",
				Help:      "The number of finished job runs by outcome.",
			}, []string{"outcome"},
		),
		activeJobs: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "active_jobs",
				Help:      "The number of jobs currently transferring.",
			},
		),
		chunkLength: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "chunk_bytes",
				Help:      "The size of verified chunks.",
				Buckets:   prometheus.ExponentialBuckets(64<<10, 4, 8),
			},
		),
	}
}

// Describe is part of the prometheus.Collector interface.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.chunks.Describe(ch)
	c.retries.Describe(ch)
	c.bytes.Describe(ch)
	c.jobs.Describe(ch)
	c.activeJobs.Describe(ch)
	c.chunkLength.Describe(ch)
}

// Collect is part of the prometheus.Collector interface.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.chunks.Collect(ch)
	c.retries.Collect(ch)
	c.bytes.Collect(ch)
	c.jobs.Collect(ch)
	c.activeJobs.Collect(ch)
	c.chunkLength.Collect(ch)
}

func (c *Collector) chunkDone(result string, length uint64) {

	if c == nil {
		return
	}

	c.chunks.WithLabelValues(result).Inc()

	if result == "verified" {
		c.bytes.Add(float64(length))
		c.chunkLength.Observe(float64(length))
	}
}

func (c *Collector) retried() {
	if c != nil {
		c.retries.Inc()
	}
}

func (c *Collector) jobStarted() {
	if c != nil {
		c.activeJobs.Inc()
	}
}

func (c *Collector) jobDone(outcome string) {
	if c != nil {
		c.activeJobs.Dec()
		c.jobs.WithLabelValues(outcome).Inc()
	}
}

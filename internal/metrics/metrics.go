// Package metrics exposes the pipeline's Prometheus instruments.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector owns a private registry so several can coexist in one process.
type Collector struct {
	registry *prometheus.Registry

	jobsHandled    *prometheus.CounterVec
	jobLatency     *prometheus.HistogramVec
	queueDepth     *prometheus.GaugeVec
	queueInFlight  *prometheus.GaugeVec
	graderOnline   prometheus.Gauge
	pendingGrading prometheus.Gauge
	syncResults    *prometheus.CounterVec
	billingResults *prometheus.CounterVec
	sweepRequeued  prometheus.Counter
}

func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		jobsHandled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grader_jobs_handled_total",
			Help: "Queue deliveries handled, by queue and settlement",
		}, []string{"queue", "result"}),
		jobLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "grader_job_duration_seconds",
			Help:    "Time spent handling one delivery",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2.5, 5, 10, 20, 30, 60, 120},
		}, []string{"queue"}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "grader_queue_depth",
			Help: "Ready messages reported by the broker",
		}, []string{"queue"}),
		queueInFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "grader_queue_in_flight",
			Help: "Deliveries handed to this process and not yet settled",
		}, []string{"queue"}),
		graderOnline: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "grader_tool_online",
			Help: "1 when the measurement tool answered its last probe, 0 otherwise",
		}),
		pendingGrading: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "grader_pending_submissions",
			Help: "Submissions waiting for a grade",
		}),
		syncResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grader_gradebook_sync_total",
			Help: "Gradebook sync attempts by result",
		}, []string{"result"}),
		billingResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grader_billing_jobs_total",
			Help: "Billing follow-ups by outcome",
		}, []string{"outcome"}),
		sweepRequeued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "grader_sweep_requeued_total",
			Help: "Submissions re-enqueued by the ungraded sweep",
		}),
	}

	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.jobsHandled,
		c.jobLatency,
		c.queueDepth,
		c.queueInFlight,
		c.graderOnline,
		c.pendingGrading,
		c.syncResults,
		c.billingResults,
		c.sweepRequeued,
	)

	return c
}

// RecordJob counts a settled delivery. result is ack, drop or requeue.
func (c *Collector) RecordJob(queue, result string, seconds float64) {
	c.jobsHandled.WithLabelValues(queue, result).Inc()
	c.jobLatency.WithLabelValues(queue).Observe(seconds)
}

func (c *Collector) UpdateQueueStats(queue string, depth, inFlight int) {
	c.queueDepth.WithLabelValues(queue).Set(float64(depth))
	c.queueInFlight.WithLabelValues(queue).Set(float64(inFlight))
}

func (c *Collector) SetGraderOnline(online bool) {
	if online {
		c.graderOnline.Set(1)
		return
	}
	c.graderOnline.Set(0)
}

func (c *Collector) SetPendingSubmissions(n int) {
	c.pendingGrading.Set(float64(n))
}

func (c *Collector) RecordSync(result string) {
	c.syncResults.WithLabelValues(result).Inc()
}

func (c *Collector) RecordBilling(outcome string) {
	c.billingResults.WithLabelValues(outcome).Inc()
}

func (c *Collector) RecordSweep(n int) {
	c.sweepRequeued.Add(float64(n))
}

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

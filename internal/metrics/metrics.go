// Package metrics records pipeline and realtime metrics in Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Recorder struct {
	jobsTotal          *prometheus.CounterVec
	jobDuration        *prometheus.HistogramVec
	completionDuration *prometheus.HistogramVec
	eventsTotal        *prometheus.CounterVec
	messagesTotal      *prometheus.CounterVec
}

// New registers the collectors on reg. Pass prometheus.NewRegistry() in tests.
func New(reg prometheus.Registerer) *Recorder {
	f := promauto.With(reg)
	return &Recorder{
		jobsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tomodachi_jobs_total",
				Help: "Processed queue jobs by job name and outcome",
			},
			[]string{"job", "outcome"},
		),
		jobDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tomodachi_job_duration_seconds",
				Help:    "Wall time of one job handler invocation",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"job"},
		),
		completionDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tomodachi_completion_duration_seconds",
				Help:    "Latency of completion provider calls",
				Buckets: []float64{0.25, 0.5, 1, 2, 4, 8, 15, 30, 60},
			},
			[]string{"model", "status"},
		),
		eventsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tomodachi_events_published_total",
				Help: "Realtime events published by event name",
			},
			[]string{"event"},
		),
		messagesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tomodachi_messages_total",
				Help: "Accepted or rejected user messages at ingress",
			},
			[]string{"result"},
		),
	}
}

// ObserveJob records one handler invocation. outcome is succeeded, retried,
// failed or skipped.
func (r *Recorder) ObserveJob(job, outcome string, d time.Duration) {
	r.jobsTotal.WithLabelValues(job, outcome).Inc()
	r.jobDuration.WithLabelValues(job).Observe(d.Seconds())
}

func (r *Recorder) ObserveCompletion(model string, success bool, d time.Duration) {
	status := "success"
	if !success {
		status = "error"
	}
	r.completionDuration.WithLabelValues(model, status).Observe(d.Seconds())
}

func (r *Recorder) EventPublished(event string) {
	r.eventsTotal.WithLabelValues(event).Inc()
}

func (r *Recorder) MessageIngress(result string) {
	r.messagesTotal.WithLabelValues(result).Inc()
}

// WatchSubscribers exposes a live gauge of websocket subscribers.
func WatchSubscribers(reg prometheus.Registerer, count func() int) {
	promauto.With(reg).NewGaugeFunc(prometheus.GaugeOpts{
		Name: "tomodachi_ws_subscribers",
		Help: "Open realtime websocket subscriptions",
	}, func() float64 { return float64(count()) })
}

// Handler serves the registry in the text exposition format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

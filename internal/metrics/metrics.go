package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector exposes automation counters. A nil *Collector is valid and records nothing.
type Collector struct {
	registry      *prometheus.Registry
	actions       *prometheus.CounterVec
	replayRuns    *prometheus.CounterVec
	usersSkipped  *prometheus.CounterVec
	quotaRejected prometheus.Counter
	queueDepth    prometheus.Gauge
	runDuration   prometheus.Histogram
}

func New() (*Collector, error) {
	registry := prometheus.NewRegistry()

	c := &Collector{
		registry: registry,
		actions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "outreach",
			Name:      "actions_total",
			Help:      "Actions that reached a reported status, by source and status.",
		}, []string{"source", "status"}),
		replayRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "outreach",
			Subsystem: "replay",
			Name:      "runs_total",
			Help:      "Replay runs by outcome.",
		}, []string{"result"}),
		usersSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "outreach",
			Subsystem: "replay",
			Name:      "users_skipped_total",
			Help:      "Users skipped during replay, by reason.",
		}, []string{"reason"}),
		quotaRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "outreach",
			Subsystem: "queue",
			Name:      "quota_rejected_total",
			Help:      "Enqueue calls refused by the daily quota.",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "outreach",
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Actions waiting in the live-tab queue.",
		}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "outreach",
			Subsystem: "replay",
			Name:      "run_duration_seconds",
			Help:      "Wall time of replay runs.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300},
		}),
	}

	for _, col := range []prometheus.Collector{c.actions, c.replayRuns, c.usersSkipped, c.quotaRejected, c.queueDepth, c.runDuration} {
		if err := registry.Register(col); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Handler returns an HTTP handler for exposing Prometheus metrics.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) Registry() *prometheus.Registry { return c.registry }

func (c *Collector) Action(source, status string) {
	if c == nil {
		return
	}
	c.actions.WithLabelValues(source, status).Inc()
}

func (c *Collector) ReplayRun(result string, d time.Duration) {
	if c == nil {
		return
	}
	c.replayRuns.WithLabelValues(result).Inc()
	c.runDuration.Observe(d.Seconds())
}

func (c *Collector) UserSkipped(reason string) {
	if c == nil {
		return
	}
	c.usersSkipped.WithLabelValues(reason).Inc()
}

func (c *Collector) QuotaRejected() {
	if c == nil {
		return
	}
	c.quotaRejected.Inc()
}

func (c *Collector) QueueDepth(n int) {
	if c == nil {
		return
	}
	c.queueDepth.Set(float64(n))
}

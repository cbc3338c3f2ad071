// Package metrics exposes engine and HTTP counters to Prometheus.
package metrics

import (
	"context"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "attendguard"

// Collector implements attendance.Metrics.
type Collector struct {
	transitions *prometheus.CounterVec
	finalized   *prometheus.CounterVec
	latency     *prometheus.HistogramVec
	alerts      *prometheus.CounterVec
	requests    *prometheus.CounterVec
	reg         prometheus.Registerer
}

// New registers the collectors on reg. Pass prometheus.DefaultRegisterer to
// serve them from promhttp.Handler.
func New(reg prometheus.Registerer) *Collector {
	c := &Collector{
		reg: reg,
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_transitions_total",
			Help:      "Session state changes by resulting status.",
		}, []string{"status"}),
		finalized: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "attempts_finalized_total",
			Help:      "Finalized attendance attempts by outcome.",
		}, []string{"outcome"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "attempt_verification_seconds",
			Help:      "Time from submission to finalization.",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"outcome"}),
		alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fraud_alerts_total",
			Help:      "Fraud alerts raised by dominant reason and severity.",
		}, []string{"reason", "severity"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status code.",
		}, []string{"method", "route", "code"}),
	}
	reg.MustRegister(c.transitions, c.finalized, c.latency, c.alerts, c.requests)
	return c
}

func (c *Collector) SessionTransition(status string) {
	c.transitions.WithLabelValues(status).Inc()
}

func (c *Collector) AttemptFinalized(outcome string, elapsed time.Duration) {
	c.finalized.WithLabelValues(outcome).Inc()
	c.latency.WithLabelValues(outcome).Observe(elapsed.Seconds())
}

func (c *Collector) AlertRaised(reason, severity string) {
	c.alerts.WithLabelValues(reason, severity).Inc()
}

// Depther reports a queue backlog.
type Depther interface {
	Depth(ctx context.Context) (int64, error)
}

// WatchQueue exports the backlog of q, sampled on every scrape. The gauge
// reads -1 while the queue cannot be reached.
func (c *Collector) WatchQueue(q Depther) {
	c.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "event_queue_depth",
		Help:      "Events waiting for the worker.",
	}, func() float64 {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		n, err := q.Depth(ctx)
		if err != nil {
			return -1
		}
		return float64(n)
	}))
}

// Middleware counts requests by matched route template.
func (c *Collector) Middleware() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		ctx.Next()
		route := ctx.FullPath()
		if route == "" {
			route = "unmatched"
		}
		c.requests.WithLabelValues(ctx.Request.Method, route, strconv.Itoa(ctx.Writer.Status())).Inc()
	}
}

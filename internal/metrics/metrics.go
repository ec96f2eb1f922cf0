package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/RedHatInsights/backstage-plugin-redhat-ai-project-space/internal/votes"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	defaultNamespace = "project_space"
	unmatchedRoute   = "unmatched"
)

// Metrics holds the service collectors on a private registry.
type Metrics struct {
	registry        *prometheus.Registry
	VoteChanges     *prometheus.CounterVec
	VoteResets      prometheus.Counter
	RequestDuration *prometheus.HistogramVec
}

// New registers the vote and HTTP collectors under namespace.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = defaultNamespace
	}
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		VoteChanges: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "votes",
				Name:      "changes_total",
				Help:      "Committed vote changes by direction and transition",
			},
			[]string{"action", "transition"},
		),
		VoteResets: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "votes",
				Name:      "resets_total",
				Help:      "Projects whose votes were reset",
			},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "Latency of HTTP requests by route",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "route", "status"},
		),
	}
}

// Handler serves the exposition format for the private registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// NotifyVoteChange implements votes.Notifier.
func (m *Metrics) NotifyVoteChange(_ context.Context, change votes.VoteChange) {
	if m == nil {
		return
	}
	if change.Action == votes.ChangeActionReset {
		m.VoteResets.Inc()
		return
	}
	m.VoteChanges.WithLabelValues(string(change.Action), string(change.Transition)).Inc()
}

// Middleware records request latency keyed by the matched route template.
func (m *Metrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = unmatchedRoute
		}
		m.RequestDuration.
			WithLabelValues(c.Request.Method, route, strconv.Itoa(c.Writer.Status())).
			Observe(time.Since(started).Seconds())
	}
}

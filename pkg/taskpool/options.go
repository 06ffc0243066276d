package taskpool

import (
	"log/slog"
	"time"

	"github.com/hashicorp/go-metrics"
)

type config struct {
	logHandler   slog.Handler
	msink        metrics.MetricSink
	metricLabels []metrics.Label
	grace        time.Duration
}

type Option func(*config)

// WithLog specifies which `slog.Handler` to use.
func WithLog(handler slog.Handler) Option {
	return func(c *config) {
		c.logHandler = handler
	}
}

func WithMetricSink(sink metrics.MetricSink) Option {
	return func(c *config) {
		c.msink = sink
	}
}

// WithMetricLabels adds static labels to all metrics produced by the pool.
func WithMetricLabels(labels []metrics.Label) Option {
	return func(c *config) {
		c.metricLabels = labels
	}
}

// WithGracePeriod bounds how long running tasks may keep going once the
// pool is stopped, their context is cancelled afterwards. With no grace
// period, running tasks are never cancelled.
func WithGracePeriod(grace time.Duration) Option {
	return func(c *config) {
		c.grace = grace
	}
}

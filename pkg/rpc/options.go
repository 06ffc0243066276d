package rpc

import (
	"log/slog"

	"github.com/hashicorp/go-metrics"
)

type config struct {
	name         string
	logHandler   slog.Handler
	msink        metrics.MetricSink
	metricLabels []metrics.Label
	faultHandler func(error)
}

// Option to pass to `NewClient` and `NewServer`.
type Option func(*config)

// WithName identifies the client or server in logs and metrics.
func WithName(name string) Option {
	return func(c *config) {
		c.name = name
	}
}

// WithLog specifies which `slog.Handler` to use.
func WithLog(handler slog.Handler) Option {
	return func(c *config) {
		c.logHandler = handler
	}
}

// WithMetricSink allows you to chose how to collect the metrics.
func WithMetricSink(ms metrics.MetricSink) Option {
	return func(c *config) {
		c.msink = ms
	}
}

// WithMetricLabels adds static labels to all metrics.
func WithMetricLabels(labels []metrics.Label) Option {
	return func(c *config) {
		c.metricLabels = labels
	}
}

// WithFaultHandler is notified of every protocol fault which cannot be
// attributed to a caller, e.g. `ErrPromiseNotFound` or
// `ErrUnknownMessageType`. It is invoked from the dispatch loop and
// MUST NOT block.
func WithFaultHandler(fn func(error)) Option {
	return func(c *config) {
		c.faultHandler = fn
	}
}

package colearn

import (
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/hashicorp/go-metrics"
	"golang.org/x/time/rate"
)

const (
	defaultWorkers     = 5
	defaultCallTimeout = 30 * time.Second
	defaultDialTimeout = 10 * time.Second
)

type config struct {
	logHandler   slog.Handler
	msink        metrics.MetricSink
	metricLabels []metrics.Label

	workers     int
	proportion  float64
	callTimeout time.Duration
	dialTimeout time.Duration

	rateLimit rate.Limit
	rateBurst int

	source rand.Source
}

// Option to pass to `New`.
type Option func(*config) error

func defaultConfig() config {
	return config{
		workers:     defaultWorkers,
		proportion:  1.0,
		callTimeout: defaultCallTimeout,
		dialTimeout: defaultDialTimeout,
		rateLimit:   rate.Inf,
	}
}

// WithLog specifies which `slog.Handler` to use.
func WithLog(handler slog.Handler) Option {
	return func(c *config) error {
		c.logHandler = handler
		return nil
	}
}

// WithMetricSink allows you to chose how to collect the metrics emitted by
// the `Networker` and its RPC layer.
func WithMetricSink(ms metrics.MetricSink) Option {
	return func(c *config) error {
		c.msink = ms
		return nil
	}
}

// WithMetricLabels adds static labels to all metrics produced by the
// `Networker`.
func WithMetricLabels(labels []metrics.Label) Option {
	return func(c *config) error {
		c.metricLabels = labels
		return nil
	}
}

// WithWorkers controls how many unicast sends may be in flight.
func WithWorkers(n int) Option {
	return func(c *config) error {
		if n <= 0 {
			return fmt.Errorf("workers must be positive, got %d", n)
		}
		c.workers = n
		return nil
	}
}

// WithBroadcastProportion sets the initial proportion of peers which
// should keep the updates we send.
func WithBroadcastProportion(p float64) Option {
	return func(c *config) error {
		if !validProportion(p) {
			return fmt.Errorf("%w: got %v", ErrInvalidProportion, p)
		}
		c.proportion = p
		return nil
	}
}

// WithCallTimeout bounds how long a unicast send waits for the answer of
// a peer.
func WithCallTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		if timeout <= 0 {
			timeout = defaultCallTimeout
		}
		c.callTimeout = timeout
		return nil
	}
}

// WithDialTimeout bounds how long we wait for a connection to a peer.
func WithDialTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		if timeout <= 0 {
			timeout = defaultDialTimeout
		}
		c.dialTimeout = timeout
		return nil
	}
}

// WithBroadcastRate limits how many broadcasts per second `PushUpdate`
// lets through, with bursts of up to burst messages. Callers of
// `PushUpdate` wait for their turn.
func WithBroadcastRate(limit rate.Limit, burst int) Option {
	return func(c *config) error {
		if limit <= 0 || burst <= 0 {
			return fmt.Errorf("broadcast rate and burst must be positive, got %v and %d", limit, burst)
		}
		c.rateLimit = limit
		c.rateBurst = burst
		return nil
	}
}

// WithRandomSource makes the random offset and factors reproducible.
func WithRandomSource(src rand.Source) Option {
	return func(c *config) error {
		c.source = src
		return nil
	}
}

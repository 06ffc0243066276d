package broadcast

import (
	"fmt"
	"log/slog"

	"github.com/hashicorp/go-metrics"
	"github.com/hashicorp/memberlist"

	"github.com/raskyld/colearn/internal/telemetry"
)

const (
	defaultGossipLimit    = 512
	defaultDedupSize      = 4096
	defaultUserEventLimit = 1024

	// room left in a gossip packet for serf and memberlist headers.
	userEventHeadroom = 256

	// serf checks the size of user events once msgpack-encoded, this
	// bounds the encoding of its name, lamport time and flags.
	serfEncodingOverhead = 64
)

type config struct {
	mlCfg        *memberlist.Config
	logHandler   slog.Handler
	msink        metrics.MetricSink
	metricLabels []metrics.Label
	neighbours   []string

	gossipLimit    int
	dedupSize      int
	userEventLimit int
}

func newConfig(opts []Option) (*config, error) {
	cfg := &config{
		mlCfg:          memberlist.DefaultLANConfig(),
		gossipLimit:    defaultGossipLimit,
		dedupSize:      defaultDedupSize,
		userEventLimit: defaultUserEventLimit,
	}
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
		}
	}

	handler := cfg.logHandler
	if handler == nil {
		handler = slog.Default().Handler()
	}
	cfg.mlCfg.LogOutput = nil
	cfg.mlCfg.Logger = slog.NewLogLogger(handler, slog.LevelDebug)
	cfg.mlCfg.MetricLabels = telemetry.Legacy(cfg.metricLabels)
	return cfg, nil
}

// Option to pass to `NewMemberlist` or `NewSerf`.
type Option func(*config) error

// WithListenOn specifies which interface the gossip protocol binds to.
// A zero port lets the system pick one.
func WithListenOn(addr string, port int) Option {
	return func(c *config) error {
		if port < 0 || port > 65535 {
			return fmt.Errorf("invalid port %d", port)
		}
		c.mlCfg.BindAddr = addr
		c.mlCfg.BindPort = port
		return nil
	}
}

// WithNodeName specifies the name exposed to other peers, which is also
// the address of the endpoint. For a well-behaving cluster, the name
// MUST be unique.
func WithNodeName(name string) Option {
	return func(c *config) error {
		if name != "" {
			c.mlCfg.Name = name
		}
		return nil
	}
}

// WithLog specifies which `slog.Handler` to use.
func WithLog(handler slog.Handler) Option {
	return func(c *config) error {
		c.logHandler = handler
		return nil
	}
}

func WithMetricSink(ms metrics.MetricSink) Option {
	return func(c *config) error {
		c.msink = ms
		return nil
	}
}

// WithMetricLabels adds static labels to all metrics produced by the
// endpoint, including the ones of the gossip library.
func WithMetricLabels(labels []metrics.Label) Option {
	return func(c *config) error {
		c.metricLabels = labels
		return nil
	}
}

// WithNeighbours controls which peers are tried initially to join the
// cluster.
func WithNeighbours(neighbours []string) Option {
	return func(c *config) error {
		c.neighbours = neighbours
		return nil
	}
}

// WithRetransmitMult controls how many times a gossiped message is
// retransmitted, scaled by the log of the cluster size.
func WithRetransmitMult(mult int) Option {
	return func(c *config) error {
		if mult <= 0 {
			return fmt.Errorf("retransmit multiplier must be positive, got %d", mult)
		}
		c.mlCfg.RetransmitMult = mult
		return nil
	}
}

// WithGossipLimit is the size above which `Memberlist` sends a message
// reliably to each member instead of piggy-backing it on gossip.
func WithGossipLimit(limit int) Option {
	return func(c *config) error {
		if limit <= 0 || limit > c.mlCfg.UDPBufferSize {
			return fmt.Errorf("gossip limit must be in (0, %d], got %d", c.mlCfg.UDPBufferSize, limit)
		}
		c.gossipLimit = limit
		return nil
	}
}

// WithUserEventLimit is the largest message `Serf` accepts. User events
// are gossiped, so they must fit in a single UDP packet.
func WithUserEventLimit(limit int) Option {
	return func(c *config) error {
		maxLimit := c.mlCfg.UDPBufferSize - userEventHeadroom
		if limit <= 0 || limit > maxLimit {
			return fmt.Errorf("user event limit must be in (0, %d], got %d", maxLimit, limit)
		}
		c.userEventLimit = limit
		return nil
	}
}

// WithDedupSize is how many recently received messages are remembered
// to drop duplicates.
func WithDedupSize(size int) Option {
	return func(c *config) error {
		if size <= 0 {
			return fmt.Errorf("dedup size must be positive, got %d", size)
		}
		c.dedupSize = size
		return nil
	}
}

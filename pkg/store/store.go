// Package store keeps received updates in memory, indexed by algorithm
// and update type.
//
// Readers work on immutable snapshots: a query never observes a record
// being written, nor blocks a writer.
package store

import (
	"encoding/binary"
	"errors"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	iradix "github.com/hashicorp/go-immutable-radix"
	"github.com/hashicorp/go-metrics"

	"github.com/raskyld/colearn/internal/telemetry"
)

var ErrNoUpdate = errors.New("store: no update matches")

var MetricPushedCount = []string{"colearn", "store", "pushed", "count"}

// keySep separates the components of a record key. Names may contain
// it, so prefix walks still match records on their exact fields.
const keySep = 0x00

// Update is a stored record. The store only hands out copies of it.
type Update struct {
	Algorithm  string
	Type       string
	Payload    []byte
	Source     string
	Metadata   map[string]string
	ReceivedAt time.Time

	// Seq is assigned by the store, strictly increasing in insertion
	// order.
	Seq uint64
}

type config struct {
	msink        metrics.MetricSink
	metricLabels []metrics.Label
	now          func() time.Time
}

type Option func(*config)

func WithMetricSink(sink metrics.MetricSink) Option {
	return func(c *config) {
		c.msink = sink
	}
}

func WithMetricLabels(labels []metrics.Label) Option {
	return func(c *config) {
		c.metricLabels = labels
	}
}

// WithClock overrides the source of `Update.ReceivedAt`.
func WithClock(now func() time.Time) Option {
	return func(c *config) {
		c.now = now
	}
}

type Store struct {
	cfg   config
	msink metrics.MetricSink

	// lk serializes writers only.
	lk   sync.Mutex
	seq  uint64
	tree atomic.Pointer[iradix.Tree]
}

func New(opts ...Option) *Store {
	s := &Store{}
	for _, opt := range opts {
		opt(&s.cfg)
	}
	if s.cfg.now == nil {
		s.cfg.now = time.Now
	}
	s.msink = telemetry.Sink(s.cfg.msink)
	s.tree.Store(iradix.New())
	return s
}

// Push stores a copy of payload and metadata and returns a copy of the
// record.
func (s *Store) Push(algorithm, typ string, payload []byte, source string, metadata map[string]string) *Update {
	upd := &Update{
		Algorithm:  algorithm,
		Type:       typ,
		Payload:    append([]byte(nil), payload...),
		Source:     source,
		Metadata:   maps.Clone(metadata),
		ReceivedAt: s.cfg.now(),
	}

	s.lk.Lock()
	s.seq++
	upd.Seq = s.seq
	tree, _, _ := s.tree.Load().Insert(recordKey(algorithm, typ, upd.Seq), upd)
	s.tree.Store(tree)
	s.lk.Unlock()

	s.msink.IncrCounterWithLabels(MetricPushedCount, 1.0, telemetry.With(s.cfg.metricLabels,
		telemetry.LabelAlgorithm.M(algorithm),
		telemetry.LabelUpdateType.M(typ),
	))
	return upd.clone()
}

// Query returns the records of (algorithm, typ) selected by criteria, in
// insertion order. A nil criteria selects everything.
func (s *Store) Query(algorithm, typ string, criteria Criteria) []*Update {
	var updates []*Update
	s.tree.Load().Root().WalkPrefix(typePrefix(algorithm, typ), func(_ []byte, v interface{}) bool {
		upd := v.(*Update)
		if upd.Algorithm == algorithm && upd.Type == typ {
			updates = append(updates, upd.clone())
		}
		return false
	})
	return apply(criteria, updates)
}

// QueryAlgorithm is `Query` across every update type of algorithm.
// Records are grouped by type, then in insertion order.
func (s *Store) QueryAlgorithm(algorithm string, criteria Criteria) []*Update {
	var updates []*Update
	s.tree.Load().Root().WalkPrefix(algorithmPrefix(algorithm), func(_ []byte, v interface{}) bool {
		upd := v.(*Update)
		if upd.Algorithm == algorithm {
			updates = append(updates, upd.clone())
		}
		return false
	})
	return apply(criteria, updates)
}

// Get returns the most recent record selected by criteria.
func (s *Store) Get(algorithm, typ string, criteria Criteria) (*Update, error) {
	updates := s.Query(algorithm, typ, criteria)
	if len(updates) == 0 {
		return nil, ErrNoUpdate
	}
	return updates[len(updates)-1], nil
}

// Len returns the number of stored records.
func (s *Store) Len() int {
	return s.tree.Load().Len()
}

func (upd *Update) clone() *Update {
	cp := *upd
	cp.Payload = append([]byte(nil), upd.Payload...)
	cp.Metadata = maps.Clone(upd.Metadata)
	return &cp
}

func apply(criteria Criteria, updates []*Update) []*Update {
	if criteria == nil || len(updates) == 0 {
		return updates
	}
	return criteria(updates)
}

func algorithmPrefix(algorithm string) []byte {
	key := make([]byte, 0, len(algorithm)+1)
	key = append(key, algorithm...)
	return append(key, keySep)
}

func typePrefix(algorithm, typ string) []byte {
	key := algorithmPrefix(algorithm)
	key = append(key, typ...)
	return append(key, keySep)
}

func recordKey(algorithm, typ string, seq uint64) []byte {
	return binary.BigEndian.AppendUint64(typePrefix(algorithm, typ), seq)
}

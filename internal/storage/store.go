// Package storage provides the ordered key-value store the index and the
// live contexts run on: atomic batches, ordered range scans, and a change
// feed that publishes every committed batch in commit order.
package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/syntrixbase/contextdb/internal/metrics"
)

var (
	// ErrNotFound is returned when a key does not exist
	ErrNotFound = errors.New("key not found")
	// ErrClosed is returned by operations on a closed store
	ErrClosed = errors.New("store closed")
)

// Op is one write of an atomic batch.
type Op struct {
	Key    []byte
	Value  []byte
	Delete bool
}

// Put returns a put operation.
func Put(key, value []byte) Op {
	return Op{Key: key, Value: value}
}

// Del returns a delete operation.
func Del(key []byte) Op {
	return Op{Key: key, Delete: true}
}

// KV is a key/value pair returned by scans.
type KV struct {
	Key   []byte
	Value []byte
}

// Change is a committed write as seen by subscribers.
type Change struct {
	Key    []byte
	Value  []byte
	Delete bool
	// Origin identifies the writer, as passed to WithOrigin.
	Origin string
	// Seq is the commit sequence of the batch the change belongs to.
	Seq uint64
}

// WriteOption customizes a write.
type WriteOption func(*writeOptions)

type writeOptions struct {
	origin string
}

// WithOrigin tags the changes of a write with the writer's identity.
func WithOrigin(origin string) WriteOption {
	return func(o *writeOptions) {
		o.origin = origin
	}
}

// Options configures a Store.
type Options struct {
	// Name labels metrics and logs, usually the backend name.
	Name string
	// Sync makes every batch durable before it is published.
	Sync   bool
	Logger *slog.Logger
}

// Store wraps a Backend with a change feed.
type Store struct {
	backend Backend
	name    string
	sync    bool
	logger  *slog.Logger

	// mu orders commits so subscribers observe batches in commit order.
	mu     sync.Mutex
	seq    uint64
	feed   *feed
	closed atomic.Bool
}

// New wraps backend. The Store owns it and closes it on Close.
func New(backend Backend, opts Options) *Store {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	name := opts.Name
	if name == "" {
		name = "custom"
	}
	return &Store{
		backend: backend,
		name:    name,
		sync:    opts.Sync,
		logger:  logger.With("component", "store", "backend", name),
		feed:    newFeed(),
	}
}

// Get returns the value stored under key, or ErrNotFound.
func (s *Store) Get(ctx context.Context, key []byte) ([]byte, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.backend.Get(key)
}

// Put writes a single key.
func (s *Store) Put(ctx context.Context, key, value []byte, opts ...WriteOption) error {
	return s.Batch(ctx, []Op{Put(key, value)}, opts...)
}

// Delete removes a single key. Deleting a missing key succeeds.
func (s *Store) Delete(ctx context.Context, key []byte, opts ...WriteOption) error {
	return s.Batch(ctx, []Op{Del(key)}, opts...)
}

// Batch applies ops atomically, then publishes them to subscribers.
// Either every op is applied or none is.
func (s *Store) Batch(ctx context.Context, ops []Op, opts ...WriteOption) error {
	if len(ops) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	var wo writeOptions
	for _, opt := range opts {
		opt(&wo)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed.Load() {
		return ErrClosed
	}

	start := time.Now()
	if err := s.backend.Apply(ops, s.sync); err != nil {
		metrics.StoreBatchErrors.WithLabelValues(s.name).Inc()
		return err
	}
	metrics.StoreBatchLatency.WithLabelValues(s.name).Observe(time.Since(start).Seconds())
	metrics.StoreOps.WithLabelValues(s.name).Add(float64(len(ops)))

	s.seq++
	changes := make([]Change, len(ops))
	for i, op := range ops {
		changes[i] = Change{
			Key:    bytes.Clone(op.Key),
			Value:  bytes.Clone(op.Value),
			Delete: op.Delete,
			Origin: wo.origin,
			Seq:    s.seq,
		}
	}
	s.feed.publish(changes)
	return nil
}

// Scan calls fn for every pair in [lower, upper) in ascending key order
// until fn returns false. A nil bound is open. Pairs passed to fn are
// copies the callee may retain.
func (s *Store) Scan(ctx context.Context, lower, upper []byte, fn func(KV) bool) error {
	if s.closed.Load() {
		return ErrClosed
	}
	var ctxErr error
	err := s.backend.Scan(lower, upper, func(key, value []byte) bool {
		if ctxErr = ctx.Err(); ctxErr != nil {
			return false
		}
		return fn(KV{Key: bytes.Clone(key), Value: bytes.Clone(value)})
	})
	if err != nil {
		return err
	}
	return ctxErr
}

// ScanPage returns up to limit pairs in [lower, upper). Pass the last
// returned key to NextKey to continue.
func (s *Store) ScanPage(ctx context.Context, lower, upper []byte, limit int) ([]KV, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("invalid page limit %d", limit)
	}
	page := make([]KV, 0, limit)
	err := s.Scan(ctx, lower, upper, func(kv KV) bool {
		page = append(page, kv)
		return len(page) < limit
	})
	if err != nil {
		return nil, err
	}
	return page, nil
}

// Subscribe starts delivering every committed change with a key in
// [lower, upper). Changes committed after Subscribe returns are never missed.
func (s *Store) Subscribe(lower, upper []byte) (*Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return nil, ErrClosed
	}
	return s.feed.subscribe(lower, upper), nil
}

// Seq returns the sequence of the last committed batch.
func (s *Store) Seq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq
}

// Close closes all subscriptions and the backend.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Swap(true) {
		return nil
	}
	s.feed.close()
	if err := s.backend.Close(); err != nil {
		return err
	}
	s.logger.Info("Store closed", "seq", s.seq)
	return nil
}

// NextKey returns the smallest key strictly greater than key.
func NextKey(key []byte) []byte {
	next := make([]byte, len(key)+1)
	copy(next, key)
	return next
}

// PrefixEnd returns the exclusive upper bound of all keys starting with
// prefix, or nil if there is none.
func PrefixEnd(prefix []byte) []byte {
	end := bytes.Clone(prefix)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}

// InRange reports whether key lies in [lower, upper). Nil bounds are open.
func InRange(key, lower, upper []byte) bool {
	if lower != nil && bytes.Compare(key, lower) < 0 {
		return false
	}
	if upper != nil && bytes.Compare(key, upper) >= 0 {
		return false
	}
	return true
}

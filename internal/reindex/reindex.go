// Package reindex rebuilds the composite index when the matcher set changes
// between runs.
//
// The sorted matcher fingerprints are persisted under a reserved key. On
// startup the coordinator compares the stored list with the current one,
// joined with "~"; on any difference every document is replayed through
// the index engine and the new list is persisted:
//
//  1. Emit "reindex-started"
//  2. Scan the document range page by page
//  3. Re-index every document with a pool of workers (throttled)
//  4. Persist the fingerprint list
//  5. Emit "indexed"
package reindex

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/syntrixbase/contextdb/internal/indexer"
	"github.com/syntrixbase/contextdb/internal/keycodec"
	"github.com/syntrixbase/contextdb/internal/metrics"
	"github.com/syntrixbase/contextdb/internal/storage"
	"github.com/syntrixbase/contextdb/pkg/model"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Events emitted around a full reindex.
const (
	EventReindexStarted = "reindex-started"
	EventIndexed        = "indexed"
)

// FingerprintKey holds the JSON list of fingerprints the index was built for.
var FingerprintKey = []byte("\xffmatcher-hashes")

// Config holds reindex configuration.
type Config struct {
	// BatchSize is the number of documents fetched per scan page.
	// Default: 500
	BatchSize int `yaml:"batch_size" validate:"gte=0"`

	// Workers is the number of goroutines re-indexing documents.
	// Default: 4
	Workers int `yaml:"workers" validate:"gte=0"`

	// QPSLimit is the max documents re-indexed per second.
	// Default: 5000
	QPSLimit int `yaml:"qps_limit" validate:"gte=0"`
}

// DefaultConfig returns the default reindex configuration.
func DefaultConfig() Config {
	return Config{
		BatchSize: 500,
		Workers:   4,
		QPSLimit:  5000,
	}
}

// ApplyDefaults fills zero values.
func (c *Config) ApplyDefaults() {
	d := DefaultConfig()
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.QPSLimit <= 0 {
		c.QPSLimit = d.QPSLimit
	}
}

// Result describes a Run.
type Result struct {
	Reindexed bool
	Documents int64
	Duration  time.Duration
}

// Coordinator detects matcher-set changes and rebuilds the index.
type Coordinator struct {
	cfg          Config
	engine       *indexer.Engine
	store        *storage.Store
	fingerprints []string
	logger       *slog.Logger

	mu        sync.Mutex
	listeners map[int]func(event string)
	nextID    int
}

// New creates a coordinator for the sorted fingerprints of the current
// matcher set.
func New(engine *indexer.Engine, fingerprints []string, cfg Config, logger *slog.Logger) *Coordinator {
	cfg.ApplyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		cfg:          cfg,
		engine:       engine,
		store:        engine.Store(),
		fingerprints: fingerprints,
		logger:       logger.With("component", "reindex"),
		listeners:    make(map[int]func(string)),
	}
}

// Subscribe registers fn for reindex events. The returned function removes
// it. Listeners run outside the coordinator lock and may subscribe or
// unsubscribe from within a callback.
func (c *Coordinator) Subscribe(fn func(event string)) (cancel func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.listeners, id)
	}
}

func (c *Coordinator) emit(event string) {
	c.mu.Lock()
	fns := make([]func(string), 0, len(c.listeners))
	for _, fn := range c.listeners {
		fns = append(fns, fn)
	}
	c.mu.Unlock()
	for _, fn := range fns {
		fn(event)
	}
}

// Stored returns the persisted fingerprint list, or false if none exists.
func (c *Coordinator) Stored(ctx context.Context) ([]string, bool, error) {
	data, err := c.store.Get(ctx, FingerprintKey)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read matcher fingerprints: %w", err)
	}
	var fps []string
	if err := json.Unmarshal(data, &fps); err != nil {
		c.logger.Warn("Corrupt matcher fingerprints, forcing reindex", "error", err)
		return nil, false, nil
	}
	return fps, true, nil
}

// NeedsReindex reports whether the persisted list differs from the current one.
func (c *Coordinator) NeedsReindex(ctx context.Context) (bool, error) {
	stored, ok, err := c.Stored(ctx)
	if err != nil {
		return false, err
	}
	if !ok {
		return true, nil
	}
	return strings.Join(stored, "~") != strings.Join(c.fingerprints, "~"), nil
}

// Run reindexes if the matcher set changed. Nothing is emitted otherwise.
func (c *Coordinator) Run(ctx context.Context) (Result, error) {
	needed, err := c.NeedsReindex(ctx)
	if err != nil {
		return Result{}, err
	}
	if !needed {
		c.logger.Debug("Matcher set unchanged, skipping reindex", "matchers", len(c.fingerprints))
		return Result{}, nil
	}
	return c.ForceIndex(ctx)
}

// ForceIndex replays every document through the index engine and
// persists the current fingerprint list.
func (c *Coordinator) ForceIndex(ctx context.Context) (Result, error) {
	start := time.Now()
	c.logger.Info("Reindex started", "matchers", len(c.fingerprints))
	c.emit(EventReindexStarted)

	limiter := rate.NewLimiter(rate.Limit(c.cfg.QPSLimit), c.cfg.QPSLimit)
	jobs := make(chan string, c.cfg.BatchSize)
	var count atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(jobs)
		return c.scan(gctx, jobs)
	})
	for i := 0; i < c.cfg.Workers; i++ {
		g.Go(func() error {
			for key := range jobs {
				if err := limiter.Wait(gctx); err != nil {
					return err
				}
				if err := c.reindexOne(gctx, key); err != nil {
					return err
				}
				count.Add(1)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		c.logger.Error("Reindex failed", "documents", count.Load(), "error", err)
		return Result{}, fmt.Errorf("reindex failed: %w", err)
	}

	data, err := json.Marshal(c.fingerprints)
	if err != nil {
		return Result{}, fmt.Errorf("failed to encode matcher fingerprints: %w", err)
	}
	if err := c.store.Put(ctx, FingerprintKey, data); err != nil {
		return Result{}, fmt.Errorf("failed to persist matcher fingerprints: %w", err)
	}

	res := Result{Reindexed: true, Documents: count.Load(), Duration: time.Since(start)}
	metrics.ReindexRuns.Inc()
	metrics.ReindexDocuments.Add(float64(res.Documents))
	metrics.ReindexDuration.Observe(res.Duration.Seconds())
	c.logger.Info("Reindex completed", "documents", res.Documents, "duration", res.Duration)
	c.emit(EventIndexed)
	return res, nil
}

// scan feeds every document key to jobs, one page at a time.
func (c *Coordinator) scan(ctx context.Context, jobs chan<- string) error {
	lower := []byte(keycodec.DocumentsLower)
	upper := []byte(keycodec.DocumentsUpper)
	for {
		page, err := c.store.ScanPage(ctx, lower, upper, c.cfg.BatchSize)
		if err != nil {
			return fmt.Errorf("failed to scan documents: %w", err)
		}
		for _, kv := range page {
			select {
			case jobs <- string(kv.Key):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if len(page) < c.cfg.BatchSize {
			return nil
		}
		lower = storage.NextKey(page[len(page)-1].Key)
	}
}

// reindexOne re-reads the document under its lock, so a concurrent write
// is never overwritten by a stale page value.
func (c *Coordinator) reindexOne(ctx context.Context, key string) error {
	unlock := c.engine.Lock(key)
	defer unlock()

	data, err := c.store.Get(ctx, []byte(key))
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	doc, err := model.Decode(data)
	if err != nil {
		c.logger.Warn("Skipping undecodable document", "key", key, "error", err)
		return nil
	}
	ops, err := c.engine.Plan(ctx, key, doc)
	if err != nil {
		return err
	}
	return c.engine.Commit(ctx, ops)
}

// Package indexer keeps the composite index consistent with document state.
//
// For every document write the engine evaluates each matcher, derives the
// composite keys the document must own, and diffs them against the reverse
// index entry of the document:
//
//	idx~{fingerprint}~{binding}~c~{docKey}               current state
//	idx~{fingerprint}~{binding}~d~{deletedAt}~{docKey}   deleted state
//	o~{docKey}                                           owned composite keys
//
// Stale keys are retracted, new keys receive the document, and the reverse
// entry is rewritten, all in one atomic store batch.
package indexer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/syntrixbase/contextdb/internal/hashing"
	"github.com/syntrixbase/contextdb/internal/matcher"
	"github.com/syntrixbase/contextdb/internal/metrics"
	"github.com/syntrixbase/contextdb/internal/storage"
	"github.com/syntrixbase/contextdb/pkg/model"
)

// ErrInvalidDocKey is returned for document keys that would corrupt the
// composite key layout.
var ErrInvalidDocKey = errors.New("invalid document key")

// Config configures the Engine.
type Config struct {
	// Fields names the deletion marker and deletion timestamp fields.
	Fields model.Fields

	// BindingAlgorithm hashes parameter bindings. Defaults to djb2.
	BindingAlgorithm hashing.Algorithm

	// Now stamps deleted-state keys of tombstones without a deletion
	// timestamp. Defaults to time.Now.
	Now func() time.Time

	Logger *slog.Logger
}

// Change is one document write for IndexChanges. A nil Doc removes the
// document from the index.
type Change struct {
	DocKey string
	Doc    model.Document
}

// Engine maintains the composite index of one store.
type Engine struct {
	store       *storage.Store
	matchers    []*matcher.Compiled
	fields      model.Fields
	bindingAlgo hashing.Algorithm
	now         func() time.Time
	logger      *slog.Logger

	locks Locks
}

// New creates an Engine over store for the matchers in set. Matchers that
// share a fingerprint share their index entries.
func New(store *storage.Store, set *matcher.Set, cfg Config) *Engine {
	cfg.Fields.ApplyDefaults()
	if cfg.BindingAlgorithm == "" {
		cfg.BindingAlgorithm = hashing.DJB2
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	seen := make(map[string]bool)
	var unique []*matcher.Compiled
	for _, c := range set.All() {
		if seen[c.Fingerprint] {
			continue
		}
		seen[c.Fingerprint] = true
		unique = append(unique, c)
	}

	return &Engine{
		store:       store,
		matchers:    unique,
		fields:      cfg.Fields,
		bindingAlgo: cfg.BindingAlgorithm,
		now:         cfg.Now,
		logger:      logger.With("component", "indexer"),
	}
}

// Store returns the underlying store.
func (e *Engine) Store() *storage.Store {
	return e.store
}

// BindingHash hashes a binding with the engine's binding algorithm.
func (e *Engine) BindingHash(binding map[string]interface{}) (string, error) {
	h, err := hashing.Hash(binding, e.bindingAlgo)
	if err != nil {
		return "", fmt.Errorf("failed to hash binding: %w", err)
	}
	return h, nil
}

// Owned returns the composite keys docKey currently owns.
func (e *Engine) Owned(ctx context.Context, docKey string) ([]string, error) {
	data, err := e.store.Get(ctx, OwnerKey(docKey))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read reverse index of %q: %w", docKey, err)
	}
	var keys []string
	if err := json.Unmarshal(data, &keys); err != nil {
		return nil, fmt.Errorf("corrupt reverse index of %q: %w", docKey, err)
	}
	return keys, nil
}

// Keys returns the composite keys doc must own under every matcher.
func (e *Engine) Keys(docKey string, doc model.Document) ([]string, error) {
	if doc == nil {
		return nil, nil
	}

	deleted := doc.Bool(e.fields.Deleted)
	var deletedAt uint64
	if deleted {
		if at, ok := doc.Int(e.fields.DeletedAt); ok && at >= 0 {
			deletedAt = uint64(at)
		} else {
			deletedAt = uint64(e.now().UnixMilli())
		}
	}

	var keys []string
	for _, c := range e.matchers {
		ok, err := c.Matches(doc)
		if err != nil {
			return nil, fmt.Errorf("matcher %q: %w", c.Ref, err)
		}
		if !ok {
			continue
		}
		binding, err := e.BindingHash(c.DocumentBinding(doc))
		if err != nil {
			return nil, err
		}
		if deleted {
			keys = append(keys, DeletedKey(c.Fingerprint, binding, deletedAt, docKey))
		} else {
			keys = append(keys, CurrentKey(c.Fingerprint, binding, docKey))
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Plan computes the ops that bring the index of docKey in line with doc.
// A nil doc retracts every entry and the reverse entry.
func (e *Engine) Plan(ctx context.Context, docKey string, doc model.Document) ([]storage.Op, error) {
	if docKey == "" || strings.Contains(docKey, "~") {
		return nil, fmt.Errorf("%w: %q", ErrInvalidDocKey, docKey)
	}
	start := time.Now()
	defer func() {
		metrics.IndexPlanLatency.Observe(time.Since(start).Seconds())
	}()

	old, err := e.Owned(ctx, docKey)
	if err != nil {
		return nil, err
	}
	next, err := e.Keys(docKey, doc)
	if err != nil {
		return nil, err
	}

	keep := make(map[string]bool, len(next))
	for _, k := range next {
		keep[k] = true
	}

	var ops []storage.Op
	for _, k := range old {
		if !keep[k] {
			ops = append(ops, storage.Del([]byte(k)))
		}
	}

	if len(next) > 0 {
		value, err := doc.Encode()
		if err != nil {
			return nil, err
		}
		for _, k := range next {
			ops = append(ops, storage.Put([]byte(k), value))
		}
		owned, err := json.Marshal(next)
		if err != nil {
			return nil, fmt.Errorf("failed to encode reverse index: %w", err)
		}
		ops = append(ops, storage.Put(OwnerKey(docKey), owned))
	} else if len(old) > 0 {
		ops = append(ops, storage.Del(OwnerKey(docKey)))
	}
	return ops, nil
}

// IndexChange indexes one document write in a single batch.
func (e *Engine) IndexChange(ctx context.Context, docKey string, doc model.Document, opts ...storage.WriteOption) error {
	unlock := e.Lock(docKey)
	defer unlock()

	ops, err := e.Plan(ctx, docKey, doc)
	if err != nil {
		return err
	}
	return e.Commit(ctx, ops, opts...)
}

// IndexChanges indexes several writes in a single batch. When a key
// appears more than once the last write wins.
func (e *Engine) IndexChanges(ctx context.Context, changes []Change, opts ...storage.WriteOption) error {
	latest := make(map[string]model.Document, len(changes))
	var order []string
	for _, c := range changes {
		if _, seen := latest[c.DocKey]; !seen {
			order = append(order, c.DocKey)
		}
		latest[c.DocKey] = c.Doc
	}

	unlock := e.LockKeys(order)
	defer unlock()

	var ops []storage.Op
	for _, key := range order {
		planned, err := e.Plan(ctx, key, latest[key])
		if err != nil {
			return err
		}
		ops = append(ops, planned...)
	}
	return e.Commit(ctx, ops, opts...)
}

// Commit applies planned ops atomically and records index metrics.
func (e *Engine) Commit(ctx context.Context, ops []storage.Op, opts ...storage.WriteOption) error {
	if err := e.store.Batch(ctx, ops, opts...); err != nil {
		return fmt.Errorf("failed to commit index batch: %w", err)
	}
	for _, op := range ops {
		key := string(op.Key)
		if !strings.HasPrefix(key, prefixIdx) {
			continue
		}
		if op.Delete {
			metrics.IndexEntriesRetracted.Inc()
			continue
		}
		if info, err := ParseKey(key); err == nil && info.Deleted {
			metrics.IndexEntriesWritten.WithLabelValues("deleted").Inc()
		} else {
			metrics.IndexEntriesWritten.WithLabelValues("current").Inc()
		}
	}
	return nil
}

// Lock serializes planning and committing for docKey. Call the returned
// function to release.
func (e *Engine) Lock(docKey string) func() {
	return e.locks.Lock(docKey)
}

// LockKeys locks every docKey of a multi-document write.
func (e *Engine) LockKeys(docKeys []string) func() {
	return e.locks.LockKeys(docKeys)
}

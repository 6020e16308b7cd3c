package contextdb

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/syntrixbase/contextdb/internal/indexer"
	"github.com/syntrixbase/contextdb/internal/keycodec"
	"github.com/syntrixbase/contextdb/internal/livetail"
	"github.com/syntrixbase/contextdb/internal/matcher"
	"github.com/syntrixbase/contextdb/internal/metrics"
	"github.com/syntrixbase/contextdb/internal/storage"
	"github.com/syntrixbase/contextdb/internal/tree"
	"github.com/syntrixbase/contextdb/pkg/model"
)

// Context is a live materialized view: a tree holding the results of its
// matchers under their bindings, kept current by store changes. Local
// edits pushed into the tree are written back to the store.
type Context struct {
	id       string
	db       *DB
	matchers []*matcher.Compiled
	bindings []string
	tree     *tree.Tree
	logger   *slog.Logger

	streamCtx context.Context
	cancel    context.CancelFunc
	streams   []*livetail.Stream

	// mu orders tree mutations of stream events and local pushes.
	mu sync.Mutex
	// known holds the last document seen under each composite key.
	known map[string]model.Document

	unsubscribe func()
	registered  atomic.Bool
	destroyed   atomic.Bool
	destroyOnce sync.Once
	done        chan struct{}
}

func newContext(db *DB, matchers []*matcher.Compiled, data map[string]interface{}) *Context {
	id := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	return &Context{
		id:        id,
		db:        db,
		matchers:  matchers,
		bindings:  make([]string, len(matchers)),
		tree:      tree.New(data),
		logger:    db.logger.With("context", id),
		streamCtx: ctx,
		cancel:    cancel,
		known:     make(map[string]model.Document),
		done:      make(chan struct{}),
	}
}

// open replays every matcher's current results and starts following them.
func (c *Context) open(ctx context.Context) error {
	for i, m := range c.matchers {
		binding := m.ValueBinding(func(name string) interface{} {
			v, _ := c.tree.Get(name)
			return v
		})
		hash, err := c.db.engine.BindingHash(binding)
		if err != nil {
			return err
		}
		c.bindings[i] = hash

		lower, upper := indexer.CurrentRange(m.Fingerprint, hash)
		stream, err := livetail.Open(c.streamCtx, c.db.store, lower, upper, livetail.Options{
			Tail:     true,
			PageSize: c.db.opts.PageSize,
			Logger:   c.logger,
		})
		if err != nil {
			return fmt.Errorf("failed to stream matcher %q: %w", m.Ref, err)
		}
		c.streams = append(c.streams, stream)

		if err := c.replay(ctx, m, stream); err != nil {
			return err
		}
		go c.follow(m, stream)
	}

	c.unsubscribe = c.tree.Subscribe(c.writeBack)
	return nil
}

// replay applies events up to the stream's sync marker.
func (c *Context) replay(ctx context.Context, m *matcher.Compiled, stream *livetail.Stream) error {
	for {
		select {
		case ev, ok := <-stream.Events():
			if !ok {
				if err := stream.Err(); err != nil {
					return fmt.Errorf("matcher %q: %w", m.Ref, err)
				}
				return fmt.Errorf("matcher %q: stream ended before sync", m.Ref)
			}
			if ev.Type == livetail.EventSync {
				return nil
			}
			c.apply(m, ev)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// follow exits once Destroy closes the stream. It is not joined, since
// listeners running on it may destroy the context themselves.
func (c *Context) follow(m *matcher.Compiled, stream *livetail.Stream) {
	for ev := range stream.Events() {
		if c.destroyed.Load() {
			return
		}
		c.apply(m, ev)
	}
	if err := stream.Err(); err != nil {
		c.logger.Warn("Matcher stream ended", "matcher", m.Ref, "error", err)
	}
}

// apply mirrors one stream event into the tree. Changes the context wrote
// itself are applied silently.
func (c *Context) apply(m *matcher.Compiled, ev livetail.Event) {
	c.mu.Lock()
	if c.destroyed.Load() {
		c.mu.Unlock()
		return
	}
	change, ok := c.applyLocked(m, ev)
	c.mu.Unlock()

	if ok && ev.Origin != c.id {
		c.emit(change)
	}
}

func (c *Context) applyLocked(m *matcher.Compiled, ev livetail.Event) (tree.Change, bool) {
	path := m.TreePath()
	pkField := c.db.fields.PrimaryKey
	key := string(ev.Key)

	switch ev.Type {
	case livetail.EventPut:
		doc, err := model.Decode(ev.Value)
		if err != nil {
			c.logger.Warn("Skipping undecodable index entry", "key", key, "error", err)
			return tree.Change{}, false
		}
		if err := c.place(m, doc); err != nil {
			c.logger.Warn("Failed to apply document", "matcher", m.Ref, "error", err)
			return tree.Change{}, false
		}
		c.known[key] = doc
		return c.change(m, path, doc, tree.ActionSet), true

	case livetail.EventDelete:
		doc := c.payload(key)
		delete(c.known, key)
		if m.Collection {
			pk := doc[pkField]
			if _, removed := c.tree.RemoveItem(path, pkField, pk); !removed {
				// A numeric-looking key recovered from the document key may
				// belong to an item with a string primary key.
				if n, isNum := pk.(int64); isNum {
					c.tree.RemoveItem(path, pkField, strconv.FormatInt(n, 10))
				}
			}
		} else {
			c.tree.Remove(path)
		}
		return c.change(m, path, doc, tree.ActionRemove), true
	}
	return tree.Change{}, false
}

// payload recovers the document of a retracted entry: the tombstone of a
// deletion, else the last version seen, else just the primary key, as an
// integer when it parses as one.
func (c *Context) payload(key string) model.Document {
	info, err := indexer.ParseKey(key)
	if err == nil {
		if doc, ok := c.db.tombstones.Get(info.DocKey); ok {
			return doc
		}
	}
	if doc, ok := c.known[key]; ok {
		return doc
	}
	doc := model.Document{}
	if err == nil {
		if _, pk, err := keycodec.SplitDocumentKey(info.DocKey); err == nil {
			doc[c.db.fields.PrimaryKey] = pk
			if n, err := strconv.ParseInt(pk, 10, 64); err == nil {
				doc[c.db.fields.PrimaryKey] = n
			}
		}
	}
	return doc
}

// place stores doc at the matcher's path.
func (c *Context) place(m *matcher.Compiled, doc model.Document) error {
	if m.Collection {
		return c.tree.UpsertItem(m.TreePath(), c.db.fields.PrimaryKey, doc)
	}
	return c.tree.Set(m.TreePath(), doc)
}

func (c *Context) change(m *matcher.Compiled, path string, doc model.Document, action tree.Action) tree.Change {
	return tree.Change{
		Path:  path,
		Value: doc,
		Info: tree.Info{
			Matcher: m.Ref,
			Source:  c.db.id,
			Action:  action,
			Time:    c.db.opts.Now(),
		},
	}
}

func (c *Context) emit(change tree.Change) {
	if c.destroyed.Load() {
		return
	}
	metrics.ContextChanges.WithLabelValues(string(change.Info.Action)).Inc()
	c.tree.Emit(change)
}

// writeBack forwards local edits to the store under the context's id, so
// the resulting store changes are not re-delivered to this context.
func (c *Context) writeBack(change tree.Change) {
	if c.destroyed.Load() || change.Info.Source == c.db.id {
		return
	}
	doc, ok := toDocument(change.Value)
	if !ok {
		return
	}
	metrics.ContextWriteBacks.Inc()
	if _, err := c.db.ApplyChange(c.streamCtx, doc, ChangeInfo{Source: c.id, Matcher: change.Info.Matcher}); err != nil {
		c.logger.Error("Failed to write back change", "matcher", change.Info.Matcher, "error", err)
	}
}

func toDocument(v interface{}) (model.Document, bool) {
	switch d := v.(type) {
	case model.Document:
		return d, d != nil
	case map[string]interface{}:
		return model.Document(d), d != nil
	}
	return nil, false
}

// ID returns the context's identity, used as the source of its write-backs.
func (c *Context) ID() string {
	return c.id
}

// Tree returns the materialized tree.
func (c *Context) Tree() *tree.Tree {
	return c.tree
}

// Get returns a copy of the value at path.
func (c *Context) Get(path string) (interface{}, bool) {
	return c.tree.Get(path)
}

// Snapshot returns a deep copy of the whole tree.
func (c *Context) Snapshot() map[string]interface{} {
	return c.tree.Snapshot()
}

// OnChange registers fn for change events. The returned function removes it.
func (c *Context) OnChange(fn func(tree.Change)) (cancel func()) {
	return c.tree.Subscribe(func(change tree.Change) {
		if !c.destroyed.Load() {
			fn(change)
		}
	})
}

// PushChange applies a local edit of doc to the tree, emits it and writes
// it back to the store. info.Matcher selects the matcher the edit belongs
// to; when empty, the first matcher that accepts doc under this context's
// binding is used.
func (c *Context) PushChange(doc model.Document, info ChangeInfo) error {
	if c.destroyed.Load() {
		return model.ErrDestroyed
	}
	if err := doc.ValidateDocument(c.db.fields); err != nil {
		return err
	}
	doc = doc.Clone()

	m, err := c.locate(doc, info.Matcher)
	if err != nil {
		return err
	}

	action := tree.ActionSet
	c.mu.Lock()
	if c.destroyed.Load() {
		c.mu.Unlock()
		return model.ErrDestroyed
	}
	if doc.Bool(c.db.fields.Deleted) {
		action = tree.ActionRemove
		if m.Collection {
			c.tree.RemoveItem(m.TreePath(), c.db.fields.PrimaryKey, doc[c.db.fields.PrimaryKey])
		} else {
			c.tree.Remove(m.TreePath())
		}
	} else if err := c.place(m, doc); err != nil {
		c.mu.Unlock()
		return err
	}
	c.mu.Unlock()

	source := info.Source
	if source == "" {
		source = c.id
	}
	c.emit(tree.Change{
		Path:  m.TreePath(),
		Value: doc,
		Info: tree.Info{
			Matcher: m.Ref,
			Source:  source,
			Action:  action,
			Time:    c.db.opts.Now(),
		},
	})
	return nil
}

func (c *Context) locate(doc model.Document, ref string) (*matcher.Compiled, error) {
	if ref != "" {
		for _, m := range c.matchers {
			if m.Ref == ref {
				return m, nil
			}
		}
		return nil, fmt.Errorf("%w: %q is not part of this context", model.ErrUnknownMatcher, ref)
	}

	for i, m := range c.matchers {
		ok, err := m.Matches(doc)
		if err != nil || !ok {
			continue
		}
		hash, err := c.db.engine.BindingHash(m.DocumentBinding(doc))
		if err == nil && hash == c.bindings[i] {
			return m, nil
		}
	}
	return nil, fmt.Errorf("%w: no matcher of this context accepts the document", model.ErrUnknownMatcher)
}

// EmitChangesSince replays, as change events, the collection items updated
// after since and the deletions recorded at or after since (epoch
// milliseconds). Items without an update timestamp are always replayed.
func (c *Context) EmitChangesSince(ctx context.Context, since int64) error {
	if c.destroyed.Load() {
		return model.ErrDestroyed
	}
	if since < 0 {
		since = 0
	}
	store := c.db.store

	for i, m := range c.matchers {
		if !m.Collection {
			continue
		}
		path := m.TreePath()

		lower, upper := indexer.CurrentRange(m.Fingerprint, c.bindings[i])
		var changes []tree.Change
		err := store.Scan(ctx, lower, upper, func(kv storage.KV) bool {
			doc, err := model.Decode(kv.Value)
			if err != nil {
				return true
			}
			if at, ok := doc.Int(c.db.fields.UpdatedAt); ok && at <= since {
				return true
			}
			changes = append(changes, c.change(m, path, doc, tree.ActionSet))
			return true
		})
		if err != nil {
			return fmt.Errorf("failed to scan matcher %q: %w", m.Ref, err)
		}

		lower, upper = indexer.DeletedRange(m.Fingerprint, c.bindings[i], uint64(since))
		err = store.Scan(ctx, lower, upper, func(kv storage.KV) bool {
			doc, err := model.Decode(kv.Value)
			if err != nil {
				return true
			}
			changes = append(changes, c.change(m, path, doc, tree.ActionRemove))
			return true
		})
		if err != nil {
			return fmt.Errorf("failed to scan deletions of matcher %q: %w", m.Ref, err)
		}

		for _, change := range changes {
			c.emit(change)
		}
	}
	return nil
}

// Destroy stops the context: streams are closed, listeners stop firing and
// no store change reaches the tree afterwards. It is safe to call twice.
func (c *Context) Destroy() {
	c.destroyOnce.Do(func() {
		c.destroyed.Store(true)
		// Wait out an in-flight tree mutation.
		c.mu.Lock()
		c.mu.Unlock() //nolint:staticcheck

		if c.unsubscribe != nil {
			c.unsubscribe()
		}
		c.cancel()
		for _, s := range c.streams {
			s.Close()
		}
		close(c.done)

		if c.registered.Swap(false) {
			c.db.contexts.Delete(c.id)
			metrics.ContextsOpen.Dec()
		}
		c.logger.Debug("Context destroyed")
	})
}

// Done is closed once the context is destroyed.
func (c *Context) Done() <-chan struct{} {
	return c.done
}

func (db *DB) register(c *Context) {
	db.contexts.Store(c.id, c)
	c.registered.Store(true)
	metrics.ContextsOpen.Inc()
}

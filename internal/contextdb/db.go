// Package contextdb is the engine facade: it owns the store, the matcher
// set, the composite index and the live contexts built on top of them.
//
// Writes go through ApplyChange, which stamps reserved fields, assigns
// sequence numbers and commits the document together with its index
// entries in one batch. Contexts stream their matchers' index ranges into
// a tree and write local edits back through the same path.
package contextdb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/syntrixbase/contextdb/internal/indexer"
	"github.com/syntrixbase/contextdb/internal/keycodec"
	"github.com/syntrixbase/contextdb/internal/matcher"
	"github.com/syntrixbase/contextdb/internal/reindex"
	"github.com/syntrixbase/contextdb/internal/storage"
	"github.com/syntrixbase/contextdb/internal/tombstone"
	"github.com/syntrixbase/contextdb/pkg/model"
)

const (
	prefixPrimaryKey = "pk~"
	prefixIncrement  = "\xffincrement~"
)

// DB is an open context database.
type DB struct {
	id          string
	opts        Options
	fields      model.Fields
	store       *storage.Store
	set         *matcher.Set
	engine      *indexer.Engine
	coordinator *reindex.Coordinator
	tombstones  *tombstone.Cache
	logger      *slog.Logger

	contexts *xsync.MapOf[string, *Context]

	// indexed closes when the startup reindex returns. The outcome of the
	// latest run, startup or forced, is in reindexErr.
	indexed    chan struct{}
	reindexErr atomic.Pointer[error]
	cancel     context.CancelFunc

	lmu       sync.Mutex
	listeners map[int]func(event string)
	nextID    int

	// writeMu serializes sequence assignment and primary-key resolution.
	writeMu sync.Mutex
	seq     uint64

	closed atomic.Bool
}

// Open opens a DB over store with the given matchers. The store stays
// owned by the caller. The startup reindex runs in the background; use
// WaitIndexed or Options.OnEvent to observe it.
func Open(ctx context.Context, store *storage.Store, matchers []matcher.Matcher, opts Options, logger *slog.Logger) (*DB, error) {
	opts.ApplyDefaults()
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("invalid options: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	set, err := matcher.NewSet(matchers, opts.FingerprintAlgorithm)
	if err != nil {
		return nil, fmt.Errorf("failed to compile matchers: %w", err)
	}

	id := uuid.NewString()
	logger = logger.With("component", "contextdb", "db", id)

	engine := indexer.New(store, set, indexer.Config{
		Fields:           opts.Fields,
		BindingAlgorithm: opts.BindingAlgorithm,
		Now:              opts.Now,
		Logger:           logger,
	})

	db := &DB{
		id:          id,
		opts:        opts,
		fields:      opts.Fields,
		store:       store,
		set:         set,
		engine:      engine,
		coordinator: reindex.New(engine, set.Fingerprints(), opts.Reindex, logger),
		tombstones:  tombstone.New(opts.Tombstone),
		logger:      logger,
		contexts:    xsync.NewMapOf[string, *Context](),
		indexed:     make(chan struct{}),
		listeners:   make(map[int]func(string)),
	}

	if err := db.loadSeq(ctx); err != nil {
		return nil, err
	}

	if opts.OnEvent != nil {
		db.Subscribe(opts.OnEvent)
	}
	db.coordinator.Subscribe(db.emit)

	runCtx, cancel := context.WithCancel(context.Background())
	db.cancel = cancel
	go func() {
		defer close(db.indexed)
		_, err := db.coordinator.Run(runCtx)
		db.setIndexErr(err)
		if err != nil {
			if !model.IsCanceled(err) {
				db.logger.Error("Startup reindex failed", "error", err)
			}
		}
	}()

	db.logger.Info("Database opened", "matchers", set.Len())
	return db, nil
}

func (db *DB) seqKey() []byte {
	return []byte(prefixIncrement + db.fields.Increment)
}

func (db *DB) loadSeq(ctx context.Context) error {
	if db.fields.Increment == "" {
		return nil
	}
	data, err := db.store.Get(ctx, db.seqKey())
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read sequence counter: %w", err)
	}
	n, err := strconv.ParseUint(string(data), 10, 64)
	if err != nil {
		return fmt.Errorf("corrupt sequence counter %q: %w", data, err)
	}
	db.seq = n
	return nil
}

// ID returns the engine identity used as the source of store-originated
// context changes.
func (db *DB) ID() string {
	return db.id
}

// Matchers returns the compiled matcher set.
func (db *DB) Matchers() *matcher.Set {
	return db.set
}

// Store returns the underlying store.
func (db *DB) Store() *storage.Store {
	return db.store
}

// Subscribe registers fn for engine events. The returned function removes it.
func (db *DB) Subscribe(fn func(event string)) (cancel func()) {
	db.lmu.Lock()
	defer db.lmu.Unlock()
	id := db.nextID
	db.nextID++
	db.listeners[id] = fn
	return func() {
		db.lmu.Lock()
		defer db.lmu.Unlock()
		delete(db.listeners, id)
	}
}

func (db *DB) emit(event string) {
	db.lmu.Lock()
	fns := make([]func(string), 0, len(db.listeners))
	for _, fn := range db.listeners {
		fns = append(fns, fn)
	}
	db.lmu.Unlock()
	for _, fn := range fns {
		fn(event)
	}
}

func (db *DB) setIndexErr(err error) {
	if err == nil {
		db.reindexErr.Store(nil)
		return
	}
	db.reindexErr.Store(&err)
}

func (db *DB) indexErr() error {
	if p := db.reindexErr.Load(); p != nil {
		return *p
	}
	return nil
}

// WaitIndexed blocks until the startup reindex finished and returns the
// error of the latest reindex run, if any.
func (db *DB) WaitIndexed(ctx context.Context) error {
	select {
	case <-db.indexed:
		if err := db.indexErr(); err != nil {
			return fmt.Errorf("%w: %v", model.ErrIndexNotReady, err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", model.ErrIndexNotReady, ctx.Err())
	}
}

// Indexed reports whether the startup reindex finished and the latest
// reindex run succeeded.
func (db *DB) Indexed() bool {
	select {
	case <-db.indexed:
		return db.indexErr() == nil
	default:
		return false
	}
}

// Reindex replays every document through the index, whether or not the
// matcher set changed.
func (db *DB) Reindex(ctx context.Context) (reindex.Result, error) {
	if db.closed.Load() {
		return reindex.Result{}, model.ErrClosed
	}
	// A failed startup run is superseded by the forced run.
	select {
	case <-db.indexed:
	case <-ctx.Done():
		return reindex.Result{}, ctx.Err()
	}
	res, err := db.coordinator.ForceIndex(ctx)
	db.setIndexErr(err)
	return res, err
}

// ApplyChange writes doc. Reserved fields are stamped on a copy, which is
// returned. Writes whose source is the DB itself are ignored and return nil.
func (db *DB) ApplyChange(ctx context.Context, doc model.Document, info ChangeInfo) (model.Document, error) {
	out, err := db.ApplyChanges(ctx, []model.Document{doc}, info)
	if err != nil || len(out) == 0 {
		return nil, err
	}
	return out[0], nil
}

// pending is one resolved document write.
type pending struct {
	pk     string
	docKey string
	doc    model.Document
	isNew  bool
}

// ApplyChanges writes several documents in one atomic batch. When a primary
// key appears more than once the last write wins.
// Canceled writes fail with model.ErrCanceled.
func (db *DB) ApplyChanges(ctx context.Context, docs []model.Document, info ChangeInfo) ([]model.Document, error) {
	out, err := db.applyChanges(ctx, docs, info)
	return out, model.WrapError(err)
}

func (db *DB) applyChanges(ctx context.Context, docs []model.Document, info ChangeInfo) ([]model.Document, error) {
	if db.closed.Load() {
		return nil, model.ErrClosed
	}
	if info.Source != "" && info.Source == db.id {
		return nil, nil
	}

	latest := make(map[string]model.Document, len(docs))
	var order []string
	for _, doc := range docs {
		if err := doc.ValidateDocument(db.fields); err != nil {
			return nil, err
		}
		pk, _ := doc.PrimaryKey(db.fields.PrimaryKey)
		if _, seen := latest[pk]; !seen {
			order = append(order, pk)
		}
		latest[pk] = doc.Clone()
	}

	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	now := db.opts.Now().UnixMilli()
	seq := db.seq
	writes := make([]pending, 0, len(order))
	for _, pk := range order {
		docKey, prev, err := db.lookup(ctx, pk)
		if err != nil {
			return nil, err
		}
		w := pending{pk: pk, docKey: docKey, doc: latest[pk]}
		var docSeq uint64
		if docKey == "" {
			if db.fields.Increment != "" {
				seq++
				docSeq = seq
			}
			w.docKey = keycodec.DocumentKey(docSeq, pk)
			w.isNew = true
		} else if docSeq, _, err = keycodec.SplitDocumentKey(docKey); err != nil {
			return nil, err
		}
		db.stamp(w.doc, prev, docSeq, now)
		writes = append(writes, w)
	}

	keys := make([]string, len(writes))
	for i, w := range writes {
		keys[i] = w.docKey
	}
	unlock := db.engine.LockKeys(keys)
	defer unlock()

	var ops []storage.Op
	for _, w := range writes {
		value, err := w.doc.Encode()
		if err != nil {
			return nil, err
		}
		ops = append(ops, storage.Put([]byte(w.docKey), value))
		if w.isNew {
			ops = append(ops, storage.Put([]byte(prefixPrimaryKey+w.pk), []byte(w.docKey)))
		}
		planned, err := db.engine.Plan(ctx, w.docKey, w.doc)
		if err != nil {
			return nil, err
		}
		ops = append(ops, planned...)
	}
	if seq != db.seq {
		ops = append(ops, storage.Put(db.seqKey(), []byte(strconv.FormatUint(seq, 10))))
	}

	// Tombstones are cached before the commit so that delete notifications
	// published by it find their payload.
	out := make([]model.Document, len(writes))
	for i, w := range writes {
		if w.doc.Bool(db.fields.Deleted) {
			db.tombstones.Set(w.docKey, w.doc)
		}
		out[i] = w.doc.Clone()
	}

	if err := db.engine.Commit(ctx, ops, storage.WithOrigin(info.Source)); err != nil {
		return nil, fmt.Errorf("failed to apply change: %w", err)
	}
	db.seq = seq
	return out, nil
}

// stamp sets the sequence number, the timestamps and the deletion time of
// doc. prev is the stored version, if any.
func (db *DB) stamp(doc, prev model.Document, seq uint64, now int64) {
	f := db.fields
	if f.Increment != "" {
		doc[f.Increment] = int64(seq)
	}

	if !db.opts.DisableTimestamps {
		switch {
		case prev != nil && prev[f.CreatedAt] != nil:
			doc[f.CreatedAt] = prev[f.CreatedAt]
		case doc[f.CreatedAt] == nil:
			doc[f.CreatedAt] = now
		}
		doc[f.UpdatedAt] = now
	}

	if !doc.Bool(f.Deleted) {
		delete(doc, f.DeletedAt)
		return
	}
	if prev != nil && prev.Bool(f.Deleted) && prev[f.DeletedAt] != nil {
		doc[f.DeletedAt] = prev[f.DeletedAt]
		return
	}
	if at, ok := doc.Int(f.DeletedAt); !ok || at < 0 {
		doc[f.DeletedAt] = now
	}
}

// lookup resolves pk to its document key and stored version. An unknown
// pk returns an empty key.
func (db *DB) lookup(ctx context.Context, pk string) (string, model.Document, error) {
	data, err := db.store.Get(ctx, []byte(prefixPrimaryKey+pk))
	if errors.Is(err, storage.ErrNotFound) {
		return "", nil, nil
	}
	if err != nil {
		return "", nil, fmt.Errorf("failed to resolve primary key %q: %w", pk, err)
	}
	docKey := string(data)

	raw, err := db.store.Get(ctx, data)
	if errors.Is(err, storage.ErrNotFound) {
		return docKey, nil, nil
	}
	if err != nil {
		return "", nil, fmt.Errorf("failed to read document %q: %w", docKey, err)
	}
	prev, err := model.Decode(raw)
	if err != nil {
		db.logger.Warn("Ignoring undecodable stored document", "key", docKey, "error", err)
		return docKey, nil, nil
	}
	return docKey, prev, nil
}

// Get returns the stored document with primary key pk.
func (db *DB) Get(ctx context.Context, pk string) (model.Document, error) {
	if db.closed.Load() {
		return nil, model.ErrClosed
	}
	docKey, doc, err := db.lookup(ctx, pk)
	if err != nil {
		return nil, err
	}
	if docKey == "" || doc == nil {
		return nil, fmt.Errorf("%w: %q", model.ErrNotFound, pk)
	}
	return doc, nil
}

// Remove deletes the document with primary key pk and every index entry
// it owns. Unlike a deletion marker, nothing of it is kept.
func (db *DB) Remove(ctx context.Context, pk string, info ChangeInfo) error {
	return model.WrapError(db.remove(ctx, pk, info))
}

func (db *DB) remove(ctx context.Context, pk string, info ChangeInfo) error {
	if db.closed.Load() {
		return model.ErrClosed
	}

	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	docKey, prev, err := db.lookup(ctx, pk)
	if err != nil {
		return err
	}
	if docKey == "" {
		return fmt.Errorf("%w: %q", model.ErrNotFound, pk)
	}

	unlock := db.engine.Lock(docKey)
	defer unlock()

	ops := []storage.Op{
		storage.Del([]byte(docKey)),
		storage.Del([]byte(prefixPrimaryKey + pk)),
	}
	planned, err := db.engine.Plan(ctx, docKey, nil)
	if err != nil {
		return err
	}
	ops = append(ops, planned...)

	if prev != nil {
		db.tombstones.Set(docKey, prev)
	}
	if err := db.engine.Commit(ctx, ops, storage.WithOrigin(info.Source)); err != nil {
		return fmt.Errorf("failed to remove document: %w", err)
	}
	return nil
}

// Generate builds a context for opts. Every matcher ref must be
// registered. It waits for the startup reindex, replays the current
// results of every matcher into the tree and keeps them live until the
// context is destroyed.
func (db *DB) Generate(ctx context.Context, opts GenerateOptions) (*Context, error) {
	if db.closed.Load() {
		return nil, model.ErrClosed
	}
	matchers, err := db.set.Resolve(opts.MatcherRefs)
	if err != nil {
		return nil, err
	}
	if err := db.WaitIndexed(ctx); err != nil {
		return nil, err
	}

	c := newContext(db, matchers, opts.Data)
	if err := c.open(ctx); err != nil {
		c.Destroy()
		return nil, err
	}
	db.register(c)
	return c, nil
}

// Contexts returns the number of live contexts.
func (db *DB) Contexts() int {
	return db.contexts.Size()
}

// Close destroys every live context and stops the startup reindex. The
// store is left open.
func (db *DB) Close() error {
	if db.closed.Swap(true) {
		return nil
	}
	db.cancel()
	<-db.indexed

	db.contexts.Range(func(_ string, c *Context) bool {
		c.Destroy()
		return true
	})
	db.logger.Info("Database closed")
	return nil
}

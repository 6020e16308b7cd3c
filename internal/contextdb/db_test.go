package contextdb

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/syntrixbase/contextdb/internal/matcher"
	"github.com/syntrixbase/contextdb/internal/reindex"
	"github.com/syntrixbase/contextdb/internal/storage"
	"github.com/syntrixbase/contextdb/pkg/model"
)

const t0 = int64(1_700_000_000_000)

var testMatchers = []matcher.Matcher{
	{
		Ref:   "site",
		Match: map[string]interface{}{"type": "site", "id": map[string]interface{}{"$query": "site_id"}},
	},
	{
		Ref:        "items",
		Match:      map[string]interface{}{"type": "item", "site_id": map[string]interface{}{"$query": "site_id"}},
		Collection: true,
	},
}

type clock struct {
	ms atomic.Int64
}

func newClock() *clock {
	c := &clock{}
	c.ms.Store(t0)
	return c
}

func (c *clock) Now() time.Time { return time.UnixMilli(c.ms.Load()) }
func (c *clock) Set(ms int64)   { c.ms.Store(ms) }

func openDB(t *testing.T, store *storage.Store, clk *clock, matchers []matcher.Matcher) *DB {
	t.Helper()
	opts := DefaultOptions()
	opts.Now = clk.Now
	db, err := Open(context.Background(), store, matchers, opts, nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.WaitIndexed(context.Background()))
	return db
}

func TestDB_ApplyChangeStampsFields(t *testing.T) {
	store := storage.NewMemoryStore()
	defer store.Close()
	clk := newClock()
	db := openDB(t, store, clk, testMatchers)
	ctx := context.Background()

	a, err := db.ApplyChange(ctx, model.Document{"id": "a"}, ChangeInfo{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), a["_seq"])
	assert.Equal(t, t0, a["created_at"])
	assert.Equal(t, t0, a["updated_at"])
	assert.NotContains(t, a, "deleted_at")

	clk.Set(t0 + 10)
	a, err = db.ApplyChange(ctx, model.Document{"id": "a", "x": 1}, ChangeInfo{})
	require.NoError(t, err)
	seq, _ := a.Int("_seq")
	created, _ := a.Int("created_at")
	updated, _ := a.Int("updated_at")
	assert.Equal(t, int64(1), seq, "the sequence of an existing document is kept")
	assert.Equal(t, t0, created)
	assert.Equal(t, t0+10, updated)

	b, err := db.ApplyChange(ctx, model.Document{"id": "b"}, ChangeInfo{})
	require.NoError(t, err)
	assert.Equal(t, int64(2), b["_seq"])

	clk.Set(t0 + 20)
	a, err = db.ApplyChange(ctx, model.Document{"id": "a", "_deleted": true}, ChangeInfo{})
	require.NoError(t, err)
	at, _ := a.Int("deleted_at")
	assert.Equal(t, t0+20, at)

	clk.Set(t0 + 30)
	a, err = db.ApplyChange(ctx, model.Document{"id": "a", "_deleted": true, "deleted_at": 5}, ChangeInfo{})
	require.NoError(t, err)
	at, _ = a.Int("deleted_at")
	assert.Equal(t, t0+20, at, "a repeated deletion keeps the first deletion time")

	a, err = db.ApplyChange(ctx, model.Document{"id": "a"}, ChangeInfo{})
	require.NoError(t, err)
	assert.NotContains(t, a, "deleted_at")

	stored, err := db.Get(ctx, "a")
	require.NoError(t, err)
	seq, _ = stored.Int("_seq")
	assert.Equal(t, int64(1), seq)

	_, err = db.Get(ctx, "missing")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestDB_ApplyChangeRejects(t *testing.T) {
	store := storage.NewMemoryStore()
	defer store.Close()
	db := openDB(t, store, newClock(), testMatchers)
	ctx := context.Background()

	_, err := db.ApplyChange(ctx, model.Document{"name": "no pk"}, ChangeInfo{})
	assert.ErrorIs(t, err, model.ErrInvalidPrimaryKey)

	_, err = db.ApplyChange(ctx, model.Document{"id": "a~b"}, ChangeInfo{})
	assert.ErrorIs(t, err, model.ErrInvalidPrimaryKey)

	out, err := db.ApplyChange(ctx, model.Document{"id": "self"}, ChangeInfo{Source: db.ID()})
	require.NoError(t, err)
	assert.Nil(t, out)
	_, err = db.Get(ctx, "self")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestDB_ApplyChangesLastWriteWins(t *testing.T) {
	store := storage.NewMemoryStore()
	defer store.Close()
	db := openDB(t, store, newClock(), testMatchers)
	ctx := context.Background()

	before := store.Seq()
	out, err := db.ApplyChanges(ctx, []model.Document{
		{"id": "a", "v": 1},
		{"id": "b"},
		{"id": "a", "v": 2},
	}, ChangeInfo{})
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, before+1, store.Seq(), "one batch")

	a, err := db.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, float64(2), a["v"])
	assert.Equal(t, float64(1), a["_seq"])
}

func TestDB_SequencePersists(t *testing.T) {
	store := storage.NewMemoryStore()
	defer store.Close()
	clk := newClock()
	ctx := context.Background()

	db := openDB(t, store, clk, testMatchers)
	for _, id := range []string{"a", "b"} {
		_, err := db.ApplyChange(ctx, model.Document{"id": id}, ChangeInfo{})
		require.NoError(t, err)
	}
	require.NoError(t, db.Close())

	db = openDB(t, store, clk, testMatchers)
	c, err := db.ApplyChange(ctx, model.Document{"id": "c"}, ChangeInfo{})
	require.NoError(t, err)
	assert.Equal(t, int64(3), c["_seq"])
}

func TestDB_IncrementDisabled(t *testing.T) {
	store := storage.NewMemoryStore()
	defer store.Close()

	opts := DefaultOptions()
	opts.Fields.Increment = ""
	opts.DisableTimestamps = true
	db, err := Open(context.Background(), store, testMatchers, opts, nil)
	require.NoError(t, err)
	defer db.Close()

	out, err := db.ApplyChange(context.Background(), model.Document{"id": "a"}, ChangeInfo{})
	require.NoError(t, err)
	assert.Equal(t, model.Document{"id": "a"}, out)
}

func TestDB_Remove(t *testing.T) {
	store := storage.NewMemoryStore()
	defer store.Close()
	db := openDB(t, store, newClock(), testMatchers)
	ctx := context.Background()

	_, err := db.ApplyChange(ctx, model.Document{"id": "i1", "type": "item", "site_id": "s1"}, ChangeInfo{})
	require.NoError(t, err)

	require.NoError(t, db.Remove(ctx, "i1", ChangeInfo{}))
	_, err = db.Get(ctx, "i1")
	assert.ErrorIs(t, err, model.ErrNotFound)
	assert.ErrorIs(t, db.Remove(ctx, "i1", ChangeInfo{}), model.ErrNotFound)

	// nothing but the sequence counter and the fingerprints remain
	var keys []string
	require.NoError(t, store.Scan(ctx, nil, nil, func(kv storage.KV) bool {
		keys = append(keys, string(kv.Key))
		return true
	}))
	assert.Equal(t, []string{"\xffincrement~_seq", string(reindex.FingerprintKey)}, keys)
}

func TestDB_ReindexEvents(t *testing.T) {
	store := storage.NewMemoryStore()
	defer store.Close()
	ctx := context.Background()

	open := func(matchers []matcher.Matcher) []string {
		var mu sync.Mutex
		var events []string
		opts := DefaultOptions()
		opts.OnEvent = func(event string) {
			mu.Lock()
			defer mu.Unlock()
			events = append(events, event)
		}
		db, err := Open(ctx, store, matchers, opts, nil)
		require.NoError(t, err)
		defer db.Close()
		require.NoError(t, db.WaitIndexed(ctx))

		mu.Lock()
		defer mu.Unlock()
		return append([]string(nil), events...)
	}

	assert.Equal(t, []string{reindex.EventReindexStarted, reindex.EventIndexed}, open(testMatchers))
	assert.Empty(t, open(testMatchers))

	changed := append([]matcher.Matcher{{Ref: "all", Match: map[string]interface{}{}}}, testMatchers...)
	assert.Equal(t, []string{reindex.EventReindexStarted, reindex.EventIndexed}, open(changed))
}

func TestDB_ReindexPicksUpNewMatcher(t *testing.T) {
	store := storage.NewMemoryStore()
	defer store.Close()
	clk := newClock()
	ctx := context.Background()

	db := openDB(t, store, clk, testMatchers[:1])
	_, err := db.ApplyChange(ctx, model.Document{"id": "i1", "type": "item", "site_id": "s1"}, ChangeInfo{})
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db = openDB(t, store, clk, testMatchers)
	c, err := db.Generate(ctx, GenerateOptions{
		Data:        map[string]interface{}{"site_id": "s1"},
		MatcherRefs: []string{"items"},
	})
	require.NoError(t, err)
	items, _ := c.Get("items")
	assert.Len(t, items, 1)

	res, err := db.Reindex(ctx)
	require.NoError(t, err)
	assert.True(t, res.Reindexed)
	assert.Equal(t, int64(1), res.Documents)
}

type flakyBackend struct {
	storage.Backend
	failing atomic.Bool
}

func (b *flakyBackend) Apply(ops []storage.Op, sync bool) error {
	if b.failing.Load() {
		return errors.New("disk unavailable")
	}
	return b.Backend.Apply(ops, sync)
}

func TestDB_ReindexRecoversFromFailedStartup(t *testing.T) {
	backend := &flakyBackend{Backend: storage.NewMemory()}
	backend.failing.Store(true)
	store := storage.New(backend, storage.Options{Name: "flaky"})
	defer store.Close()
	ctx := context.Background()

	opts := DefaultOptions()
	opts.Now = newClock().Now
	db, err := Open(ctx, store, testMatchers, opts, nil)
	require.NoError(t, err)
	defer db.Close()

	assert.ErrorIs(t, db.WaitIndexed(ctx), model.ErrIndexNotReady)
	assert.False(t, db.Indexed())
	_, err = db.Generate(ctx, GenerateOptions{MatcherRefs: []string{"items"}})
	assert.ErrorIs(t, err, model.ErrIndexNotReady)

	backend.failing.Store(false)
	_, err = db.ApplyChange(ctx, model.Document{"id": "i1", "type": "item", "site_id": "s1"}, ChangeInfo{})
	require.NoError(t, err)

	_, err = db.Reindex(ctx)
	require.NoError(t, err)
	assert.True(t, db.Indexed())
	require.NoError(t, db.WaitIndexed(ctx))

	c, err := db.Generate(ctx, GenerateOptions{
		Data:        map[string]interface{}{"site_id": "s1"},
		MatcherRefs: []string{"items"},
	})
	require.NoError(t, err)
	items, _ := c.Get("items")
	assert.Len(t, items, 1)

	backend.failing.Store(true)
	_, err = db.Reindex(ctx)
	assert.Error(t, err)
	assert.False(t, db.Indexed(), "a failed forced run clears readiness again")
	backend.failing.Store(false)
}

func TestDB_CanceledWrites(t *testing.T) {
	store := storage.NewMemoryStore()
	defer store.Close()
	db := openDB(t, store, newClock(), testMatchers)

	_, err := db.ApplyChange(context.Background(), model.Document{"id": "a"}, ChangeInfo{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = db.ApplyChange(ctx, model.Document{"id": "b"}, ChangeInfo{})
	assert.ErrorIs(t, err, model.ErrCanceled)
	assert.ErrorIs(t, db.Remove(ctx, "a", ChangeInfo{}), model.ErrCanceled)

	_, err = db.Get(context.Background(), "a")
	assert.NoError(t, err)
	_, err = db.Get(context.Background(), "b")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestDB_InvalidOptions(t *testing.T) {
	store := storage.NewMemoryStore()
	defer store.Close()

	opts := DefaultOptions()
	opts.BindingAlgorithm = "crc32"
	_, err := Open(context.Background(), store, testMatchers, opts, nil)
	assert.Error(t, err)

	dup := []matcher.Matcher{{Ref: "a"}, {Ref: "a"}}
	_, err = Open(context.Background(), store, dup, DefaultOptions(), nil)
	assert.ErrorIs(t, err, matcher.ErrDuplicateRef)
}

func TestDB_Closed(t *testing.T) {
	store := storage.NewMemoryStore()
	defer store.Close()
	db := openDB(t, store, newClock(), testMatchers)
	require.NoError(t, db.Close())
	require.NoError(t, db.Close())

	ctx := context.Background()
	_, err := db.ApplyChange(ctx, model.Document{"id": "a"}, ChangeInfo{})
	assert.ErrorIs(t, err, model.ErrClosed)
	_, err = db.Generate(ctx, GenerateOptions{MatcherRefs: []string{"items"}})
	assert.ErrorIs(t, err, model.ErrClosed)
}

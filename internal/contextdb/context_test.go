package contextdb

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/syntrixbase/contextdb/internal/livetail"
	"github.com/syntrixbase/contextdb/internal/storage"
	"github.com/syntrixbase/contextdb/internal/tree"
	"github.com/syntrixbase/contextdb/pkg/model"
)

// recorder collects change events of a context.
type recorder struct {
	mu      sync.Mutex
	changes []tree.Change
}

func record(c *Context) *recorder {
	r := &recorder{}
	c.OnChange(func(change tree.Change) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.changes = append(r.changes, change)
	})
	return r
}

func (r *recorder) all() []tree.Change {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]tree.Change(nil), r.changes...)
}

func (r *recorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = nil
}

// forPK returns the recorded changes whose document has primary key pk.
func (r *recorder) forPK(pk string) []tree.Change {
	var out []tree.Change
	for _, c := range r.all() {
		if doc, ok := toDocument(c.Value); ok && doc["id"] == pk {
			out = append(out, c)
		}
	}
	return out
}

func itemIDs(t *testing.T, c *Context) []interface{} {
	t.Helper()
	v, ok := c.Get("items")
	if !ok {
		return nil
	}
	var ids []interface{}
	for _, item := range v.([]interface{}) {
		ids = append(ids, item.(map[string]interface{})["id"])
	}
	return ids
}

func seed(t *testing.T, db *DB) {
	t.Helper()
	_, err := db.ApplyChanges(context.Background(), []model.Document{
		{"id": "s1", "type": "site", "name": "Main"},
		{"id": "i2", "type": "item", "site_id": "s1"},
		{"id": "i1", "type": "item", "site_id": "s1"},
		{"id": "i3", "type": "item", "site_id": "s2"},
	}, ChangeInfo{})
	require.NoError(t, err)
}

func generate(t *testing.T, db *DB) *Context {
	t.Helper()
	c, err := db.Generate(context.Background(), GenerateOptions{
		Data:        map[string]interface{}{"site_id": "s1"},
		MatcherRefs: []string{"site", "items"},
	})
	require.NoError(t, err)
	t.Cleanup(c.Destroy)
	return c
}

func TestGenerate_MaterializesMatchers(t *testing.T) {
	store := storage.NewMemoryStore()
	defer store.Close()
	db := openDB(t, store, newClock(), testMatchers)
	seed(t, db)

	c := generate(t, db)
	assert.Equal(t, 1, db.Contexts())

	site, ok := c.Get("site")
	require.True(t, ok)
	assert.Equal(t, "Main", site.(map[string]interface{})["name"])
	assert.Equal(t, []interface{}{"i1", "i2"}, itemIDs(t, c))

	snap := c.Snapshot()
	assert.Equal(t, "s1", snap["site_id"])
}

func TestGenerate_UnknownMatcher(t *testing.T) {
	store := storage.NewMemoryStore()
	defer store.Close()
	db := openDB(t, store, newClock(), testMatchers)

	_, err := db.Generate(context.Background(), GenerateOptions{MatcherRefs: []string{"items", "nope"}})
	assert.ErrorIs(t, err, model.ErrUnknownMatcher)
	assert.Equal(t, 0, db.Contexts())
}

func TestContext_FollowsStore(t *testing.T) {
	store := storage.NewMemoryStore()
	defer store.Close()
	db := openDB(t, store, newClock(), testMatchers)
	seed(t, db)
	c := generate(t, db)
	rec := record(c)
	ctx := context.Background()

	_, err := db.ApplyChange(ctx, model.Document{"id": "i0", "type": "item", "site_id": "s1"}, ChangeInfo{})
	require.NoError(t, err)
	_, err = db.ApplyChange(ctx, model.Document{"id": "s1", "type": "site", "name": "Renamed"}, ChangeInfo{})
	require.NoError(t, err)
	_, err = db.ApplyChange(ctx, model.Document{"id": "i4", "type": "item", "site_id": "s2"}, ChangeInfo{})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(rec.all()) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []interface{}{"i0", "i1", "i2"}, itemIDs(t, c))
	name, _ := c.Get("site.name")
	assert.Equal(t, "Renamed", name)

	for _, change := range rec.all() {
		assert.Equal(t, db.ID(), change.Info.Source)
		assert.Equal(t, tree.ActionSet, change.Info.Action)
	}

	// moving an item to another site removes it
	_, err = db.ApplyChange(ctx, model.Document{"id": "i2", "type": "item", "site_id": "s2"}, ChangeInfo{})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(rec.forPK("i2")) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, tree.ActionRemove, rec.forPK("i2")[0].Info.Action)
	assert.Equal(t, []interface{}{"i0", "i1"}, itemIDs(t, c))
}

func TestContext_PushChangePropagates(t *testing.T) {
	store := storage.NewMemoryStore()
	defer store.Close()
	db := openDB(t, store, newClock(), testMatchers)
	seed(t, db)

	a := generate(t, db)
	b := generate(t, db)
	recA := record(a)
	recB := record(b)

	require.NoError(t, a.PushChange(model.Document{"id": "i9", "type": "item", "site_id": "s1", "name": "new"}, ChangeInfo{}))

	// the write-back is synchronous
	stored, err := db.Get(context.Background(), "i9")
	require.NoError(t, err)
	assert.Equal(t, "new", stored["name"])

	require.Eventually(t, func() bool { return len(recB.forPK("i9")) == 1 }, 2*time.Second, 5*time.Millisecond)
	got := recB.forPK("i9")[0]
	assert.Equal(t, db.ID(), got.Info.Source)
	assert.Equal(t, "items", got.Info.Matcher)
	assert.Equal(t, tree.ActionSet, got.Info.Action)
	assert.Equal(t, []interface{}{"i1", "i2", "i9"}, itemIDs(t, b))

	// A receives its own write from the store silently: the stamped
	// version lands in the tree without a second change event.
	require.Eventually(t, func() bool {
		v, _ := a.Get("items")
		for _, item := range v.([]interface{}) {
			doc := item.(map[string]interface{})
			if doc["id"] == "i9" {
				_, stamped := doc["updated_at"]
				return stamped
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)

	changes := recA.forPK("i9")
	require.Len(t, changes, 1)
	assert.Equal(t, a.ID(), changes[0].Info.Source)
}

func TestContext_PushChangeValidation(t *testing.T) {
	store := storage.NewMemoryStore()
	defer store.Close()
	db := openDB(t, store, newClock(), testMatchers)
	c := generate(t, db)

	assert.ErrorIs(t, c.PushChange(model.Document{"type": "item"}, ChangeInfo{}), model.ErrInvalidPrimaryKey)
	assert.ErrorIs(t, c.PushChange(model.Document{"id": "x", "type": "item", "site_id": "other"}, ChangeInfo{}), model.ErrUnknownMatcher)
	assert.ErrorIs(t, c.PushChange(model.Document{"id": "x"}, ChangeInfo{Matcher: "nope"}), model.ErrUnknownMatcher)
}

func TestContext_DeletionAndChangesSince(t *testing.T) {
	store := storage.NewMemoryStore()
	defer store.Close()
	clk := newClock()
	db := openDB(t, store, clk, testMatchers)
	seed(t, db)
	c := generate(t, db)
	rec := record(c)
	ctx := context.Background()

	clk.Set(t0 + 1000)
	_, err := db.ApplyChange(ctx, model.Document{"id": "i1", "type": "item", "site_id": "s1", "_deleted": true}, ChangeInfo{})
	require.NoError(t, err)
	_, err = db.ApplyChange(ctx, model.Document{"id": "i2", "type": "item", "site_id": "s1", "v": 2}, ChangeInfo{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(rec.forPK("i1")) == 1 && len(rec.forPK("i2")) == 1
	}, 2*time.Second, 5*time.Millisecond)

	removed := rec.forPK("i1")[0]
	assert.Equal(t, tree.ActionRemove, removed.Info.Action)
	doc, _ := toDocument(removed.Value)
	assert.Equal(t, true, doc["_deleted"], "the removal carries the tombstone")
	assert.Equal(t, []interface{}{"i2"}, itemIDs(t, c))

	rec.reset()
	require.NoError(t, c.EmitChangesSince(ctx, t0+500))
	changes := rec.all()
	require.Len(t, changes, 2)
	assert.Equal(t, tree.ActionSet, changes[0].Info.Action)
	assert.Equal(t, "i2", changes[0].Value.(model.Document)["id"])
	assert.Equal(t, tree.ActionRemove, changes[1].Info.Action)
	assert.Equal(t, "i1", changes[1].Value.(model.Document)["id"])

	rec.reset()
	require.NoError(t, c.EmitChangesSince(ctx, t0+2000))
	assert.Empty(t, rec.all())

	rec.reset()
	require.NoError(t, c.EmitChangesSince(ctx, 0))
	assert.Len(t, rec.all(), 2)
}

func TestContext_RemovedDocument(t *testing.T) {
	store := storage.NewMemoryStore()
	defer store.Close()
	db := openDB(t, store, newClock(), testMatchers)
	seed(t, db)
	c := generate(t, db)
	rec := record(c)

	require.NoError(t, db.Remove(context.Background(), "i1", ChangeInfo{}))
	require.Eventually(t, func() bool { return len(rec.forPK("i1")) == 1 }, 2*time.Second, 5*time.Millisecond)

	removed := rec.forPK("i1")[0]
	assert.Equal(t, tree.ActionRemove, removed.Info.Action)
	doc, _ := toDocument(removed.Value)
	assert.Equal(t, "item", doc["type"])
	assert.Equal(t, []interface{}{"i2"}, itemIDs(t, c))
}

func TestContext_RetractionWithoutPayload(t *testing.T) {
	store := storage.NewMemoryStore()
	defer store.Close()
	db := openDB(t, store, newClock(), testMatchers)
	_, err := db.ApplyChanges(context.Background(), []model.Document{
		{"id": 7, "type": "item", "site_id": "s1"},
		{"id": "9", "type": "item", "site_id": "s1"},
		{"id": "x", "type": "item", "site_id": "s1"},
	}, ChangeInfo{})
	require.NoError(t, err)

	c, err := db.Generate(context.Background(), GenerateOptions{
		Data:        map[string]interface{}{"site_id": "s1"},
		MatcherRefs: []string{"items"},
	})
	require.NoError(t, err)
	defer c.Destroy()
	require.Len(t, itemIDs(t, c), 3)
	m := c.matchers[0]

	// Forget every cached payload so retractions only know the key.
	c.mu.Lock()
	var keys []string
	for key, doc := range c.known {
		if doc["id"] != "x" {
			keys = append(keys, key)
		}
		delete(c.known, key)
	}
	c.mu.Unlock()
	require.Len(t, keys, 2)

	rec := record(c)
	for _, key := range keys {
		c.apply(m, livetail.Event{Type: livetail.EventDelete, Key: []byte(key)})
	}

	assert.Equal(t, []interface{}{"x"}, itemIDs(t, c))
	changes := rec.all()
	require.Len(t, changes, 2)
	for _, change := range changes {
		doc, _ := toDocument(change.Value)
		assert.IsType(t, int64(0), doc["id"])
	}
}

func TestContext_Destroy(t *testing.T) {
	store := storage.NewMemoryStore()
	defer store.Close()
	db := openDB(t, store, newClock(), testMatchers)
	seed(t, db)
	c := generate(t, db)
	rec := record(c)

	c.Destroy()
	c.Destroy()
	select {
	case <-c.Done():
	default:
		t.Fatal("Done not closed")
	}
	assert.Equal(t, 0, db.Contexts())

	_, err := db.ApplyChange(context.Background(), model.Document{"id": "i0", "type": "item", "site_id": "s1"}, ChangeInfo{})
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond)

	assert.Empty(t, rec.all())
	assert.Equal(t, []interface{}{"i1", "i2"}, itemIDs(t, c))
	assert.ErrorIs(t, c.PushChange(model.Document{"id": "i5", "type": "item", "site_id": "s1"}, ChangeInfo{}), model.ErrDestroyed)
	assert.ErrorIs(t, c.EmitChangesSince(context.Background(), 0), model.ErrDestroyed)
}

func TestDB_CloseDestroysContexts(t *testing.T) {
	store := storage.NewMemoryStore()
	defer store.Close()
	db := openDB(t, store, newClock(), testMatchers)
	c := generate(t, db)

	require.NoError(t, db.Close())
	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("context not destroyed")
	}
	assert.Equal(t, 0, db.Contexts())
}

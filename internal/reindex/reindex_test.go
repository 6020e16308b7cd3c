package reindex

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/syntrixbase/contextdb/internal/hashing"
	"github.com/syntrixbase/contextdb/internal/indexer"
	"github.com/syntrixbase/contextdb/internal/keycodec"
	"github.com/syntrixbase/contextdb/internal/matcher"
	"github.com/syntrixbase/contextdb/internal/storage"
	"github.com/syntrixbase/contextdb/pkg/model"
)

func q(name string) map[string]interface{} {
	return map[string]interface{}{matcher.QueryKey: name}
}

var itemsV1 = matcher.Matcher{Ref: "items", Collection: true, Match: map[string]interface{}{"type": "item", "site_id": q("site_id")}}
var itemsV2 = matcher.Matcher{Ref: "items", Collection: true, Match: map[string]interface{}{"type": "item", "status": "open", "site_id": q("site_id")}}

type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) record(event string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recorder) get() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func setupCoordinator(t *testing.T, store *storage.Store, ms []matcher.Matcher, cfg Config) (*Coordinator, *indexer.Engine, *recorder) {
	t.Helper()
	set, err := matcher.NewSet(ms, hashing.SHA1)
	require.NoError(t, err)
	engine := indexer.New(store, set, indexer.Config{})
	c := New(engine, set.Fingerprints(), cfg, nil)
	rec := &recorder{}
	c.Subscribe(rec.record)
	return c, engine, rec
}

func writeDocs(t *testing.T, store *storage.Store, n int) {
	t.Helper()
	for i := 1; i <= n; i++ {
		status := "open"
		if i%2 == 0 {
			status = "closed"
		}
		doc := model.Document{"id": fmt.Sprintf("i%d", i), "type": "item", "site_id": "s1", "status": status}
		data, err := doc.Encode()
		require.NoError(t, err)
		require.NoError(t, store.Put(context.Background(), []byte(keycodec.DocumentKey(uint64(i), doc["id"].(string))), data))
	}
}

func countIndex(t *testing.T, store *storage.Store) int {
	t.Helper()
	lower := []byte("idx~")
	n := 0
	require.NoError(t, store.Scan(context.Background(), lower, storage.PrefixEnd(lower), func(storage.KV) bool {
		n++
		return true
	}))
	return n
}

func TestCoordinator_RunOnEmptyIndex(t *testing.T) {
	store := storage.NewMemoryStore()
	defer store.Close()
	writeDocs(t, store, 5)
	ctx := context.Background()

	c, _, rec := setupCoordinator(t, store, []matcher.Matcher{itemsV1}, Config{BatchSize: 2, Workers: 3})

	needed, err := c.NeedsReindex(ctx)
	require.NoError(t, err)
	assert.True(t, needed)

	res, err := c.Run(ctx)
	require.NoError(t, err)
	assert.True(t, res.Reindexed)
	assert.Equal(t, int64(5), res.Documents)
	assert.Equal(t, []string{EventReindexStarted, EventIndexed}, rec.get())
	assert.Equal(t, 5, countIndex(t, store))

	stored, ok, err := c.Stored(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Len(t, stored, 1)

	// unchanged matcher set: nothing happens
	res, err = c.Run(ctx)
	require.NoError(t, err)
	assert.False(t, res.Reindexed)
	assert.Equal(t, []string{EventReindexStarted, EventIndexed}, rec.get())
}

func TestCoordinator_MatcherChangeAcrossRuns(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db")
	ctx := context.Background()

	// first run
	store, err := storage.Open(storage.Config{Backend: storage.BackendPebble, Path: path})
	require.NoError(t, err)
	writeDocs(t, store, 4)
	c, _, rec := setupCoordinator(t, store, []matcher.Matcher{itemsV1}, Config{})
	_, err = c.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{EventReindexStarted, EventIndexed}, rec.get())
	assert.Equal(t, 4, countIndex(t, store))
	require.NoError(t, store.Close())

	// second run, same matchers
	store, err = storage.Open(storage.Config{Backend: storage.BackendPebble, Path: path})
	require.NoError(t, err)
	c, _, rec = setupCoordinator(t, store, []matcher.Matcher{itemsV1}, Config{})
	res, err := c.Run(ctx)
	require.NoError(t, err)
	assert.False(t, res.Reindexed)
	assert.Empty(t, rec.get())
	require.NoError(t, store.Close())

	// third run, changed definition
	store, err = storage.Open(storage.Config{Backend: storage.BackendPebble, Path: path})
	require.NoError(t, err)
	defer store.Close()
	c, engine, rec := setupCoordinator(t, store, []matcher.Matcher{itemsV2}, Config{})
	res, err = c.Run(ctx)
	require.NoError(t, err)
	assert.True(t, res.Reindexed)
	assert.Equal(t, []string{EventReindexStarted, EventIndexed}, rec.get())

	// only the two open items remain, stale entries of the old shape are gone
	assert.Equal(t, 2, countIndex(t, store))
	owned, err := engine.Owned(ctx, keycodec.DocumentKey(2, "i2"))
	require.NoError(t, err)
	assert.Empty(t, owned)
	owned, err = engine.Owned(ctx, keycodec.DocumentKey(1, "i1"))
	require.NoError(t, err)
	require.Len(t, owned, 1)
	info, err := indexer.ParseKey(owned[0])
	require.NoError(t, err)
	assert.Equal(t, c.fingerprints[0], info.Fingerprint)
}

func TestCoordinator_ForceIndexIsIdempotent(t *testing.T) {
	store := storage.NewMemoryStore()
	defer store.Close()
	writeDocs(t, store, 3)
	ctx := context.Background()

	c, _, _ := setupCoordinator(t, store, []matcher.Matcher{itemsV1}, Config{})
	_, err := c.ForceIndex(ctx)
	require.NoError(t, err)
	first := countIndex(t, store)

	res, err := c.ForceIndex(ctx)
	require.NoError(t, err)
	assert.True(t, res.Reindexed)
	assert.Equal(t, first, countIndex(t, store))
}

func TestCoordinator_CorruptFingerprints(t *testing.T) {
	store := storage.NewMemoryStore()
	defer store.Close()
	ctx := context.Background()
	require.NoError(t, store.Put(ctx, FingerprintKey, []byte("not json")))

	c, _, _ := setupCoordinator(t, store, []matcher.Matcher{itemsV1}, Config{})
	needed, err := c.NeedsReindex(ctx)
	require.NoError(t, err)
	assert.True(t, needed)
}

func TestCoordinator_OrderMatters(t *testing.T) {
	store := storage.NewMemoryStore()
	defer store.Close()
	ctx := context.Background()

	c, _, _ := setupCoordinator(t, store, []matcher.Matcher{itemsV1, itemsV2Ref("open")}, Config{})
	_, err := c.ForceIndex(ctx)
	require.NoError(t, err)

	reversed := []string{c.fingerprints[1], c.fingerprints[0]}
	data := fmt.Sprintf(`[%q,%q]`, reversed[0], reversed[1])
	require.NoError(t, store.Put(ctx, FingerprintKey, []byte(data)))

	needed, err := c.NeedsReindex(ctx)
	require.NoError(t, err)
	assert.True(t, needed)
}

func itemsV2Ref(ref string) matcher.Matcher {
	m := itemsV2
	m.Ref = ref
	return m
}

func TestCoordinator_Canceled(t *testing.T) {
	store := storage.NewMemoryStore()
	defer store.Close()
	writeDocs(t, store, 3)

	c, _, rec := setupCoordinator(t, store, []matcher.Matcher{itemsV1}, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.ForceIndex(ctx)
	assert.Error(t, err)
	assert.Equal(t, []string{EventReindexStarted}, rec.get())

	_, ok, err := c.Stored(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCoordinator_Unsubscribe(t *testing.T) {
	store := storage.NewMemoryStore()
	defer store.Close()

	c, _, _ := setupCoordinator(t, store, []matcher.Matcher{itemsV1}, Config{})
	var got []string
	cancel := c.Subscribe(func(e string) { got = append(got, e) })
	cancel()

	_, err := c.ForceIndex(context.Background())
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestCoordinator_ListenerResubscribes(t *testing.T) {
	store := storage.NewMemoryStore()
	defer store.Close()

	c, _, _ := setupCoordinator(t, store, []matcher.Matcher{itemsV1}, Config{})
	late := &recorder{}
	var once sync.Once
	var cancel func()
	cancel = c.Subscribe(func(e string) {
		once.Do(func() {
			cancel()
			c.Subscribe(late.record)
		})
	})

	done := make(chan error, 1)
	go func() {
		_, err := c.ForceIndex(context.Background())
		done <- err
	}()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("ForceIndex blocked on a listener that changed subscriptions")
	}
	assert.Equal(t, []string{EventIndexed}, late.get())
}

func TestConfig_ApplyDefaults(t *testing.T) {
	cfg := Config{}
	cfg.ApplyDefaults()
	assert.Equal(t, DefaultConfig(), cfg)

	cfg = Config{BatchSize: 10, Workers: 1, QPSLimit: 100}
	cfg.ApplyDefaults()
	assert.Equal(t, 10, cfg.BatchSize)
}

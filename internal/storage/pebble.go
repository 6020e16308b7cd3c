package storage

import (
	"errors"
	"fmt"
	"os"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/bloom"
)

type pebbleBackend struct {
	db *pebble.DB
}

// OpenPebble opens a pebble database at cfg.Path.
func OpenPebble(cfg Config) (Backend, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("store path is required")
	}

	// Ensure directory exists
	if err := os.MkdirAll(cfg.Path, 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	cacheSize := cfg.BlockCacheSize
	if cacheSize <= 0 {
		cacheSize = DefaultConfig().BlockCacheSize
	}
	cache := pebble.NewCache(cacheSize)
	defer cache.Unref()

	opts := &pebble.Options{
		Cache: cache,
		Levels: []pebble.LevelOptions{
			{FilterPolicy: bloom.FilterPolicy(10)}, // 10 bits per key, ~1% false positive
		},
	}

	db, err := pebble.Open(cfg.Path, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble database: %w", err)
	}
	return &pebbleBackend{db: db}, nil
}

func (p *pebbleBackend) Get(key []byte) ([]byte, error) {
	value, closer, err := p.db.Get(key)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get key: %w", err)
	}
	defer closer.Close()

	out := make([]byte, len(value))
	copy(out, value)
	return out, nil
}

func (p *pebbleBackend) Scan(lower, upper []byte, fn func(key, value []byte) bool) error {
	iter, err := p.db.NewIter(&pebble.IterOptions{
		LowerBound: lower,
		UpperBound: upper,
	})
	if err != nil {
		return fmt.Errorf("failed to create iterator: %w", err)
	}

	for valid := iter.First(); valid; valid = iter.Next() {
		if !fn(iter.Key(), iter.Value()) {
			break
		}
	}

	if err := iter.Error(); err != nil {
		iter.Close()
		return fmt.Errorf("iterator error: %w", err)
	}
	return iter.Close()
}

func (p *pebbleBackend) Apply(ops []Op, sync bool) error {
	batch := p.db.NewBatch()
	defer batch.Close()

	for _, op := range ops {
		var err error
		if op.Delete {
			err = batch.Delete(op.Key, nil)
		} else {
			err = batch.Set(op.Key, op.Value, nil)
		}
		if err != nil {
			return fmt.Errorf("failed to stage batch op: %w", err)
		}
	}

	opts := pebble.NoSync
	if sync {
		opts = pebble.Sync
	}
	if err := batch.Commit(opts); err != nil {
		return fmt.Errorf("failed to commit batch: %w", err)
	}
	return nil
}

func (p *pebbleBackend) Close() error {
	if err := p.db.Close(); err != nil {
		return fmt.Errorf("failed to close pebble database: %w", err)
	}
	return nil
}

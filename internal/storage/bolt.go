package storage

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	bolt "go.etcd.io/bbolt"
)

// boltBucket holds every key of the store.
var boltBucket = []byte("contextdb")

type boltBackend struct {
	db *bolt.DB
}

// OpenBolt opens a bbolt file at cfg.Path. A directory path gets a
// contextdb.bolt file inside it.
func OpenBolt(cfg Config) (Backend, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("store path is required")
	}

	path := cfg.Path
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		path = filepath.Join(path, "contextdb.bolt")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{NoSync: !cfg.Sync})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(boltBucket); err != nil {
			return fmt.Errorf("failed to create internal bucket %q: %w", boltBucket, err)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &boltBackend{db: db}, nil
}

func (b *boltBackend) Get(key []byte) ([]byte, error) {
	var out []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(boltBucket).Get(key)
		if v == nil {
			return ErrNotFound
		}
		out = make([]byte, len(v))
		copy(out, v)
		return nil
	})
	return out, err
}

func (b *boltBackend) Scan(lower, upper []byte, fn func(key, value []byte) bool) error {
	return b.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(boltBucket).Cursor()

		var k, v []byte
		if len(lower) == 0 {
			k, v = c.First()
		} else {
			k, v = c.Seek(lower)
		}
		for ; k != nil; k, v = c.Next() {
			if upper != nil && bytes.Compare(k, upper) >= 0 {
				return nil
			}
			if !fn(k, v) {
				return nil
			}
		}
		return nil
	})
}

func (b *boltBackend) Apply(ops []Op, _ bool) error {
	err := b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(boltBucket)
		for _, op := range ops {
			var err error
			if op.Delete {
				err = bucket.Delete(op.Key)
			} else {
				err = bucket.Put(op.Key, op.Value)
			}
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to commit batch: %w", err)
	}
	return nil
}

func (b *boltBackend) Close() error {
	if err := b.db.Close(); err != nil {
		return fmt.Errorf("failed to close bolt database: %w", err)
	}
	return nil
}

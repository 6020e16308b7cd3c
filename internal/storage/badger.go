package storage

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/dgraph-io/badger/v4"
)

type badgerBackend struct {
	db *badger.DB
}

// badgerLogger routes badger's internal logging through slog.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// OpenBadger opens a badger database at cfg.Path, or an in-memory one when
// Path is empty.
func OpenBadger(cfg Config) (Backend, error) {
	var opts badger.Options
	if cfg.Path == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}

	opts = opts.WithSyncWrites(cfg.Sync).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger.With("component", "badger")})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger database: %w", err)
	}
	return &badgerBackend{db: db}, nil
}

func (b *badgerBackend) Get(key []byte) ([]byte, error) {
	var out []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get key: %w", err)
	}
	return out, nil
}

func (b *badgerBackend) Scan(lower, upper []byte, fn func(key, value []byte) bool) error {
	err := b.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		if len(lower) == 0 {
			it.Rewind()
		} else {
			it.Seek(lower)
		}
		for ; it.Valid(); it.Next() {
			item := it.Item()
			key := item.Key()
			if upper != nil && bytes.Compare(key, upper) >= 0 {
				return nil
			}
			value, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if !fn(key, value) {
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to scan: %w", err)
	}
	return nil
}

// Apply uses a single transaction; batches beyond badger's transaction
// size limit fail with badger.ErrTxnTooBig rather than being split.
func (b *badgerBackend) Apply(ops []Op, _ bool) error {
	txn := b.db.NewTransaction(true)
	defer txn.Discard()

	for _, op := range ops {
		var err error
		if op.Delete {
			err = txn.Delete(op.Key)
		} else {
			err = txn.Set(op.Key, op.Value)
		}
		if err != nil {
			return fmt.Errorf("failed to stage batch op: %w", err)
		}
	}
	if err := txn.Commit(); err != nil {
		return fmt.Errorf("failed to commit batch: %w", err)
	}
	return nil
}

func (b *badgerBackend) Close() error {
	if err := b.db.Close(); err != nil {
		return fmt.Errorf("failed to close badger database: %w", err)
	}
	return nil
}

package storage

import (
	"fmt"
	"log/slog"
	"path/filepath"
)

// Backend is an ordered byte-key engine. Keys compare lexicographically.
type Backend interface {
	// Get returns a copy of the value stored under key, or ErrNotFound.
	Get(key []byte) ([]byte, error)

	// Scan calls fn for every key in [lower, upper) in ascending order
	// until fn returns false. A nil bound is open. Slices passed to fn are
	// only valid for the duration of the call.
	Scan(lower, upper []byte, fn func(key, value []byte) bool) error

	// Apply writes ops atomically. sync requests durability before returning.
	Apply(ops []Op, sync bool) error

	// Close releases the engine.
	Close() error
}

// Backend names accepted by Config.Backend.
const (
	BackendPebble = "pebble"
	BackendBadger = "badger"
	BackendBolt   = "bolt"
	BackendMemory = "memory"
)

// Config selects and configures a backend.
type Config struct {
	// Backend is one of pebble, badger, bolt, memory. Defaults to pebble.
	Backend string `yaml:"backend" validate:"oneof=pebble badger bolt memory"`

	// Path is the data directory (pebble, badger) or file (bolt).
	Path string `yaml:"path"`

	// Sync makes every batch durable before it is published.
	Sync bool `yaml:"sync"`

	// BlockCacheSize is the pebble block cache size in bytes.
	BlockCacheSize int64 `yaml:"block_cache_size" validate:"gte=0"`

	// Logger for backend internals.
	Logger *slog.Logger `yaml:"-"`
}

// DefaultConfig returns the default storage configuration.
func DefaultConfig() Config {
	return Config{
		Backend:        BackendPebble,
		Path:           "data/contextdb",
		Sync:           true,
		BlockCacheSize: 64 * 1024 * 1024, // 64MB
	}
}

// ApplyDefaults fills zero values.
func (c *Config) ApplyDefaults() {
	if c.Backend == "" {
		c.Backend = BackendPebble
	}
	if c.Path == "" && c.Backend != BackendMemory {
		c.Path = "data/contextdb"
	}
	if c.BlockCacheSize == 0 {
		c.BlockCacheSize = 64 * 1024 * 1024
	}
}

// ResolvePaths makes a relative Path relative to dataDir.
func (c *Config) ResolvePaths(dataDir string) {
	if c.Path != "" && !filepath.IsAbs(c.Path) && dataDir != "" {
		c.Path = filepath.Join(dataDir, c.Path)
	}
}

// OpenBackend opens the backend named by cfg.Backend.
func OpenBackend(cfg Config) (Backend, error) {
	cfg.ApplyDefaults()
	switch cfg.Backend {
	case BackendPebble:
		return OpenPebble(cfg)
	case BackendBadger:
		return OpenBadger(cfg)
	case BackendBolt:
		return OpenBolt(cfg)
	case BackendMemory:
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

// Open opens the configured backend and wraps it in a Store.
func Open(cfg Config) (*Store, error) {
	backend, err := OpenBackend(cfg)
	if err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	return New(backend, Options{Name: cfg.Backend, Sync: cfg.Sync, Logger: cfg.Logger}), nil
}

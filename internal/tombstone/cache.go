// Package tombstone remembers the last payload of deleted documents for a
// short grace window, so delete notifications can carry it.
package tombstone

import (
	"math"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/syntrixbase/contextdb/pkg/model"
)

// Config controls the grace window.
type Config struct {
	// TTL is measured from the most recent Set of a key.
	// Defaults to 3s.
	TTL time.Duration `yaml:"ttl"`

	// MaxEntries bounds the cache. Zero means unbounded, which lets bursts
	// of deletes grow memory until their entries expire.
	MaxEntries int `yaml:"max_entries" validate:"gte=0"`
}

// DefaultConfig returns the default tombstone configuration.
func DefaultConfig() Config {
	return Config{
		TTL: 3 * time.Second,
	}
}

// ApplyDefaults fills zero values.
func (c *Config) ApplyDefaults() {
	if c.TTL <= 0 {
		c.TTL = 3 * time.Second
	}
	if c.MaxEntries < 0 {
		c.MaxEntries = 0
	}
}

// Cache maps document keys to their last known payload. It runs no
// goroutine: expired entries are hidden by Get and dropped by later Sets.
type Cache struct {
	ttl time.Duration
	now func() time.Time

	// mu orders Set with the expiry sweep. Reads go through the
	// lru's own lock.
	mu  sync.Mutex
	lru *lru.Cache[string, entry]
}

type entry struct {
	doc     model.Document
	expires time.Time
}

// New creates a cache.
func New(cfg Config) *Cache {
	cfg.ApplyDefaults()
	size := cfg.MaxEntries
	if size == 0 {
		size = math.MaxInt
	}
	// lru.New only fails for a non-positive size.
	l, _ := lru.New[string, entry](size)
	return &Cache{ttl: cfg.TTL, now: time.Now, lru: l}
}

// Set stores doc under key and restarts its timer.
func (c *Cache) Set(key string, doc model.Document) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	c.lru.Add(key, entry{doc: doc.Clone(), expires: now.Add(c.ttl)})
	c.sweep(now)
}

// sweep drops expired entries from the old end. Get only peeks, so
// recency order is Set order and the oldest entry expires first.
func (c *Cache) sweep(now time.Time) {
	for {
		_, e, ok := c.lru.GetOldest()
		if !ok || now.Before(e.expires) {
			return
		}
		c.lru.RemoveOldest()
	}
}

// Get returns a copy of the payload, or false if absent or expired.
func (c *Cache) Get(key string) (model.Document, bool) {
	e, ok := c.lru.Peek(key)
	if !ok || !c.now().Before(e.expires) {
		return nil, false
	}
	return e.doc.Clone(), true
}

// Len returns the number of entries, including expired ones not yet swept.
func (c *Cache) Len() int {
	return c.lru.Len()
}

package indexer

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

const lockStripes = 64

// Locks is a striped lock table keyed by string. Distinct keys may share a
// stripe. The zero value is ready to use.
type Locks struct {
	stripes [lockStripes]sync.Mutex
}

// Lock locks the stripe of key and returns its release function.
func (l *Locks) Lock(key string) func() {
	mu := &l.stripes[stripe(key)]
	mu.Lock()
	return mu.Unlock
}

// LockKeys locks the stripes of every key in ascending stripe order, so
// concurrent callers never deadlock.
func (l *Locks) LockKeys(keys []string) func() {
	var held [lockStripes]bool
	for _, k := range keys {
		held[stripe(k)] = true
	}
	for i := range held {
		if held[i] {
			l.stripes[i].Lock()
		}
	}
	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			if held[i] {
				l.stripes[i].Unlock()
			}
		}
	}
}

func stripe(key string) int {
	return int(xxhash.Sum64String(key) % lockStripes)
}

// Package tree holds the materialized JSON value of a context. Values are
// addressed by dot-separated paths; collections are lists of documents kept
// sorted by primary key. Every mutation goes through the tree's mutex and
// listeners receive change records emitted by the owner.
package tree

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/syntrixbase/contextdb/pkg/model"
)

// Action describes what a change did.
type Action string

const (
	ActionSet    Action = "set"
	ActionRemove Action = "remove"
)

// Info describes the origin of a change.
type Info struct {
	// Matcher is the ref of the matcher whose results changed.
	Matcher string
	// Source identifies who made the change: an engine id, a context id,
	// or an application label.
	Source string
	Action Action
	Time   time.Time
}

// Change is a change record delivered to listeners.
type Change struct {
	Path  string
	Value interface{}
	Info  Info
}

// Tree is a concurrency-safe JSON value tree.
type Tree struct {
	mu   sync.RWMutex
	root map[string]interface{}

	lmu       sync.RWMutex
	listeners map[int]func(Change)
	nextID    int
}

// New returns a tree holding a deep copy of data.
func New(data map[string]interface{}) *Tree {
	root, _ := model.CloneValue(data).(map[string]interface{})
	if root == nil {
		root = make(map[string]interface{})
	}
	return &Tree{
		root:      root,
		listeners: make(map[int]func(Change)),
	}
}

func split(path string) []string {
	if path == "" {
		return nil
	}
	return strings.Split(path, ".")
}

// lookup walks path without copying. Callers hold mu.
func (t *Tree) lookup(path string) (interface{}, bool) {
	var cur interface{} = t.root
	for _, part := range split(path) {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// Get returns a copy of the value at path. The empty path is the root.
func (t *Tree) Get(path string) (interface{}, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	v, ok := t.lookup(path)
	if !ok {
		return nil, false
	}
	return model.CloneValue(v), true
}

// Set stores a copy of value at path, creating intermediate objects.
func (t *Tree) Set(path string, value interface{}) error {
	parts := split(path)
	if len(parts) == 0 {
		return fmt.Errorf("cannot set the root")
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	parent, err := t.parent(parts)
	if err != nil {
		return err
	}
	parent[parts[len(parts)-1]] = normalize(value)
	return nil
}

// Remove deletes the value at path and reports whether it existed.
func (t *Tree) Remove(path string) bool {
	parts := split(path)
	if len(parts) == 0 {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.lookup(strings.Join(parts[:len(parts)-1], "."))
	if !ok {
		return false
	}
	m, ok := v.(map[string]interface{})
	if !ok {
		return false
	}
	if _, exists := m[parts[len(parts)-1]]; !exists {
		return false
	}
	delete(m, parts[len(parts)-1])
	return true
}

// UpsertItem inserts item into the list at path, or replaces the item with
// the same primary key. The list stays sorted by primary key.
func (t *Tree) UpsertItem(path, pkField string, item map[string]interface{}) error {
	parts := split(path)
	if len(parts) == 0 {
		return fmt.Errorf("cannot use the root as a list")
	}
	pk := item[pkField]

	t.mu.Lock()
	defer t.mu.Unlock()
	parent, err := t.parent(parts)
	if err != nil {
		return err
	}
	name := parts[len(parts)-1]
	list, _ := parent[name].([]interface{})

	value := normalize(item)
	i := sort.Search(len(list), func(i int) bool {
		return comparePK(itemPK(list[i], pkField), pk) >= 0
	})
	if i < len(list) && comparePK(itemPK(list[i], pkField), pk) == 0 {
		list[i] = value
	} else {
		list = append(list, nil)
		copy(list[i+1:], list[i:])
		list[i] = value
	}
	parent[name] = list
	return nil
}

// RemoveItem removes the item with primary key pk from the list at path
// and returns it.
func (t *Tree) RemoveItem(path, pkField string, pk interface{}) (map[string]interface{}, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	parts := split(path)
	if len(parts) == 0 {
		return nil, false
	}
	v, ok := t.lookup(strings.Join(parts[:len(parts)-1], "."))
	if !ok {
		return nil, false
	}
	parent, ok := v.(map[string]interface{})
	if !ok {
		return nil, false
	}
	name := parts[len(parts)-1]
	list, _ := parent[name].([]interface{})
	for i, item := range list {
		if comparePK(itemPK(item, pkField), pk) == 0 {
			removed, _ := item.(map[string]interface{})
			parent[name] = append(list[:i:i], list[i+1:]...)
			return removed, true
		}
	}
	return nil, false
}

// parent returns the object holding the last path segment, creating
// missing objects. Callers hold mu.
func (t *Tree) parent(parts []string) (map[string]interface{}, error) {
	cur := t.root
	for i, part := range parts[:len(parts)-1] {
		next, exists := cur[part]
		if !exists || next == nil {
			m := make(map[string]interface{})
			cur[part] = m
			cur = m
			continue
		}
		m, ok := next.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("path %q is not an object", strings.Join(parts[:i+1], "."))
		}
		cur = m
	}
	return cur, nil
}

// Subscribe registers fn for emitted changes. After the returned function
// returns, fn is not called again by later Emit calls.
func (t *Tree) Subscribe(fn func(Change)) (cancel func()) {
	t.lmu.Lock()
	id := t.nextID
	t.nextID++
	t.listeners[id] = fn
	t.lmu.Unlock()

	return func() {
		t.lmu.Lock()
		delete(t.listeners, id)
		t.lmu.Unlock()
	}
}

// Emit delivers change to every listener in subscription order.
func (t *Tree) Emit(change Change) {
	t.lmu.RLock()
	ids := make([]int, 0, len(t.listeners))
	for id := range t.listeners {
		ids = append(ids, id)
	}
	t.lmu.RUnlock()
	sort.Ints(ids)

	for _, id := range ids {
		t.lmu.RLock()
		fn, ok := t.listeners[id]
		t.lmu.RUnlock()
		if ok {
			fn(change)
		}
	}
}

// Snapshot returns a deep copy of the whole tree.
func (t *Tree) Snapshot() map[string]interface{} {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return model.CloneValue(t.root).(map[string]interface{})
}

// Restore replaces the tree with a deep copy of snapshot. Listeners are kept.
func (t *Tree) Restore(snapshot map[string]interface{}) {
	root, _ := model.CloneValue(snapshot).(map[string]interface{})
	if root == nil {
		root = make(map[string]interface{})
	}
	t.mu.Lock()
	t.root = root
	t.mu.Unlock()
}

// normalize deep copies value and turns documents into plain objects.
func normalize(value interface{}) interface{} {
	switch v := value.(type) {
	case model.Document:
		return model.CloneValue(map[string]interface{}(v))
	default:
		return model.CloneValue(v)
	}
}

func itemPK(item interface{}, pkField string) interface{} {
	m, ok := item.(map[string]interface{})
	if !ok {
		return nil
	}
	return m[pkField]
}

// comparePK orders primary keys: numbers numerically, everything else by
// its string form, numbers before strings.
func comparePK(a, b interface{}) int {
	na, aNum := model.ToInt(a)
	nb, bNum := model.ToInt(b)
	if _, isStr := a.(string); isStr {
		aNum = false
	}
	if _, isStr := b.(string); isStr {
		bNum = false
	}
	switch {
	case aNum && bNum:
		switch {
		case na < nb:
			return -1
		case na > nb:
			return 1
		}
		return 0
	case aNum:
		return -1
	case bNum:
		return 1
	}
	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
}

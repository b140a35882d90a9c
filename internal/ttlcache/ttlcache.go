// Package ttlcache is the read-through cache table shared by the resolvers.
//
// A Table maps a composite string key to a value with its own expiry. Entries
// are never merged: Set replaces the previous value and its deadline. Expired
// entries are invisible to Get and are swept in bulk before prefix
// invalidation or stats. There is no background janitor, so a Table
// owns no goroutine and needs no Close.
//
// Each resolver owns its own Table; there is no process-global instance.
package ttlcache

import (
	"sort"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// Table is a TTL-keyed map safe for concurrent use.
type Table[V any] struct {
	items *gocache.Cache
	ttl   time.Duration
}

// Stats describes the current contents of a Table.
type Stats struct {
	Size int      `json:"size"`
	Keys []string `json:"keys"`
}

// New returns a Table whose entries live for ttl. A non-positive ttl falls
// back to five minutes.
func New[V any](ttl time.Duration) *Table[V] {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Table[V]{
		items: gocache.New(ttl, 0),
		ttl:   ttl,
	}
}

// TTL returns the entry lifetime.
func (t *Table[V]) TTL() time.Duration { return t.ttl }

// Get returns the live value stored under key.
func (t *Table[V]) Get(key string) (V, bool) {
	var zero V
	// A miss leaves the slot alone; a concurrent Set may already own it.
	raw, ok := t.items.Get(key)
	if !ok {
		return zero, false
	}
	v, ok := raw.(V)
	if !ok {
		return zero, false
	}
	return v, true
}

// Set stores v under key, replacing any previous entry and deadline.
func (t *Table[V]) Set(key string, v V) {
	t.items.Set(key, v, t.ttl)
}

// Delete removes key.
func (t *Table[V]) Delete(key string) {
	t.items.Delete(key)
}

// DeletePrefix removes every entry whose key starts with prefix and returns
// how many were removed.
func (t *Table[V]) DeletePrefix(prefix string) int {
	t.items.DeleteExpired()
	n := 0
	for k := range t.items.Items() {
		if strings.HasPrefix(k, prefix) {
			t.items.Delete(k)
			n++
		}
	}
	return n
}

// Clear empties the table.
func (t *Table[V]) Clear() {
	t.items.Flush()
}

// Len reports the number of live entries.
func (t *Table[V]) Len() int {
	t.items.DeleteExpired()
	return t.items.ItemCount()
}

// Stats returns the live entry count and their sorted keys.
func (t *Table[V]) Stats() Stats {
	t.items.DeleteExpired()
	items := t.items.Items()
	keys := make([]string, 0, len(items))
	for k := range items {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return Stats{Size: len(keys), Keys: keys}
}

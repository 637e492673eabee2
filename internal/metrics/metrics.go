// Package metrics keeps process-wide operation counters for vcdb.
package metrics

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
)

// Keys are counter names, values are *atomic.Int64.
var registry sync.Map

func counter(name string) *atomic.Int64 {
	if c, ok := registry.Load(name); ok {
		return c.(*atomic.Int64)
	}
	c, _ := registry.LoadOrStore(name, new(atomic.Int64))
	return c.(*atomic.Int64)
}

// Inc increments a counter by 1.
func Inc(name string) {
	counter(name).Add(1)
}

// Add adds delta to a counter.
func Add(name string, delta int64) {
	counter(name).Add(delta)
}

// Get returns the current value of a counter.
func Get(name string) int64 {
	c, ok := registry.Load(name)
	if !ok {
		return 0
	}
	return c.(*atomic.Int64).Load()
}

// Snapshot copies every counter.
func Snapshot() map[string]int64 {
	out := make(map[string]int64)
	registry.Range(func(key, value any) bool {
		out[key.(string)] = value.(*atomic.Int64).Load()
		return true
	})
	return out
}

// Names returns the counter names in sorted order.
func Names() []string {
	var names []string
	registry.Range(func(key, _ any) bool {
		names = append(names, key.(string))
		return true
	})
	sort.Strings(names)
	return names
}

// Reset zeroes every counter.
func Reset() {
	registry.Range(func(_, value any) bool {
		value.(*atomic.Int64).Store(0)
		return true
	})
}

// Handler exposes all counters as JSON.
func Handler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(Snapshot())
}

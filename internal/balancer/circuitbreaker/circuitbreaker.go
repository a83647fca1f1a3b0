// Package circuitbreaker implements the process-global concurrent-request
// counter keyed by (cluster, eds_service_name): every cluster config
// sharing a key shares one counter, reference-counted so the last policy
// dropping it removes the entry.
package circuitbreaker

import (
	"sync"
	"sync/atomic"
)

// Key identifies a shared counter. Two cluster configs that agree on both
// fields must see the same live count.
type Key struct {
	Cluster        string
	EDSServiceName string
}

// Counter is an atomic request counter shared by every xDS cluster policy
// instance bound to the same Key.
type Counter struct {
	key   Key
	n     int64
	owner *Registry
}

// Load returns the current in-flight request count.
func (c *Counter) Load() int64 { return atomic.LoadInt64(&c.n) }

// Inc increments the counter; called from a call tracker's Start(), not at
// pick time, so the circuit-breaking check and the increment are not
// atomic with respect to each other.
func (c *Counter) Inc() int64 { return atomic.AddInt64(&c.n, 1) }

// Dec decrements the counter; called from a call tracker's Finish().
func (c *Counter) Dec() int64 { return atomic.AddInt64(&c.n, -1) }

// Release drops this policy's reference; once the last reference to key is
// released the entry is removed from the registry.
func (c *Counter) Release() {
	if c.owner == nil {
		return
	}
	c.owner.release(c)
}

type entry struct {
	counter  *Counter
	refcount int
}

// Registry is an explicit process registry of shared circuit-breaker
// counters, keyed by (cluster, eds_service_name). Callers that want counter
// sharing scoped to something other than the whole process (e.g. one per
// test, one per xDS client instance) construct their own with NewRegistry
// and pass it in at init rather than relying on the package-level Default.
type Registry struct {
	mu      sync.Mutex
	entries map[Key]*entry
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{entries: map[Key]*entry{}}
}

// GetOrCreate returns a strong reference to key's shared counter, creating
// it on first use. Each call must be balanced by exactly one Counter.Release.
func (r *Registry) GetOrCreate(key Key) *Counter {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.entries == nil {
		r.entries = map[Key]*entry{}
	}
	e, ok := r.entries[key]
	if !ok {
		e = &entry{counter: &Counter{key: key, owner: r}}
		r.entries[key] = e
	}
	e.refcount++
	return e.counter
}

func (r *Registry) release(c *Counter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[c.key]
	if !ok || e.counter != c {
		return
	}
	e.refcount--
	if e.refcount <= 0 {
		delete(r.entries, c.key)
	}
}

// Len reports the number of live entries, for tests.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// defaultRegistry is the process-wide Registry used by callers that don't
// supply their own, preserved for backward-compatible ambient use (e.g.
// short-lived test helpers that don't wire a Config.Registry).
var defaultRegistry = NewRegistry()

// Default returns the process-wide Registry, for callers that have no
// narrower scope to construct their own with NewRegistry.
func Default() *Registry {
	return defaultRegistry
}

// GetOrCreate returns a strong reference to the process-global counter for
// key, creating it if this is the first live reference.
func GetOrCreate(key Key) *Counter {
	return defaultRegistry.GetOrCreate(key)
}

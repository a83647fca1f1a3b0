package engine

import (
	"sync"

	"github.com/marmos91/rpccore/pkg/bufpool"
)

// Allocator is a byte-budget-bounded MemoryAllocator backed by bufpool.
// Reservations draw down the budget; when the budget is exhausted,
// MakeReservation fails and the caller is expected to register a reclaimer
// via PostReclaimer. Reclaimers are invoked, in registration order, the
// next time a Reservation is released — this is the pressure-relief signal
// the posix engine uses to free buffered-but-not-yet-delivered reads.
type Allocator struct {
	pool *bufpool.Pool

	mu         sync.Mutex
	budget     int
	used       int
	reclaimers []func()
}

// NewAllocator constructs an Allocator with the given total byte budget,
// backed by pool. A nil pool is replaced by a new pool with bufpool's
// default size classes.
func NewAllocator(budgetBytes int, pool *bufpool.Pool) *Allocator {
	if pool == nil {
		pool = bufpool.NewPool(nil)
	}
	return &Allocator{pool: pool, budget: budgetBytes}
}

// MakeReservation reserves bytes from the budget. Returns (nil, false) if
// the budget is exhausted.
func (a *Allocator) MakeReservation(bytes int) (*Reservation, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.used+bytes > a.budget {
		return nil, false
	}
	a.used += bytes
	return &Reservation{bytes: bytes, alloc: a}, true
}

// PostReclaimer registers callback to run the next time budget is released
// back by a Reservation.
func (a *Allocator) PostReclaimer(callback func()) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.reclaimers = append(a.reclaimers, callback)
}

func (a *Allocator) release(bytes int) {
	a.mu.Lock()
	a.used -= bytes
	if a.used < 0 {
		a.used = 0
	}
	reclaimers := a.reclaimers
	a.reclaimers = nil
	a.mu.Unlock()

	for _, r := range reclaimers {
		r()
	}
}

// Buffer acquires a pooled buffer of size bytes. Callers pair this with
// bufpool.Put (via the pool field's Put, exposed through PutBuffer) once the
// buffer is no longer needed.
func (a *Allocator) Buffer(size int) []byte {
	return a.pool.Get(size)
}

// PutBuffer returns a buffer obtained from Buffer to the underlying pool.
func (a *Allocator) PutBuffer(buf []byte) {
	a.pool.Put(buf)
}

// Pool returns the underlying bufpool.Pool, so collaborators that need their
// own pooled buffers (e.g. a zerocopy.Ctx) can share the allocator's pool
// instead of constructing an unrelated one.
func (a *Allocator) Pool() *bufpool.Pool {
	return a.pool
}

// Used returns the currently reserved byte count, for tests.
func (a *Allocator) Used() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.used
}

var _ MemoryAllocator = (*Allocator)(nil)

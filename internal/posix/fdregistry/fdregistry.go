// Package fdregistry provides a generation-tagged file-descriptor handle
// table. Handles issued before a fork become invalid the moment the registry
// advances its generation, without requiring every holder to be notified
// synchronously.
package fdregistry

import (
	"fmt"
	"runtime"
	"sync"

	"github.com/marmos91/rpccore/internal/errs"
	"github.com/marmos91/rpccore/internal/logger"
)

// Handle is a (fd, generation) pair. It is only meaningful to the Registry
// that produced it; Get fails with ErrWrongGeneration if the registry has
// moved on.
type Handle struct {
	fd         int
	generation uint64
}

// Fd returns the raw descriptor this handle was adopted with, regardless of
// whether the handle is still valid. Callers must confirm validity via Get
// before using the value for syscalls.
func (h Handle) Fd() int { return h.fd }

// Generation returns the generation this handle was tagged with.
func (h Handle) Generation() uint64 { return h.generation }

// Registry is a set of raw fds guarded by a mutex, plus a monotonically
// increasing generation counter. Fork-invalidation tracking is only
// meaningful on Linux; on other platforms Adopt does not track fds, so the
// set stays empty and AdvanceGeneration, still safe to call, drains nothing.
type Registry struct {
	mu         sync.Mutex
	generation uint64
	fds        map[int]struct{}
	forkAware  bool
}

// New constructs an empty registry starting at generation 1.
func New() *Registry {
	return &Registry{
		generation: 1,
		fds:        make(map[int]struct{}),
		forkAware:  runtime.GOOS == "linux",
	}
}

// Adopt inserts fd into the current generation's set and returns a handle
// tagged with that generation.
func (r *Registry) Adopt(fd int) Handle {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.forkAware {
		r.fds[fd] = struct{}{}
	}
	return Handle{fd: fd, generation: r.generation}
}

// Close removes the handle's fd from the set only if the handle's generation
// matches the current generation. It returns true only in that case, so the
// caller knows whether it is now responsible for syscall-closing the fd.
func (r *Registry) Close(h Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if h.generation != r.generation {
		return false
	}
	if r.forkAware {
		if _, ok := r.fds[h.fd]; !ok {
			return false
		}
		delete(r.fds, h.fd)
	}
	return true
}

// Get returns the raw fd for h, or ErrWrongGeneration if h predates the
// registry's current generation.
func (r *Registry) Get(h Handle) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if h.generation != r.generation {
		return 0, fmt.Errorf("fdregistry: handle fd=%d gen=%d: %w", h.fd, h.generation, errs.ErrWrongGeneration)
	}
	return h.fd, nil
}

// AdvanceGeneration atomically increments the generation counter and drains
// the tracked fd set, returning the raw fds the caller must now close. Every
// handle issued before this call becomes WrongGeneration.
func (r *Registry) AdvanceGeneration() []int {
	r.mu.Lock()
	defer r.mu.Unlock()

	drained := make([]int, 0, len(r.fds))
	for fd := range r.fds {
		drained = append(drained, fd)
	}
	r.fds = make(map[int]struct{})
	r.generation++

	logger.Info("fdregistry generation advanced",
		logger.Generation(r.generation),
		"drained_count", len(drained))

	return drained
}

// Generation returns the current generation, mostly useful for tests.
func (r *Registry) Generation() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.generation
}

// Size returns the number of fds currently tracked.
func (r *Registry) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.fds)
}

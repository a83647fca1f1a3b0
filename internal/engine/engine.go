// Package engine provides the external-collaborator contracts consumed by
// the posix I/O engine and the load-balancing core — a readiness poller, a
// single-threaded work serializer, a timer-based event engine, and a
// reservation-based memory allocator — plus default, fully runnable
// implementations of each.
package engine

import "context"

// Status carries a terminal reason, mirroring the taxonomy in internal/errs
// without importing it directly (engine has no opinion on error kinds).
type Status struct {
	Err error
}

// OK reports whether the status carries no error.
func (s Status) OK() bool { return s.Err == nil }

// PollHandle is the per-fd registration returned by Poller.CreateHandle.
// Exactly one handle exists per fd; implementations must be safe for
// concurrent use.
type PollHandle interface {
	// NotifyOnRead arms a one-shot readiness notification; closure runs
	// once the fd is readable. If the handle has been orphaned, closure runs
	// immediately with a zero (OK) Status.
	NotifyOnRead(closure func(Status))
	// NotifyOnWrite is the write-readiness analogue of NotifyOnRead.
	NotifyOnWrite(closure func(Status))
	// NotifyOnError arms a notification for out-of-band error-queue
	// readiness (used for zerocopy completions and timestamping).
	NotifyOnError(closure func(Status))
	// Shutdown tears down the handle, delivering status to any pending
	// notifications.
	Shutdown(status Status)
	// Orphan releases the handle; onReleaseFd is invoked once with the raw
	// fd (ownership transferred back to the caller) after any in-flight
	// notifications drain.
	Orphan(onReleaseFd func(fd int, err error))
}

// Poller creates PollHandles for raw fds.
type Poller interface {
	CreateHandle(fd int, name string, trackErrors bool) PollHandle
}

// WorkSerializer runs closures one at a time, in FIFO order, never
// concurrently with itself.
type WorkSerializer interface {
	// Run schedules closure for execution and returns immediately.
	Run(closure func())
	// Schedule is semantically identical to Run; it exists separately to
	// mirror the source's run/schedule distinction (schedule never runs the
	// closure inline even when called from the serializer's own goroutine).
	Schedule(closure func())
}

// TaskHandle identifies a scheduled EventEngine task for cancellation.
type TaskHandle struct {
	id         uint64
	generation uint64
}

// EventEngine schedules closures to run after a delay.
type EventEngine interface {
	RunAfter(closure func()) TaskHandle
	Cancel(h TaskHandle) bool
}

// Reservation represents bytes reserved from a MemoryAllocator's budget.
// Release must be called exactly once.
type Reservation struct {
	bytes int
	alloc *Allocator
}

// Release returns the reserved bytes to the allocator's budget.
func (r *Reservation) Release() {
	if r == nil || r.alloc == nil {
		return
	}
	r.alloc.release(r.bytes)
	r.alloc = nil
}

// MemoryAllocator hands out byte-budget reservations and calls registered
// reclaimers under pressure.
type MemoryAllocator interface {
	MakeReservation(bytes int) (*Reservation, bool)
	PostReclaimer(callback func())
}

// Ctx is a convenience alias so callers of this package don't need to import
// context separately for the common case of a cancellable background task.
type Ctx = context.Context

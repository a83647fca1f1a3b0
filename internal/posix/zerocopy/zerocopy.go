// Package zerocopy implements the bounded pool of outstanding MSG_ZEROCOPY
// send records and the OptMem state machine that detects kernel optmem
// pressure separately from generic backpressure.
package zerocopy

import (
	"fmt"
	"sync"

	"github.com/marmos91/rpccore/internal/errs"
	"github.com/marmos91/rpccore/internal/logger"
	"github.com/marmos91/rpccore/pkg/bufpool"
)

// OptMemState is the three-state machine guarding ENOBUFS interpretation.
type OptMemState int

const (
	StateOpen OptMemState = iota
	StateFull
	StateCheck
)

func (s OptMemState) String() string {
	switch s {
	case StateOpen:
		return "OPEN"
	case StateFull:
		return "FULL"
	case StateCheck:
		return "CHECK"
	default:
		return "UNKNOWN"
	}
}

// Record owns the slice buffer submitted to a single write call. refcount is
// 1 for the outer write plus 1 per outstanding sendmsg referencing it.
type Record struct {
	Buf      []byte
	SliceIdx int
	ByteIdx  int

	refcount int32
	seq      int64 // -1 when not mapped into the sequence table
}

// Ref increments the record's refcount.
func (r *Record) Ref() { r.refcount++ }

// Unref decrements the record's refcount and zeroes the buffer once it
// reaches zero. Returns true the one time the refcount hits zero.
func (r *Record) Unref() bool {
	r.refcount--
	if r.refcount < 0 {
		panic("zerocopy: record unref below zero")
	}
	if r.refcount == 0 {
		for i := range r.Buf {
			r.Buf[i] = 0
		}
		return true
	}
	return false
}

// Ctx is a pool of maxSends Records, a free-list, a sequence->record map,
// and the OptMem state machine. All mutable state is guarded by mu.
type Ctx struct {
	mu sync.Mutex

	maxSends int
	pool     *bufpool.Pool

	free      []*Record
	inFlight  map[int64]*Record
	lastSend  int64
	optMem    OptMemState
	writeBusy bool

	shutdownFlag  bool
	memoryLimited bool
}

// New constructs a Ctx with maxSends records of bufSize bytes each. If the
// initial pool allocation fails (cannot happen with bufpool, which never
// errors, but retained for parity with the contract), the context starts in
// memory-limited mode and zerocopy is disabled for its lifetime — this is
// not treated as fatal.
func New(maxSends, bufSize int, pool *bufpool.Pool) *Ctx {
	c := &Ctx{
		maxSends: maxSends,
		pool:     pool,
		free:     make([]*Record, 0, maxSends),
		inFlight: make(map[int64]*Record, maxSends),
		optMem:   StateOpen,
		lastSend: 0,
	}
	if pool == nil {
		c.memoryLimited = true
		return c
	}
	if bufSize > pool.LargeSize() {
		logger.Warn("zerocopy: send record size exceeds pool's large tier, records will not be pooled",
			"record_size", bufSize, "pool_large_size", pool.LargeSize())
	}
	for i := 0; i < maxSends; i++ {
		c.free = append(c.free, &Record{Buf: pool.Get(bufSize), seq: -1})
	}
	return c
}

// MemoryLimited reports whether zerocopy is disabled because the pool could
// not be constructed.
func (c *Ctx) MemoryLimited() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.memoryLimited
}

// GetSendRecord pops a record off the free-list. Returns nil if none are
// free or the context has been shut down.
func (c *Ctx) GetSendRecord() *Record {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.shutdownFlag || c.memoryLimited || len(c.free) == 0 {
		return nil
	}
	n := len(c.free) - 1
	r := c.free[n]
	c.free = c.free[:n]
	r.refcount = 1
	return r
}

// NoteSend increments last_send and maps it to record under the lock. The
// caller then issues sendmsg using that sequence number.
func (c *Ctx) NoteSend(r *Record) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.lastSend++
	r.seq = c.lastSend
	r.Ref()
	c.inFlight[c.lastSend] = r
	c.writeBusy = true
	return c.lastSend
}

// UndoSend reverses a NoteSend whose sendmsg failed before being issued:
// decrements last_send and drops one ref on the record.
func (c *Ctx) UndoSend(r *Record) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.inFlight, r.seq)
	c.lastSend--
	if r.Unref() {
		c.free = append(c.free, r)
	}
}

// ReleaseSendRecord is invoked when the error queue reports completion for
// sequence s; it drops one ref on the mapped record.
func (c *Ctx) ReleaseSendRecord(seq int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	r, ok := c.inFlight[seq]
	if !ok {
		return
	}
	delete(c.inFlight, seq)
	if r.Unref() {
		c.free = append(c.free, r)
	}
}

// ReleaseOuterRef drops the outer-write ref taken by GetSendRecord, distinct
// from the in-flight ref ReleaseSendRecord drops on the error queue's say-so.
// The caller invokes this once it is done referencing rec's buffer from the
// write path itself — on synchronous completion, on a partial send handed
// off to the plain path, and when abandoning the record after UndoSend.
func (c *Ctx) ReleaseOuterRef(r *Record) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if r.Unref() {
		c.free = append(c.free, r)
	}
}

// UpdateAfterSend clears the write-in-progress flag and applies the OptMem
// transition table for a completed sendmsg call. wasResourceConstrained is
// true when seenENOBUFS and exactly one record was outstanding (the process
// lacks memlock budget, not generic backpressure).
func (c *Ctx) UpdateAfterSend(seenENOBUFS bool) (wakeWritable, wasResourceConstrained bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.writeBusy = false

	if seenENOBUFS && len(c.inFlight) == 1 {
		wasResourceConstrained = true
	}

	switch {
	case seenENOBUFS && c.optMem == StateCheck:
		c.optMem = StateOpen
		wakeWritable = true
	case seenENOBUFS:
		c.optMem = StateFull
	case c.optMem != StateOpen:
		c.optMem = StateOpen
	}

	return wakeWritable, wasResourceConstrained
}

// UpdateAfterOptMemFree applies the OptMem transition for a tx-zerocopy
// completion notification from the kernel error queue.
func (c *Ctx) UpdateAfterOptMemFree() (wakeWritable bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.writeBusy {
		c.optMem = StateCheck
		return false
	}

	switch c.optMem {
	case StateFull:
		c.optMem = StateOpen
		return true
	case StateOpen:
		return false
	case StateCheck:
		logger.Error("zerocopy: CHECK observed with no write in progress",
			logger.Err(fmt.Errorf("optmem state CHECK without write in progress: %w", errs.ErrInvariantViolation)))
		return false
	default:
		return false
	}
}

// State returns the current OptMem state, for tests and diagnostics.
func (c *Ctx) State() OptMemState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.optMem
}

// Shutdown marks the context shut down; subsequent GetSendRecord calls
// return nil.
func (c *Ctx) Shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shutdownFlag = true
}

// AllRecordsEmpty reports whether every record has returned to the
// free-list (i.e. no sends are in flight).
func (c *Ctx) AllRecordsEmpty() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inFlight) == 0 && len(c.free) == c.maxSends
}

// Package endpoint implements TcpEndpoint: the per-connection read/write
// state machine with zero-copy send, timestamped completions, and an
// idempotent shutdown protocol.
package endpoint

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/marmos91/rpccore/internal/engine"
	"github.com/marmos91/rpccore/internal/errs"
	"github.com/marmos91/rpccore/internal/logger"
	"github.com/marmos91/rpccore/internal/posix/fdregistry"
	"github.com/marmos91/rpccore/internal/posix/socketops"
	"github.com/marmos91/rpccore/internal/posix/tcpoptions"
	"github.com/marmos91/rpccore/internal/posix/zerocopy"
	"golang.org/x/sys/unix"
)

// ShutdownState is the endpoint lifecycle: ACTIVE -> SHUTTING_DOWN -> RELEASED.
type ShutdownState int32

const (
	StateActive ShutdownState = iota
	StateShuttingDown
	StateReleased
)

func (s ShutdownState) String() string {
	switch s {
	case StateActive:
		return "ACTIVE"
	case StateShuttingDown:
		return "SHUTTING_DOWN"
	case StateReleased:
		return "RELEASED"
	default:
		return "UNKNOWN"
	}
}

// ErrEOF names end of stream. Read does not return it: the first read that
// sees end of stream completes with no data and a nil error.
var ErrEOF = errors.New("endpoint: eof")

// ErrUnavailable is returned to any read issued after a read has already
// completed with end of stream.
var ErrUnavailable = errors.New("endpoint: unavailable after eof")

// ReadArgs carries the read-sizing hint.
type ReadArgs struct {
	MinProgressSize int
}

// ReadCompletion is delivered to a Read's on_done callback.
type ReadCompletion struct {
	Data []byte
	Err  error
}

// WriteArgs carries write-path options.
type WriteArgs struct {
	WantTimestamps bool
}

// TracedBuffer receives byte-offset-keyed timestamp notifications. A nil
// collaborator disables timestamping without affecting correctness.
type TracedBuffer interface {
	RecordTimestamp(byteOffset int64, which string)
}

// Config bundles the collaborators and options an Endpoint is built from.
type Config struct {
	Ops      *socketops.Ops
	Handle   fdregistry.Handle
	Poll     engine.PollHandle
	WS       engine.WorkSerializer
	Alloc    *engine.Allocator
	Zerocopy *zerocopy.Ctx // nil disables zerocopy for this endpoint
	Options  tcpoptions.Options
	Peer     net.Addr
	Local    net.Addr
	Traced   TracedBuffer

	// PendingData, if non-empty, is delivered synchronously as the result of
	// this endpoint's first Read, ahead of any real recvmsg — for
	// connections handed off from elsewhere with bytes already drained off
	// the wire (e.g. listener.HandleExternalConnection).
	PendingData []byte
}

// Endpoint is a connection: one FdHandle, a read mutex, an optional
// ZerocopyCtx, read/write callback slots, a memory allocator, and the
// peer/local addresses.
type Endpoint struct {
	ops   *socketops.Ops
	h     fdregistry.Handle
	poll  engine.PollHandle
	ws    engine.WorkSerializer
	alloc *engine.Allocator
	zc    *zerocopy.Ctx
	opts  tcpoptions.Options
	peer  net.Addr
	local net.Addr
	trace TracedBuffer

	readMu       sync.Mutex
	targetLength int
	eofDelivered bool
	pendingData  []byte

	writeMu         sync.Mutex
	outgoingByteIdx int
	sendSeq         int64

	state       atomic.Int32
	releaseOnce sync.Once
}

// New constructs an Endpoint from cfg, post-accept or post-connect. If
// cfg.Zerocopy is nil and the options request zerocopy, a Ctx is lazily
// constructed sharing the allocator's buffer pool, and the poll handle's
// error-queue notification is armed so completions and timestamps are
// actually drained.
func New(cfg Config) *Endpoint {
	zc := cfg.Zerocopy
	if zc == nil && cfg.Options.ZerocopyEnabled && cfg.Alloc != nil {
		zc = zerocopy.New(cfg.Options.ZerocopyMaxSimultaneousSend, cfg.Options.ZerocopySendBytesThreshold, cfg.Alloc.Pool())
	}

	e := &Endpoint{
		ops:          cfg.Ops,
		h:            cfg.Handle,
		poll:         cfg.Poll,
		ws:           cfg.WS,
		alloc:        cfg.Alloc,
		zc:           zc,
		opts:         cfg.Options,
		peer:         cfg.Peer,
		local:        cfg.Local,
		trace:        cfg.Traced,
		targetLength: cfg.Options.ReadChunkSize,
		pendingData:  cfg.PendingData,
	}
	e.state.Store(int32(StateActive))
	if e.zc != nil && e.poll != nil {
		e.armErrorQueue()
	}
	return e
}

// PeerAddress returns the remote address.
func (e *Endpoint) PeerAddress() net.Addr { return e.peer }

// LocalAddress returns the local address.
func (e *Endpoint) LocalAddress() net.Addr { return e.local }

// CanTrackErrors reports whether this endpoint was constructed with error
// tracking enabled on its poll handle (zerocopy completions / timestamping).
func (e *Endpoint) CanTrackErrors() bool { return e.zc != nil }

// State returns the current shutdown state.
func (e *Endpoint) State() ShutdownState { return ShutdownState(e.state.Load()) }

func (e *Endpoint) active() bool { return e.State() == StateActive }

// updateTargetLength applies the saturating rule: doubles on fill, halves on
// large underutilization (read returned less than a quarter of the target),
// clamped to [min,max].
func (e *Endpoint) updateTargetLength(requested, got int) {
	next := e.targetLength
	switch {
	case got >= requested:
		next = e.targetLength * 2
	case got < requested/4:
		next = e.targetLength / 2
	}
	if next < e.opts.MinReadChunkSize {
		next = e.opts.MinReadChunkSize
	}
	if next > e.opts.MaxReadChunkSize {
		next = e.opts.MaxReadChunkSize
	}
	e.targetLength = next
}

// Read attempts a recvmsg sized to the current target length. It returns
// true if the completion was delivered synchronously (onDone was already
// called by the time Read returns); otherwise onDone fires later via the
// poll handle and the endpoint's work serializer.
func (e *Endpoint) Read(onDone func(ReadCompletion), args ReadArgs) bool {
	if !e.active() {
		onDone(ReadCompletion{Err: fmt.Errorf("read: %w", errs.ErrEndpointClosing)})
		return true
	}

	e.readMu.Lock()
	if len(e.pendingData) > 0 {
		data := e.pendingData
		e.pendingData = nil
		e.readMu.Unlock()
		onDone(ReadCompletion{Data: data, Err: nil})
		return true
	}
	if e.eofDelivered {
		e.readMu.Unlock()
		onDone(ReadCompletion{Err: ErrUnavailable})
		return true
	}
	target := e.targetLength
	if args.MinProgressSize > target {
		target = args.MinProgressSize
	}
	e.readMu.Unlock()

	reservation, ok := e.alloc.MakeReservation(target)
	if !ok {
		e.alloc.PostReclaimer(func() {})
		onDone(ReadCompletion{Err: fmt.Errorf("read: %w", errs.ErrResourceExhausted)})
		return true
	}

	return e.tryRead(onDone, target, reservation)
}

func (e *Endpoint) tryRead(onDone func(ReadCompletion), target int, reservation *engine.Reservation) bool {
	buf := e.alloc.Buffer(target)
	n, _, _, _, err := e.ops.Recvmsg(e.h, buf, nil, 0)

	switch {
	case err == nil && n == 0:
		reservation.Release()
		e.alloc.PutBuffer(buf)
		e.readMu.Lock()
		e.eofDelivered = true
		e.readMu.Unlock()
		onDone(ReadCompletion{Data: nil, Err: nil})
		return true

	case err == nil:
		reservation.Release()
		e.readMu.Lock()
		e.updateTargetLength(target, n)
		e.readMu.Unlock()
		onDone(ReadCompletion{Data: buf[:n], Err: nil})
		return true

	case errors.Is(err, unix.EAGAIN), errors.Is(err, unix.EWOULDBLOCK):
		e.alloc.PutBuffer(buf)
		if e.poll == nil {
			reservation.Release()
			onDone(ReadCompletion{Err: fmt.Errorf("read: no poller armed: %w", errs.ErrFatalSocket)})
			return true
		}
		e.poll.NotifyOnRead(func(status engine.Status) {
			complete := func() {
				if !status.OK() {
					reservation.Release()
					onDone(ReadCompletion{Err: status.Err})
					return
				}
				e.tryRead(onDone, target, reservation)
			}
			if e.ws != nil {
				e.ws.Schedule(complete)
			} else {
				complete()
			}
		})
		return false

	case errors.Is(err, unix.EINTR):
		e.alloc.PutBuffer(buf)
		return e.tryRead(onDone, target, reservation)

	default:
		reservation.Release()
		e.alloc.PutBuffer(buf)
		onDone(ReadCompletion{Err: fmt.Errorf("read: %w", err)})
		return true
	}
}

// Write sends data, using the zerocopy path when enabled, the size clears
// the configured threshold, and a record is available; otherwise a plain
// sendmsg loop. Returns true iff the write completed synchronously.
func (e *Endpoint) Write(onDone func(error), data []byte, args WriteArgs) bool {
	if !e.active() {
		onDone(fmt.Errorf("write: %w", errs.ErrEndpointClosing))
		return true
	}

	if e.zc != nil && e.opts.ZerocopyEnabled && len(data) >= e.opts.ZerocopySendBytesThreshold {
		if rec := e.zc.GetSendRecord(); rec != nil {
			return e.writeZerocopy(onDone, data, rec, args)
		}
	}
	return e.writePlain(onDone, data, 0)
}

func (e *Endpoint) writePlain(onDone func(error), data []byte, offset int) bool {
	for {
		n, err := e.ops.Sendmsg(e.h, data[offset:], nil, nil, 0)
		switch {
		case err == nil:
			offset += n
			if offset >= len(data) {
				onDone(nil)
				return true
			}
			continue

		case errors.Is(err, unix.EINTR):
			continue

		case errors.Is(err, unix.EAGAIN), errors.Is(err, unix.EWOULDBLOCK):
			if e.poll == nil {
				onDone(fmt.Errorf("write: no poller armed: %w", errs.ErrFatalSocket))
				return true
			}
			capturedOffset := offset
			e.poll.NotifyOnWrite(func(status engine.Status) {
				run := func() {
					if !status.OK() {
						onDone(status.Err)
						return
					}
					e.writePlain(onDone, data, capturedOffset)
				}
				if e.ws != nil {
					e.ws.Schedule(run)
				} else {
					run()
				}
			})
			return false

		default:
			onDone(fmt.Errorf("write: %w: %w", err, errs.ErrFatalSocket))
			return true
		}
	}
}

func (e *Endpoint) writeZerocopy(onDone func(error), data []byte, rec *zerocopy.Record, args WriteArgs) bool {
	seq := e.zc.NoteSend(rec)
	n, err := e.ops.Sendmsg(e.h, data, nil, nil, unix.MSG_ZEROCOPY|unix.MSG_DONTWAIT)

	switch {
	case err == nil && n == len(data):
		if args.WantTimestamps && e.trace != nil {
			e.trace.RecordTimestamp(int64(n), "zerocopy_issued")
		}
		logger.Debug("endpoint: zerocopy send issued", logger.Fd(e.h.Fd()), "seq", seq)
		// The outer write is done with the buffer now; the in-flight ref
		// NoteSend took lives on until the error queue reports completion.
		e.zc.ReleaseOuterRef(rec)
		onDone(nil)
		return true

	case err == nil:
		// Partial send: fall back to the plain path for the remainder; the
		// zerocopy record still completes independently via the error queue.
		e.zc.ReleaseOuterRef(rec)
		return e.writePlain(onDone, data, n)

	case errors.Is(err, unix.EAGAIN):
		e.zc.UndoSend(rec)
		e.zc.ReleaseOuterRef(rec)
		return e.writePlain(onDone, data, 0)

	case errors.Is(err, unix.ENOBUFS):
		wake, constrained := e.zc.UpdateAfterSend(true)
		if constrained {
			logger.Warn("endpoint: zerocopy send resource-constrained", logger.Fd(e.h.Fd()))
		}
		if wake && e.poll != nil {
			e.poll.NotifyOnWrite(func(engine.Status) {})
		}
		e.zc.UndoSend(rec)
		e.zc.ReleaseOuterRef(rec)
		return e.writePlain(onDone, data, 0)

	default:
		e.zc.UndoSend(rec)
		e.zc.ReleaseOuterRef(rec)
		onDone(fmt.Errorf("write: zerocopy sendmsg: %w: %w", err, errs.ErrFatalSocket))
		return true
	}
}

// errQueueBufSize bounds a single MSG_ERRQUEUE cmsg read; error-queue
// entries carry no payload, only control data, so this comfortably holds a
// batch of SO_EE_ORIGIN_ZEROCOPY and SCM_TIMESTAMPING notifications.
const errQueueBufSize = 4096

// armErrorQueue arms the poll handle's error notification to drain the
// socket's error queue whenever it becomes readable, then re-arms itself.
func (e *Endpoint) armErrorQueue() {
	e.poll.NotifyOnError(func(status engine.Status) {
		if !status.OK() {
			return
		}
		e.drainErrorQueue()
		if e.active() {
			e.armErrorQueue()
		}
	})
}

// drainErrorQueue reads every pending MSG_ERRQUEUE entry off the socket,
// releasing the zerocopy in-flight ref for each SO_EE_ORIGIN_ZEROCOPY
// completion range and forwarding SCM_TIMESTAMPING timestamps to the traced
// buffer, if any.
func (e *Endpoint) drainErrorQueue() {
	if e.zc == nil {
		return
	}

	oob := make([]byte, errQueueBufSize)
	for {
		_, oobn, _, _, err := e.ops.Recvmsg(e.h, nil, oob, unix.MSG_ERRQUEUE|unix.MSG_DONTWAIT)
		if err != nil {
			return
		}
		if oobn == 0 {
			return
		}

		cmsgs, perr := unix.ParseSocketControlMessage(oob[:oobn])
		if perr != nil {
			logger.Warn("endpoint: failed to parse error-queue control message", logger.Fd(e.h.Fd()), logger.Err(perr))
			continue
		}

		for _, cmsg := range cmsgs {
			e.handleErrQueueCmsg(cmsg)
		}
	}
}

func (e *Endpoint) handleErrQueueCmsg(cmsg unix.SocketControlMessage) {
	switch {
	case (cmsg.Header.Level == unix.SOL_IP && cmsg.Header.Type == unix.IP_RECVERR) ||
		(cmsg.Header.Level == unix.SOL_IPV6 && cmsg.Header.Type == unix.IPV6_RECVERR):
		e.handleSockExtendedErr(cmsg.Data)

	case cmsg.Header.Level == unix.SOL_SOCKET && cmsg.Header.Type == unix.SCM_TIMESTAMPING:
		e.handleTimestamping(cmsg.Data)
	}
}

// handleSockExtendedErr interprets cmsg data as a unix.SockExtendedErr. A
// SO_EE_ORIGIN_ZEROCOPY origin carries the inclusive [Info, Data] range of
// completed sequence numbers (TCP byte-stream semantics: a range, not a
// single sequence), each of which maps to one GetSendRecord/NoteSend call.
func (e *Endpoint) handleSockExtendedErr(raw []byte) {
	if len(raw) < int(unsafe.Sizeof(unix.SockExtendedErr{})) {
		return
	}
	ee := (*unix.SockExtendedErr)(unsafe.Pointer(&raw[0]))
	if ee.Origin != unix.SO_EE_ORIGIN_ZEROCOPY {
		return
	}
	for seq := int64(ee.Info); seq <= int64(ee.Data); seq++ {
		e.zc.ReleaseSendRecord(seq)
	}
}

// handleTimestamping interprets cmsg data as the three-Timespec array
// SCM_TIMESTAMPING carries (software, deprecated, hardware); only the first
// (software) timestamp is populated for zerocopy completions.
func (e *Endpoint) handleTimestamping(raw []byte) {
	if e.trace == nil {
		return
	}
	tsSize := int(unsafe.Sizeof(unix.Timespec{}))
	if len(raw) < tsSize {
		return
	}
	ts := (*unix.Timespec)(unsafe.Pointer(&raw[0]))
	nanos := ts.Nano()
	if nanos == 0 {
		return
	}
	e.trace.RecordTimestamp(nanos, "zerocopy_timestamp")
}

// MaybeShutdown is idempotent; only the first invocation invokes
// onReleaseFd, with either the released raw fd (ownership transferred) or
// the error that prevented release. With zerocopy enabled it makes one
// non-blocking drain of the error queue and then moves to RELEASED; it does
// not wait for zerocopy records that are still in flight.
func (e *Endpoint) MaybeShutdown(why string, onReleaseFd func(fd int, err error)) {
	if !e.state.CompareAndSwap(int32(StateActive), int32(StateShuttingDown)) {
		return
	}

	logger.Info("endpoint shutting down", logger.Fd(e.h.Fd()), "reason", why)

	if e.poll != nil {
		e.poll.Shutdown(engine.Status{Err: fmt.Errorf("%s: %w", why, errs.ErrEndpointClosing)})
	}
	if e.zc != nil {
		e.zc.Shutdown()
		// One last non-blocking drain for any completions already queued;
		// anything still in flight after this is abandoned along with the fd.
		e.drainErrorQueue()
	}

	e.releaseOnce.Do(func() {
		e.state.Store(int32(StateReleased))
		fd, err := e.ops.ResolveForRelease(e.h)
		onReleaseFd(fd, err)
	})
}

//go:build linux

// Package epoll is the Linux implementation of engine.Poller, backed
// directly by golang.org/x/sys/unix's epoll_create1/epoll_ctl/epoll_wait.
// One Poller owns one epoll fd; one Handle exists per registered fd.
package epoll

import (
	"sync"

	"github.com/marmos91/rpccore/internal/engine"
	"github.com/marmos91/rpccore/internal/logger"
	"golang.org/x/sys/unix"
)

// Poller is an epoll-backed engine.Poller. Callers must run Poller.Run in a
// dedicated goroutine to drive event dispatch.
type Poller struct {
	epfd int

	mu      sync.Mutex
	handles map[int]*Handle
	closed  bool
}

// New creates the epoll instance.
func New() (*Poller, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &Poller{epfd: fd, handles: make(map[int]*Handle)}, nil
}

// CreateHandle registers fd with the epoll instance and returns its Handle.
func (p *Poller) CreateHandle(fd int, name string, trackErrors bool) engine.PollHandle {
	h := &Handle{poller: p, fd: fd, name: name, trackErrors: trackErrors}

	p.mu.Lock()
	p.handles[fd] = h
	p.mu.Unlock()

	ev := &unix.EpollEvent{Events: unix.EPOLLIN | unix.EPOLLOUT, Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, ev); err != nil {
		logger.Error("epoll: failed to register fd", logger.Fd(fd), logger.Err(err))
	}
	return h
}

// Run drains epoll_wait in a loop until Close is called. Intended to run on
// its own goroutine.
func (p *Poller) Run() error {
	events := make([]unix.EpollEvent, 256)
	for {
		n, err := unix.EpollWait(p.epfd, events, -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			p.mu.Lock()
			closed := p.closed
			p.mu.Unlock()
			if closed {
				return nil
			}
			return err
		}
		for i := 0; i < n; i++ {
			p.dispatch(int(events[i].Fd), events[i].Events)
		}
	}
}

func (p *Poller) dispatch(fd int, mask uint32) {
	p.mu.Lock()
	h, ok := p.handles[fd]
	p.mu.Unlock()
	if !ok {
		return
	}
	if mask&unix.EPOLLIN != 0 {
		h.fireRead()
	}
	if mask&unix.EPOLLOUT != 0 {
		h.fireWrite()
	}
	if mask&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
		h.fireError()
	}
}

// Close shuts down the epoll fd.
func (p *Poller) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return unix.Close(p.epfd)
}

// Handle is the per-fd registration. Notifications are one-shot: once
// fired, a new NotifyOnRead/Write/Error call is required to re-arm.
type Handle struct {
	poller      *Poller
	fd          int
	name        string
	trackErrors bool

	mu       sync.Mutex
	onRead   func(engine.Status)
	onWrite  func(engine.Status)
	onError  func(engine.Status)
	orphaned bool
}

func (h *Handle) NotifyOnRead(closure func(engine.Status)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.orphaned {
		closure(engine.Status{})
		return
	}
	h.onRead = closure
}

func (h *Handle) NotifyOnWrite(closure func(engine.Status)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.orphaned {
		closure(engine.Status{})
		return
	}
	h.onWrite = closure
}

func (h *Handle) NotifyOnError(closure func(engine.Status)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.orphaned || !h.trackErrors {
		return
	}
	h.onError = closure
}

func (h *Handle) fireRead() {
	h.mu.Lock()
	cb := h.onRead
	h.onRead = nil
	h.mu.Unlock()
	if cb != nil {
		cb(engine.Status{})
	}
}

func (h *Handle) fireWrite() {
	h.mu.Lock()
	cb := h.onWrite
	h.onWrite = nil
	h.mu.Unlock()
	if cb != nil {
		cb(engine.Status{})
	}
}

func (h *Handle) fireError() {
	h.mu.Lock()
	cb := h.onError
	h.onError = nil
	h.mu.Unlock()
	if cb != nil {
		cb(engine.Status{})
	}
}

func (h *Handle) Shutdown(status engine.Status) {
	h.mu.Lock()
	r, w, e := h.onRead, h.onWrite, h.onError
	h.onRead, h.onWrite, h.onError = nil, nil, nil
	h.mu.Unlock()

	for _, cb := range []func(engine.Status){r, w, e} {
		if cb != nil {
			cb(status)
		}
	}
}

func (h *Handle) Orphan(onReleaseFd func(fd int, err error)) {
	h.mu.Lock()
	h.orphaned = true
	h.mu.Unlock()

	h.poller.mu.Lock()
	delete(h.poller.handles, h.fd)
	h.poller.mu.Unlock()

	err := unix.EpollCtl(h.poller.epfd, unix.EPOLL_CTL_DEL, h.fd, nil)
	if onReleaseFd != nil {
		onReleaseFd(h.fd, err)
	}
}

var _ engine.Poller = (*Poller)(nil)
var _ engine.PollHandle = (*Handle)(nil)

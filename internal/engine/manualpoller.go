package engine

import "sync"

// ManualPoller is a portable, syscall-free Poller used by unit tests and by
// any caller that drives readiness from its own event source (e.g. a test
// harness simulating socket readiness without a real kernel fd). Production
// code on Linux should prefer the epoll-backed Poller in internal/engine/epoll.
type ManualPoller struct {
	mu      sync.Mutex
	handles map[int]*ManualHandle
}

// NewManualPoller constructs an empty ManualPoller.
func NewManualPoller() *ManualPoller {
	return &ManualPoller{handles: make(map[int]*ManualHandle)}
}

func (p *ManualPoller) CreateHandle(fd int, name string, trackErrors bool) PollHandle {
	h := &ManualHandle{poller: p, fd: fd, name: name, trackErrors: trackErrors}
	p.mu.Lock()
	p.handles[fd] = h
	p.mu.Unlock()
	return h
}

// FireRead/FireWrite/FireError let a test simulate readiness for fd.
func (p *ManualPoller) FireRead(fd int)  { p.handleFor(fd).fireRead() }
func (p *ManualPoller) FireWrite(fd int) { p.handleFor(fd).fireWrite() }
func (p *ManualPoller) FireError(fd int) { p.handleFor(fd).fireError() }

func (p *ManualPoller) handleFor(fd int) *ManualHandle {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.handles[fd]
}

// ManualHandle is the PollHandle implementation backing ManualPoller.
type ManualHandle struct {
	poller      *ManualPoller
	fd          int
	name        string
	trackErrors bool

	mu       sync.Mutex
	onRead   func(Status)
	onWrite  func(Status)
	onError  func(Status)
	orphaned bool
}

func (h *ManualHandle) NotifyOnRead(closure func(Status)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.orphaned {
		closure(Status{})
		return
	}
	h.onRead = closure
}

func (h *ManualHandle) NotifyOnWrite(closure func(Status)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.orphaned {
		closure(Status{})
		return
	}
	h.onWrite = closure
}

func (h *ManualHandle) NotifyOnError(closure func(Status)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.orphaned || !h.trackErrors {
		return
	}
	h.onError = closure
}

func (h *ManualHandle) fireRead() {
	h.mu.Lock()
	cb := h.onRead
	h.onRead = nil
	h.mu.Unlock()
	if cb != nil {
		cb(Status{})
	}
}

func (h *ManualHandle) fireWrite() {
	h.mu.Lock()
	cb := h.onWrite
	h.onWrite = nil
	h.mu.Unlock()
	if cb != nil {
		cb(Status{})
	}
}

func (h *ManualHandle) fireError() {
	h.mu.Lock()
	cb := h.onError
	h.onError = nil
	h.mu.Unlock()
	if cb != nil {
		cb(Status{})
	}
}

func (h *ManualHandle) Shutdown(status Status) {
	h.mu.Lock()
	r, w, e := h.onRead, h.onWrite, h.onError
	h.onRead, h.onWrite, h.onError = nil, nil, nil
	h.mu.Unlock()
	for _, cb := range []func(Status){r, w, e} {
		if cb != nil {
			cb(status)
		}
	}
}

func (h *ManualHandle) Orphan(onReleaseFd func(fd int, err error)) {
	h.mu.Lock()
	h.orphaned = true
	h.mu.Unlock()

	h.poller.mu.Lock()
	delete(h.poller.handles, h.fd)
	h.poller.mu.Unlock()

	if onReleaseFd != nil {
		onReleaseFd(h.fd, nil)
	}
}

var _ Poller = (*ManualPoller)(nil)
var _ PollHandle = (*ManualHandle)(nil)

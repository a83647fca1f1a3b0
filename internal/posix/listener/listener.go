// Package listener implements Listener: bind(s), a per-socket accept loop
// multiplexed over a poller, and backoff on fd exhaustion. The accept-loop
// lifecycle (one goroutine per listening socket, shutdown coordinated by
// sync.Once plus sync.WaitGroup) follows the shape of a conventional
// accept-loop TCP/UDP server: bind up front, spawn per-socket loops, and
// cancel them all on shutdown rather than relying on process exit.
package listener

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/marmos91/rpccore/internal/engine"
	"github.com/marmos91/rpccore/internal/errs"
	"github.com/marmos91/rpccore/internal/logger"
	"github.com/marmos91/rpccore/internal/posix/endpoint"
	"github.com/marmos91/rpccore/internal/posix/fdregistry"
	"github.com/marmos91/rpccore/internal/posix/socketops"
	"github.com/marmos91/rpccore/internal/posix/tcpoptions"
	"golang.org/x/sys/unix"
)

// AcceptCallback receives a freshly accepted connection wrapped in a
// TcpEndpoint.
type AcceptCallback func(ep *endpoint.Endpoint)

// emfileBackoff is the delay an accept loop waits before retrying after
// EMFILE, to avoid a tight busy loop while the process is out of fds.
const emfileBackoff = 200 * time.Millisecond

type boundSocket struct {
	handle fdregistry.Handle
	addr   net.Addr
	poll   engine.PollHandle
	wg     *sync.WaitGroup
	cancel chan struct{}
}

// Listener owns a list of (listening FdHandle, bound addr) pairs, each with
// its own accept loop task.
type Listener struct {
	ops      *socketops.Ops
	poller   engine.Poller
	ws       engine.WorkSerializer
	ee       engine.EventEngine
	alloc    *engine.Allocator
	opts     tcpoptions.Options
	onAccept AcceptCallback

	mu       sync.Mutex
	sockets  []*boundSocket
	started  bool
	shutdown sync.Once
	wg       sync.WaitGroup
}

// Config bundles the collaborators a Listener is built from.
type Config struct {
	Ops         *socketops.Ops
	Poller      engine.Poller
	WS          engine.WorkSerializer
	EventEngine engine.EventEngine
	Alloc       *engine.Allocator
	Options     tcpoptions.Options
	OnAccept    AcceptCallback
}

// New constructs an unstarted Listener.
func New(cfg Config) *Listener {
	return &Listener{
		ops:      cfg.Ops,
		poller:   cfg.Poller,
		ws:       cfg.WS,
		ee:       cfg.EventEngine,
		alloc:    cfg.Alloc,
		opts:     cfg.Options,
		onAccept: cfg.OnAccept,
	}
}

// Bind prepares a listening socket for addr and returns the bound port.
// Rejected once Start has run.
func (l *Listener) Bind(addr *net.TCPAddr) (int, error) {
	return l.BindWithFd(addr, nil)
}

// BindWithFd is Bind, additionally invoking onNewFd (if non-nil) with the
// raw listening fd immediately after it is prepared, before any accept loop
// is armed.
//
// When opts.ExpandWildcardAddrs is set and addr names an unspecified
// address, a listening socket is created per local interface address on the
// chosen port instead of the single v6-with-v4-fallback socket Bind
// otherwise prepares.
func (l *Listener) BindWithFd(addr *net.TCPAddr, onNewFd func(fd int)) (int, error) {
	l.mu.Lock()
	if l.started {
		l.mu.Unlock()
		return 0, errs.ErrListenerStarted
	}
	l.mu.Unlock()

	if l.opts.ExpandWildcardAddrs && (addr.IP == nil || addr.IP.IsUnspecified()) {
		return l.bindExpanded(addr, onNewFd)
	}
	return l.bindSingle(addr, onNewFd)
}

// bindSingle prepares exactly one listening socket for the literal address
// given, via the dual-stack (v6-with-v4-fallback) selection in
// PrepareListenerSocket.
func (l *Listener) bindSingle(addr *net.TCPAddr, onNewFd func(fd int)) (int, error) {
	h, _, bound, err := l.ops.PrepareListenerSocket(l.opts, addr)
	if err != nil {
		return 0, err
	}
	if onNewFd != nil {
		onNewFd(h.Fd())
	}

	tcpBound, _ := bound.(*net.TCPAddr)

	l.mu.Lock()
	l.sockets = append(l.sockets, &boundSocket{handle: h, addr: bound, cancel: make(chan struct{})})
	l.mu.Unlock()

	if tcpBound != nil {
		return tcpBound.Port, nil
	}
	return addr.Port, nil
}

// bindExpanded enumerates local interface addresses and binds one listening
// socket per address on the chosen port: the first successful bind picks
// the port (so an ephemeral addr.Port of 0 resolves once), and every
// subsequent bind is pinned to that same port. A failure to bind an
// individual interface address is logged, not fatal, so one misconfigured
// interface doesn't take down the whole listener.
func (l *Listener) bindExpanded(addr *net.TCPAddr, onNewFd func(fd int)) (int, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return 0, fmt.Errorf("listener: enumerate interface addresses: %w", err)
	}

	port := addr.Port
	bound := 0
	for _, ifaceAddr := range addrs {
		ipNet, ok := ifaceAddr.(*net.IPNet)
		if !ok || ipNet.IP.IsUnspecified() {
			continue
		}

		p, err := l.bindSingle(&net.TCPAddr{IP: ipNet.IP, Port: port}, onNewFd)
		if err != nil {
			logger.Warn("listener: wildcard expansion failed to bind interface address",
				"addr", ipNet.IP.String(), logger.Err(err))
			continue
		}
		if port == 0 {
			port = p
		}
		bound++
	}

	if bound == 0 {
		return 0, fmt.Errorf("listener: wildcard expansion bound no interface addresses: %w", errs.ErrConfigInvalid)
	}
	return port, nil
}

// Start arms all accept loops. Returns an error if no sockets were bound.
func (l *Listener) Start() error {
	l.mu.Lock()
	if len(l.sockets) == 0 {
		l.mu.Unlock()
		return fmt.Errorf("listener: start with no bound sockets: %w", errs.ErrConfigInvalid)
	}
	l.started = true
	sockets := l.sockets
	l.mu.Unlock()

	for _, s := range sockets {
		s.poll = l.poller.CreateHandle(s.handle.Fd(), "listener", false)
		l.wg.Add(1)
		go l.acceptLoop(s)
	}
	return nil
}

func (l *Listener) acceptLoop(s *boundSocket) {
	defer l.wg.Done()
	l.armAccept(s)
}

func (l *Listener) armAccept(s *boundSocket) {
	for {
		select {
		case <-s.cancel:
			return
		default:
		}

		nh, sa, err := l.ops.Accept4(s.handle, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		switch {
		case err == nil:
			l.handleAccepted(s, nh, sa, nil)
			continue

		case isErrno(err, unix.EINTR), isErrno(err, unix.ECONNABORTED):
			continue

		case isErrno(err, unix.EAGAIN), isErrno(err, unix.EWOULDBLOCK):
			done := make(chan struct{})
			s.poll.NotifyOnRead(func(engine.Status) { close(done) })
			select {
			case <-done:
			case <-s.cancel:
				return
			}
			continue

		case isErrno(err, unix.EMFILE), isErrno(err, unix.ENFILE):
			logger.Warn("listener: fd exhaustion at accept, backing off",
				logger.Fd(s.handle.Fd()), logger.Backoff(emfileBackoff.String()))
			select {
			case <-time.After(emfileBackoff):
			case <-s.cancel:
				return
			}
			continue

		default:
			logger.Error("listener: fatal accept error", logger.Fd(s.handle.Fd()), logger.Err(err))
			return
		}
	}
}

func (l *Listener) handleAccepted(s *boundSocket, nh fdregistry.Handle, sa unix.Sockaddr, pendingData []byte) {
	fd := nh.Fd()
	if err := socketops.ApplySocketMutator(l.opts.SocketMutator, fd, tcpoptions.UsageServerConnection); err != nil {
		logger.Warn("listener: socket mutator rejected accepted fd", logger.Fd(fd), logger.Err(err))
		_ = l.ops.Close(nh)
		return
	}

	peer := sockaddrToNetAddr(sa)
	// Zerocopy completions and timestamps only exist for sends this
	// endpoint issues, so the poll handle only needs error-queue tracking
	// when zerocopy is actually enabled.
	poll := l.poller.CreateHandle(fd, "conn", l.opts.ZerocopyEnabled)
	ep := endpoint.New(endpoint.Config{
		Ops:         l.ops,
		Handle:      nh,
		Poll:        poll,
		WS:          l.ws,
		Alloc:       l.alloc,
		Options:     l.opts,
		Peer:        peer,
		Local:       s.addr,
		PendingData: pendingData,
	})

	if l.onAccept != nil {
		l.onAccept(ep)
	}
}

// HandleExternalConnection admits an fd that was accepted outside this
// listener's own accept loop (e.g. handed off from another process), wiring
// it into the same endpoint-construction path as a normal accept. Any bytes
// already drained off the wire by the caller before handoff are delivered
// synchronously as the new endpoint's first Read.
func (l *Listener) HandleExternalConnection(listenerFd, fd int, pendingData []byte) {
	l.mu.Lock()
	var owner *boundSocket
	for _, s := range l.sockets {
		if s.handle.Fd() == listenerFd {
			owner = s
			break
		}
	}
	l.mu.Unlock()
	if owner == nil {
		logger.Warn("listener: external connection for unknown listening fd", logger.Fd(listenerFd))
		return
	}

	reg := fdregistry.New() // external fds arrive pre-owned by the caller's registry in practice
	h := reg.Adopt(fd)
	l.handleAccepted(owner, h, nil, pendingData)
}

// ShutdownListeningFds cancels the poller handle of every accept loop;
// accept loops observe the cancellation and return, dropping their refs.
func (l *Listener) ShutdownListeningFds() {
	l.shutdown.Do(func() {
		l.mu.Lock()
		sockets := l.sockets
		l.mu.Unlock()

		for _, s := range sockets {
			close(s.cancel)
			if s.poll != nil {
				s.poll.Orphan(func(fd int, err error) {
					if cerr := unix.Close(fd); cerr != nil {
						logger.Warn("listener: error closing listening fd", logger.Fd(fd), logger.Err(cerr))
					}
				})
			}
		}
		l.wg.Wait()
	})
}

func isErrno(err error, target error) bool {
	return errors.Is(err, target)
}

func sockaddrToNetAddr(sa unix.Sockaddr) net.Addr {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.TCPAddr{IP: net.IP(a.Addr[:]), Port: a.Port}
	case *unix.SockaddrInet6:
		return &net.TCPAddr{IP: net.IP(a.Addr[:]), Port: a.Port}
	default:
		return nil
	}
}

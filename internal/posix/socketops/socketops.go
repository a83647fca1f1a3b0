// Package socketops implements the dual-stack socket factory and the raw
// POSIX socket operations the posix I/O engine runs through the fd
// registry: create, bind, listen, connect, read/write/sendmsg/recvmsg,
// option setters, and the socket-mutator hook.
package socketops

import (
	"fmt"
	"net"
	"os"

	"github.com/marmos91/rpccore/internal/errs"
	"github.com/marmos91/rpccore/internal/logger"
	"github.com/marmos91/rpccore/internal/posix/fdregistry"
	"github.com/marmos91/rpccore/internal/posix/tcpoptions"
	"golang.org/x/sys/unix"
)

// DSMode is the dual-stack family disposition of a socket.
type DSMode int

const (
	DSModeNone DSMode = iota
	DSModeIPv4
	DSModeIPv6
	DSModeDualStack
)

func (m DSMode) String() string {
	switch m {
	case DSModeIPv4:
		return "ipv4"
	case DSModeIPv6:
		return "ipv6"
	case DSModeDualStack:
		return "dualstack"
	default:
		return "none"
	}
}

// Ops wraps a FdRegistry and performs every raw syscall the engine needs
// through it, so every operation can check the handle's generation before
// touching the kernel.
type Ops struct {
	registry *fdregistry.Registry
}

// New constructs Ops bound to registry.
func New(registry *fdregistry.Registry) *Ops {
	return &Ops{registry: registry}
}

// posixErr wraps errno-shaped failures with the fatal-socket sentinel so
// callers can classify them via errors.Is.
func posixErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("socketops: %s: %w: %w", op, err, errs.ErrFatalSocket)
}

// Socket opens a raw socket(domain, typ, proto) and adopts the resulting fd
// into the registry.
func (o *Ops) Socket(domain, typ, proto int) (fdregistry.Handle, error) {
	fd, err := unix.Socket(domain, typ, proto)
	if err != nil {
		return fdregistry.Handle{}, posixErr("socket", err)
	}
	return o.registry.Adopt(fd), nil
}

// resolveFd checks the handle's generation and returns the raw fd, or
// ErrWrongGeneration without touching the kernel.
func (o *Ops) resolveFd(h fdregistry.Handle) (int, error) {
	return o.registry.Get(h)
}

// Bind binds h to sa.
func (o *Ops) Bind(h fdregistry.Handle, sa unix.Sockaddr) error {
	fd, err := o.resolveFd(h)
	if err != nil {
		return err
	}
	return posixErr("bind", unix.Bind(fd, sa))
}

// Listen marks h as a passive socket with the given backlog.
func (o *Ops) Listen(h fdregistry.Handle, backlog int) error {
	fd, err := o.resolveFd(h)
	if err != nil {
		return err
	}
	return posixErr("listen", unix.Listen(fd, backlog))
}

// Connect connects h to sa.
func (o *Ops) Connect(h fdregistry.Handle, sa unix.Sockaddr) error {
	fd, err := o.resolveFd(h)
	if err != nil {
		return err
	}
	return posixErr("connect", unix.Connect(fd, sa))
}

// Accept4 accepts a connection on h with the given flags and adopts the new
// fd into the registry.
func (o *Ops) Accept4(h fdregistry.Handle, flags int) (fdregistry.Handle, unix.Sockaddr, error) {
	fd, err := o.resolveFd(h)
	if err != nil {
		return fdregistry.Handle{}, nil, err
	}
	nfd, sa, err := unix.Accept4(fd, flags)
	if err != nil {
		return fdregistry.Handle{}, nil, posixErr("accept4", err)
	}
	return o.registry.Adopt(nfd), sa, nil
}

// Shutdown calls shutdown(2) with how (unix.SHUT_RD/WR/RDWR).
func (o *Ops) Shutdown(h fdregistry.Handle, how int) error {
	fd, err := o.resolveFd(h)
	if err != nil {
		return err
	}
	return posixErr("shutdown", unix.Shutdown(fd, how))
}

// SetsockoptInt sets an integer socket option.
func (o *Ops) SetsockoptInt(h fdregistry.Handle, level, opt, value int) error {
	fd, err := o.resolveFd(h)
	if err != nil {
		return err
	}
	return posixErr("setsockopt", unix.SetsockoptInt(fd, level, opt, value))
}

// GetsockoptInt reads an integer socket option.
func (o *Ops) GetsockoptInt(h fdregistry.Handle, level, opt int) (int, error) {
	fd, err := o.resolveFd(h)
	if err != nil {
		return 0, err
	}
	v, err := unix.GetsockoptInt(fd, level, opt)
	if err != nil {
		return 0, posixErr("getsockopt", err)
	}
	return v, nil
}

// Recvmsg reads into p, returning bytes read, out-of-band cmsg bytes, flags,
// and the peer address.
func (o *Ops) Recvmsg(h fdregistry.Handle, p, oob []byte, flags int) (n, oobn, recvflags int, from unix.Sockaddr, err error) {
	fd, rerr := o.resolveFd(h)
	if rerr != nil {
		return 0, 0, 0, nil, rerr
	}
	n, oobn, recvflags, from, err = unix.Recvmsg(fd, p, oob, flags)
	if err != nil {
		err = posixErr("recvmsg", err)
	}
	return
}

// Sendmsg writes p (optionally with oob control data), returning bytes sent.
func (o *Ops) Sendmsg(h fdregistry.Handle, p, oob []byte, to unix.Sockaddr, flags int) (int, error) {
	fd, err := o.resolveFd(h)
	if err != nil {
		return 0, err
	}
	n, err := unix.SendmsgN(fd, p, oob, to, flags)
	if err != nil {
		return n, posixErr("sendmsg", err)
	}
	return n, nil
}

// ResolveForRelease untracks h in the registry and returns its raw fd with
// ownership transferred to the caller, without closing it. If h's generation
// is already stale, returns the error that prevented release.
func (o *Ops) ResolveForRelease(h fdregistry.Handle) (int, error) {
	fd, err := o.resolveFd(h)
	if err != nil {
		return 0, err
	}
	o.registry.Close(h)
	return fd, nil
}

// Close closes h's fd only when the registry reports that this call removed
// it (the registry enforces exactly-once closing); a call that finds it
// already removed returns nil without closing anything.
func (o *Ops) Close(h fdregistry.Handle) error {
	fd, err := o.resolveFd(h)
	if err != nil {
		return err
	}
	if !o.registry.Close(h) {
		return nil
	}
	return posixErr("close", unix.Close(fd))
}

// CreateDualStackSocket implements the DSMode selection algorithm: try
// AF_INET6 first; if IPV6_V6ONLY can be cleared, it's DUALSTACK; if clearing
// fails and addr is v4-mapped, retry as AF_INET; otherwise IPV6-only.
// Non-IPv6 families bypass the fallback entirely.
func (o *Ops) CreateDualStackSocket(addr net.IP, typ, proto int) (fdregistry.Handle, DSMode, error) {
	if addr != nil && len(addr) == net.IPv4len {
		h, err := o.Socket(unix.AF_INET, typ, proto)
		return h, DSModeIPv4, err
	}

	h, err := o.Socket(unix.AF_INET6, typ, proto)
	if err != nil {
		if addr == nil || addr.To4() != nil {
			h4, err4 := o.Socket(unix.AF_INET, typ, proto)
			return h4, DSModeIPv4, err4
		}
		return fdregistry.Handle{}, DSModeNone, err
	}

	if cerr := o.SetsockoptInt(h, unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 0); cerr == nil {
		return h, DSModeDualStack, nil
	}

	// IPV6_V6ONLY could not be cleared. If the target is v4-mapped, fall
	// back to a plain v4 socket; otherwise keep the v6-only socket.
	if addr != nil && addr.To4() != nil {
		_ = o.Close(h)
		h4, err4 := o.Socket(unix.AF_INET, typ, proto)
		return h4, DSModeIPv4, err4
	}

	if serr := o.SetsockoptInt(h, unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 1); serr != nil {
		logger.Warn("socketops: could not force IPV6_V6ONLY after clear failed", logger.Err(serr))
	}
	return h, DSModeIPv6, nil
}

// ApplySocketMutator invokes mutator for fd if non-nil; failure is fatal to
// the caller's prepare call.
func ApplySocketMutator(mutator tcpoptions.SocketMutator, fd int, usage tcpoptions.SocketUsage) error {
	if mutator == nil {
		return nil
	}
	if err := mutator(fd, usage); err != nil {
		return fmt.Errorf("socket mutator rejected fd for %s: %w", usage, err)
	}
	return nil
}

// Somaxconn returns /proc/sys/net/core/somaxconn, or 0 if it cannot be read
// (the caller should then fall back to a hardcoded default).
func Somaxconn() int {
	data, err := os.ReadFile("/proc/sys/net/core/somaxconn")
	if err != nil {
		return 0
	}
	var v int
	if _, err := fmt.Sscanf(string(data), "%d", &v); err != nil {
		return 0
	}
	return v
}

// ListenBacklog returns max(100, somaxconn).
func ListenBacklog() int {
	v := Somaxconn()
	if v < 100 {
		return 100
	}
	return v
}

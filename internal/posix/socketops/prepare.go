package socketops

import (
	"fmt"
	"net"

	"github.com/marmos91/rpccore/internal/logger"
	"github.com/marmos91/rpccore/internal/posix/fdregistry"
	"github.com/marmos91/rpccore/internal/posix/tcpoptions"
	"golang.org/x/sys/unix"
)

// sockaddrFor returns the address the caller must connect/bind to
// given the chosen DSMode: a v4-mapped-v6 address when dual-stacking over a
// v6 socket, or the plain v4/v6 address otherwise.
func sockaddrFor(ip net.IP, port int, mode DSMode) (unix.Sockaddr, error) {
	switch mode {
	case DSModeIPv4:
		v4 := ip.To4()
		if v4 == nil {
			return nil, fmt.Errorf("socketops: address %s is not IPv4", ip)
		}
		var sa unix.SockaddrInet4
		copy(sa.Addr[:], v4)
		sa.Port = port
		return &sa, nil
	case DSModeDualStack, DSModeIPv6:
		v16 := ip.To16()
		if v16 == nil {
			return nil, fmt.Errorf("socketops: address %s has no 16-byte form", ip)
		}
		var sa unix.SockaddrInet6
		copy(sa.Addr[:], v16)
		sa.Port = port
		return &sa, nil
	default:
		return nil, fmt.Errorf("socketops: unsupported DSMode %v", mode)
	}
}

// CreateAndPrepareTCPClientSocket picks the address family via
// CreateDualStackSocket, applies options, and returns the fd plus the
// mapped target sockaddr the caller must connect to.
func (o *Ops) CreateAndPrepareTCPClientSocket(opts tcpoptions.Options, target *net.TCPAddr) (fdregistry.Handle, unix.Sockaddr, DSMode, error) {
	h, mode, err := o.CreateDualStackSocket(target.IP, unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err != nil {
		return fdregistry.Handle{}, nil, DSModeNone, err
	}

	if err := o.applyCommonOptions(h, opts); err != nil {
		_ = o.Close(h)
		return fdregistry.Handle{}, nil, DSModeNone, err
	}

	if err := ApplySocketMutator(opts.SocketMutator, h.Fd(), tcpoptions.UsageClientConnection); err != nil {
		_ = o.Close(h)
		return fdregistry.Handle{}, nil, DSModeNone, err
	}

	sa, err := sockaddrFor(target.IP, target.Port, mode)
	if err != nil {
		_ = o.Close(h)
		return fdregistry.Handle{}, nil, DSModeNone, err
	}
	return h, sa, mode, nil
}

// PrepareListenerSocket sets the documented listener socket options, binds,
// and listens with a backlog of max(100, somaxconn). Returns the handle, the
// resulting DSMode, and the bound-to sockaddr (meaningful when port=0).
func (o *Ops) PrepareListenerSocket(opts tcpoptions.Options, addr *net.TCPAddr) (fdregistry.Handle, DSMode, net.Addr, error) {
	h, mode, err := o.CreateDualStackSocket(addr.IP, unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err != nil {
		return fdregistry.Handle{}, DSModeNone, nil, err
	}

	if opts.AllowReusePort {
		if err := o.SetsockoptInt(h, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
			logger.Warn("socketops: SO_REUSEPORT unavailable", logger.Fd(h.Fd()), logger.Err(err))
		}
	}
	if err := o.SetsockoptInt(h, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		_ = o.Close(h)
		return fdregistry.Handle{}, DSModeNone, nil, err
	}

	if err := o.applyCommonOptions(h, opts); err != nil {
		_ = o.Close(h)
		return fdregistry.Handle{}, DSModeNone, nil, err
	}

	if err := ApplySocketMutator(opts.SocketMutator, h.Fd(), tcpoptions.UsageServerListener); err != nil {
		_ = o.Close(h)
		return fdregistry.Handle{}, DSModeNone, nil, err
	}

	sa, err := sockaddrFor(addr.IP, addr.Port, mode)
	if err != nil {
		_ = o.Close(h)
		return fdregistry.Handle{}, DSModeNone, nil, err
	}
	if err := o.Bind(h, sa); err != nil {
		_ = o.Close(h)
		return fdregistry.Handle{}, DSModeNone, nil, err
	}
	if err := o.Listen(h, ListenBacklog()); err != nil {
		_ = o.Close(h)
		return fdregistry.Handle{}, DSModeNone, nil, err
	}

	boundAddr, err := o.boundAddr(h, mode)
	if err != nil {
		logger.Warn("socketops: could not read back bound address", logger.Err(err))
	}
	return h, mode, boundAddr, nil
}

// applyCommonOptions sets TCP_NODELAY, then DSCP (IP_TOS) when configured,
// SO_KEEPALIVE when a keepalive time is configured, and SO_ZEROCOPY when
// zerocopy is enabled. It does not set a TCP user-timeout. Only a
// TCP_NODELAY failure fails the prepare call; failures of the other options
// are logged and skipped.
func (o *Ops) applyCommonOptions(h fdregistry.Handle, opts tcpoptions.Options) error {
	if err := o.SetsockoptInt(h, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1); err != nil {
		return err
	}
	if opts.DSCPSet() {
		if err := o.SetsockoptInt(h, unix.IPPROTO_IP, unix.IP_TOS, opts.DSCP<<2); err != nil {
			logger.Warn("socketops: failed to set DSCP", logger.Fd(h.Fd()), logger.Err(err))
		}
	}
	if opts.KeepAliveTimeMs != tcpoptions.KeepAliveInheritDefault && opts.KeepAliveTimeMs != tcpoptions.KeepAliveDisabled {
		if err := o.SetsockoptInt(h, unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1); err != nil {
			logger.Warn("socketops: failed to enable keepalive", logger.Fd(h.Fd()), logger.Err(err))
		}
	}
	if opts.ZerocopyEnabled {
		if err := o.SetsockoptInt(h, unix.SOL_SOCKET, unix.SO_ZEROCOPY, 1); err != nil {
			logger.Warn("socketops: SO_ZEROCOPY unavailable, disabling for this socket", logger.Fd(h.Fd()), logger.Err(err))
		}
	}
	return nil
}

func (o *Ops) boundAddr(h fdregistry.Handle, mode DSMode) (net.Addr, error) {
	fd, err := o.resolveFd(h)
	if err != nil {
		return nil, err
	}
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return nil, posixErr("getsockname", err)
	}
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.TCPAddr{IP: net.IP(a.Addr[:]), Port: a.Port}, nil
	case *unix.SockaddrInet6:
		return &net.TCPAddr{IP: net.IP(a.Addr[:]), Port: a.Port}, nil
	default:
		return nil, fmt.Errorf("socketops: unrecognized sockaddr type for bound address")
	}
}

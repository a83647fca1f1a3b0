// Package tcpoptions is a strongly-typed value object for TCP endpoint
// configuration, with the clamp invariants applied in Validate rather than
// scattered across call sites.
package tcpoptions

import (
	"fmt"
	"math"

	"github.com/marmos91/rpccore/internal/bytesize"
	"github.com/marmos91/rpccore/internal/errs"
)

// SocketUsage identifies why apply_socket_mutator is being invoked.
type SocketUsage int

const (
	UsageClientConnection SocketUsage = iota
	UsageServerListener
	UsageServerConnection
)

func (u SocketUsage) String() string {
	switch u {
	case UsageClientConnection:
		return "client_connection"
	case UsageServerListener:
		return "server_listener"
	case UsageServerConnection:
		return "server_connection"
	default:
		return "unknown"
	}
}

// SocketMutator is a user-supplied hook invoked after a socket is created
// and before it is handed back (prepare_listener_socket / create_and_prepare
// _tcp_client_socket). Returning an error is fatal to the prepare call.
type SocketMutator func(fd int, usage SocketUsage) error

const (
	DefaultReadChunkSize                 = 8192
	DefaultMinReadChunkSize              = 256
	DefaultMaxReadChunkSize              = 4 * int(bytesize.MB)
	MaxReadChunkSizeCeiling              = 32 * int(bytesize.MiB)
	DefaultZerocopySendBytesThresh       = 16 * int(bytesize.KiB)
	DefaultZerocopyMaxSimulSends         = 4
	DSCPUnset                            = -1
	TCPReceiveBufferUnset                = -1
	KeepAliveInheritDefault        int64 = 0
	KeepAliveDisabled                    = math.MaxInt32
)

// Options holds the recognized endpoint options enumerated in the posix I/O
// engine's configuration surface.
type Options struct {
	ReadChunkSize    int
	MinReadChunkSize int
	MaxReadChunkSize int

	ZerocopyEnabled             bool
	ZerocopySendBytesThreshold  int
	ZerocopyMaxSimultaneousSend int

	TCPReceiveBufferSize int // -1 = unset, let the kernel decide

	KeepAliveTimeMs    int64 // 0 = inherit, MaxInt32 = disabled
	KeepAliveTimeoutMs int64

	DSCP int // -1 = unset

	AllowReusePort      bool
	ExpandWildcardAddrs bool

	SocketMutator SocketMutator
}

// Default returns the options matching the documented defaults.
func Default() Options {
	return Options{
		ReadChunkSize:               DefaultReadChunkSize,
		MinReadChunkSize:            DefaultMinReadChunkSize,
		MaxReadChunkSize:            DefaultMaxReadChunkSize,
		ZerocopyEnabled:             false,
		ZerocopySendBytesThreshold:  DefaultZerocopySendBytesThresh,
		ZerocopyMaxSimultaneousSend: DefaultZerocopyMaxSimulSends,
		TCPReceiveBufferSize:        TCPReceiveBufferUnset,
		KeepAliveTimeMs:             KeepAliveInheritDefault,
		KeepAliveTimeoutMs:          KeepAliveInheritDefault,
		DSCP:                        DSCPUnset,
		AllowReusePort:              false,
		ExpandWildcardAddrs:         false,
	}
}

// Validate applies the clamp invariant min <= chosen <= max <= 32MiB and
// rejects other nonsensical values. It does not mutate the receiver.
func (o Options) Validate() error {
	if o.MinReadChunkSize <= 0 {
		return fmt.Errorf("min_read_chunk_size must be positive: %w", errs.ErrConfigInvalid)
	}
	if o.MaxReadChunkSize > MaxReadChunkSizeCeiling {
		return fmt.Errorf("max_read_chunk_size %d exceeds 32MiB ceiling: %w", o.MaxReadChunkSize, errs.ErrConfigInvalid)
	}
	if o.MinReadChunkSize > o.MaxReadChunkSize {
		return fmt.Errorf("min_read_chunk_size %d exceeds max_read_chunk_size %d: %w", o.MinReadChunkSize, o.MaxReadChunkSize, errs.ErrConfigInvalid)
	}
	if o.ReadChunkSize < o.MinReadChunkSize || o.ReadChunkSize > o.MaxReadChunkSize {
		return fmt.Errorf("read_chunk_size %d out of [%d,%d]: %w", o.ReadChunkSize, o.MinReadChunkSize, o.MaxReadChunkSize, errs.ErrConfigInvalid)
	}
	if o.ZerocopyMaxSimultaneousSend < 0 {
		return fmt.Errorf("zerocopy_max_simultaneous_sends must be >= 0: %w", errs.ErrConfigInvalid)
	}
	if o.DSCP < -1 || o.DSCP > 63 {
		return fmt.Errorf("dscp %d out of range: %w", o.DSCP, errs.ErrConfigInvalid)
	}
	return nil
}

// Clamp returns a copy of o with ReadChunkSize clamped into
// [MinReadChunkSize, MaxReadChunkSize], MaxReadChunkSize further clamped to
// the 32MiB ceiling.
func (o Options) Clamp() Options {
	out := o
	if out.MaxReadChunkSize > MaxReadChunkSizeCeiling {
		out.MaxReadChunkSize = MaxReadChunkSizeCeiling
	}
	if out.MinReadChunkSize > out.MaxReadChunkSize {
		out.MinReadChunkSize = out.MaxReadChunkSize
	}
	if out.ReadChunkSize < out.MinReadChunkSize {
		out.ReadChunkSize = out.MinReadChunkSize
	}
	if out.ReadChunkSize > out.MaxReadChunkSize {
		out.ReadChunkSize = out.MaxReadChunkSize
	}
	return out
}

// DSCPSet reports whether a DSCP value was configured.
func (o Options) DSCPSet() bool { return o.DSCP != DSCPUnset }

// TCPReceiveBufferSet reports whether tcp_receive_buffer_size was configured.
func (o Options) TCPReceiveBufferSet() bool { return o.TCPReceiveBufferSize != TCPReceiveBufferUnset }

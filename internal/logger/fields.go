package logger

import (
	"log/slog"
)

// Standard field keys for structured logging across the posix I/O engine and
// the load-balancing core. Use these consistently so log lines from either
// subsystem aggregate and query the same way.
const (
	// Distributed tracing
	KeyTraceID = "trace_id"
	KeySpanID  = "span_id"

	// Component identification
	KeyComponent = "component" // fdregistry, socketops, endpoint, listener, priority, xdscluster, overridehost...
	KeyCluster   = "cluster"   // cluster name (EDS service name, when set)
	KeyLocality  = "locality"  // region/zone/subzone triple

	// Fd / socket lifecycle (C1-C2)
	KeyFd         = "fd"
	KeyGeneration = "generation"
	KeyDomain     = "domain"
	KeyDSMode     = "ds_mode"
	KeyErrno      = "errno"

	// Endpoint / listener (C5-C6)
	KeyPeerAddr    = "peer_addr"
	KeyLocalAddr   = "local_addr"
	KeyBytesRead   = "bytes_read"
	KeyBytesWrite  = "bytes_written"
	KeyReadTarget  = "read_target"
	KeySendSeq     = "send_seq"
	KeyOptMemState = "optmem_state"
	KeyShutdownWhy = "shutdown_reason"
	KeyBackoff     = "backoff"

	// Load-balancing core (C7-C12)
	KeyChildName    = "child_name"
	KeyPriority     = "priority_index"
	KeyConnState    = "connectivity_state"
	KeyDropCategory = "drop_category"
	KeyInFlight     = "in_flight"
	KeyMaxInFlight  = "max_in_flight"
	KeyOverrideAddr = "override_addr"
	KeyHealthStatus = "health_status"

	// Operation metadata
	KeyDurationMs = "duration_ms"
	KeyError      = "error"
)

// Fd returns a slog.Attr for a raw file descriptor.
func Fd(fd int) slog.Attr {
	return slog.Int(KeyFd, fd)
}

// Generation returns a slog.Attr for an FdRegistry generation counter.
func Generation(gen uint64) slog.Attr {
	return slog.Uint64(KeyGeneration, gen)
}

// Errno returns a slog.Attr for a raw syscall errno.
func Errno(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String(KeyErrno, err.Error())
}

// PeerAddr returns a slog.Attr for a remote address.
func PeerAddr(addr string) slog.Attr {
	return slog.String(KeyPeerAddr, addr)
}

// LocalAddr returns a slog.Attr for a local address.
func LocalAddr(addr string) slog.Attr {
	return slog.String(KeyLocalAddr, addr)
}

// ChildName returns a slog.Attr for a priority/child-policy child name.
func ChildName(name string) slog.Attr {
	return slog.String(KeyChildName, name)
}

// Cluster returns a slog.Attr for a cluster name.
func Cluster(name string) slog.Attr {
	return slog.String(KeyCluster, name)
}

// ConnState returns a slog.Attr for a connectivity state.
func ConnState(state string) slog.Attr {
	return slog.String(KeyConnState, state)
}

// DropCategory returns a slog.Attr for an EDS drop category.
func DropCategory(category string) slog.Attr {
	return slog.String(KeyDropCategory, category)
}

// InFlight returns a slog.Attr for an in-flight request counter.
func InFlight(n int64) slog.Attr {
	return slog.Int64(KeyInFlight, n)
}

// OverrideAddr returns a slog.Attr for a stateful-session override address.
func OverrideAddr(addr string) slog.Attr {
	return slog.String(KeyOverrideAddr, addr)
}

// DurationMs returns a slog.Attr for a duration in milliseconds.
func DurationMs(ms float64) slog.Attr {
	return slog.Float64(KeyDurationMs, ms)
}

// Backoff returns a slog.Attr for a backoff duration description.
func Backoff(d string) slog.Attr {
	return slog.String(KeyBackoff, d)
}

// Err returns a slog.Attr for an error.
func Err(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String(KeyError, err.Error())
}

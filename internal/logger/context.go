package logger

import (
	"context"
	"time"
)

// contextKey is a private type for context keys to avoid collisions
type contextKey struct{}

// logContextKey is the key for LogContext in context.Context
var logContextKey = contextKey{}

// LogContext holds request-scoped logging context for a connection or a
// single load-balancing operation.
type LogContext struct {
	TraceID   string    // OpenTelemetry trace ID
	SpanID    string    // OpenTelemetry span ID
	Component string    // originating component: fdregistry, socketops, endpoint, listener, priority, xdscluster, overridehost...
	ClusterID string    // cluster name for LB-side log lines
	PeerAddr  string    // remote peer address, when known
	StartTime time.Time // for duration calculation
}

// WithContext returns a new context with the given LogContext
func WithContext(ctx context.Context, lc *LogContext) context.Context {
	return context.WithValue(ctx, logContextKey, lc)
}

// FromContext retrieves the LogContext from context, or nil if not present
func FromContext(ctx context.Context) *LogContext {
	if ctx == nil {
		return nil
	}
	lc, _ := ctx.Value(logContextKey).(*LogContext)
	return lc
}

// NewLogContext creates a new LogContext for the given component.
func NewLogContext(component string) *LogContext {
	return &LogContext{
		Component: component,
		StartTime: time.Now(),
	}
}

// Clone creates a copy of the LogContext
func (lc *LogContext) Clone() *LogContext {
	if lc == nil {
		return nil
	}
	clone := *lc
	return &clone
}

// WithCluster returns a copy with the cluster ID set
func (lc *LogContext) WithCluster(cluster string) *LogContext {
	clone := lc.Clone()
	if clone != nil {
		clone.ClusterID = cluster
	}
	return clone
}

// WithPeer returns a copy with the peer address set
func (lc *LogContext) WithPeer(addr string) *LogContext {
	clone := lc.Clone()
	if clone != nil {
		clone.PeerAddr = addr
	}
	return clone
}

// WithTrace returns a copy with trace info set
func (lc *LogContext) WithTrace(traceID, spanID string) *LogContext {
	clone := lc.Clone()
	if clone != nil {
		clone.TraceID = traceID
		clone.SpanID = spanID
	}
	return clone
}

// DurationMs returns the duration since StartTime in milliseconds
func (lc *LogContext) DurationMs() float64 {
	if lc == nil || lc.StartTime.IsZero() {
		return 0
	}
	return float64(time.Since(lc.StartTime).Microseconds()) / 1000.0
}

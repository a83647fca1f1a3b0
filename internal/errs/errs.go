// Package errs defines the sentinel error kinds shared across the posix I/O
// engine and the load-balancing core. Call sites wrap these with
// fmt.Errorf("...: %w", ...) to add context; callers test with errors.Is.
package errs

import "errors"

var (
	// ErrWrongGeneration is returned when an FdHandle's generation no longer
	// matches the registry's current generation (post-fork).
	ErrWrongGeneration = errors.New("wrong generation")

	// ErrResourceExhausted covers EMFILE at accept, allocator reservation
	// failure, and zerocopy pool exhaustion under pressure.
	ErrResourceExhausted = errors.New("resource exhausted")

	// ErrFatalSocket covers EPIPE, ECONNRESET, EBADF and similar errors that
	// move an endpoint to SHUTTING_DOWN.
	ErrFatalSocket = errors.New("fatal socket error")

	// ErrConfigInvalid covers unresolvable priority children, unknown
	// clusters, and malformed drop configuration.
	ErrConfigInvalid = errors.New("invalid configuration")

	// ErrDropped covers circuit-breaker and EDS-configured drops; never
	// retried at the layer that produces it.
	ErrDropped = errors.New("dropped")

	// ErrEndpointClosing is returned to pending reads/writes when
	// maybe_shutdown runs concurrently with them.
	ErrEndpointClosing = errors.New("endpoint closing")

	// ErrInvariantViolation marks a state transition the design considers
	// unreachable (e.g. CHECK observed with no write in progress).
	ErrInvariantViolation = errors.New("invariant violation")

	// ErrListenerStarted is returned by Bind after Start has run.
	ErrListenerStarted = errors.New("listener already started")

	// ErrShuttingDown is returned by operations invoked after shutdown has
	// begun.
	ErrShuttingDown = errors.New("shutting down")
)

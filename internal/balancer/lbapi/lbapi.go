// Package lbapi defines the capability-set contracts shared by every
// load-balancing policy in the hierarchy (C7-C12), replacing virtual
// dispatch with small fixed interfaces, plus the plain-data resolver and
// cluster-resource shapes those policies consume.
package lbapi

import (
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/resolver"
	"google.golang.org/grpc/status"
)

// Policy is the fixed capability set every load-balancing policy exposes,
// replacing virtual inheritance of a LoadBalancingPolicy base class.
type Policy interface {
	Name() string
	UpdateClientConnState(state ClientConnState) error
	ExitIdle()
	ResetConnectBackoff()
	Close()
}

// ChannelControlHelper is the fixed capability set a policy uses to affect
// its channel, replacing virtual inheritance of ChannelControlHelper.
type ChannelControlHelper interface {
	CreateSubchannel(addr resolver.Address) Subchannel
	UpdateState(state connectivity.State, picker Picker)
	RequestReResolution()
	AddTraceEvent(msg string)
}

// Subchannel is the minimal handle a policy holds on one upstream
// connection; concrete transport behavior is an external collaborator.
type Subchannel interface {
	Address() resolver.Address
	Connect()
	Shutdown()
}

// ClientConnState is the update a resolver or parent policy delivers to a
// child: an address list plus policy-specific config and per-call args.
type ClientConnState struct {
	Addresses      []resolver.Address
	ResolverError  error
	BalancerConfig any
}

// PickKind tags the PickResult union.
type PickKind int

const (
	PickComplete PickKind = iota
	PickQueue
	PickFail
	PickDrop
)

// CallTracker receives call-lifecycle notifications from a completed pick,
// mirroring the load-reporting hook the xDS cluster policy installs.
type CallTracker interface {
	Start()
	Finish(err error)
}

// PickResult is the tagged union a Picker returns: Complete carries a
// subchannel and optional call tracker; Queue asks the caller to wait for
// the next picker; Fail and Drop both carry a terminal status, but Drop is
// never retried upstream.
type PickResult struct {
	Kind        PickKind
	Subchannel  Subchannel
	CallTracker CallTracker
	Status      *status.Status
}

// Complete builds a PickResult selecting sc, optionally instrumented by
// tracker.
func Complete(sc Subchannel, tracker CallTracker) PickResult {
	return PickResult{Kind: PickComplete, Subchannel: sc, CallTracker: tracker}
}

// Queue builds a PickResult asking the caller to wait for the next picker.
func Queue() PickResult { return PickResult{Kind: PickQueue} }

// Fail builds a PickResult failing the call with st.
func Fail(st *status.Status) PickResult { return PickResult{Kind: PickFail, Status: st} }

// Drop builds a PickResult dropping the call with st; never retried at this
// layer.
func Drop(st *status.Status) PickResult { return PickResult{Kind: PickDrop, Status: st} }

// CallAttributes exposes the per-call attribute bag a Picker's pick args
// carry, notably the stateful-session override-host attribute.
type CallAttributes interface {
	OverrideHostCandidates() []string
	SetOverrideHostCandidates([]string)
}

// PickArgs bundles everything a Picker.Pick call needs.
type PickArgs struct {
	CallAttributes CallAttributes
}

// Picker is the fixed capability set returned by a policy after a state
// update; pick never suspends.
type Picker interface {
	Pick(args PickArgs) PickResult
}

// DropCategory names an EDS-configured drop bucket with a parts-per-million
// rate.
type DropCategory struct {
	Category        string
	DropsPerMillion uint32
}

// DropConfig is the ordered list of drop categories plus the drop-all
// override.
type DropConfig struct {
	Categories []DropCategory
	DropAll    bool
}

// ClusterResource is the already-parsed per-cluster record the xDS cluster
// policy consumes; parsing the service-config/xDS grammar itself remains an
// external collaborator's job.
type ClusterResource struct {
	EDSServiceName        string
	LRSServer             string
	MaxConcurrentRequests uint32
	DropConfig            DropConfig
	OverrideHostStatuses  []HealthStatus
	ConnectionIdleTimeout int64 // milliseconds
	TLSConfig             any
}

// DefaultMaxConcurrentRequests is used when a cluster resource omits the
// field.
const DefaultMaxConcurrentRequests = 1024

// HealthStatus mirrors the health-status enum carried on EndpointAddress
// attributes.
type HealthStatus int

const (
	HealthUnknown HealthStatus = iota
	HealthHealthy
	HealthUnhealthy
	HealthDraining
)

func (h HealthStatus) String() string {
	switch h {
	case HealthHealthy:
		return "HEALTHY"
	case HealthUnhealthy:
		return "UNHEALTHY"
	case HealthDraining:
		return "DRAINING"
	default:
		return "UNKNOWN"
	}
}

// ResolverUpdate is what a Resolver collaborator produces: an address
// result (or an error), a human-readable resolution note, and policy
// config.
type ResolverUpdate struct {
	Addresses      []resolver.Address
	Err            error
	ResolutionNote string
	Config         any
}

// Package overridehost implements OverrideHostPolicy: a picker wrapper that
// pins a session's RPCs to a cookie-named backend when it is healthy,
// falling back to the wrapped child picker otherwise.
package overridehost

import (
	"strings"
	"sync"
	"time"

	"github.com/marmos91/rpccore/internal/balancer/lbapi"
)

// ownership tags a SubchannelEntry's relationship to its wrapper: either
// the child policy owns the subchannel and the entry holds an unowned
// reference, or the entry itself owns a retained wrapper past the child
// policy's release, within the idle window.
type ownership int

const (
	unowned ownership = iota
	owned
)

// SubchannelRef is the minimal handle an entry holds on a subchannel,
// whichever side owns it.
type SubchannelRef struct {
	kind ownership
	sc   lbapi.Subchannel
}

// Entry is SubchannelEntry: per-address bookkeeping the policy rebuilds on
// every resolver update.
type Entry struct {
	Address  string
	State    connectivityPlaceholder
	Health   lbapi.HealthStatus
	LastUsed time.Time
	ref      *SubchannelRef
}

// connectivityPlaceholder avoids importing grpc/connectivity twice for a
// single field; it mirrors connectivity.State's small value domain.
type connectivityPlaceholder int

const (
	StateIdle connectivityPlaceholder = iota
	StateConnecting
	StateReady
	StateTransientFailure
	StateShutdown
)

// Policy wraps a child picker, pinning calls whose attribute names a
// healthy override-host candidate.
type Policy struct {
	mu sync.Mutex

	child          lbapi.Picker
	entries        map[string]*Entry
	overrideStatus map[lbapi.HealthStatus]bool
	idleTimeout    time.Duration

	connectRequester func(addr string)
	createRequester  func(addr string)
}

// Config configures a Policy.
type Config struct {
	OverrideStatuses []lbapi.HealthStatus
	IdleTimeout      time.Duration
	ConnectRequester func(addr string)
	CreateRequester  func(addr string)
}

// New constructs a Policy wrapping child.
func New(cfg Config, child lbapi.Picker) *Policy {
	statuses := map[lbapi.HealthStatus]bool{}
	for _, s := range cfg.OverrideStatuses {
		statuses[s] = true
	}
	idle := cfg.IdleTimeout
	if idle < 5*time.Second {
		idle = 5 * time.Second
	}
	return &Policy{
		child:            child,
		entries:          map[string]*Entry{},
		overrideStatus:   statuses,
		idleTimeout:      idle,
		connectRequester: cfg.ConnectRequester,
		createRequester:  cfg.CreateRequester,
	}
}

// Rebuild replaces the address set on a resolver update. Entries with a
// recent LastUsed are retained (promoted to owned) even if absent from the
// new address list, within the idle window; callers should call Sweep
// separately on the idle-sweep timer.
func (p *Policy) Rebuild(addrs map[string]lbapi.HealthStatus) {
	p.mu.Lock()
	defer p.mu.Unlock()

	next := make(map[string]*Entry, len(addrs))
	for addr, health := range addrs {
		if existing, ok := p.entries[addr]; ok {
			existing.Health = health
			next[addr] = existing
			continue
		}
		next[addr] = &Entry{Address: addr, Health: health}
	}

	now := time.Now()
	for addr, entry := range p.entries {
		if _, stillPresent := next[addr]; stillPresent {
			continue
		}
		if now.Sub(entry.LastUsed) < p.idleTimeout && entry.ref != nil {
			entry.ref.kind = owned
			next[addr] = entry
		}
	}
	p.entries = next
}

// SetEntryRef installs addr's subchannel reference, e.g. once the child
// policy creates or releases one.
func (p *Policy) SetEntryRef(addr string, ref *SubchannelRef) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.entries[addr]; ok {
		e.ref = ref
	}
}

// SetState records addr's current connectivity state, as observed from the
// child policy's subchannel.
func (p *Policy) SetState(addr string, state connectivityPlaceholder) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.entries[addr]; ok {
		e.State = state
	}
}

// candidateAttribute is the call-attribute key carrying the comma-separated
// candidate address list.
type candidateAttribute interface {
	OverrideHostCandidates() []string
	SetOverrideHostCandidates([]string)
}

// Pick implements the algorithm from the policy description: scan
// candidates for a READY, healthy match; else remember the first
// IDLE/CONNECTING/no-subchannel candidate and queue while kicking off
// connection; else delegate to the child.
func (p *Policy) Pick(args lbapi.PickArgs) lbapi.PickResult {
	if args.CallAttributes == nil {
		return p.child.Pick(args)
	}
	candidates := args.CallAttributes.OverrideHostCandidates()
	if len(candidates) == 0 {
		return p.child.Pick(args)
	}

	p.mu.Lock()

	var idleCandidate, connectingCandidate, noSubchannelCandidate string
	for _, addr := range candidates {
		addr = strings.TrimSpace(addr)
		entry, ok := p.entries[addr]
		if !ok || !p.overrideStatus[entry.Health] {
			continue
		}
		if entry.State == StateReady {
			entry.LastUsed = time.Now()
			p.mu.Unlock()
			args.CallAttributes.SetOverrideHostCandidates([]string{addr})
			return lbapi.Complete(entry.ref.sc, nil)
		}
		switch {
		case entry.State == StateIdle && idleCandidate == "":
			idleCandidate = addr
		case entry.State == StateConnecting && connectingCandidate == "":
			connectingCandidate = addr
		case entry.ref == nil && noSubchannelCandidate == "":
			noSubchannelCandidate = addr
		}
	}
	p.mu.Unlock()

	switch {
	case idleCandidate != "":
		if p.connectRequester != nil {
			p.connectRequester(idleCandidate)
		}
		return lbapi.Queue()
	case connectingCandidate != "":
		return lbapi.Queue()
	case noSubchannelCandidate != "":
		if p.createRequester != nil {
			p.createRequester(noSubchannelCandidate)
		}
		return lbapi.Queue()
	}

	return p.child.Pick(args)
}

// Sweep drops owned subchannel wrappers whose entries have gone idle past
// the threshold, returning the refs the caller must now release (never
// dropped while the policy mutex is held).
func (p *Policy) Sweep(now time.Time) []*SubchannelRef {
	p.mu.Lock()
	defer p.mu.Unlock()

	var dropped []*SubchannelRef
	for addr, entry := range p.entries {
		if entry.ref == nil || entry.ref.kind != owned {
			continue
		}
		if now.Sub(entry.LastUsed) >= p.idleTimeout {
			dropped = append(dropped, entry.ref)
			entry.ref = nil
			delete(p.entries, addr)
		}
	}
	return dropped
}

// IdleTimeout returns the effective sweep interval, clamped to [5s, configured].
func (p *Policy) IdleTimeout() time.Duration { return p.idleTimeout }

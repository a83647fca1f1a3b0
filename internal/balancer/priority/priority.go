// Package priority implements PriorityPolicy: an ordered list of named
// children selected by choose_priority, with failover and deactivation
// timers governing when a lower-priority child takes over and when an
// unselected child is finally torn down.
package priority

import (
	"time"

	"github.com/marmos91/rpccore/internal/balancer/childpolicy"
	"github.com/marmos91/rpccore/internal/balancer/lbapi"
	"github.com/marmos91/rpccore/internal/engine"
	"github.com/marmos91/rpccore/internal/logger"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/resolver"
	"google.golang.org/grpc/status"
)

const (
	// DefaultFailoverTimeout is how long a child may sit in CONNECTING
	// before it is treated as TRANSIENT_FAILURE for selection purposes.
	DefaultFailoverTimeout = 10 * time.Second
	// DefaultDeactivationTimeout is how long an unselected child is kept
	// warm before being torn down entirely.
	DefaultDeactivationTimeout = 15 * time.Minute
)

// ChildConfig is one entry of the children map: the leaf policy name and
// its sub-config, plus whether it should forward re-resolution requests
// upstream.
type ChildConfig struct {
	PolicyName                 string
	Config                     any
	IgnoreReresolutionRequests bool
}

// Config is the resolver-delivered configuration for the whole policy.
type Config struct {
	Priorities          []string
	Children            map[string]ChildConfig
	FailoverTimeout     time.Duration
	DeactivationTimeout time.Duration
}

// lbChild tracks one named child's lifecycle: its graceful-switch handler,
// last reported connectivity state and picker, and active timers.
type lbChild struct {
	name              string
	handler           *childpolicy.Handler
	state             connectivity.State
	picker            lbapi.Picker
	failoverHandle    *engine.TaskHandle
	deactivateHandle  *engine.TaskHandle
	readySinceFailure bool
}

// Policy implements lbapi.Policy, selecting a picker from its highest
// eligible priority child.
type Policy struct {
	build  childpolicy.Builder
	helper lbapi.ChannelControlHelper
	ee     engine.EventEngine
	ws     engine.WorkSerializer

	failoverTimeout     time.Duration
	deactivationTimeout time.Duration

	priorities []string
	children   map[string]*lbChild

	updateInProgress bool
	selected         string
}

// New constructs an empty Policy.
func New(build childpolicy.Builder, helper lbapi.ChannelControlHelper, ee engine.EventEngine, ws engine.WorkSerializer) *Policy {
	return &Policy{
		build:               build,
		helper:              helper,
		ee:                  ee,
		ws:                  ws,
		failoverTimeout:     DefaultFailoverTimeout,
		deactivationTimeout: DefaultDeactivationTimeout,
		children:            map[string]*lbChild{},
	}
}

func (p *Policy) Name() string { return "priority_experimental" }

// UpdateClientConnState applies cfg: existing children present in the new
// priorities list are forwarded their sub-config; children absent are
// deactivated. choose_priority runs once at the end, guarded so that
// intermediate state changes triggered by child updates don't surface a
// picker mid-update.
func (p *Policy) UpdateClientConnState(state lbapi.ClientConnState) error {
	cfg, _ := state.BalancerConfig.(Config)
	if cfg.FailoverTimeout > 0 {
		p.failoverTimeout = cfg.FailoverTimeout
	}
	if cfg.DeactivationTimeout > 0 {
		p.deactivationTimeout = cfg.DeactivationTimeout
	}
	p.priorities = cfg.Priorities

	p.updateInProgress = true
	present := map[string]bool{}
	for _, name := range cfg.Priorities {
		present[name] = true
		child := p.children[name]
		if child == nil {
			child = p.newChild(name)
			p.children[name] = child
		}
		p.cancelDeactivation(child)
		sub := cfg.Children[name]
		_ = child.handler.Update(childpolicy.Config{PolicyName: sub.PolicyName, Config: sub.Config})
	}
	for name, child := range p.children {
		if !present[name] {
			p.deactivate(child)
		}
	}
	p.updateInProgress = false

	if len(cfg.Priorities) == 0 {
		p.helper.UpdateState(connectivity.TransientFailure, failPicker{status.New(codes.Unavailable, "no priorities configured")})
		return nil
	}

	p.choosePriority()
	return nil
}

func (p *Policy) newChild(name string) *lbChild {
	child := &lbChild{name: name, state: connectivity.Connecting}
	childHelper := &childHelper{p: p, name: name}
	child.handler = childpolicy.New(p.build, childHelper)
	p.startFailover(child)
	return child
}

// onChildState is invoked by a child's wrapped helper whenever it reports a
// new connectivity state; it updates bookkeeping and, outside of an
// in-progress config update, re-runs choose_priority.
func (p *Policy) onChildState(name string, state connectivity.State, picker lbapi.Picker) {
	child, ok := p.children[name]
	if !ok {
		return
	}
	prev := child.state
	child.state = state
	child.picker = picker

	switch state {
	case connectivity.Ready, connectivity.Idle:
		p.cancelFailover(child)
		child.readySinceFailure = true
	case connectivity.Connecting:
		if prev != connectivity.Connecting && !child.readySinceFailure {
			p.startFailover(child)
		} else if prev == connectivity.TransientFailure {
			child.readySinceFailure = false
			p.startFailover(child)
		}
	case connectivity.TransientFailure:
		child.readySinceFailure = false
	}

	if !p.updateInProgress {
		p.choosePriority()
	}
}

func (p *Policy) startFailover(child *lbChild) {
	p.cancelFailover(child)
	name := child.name
	handle := scheduleAfter(p.ee, p.failoverTimeout, func() {
		p.onFailoverExpired(name)
	})
	child.failoverHandle = &handle
}

func (p *Policy) onFailoverExpired(name string) {
	child, ok := p.children[name]
	if !ok {
		return
	}
	child.failoverHandle = nil
	logger.Info("priority: failover timer expired", "child", name)
	if !p.updateInProgress {
		p.choosePriority()
	}
}

func (p *Policy) cancelFailover(child *lbChild) {
	if child.failoverHandle != nil {
		p.ee.Cancel(*child.failoverHandle)
		child.failoverHandle = nil
	}
}

// deactivate starts the 15-minute teardown timer for a child that
// choose_priority did not select and that isn't already deactivating.
func (p *Policy) deactivate(child *lbChild) {
	if child.deactivateHandle != nil {
		return
	}
	name := child.name
	handle := scheduleAfter(p.ee, p.deactivationTimeout, func() {
		p.onDeactivationExpired(name)
	})
	child.deactivateHandle = &handle
}

func (p *Policy) cancelDeactivation(child *lbChild) {
	if child.deactivateHandle != nil {
		p.ee.Cancel(*child.deactivateHandle)
		child.deactivateHandle = nil
	}
}

func (p *Policy) onDeactivationExpired(name string) {
	child, ok := p.children[name]
	if !ok {
		return
	}
	child.handler.Close()
	p.cancelFailover(child)
	delete(p.children, name)
	logger.Info("priority: child deactivated and removed", "child", name)
}

// choosePriority is the idempotent selection algorithm: for a fixed child
// state vector it always returns the same choice.
func (p *Policy) choosePriority() {
	if len(p.priorities) == 0 {
		return
	}

	for i, name := range p.priorities {
		child := p.children[name]
		if child == nil {
			continue
		}
		if child.state == connectivity.Ready || child.state == connectivity.Idle {
			p.selectChild(child, i)
			return
		}
	}

	for i, name := range p.priorities {
		child := p.children[name]
		if child == nil {
			continue
		}
		if child.failoverHandle != nil {
			p.selectWithoutDeactivating(child, i)
			return
		}
	}

	for i, name := range p.priorities {
		child := p.children[name]
		if child == nil {
			continue
		}
		if child.state == connectivity.Connecting {
			p.selectWithoutDeactivating(child, i)
			return
		}
	}

	lastName := p.priorities[len(p.priorities)-1]
	if child := p.children[lastName]; child != nil {
		p.selectWithoutDeactivating(child, len(p.priorities)-1)
	}
}

func (p *Policy) selectChild(child *lbChild, index int) {
	p.selected = child.name
	for i, name := range p.priorities {
		if i > index {
			if c := p.children[name]; c != nil {
				p.deactivate(c)
			}
		}
	}
	p.cancelDeactivation(child)
	p.surface(child)
}

func (p *Policy) selectWithoutDeactivating(child *lbChild, _ int) {
	p.selected = child.name
	p.cancelDeactivation(child)
	p.surface(child)
}

func (p *Policy) surface(child *lbChild) {
	picker := child.picker
	if picker == nil {
		picker = failPicker{status.New(codes.Unavailable, "priority child not yet connected")}
	}
	p.helper.UpdateState(child.state, picker)
}

func (p *Policy) ExitIdle() {
	for _, c := range p.children {
		c.handler.ExitIdle()
	}
}

func (p *Policy) ResetConnectBackoff() {
	for _, c := range p.children {
		c.handler.ResetConnectBackoff()
	}
}

func (p *Policy) Close() {
	for _, c := range p.children {
		p.cancelFailover(c)
		p.cancelDeactivation(c)
		c.handler.Close()
	}
}

// SelectedName returns the currently chosen child's name, for tests.
func (p *Policy) SelectedName() string { return p.selected }

// childHelper adapts a single named child's ChannelControlHelper calls back
// into the parent policy's bookkeeping.
type childHelper struct {
	p    *Policy
	name string
}

func (h *childHelper) CreateSubchannel(addr resolver.Address) lbapi.Subchannel {
	return h.p.helper.CreateSubchannel(addr)
}

func (h *childHelper) UpdateState(state connectivity.State, picker lbapi.Picker) {
	h.p.onChildState(h.name, state, picker)
}

func (h *childHelper) RequestReResolution() { h.p.helper.RequestReResolution() }

func (h *childHelper) AddTraceEvent(msg string) { h.p.helper.AddTraceEvent(msg) }

type failPicker struct{ st *status.Status }

func (f failPicker) Pick(lbapi.PickArgs) lbapi.PickResult { return lbapi.Fail(f.st) }

func scheduleAfter(ee engine.EventEngine, d time.Duration, fn func()) engine.TaskHandle {
	type durationScheduler interface {
		RunAfterDuration(time.Duration, func()) engine.TaskHandle
	}
	if ds, ok := ee.(durationScheduler); ok {
		return ds.RunAfterDuration(d, fn)
	}
	return ee.RunAfter(fn)
}

// Package childpolicy implements ChildPolicyHandler: a graceful-switch
// wrapper around a single child policy, swapping in a pending replacement
// only once it proves itself beyond CONNECTING.
package childpolicy

import (
	"sync"

	"github.com/marmos91/rpccore/internal/balancer/lbapi"
	"github.com/marmos91/rpccore/internal/logger"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/resolver"
)

// Builder constructs a named child policy instance.
type Builder func(name string, helper lbapi.ChannelControlHelper) lbapi.Policy

// Config is the sub-config delivered to UpdateConfig: the chosen policy
// name plus its opaque config blob.
type Config struct {
	PolicyName string
	Config     any
}

// Handler wraps a single child policy and supports graceful switch: a
// config naming a different policy spawns a pending instance, which
// replaces current only once it reports a state other than CONNECTING.
type Handler struct {
	mu      sync.Mutex
	build   Builder
	helper  lbapi.ChannelControlHelper
	current *namedPolicy
	pending *namedPolicy
}

type namedPolicy struct {
	name   string
	policy lbapi.Policy
}

// New constructs an empty Handler; build is used to instantiate child
// policies by name.
func New(build Builder, helper lbapi.ChannelControlHelper) *Handler {
	return &Handler{build: build, helper: helper}
}

// Update delivers a new child config. The config's policy name is compared
// with the most recent child (pending if one exists, else current): if it
// matches, that child gets the update; otherwise a fresh pending instance is
// created (closing any older pending) and given the update.
func (h *Handler) Update(cfg Config) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.current == nil {
		h.current = &namedPolicy{name: cfg.PolicyName, policy: h.build(cfg.PolicyName, h.wrapHelper(false))}
		return h.current.policy.UpdateClientConnState(lbapi.ClientConnState{BalancerConfig: cfg.Config})
	}

	if h.current.name == cfg.PolicyName && h.pending == nil {
		return h.current.policy.UpdateClientConnState(lbapi.ClientConnState{BalancerConfig: cfg.Config})
	}

	if h.pending != nil && h.pending.name == cfg.PolicyName {
		return h.pending.policy.UpdateClientConnState(lbapi.ClientConnState{BalancerConfig: cfg.Config})
	}

	// Name differs from the most recent child (pending if one exists, else
	// current): spin up a fresh pending instance, discarding any stale one.
	if h.pending != nil {
		h.pending.policy.Close()
	}
	h.pending = &namedPolicy{name: cfg.PolicyName, policy: h.build(cfg.PolicyName, h.wrapHelper(true))}
	return h.pending.policy.UpdateClientConnState(lbapi.ClientConnState{BalancerConfig: cfg.Config})
}

// wrapHelper intercepts UpdateState from a child so a pending child's state
// updates are suppressed until it first reports something other than
// CONNECTING, at which point it swaps in as current.
func (h *Handler) wrapHelper(isPending bool) lbapi.ChannelControlHelper {
	return &switchHelper{h: h, isPending: isPending}
}

type switchHelper struct {
	h         *Handler
	isPending bool
}

func (s *switchHelper) CreateSubchannel(addr resolver.Address) lbapi.Subchannel {
	return s.h.helper.CreateSubchannel(addr)
}

func (s *switchHelper) RequestReResolution() {
	s.h.mu.Lock()
	defer s.h.mu.Unlock()
	// Forwarded only from the most recent child, to avoid stale
	// cache-invalidation loops from a superseded pending/current: a pending
	// helper is the most recent iff pending still exists, and a current
	// helper is the most recent iff no pending has since been spawned.
	if s.isPending == (s.h.pending != nil) {
		s.h.helper.RequestReResolution()
	}
}

func (s *switchHelper) AddTraceEvent(msg string) {
	s.h.helper.AddTraceEvent(msg)
}

func (s *switchHelper) UpdateState(state connectivity.State, picker lbapi.Picker) {
	s.h.mu.Lock()
	if !s.isPending {
		s.h.mu.Unlock()
		s.h.helper.UpdateState(state, picker)
		return
	}

	if state == connectivity.Connecting {
		// Suppressed: channel continues using the current policy's picker.
		s.h.mu.Unlock()
		return
	}

	pending := s.h.pending
	if pending == nil {
		s.h.mu.Unlock()
		return
	}

	old := s.h.current
	s.h.current = pending
	s.h.pending = nil
	// This helper now belongs to the current child.
	s.isPending = false
	s.h.mu.Unlock()

	if old != nil {
		old.policy.Close()
	}
	logger.Info("childpolicy: pending promoted to current", "policy_name", pending.name)
	s.h.helper.UpdateState(state, picker)
}

// ExitIdle forwards to both current and pending.
func (h *Handler) ExitIdle() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.current != nil {
		h.current.policy.ExitIdle()
	}
	if h.pending != nil {
		h.pending.policy.ExitIdle()
	}
}

// ResetConnectBackoff forwards to both current and pending.
func (h *Handler) ResetConnectBackoff() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.current != nil {
		h.current.policy.ResetConnectBackoff()
	}
	if h.pending != nil {
		h.pending.policy.ResetConnectBackoff()
	}
}

// Close shuts down both current and pending.
func (h *Handler) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.current != nil {
		h.current.policy.Close()
	}
	if h.pending != nil {
		h.pending.policy.Close()
	}
	return nil
}

// CurrentName returns the currently active child's policy name, for tests.
func (h *Handler) CurrentName() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.current == nil {
		return ""
	}
	return h.current.name
}

// PendingName returns the pending child's policy name, or "" if none.
func (h *Handler) PendingName() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.pending == nil {
		return ""
	}
	return h.pending.name
}

// Package xdscluster implements XdsClusterImpl: a wrapper around a child
// picker that applies EDS-configured drop rates and circuit breaking before
// delegating, and reports locality load when LRS is enabled.
package xdscluster

import (
	"math/rand"
	"sync"
	"sync/atomic"

	"github.com/marmos91/rpccore/internal/balancer/circuitbreaker"
	"github.com/marmos91/rpccore/internal/balancer/lbapi"
	"github.com/marmos91/rpccore/internal/logger"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// dropStats accumulates per-category and uncategorized drop counts, mostly
// useful for tests and for load-report surfacing. Pick runs concurrently on
// arbitrary goroutines, so every counter here is a separately allocated
// *int64 incremented with sync/atomic rather than a plain map value mutated
// in place. perCategory is pre-populated in New with every configured
// category; access to the map itself goes through mu, which also covers
// inserting a category on its first touch.
type dropStats struct {
	mu            sync.Mutex // guards first-touch insertion into perCategory only
	perCategory   map[string]*int64
	uncategorized int64
}

func newDropStats(categories []lbapi.DropCategory) dropStats {
	perCategory := make(map[string]*int64, len(categories))
	for _, cat := range categories {
		n := int64(0)
		perCategory[cat.Category] = &n
	}
	return dropStats{perCategory: perCategory}
}

func (d *dropStats) incCategory(cat string) {
	d.mu.Lock()
	counter, ok := d.perCategory[cat]
	if !ok {
		n := int64(0)
		counter = &n
		d.perCategory[cat] = counter
	}
	d.mu.Unlock()
	atomic.AddInt64(counter, 1)
}

func (d *dropStats) incUncategorized() {
	atomic.AddInt64(&d.uncategorized, 1)
}

func (d *dropStats) snapshot() (perCategory map[string]int64, uncategorized int64) {
	d.mu.Lock()
	out := make(map[string]int64, len(d.perCategory))
	for k, v := range d.perCategory {
		out[k] = atomic.LoadInt64(v)
	}
	d.mu.Unlock()
	return out, atomic.LoadInt64(&d.uncategorized)
}

// Policy wraps a child picker with drop and circuit-breaking logic.
type Policy struct {
	key     circuitbreaker.Key
	counter *circuitbreaker.Counter

	child  lbapi.Picker
	drop   lbapi.DropConfig
	maxReq uint32

	lrsEnabled bool
	reporter   LoadReporter

	stats dropStats

	rand func() uint32 // out of 1_000_000, overridable for tests
}

// LoadReporter receives call-start/finish events for LRS. The string passed
// to both methods is the policy's cluster name; no per-locality name is read
// from the picked subchannel's address.
type LoadReporter interface {
	AddCallStarted(locality string)
	AddCallFinished(locality string, failed bool)
}

// Config configures a Policy instance.
type Config struct {
	Cluster               string
	EDSServiceName        string
	MaxConcurrentRequests uint32
	DropConfig            lbapi.DropConfig
	LRSEnabled            bool
	Reporter              LoadReporter

	// Registry is the circuit-breaker process registry this Policy's
	// counter is acquired from. Nil uses circuitbreaker.Default(), the
	// process-wide registry; callers that want counter sharing scoped
	// narrower than the whole process (e.g. one registry per test or per
	// xDS client) construct their own with circuitbreaker.NewRegistry and
	// pass it here instead of relying on ambient package state.
	Registry *circuitbreaker.Registry
}

// New constructs a Policy, acquiring a shared circuit-breaker counter for
// (cluster, eds_service_name) from cfg.Registry (or the process-wide default
// registry if unset). Close must be called to release it.
func New(cfg Config, child lbapi.Picker) *Policy {
	maxReq := cfg.MaxConcurrentRequests
	if maxReq == 0 {
		maxReq = lbapi.DefaultMaxConcurrentRequests
	}
	registry := cfg.Registry
	if registry == nil {
		registry = circuitbreaker.Default()
	}
	key := circuitbreaker.Key{Cluster: cfg.Cluster, EDSServiceName: cfg.EDSServiceName}
	return &Policy{
		key:        key,
		counter:    registry.GetOrCreate(key),
		child:      child,
		drop:       cfg.DropConfig,
		maxReq:     maxReq,
		lrsEnabled: cfg.LRSEnabled,
		reporter:   cfg.Reporter,
		stats:      newDropStats(cfg.DropConfig.Categories),
		rand:       func() uint32 { return rand.Uint32() % 1_000_000 },
	}
}

// Close releases this policy's circuit-breaker counter reference.
func (p *Policy) Close() {
	if p.counter != nil {
		p.counter.Release()
		p.counter = nil
	}
}

// Pick applies drop-all, per-category drops, then circuit breaking, before
// delegating to the child picker.
func (p *Policy) Pick(args lbapi.PickArgs) lbapi.PickResult {
	if p.drop.DropAll {
		p.stats.incUncategorized()
		return lbapi.Drop(status.New(codes.Unavailable, "EDS-configured drop: drop_all"))
	}

	if cat, dropped := p.rollDrop(); dropped {
		p.stats.incCategory(cat)
		return lbapi.Drop(status.Newf(codes.Unavailable, "EDS-configured drop: %s", cat))
	}

	if p.counter != nil && uint32(p.counter.Load()) >= p.maxReq {
		p.stats.incUncategorized()
		return lbapi.Drop(status.New(codes.Unavailable, "circuit breaker drop"))
	}

	result := p.child.Pick(args)
	if result.Kind != lbapi.PickComplete {
		return result
	}

	result.CallTracker = p.wrapTracker(result.CallTracker)
	return result
}

func (p *Policy) rollDrop() (string, bool) {
	if len(p.drop.Categories) == 0 {
		return "", false
	}
	draw := p.rand()
	for _, cat := range p.drop.Categories {
		if draw < cat.DropsPerMillion {
			return cat.Category, true
		}
	}
	return "", false
}

// wrapTracker installs the circuit-breaker increment on Start (not at pick
// time, so the load-check and the increment race benignly) and forwards
// call start/finish to the LoadReporter, keyed by cluster name, when LRS is
// enabled.
func (p *Policy) wrapTracker(inner lbapi.CallTracker) lbapi.CallTracker {
	return &trackingWrapper{p: p, inner: inner}
}

type trackingWrapper struct {
	p     *Policy
	inner lbapi.CallTracker
}

func (w *trackingWrapper) Start() {
	if w.p.counter != nil {
		w.p.counter.Inc()
	}
	if w.p.lrsEnabled && w.p.reporter != nil {
		w.p.reporter.AddCallStarted(w.p.key.Cluster)
	}
	if w.inner != nil {
		w.inner.Start()
	}
}

func (w *trackingWrapper) Finish(err error) {
	if w.p.counter != nil {
		w.p.counter.Dec()
	}
	if w.p.lrsEnabled && w.p.reporter != nil {
		w.p.reporter.AddCallFinished(w.p.key.Cluster, err != nil)
	}
	if w.inner != nil {
		w.inner.Finish(err)
	}
	if err != nil {
		logger.Debug("xdscluster: call finished with error", "cluster", w.p.key.Cluster, "err", err)
	}
}

// DropStats returns a snapshot of drop counters, for tests and stats
// surfacing. Safe to call concurrently with Pick.
func (p *Policy) DropStats() (perCategory map[string]int64, uncategorized int64) {
	return p.stats.snapshot()
}

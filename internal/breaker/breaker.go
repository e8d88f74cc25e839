// Package breaker is the circuit breaker registry: one breaker per
// (route id, backend URL) pair, each independently cycling
// Closed -> Open -> HalfOpen -> Closed over a rolling failure-rate
// window tuned by the route's CircuitBreakerConfig.
package breaker

import (
	"sync"
	"time"

	"github.com/l8e-harbor/harbor-gateway/internal/model"
)

type State string

const (
	Closed   State = "closed"
	Open     State = "open"
	HalfOpen State = "half_open"
)

// Stats is a point-in-time snapshot exposed over the management plane.
type Stats struct {
	RouteID       string `json:"route_id"`
	Backend       string `json:"backend"`
	State         State  `json:"state"`
	Requests      int    `json:"requests_in_window"`
	Failures      int    `json:"failures_in_window"`
	RetryAfterSec int    `json:"retry_after_seconds,omitempty"`
}

type entry struct {
	mu    sync.Mutex
	cfg   model.CircuitBreakerConfig
	state State

	windowStart time.Time
	requests    int
	failures    int

	openedAt         time.Time
	halfOpenInFlight int
}

func newEntry(cfg model.CircuitBreakerConfig, now time.Time) *entry {
	return &entry{cfg: cfg, state: Closed, windowStart: now}
}

func (e *entry) rollWindow(now time.Time) {
	interval := time.Duration(e.cfg.IntervalMS) * time.Millisecond
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if now.Sub(e.windowStart) >= interval {
		e.windowStart = now
		e.requests = 0
		e.failures = 0
	}
}

func (e *entry) timeout() time.Duration {
	if e.cfg.TimeoutMS <= 0 {
		return 30 * time.Second
	}
	return time.Duration(e.cfg.TimeoutMS) * time.Millisecond
}

// allow reports whether a request may proceed, and if not, the duration
// the caller should advertise as Retry-After.
func (e *entry) allow(now time.Time) (bool, time.Duration) {
	if !e.cfg.Enabled {
		return true, 0
	}

	switch e.state {
	case Closed:
		e.rollWindow(now)
		return true, 0

	case Open:
		elapsed := now.Sub(e.openedAt)
		remaining := e.timeout() - elapsed
		if remaining <= 0 {
			e.state = HalfOpen
			e.halfOpenInFlight = 0
			return e.allow(now)
		}
		return false, remaining

	case HalfOpen:
		if e.halfOpenInFlight >= 1 {
			return false, 1 * time.Second
		}
		e.halfOpenInFlight++
		return true, 0

	default:
		return true, 0
	}
}

func (e *entry) recordResult(success bool, now time.Time) {
	if !e.cfg.Enabled {
		return
	}

	switch e.state {
	case Closed:
		e.requests++
		if !success {
			e.failures++
		}
		minReq := e.cfg.MinimumRequests
		if minReq <= 0 {
			minReq = 1
		}
		if e.requests >= minReq {
			rate := (e.failures * 100) / e.requests
			if rate >= e.cfg.FailureThreshold {
				e.state = Open
				e.openedAt = now
			}
		}

	case HalfOpen:
		if e.halfOpenInFlight > 0 {
			e.halfOpenInFlight--
		}
		if success {
			e.state = Closed
			e.requests = 0
			e.failures = 0
			e.windowStart = now
		} else {
			e.state = Open
			e.openedAt = now
		}

	case Open:
		// Results arriving after the window reopened (e.g. a slow trial
		// response racing the timeout) are ignored; the next Allow call
		// re-evaluates state from scratch.
	}
}

func (e *entry) stats(routeID, backend string, now time.Time) Stats {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := Stats{
		RouteID:  routeID,
		Backend:  backend,
		State:    e.state,
		Requests: e.requests,
		Failures: e.failures,
	}
	if e.state == Open {
		rem := e.timeout() - now.Sub(e.openedAt)
		if rem > 0 {
			s.RetryAfterSec = int((rem + 999*time.Millisecond) / time.Second)
		}
	}
	return s
}

// Registry holds one entry per (route id, backend URL). Entries are
// created lazily on first use, survive route updates as long as the
// (route id, backend URL) pair is stable, and are dropped by Reconcile
// when the backend disappears from the route table.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

func key(routeID, backend string) string { return routeID + "\x00" + backend }

func (r *Registry) getOrCreate(routeID, backend string, cfg model.CircuitBreakerConfig) *entry {
	k := key(routeID, backend)
	r.mu.Lock()
	e, ok := r.entries[k]
	if !ok {
		e = newEntry(cfg, time.Now())
		r.entries[k] = e
	}
	r.mu.Unlock()
	return e
}

// Allow reports whether a request to (routeID, backend) may proceed
// under cfg, and if not, how long the caller should wait before retrying.
func (r *Registry) Allow(routeID, backend string, cfg model.CircuitBreakerConfig) (bool, time.Duration) {
	e := r.getOrCreate(routeID, backend, cfg)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cfg = cfg
	return e.allow(time.Now())
}

// RecordResult reports the outcome of a dispatched request so the
// breaker can update its failure-rate window or half-open trial state.
func (r *Registry) RecordResult(routeID, backend string, cfg model.CircuitBreakerConfig, success bool) {
	e := r.getOrCreate(routeID, backend, cfg)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.recordResult(success, time.Now())
}

// Reconcile drops every entry whose (route id, backend URL) pair no
// longer appears in routes, so a removed backend's failure history
// can't deny traffic if the same pair is ever re-added. Entries for
// still-present pairs keep their state across route updates.
func (r *Registry) Reconcile(routes []model.Route) {
	valid := make(map[string]struct{})
	for _, rt := range routes {
		for _, b := range rt.Backends {
			valid[key(rt.ID, b.URL)] = struct{}{}
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for k := range r.entries {
		if _, ok := valid[k]; !ok {
			delete(r.entries, k)
		}
	}
}

// Snapshot returns stats for every backend currently tracked. The
// management plane's admin status endpoint reports how many there are.
func (r *Registry) Snapshot() []Stats {
	r.mu.Lock()
	keys := make([]string, 0, len(r.entries))
	ents := make([]*entry, 0, len(r.entries))
	for k, e := range r.entries {
		keys = append(keys, k)
		ents = append(ents, e)
	}
	r.mu.Unlock()

	now := time.Now()
	out := make([]Stats, 0, len(ents))
	for i, k := range keys {
		var routeID, backend string
		for j := 0; j < len(k); j++ {
			if k[j] == 0 {
				routeID, backend = k[:j], k[j+1:]
				break
			}
		}
		out = append(out, ents[i].stats(routeID, backend, now))
	}
	return out
}

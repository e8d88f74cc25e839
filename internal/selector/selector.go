// Package selector picks a backend for a matched route: weighted
// deterministic round-robin by default, or a sticky hash of the client
// address when the route asks for session affinity.
package selector

import (
	"fmt"
	"hash/fnv"
	"sync"

	"github.com/l8e-harbor/harbor-gateway/internal/model"
)

// Selector holds the mutable round-robin state, one accrued weight per
// (route id, backend index). The state persists across calls so weighted
// distribution is honored over the life of the process, not reset per-request.
type Selector struct {
	mu       sync.Mutex
	counters map[string]int // "routeID#index" -> accrued smooth-WRR weight
}

func New() *Selector {
	return &Selector{counters: make(map[string]int)}
}

// Pick chooses a backend for route given the client address used for
// sticky hashing. If route.StickySession is set, the same clientAddr
// always maps to the same backend as long as the backend set doesn't
// change; if that backend has since been removed, Pick falls through to
// weighted round-robin for this call rather than erroring.
func (s *Selector) Pick(route model.Route, clientAddr string) (model.Backend, error) {
	if len(route.Backends) == 0 {
		return model.Backend{}, fmt.Errorf("route %s has no backends", route.ID)
	}

	if route.StickySession {
		if b, ok := s.stickyPick(route, clientAddr); ok {
			return b, nil
		}
	}
	return s.weightedPick(route), nil
}

func (s *Selector) stickyPick(route model.Route, clientAddr string) (model.Backend, bool) {
	if clientAddr == "" {
		return model.Backend{}, false
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(clientAddr))
	idx := int(h.Sum32()) % len(route.Backends)
	if idx < 0 {
		idx += len(route.Backends)
	}
	b := route.Backends[idx]
	if b.Weight <= 0 {
		return model.Backend{}, false
	}
	return b, true
}

// weightedPick implements smooth weighted round-robin: each backend
// accrues its weight every call, the highest accrued value wins and is
// then reduced by the total weight, so distribution converges to the
// configured ratios without clustering picks of the same backend.
func (s *Selector) weightedPick(route model.Route) model.Backend {
	total := route.TotalWeight()
	if total <= 0 {
		return route.Backends[0]
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := route.ID

	// current accrual is kept per (route, backend index) by encoding it
	// into the counters map with a composite key; this avoids needing a
	// separate struct keyed map while still persisting per-backend state.
	best := -1
	bestWeight := -1
	currents := make([]int, len(route.Backends))
	for i, b := range route.Backends {
		ck := fmt.Sprintf("%s#%d", key, i)
		c := s.counters[ck] + b.Weight
		currents[i] = c
		if c > bestWeight {
			bestWeight = c
			best = i
		}
	}
	for i, b := range route.Backends {
		ck := fmt.Sprintf("%s#%d", key, i)
		if i == best {
			s.counters[ck] = currents[i] - total
		} else {
			s.counters[ck] = currents[i]
		}
		_ = b
	}

	return route.Backends[best]
}

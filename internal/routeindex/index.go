// Package routeindex is the dataplane's hot-path route table: an
// MVCC-style structure where readers never block on writers. A new
// snapshot is built off the route store (a full list, refreshed on
// every change event) and swapped in with a single atomic pointer
// store.
package routeindex

import (
	"context"
	"log/slog"
	"net/http"
	"sort"
	"sync/atomic"
	"time"

	"github.com/l8e-harbor/harbor-gateway/internal/matcher"
	"github.com/l8e-harbor/harbor-gateway/internal/model"
	"github.com/l8e-harbor/harbor-gateway/internal/routestore"
)

// entry pairs a route with its pre-compiled matcher predicates so the
// hot path never compiles a regex per request.
type entry struct {
	route    model.Route
	compiled []matcher.Compiled
}

// snapshot is the immutable structure readers see. Entries are
// pre-sorted by (-priority, -len(path), created_at), matching the sort
// key routes are ranked by.
type snapshot struct {
	byID    map[string]model.Route
	ordered []entry
}

func buildSnapshot(log *slog.Logger, routes []model.Route) *snapshot {
	ordered := make([]entry, 0, len(routes))
	byID := make(map[string]model.Route, len(routes))

	for _, r := range routes {
		compiled, err := matcher.CompileAll(r.Matchers)
		if err != nil {
			log.Error("route has invalid matchers, excluding from dataplane lookup",
				slog.String("route_id", r.ID), slog.String("error", err.Error()))
			continue
		}
		byID[r.ID] = r
		ordered = append(ordered, entry{route: r, compiled: compiled})
	}

	sort.SliceStable(ordered, func(i, j int) bool {
		a, b := ordered[i].route, ordered[j].route
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if len(a.Path) != len(b.Path) {
			return len(a.Path) > len(b.Path)
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})

	return &snapshot{byID: byID, ordered: ordered}
}

// Index is a lock-free-for-readers route table. Reads (Lookup, All, Get)
// load a single atomic pointer; writes (Reload) build a new snapshot and
// swap the pointer.
type Index struct {
	log *slog.Logger
	cur atomic.Pointer[snapshot]

	// reloadHooks run after each Reload with the new route set, so
	// derived per-route state elsewhere (the circuit breaker registry)
	// can drop entries for routes/backends that no longer exist.
	// Register them all before the reconciliation loop starts.
	reloadHooks []func([]model.Route)
}

// New builds an Index from an initial route set.
func New(log *slog.Logger, initial []model.Route) *Index {
	if log == nil {
		log = slog.Default()
	}
	idx := &Index{log: log}
	idx.cur.Store(buildSnapshot(log, initial))
	return idx
}

// OnReload registers fn to run after every Reload with the route set
// just published. Not safe to call once Run has started.
func (idx *Index) OnReload(fn func([]model.Route)) {
	idx.reloadHooks = append(idx.reloadHooks, fn)
}

// Reload replaces the entire snapshot and then runs the reload hooks.
// Safe to call concurrently with readers; never safe to call
// concurrently with itself without external serialization (the caller
// — typically a single reconciliation goroutine — owns write ordering).
func (idx *Index) Reload(routes []model.Route) {
	idx.cur.Store(buildSnapshot(idx.log, routes))
	for _, fn := range idx.reloadHooks {
		fn(routes)
	}
}

// Get returns the route by id, if present in the current snapshot.
func (idx *Index) Get(id string) (model.Route, bool) {
	s := idx.cur.Load()
	r, ok := s.byID[id]
	return r, ok
}

// All returns every route in the current snapshot, in lookup order.
func (idx *Index) All() []model.Route {
	s := idx.cur.Load()
	out := make([]model.Route, len(s.ordered))
	for i, e := range s.ordered {
		out[i] = e.route
	}
	return out
}

// Lookup walks the snapshot in sort order and returns the first route
// whose path is a prefix of the request path, whose methods include
// method, and whose matchers all pass against r.
func (idx *Index) Lookup(r *http.Request) (model.Route, bool) {
	s := idx.cur.Load()
	path, method := r.URL.Path, r.Method
	for _, e := range s.ordered {
		if !e.route.HasMethod(method) {
			continue
		}
		if !pathMatches(e.route.Path, path) {
			continue
		}
		if !matcher.MatchAll(e.compiled, r) {
			continue
		}
		return e.route, true
	}
	return model.Route{}, false
}

func pathMatches(routePath, reqPath string) bool {
	if routePath == "/" {
		return true
	}
	if routePath == reqPath {
		return true
	}
	if len(reqPath) <= len(routePath) {
		return false
	}
	return reqPath[:len(routePath)] == routePath &&
		(reqPath[len(routePath)] == '/' || reqPath[len(routePath)-1] == '/')
}

// Run subscribes to store and keeps the index live-reloaded until ctx is
// cancelled: on every ChangeEvent it re-lists the full store and rebuilds
// the snapshot. Re-listing rather than patching in place keeps a single
// code path (buildSnapshot) responsible for sort order and keeps
// Reload's invariant — the snapshot is always store-consistent — simple
// to reason about even under concurrent admin writes. A 30s ticker
// resyncs even if no event arrives, as a belt-and-braces fallback for a
// missed watch notification.
func Run(ctx context.Context, log *slog.Logger, idx *Index, store routestore.Store) {
	const resyncInterval = 30 * time.Second

	events := store.Watch(ctx)
	ticker := time.NewTicker(resyncInterval)
	defer ticker.Stop()

	reload := func() {
		routes, err := store.List(ctx)
		if err != nil {
			log.Error("route index reload failed", slog.String("error", err.Error()))
			return
		}
		idx.Reload(routes)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-events:
			if !ok {
				return
			}
			reload()
		case <-ticker.C:
			reload()
		}
	}
}

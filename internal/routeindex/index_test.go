package routeindex

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/l8e-harbor/harbor-gateway/internal/model"
)

func mustRoute(id, path string, priority int, created time.Time) model.Route {
	return model.Route{
		ID:        id,
		Path:      path,
		Methods:   []model.Method{model.MethodGet},
		Backends:  []model.Backend{{URL: "http://upstream.invalid", Weight: 100}},
		Priority:  priority,
		TimeoutMS: 1000,
		CreatedAt: created,
		UpdatedAt: created,
	}
}

func req(method, path string) *http.Request {
	return httptest.NewRequest(method, path, nil)
}

// Priority tie-break: longer path wins at equal priority.
func TestLookup_PriorityTieBreak_LongerPathWins(t *testing.T) {
	now := time.Now()
	a := mustRoute("a", "/", 0, now)
	b := mustRoute("b", "/a", 0, now.Add(time.Second))

	idx := New(nil, []model.Route{a, b})
	got, ok := idx.Lookup(req("GET", "/a/b"))
	if !ok || got.ID != "b" {
		t.Fatalf("expected route b, got %+v ok=%v", got, ok)
	}
}

// A higher-priority route overrides path-length ordering.
func TestLookup_PriorityTieBreak_HigherPriorityWins(t *testing.T) {
	now := time.Now()
	a := mustRoute("a", "/", 10, now)
	b := mustRoute("b", "/a", 0, now.Add(time.Second))

	idx := New(nil, []model.Route{a, b})
	got, ok := idx.Lookup(req("GET", "/a/b"))
	if !ok || got.ID != "a" {
		t.Fatalf("expected route a, got %+v ok=%v", got, ok)
	}
}

// Older created_at wins when priority and path length tie.
func TestLookup_PriorityTieBreak_OlderCreatedAtWins(t *testing.T) {
	now := time.Now()
	older := mustRoute("older", "/x", 0, now)
	newer := mustRoute("newer", "/x", 0, now.Add(time.Minute))

	idx := New(nil, []model.Route{newer, older})
	got, ok := idx.Lookup(req("GET", "/x"))
	if !ok || got.ID != "older" {
		t.Fatalf("expected route older, got %+v ok=%v", got, ok)
	}
}

// No matching route => absent.
func TestLookup_NoMatch(t *testing.T) {
	idx := New(nil, []model.Route{mustRoute("a", "/only", 0, time.Now())})
	if _, ok := idx.Lookup(req("GET", "/nowhere")); ok {
		t.Fatal("expected no match")
	}
}

// Method mismatch is excluded even when the path matches.
func TestLookup_MethodMismatch(t *testing.T) {
	idx := New(nil, []model.Route{mustRoute("a", "/x", 0, time.Now())})
	if _, ok := idx.Lookup(req("POST", "/x")); ok {
		t.Fatal("expected no match for wrong method")
	}
}

// Matcher AND: both matchers must pass.
func TestLookup_MatchersAND(t *testing.T) {
	r := mustRoute("a", "/x", 0, time.Now())
	r.Matchers = []model.Matcher{
		{Name: model.MatcherHeader, Key: "X-Env", Op: model.OpEquals, Value: "prod"},
		{Name: model.MatcherQuery, Key: "v", Op: model.OpExists},
	}
	idx := New(nil, []model.Route{r})

	ok1 := req("GET", "/x?v=1")
	ok1.Header.Set("X-Env", "prod")
	if _, ok := idx.Lookup(ok1); !ok {
		t.Fatal("expected match with header and query present")
	}

	missingQuery := req("GET", "/x")
	missingQuery.Header.Set("X-Env", "prod")
	if _, ok := idx.Lookup(missingQuery); ok {
		t.Fatal("expected no match when query param is missing")
	}
}

// Reload atomically replaces the snapshot; a lookup in flight sees either
// the whole old set or the whole new set, never a mix.
func TestReload_AtomicSwap(t *testing.T) {
	idx := New(nil, []model.Route{mustRoute("a", "/a", 0, time.Now())})
	if _, ok := idx.Lookup(req("GET", "/a")); !ok {
		t.Fatal("expected initial route to match")
	}

	idx.Reload([]model.Route{mustRoute("b", "/b", 0, time.Now())})

	if _, ok := idx.Lookup(req("GET", "/a")); ok {
		t.Fatal("expected old route to be gone after reload")
	}
	if _, ok := idx.Lookup(req("GET", "/b")); !ok {
		t.Fatal("expected new route to match after reload")
	}
}

// Reload hooks see the route set just published, so derived state (the
// breaker registry) can be reconciled against it.
func TestReload_RunsHooksWithNewRoutes(t *testing.T) {
	idx := New(nil, nil)

	var got []model.Route
	idx.OnReload(func(routes []model.Route) { got = routes })

	idx.Reload([]model.Route{mustRoute("a", "/a", 0, time.Now())})
	if len(got) != 1 || got[0].ID != "a" {
		t.Fatalf("expected hook to receive the reloaded route set, got %+v", got)
	}
}

// A route with an invalid matcher is excluded from the dataplane snapshot
// rather than crashing index construction.
func TestBuildSnapshot_InvalidMatcherExcluded(t *testing.T) {
	bad := mustRoute("bad", "/bad", 0, time.Now())
	bad.Matchers = []model.Matcher{{Name: model.MatcherHeader, Key: "X", Op: model.OpRegex, Value: "("}}
	good := mustRoute("good", "/good", 0, time.Now())

	idx := New(nil, []model.Route{bad, good})
	if _, ok := idx.Get("bad"); ok {
		t.Fatal("expected invalid route to be excluded from snapshot")
	}
	if _, ok := idx.Get("good"); !ok {
		t.Fatal("expected valid route to remain in snapshot")
	}
}

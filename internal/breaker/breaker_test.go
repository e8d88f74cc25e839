package breaker

import (
	"testing"
	"time"

	"github.com/l8e-harbor/harbor-gateway/internal/model"
)

func cfg(threshold, minReq int, timeoutMS int) model.CircuitBreakerConfig {
	return model.CircuitBreakerConfig{
		Enabled:          true,
		FailureThreshold: threshold,
		MinimumRequests:  minReq,
		IntervalMS:       60000,
		TimeoutMS:        timeoutMS,
	}
}

// After minimum_requests calls at >= threshold% failure rate, the next
// call is denied.
func TestRegistry_OpensAfterThreshold(t *testing.T) {
	reg := NewRegistry()
	c := cfg(50, 2, 10000)

	for i := 0; i < 2; i++ {
		allowed, _ := reg.Allow("r1", "http://up", c)
		if !allowed {
			t.Fatalf("call %d: expected admitted before window fills", i)
		}
		reg.RecordResult("r1", "http://up", c, false)
	}

	allowed, _ := reg.Allow("r1", "http://up", c)
	if allowed {
		t.Fatal("expected breaker to deny the next call once threshold is reached")
	}
}

// Breaker-denied calls are not themselves counted as failures:
// repeatedly polling an open breaker does not reset or extend the
// window beyond the original timeout.
func TestRegistry_DenialNotCounted(t *testing.T) {
	reg := NewRegistry()
	c := cfg(50, 1, 50)

	reg.Allow("r1", "http://up", c)
	reg.RecordResult("r1", "http://up", c, false)

	allowed, _ := reg.Allow("r1", "http://up", c)
	if allowed {
		t.Fatal("expected open")
	}
	// Poll again immediately; this must not count toward anything or
	// change the state.
	allowed, _ = reg.Allow("r1", "http://up", c)
	if allowed {
		t.Fatal("expected still open on second denial")
	}
}

// After timeout_ms elapses in Open, exactly one HalfOpen probe is
// admitted; a second concurrent call sees Open (denied).
func TestRegistry_HalfOpen_SingleProbe(t *testing.T) {
	reg := NewRegistry()
	c := cfg(50, 1, 20)

	reg.Allow("r1", "http://up", c)
	reg.RecordResult("r1", "http://up", c, false)

	time.Sleep(30 * time.Millisecond)

	first, _ := reg.Allow("r1", "http://up", c)
	if !first {
		t.Fatal("expected first call after timeout to be admitted as the half-open probe")
	}
	second, _ := reg.Allow("r1", "http://up", c)
	if second {
		t.Fatal("expected second concurrent call to be denied while a probe is in flight")
	}
}

// A successful half-open probe closes the breaker and clears the window.
func TestRegistry_HalfOpen_SuccessCloses(t *testing.T) {
	reg := NewRegistry()
	c := cfg(50, 1, 20)

	reg.Allow("r1", "http://up", c)
	reg.RecordResult("r1", "http://up", c, false)
	time.Sleep(30 * time.Millisecond)

	reg.Allow("r1", "http://up", c)
	reg.RecordResult("r1", "http://up", c, true)

	allowed, _ := reg.Allow("r1", "http://up", c)
	if !allowed {
		t.Fatal("expected breaker closed and admitting after a successful probe")
	}
}

// A failed half-open probe reopens the breaker and resets its timer.
func TestRegistry_HalfOpen_FailureReopens(t *testing.T) {
	reg := NewRegistry()
	c := cfg(50, 1, 20)

	reg.Allow("r1", "http://up", c)
	reg.RecordResult("r1", "http://up", c, false)
	time.Sleep(30 * time.Millisecond)

	reg.Allow("r1", "http://up", c)
	reg.RecordResult("r1", "http://up", c, false)

	allowed, _ := reg.Allow("r1", "http://up", c)
	if allowed {
		t.Fatal("expected breaker to reopen after a failed probe")
	}
}

// Breakers for different (route, backend) pairs are independent.
func TestRegistry_KeyedPerRouteAndBackend(t *testing.T) {
	reg := NewRegistry()
	c := cfg(50, 1, 10000)

	reg.Allow("r1", "http://a", c)
	reg.RecordResult("r1", "http://a", c, false)

	allowed, _ := reg.Allow("r1", "http://b", c)
	if !allowed {
		t.Fatal("expected a different backend's breaker to be unaffected")
	}
	allowed, _ = reg.Allow("r2", "http://a", c)
	if !allowed {
		t.Fatal("expected a different route's breaker to be unaffected")
	}
}

// Reconcile drops breakers whose (route, backend) pair left the route
// table and keeps state for pairs that are still present.
func TestRegistry_Reconcile_DropsRemovedBackends(t *testing.T) {
	reg := NewRegistry()
	c := cfg(50, 1, 10000)

	// Open both breakers.
	for _, backend := range []string{"http://a", "http://b"} {
		reg.Allow("r1", backend, c)
		reg.RecordResult("r1", backend, c, false)
	}

	reg.Reconcile([]model.Route{{
		ID:       "r1",
		Backends: []model.Backend{{URL: "http://a", Weight: 100}},
	}})

	// The surviving pair keeps its open state.
	if allowed, _ := reg.Allow("r1", "http://a", c); allowed {
		t.Fatal("expected the surviving breaker to keep its open state")
	}
	// The removed pair starts fresh: a lazily re-created breaker admits.
	if allowed, _ := reg.Allow("r1", "http://b", c); !allowed {
		t.Fatal("expected the removed backend's failure history to be dropped")
	}
}

// Disabled breaker config always admits.
func TestRegistry_Disabled_AlwaysAllows(t *testing.T) {
	reg := NewRegistry()
	c := model.CircuitBreakerConfig{Enabled: false}
	for i := 0; i < 5; i++ {
		reg.RecordResult("r1", "http://a", c, false)
		allowed, _ := reg.Allow("r1", "http://a", c)
		if !allowed {
			t.Fatal("expected disabled breaker to always admit")
		}
	}
}

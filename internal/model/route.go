// Package model holds the data types shared by the route store, route
// index, matcher engine, selector, breaker registry and proxy engine.
package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/l8e-harbor/harbor-gateway/internal/apierr"
)

// Method is one of the eight HTTP method tokens the route table recognises.
type Method string

const (
	MethodGet     Method = "GET"
	MethodPost    Method = "POST"
	MethodPut     Method = "PUT"
	MethodDelete  Method = "DELETE"
	MethodPatch   Method = "PATCH"
	MethodOptions Method = "OPTIONS"
	MethodHead    Method = "HEAD"
	MethodTrace   Method = "TRACE"
)

var validMethods = map[Method]struct{}{
	MethodGet: {}, MethodPost: {}, MethodPut: {}, MethodDelete: {},
	MethodPatch: {}, MethodOptions: {}, MethodHead: {}, MethodTrace: {},
}

// RetryToken is a failure class a retry policy may cover.
type RetryToken string

const (
	RetryOn5xx        RetryToken = "5xx"
	RetryOnGatewayErr RetryToken = "gateway-error"
	RetryOnTimeout    RetryToken = "timeout"
)

// MatcherOp is the comparison a Matcher applies to the extracted value.
type MatcherOp string

const (
	OpEquals   MatcherOp = "equals"
	OpContains MatcherOp = "contains"
	OpRegex    MatcherOp = "regex"
	OpExists   MatcherOp = "exists"
)

// MatcherKind names which part of the request a Matcher reads from.
type MatcherKind string

const (
	MatcherHeader MatcherKind = "header"
	MatcherQuery  MatcherKind = "query"
	MatcherCookie MatcherKind = "cookie"
)

// Matcher is a single predicate a route's matchers list ANDs together.
type Matcher struct {
	Name  MatcherKind `json:"name" yaml:"name"`
	Key   string      `json:"key" yaml:"key"`
	Op    MatcherOp   `json:"op" yaml:"op"`
	Value string      `json:"value,omitempty" yaml:"value,omitempty"`
}

// Backend is one upstream candidate for a route.
type Backend struct {
	URL             string `json:"url" yaml:"url"`
	Weight          int    `json:"weight" yaml:"weight"`
	HealthCheckPath string `json:"health_check_path,omitempty" yaml:"health_check_path,omitempty"`
}

// DefaultBackendWeight is filled in when a backend document omits its
// weight. An explicit weight of 0 is preserved: it marks a backend the
// selector must never pick while it stays listed on the route.
const DefaultBackendWeight = 100

// UnmarshalJSON decodes a backend, defaulting an omitted weight.
func (b *Backend) UnmarshalJSON(data []byte) error {
	type alias Backend
	aux := alias{Weight: DefaultBackendWeight}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*b = Backend(aux)
	return nil
}

// UnmarshalYAML decodes a backend from config, defaulting an omitted
// weight the same way the JSON path does.
func (b *Backend) UnmarshalYAML(value *yaml.Node) error {
	type alias Backend
	aux := alias{Weight: DefaultBackendWeight}
	if err := value.Decode(&aux); err != nil {
		return err
	}
	*b = Backend(aux)
	return nil
}

// RetryPolicy bounds how many times, and under what conditions, a failed
// attempt against a backend is retried.
type RetryPolicy struct {
	MaxRetries int          `json:"max_retries" yaml:"max_retries"`
	BackoffMS  int          `json:"backoff_ms" yaml:"backoff_ms"`
	RetryOn    []RetryToken `json:"retry_on" yaml:"retry_on"`
}

func (p RetryPolicy) Covers(tok RetryToken) bool {
	for _, t := range p.RetryOn {
		if t == tok {
			return true
		}
	}
	return false
}

// CircuitBreakerConfig is the per-route breaker tuning; the registry keys
// actual breaker state off (route id, backend URL), not this struct.
type CircuitBreakerConfig struct {
	Enabled          bool `json:"enabled" yaml:"enabled"`
	FailureThreshold int  `json:"failure_threshold" yaml:"failure_threshold"` // percent, 1..100
	MinimumRequests  int  `json:"minimum_requests" yaml:"minimum_requests"`
	IntervalMS       int  `json:"interval_ms" yaml:"interval_ms"`
	TimeoutMS        int  `json:"timeout_ms" yaml:"timeout_ms"`
}

// Middleware is one named, configured step in a route's processing chain.
type Middleware struct {
	Name   string         `json:"name" yaml:"name"`
	Config map[string]any `json:"config,omitempty" yaml:"config,omitempty"`
}

// Route is the complete, store-level specification of a routing rule.
type Route struct {
	ID             string               `json:"id" yaml:"id"`
	Path           string               `json:"path" yaml:"path"`
	Methods        []Method             `json:"methods" yaml:"methods"`
	Backends       []Backend            `json:"backends" yaml:"backends"`
	Priority       int                  `json:"priority" yaml:"priority"`
	StripPrefix    bool                 `json:"strip_prefix" yaml:"strip_prefix"`
	StickySession  bool                 `json:"sticky_session" yaml:"sticky_session"`
	TimeoutMS      int                  `json:"timeout_ms" yaml:"timeout_ms"`
	RetryPolicy    RetryPolicy          `json:"retry_policy" yaml:"retry_policy"`
	CircuitBreaker CircuitBreakerConfig `json:"circuit_breaker" yaml:"circuit_breaker"`
	Middleware     []Middleware         `json:"middleware" yaml:"middleware"`
	Matchers       []Matcher            `json:"matchers,omitempty" yaml:"matchers,omitempty"`
	CreatedAt      time.Time            `json:"created_at" yaml:"created_at"`
	UpdatedAt      time.Time            `json:"updated_at" yaml:"updated_at"`
}

// HasMethod reports whether m is in the route's method set.
func (r Route) HasMethod(m string) bool {
	for _, rm := range r.Methods {
		if string(rm) == m {
			return true
		}
	}
	return false
}

// TotalWeight sums the weights of this route's backends.
func (r Route) TotalWeight() int {
	total := 0
	for _, b := range r.Backends {
		total += b.Weight
	}
	return total
}

var idOK = func(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if !(c >= 'a' && c <= 'z' || c >= '0' && c <= '9' || c == '-') {
			return false
		}
	}
	return true
}

// Validate checks a Route's invariants, naming the
// offending field so the management plane can surface it in its 400
// response. It does not check uniqueness across a store — that's the
// store's job.
func (r Route) Validate() error {
	if !idOK(r.ID) {
		return apierr.Field("id", fmt.Sprintf("id must be lowercase alphanumerics and dashes, got %q", r.ID))
	}
	if r.Path == "" || !strings.HasPrefix(r.Path, "/") {
		return apierr.Field("path", "path must start with '/' and be non-empty")
	}
	if len(r.Backends) == 0 {
		return apierr.Field("backends", "at least one backend is required")
	}
	if r.TotalWeight() <= 0 {
		return apierr.Field("backends", "sum of backend weights must be > 0")
	}
	for i, b := range r.Backends {
		if b.Weight < 0 || b.Weight > 1000 {
			return apierr.Field(fmt.Sprintf("backends[%d].weight", i), "weight must be in 0..1000")
		}
	}
	if r.Priority < 0 {
		return apierr.Field("priority", "priority must be >= 0")
	}
	if r.TimeoutMS < 100 || r.TimeoutMS > 300000 {
		return apierr.Field("timeout_ms", "timeout_ms must be in 100..300000")
	}
	if r.RetryPolicy.MaxRetries < 0 || r.RetryPolicy.MaxRetries > 10 {
		return apierr.Field("retry_policy.max_retries", "max_retries must be in 0..10")
	}
	if r.RetryPolicy.BackoffMS < 0 {
		return apierr.Field("retry_policy.backoff_ms", "backoff_ms must be >= 0")
	}
	if r.CircuitBreaker.Enabled {
		if r.CircuitBreaker.FailureThreshold < 1 || r.CircuitBreaker.FailureThreshold > 100 {
			return apierr.Field("circuit_breaker.failure_threshold", "failure_threshold must be in 1..100")
		}
		if r.CircuitBreaker.MinimumRequests < 1 {
			return apierr.Field("circuit_breaker.minimum_requests", "minimum_requests must be >= 1")
		}
	}
	for _, mm := range r.Methods {
		if _, ok := validMethods[mm]; !ok {
			return apierr.Field("methods", fmt.Sprintf("unknown method %q", mm))
		}
	}
	return nil
}

// AuthContext is the identity attached to a request after successful
// authentication; threaded through request context by the auth middleware.
type AuthContext struct {
	Subject   string         `json:"subject"`
	Role      string         `json:"role"`
	Meta      map[string]any `json:"meta,omitempty"`
	TokenID   string         `json:"token_id,omitempty"`
	ExpiresAt *time.Time     `json:"expires_at,omitempty"`
}

const (
	RoleHarborMaster = "harbor-master"
	RoleCaptain      = "captain"
)

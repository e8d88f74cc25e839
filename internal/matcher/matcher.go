// Package matcher evaluates per-route header/query/cookie predicates.
package matcher

import (
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/l8e-harbor/harbor-gateway/internal/model"
)

// Compiled is a Matcher with its regex (if any) pre-compiled at route
// ingest, so that a bad pattern is rejected once instead of on every request.
type Compiled struct {
	spec model.Matcher
	re   *regexp.Regexp
}

// Compile validates and compiles a single matcher spec.
func Compile(m model.Matcher) (Compiled, error) {
	switch m.Name {
	case model.MatcherHeader, model.MatcherQuery, model.MatcherCookie:
	default:
		return Compiled{}, fmt.Errorf("unknown matcher name %q", m.Name)
	}
	switch m.Op {
	case model.OpEquals, model.OpContains, model.OpRegex, model.OpExists:
	default:
		return Compiled{}, fmt.Errorf("unknown matcher op %q", m.Op)
	}
	if m.Key == "" {
		return Compiled{}, fmt.Errorf("matcher key is required")
	}

	c := Compiled{spec: m}
	if m.Op == model.OpRegex {
		re, err := regexp.Compile("^(?:" + m.Value + ")$")
		if err != nil {
			return Compiled{}, fmt.Errorf("invalid regex %q: %w", m.Value, err)
		}
		c.re = re
	}
	return c, nil
}

// CompileAll compiles a route's matcher list, failing fast on the first bad
// one so route ingest can reject with a 400 naming the offending matcher.
func CompileAll(ms []model.Matcher) ([]Compiled, error) {
	out := make([]Compiled, 0, len(ms))
	for i, m := range ms {
		c, err := Compile(m)
		if err != nil {
			return nil, fmt.Errorf("matchers[%d]: %w", i, err)
		}
		out = append(out, c)
	}
	return out, nil
}

// MatchAll reports whether every compiled matcher passes for r. An empty
// list is trivially true.
func MatchAll(cs []Compiled, r *http.Request) bool {
	for _, c := range cs {
		if !c.match(r) {
			return false
		}
	}
	return true
}

func (c Compiled) match(r *http.Request) bool {
	value, present := c.extract(r)
	switch c.spec.Op {
	case model.OpExists:
		return present
	case model.OpEquals:
		return present && value == c.spec.Value
	case model.OpContains:
		return present && strings.Contains(value, c.spec.Value)
	case model.OpRegex:
		return present && c.re.MatchString(value)
	default:
		return false
	}
}

func (c Compiled) extract(r *http.Request) (string, bool) {
	switch c.spec.Name {
	case model.MatcherHeader:
		v := r.Header.Get(c.spec.Key)
		return v, v != "" || headerPresent(r, c.spec.Key)
	case model.MatcherQuery:
		q := r.URL.Query()
		v, ok := q[c.spec.Key]
		if !ok || len(v) == 0 {
			return "", false
		}
		return v[0], true
	case model.MatcherCookie:
		ck, err := r.Cookie(c.spec.Key)
		if err != nil {
			return "", false
		}
		return ck.Value, true
	default:
		return "", false
	}
}

func headerPresent(r *http.Request, key string) bool {
	_, ok := r.Header[http.CanonicalHeaderKey(key)]
	return ok
}

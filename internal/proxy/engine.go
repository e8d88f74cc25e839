// Engine is the dataplane orchestrator: route lookup, middleware chain,
// backend selection, breaker consult, dispatch with retry, and streamed
// response. Selection and breaker consult happen fresh on every retry
// attempt, not once per request, so a retry can land on a different
// backend than the attempt that failed.
package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/l8e-harbor/harbor-gateway/internal/apierr"
	"github.com/l8e-harbor/harbor-gateway/internal/authadapter"
	"github.com/l8e-harbor/harbor-gateway/internal/breaker"
	"github.com/l8e-harbor/harbor-gateway/internal/model"
	"github.com/l8e-harbor/harbor-gateway/internal/mw"
	"github.com/l8e-harbor/harbor-gateway/internal/ratelimit"
	"github.com/l8e-harbor/harbor-gateway/internal/routeindex"
	"github.com/l8e-harbor/harbor-gateway/internal/selector"
)

var hopByHopHeaders = []string{
	"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"TE", "Trailer", "Transfer-Encoding", "Upgrade",
}

type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeUpstreamStatus
	outcomeTransport
	outcomeTimeout
)

// Engine holds everything the dataplane needs per request: the live
// route table, the backend selector, the breaker registry, the auth
// adapter, and the shared upstream transport.
type Engine struct {
	log       *slog.Logger
	idx       *routeindex.Index
	selector  *selector.Selector
	breakers  *breaker.Registry
	auth      authadapter.Adapter
	limiter   ratelimit.Limiter
	transport http.RoundTripper
	ipr       mw.IPResolver

	semMu sync.Mutex
	sems  map[string]*mw.Semaphore
}

func NewEngine(log *slog.Logger, idx *routeindex.Index, sel *selector.Selector, breakers *breaker.Registry, auth authadapter.Adapter, limiter ratelimit.Limiter, transport http.RoundTripper) *Engine {
	return NewEngineWithResolver(log, idx, sel, breakers, auth, limiter, transport, mw.IPResolver{})
}

// NewEngineWithResolver is NewEngine plus an explicit trusted-proxy-aware
// client IP resolver, used when the dataplane sits behind a load balancer
// that sets X-Forwarded-For/X-Real-Ip.
func NewEngineWithResolver(log *slog.Logger, idx *routeindex.Index, sel *selector.Selector, breakers *breaker.Registry, auth authadapter.Adapter, limiter ratelimit.Limiter, transport http.RoundTripper, ipr mw.IPResolver) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{log: log, idx: idx, selector: sel, breakers: breakers, auth: auth, limiter: limiter, transport: transport, ipr: ipr, sems: make(map[string]*mw.Semaphore)}
}

// semaphoreFor returns the concurrency limiter for routeID, sized per
// maxInFlight on first use. Route concurrency limits do not change at
// runtime, so the semaphore is created once and reused thereafter even
// if the route is later reloaded with a different limit (a restart
// picks up the new value).
func (e *Engine) semaphoreFor(routeID string, maxInFlight int) *mw.Semaphore {
	e.semMu.Lock()
	defer e.semMu.Unlock()
	sem, ok := e.sems[routeID]
	if !ok {
		sem = mw.NewSemaphore(maxInFlight)
		e.sems[routeID] = sem
	}
	return sem
}

func (e *Engine) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	start := time.Now()
	reqID := r.Header.Get("X-Request-Id")
	if reqID == "" {
		reqID = uuid.NewString()
	}
	// X-Process-Time has to be stamped before the header block flushes,
	// so the writer does it lazily on the first WriteHeader/Write.
	w := &timingWriter{ResponseWriter: rw, start: start}
	w.Header().Set("X-Request-Id", reqID)

	route, ok := e.idx.Lookup(r)
	if !ok {
		respondJSON(w, http.StatusNotFound, map[string]any{"error": "route_not_found"})
		return
	}

	staged, status, denied, release := e.runMiddleware(r, route)
	if release != nil {
		defer release()
	}
	if denied {
		respondJSON(w, status, map[string]any{"error": statusSlug(status)})
		return
	}

	e.dispatchWithRetry(w, r, route, staged, reqID, start)
}

// stagedEdits is what the middleware chain accumulates before dispatch:
// header mutations staged by header-rewrite, applied just before the
// request leaves for upstream.
type stagedEdits struct {
	headerSet    map[string]string
	headerRemove []string
}

// runMiddleware executes route.Middleware in declared order. Any
// middleware name outside the recognised set is ignored, so a route
// document written for a newer gateway still dispatches here.
func (e *Engine) runMiddleware(r *http.Request, route model.Route) (stagedEdits, int, bool, func()) {
	staged := stagedEdits{headerSet: map[string]string{}}
	var subject string
	var releases []func()

	releaseAll := func() {
		for _, rel := range releases {
			rel()
		}
	}
	deny := func(status int) (stagedEdits, int, bool, func()) {
		releaseAll()
		return staged, status, true, nil
	}

	for _, m := range route.Middleware {
		switch m.Name {
		case "auth":
			var requireRoles []string
			if raw, ok := m.Config["require_role"].([]any); ok {
				for _, v := range raw {
					if s, ok := v.(string); ok {
						requireRoles = append(requireRoles, s)
					}
				}
			}
			actx, err := e.auth.Authenticate(r.Context(), r)
			if err != nil {
				e.log.Error("auth adapter failed", slog.String("error", err.Error()))
				return deny(http.StatusInternalServerError)
			}
			if actx == nil {
				return deny(http.StatusUnauthorized)
			}
			if len(requireRoles) > 0 && !containsString(requireRoles, actx.Role) {
				return deny(http.StatusForbidden)
			}
			subject = actx.Subject

		case "concurrency":
			maxInFlight := 0
			switch v := m.Config["max_in_flight"].(type) {
			case float64:
				maxInFlight = int(v)
			case int:
				maxInFlight = v
			}
			if maxInFlight <= 0 {
				continue
			}
			sem := e.semaphoreFor(route.ID, maxInFlight)
			if !sem.TryAcquire() {
				return deny(http.StatusServiceUnavailable)
			}
			releases = append(releases, sem.Release)

		case "rate-limit":
			if e.limiter == nil {
				continue
			}
			rps, _ := m.Config["rps"].(float64)
			burst, _ := m.Config["burst"].(float64)
			if rps <= 0 || burst <= 0 {
				continue
			}
			scope, _ := m.Config["scope"].(string)

			actor := "ip:" + e.ipr.ClientIP(r)
			if scope == "user" && subject != "" {
				actor = "user:" + subject
			}
			key := "rl:" + route.ID + ":" + actor

			dec, err := e.limiter.Allow(r.Context(), key, rps, burst, 1)
			if err != nil {
				// Fail-open: a limiter outage should not take the route down.
				e.log.Warn("rate limiter unavailable, allowing request", slog.String("error", err.Error()))
				continue
			}
			if !dec.Allowed {
				return deny(http.StatusTooManyRequests)
			}

		case "logging":
			// Accepted and not applied: the configured level is not
			// attached to the request or to the access log.

		case "header-rewrite":
			if set, ok := m.Config["set"].(map[string]any); ok {
				for k, v := range set {
					if s, ok := v.(string); ok {
						staged.headerSet[k] = s
					}
				}
			}
			if rem, ok := m.Config["remove"].([]any); ok {
				for _, v := range rem {
					if s, ok := v.(string); ok {
						staged.headerRemove = append(staged.headerRemove, s)
					}
				}
			}

		default:
			// Unrecognised middleware is ignored for forward compatibility.
		}
	}

	return staged, 0, false, releaseAll
}

func containsString(ss []string, v string) bool {
	for _, s := range ss {
		if s == v {
			return true
		}
	}
	return false
}

func (e *Engine) dispatchWithRetry(w http.ResponseWriter, r *http.Request, route model.Route, staged stagedEdits, reqID string, start time.Time) {
	maxAttempts := route.RetryPolicy.MaxRetries + 1
	clientAddr := e.ipr.ClientIP(r)

	// Retries require replaying the request body; buffer it only when a
	// retry could actually happen; the common zero-retry path streams the
	// original body without buffering.
	var bodyBuf []byte
	if maxAttempts > 1 && r.Body != nil && r.Body != http.NoBody {
		b, err := io.ReadAll(r.Body)
		if err != nil {
			respondJSON(w, http.StatusBadRequest, map[string]any{"error": "request_body_read_failed"})
			return
		}
		bodyBuf = b
	}

	var lastBackend model.Backend
	attempts := 0

	for attempts = 1; attempts <= maxAttempts; attempts++ {
		backend, err := e.selector.Pick(route, clientAddr)
		if err != nil {
			respondJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "no_backend_available"})
			e.recordAccess(route, lastBackend, http.StatusServiceUnavailable, attempts, start, reqID)
			return
		}
		lastBackend = backend

		allowed, retryAfter := e.breakers.Allow(route.ID, backend.URL, route.CircuitBreaker)
		if !allowed {
			if retryAfter > 0 {
				w.Header().Set("Retry-After", strconv.Itoa(int((retryAfter+999*time.Millisecond)/time.Second)))
			}
			respondJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "circuit_open", "route": route.ID})
			e.recordAccess(route, backend, http.StatusServiceUnavailable, attempts, start, reqID)
			return
		}

		var bodyReader io.Reader
		if bodyBuf != nil {
			bodyReader = bytes.NewReader(bodyBuf)
		} else {
			bodyReader = r.Body
		}

		outc, upstreamResp, status, err := e.attempt(r, route, backend, staged, bodyReader, reqID, clientAddr)
		success := outc == outcomeSuccess
		e.breakers.RecordResult(route.ID, backend.URL, route.CircuitBreaker, success)

		if outc == outcomeSuccess {
			e.streamResponse(w, upstreamResp)
			e.recordAccess(route, backend, upstreamResp.StatusCode, attempts, start, reqID)
			return
		}

		retryable := isRetryable(route, outc, status)

		if retryable && attempts < maxAttempts {
			if upstreamResp != nil {
				upstreamResp.Body.Close()
			}
			if route.RetryPolicy.BackoffMS > 0 {
				select {
				case <-time.After(time.Duration(route.RetryPolicy.BackoffMS) * time.Millisecond):
				case <-r.Context().Done():
					return
				}
			}
			continue
		}

		// Out of retries, or this failure class isn't retried: if we have
		// an actual upstream response (a real 5xx), pass it through
		// unmodified rather than synthesizing a new error.
		if outc == outcomeUpstreamStatus && upstreamResp != nil {
			e.streamResponse(w, upstreamResp)
			e.recordAccess(route, backend, upstreamResp.StatusCode, attempts, start, reqID)
			return
		}

		kind, slug := apierr.KindUpstreamTransport, "upstream_transport_error"
		if outc == outcomeTimeout {
			kind, slug = apierr.KindUpstreamTimeout, "upstream_timeout"
		}
		finalStatus := apierr.DataplaneStatus(kind)
		if err != nil {
			e.log.Warn("upstream attempt failed",
				slog.String("route", route.ID),
				slog.String("backend", backend.URL),
				slog.Int("attempts", attempts),
				slog.String("error", err.Error()),
			)
		}
		respondJSON(w, finalStatus, map[string]any{"error": slug, "route": route.ID})
		e.recordAccess(route, backend, finalStatus, attempts, start, reqID)
		return
	}
}

// attempt dispatches a single upstream request and classifies the
// outcome. On outcomeSuccess or outcomeUpstreamStatus the caller owns
// closing resp.Body.
func (e *Engine) attempt(r *http.Request, route model.Route, backend model.Backend, staged stagedEdits, body io.Reader, reqID, clientAddr string) (outcome, *http.Response, int, error) {
	upstreamURL, err := buildUpstreamURL(backend, route, r)
	if err != nil {
		return outcomeTransport, nil, 0, err
	}

	ctx, cancel := context.WithTimeout(r.Context(), time.Duration(route.TimeoutMS)*time.Millisecond)
	defer cancel()

	outReq, err := http.NewRequestWithContext(ctx, r.Method, upstreamURL.String(), body)
	if err != nil {
		return outcomeTransport, nil, 0, err
	}
	copyHeaders(outReq.Header, r.Header)
	outReq.Host = upstreamURL.Host

	outReq.Header.Set("X-Forwarded-Proto", forwardedProto(r))
	outReq.Header.Set("X-Forwarded-Host", r.Host)
	outReq.Header.Set("X-Request-Id", reqID)
	if clientAddr != "" {
		if existing := outReq.Header.Get("X-Forwarded-For"); existing != "" {
			outReq.Header.Set("X-Forwarded-For", existing+", "+clientAddr)
		} else {
			outReq.Header.Set("X-Forwarded-For", clientAddr)
		}
	}
	for k, v := range staged.headerSet {
		outReq.Header.Set(k, v)
	}
	for _, k := range staged.headerRemove {
		outReq.Header.Del(k)
	}

	client := &http.Client{Transport: e.transport}
	resp, err := client.Do(outReq)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return outcomeTimeout, nil, 0, err
		}
		return outcomeTransport, nil, 0, err
	}

	if resp.StatusCode >= 500 {
		return outcomeUpstreamStatus, resp, resp.StatusCode, nil
	}
	return outcomeSuccess, resp, resp.StatusCode, nil
}

// isRetryable reports whether a failed attempt's outcome is covered by
// the route's retry_on set. gateway-error covers transport failures and
// the 502/503/504 subset of upstream status failures; 5xx covers any
// upstream 5xx; timeout covers only per-attempt deadline exceeded.
func isRetryable(route model.Route, outc outcome, status int) bool {
	switch outc {
	case outcomeTimeout:
		return route.RetryPolicy.Covers(model.RetryOnTimeout)
	case outcomeTransport:
		return route.RetryPolicy.Covers(model.RetryOnGatewayErr)
	case outcomeUpstreamStatus:
		if route.RetryPolicy.Covers(model.RetryOn5xx) {
			return true
		}
		if status == 502 || status == 503 || status == 504 {
			return route.RetryPolicy.Covers(model.RetryOnGatewayErr)
		}
		return false
	default:
		return false
	}
}

func buildUpstreamURL(backend model.Backend, route model.Route, r *http.Request) (*url.URL, error) {
	base, err := url.Parse(backend.URL)
	if err != nil {
		return nil, err
	}
	path := r.URL.Path
	if route.StripPrefix {
		path = StripPath(path, route.Path)
	}
	basePath := strings.TrimSuffix(base.Path, "/")
	full := *base
	full.Path = basePath + path
	full.RawQuery = r.URL.RawQuery
	return &full, nil
}

func copyHeaders(dst, src http.Header) {
	excluded := make(map[string]struct{}, len(hopByHopHeaders))
	for _, h := range hopByHopHeaders {
		excluded[h] = struct{}{}
	}
	for k, vv := range src {
		if _, skip := excluded[http.CanonicalHeaderKey(k)]; skip {
			continue
		}
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

func (e *Engine) streamResponse(w http.ResponseWriter, resp *http.Response) {
	defer resp.Body.Close()
	dst := w.Header()
	for _, h := range hopByHopHeaders {
		resp.Header.Del(h)
	}
	for k, vv := range resp.Header {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)

	// Copy with a flush per chunk so a long-lived upstream stream (SSE,
	// chunked downloads) reaches the client as it is produced; the read
	// side only advances as fast as the client drains, which is the
	// back-pressure the dataplane relies on instead of buffering.
	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 32*1024)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			return
		}
	}
}

func (e *Engine) recordAccess(route model.Route, backend model.Backend, status, attempts int, start time.Time, reqID string) {
	e.log.Info("proxy_access",
		slog.String("request_id", reqID),
		slog.String("route", route.ID),
		slog.String("backend", backend.URL),
		slog.Int("status", status),
		slog.Int("attempts", attempts),
		slog.String("duration", time.Since(start).String()),
	)
}

func forwardedProto(r *http.Request) string {
	if r.TLS != nil {
		return "https"
	}
	if p := r.Header.Get("X-Forwarded-Proto"); p != "" {
		return p
	}
	return "http"
}

// timingWriter stamps X-Process-Time (seconds, decimal) on the response
// at the moment the header block is flushed, since a header set after
// the handler has written is silently dropped by net/http.
type timingWriter struct {
	http.ResponseWriter
	start   time.Time
	stamped bool
}

func (w *timingWriter) WriteHeader(code int) {
	if !w.stamped {
		w.stamped = true
		w.Header().Set("X-Process-Time", strconv.FormatFloat(time.Since(w.start).Seconds(), 'f', 6, 64))
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *timingWriter) Write(p []byte) (int, error) {
	if !w.stamped {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(p)
}

func (w *timingWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func respondJSON(w http.ResponseWriter, status int, body map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func statusSlug(status int) string {
	switch status {
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusTooManyRequests:
		return "rate_limited"
	case http.StatusServiceUnavailable:
		return "too_busy"
	default:
		return "internal_error"
	}
}

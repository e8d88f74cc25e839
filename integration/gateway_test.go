package integration_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/l8e-harbor/harbor-gateway/internal/authadapter/local"
	"github.com/l8e-harbor/harbor-gateway/internal/breaker"
	"github.com/l8e-harbor/harbor-gateway/internal/model"
	"github.com/l8e-harbor/harbor-gateway/internal/proxy"
	"github.com/l8e-harbor/harbor-gateway/internal/ratelimit"
	"github.com/l8e-harbor/harbor-gateway/internal/routeindex"
	"github.com/l8e-harbor/harbor-gateway/internal/routestore/memorystore"
	"github.com/l8e-harbor/harbor-gateway/internal/secretstore/localfs"
	"github.com/l8e-harbor/harbor-gateway/internal/selector"
)

func testLog() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo}))
}

func newLocalAuth(t *testing.T) *local.Adapter {
	t.Helper()
	secrets, err := localfs.New(t.TempDir())
	require.NoError(t, err)
	return local.New(secrets, time.Minute)
}

func newEngine(t *testing.T, routes []model.Route, auth *local.Adapter, limiter ratelimit.Limiter) *proxy.Engine {
	t.Helper()
	log := testLog()
	idx := routeindex.New(log, routes)
	if limiter == nil {
		limiter = ratelimit.NewMemoryLimiter(5*time.Minute, 200*time.Millisecond)
		t.Cleanup(func() { _ = limiter.Close() })
	}
	return proxy.NewEngine(log, idx, selector.New(), breaker.NewRegistry(), auth, limiter, http.DefaultTransport)
}

func baseRoute(id, path, upstream string) model.Route {
	return model.Route{
		ID:          id,
		Path:        path,
		Methods:     []model.Method{model.MethodGet},
		Backends:    []model.Backend{{URL: upstream, Weight: 1}},
		StripPrefix: true,
		TimeoutMS:   2000,
		RetryPolicy: model.RetryPolicy{MaxRetries: 0},
	}
}

// Happy path: strip_prefix sends the request through to the upstream
// with the route prefix removed, and the body streams back unmodified.
func TestGateway_HappyPath_StripPrefix(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/y", r.URL.Path)
		_, _ = w.Write([]byte("ok"))
	}))
	defer up.Close()

	route := baseRoute("a", "/x", up.URL)
	engine := newEngine(t, []model.Route{route}, newLocalAuth(t), nil)
	gw := httptest.NewServer(engine)
	defer gw.Close()

	resp, err := http.Get(gw.URL + "/x/y")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "ok", string(body))
	require.NotEmpty(t, resp.Header.Get("X-Request-Id"))
	require.NotEmpty(t, resp.Header.Get("X-Process-Time"))
}

// Retry on 5xx: two 500s then a 200, with a retry policy covering 5xx,
// yields a 200 to the client after three attempts.
func TestGateway_RetryOn5xx_EventualSuccess(t *testing.T) {
	var calls int32
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n <= 2 {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer up.Close()

	route := baseRoute("retry", "/r", up.URL)
	route.RetryPolicy = model.RetryPolicy{
		MaxRetries: 2,
		BackoffMS:  5,
		RetryOn:    []model.RetryToken{model.RetryOn5xx},
	}

	engine := newEngine(t, []model.Route{route}, newLocalAuth(t), nil)
	gw := httptest.NewServer(engine)
	defer gw.Close()

	resp, err := http.Get(gw.URL + "/r/anything")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "ok", string(body))
	require.EqualValues(t, 3, atomic.LoadInt32(&calls))
}

// A failure class outside retry_on is never retried: a route with no
// retry_on tokens configured surfaces the first 500 as-is.
func TestGateway_RetryNotConfigured_NoRetry(t *testing.T) {
	var calls int32
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer up.Close()

	route := baseRoute("noretry", "/nr", up.URL)
	engine := newEngine(t, []model.Route{route}, newLocalAuth(t), nil)
	gw := httptest.NewServer(engine)
	defer gw.Close()

	resp, err := http.Get(gw.URL + "/nr/anything")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	require.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestGateway_Auth_RequireRole_And_RateLimit(t *testing.T) {
	usersUp := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"service": "users", "path": r.URL.Path})
	}))
	defer usersUp.Close()

	publicUp := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"service": "public", "path": r.URL.Path})
	}))
	defer publicUp.Close()

	auth := newLocalAuth(t)
	ctx := context.Background()
	_, err := auth.CreateUser(ctx, "alice", "hunter22", model.RoleCaptain, nil)
	require.NoError(t, err)

	usersRoute := baseRoute("users", "/api/users/me", usersUp.URL)
	usersRoute.Middleware = []model.Middleware{
		{Name: "auth", Config: map[string]any{"require_role": []any{model.RoleCaptain}}},
		{Name: "rate-limit", Config: map[string]any{"rps": 5.0, "burst": 10.0, "scope": "user"}},
	}
	publicRoute := baseRoute("public", "/public/hello", publicUp.URL)
	publicRoute.Middleware = []model.Middleware{
		{Name: "rate-limit", Config: map[string]any{"rps": 1.0, "burst": 2.0, "scope": "ip"}},
	}

	engine := newEngine(t, []model.Route{usersRoute, publicRoute}, auth, nil)
	gw := httptest.NewServer(engine)
	defer gw.Close()

	// No token => 401.
	resp, err := http.Get(gw.URL + "/api/users/me")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// Valid credentials => token, then 200.
	actx, err := auth.VerifyCredentials(ctx, "alice", "hunter22")
	require.NoError(t, err)
	token, err := auth.IssueToken(ctx, actx.Subject, actx.Role, 900)
	require.NoError(t, err)

	req, _ := http.NewRequest(http.MethodGet, gw.URL+"/api/users/me", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// Rate limit the public route: some requests should be 429.
	limited, ok := 0, 0
	for i := 0; i < 12; i++ {
		resp, err := http.Get(gw.URL + "/public/hello")
		require.NoError(t, err)
		resp.Body.Close()
		switch resp.StatusCode {
		case http.StatusTooManyRequests:
			limited++
		case http.StatusOK:
			ok++
		}
	}
	require.Greater(t, limited, 0, "expected some 429s, got ok=%d limited=%d", ok, limited)
}

func TestGateway_ConcurrencyLimit_TooBusy(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(150 * time.Millisecond)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer up.Close()

	route := baseRoute("conc", "/conc/hello", up.URL)
	route.Middleware = []model.Middleware{
		{Name: "concurrency", Config: map[string]any{"max_in_flight": 1.0}},
	}

	engine := newEngine(t, []model.Route{route}, newLocalAuth(t), nil)
	gw := httptest.NewServer(engine)
	defer gw.Close()

	client := &http.Client{Timeout: 2 * time.Second}
	const n = 10
	start := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(n)

	var okCount, busyCount int32
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			<-start
			resp, err := client.Get(gw.URL + "/conc/hello")
			if err != nil {
				return
			}
			defer resp.Body.Close()
			switch resp.StatusCode {
			case http.StatusOK:
				atomic.AddInt32(&okCount, 1)
			case http.StatusServiceUnavailable:
				atomic.AddInt32(&busyCount, 1)
			}
		}()
	}
	close(start)
	wg.Wait()

	require.Greater(t, int(okCount), 0, "expected at least one 200")
	require.Greater(t, int(busyCount), 0, "expected at least one 503 too_busy")
}

// A store put is visible to the dataplane within a bounded delay, and a
// delete falls back to 404, with the index catching up through its
// watch subscription rather than any direct wiring.
func TestGateway_LiveReload_PutThenDelete(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("live"))
	}))
	defer up.Close()

	log := testLog()
	store := memorystore.New(log, "")
	idx := routeindex.New(log, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go routeindex.Run(ctx, log, idx, store)

	limiter := ratelimit.NewMemoryLimiter(5*time.Minute, 200*time.Millisecond)
	t.Cleanup(func() { _ = limiter.Close() })
	engine := proxy.NewEngine(log, idx, selector.New(), breaker.NewRegistry(), newLocalAuth(t), limiter, http.DefaultTransport)
	gw := httptest.NewServer(engine)
	defer gw.Close()

	statusOf := func() int {
		resp, err := http.Get(gw.URL + "/live/x")
		if err != nil {
			return -1
		}
		resp.Body.Close()
		return resp.StatusCode
	}

	require.Equal(t, http.StatusNotFound, statusOf())

	// Give the reconciler a moment to register its watch subscription
	// before the first mutation, so the test doesn't depend on the 30s
	// resync ticker.
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, store.Put(ctx, baseRoute("live", "/live", up.URL)))
	require.Eventually(t, func() bool { return statusOf() == http.StatusOK },
		2*time.Second, 10*time.Millisecond, "expected the index to pick up the put")

	deleted, err := store.Delete(ctx, "live")
	require.NoError(t, err)
	require.True(t, deleted)
	require.Eventually(t, func() bool { return statusOf() == http.StatusNotFound },
		2*time.Second, 10*time.Millisecond, "expected the index to drop the deleted route")
}

// With no retry configured, the request body is piped to the upstream
// as the client produces it, not buffered first. The upstream
// acknowledges the first chunk before the client sends the rest; if the
// engine buffered the whole body, this handshake would deadlock.
func TestGateway_RequestBody_StreamedNotBuffered(t *testing.T) {
	const chunkSize = 64 * 1024
	firstChunkSeen := make(chan struct{})

	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := io.ReadFull(r.Body, make([]byte, chunkSize)); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		close(firstChunkSeen)
		n, _ := io.Copy(io.Discard, r.Body)
		_, _ = w.Write([]byte(strconv.FormatInt(n, 10)))
	}))
	defer up.Close()

	route := baseRoute("stream", "/s", up.URL)
	route.Methods = []model.Method{model.MethodPost}

	engine := newEngine(t, []model.Route{route}, newLocalAuth(t), nil)
	gw := httptest.NewServer(engine)
	defer gw.Close()

	pr, pw := io.Pipe()
	go func() {
		defer pw.Close()
		if _, err := pw.Write(make([]byte, chunkSize)); err != nil {
			return
		}
		select {
		case <-firstChunkSeen:
		case <-time.After(5 * time.Second):
			pw.CloseWithError(io.ErrClosedPipe)
			return
		}
		_, _ = pw.Write([]byte("tail"))
	}()

	req, err := http.NewRequest(http.MethodPost, gw.URL+"/s/upload", pr)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "4", string(body), "upstream should have received the 4-byte tail after the first chunk")
}

func TestGateway_CircuitBreaker_Opens_And_Closes(t *testing.T) {
	var calls int32
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n <= 2 {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer up.Close()

	route := baseRoute("cb", "/cb/hello", up.URL)
	route.CircuitBreaker = model.CircuitBreakerConfig{
		Enabled:          true,
		FailureThreshold: 50,
		MinimumRequests:  2,
		IntervalMS:       60000,
		TimeoutMS:        200,
	}

	engine := newEngine(t, []model.Route{route}, newLocalAuth(t), nil)
	gw := httptest.NewServer(engine)
	defer gw.Close()

	client := &http.Client{Timeout: 2 * time.Second}

	resp, err := client.Get(gw.URL + "/cb/hello")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	resp, err = client.Get(gw.URL + "/cb/hello")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	// Breaker should now be open: fast-failed without reaching upstream.
	resp, err = client.Get(gw.URL + "/cb/hello")
	require.NoError(t, err)
	b, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	require.True(t, strings.Contains(string(b), "circuit"), "expected circuit-open body, got %s", string(b))

	// Wait for the breaker's timeout window to elapse, then succeed.
	time.Sleep(250 * time.Millisecond)

	resp, err = client.Get(gw.URL + "/cb/hello")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = client.Get(gw.URL + "/cb/hello")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

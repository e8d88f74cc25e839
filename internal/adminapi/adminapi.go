// Package adminapi is the management plane: bootstrap, user and route
// CRUD, login, JWKS/public-key exposure, and status/health endpoints.
// It is a thin adapter over the route store and auth adapter; the
// dataplane never calls into it.
package adminapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/l8e-harbor/harbor-gateway/internal/authadapter/local"
	"github.com/l8e-harbor/harbor-gateway/internal/breaker"
	"github.com/l8e-harbor/harbor-gateway/internal/model"
	"github.com/l8e-harbor/harbor-gateway/internal/routestore"
)

// Server holds the dependencies the management handlers need. It has no
// knowledge of the dataplane's hot-path route index: writes go straight
// to the Store, and the Route Index picks them up through its own
// Watch subscription.
type Server struct {
	log      *slog.Logger
	store    routestore.Store
	auth     *local.Adapter
	breakers *breaker.Registry
	version  string
}

func New(log *slog.Logger, store routestore.Store, auth *local.Adapter, breakers *breaker.Registry, version string) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{log: log, store: store, auth: auth, breakers: breakers, version: version}
}

// APIPrefix is the versioned prefix the management API lives under.
// Health probes and the JWKS document stay unversioned, since external
// tooling (load balancers, token verifiers) expects them at fixed paths.
const APIPrefix = "/api/v1"

// Mux builds the management plane's http.Handler. The caller wraps it
// with whatever access-log/metrics/admin-key middleware the deployment
// wants; adminapi itself only enforces per-endpoint role checks.
func (s *Server) Mux() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST "+APIPrefix+"/bootstrap", s.handleBootstrap)
	mux.HandleFunc("POST "+APIPrefix+"/auth/login", s.handleLogin)
	mux.HandleFunc("POST "+APIPrefix+"/auth/logout", s.handleLogout)
	mux.HandleFunc("GET /.well-known/jwks.json", s.handleJWKS)

	mux.HandleFunc("GET "+APIPrefix+"/admin/users", s.withRoles(s.handleListUsers, model.RoleHarborMaster))
	mux.HandleFunc("POST "+APIPrefix+"/admin/users", s.withRoles(s.handleCreateUser, model.RoleHarborMaster))
	mux.HandleFunc("GET "+APIPrefix+"/admin/users/{name}", s.withRoles(s.handleGetUser, model.RoleHarborMaster))
	mux.HandleFunc("PUT "+APIPrefix+"/admin/users/{name}", s.withRoles(s.handleUpdateUser, model.RoleHarborMaster))
	mux.HandleFunc("DELETE "+APIPrefix+"/admin/users/{name}", s.withRoles(s.handleDeleteUser, model.RoleHarborMaster))
	mux.HandleFunc("GET "+APIPrefix+"/admin/status", s.withRoles(s.handleAdminStatus, model.RoleHarborMaster))

	mux.HandleFunc("GET "+APIPrefix+"/routes", s.withRoles(s.handleListRoutes, model.RoleCaptain, model.RoleHarborMaster))
	mux.HandleFunc("GET "+APIPrefix+"/routes:export", s.withRoles(s.handleExportRoutes, model.RoleCaptain, model.RoleHarborMaster))
	mux.HandleFunc("POST "+APIPrefix+"/routes:bulk-apply", s.withRoles(s.handleBulkApply, model.RoleHarborMaster))
	mux.HandleFunc("GET "+APIPrefix+"/routes/{id}", s.withRoles(s.handleGetRoute, model.RoleCaptain, model.RoleHarborMaster))
	mux.HandleFunc("PUT "+APIPrefix+"/routes/{id}", s.withRoles(s.handlePutRoute, model.RoleHarborMaster))
	mux.HandleFunc("DELETE "+APIPrefix+"/routes/{id}", s.withRoles(s.handleDeleteRoute, model.RoleHarborMaster))

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /readyz", s.handleReady)

	return mux
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

// withRoles requires a valid bearer token whose role exactly equals one
// of roles before invoking next. Roles form no hierarchy: an endpoint
// open to both roles lists both explicitly. Bootstrap is the one write
// path that bypasses this — handleBootstrap checks IsBootstrapped
// itself instead.
func (s *Server) withRoles(next http.HandlerFunc, roles ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actx, err := s.auth.Authenticate(r.Context(), r)
		if err != nil {
			s.log.Error("admin auth check failed", slog.String("error", err.Error()))
			writeDetail(w, http.StatusInternalServerError, "authentication check failed")
			return
		}
		if actx == nil {
			writeDetail(w, http.StatusUnauthorized, "missing or invalid bearer token")
			return
		}
		allowed := false
		for _, role := range roles {
			if actx.Role == role {
				allowed = true
				break
			}
		}
		if !allowed {
			writeDetail(w, http.StatusForbidden, "insufficient role")
			return
		}
		next(w, r.WithContext(withAuthContext(r.Context(), actx)))
	}
}

type authCtxKey struct{}

func withAuthContext(ctx context.Context, actx *model.AuthContext) context.Context {
	return context.WithValue(ctx, authCtxKey{}, actx)
}

func authFromContext(ctx context.Context) *model.AuthContext {
	v, _ := ctx.Value(authCtxKey{}).(*model.AuthContext)
	return v
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": s.version})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if _, err := s.store.List(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

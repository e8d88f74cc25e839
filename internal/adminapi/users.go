package adminapi

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/l8e-harbor/harbor-gateway/internal/authadapter/local"
	"github.com/l8e-harbor/harbor-gateway/internal/model"
)

const minPasswordLength = 8

type bootstrapRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// handleBootstrap creates the first harbor-master account. It is only
// reachable while no user exists yet; once IsBootstrapped reports true
// the route permanently 409s, and further accounts go through the
// ordinary (role-gated) user CRUD endpoints.
func (s *Server) handleBootstrap(w http.ResponseWriter, r *http.Request) {
	bootstrapped, err := s.auth.IsBootstrapped(r.Context())
	if err != nil {
		s.log.Error("bootstrap check failed", slog.String("error", err.Error()))
		writeDetail(w, http.StatusInternalServerError, "bootstrap check failed")
		return
	}
	if bootstrapped {
		writeDetail(w, http.StatusConflict, "gateway is already bootstrapped")
		return
	}

	var req bootstrapRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDetail(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.Username == "" {
		writeDetail(w, http.StatusBadRequest, "username is required")
		return
	}
	if len(req.Password) < minPasswordLength {
		writeDetail(w, http.StatusBadRequest, "password must be at least 8 characters")
		return
	}

	u, err := s.auth.CreateUser(r.Context(), req.Username, req.Password, model.RoleHarborMaster, nil)
	if err != nil {
		s.log.Error("bootstrap user creation failed", slog.String("error", err.Error()))
		writeDetail(w, http.StatusInternalServerError, "user creation failed")
		return
	}
	writeJSON(w, http.StatusCreated, userDTO(u))
}

type userResponse struct {
	Username  string         `json:"username"`
	Role      string         `json:"role"`
	Meta      map[string]any `json:"meta,omitempty"`
	CreatedAt string         `json:"created_at"`
	UpdatedAt string         `json:"updated_at"`
}

func userDTO(u local.User) userResponse {
	return userResponse{
		Username:  u.Username,
		Role:      u.Role,
		Meta:      u.Meta,
		CreatedAt: u.CreatedAt.Format(httpTimeFormat),
		UpdatedAt: u.UpdatedAt.Format(httpTimeFormat),
	}
}

const httpTimeFormat = "2006-01-02T15:04:05Z07:00"

type createUserRequest struct {
	Username string         `json:"username"`
	Password string         `json:"password"`
	Role     string         `json:"role"`
	Meta     map[string]any `json:"meta,omitempty"`
}

func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDetail(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.Username == "" {
		writeDetail(w, http.StatusBadRequest, "username is required")
		return
	}
	if len(req.Password) < minPasswordLength {
		writeDetail(w, http.StatusBadRequest, "password must be at least 8 characters")
		return
	}
	role := req.Role
	if role == "" {
		role = model.RoleCaptain
	}
	if role != model.RoleCaptain && role != model.RoleHarborMaster {
		writeDetail(w, http.StatusBadRequest, "role must be 'captain' or 'harbor-master'")
		return
	}

	u, err := s.auth.CreateUser(r.Context(), req.Username, req.Password, role, req.Meta)
	if err != nil {
		writeDetail(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, userDTO(u))
}

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.auth.ListUsers(r.Context())
	if err != nil {
		s.log.Error("list users failed", slog.String("error", err.Error()))
		writeDetail(w, http.StatusInternalServerError, "failed to list users")
		return
	}
	out := make([]userResponse, 0, len(users))
	for _, u := range users {
		out = append(out, userDTO(u))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": out})
}

func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	u, ok, err := s.auth.GetUser(r.Context(), name)
	if err != nil {
		s.log.Error("get user failed", slog.String("error", err.Error()))
		writeDetail(w, http.StatusInternalServerError, "failed to load user")
		return
	}
	if !ok {
		writeDetail(w, http.StatusNotFound, "user not found")
		return
	}
	writeJSON(w, http.StatusOK, userDTO(u))
}

type updateUserRequest struct {
	Password string         `json:"password,omitempty"`
	Role     string         `json:"role,omitempty"`
	Meta     map[string]any `json:"meta,omitempty"`
}

func (s *Server) handleUpdateUser(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	var req updateUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDetail(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.Password != "" && len(req.Password) < minPasswordLength {
		writeDetail(w, http.StatusBadRequest, "password must be at least 8 characters")
		return
	}
	if req.Role != "" && req.Role != model.RoleCaptain && req.Role != model.RoleHarborMaster {
		writeDetail(w, http.StatusBadRequest, "role must be 'captain' or 'harbor-master'")
		return
	}

	u, err := s.auth.UpdateUser(r.Context(), name, req.Password, req.Role, req.Meta)
	if err != nil {
		writeDetail(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, userDTO(u))
}

func (s *Server) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	deleted, err := s.auth.DeleteUser(r.Context(), name)
	if err != nil {
		s.log.Error("delete user failed", slog.String("error", err.Error()))
		writeDetail(w, http.StatusInternalServerError, "failed to delete user")
		return
	}
	if !deleted {
		writeDetail(w, http.StatusNotFound, "user not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAdminStatus(w http.ResponseWriter, r *http.Request) {
	users, err := s.auth.ListUsers(r.Context())
	if err != nil {
		s.log.Error("admin status check failed", slog.String("error", err.Error()))
		writeDetail(w, http.StatusInternalServerError, "status check failed")
		return
	}
	routes, err := s.store.List(r.Context())
	if err != nil {
		s.log.Error("admin status route list failed", slog.String("error", err.Error()))
		writeDetail(w, http.StatusInternalServerError, "status check failed")
		return
	}

	actx := authFromContext(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"version":       s.version,
		"user_count":    len(users),
		"route_count":   len(routes),
		"breaker_count": len(s.breakers.Snapshot()),
		"requested_by":  actx.Subject,
	})
}

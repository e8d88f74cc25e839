package adminapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
	Role        string `json:"role"`
}

const defaultLoginTTLSeconds = 900

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDetail(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.Username == "" || req.Password == "" {
		writeDetail(w, http.StatusBadRequest, "username and password are required")
		return
	}

	actx, err := s.auth.VerifyCredentials(r.Context(), req.Username, req.Password)
	if err != nil {
		s.log.Error("credential verification failed", slog.String("error", err.Error()))
		writeDetail(w, http.StatusInternalServerError, "authentication failed")
		return
	}
	if actx == nil {
		writeDetail(w, http.StatusUnauthorized, "invalid username or password")
		return
	}

	token, err := s.auth.IssueToken(r.Context(), actx.Subject, actx.Role, defaultLoginTTLSeconds)
	if err != nil {
		s.log.Error("token issuance failed", slog.String("error", err.Error()))
		writeDetail(w, http.StatusInternalServerError, "token issuance failed")
		return
	}

	writeJSON(w, http.StatusOK, loginResponse{
		AccessToken: token,
		TokenType:   "bearer",
		ExpiresIn:   defaultLoginTTLSeconds,
		Role:        actx.Role,
	})
}

type logoutRequest struct {
	TokenID string `json:"token_id"`
}

// handleLogout revokes a token by id. Unlike the other admin endpoints
// this only requires a valid bearer token, not a specific role — any
// authenticated subject can revoke their own session.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	actx, err := s.auth.Authenticate(r.Context(), r)
	if err != nil || actx == nil {
		writeDetail(w, http.StatusUnauthorized, "missing or invalid bearer token")
		return
	}

	var req logoutRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	tokenID := req.TokenID
	if tokenID == "" {
		tokenID = actx.TokenID
	}
	if tokenID == "" {
		writeDetail(w, http.StatusBadRequest, "token_id is required")
		return
	}

	if err := s.auth.RevokeToken(r.Context(), tokenID); err != nil {
		s.log.Error("token revocation failed", slog.String("error", err.Error()))
		writeDetail(w, http.StatusInternalServerError, "revocation failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"revoked": tokenID})
}

// handleJWKS exposes the adapter's RSA public key so a downstream
// service can verify tokens this gateway issued without sharing the
// private key. Published as a plain PEM block under a minimal
// JWKS-shaped envelope rather than a full RFC 7517 JWK.
func (s *Server) handleJWKS(w http.ResponseWriter, r *http.Request) {
	pem, err := s.auth.PublicKeyPEM(r.Context())
	if err != nil {
		s.log.Error("public key retrieval failed", slog.String("error", err.Error()))
		writeDetail(w, http.StatusInternalServerError, "public key unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"keys": []map[string]string{
			{"kty": "RSA", "alg": "RS256", "use": "sig", "pem": pem},
		},
	})
}

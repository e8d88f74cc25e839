package k8ssa

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/l8e-harbor/harbor-gateway/internal/model"
)

func jwksServer(t *testing.T, priv *rsa.PrivateKey, kid string) *httptest.Server {
	t.Helper()
	jwks := map[string]any{
		"keys": []any{
			map[string]any{
				"kty": "RSA",
				"kid": kid,
				"use": "sig",
				"alg": "RS256",
				"n":   base64.RawURLEncoding.EncodeToString(priv.PublicKey.N.Bytes()),
				"e":   base64.RawURLEncoding.EncodeToString([]byte{1, 0, 1}),
			},
		},
	}
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(jwks)
	}))
	t.Cleanup(s.Close)
	return s
}

func mint(t *testing.T, priv *rsa.PrivateKey, kid string, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = kid
	s, err := tok.SignedString(priv)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func bearerReq(token string) *http.Request {
	r := httptest.NewRequest("GET", "/", nil)
	if token != "" {
		r.Header.Set("Authorization", "Bearer "+token)
	}
	return r
}

func TestAuthenticate_ValidToken(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	srv := jwksServer(t, priv, "kid1")

	a, err := New(Config{
		JWKSURL:  srv.URL,
		Issuer:   "https://kubernetes.default.svc",
		Audience: "harbor-gateway",
		Leeway:   30 * time.Second,
		RoleBindings: map[string]string{
			"system:serviceaccount:ops:deployer": model.RoleHarborMaster,
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	tok := mint(t, priv, "kid1", jwt.MapClaims{
		"sub": "system:serviceaccount:ops:deployer",
		"iss": "https://kubernetes.default.svc",
		"aud": "harbor-gateway",
		"iat": time.Now().Unix(),
		"exp": time.Now().Add(time.Hour).Unix(),
	})

	actx, err := a.Authenticate(context.Background(), bearerReq(tok))
	if err != nil {
		t.Fatal(err)
	}
	if actx == nil {
		t.Fatal("expected authenticated context")
	}
	if actx.Subject != "system:serviceaccount:ops:deployer" {
		t.Fatalf("unexpected subject %q", actx.Subject)
	}
	if actx.Role != model.RoleHarborMaster {
		t.Fatalf("expected role from binding, got %q", actx.Role)
	}
}

// A subject without a role binding authenticates as captain.
func TestAuthenticate_UnboundSubjectIsCaptain(t *testing.T) {
	priv, _ := rsa.GenerateKey(rand.Reader, 2048)
	srv := jwksServer(t, priv, "kid1")

	a, err := New(Config{JWKSURL: srv.URL})
	if err != nil {
		t.Fatal(err)
	}

	tok := mint(t, priv, "kid1", jwt.MapClaims{
		"sub": "system:serviceaccount:default:reader",
		"exp": time.Now().Add(time.Hour).Unix(),
	})

	actx, err := a.Authenticate(context.Background(), bearerReq(tok))
	if err != nil {
		t.Fatal(err)
	}
	if actx == nil || actx.Role != model.RoleCaptain {
		t.Fatalf("expected captain role, got %+v", actx)
	}
}

func TestAuthenticate_IssuerMismatchRejected(t *testing.T) {
	priv, _ := rsa.GenerateKey(rand.Reader, 2048)
	srv := jwksServer(t, priv, "kid1")

	a, _ := New(Config{JWKSURL: srv.URL, Issuer: "https://kubernetes.default.svc"})
	tok := mint(t, priv, "kid1", jwt.MapClaims{
		"sub": "x",
		"iss": "other",
		"exp": time.Now().Add(time.Hour).Unix(),
	})

	actx, err := a.Authenticate(context.Background(), bearerReq(tok))
	if err != nil {
		t.Fatal(err)
	}
	if actx != nil {
		t.Fatal("expected issuer mismatch to be rejected")
	}
}

func TestAuthenticate_AudienceMismatchRejected(t *testing.T) {
	priv, _ := rsa.GenerateKey(rand.Reader, 2048)
	srv := jwksServer(t, priv, "kid1")

	a, _ := New(Config{JWKSURL: srv.URL, Audience: "harbor-gateway"})
	tok := mint(t, priv, "kid1", jwt.MapClaims{
		"sub": "x",
		"aud": "nope",
		"exp": time.Now().Add(time.Hour).Unix(),
	})

	actx, err := a.Authenticate(context.Background(), bearerReq(tok))
	if err != nil {
		t.Fatal(err)
	}
	if actx != nil {
		t.Fatal("expected audience mismatch to be rejected")
	}
}

func TestAuthenticate_ExpiredRejected(t *testing.T) {
	priv, _ := rsa.GenerateKey(rand.Reader, 2048)
	srv := jwksServer(t, priv, "kid1")

	a, _ := New(Config{JWKSURL: srv.URL})
	tok := mint(t, priv, "kid1", jwt.MapClaims{
		"sub": "x",
		"exp": time.Now().Add(-time.Hour).Unix(),
	})

	actx, err := a.Authenticate(context.Background(), bearerReq(tok))
	if err != nil {
		t.Fatal(err)
	}
	if actx != nil {
		t.Fatal("expected expired token to be rejected")
	}
}

func TestAuthenticate_NoHeaderIsAbsent(t *testing.T) {
	priv, _ := rsa.GenerateKey(rand.Reader, 2048)
	srv := jwksServer(t, priv, "kid1")

	a, _ := New(Config{JWKSURL: srv.URL})
	actx, err := a.Authenticate(context.Background(), bearerReq(""))
	if err != nil {
		t.Fatal(err)
	}
	if actx != nil {
		t.Fatal("expected absent context without a bearer header")
	}
}

func TestIssueAndRevoke_Unsupported(t *testing.T) {
	priv, _ := rsa.GenerateKey(rand.Reader, 2048)
	srv := jwksServer(t, priv, "kid1")

	a, _ := New(Config{JWKSURL: srv.URL})
	if _, err := a.IssueToken(context.Background(), "x", model.RoleCaptain, 60); err == nil {
		t.Fatal("expected IssueToken to be unsupported")
	}
	if err := a.RevokeToken(context.Background(), "jti"); err == nil {
		t.Fatal("expected RevokeToken to be unsupported")
	}
}

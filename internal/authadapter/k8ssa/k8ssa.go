// Package k8ssa is the service-account auth adapter: a pure verifier of
// RS256 bearer tokens (Kubernetes ServiceAccount projected tokens, or
// any OIDC-issued JWT) against a remote JWKS document. It issues and
// revokes nothing; token lifecycle belongs to the external issuer.
package k8ssa

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/l8e-harbor/harbor-gateway/internal/apierr"
	"github.com/l8e-harbor/harbor-gateway/internal/model"
)

// Config tunes the remote verification: where the JWKS lives, which
// issuer/audience a token must carry, and how subjects map to roles.
type Config struct {
	JWKSURL  string
	Issuer   string
	Audience string

	HTTPTimeout time.Duration
	CacheTTL    time.Duration
	Leeway      time.Duration

	// RoleBindings maps a token subject (for ServiceAccount tokens,
	// "system:serviceaccount:<namespace>:<name>") to a gateway role.
	// Subjects without a binding authenticate as captain.
	RoleBindings map[string]string
}

// Adapter validates RS256 JWTs using a remote JWKS. Public keys are
// cached by kid and refreshed on cache expiry or an unknown kid.
type Adapter struct {
	url      string
	issuer   string
	audience string

	client   *http.Client
	cacheTTL time.Duration
	leeway   time.Duration
	bindings map[string]string

	mu        sync.RWMutex
	keys      map[string]*rsa.PublicKey
	fetchedAt time.Time

	refreshMu sync.Mutex
}

func New(cfg Config) (*Adapter, error) {
	if cfg.JWKSURL == "" {
		return nil, errors.New("jwks url required")
	}

	timeout := cfg.HTTPTimeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	leeway := cfg.Leeway
	if leeway < 0 {
		leeway = 0
	}

	return &Adapter{
		url:      cfg.JWKSURL,
		issuer:   cfg.Issuer,
		audience: cfg.Audience,
		client:   &http.Client{Timeout: timeout},
		cacheTTL: ttl,
		leeway:   leeway,
		bindings: cfg.RoleBindings,
		keys:     make(map[string]*rsa.PublicKey),
	}, nil
}

// Authenticate verifies the Authorization: Bearer header against the
// remote JWKS. Any negative outcome (no header, bad signature, wrong
// issuer/audience, expired) returns a nil context, not an error.
func (a *Adapter) Authenticate(ctx context.Context, r *http.Request) (*model.AuthContext, error) {
	authz := r.Header.Get("Authorization")
	if authz == "" || !strings.HasPrefix(authz, "Bearer ") {
		return nil, nil
	}
	tokStr := strings.TrimSpace(strings.TrimPrefix(authz, "Bearer "))
	if tokStr == "" {
		return nil, nil
	}

	claims := jwt.MapClaims{}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{"RS256"}),
		jwt.WithoutClaimsValidation(), // iss/aud/exp checked below, with leeway
	)
	tok, err := parser.ParseWithClaims(tokStr, claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, errors.New("missing kid")
		}
		return a.getKey(ctx, kid)
	})
	if err != nil || tok == nil || !tok.Valid {
		return nil, nil
	}

	if err := a.validateClaims(claims); err != nil {
		return nil, nil
	}

	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, nil
	}

	role := a.bindings[sub]
	if role == "" {
		role = model.RoleCaptain
	}

	actx := &model.AuthContext{
		Subject: sub,
		Role:    role,
		Meta:    map[string]any{},
	}
	if iss, ok := claims["iss"].(string); ok {
		actx.Meta["iss"] = iss
	}
	if jti, ok := claims["jti"].(string); ok {
		actx.TokenID = jti
	}
	if exp, ok := extractInt64(claims["exp"]); ok {
		t := time.Unix(exp, 0).UTC()
		actx.ExpiresAt = &t
	}
	return actx, nil
}

// IssueToken always fails: this adapter is a pure verifier and the
// external issuer owns token minting.
func (a *Adapter) IssueToken(ctx context.Context, subject, role string, ttlSeconds int) (string, error) {
	return "", apierr.New(apierr.KindUnsupported, "service-account adapter cannot issue tokens")
}

// RevokeToken always fails: revocation happens at the external issuer.
func (a *Adapter) RevokeToken(ctx context.Context, tokenID string) error {
	return apierr.New(apierr.KindUnsupported, "service-account adapter cannot revoke tokens")
}

func (a *Adapter) validateClaims(claims jwt.MapClaims) error {
	now := time.Now().Unix()
	leeway := int64(a.leeway.Seconds())

	if a.issuer != "" {
		iss, _ := claims["iss"].(string)
		if iss != a.issuer {
			return errors.New("invalid issuer")
		}
	}

	if a.audience != "" {
		auds := extractAudiences(claims["aud"])
		hit := false
		for _, aud := range auds {
			if aud == a.audience {
				hit = true
				break
			}
		}
		if !hit {
			return errors.New("invalid audience")
		}
	}

	exp, ok := extractInt64(claims["exp"])
	if !ok {
		return errors.New("missing exp")
	}
	if now > exp+leeway {
		return errors.New("token expired")
	}

	if nbf, ok := extractInt64(claims["nbf"]); ok {
		if now < nbf-leeway {
			return errors.New("token not active")
		}
	}
	return nil
}

func extractAudiences(v any) []string {
	switch t := v.(type) {
	case string:
		if t == "" {
			return nil
		}
		return []string{t}
	case []any:
		out := make([]string, 0, len(t))
		for _, it := range t {
			if s, ok := it.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	case []string:
		return t
	default:
		return nil
	}
}

func extractInt64(v any) (int64, bool) {
	switch t := v.(type) {
	case float64:
		return int64(t), true
	case int64:
		return t, true
	case json.Number:
		i, err := t.Int64()
		return i, err == nil
	default:
		return 0, false
	}
}

func (a *Adapter) getKey(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	a.mu.RLock()
	key := a.keys[kid]
	fresh := time.Since(a.fetchedAt) < a.cacheTTL
	a.mu.RUnlock()
	if key != nil && fresh {
		return key, nil
	}

	// Refresh on unknown kid or stale cache.
	if err := a.refresh(ctx, kid); err != nil {
		// A stale cached key beats no key at all when the JWKS endpoint
		// is briefly unreachable.
		a.mu.RLock()
		key = a.keys[kid]
		a.mu.RUnlock()
		if key != nil {
			return key, nil
		}
		return nil, err
	}

	a.mu.RLock()
	key = a.keys[kid]
	a.mu.RUnlock()
	if key == nil {
		return nil, errors.New("unknown kid")
	}
	return key, nil
}

type jwksDoc struct {
	Keys []jwkKey `json:"keys"`
}

type jwkKey struct {
	Kid string `json:"kid"`
	Kty string `json:"kty"`
	Alg string `json:"alg"`
	Use string `json:"use"`

	N string `json:"n"`
	E string `json:"e"`
}

func (a *Adapter) refresh(ctx context.Context, kid string) error {
	// Serialize refreshes so a burst of unknown-kid requests doesn't
	// stampede the JWKS endpoint.
	a.refreshMu.Lock()
	defer a.refreshMu.Unlock()

	a.mu.RLock()
	_, known := a.keys[kid]
	stillFresh := time.Since(a.fetchedAt) < a.cacheTTL
	a.mu.RUnlock()
	if known && stillFresh {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.url, nil)
	if err != nil {
		return err
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("jwks http %d", resp.StatusCode)
	}

	var doc jwksDoc
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return err
	}
	if len(doc.Keys) == 0 {
		return errors.New("jwks empty")
	}

	next := make(map[string]*rsa.PublicKey, len(doc.Keys))
	for _, k := range doc.Keys {
		if k.Kid == "" || k.Kty != "RSA" {
			continue
		}
		pub, err := jwkToRSAPublicKey(k)
		if err != nil {
			continue
		}
		next[k.Kid] = pub
	}
	if len(next) == 0 {
		return errors.New("jwks: no usable rsa keys")
	}

	a.mu.Lock()
	a.keys = next
	a.fetchedAt = time.Now()
	a.mu.Unlock()
	return nil
}

func jwkToRSAPublicKey(k jwkKey) (*rsa.PublicKey, error) {
	if k.N == "" || k.E == "" {
		return nil, errors.New("missing n/e")
	}

	nBytes, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil {
		return nil, err
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil {
		return nil, err
	}

	n := new(big.Int).SetBytes(nBytes)
	e := new(big.Int).SetBytes(eBytes)

	if n.Sign() <= 0 || e.Sign() <= 0 {
		return nil, errors.New("bad rsa params")
	}
	if !e.IsInt64() {
		return nil, errors.New("rsa exponent too large")
	}
	return &rsa.PublicKey{N: n, E: int(e.Int64())}, nil
}

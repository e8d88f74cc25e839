// Package local is the local JWT auth adapter: RS256-signed bearer
// tokens, bcrypt-hashed passwords, and an in-process + persisted
// revocation set, all backed by a secretstore.Provider.
package local

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/l8e-harbor/harbor-gateway/internal/model"
	"github.com/l8e-harbor/harbor-gateway/internal/secretstore"
)

const (
	secretJWTKeysRaw    = "jwt_keys_raw"
	secretJWTKeys       = "jwt_keys"
	secretUsers         = "users"
	secretRevokedTokens = "revoked_tokens"
	issuer              = "l8e-harbor"
)

// User is one local account: a subject, its role, and a bcrypt hash.
type User struct {
	Username     string         `json:"username"`
	PasswordHash string         `json:"password_hash"`
	Role         string         `json:"role"`
	Meta         map[string]any `json:"meta,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// Adapter implements authadapter.Adapter plus the user-management
// surface the bootstrap and admin user CRUD endpoints need.
type Adapter struct {
	secrets secretstore.Provider
	jwtTTL  time.Duration

	keyMu      sync.RWMutex
	privateKey *rsa.PrivateKey
	publicKey  *rsa.PublicKey

	revokedMu sync.Mutex
	revoked   map[string]struct{}
}

// New constructs an Adapter. Keys are lazily loaded (and generated, if
// absent) on first use rather than at construction, so a fresh
// deployment can start before bootstrap runs.
func New(secrets secretstore.Provider, jwtTTL time.Duration) *Adapter {
	if jwtTTL <= 0 {
		jwtTTL = 15 * time.Minute
	}
	return &Adapter{
		secrets: secrets,
		jwtTTL:  jwtTTL,
		revoked: make(map[string]struct{}),
	}
}

func (a *Adapter) loadKeys(ctx context.Context) (*rsa.PrivateKey, *rsa.PublicKey, error) {
	a.keyMu.RLock()
	if a.privateKey != nil && a.publicKey != nil {
		priv, pub := a.privateKey, a.publicKey
		a.keyMu.RUnlock()
		return priv, pub, nil
	}
	a.keyMu.RUnlock()

	a.keyMu.Lock()
	defer a.keyMu.Unlock()
	if a.privateKey != nil && a.publicKey != nil {
		return a.privateKey, a.publicKey, nil
	}

	if raw, err := a.secrets.Get(ctx, secretJWTKeysRaw); err == nil {
		privPEM, _ := raw["private_key"].(string)
		pubPEM, _ := raw["public_key"].(string)
		if privPEM != "" && pubPEM != "" {
			priv, pub, err := parseKeyPair(privPEM, pubPEM)
			if err != nil {
				return nil, nil, fmt.Errorf("parse stored jwt keys: %w", err)
			}
			a.privateKey, a.publicKey = priv, pub
			return priv, pub, nil
		}
	}

	// No keys configured yet: generate and persist a fresh RSA keypair so
	// the gateway is usable out of the box.
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, nil, fmt.Errorf("generate jwt keypair: %w", err)
	}
	privPEM, pubPEM, err := encodeKeyPair(priv)
	if err != nil {
		return nil, nil, fmt.Errorf("encode jwt keypair: %w", err)
	}
	if err := a.secrets.Put(ctx, secretJWTKeysRaw, map[string]any{
		"private_key": privPEM,
		"public_key":  pubPEM,
		"created_at":  time.Now().UTC().Format(time.RFC3339),
	}); err != nil {
		return nil, nil, fmt.Errorf("persist generated jwt keys: %w", err)
	}

	a.privateKey, a.publicKey = priv, &priv.PublicKey
	return a.privateKey, a.publicKey, nil
}

func parseKeyPair(privPEM, pubPEM string) (*rsa.PrivateKey, *rsa.PublicKey, error) {
	privBlock, _ := pem.Decode([]byte(privPEM))
	if privBlock == nil {
		return nil, nil, fmt.Errorf("invalid private key PEM")
	}
	priv, err := x509.ParsePKCS1PrivateKey(privBlock.Bytes)
	if err != nil {
		pk, err2 := x509.ParsePKCS8PrivateKey(privBlock.Bytes)
		if err2 != nil {
			return nil, nil, fmt.Errorf("parse private key: %w", err)
		}
		rsaKey, ok := pk.(*rsa.PrivateKey)
		if !ok {
			return nil, nil, fmt.Errorf("private key is not RSA")
		}
		priv = rsaKey
	}

	pubBlock, _ := pem.Decode([]byte(pubPEM))
	if pubBlock == nil {
		return nil, nil, fmt.Errorf("invalid public key PEM")
	}
	pubAny, err := x509.ParsePKIXPublicKey(pubBlock.Bytes)
	if err != nil {
		return nil, nil, fmt.Errorf("parse public key: %w", err)
	}
	pub, ok := pubAny.(*rsa.PublicKey)
	if !ok {
		return nil, nil, fmt.Errorf("public key is not RSA")
	}
	return priv, pub, nil
}

func encodeKeyPair(priv *rsa.PrivateKey) (privPEM, pubPEM string, err error) {
	privBytes := x509.MarshalPKCS1PrivateKey(priv)
	privPEM = string(pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: privBytes}))

	pubBytes, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return "", "", err
	}
	pubPEM = string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubBytes}))
	return privPEM, pubPEM, nil
}

func (a *Adapter) loadUsers(ctx context.Context) (map[string]User, error) {
	raw, err := a.secrets.Get(ctx, secretUsers)
	if err != nil {
		if err == secretstore.ErrNotFound {
			return map[string]User{}, nil
		}
		return nil, fmt.Errorf("load users: %w", err)
	}

	users := make(map[string]User, len(raw))
	for name, v := range raw {
		m, ok := v.(map[string]any)
		if !ok {
			continue
		}
		users[name] = userFromMap(name, m)
	}
	return users, nil
}

func userFromMap(username string, m map[string]any) User {
	u := User{Username: username}
	if s, ok := m["password_hash"].(string); ok {
		u.PasswordHash = s
	}
	if s, ok := m["role"].(string); ok {
		u.Role = s
	}
	if mm, ok := m["meta"].(map[string]any); ok {
		u.Meta = mm
	}
	if s, ok := m["created_at"].(string); ok {
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			u.CreatedAt = t
		}
	}
	if s, ok := m["updated_at"].(string); ok {
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			u.UpdatedAt = t
		}
	}
	return u
}

func (a *Adapter) saveUsers(ctx context.Context, users map[string]User) error {
	payload := make(map[string]any, len(users))
	for name, u := range users {
		payload[name] = map[string]any{
			"username":      u.Username,
			"password_hash": u.PasswordHash,
			"role":          u.Role,
			"meta":          u.Meta,
			"created_at":    u.CreatedAt.Format(time.RFC3339),
			"updated_at":    u.UpdatedAt.Format(time.RFC3339),
		}
	}
	return a.secrets.Put(ctx, secretUsers, payload)
}

// Authenticate verifies the Authorization: Bearer header, if present.
func (a *Adapter) Authenticate(ctx context.Context, r *http.Request) (*model.AuthContext, error) {
	authz := r.Header.Get("Authorization")
	if authz == "" || !strings.HasPrefix(authz, "Bearer ") {
		return nil, nil
	}
	tokStr := strings.TrimSpace(strings.TrimPrefix(authz, "Bearer "))
	if tokStr == "" {
		return nil, nil
	}

	_, pub, err := a.loadKeys(ctx)
	if err != nil {
		return nil, err
	}

	tok, err := jwt.Parse(tokStr, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return pub, nil
	}, jwt.WithValidMethods([]string{"RS256"}))
	if err != nil || !tok.Valid {
		return nil, nil
	}

	claims, ok := tok.Claims.(jwt.MapClaims)
	if !ok {
		return nil, nil
	}

	sub, _ := claims["sub"].(string)
	role, _ := claims["role"].(string)
	if sub == "" || role == "" {
		return nil, nil
	}

	jti, _ := claims["jti"].(string)
	if jti != "" && a.isRevoked(jti) {
		return nil, nil
	}

	actx := &model.AuthContext{
		Subject: sub,
		Role:    role,
		TokenID: jti,
		Meta:    map[string]any{},
	}
	if iat, ok := claims["iat"].(float64); ok {
		actx.Meta["iat"] = iat
	}
	if iss, ok := claims["iss"].(string); ok {
		actx.Meta["iss"] = iss
	}
	if exp, ok := claims["exp"].(float64); ok {
		t := time.Unix(int64(exp), 0).UTC()
		actx.ExpiresAt = &t
	}
	return actx, nil
}

func (a *Adapter) isRevoked(jti string) bool {
	a.revokedMu.Lock()
	defer a.revokedMu.Unlock()
	_, ok := a.revoked[jti]
	return ok
}

// IssueToken mints an RS256 JWT for subject/role with the given TTL.
func (a *Adapter) IssueToken(ctx context.Context, subject, role string, ttlSeconds int) (string, error) {
	priv, _, err := a.loadKeys(ctx)
	if err != nil {
		return "", err
	}
	if ttlSeconds <= 0 {
		ttlSeconds = int(a.jwtTTL.Seconds())
	}

	now := time.Now().UTC()
	jti := fmt.Sprintf("%s_%d", subject, now.Unix())

	claims := jwt.MapClaims{
		"sub":  subject,
		"role": role,
		"iat":  now.Unix(),
		"exp":  now.Add(time.Duration(ttlSeconds) * time.Second).Unix(),
		"iss":  issuer,
		"jti":  jti,
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	signed, err := tok.SignedString(priv)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// RevokeToken adds tokenID to the in-process revocation set and persists
// the full set; a persistence failure does not undo the in-process
// revocation.
func (a *Adapter) RevokeToken(ctx context.Context, tokenID string) error {
	a.revokedMu.Lock()
	a.revoked[tokenID] = struct{}{}
	ids := make([]string, 0, len(a.revoked))
	for id := range a.revoked {
		ids = append(ids, id)
	}
	a.revokedMu.Unlock()

	payload := map[string]any{"revoked_tokens": ids}
	if err := a.secrets.Put(ctx, secretRevokedTokens, payload); err != nil {
		return fmt.Errorf("persist revoked tokens: %w", err)
	}
	return nil
}

// VerifyCredentials checks a username/password pair against the stored
// bcrypt hash.
func (a *Adapter) VerifyCredentials(ctx context.Context, username, password string) (*model.AuthContext, error) {
	users, err := a.loadUsers(ctx)
	if err != nil {
		return nil, err
	}
	u, ok := users[username]
	if !ok || u.PasswordHash == "" {
		return nil, nil
	}
	if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) != nil {
		return nil, nil
	}

	role := u.Role
	if role == "" {
		role = model.RoleCaptain
	}
	return &model.AuthContext{
		Subject: username,
		Role:    role,
		Meta:    map[string]any{"login_time": time.Now().UTC().Unix()},
	}, nil
}

// PublicKeyPEM returns the PEM-encoded RSA public key used to verify
// issued tokens, for the management plane's JWKS/public-key endpoint.
func (a *Adapter) PublicKeyPEM(ctx context.Context) (string, error) {
	_, pub, err := a.loadKeys(ctx)
	if err != nil {
		return "", err
	}
	pubBytes, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("marshal public key: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubBytes})), nil
}

// IsBootstrapped reports whether any user account exists.
func (a *Adapter) IsBootstrapped(ctx context.Context) (bool, error) {
	users, err := a.loadUsers(ctx)
	if err != nil {
		return false, err
	}
	return len(users) > 0, nil
}

// CreateUser adds a new local account. Returns an error if username is
// already taken.
func (a *Adapter) CreateUser(ctx context.Context, username, password, role string, meta map[string]any) (User, error) {
	users, err := a.loadUsers(ctx)
	if err != nil {
		return User{}, err
	}
	if _, exists := users[username]; exists {
		return User{}, fmt.Errorf("user %q already exists", username)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return User{}, fmt.Errorf("hash password: %w", err)
	}

	now := time.Now().UTC()
	u := User{
		Username:     username,
		PasswordHash: string(hash),
		Role:         role,
		Meta:         meta,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	users[username] = u
	if err := a.saveUsers(ctx, users); err != nil {
		return User{}, err
	}
	return u, nil
}

func (a *Adapter) GetUser(ctx context.Context, username string) (User, bool, error) {
	users, err := a.loadUsers(ctx)
	if err != nil {
		return User{}, false, err
	}
	u, ok := users[username]
	return u, ok, nil
}

func (a *Adapter) ListUsers(ctx context.Context) ([]User, error) {
	users, err := a.loadUsers(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]User, 0, len(users))
	for _, u := range users {
		out = append(out, u)
	}
	return out, nil
}

// UpdateUser patches the given fields of an existing account. Passing an
// empty password or role leaves that field unchanged; meta is replaced
// wholesale when non-nil.
func (a *Adapter) UpdateUser(ctx context.Context, username, password, role string, meta map[string]any) (User, error) {
	users, err := a.loadUsers(ctx)
	if err != nil {
		return User{}, err
	}
	u, ok := users[username]
	if !ok {
		return User{}, fmt.Errorf("user %q not found", username)
	}

	if password != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
		if err != nil {
			return User{}, fmt.Errorf("hash password: %w", err)
		}
		u.PasswordHash = string(hash)
	}
	if role != "" {
		u.Role = role
	}
	if meta != nil {
		u.Meta = meta
	}
	u.UpdatedAt = time.Now().UTC()

	users[username] = u
	if err := a.saveUsers(ctx, users); err != nil {
		return User{}, err
	}
	return u, nil
}

func (a *Adapter) DeleteUser(ctx context.Context, username string) (bool, error) {
	users, err := a.loadUsers(ctx)
	if err != nil {
		return false, err
	}
	if _, ok := users[username]; !ok {
		return false, nil
	}
	delete(users, username)
	if err := a.saveUsers(ctx, users); err != nil {
		return false, err
	}
	return true, nil
}

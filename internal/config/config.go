// Package config loads and validates the gateway's YAML configuration:
// listener tuning, upstream transport tuning, rate-limit backend
// selection, and the pluggable route store / secret provider / auth
// adapter backend choices.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/l8e-harbor/harbor-gateway/internal/model"
)

type Config struct {
	Mode          string            `yaml:"mode"` // "k8s" | "vm" | "hybrid"; informational, no default depends on it
	LogLevel      string            `yaml:"log_level"`
	EnableMetrics bool              `yaml:"enable_metrics"`
	EnableTracing bool              `yaml:"enable_tracing"`
	Server        ServerConfig      `yaml:"server"`
	Admin         AdminConfig       `yaml:"admin"`
	Upstream      UpstreamConfig    `yaml:"upstream"`
	RateLimit     RateLimitBackend  `yaml:"rate_limit"`
	RouteStore    RouteStoreConfig  `yaml:"route_store"`
	SecretStore   SecretStoreConfig `yaml:"secret_store"`
	AuthAdapter   AuthAdapterConfig `yaml:"auth_adapter"`
	SeedRoutes    []model.Route     `yaml:"seed_routes"`
}

type ServerConfig struct {
	Addr                     string   `yaml:"addr"`
	TrustedProxies           []string `yaml:"trusted_proxies"`
	MaxHeaderBytes           int      `yaml:"max_header_bytes"`
	MaxBodyBytes             int64    `yaml:"max_body_bytes"`
	ReadTimeoutSeconds       int      `yaml:"read_timeout_seconds"`
	WriteTimeoutSeconds      int      `yaml:"write_timeout_seconds"`
	IdleTimeoutSeconds       int      `yaml:"idle_timeout_seconds"`
	ReadHeaderTimeoutSeconds int      `yaml:"read_header_timeout_seconds"`
}

// AdminConfig is the management plane's own listener: run on a separate
// port from the dataplane so a slow/compromised admin client can never
// starve proxy traffic.
type AdminConfig struct {
	Addr string `yaml:"addr"`
	Key  string `yaml:"key"` // optional X-Admin-Key gate on /metrics only
}

type UpstreamConfig struct {
	DialTimeoutSeconds           int `yaml:"dial_timeout_seconds"`
	TLSHandshakeTimeoutSeconds   int `yaml:"tls_handshake_timeout_seconds"`
	ResponseHeaderTimeoutSeconds int `yaml:"response_header_timeout_seconds"`
	IdleConnTimeoutSeconds       int `yaml:"idle_conn_timeout_seconds"`
	MaxIdleConns                 int `yaml:"max_idle_conns"`
	MaxIdleConnsPerHost          int `yaml:"max_idle_conns_per_host"`
}

type RateLimitBackend struct {
	Backend string         `yaml:"backend"` // "redis" | "memory"
	Redis   RedisConfig    `yaml:"redis"`
	Memory  MemoryRLConfig `yaml:"memory"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type MemoryRLConfig struct {
	CleanupSeconds int `yaml:"cleanup_seconds"`
	TTLSeconds     int `yaml:"ttl_seconds"`
}

// RouteStoreConfig selects and tunes the Route Store backend.
type RouteStoreConfig struct {
	Backend string                 `yaml:"backend"` // "memory" | "sqlite"
	Memory  MemoryRouteStoreConfig `yaml:"memory"`
	SQLite  SQLiteRouteStoreConfig `yaml:"sqlite"`
}

type MemoryRouteStoreConfig struct {
	SnapshotPath string `yaml:"snapshot_path"`
}

type SQLiteRouteStoreConfig struct {
	Path string `yaml:"path"`
}

// SecretStoreConfig selects and tunes the Secret Provider backend.
type SecretStoreConfig struct {
	Backend string              `yaml:"backend"` // "localfs" | "k8s"
	LocalFS LocalFSSecretConfig `yaml:"localfs"`
	K8s     K8sSecretConfig     `yaml:"k8s"`
}

type LocalFSSecretConfig struct {
	Dir string `yaml:"dir"`
}

type K8sSecretConfig struct {
	Namespace      string `yaml:"namespace"`
	KubeconfigPath string `yaml:"kubeconfig_path"`
}

// AuthAdapterConfig selects and tunes the dataplane's auth adapter.
// The management plane's login/user surface always runs on the local
// adapter; this choice governs what the proxy's auth middleware
// verifies against.
type AuthAdapterConfig struct {
	Kind          string          `yaml:"kind"` // "local" | "k8s_sa"
	JWTTTLSeconds int             `yaml:"jwt_ttl_seconds"`
	K8sSA         K8sSAAuthConfig `yaml:"k8s_sa"`
}

// K8sSAAuthConfig points the service-account adapter at the token
// issuer's JWKS endpoint and maps verified subjects onto gateway roles.
type K8sSAAuthConfig struct {
	JWKSURL         string            `yaml:"jwks_url"`
	Issuer          string            `yaml:"issuer"`
	Audience        string            `yaml:"audience"`
	CacheTTLSeconds int               `yaml:"cache_ttl_seconds"`
	LeewaySeconds   int               `yaml:"leeway_seconds"`
	RoleBindings    map[string]string `yaml:"role_bindings"`
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}

	ApplyEnv(&cfg, os.LookupEnv)
	applyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyEnv overlays HARBOR_-prefixed environment variables onto a config
// already loaded from YAML. Precedence across the whole startup path is
// CLI flag > env var > config file > default: this runs after the YAML
// is parsed but before defaults are applied, and cmd/gateway applies its
// flag overrides after Load, only for fields the operator passed a flag
// for, so a flag always wins over what this function sets.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) {
	if v, ok := lookup("HARBOR_HOST"); ok && v != "" {
		cfg.Server.Addr = overlayHost(cfg.Server.Addr, v)
	}
	if v, ok := lookup("HARBOR_PORT"); ok && v != "" {
		cfg.Server.Addr = overlayPort(cfg.Server.Addr, v)
	}
	if v, ok := lookup("HARBOR_MODE"); ok && v != "" {
		cfg.Mode = v
	}
	if v, ok := lookup("HARBOR_ROUTE_STORE"); ok && v != "" {
		cfg.RouteStore.Backend = v
	}
	if v, ok := lookup("HARBOR_ROUTE_STORE_PATH"); ok && v != "" {
		cfg.RouteStore.Memory.SnapshotPath = v
		cfg.RouteStore.SQLite.Path = v
	}
	if v, ok := lookup("HARBOR_SECRET_PROVIDER"); ok && v != "" {
		cfg.SecretStore.Backend = v
	}
	if v, ok := lookup("HARBOR_SECRET_PATH"); ok && v != "" {
		cfg.SecretStore.LocalFS.Dir = v
	}
	if v, ok := lookup("HARBOR_AUTH_ADAPTER"); ok && v != "" {
		cfg.AuthAdapter.Kind = v
	}
	if v, ok := lookup("HARBOR_JWT_TTL_SECONDS"); ok && v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.AuthAdapter.JWTTTLSeconds = n
		}
	}
	if v, ok := lookup("HARBOR_LOG_LEVEL"); ok && v != "" {
		cfg.LogLevel = v
	}
	if v, ok := lookup("HARBOR_ENABLE_METRICS"); ok && v != "" {
		cfg.EnableMetrics = parseBool(v, cfg.EnableMetrics)
	}
	if v, ok := lookup("HARBOR_ENABLE_TRACING"); ok && v != "" {
		cfg.EnableTracing = parseBool(v, cfg.EnableTracing)
	}
}

func parseBool(s string, fallback bool) bool {
	b, err := strconv.ParseBool(s)
	if err != nil {
		return fallback
	}
	return b
}

// overlayHost/overlayPort rewrite only the host or port half of a
// host:port listen address, preserving whichever half wasn't overridden.
func overlayHost(addr, host string) string {
	_, port := splitAddr(addr)
	return host + ":" + port
}

func overlayPort(addr, port string) string {
	host, _ := splitAddr(addr)
	return host + ":" + port
}

func splitAddr(addr string) (host, port string) {
	i := strings.LastIndex(addr, ":")
	if i < 0 {
		return addr, "8080"
	}
	return addr[:i], addr[i+1:]
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Admin.Addr == "" {
		cfg.Admin.Addr = ":8081"
	}
	if cfg.Server.MaxHeaderBytes == 0 {
		cfg.Server.MaxHeaderBytes = 1 << 20 // 1 MiB
	}
	if cfg.Server.MaxBodyBytes == 0 {
		cfg.Server.MaxBodyBytes = 1 << 20 // 1 MiB
	}
	if cfg.Server.ReadHeaderTimeoutSeconds == 0 {
		cfg.Server.ReadHeaderTimeoutSeconds = 5
	}
	if cfg.Server.ReadTimeoutSeconds == 0 {
		cfg.Server.ReadTimeoutSeconds = 15
	}
	if cfg.Server.WriteTimeoutSeconds == 0 {
		cfg.Server.WriteTimeoutSeconds = 60
	}
	if cfg.Server.IdleTimeoutSeconds == 0 {
		cfg.Server.IdleTimeoutSeconds = 60
	}

	if cfg.Upstream.DialTimeoutSeconds == 0 {
		cfg.Upstream.DialTimeoutSeconds = 5
	}
	if cfg.Upstream.TLSHandshakeTimeoutSeconds == 0 {
		cfg.Upstream.TLSHandshakeTimeoutSeconds = 5
	}
	if cfg.Upstream.ResponseHeaderTimeoutSeconds == 0 {
		cfg.Upstream.ResponseHeaderTimeoutSeconds = 15
	}
	if cfg.Upstream.IdleConnTimeoutSeconds == 0 {
		cfg.Upstream.IdleConnTimeoutSeconds = 90
	}
	if cfg.Upstream.MaxIdleConns == 0 {
		cfg.Upstream.MaxIdleConns = 100
	}
	if cfg.Upstream.MaxIdleConnsPerHost == 0 {
		cfg.Upstream.MaxIdleConnsPerHost = 20
	}

	if cfg.RouteStore.Backend == "" {
		cfg.RouteStore.Backend = "memory"
	}
	if cfg.RouteStore.Memory.SnapshotPath == "" {
		cfg.RouteStore.Memory.SnapshotPath = "./data/routes.json"
	}
	if cfg.RouteStore.SQLite.Path == "" {
		cfg.RouteStore.SQLite.Path = "./data/routes.db"
	}

	if cfg.SecretStore.Backend == "" {
		cfg.SecretStore.Backend = "localfs"
	}
	if cfg.SecretStore.LocalFS.Dir == "" {
		cfg.SecretStore.LocalFS.Dir = "./data/secrets"
	}
	if cfg.SecretStore.K8s.Namespace == "" {
		cfg.SecretStore.K8s.Namespace = "default"
	}

	if cfg.AuthAdapter.Kind == "" {
		cfg.AuthAdapter.Kind = "local"
	}
	if cfg.AuthAdapter.JWTTTLSeconds == 0 {
		cfg.AuthAdapter.JWTTTLSeconds = 900
	}
	if cfg.AuthAdapter.K8sSA.CacheTTLSeconds == 0 {
		cfg.AuthAdapter.K8sSA.CacheTTLSeconds = 300
	}

	if cfg.RateLimit.Backend == "" {
		cfg.RateLimit.Backend = "memory"
	}
	if cfg.RateLimit.Memory.CleanupSeconds == 0 {
		cfg.RateLimit.Memory.CleanupSeconds = 60
	}
	if cfg.RateLimit.Memory.TTLSeconds == 0 {
		cfg.RateLimit.Memory.TTLSeconds = 300
	}
}

func Validate(cfg *Config) error {
	if cfg.Server.Addr == "" {
		return errors.New("server.addr is required")
	}
	if cfg.Admin.Addr == "" {
		return errors.New("admin.addr is required")
	}
	if cfg.Admin.Addr == cfg.Server.Addr {
		return errors.New("admin.addr must differ from server.addr")
	}

	backend := strings.ToLower(strings.TrimSpace(cfg.RouteStore.Backend))
	if backend != "memory" && backend != "sqlite" {
		return fmt.Errorf("route_store.backend must be 'memory' or 'sqlite'")
	}

	sbackend := strings.ToLower(strings.TrimSpace(cfg.SecretStore.Backend))
	if sbackend != "localfs" && sbackend != "k8s" {
		return fmt.Errorf("secret_store.backend must be 'localfs' or 'k8s'")
	}

	akind := strings.ToLower(strings.TrimSpace(cfg.AuthAdapter.Kind))
	if akind != "local" && akind != "k8s_sa" {
		return fmt.Errorf("auth_adapter.kind must be 'local' or 'k8s_sa'")
	}
	if akind == "k8s_sa" {
		if strings.TrimSpace(cfg.AuthAdapter.K8sSA.JWKSURL) == "" {
			return fmt.Errorf("auth_adapter.k8s_sa.jwks_url is required when kind is k8s_sa")
		}
		for sub, role := range cfg.AuthAdapter.K8sSA.RoleBindings {
			if role != model.RoleCaptain && role != model.RoleHarborMaster {
				return fmt.Errorf("auth_adapter.k8s_sa.role_bindings[%q]: unknown role %q", sub, role)
			}
		}
	}

	rlBackend := strings.ToLower(strings.TrimSpace(cfg.RateLimit.Backend))
	if rlBackend != "redis" && rlBackend != "memory" {
		return fmt.Errorf("rate_limit.backend must be 'redis' or 'memory'")
	}
	if rlBackend == "redis" && strings.TrimSpace(cfg.RateLimit.Redis.Addr) == "" {
		return fmt.Errorf("rate_limit.redis.addr is required when backend is redis")
	}

	for i, r := range cfg.SeedRoutes {
		if err := r.Validate(); err != nil {
			return fmt.Errorf("seed_routes[%d]: %w", i, err)
		}
		for _, b := range r.Backends {
			if _, err := url.Parse(b.URL); err != nil {
				return fmt.Errorf("seed_routes[%d]: invalid backend url %q: %w", i, b.URL, err)
			}
		}
	}
	return nil
}

package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/l8e-harbor/harbor-gateway/internal/adminapi"
	"github.com/l8e-harbor/harbor-gateway/internal/authadapter"
	"github.com/l8e-harbor/harbor-gateway/internal/authadapter/k8ssa"
	"github.com/l8e-harbor/harbor-gateway/internal/authadapter/local"
	"github.com/l8e-harbor/harbor-gateway/internal/breaker"
	"github.com/l8e-harbor/harbor-gateway/internal/config"
	"github.com/l8e-harbor/harbor-gateway/internal/logging"
	"github.com/l8e-harbor/harbor-gateway/internal/mw"
	"github.com/l8e-harbor/harbor-gateway/internal/netx"
	"github.com/l8e-harbor/harbor-gateway/internal/proxy"
	"github.com/l8e-harbor/harbor-gateway/internal/ratelimit"
	"github.com/l8e-harbor/harbor-gateway/internal/routeindex"
	"github.com/l8e-harbor/harbor-gateway/internal/routestore"
	"github.com/l8e-harbor/harbor-gateway/internal/routestore/memorystore"
	"github.com/l8e-harbor/harbor-gateway/internal/routestore/sqlitestore"
	"github.com/l8e-harbor/harbor-gateway/internal/secretstore"
	"github.com/l8e-harbor/harbor-gateway/internal/secretstore/k8ssecret"
	"github.com/l8e-harbor/harbor-gateway/internal/secretstore/localfs"
	"github.com/l8e-harbor/harbor-gateway/internal/selector"
)

const version = "harbor-gateway/dev"

func main() {
	var configPath, logLevel string
	var validateOnly bool
	flag.StringVar(&configPath, "config", "./config/config.example.yaml", "path to yaml config")
	flag.StringVar(&logLevel, "log-level", "", "override logging level (DEBUG, INFO, WARN, ERROR)")
	flag.BoolVar(&validateOnly, "validate-config", false, "validate config and exit")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		// The logger isn't built yet (its level may itself come from
		// config/env), so a load failure is reported on a bare default
		// logger rather than left silent.
		logging.New("").Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Precedence: CLI flag > env var > config file > default.
	// config.Load already folded env over file/default; a -log-level
	// flag, if passed, wins over all of that.
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	log := logging.New(cfg.LogLevel)

	if validateOnly {
		log.Info("config ok")
		return
	}

	ctx, stopSignals := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stopSignals()

	store, err := buildRouteStore(ctx, log, cfg)
	if err != nil {
		log.Error("failed to build route store", slog.String("error", err.Error()))
		os.Exit(1)
	}

	secrets, err := buildSecretStore(cfg)
	if err != nil {
		log.Error("failed to build secret provider", slog.String("error", err.Error()))
		os.Exit(1)
	}

	if err := seedRoutes(ctx, store, cfg); err != nil {
		log.Error("failed to seed routes", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// The management plane's login/bootstrap/user surface always runs on
	// the local adapter; the dataplane's auth middleware verifies
	// against whichever adapter auth_adapter.kind selects.
	auth := local.New(secrets, time.Duration(cfg.AuthAdapter.JWTTTLSeconds)*time.Second)
	dataplaneAuth, err := buildDataplaneAuth(cfg, auth)
	if err != nil {
		log.Error("failed to build auth adapter", slog.String("error", err.Error()))
		os.Exit(1)
	}
	breakers := breaker.NewRegistry()
	sel := selector.New()

	limiter, err := buildRateLimiter(log, cfg)
	if err != nil {
		log.Error("failed to build rate limiter", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer limiter.Close()

	transport := buildTransport(cfg)

	initialRoutes, err := store.List(ctx)
	if err != nil {
		log.Error("failed to list initial routes", slog.String("error", err.Error()))
		os.Exit(1)
	}
	idx := routeindex.New(log, initialRoutes)
	idx.OnReload(breakers.Reconcile)
	go routeindex.Run(ctx, log, idx, store)

	trusted, err := netx.ParseCIDRSet(cfg.Server.TrustedProxies)
	if err != nil {
		log.Error("invalid trusted_proxies", slog.String("error", err.Error()))
		os.Exit(1)
	}
	ipr := mw.IPResolver{Trusted: trusted}
	engine := proxy.NewEngineWithResolver(log, idx, sel, breakers, dataplaneAuth, limiter, transport, ipr)

	reg := prometheus.NewRegistry()
	metrics := mw.NewMetrics(reg)

	var dataplane http.Handler = engine
	dataplane = mw.AccessLog(log, dataplane)
	dataplane = mw.Instrument(metrics, dataplane)
	dataplane = mw.WithRoute(dataplane, "proxy")
	dataplane = mw.RequestID(dataplane)
	dataplane = mw.MaxBodyBytes(cfg.Server.MaxBodyBytes, dataplane)
	dataplane = mw.Recover(dataplane)

	dataSrv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           dataplane,
		ReadHeaderTimeout: time.Duration(cfg.Server.ReadHeaderTimeoutSeconds) * time.Second,
		ReadTimeout:       time.Duration(cfg.Server.ReadTimeoutSeconds) * time.Second,
		WriteTimeout:      time.Duration(cfg.Server.WriteTimeoutSeconds) * time.Second,
		IdleTimeout:       time.Duration(cfg.Server.IdleTimeoutSeconds) * time.Second,
		MaxHeaderBytes:    cfg.Server.MaxHeaderBytes,
	}

	adminSrv := buildAdminServer(cfg, log, store, auth, breakers, reg, metrics)

	go func() {
		log.Info("dataplane listening", slog.String("addr", cfg.Server.Addr))
		if err := dataSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("dataplane server error", slog.String("error", err.Error()))
		}
	}()
	go func() {
		log.Info("management plane listening", slog.String("addr", cfg.Admin.Addr))
		if err := adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("management server error", slog.String("error", err.Error()))
		}
	}()

	<-ctx.Done()
	log.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = dataSrv.Shutdown(shutdownCtx)
	_ = adminSrv.Shutdown(shutdownCtx)
	log.Info("shutdown complete")
}

func buildRouteStore(ctx context.Context, log *slog.Logger, cfg *config.Config) (routestore.Store, error) {
	switch strings.ToLower(cfg.RouteStore.Backend) {
	case "sqlite":
		return sqlitestore.Open(ctx, log, cfg.RouteStore.SQLite.Path)
	default:
		return memorystore.New(log, cfg.RouteStore.Memory.SnapshotPath), nil
	}
}

func buildDataplaneAuth(cfg *config.Config, localAdapter *local.Adapter) (authadapter.Adapter, error) {
	switch strings.ToLower(cfg.AuthAdapter.Kind) {
	case "k8s_sa":
		return k8ssa.New(k8ssa.Config{
			JWKSURL:      cfg.AuthAdapter.K8sSA.JWKSURL,
			Issuer:       cfg.AuthAdapter.K8sSA.Issuer,
			Audience:     cfg.AuthAdapter.K8sSA.Audience,
			CacheTTL:     time.Duration(cfg.AuthAdapter.K8sSA.CacheTTLSeconds) * time.Second,
			Leeway:       time.Duration(cfg.AuthAdapter.K8sSA.LeewaySeconds) * time.Second,
			RoleBindings: cfg.AuthAdapter.K8sSA.RoleBindings,
		})
	default:
		return localAdapter, nil
	}
}

func buildSecretStore(cfg *config.Config) (secretstore.Provider, error) {
	switch strings.ToLower(cfg.SecretStore.Backend) {
	case "k8s":
		return k8ssecret.New(cfg.SecretStore.K8s.KubeconfigPath, cfg.SecretStore.K8s.Namespace)
	default:
		return localfs.New(cfg.SecretStore.LocalFS.Dir)
	}
}

// seedRoutes applies cfg.SeedRoutes on startup when the store is empty,
// so a fresh deployment backed by an empty snapshot or database can
// still come up serving traffic without a separate bootstrap step.
func seedRoutes(ctx context.Context, store routestore.Store, cfg *config.Config) error {
	if len(cfg.SeedRoutes) == 0 {
		return nil
	}
	existing, err := store.List(ctx)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return nil
	}
	for _, route := range cfg.SeedRoutes {
		if err := store.Put(ctx, route); err != nil {
			return err
		}
	}
	return nil
}

func buildRateLimiter(log *slog.Logger, cfg *config.Config) (ratelimit.Limiter, error) {
	switch strings.ToLower(cfg.RateLimit.Backend) {
	case "redis":
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RateLimit.Redis.Addr,
			Password: cfg.RateLimit.Redis.Password,
			DB:       cfg.RateLimit.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			log.Warn("redis unreachable; falling back to memory limiter", slog.String("error", err.Error()))
			return ratelimit.NewMemoryLimiter(5*time.Minute, time.Minute), nil
		}
		return ratelimit.NewRedisLimiter(rdb), nil
	default:
		return ratelimit.NewMemoryLimiter(
			time.Duration(cfg.RateLimit.Memory.TTLSeconds)*time.Second,
			time.Duration(cfg.RateLimit.Memory.CleanupSeconds)*time.Second,
		), nil
	}
}

func buildTransport(cfg *config.Config) http.RoundTripper {
	return proxy.NewTransport(proxy.TransportConfig{
		DialTimeout:           time.Duration(cfg.Upstream.DialTimeoutSeconds) * time.Second,
		TLSHandshakeTimeout:   time.Duration(cfg.Upstream.TLSHandshakeTimeoutSeconds) * time.Second,
		ResponseHeaderTimeout: time.Duration(cfg.Upstream.ResponseHeaderTimeoutSeconds) * time.Second,
		IdleConnTimeout:       time.Duration(cfg.Upstream.IdleConnTimeoutSeconds) * time.Second,
		MaxIdleConns:          cfg.Upstream.MaxIdleConns,
		MaxIdleConnsPerHost:   cfg.Upstream.MaxIdleConnsPerHost,
	})
}

func buildAdminServer(cfg *config.Config, log *slog.Logger, store routestore.Store, auth *local.Adapter, breakers *breaker.Registry, reg *prometheus.Registry, metrics *mw.Metrics) *http.Server {
	admin := adminapi.New(log, store, auth, breakers, version)

	// When admin.key is set, /metrics is gated by that static key rather
	// than a bearer token (with no key it is open): a
	// scrape target should not need a user session. The rest of the
	// management API enforces its own role checks per endpoint and
	// stays reachable without the key so bootstrap/login/health work
	// before any account exists.
	metricsHandler := http.Handler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	if cfg.Admin.Key != "" {
		metricsHandler = mw.RequireAdminKey(cfg.Admin.Key, metricsHandler)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metricsHandler)
	mux.Handle("/", admin.Mux())

	var h http.Handler = mux
	h = mw.AccessLog(log, h)
	h = mw.Instrument(metrics, h)
	h = mw.WithRoute(h, "admin")
	h = mw.RequestID(h)
	h = mw.Recover(h)

	return &http.Server{
		Addr:              cfg.Admin.Addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

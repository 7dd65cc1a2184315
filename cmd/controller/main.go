// Package main is the entry point for the vmplane controller.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"vmplane/internal/auth"
	"vmplane/internal/command"
	"vmplane/internal/config"
	"vmplane/internal/controller"
	"vmplane/internal/controller/middleware"
	"vmplane/internal/gateway"
	"vmplane/internal/lease"
	"vmplane/internal/logger"
	"vmplane/internal/notify"
	"vmplane/internal/observability"
	"vmplane/internal/store"
	"vmplane/internal/store/memory"
	"vmplane/internal/store/postgres"
)

func main() {
	migrateFlag := flag.Bool("migrate", false, "Run database migrations before starting (implied by store.auto_migrate)")
	configPath := flag.String("config", "", "Path to config file (default: vmplane.yaml in . or /etc/vmplane)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	log := logger.New(cfg.LogLevel)
	slog.SetDefault(log)

	if err := run(cfg, *migrateFlag, log); err != nil {
		log.Error("controller failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, migrate bool, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg, migrate || cfg.AutoMigrate, log)
	if err != nil {
		return err
	}
	defer st.Close()

	// Tracing
	shutdownTracer, err := observability.InitTracer(ctx, "vmplane-controller", cfg.OTELEndpoint)
	if err != nil {
		return fmt.Errorf("failed to init tracing: %w", err)
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			log.Warn("failed to shutdown tracer", "error", err)
		}
	}()

	// Metrics
	metricsHandler, shutdownMetrics, err := observability.InitMetrics()
	if err != nil {
		return fmt.Errorf("failed to init metrics: %w", err)
	}
	defer func() {
		if err := shutdownMetrics(context.Background()); err != nil {
			log.Warn("failed to shutdown metrics", "error", err)
		}
	}()

	// Queried only when scraped.
	if err := observability.ObserveGauge("vmplane-controller", "vmplane.queue.depth",
		"Current number of queued commands", st.CountQueuedCommands, log); err != nil {
		log.Warn("failed to register queue depth metric", "error", err)
	}

	notifier, err := newNotifier(ctx, cfg, log)
	if err != nil {
		return err
	}

	leases := lease.NewManager(st, lease.WithTTL(cfg.LeaseTTL), lease.WithLogger(log))
	queue := command.NewQueue(st, st, notifier,
		command.WithStaleAfter(cfg.QueueStaleAfter),
		command.WithMaxPollTimeout(cfg.QueueMaxPollTimeout),
		command.WithRecheckInterval(cfg.QueueRecheckInterval),
		command.WithLogger(log),
	)

	verifier := auth.Chain{auth.NewKeyVerifier(st)}
	if len(cfg.StaticTokens) > 0 {
		static, err := auth.NewStaticVerifier(cfg.StaticTokens)
		if err != nil {
			return fmt.Errorf("invalid auth.static_tokens: %w", err)
		}
		verifier = append(auth.Chain{static}, verifier...)
	}

	proxy, err := newGateway(cfg, verifier, log)
	if err != nil {
		return err
	}

	var limiter *middleware.RateLimiter
	if cfg.RateLimit > 0 {
		limiter = middleware.NewRateLimiter(
			middleware.WithDefaultLimit(cfg.RateLimit, cfg.RateLimitBurst),
			middleware.WithTenantStore(st),
			middleware.WithRateLimitLogger(log),
		)
	}

	addr := fmt.Sprintf(":%d", cfg.HTTPPort)
	srv := controller.New(addr, controller.Deps{
		Store:        st,
		Leases:       leases,
		Queue:        queue,
		Verifier:     verifier,
		Gateway:      proxy,
		Metrics:      metricsHandler,
		RateLimiter:  limiter,
		SystemSecret: cfg.SystemSecret,
		Logger:       log,
	})

	log.Info("vmplane controller starting", "addr", addr, "store", cfg.StoreBackend)
	if err := srv.Run(ctx); err != nil {
		return fmt.Errorf("server stopped: %w", err)
	}
	log.Info("server exited properly")
	return nil
}

func openStore(ctx context.Context, cfg *config.Config, migrate bool, log *slog.Logger) (store.Store, error) {
	if cfg.StoreBackend == config.BackendMemory {
		log.Warn("using in-memory store, state is lost on restart")
		return memory.New(), nil
	}

	pg, err := postgres.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to DB: %w", err)
	}
	if migrate {
		log.Info("running database migrations")
		version, err := postgres.Migrate(pg.DB())
		if err != nil {
			pg.Close()
			return nil, fmt.Errorf("migration failed: %w", err)
		}
		log.Info("migrations completed", "version", version)
	}
	return pg, nil
}

// newNotifier returns the in-process hub, bridged through Redis when
// configured so wake-ups reach long-polls held by other replicas.
func newNotifier(ctx context.Context, cfg *config.Config, log *slog.Logger) (notify.Notifier, error) {
	hub := notify.NewHub(notify.WithMaxWaiters(cfg.QueueMaxWaiters))
	if cfg.RedisURL == "" {
		return hub, nil
	}

	bridge, err := notify.NewRedisBridge(ctx, hub, cfg.RedisURL, log)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	go func() {
		defer bridge.Close()
		if err := bridge.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("redis bridge stopped", "error", err)
		}
	}()
	log.Info("cross-replica wake-ups enabled")
	return bridge, nil
}

func newGateway(cfg *config.Config, verifier auth.Verifier, log *slog.Logger) (*gateway.Proxy, error) {
	var upstreams []*gateway.Upstream
	for _, u := range []struct {
		name string
		cfg  config.Upstream
	}{
		{gateway.UpstreamHypervisor, cfg.Hypervisor},
		{gateway.UpstreamFileManager, cfg.FileManager},
		{gateway.UpstreamSync, cfg.Sync},
	} {
		if u.cfg.URL == "" {
			log.Info("gateway upstream not configured", "upstream", u.name)
			continue
		}
		up, err := gateway.NewUpstream(u.name, u.cfg.URL)
		if err != nil {
			return nil, err
		}
		up.AuthHeader = u.cfg.AuthHeader
		up.AuthValue = u.cfg.AuthValue
		up.InsecureSkipVerify = u.cfg.InsecureSkipVerify
		upstreams = append(upstreams, up)
	}

	router := gateway.NewRouter(gateway.DefaultRoutes(cfg.FileManagerPath), upstreams...)
	return gateway.New(router, verifier, gateway.WithLogger(log)), nil
}

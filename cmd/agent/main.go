// Package main is the entry point for the vmplane agent. The agent runs on a
// managed host, holds the execution lease for its VM and executes the
// commands queued for it.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"vmplane/internal/agent"
	"vmplane/internal/agent/runtime"
	"vmplane/internal/config"
	"vmplane/internal/logger"
	"vmplane/internal/observability"
	"vmplane/pkg/client"
)

// version is set at build time.
var version = "dev"

func main() {
	configPath := flag.String("config", "", "Path to config file (default: vmplane.yaml in . or /etc/vmplane)")
	flag.Parse()

	cfg, err := config.LoadAgent(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	log := logger.New(cfg.LogLevel)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Tracing
	shutdownTracer, err := observability.InitTracer(ctx, "vmplane-agent", cfg.OTELEndpoint)
	if err != nil {
		log.Error("failed to init tracing", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			log.Warn("failed to shutdown tracer", "error", err)
		}
	}()

	// Metrics
	metricsHandler, shutdownMetrics, err := observability.InitMetrics()
	if err != nil {
		log.Error("failed to init metrics", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := shutdownMetrics(context.Background()); err != nil {
			log.Warn("failed to shutdown metrics", "error", err)
		}
	}()
	if cfg.AgentMetricsPort > 0 {
		go serveMetrics(ctx, cfg.AgentMetricsPort, metricsHandler, log)
	}

	rt := runtime.NewExecRuntime(cfg.HandlersDir, "")
	log.Info("using exec runtime", "handlers_dir", cfg.HandlersDir)

	a := agent.New(client.New(cfg.ControllerURL, cfg.AgentToken), rt, agent.Config{
		ID:                cfg.AgentID,
		RunnerID:          cfg.RunnerID,
		VMUUID:            cfg.VMUUID,
		Module:            cfg.Module,
		Version:           version,
		Concurrency:       cfg.AgentConcurrency,
		PollTimeout:       cfg.AgentPollTimeout,
		MaxBackoff:        cfg.AgentMaxBackoff,
		HeartbeatInterval: cfg.AgentHeartbeatInterval,
		CommandTimeout:    cfg.CommandTimeout,
	}, agent.WithLogger(log))

	log.Info("vmplane agent starting", "controller", cfg.ControllerURL, "vm_uuid", cfg.VMUUID)
	if err := a.Run(ctx); err != nil {
		log.Error("agent failed", "error", err)
		os.Exit(1)
	}
	log.Info("agent stopped")
}

// serveMetrics runs a dedicated /metrics listener until ctx is done.
func serveMetrics(ctx context.Context, port int, handler http.Handler, log *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", handler)
	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		srv.Close()
	}()

	log.Info("agent metrics listening", "addr", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("metrics server error", "error", err)
	}
}

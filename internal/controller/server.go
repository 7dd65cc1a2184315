// Package controller contains the controller-specific logic for the HTTP API.
package controller

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"vmplane/internal/auth"
	"vmplane/internal/command"
	"vmplane/internal/controller/handlers"
	"vmplane/internal/controller/middleware"
	"vmplane/internal/dispatch"
	"vmplane/internal/lease"
	"vmplane/internal/store"
)

// Deps are the collaborators the controller serves.
type Deps struct {
	Store    store.Store
	Leases   *lease.Manager
	Queue    *command.Queue
	Verifier auth.Verifier

	// Gateway serves every path no API route claims. Optional.
	Gateway http.Handler
	// Metrics serves /metrics. Optional.
	Metrics http.Handler
	// RateLimiter applies per tenant after authentication. Optional.
	RateLimiter *middleware.RateLimiter

	SystemSecret string
	Logger       *slog.Logger
}

// Server is the HTTP server for the controller API.
type Server struct {
	httpServer *http.Server
}

// NewHandler builds the routed handler.
func NewHandler(d Deps) http.Handler {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	h := handlers.New(d.Store, d.Leases, d.Queue, handlers.WithLogger(logger))

	authn := middleware.Authenticate(d.Verifier, logger)
	limit := func(next http.Handler) http.Handler { return next }
	if d.RateLimiter != nil {
		limit = d.RateLimiter.Middleware()
	}
	secured := func(roles ...string) func(http.HandlerFunc) http.Handler {
		guard := middleware.RequireRole(roles...)
		return func(fn http.HandlerFunc) http.Handler {
			return authn(limit(guard(fn)))
		}
	}
	operator := secured(auth.RoleOperator)
	agent := secured(auth.RoleAgent)
	either := secured(auth.RoleOperator, auth.RoleAgent)
	internal := middleware.RequireInternalAuth(d.SystemSecret)

	mux := http.NewServeMux()
	route := func(pattern string, handler http.Handler) {
		mux.Handle(pattern, middleware.Trace(handler))
	}

	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
	if d.Metrics != nil {
		mux.Handle("GET /metrics", d.Metrics)
	}

	// Tenant bootstrap, system secret only.
	route("POST /tenants", internal(http.HandlerFunc(h.CreateTenant)))
	route("POST /tenants/{id}/keys", internal(http.HandlerFunc(h.CreateAPIKey)))

	// Execution leases. Runners issue, renew and release their own.
	route("POST /license/lease", either(h.IssueLease))
	route("POST /license/heartbeat", either(h.Heartbeat))
	route("POST /license/revoke", either(h.RevokeLease))
	route("GET /license/leases/{id}", either(h.GetLease))

	// Command queue.
	route("POST /vm-ops/commands", operator(h.CreateCommand))
	route("GET /vm-ops/commands", operator(h.ListCommands))
	route("GET /vm-ops/commands/next", agent(h.NextCommand))
	route("GET /vm-ops/commands/{id}", either(h.GetCommand))
	route("PATCH /vm-ops/commands/{id}", agent(h.PatchCommand))
	route("POST /vm-ops/commands/{id}/cancel", operator(h.CancelCommand))
	route("POST /vm-ops/commands/{id}/logs", agent(h.AddCommandLog))
	route("GET /vm-ops/commands/{id}/logs", either(h.GetCommandLogs))

	// Dispatch facade.
	route("POST /vm-ops/proxmox/{action}", operator(h.Dispatch(dispatch.KindProxmox)))
	route("POST /vm-ops/syncthing/{action}", operator(h.Dispatch(dispatch.KindSyncthing)))

	// Everything else belongs to the gateway, including WebSocket upgrades on
	// paths only a Referer can resolve.
	if d.Gateway != nil {
		mux.Handle("/", d.Gateway)
	}

	return middleware.RequestID(mux)
}

// New creates a new controller server. There is no write timeout: long-polls,
// streamed proxy responses and WebSocket tunnels outlive any fixed deadline.
func New(addr string, d Deps) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           NewHandler(d),
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       120 * time.Second,
		},
	}
}

// Run starts the HTTP server. It blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	serverErr := make(chan error, 1)

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return err
	case <-ctx.Done():
		shutDownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		return s.Shutdown(shutDownCtx)
	}
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

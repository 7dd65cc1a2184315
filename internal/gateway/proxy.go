// Package gateway is the authenticated reverse proxy in front of the
// agent-hosted management UIs. Every request, upgrade attempts included, is
// authenticated before any upstream is contacted.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"vmplane/internal/auth"
	"vmplane/internal/logger"
	"vmplane/pkg/api"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// TokenParam is the cookie and query parameter carrying the gateway bearer
// for clients that cannot set headers (browsers opening WebSockets).
const TokenParam = "access_token"

type targetKey struct{}

// Proxy forwards HTTP and WebSocket traffic to upstreams.
type Proxy struct {
	router   *Router
	verifier auth.Verifier
	logger   *slog.Logger

	proxies map[string]*httputil.ReverseProxy
	dialers map[string]*websocket.Dialer

	requests metric.Int64Counter
	tunnels  metric.Int64UpDownCounter
}

// Option configures a Proxy.
type Option func(*Proxy)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Proxy) {
		p.logger = l
	}
}

// New creates a Proxy for the router's upstreams.
func New(router *Router, verifier auth.Verifier, opts ...Option) *Proxy {
	p := &Proxy{
		router:   router,
		verifier: verifier,
		logger:   slog.Default(),
		proxies:  make(map[string]*httputil.ReverseProxy),
		dialers:  make(map[string]*websocket.Dialer),
	}
	for _, opt := range opts {
		opt(p)
	}

	for _, up := range router.Upstreams() {
		p.proxies[up.Name] = p.newReverseProxy(up)
		p.dialers[up.Name] = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 30 * time.Second,
			TLSClientConfig:  up.tlsConfig(),
		}
	}

	meter := otel.Meter("vmplane-gateway")
	p.requests, _ = meter.Int64Counter("vmplane.gateway.requests",
		metric.WithDescription("Gateway requests by upstream and outcome"))
	p.tunnels, _ = meter.Int64UpDownCounter("vmplane.gateway.tunnels.active",
		metric.WithDescription("Open WebSocket tunnels"))

	return p
}

func (p *Proxy) newReverseProxy(up *Upstream) *httputil.ReverseProxy {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = up.tlsConfig()

	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			t, _ := pr.In.Context().Value(targetKey{}).(Target)
			pr.Out.URL.Path = t.Path
			pr.Out.URL.RawPath = t.RawPath
			pr.SetURL(up.URL)
			pr.SetXForwarded()
			if t.Route != nil && t.Route.StripPrefix {
				pr.Out.Header.Set("X-Forwarded-Prefix", t.Route.Prefix)
			}
			if up.AuthHeader != "" {
				pr.Out.Header.Set(up.AuthHeader, up.AuthValue)
			}
		},
		Transport:     transport,
		FlushInterval: -1,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			if errors.Is(err, context.Canceled) {
				return
			}
			p.logger.WarnContext(r.Context(), "upstream unavailable", "upstream", up.Name, "path", r.URL.Path, "error", err)
			p.count(r.Context(), up.Name, "upstream_error")
			writeError(w, http.StatusBadGateway, api.CodeUpstreamUnavailable, "upstream unavailable", up.Name)
		},
	}
}

// ServeHTTP authenticates, resolves the target and forwards.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	upgrade := websocket.IsWebSocketUpgrade(r)
	log := logger.FromContext(r.Context(), p.logger)

	id, err := p.verifier.Verify(r.Context(), Credential(r))
	if err != nil {
		if !errors.Is(err, auth.ErrUnauthenticated) {
			log.Error("gateway auth failed", "error", err)
			p.reject(w, upgrade, http.StatusInternalServerError, api.CodeInternal, "internal error")
			return
		}
		p.count(r.Context(), "", "unauthenticated")
		p.reject(w, upgrade, http.StatusUnauthorized, api.CodeUnauthenticated, "authentication required")
		return
	}
	if !id.HasRole(auth.RoleOperator) {
		p.count(r.Context(), "", "forbidden")
		p.reject(w, upgrade, http.StatusForbidden, api.CodeForbidden, "operator role required")
		return
	}

	target, ok := p.router.MatchURL(r.URL)
	if !ok && upgrade {
		target, ok = p.router.MatchReferrer(r)
	}
	if !ok {
		p.count(r.Context(), "", "no_route")
		p.reject(w, upgrade, http.StatusNotFound, api.CodeNotFound, "no upstream for path")
		return
	}

	out := r.Clone(context.WithValue(r.Context(), targetKey{}, target))
	stripCredentials(out)

	if upgrade {
		log.Info("opening tunnel",
			"upstream", target.Upstream.Name,
			"path", r.URL.Path,
			"upstream_path", target.Path,
			"via_referrer", target.ViaReferrer,
			"uid", id.UID,
		)
		p.serveWebSocket(w, out, target)
		return
	}

	p.count(r.Context(), target.Upstream.Name, "forwarded")
	p.proxies[target.Upstream.Name].ServeHTTP(w, out)
}

func (p *Proxy) reject(w http.ResponseWriter, upgrade bool, status int, code, msg string) {
	if upgrade {
		// The client expects a handshake response; a bare status line is all it reads.
		http.Error(w, http.StatusText(status), status)
		return
	}
	writeError(w, status, code, msg, "")
}

func (p *Proxy) count(ctx context.Context, upstream, outcome string) {
	p.requests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("upstream", upstream),
		attribute.String("outcome", outcome),
	))
}

// Credential extracts the gateway bearer: Authorization header first, then
// the access_token cookie, then the access_token query parameter.
func Credential(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if tok, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(tok)
		}
	}
	if c, err := r.Cookie(TokenParam); err == nil && c.Value != "" {
		return c.Value
	}
	return r.URL.Query().Get(TokenParam)
}

// stripCredentials removes the gateway's own credentials so they never reach an upstream.
func stripCredentials(r *http.Request) {
	r.Header.Del("Authorization")

	r.URL.RawQuery = dropQueryParam(r.URL.RawQuery, TokenParam)

	cookies := r.Cookies()
	r.Header.Del("Cookie")
	var kept []string
	for _, c := range cookies {
		if c.Name == TokenParam {
			continue
		}
		kept = append(kept, c.String())
	}
	if len(kept) > 0 {
		r.Header.Set("Cookie", strings.Join(kept, "; "))
	}
}

// dropQueryParam removes every name pair from rawQuery and leaves the rest
// of the text untouched, order and encoding included.
func dropQueryParam(rawQuery, name string) string {
	if rawQuery == "" {
		return rawQuery
	}
	pairs := strings.Split(rawQuery, "&")
	kept := pairs[:0]
	for _, pair := range pairs {
		key, _, _ := strings.Cut(pair, "=")
		if k, err := url.QueryUnescape(key); err == nil && k == name {
			continue
		}
		kept = append(kept, pair)
	}
	return strings.Join(kept, "&")
}

func writeError(w http.ResponseWriter, status int, code, msg, details string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(api.ErrorResponse{Error: msg, Code: code, Details: details})
}

func isClosedErr(err error) bool {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		switch ce.Code {
		case websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived:
			return true
		}
	}
	return errors.Is(err, net.ErrClosed)
}

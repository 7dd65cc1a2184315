package gateway

import (
	"crypto/tls"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// Upstream names.
const (
	UpstreamHypervisor  = "hypervisor"
	UpstreamFileManager = "filemanager"
	UpstreamSync        = "sync"
)

// DefaultFileManagerPath is where the file manager lives on its upstream.
const DefaultFileManagerPath = "/tinyfm"

// Upstream is one management UI reachable only through the gateway.
type Upstream struct {
	Name string
	URL  *url.URL

	// AuthHeader and AuthValue, when set, are injected into every forwarded
	// request, e.g. a hypervisor API token.
	AuthHeader string
	AuthValue  string

	InsecureSkipVerify bool
}

// NewUpstream parses rawURL. Only http and https upstreams are accepted.
func NewUpstream(name, rawURL string) (*Upstream, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid %s upstream url: %w", name, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("invalid %s upstream url %q: want http(s)://host", name, rawURL)
	}
	return &Upstream{Name: name, URL: u}, nil
}

func (u *Upstream) tlsConfig() *tls.Config {
	if !u.InsecureSkipVerify {
		return nil
	}
	return &tls.Config{InsecureSkipVerify: true}
}

// Route maps a path prefix onto an upstream.
type Route struct {
	Prefix   string
	Upstream string

	// StripPrefix removes Prefix before forwarding; AddPrefix is then prepended.
	StripPrefix bool
	AddPrefix   string

	// Loose matches any path starting with Prefix, not only whole segments,
	// so "/tinyfm-ui.php" matches "/tinyfm-ui".
	Loose bool
}

// DefaultRoutes is the gateway's routing table, evaluated in order.
func DefaultRoutes(fileManagerPath string) []Route {
	if fileManagerPath == "" {
		fileManagerPath = DefaultFileManagerPath
	}
	return []Route{
		{Prefix: "/proxmox-ui", Upstream: UpstreamHypervisor, StripPrefix: true},
		{Prefix: "/api2", Upstream: UpstreamHypervisor},
		{Prefix: "/tinyfm-ui", Upstream: UpstreamFileManager, StripPrefix: true, AddPrefix: strings.TrimSuffix(fileManagerPath, "/"), Loose: true},
		{Prefix: "/syncthing-ui", Upstream: UpstreamSync, StripPrefix: true},
	}
}

func (rt Route) matches(path string) bool {
	if rt.Loose {
		return strings.HasPrefix(path, rt.Prefix)
	}
	return path == rt.Prefix || strings.HasPrefix(path, rt.Prefix+"/")
}

func (rt Route) rewrite(path string) string {
	if !rt.StripPrefix {
		return path
	}
	out := rt.AddPrefix + strings.TrimPrefix(path, rt.Prefix)
	if out == "" {
		return "/"
	}
	if !strings.HasPrefix(out, "/") {
		out = "/" + out
	}
	return out
}

// Target is a resolved forwarding destination.
type Target struct {
	Upstream *Upstream
	Route    *Route
	Path     string

	// RawPath is the escaped form of Path as the client sent it. Empty means
	// Path's default encoding.
	RawPath string

	// ViaReferrer is set when the upstream was inferred from Referer or Origin.
	ViaReferrer bool
}

// Router resolves request paths to upstreams.
type Router struct {
	routes    []Route
	upstreams map[string]*Upstream
}

// NewRouter builds a router. Routes whose upstream is not configured are dropped.
func NewRouter(routes []Route, upstreams ...*Upstream) *Router {
	r := &Router{upstreams: make(map[string]*Upstream)}
	for _, u := range upstreams {
		if u != nil {
			r.upstreams[u.Name] = u
		}
	}
	for _, rt := range routes {
		if _, ok := r.upstreams[rt.Upstream]; ok {
			r.routes = append(r.routes, rt)
		}
	}
	return r
}

// Routes returns the active routes.
func (r *Router) Routes() []Route {
	return r.routes
}

// Upstreams returns the configured upstreams.
func (r *Router) Upstreams() []*Upstream {
	out := make([]*Upstream, 0, len(r.upstreams))
	for _, u := range r.upstreams {
		out = append(out, u)
	}
	return out
}

// Match resolves path against the prefix table. First match wins.
func (r *Router) Match(path string) (Target, bool) {
	return r.MatchURL(&url.URL{Path: path})
}

// MatchURL resolves a request URL. The rewrite is applied to the escaped path
// too, so percent-encoded bytes such as %2F in a volume id reach the upstream
// exactly as the client sent them.
func (r *Router) MatchURL(u *url.URL) (Target, bool) {
	for i := range r.routes {
		rt := &r.routes[i]
		if !rt.matches(u.Path) {
			continue
		}
		t := Target{
			Upstream: r.upstreams[rt.Upstream],
			Route:    rt,
			Path:     rt.rewrite(u.Path),
		}
		if escaped := u.EscapedPath(); rt.matches(escaped) {
			t.RawPath = rt.rewrite(escaped)
		}
		return t, true
	}
	return Target{}, false
}

// EscapedPath returns the path to put on the wire.
func (t Target) EscapedPath() string {
	if t.RawPath != "" {
		return t.RawPath
	}
	return (&url.URL{Path: t.Path}).EscapedPath()
}

// MatchReferrer infers the upstream of a request whose own path matched no
// route, typically a WebSocket opened with a same-origin relative path by an
// upstream UI that is unaware of the gateway. The Referer path is matched
// against the prefix table first, then the Origin host against upstream
// hosts. The request path is forwarded unchanged.
func (r *Router) MatchReferrer(req *http.Request) (Target, bool) {
	if ref := req.Header.Get("Referer"); ref != "" {
		if u, err := url.Parse(ref); err == nil {
			if t, ok := r.Match(u.Path); ok {
				t.Path = req.URL.Path
				t.RawPath = req.URL.EscapedPath()
				t.ViaReferrer = true
				return t, true
			}
		}
	}

	if origin := req.Header.Get("Origin"); origin != "" {
		if u, err := url.Parse(origin); err == nil && u.Host != "" {
			for i := range r.routes {
				rt := &r.routes[i]
				up := r.upstreams[rt.Upstream]
				if strings.EqualFold(up.URL.Host, u.Host) {
					return Target{Upstream: up, Route: rt, Path: req.URL.Path, RawPath: req.URL.EscapedPath(), ViaReferrer: true}, true
				}
			}
		}
	}

	return Target{}, false
}

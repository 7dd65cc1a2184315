package gateway

import (
	"net/http/httptest"
	"net/url"
	"testing"
)

func testRouter(t *testing.T) *Router {
	t.Helper()
	hyp, _ := NewUpstream(UpstreamHypervisor, "https://pve.internal:8006")
	fm, _ := NewUpstream(UpstreamFileManager, "http://files.internal:8080")
	sync, _ := NewUpstream(UpstreamSync, "http://sync.internal:8384")
	return NewRouter(DefaultRoutes(""), hyp, fm, sync)
}

func TestRouter_Match(t *testing.T) {
	r := testRouter(t)

	tests := []struct {
		path         string
		wantOK       bool
		wantUpstream string
		wantPath     string
	}{
		{"/proxmox-ui", true, UpstreamHypervisor, "/"},
		{"/proxmox-ui/", true, UpstreamHypervisor, "/"},
		{"/proxmox-ui/ws", true, UpstreamHypervisor, "/ws"},
		{"/proxmox-ui/pve2/js/pvemanagerlib.js", true, UpstreamHypervisor, "/pve2/js/pvemanagerlib.js"},
		{"/proxmox-uix", false, "", ""},
		{"/api2/json/nodes", true, UpstreamHypervisor, "/api2/json/nodes"},
		{"/api2", true, UpstreamHypervisor, "/api2"},
		{"/api2x", false, "", ""},
		{"/tinyfm-ui", true, UpstreamFileManager, "/tinyfm"},
		{"/tinyfm-ui/", true, UpstreamFileManager, "/tinyfm/"},
		{"/tinyfm-ui/index.php", true, UpstreamFileManager, "/tinyfm/index.php"},
		{"/tinyfm-ui.php", true, UpstreamFileManager, "/tinyfm.php"},
		{"/syncthing-ui/", true, UpstreamSync, "/"},
		{"/syncthing-ui/rest/system/status", true, UpstreamSync, "/rest/system/status"},
		{"/syncthing-uiz", false, "", ""},
		{"/rest/events", false, "", ""},
		{"/", false, "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got, ok := r.Match(tt.path)
			if ok != tt.wantOK {
				t.Fatalf("Match(%q) ok = %v, want %v", tt.path, ok, tt.wantOK)
			}
			if !ok {
				return
			}
			if got.Upstream.Name != tt.wantUpstream {
				t.Errorf("upstream = %s, want %s", got.Upstream.Name, tt.wantUpstream)
			}
			if got.Path != tt.wantPath {
				t.Errorf("path = %s, want %s", got.Path, tt.wantPath)
			}
		})
	}
}

func TestRouter_CustomFileManagerPath(t *testing.T) {
	fm, _ := NewUpstream(UpstreamFileManager, "http://files.internal")
	r := NewRouter(DefaultRoutes("/fm/"), fm)

	got, ok := r.Match("/tinyfm-ui/index.php")
	if !ok || got.Path != "/fm/index.php" {
		t.Errorf("got %+v, %v", got, ok)
	}
}

func TestRouter_DropsUnconfiguredUpstreams(t *testing.T) {
	sync, _ := NewUpstream(UpstreamSync, "http://sync.internal:8384")
	r := NewRouter(DefaultRoutes(""), sync)

	if _, ok := r.Match("/proxmox-ui/"); ok {
		t.Error("route without a configured upstream should not match")
	}
	if _, ok := r.Match("/syncthing-ui/"); !ok {
		t.Error("configured upstream should match")
	}
}

func TestRouter_MatchReferrer(t *testing.T) {
	r := testRouter(t)

	tests := []struct {
		name         string
		referer      string
		origin       string
		wantOK       bool
		wantUpstream string
	}{
		{name: "file manager referer", referer: "https://gw.example/tinyfm-ui/index.php", wantOK: true, wantUpstream: UpstreamFileManager},
		{name: "sync referer", referer: "https://gw.example/syncthing-ui/", wantOK: true, wantUpstream: UpstreamSync},
		{name: "hypervisor referer", referer: "https://gw.example/proxmox-ui/?console=kvm", wantOK: true, wantUpstream: UpstreamHypervisor},
		{name: "origin host", origin: "http://sync.internal:8384", wantOK: true, wantUpstream: UpstreamSync},
		{name: "unknown referer falls back to origin", referer: "https://gw.example/dashboard", origin: "https://pve.internal:8006", wantOK: true, wantUpstream: UpstreamHypervisor},
		{name: "nothing", referer: "https://gw.example/dashboard", origin: "https://gw.example", wantOK: false},
		{name: "no headers", wantOK: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/rest/events?since=4", nil)
			if tt.referer != "" {
				req.Header.Set("Referer", tt.referer)
			}
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}

			got, ok := r.MatchReferrer(req)
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if !ok {
				return
			}
			if got.Upstream.Name != tt.wantUpstream {
				t.Errorf("upstream = %s, want %s", got.Upstream.Name, tt.wantUpstream)
			}
			if got.Path != "/rest/events" {
				t.Errorf("path must be forwarded unchanged, got %s", got.Path)
			}
			if !got.ViaReferrer {
				t.Error("expected ViaReferrer")
			}
		})
	}
}

func TestNewUpstream_Validation(t *testing.T) {
	for _, raw := range []string{"", "pve.internal:8006", "ftp://files", "http://"} {
		if _, err := NewUpstream("x", raw); err == nil {
			t.Errorf("NewUpstream(%q) should fail", raw)
		}
	}
}

func TestRouter_MatchURLKeepsEscapes(t *testing.T) {
	r := testRouter(t)

	tests := []struct {
		raw         string
		wantPath    string
		wantEscaped string
	}{
		{"/api2/json/nodes/pve/storage/local/content/local:iso%2Fubuntu.iso", "/api2/json/nodes/pve/storage/local/content/local:iso/ubuntu.iso", "/api2/json/nodes/pve/storage/local/content/local:iso%2Fubuntu.iso"},
		{"/proxmox-ui/api2/json/a%2Fb", "/api2/json/a/b", "/api2/json/a%2Fb"},
		{"/tinyfm-ui/index.php%3Fp", "/tinyfm/index.php?p", "/tinyfm/index.php%3Fp"},
		{"/syncthing-ui/rest/db/status", "/rest/db/status", "/rest/db/status"},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			u, err := url.Parse(tt.raw)
			if err != nil {
				t.Fatalf("url.Parse failed: %v", err)
			}
			got, ok := r.MatchURL(u)
			if !ok {
				t.Fatal("expected a match")
			}
			if got.Path != tt.wantPath {
				t.Errorf("path = %s, want %s", got.Path, tt.wantPath)
			}
			if got.EscapedPath() != tt.wantEscaped {
				t.Errorf("escaped path = %s, want %s", got.EscapedPath(), tt.wantEscaped)
			}
		})
	}
}

package config

import (
	"os"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	tmpFile, err := os.CreateTemp("", "vmplane-test-*.yaml")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	t.Cleanup(func() { os.Remove(tmpFile.Name()) })

	if _, err := tmpFile.WriteString(content); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	tmpFile.Close()
	return tmpFile.Name()
}

func TestLoad_RequiresDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "")

	_, err := Load("")
	if err == nil {
		t.Fatal("expected error when DATABASE_URL is missing")
	}
	if err.Error() != "database_url is required (env: DATABASE_URL)" {
		t.Errorf("unexpected error message: %v", err)
	}
}

func TestLoad_MemoryBackendNeedsNoDatabase(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("STORE_BACKEND", "memory")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.StoreBackend != BackendMemory {
		t.Errorf("expected memory backend, got %s", cfg.StoreBackend)
	}
}

func TestLoad_InvalidBackend(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/test")
	t.Setenv("STORE_BACKEND", "sqlite")

	if _, err := Load(""); err == nil {
		t.Error("expected error for invalid backend")
	}
}

func TestLoad_DefaultValues(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/test")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.HTTPPort != 6161 {
		t.Errorf("expected HTTPPort 6161, got %d", cfg.HTTPPort)
	}
	if cfg.StoreBackend != BackendPostgres {
		t.Errorf("expected backend postgres, got %s", cfg.StoreBackend)
	}
	if cfg.LeaseTTL != 120*time.Second {
		t.Errorf("expected LeaseTTL 120s, got %v", cfg.LeaseTTL)
	}
	if cfg.QueueStaleAfter != 10*time.Minute {
		t.Errorf("expected QueueStaleAfter 10m, got %v", cfg.QueueStaleAfter)
	}
	if cfg.QueueMaxPollTimeout != 60*time.Second {
		t.Errorf("expected QueueMaxPollTimeout 60s, got %v", cfg.QueueMaxPollTimeout)
	}
	if cfg.FileManagerPath != "/tinyfm" {
		t.Errorf("expected FileManagerPath /tinyfm, got %s", cfg.FileManagerPath)
	}
	if cfg.OTELEndpoint != "localhost:4317" {
		t.Errorf("expected OTELEndpoint localhost:4317, got %s", cfg.OTELEndpoint)
	}
	if cfg.ControllerURL != "http://localhost:6161" {
		t.Errorf("expected ControllerURL http://localhost:6161, got %s", cfg.ControllerURL)
	}
	if cfg.RedisURL != "" {
		t.Errorf("expected no RedisURL, got %s", cfg.RedisURL)
	}
}

func TestLoad_EnvVarOverrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://custom/db")
	t.Setenv("PORT", "9999")
	t.Setenv("LEASE_TTL", "45s")
	t.Setenv("QUEUE_MAX_POLL_TIMEOUT", "20s")
	t.Setenv("UPSTREAM_PROXMOX_URL", "https://pve.local:8006")
	t.Setenv("UPSTREAM_PROXMOX_INSECURE_SKIP_VERIFY", "true")
	t.Setenv("AUTH_STATIC_TOKENS", "tok1:t1:u1, tok2:t2:u2:agent")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "otel-collector:4317")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.DatabaseURL != "postgres://custom/db" {
		t.Errorf("expected DatabaseURL from env, got %s", cfg.DatabaseURL)
	}
	if cfg.HTTPPort != 9999 {
		t.Errorf("expected HTTPPort 9999, got %d", cfg.HTTPPort)
	}
	if cfg.LeaseTTL != 45*time.Second {
		t.Errorf("expected LeaseTTL 45s, got %v", cfg.LeaseTTL)
	}
	if cfg.QueueMaxPollTimeout != 20*time.Second {
		t.Errorf("expected QueueMaxPollTimeout 20s, got %v", cfg.QueueMaxPollTimeout)
	}
	if cfg.Hypervisor.URL != "https://pve.local:8006" || !cfg.Hypervisor.InsecureSkipVerify {
		t.Errorf("unexpected hypervisor upstream: %+v", cfg.Hypervisor)
	}
	if len(cfg.StaticTokens) != 2 || cfg.StaticTokens[1] != "tok2:t2:u2:agent" {
		t.Errorf("unexpected static tokens: %v", cfg.StaticTokens)
	}
	if cfg.OTELEndpoint != "otel-collector:4317" {
		t.Errorf("expected OTELEndpoint otel-collector:4317, got %s", cfg.OTELEndpoint)
	}
}

func TestLoad_ConfigFile(t *testing.T) {
	path := writeConfig(t, `
database_url: "postgres://config-file/db"
http_port: 7777
lease:
  ttl: 90s
auth:
  static_tokens:
    - "a:t:u"
upstream:
  syncthing:
    url: "http://127.0.0.1:8384"
    auth_header: "X-API-Key"
    auth_value: "secret"
  filemanager:
    path: "/fm"
`)

	t.Setenv("DATABASE_URL", "")
	t.Setenv("PORT", "")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.DatabaseURL != "postgres://config-file/db" {
		t.Errorf("expected DatabaseURL from config file, got %s", cfg.DatabaseURL)
	}
	if cfg.HTTPPort != 7777 {
		t.Errorf("expected HTTPPort 7777, got %d", cfg.HTTPPort)
	}
	if cfg.LeaseTTL != 90*time.Second {
		t.Errorf("expected LeaseTTL 90s, got %v", cfg.LeaseTTL)
	}
	if len(cfg.StaticTokens) != 1 || cfg.StaticTokens[0] != "a:t:u" {
		t.Errorf("unexpected static tokens: %v", cfg.StaticTokens)
	}
	if cfg.Sync.URL != "http://127.0.0.1:8384" || cfg.Sync.AuthHeader != "X-API-Key" || cfg.Sync.AuthValue != "secret" {
		t.Errorf("unexpected sync upstream: %+v", cfg.Sync)
	}
	if cfg.FileManagerPath != "/fm" {
		t.Errorf("expected FileManagerPath /fm, got %s", cfg.FileManagerPath)
	}
}

func TestLoad_EnvOverridesConfigFile(t *testing.T) {
	path := writeConfig(t, `
database_url: "postgres://from-file/db"
http_port: 7777
`)

	t.Setenv("DATABASE_URL", "postgres://from-env/db")
	t.Setenv("PORT", "8888")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.DatabaseURL != "postgres://from-env/db" {
		t.Errorf("expected DatabaseURL from env, got %s", cfg.DatabaseURL)
	}
	if cfg.HTTPPort != 8888 {
		t.Errorf("expected HTTPPort 8888 from env, got %d", cfg.HTTPPort)
	}
}

func TestLoad_InvalidConfigFile(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/test")

	_, err := Load("/nonexistent/path/to/config.yaml")
	if err == nil {
		t.Error("expected error for nonexistent config file")
	}
}

func TestLoad_InvalidLeaseTTL(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/test")
	t.Setenv("LEASE_TTL", "0s")

	if _, err := Load(""); err == nil {
		t.Error("expected error for zero lease ttl")
	}
}

func TestLoadAgent(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("AGENT_ID", "agent-7")
	t.Setenv("VMPLANE_TOKEN", "tok")
	t.Setenv("AGENT_VM_UUID", "vm-1")
	t.Setenv("CONTROLLER_URL", "http://controller:6161/")

	cfg, err := LoadAgent("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.ControllerURL != "http://controller:6161" {
		t.Errorf("expected trailing slash trimmed, got %s", cfg.ControllerURL)
	}
	if cfg.RunnerID != "agent-7" {
		t.Errorf("expected RunnerID to default to agent id, got %s", cfg.RunnerID)
	}
	if cfg.AgentPollTimeout != 30*time.Second {
		t.Errorf("expected AgentPollTimeout 30s, got %v", cfg.AgentPollTimeout)
	}
	if cfg.Module != "vm-ops" {
		t.Errorf("expected Module vm-ops, got %s", cfg.Module)
	}
	if cfg.AgentMetricsPort != 6162 {
		t.Errorf("expected AgentMetricsPort 6162, got %d", cfg.AgentMetricsPort)
	}
}

func TestLoadAgent_RequiresIdentity(t *testing.T) {
	t.Setenv("AGENT_ID", "")
	t.Setenv("VMPLANE_TOKEN", "tok")
	t.Setenv("AGENT_VM_UUID", "vm-1")

	if _, err := LoadAgent(""); err == nil {
		t.Error("expected error when agent id is missing")
	}
}

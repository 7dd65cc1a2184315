// Package config loads controller and agent settings from an optional YAML
// file, environment variables and defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Store backends.
const (
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

// Upstream describes one proxied service.
type Upstream struct {
	URL                string
	AuthHeader         string
	AuthValue          string
	InsecureSkipVerify bool
}

// Config holds all configuration values for the controller and the agent.
type Config struct {
	// Database connection string
	DatabaseURL string

	// postgres or memory
	StoreBackend string

	// Apply embedded migrations on controller start
	AutoMigrate bool

	// HTTP server port for the controller
	HTTPPort int

	LogLevel string

	// OTLP gRPC collector address. Empty disables tracing.
	OTELEndpoint string

	// Bearer for the tenant bootstrap endpoints
	SystemSecret string

	// "token:tenant:user[:role|role]" entries accepted besides API keys
	StaticTokens []string

	LeaseTTL             time.Duration
	QueueStaleAfter      time.Duration
	QueueMaxPollTimeout  time.Duration
	QueueMaxWaiters      int
	QueueRecheckInterval time.Duration

	// Optional. Enables cross-replica long-poll wake-ups.
	RedisURL string

	// Requests per second per tenant. Zero disables rate limiting.
	RateLimit      float64
	RateLimitBurst int

	Hypervisor      Upstream
	FileManager     Upstream
	Sync            Upstream
	FileManagerPath string

	// Agent settings
	ControllerURL          string
	AgentID                string
	AgentToken             string
	VMUUID                 string
	RunnerID               string
	Module                 string
	AgentConcurrency       int
	AgentPollTimeout       time.Duration
	AgentMaxBackoff        time.Duration
	AgentHeartbeatInterval time.Duration
	HandlersDir            string
	CommandTimeout         time.Duration

	// Port for the agent's /metrics listener. Zero disables it.
	AgentMetricsPort int
}

// envOverrides maps keys whose environment variable is not the upper-cased key.
var envOverrides = map[string]string{
	"http_port":     "PORT",
	"otel.endpoint": "OTEL_EXPORTER_OTLP_ENDPOINT",
	"agent.token":   "VMPLANE_TOKEN",
}

func newViper(path string) (*viper.Viper, error) {
	v := viper.New()

	v.SetDefault("store.backend", BackendPostgres)
	v.SetDefault("store.auto_migrate", true)
	v.SetDefault("http_port", 6161)
	v.SetDefault("log.level", "info")
	v.SetDefault("otel.endpoint", "localhost:4317")
	v.SetDefault("lease.ttl", 120*time.Second)
	v.SetDefault("queue.stale_after", 10*time.Minute)
	v.SetDefault("queue.max_poll_timeout", 60*time.Second)
	v.SetDefault("queue.max_waiters", 1024)
	v.SetDefault("queue.recheck_interval", 0)
	v.SetDefault("rate_limit.rps", 50.0)
	v.SetDefault("rate_limit.burst", 100)
	v.SetDefault("upstream.filemanager.path", "/tinyfm")
	v.SetDefault("controller_url", "http://localhost:6161")
	v.SetDefault("agent.module", "vm-ops")
	v.SetDefault("agent.concurrency", 1)
	v.SetDefault("agent.poll_timeout", 30*time.Second)
	v.SetDefault("agent.max_backoff", 30*time.Second)
	v.SetDefault("agent.heartbeat_interval", 30*time.Second)
	v.SetDefault("agent.handlers_dir", "/etc/vmplane/handlers")
	v.SetDefault("agent.command_timeout", 10*time.Minute)
	v.SetDefault("agent.metrics_port", 6162)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range envOverrides {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", env, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	} else {
		v.SetConfigName("vmplane")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/vmplane")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	return v, nil
}

func upstream(v *viper.Viper, name string) Upstream {
	prefix := "upstream." + name + "."
	return Upstream{
		URL:                v.GetString(prefix + "url"),
		AuthHeader:         v.GetString(prefix + "auth_header"),
		AuthValue:          v.GetString(prefix + "auth_value"),
		InsecureSkipVerify: v.GetBool(prefix + "insecure_skip_verify"),
	}
}

// stringList accepts a YAML list or a comma separated string (env).
func stringList(v *viper.Viper, key string) []string {
	var out []string
	switch raw := v.Get(key).(type) {
	case string:
		for _, s := range strings.Split(raw, ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
	default:
		for _, s := range v.GetStringSlice(key) {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}

func fromViper(v *viper.Viper) *Config {
	return &Config{
		DatabaseURL:          v.GetString("database_url"),
		StoreBackend:         strings.ToLower(v.GetString("store.backend")),
		AutoMigrate:          v.GetBool("store.auto_migrate"),
		HTTPPort:             v.GetInt("http_port"),
		LogLevel:             v.GetString("log.level"),
		OTELEndpoint:         v.GetString("otel.endpoint"),
		SystemSecret:         v.GetString("system_secret"),
		StaticTokens:         stringList(v, "auth.static_tokens"),
		LeaseTTL:             v.GetDuration("lease.ttl"),
		QueueStaleAfter:      v.GetDuration("queue.stale_after"),
		QueueMaxPollTimeout:  v.GetDuration("queue.max_poll_timeout"),
		QueueMaxWaiters:      v.GetInt("queue.max_waiters"),
		QueueRecheckInterval: v.GetDuration("queue.recheck_interval"),
		RedisURL:             v.GetString("redis_url"),
		RateLimit:            v.GetFloat64("rate_limit.rps"),
		RateLimitBurst:       v.GetInt("rate_limit.burst"),
		Hypervisor:           upstream(v, "proxmox"),
		FileManager:          upstream(v, "filemanager"),
		Sync:                 upstream(v, "syncthing"),
		FileManagerPath:      v.GetString("upstream.filemanager.path"),

		ControllerURL:          strings.TrimRight(v.GetString("controller_url"), "/"),
		AgentID:                v.GetString("agent.id"),
		AgentToken:             v.GetString("agent.token"),
		VMUUID:                 v.GetString("agent.vm_uuid"),
		RunnerID:               v.GetString("agent.runner_id"),
		Module:                 v.GetString("agent.module"),
		AgentConcurrency:       v.GetInt("agent.concurrency"),
		AgentPollTimeout:       v.GetDuration("agent.poll_timeout"),
		AgentMaxBackoff:        v.GetDuration("agent.max_backoff"),
		AgentHeartbeatInterval: v.GetDuration("agent.heartbeat_interval"),
		HandlersDir:            v.GetString("agent.handlers_dir"),
		CommandTimeout:         v.GetDuration("agent.command_timeout"),
		AgentMetricsPort:       v.GetInt("agent.metrics_port"),
	}
}

// Load reads the controller configuration. An empty path searches for
// vmplane.yaml in the working directory and /etc/vmplane; a missing file is
// not an error there.
func Load(path string) (*Config, error) {
	v, err := newViper(path)
	if err != nil {
		return nil, err
	}
	cfg := fromViper(v)

	switch cfg.StoreBackend {
	case BackendPostgres:
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("database_url is required (env: DATABASE_URL)")
		}
	case BackendMemory:
	default:
		return nil, fmt.Errorf("invalid store.backend %q: must be %s or %s", cfg.StoreBackend, BackendPostgres, BackendMemory)
	}

	if cfg.HTTPPort <= 0 || cfg.HTTPPort > 65535 {
		return nil, fmt.Errorf("invalid http_port %d", cfg.HTTPPort)
	}
	if cfg.LeaseTTL <= 0 {
		return nil, fmt.Errorf("lease.ttl must be positive, got %v", cfg.LeaseTTL)
	}
	if cfg.QueueMaxPollTimeout <= 0 {
		return nil, fmt.Errorf("queue.max_poll_timeout must be positive, got %v", cfg.QueueMaxPollTimeout)
	}
	if cfg.RateLimit < 0 {
		return nil, fmt.Errorf("rate_limit.rps must not be negative")
	}
	return cfg, nil
}

// LoadAgent reads the agent configuration. The agent never talks to the
// database, so database_url is not required.
func LoadAgent(path string) (*Config, error) {
	v, err := newViper(path)
	if err != nil {
		return nil, err
	}
	cfg := fromViper(v)

	if cfg.AgentID == "" {
		return nil, fmt.Errorf("agent.id is required (env: AGENT_ID)")
	}
	if cfg.AgentToken == "" {
		return nil, fmt.Errorf("agent.token is required (env: VMPLANE_TOKEN)")
	}
	if cfg.VMUUID == "" {
		return nil, fmt.Errorf("agent.vm_uuid is required (env: AGENT_VM_UUID)")
	}
	if cfg.AgentConcurrency <= 0 {
		cfg.AgentConcurrency = 1
	}
	if cfg.RunnerID == "" {
		cfg.RunnerID = cfg.AgentID
	}
	return cfg, nil
}

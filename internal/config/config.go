// Package config holds environment-driven startup configuration for the
// TiSpace control plane.
package config

import (
	"fmt"
	"strings"

	"github.com/caarlos0/env/v11"
)

// Config holds all application configuration, loaded from environment variables.
type Config struct {
	// Server
	Host string `env:"HOST" envDefault:"0.0.0.0"`
	Port int    `env:"PORT" envDefault:"8080"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// State store
	StateFile string `env:"STATE_FILE" envDefault:"state.json"`

	// Reconciler
	ReconcileInterval string `env:"RECONCILE_INTERVAL" envDefault:"5s"`
	BackendTimeout    string `env:"BACKEND_TIMEOUT" envDefault:"30s"`
	ShutdownDrain     string `env:"SHUTDOWN_DRAIN" envDefault:"10s"`

	// Quota
	UserQuotaCPU     int     `env:"USER_QUOTA_CPU" envDefault:"32"`
	UserQuotaMemory  int     `env:"USER_QUOTA_MEMORY_GIB" envDefault:"128"`
	UserQuotaDisk    int     `env:"USER_QUOTA_DISK_GIB" envDefault:"1000"`
	CPUOvercommit    float64 `env:"CPU_OVERCOMMIT_FACTOR" envDefault:"2"`
	MemoryOvercommit float64 `env:"MEMORY_OVERCOMMIT_FACTOR" envDefault:"1.2"`

	// IP allocation
	ExternalIPPool         []string `env:"EXTERNAL_IP_POOL" envSeparator:","`
	ExternalIPPrefixLength int      `env:"EXTERNAL_IP_PREFIX_LENGTH" envDefault:"24"`

	// OIDC
	GoogleClientID string   `env:"GOOGLE_CLIENT_ID"`
	OIDCIssuerURL  string   `env:"OIDC_ISSUER_URL" envDefault:"https://accounts.google.com"`
	AllowedUsers   []string `env:"TISPACE_ALLOWED_USERS" envSeparator:","`

	// Images
	DefaultRootfsImageTag string `env:"DEFAULT_ROOTFS_IMAGE_TAG" envDefault:"latest"`

	// LXD (VM driver)
	LXDServerURL          string `env:"LXD_SERVER_URL"`
	LXDClientCert         string `env:"LXD_CLIENT_CERT"`
	LXDClientKey          string `env:"LXD_CLIENT_KEY"`
	LXDStoragePoolMapping string `env:"LXD_STORAGE_POOL_MAPPING"`

	// Pod driver (Kubernetes)
	KubeconfigPath string `env:"KUBECONFIG"`
	PodNamespace   string `env:"POD_NAMESPACE" envDefault:"tispace"`

	// CORS
	CORSAllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS" envDefault:"*" envSeparator:","`

	// Redis (observation cache + lifecycle pub/sub, optional)
	RedisURL string `env:"REDIS_URL"`

	// Slack (optional lifecycle notifications)
	SlackBotToken     string `env:"SLACK_BOT_TOKEN"`
	SlackAlertChannel string `env:"SLACK_ALERT_CHANNEL"`

	// Audit trail (optional, separate durable store from instance state)
	AuditDatabaseURL   string `env:"AUDIT_DATABASE_URL"`
	AuditMigrationsDir string `env:"AUDIT_MIGRATIONS_DIR" envDefault:"migrations/audit"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config from env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ListenAddr returns the address the HTTP server should listen on.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// StoragePoolMapping parses LXD_STORAGE_POOL_MAPPING ("host=pool,host=pool")
// into a host→pool lookup.
func (c *Config) StoragePoolMapping() (map[string]string, error) {
	out := make(map[string]string)
	if c.LXDStoragePoolMapping == "" {
		return out, nil
	}
	for _, pair := range strings.Split(c.LXDStoragePoolMapping, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) != 2 || kv[0] == "" || kv[1] == "" {
			return nil, fmt.Errorf("invalid LXD_STORAGE_POOL_MAPPING entry %q", pair)
		}
		out[kv[0]] = kv[1]
	}
	return out, nil
}

// Validate checks invariants env.Parse cannot express on its own.
func (c *Config) Validate() error {
	if c.CPUOvercommit <= 1 {
		return fmt.Errorf("CPU_OVERCOMMIT_FACTOR must be > 1, got %v", c.CPUOvercommit)
	}
	if c.MemoryOvercommit <= 1 {
		return fmt.Errorf("MEMORY_OVERCOMMIT_FACTOR must be > 1, got %v", c.MemoryOvercommit)
	}
	if _, err := c.StoragePoolMapping(); err != nil {
		return err
	}
	return nil
}

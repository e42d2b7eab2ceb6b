// ABOUTME: Configuration loading and parsing for pairline
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/2389/pairline/internal/auth"
	"github.com/2389/pairline/internal/reconcile"
	"github.com/2389/pairline/internal/store"
)

// EnvConfigPath names the environment variable that points at the config file.
const EnvConfigPath = "PAIRLINE_CONFIG"

// Config represents the complete pairline configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale" toml:"tailscale"`
	Database  DatabaseConfig  `yaml:"database" toml:"database"`
	Auth      AuthConfig      `yaml:"auth" toml:"auth"`
	Gateway   GatewayConfig   `yaml:"gateway" toml:"gateway"`
	Webhook   WebhookConfig   `yaml:"webhook" toml:"webhook"`
	RateGuard RateGuardConfig `yaml:"rateguard" toml:"rateguard"`
	Stream    StreamConfig    `yaml:"stream" toml:"stream"`
	Lifecycle LifecycleConfig `yaml:"lifecycle" toml:"lifecycle"`
	Reconcile ReconcileConfig `yaml:"reconcile" toml:"reconcile"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics" toml:"metrics"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
	GRPCAddr string `yaml:"grpc_addr" toml:"grpc_addr"` // gRPC health service, empty disables it
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
	Funnel    bool   `yaml:"funnel" toml:"funnel"` // serve the HTTP API publicly so the gateway can reach webhooks
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Driver string `yaml:"driver" toml:"driver"` // sqlite (default), sqlite3 or pgx
	Path   string `yaml:"path" toml:"path"`
	DSN    string `yaml:"dsn" toml:"dsn"`
}

// StoreOptions converts the section into store.Options.
func (d DatabaseConfig) StoreOptions() store.Options {
	return store.Options{Driver: d.Driver, Path: d.Path, DSN: d.DSN}
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret"` // empty disables API authentication
}

// GatewayConfig holds the external channel gateway connection
type GatewayConfig struct {
	BaseURL string        `yaml:"base_url" toml:"base_url"`
	APIKey  string        `yaml:"api_key" toml:"api_key"`
	Timeout time.Duration `yaml:"-" toml:"-"`
	QRTTL   time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	TimeoutRaw string `yaml:"timeout" toml:"timeout"`
	QRTTLRaw   string `yaml:"qr_ttl" toml:"qr_ttl"`
}

// ChannelSecrets authenticates webhook deliveries for one channel type
type ChannelSecrets struct {
	Token         string `yaml:"token" toml:"token"`
	SigningSecret string `yaml:"signing_secret" toml:"signing_secret"`
}

// WebhookConfig holds inbound webhook configuration
type WebhookConfig struct {
	// PublicURL is registered with the gateway on create; the channel type
	// is appended as the last path segment.
	PublicURL string                    `yaml:"public_url" toml:"public_url"`
	Events    []string                  `yaml:"events" toml:"events"`
	Channels  map[string]ChannelSecrets `yaml:"channels" toml:"channels"`

	DedupeSize   int           `yaml:"dedupe_size" toml:"dedupe_size"`
	DedupeTTL    time.Duration `yaml:"-" toml:"-"`
	DedupeBucket time.Duration `yaml:"-" toml:"-"`

	DedupeTTLRaw    string `yaml:"dedupe_ttl" toml:"dedupe_ttl"`
	DedupeBucketRaw string `yaml:"dedupe_bucket" toml:"dedupe_bucket"`
}

// RateGuardConfig holds gateway polling limits
type RateGuardConfig struct {
	PollFloor         time.Duration `yaml:"-" toml:"-"`
	PollCeiling       time.Duration `yaml:"-" toml:"-"`
	MaxSessionsPerOrg int           `yaml:"max_sessions_per_org" toml:"max_sessions_per_org"`

	PollFloorRaw   string `yaml:"poll_floor" toml:"poll_floor"`
	PollCeilingRaw string `yaml:"poll_ceiling" toml:"poll_ceiling"`
}

// StreamConfig holds watcher and push stream settings
type StreamConfig struct {
	IdleTimeout  time.Duration `yaml:"-" toml:"-"`
	MaxWait      time.Duration `yaml:"-" toml:"-"`
	MaxFailures  int           `yaml:"max_failures" toml:"max_failures"`
	MaxDenials   int           `yaml:"max_denials" toml:"max_denials"`
	ReplayBuffer int           `yaml:"replay_buffer" toml:"replay_buffer"`

	IdleTimeoutRaw string `yaml:"idle_timeout" toml:"idle_timeout"`
	MaxWaitRaw     string `yaml:"max_wait" toml:"max_wait"`
}

// LifecycleConfig holds state machine policy
type LifecycleConfig struct {
	AutoReinitialize bool `yaml:"auto_reinitialize" toml:"auto_reinitialize"`
}

// ReconcileConfig holds the reconciliation sweep settings
type ReconcileConfig struct {
	Schedule     string        `yaml:"schedule" toml:"schedule"` // cron spec, empty disables scheduled sweeps
	Timezone     string        `yaml:"timezone" toml:"timezone"`
	OrphanPolicy string        `yaml:"orphan_policy" toml:"orphan_policy"`
	Concurrency  int           `yaml:"concurrency" toml:"concurrency"`
	StaleAfter   time.Duration `yaml:"-" toml:"-"`

	StaleAfterRaw string `yaml:"stale_after" toml:"stale_after"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"` // text or json
	File   string `yaml:"file" toml:"file"`     // optional rotated JSON log file
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path"`
}

// ResolvePath picks the config file: an explicit flag value, then
// $PAIRLINE_CONFIG, then $XDG_CONFIG_HOME/pairline/config.yaml.
func ResolvePath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p
	}
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "config.yaml"
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "pairline", "config.yaml")
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expandedData, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// ApplyDefaults fills every unset field with its default.
func (c *Config) ApplyDefaults() {
	setString(&c.Database.Driver, store.DriverSQLite)
	if c.Database.Driver != store.DriverPostgres {
		setString(&c.Database.Path, "pairline.db")
	}

	setDuration(&c.Gateway.Timeout, 10*time.Second)
	setDuration(&c.Gateway.QRTTL, 60*time.Second)

	if len(c.Webhook.Events) == 0 {
		c.Webhook.Events = []string{"CONNECTION_UPDATE", "QRCODE_UPDATED", "LOGOUT_INSTANCE", "REMOVE_INSTANCE"}
	}
	setInt(&c.Webhook.DedupeSize, 10000)
	setDuration(&c.Webhook.DedupeTTL, 10*time.Minute)
	setDuration(&c.Webhook.DedupeBucket, time.Minute)

	setDuration(&c.RateGuard.PollFloor, 2*time.Second)
	setDuration(&c.RateGuard.PollCeiling, time.Minute)

	setDuration(&c.Stream.IdleTimeout, 10*time.Minute)
	setDuration(&c.Stream.MaxWait, 5*time.Second)
	setInt(&c.Stream.MaxFailures, 3)
	setInt(&c.Stream.MaxDenials, 5)
	setInt(&c.Stream.ReplayBuffer, 128)

	setString(&c.Reconcile.OrphanPolicy, string(reconcile.OrphanMarkDeleted))
	setInt(&c.Reconcile.Concurrency, 4)
	setDuration(&c.Reconcile.StaleAfter, 15*time.Minute)

	setString(&c.Logging.Level, "info")
	setString(&c.Logging.Format, "text")
	setString(&c.Metrics.Path, "/metrics")
}

func setString(v *string, def string) {
	if *v == "" {
		*v = def
	}
}

func setInt(v *int, def int) {
	if *v == 0 {
		*v = def
	}
}

func setDuration(v *time.Duration, def time.Duration) {
	if *v == 0 {
		*v = def
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	// The HTTP address is required unless Tailscale is enabled
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	switch c.Database.Driver {
	case store.DriverSQLite, store.DriverSQLite3:
		if c.Database.Path == "" {
			return fmt.Errorf("database.path is required for %s", c.Database.Driver)
		}
	case store.DriverPostgres:
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for pgx")
		}
	default:
		return fmt.Errorf("database.driver %q is not one of sqlite, sqlite3, pgx", c.Database.Driver)
	}

	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < auth.MinSecretLength {
		return fmt.Errorf("auth.jwt_secret must be at least %d bytes", auth.MinSecretLength)
	}

	if c.Gateway.BaseURL == "" {
		return fmt.Errorf("gateway.base_url is required")
	}
	if c.Gateway.APIKey == "" {
		return fmt.Errorf("gateway.api_key is required")
	}

	for name, ch := range c.Webhook.Channels {
		if ch.Token == "" && ch.SigningSecret == "" {
			return fmt.Errorf("webhook.channels.%s needs a token or signing_secret", name)
		}
	}

	if c.RateGuard.PollCeiling < c.RateGuard.PollFloor {
		return fmt.Errorf("rateguard.poll_ceiling (%s) must not be below poll_floor (%s)",
			c.RateGuard.PollCeiling, c.RateGuard.PollFloor)
	}
	if c.RateGuard.MaxSessionsPerOrg < 0 {
		return fmt.Errorf("rateguard.max_sessions_per_org must not be negative")
	}

	if c.Stream.MaxFailures < 1 || c.Stream.MaxDenials < 1 {
		return fmt.Errorf("stream.max_failures and stream.max_denials must be at least 1")
	}

	if !reconcile.OrphanPolicy(c.Reconcile.OrphanPolicy).Valid() {
		return fmt.Errorf("reconcile.orphan_policy %q is not one of mark_deleted, hard_delete", c.Reconcile.OrphanPolicy)
	}
	if c.Reconcile.Schedule != "" {
		if err := reconcile.ValidateSchedule(c.Reconcile.Schedule); err != nil {
			return err
		}
	}
	if c.Reconcile.Timezone != "" {
		if _, err := time.LoadLocation(c.Reconcile.Timezone); err != nil {
			return fmt.Errorf("reconcile.timezone: %w", err)
		}
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}
	if c.Logging.Format != "text" && c.Logging.Format != "json" {
		return fmt.Errorf("logging.format %q is not one of text, json", c.Logging.Format)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"gateway.timeout", cfg.Gateway.TimeoutRaw, &cfg.Gateway.Timeout},
		{"gateway.qr_ttl", cfg.Gateway.QRTTLRaw, &cfg.Gateway.QRTTL},
		{"webhook.dedupe_ttl", cfg.Webhook.DedupeTTLRaw, &cfg.Webhook.DedupeTTL},
		{"webhook.dedupe_bucket", cfg.Webhook.DedupeBucketRaw, &cfg.Webhook.DedupeBucket},
		{"rateguard.poll_floor", cfg.RateGuard.PollFloorRaw, &cfg.RateGuard.PollFloor},
		{"rateguard.poll_ceiling", cfg.RateGuard.PollCeilingRaw, &cfg.RateGuard.PollCeiling},
		{"stream.idle_timeout", cfg.Stream.IdleTimeoutRaw, &cfg.Stream.IdleTimeout},
		{"stream.max_wait", cfg.Stream.MaxWaitRaw, &cfg.Stream.MaxWait},
		{"reconcile.stale_after", cfg.Reconcile.StaleAfterRaw, &cfg.Reconcile.StaleAfter},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d <= 0 {
			return fmt.Errorf("parsing %s %q: must be positive", f.name, f.raw)
		}
		*f.dst = d
	}

	return nil
}

// WebhookURL returns the URL the gateway should post channelType events to,
// or "" when no public URL is configured.
func (c *Config) WebhookURL(channelType string) string {
	if c.Webhook.PublicURL == "" {
		return ""
	}
	return strings.TrimRight(c.Webhook.PublicURL, "/") + "/" + channelType
}

// Package config handles loading and validating cloudrelay configuration.
package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/jkaninda/cloudrelay/internal/storage"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Config is the root configuration shared by the broker and the CLI client.
// Every section is optional; accessors fall back to defaults when a section
// or field is unset.
type Config struct {
	LogLevel      string               `json:"log_level,omitempty" yaml:"log_level,omitempty"` // debug, info (default), warn, error
	Broker        *BrokerConfig        `json:"broker,omitempty" yaml:"broker,omitempty"`
	Client        *ClientConfig        `json:"client,omitempty" yaml:"client,omitempty"`
	Storage       *storage.Config      `json:"storage,omitempty" yaml:"storage,omitempty"`         // nil = in-memory store
	Sealing       *SealingConfig       `json:"sealing,omitempty" yaml:"sealing,omitempty"`         // nil = keys stored unsealed
	RateLimit     *RateLimitConfig     `json:"rate_limit,omitempty" yaml:"rate_limit,omitempty"`   // nil = unlimited
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled
}

// Defaults.
const (
	DefaultListenAddr       = ":8080"
	DefaultUpstreamURL      = "https://api.letscloud.io"
	DefaultAuthHeader       = "api-token"
	DefaultCredentialTTL    = 24 * time.Hour
	DefaultMaxBodyBytes     = 1 << 20
	DefaultUpstreamTimeout  = 30 * time.Second
	DefaultShutdownTimeout  = 15 * time.Second
	DefaultSweepSchedule    = "@every 5m"
	DefaultClientBrokerURL  = "https://action.letscloud.io"
	DefaultCredentialRef    = "env://LETSCLOUD_API_KEY"
	DefaultAPIPrefix        = "/v2"
	DefaultClientTimeout    = 30 * time.Second
	AuthSchemeBearer        = "bearer"
	AuthSchemeHeader        = "header"
)

// BrokerConfig configures the key broker server.
type BrokerConfig struct {
	ListenAddr             string   `json:"listen_addr,omitempty" yaml:"listen_addr,omitempty"`                 // Default: ":8080". Override: CLOUDRELAY_LISTEN_ADDR.
	UpstreamURL            string   `json:"upstream_url,omitempty" yaml:"upstream_url,omitempty"`               // Provider API root. Override: CLOUDRELAY_UPSTREAM_URL.
	AuthScheme             string   `json:"auth_scheme,omitempty" yaml:"auth_scheme,omitempty"`                 // "bearer" (default) or "header".
	AuthHeader             string   `json:"auth_header,omitempty" yaml:"auth_header,omitempty"`                 // Header name for the "header" scheme. Default: "api-token".
	CredentialTTLSeconds   *int     `json:"credential_ttl_seconds,omitempty" yaml:"credential_ttl_seconds,omitempty"` // nil = 24h, 0 = never expire.
	SweepSchedule          string   `json:"sweep_schedule,omitempty" yaml:"sweep_schedule,omitempty"`           // Cron expression for the expiry sweep.
	MaxBodyBytes           int64    `json:"max_body_bytes,omitempty" yaml:"max_body_bytes,omitempty"`           // Default: 1 MiB.
	UpstreamTimeoutSeconds int      `json:"upstream_timeout_seconds,omitempty" yaml:"upstream_timeout_seconds,omitempty"`
	ShutdownTimeoutSeconds int      `json:"shutdown_timeout_seconds,omitempty" yaml:"shutdown_timeout_seconds,omitempty"`
	AccessTokens           []string `json:"access_tokens,omitempty" yaml:"access_tokens,omitempty"` // Empty = open broker. Override: CLOUDRELAY_ACCESS_TOKENS (comma-separated).
	EnableDocs             bool     `json:"enable_docs,omitempty" yaml:"enable_docs,omitempty"`     // Serve OpenAPI docs at /docs.
}

// Listen returns the listen address.
func (b *BrokerConfig) Listen() string {
	if b != nil && b.ListenAddr != "" {
		return b.ListenAddr
	}
	return DefaultListenAddr
}

// Upstream returns the provider API root without a trailing slash.
func (b *BrokerConfig) Upstream() string {
	if b != nil && b.UpstreamURL != "" {
		return strings.TrimRight(b.UpstreamURL, "/")
	}
	return DefaultUpstreamURL
}

// Scheme returns the upstream authentication scheme.
func (b *BrokerConfig) Scheme() string {
	if b != nil && b.AuthScheme != "" {
		return strings.ToLower(b.AuthScheme)
	}
	return AuthSchemeBearer
}

// Header returns the header carrying the key for the "header" scheme.
func (b *BrokerConfig) Header() string {
	if b != nil && b.AuthHeader != "" {
		return b.AuthHeader
	}
	return DefaultAuthHeader
}

// CredentialTTL returns how long a binding lives after its last registration.
// Zero means bindings never expire.
func (b *BrokerConfig) CredentialTTL() time.Duration {
	if b != nil && b.CredentialTTLSeconds != nil {
		return time.Duration(*b.CredentialTTLSeconds) * time.Second
	}
	return DefaultCredentialTTL
}

// Sweep returns the cron schedule of the expiry sweeper.
func (b *BrokerConfig) Sweep() string {
	if b != nil && b.SweepSchedule != "" {
		return b.SweepSchedule
	}
	return DefaultSweepSchedule
}

// BodyLimit returns the maximum accepted request body size.
func (b *BrokerConfig) BodyLimit() int64 {
	if b != nil && b.MaxBodyBytes > 0 {
		return b.MaxBodyBytes
	}
	return DefaultMaxBodyBytes
}

// UpstreamTimeout returns the timeout for one upstream call.
func (b *BrokerConfig) UpstreamTimeout() time.Duration {
	if b != nil && b.UpstreamTimeoutSeconds > 0 {
		return time.Duration(b.UpstreamTimeoutSeconds) * time.Second
	}
	return DefaultUpstreamTimeout
}

// ShutdownTimeout returns the graceful shutdown budget.
func (b *BrokerConfig) ShutdownTimeout() time.Duration {
	if b != nil && b.ShutdownTimeoutSeconds > 0 {
		return time.Duration(b.ShutdownTimeoutSeconds) * time.Second
	}
	return DefaultShutdownTimeout
}

// Tokens returns the broker access tokens; empty means the broker is open.
func (b *BrokerConfig) Tokens() []string {
	if b == nil {
		return nil
	}
	return b.AccessTokens
}

// ClientConfig configures the CLI session client.
type ClientConfig struct {
	BrokerURL      string `json:"broker_url,omitempty" yaml:"broker_url,omitempty"`         // Override: CLOUDRELAY_BROKER_URL.
	CredentialRef  string `json:"credential_ref,omitempty" yaml:"credential_ref,omitempty"` // Default: env://LETSCLOUD_API_KEY.
	APIPrefix      *string `json:"api_prefix,omitempty" yaml:"api_prefix,omitempty"`        // nil = "/v2".
	TimeoutSeconds int    `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty"`
	UserAgent      string `json:"user_agent,omitempty" yaml:"user_agent,omitempty"`
	AccessToken    string `json:"access_token,omitempty" yaml:"access_token,omitempty"` // Override: CLOUDRELAY_ACCESS_TOKEN.
}

// Broker returns the broker base URL.
func (c *ClientConfig) Broker() string {
	if c != nil && c.BrokerURL != "" {
		return c.BrokerURL
	}
	return DefaultClientBrokerURL
}

// Credential returns the secret reference of the provider key.
func (c *ClientConfig) Credential() string {
	if c != nil && c.CredentialRef != "" {
		return c.CredentialRef
	}
	return DefaultCredentialRef
}

// Prefix returns the provider API prefix.
func (c *ClientConfig) Prefix() string {
	if c != nil && c.APIPrefix != nil {
		return *c.APIPrefix
	}
	return DefaultAPIPrefix
}

// Timeout returns the per-request timeout.
func (c *ClientConfig) Timeout() time.Duration {
	if c != nil && c.TimeoutSeconds > 0 {
		return time.Duration(c.TimeoutSeconds) * time.Second
	}
	return DefaultClientTimeout
}

// SealingConfig enables at-rest encryption of stored provider keys.
type SealingConfig struct {
	Enabled     bool   `json:"enabled" yaml:"enabled"`
	IdentityRef string `json:"identity_ref" yaml:"identity_ref"` // Secret reference to an AGE-SECRET-KEY-1... identity, e.g. "file:///run/secrets/age.key".
}

// RateLimitConfig configures per-session request rate limiting.
type RateLimitConfig struct {
	RequestsPerMinute int `json:"requests_per_minute" yaml:"requests_per_minute"` // 0 = unlimited.
	BurstSize         int `json:"burst_size" yaml:"burst_size"`                   // Default: requests_per_minute.
}

// ObservabilityConfig configures metrics, tracing and anomaly detection.
// When nil, all observability features are disabled with zero overhead.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
	Anomaly *AnomalyConfig `json:"anomaly,omitempty" yaml:"anomaly,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics"
}

// MetricsPath returns the exposition path.
func (m *MetricsConfig) MetricsPath() string {
	if m != nil && m.Path != "" {
		return m.Path
	}
	return "/metrics"
}

// TracingConfig configures OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "cloudrelay"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0–1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`         // Skip TLS for dev
}

// AnomalyConfig configures threshold-based anomaly detection.
type AnomalyConfig struct {
	Enabled            bool    `json:"enabled" yaml:"enabled"`
	ErrorRateThreshold float64 `json:"error_rate_threshold" yaml:"error_rate_threshold"` // e.g. 0.5 = 50% upstream errors
	ProbeThreshold     int     `json:"probe_threshold" yaml:"probe_threshold"`           // Unregistered-session hits per client within the window. Default: 20
	WindowSeconds      int     `json:"window_seconds" yaml:"window_seconds"`             // Sliding window. Default: 300
}

// DefaultConfigPath returns the default config file path (~/.cloudrelay/config.yaml).
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "configs/cloudrelay.yaml" // fallback for environments without a home dir
	}
	return filepath.Join(home, ".cloudrelay", "config.yaml")
}

// Default returns a configuration with every section unset, after applying
// environment overrides.
func Default() (*Config, error) {
	cfg := &Config{}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Load reads a JSON or YAML config file and returns a validated Config.
// The format is detected by file extension: .yml/.yaml for YAML, everything else for JSON.
// An empty path returns Default(). Environment variables take precedence
// over file values.
func Load(path string) (*Config, error) {
	if path == "" {
		return Default()
	}

	// Expand ~ in config path.
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", resolved, err)
	}

	var cfg Config
	switch ext := strings.ToLower(filepath.Ext(resolved)); ext {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML config %s: %w", resolved, err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing JSON config %s: %w", resolved, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// applyEnv applies CLOUDRELAY_* overrides.
func (c *Config) applyEnv() error {
	if v := os.Getenv("CLOUDRELAY_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}

	// Broker overrides.
	if v := os.Getenv("CLOUDRELAY_LISTEN_ADDR"); v != "" {
		c.broker().ListenAddr = v
	}
	if v := os.Getenv("CLOUDRELAY_UPSTREAM_URL"); v != "" {
		c.broker().UpstreamURL = v
	}
	if v := os.Getenv("CLOUDRELAY_CREDENTIAL_TTL"); v != "" {
		ttl, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("parsing CLOUDRELAY_CREDENTIAL_TTL: %w", err)
		}
		secs := int(ttl / time.Second)
		c.broker().CredentialTTLSeconds = &secs
	}
	if v := os.Getenv("CLOUDRELAY_ACCESS_TOKENS"); v != "" {
		var tokens []string
		for _, t := range strings.Split(v, ",") {
			if t = strings.TrimSpace(t); t != "" {
				tokens = append(tokens, t)
			}
		}
		c.broker().AccessTokens = tokens
	}

	// Storage overrides.
	if v := os.Getenv("CLOUDRELAY_STORAGE_DRIVER"); v != "" {
		c.storage().Driver = v
	}
	if v := os.Getenv("CLOUDRELAY_DB_DSN"); v != "" {
		c.storage().Postgres.DSN = v
	}
	if v := os.Getenv("CLOUDRELAY_SQLITE_PATH"); v != "" {
		c.storage().SQLite.Path = v
	}

	// Client overrides.
	if v := os.Getenv("CLOUDRELAY_BROKER_URL"); v != "" {
		c.client().BrokerURL = v
	}
	if v := os.Getenv("CLOUDRELAY_ACCESS_TOKEN"); v != "" {
		c.client().AccessToken = v
	}
	if v := os.Getenv("CLOUDRELAY_RATE_LIMIT_RPM"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parsing CLOUDRELAY_RATE_LIMIT_RPM: %w", err)
		}
		if c.RateLimit == nil {
			c.RateLimit = &RateLimitConfig{}
		}
		c.RateLimit.RequestsPerMinute = n
	}
	return nil
}

func (c *Config) broker() *BrokerConfig {
	if c.Broker == nil {
		c.Broker = &BrokerConfig{}
	}
	return c.Broker
}

func (c *Config) client() *ClientConfig {
	if c.Client == nil {
		c.Client = &ClientConfig{}
	}
	return c.Client
}

func (c *Config) storage() *storage.Config {
	if c.Storage == nil {
		c.Storage = &storage.Config{}
	}
	return c.Storage
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

// StorageConfig returns the storage section, never nil.
func (c *Config) StorageConfig() storage.Config {
	if c.Storage == nil {
		return storage.Config{}
	}
	return *c.Storage
}

// SQLitePath returns the configured SQLite file, or the default under the
// working directory.
func (c *Config) SQLitePath() string {
	if c.Storage != nil && c.Storage.SQLite.Path != "" {
		return c.Storage.SQLite.Path
	}
	return storage.DefaultSQLitePath
}

// RateLimitRPM returns requests per minute per session; 0 disables limiting.
func (c *Config) RateLimitRPM() (rpm, burst int) {
	if c.RateLimit == nil {
		return 0, 0
	}
	return c.RateLimit.RequestsPerMinute, c.RateLimit.BurstSize
}

func (c *Config) validate() error {
	switch strings.ToLower(c.LogLevel) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level %q is not supported (use debug, info, warn or error)", c.LogLevel)
	}

	if c.Broker != nil {
		if err := validateURL("broker.upstream_url", c.Broker.Upstream()); err != nil {
			return err
		}
		switch c.Broker.Scheme() {
		case AuthSchemeBearer:
		case AuthSchemeHeader:
			if strings.ContainsAny(c.Broker.Header(), " :\r\n") {
				return fmt.Errorf("broker.auth_header %q is not a valid header name", c.Broker.Header())
			}
		default:
			return fmt.Errorf("broker.auth_scheme %q is not supported (use bearer or header)", c.Broker.AuthScheme)
		}
		if c.Broker.CredentialTTLSeconds != nil && *c.Broker.CredentialTTLSeconds < 0 {
			return fmt.Errorf("broker.credential_ttl_seconds must not be negative")
		}
		if c.Broker.MaxBodyBytes < 0 {
			return fmt.Errorf("broker.max_body_bytes must not be negative")
		}
		for i, t := range c.Broker.AccessTokens {
			if len(t) < 16 {
				return fmt.Errorf("broker.access_tokens[%d] must be at least 16 characters", i)
			}
		}
	}

	if c.Client != nil {
		if err := validateURL("client.broker_url", c.Client.Broker()); err != nil {
			return err
		}
		if p := c.Client.Prefix(); p != "" && !strings.HasPrefix(p, "/") {
			return fmt.Errorf("client.api_prefix %q must begin with '/'", p)
		}
	}

	if c.Storage != nil {
		if err := c.Storage.Validate(); err != nil {
			return fmt.Errorf("storage: %w", err)
		}
	}

	// Sealing only makes sense on a persistent store and needs an identity.
	if c.Sealing != nil && c.Sealing.Enabled {
		if c.Sealing.IdentityRef == "" {
			return fmt.Errorf("sealing.identity_ref is required when sealing is enabled")
		}
		if !c.StorageConfig().Persistent() {
			return fmt.Errorf("sealing requires a persistent storage driver (sqlite or postgres)")
		}
	}

	if c.RateLimit != nil && (c.RateLimit.RequestsPerMinute < 0 || c.RateLimit.BurstSize < 0) {
		return fmt.Errorf("rate_limit values must not be negative")
	}

	if o := c.Observability; o != nil {
		if o.Tracing != nil && o.Tracing.Enabled {
			if o.Tracing.Endpoint == "" {
				return fmt.Errorf("observability.tracing.endpoint is required when tracing is enabled")
			}
			if o.Tracing.SampleRate < 0 || o.Tracing.SampleRate > 1 {
				return fmt.Errorf("observability.tracing.sample_rate must be between 0 and 1")
			}
		}
		if o.Anomaly != nil && (o.Anomaly.ErrorRateThreshold < 0 || o.Anomaly.ErrorRateThreshold > 1) {
			return fmt.Errorf("observability.anomaly.error_rate_threshold must be between 0 and 1")
		}
	}
	return nil
}

func validateURL(field, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%s %q must be an absolute http(s) URL", field, raw)
	}
	return nil
}

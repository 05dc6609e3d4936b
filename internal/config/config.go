// Package config loads and validates auditor configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server     ServerConfig    `mapstructure:"server"`
	Auth       AuthConfig      `mapstructure:"auth"`
	Worker     WorkerConfig    `mapstructure:"worker"`
	Dispatch   DispatchConfig  `mapstructure:"dispatch"`
	Poller     PollerConfig    `mapstructure:"poller"`
	DB         DBConfig        `mapstructure:"db"`
	Storage    StorageConfig   `mapstructure:"storage"`
	PubSub     PubSubConfig    `mapstructure:"pubsub"`
	Logging    LoggingConfig   `mapstructure:"logging"`
	Telemetry  TelemetryConfig `mapstructure:"telemetry"`
	Publishers []PublisherSeed `mapstructure:"publishers"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port               int `mapstructure:"port"`
	ReadTimeoutSeconds int `mapstructure:"read_timeout_seconds"`
}

// AuthConfig defines bearer authentication for mutating endpoints.
type AuthConfig struct {
	Enabled      bool     `mapstructure:"enabled"`
	BearerTokens []string `mapstructure:"bearer_tokens"`
}

// WorkerConfig points at the external audit worker.
type WorkerConfig struct {
	Endpoint       string `mapstructure:"endpoint"`
	APIKey         string `mapstructure:"api_key"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// DispatchConfig governs dispatch pacing.
type DispatchConfig struct {
	MinDelayMs   int     `mapstructure:"min_delay_ms"`
	MaxDelayMs   int     `mapstructure:"max_delay_ms"`
	MaxPerMinute float64 `mapstructure:"max_per_minute"`
}

// PollerConfig sets the default progress polling budget.
type PollerConfig struct {
	IntervalMs  int `mapstructure:"interval_ms"`
	MaxAttempts int `mapstructure:"max_attempts"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	DSN                    string `mapstructure:"dsn"`
	MaxConns               int32  `mapstructure:"max_conns"`
	MinConns               int32  `mapstructure:"min_conns"`
	MaxConnLifetimeMinutes int    `mapstructure:"max_conn_lifetime_minutes"`
	ApplySchema            bool   `mapstructure:"apply_schema"`
}

// StorageConfig selects where batch summaries are archived.
type StorageConfig struct {
	Backend     string `mapstructure:"backend"`
	GCSBucket   string `mapstructure:"gcs_bucket"`
	LocalDir    string `mapstructure:"local_dir"`
	Prefix      string `mapstructure:"prefix"`
	ContentType string `mapstructure:"content_type"`
}

// PubSubConfig holds metadata for batch notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// TelemetryConfig names the service on emitted traces.
type TelemetryConfig struct {
	ServiceName string `mapstructure:"service_name"`
	Version     string `mapstructure:"version"`
}

// PublisherSeed populates the in-memory publisher directory when no database
// is configured.
type PublisherSeed struct {
	ID             string   `mapstructure:"id"`
	Name           string   `mapstructure:"name"`
	WorkflowStatus string   `mapstructure:"workflow_status"`
	PrimaryDomain  string   `mapstructure:"primary_domain"`
	Sites          []string `mapstructure:"sites"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("AUDITOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout_seconds", 15)
	v.SetDefault("auth.enabled", true)
	v.SetDefault("auth.bearer_tokens", []string{})
	v.SetDefault("worker.endpoint", "")
	v.SetDefault("worker.api_key", "")
	v.SetDefault("worker.timeout_seconds", 30)
	v.SetDefault("dispatch.min_delay_ms", 2000)
	v.SetDefault("dispatch.max_delay_ms", 5000)
	v.SetDefault("dispatch.max_per_minute", 0)
	v.SetDefault("poller.interval_ms", 2000)
	v.SetDefault("poller.max_attempts", 60)
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.max_conns", 4)
	v.SetDefault("db.min_conns", 0)
	v.SetDefault("db.max_conn_lifetime_minutes", 30)
	v.SetDefault("db.apply_schema", false)
	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.gcs_bucket", "")
	v.SetDefault("storage.local_dir", "")
	v.SetDefault("storage.prefix", "batch-summaries")
	v.SetDefault("storage.content_type", "application/json")
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")
	v.SetDefault("logging.development", true)
	v.SetDefault("telemetry.service_name", "site-auditor")
	v.SetDefault("telemetry.version", "dev")
}

// Validate enforces required values and reasonable limits. An empty worker
// endpoint is allowed here; trigger calls report it as a configuration error.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && len(c.Auth.BearerTokens) == 0 {
		return fmt.Errorf("auth.bearer_tokens must be set when auth is enabled")
	}
	if c.Worker.TimeoutSeconds <= 0 {
		return fmt.Errorf("worker.timeout_seconds must be > 0")
	}
	if c.Dispatch.MinDelayMs < 0 || c.Dispatch.MaxDelayMs < c.Dispatch.MinDelayMs {
		return fmt.Errorf("dispatch delay window must satisfy 0 <= min_delay_ms <= max_delay_ms")
	}
	if c.Dispatch.MaxPerMinute < 0 {
		return fmt.Errorf("dispatch.max_per_minute must be >= 0")
	}
	if c.Poller.IntervalMs <= 0 {
		return fmt.Errorf("poller.interval_ms must be > 0")
	}
	if c.Poller.MaxAttempts <= 0 {
		return fmt.Errorf("poller.max_attempts must be > 0")
	}
	switch c.Storage.Backend {
	case "", "memory":
	case "local":
		if c.Storage.LocalDir == "" {
			return fmt.Errorf("storage.local_dir must be set for the local backend")
		}
	case "gcs":
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket must be set for the gcs backend")
		}
	default:
		return fmt.Errorf("storage.backend %q is not supported", c.Storage.Backend)
	}
	for i, p := range c.Publishers {
		if strings.TrimSpace(p.ID) == "" {
			return fmt.Errorf("publishers[%d].id is required", i)
		}
	}
	return nil
}

// WorkerTimeout returns the per-dispatch network timeout.
func (c Config) WorkerTimeout() time.Duration {
	return time.Duration(c.Worker.TimeoutSeconds) * time.Second
}

// DelayWindow returns the dispatch pacing window.
func (c Config) DelayWindow() (time.Duration, time.Duration) {
	return time.Duration(c.Dispatch.MinDelayMs) * time.Millisecond,
		time.Duration(c.Dispatch.MaxDelayMs) * time.Millisecond
}

// PollInterval returns the default poller interval.
func (c Config) PollInterval() time.Duration {
	return time.Duration(c.Poller.IntervalMs) * time.Millisecond
}

// ConnLifetime returns the maximum lifetime of a pooled connection.
func (c Config) ConnLifetime() time.Duration {
	return time.Duration(c.DB.MaxConnLifetimeMinutes) * time.Minute
}

// Package config loads and validates engine configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Logging LoggingConfig `mapstructure:"logging"`
	Rates   RatesConfig   `mapstructure:"rates"`
	Proxy   ProxyConfig   `mapstructure:"proxy"`
	Cache   CacheConfig   `mapstructure:"cache"`
	Fetch   FetchConfig   `mapstructure:"fetch"`
	Archive ArchiveConfig `mapstructure:"archive"`
	Events  EventsConfig  `mapstructure:"events"`
	Queue   QueueConfig   `mapstructure:"queue"`
}

// ServerConfig controls the admin HTTP server.
type ServerConfig struct {
	Port int `mapstructure:"port"`
	// APIKey guards the /v1 routes when non-empty.
	APIKey string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// DomainRate overrides the token bucket for a single domain.
type DomainRate struct {
	PerSecond float64 `mapstructure:"per_second"`
	Burst     int     `mapstructure:"burst"`
}

// RatesConfig governs per-domain admission control. A zero burst defaults to
// the ceiling of the per-second rate.
type RatesConfig struct {
	PerSecond float64               `mapstructure:"per_second"`
	Burst     int                   `mapstructure:"burst"`
	PerDomain map[string]DomainRate `mapstructure:"per_domain"`
}

// ProxyConfig lists the outbound proxies and tunes health tracking.
type ProxyConfig struct {
	Proxies             []string `mapstructure:"proxies"`
	MaxFailures         int      `mapstructure:"max_failures"`
	LatencyWindow       int      `mapstructure:"latency_window"`
	RevalidateSeconds   int      `mapstructure:"revalidate_seconds"`
	RemoveAfter         int      `mapstructure:"remove_after"`
	ProbeURL            string   `mapstructure:"probe_url"`
	ProbeTimeoutSeconds int      `mapstructure:"probe_timeout_seconds"`
}

// CacheConfig selects and sizes the persistent result cache.
type CacheConfig struct {
	Kind                      string `mapstructure:"kind"`
	Path                      string `mapstructure:"path"`
	DSN                       string `mapstructure:"dsn"`
	MaxSizeBytes              int64  `mapstructure:"max_size_bytes"`
	DefaultTTLSeconds         int    `mapstructure:"default_ttl_seconds"`
	CompressionThresholdBytes int    `mapstructure:"compression_threshold_bytes"`
}

// FetchConfig configures the orchestrator's HTTP and retry behavior.
type FetchConfig struct {
	TimeoutSeconds   int    `mapstructure:"timeout_seconds"`
	MaxRetries       int    `mapstructure:"max_retries"`
	BackoffInitialMs int    `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs     int    `mapstructure:"backoff_max_ms"`
	MaxBodyBytes     int64  `mapstructure:"max_body_bytes"`
	UserAgent        string `mapstructure:"user_agent"`
}

// ArchiveConfig selects the blob store for validated payloads.
type ArchiveConfig struct {
	Kind   string `mapstructure:"kind"`
	Bucket string `mapstructure:"bucket"`
	Prefix string `mapstructure:"prefix"`
	Dir    string `mapstructure:"dir"`
}

// PubSubConfig holds metadata for publish-subscribe event delivery.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicID   string `mapstructure:"topic_id"`
}

// EventsConfig tunes the lifecycle event hub and its sinks.
type EventsConfig struct {
	BufferSize     int          `mapstructure:"buffer_size"`
	MaxBatchEvents int          `mapstructure:"max_batch_events"`
	MaxBatchWaitMs int          `mapstructure:"max_batch_wait_ms"`
	LogEvents      bool         `mapstructure:"log_events"`
	PubSub         PubSubConfig `mapstructure:"pubsub"`
}

// QueueConfig sizes the async fetch queue and its worker pool.
type QueueConfig struct {
	Depth   int `mapstructure:"depth"`
	Workers int `mapstructure:"workers"`
}

// Load builds a Config from disk/environment. An empty path skips the file
// and relies on defaults plus FETCHKIT_* environment variables.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("FETCHKIT")
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
	v.SetDefault("logging.development", true)
	v.SetDefault("rates.per_second", 2.0)
	v.SetDefault("rates.burst", 0)
	v.SetDefault("proxy.max_failures", 3)
	v.SetDefault("proxy.latency_window", 50)
	v.SetDefault("proxy.revalidate_seconds", 300)
	v.SetDefault("proxy.remove_after", 3)
	v.SetDefault("proxy.probe_url", "https://www.gstatic.com/generate_204")
	v.SetDefault("proxy.probe_timeout_seconds", 10)
	v.SetDefault("cache.kind", "memory")
	v.SetDefault("cache.max_size_bytes", 256*1024*1024)
	v.SetDefault("cache.default_ttl_seconds", 3600)
	v.SetDefault("cache.compression_threshold_bytes", 4096)
	v.SetDefault("fetch.timeout_seconds", 15)
	v.SetDefault("fetch.max_retries", 2)
	v.SetDefault("fetch.backoff_initial_ms", 250)
	v.SetDefault("fetch.backoff_max_ms", 5000)
	v.SetDefault("fetch.max_body_bytes", 5*1024*1024)
	v.SetDefault("fetch.user_agent", "fetchkit/1.0")
	v.SetDefault("archive.kind", "none")
	v.SetDefault("archive.prefix", "payloads")
	v.SetDefault("events.buffer_size", 4096)
	v.SetDefault("events.max_batch_events", 1000)
	v.SetDefault("events.max_batch_wait_ms", 500)
	v.SetDefault("events.log_events", false)
	v.SetDefault("queue.depth", 64)
	v.SetDefault("queue.workers", 4)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Rates.PerSecond <= 0 {
		return fmt.Errorf("rates.per_second must be > 0")
	}
	for domain, dr := range c.Rates.PerDomain {
		if dr.PerSecond <= 0 {
			return fmt.Errorf("rates.per_domain[%s].per_second must be > 0", domain)
		}
	}
	if c.Proxy.MaxFailures <= 0 {
		return fmt.Errorf("proxy.max_failures must be > 0")
	}
	if c.Proxy.LatencyWindow <= 0 {
		return fmt.Errorf("proxy.latency_window must be > 0")
	}
	switch c.Cache.Kind {
	case "memory":
	case "leveldb":
		if c.Cache.Path == "" {
			return fmt.Errorf("cache.path must be set for the leveldb cache")
		}
	case "postgres":
		if c.Cache.DSN == "" {
			return fmt.Errorf("cache.dsn must be set for the postgres cache")
		}
	default:
		return fmt.Errorf("cache.kind must be one of memory, leveldb, postgres")
	}
	if c.Cache.MaxSizeBytes <= 0 {
		return fmt.Errorf("cache.max_size_bytes must be > 0")
	}
	if c.Fetch.TimeoutSeconds <= 0 {
		return fmt.Errorf("fetch.timeout_seconds must be > 0")
	}
	if c.Fetch.MaxRetries < 0 {
		return fmt.Errorf("fetch.max_retries must be >= 0")
	}
	switch c.Archive.Kind {
	case "", "none", "memory":
	case "local":
		if c.Archive.Dir == "" {
			return fmt.Errorf("archive.dir must be set for the local archive")
		}
	case "gcs":
		if c.Archive.Bucket == "" {
			return fmt.Errorf("archive.bucket must be set for the gcs archive")
		}
	default:
		return fmt.Errorf("archive.kind must be one of none, memory, local, gcs")
	}
	if c.Events.PubSub.TopicID != "" && c.Events.PubSub.ProjectID == "" {
		return fmt.Errorf("events.pubsub.project_id must be set when a topic is configured")
	}
	if c.Queue.Depth <= 0 {
		return fmt.Errorf("queue.depth must be > 0")
	}
	if c.Queue.Workers <= 0 {
		return fmt.Errorf("queue.workers must be > 0")
	}
	return nil
}

// RequestTimeout converts the fetch timeout into a duration.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.Fetch.TimeoutSeconds) * time.Second
}

// RevalidateInterval converts the proxy revalidation cadence into a duration.
func (c Config) RevalidateInterval() time.Duration {
	return time.Duration(c.Proxy.RevalidateSeconds) * time.Second
}

// DefaultTTL converts the cache TTL into a duration.
func (c Config) DefaultTTL() time.Duration {
	return time.Duration(c.Cache.DefaultTTLSeconds) * time.Second
}

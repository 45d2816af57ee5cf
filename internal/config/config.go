package config

import "time"

// Config represents the complete service configuration
type Config struct {
	Listen      string            `yaml:"listen"`
	Logging     LoggingConfig     `yaml:"logging"`
	Store       StoreConfig       `yaml:"store"`
	Eviction    EvictionConfig    `yaml:"eviction"`
	Memory      MemoryConfig      `yaml:"memory"`
	Fetch       FetchConfig       `yaml:"fetch"`
	Proxy       ProxyConfig       `yaml:"proxy"`
	Compression CompressionConfig `yaml:"compression"`
	Tracing     TracingConfig     `yaml:"tracing"`
}

// LoggingConfig defines logging settings
type LoggingConfig struct {
	Level      string `yaml:"level"` // debug, info, warn, error
	File       string `yaml:"file"`  // empty logs to stderr
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// StoreConfig selects and configures the persistent tier.
type StoreConfig struct {
	Type   string      `yaml:"type"`              // "blob" (default) or "redis"
	URL    string      `yaml:"url" redact:"url"` // blob bucket URL, e.g. file:///var/lib/imagecache or mem://
	Prefix string      `yaml:"prefix"`            // key prefix inside the bucket or Redis keyspace
	Redis  RedisConfig `yaml:"redis"`
}

// RedisConfig defines Redis connection settings
type RedisConfig struct {
	Address     string        `yaml:"address"`
	Password    string        `yaml:"password" redact:"true"`
	DB          int           `yaml:"db"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// EvictionConfig bounds the persistent tier.
type EvictionConfig struct {
	MaxAge     time.Duration `yaml:"max_age"`
	MaxRecords int           `yaml:"max_records"`
}

// MemoryConfig bounds the in-process tier.
type MemoryConfig struct {
	MaxEntries int `yaml:"max_entries"`
}

// FetchConfig defines how remote images are retrieved.
type FetchConfig struct {
	Timeout       time.Duration `yaml:"timeout"`
	MaxBytes      int64         `yaml:"max_bytes"`
	Origin        string        `yaml:"origin"` // sent as Origin on direct fetches; enables the CORS check
	ProxyEndpoint string        `yaml:"proxy_endpoint" redact:"url"`
	DirectOrigins []string      `yaml:"direct_origins"` // host globs tried directly, proxy on failure
	ProxyOrigins  []string      `yaml:"proxy_origins"`  // host globs that always go through the proxy
	ProxyRetries  int           `yaml:"proxy_retries"`
	RateLimit     float64       `yaml:"rate_limit"` // fetches per second, 0 = unlimited
	Burst         int           `yaml:"burst"`
	Breaker       BreakerConfig `yaml:"breaker"`
	Concurrency   int           `yaml:"concurrency"` // parallelism for warm-up and prefetch
}

// BreakerConfig defines the per-host breaker guarding direct fetches.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	OpenTimeout      time.Duration `yaml:"open_timeout"`
}

// ProxyConfig enables the built-in image proxy endpoint.
type ProxyConfig struct {
	Enabled        bool          `yaml:"enabled"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
	Timeout        time.Duration `yaml:"timeout"`
}

// CompressionConfig controls response compression for API bodies and
// compressible image types.
type CompressionConfig struct {
	Enabled      bool     `yaml:"enabled"`
	Level        int      `yaml:"level"`         // 0-11, default 6
	MinSize      int      `yaml:"min_size"`      // default 1024 bytes
	ContentTypes []string `yaml:"content_types"` // MIME types to compress
	Algorithms   []string `yaml:"algorithms"`    // "gzip", "br", "zstd"; default all three
}

// TracingConfig defines OpenTelemetry export settings
type TracingConfig struct {
	Enabled     bool              `yaml:"enabled"`
	Endpoint    string            `yaml:"endpoint"`
	ServiceName string            `yaml:"service_name"`
	SampleRate  float64           `yaml:"sample_rate"`
	Insecure    bool              `yaml:"insecure"`
	Headers     map[string]string `yaml:"headers"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Listen: ":8080",
		Logging: LoggingConfig{
			Level:      "info",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		Store: StoreConfig{
			Type:   "blob",
			URL:    "file:///var/lib/imagecache",
			Prefix: "imagecache/",
			Redis: RedisConfig{
				DialTimeout: 2 * time.Second,
			},
		},
		Eviction: EvictionConfig{
			MaxAge:     30 * 24 * time.Hour,
			MaxRecords: 2000,
		},
		Memory: MemoryConfig{
			MaxEntries: 2000,
		},
		Fetch: FetchConfig{
			Timeout:       15 * time.Second,
			MaxBytes:      10 << 20,
			ProxyEndpoint: "http://localhost:8080/api/image-proxy",
			DirectOrigins: []string{
				"*.r2.dev",
				"*.r2.cloudflarestorage.com",
				"*.amazonaws.com",
				"storage.googleapis.com",
			},
			ProxyRetries: 2,
			Breaker: BreakerConfig{
				FailureThreshold: 5,
				OpenTimeout:      time.Minute,
			},
			Concurrency: 8,
		},
		Proxy: ProxyConfig{
			Timeout: 15 * time.Second,
		},
		Compression: CompressionConfig{
			Enabled: true,
			Level:   6,
			MinSize: 1024,
		},
		Tracing: TracingConfig{
			ServiceName: "imagecache",
			SampleRate:  1.0,
		},
	}
}

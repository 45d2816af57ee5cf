package config

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/goccy/go-yaml"
)

// Loader handles configuration loading and parsing
type Loader struct {
	envPattern *regexp.Regexp
	secrets    *SecretRegistry
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{
		envPattern: regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`),
		secrets:    DefaultSecretRegistry(),
	}
}

// WithSecrets replaces the registry used for ${scheme:ref} references.
func (l *Loader) WithSecrets(r *SecretRegistry) *Loader {
	l.secrets = r
	return l
}

// Load reads and parses a configuration file
func (l *Loader) Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return l.Parse(data)
}

// Parse parses configuration from YAML bytes
func (l *Loader) Parse(data []byte) (*Config, error) {
	// Expand environment variables
	expanded := l.expandEnvVars(string(data))

	// Start with defaults
	cfg := DefaultConfig()

	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := resolveSecretRefs(context.Background(), cfg, l.secrets); err != nil {
		return nil, err
	}

	if err := l.validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} with environment variable values
func (l *Loader) expandEnvVars(input string) string {
	return l.envPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := strings.TrimPrefix(strings.TrimSuffix(match, "}"), "${")
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match // Keep original if env var not set
	})
}

// validate checks configuration for errors
func (l *Loader) validate(cfg *Config) error {
	switch cfg.Store.Type {
	case "blob":
		if cfg.Store.URL == "" {
			return fmt.Errorf("store.url is required for blob store")
		}
	case "redis":
		if cfg.Store.Redis.Address == "" {
			return fmt.Errorf("store.redis.address is required for redis store")
		}
	default:
		return fmt.Errorf("invalid store type: %q (must be \"blob\" or \"redis\")", cfg.Store.Type)
	}

	if cfg.Eviction.MaxAge <= 0 {
		return fmt.Errorf("eviction.max_age must be positive")
	}
	if cfg.Eviction.MaxRecords <= 0 {
		return fmt.Errorf("eviction.max_records must be positive")
	}
	if cfg.Memory.MaxEntries <= 0 {
		return fmt.Errorf("memory.max_entries must be positive")
	}

	if cfg.Fetch.MaxBytes <= 0 {
		return fmt.Errorf("fetch.max_bytes must be positive")
	}
	if cfg.Fetch.ProxyRetries < 0 {
		return fmt.Errorf("fetch.proxy_retries must not be negative")
	}
	if cfg.Fetch.RateLimit < 0 {
		return fmt.Errorf("fetch.rate_limit must not be negative")
	}
	if cfg.Fetch.ProxyEndpoint != "" {
		u, err := url.Parse(cfg.Fetch.ProxyEndpoint)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("fetch.proxy_endpoint %q must be an absolute URL", cfg.Fetch.ProxyEndpoint)
		}
	}
	if err := validatePatterns("fetch.direct_origins", cfg.Fetch.DirectOrigins); err != nil {
		return err
	}
	if err := validatePatterns("fetch.proxy_origins", cfg.Fetch.ProxyOrigins); err != nil {
		return err
	}
	if len(cfg.Fetch.ProxyOrigins) > 0 && cfg.Fetch.ProxyEndpoint == "" {
		return fmt.Errorf("fetch.proxy_origins requires fetch.proxy_endpoint")
	}

	if cfg.Proxy.Enabled {
		if len(cfg.Proxy.AllowedOrigins) == 0 {
			return fmt.Errorf("proxy.allowed_origins is required when the proxy is enabled")
		}
		if err := validatePatterns("proxy.allowed_origins", cfg.Proxy.AllowedOrigins); err != nil {
			return err
		}
	}

	for _, algo := range cfg.Compression.Algorithms {
		switch algo {
		case "gzip", "br", "zstd":
		default:
			return fmt.Errorf("compression.algorithms: unknown algorithm %q", algo)
		}
	}
	if cfg.Compression.Level < 0 || cfg.Compression.Level > 11 {
		return fmt.Errorf("compression.level must be between 0 and 11")
	}

	if cfg.Tracing.Enabled && (cfg.Tracing.SampleRate < 0 || cfg.Tracing.SampleRate > 1) {
		return fmt.Errorf("tracing.sample_rate must be between 0 and 1")
	}

	return nil
}

func validatePatterns(field string, patterns []string) error {
	for _, p := range patterns {
		if !doublestar.ValidatePattern(p) {
			return fmt.Errorf("%s: invalid host pattern %q", field, p)
		}
	}
	return nil
}

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoaderParse(t *testing.T) {
	yaml := `
listen: ":9090"

logging:
  level: debug

store:
  type: blob
  url: mem://
  prefix: test/

eviction:
  max_age: 48h
  max_records: 10

memory:
  max_entries: 50

fetch:
  timeout: 3s
  origin: http://pos.local
  proxy_endpoint: http://localhost:9090/api/image-proxy
  direct_origins:
    - "*.r2.dev"
  proxy_origins:
    - "images.example.com"
  proxy_retries: 1
`

	loader := NewLoader()
	cfg, err := loader.Parse([]byte(yaml))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	if cfg.Listen != ":9090" {
		t.Errorf("expected listen :9090, got %s", cfg.Listen)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("expected level debug, got %s", cfg.Logging.Level)
	}
	if cfg.Store.URL != "mem://" || cfg.Store.Prefix != "test/" {
		t.Errorf("unexpected store config: %+v", cfg.Store)
	}
	if cfg.Eviction.MaxAge != 48*time.Hour {
		t.Errorf("expected max_age 48h, got %v", cfg.Eviction.MaxAge)
	}
	if cfg.Eviction.MaxRecords != 10 {
		t.Errorf("expected max_records 10, got %d", cfg.Eviction.MaxRecords)
	}
	if cfg.Memory.MaxEntries != 50 {
		t.Errorf("expected max_entries 50, got %d", cfg.Memory.MaxEntries)
	}
	if cfg.Fetch.Timeout != 3*time.Second {
		t.Errorf("expected fetch timeout 3s, got %v", cfg.Fetch.Timeout)
	}
	if len(cfg.Fetch.DirectOrigins) != 1 || cfg.Fetch.DirectOrigins[0] != "*.r2.dev" {
		t.Errorf("unexpected direct origins: %v", cfg.Fetch.DirectOrigins)
	}
	if len(cfg.Fetch.ProxyOrigins) != 1 {
		t.Errorf("unexpected proxy origins: %v", cfg.Fetch.ProxyOrigins)
	}
	if cfg.Fetch.ProxyRetries != 1 {
		t.Errorf("expected proxy_retries 1, got %d", cfg.Fetch.ProxyRetries)
	}
	// untouched fields keep their defaults
	if cfg.Fetch.MaxBytes != 10<<20 {
		t.Errorf("expected default max_bytes, got %d", cfg.Fetch.MaxBytes)
	}
}

func TestLoaderDefaults(t *testing.T) {
	cfg, err := NewLoader().Parse([]byte("{}"))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if cfg.Eviction.MaxAge != 30*24*time.Hour {
		t.Errorf("expected 30 day max age, got %v", cfg.Eviction.MaxAge)
	}
	if cfg.Eviction.MaxRecords != 2000 {
		t.Errorf("expected 2000 max records, got %d", cfg.Eviction.MaxRecords)
	}
	if cfg.Store.Type != "blob" {
		t.Errorf("expected blob store, got %s", cfg.Store.Type)
	}
}

func TestLoaderEnvExpansion(t *testing.T) {
	os.Setenv("TEST_REDIS_ADDR", "redis.internal:6379")
	defer os.Unsetenv("TEST_REDIS_ADDR")

	yaml := `
store:
  type: redis
  redis:
    address: ${TEST_REDIS_ADDR}
    password: ${TEST_UNSET_VAR}
`

	cfg, err := NewLoader().Parse([]byte(yaml))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if cfg.Store.Redis.Address != "redis.internal:6379" {
		t.Errorf("expected expanded address, got %s", cfg.Store.Redis.Address)
	}
	if cfg.Store.Redis.Password != "${TEST_UNSET_VAR}" {
		t.Errorf("expected unset var to be kept, got %s", cfg.Store.Redis.Password)
	}
}

func TestLoaderValidation(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "unknown store type",
			yaml:    "store:\n  type: sqlite\n",
			wantErr: "invalid store type",
		},
		{
			name:    "redis without address",
			yaml:    "store:\n  type: redis\n",
			wantErr: "store.redis.address",
		},
		{
			name:    "zero max records",
			yaml:    "eviction:\n  max_records: 0\n",
			wantErr: "max_records",
		},
		{
			name:    "negative max age",
			yaml:    "eviction:\n  max_age: -1h\n",
			wantErr: "max_age",
		},
		{
			name:    "relative proxy endpoint",
			yaml:    "fetch:\n  proxy_endpoint: /api/image-proxy\n",
			wantErr: "proxy_endpoint",
		},
		{
			name:    "bad origin glob",
			yaml:    "fetch:\n  direct_origins: [\"[bad\"]\n",
			wantErr: "invalid host pattern",
		},
		{
			name:    "unknown compression algorithm",
			yaml:    "compression:\n  algorithms: [deflate]\n",
			wantErr: "unknown algorithm",
		},
		{
			name:    "proxy enabled without allowlist",
			yaml:    "proxy:\n  enabled: true\n",
			wantErr: "allowed_origins",
		},
		{
			name:    "proxy origins without endpoint",
			yaml:    "fetch:\n  proxy_endpoint: \"\"\n  proxy_origins: [\"a.example.com\"]\n",
			wantErr: "requires fetch.proxy_endpoint",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewLoader().Parse([]byte(tt.yaml))
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestLoaderLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "imagecache.yaml")
	if err := os.WriteFile(path, []byte("listen: \":7070\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := NewLoader().Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Listen != ":7070" {
		t.Errorf("expected :7070, got %s", cfg.Listen)
	}

	if _, err := NewLoader().Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

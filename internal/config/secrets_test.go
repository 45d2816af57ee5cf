package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoaderResolvesSecretRefs(t *testing.T) {
	dir := t.TempDir()
	secretFile := filepath.Join(dir, "redis-password")
	if err := os.WriteFile(secretFile, []byte("s3cret\n"), 0600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("TEST_REDIS_ADDR_SECRET", "redis.internal:6379")

	cfg, err := NewLoader().Parse([]byte(`
store:
  type: redis
  redis:
    address: ${env:TEST_REDIS_ADDR_SECRET}
    password: ${file:` + secretFile + `}
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Store.Redis.Address != "redis.internal:6379" {
		t.Errorf("address = %q", cfg.Store.Redis.Address)
	}
	if cfg.Store.Redis.Password != "s3cret" {
		t.Errorf("password = %q, want trailing newline trimmed", cfg.Store.Redis.Password)
	}
}

func TestLoaderSecretErrors(t *testing.T) {
	tests := []struct {
		name string
		ref  string
		want string
	}{
		{"unset env", "${env:IMAGECACHE_DEFINITELY_UNSET}", "not set"},
		{"missing file", "${file:/nonexistent/imagecache/secret}", "reading secret file"},
		{"unknown scheme", "${vault:secret/data/redis}", "unknown secret provider"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewLoader().Parse([]byte("store:\n  type: redis\n  redis:\n    address: localhost:6379\n    password: " + tt.ref + "\n"))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) || !strings.Contains(err.Error(), "Store.Redis.Password") {
				t.Errorf("error %q should mention %q and the field path", err, tt.want)
			}
		})
	}
}

type staticProvider struct{ value string }

func (p staticProvider) Scheme() string { return "static" }

func (p staticProvider) Resolve(context.Context, string) (string, error) { return p.value, nil }

func TestLoaderWithSecrets(t *testing.T) {
	cfg, err := NewLoader().WithSecrets(NewSecretRegistry(staticProvider{"from-registry"})).Parse([]byte(`
store:
  type: redis
  redis:
    address: localhost:6379
    password: ${static:anything}
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Store.Redis.Password != "from-registry" {
		t.Errorf("password = %q", cfg.Store.Redis.Password)
	}
}

func TestFileProviderAllowedPrefixes(t *testing.T) {
	p := &FileProvider{AllowedPrefixes: []string{"/run/secrets/"}}
	if _, err := p.Resolve(context.Background(), "/etc/passwd"); err == nil {
		t.Error("expected path outside allowed prefixes to be rejected")
	}
	if _, err := p.Resolve(context.Background(), ""); err == nil {
		t.Error("expected empty path to be rejected")
	}
}

package config

import (
	"context"
	"fmt"
	"os"
	"reflect"
	"regexp"
	"strings"
)

// SecretProvider resolves secret references for a given scheme.
type SecretProvider interface {
	Scheme() string
	Resolve(ctx context.Context, reference string) (string, error)
}

// SecretRegistry manages named SecretProviders.
type SecretRegistry struct {
	providers map[string]SecretProvider
}

// NewSecretRegistry creates a registry with the given providers.
func NewSecretRegistry(providers ...SecretProvider) *SecretRegistry {
	r := &SecretRegistry{providers: make(map[string]SecretProvider, len(providers))}
	for _, p := range providers {
		r.Register(p)
	}
	return r
}

// DefaultSecretRegistry resolves ${env:NAME} and ${file:/path} references.
func DefaultSecretRegistry() *SecretRegistry {
	return NewSecretRegistry(&EnvProvider{}, &FileProvider{})
}

// Register adds a provider, replacing any existing provider for the same scheme.
func (r *SecretRegistry) Register(p SecretProvider) {
	r.providers[p.Scheme()] = p
}

// Resolve looks up the provider for scheme and delegates resolution.
func (r *SecretRegistry) Resolve(ctx context.Context, scheme, reference string) (string, error) {
	p, ok := r.providers[scheme]
	if !ok {
		return "", fmt.Errorf("unknown secret provider scheme %q", scheme)
	}
	return p.Resolve(ctx, reference)
}

// EnvProvider resolves secret references from environment variables.
type EnvProvider struct{}

func (p *EnvProvider) Scheme() string { return "env" }

func (p *EnvProvider) Resolve(_ context.Context, ref string) (string, error) {
	val, ok := os.LookupEnv(ref)
	if !ok {
		return "", fmt.Errorf("environment variable %q not set", ref)
	}
	return val, nil
}

// FileProvider resolves secret references by reading file contents.
type FileProvider struct {
	// AllowedPrefixes restricts readable paths. Empty allows any path.
	AllowedPrefixes []string
}

func (p *FileProvider) Scheme() string { return "file" }

func (p *FileProvider) Resolve(_ context.Context, ref string) (string, error) {
	if ref == "" {
		return "", fmt.Errorf("file path is empty")
	}
	if len(p.AllowedPrefixes) > 0 {
		allowed := false
		for _, prefix := range p.AllowedPrefixes {
			if strings.HasPrefix(ref, prefix) {
				allowed = true
				break
			}
		}
		if !allowed {
			return "", fmt.Errorf("file path %q not under any allowed prefix", ref)
		}
	}
	data, err := os.ReadFile(ref)
	if err != nil {
		return "", fmt.Errorf("reading secret file %q: %w", ref, err)
	}
	// Secret files usually end with a newline.
	return strings.TrimRight(string(data), " \t\r\n"), nil
}

// secretRefPattern matches a full-string reference: ${scheme:reference}
var secretRefPattern = regexp.MustCompile(`^\$\{([a-z][a-z0-9]*):(.+)\}$`)

// resolveSecretRefs walks cfg resolving ${scheme:ref} strings in place.
func resolveSecretRefs(ctx context.Context, cfg any, registry *SecretRegistry) error {
	var resolveErr error
	walkStructStrings(reflect.ValueOf(cfg), "", func(field reflect.Value, path string, _ reflect.StructTag) {
		if resolveErr != nil {
			return
		}
		m := secretRefPattern.FindStringSubmatch(field.String())
		if m == nil {
			return
		}
		resolved, err := registry.Resolve(ctx, m[1], m[2])
		if err != nil {
			resolveErr = fmt.Errorf("secret resolution failed for %s: %w", path, err)
			return
		}
		field.SetString(resolved)
	})
	return resolveErr
}

// walkStructStrings calls fn for every settable string field reachable
// through nested structs and pointers. path is the dotted field path.
func walkStructStrings(v reflect.Value, path string, fn func(field reflect.Value, path string, tag reflect.StructTag)) {
	switch v.Kind() {
	case reflect.Ptr:
		if v.IsNil() {
			return
		}
		walkStructStrings(v.Elem(), path, fn)

	case reflect.Struct:
		t := v.Type()
		for i := 0; i < t.NumField(); i++ {
			f := v.Field(i)
			sf := t.Field(i)
			if !f.CanSet() {
				continue
			}
			fieldPath := sf.Name
			if path != "" {
				fieldPath = path + "." + sf.Name
			}
			switch f.Kind() {
			case reflect.String:
				fn(f, fieldPath, sf.Tag)
			case reflect.Struct, reflect.Ptr:
				walkStructStrings(f, fieldPath, fn)
			}
		}
	}
}

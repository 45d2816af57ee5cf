package config

import (
	"fmt"
	"net/url"
	"reflect"

	"github.com/goccy/go-yaml"
)

// RedactedValue is the placeholder string used for redacted secrets.
const RedactedValue = "[REDACTED]"

// RedactConfig returns a deep copy of cfg with every string field tagged
// `redact:"true"` replaced by RedactedValue, and with URL userinfo
// passwords masked. cfg is not mutated.
func RedactConfig(cfg *Config) (*Config, error) {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("redact: marshal failed: %w", err)
	}
	cp := &Config{}
	if err := yaml.Unmarshal(data, cp); err != nil {
		return nil, fmt.Errorf("redact: unmarshal failed: %w", err)
	}

	walkStructStrings(reflect.ValueOf(cp), "", func(field reflect.Value, _ string, tag reflect.StructTag) {
		if field.String() == "" {
			return
		}
		switch tag.Get("redact") {
		case "true":
			field.SetString(RedactedValue)
		case "url":
			field.SetString(redactURL(field.String()))
		}
	})
	return cp, nil
}

func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	if _, ok := u.User.Password(); ok {
		u.User = url.UserPassword(u.User.Username(), RedactedValue)
	}
	return u.String()
}

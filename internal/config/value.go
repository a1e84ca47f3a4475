package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// NormalizeName is the canonical key for target server names.
// Lookups and writes go through it so "  Foo " and "foo" are the same server.
func NormalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

type envValueKind int

const (
	envLiteral envValueKind = iota
	envNull
	envFromEnv
)

// EnvValue is one environment entry of a stdio target server.
// It is a literal string, an explicit null (omitted from the child
// environment), or a reference to a host environment variable.
type EnvValue struct {
	kind    envValueKind
	literal string
	fromEnv string
}

// Literal creates a literal env value
func Literal(v string) EnvValue {
	return EnvValue{kind: envLiteral, literal: v}
}

// Null creates an env value that is dropped from the child environment
func Null() EnvValue {
	return EnvValue{kind: envNull}
}

// FromEnv creates a reference to a host environment variable
func FromEnv(name string) EnvValue {
	return EnvValue{kind: envFromEnv, fromEnv: name}
}

func (v EnvValue) IsNull() bool        { return v.kind == envNull }
func (v EnvValue) IsFromEnv() bool     { return v.kind == envFromEnv }
func (v EnvValue) FromEnvName() string { return v.fromEnv }

// Resolve returns the concrete value and whether it is present.
// An empty literal and an unset or empty host variable are both missing.
func (v EnvValue) Resolve(lookup func(string) (string, bool)) (string, bool) {
	switch v.kind {
	case envNull:
		return "", false
	case envFromEnv:
		val, ok := lookup(v.fromEnv)
		if !ok || val == "" {
			return "", false
		}
		return val, true
	default:
		return v.literal, v.literal != ""
	}
}

// UnmarshalJSON accepts "literal", null, {"fromEnv": "NAME"} and {"$env": "NAME"}
func (v *EnvValue) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if bytes.Equal(trimmed, []byte("null")) {
		*v = Null()
		return nil
	}

	var str string
	if err := json.Unmarshal(trimmed, &str); err == nil {
		*v = Literal(str)
		return nil
	}

	var ref map[string]string
	if err := json.Unmarshal(trimmed, &ref); err != nil {
		return fmt.Errorf("env value must be a string, null or a fromEnv reference")
	}
	if name, ok := ref["fromEnv"]; ok && name != "" {
		*v = FromEnv(name)
		return nil
	}
	if name, ok := ref["$env"]; ok && name != "" {
		*v = FromEnv(name)
		return nil
	}
	return fmt.Errorf("unknown env value reference: %s", string(trimmed))
}

// MarshalJSON writes the same shapes UnmarshalJSON reads
func (v EnvValue) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case envNull:
		return []byte("null"), nil
	case envFromEnv:
		return json.Marshal(map[string]string{"fromEnv": v.fromEnv})
	default:
		return json.Marshal(v.literal)
	}
}

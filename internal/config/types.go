package config

import (
	"fmt"
	"maps"
	"slices"
	"strings"
)

type TransportType string

const (
	TransportStdio      TransportType = "stdio"
	TransportSSE        TransportType = "sse"
	TransportStreamable TransportType = "streamable-http"
)

// TargetServer is the declarative identity of one backend.
// It is immutable once registered; replacing it means remove and add.
type TargetServer struct {
	Name string        `json:"name"`
	Type TransportType `json:"type"`
	Icon string        `json:"icon,omitempty"`

	// Stdio
	Command string              `json:"command,omitempty"`
	Args    []string            `json:"args,omitempty"`
	Env     map[string]EnvValue `json:"env,omitempty"`

	// SSE or Streamable HTTP
	URL     string            `json:"url,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

// IsRemote reports whether the server is reached over HTTP
func (s TargetServer) IsRemote() bool {
	return s.Type == TransportSSE || s.Type == TransportStreamable
}

// Clone returns a deep copy
func (s TargetServer) Clone() TargetServer {
	out := s
	out.Args = slices.Clone(s.Args)
	out.Env = maps.Clone(s.Env)
	out.Headers = maps.Clone(s.Headers)
	return out
}

// Validate checks the transport fields are consistent
func (s TargetServer) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return fmt.Errorf("name is required")
	}
	if strings.Contains(s.Name, ServiceDelimiter) {
		return fmt.Errorf("name %q must not contain %q", s.Name, ServiceDelimiter)
	}
	if NormalizeName(s.Name) == ReservedServiceName {
		return fmt.Errorf("name %q is reserved", s.Name)
	}
	switch s.Type {
	case TransportStdio:
		if s.Command == "" {
			return fmt.Errorf("command is required for stdio transport")
		}
	case TransportSSE, TransportStreamable:
		if s.URL == "" {
			return fmt.Errorf("url is required for %s transport", s.Type)
		}
	default:
		return fmt.Errorf("unknown transport type %q", s.Type)
	}
	return nil
}

// ServiceDelimiter separates the server name from the tool name in exposed tool names
const ServiceDelimiter = "__"

// ReservedServiceName prefixes the gateway's own tools
const ReservedServiceName = "mcpx"

// TargetServerPatch carries the fields of an update. Nil means unchanged.
type TargetServerPatch struct {
	Type    *TransportType      `json:"type,omitempty"`
	Icon    *string             `json:"icon,omitempty"`
	Command *string             `json:"command,omitempty"`
	Args    []string            `json:"args,omitempty"`
	Env     map[string]EnvValue `json:"env,omitempty"`
	URL     *string             `json:"url,omitempty"`
	Headers map[string]string   `json:"headers,omitempty"`
}

// Apply merges the patch over s field by field. Env entries merge by key,
// so a patch carrying only the missing keys keeps the others. The result
// shares no slices or maps with either input.
func (s TargetServer) Apply(p TargetServerPatch) TargetServer {
	out := s.Clone()
	if p.Type != nil {
		out.Type = *p.Type
	}
	if p.Icon != nil {
		out.Icon = *p.Icon
	}
	if p.Command != nil {
		out.Command = *p.Command
	}
	if p.Args != nil {
		out.Args = slices.Clone(p.Args)
	}
	if p.Env != nil {
		if out.Env == nil {
			out.Env = make(map[string]EnvValue, len(p.Env))
		}
		maps.Copy(out.Env, p.Env)
	}
	if p.URL != nil {
		out.URL = *p.URL
	}
	if p.Headers != nil {
		out.Headers = maps.Clone(p.Headers)
	}
	return out
}

// Helper functions for optional values
func BoolOrDefault(ptr *bool, defaultValue bool) bool {
	if ptr == nil {
		return defaultValue
	}
	return *ptr
}

func StringPtr(s string) *string {
	return &s
}

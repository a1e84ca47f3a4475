package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Duration reads "30s" style strings or a number of seconds
type Duration time.Duration

func (d Duration) Duration() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			if secs, convErr := strconv.ParseFloat(s, 64); convErr == nil {
				*d = Duration(secs * float64(time.Second))
				return nil
			}
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var secs float64
	if err := json.Unmarshal(data, &secs); err != nil {
		return fmt.Errorf("duration must be a string or a number of seconds")
	}
	*d = Duration(secs * float64(time.Second))
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

type TokenStorageKind string

const (
	TokenStorageMemory    TokenStorageKind = "memory"
	TokenStorageFile      TokenStorageKind = "file"
	TokenStorageRedis     TokenStorageKind = "redis"
	TokenStorageFirestore TokenStorageKind = "firestore"
)

// TokenStorageConfig selects where backend OAuth tokens are kept
type TokenStorageConfig struct {
	Kind       TokenStorageKind `json:"kind"`
	Dir        string           `json:"dir,omitempty"`
	RedisURL   string           `json:"redisUrl,omitempty"`
	ProjectID  string           `json:"projectId,omitempty"`
	Database   string           `json:"database,omitempty"`
	Collection string           `json:"collection,omitempty"`
	// Base64-encoded 32 byte key, required for firestore
	EncryptionKey string `json:"encryptionKey,omitempty"`
}

type HubConfig struct {
	URL               string   `json:"url"`
	APIKey            string   `json:"apiKey"`
	ReconnectInterval Duration `json:"reconnectInterval,omitempty"`
}

type AuditConfig struct {
	Path string `json:"path"`
}

// GatewayConfig is the process configuration read at startup
type GatewayConfig struct {
	Name           string   `json:"name"`
	Version        string   `json:"-"`
	Addr           string   `json:"addr"`
	AppConfigPath  string   `json:"appConfigPath,omitempty"`
	ServersPath    string   `json:"serversPath,omitempty"`
	ConnectTimeout Duration `json:"connectTimeout,omitempty"`
	PingInterval   Duration `json:"pingInterval,omitempty"`
	SessionTimeout Duration `json:"sessionTimeout,omitempty"`

	// MaxSessionsPerConsumer of zero means no limit
	MaxSessionsPerConsumer int `json:"maxSessionsPerConsumer,omitempty"`

	AdminTokens    []string           `json:"adminTokens,omitempty"`
	AllowedOrigins []string           `json:"allowedOrigins,omitempty"`
	Tokens         TokenStorageConfig `json:"tokens"`
	Hub            *HubConfig         `json:"hub,omitempty"`
	Audit          *AuditConfig       `json:"audit,omitempty"`
	Metrics        *bool              `json:"metrics,omitempty"`
}

// MetricsEnabled defaults to true
func (c *GatewayConfig) MetricsEnabled() bool {
	return BoolOrDefault(c.Metrics, true)
}

func (c *GatewayConfig) applyDefaults() {
	if c.Name == "" {
		c.Name = "mcp-gateway"
	}
	if c.Addr == "" {
		c.Addr = ":9000"
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = Duration(30 * time.Second)
	}
	if c.PingInterval == 0 {
		c.PingInterval = Duration(30 * time.Second)
	}
	if c.SessionTimeout == 0 {
		c.SessionTimeout = Duration(30 * time.Minute)
	}
	if c.Tokens.Kind == "" {
		c.Tokens.Kind = TokenStorageMemory
	}
	if c.Tokens.Kind == TokenStorageFirestore && c.Tokens.Collection == "" {
		c.Tokens.Collection = "mcp_gateway_backend_tokens"
	}
	if c.Hub != nil && c.Hub.ReconnectInterval == 0 {
		c.Hub.ReconnectInterval = Duration(5 * time.Second)
	}
}

// DefaultGatewayConfig is what the gateway runs with when no file is given
func DefaultGatewayConfig() *GatewayConfig {
	cfg := &GatewayConfig{}
	cfg.applyDefaults()
	return cfg
}

// Load reads the gateway config, resolving {"$env": "NAME", "default": ...}
// references anywhere in the document.
func Load(path string) (*GatewayConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data, os.LookupEnv)
}

// Parse is Load without the file read
func Parse(data []byte, lookup func(string) (string, bool)) (*GatewayConfig, error) {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing config JSON: %w", err)
	}

	resolved, err := resolveEnvRefs(raw, lookup)
	if err != nil {
		return nil, err
	}
	resolvedJSON, err := json.Marshal(resolved)
	if err != nil {
		return nil, err
	}

	cfg := &GatewayConfig{}
	if err := json.Unmarshal(resolvedJSON, cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	cfg.applyDefaults()

	if result := ValidateGateway(cfg); !result.IsValid() {
		return nil, fmt.Errorf("invalid config: %s", result.Error())
	}
	return cfg, nil
}

func resolveEnvRefs(value any, lookup func(string) (string, bool)) (any, error) {
	switch v := value.(type) {
	case map[string]any:
		if envName, ok := v["$env"].(string); ok {
			if envValue, ok := lookup(envName); ok && envValue != "" {
				return envValue, nil
			}
			if def, hasDefault := v["default"]; hasDefault {
				return def, nil
			}
			return nil, fmt.Errorf("required environment variable %s not set", envName)
		}
		out := make(map[string]any, len(v))
		for k, val := range v {
			resolved, err := resolveEnvRefs(val, lookup)
			if err != nil {
				return nil, fmt.Errorf("resolving %s: %w", k, err)
			}
			out[k] = resolved
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			resolved, err := resolveEnvRefs(item, lookup)
			if err != nil {
				return nil, fmt.Errorf("resolving index %d: %w", i, err)
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return value, nil
	}
}

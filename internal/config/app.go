package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
)

type Mode string

const (
	ModeAllow Mode = "allow"
	ModeBlock Mode = "block"
)

// ConsumerConfig is a permission rule: a default mode and the tool groups
// that are exceptions to it.
type ConsumerConfig struct {
	Mode             Mode
	Exceptions       []string
	ConsumerGroupKey string
}

// UnmarshalJSON reads {"block": [...]} as default-allow and {"allow": [...]}
// as default-block. "_type" settles objects carrying both or neither.
func (c *ConsumerConfig) UnmarshalJSON(data []byte) error {
	var raw struct {
		Type             string    `json:"_type"`
		Allow            *[]string `json:"allow"`
		Block            *[]string `json:"block"`
		ConsumerGroupKey string    `json:"consumerGroupKey"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	c.ConsumerGroupKey = raw.ConsumerGroupKey
	switch {
	case raw.Block != nil && raw.Allow == nil:
		c.Mode, c.Exceptions = ModeAllow, slices.Clone(*raw.Block)
	case raw.Allow != nil && raw.Block == nil:
		c.Mode, c.Exceptions = ModeBlock, slices.Clone(*raw.Allow)
	case raw.Type == "default-allow":
		c.Mode = ModeAllow
		if raw.Block != nil {
			c.Exceptions = slices.Clone(*raw.Block)
		}
	case raw.Type == "default-block":
		c.Mode = ModeBlock
		if raw.Allow != nil {
			c.Exceptions = slices.Clone(*raw.Allow)
		}
	default:
		return fmt.Errorf("consumer config must contain either `allow` or `block`")
	}
	if c.Exceptions == nil {
		c.Exceptions = []string{}
	}
	return nil
}

func (c ConsumerConfig) MarshalJSON() ([]byte, error) {
	exceptions := c.Exceptions
	if exceptions == nil {
		exceptions = []string{}
	}
	out := map[string]any{}
	if c.Mode == ModeAllow {
		out["block"] = exceptions
	} else {
		out["allow"] = exceptions
	}
	if c.ConsumerGroupKey != "" {
		out["consumerGroupKey"] = c.ConsumerGroupKey
	}
	return json.Marshal(out)
}

type Permissions struct {
	Default   ConsumerConfig            `json:"default"`
	Consumers map[string]ConsumerConfig `json:"consumers"`
}

// ToolSelection is the set of tools a group selects on one service:
// every tool ("*") or an explicit list.
type ToolSelection struct {
	All   bool
	Tools []string
}

func AllTools() ToolSelection { return ToolSelection{All: true} }

func SomeTools(names ...string) ToolSelection {
	return ToolSelection{Tools: slices.Clone(names)}
}

// Contains reports whether tool is selected
func (s ToolSelection) Contains(tool string) bool {
	return s.All || slices.Contains(s.Tools, tool)
}

func (s *ToolSelection) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		if str != "*" {
			return fmt.Errorf("tool selection must be \"*\" or a list, got %q", str)
		}
		*s = AllTools()
		return nil
	}
	var names []string
	if err := json.Unmarshal(data, &names); err != nil {
		return fmt.Errorf("tool selection must be \"*\" or a list: %w", err)
	}
	*s = ToolSelection{Tools: names}
	if s.Tools == nil {
		s.Tools = []string{}
	}
	return nil
}

func (s ToolSelection) MarshalJSON() ([]byte, error) {
	if s.All {
		return []byte(`"*"`), nil
	}
	if s.Tools == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(s.Tools)
}

// Tool group owners. Groups owned by anything other than a user are
// local-only and never synced to the control plane.
const (
	OwnerUser                = "user"
	OwnerDynamicCapabilities = "dynamic-capabilities"
)

type ToolGroup struct {
	Name     string                   `json:"name"`
	Services map[string]ToolSelection `json:"services"`
	Owner    string                   `json:"owner,omitempty"`
}

// IsUserOwned reports whether the group belongs to the user-managed config
func (g ToolGroup) IsUserOwned() bool {
	return g.Owner == "" || g.Owner == OwnerUser
}

type DescriptionAction string

const (
	DescriptionAppend  DescriptionAction = "append"
	DescriptionRewrite DescriptionAction = "rewrite"
)

type ExtensionDescription struct {
	Action DescriptionAction `json:"action"`
	Text   string            `json:"text"`
}

// ParamOverride overrides one input parameter of a child tool. A present
// Value (including an explicit null) is hardcoded into every call.
type ParamOverride struct {
	Value       json.RawMessage       `json:"value,omitempty"`
	Description *ExtensionDescription `json:"description,omitempty"`
}

// HasValue reports whether a fixed value was configured
func (p ParamOverride) HasValue() bool {
	return len(bytes.TrimSpace(p.Value)) > 0
}

// DecodedValue returns the fixed value as a generic JSON value
func (p ParamOverride) DecodedValue() (any, error) {
	if !p.HasValue() {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(p.Value, &v); err != nil {
		return nil, fmt.Errorf("decoding override value: %w", err)
	}
	return v, nil
}

// FixedValue builds an override hardcoding v
func FixedValue(v any) ParamOverride {
	raw, _ := json.Marshal(v)
	return ParamOverride{Value: raw}
}

type ChildTool struct {
	Name           string                   `json:"name"`
	Description    *ExtensionDescription    `json:"description,omitempty"`
	OverrideParams map[string]ParamOverride `json:"overrideParams"`
}

type ServiceToolExtension struct {
	ChildTools []ChildTool `json:"childTools"`
}

// ToolExtensions is keyed by service name, then by original tool name
type ToolExtensions struct {
	Services map[string]map[string]ServiceToolExtension `json:"services"`
}

// ForService returns the extensions of a service, matching the name normalized
func (t ToolExtensions) ForService(service string) map[string]ServiceToolExtension {
	want := NormalizeName(service)
	for name, ext := range t.Services {
		if NormalizeName(name) == want {
			return ext
		}
	}
	return nil
}

type AuthConfig struct {
	Enabled bool `json:"enabled"`
	// Header carrying the consumer API key when Enabled
	Header string `json:"header,omitempty"`
}

type AuthMethod string

const (
	AuthMethodDeviceFlow        AuthMethod = "device_flow"
	AuthMethodClientCredentials AuthMethod = "client_credentials"
)

type OAuthCredentials struct {
	ClientIDEnv     string `json:"clientIdEnv"`
	ClientSecretEnv string `json:"clientSecretEnv,omitempty"`
}

type OAuthEndpoints struct {
	DeviceAuthorizationURL string `json:"deviceAuthorizationUrl,omitempty"`
	TokenURL               string `json:"tokenUrl"`
	UserVerificationURL    string `json:"userVerificationUrl,omitempty"`
}

type StaticOAuthProvider struct {
	AuthMethod  AuthMethod       `json:"authMethod"`
	Credentials OAuthCredentials `json:"credentials"`
	Scopes      []string         `json:"scopes,omitempty"`
	Endpoints   OAuthEndpoints   `json:"endpoints"`
}

// StaticOAuth maps backend hostnames to preconfigured OAuth providers
type StaticOAuth struct {
	Mapping   map[string]string              `json:"mapping,omitempty"`
	Providers map[string]StaticOAuthProvider `json:"providers,omitempty"`
}

// ProviderForHost returns the provider configured for a hostname
func (s *StaticOAuth) ProviderForHost(host string) (string, StaticOAuthProvider, bool) {
	if s == nil {
		return "", StaticOAuthProvider{}, false
	}
	key, ok := s.Mapping[host]
	if !ok {
		return "", StaticOAuthProvider{}, false
	}
	p, ok := s.Providers[key]
	return key, p, ok
}

type TargetServerAttributes struct {
	Inactive bool `json:"inactive"`
}

// AppConfig is the runtime configuration owned by the gateway
type AppConfig struct {
	Permissions            Permissions                       `json:"permissions"`
	ToolGroups             []ToolGroup                       `json:"toolGroups"`
	Auth                   AuthConfig                        `json:"auth"`
	ToolExtensions         ToolExtensions                    `json:"toolExtensions"`
	StaticOAuth            *StaticOAuth                      `json:"staticOauth,omitempty"`
	TargetServerAttributes map[string]TargetServerAttributes `json:"targetServerAttributes,omitempty"`
}

// DefaultAppConfig allows everything and defines nothing
func DefaultAppConfig() *AppConfig {
	return &AppConfig{
		Permissions: Permissions{
			Default:   ConsumerConfig{Mode: ModeAllow, Exceptions: []string{}},
			Consumers: map[string]ConsumerConfig{},
		},
		ToolGroups:     []ToolGroup{},
		ToolExtensions: ToolExtensions{Services: map[string]map[string]ServiceToolExtension{}},
	}
}

// Clone deep-copies the config through its JSON form
func (c *AppConfig) Clone() *AppConfig {
	data, err := json.Marshal(c)
	if err != nil {
		panic(fmt.Sprintf("app config is not serializable: %v", err))
	}
	out := &AppConfig{}
	if err := json.Unmarshal(data, out); err != nil {
		panic(fmt.Sprintf("app config does not round-trip: %v", err))
	}
	out.fillDefaults()
	return out
}

func (c *AppConfig) fillDefaults() {
	if c.Permissions.Consumers == nil {
		c.Permissions.Consumers = map[string]ConsumerConfig{}
	}
	if c.Permissions.Default.Mode == "" {
		c.Permissions.Default = ConsumerConfig{Mode: ModeAllow, Exceptions: []string{}}
	}
	if c.ToolGroups == nil {
		c.ToolGroups = []ToolGroup{}
	}
	if c.ToolExtensions.Services == nil {
		c.ToolExtensions.Services = map[string]map[string]ServiceToolExtension{}
	}
}

// ToolGroup returns the named group
func (c *AppConfig) ToolGroup(name string) (ToolGroup, bool) {
	for _, g := range c.ToolGroups {
		if g.Name == name {
			return g, true
		}
	}
	return ToolGroup{}, false
}

// IsInactive reports whether an admin deactivated the target server
func (c *AppConfig) IsInactive(server string) bool {
	want := NormalizeName(server)
	for name, attrs := range c.TargetServerAttributes {
		if NormalizeName(name) == want {
			return attrs.Inactive
		}
	}
	return false
}

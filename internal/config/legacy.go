package config

import (
	"encoding/json"
	"fmt"
	"slices"

	"gopkg.in/yaml.v3"
)

// Legacy permission format: a base mode plus allow/block profiles per consumer.

type LegacyProfiles struct {
	Allow []string `json:"allow,omitempty"`
	Block []string `json:"block,omitempty"`
}

type LegacyConsumer struct {
	Base             Mode           `json:"base"`
	Profiles         LegacyProfiles `json:"profiles"`
	ConsumerGroupKey string         `json:"consumerGroupKey"`
}

type LegacyPermissions struct {
	Base      Mode                      `json:"base"`
	Consumers map[string]LegacyConsumer `json:"consumers"`
}

// LegacyChildTool hardcodes parameters as name -> value
type LegacyChildTool struct {
	Name           string                     `json:"name"`
	Description    *ExtensionDescription      `json:"description,omitempty"`
	OverrideParams map[string]json.RawMessage `json:"overrideParams"`
}

type LegacyServiceToolExtension struct {
	ChildTools []LegacyChildTool `json:"childTools"`
}

type LegacyToolExtensions struct {
	Services map[string]map[string]LegacyServiceToolExtension `json:"services"`
}

// LegacyAppConfig is the on-disk shape written by older gateways
type LegacyAppConfig struct {
	Permissions            LegacyPermissions                 `json:"permissions"`
	ToolGroups             []ToolGroup                       `json:"toolGroups"`
	Auth                   AuthConfig                        `json:"auth"`
	ToolExtensions         LegacyToolExtensions              `json:"toolExtensions"`
	StaticOAuth            *StaticOAuth                      `json:"staticOauth,omitempty"`
	TargetServerAttributes map[string]TargetServerAttributes `json:"targetServerAttributes,omitempty"`
}

// ConvertFromLegacy converts base+profiles into default+allow/block.
// The legacy default consumer has no profiles, so its exceptions are empty.
func ConvertFromLegacy(legacy *LegacyAppConfig) *AppConfig {
	out := &AppConfig{
		ToolGroups:             legacy.ToolGroups,
		Auth:                   legacy.Auth,
		StaticOAuth:            legacy.StaticOAuth,
		TargetServerAttributes: legacy.TargetServerAttributes,
	}

	out.Permissions.Default = ConsumerConfig{Mode: legacyMode(legacy.Permissions.Base), Exceptions: []string{}}
	out.Permissions.Consumers = make(map[string]ConsumerConfig, len(legacy.Permissions.Consumers))
	for name, c := range legacy.Permissions.Consumers {
		cc := ConsumerConfig{Mode: legacyMode(c.Base), ConsumerGroupKey: c.ConsumerGroupKey}
		if cc.Mode == ModeAllow {
			cc.Exceptions = slices.Clone(c.Profiles.Block)
		} else {
			cc.Exceptions = slices.Clone(c.Profiles.Allow)
		}
		if cc.Exceptions == nil {
			cc.Exceptions = []string{}
		}
		out.Permissions.Consumers[name] = cc
	}

	out.ToolExtensions.Services = make(map[string]map[string]ServiceToolExtension, len(legacy.ToolExtensions.Services))
	for service, tools := range legacy.ToolExtensions.Services {
		converted := make(map[string]ServiceToolExtension, len(tools))
		for tool, ext := range tools {
			children := make([]ChildTool, 0, len(ext.ChildTools))
			for _, child := range ext.ChildTools {
				params := make(map[string]ParamOverride, len(child.OverrideParams))
				for param, value := range child.OverrideParams {
					params[param] = ParamOverride{Value: slices.Clone(value)}
				}
				children = append(children, ChildTool{
					Name:           child.Name,
					Description:    child.Description,
					OverrideParams: params,
				})
			}
			converted[tool] = ServiceToolExtension{ChildTools: children}
		}
		out.ToolExtensions.Services[service] = converted
	}

	out.fillDefaults()
	return out
}

// ConvertToLegacy is the inverse of ConvertFromLegacy. The default rule's
// exceptions and parameter description overrides have no legacy form and
// are dropped; overrides without a value are omitted.
func ConvertToLegacy(cfg *AppConfig) *LegacyAppConfig {
	out := &LegacyAppConfig{
		ToolGroups:             cfg.ToolGroups,
		Auth:                   cfg.Auth,
		StaticOAuth:            cfg.StaticOAuth,
		TargetServerAttributes: cfg.TargetServerAttributes,
	}
	out.Permissions.Base = cfg.Permissions.Default.Mode
	out.Permissions.Consumers = make(map[string]LegacyConsumer, len(cfg.Permissions.Consumers))
	for name, c := range cfg.Permissions.Consumers {
		lc := LegacyConsumer{Base: c.Mode, ConsumerGroupKey: c.ConsumerGroupKey}
		if c.Mode == ModeAllow {
			lc.Profiles.Block = slices.Clone(c.Exceptions)
		} else {
			lc.Profiles.Allow = slices.Clone(c.Exceptions)
		}
		out.Permissions.Consumers[name] = lc
	}

	out.ToolExtensions.Services = make(map[string]map[string]LegacyServiceToolExtension, len(cfg.ToolExtensions.Services))
	for service, tools := range cfg.ToolExtensions.Services {
		converted := make(map[string]LegacyServiceToolExtension, len(tools))
		for tool, ext := range tools {
			children := make([]LegacyChildTool, 0, len(ext.ChildTools))
			for _, child := range ext.ChildTools {
				params := make(map[string]json.RawMessage, len(child.OverrideParams))
				for param, override := range child.OverrideParams {
					if override.HasValue() {
						params[param] = slices.Clone(override.Value)
					}
				}
				children = append(children, LegacyChildTool{
					Name:           child.Name,
					Description:    child.Description,
					OverrideParams: params,
				})
			}
			converted[tool] = LegacyServiceToolExtension{ChildTools: children}
		}
		out.ToolExtensions.Services[service] = converted
	}
	return out
}

func legacyMode(m Mode) Mode {
	if m == ModeBlock {
		return ModeBlock
	}
	return ModeAllow
}

// ParseAppConfig reads an app config document in YAML or JSON, in either
// the legacy or the current permission format.
func ParseAppConfig(data []byte) (*AppConfig, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing app config: %w", err)
	}
	if doc == nil {
		return DefaultAppConfig(), nil
	}

	asJSON, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("app config is not representable as JSON: %w", err)
	}
	return ParseAppConfigJSON(asJSON)
}

// ParseAppConfigJSON is ParseAppConfig for JSON payloads
func ParseAppConfigJSON(data []byte) (*AppConfig, error) {
	var probe struct {
		Permissions map[string]json.RawMessage `json:"permissions"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("parsing app config: %w", err)
	}

	if _, isLegacy := probe.Permissions["base"]; isLegacy {
		var legacy LegacyAppConfig
		if err := json.Unmarshal(data, &legacy); err != nil {
			return nil, fmt.Errorf("parsing legacy app config: %w", err)
		}
		return ConvertFromLegacy(&legacy), nil
	}

	cfg := &AppConfig{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing app config: %w", err)
	}
	cfg.fillDefaults()
	return cfg, nil
}

// MarshalAppConfigYAML renders the config in the current format as YAML
func MarshalAppConfigYAML(cfg *AppConfig) ([]byte, error) {
	asJSON, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var doc any
	if err := json.Unmarshal(asJSON, &doc); err != nil {
		return nil, err
	}
	return yaml.Marshal(doc)
}

package config

import (
	"fmt"
	"net/url"
	"strings"
)

// ValidationResult holds validation errors and warnings
type ValidationResult struct {
	Errors   []ValidationError
	Warnings []ValidationError
}

// ValidationError represents a validation issue
type ValidationError struct {
	Path    string
	Message string
}

// IsValid returns true if there are no errors
func (v *ValidationResult) IsValid() bool {
	return len(v.Errors) == 0
}

func (v *ValidationResult) errorf(path, format string, args ...any) {
	v.Errors = append(v.Errors, ValidationError{Path: path, Message: fmt.Sprintf(format, args...)})
}

func (v *ValidationResult) warnf(path, format string, args ...any) {
	v.Warnings = append(v.Warnings, ValidationError{Path: path, Message: fmt.Sprintf(format, args...)})
}

// ValidateApp checks an app config. References to unknown tool groups are
// warnings only: the policy engine treats them as empty groups.
func ValidateApp(cfg *AppConfig) *ValidationResult {
	result := &ValidationResult{}

	groups := make(map[string]bool, len(cfg.ToolGroups))
	for i, g := range cfg.ToolGroups {
		path := fmt.Sprintf("toolGroups[%d]", i)
		if strings.TrimSpace(g.Name) == "" {
			result.errorf(path+".name", "tool group name is required")
			continue
		}
		if groups[g.Name] {
			result.errorf(path+".name", "duplicate tool group %q", g.Name)
		}
		groups[g.Name] = true
	}

	validateRule(result, "permissions.default", cfg.Permissions.Default, groups)
	for name, c := range cfg.Permissions.Consumers {
		path := fmt.Sprintf("permissions.consumers.%s", name)
		if strings.TrimSpace(name) == "" {
			result.errorf(path, "consumer tag is required")
		}
		validateRule(result, path, c, groups)
	}

	for service, tools := range cfg.ToolExtensions.Services {
		for tool, ext := range tools {
			seen := make(map[string]bool, len(ext.ChildTools))
			for i, child := range ext.ChildTools {
				path := fmt.Sprintf("toolExtensions.services.%s.%s.childTools[%d]", service, tool, i)
				if strings.TrimSpace(child.Name) == "" {
					result.errorf(path+".name", "child tool name is required")
				} else if seen[child.Name] {
					result.errorf(path+".name", "duplicate child tool %q", child.Name)
				}
				seen[child.Name] = true
				validateDescription(result, path+".description", child.Description)
				for param, override := range child.OverrideParams {
					validateDescription(result, path+".overrideParams."+param+".description", override.Description)
				}
			}
		}
	}

	if cfg.StaticOAuth != nil {
		for host, key := range cfg.StaticOAuth.Mapping {
			if _, ok := cfg.StaticOAuth.Providers[key]; !ok {
				result.errorf("staticOauth.mapping."+host, "unknown provider %q", key)
			}
		}
		for key, p := range cfg.StaticOAuth.Providers {
			path := "staticOauth.providers." + key
			switch p.AuthMethod {
			case AuthMethodDeviceFlow:
				if p.Endpoints.DeviceAuthorizationURL == "" {
					result.errorf(path+".endpoints.deviceAuthorizationUrl", "required for device_flow")
				}
			case AuthMethodClientCredentials:
				if p.Credentials.ClientSecretEnv == "" {
					result.errorf(path+".credentials.clientSecretEnv", "required for client_credentials")
				}
			default:
				result.errorf(path+".authMethod", "unknown auth method %q", p.AuthMethod)
			}
			if p.Endpoints.TokenURL == "" {
				result.errorf(path+".endpoints.tokenUrl", "token url is required")
			} else if _, err := url.ParseRequestURI(p.Endpoints.TokenURL); err != nil {
				result.errorf(path+".endpoints.tokenUrl", "invalid url: %v", err)
			}
			if p.Credentials.ClientIDEnv == "" {
				result.errorf(path+".credentials.clientIdEnv", "client id env is required")
			}
		}
	}

	return result
}

func validateRule(result *ValidationResult, path string, c ConsumerConfig, groups map[string]bool) {
	if c.Mode != ModeAllow && c.Mode != ModeBlock {
		result.errorf(path, "unknown mode %q", c.Mode)
	}
	for _, g := range c.Exceptions {
		if !groups[g] {
			result.warnf(path, "references unknown tool group %q", g)
		}
	}
}

func validateDescription(result *ValidationResult, path string, d *ExtensionDescription) {
	if d == nil {
		return
	}
	if d.Action != DescriptionAppend && d.Action != DescriptionRewrite {
		result.errorf(path+".action", "must be append or rewrite, got %q", d.Action)
	}
}

// ValidateGateway checks the process configuration
func ValidateGateway(cfg *GatewayConfig) *ValidationResult {
	result := &ValidationResult{}

	if cfg.Addr == "" {
		result.errorf("addr", "listen address is required")
	}
	if cfg.ConnectTimeout.Duration() <= 0 {
		result.errorf("connectTimeout", "must be positive")
	}

	switch cfg.Tokens.Kind {
	case TokenStorageMemory:
	case TokenStorageFile:
		if cfg.Tokens.Dir == "" {
			result.errorf("tokens.dir", "required for file token storage")
		}
	case TokenStorageRedis:
		if cfg.Tokens.RedisURL == "" {
			result.errorf("tokens.redisUrl", "required for redis token storage")
		}
	case TokenStorageFirestore:
		if cfg.Tokens.ProjectID == "" {
			result.errorf("tokens.projectId", "required for firestore token storage")
		}
		if len(cfg.Tokens.EncryptionKey) == 0 {
			result.errorf("tokens.encryptionKey", "required for firestore token storage")
		}
	default:
		result.errorf("tokens.kind", "unknown token storage %q", cfg.Tokens.Kind)
	}

	if cfg.Hub != nil {
		u, err := url.Parse(cfg.Hub.URL)
		if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
			result.errorf("hub.url", "must be a ws:// or wss:// url")
		}
	}

	if len(cfg.AdminTokens) == 0 {
		result.warnf("adminTokens", "admin API is unauthenticated")
	}
	return result
}

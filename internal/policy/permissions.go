package policy

import (
	"fmt"
	"slices"
	"sync"

	"github.com/dgellow/mcp-gateway/internal"
	"github.com/dgellow/mcp-gateway/internal/config"
	"github.com/dgellow/mcp-gateway/internal/errs"
)

// state is an immutable, pre-indexed view of the permission config
type state struct {
	permissions config.Permissions
	// group name -> normalized service -> selection
	groups map[string]map[string]config.ToolSelection
}

func newState(cfg *config.AppConfig) *state {
	s := &state{
		permissions: cfg.Permissions,
		groups:      make(map[string]map[string]config.ToolSelection, len(cfg.ToolGroups)),
	}
	for _, g := range cfg.ToolGroups {
		services := make(map[string]config.ToolSelection, len(g.Services))
		for svc, sel := range g.Services {
			services[config.NormalizeName(svc)] = sel
		}
		s.groups[g.Name] = services
	}
	return s
}

// PermissionManager decides whether a consumer may see or call a tool.
// It takes part in config updates as a config.Consumer.
type PermissionManager struct {
	mu       sync.RWMutex
	current  *state
	prepared *state
}

func NewPermissionManager() *PermissionManager {
	return &PermissionManager{}
}

func (m *PermissionManager) Name() string { return "permissions" }

// PrepareConfig indexes the next config without making it visible
func (m *PermissionManager) PrepareConfig(cfg *config.AppConfig) error {
	for tag, rule := range cfg.Permissions.Consumers {
		if rule.Mode != config.ModeAllow && rule.Mode != config.ModeBlock {
			return errs.Validation("consumer %q has invalid mode %q", tag, rule.Mode)
		}
	}
	next := newState(cfg)
	m.mu.Lock()
	m.prepared = next
	m.mu.Unlock()
	return nil
}

func (m *PermissionManager) CommitConfig() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.prepared == nil {
		return fmt.Errorf("%w: no prepared permissions to commit", errs.ErrInitialization)
	}
	m.current = m.prepared
	m.prepared = nil
	return nil
}

func (m *PermissionManager) RollbackConfig() {
	m.mu.Lock()
	m.prepared = nil
	m.mu.Unlock()
}

// HasPermission reports whether consumerTag may use tool on service. An
// empty consumerTag, or one without an explicit entry, gets the default rule.
func (m *PermissionManager) HasPermission(service, tool, consumerTag string) (bool, error) {
	m.mu.RLock()
	s := m.current
	m.mu.RUnlock()
	if s == nil {
		return false, fmt.Errorf("%w: permission manager used before configuration", errs.ErrInitialization)
	}

	rule := s.permissions.Default
	if consumerTag != "" {
		if consumer, ok := s.permissions.Consumers[consumerTag]; ok {
			rule = consumer
		}
	}

	inException := s.inAnyGroup(rule.Exceptions, config.NormalizeName(service), tool)
	allowed := rule.Mode == config.ModeAllow
	if inException {
		allowed = !allowed
	}

	internal.LogTraceWithFields("policy", "permission evaluated", map[string]interface{}{
		"service":  service,
		"tool":     tool,
		"consumer": consumerTag,
		"mode":     rule.Mode,
		"allowed":  allowed,
	})
	return allowed, nil
}

// ConsumerRule returns the rule that applies to consumerTag and whether it
// is an explicit entry
func (m *PermissionManager) ConsumerRule(consumerTag string) (config.ConsumerConfig, bool, error) {
	m.mu.RLock()
	s := m.current
	m.mu.RUnlock()
	if s == nil {
		return config.ConsumerConfig{}, false, fmt.Errorf("%w: permission manager used before configuration", errs.ErrInitialization)
	}
	if consumer, ok := s.permissions.Consumers[consumerTag]; ok && consumerTag != "" {
		return consumer, true, nil
	}
	return s.permissions.Default, false, nil
}

func (s *state) inAnyGroup(groups []string, service, tool string) bool {
	return slices.ContainsFunc(groups, func(name string) bool {
		services, ok := s.groups[name]
		if !ok {
			return false
		}
		sel, ok := services[service]
		return ok && sel.Contains(tool)
	})
}

package config

import (
	"slices"

	"github.com/dgellow/mcp-gateway/internal/errs"
)

// Administrative mutations. Each is one Update, so consumers see either the
// whole change or none of it.

func (s *Store) AddToolGroup(group ToolGroup) error {
	return s.Update(func(cfg *AppConfig) error {
		if _, exists := cfg.ToolGroup(group.Name); exists {
			return errs.AlreadyExists("tool group %q", group.Name)
		}
		cfg.ToolGroups = append(cfg.ToolGroups, group)
		return nil
	})
}

func (s *Store) UpdateToolGroup(name string, group ToolGroup) error {
	return s.Update(func(cfg *AppConfig) error {
		i := slices.IndexFunc(cfg.ToolGroups, func(g ToolGroup) bool { return g.Name == name })
		if i < 0 {
			return errs.NotFound("tool group %q", name)
		}
		if group.Name == "" {
			group.Name = name
		}
		if group.Owner == "" {
			group.Owner = cfg.ToolGroups[i].Owner
		}
		cfg.ToolGroups[i] = group
		return nil
	})
}

func (s *Store) DeleteToolGroup(name string) error {
	return s.Update(func(cfg *AppConfig) error {
		i := slices.IndexFunc(cfg.ToolGroups, func(g ToolGroup) bool { return g.Name == name })
		if i < 0 {
			return errs.NotFound("tool group %q", name)
		}
		cfg.ToolGroups = slices.Delete(cfg.ToolGroups, i, i+1)
		return nil
	})
}

// PermissionConsumer returns the explicit rule of a consumer, if any
func (s *Store) PermissionConsumer(name string) (ConsumerConfig, bool) {
	cfg := s.Get()
	c, ok := cfg.Permissions.Consumers[name]
	return c, ok
}

func (s *Store) AddPermissionConsumer(name string, rule ConsumerConfig) error {
	return s.Update(func(cfg *AppConfig) error {
		if _, exists := cfg.Permissions.Consumers[name]; exists {
			return errs.AlreadyExists("permission consumer %q", name)
		}
		cfg.Permissions.Consumers[name] = rule
		return nil
	})
}

func (s *Store) UpdatePermissionConsumer(name string, rule ConsumerConfig) error {
	return s.Update(func(cfg *AppConfig) error {
		if _, exists := cfg.Permissions.Consumers[name]; !exists {
			return errs.NotFound("permission consumer %q", name)
		}
		cfg.Permissions.Consumers[name] = rule
		return nil
	})
}

func (s *Store) DeletePermissionConsumer(name string) error {
	return s.Update(func(cfg *AppConfig) error {
		if _, exists := cfg.Permissions.Consumers[name]; !exists {
			return errs.NotFound("permission consumer %q", name)
		}
		delete(cfg.Permissions.Consumers, name)
		return nil
	})
}

func (s *Store) SetDefaultPermission(rule ConsumerConfig) error {
	return s.Update(func(cfg *AppConfig) error {
		cfg.Permissions.Default = rule
		return nil
	})
}

func (s *Store) AddToolExtension(service, tool string, child ChildTool) error {
	return s.Update(func(cfg *AppConfig) error {
		tools := cfg.ToolExtensions.Services[service]
		if tools == nil {
			tools = make(map[string]ServiceToolExtension)
			cfg.ToolExtensions.Services[service] = tools
		}
		ext := tools[tool]
		if slices.ContainsFunc(ext.ChildTools, func(c ChildTool) bool { return c.Name == child.Name }) {
			return errs.AlreadyExists("child tool %q of %s/%s", child.Name, service, tool)
		}
		ext.ChildTools = append(ext.ChildTools, child)
		tools[tool] = ext
		return nil
	})
}

func (s *Store) UpdateToolExtension(service, tool, childName string, child ChildTool) error {
	return s.Update(func(cfg *AppConfig) error {
		ext, ok := cfg.ToolExtensions.Services[service][tool]
		i := slices.IndexFunc(ext.ChildTools, func(c ChildTool) bool { return c.Name == childName })
		if !ok || i < 0 {
			return errs.NotFound("child tool %q of %s/%s", childName, service, tool)
		}
		if child.Name == "" {
			child.Name = childName
		}
		ext.ChildTools[i] = child
		cfg.ToolExtensions.Services[service][tool] = ext
		return nil
	})
}

func (s *Store) DeleteToolExtension(service, tool, childName string) error {
	return s.Update(func(cfg *AppConfig) error {
		ext, ok := cfg.ToolExtensions.Services[service][tool]
		i := slices.IndexFunc(ext.ChildTools, func(c ChildTool) bool { return c.Name == childName })
		if !ok || i < 0 {
			return errs.NotFound("child tool %q of %s/%s", childName, service, tool)
		}
		ext.ChildTools = slices.Delete(ext.ChildTools, i, i+1)
		if len(ext.ChildTools) == 0 {
			delete(cfg.ToolExtensions.Services[service], tool)
			if len(cfg.ToolExtensions.Services[service]) == 0 {
				delete(cfg.ToolExtensions.Services, service)
			}
		} else {
			cfg.ToolExtensions.Services[service][tool] = ext
		}
		return nil
	})
}

// SetTargetServerActive records the admin activation attribute of a server
func (s *Store) SetTargetServerActive(name string, active bool) error {
	return s.Update(func(cfg *AppConfig) error {
		key := NormalizeName(name)
		if cfg.TargetServerAttributes == nil {
			cfg.TargetServerAttributes = make(map[string]TargetServerAttributes)
		}
		for existing := range cfg.TargetServerAttributes {
			if NormalizeName(existing) == key && existing != key {
				delete(cfg.TargetServerAttributes, existing)
			}
		}
		if active {
			delete(cfg.TargetServerAttributes, key)
		} else {
			cfg.TargetServerAttributes[key] = TargetServerAttributes{Inactive: true}
		}
		return nil
	})
}

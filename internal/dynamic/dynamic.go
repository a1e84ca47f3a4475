// Package dynamic implements dynamic capabilities mode: a consumer starts
// with only the discovery tools and unlocks backend tools by stating an
// intent. The unlocked set lives in a tool group owned by the gateway.
package dynamic

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/dgellow/mcp-gateway/internal"
	"github.com/dgellow/mcp-gateway/internal/config"
	"github.com/dgellow/mcp-gateway/internal/errs"
	"github.com/dgellow/mcp-gateway/internal/targets"
	"github.com/mark3labs/mcp-go/mcp"
)

// ServiceName prefixes the internal tools, as a backend name would
const ServiceName = config.ReservedServiceName

const (
	ToolGetNewCapabilities = "get_new_capabilities"
	ToolClearTools         = "clear_tools"
)

const groupPrefix = "dynamic-capabilities-"

const getNewCapabilitiesDescription = "IMPORTANT: Call this tool FIRST to unlock tools for your task. " +
	"Without calling this, you won't have access to any other tools. " +
	"Formalize the request from the user into a clear intent statement describing the task to accomplish. " +
	"Based on the intent, relevant tools are unlocked and your tool list is refreshed."

const clearToolsDescription = "Use this tool when you've completed a task and no longer need the specialized tools. " +
	"No parameters required. Removes all dynamically added tools while keeping the discovery tools."

// Backends lists the connected target servers
type Backends interface {
	Connected() []targets.ConnectedServer
}

type Service struct {
	store    *config.Store
	backends Backends
	scorer   Scorer
}

func NewService(store *config.Store, backends Backends, scorer Scorer) *Service {
	if scorer == nil {
		scorer = NewKeywordScorer(0)
	}
	return &Service{store: store, backends: backends, scorer: scorer}
}

// GroupName returns the tool group owned for consumerTag
func GroupName(consumerTag string) string {
	return groupPrefix + consumerTag
}

// Initialize removes owned groups persisted by a previous run. They only
// make sense for the sessions that created them.
func (s *Service) Initialize() {
	for _, g := range s.store.Get().ToolGroups {
		if g.Owner != config.OwnerDynamicCapabilities {
			continue
		}
		if err := s.store.DeleteToolGroup(g.Name); err != nil {
			internal.LogWarnWithFields("dynamic", "Failed to clean up stale dynamic-capabilities group", map[string]interface{}{
				"group": g.Name,
				"error": err.Error(),
			})
			continue
		}
		internal.LogInfoWithFields("dynamic", "Cleaned up stale dynamic-capabilities group", map[string]interface{}{
			"group": g.Name,
		})
	}
}

// Enable turns dynamic mode on for consumerTag: the consumer is blocked by
// default except for its owned group, which starts with the internal tools.
func (s *Service) Enable(consumerTag string) error {
	if strings.TrimSpace(consumerTag) == "" {
		return errs.Validation("consumer tag is required")
	}
	name := GroupName(consumerTag)
	group := internalOnlyGroup(name)

	err := s.store.AddToolGroup(group)
	if errors.Is(err, errs.ErrAlreadyExists) {
		internal.LogDebugWithFields("dynamic", "Dynamic group already exists, resetting", map[string]interface{}{
			"consumer": consumerTag,
			"group":    name,
		})
		err = s.store.UpdateToolGroup(name, group)
	}
	if err != nil {
		return fmt.Errorf("creating dynamic group: %w", err)
	}

	rule := config.ConsumerConfig{Mode: config.ModeBlock, Exceptions: []string{name}}
	if _, exists := s.store.PermissionConsumer(consumerTag); exists {
		err = s.store.UpdatePermissionConsumer(consumerTag, rule)
	} else {
		err = s.store.AddPermissionConsumer(consumerTag, rule)
	}
	if err != nil {
		return fmt.Errorf("assigning dynamic group: %w", err)
	}

	internal.LogInfoWithFields("dynamic", "Enabled dynamic capabilities", map[string]interface{}{
		"consumer": consumerTag,
		"group":    name,
	})
	return nil
}

// Disable deletes the consumer's permission entry and its owned group. The
// consumer falls back to the default rule, not to whatever it had before
// Enable.
func (s *Service) Disable(consumerTag string) error {
	if err := s.store.DeletePermissionConsumer(consumerTag); err != nil && !errors.Is(err, errs.ErrNotFound) {
		return fmt.Errorf("removing consumer permissions: %w", err)
	}
	if err := s.store.DeleteToolGroup(GroupName(consumerTag)); err != nil && !errors.Is(err, errs.ErrNotFound) {
		return fmt.Errorf("removing dynamic group: %w", err)
	}
	internal.LogInfoWithFields("dynamic", "Disabled dynamic capabilities", map[string]interface{}{
		"consumer": consumerTag,
	})
	return nil
}

// IsEnabled reports whether consumerTag is in dynamic mode
func (s *Service) IsEnabled(consumerTag string) bool {
	if consumerTag == "" {
		return false
	}
	_, ok := s.store.Get().ToolGroup(GroupName(consumerTag))
	return ok
}

// IsInternalTool reports whether tool (without service prefix) is handled here
func IsInternalTool(tool string) bool {
	return tool == ToolGetNewCapabilities || tool == ToolClearTools
}

// Tools returns the internal tools, named with the service prefix
func (s *Service) Tools() []mcp.Tool {
	var servers []string
	for _, c := range s.backends.Connected() {
		servers = append(servers, c.Name)
	}
	description := getNewCapabilitiesDescription
	if len(servers) > 0 {
		description += " Available servers: " + strings.Join(servers, ", ") + "."
	}

	return []mcp.Tool{
		{
			Name:        ServiceName + config.ServiceDelimiter + ToolGetNewCapabilities,
			Description: description,
			InputSchema: mcp.ToolInputSchema{
				Type: "object",
				Properties: map[string]any{
					"intent": map[string]any{
						"type":        "string",
						"description": "Describe the task you want to accomplish.",
					},
				},
				Required: []string{"intent"},
			},
		},
		{
			Name:        ServiceName + config.ServiceDelimiter + ToolClearTools,
			Description: clearToolsDescription,
			InputSchema: mcp.ToolInputSchema{Type: "object", Properties: map[string]any{}},
		},
	}
}

// HandleToolCall runs an internal tool for consumerTag
func (s *Service) HandleToolCall(ctx context.Context, consumerTag, tool string, args map[string]any) (*mcp.CallToolResult, error) {
	switch tool {
	case ToolGetNewCapabilities:
		return s.getNewCapabilities(ctx, consumerTag, args)
	case ToolClearTools:
		return s.clearTools(consumerTag)
	default:
		return nil, errs.NotFound("internal tool %s", tool)
	}
}

func (s *Service) getNewCapabilities(ctx context.Context, consumerTag string, args map[string]any) (*mcp.CallToolResult, error) {
	intent, _ := args["intent"].(string)
	if strings.TrimSpace(intent) == "" {
		return mcp.NewToolResultError("Error: intent parameter is required and must be a non-empty string."), nil
	}

	matched, err := s.scorer.Match(ctx, intent, s.availableTools(ctx))
	if err != nil {
		return nil, fmt.Errorf("matching tools for intent: %w", err)
	}

	name := GroupName(consumerTag)
	if err := s.store.UpdateToolGroup(name, groupWithTools(name, matched)); err != nil {
		return nil, fmt.Errorf("updating dynamic group: %w", err)
	}

	names := make([]string, 0, len(matched))
	for _, c := range matched {
		names = append(names, c.Service+config.ServiceDelimiter+c.Tool)
	}
	internal.LogInfoWithFields("dynamic", "Added tools for consumer", map[string]interface{}{
		"consumer": consumerTag,
		"intent":   intent,
		"tools":    names,
	})
	return mcp.NewToolResultText(fmt.Sprintf("%d tools are now ready to use: %s", len(matched), strings.Join(names, ", "))), nil
}

func (s *Service) clearTools(consumerTag string) (*mcp.CallToolResult, error) {
	name := GroupName(consumerTag)
	if err := s.store.UpdateToolGroup(name, internalOnlyGroup(name)); err != nil {
		return nil, fmt.Errorf("clearing dynamic group: %w", err)
	}
	internal.LogInfoWithFields("dynamic", "Cleared tools for consumer", map[string]interface{}{
		"consumer": consumerTag,
	})
	return mcp.NewToolResultText("Tools cleared."), nil
}

// availableTools lists the tools of every active connected backend that
// advertises tools. Backends failing to list are skipped.
func (s *Service) availableTools(ctx context.Context) []Candidate {
	cfg := s.store.Get()
	var out []Candidate
	for _, c := range s.backends.Connected() {
		if cfg.IsInactive(c.Name) || c.Capabilities.Tools == nil {
			continue
		}
		tools, err := c.Client.ListTools(ctx)
		if err != nil {
			internal.LogDebugWithFields("dynamic", "Failed to list tools for server", map[string]interface{}{
				"server": c.Name,
				"error":  err.Error(),
			})
			continue
		}
		for _, t := range tools {
			out = append(out, Candidate{Service: c.Name, Tool: t.Name, Description: t.Description})
		}
	}
	return out
}

func internalOnlyGroup(name string) config.ToolGroup {
	return config.ToolGroup{
		Name:     name,
		Services: map[string]config.ToolSelection{ServiceName: config.AllTools()},
		Owner:    config.OwnerDynamicCapabilities,
	}
}

func groupWithTools(name string, matched []Candidate) config.ToolGroup {
	byService := make(map[string][]string)
	for _, c := range matched {
		byService[c.Service] = append(byService[c.Service], c.Tool)
	}
	group := internalOnlyGroup(name)
	for service, tools := range byService {
		sort.Strings(tools)
		group.Services[service] = config.SomeTools(tools...)
	}
	return group
}

// Package extension layers configured child tools on top of a backend
// session. A child tool is a copy of an approved backend tool with a
// rewritten description and some parameters hardcoded.
package extension

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"strings"
	"sync"

	"github.com/dgellow/mcp-gateway/internal"
	"github.com/dgellow/mcp-gateway/internal/catalog"
	"github.com/dgellow/mcp-gateway/internal/client"
	"github.com/dgellow/mcp-gateway/internal/config"
	"github.com/dgellow/mcp-gateway/internal/errs"
	"github.com/mark3labs/mcp-go/mcp"
)

// ConfigSource provides the tool extension config and change notifications.
// *config.Store satisfies it.
type ConfigSource interface {
	Get() *config.AppConfig
	Subscribe(fn func(config.Snapshot)) (unsubscribe func())
}

type childTool struct {
	original  string
	overrides map[string]any
}

// ExtendedClient wraps one backend session. Tool lists are rebuilt on every
// ListTools; CallTool resolves child tools from the last list until the
// cache is invalidated.
type ExtendedClient struct {
	name     string
	session  client.Session
	approver catalog.Approver
	configs  ConfigSource

	mu       sync.RWMutex
	primed   bool
	tools    []mcp.Tool
	children map[string]childTool

	unsubscribe []func()
}

// New wraps session and registers cache invalidation on catalog and config
// changes. Close releases the subscriptions.
func New(session client.Session, approver catalog.Approver, configs ConfigSource) *ExtendedClient {
	e := &ExtendedClient{
		name:     config.NormalizeName(session.Name()),
		session:  session,
		approver: approver,
		configs:  configs,
	}
	e.unsubscribe = append(e.unsubscribe,
		approver.Subscribe(func(catalog.Diff) { e.InvalidateCache() }),
		configs.Subscribe(func(config.Snapshot) { e.InvalidateCache() }),
	)
	return e
}

func (e *ExtendedClient) Name() string { return e.name }

// Session returns the wrapped backend session
func (e *ExtendedClient) Session() client.Session { return e.session }

// InvalidateCache drops the cached tools; the next call primes it again
func (e *ExtendedClient) InvalidateCache() {
	e.mu.Lock()
	e.primed = false
	e.tools = nil
	e.children = nil
	e.mu.Unlock()
	internal.LogTraceWithFields("extension", "cache invalidated", map[string]interface{}{
		"server": e.name,
	})
}

// ListTools fetches the backend tools, keeps the approved ones and appends
// the child tools configured for them
func (e *ExtendedClient) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	tools, _, err := e.prime(ctx)
	if err != nil {
		return nil, err
	}
	return cloneTools(tools), nil
}

// prime rebuilds the cache and returns what it stored
func (e *ExtendedClient) prime(ctx context.Context) ([]mcp.Tool, map[string]childTool, error) {
	originals, err := e.session.ListTools(ctx)
	if err != nil {
		return nil, nil, err
	}

	extensions := e.configs.Get().ToolExtensions.ForService(e.name)
	approved := make([]mcp.Tool, 0, len(originals))
	var synthesized []mcp.Tool
	children := make(map[string]childTool)

	for _, tool := range originals {
		if !e.approver.IsToolApproved(e.name, tool.Name) {
			internal.LogTraceWithFields("extension", "tool not approved", map[string]interface{}{
				"server": e.name,
				"tool":   tool.Name,
			})
			continue
		}
		approved = append(approved, tool)

		ext, ok := extensions[tool.Name]
		if !ok {
			continue
		}
		for _, child := range ext.ChildTools {
			extended, overrides, err := extendTool(tool, child)
			if err != nil {
				internal.LogWarnWithFields("extension", "skipping child tool", map[string]interface{}{
					"server": e.name,
					"tool":   tool.Name,
					"child":  child.Name,
					"error":  err.Error(),
				})
				continue
			}
			synthesized = append(synthesized, extended)
			children[child.Name] = childTool{original: tool.Name, overrides: overrides}
		}
	}

	tools := append(approved, synthesized...)

	e.mu.Lock()
	e.primed = true
	e.tools = tools
	e.children = children
	e.mu.Unlock()

	return tools, children, nil
}

// CallTool forwards a call to the backend. Child tools are called under
// their original name with overridden arguments.
func (e *ExtendedClient) CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	e.mu.RLock()
	primed, children := e.primed, e.children
	e.mu.RUnlock()
	if !primed {
		var err error
		if _, children, err = e.prime(ctx); err != nil {
			return nil, err
		}
	}

	child, isChild := children[name]

	target := name
	if isChild {
		target = child.original
		args = mergeArguments(args, child.overrides)
	}

	if !e.approver.IsToolApproved(e.name, target) {
		return nil, errs.Wrap(errs.ErrNotApproved, "tool %s of %s", target, e.name)
	}

	internal.LogTraceWithFields("extension", "calling tool", map[string]interface{}{
		"server":   e.name,
		"tool":     name,
		"original": target,
	})
	return e.session.CallTool(ctx, target, args)
}

// Close releases the subscriptions and closes the backend session
func (e *ExtendedClient) Close() error {
	for _, unsubscribe := range e.unsubscribe {
		unsubscribe()
	}
	e.unsubscribe = nil
	return e.session.Close()
}

func mergeArguments(args, overrides map[string]any) map[string]any {
	merged := make(map[string]any, len(args)+len(overrides))
	maps.Copy(merged, args)
	maps.Copy(merged, overrides)
	return merged
}

func extendTool(original mcp.Tool, child config.ChildTool) (mcp.Tool, map[string]any, error) {
	extended := mcp.Tool{
		Name:        child.Name,
		Description: describe(original.Description, child.Description),
		InputSchema: mcp.ToolInputSchema{
			Type:     original.InputSchema.Type,
			Required: append([]string(nil), original.InputSchema.Required...),
		},
		Annotations: original.Annotations,
	}

	overrides := make(map[string]any)
	properties := make(map[string]any, len(original.InputSchema.Properties))
	for prop, raw := range original.InputSchema.Properties {
		override, ok := child.OverrideParams[prop]
		if !ok {
			properties[prop] = raw
			continue
		}
		schema, ok := raw.(map[string]any)
		if !ok {
			properties[prop] = raw
			continue
		}
		schema = maps.Clone(schema)

		desc, _ := schema["description"].(string)
		if override.Description != nil {
			desc = describe(desc, override.Description)
		}
		if override.HasValue() {
			value, err := override.DecodedValue()
			if err != nil {
				return mcp.Tool{}, nil, fmt.Errorf("parameter %s: %w", prop, err)
			}
			overrides[prop] = value
			desc = hardcodedNote(desc, override.Value)
		}
		schema["description"] = desc
		properties[prop] = schema
	}

	// Overrides for parameters the schema does not declare still apply to calls
	for prop, override := range child.OverrideParams {
		if _, done := overrides[prop]; done || !override.HasValue() {
			continue
		}
		value, err := override.DecodedValue()
		if err != nil {
			return mcp.Tool{}, nil, fmt.Errorf("parameter %s: %w", prop, err)
		}
		overrides[prop] = value
	}

	extended.InputSchema.Properties = properties
	return extended, overrides, nil
}

func describe(original string, ext *config.ExtensionDescription) string {
	if ext == nil {
		return original
	}
	if original == "" {
		return ext.Text
	}
	switch ext.Action {
	case config.DescriptionRewrite:
		return ext.Text
	case config.DescriptionAppend:
		return appendSentence(original, ext.Text)
	}
	return original
}

func appendSentence(original, extra string) string {
	trimmed := strings.TrimRight(original, " \t\n")
	if strings.HasSuffix(trimmed, ".") {
		return trimmed + " " + extra
	}
	return trimmed + ". " + extra
}

func hardcodedNote(desc string, raw json.RawMessage) string {
	note := fmt.Sprintf("Note: This parameter is ignored - it is hardcoded to be %s. Pass an empty string for this parameter.", renderValue(raw))
	if desc == "" {
		return note
	}
	return desc + ". " + note
}

// renderValue prints strings bare and anything else as compact JSON
func renderValue(raw json.RawMessage) string {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err == nil {
			return s
		}
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	out, err := json.Marshal(v)
	if err != nil {
		return string(raw)
	}
	return string(out)
}

func cloneTools(tools []mcp.Tool) []mcp.Tool {
	return append([]mcp.Tool(nil), tools...)
}

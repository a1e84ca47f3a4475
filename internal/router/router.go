// Package router exposes the tools of every connected target server as one
// namespaced tool surface and dispatches calls to the right backend
package router

import (
	"context"
	"strings"
	"time"

	"github.com/dgellow/mcp-gateway/internal"
	"github.com/dgellow/mcp-gateway/internal/audit"
	"github.com/dgellow/mcp-gateway/internal/config"
	"github.com/dgellow/mcp-gateway/internal/dynamic"
	"github.com/dgellow/mcp-gateway/internal/errs"
	"github.com/dgellow/mcp-gateway/internal/metrics"
	"github.com/dgellow/mcp-gateway/internal/targets"
	"github.com/mark3labs/mcp-go/mcp"
)

// SessionLookup resolves the consumer tag bound to a session
type SessionLookup interface {
	ConsumerTag(sessionID string) string
}

type Backends interface {
	Connected() []targets.ConnectedServer
}

type Permissions interface {
	HasPermission(service, tool, consumerTag string) (bool, error)
}

type ConfigSource interface {
	Get() *config.AppConfig
}

type Router struct {
	backends    Backends
	permissions Permissions
	configs     ConfigSource
	sessions    SessionLookup
	metrics     *metrics.Recorder
	audit       audit.Recorder
	dynamic     *dynamic.Service
}

type Option func(*Router)

func WithMetrics(m *metrics.Recorder) Option {
	return func(r *Router) { r.metrics = m }
}

func WithAudit(a audit.Recorder) Option {
	return func(r *Router) { r.audit = a }
}

// WithDynamic enables the internal tools of dynamic capabilities mode
func WithDynamic(d *dynamic.Service) Option {
	return func(r *Router) { r.dynamic = d }
}

func New(backends Backends, permissions Permissions, configs ConfigSource, sessions SessionLookup, opts ...Option) *Router {
	r := &Router{
		backends:    backends,
		permissions: permissions,
		configs:     configs,
		sessions:    sessions,
		audit:       audit.Nop{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ListTools returns the tools the session's consumer may use, each named
// "<server>__<tool>", servers in name order. Inactive servers and servers
// without the tools capability are skipped, as are servers failing to list.
func (r *Router) ListTools(ctx context.Context, sessionID string) ([]mcp.Tool, error) {
	consumerTag := r.sessions.ConsumerTag(sessionID)
	cfg := r.configs.Get()
	if r.metrics != nil {
		r.metrics.ObserveListTools(consumerTag)
	}

	all := []mcp.Tool{}
	for _, backend := range r.backends.Connected() {
		if cfg.IsInactive(backend.Name) {
			internal.LogDebugWithFields("router", "Skipping tools from inactive target server", map[string]interface{}{
				"server": backend.Name,
			})
			continue
		}
		if backend.Capabilities.Tools == nil {
			internal.LogDebugWithFields("router", "Skipping tools for unsupported target server", map[string]interface{}{
				"server": backend.Name,
			})
			continue
		}

		tools, err := backend.Client.ListTools(ctx)
		if err != nil {
			internal.LogWarnWithFields("router", "Failed to list tools for target server", map[string]interface{}{
				"server": backend.Name,
				"error":  err.Error(),
			})
			continue
		}
		for _, tool := range tools {
			allowed, err := r.permissions.HasPermission(backend.Name, tool.Name, consumerTag)
			if err != nil {
				return nil, err
			}
			if !allowed {
				continue
			}
			tool.Name = backend.Name + config.ServiceDelimiter + tool.Name
			all = append(all, tool)
		}
	}

	if r.dynamic != nil && r.dynamic.IsEnabled(consumerTag) {
		all = append(all, r.dynamic.Tools()...)
	}

	internal.LogDebugWithFields("router", "ListTools response", map[string]interface{}{
		"sessionID": sessionID,
		"consumer":  consumerTag,
		"toolCount": len(all),
	})
	return all, nil
}

// CallTool dispatches a namespaced tool call. Policy is checked before the
// backend is contacted. The backend's result and error are returned as is.
func (r *Router) CallTool(ctx context.Context, name string, args map[string]any, sessionID string) (*mcp.CallToolResult, error) {
	service, tool, err := SplitToolName(name)
	if err != nil {
		return nil, err
	}
	consumerTag := r.sessions.ConsumerTag(sessionID)

	allowed, err := r.permissions.HasPermission(service, tool, consumerTag)
	if err != nil {
		return nil, err
	}
	if !allowed {
		r.record(ctx, service, tool, consumerTag, metrics.StatusDenied, 0, args)
		return nil, errs.Wrap(errs.ErrPermissionDenied, "consumer %q may not call %s", consumerTag, name)
	}

	if r.dynamic != nil && service == dynamic.ServiceName && dynamic.IsInternalTool(tool) {
		if !r.dynamic.IsEnabled(consumerTag) {
			return nil, errs.NotFound("tool %s", name)
		}
		return r.dispatch(ctx, service, tool, consumerTag, args, func() (*mcp.CallToolResult, error) {
			return r.dynamic.HandleToolCall(ctx, consumerTag, tool, args)
		})
	}

	if r.configs.Get().IsInactive(service) {
		internal.LogDebugWithFields("router", "Attempt to call tool from inactive target server", map[string]interface{}{
			"server": service,
			"tool":   tool,
		})
		return nil, errs.Wrap(errs.ErrInactive, "Target server %s is inactive", service)
	}

	backend, ok := r.connected(service)
	if !ok {
		return nil, errs.NotFound("connected target server %s", service)
	}
	return r.dispatch(ctx, service, tool, consumerTag, args, func() (*mcp.CallToolResult, error) {
		return backend.Client.CallTool(ctx, tool, args)
	})
}

func (r *Router) dispatch(ctx context.Context, service, tool, consumerTag string, args map[string]any, call func() (*mcp.CallToolResult, error)) (*mcp.CallToolResult, error) {
	start := time.Now()
	result, err := call()
	status := metrics.StatusSuccess
	if err != nil || (result != nil && result.IsError) {
		status = metrics.StatusError
	}
	r.record(ctx, service, tool, consumerTag, status, time.Since(start), args)
	return result, err
}

func (r *Router) record(ctx context.Context, service, tool, consumerTag, status string, duration time.Duration, args map[string]any) {
	if r.metrics != nil {
		r.metrics.ObserveToolCall(service, tool, consumerTag, status, duration)
	}
	event := &audit.Event{
		Type:        audit.EventToolCall,
		ConsumerTag: consumerTag,
		Service:     service,
		Tool:        tool,
		Status:      status,
		DurationMS:  duration.Milliseconds(),
	}
	if len(args) > 0 {
		event.Detail = map[string]any{"args": args}
	}
	if err := r.audit.Record(context.WithoutCancel(ctx), event); err != nil {
		internal.LogWarnWithFields("router", "Failed to record audit event", map[string]interface{}{
			"server": service,
			"tool":   tool,
			"error":  err.Error(),
		})
	}
}

func (r *Router) connected(service string) (targets.ConnectedServer, bool) {
	for _, backend := range r.backends.Connected() {
		if backend.Name == service {
			return backend, true
		}
	}
	return targets.ConnectedServer{}, false
}

// SplitToolName splits "<server>__<tool>" on the first delimiter. The
// server part is normalized.
func SplitToolName(name string) (service, tool string, err error) {
	service, tool, found := strings.Cut(name, config.ServiceDelimiter)
	service = config.NormalizeName(service)
	if !found || service == "" {
		return "", "", errs.Validation("invalid service name in tool %q", name)
	}
	if tool == "" {
		return "", "", errs.Validation("invalid tool name in tool %q", name)
	}
	return service, tool, nil
}

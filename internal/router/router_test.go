package router

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/dgellow/mcp-gateway/internal/audit"
	"github.com/dgellow/mcp-gateway/internal/catalog"
	"github.com/dgellow/mcp-gateway/internal/config"
	"github.com/dgellow/mcp-gateway/internal/dynamic"
	"github.com/dgellow/mcp-gateway/internal/errs"
	"github.com/dgellow/mcp-gateway/internal/extension"
	"github.com/dgellow/mcp-gateway/internal/metrics"
	"github.com/dgellow/mcp-gateway/internal/policy"
	"github.com/dgellow/mcp-gateway/internal/targets"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBackend = errors.New("backend exploded")

type call struct {
	Tool string
	Args map[string]any
}

type fakeSession struct {
	name    string
	tools   []mcp.Tool
	listErr error
	callErr error

	mu    sync.Mutex
	calls []call
}

func (f *fakeSession) Name() string                         { return f.name }
func (f *fakeSession) Capabilities() mcp.ServerCapabilities { return mcp.ServerCapabilities{} }
func (f *fakeSession) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	return f.tools, f.listErr
}
func (f *fakeSession) CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{Tool: name, Args: args})
	if f.callErr != nil {
		return nil, f.callErr
	}
	return mcp.NewToolResultText(f.name + ":" + name), nil
}
func (f *fakeSession) Close() error { return nil }

func (f *fakeSession) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeBackends []targets.ConnectedServer

func (f fakeBackends) Connected() []targets.ConnectedServer { return f }

type sessionTags map[string]string

func (s sessionTags) ConsumerTag(id string) string { return s[id] }

type auditSink struct {
	mu     sync.Mutex
	events []audit.Event
}

func (a *auditSink) Record(ctx context.Context, e *audit.Event) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, *e)
	return nil
}

func toolsCapability() mcp.ServerCapabilities {
	return mcp.ServerCapabilities{Tools: &struct {
		ListChanged bool `json:"listChanged,omitempty"`
	}{}}
}

func tool(name string) mcp.Tool {
	return mcp.Tool{Name: name, InputSchema: mcp.ToolInputSchema{Type: "object"}}
}

type fixture struct {
	router   *Router
	store    *config.Store
	sessions map[string]*fakeSession
	audit    *auditSink
	metrics  *metrics.Recorder
}

// newFixture connects alpha (a1, a2, a__b), beta (no tools capability),
// gamma (failing list), delta (inactive) and epsilon (failing calls).
// Consumer "dev" may not use alpha's a2.
func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	cfg := config.DefaultAppConfig()
	cfg.ToolGroups = []config.ToolGroup{
		{Name: "no-a2", Services: map[string]config.ToolSelection{"alpha": config.SomeTools("a2")}},
	}
	cfg.Permissions.Consumers["dev"] = config.ConsumerConfig{Mode: config.ModeAllow, Exceptions: []string{"no-a2"}}
	cfg.TargetServerAttributes = map[string]config.TargetServerAttributes{"delta": {Inactive: true}}

	store := config.NewStore(config.WithInitialConfig(cfg))
	permissions := policy.NewPermissionManager()
	require.NoError(t, store.RegisterConsumer(permissions))
	require.NoError(t, store.Initialize())

	sessions := map[string]*fakeSession{
		"alpha":   {name: "alpha", tools: []mcp.Tool{tool("a1"), tool("a2"), tool("a__b")}},
		"beta":    {name: "beta", tools: []mcp.Tool{tool("b1")}},
		"delta":   {name: "delta", tools: []mcp.Tool{tool("d1")}},
		"epsilon": {name: "epsilon", tools: []mcp.Tool{tool("e1")}, callErr: errBackend},
		"gamma":   {name: "gamma", listErr: errBackend},
	}
	approver := catalog.NewManager()
	var backends fakeBackends
	for _, name := range []string{"alpha", "beta", "delta", "epsilon", "gamma"} {
		ext := extension.New(sessions[name], approver, store)
		t.Cleanup(func() { ext.Close() })
		caps := toolsCapability()
		if name == "beta" {
			caps = mcp.ServerCapabilities{}
		}
		backends = append(backends, targets.ConnectedServer{Name: name, Client: ext, Capabilities: caps})
	}

	f := &fixture{store: store, sessions: sessions, audit: &auditSink{}, metrics: metrics.NewRecorder()}
	all := append([]Option{WithAudit(f.audit), WithMetrics(f.metrics)}, opts...)
	f.router = New(backends, permissions, store, sessionTags{"s-dev": "dev", "s-ops": "ops"}, all...)
	return f
}

func names(tools []mcp.Tool) []string {
	out := make([]string, 0, len(tools))
	for _, t := range tools {
		out = append(out, t.Name)
	}
	return out
}

func TestListTools(t *testing.T) {
	f := newFixture(t)

	tools, err := f.router.ListTools(context.Background(), "s-ops")
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha__a1", "alpha__a2", "alpha__a__b", "epsilon__e1"}, names(tools))

	tools, err = f.router.ListTools(context.Background(), "s-dev")
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha__a1", "alpha__a__b", "epsilon__e1"}, names(tools))

	tools, err = f.router.ListTools(context.Background(), "")
	require.NoError(t, err)
	assert.Len(t, tools, 4)
}

func TestCallTool(t *testing.T) {
	f := newFixture(t)

	result, err := f.router.CallTool(context.Background(), "alpha__a1", map[string]any{"q": "x"}, "s-dev")
	require.NoError(t, err)
	assert.Equal(t, "alpha:a1", result.Content[0].(mcp.TextContent).Text)
	assert.Equal(t, []call{{Tool: "a1", Args: map[string]any{"q": "x"}}}, f.sessions["alpha"].calls)

	require.Len(t, f.audit.events, 1)
	event := f.audit.events[0]
	assert.Equal(t, audit.EventToolCall, event.Type)
	assert.Equal(t, "dev", event.ConsumerTag)
	assert.Equal(t, "alpha", event.Service)
	assert.Equal(t, metrics.StatusSuccess, event.Status)
	assert.Equal(t, int64(1), f.metrics.Usage()["alpha"]["a1"].CallCount)
}

func TestCallToolSplitsOnFirstDelimiter(t *testing.T) {
	f := newFixture(t)

	_, err := f.router.CallTool(context.Background(), "Alpha__a__b", nil, "s-ops")
	require.NoError(t, err)
	assert.Equal(t, "a__b", f.sessions["alpha"].calls[0].Tool)
}

func TestCallToolDenied(t *testing.T) {
	f := newFixture(t)

	_, err := f.router.CallTool(context.Background(), "alpha__a2", nil, "s-dev")
	assert.ErrorIs(t, err, errs.ErrPermissionDenied)
	assert.Equal(t, 0, f.sessions["alpha"].callCount())
	require.Len(t, f.audit.events, 1)
	assert.Equal(t, metrics.StatusDenied, f.audit.events[0].Status)

	_, err = f.router.CallTool(context.Background(), "alpha__a2", nil, "s-ops")
	assert.NoError(t, err)
}

func TestCallToolInactive(t *testing.T) {
	f := newFixture(t)

	_, err := f.router.CallTool(context.Background(), "delta__d1", nil, "s-ops")
	assert.ErrorIs(t, err, errs.ErrInactive)
	assert.Contains(t, err.Error(), "Target server delta is inactive")
	assert.Equal(t, 0, f.sessions["delta"].callCount())
}

func TestCallToolBackendError(t *testing.T) {
	f := newFixture(t)

	_, err := f.router.CallTool(context.Background(), "epsilon__e1", nil, "s-ops")
	assert.ErrorIs(t, err, errBackend)
	require.Len(t, f.audit.events, 1)
	assert.Equal(t, metrics.StatusError, f.audit.events[0].Status)
}

func TestCallToolUnknownServer(t *testing.T) {
	f := newFixture(t)

	_, err := f.router.CallTool(context.Background(), "zeta__z1", nil, "s-ops")
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestSplitToolName(t *testing.T) {
	tests := []struct {
		name    string
		service string
		tool    string
		wantErr bool
	}{
		{name: "slack__post", service: "slack", tool: "post"},
		{name: "slack__post__now", service: "slack", tool: "post__now"},
		{name: " Slack __post", service: "slack", tool: "post"},
		{name: "nodelimiter", wantErr: true},
		{name: "__post", wantErr: true},
		{name: "slack__", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			service, tool, err := SplitToolName(tt.name)
			if tt.wantErr {
				assert.ErrorIs(t, err, errs.ErrValidation)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.service, service)
			assert.Equal(t, tt.tool, tool)
		})
	}
}

func TestDynamicTools(t *testing.T) {
	f := newFixture(t)
	svc := dynamic.NewService(f.store, f.router.backends, nil)
	f.router.dynamic = svc
	require.NoError(t, svc.Enable("ops"))

	tools, err := f.router.ListTools(context.Background(), "s-ops")
	require.NoError(t, err)
	assert.Equal(t, []string{"mcpx__get_new_capabilities", "mcpx__clear_tools"}, names(tools))

	result, err := f.router.CallTool(context.Background(), "mcpx__get_new_capabilities", map[string]any{"intent": "alpha a1"}, "s-ops")
	require.NoError(t, err)
	assert.Contains(t, result.Content[0].(mcp.TextContent).Text, "alpha__a1")

	tools, err = f.router.ListTools(context.Background(), "s-ops")
	require.NoError(t, err)
	assert.Contains(t, names(tools), "alpha__a1")

	_, err = f.router.CallTool(context.Background(), "mcpx__clear_tools", nil, "s-dev")
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

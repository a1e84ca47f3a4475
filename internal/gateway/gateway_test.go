package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/dgellow/mcp-gateway/internal/audit"
	"github.com/dgellow/mcp-gateway/internal/client"
	"github.com/dgellow/mcp-gateway/internal/config"
	"github.com/dgellow/mcp-gateway/internal/setup"
	"github.com/dgellow/mcp-gateway/internal/storage"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type echoSession struct{ name string }

func (s *echoSession) Name() string { return s.name }
func (s *echoSession) Capabilities() mcp.ServerCapabilities {
	return mcp.ServerCapabilities{Tools: &struct {
		ListChanged bool `json:"listChanged,omitempty"`
	}{}}
}
func (s *echoSession) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	return []mcp.Tool{{Name: "echo", Description: "Echo the input", InputSchema: mcp.ToolInputSchema{Type: "object"}}}, nil
}
func (s *echoSession) CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultText("echo from " + s.name), nil
}
func (s *echoSession) Close() error { return nil }

var echoDialer = client.DialerFunc(func(ctx context.Context, server config.TargetServer, opts client.DialOptions) (client.Session, error) {
	if strings.HasPrefix(server.Command, "fail") {
		return nil, errors.New("spawn failed")
	}
	return &echoSession{name: server.Name}, nil
})

const appConfigYAML = `
permissions:
  default:
    block: []
  consumers:
    restricted:
      allow: []
toolGroups: []
`

const serversJSON = `{"mcpServers": {"slack": {"command": "run-slack"}}}`

type fixture struct {
	gateway *Gateway
	server  *httptest.Server
	dir     string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "app.yaml"), []byte(appConfigYAML), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "servers.json"), []byte(serversJSON), 0o600))

	cfg := config.DefaultGatewayConfig()
	cfg.Version = "test"
	cfg.AppConfigPath = filepath.Join(dir, "app.yaml")
	cfg.ServersPath = filepath.Join(dir, "servers.json")
	cfg.Audit = &config.AuditConfig{Path: filepath.Join(dir, "audit.db")}
	cfg.AdminTokens = []string{"admin"}

	g, err := New(context.Background(), cfg,
		WithDialer(echoDialer),
		WithLookupEnv(func(string) (string, bool) { return "", false }),
		WithTokenStore(storage.NewMemoryTokenStore()),
	)
	require.NoError(t, err)
	t.Cleanup(g.Close)

	srv := httptest.NewServer(g.Handler())
	t.Cleanup(srv.Close)
	return &fixture{gateway: g, server: srv, dir: dir}
}

func (f *fixture) rpc(t *testing.T, sessionID, consumerTag, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, f.server.URL+"/mcp", strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if sessionID != "" {
		req.Header.Set("Mcp-Session-Id", sessionID)
	}
	if consumerTag != "" {
		req.Header.Set("x-lunar-consumer-tag", consumerTag)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var decoded map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	return resp, decoded
}

func (f *fixture) initialize(t *testing.T, consumerTag string) string {
	t.Helper()
	resp, _ := f.rpc(t, "", consumerTag, `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-03-26","clientInfo":{"name":"test","version":"1"}}}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	return resp.Header.Get("Mcp-Session-Id")
}

func (f *fixture) toolNames(t *testing.T, sessionID string) []string {
	t.Helper()
	_, decoded := f.rpc(t, sessionID, "", `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`)
	result, ok := decoded["result"].(map[string]any)
	require.True(t, ok, "unexpected response: %v", decoded)
	var names []string
	for _, tool := range result["tools"].([]any) {
		names = append(names, tool.(map[string]any)["name"].(string))
	}
	return names
}

func (f *fixture) admin(t *testing.T, method, path, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, f.server.URL+"/admin"+path, bytes.NewBufferString(body))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer admin")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	return resp
}

func (f *fixture) auditEvents(t *testing.T, eventType audit.EventType) []audit.Event {
	t.Helper()
	events, err := f.gateway.Audit.List(context.Background(), audit.Filter{Type: eventType})
	require.NoError(t, err)
	return events
}

func TestToolSurfaceFollowsPermissions(t *testing.T) {
	f := newFixture(t)

	dev := f.initialize(t, "dev")
	assert.Contains(t, f.toolNames(t, dev), "slack__echo")

	restricted := f.initialize(t, "restricted")
	assert.NotContains(t, f.toolNames(t, restricted), "slack__echo")

	_, decoded := f.rpc(t, dev, "", `{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"slack__echo","arguments":{"text":"hi"}}}`)
	require.Nil(t, decoded["error"])
	assert.Contains(t, decoded["result"].(map[string]any)["content"].([]any)[0].(map[string]any)["text"], "echo from slack")

	_, decoded = f.rpc(t, restricted, "", `{"jsonrpc":"2.0","id":4,"method":"tools/call","params":{"name":"slack__echo"}}`)
	require.NotNil(t, decoded["error"])

	calls := f.auditEvents(t, audit.EventToolCall)
	require.Len(t, calls, 2)
	statuses := []string{calls[0].Status, calls[1].Status}
	assert.ElementsMatch(t, []string{"success", "denied"}, statuses)
}

func TestAdminChangesArePersistedAndAudited(t *testing.T) {
	f := newFixture(t)

	resp := f.admin(t, http.MethodPost, "/target-servers", `{"name":"github","type":"stdio","command":"run-github"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	servers, err := config.LoadTargetServers(filepath.Join(f.dir, "servers.json"))
	require.NoError(t, err)
	require.Len(t, servers, 2)
	assert.Equal(t, "github", servers[0].Name)

	changes := f.auditEvents(t, audit.EventTargetServerChange)
	require.NotEmpty(t, changes)
	assert.Equal(t, "github", changes[0].Service)

	resp = f.admin(t, http.MethodPost, "/tool-groups", `{"name":"reads","services":{"slack":"*"}}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	persisted, err := (&config.FilePersister{Path: filepath.Join(f.dir, "app.yaml")}).Load()
	require.NoError(t, err)
	_, ok := persisted.ToolGroup("reads")
	assert.True(t, ok)
	assert.NotEmpty(t, f.auditEvents(t, audit.EventConfigChange))
}

func TestSetupIsAudited(t *testing.T) {
	f := newFixture(t)

	_, err := f.gateway.Setup.ApplySetup(context.Background(), setup.Bundle{
		Source:  setup.SourceHub,
		SetupID: "s-42",
		TargetServers: map[string]config.TargetServer{
			"linear": {Type: config.TransportStdio, Command: "run-linear"},
		},
	})
	require.NoError(t, err)

	events := f.auditEvents(t, audit.EventSetupApplied)
	require.Len(t, events, 1)
	assert.Equal(t, "s-42", events[0].Detail["setupId"])
	assert.Equal(t, "hub", events[0].Detail["source"])

	dev := f.initialize(t, "dev")
	names := f.toolNames(t, dev)
	assert.Contains(t, names, "linear__echo")
	assert.NotContains(t, names, "slack__echo")
}

func TestFailedServerDoesNotStopStartup(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "servers.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"mcpServers": {"broken": {"command": "fail-now"}, "slack": {"command": "run-slack"}}}`), 0o600))

	cfg := config.DefaultGatewayConfig()
	cfg.ServersPath = path
	g, err := New(context.Background(), cfg, WithDialer(echoDialer), WithTokenStore(storage.NewMemoryTokenStore()))
	require.NoError(t, err)
	defer g.Close()

	state, ok := g.Targets.State("broken")
	require.True(t, ok)
	assert.Equal(t, "error", state.String())
	state, ok = g.Targets.State("slack")
	require.True(t, ok)
	assert.Equal(t, "connected", state.String())
}

func TestNewRejectsUnreadableServersFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "servers.json")
	require.NoError(t, os.WriteFile(path, []byte(`{not json`), 0o600))

	cfg := config.DefaultGatewayConfig()
	cfg.ServersPath = path
	_, err := New(context.Background(), cfg, WithDialer(echoDialer))
	assert.Error(t, err)
}

func TestRunStopsOnCancel(t *testing.T) {
	cfg := config.DefaultGatewayConfig()
	cfg.Addr = "127.0.0.1:0"
	g, err := New(context.Background(), cfg, WithDialer(echoDialer))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- g.Run(ctx) }()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

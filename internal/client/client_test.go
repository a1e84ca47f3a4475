package client

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/dgellow/mcp-gateway/internal/config"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeMCPClient serves pages of tools and records calls
type fakeMCPClient struct {
	mu           sync.Mutex
	pages        map[string]*mcp.ListToolsResult
	capabilities mcp.ServerCapabilities
	initErr      error
	started      bool
	closed       bool
	cursors      []string
	lastCall     mcp.CallToolRequest
}

func (f *fakeMCPClient) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = true
	return nil
}

func (f *fakeMCPClient) Initialize(ctx context.Context, request mcp.InitializeRequest) (*mcp.InitializeResult, error) {
	if f.initErr != nil {
		return nil, f.initErr
	}
	return &mcp.InitializeResult{Capabilities: f.capabilities}, nil
}

func (f *fakeMCPClient) ListTools(ctx context.Context, request mcp.ListToolsRequest) (*mcp.ListToolsResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cursor := string(request.Params.Cursor)
	f.cursors = append(f.cursors, cursor)
	page, ok := f.pages[cursor]
	if !ok {
		return nil, errors.New("unknown cursor")
	}
	return page, nil
}

func (f *fakeMCPClient) CallTool(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastCall = request
	return mcp.NewToolResultText("ok"), nil
}

func (f *fakeMCPClient) Ping(ctx context.Context) error { return nil }

func (f *fakeMCPClient) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func page(next string, names ...string) *mcp.ListToolsResult {
	result := &mcp.ListToolsResult{}
	for _, n := range names {
		result.Tools = append(result.Tools, mcp.NewTool(n))
	}
	result.NextCursor = mcp.Cursor(next)
	return result
}

func TestClient_ListToolsFollowsPagination(t *testing.T) {
	fake := &fakeMCPClient{pages: map[string]*mcp.ListToolsResult{
		"":   page("p2", "zeta", "alpha"),
		"p2": page("", "beta"),
	}}
	c := Wrap("slack", fake, false, 0)

	tools, err := c.ListTools(context.Background())
	require.NoError(t, err)

	var names []string
	for _, tool := range tools {
		names = append(names, tool.Name)
	}
	assert.Equal(t, []string{"alpha", "beta", "zeta"}, names)
	assert.Equal(t, []string{"", "p2"}, fake.cursors)
}

func TestClient_ListToolsError(t *testing.T) {
	fake := &fakeMCPClient{pages: map[string]*mcp.ListToolsResult{
		"": page("missing", "a"),
	}}
	c := Wrap("slack", fake, false, 0)

	_, err := c.ListTools(context.Background())
	assert.Error(t, err)
}

func TestClient_ConnectStoresCapabilities(t *testing.T) {
	fake := &fakeMCPClient{capabilities: mcp.ServerCapabilities{
		Tools: &struct {
			ListChanged bool `json:"listChanged,omitempty"`
		}{},
	}}
	c := Wrap("remote", fake, true, 0)

	require.NoError(t, c.Connect(context.Background(), mcp.Implementation{Name: "test", Version: "1"}))
	assert.True(t, fake.started)
	assert.NotNil(t, c.Capabilities().Tools)

	require.NoError(t, c.Close())
	assert.True(t, fake.closed)
}

func TestClient_ConnectStdioSkipsStart(t *testing.T) {
	fake := &fakeMCPClient{}
	c := Wrap("local", fake, false, 0)

	require.NoError(t, c.Connect(context.Background(), mcp.Implementation{}))
	assert.False(t, fake.started)
	assert.Nil(t, c.Capabilities().Tools)
}

func TestClient_ConnectFailure(t *testing.T) {
	fake := &fakeMCPClient{initErr: errors.New("handshake refused")}
	c := Wrap("remote", fake, true, 0)

	err := c.Connect(context.Background(), mcp.Implementation{})
	assert.EqualError(t, err, "handshake refused")
}

func TestClient_CallToolForwardsArguments(t *testing.T) {
	fake := &fakeMCPClient{}
	c := Wrap("slack", fake, false, 0)

	result, err := c.CallTool(context.Background(), "post", map[string]any{"channel": "general"})
	require.NoError(t, err)
	require.Len(t, result.Content, 1)

	assert.Equal(t, "post", fake.lastCall.Params.Name)
	args, ok := any(fake.lastCall.Params.Arguments).(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "general", args["channel"])
}

func TestNewMCPClient_Validation(t *testing.T) {
	_, err := NewMCPClient(config.TargetServer{Name: "x", Type: config.TransportStdio}, DialOptions{})
	assert.ErrorContains(t, err, "command is required")

	_, err = NewMCPClient(config.TargetServer{Name: "x", Type: "carrier-pigeon"}, DialOptions{})
	assert.ErrorContains(t, err, "invalid transport type")
}

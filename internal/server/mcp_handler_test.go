package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dgellow/mcp-gateway/internal/errs"
	"github.com/dgellow/mcp-gateway/internal/sessions"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRouter answers with one tool per session and records calls
type fakeRouter struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (f *fakeRouter) ListTools(ctx context.Context, sessionID string) ([]mcp.Tool, error) {
	return []mcp.Tool{{Name: "slack__post", InputSchema: mcp.ToolInputSchema{Type: "object"}}}, nil
}

func (f *fakeRouter) CallTool(ctx context.Context, name string, args map[string]any, sessionID string) (*mcp.CallToolResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, sessionID+":"+name)
	if f.err != nil {
		return nil, f.err
	}
	return mcp.NewToolResultText("posted"), nil
}

type mcpFixture struct {
	handler  *MCPHandler
	router   *fakeRouter
	sessions *sessions.Registry
}

func newMCPFixture(t *testing.T) *mcpFixture {
	t.Helper()
	registry := sessions.NewRegistry(sessions.WithMaxPerConsumer(2), sessions.WithCleanupInterval(time.Hour))
	t.Cleanup(registry.Shutdown)
	router := &fakeRouter{}
	return &mcpFixture{
		handler:  NewMCPHandler(router, registry, mcp.Implementation{Name: "mcp-gateway", Version: "test"}),
		router:   router,
		sessions: registry,
	}
}

func (f *mcpFixture) post(t *testing.T, sessionID, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if sessionID != "" {
		req.Header.Set(sessionIDHeader, sessionID)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)
	return w
}

func (f *mcpFixture) initialize(t *testing.T, consumerTag string) string {
	t.Helper()
	w := f.post(t, "", `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-03-26","clientInfo":{"name":"claude","version":"1.0"}}}`,
		map[string]string{consumerTagHeader: consumerTag})
	require.Equal(t, http.StatusOK, w.Code)
	id := w.Header().Get(sessionIDHeader)
	require.NotEmpty(t, id)
	return id
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	ID     any             `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

func decodeRPC(t *testing.T, w *httptest.ResponseRecorder) rpcResponse {
	t.Helper()
	var resp rpcResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func TestInitializeBindsConsumerTag(t *testing.T) {
	f := newMCPFixture(t)

	w := f.post(t, "", `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-03-26","clientInfo":{"name":"claude","version":"1.0"}}}`,
		map[string]string{consumerTagHeader: "dev"})
	require.Equal(t, http.StatusOK, w.Code)

	resp := decodeRPC(t, w)
	require.Nil(t, resp.Error)
	var result struct {
		ProtocolVersion string             `json:"protocolVersion"`
		ServerInfo      mcp.Implementation `json:"serverInfo"`
		Capabilities    map[string]any     `json:"capabilities"`
	}
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	assert.Equal(t, mcp.LATEST_PROTOCOL_VERSION, result.ProtocolVersion)
	assert.Equal(t, "mcp-gateway", result.ServerInfo.Name)
	assert.Contains(t, result.Capabilities, "tools")

	id := w.Header().Get(sessionIDHeader)
	assert.Equal(t, "dev", f.sessions.ConsumerTag(id))
	session, err := f.sessions.Get(id)
	require.NoError(t, err)
	assert.Equal(t, "claude", session.ClientInfo.Name)
}

func TestInitializeConsumerLimit(t *testing.T) {
	f := newMCPFixture(t)
	f.initialize(t, "dev")
	f.initialize(t, "dev")

	w := f.post(t, "", `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`, map[string]string{consumerTagHeader: "dev"})
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}

func TestToolsListAndCall(t *testing.T) {
	f := newMCPFixture(t)
	id := f.initialize(t, "dev")

	w := f.post(t, id, `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`, nil)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decodeRPC(t, w)
	require.Nil(t, resp.Error)
	var list struct {
		Tools []mcp.Tool `json:"tools"`
	}
	require.NoError(t, json.Unmarshal(resp.Result, &list))
	require.Len(t, list.Tools, 1)
	assert.Equal(t, "slack__post", list.Tools[0].Name)

	w = f.post(t, id, `{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"slack__post","arguments":{"text":"hi"}}}`, nil)
	require.Equal(t, http.StatusOK, w.Code)
	resp = decodeRPC(t, w)
	require.Nil(t, resp.Error)
	assert.Contains(t, string(resp.Result), "posted")
	assert.Equal(t, []string{id + ":slack__post"}, f.router.calls)
}

func TestToolCallErrorsAreReturnedAsRPCErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"permission denied", errs.Wrap(errs.ErrPermissionDenied, "denied")},
		{"inactive", errs.Wrap(errs.ErrInactive, "Target server slack is inactive")},
		{"not found", errs.NotFound("tool x")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newMCPFixture(t)
			f.router.err = tt.err
			id := f.initialize(t, "dev")

			w := f.post(t, id, `{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"slack__post"}}`, nil)
			require.Equal(t, http.StatusOK, w.Code)
			resp := decodeRPC(t, w)
			require.NotNil(t, resp.Error)
			assert.Equal(t, mcp.INTERNAL_ERROR, resp.Error.Code)
			assert.Equal(t, tt.err.Error(), resp.Error.Message)
		})
	}
}

func TestUnlistedToolCallsReachRouter(t *testing.T) {
	f := newMCPFixture(t)
	id := f.initialize(t, "dev")

	w := f.post(t, id, `{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"github__search"}}`, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Nil(t, decodeRPC(t, w).Error)
	assert.Equal(t, []string{id + ":github__search"}, f.router.calls)
}

func TestSessionsDoNotShareTools(t *testing.T) {
	f := newMCPFixture(t)
	first := f.initialize(t, "dev")
	second := f.initialize(t, "ops")

	f.post(t, first, `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`, nil)
	w := f.post(t, second, `{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"slack__post"}}`, nil)
	require.Nil(t, decodeRPC(t, w).Error)
	assert.Equal(t, []string{second + ":slack__post"}, f.router.calls)
}

func TestSessionRequired(t *testing.T) {
	f := newMCPFixture(t)

	w := f.post(t, "", `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.post(t, "unknown", `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestPingNotificationsAndUnknownMethods(t *testing.T) {
	f := newMCPFixture(t)
	id := f.initialize(t, "")

	w := f.post(t, id, `{"jsonrpc":"2.0","id":4,"method":"ping"}`, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Nil(t, decodeRPC(t, w).Error)

	w = f.post(t, id, `{"jsonrpc":"2.0","method":"notifications/initialized"}`, nil)
	assert.Equal(t, http.StatusAccepted, w.Code)

	w = f.post(t, id, `{"jsonrpc":"2.0","id":5,"method":"resources/list"}`, nil)
	resp := decodeRPC(t, w)
	require.NotNil(t, resp.Error)
	assert.Equal(t, mcp.METHOD_NOT_FOUND, resp.Error.Code)
}

func TestInvalidJSON(t *testing.T) {
	f := newMCPFixture(t)

	w := f.post(t, "", `{not json`, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	resp := decodeRPC(t, w)
	require.NotNil(t, resp.Error)
	assert.Equal(t, mcp.PARSE_ERROR, resp.Error.Code)
}

func TestDeleteSession(t *testing.T) {
	f := newMCPFixture(t)
	id := f.initialize(t, "dev")

	req := httptest.NewRequest(http.MethodDelete, "/mcp", nil)
	req.Header.Set(sessionIDHeader, id)
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, 0, f.sessions.Count())

	w = httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

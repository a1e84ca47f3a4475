package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"

	"github.com/dgellow/mcp-gateway/internal"
	jsonwriter "github.com/dgellow/mcp-gateway/internal/json"
	"github.com/dgellow/mcp-gateway/internal/sessions"
	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
)

const (
	sessionIDHeader   = "Mcp-Session-Id"
	consumerTagHeader = "x-lunar-consumer-tag"

	maxRequestBytes = 4 << 20
)

// ToolRouter is the namespaced tool surface served to consumers
type ToolRouter interface {
	ListTools(ctx context.Context, sessionID string) ([]mcp.Tool, error)
	CallTool(ctx context.Context, name string, args map[string]any, sessionID string) (*mcp.CallToolResult, error)
}

type SessionStore interface {
	Create(consumerTag string, info mcp.Implementation) (*sessions.Session, error)
	Get(id string) (*sessions.Session, error)
	Remove(id string)
}

// MCPHandler serves MCP over streamable HTTP with JSON responses. Messages
// are handled by an mcp-go server whose tools are the router's surface for
// the calling session. A session is opened by initialize, which binds the
// consumer tag sent with it.
type MCPHandler struct {
	router    ToolRouter
	sessions  SessionStore
	mcpServer *mcpserver.MCPServer
}

func NewMCPHandler(router ToolRouter, sessions SessionStore, info mcp.Implementation) *MCPHandler {
	h := &MCPHandler{router: router, sessions: sessions}

	hooks := &mcpserver.Hooks{}
	hooks.AddBeforeListTools(h.syncTools)
	hooks.AddBeforeCallTool(h.routeCall)

	h.mcpServer = mcpserver.NewMCPServer(
		info.Name,
		info.Version,
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithRecovery(),
		mcpserver.WithHooks(hooks),
	)
	return h
}

func (h *MCPHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.handlePost(w, r)
	case http.MethodDelete:
		h.handleDelete(w, r)
	default:
		w.Header().Set("Allow", "POST, DELETE")
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *MCPHandler) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := r.Header.Get(sessionIDHeader)
	if _, err := h.sessions.Get(id); err != nil {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}
	h.sessions.Remove(id)
	w.WriteHeader(http.StatusNoContent)
}

func (h *MCPHandler) handlePost(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes))
	if err != nil {
		writeRPCError(w, http.StatusBadRequest, nil, mcp.PARSE_ERROR, "Failed to read request body")
		return
	}

	// The transport only needs the method, to know whether a session is
	// being opened. Everything else is left to the mcp-go server.
	var envelope struct {
		ID     any           `json:"id"`
		Method mcp.MCPMethod `json:"method"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		writeRPCError(w, http.StatusBadRequest, nil, mcp.PARSE_ERROR, "Failed to parse message")
		return
	}

	initializing := envelope.Method == mcp.MethodInitialize
	var session *sessions.Session
	if initializing {
		session = h.openSession(w, r, body, envelope.ID)
	} else {
		session = h.lookupSession(w, r, envelope.ID)
	}
	if session == nil {
		return
	}

	ctx := h.mcpServer.WithContext(r.Context(), newClientSession(session))
	response := h.mcpServer.HandleMessage(ctx, body)

	if initializing {
		if _, failed := response.(mcp.JSONRPCError); failed {
			h.sessions.Remove(session.ID)
		} else {
			w.Header().Set(sessionIDHeader, session.ID)
			internal.LogInfoWithFields("mcp", "Session initialized", map[string]interface{}{
				"sessionID":   session.ID,
				"consumerTag": session.ConsumerTag,
				"client":      session.ClientInfo.Name,
			})
		}
	}

	if response == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	_ = jsonwriter.WriteResponse(w, http.StatusOK, response)
}

func (h *MCPHandler) openSession(w http.ResponseWriter, r *http.Request, body []byte, id any) *sessions.Session {
	var req mcp.InitializeRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeRPCError(w, http.StatusBadRequest, id, mcp.INVALID_PARAMS, err.Error())
		return nil
	}

	session, err := h.sessions.Create(r.Header.Get(consumerTagHeader), req.Params.ClientInfo)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, sessions.ErrConsumerLimitExceeded) {
			status = http.StatusTooManyRequests
		}
		writeRPCError(w, status, id, mcp.INTERNAL_ERROR, err.Error())
		return nil
	}
	return session
}

func (h *MCPHandler) lookupSession(w http.ResponseWriter, r *http.Request, id any) *sessions.Session {
	sessionID := r.Header.Get(sessionIDHeader)
	if sessionID == "" {
		writeRPCError(w, http.StatusBadRequest, id, mcp.INVALID_REQUEST, "missing "+sessionIDHeader+" header")
		return nil
	}
	session, err := h.sessions.Get(sessionID)
	if err != nil {
		writeRPCError(w, http.StatusNotFound, id, mcp.INVALID_REQUEST, "session not found")
		return nil
	}
	return session
}

// syncTools loads the session's namespaced tools from the router before
// mcp-go answers tools/list
func (h *MCPHandler) syncTools(ctx context.Context, id any, req *mcp.ListToolsRequest) {
	session, ok := mcpserver.ClientSessionFromContext(ctx).(*clientSession)
	if !ok {
		return
	}
	tools, err := h.router.ListTools(ctx, session.SessionID())
	if err != nil {
		internal.LogErrorWithFields("mcp", "Failed to list tools", map[string]interface{}{
			"sessionID": session.SessionID(),
			"error":     err.Error(),
		})
	}
	routed := make(map[string]mcpserver.ServerTool, len(tools))
	for _, tool := range tools {
		routed[tool.Name] = mcpserver.ServerTool{Tool: tool, Handler: h.callTool}
	}
	session.SetSessionTools(routed)
}

// routeCall hands every requested name to the router, listed or not. The
// router answers not found and policy denials itself, and audits both.
func (h *MCPHandler) routeCall(ctx context.Context, id any, req *mcp.CallToolRequest) {
	session, ok := mcpserver.ClientSessionFromContext(ctx).(*clientSession)
	if !ok {
		return
	}
	session.SetSessionTools(map[string]mcpserver.ServerTool{
		req.Params.Name: {Tool: mcp.Tool{Name: req.Params.Name}, Handler: h.callTool},
	})
}

func (h *MCPHandler) callTool(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var sessionID string
	if session := mcpserver.ClientSessionFromContext(ctx); session != nil {
		sessionID = session.SessionID()
	}
	result, err := h.router.CallTool(ctx, req.Params.Name, req.Params.Arguments, sessionID)
	if err != nil {
		internal.LogDebugWithFields("mcp", "Tool call failed", map[string]interface{}{
			"tool":      req.Params.Name,
			"sessionID": sessionID,
			"error":     err.Error(),
		})
		return nil, err
	}
	return result, nil
}

func writeRPCError(w http.ResponseWriter, status int, id any, code int, message string) {
	_ = jsonwriter.WriteResponse(w, status, mcp.NewJSONRPCError(mcp.NewRequestId(id), code, message, nil))
}

// clientSession presents a registry session to the mcp-go server for the
// length of one request
type clientSession struct {
	session *sessions.Session
	// Responses are plain JSON, so there is no stream to carry server
	// notifications. Sends on the unread channel are dropped by mcp-go.
	notifications chan mcp.JSONRPCNotification

	mu    sync.RWMutex
	tools map[string]mcpserver.ServerTool
}

var _ mcpserver.SessionWithTools = (*clientSession)(nil)

func newClientSession(s *sessions.Session) *clientSession {
	return &clientSession{
		session:       s,
		notifications: make(chan mcp.JSONRPCNotification),
		tools:         map[string]mcpserver.ServerTool{},
	}
}

func (c *clientSession) Initialize() {}

func (c *clientSession) Initialized() bool { return true }

func (c *clientSession) NotificationChannel() chan<- mcp.JSONRPCNotification {
	return c.notifications
}

func (c *clientSession) SessionID() string { return c.session.ID }

func (c *clientSession) GetSessionTools() map[string]mcpserver.ServerTool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tools
}

func (c *clientSession) SetSessionTools(tools map[string]mcpserver.ServerTool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tools = tools
}

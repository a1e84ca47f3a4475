package server

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/dgellow/mcp-gateway/internal/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
})

func TestCorsMiddleware(t *testing.T) {
	tests := []struct {
		name              string
		allowedOrigins    []string
		requestOrigin     string
		expectAllowOrigin string
	}{
		{
			name:              "allowed origin",
			allowedOrigins:    []string{"https://claude.ai", "https://example.com"},
			requestOrigin:     "https://claude.ai",
			expectAllowOrigin: "https://claude.ai",
		},
		{
			name:              "disallowed origin",
			allowedOrigins:    []string{"https://claude.ai", "https://example.com"},
			requestOrigin:     "https://evil.com",
			expectAllowOrigin: "",
		},
		{
			name:              "no origin header",
			allowedOrigins:    []string{"https://claude.ai"},
			requestOrigin:     "",
			expectAllowOrigin: "",
		},
		{
			name:              "no configured origins outside development",
			allowedOrigins:    nil,
			requestOrigin:     "https://claude.ai",
			expectAllowOrigin: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("MCP_GATEWAY_ENV", "production")
			handler := corsMiddleware(tt.allowedOrigins)(okHandler)

			req := httptest.NewRequest(http.MethodPost, "/mcp", nil)
			if tt.requestOrigin != "" {
				req.Header.Set("Origin", tt.requestOrigin)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			assert.Equal(t, http.StatusOK, w.Code)
			assert.Equal(t, tt.expectAllowOrigin, w.Header().Get("Access-Control-Allow-Origin"))
		})
	}
}

func TestCorsMiddlewareDevelopmentAllowsAnyOrigin(t *testing.T) {
	t.Setenv("MCP_GATEWAY_ENV", "development")
	handler := corsMiddleware(nil)(okHandler)

	req := httptest.NewRequest(http.MethodPost, "/mcp", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.NotEmpty(t, w.Header().Get("Access-Control-Allow-Origin"))
}

func TestCorsPreflight(t *testing.T) {
	handler := corsMiddleware([]string{"https://claude.ai"})(okHandler)

	req := httptest.NewRequest(http.MethodOptions, "/mcp", nil)
	req.Header.Set("Origin", "https://claude.ai")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	req.Header.Set("Access-Control-Request-Headers", "Content-Type, Mcp-Session-Id")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "https://claude.ai", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Methods"), http.MethodPost)
	assert.Equal(t, "true", w.Header().Get("Access-Control-Allow-Credentials"))
}

func TestAdminAuthMiddleware(t *testing.T) {
	hashed, err := crypto.HashSecret("hashed-token")
	require.NoError(t, err)

	tests := []struct {
		name   string
		tokens []string
		header string
		status int
	}{
		{"no tokens configured", nil, "", http.StatusOK},
		{"missing header", []string{"plain-token"}, "", http.StatusUnauthorized},
		{"wrong scheme", []string{"plain-token"}, "Basic plain-token", http.StatusUnauthorized},
		{"extra whitespace", []string{"plain-token"}, "Bearer  plain-token", http.StatusUnauthorized},
		{"plain token", []string{"plain-token"}, "Bearer plain-token", http.StatusOK},
		{"wrong token", []string{"plain-token"}, "Bearer other", http.StatusUnauthorized},
		{"bcrypt token", []string{"plain-token", hashed}, "Bearer hashed-token", http.StatusOK},
		{"hash itself is not a token", []string{hashed}, "Bearer " + hashed, http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := adminAuthMiddleware(tt.tokens)(okHandler)
			req := httptest.NewRequest(http.MethodGet, "/admin/tool-groups", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			assert.Equal(t, tt.status, w.Code)
			if tt.status == http.StatusUnauthorized {
				assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
			}
		})
	}
}

func TestRecoverMiddleware(t *testing.T) {
	handler := recoverMiddleware("test")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestChainMiddlewareOrder(t *testing.T) {
	var order []string
	mark := func(name string) MiddlewareFunc {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}
	handler := chainMiddleware(okHandler, mark("inner"), mark("outer"))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, []string{"outer", "inner"}, order)
}

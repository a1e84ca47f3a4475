package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/dgellow/mcp-gateway/internal"
	"github.com/dgellow/mcp-gateway/internal/crypto"
	jsonwriter "github.com/dgellow/mcp-gateway/internal/json"
	"github.com/rs/cors"
)

// MiddlewareFunc is a function that wraps an http.Handler
type MiddlewareFunc func(http.Handler) http.Handler

// chainMiddleware chains multiple middleware functions, the first one
// ending up innermost
func chainMiddleware(h http.Handler, middlewares ...MiddlewareFunc) http.Handler {
	for _, mw := range middlewares {
		h = mw(h)
	}
	return h
}

// corsMiddleware only answers configured origins. With none configured,
// development mode allows every origin and production allows none.
func corsMiddleware(allowedOrigins []string) MiddlewareFunc {
	origins := allowedOrigins
	if len(origins) == 0 && internal.IsDevelopmentMode() {
		origins = []string{"*"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", "Authorization", "Cache-Control", "Mcp-Session-Id", "Mcp-Protocol-Version", consumerTagHeader},
		ExposedHeaders:   []string{sessionIDHeader},
		AllowCredentials: true,
		MaxAge:           3600,
	})
	return c.Handler
}

// responseWriter captures response status and size
type responseWriter struct {
	http.ResponseWriter
	status int
	bytes  int
	wrote  bool
}

func wrapResponseWriter(w http.ResponseWriter) *responseWriter {
	return &responseWriter{ResponseWriter: w}
}

func (rw *responseWriter) Status() int {
	if !rw.wrote {
		return http.StatusOK
	}
	return rw.status
}

func (rw *responseWriter) BytesWritten() int {
	return rw.bytes
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.wrote {
		rw.status = code
		rw.wrote = true
		rw.ResponseWriter.WriteHeader(code)
	}
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.wrote {
		rw.WriteHeader(http.StatusOK)
	}
	n, err := rw.ResponseWriter.Write(b)
	rw.bytes += n
	return n, err
}

func loggerMiddleware(prefix string) MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := wrapResponseWriter(w)

			next.ServeHTTP(wrapped, r)

			internal.LogInfoWithFields(prefix, "request", map[string]interface{}{
				"method":      r.Method,
				"path":        r.URL.Path,
				"status":      wrapped.Status(),
				"duration_ms": time.Since(start).Milliseconds(),
				"bytes":       wrapped.BytesWritten(),
				"remote_addr": r.RemoteAddr,
				"user_agent":  r.UserAgent(),
			})
		})
	}
}

func recoverMiddleware(prefix string) MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					internal.Logf("<%s> Recovered from panic: %v", prefix, err)
					http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// adminAuthMiddleware requires a bearer token matching one of tokens, which
// may be stored as bcrypt hashes. No tokens means no authentication.
func adminAuthMiddleware(tokens []string) MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(tokens) == 0 {
				next.ServeHTTP(w, r)
				return
			}

			authHeader := r.Header.Get("Authorization")
			// RFC 6750: Bearer token must start with "Bearer " followed by exactly one space
			if !strings.HasPrefix(authHeader, "Bearer ") {
				jsonwriter.WriteUnauthorized(w, "missing bearer token")
				return
			}
			token := authHeader[7:]
			if token == "" || strings.TrimSpace(token) != token {
				jsonwriter.WriteUnauthorized(w, "malformed bearer token")
				return
			}

			for _, stored := range tokens {
				if crypto.MatchSecret(stored, token) {
					next.ServeHTTP(w, r)
					return
				}
			}
			internal.LogWarnWithFields("admin", "Rejected admin request", map[string]interface{}{
				"path":        r.URL.Path,
				"remote_addr": r.RemoteAddr,
			})
			jsonwriter.WriteUnauthorized(w, "invalid token")
		})
	}
}

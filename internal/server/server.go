package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/dgellow/mcp-gateway/internal"
	"github.com/dgellow/mcp-gateway/internal/audit"
	"github.com/dgellow/mcp-gateway/internal/catalog"
	"github.com/dgellow/mcp-gateway/internal/config"
	"github.com/dgellow/mcp-gateway/internal/dynamic"
	"github.com/dgellow/mcp-gateway/internal/hub"
	jsonwriter "github.com/dgellow/mcp-gateway/internal/json"
	"github.com/dgellow/mcp-gateway/internal/metrics"
	"github.com/dgellow/mcp-gateway/internal/setup"
	"github.com/dgellow/mcp-gateway/internal/targets"
	"github.com/gorilla/mux"
	"github.com/mark3labs/mcp-go/mcp"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 30 * time.Second

// Deps are the components the HTTP surfaces are built on. Metrics, Audit
// and Dynamic are optional.
type Deps struct {
	Config   *config.GatewayConfig
	Store    *config.Store
	Targets  *targets.TargetClients
	Catalog  *catalog.Manager
	Setup    *setup.Manager
	Sessions SessionStore
	Router   ToolRouter
	State    *hub.StateReporter
	Dynamic  *dynamic.Service
	Metrics  *metrics.Recorder
	Audit    *audit.Log
}

// Server exposes the MCP endpoint, the admin API, health and metrics
type Server struct {
	Deps
	router  *mux.Router
	handler http.Handler
}

func NewServer(deps Deps) *Server {
	s := &Server{Deps: deps, router: mux.NewRouter()}

	info := mcp.Implementation{Name: deps.Config.Name, Version: deps.Config.Version}
	mcpHandler := chainMiddleware(NewMCPHandler(deps.Router, deps.Sessions, info),
		loggerMiddleware("mcp"),
		recoverMiddleware("mcp"),
	)
	s.router.Handle("/mcp", mcpHandler).Methods(http.MethodPost, http.MethodDelete)

	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	if deps.Metrics != nil {
		s.router.Handle("/metrics", deps.Metrics.Handler()).Methods(http.MethodGet)
	}

	admin := s.router.PathPrefix("/admin").Subrouter()
	admin.Use(mux.MiddlewareFunc(recoverMiddleware("admin")))
	admin.Use(mux.MiddlewareFunc(loggerMiddleware("admin")))
	admin.Use(mux.MiddlewareFunc(adminAuthMiddleware(deps.Config.AdminTokens)))
	s.registerAdminRoutes(admin)

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		jsonwriter.WriteNotFound(w, "no route for "+r.Method+" "+r.URL.Path)
	})
	s.handler = corsMiddleware(deps.Config.AllowedOrigins)(s.router)
	return s
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	_ = jsonwriter.Write(w, map[string]string{
		"status":  "ok",
		"service": s.Config.Name,
	})
}

// Start serves on the configured address until ctx is canceled, then shuts
// down gracefully
func Start(ctx context.Context, addr string, handler http.Handler) error {
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		internal.Logf("HTTP server listening on %s", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			internal.LogError("HTTP server error: %v", err)
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		internal.Logf("Shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			internal.LogError("Server shutdown error: %v", err)
			return err
		}
		internal.Logf("Server shutdown complete")
		return nil
	})
	return g.Wait()
}

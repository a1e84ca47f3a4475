// Package gateway assembles the gateway from its components and runs it
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/dgellow/mcp-gateway/internal"
	"github.com/dgellow/mcp-gateway/internal/audit"
	"github.com/dgellow/mcp-gateway/internal/catalog"
	"github.com/dgellow/mcp-gateway/internal/client"
	"github.com/dgellow/mcp-gateway/internal/config"
	"github.com/dgellow/mcp-gateway/internal/dynamic"
	"github.com/dgellow/mcp-gateway/internal/hub"
	"github.com/dgellow/mcp-gateway/internal/metrics"
	"github.com/dgellow/mcp-gateway/internal/policy"
	"github.com/dgellow/mcp-gateway/internal/router"
	"github.com/dgellow/mcp-gateway/internal/server"
	"github.com/dgellow/mcp-gateway/internal/sessions"
	"github.com/dgellow/mcp-gateway/internal/setup"
	"github.com/dgellow/mcp-gateway/internal/storage"
	"github.com/dgellow/mcp-gateway/internal/targets"
	"github.com/mark3labs/mcp-go/mcp"
	"golang.org/x/sync/errgroup"
)

const dynamicMatchLimit = 10

type options struct {
	dialer     client.Dialer
	lookupEnv  func(string) (string, bool)
	tokenStore storage.TokenStore
}

type Option func(*options)

// WithDialer replaces the mcp-go backed dialer
func WithDialer(d client.Dialer) Option {
	return func(o *options) { o.dialer = d }
}

// WithLookupEnv replaces os.LookupEnv for backend environment references
func WithLookupEnv(lookup func(string) (string, bool)) Option {
	return func(o *options) { o.lookupEnv = lookup }
}

// WithTokenStore bypasses the token storage selected in the config
func WithTokenStore(s storage.TokenStore) Option {
	return func(o *options) { o.tokenStore = s }
}

// Gateway owns every component of a running gateway
type Gateway struct {
	Config      *config.GatewayConfig
	Store       *config.Store
	Catalog     *catalog.Manager
	Targets     *targets.TargetClients
	Setup       *setup.Manager
	Sessions    *sessions.Registry
	Permissions *policy.PermissionManager
	Router      *router.Router
	Dynamic     *dynamic.Service
	State       *hub.StateReporter
	Metrics     *metrics.Recorder
	Audit       *audit.Log
	Server      *server.Server

	hubClient  *hub.Client
	dispatcher *hub.Dispatcher
	closers    []func()
	closeOnce  sync.Once
}

// New builds the gateway and connects the configured target servers.
// Servers that fail to connect are logged and kept in their failed state.
func New(ctx context.Context, cfg *config.GatewayConfig, opts ...Option) (*Gateway, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}

	g := &Gateway{Config: cfg}
	if err := g.initStore(); err != nil {
		return nil, err
	}

	tokens := o.tokenStore
	if tokens == nil {
		var err error
		tokens, err = storage.New(ctx, cfg.Tokens)
		if err != nil {
			return nil, fmt.Errorf("initializing token storage: %w", err)
		}
	}

	g.Catalog = catalog.NewManager()
	targetOpts := []targets.Option{
		targets.WithTokenStore(tokens),
		targets.WithConnectTimeout(cfg.ConnectTimeout.Duration()),
		targets.WithPingInterval(cfg.PingInterval.Duration()),
		targets.WithClientInfo(mcp.Implementation{Name: cfg.Name, Version: cfg.Version}),
	}
	if o.dialer != nil {
		targetOpts = append(targetOpts, targets.WithDialer(o.dialer))
	}
	if o.lookupEnv != nil {
		targetOpts = append(targetOpts, targets.WithLookupEnv(o.lookupEnv))
	}
	g.Targets = targets.New(g.Catalog, g.Store, targetOpts...)

	if cfg.ServersPath != "" {
		servers, err := config.LoadTargetServers(cfg.ServersPath)
		if err != nil {
			_ = g.Targets.Shutdown(ctx)
			return nil, err
		}
		internal.LogInfoWithFields("gateway", "Connecting target servers", map[string]interface{}{
			"count": len(servers),
			"path":  cfg.ServersPath,
		})
		g.Targets.Initialize(ctx, servers)
	}

	g.Setup = setup.NewManager(g.Targets, g.Store)
	g.Sessions = sessions.NewRegistry(
		sessions.WithTimeout(cfg.SessionTimeout.Duration()),
		sessions.WithMaxPerConsumer(cfg.MaxSessionsPerConsumer),
		sessions.OnRemove(func(s *sessions.Session) {
			internal.LogDebugWithFields("gateway", "Session closed", map[string]interface{}{
				"sessionID":   s.ID,
				"consumerTag": s.ConsumerTag,
			})
		}),
	)

	if cfg.MetricsEnabled() {
		g.Metrics = metrics.NewRecorder()
	}
	var recorder audit.Recorder = audit.Nop{}
	if cfg.Audit != nil {
		auditLog, err := audit.Open(cfg.Audit.Path)
		if err != nil {
			g.Close()
			return nil, fmt.Errorf("opening audit log: %w", err)
		}
		g.Audit = auditLog
		recorder = auditLog
	}

	g.Dynamic = dynamic.NewService(g.Store, g.Targets, dynamic.NewKeywordScorer(dynamicMatchLimit))
	g.Dynamic.Initialize()

	routerOpts := []router.Option{router.WithAudit(recorder), router.WithDynamic(g.Dynamic)}
	if g.Metrics != nil {
		routerOpts = append(routerOpts, router.WithMetrics(g.Metrics))
	}
	g.Router = router.New(g.Targets, g.Permissions, g.Store, g.Sessions, routerOpts...)

	g.State = hub.NewStateReporter(g.Targets, g.Sessions, g.Store, g.Metrics)
	g.closers = append(g.closers, watchChanges(recorder, g.Store, g.Targets, g.Setup)...)
	if cfg.ServersPath != "" {
		g.closers = append(g.closers, persistTargetServers(cfg.ServersPath, g.Targets))
	}

	if cfg.Hub != nil {
		g.hubClient = hub.NewClient(*cfg.Hub)
		g.dispatcher = hub.NewDispatcher(hub.Deps{
			Targets: g.Targets,
			Store:   g.Store,
			Setup:   g.Setup,
			Catalog: g.Catalog,
			State:   g.State,
		}, g.hubClient.Send)
		g.closers = append(g.closers, g.dispatcher.Close)
	}

	g.Server = server.NewServer(server.Deps{
		Config:   cfg,
		Store:    g.Store,
		Targets:  g.Targets,
		Catalog:  g.Catalog,
		Setup:    g.Setup,
		Sessions: g.Sessions,
		Router:   g.Router,
		State:    g.State,
		Dynamic:  g.Dynamic,
		Metrics:  g.Metrics,
		Audit:    g.Audit,
	})
	return g, nil
}

// initStore loads the app config and registers the policy engine with it.
// The permission manager must see the first config, so it is registered
// before Initialize.
func (g *Gateway) initStore() error {
	var storeOpts []config.StoreOption
	if g.Config.AppConfigPath != "" {
		storeOpts = append(storeOpts, config.WithPersister(&config.FilePersister{Path: g.Config.AppConfigPath}))
	}
	g.Store = config.NewStore(storeOpts...)

	permissions := policy.NewPermissionManager()
	if err := g.Store.RegisterConsumer(permissions); err != nil {
		return fmt.Errorf("registering permission manager: %w", err)
	}
	if err := g.Store.Initialize(); err != nil {
		return fmt.Errorf("initializing app config: %w", err)
	}
	g.Permissions = permissions
	return nil
}

// Handler serves the MCP endpoint, admin API, health and metrics
func (g *Gateway) Handler() http.Handler {
	return g.Server
}

// Run serves HTTP and, when configured, keeps the Hub connection up until
// ctx is canceled. Components are shut down before it returns.
func (g *Gateway) Run(ctx context.Context) error {
	defer g.Close()

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return server.Start(egCtx, g.Config.Addr, g.Server)
	})
	if g.hubClient != nil {
		eg.Go(func() error {
			return g.hubClient.Run(egCtx, g.dispatcher)
		})
	}
	return eg.Wait()
}

// Close stops background work and disconnects every target server
func (g *Gateway) Close() {
	g.closeOnce.Do(func() {
		for _, fn := range g.closers {
			fn()
		}
		if g.Sessions != nil {
			g.Sessions.Shutdown()
		}
		if g.Targets != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := g.Targets.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
				internal.LogWarn("Target server shutdown incomplete: %v", err)
			}
		}
		if g.Audit != nil {
			if err := g.Audit.Close(); err != nil {
				internal.LogWarn("Closing audit log: %v", err)
			}
		}
	})
}

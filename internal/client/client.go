package client

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dgellow/mcp-gateway/internal"
	"github.com/dgellow/mcp-gateway/internal/config"
	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
)

// MCPClient is the part of an mcp-go client the gateway relies on
type MCPClient interface {
	Initialize(ctx context.Context, request mcp.InitializeRequest) (*mcp.InitializeResult, error)
	ListTools(ctx context.Context, request mcp.ListToolsRequest) (*mcp.ListToolsResult, error)
	CallTool(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error)
	Ping(ctx context.Context) error
	Close() error
}

type starter interface {
	Start(ctx context.Context) error
}

// Session is a live, initialized connection to one backend
type Session interface {
	Name() string
	Capabilities() mcp.ServerCapabilities
	ListTools(ctx context.Context) ([]mcp.Tool, error)
	CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error)
	Close() error
}

// DialOptions carries what was resolved for one connection attempt
type DialOptions struct {
	// Env in KEY=VALUE form, for stdio backends
	Env []string
	// Headers for remote backends, including any Authorization header
	Headers      map[string]string
	Timeout      time.Duration
	PingInterval time.Duration
	ClientInfo   mcp.Implementation
}

// Dialer opens sessions to backends
type Dialer interface {
	Dial(ctx context.Context, server config.TargetServer, opts DialOptions) (Session, error)
}

// DialerFunc adapts a function to a Dialer
type DialerFunc func(ctx context.Context, server config.TargetServer, opts DialOptions) (Session, error)

func (f DialerFunc) Dial(ctx context.Context, server config.TargetServer, opts DialOptions) (Session, error) {
	return f(ctx, server, opts)
}

// DefaultDialer connects over stdio, SSE or streamable HTTP with mcp-go
var DefaultDialer Dialer = DialerFunc(func(ctx context.Context, server config.TargetServer, opts DialOptions) (Session, error) {
	c, err := NewMCPClient(server, opts)
	if err != nil {
		return nil, err
	}
	if err := c.Connect(ctx, opts.ClientInfo); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
})

// Client wraps an MCP client connected to one backend
type Client struct {
	name            string
	needPing        bool
	needManualStart bool
	pingInterval    time.Duration
	client          MCPClient

	mu           sync.RWMutex
	capabilities mcp.ServerCapabilities
	stopPing     context.CancelFunc
}

var _ Session = (*Client)(nil)

// NewMCPClient builds the transport for a backend without connecting
func NewMCPClient(server config.TargetServer, opts DialOptions) (*Client, error) {
	switch server.Type {
	case config.TransportStdio, "":
		if server.Command == "" {
			return nil, errors.New("command is required for stdio transport")
		}
		mcpClient, err := client.NewStdioMCPClient(server.Command, opts.Env, server.Args...)
		if err != nil {
			return nil, err
		}
		return Wrap(server.Name, mcpClient, false, opts.PingInterval), nil

	case config.TransportStreamable:
		var options []transport.StreamableHTTPCOption
		if len(opts.Headers) > 0 {
			options = append(options, transport.WithHTTPHeaders(opts.Headers))
		}
		if opts.Timeout > 0 {
			options = append(options, transport.WithHTTPTimeout(opts.Timeout))
		}
		mcpClient, err := client.NewStreamableHttpClient(server.URL, options...)
		if err != nil {
			return nil, err
		}
		return Wrap(server.Name, mcpClient, true, opts.PingInterval), nil

	case config.TransportSSE:
		var options []transport.ClientOption
		if len(opts.Headers) > 0 {
			options = append(options, client.WithHeaders(opts.Headers))
		}
		mcpClient, err := client.NewSSEMCPClient(server.URL, options...)
		if err != nil {
			return nil, err
		}
		return Wrap(server.Name, mcpClient, true, opts.PingInterval), nil
	}

	return nil, fmt.Errorf("invalid transport type %q", server.Type)
}

// Wrap adapts an existing MCP client. Remote clients are started before
// initialization and pinged while connected.
func Wrap(name string, mcpClient MCPClient, remote bool, pingInterval time.Duration) *Client {
	if pingInterval <= 0 {
		pingInterval = 30 * time.Second
	}
	return &Client{
		name:            name,
		needPing:        remote,
		needManualStart: remote,
		pingInterval:    pingInterval,
		client:          mcpClient,
	}
}

func (c *Client) Name() string { return c.name }

// Connect starts the transport if needed and performs the MCP handshake
func (c *Client) Connect(ctx context.Context, clientInfo mcp.Implementation) error {
	if c.needManualStart {
		// The transport outlives the connect deadline
		if s, ok := c.client.(starter); ok {
			if err := s.Start(context.WithoutCancel(ctx)); err != nil {
				return err
			}
		}
	}

	initRequest := mcp.InitializeRequest{}
	initRequest.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initRequest.Params.ClientInfo = clientInfo
	initRequest.Params.Capabilities = mcp.ClientCapabilities{
		Experimental: make(map[string]interface{}),
	}
	result, err := c.client.Initialize(ctx, initRequest)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.capabilities = result.Capabilities
	c.mu.Unlock()
	internal.Logf("<%s> Successfully initialized MCP client", c.name)

	if c.needPing {
		pingCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		c.mu.Lock()
		c.stopPing = cancel
		c.mu.Unlock()
		go c.startPingTask(pingCtx)
	}
	return nil
}

func (c *Client) startPingTask(ctx context.Context) {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()
PingLoop:
	for {
		select {
		case <-ctx.Done():
			internal.LogTrace("<%s> Context done, stopping ping", c.name)
			break PingLoop
		case <-ticker.C:
			if err := c.client.Ping(ctx); err != nil {
				internal.LogWarn("<%s> Ping failed: %v", c.name, err)
			}
		}
	}
}

// Capabilities returns what the backend declared at initialization
func (c *Client) Capabilities() mcp.ServerCapabilities {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.capabilities
}

// ListTools follows pagination until the backend has no more tools
func (c *Client) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	toolsRequest := mcp.ListToolsRequest{}
	var all []mcp.Tool
	for {
		tools, err := c.client.ListTools(ctx, toolsRequest)
		if err != nil {
			return nil, err
		}
		if len(tools.Tools) == 0 {
			break
		}
		internal.LogTrace("<%s> Successfully listed %d tools", c.name, len(tools.Tools))
		all = append(all, tools.Tools...)
		if tools.NextCursor == "" {
			break
		}
		toolsRequest.Params.Cursor = tools.NextCursor
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].Name < all[j].Name })
	return all, nil
}

func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	request := mcp.CallToolRequest{}
	request.Params.Name = name
	request.Params.Arguments = args
	return c.client.CallTool(ctx, request)
}

// Close stops pinging and closes the MCP client
func (c *Client) Close() error {
	c.mu.Lock()
	if c.stopPing != nil {
		c.stopPing()
		c.stopPing = nil
	}
	c.mu.Unlock()
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

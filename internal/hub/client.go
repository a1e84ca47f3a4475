package hub

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/dgellow/mcp-gateway/internal"
	"github.com/dgellow/mcp-gateway/internal/config"
)

const writeTimeout = 10 * time.Second

// Handler processes inbound messages. SendSystemState is called after
// every successful (re)connection.
type Handler interface {
	Handle(ctx context.Context, env Envelope) error
	SendSystemState(ctx context.Context)
}

// Client keeps a websocket connection to the control plane open,
// reconnecting after failures.
type Client struct {
	url               string
	apiKey            string
	reconnectInterval time.Duration

	mu   sync.Mutex
	conn *websocket.Conn
	wg   sync.WaitGroup
}

func NewClient(cfg config.HubConfig) *Client {
	interval := cfg.ReconnectInterval.Duration()
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Client{
		url:               cfg.URL,
		apiKey:            cfg.APIKey,
		reconnectInterval: interval,
	}
}

// Connected reports whether a connection is currently open
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Send writes env to the control plane. Messages sent while disconnected
// are dropped; the full system state is pushed again on reconnect.
func (c *Client) Send(env Envelope) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		internal.LogDebugWithFields("hub", "Not connected, dropping message", map[string]interface{}{
			"type": env.Type,
		})
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := wsjson.Write(ctx, c.conn, env); err != nil {
		internal.LogWarnWithFields("hub", "Failed to send message", map[string]interface{}{
			"type":  env.Type,
			"error": err.Error(),
		})
	}
}

// Run connects and serves inbound messages until ctx is canceled
func (c *Client) Run(ctx context.Context, handler Handler) error {
	defer c.wg.Wait()
	for {
		err := c.serve(ctx, handler)
		if ctx.Err() != nil {
			return nil
		}
		internal.LogWarnWithFields("hub", "Connection to hub lost", map[string]interface{}{
			"error":     errString(err),
			"reconnect": c.reconnectInterval.String(),
		})
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(c.reconnectInterval):
		}
	}
}

func (c *Client) serve(ctx context.Context, handler Handler) error {
	header := http.Header{}
	if c.apiKey != "" {
		header.Set("Authorization", "Bearer "+c.apiKey)
	}
	dialCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	conn, _, err := websocket.Dial(dialCtx, c.url, &websocket.DialOptions{HTTPHeader: header})
	cancel()
	if err != nil {
		return err
	}
	conn.SetReadLimit(16 << 20)
	defer func() { _ = conn.CloseNow() }()

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
	}()

	internal.LogInfoWithFields("hub", "Connected to hub", map[string]interface{}{
		"url": c.url,
	})
	handler.SendSystemState(ctx)

	for {
		var env Envelope
		if err := wsjson.Read(ctx, conn, &env); err != nil {
			if errors.Is(err, context.Canceled) {
				conn.Close(websocket.StatusNormalClosure, "shutting down")
			}
			return err
		}
		// Messages are handled concurrently so a long setup digest does not
		// stall reads; the setup manager serializes digests itself.
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			if err := handler.Handle(ctx, env); err != nil {
				internal.LogDebugWithFields("hub", "Message handling failed", map[string]interface{}{
					"type":  env.Type,
					"error": err.Error(),
				})
			}
		}()
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

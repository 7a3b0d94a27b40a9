// Package client calls concierge tools on a remote MCP server. Client
// implements react.ToolClient.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/malbeclabs/concierge/internal/agent/react"
)

const (
	defaultRequestTimeout = 120 * time.Second
	defaultMaxTries       = 3
)

var mcpClientImplementation = &mcp.Implementation{
	Name:    "concierge-mcp-client",
	Version: "1.0.0",
}

var errNotConnected = errors.New("session not connected")

type Config struct {
	Logger *slog.Logger

	Endpoint       string
	RequestTimeout time.Duration
	// Token is sent as a bearer token when set.
	Token string

	MaxTries uint
	BackOff  func() backoff.BackOff
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Endpoint == "" {
		return errors.New("endpoint is required")
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = defaultRequestTimeout
	}
	if c.MaxTries == 0 {
		c.MaxTries = defaultMaxTries
	}
	if c.BackOff == nil {
		c.BackOff = func() backoff.BackOff { return backoff.NewExponentialBackOff() }
	}
	return nil
}

type Client struct {
	log       *slog.Logger
	cfg       Config
	mcpClient *mcp.Client

	sessionMu sync.RWMutex
	session   *mcp.ClientSession
}

var _ react.ToolClient = (*Client)(nil)

func New(ctx context.Context, cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}

	c := &Client{
		log:       cfg.Logger,
		cfg:       cfg,
		mcpClient: mcp.NewClient(mcpClientImplementation, nil),
	}
	if err := c.connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) connect(ctx context.Context) error {
	httpClient := &http.Client{Timeout: c.cfg.RequestTimeout}
	if c.cfg.Token != "" {
		httpClient.Transport = &tokenTransport{base: http.DefaultTransport, token: c.cfg.Token}
	}

	session, err := c.mcpClient.Connect(ctx, &mcp.StreamableClientTransport{
		Endpoint:   c.cfg.Endpoint,
		HTTPClient: httpClient,
	}, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to MCP server: %w", err)
	}

	c.sessionMu.Lock()
	if c.session != nil {
		_ = c.session.Close()
	}
	c.session = session
	c.sessionMu.Unlock()

	c.log.Info("mcp/client: connected to server", "endpoint", c.cfg.Endpoint)
	return nil
}

func (c *Client) reconnect(ctx context.Context) error {
	c.log.Warn("mcp/client: attempting to reconnect")
	c.sessionMu.Lock()
	if c.session != nil {
		_ = c.session.Close()
		c.session = nil
	}
	c.sessionMu.Unlock()
	return c.connect(ctx)
}

func (c *Client) currentSession() *mcp.ClientSession {
	c.sessionMu.RLock()
	defer c.sessionMu.RUnlock()
	return c.session
}

// isConnectionError reports errors that a fresh session may fix.
func isConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, errNotConnected) {
		return true
	}
	msg := err.Error()
	for _, s := range []string{"connection closed", "EOF", "client is closing", "broken pipe", "connection reset", "connection refused"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// withSession runs fn on the current session, reconnecting and retrying
// with backoff on connection errors. Other errors are returned at once.
func withSession[T any](ctx context.Context, c *Client, op string, fn func(*mcp.ClientSession) (T, error)) (T, error) {
	return backoff.Retry(ctx, func() (T, error) {
		var zero T
		session := c.currentSession()
		if session == nil {
			if err := c.reconnect(ctx); err != nil {
				return zero, err
			}
			session = c.currentSession()
			if session == nil {
				return zero, errNotConnected
			}
		}

		out, err := fn(session)
		if err == nil {
			return out, nil
		}
		if !isConnectionError(err) {
			return zero, backoff.Permanent(err)
		}
		c.log.Warn("mcp/client: connection error, reconnecting", "op", op, "error", err)
		if reconnectErr := c.reconnect(ctx); reconnectErr != nil {
			return zero, fmt.Errorf("failed to reconnect: %w (original error: %w)", reconnectErr, err)
		}
		return zero, err
	}, backoff.WithBackOff(c.cfg.BackOff()), backoff.WithMaxTries(c.cfg.MaxTries))
}

func (c *Client) ListTools(ctx context.Context) ([]react.Tool, error) {
	result, err := withSession(ctx, c, "list_tools", func(s *mcp.ClientSession) (*mcp.ListToolsResult, error) {
		return s.ListTools(ctx, &mcp.ListToolsParams{})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list tools: %w", err)
	}

	out := make([]react.Tool, 0, len(result.Tools))
	for _, t := range result.Tools {
		schema, _ := t.InputSchema.(map[string]any)
		out = append(out, react.Tool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: schema,
		})
	}
	c.log.Debug("mcp/client: found tools", "count", len(out))
	return out, nil
}

// CallToolText calls a tool and joins its text content.
func (c *Client) CallToolText(ctx context.Context, name string, args map[string]any) (string, bool, error) {
	c.log.Debug("mcp/client: calling tool", "name", name)

	result, err := withSession(ctx, c, "call_tool", func(s *mcp.ClientSession) (*mcp.CallToolResult, error) {
		return s.CallTool(ctx, &mcp.CallToolParams{Name: name, Arguments: args})
	})
	if err != nil {
		return "", true, fmt.Errorf("failed to call tool %s: %w", name, err)
	}

	var parts []string
	for _, content := range result.Content {
		if text, ok := content.(*mcp.TextContent); ok {
			parts = append(parts, text.Text)
		}
	}
	text := strings.Join(parts, "\n")

	if result.IsError {
		c.log.Warn("mcp/client: tool returned error result", "name", name, "error", text)
	} else {
		c.log.Debug("mcp/client: called tool", "name", name, "chars", len(text))
	}
	return text, result.IsError, nil
}

func (c *Client) Close() error {
	c.sessionMu.Lock()
	defer c.sessionMu.Unlock()
	if c.session == nil {
		return nil
	}
	err := c.session.Close()
	c.session = nil
	return err
}

type tokenTransport struct {
	base  http.RoundTripper
	token string
}

func (t *tokenTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("Authorization", "Bearer "+t.token)
	return t.base.RoundTrip(req)
}

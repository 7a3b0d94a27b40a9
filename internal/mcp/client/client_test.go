package client

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/concierge/internal/mcp/server"
	"github.com/malbeclabs/concierge/internal/tools"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func startServer(t *testing.T, tokens ...string) string {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2025, 9, 24, 3, 30, 0, 0, time.UTC))
	timeTool, err := tools.NewCurrentTimeTool(clock, time.FixedZone("JST", 9*60*60))
	require.NoError(t, err)
	multiply, err := tools.NewMultiplyTool()
	require.NoError(t, err)
	reg, err := tools.NewRegistry(timeTool, multiply)
	require.NoError(t, err)

	srv, err := server.New(server.Config{
		Logger:        testLogger(),
		Registry:      reg,
		AllowedTokens: tokens,
		AuthDisabled:  len(tokens) == 0,
	})
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts.URL
}

func TestMCP_Client_Config_Validate(t *testing.T) {
	t.Parallel()

	cfg := Config{Endpoint: "http://localhost"}
	require.ErrorContains(t, cfg.Validate(), "logger is required")

	cfg = Config{Logger: testLogger()}
	require.ErrorContains(t, cfg.Validate(), "endpoint is required")

	cfg = Config{Logger: testLogger(), Endpoint: "http://localhost"}
	require.NoError(t, cfg.Validate())
	require.Equal(t, defaultRequestTimeout, cfg.RequestTimeout)
	require.Equal(t, uint(defaultMaxTries), cfg.MaxTries)
	require.NotNil(t, cfg.BackOff)
}

func TestMCP_Client_RoundTrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	endpoint := startServer(t, "secret")

	c, err := New(ctx, Config{Logger: testLogger(), Endpoint: endpoint, Token: "secret"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	list, err := c.ListTools(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, "get_current_time", list[0].Name)
	require.Equal(t, "multiply", list[1].Name)
	require.Equal(t, "object", list[1].InputSchema["type"])
	require.Contains(t, list[1].InputSchema["properties"], "a")

	out, isErr, err := c.CallToolText(ctx, "multiply", map[string]any{"a": 6, "b": 7})
	require.NoError(t, err)
	require.False(t, isErr)
	require.Equal(t, `{"result":42}`, out)

	out, isErr, err = c.CallToolText(ctx, "multiply", map[string]any{"a": 6})
	require.NoError(t, err)
	require.True(t, isErr)
	require.Equal(t, `{"error":"a and b are required"}`, out)

	out, isErr, err = c.CallToolText(ctx, "get_current_time", nil)
	require.NoError(t, err)
	require.False(t, isErr)
	require.Contains(t, out, "2025-09-24 12:30:00")

	_, _, err = c.CallToolText(ctx, "nope", nil)
	require.Error(t, err)
}

func TestMCP_Client_RejectsBadToken(t *testing.T) {
	t.Parallel()

	endpoint := startServer(t, "secret")
	_, err := New(context.Background(), Config{Logger: testLogger(), Endpoint: endpoint, Token: "wrong"})
	require.ErrorContains(t, err, "failed to connect to MCP server")
}

func TestMCP_Client_IsConnectionError(t *testing.T) {
	t.Parallel()

	require.False(t, isConnectionError(nil))
	require.True(t, isConnectionError(errNotConnected))
	require.True(t, isConnectionError(io.EOF))
	require.True(t, isConnectionError(errors.New("write: broken pipe")))
	require.False(t, isConnectionError(errors.New("unknown tool")))
}

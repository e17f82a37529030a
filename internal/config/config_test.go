package config_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mcp "github.com/JQSC/mcp-server-hub"
	"github.com/JQSC/mcp-server-hub/internal/config"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
[client]
name = "hub"
version = "2.0"
roots = true
timeout = "3s"
rate_limit = 10

[transport]
type = "sse"
url = "http://localhost:8080/sse"
bearer_token = "secret"
await_endpoint = true

[transport.headers]
X-Team = "infra"

[transport.reconnect]
max_retries = 0
initial_delay = "250ms"
`)

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, mcp.Info{Name: "hub", Version: "2.0"}, cfg.Info())
	assert.Equal(t, mcp.Capabilities{Roots: true}, cfg.Capabilities())
	assert.Equal(t, mcp.DefaultProtocolVersion, cfg.Client.ProtocolVersion)
	assert.Equal(t, 3*time.Second, cfg.Client.Timeout)
	assert.Equal(t, config.TransportSSE, cfg.Transport.Type)
	assert.Equal(t, "infra", cfg.Transport.Headers["X-Team"])
	assert.True(t, cfg.Transport.AwaitEndpoint)
	require.NotNil(t, cfg.Transport.Reconnect.MaxRetries)
	assert.Zero(t, *cfg.Transport.Reconnect.MaxRetries)
	assert.Equal(t, 250*time.Millisecond, cfg.Transport.Reconnect.InitialDelay)

	// Logger, protocol version, timeout and rate limit.
	assert.Len(t, cfg.ClientOptions(nil), 4)

	transport, err := cfg.NewTransport(context.Background(), nil)
	require.NoError(t, err)
	assert.IsType(t, &mcp.SSE{}, transport)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, `
[client]
name = "hub"
colour = "blue"
`)

	_, err := config.Load(path)
	require.ErrorIs(t, err, config.ErrInvalid)
	assert.Contains(t, err.Error(), "client.colour")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*config.Config)
		ok     bool
	}{
		{name: "default", modify: func(*config.Config) {}, ok: true},
		{name: "command without command", modify: func(c *config.Config) { c.Transport.Type = config.TransportCommand }},
		{name: "sse without url", modify: func(c *config.Config) { c.Transport.Type = config.TransportSSE }},
		{name: "websocket without url", modify: func(c *config.Config) { c.Transport.Type = config.TransportWebSocket }},
		{name: "unknown transport", modify: func(c *config.Config) { c.Transport.Type = "carrier-pigeon" }},
		{name: "empty name", modify: func(c *config.Config) { c.Client.Name = "" }},
		{name: "negative rate", modify: func(c *config.Config) { c.Client.RateLimit = -1 }},
		{
			name: "websocket with url",
			modify: func(c *config.Config) {
				c.Transport.Type = config.TransportWebSocket
				c.Transport.URL = "ws://localhost/ws"
			},
			ok: true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := config.Default()
			tc.modify(cfg)

			err := cfg.Validate()
			if tc.ok {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, config.ErrInvalid)
		})
	}
}

func TestNewTransportKinds(t *testing.T) {
	cfg := config.Default()
	transport, err := cfg.NewTransport(context.Background(), nil)
	require.NoError(t, err)
	assert.IsType(t, &mcp.StdIO{}, transport)

	cfg.Transport.Type = config.TransportWebSocket
	cfg.Transport.URL = "ws://localhost/ws"
	transport, err = cfg.NewTransport(context.Background(), nil)
	require.NoError(t, err)
	assert.IsType(t, &mcp.WebSocket{}, transport)

	cfg.Transport.Type = config.TransportSSE
	cfg.Transport.URL = "ftp://localhost"
	transport, err = cfg.NewTransport(context.Background(), nil)
	assert.Error(t, err)
	assert.Nil(t, transport)
}

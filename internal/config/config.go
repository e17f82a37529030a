// Package config loads the client configuration from a TOML file and turns it into a
// connected transport and client options.
package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"golang.org/x/oauth2"

	mcp "github.com/JQSC/mcp-server-hub"
)

// Transport types.
const (
	TransportStdIO     = "stdio"
	TransportCommand   = "command"
	TransportSSE       = "sse"
	TransportWebSocket = "websocket"
)

// ErrInvalid is wrapped by every validation error.
var ErrInvalid = errors.New("invalid configuration")

// Config is the complete client configuration.
type Config struct {
	Client    Client    `toml:"client"`
	Transport Transport `toml:"transport"`
}

// Client configures the protocol client.
type Client struct {
	Name            string        `toml:"name"`
	Version         string        `toml:"version"`
	ProtocolVersion string        `toml:"protocol_version"`
	Roots           bool          `toml:"roots"`
	Sampling        bool          `toml:"sampling"`
	Timeout         time.Duration `toml:"timeout"`
	RateLimit       int           `toml:"rate_limit"`
	RateBurst       int           `toml:"rate_burst"`
}

// Transport selects and configures the transport.
type Transport struct {
	Type          string            `toml:"type"`
	URL           string            `toml:"url"`
	Command       string            `toml:"command"`
	Args          []string          `toml:"args"`
	Env           []string          `toml:"env"`
	Headers       map[string]string `toml:"headers"`
	BearerToken   string            `toml:"bearer_token"`
	AwaitEndpoint bool              `toml:"await_endpoint"`
	Reconnect     Reconnect         `toml:"reconnect"`
}

// Reconnect configures the SSE stream reconnect policy. Zero fields keep the defaults.
type Reconnect struct {
	MaxRetries   *int          `toml:"max_retries"`
	InitialDelay time.Duration `toml:"initial_delay"`
	MaxDelay     time.Duration `toml:"max_delay"`
	GrowFactor   float64       `toml:"grow_factor"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Client: Client{
			Name:            "mcpclient",
			Version:         "0.1.0",
			ProtocolVersion: mcp.DefaultProtocolVersion,
		},
		Transport: Transport{
			Type: TransportStdIO,
		},
	}
}

// Load reads the TOML file at path on top of Default. Unknown keys are rejected.
func Load(path string) (*Config, error) {
	cfg := Default()

	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, key := range undecoded {
			keys = append(keys, key.String())
		}
		return nil, fmt.Errorf("%w: unknown keys in %s: %s", ErrInvalid, path, strings.Join(keys, ", "))
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the selected transport has what it needs.
func (c *Config) Validate() error {
	switch c.Transport.Type {
	case TransportStdIO:
	case TransportCommand:
		if c.Transport.Command == "" {
			return fmt.Errorf("%w: transport %q requires command", ErrInvalid, c.Transport.Type)
		}
	case TransportSSE, TransportWebSocket:
		if c.Transport.URL == "" {
			return fmt.Errorf("%w: transport %q requires url", ErrInvalid, c.Transport.Type)
		}
	default:
		return fmt.Errorf("%w: unknown transport type %q", ErrInvalid, c.Transport.Type)
	}

	if c.Client.Name == "" {
		return fmt.Errorf("%w: client name is required", ErrInvalid)
	}
	if c.Client.RateLimit < 0 || c.Client.RateBurst < 0 {
		return fmt.Errorf("%w: rate limit must not be negative", ErrInvalid)
	}
	return nil
}

// Info returns the client descriptor.
func (c *Config) Info() mcp.Info {
	return mcp.Info{Name: c.Client.Name, Version: c.Client.Version}
}

// Capabilities returns the capabilities the client declares.
func (c *Config) Capabilities() mcp.Capabilities {
	return mcp.Capabilities{
		Roots:    mcp.Capability(c.Client.Roots),
		Sampling: mcp.Capability(c.Client.Sampling),
	}
}

// ClientOptions returns the options for mcp.NewClient. A nil logger means slog.Default.
func (c *Config) ClientOptions(logger *slog.Logger) []mcp.ClientOption {
	if logger == nil {
		logger = slog.Default()
	}
	opts := []mcp.ClientOption{mcp.WithClientLogger(logger)}
	if c.Client.ProtocolVersion != "" {
		opts = append(opts, mcp.WithProtocolVersion(c.Client.ProtocolVersion))
	}
	if c.Client.Timeout > 0 {
		opts = append(opts, mcp.WithRequestTimeout(c.Client.Timeout))
	}
	if c.Client.RateLimit > 0 {
		burst := c.Client.RateBurst
		if burst == 0 {
			burst = c.Client.RateLimit
		}
		opts = append(opts, mcp.WithRequestRateLimit(c.Client.RateLimit, burst))
	}
	return opts
}

// NewTransport builds the configured transport. A command transport starts its
// subprocess immediately, bound to ctx.
func (c *Config) NewTransport(ctx context.Context, logger *slog.Logger) (mcp.Transport, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	t := c.Transport
	switch t.Type {
	case TransportStdIO:
		return mcp.NewProcessStdIO(mcp.WithStdIOLogger(logger)), nil
	case TransportCommand:
		cmd, err := mcp.NewCommand(ctx, t.Command, t.Args,
			mcp.WithCommandEnv(t.Env),
			mcp.WithCommandLogger(logger),
		)
		if err != nil {
			return nil, err
		}
		return cmd, nil
	case TransportSSE:
		opts := []mcp.SSEOption{
			mcp.WithSSELogger(logger),
			mcp.WithSSEReconnect(c.reconnectOptions()),
		}
		for key, value := range t.Headers {
			opts = append(opts, mcp.WithSSEHeader(key, value))
		}
		if t.BearerToken != "" {
			opts = append(opts, mcp.WithSSETokenSource(staticToken(t.BearerToken)))
		}
		if t.AwaitEndpoint {
			opts = append(opts, mcp.WithSSEAwaitEndpoint())
		}
		sse, err := mcp.NewSSE(t.URL, opts...)
		if err != nil {
			return nil, err
		}
		return sse, nil
	default:
		opts := []mcp.WebSocketOption{mcp.WithWebSocketLogger(logger)}
		for key, value := range t.Headers {
			opts = append(opts, mcp.WithWebSocketHeader(key, value))
		}
		if t.BearerToken != "" {
			opts = append(opts, mcp.WithWebSocketTokenSource(staticToken(t.BearerToken)))
		}
		return mcp.NewWebSocket(t.URL, opts...), nil
	}
}

func (c *Config) reconnectOptions() mcp.ReconnectOptions {
	opts := mcp.DefaultReconnectOptions()
	r := c.Transport.Reconnect
	if r.MaxRetries != nil {
		opts.MaxRetries = *r.MaxRetries
	}
	if r.InitialDelay > 0 {
		opts.InitialDelay = r.InitialDelay
	}
	if r.MaxDelay > 0 {
		opts.MaxDelay = r.MaxDelay
	}
	if r.GrowFactor > 0 {
		opts.GrowFactor = r.GrowFactor
	}
	return opts
}

func staticToken(token string) oauth2.TokenSource {
	return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token, TokenType: "Bearer"})
}

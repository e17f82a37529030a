// Package cli implements the mcpclient command: it connects to a server, prints what the
// server offers, optionally calls one tool and shuts the session down.
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/jessevdk/go-flags"

	mcp "github.com/JQSC/mcp-server-hub"
	"github.com/JQSC/mcp-server-hub/internal/config"
)

// Options are the command line flags. Flags given explicitly override the config file.
type Options struct {
	Config    string            `short:"c" long:"config" description:"TOML config file"`
	Transport string            `short:"t" long:"transport" description:"transport type" choice:"stdio" choice:"command" choice:"sse" choice:"websocket"`
	URL       string            `short:"u" long:"url" description:"server URL for the sse and websocket transports"`
	Command   string            `long:"command" description:"server command for the command transport"`
	Args      []string          `long:"arg" description:"server command argument, repeatable"`
	Headers   map[string]string `short:"H" long:"header" description:"request header as name:value, repeatable"`
	Token     string            `long:"token" description:"bearer token for HTTP transports"`
	Name      string            `long:"name" description:"client name"`
	Version   string            `long:"client-version" description:"client version"`
	Roots     bool              `long:"roots" description:"declare the roots capability"`
	RootURIs  []string          `long:"root" description:"root URI to register with the server, repeatable; implies --roots"`
	Sampling  bool              `long:"sampling" description:"declare the sampling capability"`
	Timeout   time.Duration     `long:"timeout" description:"per request timeout"`
	Call      string            `long:"call" description:"name of a tool to call"`
	Arguments string            `long:"arguments" description:"tool parameters as a JSON object" default:"{}"`
	Verbose   bool              `short:"v" long:"verbose" description:"log at debug level"`
}

// notifications logged while the command runs.
var watchedNotifications = []string{"log", "resourcesChanged", "toolsChanged"}

// Run executes the command with args. Results are written to stdout as JSON, logs to
// stderr. With the stdio transport stdout carries the protocol, so results go to stderr.
func Run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	options := &Options{}
	if _, err := flags.ParseArgs(options, args); err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			return nil
		}
		return err
	}

	cfg, err := buildConfig(options)
	if err != nil {
		return err
	}

	level := slog.LevelInfo
	if options.Verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))

	if cfg.Transport.Type == config.TransportStdIO {
		stdout = stderr
	}

	var params map[string]any
	if options.Call != "" {
		if err := json.Unmarshal([]byte(options.Arguments), &params); err != nil {
			return fmt.Errorf("failed to parse tool arguments: %w", err)
		}
	}

	transport, err := cfg.NewTransport(ctx, logger)
	if err != nil {
		return fmt.Errorf("failed to create transport: %w", err)
	}

	client := mcp.NewClient(cfg.Info(), cfg.Capabilities(), cfg.ClientOptions(logger)...)
	for _, method := range watchedNotifications {
		client.On(method, func(params json.RawMessage) {
			logger.Info("server notification", "method", method, "params", string(params))
		})
	}

	if err := client.Connect(ctx, transport); err != nil {
		return err
	}

	runErr := run(ctx, client, options.RootURIs, options.Call, params, stdout)

	if err := client.Shutdown(ctx); err != nil {
		logger.Warn("failed to shut down", "err", err)
	}
	return runErr
}

func run(ctx context.Context, client *mcp.Client, rootURIs []string, tool string, params map[string]any, out io.Writer) error {
	caps := client.ServerCapabilities()

	report := struct {
		Server       mcp.Info            `json:"server"`
		Capabilities mcp.Capabilities    `json:"capabilities"`
		Tools        []mcp.Tool          `json:"tools,omitempty"`
		Resources    []mcp.Resource      `json:"resources,omitempty"`
		Roots        []mcp.Root          `json:"roots,omitempty"`
		Result       *mcp.CallToolResult `json:"result,omitempty"`
	}{
		Server:       client.ServerInfo(),
		Capabilities: caps,
	}

	if caps.Tools {
		tools, err := client.ListTools(ctx)
		if err != nil {
			return fmt.Errorf("failed to list tools: %w", err)
		}
		report.Tools = tools.Tools
	}

	if caps.Resources {
		resources, err := client.ListResources(ctx)
		if err != nil {
			return fmt.Errorf("failed to list resources: %w", err)
		}
		report.Resources = resources.Resources
	}

	if len(rootURIs) > 0 {
		for _, uri := range rootURIs {
			if err := client.AddRoot(ctx, mcp.Root{URI: uri}); err != nil {
				return fmt.Errorf("failed to add root %s: %w", uri, err)
			}
		}
		roots, err := client.ListRoots(ctx)
		if err != nil {
			return fmt.Errorf("failed to list roots: %w", err)
		}
		report.Roots = roots.Roots
	}

	if tool != "" {
		result, err := client.CallTool(ctx, tool, params)
		if err != nil {
			return fmt.Errorf("failed to call tool %s: %w", tool, err)
		}
		report.Result = &result
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}

// buildConfig loads the config file, if any, and applies the flags on top.
func buildConfig(options *Options) (*config.Config, error) {
	cfg := config.Default()
	if options.Config != "" {
		loaded, err := config.Load(options.Config)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if options.Transport != "" {
		cfg.Transport.Type = options.Transport
	}
	if options.URL != "" {
		cfg.Transport.URL = options.URL
	}
	if options.Command != "" {
		cfg.Transport.Command = options.Command
	}
	if len(options.Args) > 0 {
		cfg.Transport.Args = options.Args
	}
	if len(options.Headers) > 0 {
		if cfg.Transport.Headers == nil {
			cfg.Transport.Headers = make(map[string]string)
		}
		for key, value := range options.Headers {
			cfg.Transport.Headers[key] = value
		}
	}
	if options.Token != "" {
		cfg.Transport.BearerToken = options.Token
	}
	if options.Name != "" {
		cfg.Client.Name = options.Name
	}
	if options.Version != "" {
		cfg.Client.Version = options.Version
	}
	if options.Roots || len(options.RootURIs) > 0 {
		cfg.Client.Roots = true
	}
	if options.Sampling {
		cfg.Client.Sampling = true
	}
	if options.Timeout > 0 {
		cfg.Client.Timeout = options.Timeout
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

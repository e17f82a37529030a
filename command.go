package mcp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"time"
)

// Command implements Transport by starting a server as a subprocess and exchanging
// line-delimited envelopes over its stdin and stdout. The subprocess's stderr is logged
// line by line at debug level.
type Command struct {
	*StdIO

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	logger *slog.Logger

	gracePeriod time.Duration

	exited  chan struct{}
	waitErr error

	closeOnce sync.Once
	closeErr  error
}

// CommandOption represents the options for the Command transport.
type CommandOption func(*commandConfig)

type commandConfig struct {
	env         []string
	dir         string
	logger      *slog.Logger
	gracePeriod time.Duration
	stdioOpts   []StdIOOption
}

// WithCommandEnv sets the subprocess environment, in the form of os/exec.Cmd.Env.
func WithCommandEnv(env []string) CommandOption {
	return func(c *commandConfig) {
		c.env = env
	}
}

// WithCommandDir sets the subprocess working directory.
func WithCommandDir(dir string) CommandOption {
	return func(c *commandConfig) {
		c.dir = dir
	}
}

// WithCommandLogger sets the logger for the transport and for the subprocess's stderr.
func WithCommandLogger(logger *slog.Logger) CommandOption {
	return func(c *commandConfig) {
		c.logger = logger
		c.stdioOpts = append(c.stdioOpts, WithStdIOLogger(logger))
	}
}

// WithCommandGracePeriod sets how long Close waits for the subprocess to exit after its
// stdin is closed before killing it.
func WithCommandGracePeriod(d time.Duration) CommandOption {
	return func(c *commandConfig) {
		c.gracePeriod = d
	}
}

// NewCommand starts name with args and returns a transport speaking to it. The
// subprocess is killed when ctx is done.
func NewCommand(ctx context.Context, name string, args []string, options ...CommandOption) (*Command, error) {
	cfg := commandConfig{
		logger:      slog.Default(),
		gracePeriod: 2 * time.Second,
	}
	for _, opt := range options {
		opt(&cfg)
	}

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Env = cfg.env
	cmd.Dir = cfg.dir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	// Going through an io.Pipe makes Wait finish copying stdout before the reader sees EOF,
	// so output written right before exit is not lost.
	stdoutReader, stdoutWriter := io.Pipe()
	cmd.Stdout = stdoutWriter
	cmd.Stderr = &lineLogger{logger: cfg.logger, name: name}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", name, err)
	}

	c := &Command{
		StdIO:       NewStdIO(stdoutReader, stdin, cfg.stdioOpts...),
		cmd:         cmd,
		stdin:       stdin,
		logger:      cfg.logger,
		gracePeriod: cfg.gracePeriod,
		exited:      make(chan struct{}),
	}

	go func() {
		c.waitErr = cmd.Wait()
		stdoutWriter.Close()
		close(c.exited)
	}()

	return c, nil
}

// Exited is closed once the subprocess has exited.
func (c *Command) Exited() <-chan struct{} {
	return c.exited
}

// Close implements Transport. It closes the subprocess's stdin, waits for it to exit and
// kills it after the grace period.
func (c *Command) Close() error {
	c.closeOnce.Do(func() {
		_ = c.StdIO.Close()

		if err := c.stdin.Close(); err != nil && !errors.Is(err, io.ErrClosedPipe) {
			c.logger.Warn("failed to close subprocess stdin", "transport_id", c.ID(), "err", err)
		}

		timer := time.NewTimer(c.gracePeriod)
		defer timer.Stop()

		select {
		case <-c.exited:
		case <-timer.C:
			c.logger.Warn("subprocess did not exit, killing it", "transport_id", c.ID(), "pid", c.cmd.Process.Pid)
			_ = c.cmd.Process.Kill()
			<-c.exited
			return
		}

		var exitErr *exec.ExitError
		if c.waitErr != nil && !errors.As(c.waitErr, &exitErr) {
			c.closeErr = fmt.Errorf("failed to wait for subprocess: %w", c.waitErr)
		}
	})
	return c.closeErr
}

// lineLogger is an io.Writer logging each complete line it receives.
type lineLogger struct {
	logger *slog.Logger
	name   string

	mu  sync.Mutex
	buf []byte
}

func (l *lineLogger) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.buf = append(l.buf, p...)
	for {
		idx := bytes.IndexByte(l.buf, '\n')
		if idx < 0 {
			break
		}
		if line := bytes.TrimSpace(l.buf[:idx]); len(line) > 0 {
			l.logger.Debug("subprocess stderr", "command", l.name, "line", string(line))
		}
		l.buf = l.buf[idx+1:]
	}
	return len(p), nil
}

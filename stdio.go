package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

// StdIO implements Transport over a byte stream pair, typically a server subprocess's
// stdout and stdin or the host process's own stdin and stdout. Each envelope is encoded
// as one line of JSON terminated by a single '\n'.
//
// Reading starts when the first handler is registered. Inbound bytes are buffered until a
// full line is available, so messages split across reads are reassembled and a single
// read carrying several lines yields every message in order. Lines that fail to parse are
// logged and discarded.
//
// The reader and writer belong to the caller: Close only detaches the handler and rejects
// further sends. Registering a handler again re-attaches the same streams.
type StdIO struct {
	id     string
	reader io.Reader
	writer io.Writer
	logger *slog.Logger

	readBufferSize int

	writeMu   sync.Mutex
	startRead sync.Once

	mu      sync.RWMutex
	handler MessageHandler
	closed  bool
}

// StdIOOption represents the options for the StdIO transport.
type StdIOOption func(*StdIO)

const defaultStdIOReadBufferSize = 4096

// NewStdIO creates a StdIO transport reading envelopes from reader and writing them to
// writer.
func NewStdIO(reader io.Reader, writer io.Writer, options ...StdIOOption) *StdIO {
	s := &StdIO{
		id:             uuid.New().String(),
		reader:         reader,
		writer:         writer,
		logger:         slog.Default(),
		readBufferSize: defaultStdIOReadBufferSize,
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// NewProcessStdIO creates a StdIO transport over the current process's stdin and stdout.
func NewProcessStdIO(options ...StdIOOption) *StdIO {
	return NewStdIO(os.Stdin, os.Stdout, options...)
}

// WithStdIOLogger sets the logger for the StdIO transport.
func WithStdIOLogger(logger *slog.Logger) StdIOOption {
	return func(s *StdIO) {
		s.logger = logger
	}
}

// WithStdIOReadBufferSize sets the size of a single read from the underlying reader.
// Lines longer than this are still reassembled across reads.
func WithStdIOReadBufferSize(size int) StdIOOption {
	return func(s *StdIO) {
		if size > 0 {
			s.readBufferSize = size
		}
	}
}

// ID returns the random identifier of this transport, used to correlate log lines.
func (s *StdIO) ID() string {
	return s.id
}

// Send implements Transport by writing msg as a single line.
//
// Writers with a write deadline, such as subprocess pipes and net.Conn, are written
// synchronously and a done ctx aborts the write, so nothing reaches the peer after Send
// has failed unless the write was already partly through. Other writers are written in
// the background; when ctx ends first Send returns ctx.Err() while the write still
// completes, and the envelope may reach the peer after Send reported a failure.
func (s *StdIO) Send(ctx context.Context, msg JSONRPCMessage) error {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return ErrTransportClosed
	}

	msgBs, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	msgBs = append(msgBs, '\n')

	if dw, ok := s.writer.(deadlineWriter); ok {
		if written, err := s.writeWithDeadline(ctx, dw, msgBs); written {
			return err
		}
	}

	errs := make(chan error, 1)
	go func() {
		s.writeMu.Lock()
		defer s.writeMu.Unlock()

		_, err := s.writer.Write(msgBs)
		errs <- err
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errs:
		if err != nil {
			return fmt.Errorf("failed to write message: %w", err)
		}
		return nil
	}
}

// deadlineWriter is a writer whose blocked writes can be interrupted.
type deadlineWriter interface {
	io.Writer
	SetWriteDeadline(t time.Time) error
}

// writeWithDeadline writes msgBs bounded by ctx. It reports false, having written nothing,
// when w does not support deadlines after all.
func (s *StdIO) writeWithDeadline(ctx context.Context, w deadlineWriter, msgBs []byte) (bool, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := ctx.Err(); err != nil {
		return true, err
	}

	deadline, _ := ctx.Deadline()
	if err := w.SetWriteDeadline(deadline); err != nil {
		return false, nil
	}
	defer func() { _ = w.SetWriteDeadline(time.Time{}) }()

	// Cancellation without a deadline interrupts the write as well.
	stop := context.AfterFunc(ctx, func() {
		_ = w.SetWriteDeadline(time.Now())
	})
	defer stop()

	if _, err := w.Write(msgBs); err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			// The deadline came from ctx, which is done or about to be.
			<-ctx.Done()
			return true, ctx.Err()
		}
		return true, fmt.Errorf("failed to write message: %w", err)
	}
	return true, nil
}

// SetMessageHandler implements Transport. The first call starts the read loop.
func (s *StdIO) SetMessageHandler(handler MessageHandler) {
	s.mu.Lock()
	s.handler = handler
	s.closed = false
	s.mu.Unlock()

	s.startRead.Do(func() {
		go s.readLoop()
	})
}

// Close implements Transport. It detaches the handler without closing the streams.
func (s *StdIO) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.handler = nil
	s.closed = true
	return nil
}

func (s *StdIO) readLoop() {
	chunk := make([]byte, s.readBufferSize)
	var pending []byte

	for {
		n, err := s.reader.Read(chunk)
		if n > 0 {
			pending = append(pending, chunk[:n]...)
			pending = s.drainLines(pending)
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrClosedPipe) && !errors.Is(err, os.ErrClosed) {
				s.logger.Error("failed to read message", "transport_id", s.id, "err", err)
			}
			if len(bytes.TrimSpace(pending)) > 0 {
				s.logger.Warn("discarding incomplete line at end of stream", "transport_id", s.id)
			}
			return
		}
	}
}

// drainLines delivers every complete line in buf and returns the unterminated remainder.
func (s *StdIO) drainLines(buf []byte) []byte {
	for {
		idx := bytes.IndexByte(buf, '\n')
		if idx < 0 {
			break
		}
		line := bytes.TrimSpace(buf[:idx])
		buf = buf[idx+1:]

		if len(line) == 0 {
			continue
		}

		var msg JSONRPCMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			s.logger.Error("failed to unmarshal message", "transport_id", s.id, "err", err)
			continue
		}
		s.deliver(msg)
	}

	// Compact so the backing array does not grow without bound.
	return append([]byte(nil), buf...)
}

func (s *StdIO) deliver(msg JSONRPCMessage) {
	s.mu.RLock()
	handler := s.handler
	s.mu.RUnlock()

	if handler == nil {
		return
	}
	handler(msg)
}

package mcp_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mcp "github.com/JQSC/mcp-server-hub"
	"github.com/JQSC/mcp-server-hub/mcptest"
)

// pipeStdIO wires a client StdIO to a peer served over a pair of in-memory pipes.
func pipeStdIO(t *testing.T, peer *mcptest.Peer) (*mcp.StdIO, *mcptest.StdIOServer) {
	t.Helper()

	clientReader, serverWriter := io.Pipe()
	serverReader, clientWriter := io.Pipe()
	t.Cleanup(func() {
		_ = clientReader.Close()
		_ = serverReader.Close()
	})

	server := mcptest.ServeStdIO(peer, serverReader, serverWriter)
	return mcp.NewStdIO(clientReader, clientWriter), server
}

type collector struct {
	mu   sync.Mutex
	msgs []mcp.JSONRPCMessage
}

func (c *collector) handle(msg mcp.JSONRPCMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, msg)
}

func (c *collector) messages() []mcp.JSONRPCMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]mcp.JSONRPCMessage(nil), c.msgs...)
}

func (c *collector) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs)
}

func TestStdIOClientRoundTrip(t *testing.T) {
	peer := newTestPeer(mcp.Capabilities{Tools: true})
	transport, server := pipeStdIO(t, peer)

	client := mcp.NewClient(testClientInfo, mcp.Capabilities{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, client.Connect(ctx, transport))

	notified := make(chan json.RawMessage, 1)
	client.On("toolsChanged", func(params json.RawMessage) { notified <- params })

	tools, err := client.ListTools(ctx)
	require.NoError(t, err)
	require.Len(t, tools.Tools, 1)

	require.NoError(t, server.Notify(ctx, "toolsChanged", map[string]int{"count": 2}))
	select {
	case params := <-notified:
		assert.JSONEq(t, `{"count":2}`, string(params))
	case <-ctx.Done():
		t.Fatal("notification not delivered")
	}

	require.NoError(t, client.Shutdown(ctx))
	assert.Equal(t, []string{mcp.MethodInitialize, mcp.MethodListTools, mcp.MethodShutdown}, peer.Methods())

	// Closed transports reject sends.
	err = transport.Send(ctx, mcp.JSONRPCMessage{JSONRPC: mcp.JSONRPCVersion, Method: "log"})
	assert.ErrorIs(t, err, mcp.ErrTransportClosed)
}

func TestStdIOSendWritesOneLine(t *testing.T) {
	var buf bytes.Buffer
	transport := mcp.NewStdIO(bytes.NewReader(nil), &buf)

	id := mcp.RequestID(3)
	err := transport.Send(context.Background(), mcp.JSONRPCMessage{
		JSONRPC: mcp.JSONRPCVersion,
		ID:      &id,
		Method:  mcp.MethodPing,
		Params:  json.RawMessage(`{}`),
	})
	require.NoError(t, err)
	assert.Equal(t, "{\"jsonrpc\":\"2.0\",\"id\":3,\"method\":\"ping\",\"params\":{}}\n", buf.String())
}

func TestStdIOReassemblesPartialLines(t *testing.T) {
	reader, writer := io.Pipe()
	defer reader.Close()

	transport := mcp.NewStdIO(reader, io.Discard, mcp.WithStdIOReadBufferSize(8))
	var got collector
	transport.SetMessageHandler(got.handle)

	write := func(s string) {
		_, err := writer.Write([]byte(s))
		require.NoError(t, err)
	}

	write(`{"jsonrpc":"2.0","id":1,"res`)
	write(`ult":{"a":1}}` + "\n")
	write(`{"jsonrpc":"2.0","method":"log","params":{}}` + "\n" + `{"jsonrpc":"2.0","id":2,"result":{}}` + "\n")
	write("\n   \n")
	write(`not json` + "\n")
	write(`{"jsonrpc":"2.0","id":"3","result":{}}` + "\n")

	require.Eventually(t, func() bool { return got.len() == 4 }, time.Second, 5*time.Millisecond)

	msgs := got.messages()
	require.NotNil(t, msgs[0].ID)
	assert.Equal(t, mcp.RequestID(1), *msgs[0].ID)
	assert.JSONEq(t, `{"a":1}`, string(msgs[0].Result))
	assert.Equal(t, "log", msgs[1].Method)
	assert.Equal(t, mcp.RequestID(2), *msgs[2].ID)
	assert.Equal(t, mcp.RequestID(3), *msgs[3].ID)
}

func TestStdIODispatchesServerRequestWithStringID(t *testing.T) {
	clientReader, serverWriter := io.Pipe()
	serverReader, clientWriter := io.Pipe()
	defer clientReader.Close()
	defer serverReader.Close()

	// Answer the handshake once the initialize request arrives.
	go func() {
		if _, err := bufio.NewReader(serverReader).ReadBytes('\n'); err != nil {
			return
		}
		_, _ = serverWriter.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":{"capabilities":{}}}` + "\n"))
	}()

	transport := mcp.NewStdIO(clientReader, clientWriter)
	client := mcp.NewClient(testClientInfo, mcp.Capabilities{})

	var (
		mu     sync.Mutex
		levels []string
	)
	client.On("log", func(params json.RawMessage) {
		var p struct {
			Level string `json:"level"`
		}
		_ = json.Unmarshal(params, &p)
		mu.Lock()
		defer mu.Unlock()
		levels = append(levels, p.Level)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, client.Connect(ctx, transport))

	_, err := serverWriter.Write([]byte(`{"jsonrpc":"2.0","id":"srv-1","method":"log","params":{"level":"info"}}` + "\n"))
	require.NoError(t, err)
	_, err = serverWriter.Write([]byte(`{"jsonrpc":"2.0","method":"log","params":{"level":"debug"}}` + "\n"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(levels) == 2
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"info", "debug"}, levels)
}

func TestStdIOCloseDetachesHandler(t *testing.T) {
	reader, writer := io.Pipe()
	defer reader.Close()

	transport := mcp.NewStdIO(reader, io.Discard)
	var got collector
	transport.SetMessageHandler(got.handle)

	line := `{"jsonrpc":"2.0","method":"log","params":{}}` + "\n"
	_, err := writer.Write([]byte(line))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return got.len() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, transport.Close())
	require.NoError(t, transport.Close())

	var again collector
	transport.SetMessageHandler(again.handle)
	_, err = writer.Write([]byte(line))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return again.len() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, got.len())

	err = transport.Send(context.Background(), mcp.JSONRPCMessage{JSONRPC: mcp.JSONRPCVersion, Method: "log"})
	assert.NoError(t, err)
}

func TestStdIOSendHonorsContext(t *testing.T) {
	_, writer := io.Pipe()
	transport := mcp.NewStdIO(bytes.NewReader(nil), writer)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	// Nobody reads the pipe, so the write blocks.
	err := transport.Send(ctx, mcp.JSONRPCMessage{JSONRPC: mcp.JSONRPCVersion, Method: "log"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestStdIOSendAbortsDeadlineWriter(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	transport := mcp.NewStdIO(bytes.NewReader(nil), clientConn)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	// Nobody reads yet, so the write blocks until the deadline.
	err := transport.Send(ctx, mcp.JSONRPCMessage{JSONRPC: mcp.JSONRPCVersion, Method: "log"})
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// The abandoned envelope never reaches the peer.
	require.NoError(t, serverConn.SetReadDeadline(time.Now().Add(50*time.Millisecond)))
	n, err := serverConn.Read(make([]byte, 64))
	assert.Zero(t, n)
	assert.ErrorIs(t, err, os.ErrDeadlineExceeded)

	// Later sends are not affected by the expired deadline.
	require.NoError(t, serverConn.SetReadDeadline(time.Time{}))
	lines := make(chan string, 1)
	go func() {
		line, _ := bufio.NewReader(serverConn).ReadString('\n')
		lines <- line
	}()
	require.NoError(t, transport.Send(context.Background(), mcp.JSONRPCMessage{JSONRPC: mcp.JSONRPCVersion, Method: "log"}))
	assert.Equal(t, `{"jsonrpc":"2.0","method":"log"}`+"\n", <-lines)
}

func TestStdIOSendCancelAbortsDeadlineWriter(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	transport := mcp.NewStdIO(bytes.NewReader(nil), clientConn)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	err := transport.Send(ctx, mcp.JSONRPCMessage{JSONRPC: mcp.JSONRPCVersion, Method: "log"})
	assert.ErrorIs(t, err, context.Canceled)
}

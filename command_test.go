package mcp_test

import (
	"context"
	"encoding/json"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mcp "github.com/JQSC/mcp-server-hub"
)

// cat echoes every request back, so each request resolves with itself as the response:
// the echoed envelope carries the request id and no error.
func TestCommandEcho(t *testing.T) {
	if _, err := exec.LookPath("cat"); err != nil {
		t.Skip("cat not available")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	transport, err := mcp.NewCommand(ctx, "cat", nil, mcp.WithCommandGracePeriod(time.Second))
	require.NoError(t, err)

	received := make(chan mcp.JSONRPCMessage, 1)
	transport.SetMessageHandler(func(msg mcp.JSONRPCMessage) { received <- msg })

	id := mcp.RequestID(9)
	sent := mcp.JSONRPCMessage{
		JSONRPC: mcp.JSONRPCVersion,
		ID:      &id,
		Method:  mcp.MethodPing,
		Params:  json.RawMessage(`{}`),
	}
	require.NoError(t, transport.Send(ctx, sent))

	select {
	case msg := <-received:
		require.NotNil(t, msg.ID)
		assert.Equal(t, id, *msg.ID)
		assert.Equal(t, mcp.MethodPing, msg.Method)
	case <-ctx.Done():
		t.Fatal("echo not received")
	}

	require.NoError(t, transport.Close())
	require.NoError(t, transport.Close())

	select {
	case <-transport.Exited():
	default:
		t.Fatal("subprocess still running after Close")
	}

	err = transport.Send(ctx, sent)
	assert.ErrorIs(t, err, mcp.ErrTransportClosed)
}

func TestCommandClientHandshake(t *testing.T) {
	if _, err := exec.LookPath("cat"); err != nil {
		t.Skip("cat not available")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	transport, err := mcp.NewCommand(ctx, "cat", nil)
	require.NoError(t, err)
	defer transport.Close()

	// The echoed initialize request decodes as a result with no capabilities.
	client := mcp.NewClient(testClientInfo, mcp.Capabilities{Roots: true})
	require.NoError(t, client.Connect(ctx, transport))
	assert.True(t, client.Initialized())
	assert.False(t, bool(client.ServerCapabilities().Roots))

	err = client.AddRoot(ctx, mcp.Root{URI: "file:///tmp"})
	assert.ErrorIs(t, err, mcp.ErrCapabilityMismatch)
}

func TestCommandStartFailure(t *testing.T) {
	_, err := mcp.NewCommand(context.Background(), "definitely-not-a-real-binary-xyz", nil)
	assert.Error(t, err)
}

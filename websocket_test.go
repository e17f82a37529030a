package mcp_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	mcp "github.com/JQSC/mcp-server-hub"
	"github.com/JQSC/mcp-server-hub/mcptest"
)

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestWebSocketClientFlow(t *testing.T) {
	peer := newTestPeer(mcp.Capabilities{Tools: true})
	handler := mcptest.NewWebSocketServer(peer)

	auths := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auths <- r.Header.Get("Authorization")
		handler.ServeHTTP(w, r)
	}))
	defer srv.Close()

	transport := mcp.NewWebSocket(wsURL(srv),
		mcp.WithWebSocketTokenSource(oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "secret", TokenType: "Bearer"})),
	)
	client := mcp.NewClient(testClientInfo, mcp.Capabilities{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, client.Connect(ctx, transport))
	assert.Equal(t, "Bearer secret", <-auths)
	assert.Equal(t, 1, handler.Connections())

	notified := make(chan json.RawMessage, 1)
	client.On("log", func(params json.RawMessage) { notified <- params })

	// Malformed frames are dropped without ending the connection.
	require.NoError(t, handler.SendRaw([]byte("not json")))
	require.NoError(t, handler.Notify("log", map[string]string{"level": "info"}))
	select {
	case params := <-notified:
		assert.JSONEq(t, `{"level":"info"}`, string(params))
	case <-ctx.Done():
		t.Fatal("notification not delivered")
	}

	result, err := client.CallTool(ctx, "echo", map[string]any{"text": "over websocket"})
	require.NoError(t, err)
	require.Len(t, result.Content, 1)
	assert.Equal(t, "over websocket", result.Content[0].Text)

	require.NoError(t, client.Shutdown(ctx))
	require.Eventually(t, func() bool { return handler.Connections() == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{mcp.MethodInitialize, mcp.MethodCallTool, mcp.MethodShutdown}, peer.Methods())
}

func TestWebSocketRedialsAfterClose(t *testing.T) {
	peer := newTestPeer(mcp.Capabilities{})
	srv := httptest.NewServer(mcptest.NewWebSocketServer(peer))
	defer srv.Close()

	transport := mcp.NewWebSocket(wsURL(srv))
	client := mcp.NewClient(testClientInfo, mcp.Capabilities{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, client.Connect(ctx, transport))
	require.NoError(t, client.Shutdown(ctx))
	require.NoError(t, transport.Close())

	require.NoError(t, client.Connect(ctx, transport))
	require.NoError(t, client.Ping(ctx))
	require.NoError(t, client.Shutdown(ctx))

	assert.Equal(t, 2, peer.Count(mcp.MethodInitialize))
}

func TestWebSocketDialRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "forbidden", http.StatusForbidden)
	}))
	defer srv.Close()

	transport := mcp.NewWebSocket(wsURL(srv))
	err := transport.Send(context.Background(), mcp.JSONRPCMessage{JSONRPC: mcp.JSONRPCVersion, Method: "log"})
	require.Error(t, err)

	var statusErr *mcp.HTTPStatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusForbidden, statusErr.StatusCode)
}

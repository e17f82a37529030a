package mcp

import (
	"context"
	"encoding/json"
)

// Transport moves JSON-RPC envelopes between the client and a server.
type Transport interface {
	// Send serializes and transmits one envelope. Implementations open their underlying
	// channel lazily if needed and return an error when it is unavailable; a message is
	// never dropped silently.
	Send(ctx context.Context, msg JSONRPCMessage) error

	// SetMessageHandler registers the callback invoked once per complete inbound envelope,
	// in arrival order. Registering a handler replaces the previous one.
	SetMessageHandler(handler MessageHandler)

	// Close releases the transport's resources. Calling it more than once, or on a
	// transport that never connected, is harmless.
	Close() error
}

// MessageHandler receives every decoded inbound envelope.
type MessageHandler func(msg JSONRPCMessage)

// Listener receives the raw params of a server notification, or the raw initialize
// result for EventInitialized.
type Listener func(params json.RawMessage)

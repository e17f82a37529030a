// Package mcp implements a client for the Model Context Protocol style of JSON-RPC 2.0
// messaging, where a client and a server exchange requests, responses and notifications
// over a pluggable byte transport.
//
// A Client is created with NewClient and attached to a Transport with Connect, which runs
// the initialize handshake and records the server's declared capabilities. Requests are
// correlated with their responses by a monotonically increasing integer id, so any number
// of them may be outstanding at once. Server notifications are delivered to listeners
// registered with On or Once. Shutdown closes the session gracefully.
//
// The package ships line-delimited stdio (StdIO, Command), HTTP with server-sent events
// (SSE) and WebSocket transports. Package mcptest provides an in-process server peer for
// tests.
package mcp

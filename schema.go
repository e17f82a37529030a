package mcp

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// RequestID is the numeric identifier correlating a request with its response. Peers that
// echo the id back as a string are tolerated, as long as the string holds an integer.
type RequestID int64

// JSONRPCMessage represents a JSON-RPC 2.0 envelope exchanged with the server.
// It can represent either a request, response, or notification depending on which fields are populated:
//   - Request: JSONRPC, ID, Method, and Params are set
//   - Response: JSONRPC, ID, and either Result or Error are set
//   - Notification: JSONRPC and Method are set (no ID)
type JSONRPCMessage struct {
	// JSONRPC must always be "2.0"
	JSONRPC string `json:"jsonrpc"`
	// ID is nil for notifications
	ID *RequestID `json:"id,omitempty"`
	// Method contains the RPC method name for requests and notifications
	Method string `json:"method,omitempty"`
	// Params contains the parameters for the method call as a raw JSON message
	Params json.RawMessage `json:"params,omitempty"`
	// Result contains the successful response data as a raw JSON message
	Result json.RawMessage `json:"result,omitempty"`
	// Error contains error details if the request failed
	Error *JSONRPCError `json:"error,omitempty"`
}

// JSONRPCError represents an error response in the JSON-RPC 2.0 protocol.
type JSONRPCError struct {
	// Code indicates the error type that occurred.
	Code int `json:"code"`

	// Message provides a short description of the error. A descriptor received
	// without a message is reported as "unknown error".
	Message string `json:"message"`

	// Data contains additional information about the error.
	Data any `json:"data,omitempty"`
}

// Capability is a single named feature flag in a capability set. On the wire a peer may
// declare a capability either as true or as an object carrying sub-options; both count as
// declared. False, null and absence count as not declared.
type Capability bool

// Capabilities is the set of optional features one side of the connection declares during
// the handshake. The client side normally fills Roots and Sampling, the server side the
// remaining fields.
type Capabilities struct {
	Roots     Capability `json:"roots,omitempty"`
	Sampling  Capability `json:"sampling,omitempty"`
	Resources Capability `json:"resources,omitempty"`
	Tools     Capability `json:"tools,omitempty"`
	Prompts   Capability `json:"prompts,omitempty"`
	Logging   Capability `json:"logging,omitempty"`
}

// Info contains metadata about a server or client instance including its name and version.
type Info struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Root is a location the client exposes to the server.
type Root struct {
	URI         string `json:"uri"`
	Description string `json:"description,omitempty"`
}

// Resource represents a content resource advertised by the server.
type Resource struct {
	URI         string `json:"uri"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

// ResourceContents represents either text or blob resource contents.
type ResourceContents struct {
	URI      string `json:"uri"`
	MimeType string `json:"mimeType,omitempty"`
	Text     string `json:"text,omitempty"`
	Blob     string `json:"blob,omitempty"`
}

// Tool defines a callable tool with its input schema.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// Content is one item of a tool call result.
type Content struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	Data     string `json:"data,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

// ListResourcesResult is the result of ListResources.
type ListResourcesResult struct {
	Resources []Resource `json:"resources"`
}

// ReadResourceParams contains parameters for retrieving a specific resource.
type ReadResourceParams struct {
	URI string `json:"uri"`
}

// ReadResourceResult is the result of ReadResource.
type ReadResourceResult struct {
	Contents []ResourceContents `json:"contents"`
}

// ListToolsResult is the result of ListTools.
type ListToolsResult struct {
	Tools []Tool `json:"tools"`
}

// CallToolParams contains parameters for executing a specific tool.
type CallToolParams struct {
	Name       string         `json:"name"`
	Parameters map[string]any `json:"parameters"`
}

// CallToolResult represents the outcome of a tool invocation via CallTool.
// IsError indicates whether the operation failed, with details in Content.
type CallToolResult struct {
	Content []Content `json:"content"`
	IsError bool      `json:"isError,omitempty"`
}

// RemoveRootParams contains parameters for removing a root.
type RemoveRootParams struct {
	URI string `json:"uri"`
}

// ListRootsResult is the result of ListRoots.
type ListRootsResult struct {
	Roots []Root `json:"roots"`
}

// InitializeParams is sent by the client to open a session.
type InitializeParams struct {
	ClientInfo      Info         `json:"clientInfo"`
	Capabilities    Capabilities `json:"capabilities"`
	ProtocolVersion string       `json:"protocolVersion"`
}

// InitializeResult is the server's answer to the handshake. Only Capabilities is required.
type InitializeResult struct {
	Capabilities    Capabilities `json:"capabilities"`
	ServerInfo      Info         `json:"serverInfo"`
	ProtocolVersion string       `json:"protocolVersion,omitempty"`
}

const (
	// JSONRPCVersion is the only envelope version produced and accepted.
	JSONRPCVersion = "2.0"

	// DefaultProtocolVersion is sent in the initialize request unless overridden with
	// WithProtocolVersion.
	DefaultProtocolVersion = "0.1.0"

	// MethodInitialize opens the session.
	MethodInitialize = "initialize"
	// MethodShutdown is sent once when the client closes gracefully.
	MethodShutdown = "shutdown"
	// MethodPing checks that the server is responsive.
	MethodPing = "ping"

	// MethodListResources is the method name for listing available resources.
	MethodListResources = "listResources"
	// MethodReadResource is the method name for reading the content of a specific resource.
	MethodReadResource = "readResource"
	// MethodListTools is the method name for retrieving a list of available tools.
	MethodListTools = "listTools"
	// MethodCallTool is the method name for invoking a specific tool.
	MethodCallTool = "callTool"
	// MethodAddRoot is the method name for registering a root with the server.
	MethodAddRoot = "addRoot"
	// MethodRemoveRoot is the method name for unregistering a root.
	MethodRemoveRoot = "removeRoot"
	// MethodListRoots is the method name for listing registered roots.
	MethodListRoots = "listRoots"

	// EventInitialized is emitted with the raw initialize result once the handshake succeeds.
	EventInitialized = "initialized"

	// CapabilityRoots names the roots capability in CapabilityError.
	CapabilityRoots = "roots"

	errMsgUnknown = "unknown error"
)

// Standard JSON-RPC error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// UnmarshalJSON accepts integer ids, encoded as JSON numbers or numeric strings. Fractional
// and out of range numbers are rejected.
func (r *RequestID) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return err
	}

	var s string
	switch v := v.(type) {
	case json.Number:
		s = v.String()
	case string:
		s = v
	default:
		return fmt.Errorf("invalid request id type: %T", v)
	}

	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid request id %q: %w", s, err)
	}
	*r = RequestID(n)

	return nil
}

// UnmarshalJSON decodes the envelope, treating any non-null error member as an error even
// when it is not a well formed descriptor. An id that is not an integer leaves ID nil, so
// the envelope still reaches dispatch but never resolves a pending request.
func (m *JSONRPCMessage) UnmarshalJSON(data []byte) error {
	type alias JSONRPCMessage
	var raw struct {
		alias
		ID    json.RawMessage `json:"id,omitempty"`
		Error json.RawMessage `json:"error,omitempty"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*m = JSONRPCMessage(raw.alias)
	m.ID = nil
	m.Error = nil

	if idBs := bytes.TrimSpace(raw.ID); len(idBs) > 0 && !bytes.Equal(idBs, []byte("null")) {
		var id RequestID
		if err := id.UnmarshalJSON(idBs); err == nil {
			m.ID = &id
		}
	}

	errBs := bytes.TrimSpace(raw.Error)
	if len(errBs) == 0 || bytes.Equal(errBs, []byte("null")) {
		return nil
	}

	// A mistyped member fails only that member; the rest of the descriptor is kept.
	var rpcErr JSONRPCError
	_ = json.Unmarshal(errBs, &rpcErr)
	if rpcErr.Message == "" {
		rpcErr.Message = errMsgUnknown
	}
	m.Error = &rpcErr

	return nil
}

// UnmarshalJSON treats any truthy value as declared: true, a non-zero number, a non-empty
// string or array, or any object. false, null, 0, "" and [] are not declared.
func (c *Capability) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("invalid capability value: %w", err)
	}

	switch v := v.(type) {
	case nil:
		*c = false
	case bool:
		*c = Capability(v)
	case float64:
		*c = v != 0
	case string:
		*c = v != ""
	case []any:
		*c = len(v) > 0
	default:
		*c = true
	}
	return nil
}

func (j JSONRPCError) Error() string {
	return fmt.Sprintf("request error, code: %d, message: %s, data %v", j.Code, j.Message, j.Data)
}

func (r RequestID) String() string {
	return strconv.FormatInt(int64(r), 10)
}

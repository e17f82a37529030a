package mcp

import (
	"errors"
	"fmt"
)

// Errors returned by Client and the transports, usable with errors.Is.
var (
	ErrNotConnected       = errors.New("transport not connected")
	ErrNotInitialized     = errors.New("client not initialized")
	ErrAlreadyConnected   = errors.New("client is already connected")
	ErrCapabilityMismatch = errors.New("capability not supported")
	ErrTransport          = errors.New("transport failure")
	ErrTransportClosed    = errors.New("transport is closed")
	ErrClientClosed       = errors.New("client closed")
	ErrRateLimited        = errors.New("request rate limit exceeded")
)

// CapabilityError reports that a capability-gated operation was refused before any I/O
// because one side did not declare the capability. Side is either "client" or "server".
type CapabilityError struct {
	Side       string
	Capability string
}

// HTTPStatusError is returned by HTTP based transports when the server answers a POST
// with a non-2xx status.
type HTTPStatusError struct {
	StatusCode int
}

func (e *CapabilityError) Error() string {
	return fmt.Sprintf("%s does not support %s capability", e.Side, e.Capability)
}

// Is makes errors.Is(err, ErrCapabilityMismatch) report true.
func (e *CapabilityError) Is(target error) bool {
	return target == ErrCapabilityMismatch
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("HTTP error: %d", e.StatusCode)
}

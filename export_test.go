package mcp

import "time"

// PendingCount exposes the number of outstanding requests to tests.
func (c *Client) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Delay exposes the backoff schedule to tests.
func (o ReconnectOptions) Delay(attempt int) time.Duration {
	return o.delay(attempt)
}

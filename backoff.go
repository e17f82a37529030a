package mcp

import (
	"math"
	"time"
)

// ReconnectOptions controls how the SSE transport re-opens its event stream after the
// stream fails once it has been open.
type ReconnectOptions struct {
	// MaxRetries is the number of consecutive reconnect attempts before giving up. Zero
	// disables reconnecting.
	MaxRetries int
	// InitialDelay is the wait before the first attempt.
	InitialDelay time.Duration
	// MaxDelay caps the wait between attempts.
	MaxDelay time.Duration
	// GrowFactor multiplies the delay after every attempt.
	GrowFactor float64
}

// DefaultReconnectOptions returns the reconnect policy used when none is configured.
func DefaultReconnectOptions() ReconnectOptions {
	return ReconnectOptions{
		MaxRetries:   5,
		InitialDelay: time.Second,
		MaxDelay:     10 * time.Second,
		GrowFactor:   1.5,
	}
}

// delay returns the wait before the given attempt, counting from 1.
func (o ReconnectOptions) delay(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}

	factor := o.GrowFactor
	if factor < 1 {
		factor = 1
	}

	d := float64(o.InitialDelay) * math.Pow(factor, float64(attempt-1))
	if o.MaxDelay > 0 && d > float64(o.MaxDelay) {
		d = float64(o.MaxDelay)
	}
	return time.Duration(d)
}

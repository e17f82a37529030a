package mcp_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	mcp "github.com/JQSC/mcp-server-hub"
)

func TestReconnectDelay(t *testing.T) {
	opts := mcp.DefaultReconnectOptions()

	assert.Equal(t, time.Duration(0), opts.Delay(0))
	assert.Equal(t, time.Second, opts.Delay(1))
	assert.Equal(t, 1500*time.Millisecond, opts.Delay(2))
	assert.Equal(t, 2250*time.Millisecond, opts.Delay(3))
	assert.Equal(t, 10*time.Second, opts.Delay(20))
}

func TestReconnectDelayFlatFactor(t *testing.T) {
	opts := mcp.ReconnectOptions{InitialDelay: 100 * time.Millisecond, GrowFactor: 0.5}

	assert.Equal(t, 100*time.Millisecond, opts.Delay(1))
	assert.Equal(t, 100*time.Millisecond, opts.Delay(5))
}

package resource

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestControllerMemoryLimit(t *testing.T) {
	c := NewController(Config{MemoryLimitBytes: 100})

	assert.True(t, c.TryAcquireMemory(60))
	assert.True(t, c.TryAcquireMemory(40))
	assert.False(t, c.TryAcquireMemory(1), "over limit")
	assert.Equal(t, int64(100), c.MemoryUsage())

	c.ReleaseMemory(40)
	assert.True(t, c.TryAcquireMemory(30))
	assert.Equal(t, int64(90), c.MemoryUsage())
}

func TestControllerUnlimitedMemoryTracksOnly(t *testing.T) {
	c := NewController(Config{})
	assert.True(t, c.TryAcquireMemory(1<<40))
	assert.Equal(t, int64(1<<40), c.MemoryUsage())
	c.ReleaseMemory(1 << 40)
	assert.Equal(t, int64(0), c.MemoryUsage())
}

func TestControllerMergeSlots(t *testing.T) {
	c := NewController(Config{MaxMergeWorkers: 2})

	require.NoError(t, c.AcquireMerge(context.Background()))
	assert.True(t, c.TryAcquireMerge())
	assert.False(t, c.TryAcquireMerge(), "both slots busy")

	c.ReleaseMerge()
	assert.True(t, c.TryAcquireMerge())
	c.ReleaseMerge()
	c.ReleaseMerge()
}

func TestNilControllerIsNoop(t *testing.T) {
	var c *Controller
	assert.True(t, c.TryAcquireMemory(10))
	c.ReleaseMemory(10)
	assert.True(t, c.TryAcquireMerge())
	c.ReleaseMerge()
	require.NoError(t, c.AcquireMerge(context.Background()))
	require.NoError(t, c.AcquireIO(context.Background(), 1024))
	assert.Equal(t, int64(0), c.MemoryUsage())
}

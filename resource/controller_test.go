package resource

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestController_Loaders(t *testing.T) {
	c := NewController(Config{MaxLoaders: 2})

	require.NoError(t, c.AcquireLoader(context.Background()))
	require.NoError(t, c.AcquireLoader(context.Background()))
	assert.Equal(t, int64(2), c.LoadsInFlight())

	assert.False(t, c.TryAcquireLoader())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := c.AcquireLoader(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	c.ReleaseLoader()
	assert.True(t, c.TryAcquireLoader())
	assert.Equal(t, int64(2), c.LoadsInFlight())
}

func TestController_Maintenance(t *testing.T) {
	c := NewController(Config{})

	// Default allows a single maintenance pass at a time.
	assert.True(t, c.TryAcquireMaintenance())
	assert.False(t, c.TryAcquireMaintenance())

	c.ReleaseMaintenance()
	assert.True(t, c.TryAcquireMaintenance())
}

func TestController_NilEnforcesNothing(t *testing.T) {
	var c *Controller

	require.NoError(t, c.AcquireLoader(context.Background()))
	assert.True(t, c.TryAcquireLoader())
	c.ReleaseLoader()
	require.NoError(t, c.AcquireMaintenance(context.Background()))
	c.ReleaseMaintenance()
	require.NoError(t, c.AcquireIO(context.Background(), 1<<30))
	assert.Equal(t, int64(0), c.LoadsInFlight())
}

func TestController_IOSplitsOversizedRequests(t *testing.T) {
	c := NewController(Config{IOLimitBytesPerSec: 1 << 20})

	// Twice the burst size must not be rejected outright.
	require.NoError(t, c.AcquireIO(context.Background(), 2<<20))
}

func TestRateLimitedCopy(t *testing.T) {
	c := NewController(Config{IOLimitBytesPerSec: 1 << 20})

	src := strings.NewReader(strings.Repeat("x", 64<<10))
	var dst bytes.Buffer

	n, err := io.Copy(
		NewRateLimitedWriter(context.Background(), &dst, c),
		NewRateLimitedReader(context.Background(), src, c),
	)
	require.NoError(t, err)
	assert.Equal(t, int64(64<<10), n)
	assert.Equal(t, 64<<10, dst.Len())
}

func TestRateLimitedWriterCancel(t *testing.T) {
	c := NewController(Config{IOLimitBytesPerSec: 1024})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	w := NewRateLimitedWriter(ctx, io.Discard, c)
	_, err := w.Write([]byte("x"))
	assert.Error(t, err)
}

package lockfile

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAcquireRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.lock")

	l, err := Acquire(context.Background(), path, time.Second)
	require.NoError(t, err)
	require.Equal(t, path, l.Path())

	require.NoError(t, l.Release())
	require.NoError(t, l.Release(), "release is idempotent")
}

func TestAcquireContended(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.lock")

	l1, err := Acquire(context.Background(), path, time.Second)
	require.NoError(t, err)
	defer l1.Release()

	_, err = Acquire(context.Background(), path, 30*time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)
}

func TestAcquireAfterRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.lock")

	l1, err := Acquire(context.Background(), path, time.Second)
	require.NoError(t, err)
	require.NoError(t, l1.Release())

	l2, err := Acquire(context.Background(), path, 30*time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, l2.Release())
}

func TestAcquireBlocksUntilReleased(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.lock")

	l1, err := Acquire(context.Background(), path, time.Second)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		l2, err := Acquire(context.Background(), path, 2*time.Second)
		if err == nil {
			err = l2.Release()
		}
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, l1.Release())
	require.NoError(t, <-done)
}

func TestAcquireContextCancelled(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.lock")

	l1, err := Acquire(context.Background(), path, time.Second)
	require.NoError(t, err)
	defer l1.Release()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err = Acquire(ctx, path, time.Minute)
	require.ErrorIs(t, err, context.Canceled)
}

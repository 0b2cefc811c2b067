package blobstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreConformance(t *testing.T) {
	stores := map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store { return NewMemoryStore() },
		"local":  func(t *testing.T) Store { return NewLocalStore(t.TempDir()) },
	}

	for name, newStore := range stores {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := newStore(t)

			t.Run("put and open", func(t *testing.T) {
				data := []byte("snapshot payload")
				require.NoError(t, store.Put(ctx, "full-1/snapshot.tar.zst", data))

				blob, err := store.Open(ctx, "full-1/snapshot.tar.zst")
				require.NoError(t, err)
				assert.Equal(t, int64(len(data)), blob.Size())
				require.NoError(t, blob.Close())

				got, err := ReadAll(ctx, store, "full-1/snapshot.tar.zst")
				require.NoError(t, err)
				assert.Equal(t, data, got)
			})

			t.Run("overwrite replaces content", func(t *testing.T) {
				require.NoError(t, store.Put(ctx, "latest", []byte("full-1")))
				require.NoError(t, store.Put(ctx, "latest", []byte("full-2")))

				got, err := ReadAll(ctx, store, "latest")
				require.NoError(t, err)
				assert.Equal(t, []byte("full-2"), got)
			})

			t.Run("open missing", func(t *testing.T) {
				_, err := store.Open(ctx, "no-such-blob")
				assert.ErrorIs(t, err, ErrNotFound)
			})

			t.Run("list by prefix", func(t *testing.T) {
				require.NoError(t, store.Put(ctx, "full-1/manifest.json", []byte("{}")))
				require.NoError(t, store.Put(ctx, "incr-2/manifest.json", []byte("{}")))

				names, err := store.List(ctx, "full-1/")
				require.NoError(t, err)
				assert.Contains(t, names, "full-1/manifest.json")
				assert.Contains(t, names, "full-1/snapshot.tar.zst")
				assert.NotContains(t, names, "incr-2/manifest.json")
				assert.IsIncreasing(t, names)
			})

			t.Run("delete is idempotent", func(t *testing.T) {
				require.NoError(t, store.Put(ctx, "doomed", []byte("x")))
				require.NoError(t, store.Delete(ctx, "doomed"))
				require.NoError(t, store.Delete(ctx, "doomed"))

				_, err := store.Open(ctx, "doomed")
				assert.ErrorIs(t, err, ErrNotFound)
			})
		})
	}
}

func TestMemoryStoreIsolation(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	data := []byte("original")
	require.NoError(t, store.Put(ctx, "blob", data))

	// Mutating the caller's slice must not change the stored blob.
	data[0] = 'X'

	got, err := ReadAll(ctx, store, "blob")
	require.NoError(t, err)
	assert.Equal(t, []byte("original"), got)
}

func TestLocalStoreNestedNames(t *testing.T) {
	ctx := context.Background()
	store := NewLocalStore(t.TempDir())

	require.NoError(t, store.Put(ctx, "a/b/c/blob.bin", []byte("deep")))

	got, err := ReadAll(ctx, store, "a/b/c/blob.bin")
	require.NoError(t, err)
	assert.Equal(t, []byte("deep"), got)

	names, err := store.List(ctx, "a/")
	require.NoError(t, err)
	assert.Equal(t, []string{"a/b/c/blob.bin"}, names)
}

func TestLocalStoreListEmptyRoot(t *testing.T) {
	store := NewLocalStore(t.TempDir() + "/never-created")

	names, err := store.List(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, names)
}

package index

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/memgo/codec"
	"github.com/hupe1980/memgo/internal/fs"
	"github.com/hupe1980/memgo/record"
)

func TestSnapshotRoundTrip(t *testing.T) {
	fsys := fs.Default
	path := filepath.Join(t.TempDir(), "index.snap")

	ix := New()
	base := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	a := newRecord(t, "a", "Python programming",
		record.WithTags("dev"), record.WithImportance(5), record.WithCreatedAt(base))
	b := newRecord(t, "b", "Database tuning",
		record.WithTags("dev", "db"), record.WithImportance(8), record.WithCreatedAt(base.Add(time.Hour)))
	ix.Add(a)
	ix.Add(b)

	require.NoError(t, ix.SaveSnapshot(fsys, path, nil))

	loaded := New()
	count, err := loaded.LoadSnapshot(fsys, path)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	assert.ElementsMatch(t, []string{"a", "b"}, loaded.ByTags([]string{"dev"}, false))
	assert.Equal(t, []string{"b"}, loaded.ByImportanceRange(7, 10))
	assert.Equal(t, []string{"a", "b"}, loaded.OrderedByTimestamp(false))

	id, ok := loaded.ByContentHash(a.ContentHash())
	require.True(t, ok)
	assert.Equal(t, "a", id)

	got := loaded.SemanticCandidates("python programming", 5)
	require.NotEmpty(t, got, "term vectors survive the snapshot")
	assert.Equal(t, "a", got[0].ID)
}

func TestSnapshotCompressesLargePayloads(t *testing.T) {
	fsys := fs.Default
	path := filepath.Join(t.TempDir(), "index.snap")

	ix := New()
	// Repetitive content compresses well, exercising the lz4 path.
	for i := 0; i < 50; i++ {
		ix.Add(newRecord(t, string(rune('a'+i%26))+strings.Repeat("x", i),
			"repeated tokens alpha bravo charlie "+strings.Repeat("delta ", 20)))
	}

	require.NoError(t, ix.SaveSnapshot(fsys, path, nil))

	loaded := New()
	count, err := loaded.LoadSnapshot(fsys, path)
	require.NoError(t, err)
	assert.Equal(t, ix.Len(), count)
	assert.Equal(t, ix.Len(), loaded.Len())
}

func TestSnapshotMissingFile(t *testing.T) {
	ix := New()
	_, err := ix.LoadSnapshot(fs.Default, filepath.Join(t.TempDir(), "absent.snap"))
	require.ErrorIs(t, err, ErrSnapshotInvalid)
}

func TestSnapshotCorruption(t *testing.T) {
	fsys := fs.Default
	dir := t.TempDir()
	path := filepath.Join(dir, "index.snap")

	ix := New()
	ix.Add(newRecord(t, "a", "some indexed content"))
	require.NoError(t, ix.SaveSnapshot(fsys, path, nil))

	data, err := fs.ReadFile(fsys, path)
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func([]byte) []byte
	}{
		{"flipped payload byte", func(b []byte) []byte {
			out := append([]byte(nil), b...)
			out[len(out)-1] ^= 0xFF
			return out
		}},
		{"bad magic", func(b []byte) []byte {
			out := append([]byte(nil), b...)
			out[0] = 0x00
			return out
		}},
		{"truncated", func(b []byte) []byte {
			return append([]byte(nil), b[:len(b)/2]...)
		}},
		{"empty", func([]byte) []byte { return nil }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bad := filepath.Join(dir, "bad.snap")
			require.NoError(t, fs.WriteAtomic(fsys, bad, tt.mutate(data), 0644))

			fresh := New()
			_, err := fresh.LoadSnapshot(fsys, bad)
			require.ErrorIs(t, err, ErrSnapshotInvalid)
			assert.Equal(t, 0, fresh.Len(), "failed load leaves the index unchanged")
		})
	}
}

func TestSnapshotCodecByName(t *testing.T) {
	fsys := fs.Default
	path := filepath.Join(t.TempDir(), "index.snap")

	ix := New()
	ix.Add(newRecord(t, "a", "codec round trip"))

	// Written with the stdlib codec, read back via the self-describing header.
	require.NoError(t, ix.SaveSnapshot(fsys, path, codec.JSON{}))

	loaded := New()
	count, err := loaded.LoadSnapshot(fsys, path)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

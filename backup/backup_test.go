package backup

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/memgo/blobstore"
	"github.com/hupe1980/memgo/record"
	"github.com/hupe1980/memgo/storage"
)

func openEngine(t *testing.T) *storage.Engine {
	t.Helper()
	e, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func store(t *testing.T, e *storage.Engine, content string) *record.Record {
	t.Helper()
	rec, err := record.New(record.CategoryTaskInsight, content)
	require.NoError(t, err)
	_, err = e.Store(context.Background(), rec)
	require.NoError(t, err)
	return rec
}

// backdate pushes a record file's mtime into the past so later mutations
// are unambiguously newer than any backup taken in between.
func backdate(t *testing.T, e *storage.Engine, id string) {
	t.Helper()
	path := storage.RecordPath(e.Dir(), id)
	past := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(path, past, past))
}

func futuredate(t *testing.T, e *storage.Engine, id string) {
	t.Helper()
	path := storage.RecordPath(e.Dir(), id)
	future := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(path, future, future))
}

func TestFullBackupRestore(t *testing.T) {
	ctx := context.Background()
	e := openEngine(t)
	mgr := New(e)

	kept := store(t, e, "survives the restore")
	doomed := store(t, e, "deleted after the backup")

	res, err := mgr.CreateFull(ctx, "before changes")
	require.NoError(t, err)
	require.Equal(t, KindFull, res.Manifest.Kind)
	require.NotEmpty(t, res.Manifest.SnapshotSHA256)
	require.NotEmpty(t, res.Manifest.Files)
	assert.NoError(t, res.MirrorErr)

	// Diverge from the snapshot: drop one record, add another.
	require.NoError(t, e.Delete(ctx, doomed.ID))
	added := store(t, e, "created after the backup")

	require.NoError(t, mgr.Restore(ctx, res.Manifest.ID))

	got, err := e.Retrieve(ctx, kept.ID)
	require.NoError(t, err)
	assert.Equal(t, kept.Content, got.Content)

	back, err := e.Retrieve(ctx, doomed.ID)
	require.NoError(t, err)
	assert.Equal(t, doomed.Content, back.Content)

	_, err = e.Retrieve(ctx, added.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestRestoreRejectsTamperedSnapshot(t *testing.T) {
	ctx := context.Background()
	e := openEngine(t)
	mgr := New(e)

	rec := store(t, e, "must stay reachable")

	res, err := mgr.CreateFull(ctx, "")
	require.NoError(t, err)

	snap := filepath.Join(storage.BackupsDir(e.Dir()), res.Manifest.ID, snapshotName)
	data, err := os.ReadFile(snap)
	require.NoError(t, err)
	data[len(data)/2] ^= 0xFF
	require.NoError(t, os.WriteFile(snap, data, 0644))

	err = mgr.Restore(ctx, res.Manifest.ID)
	require.ErrorIs(t, err, ErrBackupIntegrity)
	assert.ErrorIs(t, mgr.Verify(res.Manifest.ID), ErrBackupIntegrity)

	// Live data is untouched by the failed restore.
	got, err := e.Retrieve(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.Content, got.Content)
}

func TestVerify(t *testing.T) {
	ctx := context.Background()
	e := openEngine(t)
	mgr := New(e)

	store(t, e, "verified content")

	res, err := mgr.CreateFull(ctx, "")
	require.NoError(t, err)
	require.NoError(t, mgr.Verify(res.Manifest.ID))

	assert.ErrorIs(t, mgr.Verify("full-19990101T000000-deadbeef"), ErrBackupNotFound)

	snap := filepath.Join(storage.BackupsDir(e.Dir()), res.Manifest.ID, snapshotName)
	require.NoError(t, os.Truncate(snap, res.Manifest.SnapshotSize-1))
	assert.ErrorIs(t, mgr.Verify(res.Manifest.ID), ErrBackupIntegrity)
}

func TestIncrementalWithoutFullIsFull(t *testing.T) {
	ctx := context.Background()
	e := openEngine(t)
	mgr := New(e)

	store(t, e, "only record")

	res, err := mgr.CreateIncremental(ctx, "")
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, KindFull, res.Manifest.Kind)
	assert.Empty(t, res.Manifest.BaseID)
}

func TestIncrementalNoChanges(t *testing.T) {
	ctx := context.Background()
	e := openEngine(t)
	mgr := New(e)

	rec := store(t, e, "unchanged")
	require.NoError(t, e.Flush(ctx))
	backdate(t, e, rec.ID)

	_, err := mgr.CreateFull(ctx, "")
	require.NoError(t, err)

	res, err := mgr.CreateIncremental(ctx, "")
	require.NoError(t, err)
	assert.Nil(t, res)
}

func TestIncrementalCapturesAndRestoresDelta(t *testing.T) {
	ctx := context.Background()
	e := openEngine(t)
	mgr := New(e)

	stable := store(t, e, "present since the full backup")
	mutable := store(t, e, "first version")
	require.NoError(t, e.Flush(ctx))
	backdate(t, e, stable.ID)
	backdate(t, e, mutable.ID)

	full, err := mgr.CreateFull(ctx, "")
	require.NoError(t, err)

	updated := mutable.Clone()
	updated.Content = "second version"
	require.NoError(t, e.Update(ctx, mutable.ID, updated))
	addedRec := store(t, e, "added between backups")
	require.NoError(t, e.Flush(ctx))
	futuredate(t, e, mutable.ID)
	futuredate(t, e, addedRec.ID)

	incr, err := mgr.CreateIncremental(ctx, "delta")
	require.NoError(t, err)
	require.NotNil(t, incr)
	assert.Equal(t, KindIncremental, incr.Manifest.Kind)
	assert.Equal(t, full.Manifest.ID, incr.Manifest.BaseID)

	paths := make([]string, 0, len(incr.Manifest.Files))
	for _, fi := range incr.Manifest.Files {
		paths = append(paths, fi.Path)
	}
	assert.Contains(t, paths, "records/"+mutable.ID[:2]+"/"+mutable.ID+".json")
	assert.NotContains(t, paths, "records/"+stable.ID[:2]+"/"+stable.ID+".json")

	// Diverge again, then restore the incremental.
	require.NoError(t, e.Delete(ctx, addedRec.ID))

	require.NoError(t, mgr.Restore(ctx, incr.Manifest.ID))

	got, err := e.Retrieve(ctx, mutable.ID)
	require.NoError(t, err)
	assert.Equal(t, "second version", got.Content)

	_, err = e.Retrieve(ctx, stable.ID)
	assert.NoError(t, err)
	_, err = e.Retrieve(ctx, addedRec.ID)
	assert.NoError(t, err)
}

// A record file written while the full backup's walk is running carries an
// mtime after the manifest timestamp. It must surface in the next
// incremental even though the full may already contain it: the chain errs
// toward duplication, never loss.
func TestIncrementalCoversWritesDuringFullBackup(t *testing.T) {
	ctx := context.Background()
	e := openEngine(t)

	clk := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	mgr := New(e, func(o *Options) {
		o.Clock = func() time.Time {
			clk = clk.Add(time.Minute)
			return clk
		}
	})

	rec := store(t, e, "written during the walk")
	require.NoError(t, e.Flush(ctx))

	full, err := mgr.CreateFull(ctx, "")
	require.NoError(t, err)

	// Simulate the write landing mid-walk: newer than the manifest
	// timestamp, regardless of when the walk itself finished.
	during := full.Manifest.CreatedAt.Add(30 * time.Second)
	path := storage.RecordPath(e.Dir(), rec.ID)
	require.NoError(t, os.Chtimes(path, during, during))

	incr, err := mgr.CreateIncremental(ctx, "")
	require.NoError(t, err)
	require.NotNil(t, incr)
	require.Equal(t, KindIncremental, incr.Manifest.Kind)

	paths := make([]string, 0, len(incr.Manifest.Files))
	for _, fi := range incr.Manifest.Files {
		paths = append(paths, fi.Path)
	}
	assert.Contains(t, paths, "records/"+rec.ID[:2]+"/"+rec.ID+".json")
}

func TestRestoreIncrementalWithMissingBase(t *testing.T) {
	ctx := context.Background()
	e := openEngine(t)
	mgr := New(e)

	rec := store(t, e, "record")
	require.NoError(t, e.Flush(ctx))
	backdate(t, e, rec.ID)

	full, err := mgr.CreateFull(ctx, "")
	require.NoError(t, err)

	futuredate(t, e, rec.ID)
	incr, err := mgr.CreateIncremental(ctx, "")
	require.NoError(t, err)
	require.NotNil(t, incr)

	require.NoError(t, os.RemoveAll(filepath.Join(storage.BackupsDir(e.Dir()), full.Manifest.ID)))

	err = mgr.Restore(ctx, incr.Manifest.ID)
	assert.ErrorIs(t, err, ErrBackupIntegrity)
}

func TestRetentionKeepsReferencedFull(t *testing.T) {
	ctx := context.Background()
	e := openEngine(t)

	rec := store(t, e, "content")
	require.NoError(t, e.Flush(ctx))

	clk := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	mgr := New(e, func(o *Options) {
		o.Retention = 2
		o.Clock = func() time.Time {
			clk = clk.Add(time.Minute)
			return clk
		}
	})

	backdate(t, e, rec.ID)
	full, err := mgr.CreateFull(ctx, "")
	require.NoError(t, err)

	// Two incrementals referencing the full push the count past the
	// retention limit, but the full must survive the prune.
	futuredate(t, e, rec.ID)
	incr1, err := mgr.CreateIncremental(ctx, "")
	require.NoError(t, err)
	require.NotNil(t, incr1)
	incr2, err := mgr.CreateIncremental(ctx, "")
	require.NoError(t, err)
	require.NotNil(t, incr2)

	manifests, err := mgr.List()
	require.NoError(t, err)

	ids := make([]string, 0, len(manifests))
	for _, man := range manifests {
		ids = append(ids, man.ID)
	}
	assert.Contains(t, ids, full.Manifest.ID)
	assert.Contains(t, ids, incr1.Manifest.ID)
	assert.Contains(t, ids, incr2.Manifest.ID)

	require.NoError(t, mgr.Restore(ctx, incr2.Manifest.ID))
}

func TestRetentionPrunesOldBackups(t *testing.T) {
	ctx := context.Background()
	e := openEngine(t)

	store(t, e, "content")

	clk := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	mgr := New(e, func(o *Options) {
		o.Retention = 2
		o.Clock = func() time.Time {
			clk = clk.Add(time.Minute)
			return clk
		}
	})

	var created []string
	for i := 0; i < 4; i++ {
		res, err := mgr.CreateFull(ctx, "")
		require.NoError(t, err)
		created = append(created, res.Manifest.ID)
	}

	manifests, err := mgr.List()
	require.NoError(t, err)
	require.Len(t, manifests, 2)
	assert.Equal(t, created[2], manifests[0].ID)
	assert.Equal(t, created[3], manifests[1].ID)
}

func TestMirror(t *testing.T) {
	ctx := context.Background()
	e := openEngine(t)
	mirror := blobstore.NewMemoryStore()
	mgr := New(e, func(o *Options) {
		o.Mirror = mirror
	})

	store(t, e, "mirrored content")

	res, err := mgr.CreateFull(ctx, "")
	require.NoError(t, err)
	require.NoError(t, res.MirrorErr)

	id := res.Manifest.ID
	snap, err := blobstore.ReadAll(ctx, mirror, id+"/"+snapshotName)
	require.NoError(t, err)
	assert.Equal(t, res.Manifest.SnapshotSize, int64(len(snap)))

	_, err = mirror.Open(ctx, id+"/"+manifestName)
	require.NoError(t, err)

	latest, err := blobstore.ReadAll(ctx, mirror, latestName)
	require.NoError(t, err)
	assert.Equal(t, id, string(latest))
}

type failingStore struct{}

func (failingStore) Put(context.Context, string, []byte) error { return errors.New("boom") }
func (failingStore) Open(context.Context, string) (blobstore.Blob, error) {
	return nil, blobstore.ErrNotFound
}
func (failingStore) List(context.Context, string) ([]string, error) { return nil, nil }
func (failingStore) Delete(context.Context, string) error           { return nil }

func TestMirrorFailureIsNonFatal(t *testing.T) {
	ctx := context.Background()
	e := openEngine(t)
	mgr := New(e, func(o *Options) {
		o.Mirror = failingStore{}
	})

	store(t, e, "content")

	res, err := mgr.CreateFull(ctx, "")
	require.NoError(t, err)
	require.NotNil(t, res.Manifest)
	assert.Error(t, res.MirrorErr)
	require.NoError(t, mgr.Verify(res.Manifest.ID))
}

func TestListSkipsInterruptedBackups(t *testing.T) {
	ctx := context.Background()
	e := openEngine(t)
	mgr := New(e)

	store(t, e, "content")

	res, err := mgr.CreateFull(ctx, "")
	require.NoError(t, err)

	// A directory without a manifest is an interrupted run.
	require.NoError(t, os.MkdirAll(filepath.Join(storage.BackupsDir(e.Dir()), "full-20260101T000000-dead0000"), 0755))

	manifests, err := mgr.List()
	require.NoError(t, err)
	require.Len(t, manifests, 1)
	assert.Equal(t, res.Manifest.ID, manifests[0].ID)
}

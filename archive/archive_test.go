package archive

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

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

func storeAged(t *testing.T, e *storage.Engine, content string, age time.Duration, importance int) *record.Record {
	t.Helper()
	rec, err := record.New(record.CategoryTaskInsight, content,
		record.WithImportance(importance),
		record.WithCreatedAt(time.Now().UTC().Add(-age)),
	)
	require.NoError(t, err)
	_, err = e.Store(context.Background(), rec)
	require.NoError(t, err)
	return rec
}

func TestPolicyTiers(t *testing.T) {
	p := DefaultPolicy()
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

	mk := func(importance int, idle time.Duration) *record.Record {
		rec, err := record.New(record.CategoryTaskInsight, "tier probe",
			record.WithImportance(importance),
			record.WithCreatedAt(now.Add(-idle)),
		)
		require.NoError(t, err)
		return rec
	}

	tests := []struct {
		name       string
		importance int
		idle       time.Duration
		want       bool
	}{
		{"high importance needs 180d", 9, 179 * 24 * time.Hour, false},
		{"high importance at 180d", 9, 180 * 24 * time.Hour, true},
		{"mid importance needs 90d", 6, 89 * 24 * time.Hour, false},
		{"mid importance at 90d", 6, 90 * 24 * time.Hour, true},
		{"low importance needs 30d", 2, 29 * 24 * time.Hour, false},
		{"low importance at 30d", 2, 30 * 24 * time.Hour, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, p.ShouldArchive(mk(tt.importance, tt.idle), now))
		})
	}
}

func TestPolicyMinAgeFloor(t *testing.T) {
	p := DefaultPolicy()
	p.LowAge = time.Hour
	now := time.Now().UTC()

	rec, err := record.New(record.CategoryTaskInsight, "too young",
		record.WithImportance(1),
		record.WithCreatedAt(now.Add(-2*time.Hour)),
	)
	require.NoError(t, err)

	// Idle long enough for the low tier, but younger than the floor.
	assert.False(t, p.ShouldArchive(rec, now))
}

func TestPolicyIgnoresNonActive(t *testing.T) {
	p := DefaultPolicy()
	now := time.Now().UTC()

	rec, err := record.New(record.CategoryTaskInsight, "already archived",
		record.WithImportance(1),
		record.WithCreatedAt(now.Add(-365*24*time.Hour)),
	)
	require.NoError(t, err)
	rec.Status = record.StatusArchived

	assert.False(t, p.ShouldArchive(rec, now))
}

func TestRunCycleArchivesEligible(t *testing.T) {
	ctx := context.Background()
	e := openEngine(t)
	a := New(e)

	stale := storeAged(t, e, "stale low-value note", 60*24*time.Hour, 2)
	fresh := storeAged(t, e, "fresh note", 24*time.Hour, 2)

	result, err := a.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Archived)
	assert.Equal(t, 1, result.Skipped)
	assert.Empty(t, result.Errored)

	got, err := e.Load(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, record.StatusArchived, got.Status)

	got, err = e.Load(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, record.StatusActive, got.Status)

	// The archive entry carries provenance.
	entry, err := a.Entry(stale.ID)
	require.NoError(t, err)
	assert.Equal(t, ReasonPolicy, entry.Reason)
	assert.Equal(t, stale.Content, entry.Record.Content)
	assert.False(t, entry.ArchivedAt.IsZero())
}

func TestArchiveRestoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	e := openEngine(t)
	a := New(e)

	rec := storeAged(t, e, "reversible content", 24*time.Hour, 5)

	require.NoError(t, a.Archive(ctx, rec.ID))
	require.NoError(t, a.Restore(ctx, rec.ID))

	got, err := e.Load(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, record.StatusActive, got.Status)
	assert.Equal(t, rec.Content, got.Content)
	assert.Equal(t, rec.Metadata.CreatedAt, got.Metadata.CreatedAt)

	// The entry is gone after a successful restore.
	_, err = a.Entry(rec.ID)
	require.ErrorIs(t, err, ErrNotArchived)
}

func TestRestoreWithoutEntry(t *testing.T) {
	e := openEngine(t)
	a := New(e)

	err := a.Restore(context.Background(), "never-archived")
	require.ErrorIs(t, err, ErrNotArchived)
}

func TestExplicitArchiveRejectsNonActive(t *testing.T) {
	ctx := context.Background()
	e := openEngine(t)
	a := New(e)

	rec := storeAged(t, e, "archive twice", 24*time.Hour, 5)
	require.NoError(t, a.Archive(ctx, rec.ID))

	err := a.Archive(ctx, rec.ID)
	require.ErrorIs(t, err, record.ErrInvalid)
}

func TestCycleCancellationStopsBetweenRecords(t *testing.T) {
	e := openEngine(t)
	a := New(e)

	for i := 0; i < 3; i++ {
		storeAged(t, e, "stale record "+string(rune('a'+i)), 60*24*time.Hour, 1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := a.RunCycle(ctx)
	require.ErrorIs(t, err, context.Canceled)

	// No record was left half-archived: every archived record has its
	// entry, every active one has none.
	ids, err := a.List()
	require.NoError(t, err)
	for _, id := range ids {
		got, err := e.Load(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, record.StatusArchived, got.Status)
	}
}

func TestArchivedRecordFreesDedupSlot(t *testing.T) {
	ctx := context.Background()
	e := openEngine(t)
	a := New(e)

	rec := storeAged(t, e, "dedup slot content", 24*time.Hour, 5)
	require.NoError(t, a.Archive(ctx, rec.ID))

	// Same content can be stored again while the original is archived.
	dup, err := record.New(record.CategoryTaskInsight, "dedup slot content")
	require.NoError(t, err)
	_, err = e.Store(ctx, dup)
	require.NoError(t, err)

	// Restoring the original now collides with the new active record.
	err = a.Restore(ctx, rec.ID)
	require.ErrorIs(t, err, storage.ErrDuplicateContent)
}

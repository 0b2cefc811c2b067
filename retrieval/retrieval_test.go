package retrieval

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/memgo/record"
	"github.com/hupe1980/memgo/search"
	"github.com/hupe1980/memgo/storage"
)

func openEngines(t *testing.T) (*storage.Engine, *Engine) {
	t.Helper()
	store, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	e, err := New(store, search.New(store))
	require.NoError(t, err)
	return store, e
}

func reopenRetrieval(t *testing.T, store *storage.Engine) *Engine {
	t.Helper()
	e, err := New(store, search.New(store))
	require.NoError(t, err)
	return e
}

func storeRec(t *testing.T, store *storage.Engine, content string, attrs ...record.Attr) *record.Record {
	t.Helper()
	rec, err := record.New(record.CategoryTaskInsight, content, attrs...)
	require.NoError(t, err)
	_, err = store.Store(context.Background(), rec)
	require.NoError(t, err)
	return rec
}

func TestRetrieveDirectMatch(t *testing.T) {
	ctx := context.Background()
	store, e := openEngines(t)

	hit := storeRec(t, store, "terraform state must live in a remote backend")
	storeRec(t, store, "coffee grinder maintenance schedule")

	results, err := e.Retrieve(ctx, "terraform state backend", "s1", 5)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, hit.ID, results[0].Record.ID)
}

func TestRetrieveEmptyInput(t *testing.T) {
	_, e := openEngines(t)
	_, err := e.Retrieve(context.Background(), "   ", "s1", 5)
	assert.Error(t, err)
}

func TestRetrieveLimit(t *testing.T) {
	ctx := context.Background()
	store, e := openEngines(t)

	for i := 0; i < 6; i++ {
		storeRec(t, store, "linux kernel tuning note variant "+string(rune('a'+i)))
	}

	results, err := e.Retrieve(ctx, "linux kernel tuning", "", 3)
	require.NoError(t, err)
	assert.Len(t, results, 3)
}

func TestFeedbackBoostsRanking(t *testing.T) {
	ctx := context.Background()
	store, e := openEngines(t)

	plain := storeRec(t, store, "golang error wrapping conventions")
	boosted := storeRec(t, store, "golang error handling strategies")

	for i := 0; i < DefaultMinSamples; i++ {
		require.NoError(t, e.ProvideFeedback(ctx, boosted.ID, "code review", 1.0, 1.0))
	}

	results, err := e.Retrieve(ctx, "golang error", "", 5)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(results), 2)
	assert.Equal(t, boosted.ID, results[0].Record.ID)
	assert.Equal(t, plain.ID, results[1].Record.ID)
}

func TestFeedbackColdStartUnaffected(t *testing.T) {
	ctx := context.Background()
	store, e := openEngines(t)

	rec := storeRec(t, store, "vim registers explained")

	// One sample is below the floor: the multiplier must stay neutral.
	require.NoError(t, e.ProvideFeedback(ctx, rec.ID, "", 1.0, 1.0))
	assert.Equal(t, 1.0, e.learner.Multiplier(rec.ID))

	require.NoError(t, e.ProvideFeedback(ctx, rec.ID, "", 1.0, 1.0))
	require.NoError(t, e.ProvideFeedback(ctx, rec.ID, "", 1.0, 1.0))
	assert.Greater(t, e.learner.Multiplier(rec.ID), 1.0)
}

func TestFeedbackUnknownRecord(t *testing.T) {
	_, e := openEngines(t)
	err := e.ProvideFeedback(context.Background(), "no-such-id", "", 1, 1)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestAssociationSurfacing(t *testing.T) {
	ctx := context.Background()
	store, e := openEngines(t)

	a := storeRec(t, store, "docker compose networking tips")
	b := storeRec(t, store, "docker volume mounts persist data")

	// Co-retrieval in one session links the two records.
	results, err := e.Retrieve(ctx, "docker", "pairing-session", 5)
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.NotEmpty(t, e.Associations(a.ID))

	// A query matching only the first record surfaces the second through
	// the association edge, at a reduced score.
	results, err = e.Retrieve(ctx, "compose networking", "", 5)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(results), 2)
	assert.Equal(t, a.ID, results[0].Record.ID)

	var surfaced *search.Result
	for i := range results {
		if results[i].Record.ID == b.ID {
			surfaced = &results[i]
		}
	}
	require.NotNil(t, surfaced, "associated record not surfaced")
	assert.Equal(t, MatchAssociated, surfaced.MatchType)
	assert.Less(t, surfaced.RelevanceScore, results[0].RelevanceScore)
}

func TestStatePersistsAcrossRestart(t *testing.T) {
	ctx := context.Background()
	store, e := openEngines(t)

	a := storeRec(t, store, "ansible playbook idempotency rules")
	b := storeRec(t, store, "ansible inventory layout conventions")

	_, err := e.Retrieve(ctx, "ansible", "ops-session", 5)
	require.NoError(t, err)
	for i := 0; i < DefaultMinSamples; i++ {
		require.NoError(t, e.ProvideFeedback(ctx, a.ID, "", 1.0, 1.0))
	}
	require.NoError(t, e.Close(ctx))

	e2 := reopenRetrieval(t, store)
	assert.Greater(t, e2.learner.Multiplier(a.ID), 1.0)
	assert.NotEmpty(t, e2.Associations(a.ID))
	assert.NotEmpty(t, e2.Associations(b.ID))
	assert.Equal(t, 1, e2.Sessions())
}

func TestForgetDropsState(t *testing.T) {
	ctx := context.Background()
	store, e := openEngines(t)

	a := storeRec(t, store, "redis eviction policies compared")
	b := storeRec(t, store, "redis persistence modes compared")

	_, err := e.Retrieve(ctx, "redis", "cache-session", 5)
	require.NoError(t, err)
	require.NotEmpty(t, e.Associations(b.ID))

	e.Forget(ctx, a.ID)
	assert.Empty(t, e.Associations(a.ID))
	for _, edge := range e.Associations(b.ID) {
		assert.NotEqual(t, a.ID, edge.Target)
	}
}

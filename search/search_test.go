package search

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

func store(t *testing.T, e *storage.Engine, content string, attrs ...record.Attr) *record.Record {
	t.Helper()
	rec, err := record.New(record.CategoryTaskInsight, content, attrs...)
	require.NoError(t, err)
	_, err = e.Store(context.Background(), rec)
	require.NoError(t, err)
	return rec
}

func resultIDs(results []Result) []string {
	ids := make([]string, len(results))
	for i, r := range results {
		ids[i] = r.Record.ID
	}
	return ids
}

func TestSearchFilterOnly(t *testing.T) {
	ctx := context.Background()
	e := openEngine(t)
	s := New(e)

	insight := store(t, e, "prefer table driven tests", record.WithTags("testing"), record.WithImportance(7))
	other, err := record.New(record.CategoryBehaviorPattern, "commits in small steps", record.WithImportance(3))
	require.NoError(t, err)
	_, err = e.Store(ctx, other)
	require.NoError(t, err)

	results, err := s.Search(ctx, Query{Categories: []record.Category{record.CategoryTaskInsight}})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, insight.ID, results[0].Record.ID)
	assert.Equal(t, MatchFilter, results[0].MatchType)

	results, err = s.Search(ctx, Query{Tags: []string{"testing"}})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, insight.ID, results[0].Record.ID)

	results, err = s.Search(ctx, Query{MinImportance: 5})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, insight.ID, results[0].Record.ID)
}

func TestSearchDefaultsToActiveRecords(t *testing.T) {
	ctx := context.Background()
	e := openEngine(t)
	s := New(e)

	active := store(t, e, "still in use")
	archived := store(t, e, "long forgotten")

	arch := archived.Clone()
	arch.Status = record.StatusArchived
	require.NoError(t, e.Update(ctx, archived.ID, arch))

	results, err := s.Search(ctx, Query{})
	require.NoError(t, err)
	assert.Equal(t, []string{active.ID}, resultIDs(results))

	results, err = s.Search(ctx, Query{Statuses: []record.Status{record.StatusArchived}})
	require.NoError(t, err)
	assert.Equal(t, []string{archived.ID}, resultIDs(results))
}

// A query whose text exactly matches one record's title and appears
// nowhere else must rank that record first.
func TestSearchTitleMatchRanksFirst(t *testing.T) {
	ctx := context.Background()
	e := openEngine(t)
	s := New(e)

	store(t, e, "notes about build caching")
	store(t, e, "notes about dependency pinning")
	titled := store(t, e, "unrelated body text", record.WithTitle("flaky integration suite"))

	results, err := s.Search(ctx, Query{Text: "flaky integration suite"})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, titled.ID, results[0].Record.ID)
	assert.Equal(t, MatchExact, results[0].MatchType)
}

func TestSearchTitleOutranksContent(t *testing.T) {
	ctx := context.Background()
	e := openEngine(t)
	s := New(e)

	inContent := store(t, e, "the deploy pipeline broke again")
	inTitle := store(t, e, "completely different body", record.WithTitle("deploy pipeline"))

	results, err := s.Search(ctx, Query{Text: "deploy pipeline"})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, inTitle.ID, results[0].Record.ID)
	assert.Equal(t, inContent.ID, results[1].Record.ID)
	assert.Greater(t, results[0].RelevanceScore, results[1].RelevanceScore)
}

func TestSearchSemanticMatch(t *testing.T) {
	ctx := context.Background()
	e := openEngine(t)
	s := New(e)

	hit := store(t, e, "postgres connection pooling saturates under load")
	store(t, e, "keyboard shortcuts for the editor")
	e.Index().RebuildTerms()

	// Shared terms, but no contiguous substring of the query.
	results, err := s.Search(ctx, Query{Text: "pooling postgres saturates"})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, hit.ID, results[0].Record.ID)
}

func TestSearchFuzzyMatch(t *testing.T) {
	ctx := context.Background()
	e := openEngine(t)
	s := New(e)

	hit := store(t, e, "kubernetes rollout strategies")
	store(t, e, "gardening notes for spring")

	// Misspelled query: no exact substring, no shared term.
	results, err := s.Search(ctx, Query{Text: "kubernetes rolout strategy"})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, hit.ID, results[0].Record.ID)
}

func TestSearchScenario(t *testing.T) {
	ctx := context.Background()
	e := openEngine(t)
	s := New(e)

	python1 := store(t, e, "python virtualenvs should live outside the repo",
		record.WithTags("python"), record.WithImportance(5))
	python2 := store(t, e, "python type hints catch bugs in large modules",
		record.WithTags("python"), record.WithImportance(5))
	db := store(t, e, "database migrations must be reversible",
		record.WithTags("database"), record.WithImportance(8))
	e.Index().RebuildTerms()

	results, err := s.Search(ctx, Query{Text: "python"})
	require.NoError(t, err)
	ids := resultIDs(results)
	assert.Contains(t, ids, python1.ID)
	assert.Contains(t, ids, python2.ID)
	assert.NotContains(t, ids, db.ID)
	// A literal content hit stays labelled exact even when, with term
	// vectors rebuilt, the cosine strategy scores the same record higher.
	for _, r := range results {
		if r.Record.ID == python1.ID || r.Record.ID == python2.ID {
			assert.Equal(t, MatchExact, r.MatchType)
		}
	}

	results, err = s.Search(ctx, Query{Text: "database migrations"})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, db.ID, results[0].Record.ID)
	assert.Equal(t, MatchExact, results[0].MatchType)

	results, err = s.Search(ctx, Query{MinImportance: 7, MaxImportance: 10})
	require.NoError(t, err)
	assert.Equal(t, []string{db.ID}, resultIDs(results))
}

func TestRerankFactors(t *testing.T) {
	now := time.Now().UTC()

	mk := func(importance int, accessCount int64, lastAccess time.Time) *record.Record {
		rec, err := record.New(record.CategoryTaskInsight, "content", record.WithImportance(importance))
		require.NoError(t, err)
		rec.Metadata.AccessCount = accessCount
		rec.Metadata.LastAccessedAt = lastAccess
		return rec
	}

	base := Rerank(mk(5, 0, now), 1.0, now)

	assert.Greater(t, Rerank(mk(9, 0, now), 1.0, now), base)
	assert.Less(t, Rerank(mk(5, 0, now.Add(-60*24*time.Hour)), 1.0, now), base)
	assert.Greater(t, Rerank(mk(5, 100, now), 1.0, now), base)

	// Recency decay floors at 0.5, frequency boost caps at 2.0.
	ancient := Rerank(mk(5, 0, now.Add(-10*365*24*time.Hour)), 1.0, now)
	assert.InDelta(t, base*0.5, ancient, 1e-9)
	hot := Rerank(mk(5, 1<<40, now), 1.0, now)
	assert.InDelta(t, base*2.0, hot, 1e-9)
}

func TestSearchSortKeys(t *testing.T) {
	ctx := context.Background()
	e := openEngine(t)
	s := New(e)

	low := store(t, e, "low importance note", record.WithImportance(2))
	high := store(t, e, "high importance note", record.WithImportance(9))

	results, err := s.Search(ctx, Query{SortBy: SortByImportance})
	require.NoError(t, err)
	assert.Equal(t, []string{high.ID, low.ID}, resultIDs(results))

	results, err = s.Search(ctx, Query{SortBy: SortByImportance, SortOrder: SortAsc})
	require.NoError(t, err)
	assert.Equal(t, []string{low.ID, high.ID}, resultIDs(results))
}

func TestSearchPagination(t *testing.T) {
	ctx := context.Background()
	e := openEngine(t)
	s := New(e)

	for i := 0; i < 5; i++ {
		store(t, e, "note number "+string(rune('a'+i)))
	}

	var seen []string
	for offset := 0; ; offset += 2 {
		page, err := s.Search(ctx, Query{Limit: 2, Offset: offset})
		require.NoError(t, err)
		if len(page) == 0 {
			break
		}
		seen = append(seen, resultIDs(page)...)
	}

	require.Len(t, seen, 5)
	unique := make(map[string]bool)
	for _, id := range seen {
		assert.False(t, unique[id], "record %s paged twice", id)
		unique[id] = true
	}
}

func TestClusterer(t *testing.T) {
	ctx := context.Background()
	e := openEngine(t)

	git1 := store(t, e, "git rebase rewrites commit history carefully")
	git2 := store(t, e, "git rebase interactive squashes commit history")
	cook := store(t, e, "sourdough starters need regular feeding")

	c := NewClusterer(e)
	require.NoError(t, c.Recompute(ctx))

	related := c.Related(git1.ID, 5)
	assert.Contains(t, related, git2.ID)
	assert.NotContains(t, related, cook.ID)

	assert.Empty(t, c.Related("unknown-id", 5))
	assert.Empty(t, c.Related(git1.ID, 0))
}

func TestClustererServesWhileStale(t *testing.T) {
	ctx := context.Background()
	e := openEngine(t)

	a := store(t, e, "docker layer caching speeds up builds")
	b := store(t, e, "docker layer caching and build speed")

	c := NewClusterer(e)
	require.NoError(t, c.Recompute(ctx))
	require.Contains(t, c.Related(a.ID, 5), b.ID)

	// New records do not appear until the next recompute.
	added := store(t, e, "docker layer caching for speed and builds")
	assert.NotContains(t, c.Related(a.ID, 5), added.ID)

	require.NoError(t, c.Recompute(ctx))
	assert.Contains(t, c.Related(a.ID, 5), added.ID)
}

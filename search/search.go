// Package search ranks stored records against structured filters and free
// text. Filters narrow candidates through the secondary index; free text
// is scored by three strategies in parallel (exact substring, term-vector
// cosine, character-trigram overlap) and the ranking is adjusted for
// importance, recency and access frequency.
package search

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/memgo/index"
	"github.com/hupe1980/memgo/internal/textutil"
	"github.com/hupe1980/memgo/record"
	"github.com/hupe1980/memgo/storage"
)

// Match types reported in results.
const (
	MatchFilter   = "filter"
	MatchExact    = "exact"
	MatchSemantic = "semantic"
	MatchFuzzy    = "fuzzy"
)

// TagMode selects how multiple query tags combine.
type TagMode string

const (
	TagModeAny TagMode = "any"
	TagModeAll TagMode = "all"
)

// SortKey selects the result ordering.
type SortKey string

const (
	SortByRelevance   SortKey = "relevance"
	SortByImportance  SortKey = "importance"
	SortByRecency     SortKey = "recency"
	SortByAccessCount SortKey = "access_count"
)

// SortOrder is the result direction. Descending is the default.
type SortOrder string

const (
	SortDesc SortOrder = "desc"
	SortAsc  SortOrder = "asc"
)

// DefaultLimit applies when a query does not set one.
const DefaultLimit = 20

// Query describes one search. Zero-valued filter fields do not constrain.
type Query struct {
	Text string

	Categories    []record.Category
	Tags          []string
	TagMode       TagMode
	MinImportance int
	MaxImportance int

	// Statuses defaults to active only.
	Statuses []record.Status

	Limit  int
	Offset int

	SortBy    SortKey
	SortOrder SortOrder
}

// Result is one ranked record.
type Result struct {
	Record         *record.Record `json:"record"`
	MatchType      string         `json:"match_type"`
	RelevanceScore float64        `json:"relevance_score"`
}

// Options configures an Engine.
type Options struct {
	// SemanticLimit caps how many candidates the term-vector strategy
	// scores per query.
	SemanticLimit int

	// FuzzyThreshold is the minimum trigram Jaccard overlap for a fuzzy
	// hit.
	FuzzyThreshold float64

	Clock func() time.Time
}

// DefaultOptions returns the options used when none are given.
func DefaultOptions() Options {
	return Options{
		SemanticLimit:  64,
		FuzzyThreshold: 0.1,
	}
}

// Engine evaluates queries against one storage engine.
type Engine struct {
	store *storage.Engine
	opts  Options
}

// New creates a search Engine over store.
func New(store *storage.Engine, optFns ...func(o *Options)) *Engine {
	opts := DefaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Engine{store: store, opts: opts}
}

// Search evaluates q and returns the ranked page of results.
func (s *Engine) Search(ctx context.Context, q Query) ([]Result, error) {
	statuses := q.Statuses
	if len(statuses) == 0 {
		statuses = []record.Status{record.StatusActive}
	}

	ids := s.store.Index().Candidates(index.Filter{
		Categories:    q.Categories,
		Tags:          q.Tags,
		TagsMatchAll:  q.TagMode == TagModeAll,
		MinImportance: q.MinImportance,
		MaxImportance: q.MaxImportance,
		Statuses:      statuses,
	})
	if len(ids) == 0 {
		return nil, nil
	}

	candidates, err := s.store.LoadMany(ctx, ids)
	if err != nil {
		return nil, err
	}

	var results []Result
	if strings.TrimSpace(q.Text) == "" {
		results = make([]Result, 0, len(candidates))
		for _, rec := range candidates {
			results = append(results, Result{Record: rec, MatchType: MatchFilter, RelevanceScore: 1.0})
		}
	} else {
		results, err = s.matchText(ctx, q.Text, candidates)
		if err != nil {
			return nil, err
		}
	}

	now := s.opts.Clock()
	for i := range results {
		results[i].RelevanceScore = Rerank(results[i].Record, results[i].RelevanceScore, now)
	}

	sortResults(results, q.SortBy, q.SortOrder)
	return paginate(results, q.Offset, q.Limit), nil
}

// matchText runs the three text strategies concurrently and merges their
// hits, keeping the best score per record.
func (s *Engine) matchText(ctx context.Context, text string, candidates []*record.Record) ([]Result, error) {
	byID := make(map[string]*record.Record, len(candidates))
	for _, rec := range candidates {
		byID[rec.ID] = rec
	}

	var (
		mu     sync.Mutex
		merged = make(map[string]Result, len(candidates))
	)
	// The score merges to the max across strategies, but a true substring
	// hit keeps the exact label even when a statistical strategy scores
	// higher on the same record.
	add := func(rec *record.Record, matchType string, score float64) {
		mu.Lock()
		defer mu.Unlock()

		prev, ok := merged[rec.ID]
		if !ok {
			merged[rec.ID] = Result{Record: rec, MatchType: matchType, RelevanceScore: score}
			return
		}
		next := prev
		if score > next.RelevanceScore {
			next.RelevanceScore = score
			if prev.MatchType != MatchExact {
				next.MatchType = matchType
			}
		}
		if matchType == MatchExact {
			next.MatchType = MatchExact
		}
		merged[rec.ID] = next
	}

	g, _ := errgroup.WithContext(ctx)

	g.Go(func() error {
		needle := textutil.Normalize(text)
		for _, rec := range candidates {
			switch {
			case strings.Contains(textutil.Normalize(rec.Title), needle):
				add(rec, MatchExact, 1.0)
			case strings.Contains(textutil.Normalize(rec.Content), needle):
				add(rec, MatchExact, 0.5)
			}
		}
		return nil
	})

	g.Go(func() error {
		for _, hit := range s.store.Index().SemanticCandidates(text, s.opts.SemanticLimit) {
			rec, ok := byID[hit.ID]
			if !ok {
				continue
			}
			add(rec, MatchSemantic, math.Min(hit.Score, 1.0))
		}
		return nil
	})

	g.Go(func() error {
		query := textutil.Trigrams(text)
		if len(query) == 0 {
			return nil
		}
		for _, rec := range candidates {
			overlap := textutil.Jaccard(query, textutil.Trigrams(rec.Title+" "+rec.Content))
			if overlap >= s.opts.FuzzyThreshold {
				add(rec, MatchFuzzy, overlap)
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}

	results := make([]Result, 0, len(merged))
	for _, res := range merged {
		results = append(results, res)
	}
	return results, nil
}

// Rerank adjusts a raw match score by record importance, recency of
// access and access frequency.
func Rerank(rec *record.Record, score float64, now time.Time) float64 {
	importance := 1 + float64(rec.Importance)/10*0.5

	days := now.Sub(rec.Metadata.LastAccessedAt).Hours() / 24
	if days < 0 {
		days = 0
	}
	recency := math.Max(0.5, 1-days*0.01)

	frequency := math.Min(2.0, 1+math.Log(float64(rec.Metadata.AccessCount)+1)*0.1)

	return score * importance * recency * frequency
}

func sortResults(results []Result, key SortKey, order SortOrder) {
	less := func(a, b Result) bool { return a.RelevanceScore < b.RelevanceScore }
	switch key {
	case SortByImportance:
		less = func(a, b Result) bool { return a.Record.Importance < b.Record.Importance }
	case SortByRecency:
		less = func(a, b Result) bool {
			return a.Record.Metadata.LastAccessedAt.Before(b.Record.Metadata.LastAccessedAt)
		}
	case SortByAccessCount:
		less = func(a, b Result) bool { return a.Record.Metadata.AccessCount < b.Record.Metadata.AccessCount }
	}

	asc := order == SortAsc
	sort.SliceStable(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if less(a, b) != less(b, a) {
			if asc {
				return less(a, b)
			}
			return less(b, a)
		}
		// Stable tie-break so pagination never repeats records.
		return a.Record.ID < b.Record.ID
	})
}

func paginate(results []Result, offset, limit int) []Result {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if offset >= len(results) {
		return nil
	}
	results = results[offset:]
	if len(results) > limit {
		results = results[:limit]
	}
	return results
}

package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/memgo/record"
	"github.com/hupe1980/memgo/search"
	"github.com/hupe1980/memgo/storage"
)

// MatchAssociated marks results surfaced through the association graph
// rather than a direct match.
const MatchAssociated = "associated"

// DefaultRetrieveLimit applies when a retrieval does not set one.
const DefaultRetrieveLimit = 10

// Subquery score weights. The direct input is trusted most; an intent
// category filter alone is the weakest evidence.
const (
	directWeight = 1.0
	entityWeight = 0.8
	topicWeight  = 0.7
	intentWeight = 0.4
)

// Options configures a retrieval Engine.
type Options struct {
	// Extractor turns input into signals. Nil means the rule-based
	// default.
	Extractor SignalExtractor

	// Session tracking.
	Window     int
	SessionTTL time.Duration
	TopicDecay float64

	// Feedback learning.
	MinSamples   int
	LearningRate float64

	// Association graph.
	EdgeCap               int
	EdgeHalfLife          time.Duration
	SemanticEdgeThreshold float64

	// AssociationFactor discounts the score of records surfaced only
	// through an association edge.
	AssociationFactor float64

	// IntentCategories maps a classified intent to the categories worth
	// searching for it.
	IntentCategories map[Intent][]record.Category

	Logger *slog.Logger
	Clock  func() time.Time
}

// DefaultOptions returns the options used when none are given.
func DefaultOptions() Options {
	return Options{
		Window:                DefaultWindow,
		SessionTTL:            DefaultSessionTTL,
		TopicDecay:            DefaultTopicDecay,
		MinSamples:            DefaultMinSamples,
		LearningRate:          DefaultLearningRate,
		EdgeCap:               DefaultEdgeCap,
		EdgeHalfLife:          DefaultEdgeHalfLife,
		SemanticEdgeThreshold: DefaultSemanticEdgeBar,
		AssociationFactor:     DefaultAssociationBoost,
		IntentCategories: map[Intent][]record.Category{
			IntentRecall:   {record.CategoryConversationHistory},
			IntentQuestion: {record.CategoryLearnedHeuristic, record.CategoryTaskInsight},
			IntentCommand:  {record.CategoryUserPreference, record.CategorySystemConfiguration},
			IntentStore:    {record.CategoryUserPreference},
		},
	}
}

// Engine is the context-aware retrieval layer over search.
type Engine struct {
	store    *storage.Engine
	searcher *search.Engine
	opts     Options

	tracker *Tracker
	learner *Learner
	graph   *Graph
}

// New creates a retrieval Engine and loads any persisted session,
// feedback and association state from the store's retrieval directory.
// Corrupt state files are discarded: retrieval state is an optimization,
// never truth.
func New(store *storage.Engine, searcher *search.Engine, optFns ...func(o *Options)) (*Engine, error) {
	opts := DefaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Extractor == nil {
		opts.Extractor = NewRuleExtractor()
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	e := &Engine{
		store:    store,
		searcher: searcher,
		opts:     opts,
		tracker:  newTracker(opts.Window, opts.SessionTTL, opts.TopicDecay),
		learner:  newLearner(opts.MinSamples, opts.LearningRate),
		graph:    newGraph(opts.EdgeCap, opts.EdgeHalfLife),
	}
	if err := e.load(); err != nil {
		return nil, err
	}
	return e, nil
}

// Retrieve ranks stored records against the input within its session
// context. It fans out one search per extracted signal, merges the hits,
// applies learned feedback adjustments, and finally surfaces records
// associated with the matches at a reduced score.
func (e *Engine) Retrieve(ctx context.Context, input, sessionID string, limit int) ([]search.Result, error) {
	if strings.TrimSpace(input) == "" {
		return nil, fmt.Errorf("retrieval: empty input")
	}
	if limit <= 0 {
		limit = DefaultRetrieveLimit
	}
	now := e.opts.Clock()

	sig := e.opts.Extractor.Extract(input)
	e.tracker.Observe(sessionID, input, sig.Topics, now)
	sessionTopics := e.tracker.Topics(sessionID, now)

	merged, origin, err := e.fanOut(ctx, input, sig, sessionTopics, limit)
	if err != nil {
		return nil, err
	}

	for id, res := range merged {
		res.RelevanceScore *= e.learner.Multiplier(id)
		merged[id] = res
	}

	results := make([]search.Result, 0, len(merged))
	for _, res := range merged {
		results = append(results, res)
	}
	sortByScore(results)

	e.discoverAssociations(results, origin, sessionID, now)
	results = e.surfaceAssociated(ctx, results, merged, now)

	if len(results) > limit {
		results = results[:limit]
	}

	e.persist(ctx, stateSessions|stateAssociations)

	e.opts.Logger.DebugContext(ctx, "retrieval served",
		slog.String("session", sessionID),
		slog.String("intent", string(sig.Intent)),
		slog.Int("results", len(results)),
	)
	return results, nil
}

// ProvideFeedback records how useful a previously retrieved record was in
// the given usage context. Effectiveness and engagement are clamped to
// [0,1].
func (e *Engine) ProvideFeedback(ctx context.Context, id, usageContext string, effectiveness, engagement float64) error {
	if !e.store.Exists(id) {
		return fmt.Errorf("retrieval: feedback for %s: %w", id, storage.ErrNotFound)
	}
	e.learner.Observe(id, usageContext, effectiveness, engagement, e.opts.Clock())
	e.persist(ctx, stateFeedback)
	return nil
}

// Forget drops all retrieval state about a record, typically after it was
// deleted.
func (e *Engine) Forget(ctx context.Context, id string) {
	e.learner.Forget(id)
	e.graph.Forget(id)
	e.persist(ctx, stateFeedback|stateAssociations)
}

// Associations exposes the live association edges of a record.
func (e *Engine) Associations(id string) []Edge {
	return e.graph.Associated(id, e.opts.Clock())
}

// Sessions reports the number of live sessions.
func (e *Engine) Sessions() int {
	return e.tracker.Len(e.opts.Clock())
}

// Close persists all retrieval state.
func (e *Engine) Close(ctx context.Context) error {
	return e.save(ctx, stateSessions|stateFeedback|stateAssociations)
}

// fanOut runs the per-signal searches concurrently and merges the hits,
// keeping the best weighted score per record and the label of the
// subquery that produced it.
func (e *Engine) fanOut(ctx context.Context, input string, sig Signals, sessionTopics map[string]float64, limit int) (map[string]search.Result, map[string]string, error) {
	type subquery struct {
		label  string
		weight float64
		query  search.Query
	}

	inner := limit * 3
	if inner < 30 {
		inner = 30
	}

	queries := []subquery{{
		label:  "direct",
		weight: directWeight,
		query:  search.Query{Text: input, Limit: inner},
	}}

	// Current-input topics fan out at full weight even without a
	// session; recurring session topics keep their accumulated weight.
	topicWeights := make(map[string]float64, len(sessionTopics)+len(sig.Topics))
	for topic, w := range sessionTopics {
		topicWeights[topic] = w
	}
	for _, topic := range sig.Topics {
		if topicWeights[topic] < 1 {
			topicWeights[topic] = 1
		}
	}

	maxTopicWeight := 0.0
	for _, w := range topicWeights {
		if w > maxTopicWeight {
			maxTopicWeight = w
		}
	}
	for topic, w := range topicWeights {
		factor := 1.0
		if maxTopicWeight > 0 {
			factor = 0.5 + 0.5*w/maxTopicWeight
		}
		queries = append(queries, subquery{
			label:  "topic:" + topic,
			weight: topicWeight * factor,
			query:  search.Query{Text: topic, Limit: inner},
		})
	}
	for _, entity := range sig.Entities {
		queries = append(queries, subquery{
			label:  "entity:" + entity,
			weight: entityWeight,
			query:  search.Query{Text: entity, Limit: inner},
		})
	}
	if categories := e.opts.IntentCategories[sig.Intent]; len(categories) > 0 {
		queries = append(queries, subquery{
			label:  "intent:" + string(sig.Intent),
			weight: intentWeight,
			query:  search.Query{Categories: categories, Limit: inner},
		})
	}

	var (
		mu     sync.Mutex
		merged = make(map[string]search.Result)
		origin = make(map[string]string)
	)

	g, gctx := errgroup.WithContext(ctx)
	for _, sq := range queries {
		g.Go(func() error {
			hits, err := e.searcher.Search(gctx, sq.query)
			if err != nil {
				return err
			}

			mu.Lock()
			defer mu.Unlock()
			for _, hit := range hits {
				score := hit.RelevanceScore * sq.weight
				if prev, ok := merged[hit.Record.ID]; !ok || score > prev.RelevanceScore {
					hit.RelevanceScore = score
					merged[hit.Record.ID] = hit
					origin[hit.Record.ID] = sq.label
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return merged, origin, nil
}

// discoverAssociations records typed edges between the top co-retrieved
// records: temporal for any pair retrieved in the same session, semantic
// for similar term vectors, contextual when the same topic or entity
// subquery matched both.
func (e *Engine) discoverAssociations(results []search.Result, origin map[string]string, sessionID string, now time.Time) {
	top := results
	if len(top) > 5 {
		top = top[:5]
	}

	idx := e.store.Index()
	for i := 0; i < len(top); i++ {
		for j := i + 1; j < len(top); j++ {
			a, b := top[i].Record.ID, top[j].Record.ID

			if sessionID != "" {
				e.graph.Observe(a, b, EdgeTemporal, now)
			}
			if idx.Similarity(a, b) >= e.opts.SemanticEdgeThreshold {
				e.graph.Observe(a, b, EdgeSemantic, now)
			}
			if la := origin[a]; la == origin[b] && (strings.HasPrefix(la, "topic:") || strings.HasPrefix(la, "entity:")) {
				e.graph.Observe(a, b, EdgeContextual, now)
			}
		}
	}
}

// surfaceAssociated appends records linked to the matches through the
// association graph but not matched themselves, scored at a fraction of
// their strongest source.
func (e *Engine) surfaceAssociated(ctx context.Context, results []search.Result, merged map[string]search.Result, now time.Time) []search.Result {
	scores := make(map[string]float64)
	for _, res := range results {
		for _, edge := range e.graph.Associated(res.Record.ID, now) {
			if _, matched := merged[edge.Target]; matched {
				continue
			}
			score := res.RelevanceScore * e.opts.AssociationFactor * edge.Strength
			if score > scores[edge.Target] {
				scores[edge.Target] = score
			}
		}
	}
	if len(scores) == 0 {
		return results
	}

	ids := make([]string, 0, len(scores))
	for id := range scores {
		ids = append(ids, id)
	}
	recs, err := e.store.LoadMany(ctx, ids)
	if err != nil {
		// Associations are hints; a load failure only skips them.
		e.opts.Logger.WarnContext(ctx, "associated records unavailable", slog.Any("error", err))
		return results
	}
	for _, rec := range recs {
		if rec.Status != record.StatusActive {
			continue
		}
		results = append(results, search.Result{
			Record:         rec,
			MatchType:      MatchAssociated,
			RelevanceScore: scores[rec.ID],
		})
	}

	sortByScore(results)
	return results
}

func sortByScore(results []search.Result) {
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].RelevanceScore != results[j].RelevanceScore {
			return results[i].RelevanceScore > results[j].RelevanceScore
		}
		return results[i].Record.ID < results[j].Record.ID
	})
}

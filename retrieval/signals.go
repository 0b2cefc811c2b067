// Package retrieval turns raw conversational input into ranked memory.
// It extracts signals from the input (topics, entities, intent,
// sentiment), fans out into multiple searches, and adapts future rankings
// through feedback and a typed association graph. Session, feedback and
// association state is persisted under the store's retrieval directory
// and survives restarts.
package retrieval

import (
	"sort"
	"strings"
	"unicode"

	"github.com/hupe1980/memgo/internal/textutil"
)

// Intent is the coarse classification of what the input wants.
type Intent string

const (
	IntentQuestion Intent = "question"
	IntentCommand  Intent = "command"
	IntentRecall   Intent = "recall"
	IntentStore    Intent = "store"
	IntentUnknown  Intent = "unknown"
)

// Sentiment is the coarse polarity of the input.
type Sentiment string

const (
	SentimentPositive Sentiment = "positive"
	SentimentNegative Sentiment = "negative"
	SentimentNeutral  Sentiment = "neutral"
)

// Signals is everything extracted from one input.
type Signals struct {
	Topics    []string  `json:"topics"`
	Entities  []string  `json:"entities"`
	Intent    Intent    `json:"intent"`
	Sentiment Sentiment `json:"sentiment"`
}

// SignalExtractor turns raw input into Signals. Implementations must be
// safe for concurrent use.
type SignalExtractor interface {
	Extract(input string) Signals
}

// Rules configures the rule-based extractor. All matching is on
// normalized lowercase terms.
type Rules struct {
	// MaxTopics caps how many topic keywords are kept, most frequent
	// first.
	MaxTopics int

	// IntentPrefixes map an intent to phrases that, at the start of the
	// input, select it. Checked in the order recall, store, question,
	// command.
	IntentPrefixes map[Intent][]string

	PositiveWords []string
	NegativeWords []string
}

// DefaultRules returns the built-in rule set.
func DefaultRules() Rules {
	return Rules{
		MaxTopics: 5,
		IntentPrefixes: map[Intent][]string{
			IntentRecall:   {"what did", "remind me", "recall", "last time", "have we", "did i"},
			IntentStore:    {"remember that", "note that", "save this", "keep in mind", "from now on"},
			IntentQuestion: {"what", "why", "how", "when", "where", "who", "which", "can ", "could ", "should ", "is ", "are ", "does "},
			IntentCommand:  {"run", "build", "create", "delete", "show", "list", "update", "open", "stop", "start", "fix"},
		},
		PositiveWords: []string{"great", "good", "perfect", "thanks", "works", "love", "nice", "helpful", "correct"},
		NegativeWords: []string{"wrong", "bad", "broken", "fails", "failed", "hate", "useless", "annoying", "error", "not working"},
	}
}

// RuleExtractor is the default SignalExtractor: stopword-filtered top
// terms for topics, capitalized and quoted spans for entities, prefix
// keyword rules for intent, and a word lexicon for sentiment.
type RuleExtractor struct {
	rules Rules
}

// NewRuleExtractor creates a RuleExtractor.
func NewRuleExtractor(optFns ...func(r *Rules)) *RuleExtractor {
	rules := DefaultRules()
	for _, fn := range optFns {
		fn(&rules)
	}
	return &RuleExtractor{rules: rules}
}

// Extract implements SignalExtractor.
func (e *RuleExtractor) Extract(input string) Signals {
	return Signals{
		Topics:    e.topics(input),
		Entities:  extractEntities(input),
		Intent:    e.intent(input),
		Sentiment: e.sentiment(input),
	}
}

func (e *RuleExtractor) topics(input string) []string {
	counts := textutil.TermCounts(input)
	if len(counts) == 0 {
		return nil
	}

	terms := make([]string, 0, len(counts))
	for term := range counts {
		terms = append(terms, term)
	}
	sort.Slice(terms, func(i, j int) bool {
		if counts[terms[i]] != counts[terms[j]] {
			return counts[terms[i]] > counts[terms[j]]
		}
		return terms[i] < terms[j]
	})

	if max := e.rules.MaxTopics; max > 0 && len(terms) > max {
		terms = terms[:max]
	}
	return terms
}

func (e *RuleExtractor) intent(input string) Intent {
	norm := strings.TrimSpace(textutil.Normalize(input))
	if norm == "" {
		return IntentUnknown
	}

	for _, intent := range []Intent{IntentRecall, IntentStore, IntentQuestion, IntentCommand} {
		for _, prefix := range e.rules.IntentPrefixes[intent] {
			if strings.HasPrefix(norm, prefix) {
				return intent
			}
		}
	}
	if strings.HasSuffix(strings.TrimSpace(input), "?") {
		return IntentQuestion
	}
	return IntentUnknown
}

func (e *RuleExtractor) sentiment(input string) Sentiment {
	norm := " " + textutil.Normalize(input) + " "

	score := 0
	for _, w := range e.rules.PositiveWords {
		if strings.Contains(norm, w) {
			score++
		}
	}
	for _, w := range e.rules.NegativeWords {
		if strings.Contains(norm, w) {
			score--
		}
	}

	switch {
	case score > 0:
		return SentimentPositive
	case score < 0:
		return SentimentNegative
	default:
		return SentimentNeutral
	}
}

// extractEntities collects quoted spans and runs of capitalized words.
// The first word of the input only counts when the run continues, which
// keeps ordinary sentence starts out.
func extractEntities(input string) []string {
	seen := make(map[string]bool)
	var entities []string
	add := func(s string) {
		s = strings.TrimSpace(s)
		if s == "" || seen[s] {
			return
		}
		seen[s] = true
		entities = append(entities, s)
	}

	for i := 0; ; {
		start := strings.IndexAny(input[i:], `"'`)
		if start < 0 {
			break
		}
		quote := input[i+start]
		end := strings.IndexByte(input[i+start+1:], quote)
		if end < 0 {
			break
		}
		add(input[i+start+1 : i+start+1+end])
		i += start + end + 2
	}

	words := strings.Fields(input)
	var run []string
	flush := func(startIdx int) {
		if len(run) > 1 || (len(run) == 1 && startIdx > 0) {
			add(strings.Join(run, " "))
		}
		run = nil
	}
	runStart := 0
	for i, w := range words {
		trimmed := strings.TrimFunc(w, func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsNumber(r)
		})
		if trimmed != "" && unicode.IsUpper([]rune(trimmed)[0]) {
			if len(run) == 0 {
				runStart = i
			}
			run = append(run, trimmed)
			continue
		}
		flush(runStart)
	}
	flush(runStart)

	return entities
}

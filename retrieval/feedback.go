package retrieval

import (
	"sync"
	"time"
)

// Feedback learning defaults.
const (
	DefaultMinSamples   = 3
	DefaultLearningRate = 0.3
)

// FeedbackStats is the persisted running effectiveness of one record.
type FeedbackStats struct {
	Samples     int       `json:"samples"`
	Total       float64   `json:"total"`
	LastContext string    `json:"last_context,omitempty"`
	LastAt      time.Time `json:"last_at"`
}

// Adjustment returns the mean observed effectiveness in [0,1].
func (s FeedbackStats) Adjustment() float64 {
	if s.Samples == 0 {
		return 0.5
	}
	return s.Total / float64(s.Samples)
}

// Learner accumulates per-record feedback and nudges ranking scores once
// a record has enough samples. Records below the sample floor rank
// unchanged, so cold starts are unaffected.
type Learner struct {
	mu    sync.Mutex
	stats map[string]*FeedbackStats

	minSamples int
	rate       float64
}

func newLearner(minSamples int, rate float64) *Learner {
	return &Learner{
		stats:      make(map[string]*FeedbackStats),
		minSamples: minSamples,
		rate:       rate,
	}
}

// Observe records one feedback sample. Effectiveness and engagement are
// clamped to [0,1] and averaged into a single sample.
func (l *Learner) Observe(id, usageContext string, effectiveness, engagement float64, now time.Time) {
	sample := (clamp01(effectiveness) + clamp01(engagement)) / 2

	l.mu.Lock()
	defer l.mu.Unlock()

	s := l.stats[id]
	if s == nil {
		s = &FeedbackStats{}
		l.stats[id] = s
	}
	s.Samples++
	s.Total += sample
	s.LastContext = usageContext
	s.LastAt = now
}

// Multiplier returns the score factor for a record:
// 1 + rate*(adjustment-0.5) once the sample floor is reached, 1 before.
func (l *Learner) Multiplier(id string) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	s := l.stats[id]
	if s == nil || s.Samples < l.minSamples {
		return 1
	}
	return 1 + l.rate*(s.Adjustment()-0.5)
}

// Forget drops the stats of a record, typically after deletion.
func (l *Learner) Forget(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.stats, id)
}

func (l *Learner) snapshot() map[string]*FeedbackStats {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make(map[string]*FeedbackStats, len(l.stats))
	for id, s := range l.stats {
		cp := *s
		out[id] = &cp
	}
	return out
}

func (l *Learner) restore(stats map[string]*FeedbackStats) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.stats = make(map[string]*FeedbackStats, len(stats))
	for id, s := range stats {
		l.stats[id] = s
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

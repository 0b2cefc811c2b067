package retrieval

import (
	"sync"
	"time"
)

// Session tracking defaults.
const (
	DefaultWindow     = 20
	DefaultSessionTTL = time.Hour
	DefaultTopicDecay = 0.8
)

// Turn is one observed input in a session.
type Turn struct {
	Input  string    `json:"input"`
	Topics []string  `json:"topics,omitempty"`
	At     time.Time `json:"at"`
}

// SessionState is the persisted form of one conversation session.
type SessionState struct {
	ID           string             `json:"id"`
	Turns        []Turn             `json:"turns"`
	TopicWeights map[string]float64 `json:"topic_weights"`
	LastActive   time.Time          `json:"last_active"`
}

// Tracker maintains a bounded per-session window of turns with
// exponentially decayed topic weights. Idle sessions expire after the
// TTL.
type Tracker struct {
	mu       sync.Mutex
	sessions map[string]*SessionState

	window int
	ttl    time.Duration
	decay  float64
}

func newTracker(window int, ttl time.Duration, decay float64) *Tracker {
	return &Tracker{
		sessions: make(map[string]*SessionState),
		window:   window,
		ttl:      ttl,
		decay:    decay,
	}
}

// Observe appends a turn to the session. Existing topic weights decay
// first, then each extracted topic gains one unit; old turns fall out of
// the window and expired sessions are dropped eagerly.
func (t *Tracker) Observe(sessionID, input string, topics []string, now time.Time) {
	if sessionID == "" {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.expireLocked(now)

	s := t.sessions[sessionID]
	if s == nil {
		s = &SessionState{ID: sessionID, TopicWeights: make(map[string]float64)}
		t.sessions[sessionID] = s
	}

	for topic, w := range s.TopicWeights {
		w *= t.decay
		if w < 0.01 {
			delete(s.TopicWeights, topic)
			continue
		}
		s.TopicWeights[topic] = w
	}
	for _, topic := range topics {
		s.TopicWeights[topic] += 1.0
	}

	s.Turns = append(s.Turns, Turn{Input: input, Topics: topics, At: now})
	if len(s.Turns) > t.window {
		s.Turns = s.Turns[len(s.Turns)-t.window:]
	}
	s.LastActive = now
}

// Topics returns the current topic weights of a live session, strongest
// first.
func (t *Tracker) Topics(sessionID string, now time.Time) map[string]float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.expireLocked(now)

	s := t.sessions[sessionID]
	if s == nil {
		return nil
	}
	out := make(map[string]float64, len(s.TopicWeights))
	for topic, w := range s.TopicWeights {
		out[topic] = w
	}
	return out
}

// Len reports the number of live sessions.
func (t *Tracker) Len(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.expireLocked(now)
	return len(t.sessions)
}

func (t *Tracker) expireLocked(now time.Time) {
	for id, s := range t.sessions {
		if now.Sub(s.LastActive) > t.ttl {
			delete(t.sessions, id)
		}
	}
}

func (t *Tracker) snapshot() map[string]*SessionState {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[string]*SessionState, len(t.sessions))
	for id, s := range t.sessions {
		cp := *s
		cp.Turns = append([]Turn(nil), s.Turns...)
		cp.TopicWeights = make(map[string]float64, len(s.TopicWeights))
		for topic, w := range s.TopicWeights {
			cp.TopicWeights[topic] = w
		}
		out[id] = &cp
	}
	return out
}

func (t *Tracker) restore(sessions map[string]*SessionState) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.sessions = make(map[string]*SessionState, len(sessions))
	for id, s := range sessions {
		if s.TopicWeights == nil {
			s.TopicWeights = make(map[string]float64)
		}
		t.sessions[id] = s
	}
}

package retrieval

import (
	"math"
	"sort"
	"sync"
	"time"
)

// Association graph defaults.
const (
	DefaultEdgeCap          = 32
	DefaultEdgeHalfLife     = 30 * 24 * time.Hour
	DefaultEdgeReinforce    = 0.25
	DefaultMinEdgeStrength  = 0.05
	DefaultSemanticEdgeBar  = 0.4
	DefaultAssociationBoost = 0.5
)

// EdgeType classifies how two records became associated.
type EdgeType string

const (
	// EdgeTemporal links records retrieved together in one session.
	EdgeTemporal EdgeType = "temporal"
	// EdgeSemantic links records with similar term vectors.
	EdgeSemantic EdgeType = "semantic"
	// EdgeContextual links records matched by the same extracted topic
	// or entity.
	EdgeContextual EdgeType = "contextual"
)

// Edge is one directed association.
type Edge struct {
	Target   string    `json:"target"`
	Type     EdgeType  `json:"type"`
	Strength float64   `json:"strength"`
	LastSeen time.Time `json:"last_seen"`
}

// Graph is the typed association graph. Edge strength is reinforced on
// every re-observation and halves per half-life of silence; each record
// keeps at most cap edges, evicting the weakest.
type Graph struct {
	mu    sync.Mutex
	edges map[string][]Edge

	cap      int
	halfLife time.Duration
}

func newGraph(cap int, halfLife time.Duration) *Graph {
	return &Graph{
		edges:    make(map[string][]Edge),
		cap:      cap,
		halfLife: halfLife,
	}
}

// Observe records one co-occurrence in both directions.
func (g *Graph) Observe(a, b string, typ EdgeType, now time.Time) {
	if a == b || a == "" || b == "" {
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.observeLocked(a, b, typ, now)
	g.observeLocked(b, a, typ, now)
}

func (g *Graph) observeLocked(source, target string, typ EdgeType, now time.Time) {
	edges := g.edges[source]

	for i := range edges {
		if edges[i].Target == target && edges[i].Type == typ {
			decayed := g.decayed(edges[i].Strength, edges[i].LastSeen, now)
			edges[i].Strength = decayed + (1-decayed)*DefaultEdgeReinforce
			edges[i].LastSeen = now
			return
		}
	}

	edges = append(edges, Edge{
		Target:   target,
		Type:     typ,
		Strength: DefaultEdgeReinforce,
		LastSeen: now,
	})

	if len(edges) > g.cap {
		sort.Slice(edges, func(i, j int) bool {
			return g.decayed(edges[i].Strength, edges[i].LastSeen, now) >
				g.decayed(edges[j].Strength, edges[j].LastSeen, now)
		})
		edges = edges[:g.cap]
	}
	g.edges[source] = edges
}

// Associated returns the live edges of a record with decayed strengths,
// strongest first. Edges decayed below the floor are dropped.
func (g *Graph) Associated(id string, now time.Time) []Edge {
	g.mu.Lock()
	defer g.mu.Unlock()

	var out []Edge
	for _, e := range g.edges[id] {
		strength := g.decayed(e.Strength, e.LastSeen, now)
		if strength < DefaultMinEdgeStrength {
			continue
		}
		e.Strength = strength
		out = append(out, e)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Strength > out[j].Strength })
	return out
}

// Forget drops a record and every edge pointing at it.
func (g *Graph) Forget(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	delete(g.edges, id)
	for source, edges := range g.edges {
		kept := edges[:0]
		for _, e := range edges {
			if e.Target != id {
				kept = append(kept, e)
			}
		}
		if len(kept) == 0 {
			delete(g.edges, source)
			continue
		}
		g.edges[source] = kept
	}
}

func (g *Graph) decayed(strength float64, lastSeen, now time.Time) float64 {
	elapsed := now.Sub(lastSeen)
	if elapsed <= 0 || g.halfLife <= 0 {
		return strength
	}
	return strength * math.Pow(0.5, elapsed.Hours()/g.halfLife.Hours())
}

func (g *Graph) snapshot() map[string][]Edge {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make(map[string][]Edge, len(g.edges))
	for id, edges := range g.edges {
		out[id] = append([]Edge(nil), edges...)
	}
	return out
}

func (g *Graph) restore(edges map[string][]Edge) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.edges = make(map[string][]Edge, len(edges))
	for id, es := range edges {
		g.edges[id] = es
	}
}

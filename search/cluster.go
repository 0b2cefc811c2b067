package search

import (
	"context"
	"sort"
	"sync"

	"github.com/hupe1980/memgo/record"
	"github.com/hupe1980/memgo/resource"
	"github.com/hupe1980/memgo/storage"
)

// DefaultClusterThreshold is the minimum term-vector similarity for two
// records to land in the same cluster.
const DefaultClusterThreshold = 0.35

// ClusterOptions configures a Clusterer.
type ClusterOptions struct {
	Threshold  float64
	Controller *resource.Controller
}

// Clusterer groups the active set by term-vector similarity, offline.
// Recompute builds a fresh clustering under a maintenance slot while
// Related keeps serving the previous one, so foreground search is never
// blocked.
type Clusterer struct {
	store *storage.Engine
	opts  ClusterOptions

	mu       sync.RWMutex
	clusters [][]string
	byID     map[string]int
}

// NewClusterer creates a Clusterer over store.
func NewClusterer(store *storage.Engine, optFns ...func(o *ClusterOptions)) *Clusterer {
	opts := ClusterOptions{Threshold: DefaultClusterThreshold}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Clusterer{
		store: store,
		opts:  opts,
		byID:  make(map[string]int),
	}
}

// Recompute rebuilds the clustering from the current active set. Greedy
// assignment: each record joins the first cluster whose seed it is similar
// enough to, otherwise it seeds a new cluster. Cancellation leaves the
// previous clustering in place.
func (c *Clusterer) Recompute(ctx context.Context) error {
	if err := c.opts.Controller.AcquireMaintenance(ctx); err != nil {
		return err
	}
	defer c.opts.Controller.ReleaseMaintenance()

	idx := c.store.Index()
	idx.RebuildTerms()
	ids := idx.ByStatus(record.StatusActive)
	sort.Strings(ids)

	var (
		clusters [][]string
		seeds    []string
	)
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}

		assigned := false
		for i, seed := range seeds {
			if idx.Similarity(id, seed) >= c.opts.Threshold {
				clusters[i] = append(clusters[i], id)
				assigned = true
				break
			}
		}
		if !assigned {
			seeds = append(seeds, id)
			clusters = append(clusters, []string{id})
		}
	}

	byID := make(map[string]int, len(ids))
	for i, members := range clusters {
		for _, id := range members {
			byID[id] = i
		}
	}

	c.mu.Lock()
	c.clusters = clusters
	c.byID = byID
	c.mu.Unlock()
	return nil
}

// Related returns up to k cluster mates of id from the last computed
// clustering, most similar first. Unknown ids and singleton clusters
// yield nothing.
func (c *Clusterer) Related(id string, k int) []string {
	c.mu.RLock()
	ci, ok := c.byID[id]
	var members []string
	if ok {
		members = c.clusters[ci]
	}
	c.mu.RUnlock()

	if !ok || k <= 0 {
		return nil
	}

	idx := c.store.Index()
	related := make([]string, 0, len(members))
	for _, m := range members {
		if m != id {
			related = append(related, m)
		}
	}
	sort.SliceStable(related, func(i, j int) bool {
		return idx.Similarity(id, related[i]) > idx.Similarity(id, related[j])
	})

	if len(related) > k {
		related = related[:k]
	}
	return related
}

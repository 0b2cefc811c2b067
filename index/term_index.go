package index

import (
	"math"
	"sort"

	"github.com/hupe1980/memgo/internal/textutil"
)

type scoredUID struct {
	uid   uint32
	score float64
}

// termIndex holds TF-IDF weighted term vectors for all indexed records.
// It is rebuilt wholesale from retained term counts; there is no
// incremental add, matching the batched-rebuild contract. Not safe for
// concurrent use on its own; the Index lock covers it.
type termIndex struct {
	postings map[string]map[uint32]float64
	vectors  map[uint32]map[string]float64
	norms    map[uint32]float64
	df       map[string]int
	docs     int
}

func newTermIndex() *termIndex {
	return &termIndex{
		postings: make(map[string]map[uint32]float64),
		vectors:  make(map[uint32]map[string]float64),
		norms:    make(map[uint32]float64),
		df:       make(map[string]int),
	}
}

func (ti *termIndex) rebuild(docs map[uint32]map[string]int) {
	ti.postings = make(map[string]map[uint32]float64, len(ti.postings))
	ti.vectors = make(map[uint32]map[string]float64, len(docs))
	ti.norms = make(map[uint32]float64, len(docs))
	ti.df = make(map[string]int, len(ti.df))
	ti.docs = len(docs)

	for _, terms := range docs {
		for t := range terms {
			ti.df[t]++
		}
	}

	for uid, terms := range docs {
		vec := make(map[string]float64, len(terms))
		var norm float64
		for t, tf := range terms {
			w := float64(tf) * ti.idf(t)
			vec[t] = w
			norm += w * w

			posting, ok := ti.postings[t]
			if !ok {
				posting = make(map[uint32]float64)
				ti.postings[t] = posting
			}
			posting[uid] = w
		}
		ti.vectors[uid] = vec
		ti.norms[uid] = math.Sqrt(norm)
	}
}

func (ti *termIndex) idf(term string) float64 {
	df := ti.df[term]
	if df == 0 {
		return 0
	}
	return math.Log(1 + float64(ti.docs)/float64(df))
}

// search scores all documents sharing at least one term with the query and
// returns the top k by cosine similarity.
func (ti *termIndex) search(query map[string]int, k int) []scoredUID {
	var queryNorm float64
	acc := make(map[uint32]float64)

	for t, tf := range query {
		qw := float64(tf) * ti.idf(t)
		if qw == 0 {
			continue
		}
		queryNorm += qw * qw
		for uid, w := range ti.postings[t] {
			acc[uid] += qw * w
		}
	}
	if len(acc) == 0 || queryNorm == 0 {
		return nil
	}
	queryNorm = math.Sqrt(queryNorm)

	out := make([]scoredUID, 0, len(acc))
	for uid, dot := range acc {
		if n := ti.norms[uid]; n > 0 {
			out = append(out, scoredUID{uid: uid, score: dot / (queryNorm * n)})
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].score != out[j].score {
			return out[i].score > out[j].score
		}
		return out[i].uid < out[j].uid
	})
	if len(out) > k {
		out = out[:k]
	}
	return out
}

func (ti *termIndex) similarity(a, b uint32) float64 {
	return textutil.Cosine(ti.vectors[a], ti.vectors[b])
}

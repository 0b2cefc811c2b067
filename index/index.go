// Package index maintains the secondary lookup structures derived from
// stored records: category, tag, importance and status bitmaps, the
// content-hash dedup map, a timestamp ordering and a term-vector index for
// similarity queries.
//
// Nothing in here is authoritative. Every structure can be rebuilt by
// rescanning the records on disk, and the disk snapshot is an optimization
// only: a missing or corrupt snapshot means a rebuild, never a failure.
package index

import (
	"sort"
	"sync"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/hupe1980/memgo/internal/textutil"
	"github.com/hupe1980/memgo/record"
)

// Options configures index behavior.
type Options struct {
	// TermRebuildEvery is the number of mutations batched up before the
	// term-vector index is rebuilt. Between rebuilds new records are
	// reachable through the exact lookup structures only.
	TermRebuildEvery int
}

// DefaultOptions returns the options used when none are given.
func DefaultOptions() Options {
	return Options{
		TermRebuildEvery: 16,
	}
}

// Scored pairs a record id with a similarity score.
type Scored struct {
	ID    string
	Score float64
}

// Filter is the ANDed candidate-narrowing condition used by search.
// Zero-valued fields do not constrain.
type Filter struct {
	Categories    []record.Category
	Tags          []string
	TagsMatchAll  bool
	MinImportance int
	MaxImportance int
	Statuses      []record.Status
}

// facts is everything the index remembers about one record. Retaining the
// term counts lets the term-vector index rebuild without rescanning disk.
type facts struct {
	id       string
	category record.Category
	tags     []string
	level    int
	status   record.Status
	hash     string
	created  int64
	terms    map[string]int
}

type timeEntry struct {
	created int64
	uid     uint32
}

// Index is the secondary index over all records known to the storage
// engine. A single RWMutex serializes mutation while allowing concurrent
// queries.
type Index struct {
	mu   sync.RWMutex
	opts Options

	// id interning: string ids map to dense uint32s for the bitmaps.
	uids map[string]uint32
	ids  []string
	free []uint32

	facts      map[uint32]*facts
	categories map[record.Category]*roaring.Bitmap
	tags       map[string]*roaring.Bitmap
	levels     map[int]*roaring.Bitmap
	statuses   map[record.Status]*roaring.Bitmap
	hashes     map[string]uint32
	byTime     []timeEntry

	terms   *termIndex
	pending int
}

// New creates an empty index.
func New(optFns ...func(o *Options)) *Index {
	opts := DefaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.TermRebuildEvery < 1 {
		opts.TermRebuildEvery = 1
	}

	return &Index{
		opts:       opts,
		uids:       make(map[string]uint32),
		facts:      make(map[uint32]*facts),
		categories: make(map[record.Category]*roaring.Bitmap),
		tags:       make(map[string]*roaring.Bitmap),
		levels:     make(map[int]*roaring.Bitmap),
		statuses:   make(map[record.Status]*roaring.Bitmap),
		hashes:     make(map[string]uint32),
		terms:      newTermIndex(),
	}
}

// Add indexes a record, replacing any previous entry for the same id.
func (ix *Index) Add(rec *record.Record) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if uid, ok := ix.uids[rec.ID]; ok {
		ix.removeLocked(uid)
	}
	ix.addLocked(rec)
	ix.noteWriteLocked()
}

// Remove drops a record from all structures. Unknown ids are a no-op.
func (ix *Index) Remove(id string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	uid, ok := ix.uids[id]
	if !ok {
		return
	}
	ix.removeLocked(uid)
	ix.noteWriteLocked()
}

// Update reindexes a record after mutation: stale entries out, fresh ones
// in. It is Add under a name that reads better at call sites.
func (ix *Index) Update(rec *record.Record) {
	ix.Add(rec)
}

// Rebuild replaces the entire index content from a storage scan and
// rebuilds the term-vector index once at the end.
func (ix *Index) Rebuild(recs []*record.Record) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	ix.resetLocked(len(recs))
	for _, rec := range recs {
		ix.addLocked(rec)
	}
	ix.rebuildTermsLocked()
}

// ByCategory returns the ids of all records in a category.
func (ix *Index) ByCategory(c record.Category) []string {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.resolveLocked(ix.categories[c])
}

// ByTags returns ids carrying the tags: all of them when matchAll is set,
// any of them otherwise. Tags are normalized the same way records are.
func (ix *Index) ByTags(tags []string, matchAll bool) []string {
	tags = record.NormalizeTags(tags)
	if len(tags) == 0 {
		return nil
	}

	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.resolveLocked(ix.tagBitmapLocked(tags, matchAll))
}

// ByImportanceRange returns ids with importance in [min,max].
func (ix *Index) ByImportanceRange(min, max int) []string {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	out := roaring.New()
	for level, bm := range ix.levels {
		if level >= min && level <= max {
			out.Or(bm)
		}
	}
	return ix.resolveLocked(out)
}

// ByStatus returns ids in the given lifecycle state.
func (ix *Index) ByStatus(s record.Status) []string {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.resolveLocked(ix.statuses[s])
}

// ByContentHash resolves the dedup key of an active record.
func (ix *Index) ByContentHash(hash string) (string, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	uid, ok := ix.hashes[hash]
	if !ok {
		return "", false
	}
	return ix.ids[uid], true
}

// OrderedByTimestamp returns all ids ordered by creation time, newest
// first when desc is set.
func (ix *Index) OrderedByTimestamp(desc bool) []string {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	out := make([]string, len(ix.byTime))
	if desc {
		for i, te := range ix.byTime {
			out[len(out)-1-i] = ix.ids[te.uid]
		}
	} else {
		for i, te := range ix.byTime {
			out[i] = ix.ids[te.uid]
		}
	}
	return out
}

// Candidates applies the ANDed filter and returns the matching ids in
// timestamp order. A zero filter matches everything.
func (ix *Index) Candidates(f Filter) []string {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	var bm *roaring.Bitmap

	and := func(other *roaring.Bitmap) {
		if other == nil {
			other = roaring.New()
		}
		if bm == nil {
			bm = other.Clone()
			return
		}
		bm.And(other)
	}

	if len(f.Categories) > 0 {
		or := roaring.New()
		for _, c := range f.Categories {
			if b := ix.categories[c]; b != nil {
				or.Or(b)
			}
		}
		and(or)
	}

	if tags := record.NormalizeTags(f.Tags); len(tags) > 0 {
		and(ix.tagBitmapLocked(tags, f.TagsMatchAll))
	}

	if f.MinImportance > 0 || f.MaxImportance > 0 {
		min, max := f.MinImportance, f.MaxImportance
		if min == 0 {
			min = record.MinImportance
		}
		if max == 0 {
			max = record.MaxImportance
		}
		or := roaring.New()
		for level, b := range ix.levels {
			if level >= min && level <= max {
				or.Or(b)
			}
		}
		and(or)
	}

	if len(f.Statuses) > 0 {
		or := roaring.New()
		for _, s := range f.Statuses {
			if b := ix.statuses[s]; b != nil {
				or.Or(b)
			}
		}
		and(or)
	}

	out := make([]string, 0, len(ix.byTime))
	for _, te := range ix.byTime {
		if bm == nil || bm.Contains(te.uid) {
			out = append(out, ix.ids[te.uid])
		}
	}
	return out
}

// SemanticCandidates scores indexed records against the query text by
// term-vector cosine similarity and returns up to k, best first. Records
// written since the last batch rebuild are not visible here.
func (ix *Index) SemanticCandidates(text string, k int) []Scored {
	query := textutil.TermCounts(text)
	if len(query) == 0 || k <= 0 {
		return nil
	}

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	scored := ix.terms.search(query, k)
	out := make([]Scored, len(scored))
	for i, s := range scored {
		out[i] = Scored{ID: ix.ids[s.uid], Score: s.score}
	}
	return out
}

// Similarity returns the term-vector cosine similarity of two indexed
// records, or 0 when either is unknown to the term index.
func (ix *Index) Similarity(idA, idB string) float64 {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	ua, ok := ix.uids[idA]
	if !ok {
		return 0
	}
	ub, ok := ix.uids[idB]
	if !ok {
		return 0
	}
	return ix.terms.similarity(ua, ub)
}

// RebuildTerms forces an immediate term-vector rebuild regardless of the
// batch counter.
func (ix *Index) RebuildTerms() {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.rebuildTermsLocked()
}

// PendingTermWrites reports how many mutations are waiting for the next
// batch rebuild.
func (ix *Index) PendingTermWrites() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.pending
}

// Len returns the number of indexed records.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.facts)
}

// StatusCounts returns how many records are in each lifecycle state.
func (ix *Index) StatusCounts() map[record.Status]int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	out := make(map[record.Status]int, len(ix.statuses))
	for s, bm := range ix.statuses {
		out[s] = int(bm.GetCardinality())
	}
	return out
}

// CategoryCounts returns how many records are in each category.
func (ix *Index) CategoryCounts() map[record.Category]int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	out := make(map[record.Category]int, len(ix.categories))
	for c, bm := range ix.categories {
		out[c] = int(bm.GetCardinality())
	}
	return out
}

func (ix *Index) resetLocked(capacity int) {
	ix.uids = make(map[string]uint32, capacity)
	ix.ids = ix.ids[:0]
	ix.free = ix.free[:0]
	ix.facts = make(map[uint32]*facts, capacity)
	ix.categories = make(map[record.Category]*roaring.Bitmap)
	ix.tags = make(map[string]*roaring.Bitmap)
	ix.levels = make(map[int]*roaring.Bitmap)
	ix.statuses = make(map[record.Status]*roaring.Bitmap)
	ix.hashes = make(map[string]uint32, capacity)
	ix.byTime = ix.byTime[:0]
}

func (ix *Index) addLocked(rec *record.Record) {
	f := &facts{
		id:       rec.ID,
		category: rec.Category,
		tags:     append([]string(nil), rec.Metadata.Tags...),
		level:    rec.Importance,
		status:   rec.Status,
		created:  rec.Metadata.CreatedAt.UnixNano(),
		terms:    textutil.TermCounts(rec.Title + " " + rec.Content),
	}
	// Only active records participate in dedup.
	if rec.Status == record.StatusActive {
		f.hash = rec.ContentHash()
	}
	ix.insertFactLocked(f)
}

func (ix *Index) insertFactLocked(f *facts) {
	uid := ix.internLocked(f.id)
	ix.facts[uid] = f

	if f.hash != "" {
		ix.hashes[f.hash] = uid
	}
	bitmapFor(ix.categories, f.category).Add(uid)
	for _, tag := range f.tags {
		bitmapFor(ix.tags, tag).Add(uid)
	}
	bitmapFor(ix.levels, f.level).Add(uid)
	bitmapFor(ix.statuses, f.status).Add(uid)

	ix.insertTimeLocked(timeEntry{created: f.created, uid: uid})
}

func (ix *Index) removeLocked(uid uint32) {
	f, ok := ix.facts[uid]
	if !ok {
		return
	}

	if bm := ix.categories[f.category]; bm != nil {
		bm.Remove(uid)
		if bm.IsEmpty() {
			delete(ix.categories, f.category)
		}
	}
	for _, tag := range f.tags {
		if bm := ix.tags[tag]; bm != nil {
			bm.Remove(uid)
			if bm.IsEmpty() {
				delete(ix.tags, tag)
			}
		}
	}
	if bm := ix.levels[f.level]; bm != nil {
		bm.Remove(uid)
		if bm.IsEmpty() {
			delete(ix.levels, f.level)
		}
	}
	if bm := ix.statuses[f.status]; bm != nil {
		bm.Remove(uid)
		if bm.IsEmpty() {
			delete(ix.statuses, f.status)
		}
	}
	if f.hash != "" && ix.hashes[f.hash] == uid {
		delete(ix.hashes, f.hash)
	}

	ix.removeTimeLocked(timeEntry{created: f.created, uid: uid})
	delete(ix.facts, uid)
	ix.releaseLocked(uid)
}

func (ix *Index) noteWriteLocked() {
	ix.pending++
	if ix.pending >= ix.opts.TermRebuildEvery {
		ix.rebuildTermsLocked()
	}
}

func (ix *Index) rebuildTermsLocked() {
	docs := make(map[uint32]map[string]int, len(ix.facts))
	for uid, f := range ix.facts {
		if len(f.terms) > 0 {
			docs[uid] = f.terms
		}
	}
	ix.terms.rebuild(docs)
	ix.pending = 0
}

func (ix *Index) internLocked(id string) uint32 {
	if uid, ok := ix.uids[id]; ok {
		return uid
	}
	var uid uint32
	if n := len(ix.free); n > 0 {
		uid = ix.free[n-1]
		ix.free = ix.free[:n-1]
		ix.ids[uid] = id
	} else {
		uid = uint32(len(ix.ids))
		ix.ids = append(ix.ids, id)
	}
	ix.uids[id] = uid
	return uid
}

func (ix *Index) releaseLocked(uid uint32) {
	id := ix.ids[uid]
	delete(ix.uids, id)
	ix.ids[uid] = ""
	ix.free = append(ix.free, uid)
}

func (ix *Index) resolveLocked(bm *roaring.Bitmap) []string {
	if bm == nil || bm.IsEmpty() {
		return nil
	}
	out := make([]string, 0, bm.GetCardinality())
	it := bm.Iterator()
	for it.HasNext() {
		out = append(out, ix.ids[it.Next()])
	}
	return out
}

func (ix *Index) tagBitmapLocked(tags []string, matchAll bool) *roaring.Bitmap {
	var bm *roaring.Bitmap
	for _, tag := range tags {
		b := ix.tags[tag]
		if matchAll {
			if b == nil {
				return roaring.New()
			}
			if bm == nil {
				bm = b.Clone()
			} else {
				bm.And(b)
			}
		} else {
			if b == nil {
				continue
			}
			if bm == nil {
				bm = b.Clone()
			} else {
				bm.Or(b)
			}
		}
	}
	if bm == nil {
		bm = roaring.New()
	}
	return bm
}

func (ix *Index) insertTimeLocked(te timeEntry) {
	i := ix.searchTimeLocked(te)
	ix.byTime = append(ix.byTime, timeEntry{})
	copy(ix.byTime[i+1:], ix.byTime[i:])
	ix.byTime[i] = te
}

func (ix *Index) removeTimeLocked(te timeEntry) {
	i := ix.searchTimeLocked(te)
	if i < len(ix.byTime) && ix.byTime[i] == te {
		ix.byTime = append(ix.byTime[:i], ix.byTime[i+1:]...)
	}
}

func (ix *Index) searchTimeLocked(te timeEntry) int {
	return sort.Search(len(ix.byTime), func(i int) bool {
		if ix.byTime[i].created != te.created {
			return ix.byTime[i].created > te.created
		}
		return ix.byTime[i].uid >= te.uid
	})
}

func bitmapFor[K comparable](m map[K]*roaring.Bitmap, key K) *roaring.Bitmap {
	bm, ok := m[key]
	if !ok {
		bm = roaring.New()
		m[key] = bm
	}
	return bm
}

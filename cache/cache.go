// Package cache provides the bounded LRU record cache sitting between the
// storage engine and disk.
//
// Entries are treated as immutable once inserted: mutating a record means
// cloning it and re-inserting via Put. Pointer identity therefore acts as a
// version stamp, which MarkClean uses to avoid clearing dirtiness that was
// re-introduced while a flush was in flight.
package cache

import (
	"container/list"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hupe1980/memgo/record"
)

// FlushFunc persists the current cache state of one dirty record. The
// implementation reads the entry back via Peek, writes it durably and calls
// MarkClean. It runs without the cache lock held, so it may use the cache
// freely.
type FlushFunc func(id string) error

// ErrBusy is returned by an eviction-path FlushFunc when the record is
// locked by a concurrent mutation. The eviction is deferred: the dirty
// victim stays cached and the cache temporarily exceeds capacity rather
// than blocking the writer that triggered the eviction.
var ErrBusy = errors.New("cache: record busy, eviction deferred")

// Stats is a point-in-time snapshot of cache activity.
type Stats struct {
	Hits      int64
	Misses    int64
	Evictions int64
	Flushes   int64
	Entries   int
	Dirty     int
	Pinned    int
}

type entry struct {
	id          string
	rec         *record.Record
	dirty       bool
	pins        int
	touches     int64
	lastTouched time.Time
}

// RecordCache is a bounded, entry-count LRU of records with write-back of
// access metadata. Eviction prefers the least-recently-touched entry and
// breaks near-ties by access frequency; dirty entries are flushed before
// removal and pinned entries are never removed.
type RecordCache struct {
	mu         sync.Mutex
	capacity   int
	items      map[string]*list.Element
	evictList  *list.List
	flush      FlushFunc
	evictFlush FlushFunc
	clock      func() time.Time

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
	flushes   atomic.Int64
}

// New creates a cache holding at most capacity records. flush may be nil,
// in which case dirty entries are never evicted (the cache then overflows
// softly rather than dropping unpersisted state).
func New(capacity int, flush FlushFunc) *RecordCache {
	if capacity < 1 {
		capacity = 1
	}
	return &RecordCache{
		capacity:   capacity,
		items:      make(map[string]*list.Element),
		evictList:  list.New(),
		flush:      flush,
		evictFlush: flush,
		clock:      time.Now,
	}
}

// SetEvictFlush installs a separate flush for the eviction path. It
// should give up quickly on a contended record and return ErrBusy, so an
// eviction racing the record's own mutation defers instead of waiting
// out the full lock timeout on both sides.
func (c *RecordCache) SetEvictFlush(flush FlushFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evictFlush = flush
}

// Get returns the cached record and marks the entry touched. The returned
// pointer is cache-owned and must be treated as read-only; clone before
// mutating.
func (c *RecordCache) Get(id string) (*record.Record, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[id]
	if !ok {
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	c.touchLocked(el)
	return el.Value.(*entry).rec, true
}

// Peek returns the cached record and its dirty flag without touching the
// entry. Flush implementations use it to read the freshest state.
func (c *RecordCache) Peek(id string) (rec *record.Record, dirty bool, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, found := c.items[id]
	if !found {
		return nil, false, false
	}
	ent := el.Value.(*entry)
	return ent.rec, ent.dirty, true
}

// Put inserts or replaces the entry for rec.ID. The record becomes
// cache-owned and must not be mutated afterwards. A flush failure during
// eviction is returned; the dirty victim stays cached in that case.
func (c *RecordCache) Put(rec *record.Record, dirty bool) error {
	c.mu.Lock()

	if el, ok := c.items[rec.ID]; ok {
		ent := el.Value.(*entry)
		ent.rec = rec
		ent.dirty = ent.dirty || dirty
		c.touchLocked(el)
	} else {
		ent := &entry{
			id:          rec.ID,
			rec:         rec,
			dirty:       dirty,
			touches:     1,
			lastTouched: c.clock(),
		}
		c.items[rec.ID] = c.evictList.PushFront(ent)
	}

	return c.evictLocked()
}

// MarkDirty flags an entry as holding unpersisted state.
func (c *RecordCache) MarkDirty(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[id]
	if !ok {
		return false
	}
	el.Value.(*entry).dirty = true
	return true
}

// MarkClean clears the dirty flag iff the entry still holds exactly the
// version that was flushed. A Put that raced the flush keeps its dirtiness.
func (c *RecordCache) MarkClean(id string, version *record.Record) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[id]; ok {
		ent := el.Value.(*entry)
		if ent.rec == version {
			ent.dirty = false
		}
	}
}

// Pin prevents eviction of id until the returned release func is called.
// Release is idempotent.
func (c *RecordCache) Pin(id string) (release func(), ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, found := c.items[id]
	if !found {
		return nil, false
	}
	el.Value.(*entry).pins++

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			if el, ok := c.items[id]; ok {
				if ent := el.Value.(*entry); ent.pins > 0 {
					ent.pins--
				}
			}
		})
	}, true
}

// Remove drops the entry without flushing. Used by the delete path, where
// pending state is intentionally discarded.
func (c *RecordCache) Remove(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[id]
	if !ok {
		return false
	}
	c.removeLocked(el)
	return true
}

// Clear drops every entry, dirty or not. Used after a restore, where the
// on-disk truth has been wholesale-replaced.
func (c *RecordCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items = make(map[string]*list.Element)
	c.evictList.Init()
}

// FlushAll flushes every dirty entry. Errors are joined; entries whose
// flush failed stay dirty.
func (c *RecordCache) FlushAll() error {
	if c.flush == nil {
		return nil
	}

	c.mu.Lock()
	dirty := make([]string, 0, len(c.items))
	for id, el := range c.items {
		if el.Value.(*entry).dirty {
			dirty = append(dirty, id)
		}
	}
	c.mu.Unlock()

	var errs []error
	for _, id := range dirty {
		if err := c.flush(id); err != nil {
			errs = append(errs, err)
			continue
		}
		c.flushes.Add(1)
	}
	return errors.Join(errs...)
}

// Len returns the number of cached entries.
func (c *RecordCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Stats returns a snapshot of cache counters.
func (c *RecordCache) Stats() Stats {
	c.mu.Lock()
	s := Stats{
		Entries: len(c.items),
	}
	for _, el := range c.items {
		ent := el.Value.(*entry)
		if ent.dirty {
			s.Dirty++
		}
		if ent.pins > 0 {
			s.Pinned++
		}
	}
	c.mu.Unlock()

	s.Hits = c.hits.Load()
	s.Misses = c.misses.Load()
	s.Evictions = c.evictions.Load()
	s.Flushes = c.flushes.Load()
	return s
}

func (c *RecordCache) touchLocked(el *list.Element) {
	ent := el.Value.(*entry)
	ent.touches++
	ent.lastTouched = c.clock()
	c.evictList.MoveToFront(el)
}

func (c *RecordCache) removeLocked(el *list.Element) {
	c.evictList.Remove(el)
	delete(c.items, el.Value.(*entry).id)
}

// evictLocked shrinks the cache back to capacity. Called with c.mu held;
// releases and reacquires it around flushes so FlushFunc can reenter the
// cache. Returns the first flush error, leaving the victim cached.
func (c *RecordCache) evictLocked() error {
	defer c.mu.Unlock()

	for attempts := c.evictList.Len(); len(c.items) > c.capacity && attempts > 0; attempts-- {
		victim := c.selectVictimLocked()
		if victim == nil {
			return nil
		}
		ent := victim.Value.(*entry)

		if !ent.dirty {
			c.removeLocked(victim)
			c.evictions.Add(1)
			continue
		}
		if c.evictFlush == nil {
			return nil
		}

		id, version := ent.id, ent.rec
		flush := c.evictFlush
		c.mu.Unlock()
		err := flush(id)
		c.mu.Lock()

		if errors.Is(err, ErrBusy) {
			return nil
		}
		if err != nil {
			return err
		}
		c.flushes.Add(1)

		// Re-validate: the flush ran unlocked, so the entry may have been
		// touched, re-dirtied, replaced or removed in the meantime.
		el, ok := c.items[id]
		if !ok {
			continue
		}
		if cur := el.Value.(*entry); !cur.dirty && cur.rec == version && cur.pins == 0 {
			c.removeLocked(el)
			c.evictions.Add(1)
		}
	}
	return nil
}

// selectVictimLocked picks the eviction victim: the least-recently-touched
// unpinned entry, preferring the least-frequently-accessed one among
// entries touched within the same millisecond (bulk loads produce those).
func (c *RecordCache) selectVictimLocked() *list.Element {
	var victim *entry
	var victimEl *list.Element

	for el := c.evictList.Back(); el != nil; el = el.Prev() {
		ent := el.Value.(*entry)
		if ent.pins > 0 {
			continue
		}
		if victim == nil {
			victim, victimEl = ent, el
			continue
		}
		if ent.lastTouched.UnixMilli() != victim.lastTouched.UnixMilli() {
			break
		}
		if ent.touches < victim.touches {
			victim, victimEl = ent, el
		}
	}
	return victimEl
}

// Package storage implements the durable, file-backed record store.
//
// The engine is the sole writer of truth: one file per record, written
// atomically, guarded by a per-record lock that serializes conflicting
// mutation across goroutines and across processes. The cache and the
// secondary index are derived state and are kept in sync on every
// successful mutation; both can be dropped and rebuilt from the record
// files at any time.
package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/memgo/cache"
	"github.com/hupe1980/memgo/codec"
	"github.com/hupe1980/memgo/index"
	"github.com/hupe1980/memgo/internal/fs"
	"github.com/hupe1980/memgo/internal/lockfile"
	"github.com/hupe1980/memgo/record"
	"github.com/hupe1980/memgo/resource"
)

// Engine is the file-backed storage engine.
type Engine struct {
	dir   string
	fsys  fs.FileSystem
	codec codec.Codec
	opts  Options

	cache *cache.RecordCache
	idx   *index.Index
	locks *lockTable
	rc    *resource.Controller

	logger *slog.Logger
	clock  func() time.Time

	closed atomic.Bool
}

// Open creates or reopens the store rooted at dir. The secondary index is
// loaded from its disk snapshot when one is present and consistent with
// the record files; otherwise it is rebuilt by scanning storage.
func Open(dir string, optFns ...func(o *Options)) (*Engine, error) {
	opts := DefaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.FS == nil {
		opts.FS = fs.Default
	}
	if opts.Codec == nil {
		opts.Codec = codec.Default
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	e := &Engine{
		dir:    dir,
		fsys:   opts.FS,
		codec:  opts.Codec,
		opts:   opts,
		locks:  newLockTable(),
		rc:     opts.Controller,
		logger: opts.Logger,
		clock:  opts.Clock,
	}
	e.cache = cache.New(opts.CacheCapacity, e.flushRecord)
	e.cache.SetEvictFlush(e.evictFlushRecord)
	e.idx = index.New(func(o *index.Options) {
		o.TermRebuildEvery = opts.TermRebuildEvery
	})

	for _, d := range []string{RecordsDir(dir), LocksDir(dir), IndexDir(dir), ArchiveDir(dir), RetrievalDir(dir), BackupsDir(dir)} {
		if err := e.fsys.MkdirAll(d, 0755); err != nil {
			return nil, fmt.Errorf("storage: create %s: %w", d, err)
		}
	}
	if err := e.removeLeftoverTempFiles(); err != nil {
		return nil, err
	}

	if err := e.loadIndex(); err != nil {
		return nil, err
	}

	e.logger.Info("storage opened", "dir", dir, "records", e.idx.Len())

	return e, nil
}

// Store durably writes a new record. The id must be unused and the
// content-hash must not collide with another active record
// (ErrDuplicateContent). On success the cache and index reflect the record
// before Store returns.
func (e *Engine) Store(ctx context.Context, rec *record.Record) (string, error) {
	if e.closed.Load() {
		return "", ErrClosed
	}
	if err := rec.Validate(); err != nil {
		return "", err
	}
	rec = rec.Clone()

	err := e.withRecordLock(ctx, rec.ID, func() error {
		if rec.Status == record.StatusActive {
			if otherID, ok := e.idx.ByContentHash(rec.ContentHash()); ok && otherID != rec.ID {
				return fmt.Errorf("%w: matches active record %s", ErrDuplicateContent, otherID)
			}
		}
		if _, err := e.fsys.Stat(RecordPath(e.dir, rec.ID)); err == nil {
			return fmt.Errorf("%w: %s", ErrExists, rec.ID)
		}

		if err := e.writeRecord(rec); err != nil {
			return err
		}

		if err := e.cacheReplace(rec); err != nil {
			return err
		}
		e.idx.Add(rec)
		return nil
	})

	e.logStore(ctx, rec.ID, err)
	if err != nil {
		return "", err
	}
	return rec.ID, nil
}

// Retrieve returns the record for id, bumping its access metadata. The
// bump lands in the cache as a dirty entry and reaches disk on eviction,
// Flush or Close, never on the read path itself. The bump runs under the
// per-record lock: a retrieve that raced an update must never write an
// older version back into the cache.
func (e *Engine) Retrieve(ctx context.Context, id string) (*record.Record, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}

	var touched *record.Record
	err := e.withRecordLock(ctx, id, func() error {
		cur, ok := e.cache.Get(id)
		if !ok {
			loaded, err := e.readRecord(id)
			if err != nil {
				return err
			}
			cur = loaded
		}

		touched = cur.Clone()
		touched.Touch(e.clock())
		if err := e.cache.Put(touched, true); err != nil {
			e.logger.Warn("cache eviction flush failed", "id", id, "error", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return touched.Clone(), nil
}

// RetrieveMany loads the given ids concurrently, bounded by the resource
// controller's loader slots. The result holds one entry per found id in
// input order; per-id failures are collected in errs rather than aborting
// the batch.
func (e *Engine) RetrieveMany(ctx context.Context, ids []string) ([]*record.Record, map[string]error) {
	out := make([]*record.Record, len(ids))
	perID := make([]error, len(ids))

	g, gctx := errgroup.WithContext(ctx)
	for i, id := range ids {
		g.Go(func() error {
			if err := e.rc.AcquireLoader(gctx); err != nil {
				return err
			}
			defer e.rc.ReleaseLoader()

			rec, err := e.Retrieve(gctx, id)
			if err != nil {
				perID[i] = err
				return nil
			}
			out[i] = rec
			return nil
		})
	}
	groupErr := g.Wait()

	errs := make(map[string]error)
	for i, err := range perID {
		if err != nil {
			errs[ids[i]] = err
		}
	}
	if groupErr != nil {
		for _, id := range ids {
			if _, ok := errs[id]; !ok {
				errs[id] = groupErr
			}
		}
	}

	compact := out[:0]
	for _, rec := range out {
		if rec != nil {
			compact = append(compact, rec)
		}
	}
	if len(errs) == 0 {
		errs = nil
	}
	return compact, errs
}

// Load returns the record for id without bumping access metadata. Search
// candidate loading and maintenance passes use it so that scanning a
// record does not count as the user accessing it.
func (e *Engine) Load(ctx context.Context, id string) (*record.Record, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}

	if rec, ok := e.cache.Get(id); ok {
		return rec.Clone(), nil
	}

	rec, err := e.readRecord(id)
	if err != nil {
		return nil, err
	}
	if err := e.cache.Put(rec, false); err != nil {
		e.logger.Warn("cache eviction flush failed", "id", id, "error", err)
	}
	return rec.Clone(), nil
}

// LoadMany is the candidate-loading path: ids are loaded concurrently
// without access bumps, per-id failures are logged and the record skipped.
func (e *Engine) LoadMany(ctx context.Context, ids []string) ([]*record.Record, error) {
	out := make([]*record.Record, len(ids))

	g, gctx := errgroup.WithContext(ctx)
	for i, id := range ids {
		g.Go(func() error {
			if err := e.rc.AcquireLoader(gctx); err != nil {
				return err
			}
			defer e.rc.ReleaseLoader()

			rec, err := e.Load(gctx, id)
			if err != nil {
				if !errors.Is(err, ErrNotFound) {
					return err
				}
				e.logger.Warn("candidate vanished during load", "id", id, "error", err)
				return nil
			}
			out[i] = rec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	compact := out[:0]
	for _, rec := range out {
		if rec != nil {
			compact = append(compact, rec)
		}
	}
	return compact, nil
}

// Update replaces the record for id, which must exist (ErrNotFound). The
// stale index entries are removed, fresh ones added, and the new version
// stored atomically. Illegal status transitions and content-hash
// collisions with other active records are rejected.
func (e *Engine) Update(ctx context.Context, id string, rec *record.Record) error {
	if e.closed.Load() {
		return ErrClosed
	}
	if rec.ID != id {
		return &record.ValidationError{Field: "id", Reason: "does not match the id being updated"}
	}
	if err := rec.Validate(); err != nil {
		return err
	}
	rec = rec.Clone()

	err := e.withRecordLock(ctx, id, func() error {
		old, err := e.readThroughCache(id)
		if err != nil {
			return err
		}

		if !old.Status.CanTransition(rec.Status) {
			return &record.ValidationError{
				Field:  "status",
				Reason: fmt.Sprintf("illegal transition %s -> %s", old.Status, rec.Status),
			}
		}
		if rec.Status == record.StatusActive {
			if otherID, ok := e.idx.ByContentHash(rec.ContentHash()); ok && otherID != id {
				return fmt.Errorf("%w: matches active record %s", ErrDuplicateContent, otherID)
			}
		}

		if err := e.writeRecord(rec); err != nil {
			return err
		}

		if err := e.cacheReplace(rec); err != nil {
			return err
		}
		e.idx.Update(rec)
		return nil
	})

	e.logUpdate(ctx, id, err)
	return err
}

// Delete permanently removes the record for id from cache, index and
// disk. A missing record yields ErrNotFound.
func (e *Engine) Delete(ctx context.Context, id string) error {
	if e.closed.Load() {
		return ErrClosed
	}

	err := e.withRecordLock(ctx, id, func() error {
		path := RecordPath(e.dir, id)
		if _, err := e.fsys.Stat(path); err != nil {
			if os.IsNotExist(err) {
				return fmt.Errorf("%w: %s", ErrNotFound, id)
			}
			return fmt.Errorf("storage: stat %s: %w", id, err)
		}

		// Derived state first: a crash after the file removal must not
		// leave cache or index pointing at a ghost.
		e.cache.Remove(id)
		e.idx.Remove(id)

		if err := e.fsys.Remove(path); err != nil {
			return fmt.Errorf("storage: remove %s: %w", id, err)
		}
		_ = fs.SyncDir(e.fsys, filepath.Dir(path))
		return nil
	})

	// The lock file is bookkeeping; removal may fail if another process
	// still holds it.
	if err == nil {
		_ = e.fsys.Remove(LockPath(e.dir, id))
	}

	e.logDelete(ctx, id, err)
	return err
}

// Exists reports whether a record file is present for id.
func (e *Engine) Exists(id string) bool {
	_, err := e.fsys.Stat(RecordPath(e.dir, id))
	return err == nil
}

// Scan streams every decodable record to fn without touching access
// metadata or the cache. Corrupt files are logged and skipped. fn
// returning false stops the scan; a ctx cancellation stops it between
// records.
func (e *Engine) Scan(ctx context.Context, fn func(rec *record.Record) bool) error {
	if e.closed.Load() {
		return ErrClosed
	}

	ids, err := ListRecordIDs(e.fsys, e.dir)
	if err != nil {
		return err
	}

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}
		rec, err := e.readRecord(id)
		if err != nil {
			continue // logged inside readRecord
		}
		if !fn(rec) {
			return nil
		}
	}
	return nil
}

// Flush persists every dirty cache entry.
func (e *Engine) Flush(ctx context.Context) error {
	if e.closed.Load() {
		return ErrClosed
	}
	return e.cache.FlushAll()
}

// Reload drops all derived in-memory state and rebuilds the index from a
// storage scan. Called after a backup restore has wholesale-replaced the
// live directories; pending dirty entries are intentionally discarded
// because they describe pre-restore state.
func (e *Engine) Reload(ctx context.Context) error {
	if e.closed.Load() {
		return ErrClosed
	}

	e.cache.Clear()
	if err := e.rebuildIndex(ctx); err != nil {
		return err
	}

	e.logger.Info("derived state reloaded", "records", e.idx.Len())
	return nil
}

// Index exposes the secondary index for query layers. Mutation stays with
// the engine.
func (e *Engine) Index() *index.Index { return e.idx }

// CacheStats returns cache activity counters.
func (e *Engine) CacheStats() cache.Stats { return e.cache.Stats() }

// Dir returns the store's root directory.
func (e *Engine) Dir() string { return e.dir }

// FS returns the engine's file system.
func (e *Engine) FS() fs.FileSystem { return e.fsys }

// Codec returns the engine's codec.
func (e *Engine) Codec() codec.Codec { return e.codec }

// Close flushes dirty cache entries, saves the index snapshot and marks
// the engine unusable. It is safe to call twice.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}

	flushErr := e.cache.FlushAll()

	var snapErr error
	if !e.opts.SkipSnapshot {
		snapErr = e.idx.SaveSnapshot(e.fsys, IndexSnapshotPath(e.dir), e.codec)
	}

	e.logger.Info("storage closed", "dir", e.dir)
	return errors.Join(flushErr, snapErr)
}

// DiskUsage sums the sizes of all record files.
func (e *Engine) DiskUsage() (int64, error) {
	ids, err := ListRecordIDs(e.fsys, e.dir)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, id := range ids {
		if info, err := e.fsys.Stat(RecordPath(e.dir, id)); err == nil {
			total += info.Size()
		}
	}
	return total, nil
}

// withRecordLock serializes one record's mutation: first the in-process
// per-id lock, then the cross-process advisory file lock.
func (e *Engine) withRecordLock(ctx context.Context, id string, fn func() error) error {
	return e.withRecordLockTimeout(ctx, id, e.opts.LockTimeout, fn)
}

func (e *Engine) withRecordLockTimeout(ctx context.Context, id string, timeout time.Duration, fn func() error) error {
	release, err := e.locks.acquire(ctx, id, timeout)
	if err != nil {
		return err
	}
	defer release()

	flk, err := lockfile.Acquire(ctx, LockPath(e.dir, id), timeout)
	if err != nil {
		if errors.Is(err, lockfile.ErrTimeout) {
			return fmt.Errorf("%w: %s", ErrLockTimeout, id)
		}
		return err
	}
	defer flk.Release()

	return fn()
}

// cacheReplace drops any stale entry for rec.ID (including a pending
// access bump, which the just-persisted version subsumes) and inserts the
// new version clean.
func (e *Engine) cacheReplace(rec *record.Record) error {
	e.cache.Remove(rec.ID)
	if err := e.cache.Put(rec, false); err != nil {
		e.logger.Warn("cache eviction flush failed", "id", rec.ID, "error", err)
	}
	return nil
}

func (e *Engine) writeRecord(rec *record.Record) error {
	data, err := e.codec.Marshal(rec)
	if err != nil {
		return fmt.Errorf("storage: encode %s: %w", rec.ID, err)
	}

	path := RecordPath(e.dir, rec.ID)
	if err := e.fsys.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("storage: create shard for %s: %w", rec.ID, err)
	}
	if err := fs.WriteAtomic(e.fsys, path, data, 0644); err != nil {
		return fmt.Errorf("storage: write %s: %w", rec.ID, err)
	}
	return nil
}

// readRecord loads one record from disk. Undecodable or schema-invalid
// files are logged and surfaced as ErrNotFound wrapping ErrCorruptRecord,
// so read paths degrade per record instead of failing wholesale.
func (e *Engine) readRecord(id string) (*record.Record, error) {
	data, err := fs.ReadFile(e.fsys, RecordPath(e.dir, id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("storage: read %s: %w", id, err)
	}

	var rec record.Record
	if err := e.codec.Unmarshal(data, &rec); err != nil {
		e.logger.Error("corrupt record file", "id", id, "error", err)
		return nil, fmt.Errorf("%w: %s: %w", ErrNotFound, id, ErrCorruptRecord)
	}
	if err := rec.Validate(); err != nil {
		e.logger.Error("record file failed validation", "id", id, "error", err)
		return nil, fmt.Errorf("%w: %s: %w", ErrNotFound, id, ErrCorruptRecord)
	}
	if rec.ID != id {
		e.logger.Error("record file id mismatch", "id", id, "embedded_id", rec.ID)
		return nil, fmt.Errorf("%w: %s: %w", ErrNotFound, id, ErrCorruptRecord)
	}
	return &rec, nil
}

// readThroughCache returns the freshest known version of id, preferring a
// cached (possibly access-bumped) copy over disk.
func (e *Engine) readThroughCache(id string) (*record.Record, error) {
	if rec, _, ok := e.cache.Peek(id); ok {
		return rec, nil
	}
	return e.readRecord(id)
}

// flushRecord is the cache's FlushFunc: persist the current cached state
// of one dirty record under its per-record lock.
func (e *Engine) flushRecord(id string) error {
	return e.flushRecordTimeout(id, e.opts.LockTimeout)
}

// evictFlushTimeout bounds the lock wait of an eviction-path flush. An
// eviction may fire inside another record's (or the victim's own) lock
// scope, so it must give up fast instead of riding out the full timeout.
const evictFlushTimeout = 10 * time.Millisecond

// evictFlushRecord is the cache's eviction-path flush: a contended victim
// is reported as cache.ErrBusy and its eviction deferred.
func (e *Engine) evictFlushRecord(id string) error {
	err := e.flushRecordTimeout(id, evictFlushTimeout)
	if errors.Is(err, ErrLockTimeout) {
		return cache.ErrBusy
	}
	return err
}

func (e *Engine) flushRecordTimeout(id string, timeout time.Duration) error {
	return e.withRecordLockTimeout(context.Background(), id, timeout, func() error {
		rec, dirty, ok := e.cache.Peek(id)
		if !ok || !dirty {
			return nil
		}
		if err := e.writeRecord(rec); err != nil {
			return err
		}
		e.cache.MarkClean(id, rec)
		return nil
	})
}

func (e *Engine) loadIndex() error {
	if !e.opts.SkipSnapshot {
		count, err := e.idx.LoadSnapshot(e.fsys, IndexSnapshotPath(e.dir))
		switch {
		case err == nil:
			ids, lerr := ListRecordIDs(e.fsys, e.dir)
			if lerr == nil && count == len(ids) {
				return nil
			}
			e.logger.Warn("index snapshot stale, rebuilding", "snapshot_records", count)
		case !errors.Is(err, os.ErrNotExist):
			e.logger.Warn("index snapshot unusable, rebuilding", "error", err)
		}
	}
	return e.rebuildIndex(context.Background())
}

func (e *Engine) rebuildIndex(ctx context.Context) error {
	ids, err := ListRecordIDs(e.fsys, e.dir)
	if err != nil {
		return err
	}

	recs := make([]*record.Record, 0, len(ids))
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}
		rec, err := e.readRecord(id)
		if err != nil {
			continue // corrupt records are logged and excluded
		}
		recs = append(recs, rec)
	}

	e.idx.Rebuild(recs)
	return nil
}

func (e *Engine) removeLeftoverTempFiles() error {
	root := RecordsDir(e.dir)
	shards, err := e.fsys.ReadDir(root)
	if err != nil {
		return nil
	}
	for _, sh := range shards {
		if sh.IsDir() {
			if err := fs.RemoveTempFiles(e.fsys, filepath.Join(root, sh.Name())); err != nil {
				return err
			}
		}
	}
	return fs.RemoveTempFiles(e.fsys, IndexDir(e.dir))
}

func (e *Engine) logStore(ctx context.Context, id string, err error) {
	if err != nil {
		e.logger.ErrorContext(ctx, "store failed", "id", id, "error", err)
	} else {
		e.logger.DebugContext(ctx, "store completed", "id", id)
	}
}

func (e *Engine) logUpdate(ctx context.Context, id string, err error) {
	if err != nil {
		e.logger.ErrorContext(ctx, "update failed", "id", id, "error", err)
	} else {
		e.logger.DebugContext(ctx, "update completed", "id", id)
	}
}

func (e *Engine) logDelete(ctx context.Context, id string, err error) {
	if err != nil {
		e.logger.ErrorContext(ctx, "delete failed", "id", id, "error", err)
	} else {
		e.logger.DebugContext(ctx, "delete completed", "id", id)
	}
}

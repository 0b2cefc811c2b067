package memgo

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hupe1980/memgo/archive"
	"github.com/hupe1980/memgo/backup"
	"github.com/hupe1980/memgo/record"
	"github.com/hupe1980/memgo/resource"
	"github.com/hupe1980/memgo/retrieval"
	"github.com/hupe1980/memgo/search"
	"github.com/hupe1980/memgo/storage"
)

// DB is an embedded, persistent memory store rooted at one directory.
// All state lives under that directory; a DB is safe for concurrent use
// by multiple goroutines.
type DB struct {
	dir        string
	opts       options
	controller *resource.Controller

	engine    *storage.Engine
	archiver  *archive.Archiver
	backups   *backup.Manager
	searcher  *search.Engine
	clusterer *search.Clusterer
	retriever *retrieval.Engine

	clusterOnce sync.Once
	closed      atomic.Bool
}

// Open opens (or initializes) the store under dir.
func Open(ctx context.Context, dir string, optFns ...Option) (*DB, error) {
	o := applyOptions(optFns)
	controller := resource.NewController(o.resourceConfig)

	engine, err := storage.Open(dir, func(so *storage.Options) {
		so.Codec = o.codec
		if o.cacheCapacity > 0 {
			so.CacheCapacity = o.cacheCapacity
		}
		if o.lockTimeout > 0 {
			so.LockTimeout = o.lockTimeout
		}
		so.Controller = controller
		so.Logger = o.logger.Logger
		so.Clock = o.clock
	})
	if err != nil {
		o.logger.LogOpen(ctx, dir, 0, err)
		return nil, translateError(err)
	}

	searcher := search.New(engine, func(so *search.Options) {
		so.Clock = o.clock
	})

	retriever, err := retrieval.New(engine, searcher, func(ro *retrieval.Options) {
		ro.Logger = o.logger.Logger
		ro.Clock = o.clock
	})
	if err != nil {
		_ = engine.Close()
		o.logger.LogOpen(ctx, dir, 0, err)
		return nil, translateError(err)
	}

	db := &DB{
		dir:        dir,
		opts:       o,
		controller: controller,
		engine:     engine,
		searcher:   searcher,
		retriever:  retriever,
		archiver: archive.New(engine, func(ao *archive.Options) {
			ao.Policy = o.archivePolicy
			ao.Controller = controller
			ao.Logger = o.logger.Logger
			ao.Clock = o.clock
		}),
		backups: backup.New(engine, func(bo *backup.Options) {
			bo.Retention = o.backupRetention
			bo.Mirror = o.backupMirror
			bo.Controller = controller
			bo.Logger = o.logger.Logger
			bo.Clock = o.clock
		}),
		clusterer: search.NewClusterer(engine, func(co *search.ClusterOptions) {
			co.Controller = controller
		}),
	}

	o.logger.LogOpen(ctx, dir, engine.Index().Len(), nil)
	return db, nil
}

// Store persists rec and returns its id. An active record with the same
// category and content already present yields ErrDuplicateContent.
func (db *DB) Store(ctx context.Context, rec *record.Record) (string, error) {
	if db.closed.Load() {
		return "", ErrClosed
	}

	start := time.Now()
	id, err := db.engine.Store(ctx, rec)
	db.opts.metricsCollector.RecordStore(time.Since(start), err)
	db.opts.logger.LogStore(ctx, id, string(rec.Category), err)

	return id, translateError(err)
}

// SetPreference stores a user preference as a key/value record.
func (db *DB) SetPreference(ctx context.Context, key, value string, attrs ...record.Attr) (string, error) {
	rec, err := record.NewPreference(key, value, attrs...)
	if err != nil {
		return "", translateError(err)
	}
	return db.Store(ctx, rec)
}

// TrackConversation stores one turn of a conversation session.
func (db *DB) TrackConversation(ctx context.Context, sessionID string, turn int, text string, attrs ...record.Attr) (string, error) {
	rec, err := record.NewConversation(sessionID, turn, text, attrs...)
	if err != nil {
		return "", translateError(err)
	}
	return db.Store(ctx, rec)
}

// LearnHeuristic stores a trigger/action rule learned over time.
func (db *DB) LearnHeuristic(ctx context.Context, name string, triggers, actions []string, attrs ...record.Attr) (string, error) {
	rec, err := record.NewHeuristic(name, triggers, actions, attrs...)
	if err != nil {
		return "", translateError(err)
	}
	return db.Store(ctx, rec)
}

// Retrieve loads the given ids and bumps their access metadata. Found
// records are returned in input order; per-id failures are joined into
// the returned error, so callers can use the partial result alongside
// errors.Is checks.
func (db *DB) Retrieve(ctx context.Context, ids ...string) ([]*record.Record, error) {
	if db.closed.Load() {
		return nil, ErrClosed
	}

	start := time.Now()
	recs, errsByID := db.engine.RetrieveMany(ctx, ids)

	var errs []error
	for _, id := range ids {
		if perr, ok := errsByID[id]; ok {
			errs = append(errs, fmt.Errorf("%s: %w", id, translateError(perr)))
		}
	}
	err := errors.Join(errs...)

	db.opts.metricsCollector.RecordRetrieve(len(recs), time.Since(start), err)
	db.opts.logger.LogRetrieve(ctx, len(ids), len(recs), err)

	return recs, err
}

// Fields is a partial record update. Nil pointer fields are left
// untouched; a nil Tags slice keeps the current tags while an empty
// non-nil slice clears them.
type Fields struct {
	Content    *string
	Title      *string
	Importance *int
	Confidence *float64
	Source     *string
	Status     *record.Status
	Tags       []string
}

// Update applies fields to the record under id. The status transition
// rules of the record lifecycle apply; updating into content that
// duplicates another active record yields ErrDuplicateContent.
func (db *DB) Update(ctx context.Context, id string, fields Fields) error {
	if db.closed.Load() {
		return ErrClosed
	}

	rec, err := db.engine.Load(ctx, id)
	if err != nil {
		db.opts.logger.LogUpdate(ctx, id, err)
		return translateError(err)
	}

	if fields.Content != nil {
		rec.Content = *fields.Content
	}
	if fields.Title != nil {
		rec.Title = *fields.Title
	}
	if fields.Importance != nil {
		rec.Importance = *fields.Importance
	}
	if fields.Confidence != nil {
		rec.Metadata.Confidence = *fields.Confidence
	}
	if fields.Source != nil {
		rec.Metadata.Source = *fields.Source
	}
	if fields.Status != nil {
		rec.Status = *fields.Status
	}
	if fields.Tags != nil {
		rec.Metadata.Tags = record.NormalizeTags(fields.Tags)
	}

	err = db.engine.Update(ctx, id, rec)
	db.opts.logger.LogUpdate(ctx, id, err)
	return translateError(err)
}

// DeleteOptions controls a bulk delete.
type DeleteOptions struct {
	// Force removes records even when their importance is at or above
	// the protected threshold.
	Force bool

	// BackupFirst creates a full backup before the first record is
	// removed. No backup is taken when nothing qualifies for deletion.
	BackupFirst bool
}

// DeleteResult reports the outcome of a bulk delete per id.
type DeleteResult struct {
	// Deleted ids were removed from disk, cache and index.
	Deleted []string

	// Protected ids were blocked by the importance threshold.
	Protected []string

	// Failed maps ids to the error that prevented their deletion.
	Failed map[string]error

	// BackupID is the id of the safety backup, when one was requested
	// and taken.
	BackupID string
}

// Delete removes the given records. High-importance records are skipped
// with ErrProtectedDeletion unless opts.Force is set; every id gets an
// individual outcome in the result.
func (db *DB) Delete(ctx context.Context, ids []string, opts DeleteOptions) (DeleteResult, error) {
	res := DeleteResult{Failed: make(map[string]error)}
	if db.closed.Load() {
		return res, ErrClosed
	}

	start := time.Now()

	// Classify first so a backup is only taken when something will
	// actually be removed.
	doomed := make([]string, 0, len(ids))
	for _, id := range ids {
		rec, err := db.engine.Load(ctx, id)
		if err != nil {
			res.Failed[id] = translateError(err)
			continue
		}
		if db.protected(rec) && !opts.Force {
			res.Protected = append(res.Protected, id)
			res.Failed[id] = fmt.Errorf("%w: importance %d", ErrProtectedDeletion, rec.Importance)
			continue
		}
		doomed = append(doomed, id)
	}

	if opts.BackupFirst && len(doomed) > 0 {
		backupRes, err := db.backups.CreateFull(ctx, "pre-delete safety backup")
		if err != nil {
			for _, id := range doomed {
				res.Failed[id] = fmt.Errorf("safety backup: %w", translateError(err))
			}
			db.opts.metricsCollector.RecordDelete(0, time.Since(start))
			return res, translateError(err)
		}
		res.BackupID = backupRes.Manifest.ID
	}

	for _, id := range doomed {
		if err := db.engine.Delete(ctx, id); err != nil {
			res.Failed[id] = translateError(err)
			continue
		}
		db.retriever.Forget(ctx, id)
		res.Deleted = append(res.Deleted, id)
	}

	db.opts.metricsCollector.RecordDelete(len(res.Deleted), time.Since(start))
	db.opts.logger.LogDelete(ctx, len(res.Deleted), len(res.Protected), len(res.Failed)-len(res.Protected))

	return res, nil
}

func (db *DB) protected(rec *record.Record) bool {
	threshold := db.opts.protectedImportance
	if threshold < 0 {
		return false
	}
	return rec.Importance >= threshold
}

// Search evaluates q against the store and returns the ranked page of
// results.
func (db *DB) Search(ctx context.Context, q search.Query) ([]search.Result, error) {
	if db.closed.Load() {
		return nil, ErrClosed
	}

	start := time.Now()
	results, err := db.searcher.Search(ctx, q)
	db.opts.metricsCollector.RecordSearch(len(results), time.Since(start), err)
	db.opts.logger.LogSearch(ctx, q.Text, len(results), err)

	return results, translateError(err)
}

// RetrieveContext runs context-aware retrieval: the input is decomposed
// into signals (topics, entities, intent), fanned out into weighted
// subqueries, adjusted by learned feedback and enriched with associated
// records. A non-empty sessionID threads conversation context through
// consecutive calls.
func (db *DB) RetrieveContext(ctx context.Context, input, sessionID string, limit int) ([]search.Result, error) {
	if db.closed.Load() {
		return nil, ErrClosed
	}

	start := time.Now()
	results, err := db.retriever.Retrieve(ctx, input, sessionID, limit)
	db.opts.metricsCollector.RecordSearch(len(results), time.Since(start), err)
	db.opts.logger.LogSearch(ctx, input, len(results), err)

	return results, translateError(err)
}

// ProvideFeedback reports how useful a retrieved record turned out to
// be. Effectiveness and engagement are in [0,1]; after enough samples
// they nudge the record's future retrieval ranking.
func (db *DB) ProvideFeedback(ctx context.Context, id, usageContext string, effectiveness, engagement float64) error {
	if db.closed.Load() {
		return ErrClosed
	}
	return translateError(db.retriever.ProvideFeedback(ctx, id, usageContext, effectiveness, engagement))
}

// RelatedRecords returns up to k records clustered near id by content
// similarity. The clustering is computed offline; the first call after
// Open computes it once, later recomputes happen through
// RecomputeClusters.
func (db *DB) RelatedRecords(ctx context.Context, id string, k int) ([]*record.Record, error) {
	if db.closed.Load() {
		return nil, ErrClosed
	}

	var onceErr error
	db.clusterOnce.Do(func() {
		onceErr = db.clusterer.Recompute(ctx)
	})
	if onceErr != nil {
		return nil, translateError(onceErr)
	}

	ids := db.clusterer.Related(id, k)
	if len(ids) == 0 {
		return nil, nil
	}

	recs, err := db.engine.LoadMany(ctx, ids)
	return recs, translateError(err)
}

// RecomputeClusters rebuilds the content-similarity clustering. Related
// record queries keep serving the previous clustering while this runs.
func (db *DB) RecomputeClusters(ctx context.Context) error {
	if db.closed.Load() {
		return ErrClosed
	}
	db.clusterOnce.Do(func() {})
	return translateError(db.clusterer.Recompute(ctx))
}

// CreateFullBackup snapshots the whole store and returns the backup id.
func (db *DB) CreateFullBackup(ctx context.Context, description string) (string, error) {
	if db.closed.Load() {
		return "", ErrClosed
	}

	start := time.Now()
	res, err := db.backups.CreateFull(ctx, description)
	db.opts.metricsCollector.RecordBackup(time.Since(start), err)
	if err != nil {
		db.opts.logger.LogBackup(ctx, "", err)
		return "", translateError(err)
	}
	if res.MirrorErr != nil {
		db.opts.logger.Warn("backup mirror failed", "id", res.Manifest.ID, "error", res.MirrorErr)
	}

	db.opts.logger.LogBackup(ctx, res.Manifest.ID, nil)
	return res.Manifest.ID, nil
}

// CreateIncrementalBackup snapshots the files changed since the newest
// full backup. It returns the backup id, or an empty id when nothing
// changed. Without a prior full backup a full one is taken instead.
func (db *DB) CreateIncrementalBackup(ctx context.Context, description string) (string, error) {
	if db.closed.Load() {
		return "", ErrClosed
	}

	start := time.Now()
	res, err := db.backups.CreateIncremental(ctx, description)
	db.opts.metricsCollector.RecordBackup(time.Since(start), err)
	if err != nil {
		db.opts.logger.LogBackup(ctx, "", err)
		return "", translateError(err)
	}
	if res == nil {
		return "", nil
	}
	if res.MirrorErr != nil {
		db.opts.logger.Warn("backup mirror failed", "id", res.Manifest.ID, "error", res.MirrorErr)
	}

	db.opts.logger.LogBackup(ctx, res.Manifest.ID, nil)
	return res.Manifest.ID, nil
}

// RestoreBackup verifies the backup chain for backupID and replaces the
// store's data with it. The live data is only touched after every
// checksum has been verified.
func (db *DB) RestoreBackup(ctx context.Context, backupID string) error {
	if db.closed.Load() {
		return ErrClosed
	}

	err := db.backups.Restore(ctx, backupID)
	db.opts.logger.LogRestore(ctx, backupID, err)
	return translateError(err)
}

// VerifyBackup checks the snapshot checksum of backupID without touching
// any data.
func (db *DB) VerifyBackup(backupID string) error {
	if db.closed.Load() {
		return ErrClosed
	}
	return translateError(db.backups.Verify(backupID))
}

// ListBackups returns the manifests of all completed backups, oldest
// first.
func (db *DB) ListBackups() ([]*backup.Manifest, error) {
	if db.closed.Load() {
		return nil, ErrClosed
	}
	manifests, err := db.backups.List()
	return manifests, translateError(err)
}

// RunArchiveCycle scans active records and archives the ones the
// staleness policy deems cold. Per-record failures never abort a cycle.
func (db *DB) RunArchiveCycle(ctx context.Context) (archive.CycleResult, error) {
	if db.closed.Load() {
		return archive.CycleResult{}, ErrClosed
	}

	start := time.Now()
	res, err := db.archiver.RunCycle(ctx)
	db.opts.metricsCollector.RecordArchiveCycle(res.Archived, time.Since(start), err)
	db.opts.logger.LogArchiveCycle(ctx, res.Archived, err)

	return res, translateError(err)
}

// ArchiveRecord moves the record under id to the archived state,
// regardless of policy.
func (db *DB) ArchiveRecord(ctx context.Context, id string) error {
	if db.closed.Load() {
		return ErrClosed
	}
	return translateError(db.archiver.Archive(ctx, id))
}

// RestoreFromArchive moves an archived record back into the active set.
func (db *DB) RestoreFromArchive(ctx context.Context, id string) error {
	if db.closed.Load() {
		return ErrClosed
	}
	return translateError(db.archiver.Restore(ctx, id))
}

// Stats is a point-in-time summary of the whole store.
type Stats struct {
	Storage  storage.Stats `json:"storage"`
	Sessions int           `json:"sessions"`
	Backups  int           `json:"backups"`
}

// Statistics gathers counts from the index, sizes from disk, cache
// counters, active retrieval sessions and completed backups.
func (db *DB) Statistics(ctx context.Context) (Stats, error) {
	if db.closed.Load() {
		return Stats{}, ErrClosed
	}

	storageStats, err := db.engine.Stats()
	if err != nil {
		return Stats{}, translateError(err)
	}

	manifests, err := db.backups.List()
	if err != nil {
		return Stats{}, translateError(err)
	}

	return Stats{
		Storage:  storageStats,
		Sessions: db.retriever.Sessions(),
		Backups:  len(manifests),
	}, nil
}

// Flush writes all dirty cached records to disk.
func (db *DB) Flush(ctx context.Context) error {
	if db.closed.Load() {
		return ErrClosed
	}
	return translateError(db.engine.Flush(ctx))
}

// Close flushes dirty state, persists the retrieval learning state and
// the index snapshot, and releases the store lock. Close is idempotent;
// operations after Close return ErrClosed.
func (db *DB) Close() error {
	if db == nil || !db.closed.CompareAndSwap(false, true) {
		return nil
	}

	ctx := context.Background()

	var firstErr error
	if err := db.retriever.Close(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := db.engine.Close(); err != nil && firstErr == nil {
		firstErr = err
	}

	db.opts.logger.LogClose(ctx, firstErr)
	return translateError(firstErr)
}

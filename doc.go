// Package memgo provides an embedded, persistent memory store for AI
// assistant systems.
//
// Memgo stores categorized memory records (preferences, conversation
// turns, learned heuristics, task insights and more) under a single
// directory, with an in-memory LRU cache, a secondary index for fast
// filtering, text search with relevance ranking, context-aware retrieval
// that learns from feedback, archival of stale records and verified
// backups.
//
// # Quick Start
//
//	ctx := context.Background()
//	db, err := memgo.Open(ctx, "./memory")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer db.Close()
//
//	id, _ := db.SetPreference(ctx, "editor", "vim")
//	db.TrackConversation(ctx, "session-1", 1, "How do I exit vim?")
//
//	results, _ := db.Search(ctx, search.Query{Text: "editor preference"})
//	for _, r := range results {
//	    fmt.Println(r.Record.ID, r.RelevanceScore, r.Record.Content)
//	}
//
// # Context-Aware Retrieval
//
// RetrieveContext decomposes free-form input into topics, entities and
// intent, fans out weighted subqueries and blends in session context,
// learned feedback and record associations:
//
//	results, _ := db.RetrieveContext(ctx, "what editor do I prefer?", "session-1", 10)
//	db.ProvideFeedback(ctx, results[0].Record.ID, "answered question", 0.9, 1.0)
//
// # Durability Model
//
// Every record write goes through a temp file, fsync and atomic rename;
// a crash never leaves a partially written record behind. The cache and
// index are derived state and are rebuilt from the record files when
// their snapshot is missing or damaged. Access-metadata bumps are
// buffered in the cache and become durable on flush, eviction or close.
//
// # Backups
//
//	backupID, _ := db.CreateFullBackup(ctx, "nightly")
//	db.CreateIncrementalBackup(ctx, "hourly")   // changed files only
//	db.RestoreBackup(ctx, backupID)             // verified before any data is touched
//
// Backups are zstd-compressed tar snapshots with per-file and
// whole-snapshot checksums, and can be mirrored to S3, MinIO or any
// blobstore.Store implementation via WithBackupMirror.
//
// # Key Features
//
//   - Atomic per-record persistence, crash-safe by construction
//   - Secondary index with bitmap posting sets, rebuildable from disk
//   - Exact, semantic and fuzzy text search with importance, recency
//     and frequency ranking
//   - Retrieval that learns from feedback and discovers associations
//   - Staleness-driven archiving with restore
//   - Full and incremental backups, checksum-verified restore
//   - Cross-process safety via an exclusive store lock
package memgo

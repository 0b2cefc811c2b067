package storage

import (
	"log/slog"
	"time"

	"github.com/hupe1980/memgo/codec"
	"github.com/hupe1980/memgo/internal/fs"
	"github.com/hupe1980/memgo/resource"
)

// Options configures an Engine.
type Options struct {
	// FS is the file system the engine operates on. Tests swap in a
	// FaultyFS here; nil means the local file system.
	FS fs.FileSystem

	// Codec encodes record files. Nil means codec.Default.
	Codec codec.Codec

	// CacheCapacity is the maximum number of records held in the cache.
	CacheCapacity int

	// LockTimeout bounds the wait for a per-record lock before a mutation
	// fails with ErrLockTimeout.
	LockTimeout time.Duration

	// TermRebuildEvery is forwarded to the index: the number of mutations
	// batched before the term-vector index is rebuilt.
	TermRebuildEvery int

	// SkipSnapshot disables loading and saving of the index disk
	// snapshot. The index is then always rebuilt from a storage scan.
	SkipSnapshot bool

	// Controller throttles bulk candidate loading. Nil enforces nothing.
	Controller *resource.Controller

	// Logger receives structured operation logs. Nil discards them.
	Logger *slog.Logger

	// Clock overrides time.Now, for tests exercising access metadata and
	// staleness.
	Clock func() time.Time
}

// DefaultOptions returns the options used when none are given.
func DefaultOptions() Options {
	return Options{
		CacheCapacity:    1024,
		LockTimeout:      5 * time.Second,
		TermRebuildEvery: 16,
	}
}

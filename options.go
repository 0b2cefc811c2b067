package memgo

import (
	"log/slog"
	"time"

	"github.com/hupe1980/memgo/archive"
	"github.com/hupe1980/memgo/blobstore"
	"github.com/hupe1980/memgo/codec"
	"github.com/hupe1980/memgo/resource"
)

// DefaultProtectedImportance is the importance at or above which a
// record cannot be deleted without force.
const DefaultProtectedImportance = 8

type options struct {
	codec               codec.Codec
	metricsCollector    MetricsCollector
	logger              *Logger
	cacheCapacity       int
	lockTimeout         time.Duration
	protectedImportance int
	archivePolicy       archive.Policy
	backupRetention     int
	backupMirror        blobstore.Store
	resourceConfig      resource.Config
	clock               func() time.Time
}

// Option configures Open behavior.
type Option func(*options)

// WithCodec configures the codec used for record and state files.
//
// If nil is passed, codec.Default is used.
func WithCodec(c codec.Codec) Option {
	return func(o *options) {
		if c == nil {
			c = codec.Default
		}
		o.codec = c
	}
}

// WithCacheCapacity bounds the number of records held in memory.
// Values below 1 keep the default.
func WithCacheCapacity(n int) Option {
	return func(o *options) {
		o.cacheCapacity = n
	}
}

// WithLockTimeout bounds the wait for a per-record lock before a
// mutation fails with ErrLockTimeout.
func WithLockTimeout(d time.Duration) Option {
	return func(o *options) {
		o.lockTimeout = d
	}
}

// WithProtectedImportance sets the importance at or above which Delete
// refuses to remove a record unless forced. Zero keeps the default of
// DefaultProtectedImportance; a negative value disables protection.
func WithProtectedImportance(importance int) Option {
	return func(o *options) {
		o.protectedImportance = importance
	}
}

// WithArchivePolicy overrides the staleness policy used by archive
// cycles.
func WithArchivePolicy(p archive.Policy) Option {
	return func(o *options) {
		o.archivePolicy = p
	}
}

// WithBackupRetention keeps the newest n backups after each successful
// backup run. Zero keeps the default; negative disables pruning.
func WithBackupRetention(n int) Option {
	return func(o *options) {
		o.backupRetention = n
	}
}

// WithBackupMirror uploads a copy of every finished backup to the given
// blob store. Mirror failures never fail the local backup.
//
// Example with S3:
//
//	mirror := s3blob.NewStore(client, "my-bucket", "memgo/")
//	db, _ := memgo.Open(ctx, dir, memgo.WithBackupMirror(mirror))
func WithBackupMirror(store blobstore.Store) Option {
	return func(o *options) {
		o.backupMirror = store
	}
}

// WithResourceConfig bounds concurrent loads, maintenance work and
// backup IO throughput.
func WithResourceConfig(cfg resource.Config) Option {
	return func(o *options) {
		o.resourceConfig = cfg
	}
}

// WithMetricsCollector configures a metrics collector for monitoring
// operations.
//
// Example with BasicMetricsCollector:
//
//	metrics := &memgo.BasicMetricsCollector{}
//	db, _ := memgo.Open(ctx, dir, memgo.WithMetricsCollector(metrics))
//	// ... use db ...
//	stats := metrics.GetStats()
//	fmt.Printf("Stores: %d, Avg latency: %dns\n", stats.StoreCount, stats.StoreAvgNanos)
func WithMetricsCollector(mc MetricsCollector) Option {
	return func(o *options) {
		o.metricsCollector = mc
	}
}

// WithLogger configures structured logging for operations.
//
// Example with JSON logging:
//
//	logger := memgo.NewJSONLogger(slog.LevelInfo)
//	db, _ := memgo.Open(ctx, dir, memgo.WithLogger(logger))
func WithLogger(logger *Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithLogLevel creates a text logger with the specified level and sets
// it. Convenience wrapper for WithLogger(NewTextLogger(level)).
func WithLogLevel(level slog.Level) Option {
	return func(o *options) {
		o.logger = NewTextLogger(level)
	}
}

// WithClock overrides time.Now for all components, for tests exercising
// staleness and decay behavior.
func WithClock(clock func() time.Time) Option {
	return func(o *options) {
		o.clock = clock
	}
}

func applyOptions(optFns []Option) options {
	o := options{
		metricsCollector:    NoopMetricsCollector{},
		logger:              NoopLogger(),
		protectedImportance: DefaultProtectedImportance,
		archivePolicy:       archive.DefaultPolicy(),
	}
	for _, fn := range optFns {
		if fn != nil {
			fn(&o)
		}
	}
	if o.metricsCollector == nil {
		o.metricsCollector = NoopMetricsCollector{}
	}
	if o.logger == nil {
		o.logger = NoopLogger()
	}
	if o.protectedImportance == 0 {
		o.protectedImportance = DefaultProtectedImportance
	}
	return o
}

package memgo

import (
	"sync/atomic"
	"time"
)

// MetricsCollector defines an interface for collecting operational metrics.
// Implement this interface to integrate with monitoring systems like
// Prometheus.
type MetricsCollector interface {
	// RecordStore is called after each store operation.
	// duration is the total time taken, err is nil if successful.
	RecordStore(duration time.Duration, err error)

	// RecordRetrieve is called after each retrieve operation.
	// found is the number of records returned.
	RecordRetrieve(found int, duration time.Duration, err error)

	// RecordSearch is called after each search or contextual retrieval.
	// hits is the number of results returned.
	RecordSearch(hits int, duration time.Duration, err error)

	// RecordDelete is called after each delete operation.
	// deleted is the number of records actually removed.
	RecordDelete(deleted int, duration time.Duration)

	// RecordBackup is called after each backup creation.
	RecordBackup(duration time.Duration, err error)

	// RecordArchiveCycle is called after each archive maintenance cycle.
	// archived is the number of records moved to cold storage.
	RecordArchiveCycle(archived int, duration time.Duration, err error)
}

// NoopMetricsCollector is a no-op implementation of MetricsCollector.
// Use this when metrics collection is not needed.
type NoopMetricsCollector struct{}

func (NoopMetricsCollector) RecordStore(time.Duration, error)             {}
func (NoopMetricsCollector) RecordRetrieve(int, time.Duration, error)     {}
func (NoopMetricsCollector) RecordSearch(int, time.Duration, error)       {}
func (NoopMetricsCollector) RecordDelete(int, time.Duration)              {}
func (NoopMetricsCollector) RecordBackup(time.Duration, error)            {}
func (NoopMetricsCollector) RecordArchiveCycle(int, time.Duration, error) {}

// BasicMetricsCollector provides simple in-memory metrics collection.
// Useful for debugging and basic monitoring without external dependencies.
type BasicMetricsCollector struct {
	StoreCount        atomic.Int64
	StoreErrors       atomic.Int64
	StoreTotalNanos   atomic.Int64
	RetrieveCount     atomic.Int64
	RetrieveErrors    atomic.Int64
	RetrieveFound     atomic.Int64
	SearchCount       atomic.Int64
	SearchErrors      atomic.Int64
	SearchTotalNanos  atomic.Int64
	DeleteCount       atomic.Int64
	DeleteRecords     atomic.Int64
	BackupCount       atomic.Int64
	BackupErrors      atomic.Int64
	ArchiveCycleCount atomic.Int64
	ArchivedRecords   atomic.Int64
}

// RecordStore implements MetricsCollector.
func (b *BasicMetricsCollector) RecordStore(duration time.Duration, err error) {
	b.StoreCount.Add(1)
	b.StoreTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.StoreErrors.Add(1)
	}
}

// RecordRetrieve implements MetricsCollector.
func (b *BasicMetricsCollector) RecordRetrieve(found int, duration time.Duration, err error) {
	b.RetrieveCount.Add(1)
	b.RetrieveFound.Add(int64(found))
	if err != nil {
		b.RetrieveErrors.Add(1)
	}
}

// RecordSearch implements MetricsCollector.
func (b *BasicMetricsCollector) RecordSearch(hits int, duration time.Duration, err error) {
	b.SearchCount.Add(1)
	b.SearchTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.SearchErrors.Add(1)
	}
}

// RecordDelete implements MetricsCollector.
func (b *BasicMetricsCollector) RecordDelete(deleted int, duration time.Duration) {
	b.DeleteCount.Add(1)
	b.DeleteRecords.Add(int64(deleted))
}

// RecordBackup implements MetricsCollector.
func (b *BasicMetricsCollector) RecordBackup(duration time.Duration, err error) {
	b.BackupCount.Add(1)
	if err != nil {
		b.BackupErrors.Add(1)
	}
}

// RecordArchiveCycle implements MetricsCollector.
func (b *BasicMetricsCollector) RecordArchiveCycle(archived int, duration time.Duration, err error) {
	b.ArchiveCycleCount.Add(1)
	if err == nil {
		b.ArchivedRecords.Add(int64(archived))
	}
}

// GetStats returns a snapshot of current metrics.
func (b *BasicMetricsCollector) GetStats() BasicMetricsStats {
	return BasicMetricsStats{
		StoreCount:        b.StoreCount.Load(),
		StoreErrors:       b.StoreErrors.Load(),
		StoreAvgNanos:     b.avgStoreNanos(),
		RetrieveCount:     b.RetrieveCount.Load(),
		RetrieveErrors:    b.RetrieveErrors.Load(),
		RetrieveFound:     b.RetrieveFound.Load(),
		SearchCount:       b.SearchCount.Load(),
		SearchErrors:      b.SearchErrors.Load(),
		SearchAvgNanos:    b.avgSearchNanos(),
		DeleteCount:       b.DeleteCount.Load(),
		DeleteRecords:     b.DeleteRecords.Load(),
		BackupCount:       b.BackupCount.Load(),
		BackupErrors:      b.BackupErrors.Load(),
		ArchiveCycleCount: b.ArchiveCycleCount.Load(),
		ArchivedRecords:   b.ArchivedRecords.Load(),
	}
}

func (b *BasicMetricsCollector) avgStoreNanos() int64 {
	count := b.StoreCount.Load()
	if count == 0 {
		return 0
	}
	return b.StoreTotalNanos.Load() / count
}

func (b *BasicMetricsCollector) avgSearchNanos() int64 {
	count := b.SearchCount.Load()
	if count == 0 {
		return 0
	}
	return b.SearchTotalNanos.Load() / count
}

// BasicMetricsStats is a snapshot of BasicMetricsCollector state.
type BasicMetricsStats struct {
	StoreCount        int64
	StoreErrors       int64
	StoreAvgNanos     int64
	RetrieveCount     int64
	RetrieveErrors    int64
	RetrieveFound     int64
	SearchCount       int64
	SearchErrors      int64
	SearchAvgNanos    int64
	DeleteCount       int64
	DeleteRecords     int64
	BackupCount       int64
	BackupErrors      int64
	ArchiveCycleCount int64
	ArchivedRecords   int64
}

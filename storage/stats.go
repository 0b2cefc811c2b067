package storage

import (
	"github.com/hupe1980/memgo/cache"
	"github.com/hupe1980/memgo/record"
)

// Stats is a point-in-time summary of the store.
type Stats struct {
	Records           int                     `json:"records"`
	ByCategory        map[record.Category]int `json:"by_category"`
	ByStatus          map[record.Status]int   `json:"by_status"`
	DiskBytes         int64                   `json:"disk_bytes"`
	PendingTermWrites int                     `json:"pending_term_writes"`
	Cache             cache.Stats             `json:"cache"`
}

// Stats gathers counts from the index and sizes from disk.
func (e *Engine) Stats() (Stats, error) {
	if e.closed.Load() {
		return Stats{}, ErrClosed
	}

	diskBytes, err := e.DiskUsage()
	if err != nil {
		return Stats{}, err
	}

	return Stats{
		Records:           e.idx.Len(),
		ByCategory:        e.idx.CategoryCounts(),
		ByStatus:          e.idx.StatusCounts(),
		DiskBytes:         diskBytes,
		PendingTermWrites: e.idx.PendingTermWrites(),
		Cache:             e.cache.Stats(),
	}, nil
}

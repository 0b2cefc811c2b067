// Package backup produces and restores point-in-time snapshots of the
// store's durable state. A backup is a zstd-compressed tar of the data
// directories plus a manifest carrying per-file and whole-snapshot
// checksums; restore verifies every checksum in the chain before any live
// data is touched. Finished snapshots can optionally be mirrored to an
// object store.
package backup

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ManifestSchemaVersion is stored in every manifest so future readers can
// detect old layouts.
const ManifestSchemaVersion = 1

const (
	snapshotName = "snapshot.tar.zst"
	manifestName = "manifest.json"

	// latestName is the mirror blob holding the id of the newest
	// mirrored backup.
	latestName = "LATEST"
)

var (
	// ErrBackupNotFound is returned when no backup exists under the
	// given id.
	ErrBackupNotFound = errors.New("backup: not found")

	// ErrBackupIntegrity is returned when a snapshot or one of its files
	// does not match the checksums recorded in the manifest.
	ErrBackupIntegrity = errors.New("backup: integrity check failed")
)

// Kind distinguishes full snapshots from incremental ones.
type Kind string

const (
	KindFull        Kind = "full"
	KindIncremental Kind = "incremental"
)

// FileInfo describes one file captured in a snapshot.
type FileInfo struct {
	// Path is slash-separated and relative to the store root,
	// e.g. "records/3f/3f9a....json".
	Path    string    `json:"path"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
	SHA256  string    `json:"sha256"`
}

// Manifest is the durable description of one backup. It is written
// atomically next to the snapshot after the snapshot is complete, so a
// backup directory without a manifest is an interrupted run and is
// ignored.
type Manifest struct {
	SchemaVersion int    `json:"schema_version"`
	ID            string `json:"id"`
	Kind          Kind   `json:"kind"`

	// BaseID names the full backup an incremental is relative to.
	BaseID string `json:"base_id,omitempty"`

	CreatedAt   time.Time `json:"created_at"`
	Description string    `json:"description,omitempty"`

	// Codec is the name of the codec record files were written with.
	Codec string `json:"codec"`

	Files []FileInfo `json:"files"`

	// SnapshotSHA256 and SnapshotSize cover the compressed snapshot as a
	// whole.
	SnapshotSHA256 string `json:"snapshot_sha256"`
	SnapshotSize   int64  `json:"snapshot_size"`
}

// newBackupID builds a sortable id: kind, then a UTC second-resolution
// timestamp, then a short random suffix to disambiguate backups created
// within the same second.
func newBackupID(kind Kind, now time.Time) string {
	return fmt.Sprintf("%s-%s-%s", kind, now.UTC().Format("20060102T150405"), uuid.NewString()[:8])
}

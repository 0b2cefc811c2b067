package storage

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/hupe1980/memgo/internal/fs"
)

// On-disk layout under the store directory:
//
//	records/<id[:2]>/<id>.json   one file per record, sharded by id prefix
//	locks/<id>.lock              cross-process advisory locks
//	index/index.snap             index snapshot (optimization only)
//	archive/<id>.json            archived-record entries
//	retrieval/                   session, feedback and association state
//	backups/<backup-id>/         snapshot archives with manifests
const (
	recordsDirName   = "records"
	locksDirName     = "locks"
	indexDirName     = "index"
	archiveDirName   = "archive"
	retrievalDirName = "retrieval"
	backupsDirName   = "backups"

	recordExt       = ".json"
	indexSnapshotNm = "index.snap"
)

// RecordsDir returns the directory holding record files.
func RecordsDir(dir string) string { return filepath.Join(dir, recordsDirName) }

// LocksDir returns the directory holding per-record lock files.
func LocksDir(dir string) string { return filepath.Join(dir, locksDirName) }

// IndexDir returns the directory holding index snapshots.
func IndexDir(dir string) string { return filepath.Join(dir, indexDirName) }

// ArchiveDir returns the directory holding archived-record entries.
func ArchiveDir(dir string) string { return filepath.Join(dir, archiveDirName) }

// RetrievalDir returns the directory holding retrieval-engine state.
func RetrievalDir(dir string) string { return filepath.Join(dir, retrievalDirName) }

// BackupsDir returns the directory holding backup snapshots.
func BackupsDir(dir string) string { return filepath.Join(dir, backupsDirName) }

// DataDirNames lists the directories captured by backups and replaced by
// restores, relative to the store root. Locks and the backups themselves
// are excluded.
func DataDirNames() []string {
	return []string{recordsDirName, indexDirName, archiveDirName, retrievalDirName}
}

// IndexSnapshotPath returns the index snapshot file path.
func IndexSnapshotPath(dir string) string {
	return filepath.Join(IndexDir(dir), indexSnapshotNm)
}

func shard(id string) string {
	if len(id) < 2 {
		return "00"
	}
	return strings.ToLower(id[:2])
}

// RecordPath returns the file a record id is stored at.
func RecordPath(dir, id string) string {
	return filepath.Join(RecordsDir(dir), shard(id), id+recordExt)
}

// LockPath returns the lock file guarding a record id.
func LockPath(dir, id string) string {
	return filepath.Join(LocksDir(dir), id+".lock")
}

// ListRecordIDs walks the records tree and returns all stored ids, sorted.
// Non-record files are ignored.
func ListRecordIDs(fsys fs.FileSystem, dir string) ([]string, error) {
	root := RecordsDir(dir)

	shards, err := fsys.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("storage: list %s: %w", root, err)
	}

	var ids []string
	for _, sh := range shards {
		if !sh.IsDir() {
			continue
		}
		entries, err := fsys.ReadDir(filepath.Join(root, sh.Name()))
		if err != nil {
			return nil, fmt.Errorf("storage: list shard %s: %w", sh.Name(), err)
		}
		for _, ent := range entries {
			name := ent.Name()
			if ent.IsDir() || !strings.HasSuffix(name, recordExt) {
				continue
			}
			ids = append(ids, strings.TrimSuffix(name, recordExt))
		}
	}

	sort.Strings(ids)
	return ids, nil
}

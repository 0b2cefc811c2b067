package backup

import (
	"archive/tar"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/hupe1980/memgo/blobstore"
	"github.com/hupe1980/memgo/codec"
	"github.com/hupe1980/memgo/internal/fs"
	"github.com/hupe1980/memgo/resource"
	"github.com/hupe1980/memgo/storage"
)

// DefaultRetention is the number of backups kept when none is configured.
const DefaultRetention = 10

// Options configures a Manager.
type Options struct {
	// Retention keeps the newest N backups after each successful run.
	// Full backups still referenced by a retained incremental are kept
	// beyond the limit. Zero means DefaultRetention; negative disables
	// pruning.
	Retention int

	// Mirror, when set, receives a copy of every finished snapshot.
	// Mirror failures never fail the local backup.
	Mirror blobstore.Store

	// Controller throttles snapshot IO and serializes backups with other
	// maintenance work. Nil enforces nothing.
	Controller *resource.Controller

	Logger *slog.Logger
	Clock  func() time.Time
}

// Result reports one finished backup.
type Result struct {
	Manifest *Manifest

	// MirrorErr is the non-fatal error of the mirror upload, if any.
	MirrorErr error
}

// Manager creates, verifies and restores backups for one storage engine.
type Manager struct {
	engine *storage.Engine
	root   string
	dir    string
	fsys   fs.FileSystem
	codec  codec.Codec
	opts   Options
}

// New creates a Manager over engine. Backups live under the engine's
// store directory in backups/<backup-id>/.
func New(engine *storage.Engine, optFns ...func(o *Options)) *Manager {
	opts := Options{}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Retention == 0 {
		opts.Retention = DefaultRetention
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	return &Manager{
		engine: engine,
		root:   engine.Dir(),
		dir:    storage.BackupsDir(engine.Dir()),
		fsys:   engine.FS(),
		codec:  engine.Codec(),
		opts:   opts,
	}
}

// CreateFull snapshots all data directories into a new full backup.
func (m *Manager) CreateFull(ctx context.Context, description string) (*Result, error) {
	if err := m.opts.Controller.AcquireMaintenance(ctx); err != nil {
		return nil, err
	}
	defer m.opts.Controller.ReleaseMaintenance()

	if err := m.engine.Flush(ctx); err != nil {
		return nil, fmt.Errorf("backup: flush before snapshot: %w", err)
	}

	// The manifest timestamp is taken before the walk: a file written
	// while the walk is running then shows up in the next incremental
	// (possibly twice in the chain) instead of falling out of it.
	baseline := m.opts.Clock()
	files, err := m.collectFiles(time.Time{})
	if err != nil {
		return nil, err
	}
	return m.create(ctx, KindFull, "", description, baseline, files)
}

// CreateIncremental snapshots the files modified since the newest full
// backup. Without a prior full backup it transparently performs a full
// one. When nothing changed it returns (nil, nil).
func (m *Manager) CreateIncremental(ctx context.Context, description string) (*Result, error) {
	if err := m.opts.Controller.AcquireMaintenance(ctx); err != nil {
		return nil, err
	}
	defer m.opts.Controller.ReleaseMaintenance()

	if err := m.engine.Flush(ctx); err != nil {
		return nil, fmt.Errorf("backup: flush before snapshot: %w", err)
	}

	baseline := m.opts.Clock()

	base := m.newestFull()
	if base == nil {
		files, err := m.collectFiles(time.Time{})
		if err != nil {
			return nil, err
		}
		return m.create(ctx, KindFull, "", description, baseline, files)
	}

	files, err := m.collectFiles(base.CreatedAt)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, nil
	}
	return m.create(ctx, KindIncremental, base.ID, description, baseline, files)
}

// List returns the manifests of all complete backups, oldest first.
// Backup directories without a manifest are interrupted runs and are
// skipped.
func (m *Manager) List() ([]*Manifest, error) {
	entries, err := m.fsys.ReadDir(m.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("backup: list %s: %w", m.dir, err)
	}

	var manifests []*Manifest
	for _, ent := range entries {
		if !ent.IsDir() {
			continue
		}
		man, err := m.loadManifest(ent.Name())
		if err != nil {
			continue
		}
		manifests = append(manifests, man)
	}

	sort.Slice(manifests, func(i, j int) bool {
		if !manifests[i].CreatedAt.Equal(manifests[j].CreatedAt) {
			return manifests[i].CreatedAt.Before(manifests[j].CreatedAt)
		}
		return manifests[i].ID < manifests[j].ID
	})
	return manifests, nil
}

func (m *Manager) create(ctx context.Context, kind Kind, baseID, description string, createdAt time.Time, files []FileInfo) (*Result, error) {
	id := newBackupID(kind, createdAt)
	dir := filepath.Join(m.dir, id)

	if err := m.fsys.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("backup: create %s: %w", dir, err)
	}

	sum, size, err := m.writeSnapshot(ctx, dir, files)
	if err != nil {
		os.RemoveAll(dir)
		return nil, err
	}

	man := &Manifest{
		SchemaVersion:  ManifestSchemaVersion,
		ID:             id,
		Kind:           kind,
		BaseID:         baseID,
		CreatedAt:      createdAt,
		Description:    description,
		Codec:          m.codec.Name(),
		Files:          files,
		SnapshotSHA256: sum,
		SnapshotSize:   size,
	}

	data, err := m.codec.Marshal(man)
	if err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("backup: encode manifest: %w", err)
	}
	if err := fs.WriteAtomic(m.fsys, filepath.Join(dir, manifestName), data, 0644); err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("backup: write manifest: %w", err)
	}

	m.opts.Logger.InfoContext(ctx, "backup created",
		slog.String("id", id),
		slog.String("kind", string(kind)),
		slog.Int("files", len(files)),
		slog.Int64("snapshot_bytes", size),
	)

	if err := m.prune(); err != nil {
		m.opts.Logger.WarnContext(ctx, "backup retention prune failed", slog.Any("error", err))
	}

	res := &Result{Manifest: man}
	if m.opts.Mirror != nil {
		res.MirrorErr = m.mirror(ctx, man, dir)
		if res.MirrorErr != nil {
			m.opts.Logger.WarnContext(ctx, "backup mirror failed",
				slog.String("id", id),
				slog.Any("error", res.MirrorErr),
			)
		}
	}
	return res, nil
}

// collectFiles walks the data directories and returns every durable file
// modified after since (zero time means all). Leftover temp files from
// interrupted atomic writes are skipped.
func (m *Manager) collectFiles(since time.Time) ([]FileInfo, error) {
	var files []FileInfo
	for _, name := range storage.DataDirNames() {
		err := m.walk(name, func(rel string, info os.FileInfo) {
			if filepath.Ext(rel) == ".tmp" {
				return
			}
			if !since.IsZero() && !info.ModTime().After(since) {
				return
			}
			files = append(files, FileInfo{
				Path:    rel,
				Size:    info.Size(),
				ModTime: info.ModTime(),
			})
		})
		if err != nil {
			return nil, err
		}
	}

	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, nil
}

func (m *Manager) walk(rel string, visit func(rel string, info os.FileInfo)) error {
	abs := filepath.Join(m.root, filepath.FromSlash(rel))

	entries, err := m.fsys.ReadDir(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("backup: walk %s: %w", abs, err)
	}

	for _, ent := range entries {
		childRel := path.Join(rel, ent.Name())
		if ent.IsDir() {
			if err := m.walk(childRel, visit); err != nil {
				return err
			}
			continue
		}
		info, err := ent.Info()
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return fmt.Errorf("backup: stat %s: %w", childRel, err)
		}
		visit(childRel, info)
	}
	return nil
}

// writeSnapshot streams the files into <dir>/snapshot.tar.zst through the
// IO rate limit, filling in per-file checksums as it reads, and returns
// the checksum and size of the finished snapshot. The snapshot is built
// under a temp name and renamed into place when complete.
func (m *Manager) writeSnapshot(ctx context.Context, dir string, files []FileInfo) (string, int64, error) {
	target := filepath.Join(dir, snapshotName)
	tmp := target + ".tmp"

	f, err := m.fsys.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return "", 0, fmt.Errorf("backup: open snapshot: %w", err)
	}
	defer func() {
		if f != nil {
			f.Close()
			m.fsys.Remove(tmp)
		}
	}()

	hasher := sha256.New()
	limited := resource.NewRateLimitedWriter(ctx, io.MultiWriter(f, hasher), m.opts.Controller)

	zw, err := zstd.NewWriter(limited)
	if err != nil {
		return "", 0, fmt.Errorf("backup: zstd writer: %w", err)
	}
	tw := tar.NewWriter(zw)

	for i := range files {
		data, err := fs.ReadFile(m.fsys, filepath.Join(m.root, filepath.FromSlash(files[i].Path)))
		if err != nil {
			return "", 0, fmt.Errorf("backup: read %s: %w", files[i].Path, err)
		}

		fileSum := sha256.Sum256(data)
		files[i].SHA256 = hex.EncodeToString(fileSum[:])
		files[i].Size = int64(len(data))

		hdr := &tar.Header{
			Typeflag: tar.TypeReg,
			Name:     files[i].Path,
			Size:     int64(len(data)),
			Mode:     0644,
			ModTime:  files[i].ModTime,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return "", 0, fmt.Errorf("backup: tar header %s: %w", files[i].Path, err)
		}
		if _, err := tw.Write(data); err != nil {
			return "", 0, fmt.Errorf("backup: tar write %s: %w", files[i].Path, err)
		}
	}

	if err := tw.Close(); err != nil {
		return "", 0, fmt.Errorf("backup: close tar: %w", err)
	}
	if err := zw.Close(); err != nil {
		return "", 0, fmt.Errorf("backup: close zstd: %w", err)
	}
	if err := f.Sync(); err != nil {
		return "", 0, fmt.Errorf("backup: sync snapshot: %w", err)
	}
	if err := f.Close(); err != nil {
		f = nil
		m.fsys.Remove(tmp)
		return "", 0, fmt.Errorf("backup: close snapshot: %w", err)
	}
	f = nil

	info, err := m.fsys.Stat(tmp)
	if err != nil {
		m.fsys.Remove(tmp)
		return "", 0, fmt.Errorf("backup: stat snapshot: %w", err)
	}
	if err := m.fsys.Rename(tmp, target); err != nil {
		m.fsys.Remove(tmp)
		return "", 0, fmt.Errorf("backup: finalize snapshot: %w", err)
	}
	if err := fs.SyncDir(m.fsys, dir); err != nil {
		return "", 0, err
	}

	return hex.EncodeToString(hasher.Sum(nil)), info.Size(), nil
}

func (m *Manager) loadManifest(id string) (*Manifest, error) {
	data, err := fs.ReadFile(m.fsys, filepath.Join(m.dir, id, manifestName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrBackupNotFound, id)
		}
		return nil, fmt.Errorf("backup: read manifest %s: %w", id, err)
	}

	var man Manifest
	if err := m.codec.Unmarshal(data, &man); err != nil {
		return nil, fmt.Errorf("backup: decode manifest %s: %w", id, err)
	}
	return &man, nil
}

// newestFull returns the most recent full backup, or nil.
func (m *Manager) newestFull() *Manifest {
	manifests, err := m.List()
	if err != nil {
		return nil
	}
	for i := len(manifests) - 1; i >= 0; i-- {
		if manifests[i].Kind == KindFull {
			return manifests[i]
		}
	}
	return nil
}

// prune deletes the oldest backups beyond the retention limit. Full
// backups still referenced by a retained incremental survive the limit,
// otherwise the incremental would become unrestorable.
func (m *Manager) prune() error {
	if m.opts.Retention < 0 {
		return nil
	}

	manifests, err := m.List()
	if err != nil {
		return err
	}
	if len(manifests) <= m.opts.Retention {
		return nil
	}

	keep := make(map[string]bool)
	for _, man := range manifests[len(manifests)-m.opts.Retention:] {
		keep[man.ID] = true
		if man.BaseID != "" {
			keep[man.BaseID] = true
		}
	}

	for _, man := range manifests {
		if keep[man.ID] {
			continue
		}
		if err := os.RemoveAll(filepath.Join(m.dir, man.ID)); err != nil {
			return fmt.Errorf("backup: prune %s: %w", man.ID, err)
		}
	}
	return nil
}

// mirror copies the finished snapshot and manifest to the configured
// object store and advances the remote LATEST pointer.
func (m *Manager) mirror(ctx context.Context, man *Manifest, dir string) error {
	for _, name := range []string{snapshotName, manifestName} {
		data, err := fs.ReadFile(m.fsys, filepath.Join(dir, name))
		if err != nil {
			return fmt.Errorf("backup: mirror read %s: %w", name, err)
		}
		if err := m.opts.Controller.AcquireIO(ctx, len(data)); err != nil {
			return err
		}
		if err := m.opts.Mirror.Put(ctx, path.Join(man.ID, name), data); err != nil {
			return fmt.Errorf("backup: mirror put %s: %w", name, err)
		}
	}
	if err := m.opts.Mirror.Put(ctx, latestName, []byte(man.ID)); err != nil {
		return fmt.Errorf("backup: mirror latest pointer: %w", err)
	}
	return nil
}

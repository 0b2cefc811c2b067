package backup

import (
	"archive/tar"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"

	"github.com/hupe1980/memgo/internal/fs"
	"github.com/hupe1980/memgo/resource"
	"github.com/hupe1980/memgo/storage"
)

// Verify checks a backup against its manifest: the snapshot must exist
// and match the recorded size and checksum. A mismatch is reported as
// ErrBackupIntegrity.
func (m *Manager) Verify(backupID string) error {
	man, err := m.loadManifest(backupID)
	if err != nil {
		return err
	}
	return m.verifySnapshot(man)
}

// Restore replaces the live data directories with the state captured in
// backupID. For an incremental backup the base full snapshot is applied
// first. Every snapshot and every extracted file is checksum-verified
// before live data is touched; on any failure the live directories are
// left untouched.
func (m *Manager) Restore(ctx context.Context, backupID string) error {
	if err := m.opts.Controller.AcquireMaintenance(ctx); err != nil {
		return err
	}
	defer m.opts.Controller.ReleaseMaintenance()

	chain, err := m.chain(backupID)
	if err != nil {
		return err
	}
	for _, man := range chain {
		if err := m.verifySnapshot(man); err != nil {
			return err
		}
	}

	stage := filepath.Join(m.dir, ".restore-"+backupID)
	os.RemoveAll(stage)
	defer os.RemoveAll(stage)

	for _, man := range chain {
		if err := m.extract(ctx, man, stage); err != nil {
			return err
		}
	}
	for _, name := range storage.DataDirNames() {
		if err := m.fsys.MkdirAll(filepath.Join(stage, name), 0755); err != nil {
			return fmt.Errorf("backup: stage %s: %w", name, err)
		}
	}

	if err := m.swap(stage); err != nil {
		return err
	}

	m.opts.Logger.InfoContext(ctx, "backup restored",
		slog.String("id", backupID),
		slog.Int("chain", len(chain)),
	)
	return m.engine.Reload(ctx)
}

// chain resolves the manifests to apply, base first.
func (m *Manager) chain(backupID string) ([]*Manifest, error) {
	man, err := m.loadManifest(backupID)
	if err != nil {
		return nil, err
	}
	if man.Kind != KindIncremental {
		return []*Manifest{man}, nil
	}

	base, err := m.loadManifest(man.BaseID)
	if err != nil {
		if errors.Is(err, ErrBackupNotFound) {
			return nil, fmt.Errorf("%w: %s: base full backup %s is gone", ErrBackupIntegrity, backupID, man.BaseID)
		}
		return nil, err
	}
	if base.Kind != KindFull {
		return nil, fmt.Errorf("%w: %s: base %s is not a full backup", ErrBackupIntegrity, backupID, man.BaseID)
	}
	return []*Manifest{base, man}, nil
}

func (m *Manager) verifySnapshot(man *Manifest) error {
	path := filepath.Join(m.dir, man.ID, snapshotName)

	f, err := m.fsys.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s: snapshot missing", ErrBackupIntegrity, man.ID)
		}
		return fmt.Errorf("backup: open snapshot %s: %w", man.ID, err)
	}
	defer f.Close()

	hasher := sha256.New()
	size, err := io.Copy(hasher, f)
	if err != nil {
		return fmt.Errorf("backup: read snapshot %s: %w", man.ID, err)
	}

	if size != man.SnapshotSize {
		return fmt.Errorf("%w: %s: snapshot is %d bytes, manifest says %d", ErrBackupIntegrity, man.ID, size, man.SnapshotSize)
	}
	if sum := hex.EncodeToString(hasher.Sum(nil)); sum != man.SnapshotSHA256 {
		return fmt.Errorf("%w: %s: snapshot checksum mismatch", ErrBackupIntegrity, man.ID)
	}
	return nil
}

// extract unpacks one snapshot into the stage directory, verifying each
// file against the manifest as it is written. Later snapshots in a chain
// overwrite files from earlier ones.
func (m *Manager) extract(ctx context.Context, man *Manifest, stage string) error {
	want := make(map[string]FileInfo, len(man.Files))
	for _, fi := range man.Files {
		want[fi.Path] = fi
	}

	f, err := m.fsys.OpenFile(filepath.Join(m.dir, man.ID, snapshotName), os.O_RDONLY, 0)
	if err != nil {
		return fmt.Errorf("backup: open snapshot %s: %w", man.ID, err)
	}
	defer f.Close()

	zr, err := zstd.NewReader(resource.NewRateLimitedReader(ctx, f, m.opts.Controller))
	if err != nil {
		return fmt.Errorf("backup: zstd reader %s: %w", man.ID, err)
	}
	defer zr.Close()

	tr := tar.NewReader(zr)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("%w: %s: corrupt tar stream: %v", ErrBackupIntegrity, man.ID, err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		if !validEntryName(hdr.Name) {
			return fmt.Errorf("%w: %s: unsafe entry name %q", ErrBackupIntegrity, man.ID, hdr.Name)
		}

		fi, ok := want[hdr.Name]
		if !ok {
			return fmt.Errorf("%w: %s: entry %q not in manifest", ErrBackupIntegrity, man.ID, hdr.Name)
		}

		data, err := io.ReadAll(tr)
		if err != nil {
			return fmt.Errorf("%w: %s: read entry %q: %v", ErrBackupIntegrity, man.ID, hdr.Name, err)
		}
		if sum := sha256.Sum256(data); hex.EncodeToString(sum[:]) != fi.SHA256 {
			return fmt.Errorf("%w: %s: checksum mismatch on %q", ErrBackupIntegrity, man.ID, hdr.Name)
		}

		target := filepath.Join(stage, filepath.FromSlash(hdr.Name))
		if err := m.fsys.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return fmt.Errorf("backup: stage dir for %s: %w", hdr.Name, err)
		}
		if err := writeFile(m.fsys, target, data); err != nil {
			return fmt.Errorf("backup: stage %s: %w", hdr.Name, err)
		}
	}
	return nil
}

// swap replaces each live data directory with its staged counterpart.
// The old directories are moved aside before removal so a crash mid-swap
// leaves recoverable state next to the store.
func (m *Manager) swap(stage string) error {
	for _, name := range storage.DataDirNames() {
		live := filepath.Join(m.root, name)
		old := live + ".old"
		staged := filepath.Join(stage, name)

		os.RemoveAll(old)
		if _, err := m.fsys.Stat(live); err == nil {
			if err := m.fsys.Rename(live, old); err != nil {
				return fmt.Errorf("backup: move aside %s: %w", name, err)
			}
		}
		if err := m.fsys.Rename(staged, live); err != nil {
			// Put the old directory back so the store stays usable.
			m.fsys.Rename(old, live)
			return fmt.Errorf("backup: install %s: %w", name, err)
		}
		os.RemoveAll(old)
	}
	return fs.SyncDir(m.fsys, m.root)
}

func validEntryName(name string) bool {
	if name == "" || filepath.IsAbs(name) || strings.Contains(name, "\\") {
		return false
	}
	for _, part := range strings.Split(name, "/") {
		if part == ".." {
			return false
		}
	}
	return true
}

func writeFile(fsys fs.FileSystem, path string, data []byte) error {
	f, err := fsys.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

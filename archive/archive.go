// Package archive moves stale, low-value records out of the active set and
// back. Archiving never destroys data: the record file stays in place with
// status archived, and a full archive entry (record plus provenance) is
// written and fsynced before the status flips, so a crash between the two
// steps leaves an extra entry rather than a lost record.
package archive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/hupe1980/memgo/internal/fs"
	"github.com/hupe1980/memgo/record"
	"github.com/hupe1980/memgo/resource"
	"github.com/hupe1980/memgo/storage"
)

// EntrySchemaVersion is stored in every archive entry so future readers
// can detect old layouts.
const EntrySchemaVersion = 1

// Reasons recorded in archive entry provenance.
const (
	ReasonPolicy   = "policy"
	ReasonExplicit = "explicit"
)

// ErrNotArchived is returned by Restore when no archive entry exists.
var ErrNotArchived = errors.New("archive: no entry for id")

// Policy decides which active records are stale enough to archive.
// Thresholds are tiered by importance: the more important a record, the
// longer it may sit untouched.
type Policy struct {
	// MinAge is the floor: records younger than this are never archived,
	// regardless of importance.
	MinAge time.Duration

	// HighAge applies to importance >= HighImportance.
	HighAge time.Duration
	// MidAge applies to importance in [MidImportance, HighImportance).
	MidAge time.Duration
	// LowAge applies to everything below MidImportance.
	LowAge time.Duration

	HighImportance int
	MidImportance  int
}

// DefaultPolicy returns the standard tiering: 180 days for importance 8+,
// 90 days for 5-7, 30 days below, with a 14 day floor.
func DefaultPolicy() Policy {
	return Policy{
		MinAge:         14 * 24 * time.Hour,
		HighAge:        180 * 24 * time.Hour,
		MidAge:         90 * 24 * time.Hour,
		LowAge:         30 * 24 * time.Hour,
		HighImportance: 8,
		MidImportance:  5,
	}
}

// ShouldArchive reports whether rec is eligible for automatic archiving
// at time now. Only active records are ever eligible.
func (p Policy) ShouldArchive(rec *record.Record, now time.Time) bool {
	if rec.Status != record.StatusActive {
		return false
	}
	if now.Sub(rec.Metadata.CreatedAt) < p.MinAge {
		return false
	}

	idle := now.Sub(rec.Metadata.LastAccessedAt)
	switch {
	case rec.Importance >= p.HighImportance:
		return idle >= p.HighAge
	case rec.Importance >= p.MidImportance:
		return idle >= p.MidAge
	default:
		return idle >= p.LowAge
	}
}

// Entry is the durable archive record: the archived record itself plus
// provenance describing when and why it left the active set.
type Entry struct {
	SchemaVersion int            `json:"schema_version"`
	Record        *record.Record `json:"record"`
	ArchivedAt    time.Time      `json:"archived_at"`
	Reason        string         `json:"reason"`
	PriorStatus   record.Status  `json:"prior_status"`
}

// CycleResult summarizes one archive cycle. Errored maps record ids to
// the failure that skipped them; per-record failures never abort a cycle.
type CycleResult struct {
	Archived int              `json:"archived"`
	Skipped  int              `json:"skipped"`
	Errored  map[string]error `json:"-"`
}

// Options configures an Archiver.
type Options struct {
	Policy     Policy
	Controller *resource.Controller
	Logger     *slog.Logger
	Clock      func() time.Time
}

// Archiver runs the active <-> archived state machine on top of the
// storage engine.
type Archiver struct {
	engine *storage.Engine
	opts   Options
}

// New creates an Archiver over engine.
func New(engine *storage.Engine, optFns ...func(o *Options)) *Archiver {
	opts := Options{
		Policy: DefaultPolicy(),
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	return &Archiver{engine: engine, opts: opts}
}

// RunCycle scans active records and archives the ones the policy deems
// stale. It holds a maintenance slot for the duration, stops between
// records when ctx is canceled, and reports per-record failures in the
// result rather than aborting.
func (a *Archiver) RunCycle(ctx context.Context) (CycleResult, error) {
	if err := a.opts.Controller.AcquireMaintenance(ctx); err != nil {
		return CycleResult{}, err
	}
	defer a.opts.Controller.ReleaseMaintenance()

	now := a.opts.Clock()
	var candidates []*record.Record
	result := CycleResult{Errored: make(map[string]error)}

	err := a.engine.Scan(ctx, func(rec *record.Record) bool {
		if rec.Status != record.StatusActive {
			return true
		}
		if a.opts.Policy.ShouldArchive(rec, now) {
			candidates = append(candidates, rec)
		} else {
			result.Skipped++
		}
		return true
	})
	if err != nil {
		return result, err
	}

	for _, rec := range candidates {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if err := a.archiveOne(ctx, rec, ReasonPolicy); err != nil {
			result.Errored[rec.ID] = err
			continue
		}
		result.Archived++
	}

	a.opts.Logger.InfoContext(ctx, "archive cycle completed",
		"archived", result.Archived,
		"skipped", result.Skipped,
		"errored", len(result.Errored),
	)
	return result, nil
}

// Archive explicitly archives one record regardless of policy age checks.
func (a *Archiver) Archive(ctx context.Context, id string) error {
	rec, err := a.engine.Load(ctx, id)
	if err != nil {
		return err
	}
	if rec.Status != record.StatusActive {
		return &record.ValidationError{
			Field:  "status",
			Reason: fmt.Sprintf("cannot archive a %s record", rec.Status),
		}
	}
	return a.archiveOne(ctx, rec, ReasonExplicit)
}

// Restore brings an archived record back to the active set: reload the
// entry, flip status to active, re-store through the engine, then delete
// the entry. A crash before the final delete leaves a stale entry whose
// record is already active; restoring it again is rejected by the status
// check, and the entry can be pruned manually.
func (a *Archiver) Restore(ctx context.Context, id string) error {
	entry, err := a.readEntry(id)
	if err != nil {
		return err
	}

	rec := entry.Record.Clone()
	rec.Status = record.StatusActive

	err = a.engine.Update(ctx, id, rec)
	if errors.Is(err, storage.ErrNotFound) {
		// The record file is gone; the entry is the only surviving copy.
		_, err = a.engine.Store(ctx, rec)
	}
	if err != nil {
		return fmt.Errorf("archive: restore %s: %w", id, err)
	}

	if err := a.engine.FS().Remove(a.entryPath(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("archive: drop entry %s: %w", id, err)
	}
	_ = fs.SyncDir(a.engine.FS(), storage.ArchiveDir(a.engine.Dir()))

	a.opts.Logger.InfoContext(ctx, "record restored from archive", "id", id)
	return nil
}

// Entry returns the archive entry for id, or ErrNotArchived.
func (a *Archiver) Entry(id string) (*Entry, error) {
	return a.readEntry(id)
}

// List returns the ids of all archive entries, sorted.
func (a *Archiver) List() ([]string, error) {
	entries, err := a.engine.FS().ReadDir(storage.ArchiveDir(a.engine.Dir()))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var ids []string
	for _, ent := range entries {
		if ent.IsDir() {
			continue
		}
		if name := ent.Name(); filepath.Ext(name) == ".json" {
			ids = append(ids, name[:len(name)-len(".json")])
		}
	}
	return ids, nil
}

// archiveOne writes the archive entry durably first, then flips the
// record's status through the engine.
func (a *Archiver) archiveOne(ctx context.Context, rec *record.Record, reason string) error {
	entry := Entry{
		SchemaVersion: EntrySchemaVersion,
		Record:        rec,
		ArchivedAt:    a.opts.Clock(),
		Reason:        reason,
		PriorStatus:   rec.Status,
	}

	data, err := a.engine.Codec().Marshal(entry)
	if err != nil {
		return fmt.Errorf("archive: encode entry %s: %w", rec.ID, err)
	}
	if err := fs.WriteAtomic(a.engine.FS(), a.entryPath(rec.ID), data, 0644); err != nil {
		return fmt.Errorf("archive: write entry %s: %w", rec.ID, err)
	}

	archived := rec.Clone()
	archived.Status = record.StatusArchived
	if err := a.engine.Update(ctx, rec.ID, archived); err != nil {
		return fmt.Errorf("archive: flip status %s: %w", rec.ID, err)
	}

	a.opts.Logger.DebugContext(ctx, "record archived", "id", rec.ID, "reason", reason)
	return nil
}

func (a *Archiver) readEntry(id string) (*Entry, error) {
	data, err := fs.ReadFile(a.engine.FS(), a.entryPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotArchived, id)
		}
		return nil, err
	}

	var entry Entry
	if err := a.engine.Codec().Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("archive: decode entry %s: %w", id, err)
	}
	if entry.Record == nil {
		return nil, fmt.Errorf("archive: entry %s carries no record", id)
	}
	return &entry, nil
}

func (a *Archiver) entryPath(id string) string {
	return filepath.Join(storage.ArchiveDir(a.engine.Dir()), id+".json")
}

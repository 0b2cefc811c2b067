package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/hupe1980/memgo/internal/fs"
	"github.com/hupe1980/memgo/storage"
)

// StateSchemaVersion is stored in every retrieval state file.
const StateSchemaVersion = 1

const (
	sessionsFile     = "sessions.json"
	feedbackFile     = "feedback.json"
	associationsFile = "associations.json"
)

type stateMask uint8

const (
	stateSessions stateMask = 1 << iota
	stateFeedback
	stateAssociations
)

type sessionsState struct {
	SchemaVersion int                      `json:"schema_version"`
	Sessions      map[string]*SessionState `json:"sessions"`
}

type feedbackState struct {
	SchemaVersion int                       `json:"schema_version"`
	Stats         map[string]*FeedbackStats `json:"stats"`
}

type associationsState struct {
	SchemaVersion int               `json:"schema_version"`
	Edges         map[string][]Edge `json:"edges"`
}

// load reads persisted retrieval state. Missing files mean a fresh
// start; an unreadable file is discarded with a warning, because all
// retrieval state can be relearned.
func (e *Engine) load() error {
	dir := storage.RetrievalDir(e.store.Dir())

	var sessions sessionsState
	if ok := e.loadFile(filepath.Join(dir, sessionsFile), &sessions); ok {
		e.tracker.restore(sessions.Sessions)
	}

	var feedback feedbackState
	if ok := e.loadFile(filepath.Join(dir, feedbackFile), &feedback); ok {
		e.learner.restore(feedback.Stats)
	}

	var associations associationsState
	if ok := e.loadFile(filepath.Join(dir, associationsFile), &associations); ok {
		e.graph.restore(associations.Edges)
	}
	return nil
}

func (e *Engine) loadFile(path string, v any) bool {
	data, err := fs.ReadFile(e.store.FS(), path)
	if err != nil {
		if !os.IsNotExist(err) {
			e.opts.Logger.Warn("retrieval state unreadable, starting fresh",
				slog.String("path", path),
				slog.Any("error", err),
			)
		}
		return false
	}
	if err := e.store.Codec().Unmarshal(data, v); err != nil {
		e.opts.Logger.Warn("retrieval state corrupt, starting fresh",
			slog.String("path", path),
			slog.Any("error", err),
		)
		return false
	}
	return true
}

// persist is the non-fatal save used on the hot path: retrieval answers
// stay valid even when the state write fails.
func (e *Engine) persist(ctx context.Context, mask stateMask) {
	if err := e.save(ctx, mask); err != nil {
		e.opts.Logger.WarnContext(ctx, "retrieval state save failed", slog.Any("error", err))
	}
}

func (e *Engine) save(ctx context.Context, mask stateMask) error {
	dir := storage.RetrievalDir(e.store.Dir())

	if mask&stateSessions != 0 {
		state := sessionsState{SchemaVersion: StateSchemaVersion, Sessions: e.tracker.snapshot()}
		if err := e.saveFile(filepath.Join(dir, sessionsFile), state); err != nil {
			return err
		}
	}
	if mask&stateFeedback != 0 {
		state := feedbackState{SchemaVersion: StateSchemaVersion, Stats: e.learner.snapshot()}
		if err := e.saveFile(filepath.Join(dir, feedbackFile), state); err != nil {
			return err
		}
	}
	if mask&stateAssociations != 0 {
		state := associationsState{SchemaVersion: StateSchemaVersion, Edges: e.graph.snapshot()}
		if err := e.saveFile(filepath.Join(dir, associationsFile), state); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) saveFile(path string, v any) error {
	data, err := e.store.Codec().Marshal(v)
	if err != nil {
		return fmt.Errorf("retrieval: encode %s: %w", filepath.Base(path), err)
	}
	if err := fs.WriteAtomic(e.store.FS(), path, data, 0644); err != nil {
		return fmt.Errorf("retrieval: write %s: %w", filepath.Base(path), err)
	}
	return nil
}

package memgo

import (
	"context"
	"io"
	"log/slog"
	"os"
)

// Logger wraps slog.Logger with operation-aware helpers used by DB.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a new Logger with the given handler. If handler is
// nil, a text handler writing to stderr at Info level is used.
func NewLogger(handler slog.Handler) *Logger {
	if handler == nil {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	}
	return &Logger{Logger: slog.New(handler)}
}

// NewJSONLogger creates a Logger that writes JSON records to stderr.
// level sets the minimum log level.
func NewJSONLogger(level slog.Level) *Logger {
	return &Logger{Logger: slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))}
}

// NewTextLogger creates a Logger that writes human-readable records to
// stderr. level sets the minimum log level.
func NewTextLogger(level slog.Level) *Logger {
	return &Logger{Logger: slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))}
}

// NoopLogger creates a Logger that discards all output.
func NoopLogger() *Logger {
	return &Logger{Logger: slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{
		Level: slog.Level(127),
	}))}
}

func (l *Logger) LogOpen(ctx context.Context, dir string, records int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "open failed", "dir", dir, "error", err)
		return
	}
	l.InfoContext(ctx, "store opened", "dir", dir, "records", records)
}

func (l *Logger) LogStore(ctx context.Context, id, category string, err error) {
	if err != nil {
		l.ErrorContext(ctx, "store failed", "id", id, "category", category, "error", err)
		return
	}
	l.DebugContext(ctx, "record stored", "id", id, "category", category)
}

func (l *Logger) LogRetrieve(ctx context.Context, requested, found int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "retrieve failed", "requested", requested, "error", err)
		return
	}
	l.DebugContext(ctx, "records retrieved", "requested", requested, "found", found)
}

func (l *Logger) LogUpdate(ctx context.Context, id string, err error) {
	if err != nil {
		l.ErrorContext(ctx, "update failed", "id", id, "error", err)
		return
	}
	l.DebugContext(ctx, "record updated", "id", id)
}

func (l *Logger) LogDelete(ctx context.Context, deleted, protected, failed int) {
	l.DebugContext(ctx, "delete completed", "deleted", deleted, "protected", protected, "failed", failed)
}

func (l *Logger) LogSearch(ctx context.Context, text string, hits int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "search failed", "text", text, "error", err)
		return
	}
	l.DebugContext(ctx, "search completed", "text", text, "hits", hits)
}

func (l *Logger) LogBackup(ctx context.Context, id string, err error) {
	if err != nil {
		l.ErrorContext(ctx, "backup failed", "error", err)
		return
	}
	l.InfoContext(ctx, "backup created", "id", id)
}

func (l *Logger) LogRestore(ctx context.Context, id string, err error) {
	if err != nil {
		l.ErrorContext(ctx, "restore failed", "id", id, "error", err)
		return
	}
	l.InfoContext(ctx, "backup restored", "id", id)
}

func (l *Logger) LogArchiveCycle(ctx context.Context, archived int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "archive cycle failed", "error", err)
		return
	}
	l.InfoContext(ctx, "archive cycle completed", "archived", archived)
}

func (l *Logger) LogClose(ctx context.Context, err error) {
	if err != nil {
		l.ErrorContext(ctx, "close failed", "error", err)
		return
	}
	l.InfoContext(ctx, "store closed")
}

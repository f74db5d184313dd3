package jmapserver

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/xet7/jmap-server/core"
)

// Logger wraps slog.Logger with store-specific helpers so operational
// events carry consistent field names.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a Logger with the given handler. A nil handler uses a
// text handler to stderr at info level.
func NewLogger(handler slog.Handler) *Logger {
	if handler == nil {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	}
	return &Logger{Logger: slog.New(handler)}
}

// NewJSONLogger creates a Logger that writes JSON lines to stderr.
func NewJSONLogger(level slog.Level) *Logger {
	return &Logger{Logger: slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))}
}

// NewTextLogger creates a Logger that writes human-readable text to stderr.
func NewTextLogger(level slog.Level) *Logger {
	return &Logger{Logger: slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))}
}

// NoopLogger creates a Logger that discards all output.
func NoopLogger() *Logger {
	return &Logger{Logger: slog.New(slog.DiscardHandler)}
}

// LogCommit logs one document commit.
func (l *Logger) LogCommit(ctx context.Context, account core.AccountID, collection core.Collection, doc core.DocumentID, seq core.SeqNum, err error) {
	if err != nil {
		l.ErrorContext(ctx, "commit failed",
			"account", account,
			"collection", collection,
			"doc", doc,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "commit completed",
			"account", account,
			"collection", collection,
			"doc", doc,
			"seq", seq,
		)
	}
}

// LogQuery logs one query evaluation.
func (l *Logger) LogQuery(ctx context.Context, account core.AccountID, collection core.Collection, results uint64, elapsed time.Duration, err error) {
	if err != nil {
		l.ErrorContext(ctx, "query failed",
			"account", account,
			"collection", collection,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "query completed",
			"account", account,
			"collection", collection,
			"results", results,
			"elapsed", elapsed,
		)
	}
}

// LogReplication logs a replicated entry application.
func (l *Logger) LogReplication(ctx context.Context, origin string, seq core.SeqNum, err error) {
	if err != nil {
		l.WarnContext(ctx, "replication apply failed",
			"origin", origin,
			"seq", seq,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "replicated entry applied",
			"origin", origin,
			"seq", seq,
		)
	}
}

// LogRecovery logs index recovery at startup.
func (l *Logger) LogRecovery(ctx context.Context, rebuilt bool, elapsed time.Duration, err error) {
	switch {
	case err != nil:
		l.ErrorContext(ctx, "index recovery failed", "error", err)
	case rebuilt:
		l.InfoContext(ctx, "index rebuilt from documents", "elapsed", elapsed)
	default:
		l.InfoContext(ctx, "index loaded from segment", "elapsed", elapsed)
	}
}

// Package-level logging for database operations.
package datastore

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/mikkohei13/quiet-observer/internal/errors"
	"github.com/mikkohei13/quiet-observer/internal/logging"
)

var (
	datastoreLogger   *slog.Logger
	datastoreLevelVar = new(slog.LevelVar)
)

func init() {
	datastoreLevelVar.Set(slog.LevelInfo)

	var err error
	datastoreLogger, _, err = logging.NewFileLogger("logs/datastore.log", "datastore", datastoreLevelVar)
	if err != nil {
		datastoreLogger = logging.NoopLogger("datastore")
	}
}

// gormLogger adapts GORM's logger interface to slog.
type gormLogger struct {
	slowThreshold time.Duration
	level         gormlogger.LogLevel
}

func newGormLogger() *gormLogger {
	return &gormLogger{
		slowThreshold: 500 * time.Millisecond,
		level:         gormlogger.Warn,
	}
}

func (l *gormLogger) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	clone := *l
	clone.level = level
	return &clone
}

func (l *gormLogger) Info(ctx context.Context, msg string, data ...any) {
	if l.level >= gormlogger.Info {
		datastoreLogger.InfoContext(ctx, fmt.Sprintf(msg, data...))
	}
}

func (l *gormLogger) Warn(ctx context.Context, msg string, data ...any) {
	if l.level >= gormlogger.Warn {
		datastoreLogger.WarnContext(ctx, fmt.Sprintf(msg, data...))
	}
}

func (l *gormLogger) Error(ctx context.Context, msg string, data ...any) {
	if l.level >= gormlogger.Error {
		datastoreLogger.ErrorContext(ctx, fmt.Sprintf(msg, data...))
	}
}

func (l *gormLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.level <= gormlogger.Silent {
		return
	}

	elapsed := time.Since(begin)
	sql, rows := fc()

	switch {
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound):
		datastoreLogger.ErrorContext(ctx, "Database query failed",
			"error", err, "sql", sql, "duration", elapsed, "rows", rows)
	case l.slowThreshold != 0 && elapsed > l.slowThreshold:
		datastoreLogger.WarnContext(ctx, "Slow query",
			"sql", sql, "duration", elapsed, "rows", rows)
	case l.level >= gormlogger.Info:
		datastoreLogger.DebugContext(ctx, "Query executed",
			"sql", sql, "duration", elapsed, "rows", rows)
	}
}

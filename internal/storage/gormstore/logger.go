package gormstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// slogLogger is a gorm logger.Interface writing to slog. Failed statements
// log at error, slow ones at warn, the rest at debug.
type slogLogger struct {
	logger *slog.Logger
	level  logger.LogLevel
	slow   time.Duration
}

// NewLogger returns a GORM logger that reports statements slower than slow.
func NewLogger(l *slog.Logger, slow time.Duration) logger.Interface {
	return &slogLogger{logger: l, level: logger.Warn, slow: slow}
}

func (s *slogLogger) LogMode(level logger.LogLevel) logger.Interface {
	clone := *s
	clone.level = level
	return &clone
}

func (s *slogLogger) Info(ctx context.Context, msg string, args ...any) {
	if s.level >= logger.Info {
		s.logger.InfoContext(ctx, fmt.Sprintf(msg, args...))
	}
}

func (s *slogLogger) Warn(ctx context.Context, msg string, args ...any) {
	if s.level >= logger.Warn {
		s.logger.WarnContext(ctx, fmt.Sprintf(msg, args...))
	}
}

func (s *slogLogger) Error(ctx context.Context, msg string, args ...any) {
	if s.level >= logger.Error {
		s.logger.ErrorContext(ctx, fmt.Sprintf(msg, args...))
	}
}

func (s *slogLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if s.level <= logger.Silent {
		return
	}
	elapsed := time.Since(begin)

	switch {
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound) && s.level >= logger.Error:
		sql, rows := fc()
		s.logger.ErrorContext(ctx, "sql statement failed",
			slog.String("sql", sql),
			slog.Int64("rows", rows),
			slog.Duration("elapsed", elapsed),
			slog.String("error", err.Error()),
		)
	case s.slow > 0 && elapsed > s.slow && s.level >= logger.Warn:
		sql, rows := fc()
		s.logger.WarnContext(ctx, "slow sql statement",
			slog.String("sql", sql),
			slog.Int64("rows", rows),
			slog.Duration("elapsed", elapsed),
			slog.Duration("threshold", s.slow),
		)
	case s.level >= logger.Info:
		sql, rows := fc()
		s.logger.DebugContext(ctx, "sql statement",
			slog.String("sql", sql),
			slog.Int64("rows", rows),
			slog.Duration("elapsed", elapsed),
		)
	}
}

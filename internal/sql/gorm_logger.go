package sql

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/securecodehub/semgrep-hub/pkg/types"
)

// slowQueryThreshold is the elapsed time after which a statement is reported at warn level.
const slowQueryThreshold = 200 * time.Millisecond

// gormLogger sends gorm's statement log to a types.Logger instead of stdout.
// Record-not-found is an expected lookup outcome and is never reported.
type gormLogger struct {
	logger types.Logger
	level  logger.LogLevel
	slow   time.Duration
}

func newGormLogger(l types.Logger, debug bool) logger.Interface {
	if l == nil {
		l = types.NopLogger{}
	}
	level := logger.Warn
	if debug {
		level = logger.Info
	}
	return &gormLogger{logger: l, level: level, slow: slowQueryThreshold}
}

func (g *gormLogger) LogMode(level logger.LogLevel) logger.Interface {
	clone := *g
	clone.level = level
	return &clone
}

func (g *gormLogger) Info(_ context.Context, msg string, data ...interface{}) {
	if g.level >= logger.Info {
		g.logger.Debug(fmt.Sprintf(msg, data...))
	}
}

func (g *gormLogger) Warn(_ context.Context, msg string, data ...interface{}) {
	if g.level >= logger.Warn {
		g.logger.Warn(fmt.Sprintf(msg, data...))
	}
}

func (g *gormLogger) Error(_ context.Context, msg string, data ...interface{}) {
	if g.level >= logger.Error {
		g.logger.Error(fmt.Sprintf(msg, data...))
	}
}

func (g *gormLogger) Trace(_ context.Context, begin time.Time, fc func() (string, int64), err error) {
	if g.level <= logger.Silent {
		return
	}
	elapsed := time.Since(begin)
	switch {
	case err != nil && g.level >= logger.Error && !errors.Is(err, gorm.ErrRecordNotFound):
		statement, rows := fc()
		g.logger.Error("database statement failed", zap.Error(err), zap.String("sql", statement),
			zap.Int64("rows", rows), zap.Duration("elapsed", elapsed))
	case g.slow > 0 && elapsed > g.slow && g.level >= logger.Warn:
		statement, rows := fc()
		g.logger.Warn("slow database statement", zap.String("sql", statement),
			zap.Int64("rows", rows), zap.Duration("elapsed", elapsed))
	case g.level >= logger.Info:
		statement, rows := fc()
		g.logger.Debug("database statement", zap.String("sql", statement),
			zap.Int64("rows", rows), zap.Duration("elapsed", elapsed))
	}
}

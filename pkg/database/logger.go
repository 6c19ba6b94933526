package database

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/weiawesome/wes-io-relay/pkg/log"
)

const defaultSlowThreshold = 200 * time.Millisecond

// zlogger routes GORM logging into the context logger, so queries issued
// on behalf of a connection carry its connection and identity fields.
type zlogger struct {
	level logger.LogLevel
	slow  time.Duration
}

func newLogger(level logger.LogLevel, slow time.Duration) logger.Interface {
	if slow <= 0 {
		slow = defaultSlowThreshold
	}
	return &zlogger{level: level, slow: slow}
}

func (z *zlogger) LogMode(level logger.LogLevel) logger.Interface {
	cp := *z
	cp.level = level
	return &cp
}

func (z *zlogger) Info(ctx context.Context, msg string, args ...interface{}) {
	if z.level >= logger.Info {
		l := log.Ctx(ctx)
		l.Info().Msgf("gorm: "+msg, args...)
	}
}

func (z *zlogger) Warn(ctx context.Context, msg string, args ...interface{}) {
	if z.level >= logger.Warn {
		l := log.Ctx(ctx)
		l.Warn().Msgf("gorm: "+msg, args...)
	}
}

func (z *zlogger) Error(ctx context.Context, msg string, args ...interface{}) {
	if z.level >= logger.Error {
		l := log.Ctx(ctx)
		l.Error().Msgf("gorm: "+msg, args...)
	}
}

// Trace logs failed queries at error, slow ones at warn and the rest at
// debug when the level is Info. Record-not-found is not a failure.
func (z *zlogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if z.level <= logger.Silent {
		return
	}
	elapsed := time.Since(begin)
	l := log.Ctx(ctx)

	switch {
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound) && z.level >= logger.Error:
		sql, rows := fc()
		l.Error().Err(err).Str("sql", sql).Int64("rows", rows).
			Float64(log.FieldLatency, float64(elapsed.Milliseconds())).Msg("gorm query failed")
	case elapsed > z.slow && z.level >= logger.Warn:
		sql, rows := fc()
		l.Warn().Str("sql", sql).Int64("rows", rows).
			Float64(log.FieldLatency, float64(elapsed.Milliseconds())).Msg("gorm slow query")
	case z.level >= logger.Info:
		sql, rows := fc()
		l.Debug().Str("sql", sql).Int64("rows", rows).
			Float64(log.FieldLatency, float64(elapsed.Milliseconds())).Msg("gorm query")
	}
}

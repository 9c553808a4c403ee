// Copyright 2026 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package orm

import (
	"context"
	"fmt"
	"time"

	"github.com/pingcap/batchcluster/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const defaultSlowThreshold = time.Second

// LoggerOption configures the gorm logger.
type LoggerOption func(*loggerOption)

type loggerOption struct {
	slowThreshold time.Duration
	tracing       bool
	silent        bool
}

// WithSlowThreshold sets the elapsed time above which a statement is logged
// as slow. Zero disables slow statement logging.
func WithSlowThreshold(thres time.Duration) LoggerOption {
	return func(op *loggerOption) {
		op.slowThreshold = thres
	}
}

// WithStatementTracing logs every statement at info level. It follows the
// tracing-enabled switch of the node, statements go to debug otherwise.
func WithStatementTracing(enabled bool) LoggerOption {
	return func(op *loggerOption) {
		op.tracing = enabled
	}
}

// NewOrmLogger returns a gorm logger writing to lg.
func NewOrmLogger(lg *zap.Logger, opts ...LoggerOption) logger.Interface {
	op := loggerOption{slowThreshold: defaultSlowThreshold}
	for _, opt := range opts {
		opt(&op)
	}
	return &ormLogger{
		op: op,
		lg: lg.With(zap.String("component", "orm")),
	}
}

type ormLogger struct {
	op loggerOption
	lg *zap.Logger
}

// LogMode returns a copy of the logger for a gorm session. Silent drops
// statement logs, Info turns statement tracing on as db.Debug() does.
func (l *ormLogger) LogMode(level logger.LogLevel) logger.Interface {
	nl := *l
	switch level {
	case logger.Silent:
		nl.op.silent = true
	case logger.Info:
		nl.op.silent = false
		nl.op.tracing = true
	default:
		nl.op.silent = false
	}
	return &nl
}

func (l *ormLogger) Info(ctx context.Context, format string, args ...interface{}) {
	l.lg.Info(fmt.Sprintf(format, args...))
}

func (l *ormLogger) Warn(ctx context.Context, format string, args ...interface{}) {
	l.lg.Warn(fmt.Sprintf(format, args...))
}

func (l *ormLogger) Error(ctx context.Context, format string, args ...interface{}) {
	l.lg.Error(fmt.Sprintf(format, args...))
}

// Trace logs one statement. Missing rows are reported by the callers as
// ErrMetaEntryNotFound and are not errors here. Lock conflicts are retried
// by the store transactions, so they only warn.
func (l *ormLogger) Trace(ctx context.Context, begin time.Time, resFunc func() (sql string, rowsAffected int64), err error) {
	if l.op.silent {
		return
	}
	elapsed := time.Since(begin)
	sql, rows := resFunc()
	fields := []zap.Field{zap.Duration("elapsed", elapsed), zap.String("sql", sql), zap.Int64("affected-rows", rows)}
	if err != nil {
		fields = append(fields, zap.Error(err))
	}

	switch {
	case err != nil && errors.Is(err, gorm.ErrRecordNotFound):
		l.lg.Debug("sql trace", fields...)
	case err != nil && IsRetryableError(err):
		statementErrorsCounter.WithLabelValues("lock-conflict").Inc()
		l.lg.Warn("sql aborted by lock conflict", fields...)
	case err != nil:
		statementErrorsCounter.WithLabelValues("error").Inc()
		l.lg.Error("sql failed", fields...)
	case l.op.tracing:
		l.lg.Info("sql trace", fields...)
	default:
		l.lg.Debug("sql trace", fields...)
	}

	if l.op.slowThreshold != 0 && elapsed > l.op.slowThreshold {
		slowStatementsCounter.Inc()
		l.lg.Warn("slow sql", fields...)
	}
}

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
	"regexp"
	"testing"
	"time"

	"github.com/VividCortex/mysqlerr"
	dmysql "github.com/go-sql-driver/mysql"
	"github.com/pingcap/batchcluster/pkg/errors"
	"github.com/pingcap/log"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func TestLoggerOpt(t *testing.T) {
	t.Parallel()

	var op loggerOption
	WithSlowThreshold(30 * time.Second)(&op)
	require.Equal(t, 30*time.Second, op.slowThreshold)

	require.False(t, op.tracing)
	WithStatementTracing(true)(&op)
	require.True(t, op.tracing)

	cfg := NewDefaultStoreConfig()
	cfg.TraceStatements = true
	op = loggerOption{}
	for _, opt := range cfg.loggerOptions() {
		opt(&op)
	}
	require.True(t, op.tracing)
	require.Equal(t, defaultSlowThreshold, op.slowThreshold)
}

func TestNewOrmLogger(t *testing.T) {
	t.Parallel()

	var buffer zaptest.Buffer
	zapLg, _, err := log.InitLoggerWithWriteSyncer(&log.Config{Level: "warn"}, &buffer, nil)
	require.NoError(t, err)

	lg := NewOrmLogger(zapLg, WithSlowThreshold(3*time.Second))
	lg.Info(context.TODO(), "%s test", "info")
	require.Equal(t, 0, len(buffer.Lines()))

	lg.Warn(context.TODO(), "%s test", "warn")
	require.Regexp(t, regexp.QuoteMeta("warn test"), buffer.Stripped())
	buffer.Reset()

	lg.Error(context.TODO(), "%s test", "error")
	require.Regexp(t, regexp.QuoteMeta("error test"), buffer.Stripped())
	buffer.Reset()

	fc := func() (sql string, rowsAffected int64) { return "UPDATE batch_nodes", 2 }
	lg.Trace(context.TODO(), time.Now(), fc, nil)
	require.Equal(t, 0, len(buffer.Lines()))

	lg.Trace(context.TODO(), time.Now().Add(-10*time.Second), fc, errors.New("deadlock found"))
	require.Regexp(t, regexp.QuoteMeta("[ERROR]"), buffer.Stripped())
	require.Regexp(t, regexp.QuoteMeta(`["sql failed"]`), buffer.Stripped())
	require.Regexp(t, regexp.MustCompile(`\["slow sql"\] \[component=orm\] \[elapsed=10.*s\] \[sql="UPDATE batch_nodes"\] \[affected-rows=2\] \[error="deadlock found"\]`), buffer.Stripped())
	buffer.Reset()

	// not found is reported by the callers
	lg.Trace(context.TODO(), time.Now(), fc, gorm.ErrRecordNotFound)
	require.Equal(t, 0, len(buffer.Lines()))

	lg.Trace(context.TODO(), time.Now(), fc, &dmysql.MySQLError{Number: mysqlerr.ER_LOCK_DEADLOCK, Message: "Deadlock found"})
	require.Regexp(t, regexp.QuoteMeta("[WARN]"), buffer.Stripped())
	require.Regexp(t, regexp.QuoteMeta(`["sql aborted by lock conflict"]`), buffer.Stripped())
	require.NotContains(t, buffer.Stripped(), "[ERROR]")
	buffer.Reset()

	lg.LogMode(logger.Silent).Trace(context.TODO(), time.Now().Add(-10*time.Second), fc, errors.New("deadlock found"))
	require.Equal(t, 0, len(buffer.Lines()))
}

func TestOrmLoggerStatementTracing(t *testing.T) {
	t.Parallel()

	var buffer zaptest.Buffer
	zapLg, _, err := log.InitLoggerWithWriteSyncer(&log.Config{Level: "info"}, &buffer, nil)
	require.NoError(t, err)
	fc := func() (sql string, rowsAffected int64) { return "SELECT * FROM batch_partitions", 0 }

	lg := NewOrmLogger(zapLg)
	lg.Trace(context.TODO(), time.Now(), fc, nil)
	require.Equal(t, 0, len(buffer.Lines()))

	// db.Debug() switches a session to info
	lg.LogMode(logger.Info).Trace(context.TODO(), time.Now(), fc, nil)
	require.Regexp(t, regexp.QuoteMeta("[INFO]"), buffer.Stripped())
	require.Regexp(t, regexp.QuoteMeta(`["sql trace"]`), buffer.Stripped())
	buffer.Reset()

	lg = NewOrmLogger(zapLg, WithStatementTracing(true))
	lg.Trace(context.TODO(), time.Now(), fc, nil)
	require.Regexp(t, regexp.QuoteMeta(`[sql="SELECT * FROM batch_partitions"]`), buffer.Stripped())
	buffer.Reset()

	lg.LogMode(logger.Silent).Trace(context.TODO(), time.Now(), fc, nil)
	require.Equal(t, 0, len(buffer.Lines()))
}

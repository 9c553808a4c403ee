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
	"database/sql"
	"time"

	"github.com/VividCortex/mysqlerr"
	dmysql "github.com/go-sql-driver/mysql"
	"github.com/glebarez/sqlite"
	"github.com/pingcap/batchcluster/pkg/errors"
	"github.com/pingcap/batchcluster/pkg/logutil"
	"github.com/pingcap/batchcluster/pkg/retry"
	"github.com/pingcap/log"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	driverMySQL    = "mysql"
	driverPostgres = "pgx"
	driverSQLite   = "sqlite"

	openDBMaxTries = 10
)

// NewGormDB news a gorm.DB for the specified sql.DB and store type.
func NewGormDB(sqlDB *sql.DB, storeType StoreType, opts ...LoggerOption) (*gorm.DB, error) {
	if sqlDB == nil {
		return nil, errors.ErrMetaParamsInvalid.GenWithStackByArgs("input sql db is nil")
	}

	var dialector gorm.Dialector
	switch storeType {
	case StoreTypeMySQL:
		dialector = mysql.New(mysql.Config{
			Conn:                      sqlDB,
			SkipInitializeWithVersion: false,
		})
	case StoreTypePostgres:
		dialector = postgres.New(postgres.Config{
			Conn: sqlDB,
		})
	case StoreTypeSQLite:
		dialector = &sqlite.Dialector{Conn: sqlDB}
	default:
		return nil, errors.ErrUnsupportedDialect.GenWithStackByArgs(storeType)
	}

	return openGorm(dialector, opts...)
}

// NewGormDBWithDialector news a gorm.DB for a dialector built by the caller,
// e.g. an oracle dialector. The dialector name must be in the dialect table.
func NewGormDBWithDialector(dialector gorm.Dialector, opts ...LoggerOption) (*gorm.DB, error) {
	if _, err := LookupDialect(dialector.Name()); err != nil {
		return nil, err
	}
	return openGorm(dialector, opts...)
}

func openGorm(dialector gorm.Dialector, opts ...LoggerOption) (*gorm.DB, error) {
	db, err := gorm.Open(dialector, newGormConfig(log.L(), opts...))
	if err != nil {
		return nil, errors.ErrMetaNewClientFail.Wrap(err)
	}
	return db, nil
}

func newGormConfig(lg *zap.Logger, opts ...LoggerOption) *gorm.Config {
	return &gorm.Config{
		SkipDefaultTransaction: true,
		Logger:                 NewOrmLogger(lg, opts...),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// OpenDB opens a connection pool to the store, waits until the store is
// reachable and returns a gorm.DB on top of it.
func OpenDB(ctx context.Context, cfg *StoreConfig) (*gorm.DB, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var driver string
	switch cfg.StoreType {
	case StoreTypeMySQL:
		driver = driverMySQL
	case StoreTypePostgres:
		driver = driverPostgres
	case StoreTypeSQLite:
		driver = driverSQLite
	default:
		return nil, errors.ErrUnsupportedDialect.GenWithStackByArgs(cfg.StoreType)
	}

	dsn := cfg.GenerateDSN()
	sqlDB, err := sql.Open(driver, dsn)
	if err != nil {
		log.L().Error("open dsn fail", zap.String("dsn", logutil.HideDSNPassword(dsn)), zap.Error(err))
		return nil, errors.ErrMetaNewClientFail.Wrap(err)
	}
	setPool(sqlDB, cfg)

	err = retry.Do(ctx, func() error {
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		return sqlDB.PingContext(pingCtx)
	}, retry.WithMaxTries(openDBMaxTries),
		retry.WithBackoffBaseDelay(200*time.Millisecond),
		retry.WithBackoffMaxDelay(3*time.Second))
	if err != nil {
		_ = sqlDB.Close()
		log.L().Error("store is not reachable", zap.String("dsn", logutil.HideDSNPassword(dsn)), zap.Error(err))
		return nil, errors.ErrMetaNewClientFail.Wrap(err)
	}

	log.L().Info("store connected",
		zap.String("type", cfg.StoreType),
		zap.String("dsn", logutil.HideDSNPassword(dsn)))
	return NewGormDB(sqlDB, cfg.StoreType, cfg.loggerOptions()...)
}

func setPool(sqlDB *sql.DB, cfg *StoreConfig) {
	if cfg.StoreType == StoreTypeSQLite {
		// sqlite allows only one writer at a time
		sqlDB.SetMaxOpenConns(1)
		return
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if d := parseDurationOrZero(cfg.ConnMaxLifetime); d > 0 {
		sqlDB.SetConnMaxLifetime(d)
	}
}

// CloseDB closes the connection pool under db.
func CloseDB(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(sqlDB.Close())
}

// IsNotFoundError checks whether the error is ErrMetaEntryNotFound or
// gorm.ErrRecordNotFound.
func IsNotFoundError(err error) bool {
	return errors.Is(err, errors.ErrMetaEntryNotFound) || errors.Is(err, gorm.ErrRecordNotFound)
}

// IsRetryableError reports whether the database aborted a statement for a
// lock conflict, in which case the whole transaction can be run again.
func IsRetryableError(err error) bool {
	var myErr *dmysql.MySQLError
	if !errors.As(err, &myErr) {
		return false
	}
	switch myErr.Number {
	case mysqlerr.ER_LOCK_DEADLOCK, mysqlerr.ER_LOCK_WAIT_TIMEOUT:
		return true
	default:
		return false
	}
}

var _ logger.Interface = (*ormLogger)(nil)

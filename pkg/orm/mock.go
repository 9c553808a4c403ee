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
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pingcap/batchcluster/pkg/errors"
	"github.com/pingcap/batchcluster/pkg/orm/model"
	"gorm.io/gorm"
)

func randomDBFile() string {
	return uuid.NewString() + ".db"
}

// NewMockDB creates an in-memory sqlite backed gorm.DB with all tables
// created. Every call returns an isolated database.
func NewMockDB() (*gorm.DB, error) {
	// ref:https://www.sqlite.org/inmemorydb.html
	// using dsn(file:%s?mode=memory&cache=shared) format here to
	// 1. Create different DB for different TestXXX()
	// 2. Enable DB shared for different connection
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_time_format=sqlite", randomDBFile())
	sqlDB, err := sql.Open(driverSQLite, dsn)
	if err != nil {
		return nil, errors.ErrMetaNewClientFail.Wrap(err)
	}
	// a single connection avoids "database table is locked" on shared cache
	sqlDB.SetMaxOpenConns(1)

	db, err := NewGormDB(sqlDB, StoreTypeSQLite)
	if err != nil {
		_ = sqlDB.Close()
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := model.AutoMigrate(db.WithContext(ctx), true); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	return db, nil
}

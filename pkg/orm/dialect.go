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
	"fmt"

	"github.com/pingcap/batchcluster/pkg/errors"
	"github.com/pingcap/batchcluster/pkg/orm/model"
	"gorm.io/gorm"
)

// Dialect holds the only statements of the cluster store whose text depends
// on the database vendor. Both statements take (new status, current status,
// threshold in milliseconds) and (status, threshold in milliseconds).
type Dialect struct {
	Name string
	// ElapsedMillis returns an expression evaluating to the milliseconds
	// elapsed between column and the database's current time.
	ElapsedMillis func(column string) string

	MarkUnreachableSQL   string
	DeleteUnreachableSQL string
}

func newDialect(name string, elapsed func(string) string) *Dialect {
	expr := elapsed("last_updated_time")
	return &Dialect{
		Name:          name,
		ElapsedMillis: elapsed,
		MarkUnreachableSQL: fmt.Sprintf(
			"UPDATE %s SET status = ? WHERE status = ? AND %s >= ?", model.NodeTableName, expr),
		DeleteUnreachableSQL: fmt.Sprintf(
			"DELETE FROM %s WHERE status = ? AND %s >= ?", model.NodeTableName, expr),
	}
}

var dialects = map[string]*Dialect{
	StoreTypeMySQL: newDialect(StoreTypeMySQL, func(col string) string {
		return fmt.Sprintf("(TIMESTAMPDIFF(MICROSECOND, %s, CURRENT_TIMESTAMP(6)) / 1000)", col)
	}),
	StoreTypePostgres: newDialect(StoreTypePostgres, func(col string) string {
		return fmt.Sprintf("(EXTRACT(EPOCH FROM (CURRENT_TIMESTAMP - %s)) * 1000)", col)
	}),
	StoreTypeOracle: newDialect(StoreTypeOracle, func(col string) string {
		return fmt.Sprintf("((CAST(SYSTIMESTAMP AS DATE) - CAST(%s AS DATE)) * 24 * 60 * 60 * 1000)", col)
	}),
	StoreTypeSQLite: newDialect(StoreTypeSQLite, func(col string) string {
		return fmt.Sprintf("((julianday('now') - julianday(%s)) * 86400000)", col)
	}),
}

// LookupDialect returns the dialect registered under name.
func LookupDialect(name string) (*Dialect, error) {
	d, ok := dialects[name]
	if !ok {
		return nil, errors.ErrUnsupportedDialect.GenWithStackByArgs(name)
	}
	return d, nil
}

// DialectOf detects the dialect of db from its gorm dialector.
func DialectOf(db *gorm.DB) (*Dialect, error) {
	if db == nil || db.Dialector == nil {
		return nil, errors.ErrMetaParamsInvalid.GenWithStackByArgs("input db is nil")
	}
	return LookupDialect(db.Dialector.Name())
}

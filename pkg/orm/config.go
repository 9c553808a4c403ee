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
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	dmysql "github.com/go-sql-driver/mysql"
	"github.com/pingcap/batchcluster/pkg/errors"
)

// StoreType is the type of the backend database.
type StoreType = string

// Supported store types
const (
	StoreTypeMySQL    StoreType = "mysql"
	StoreTypePostgres StoreType = "postgres"
	StoreTypeSQLite   StoreType = "sqlite"
	StoreTypeOracle   StoreType = "oracle"
)

const (
	defaultDialTimeout     = "5s"
	defaultReadTimeout     = "10s"
	defaultWriteTimeout    = "10s"
	defaultMaxOpenConns    = 16
	defaultMaxIdleConns    = 4
	defaultConnMaxLifetime = "5m"
)

// StoreConfig is the connection config of the shared database.
type StoreConfig struct {
	StoreType StoreType `toml:"type" json:"type"`
	// Endpoints is "host:port", only the first one is used.
	Endpoints []string `toml:"endpoints" json:"endpoints"`
	User      string   `toml:"user" json:"user"`
	Password  string   `toml:"password" json:"-"`
	Schema    string   `toml:"schema" json:"schema"`
	// DSN overrides all connection items above when it is not empty.
	DSN string `toml:"dsn" json:"-"`

	DialTimeout     string `toml:"dial-timeout" json:"dial-timeout"`
	ReadTimeout     string `toml:"read-timeout" json:"read-timeout"`
	WriteTimeout    string `toml:"write-timeout" json:"write-timeout"`
	MaxOpenConns    int    `toml:"max-open-conns" json:"max-open-conns"`
	MaxIdleConns    int    `toml:"max-idle-conns" json:"max-idle-conns"`
	ConnMaxLifetime string `toml:"conn-max-lifetime" json:"conn-max-lifetime"`
	// SlowThreshold is the elapsed time above which a statement is logged as
	// slow, "0s" disables it.
	SlowThreshold string `toml:"slow-threshold" json:"slow-threshold"`
	// TraceStatements logs every statement at info level, it is set from the
	// tracing-enabled item of the node config.
	TraceStatements bool `toml:"-" json:"-"`
}

// NewDefaultStoreConfig returns a store config for a local mysql.
func NewDefaultStoreConfig() *StoreConfig {
	return &StoreConfig{
		StoreType:       StoreTypeMySQL,
		Endpoints:       []string{"127.0.0.1:3306"},
		User:            "root",
		Schema:          "batch_cluster",
		DialTimeout:     defaultDialTimeout,
		ReadTimeout:     defaultReadTimeout,
		WriteTimeout:    defaultWriteTimeout,
		MaxOpenConns:    defaultMaxOpenConns,
		MaxIdleConns:    defaultMaxIdleConns,
		ConnMaxLifetime: defaultConnMaxLifetime,
		SlowThreshold:   defaultSlowThreshold.String(),
	}
}

// SetEndpoints sets endpoints from a comma separated string.
func (s *StoreConfig) SetEndpoints(endpoints string) {
	if endpoints != "" {
		s.Endpoints = strings.Split(endpoints, ",")
	}
}

// Validate checks the config.
func (s *StoreConfig) Validate() error {
	switch s.StoreType {
	case StoreTypeMySQL, StoreTypePostgres:
		if s.DSN == "" && len(s.Endpoints) == 0 {
			return errors.ErrConfigInvalid.GenWithStackByArgs("store endpoints or dsn must be set")
		}
	case StoreTypeSQLite:
		if s.DSN == "" && s.Schema == "" {
			return errors.ErrConfigInvalid.GenWithStackByArgs("sqlite store needs a dsn or a schema file")
		}
	default:
		return errors.ErrUnsupportedDialect.GenWithStackByArgs(s.StoreType)
	}
	for _, d := range []string{s.DialTimeout, s.ReadTimeout, s.WriteTimeout, s.ConnMaxLifetime, s.SlowThreshold} {
		if d == "" {
			continue
		}
		if _, err := time.ParseDuration(d); err != nil {
			return errors.WrapError(errors.ErrConfigInvalid, err, "store duration "+d)
		}
	}
	return nil
}

// GenerateDSN generates a dsn string for the store type.
// Timestamps are exchanged in UTC with every backend.
func (s *StoreConfig) GenerateDSN() string {
	if s.DSN != "" {
		return s.DSN
	}

	switch s.StoreType {
	case StoreTypeMySQL:
		dsnCfg := dmysql.NewConfig()
		if dsnCfg.Params == nil {
			dsnCfg.Params = make(map[string]string, 1)
		}
		dsnCfg.User = s.User
		dsnCfg.Passwd = s.Password
		dsnCfg.Net = "tcp"
		if len(s.Endpoints) > 0 {
			dsnCfg.Addr = s.Endpoints[0]
		}
		dsnCfg.DBName = s.Schema
		dsnCfg.InterpolateParams = true
		dsnCfg.ParseTime = true
		// rows affected must count matched rows, a heartbeat within the
		// same timestamp precision still proves the row exists
		dsnCfg.ClientFoundRows = true
		dsnCfg.Loc = time.UTC
		dsnCfg.Params["time_zone"] = "'+00:00'"
		dsnCfg.Timeout = parseDurationOrZero(s.DialTimeout)
		dsnCfg.ReadTimeout = parseDurationOrZero(s.ReadTimeout)
		dsnCfg.WriteTimeout = parseDurationOrZero(s.WriteTimeout)
		return dsnCfg.FormatDSN()
	case StoreTypePostgres:
		host, port := "127.0.0.1", "5432"
		if len(s.Endpoints) > 0 {
			if h, p, err := net.SplitHostPort(s.Endpoints[0]); err == nil {
				host, port = h, p
			} else {
				host = s.Endpoints[0]
			}
		}
		query := url.Values{}
		query.Set("sslmode", "disable")
		query.Set("TimeZone", "UTC")
		if d := parseDurationOrZero(s.DialTimeout); d > 0 {
			query.Set("connect_timeout", strconv.Itoa(int(d.Seconds())))
		}
		u := &url.URL{
			Scheme:   "postgres",
			User:     url.User(s.User),
			Host:     net.JoinHostPort(host, port),
			Path:     "/" + s.Schema,
			RawQuery: query.Encode(),
		}
		if s.Password != "" {
			u.User = url.UserPassword(s.User, s.Password)
		}
		return u.String()
	case StoreTypeSQLite:
		return fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_time_format=sqlite", s.Schema)
	default:
		return ""
	}
}

func (s *StoreConfig) loggerOptions() []LoggerOption {
	opts := []LoggerOption{WithStatementTracing(s.TraceStatements)}
	if s.SlowThreshold != "" {
		opts = append(opts, WithSlowThreshold(parseDurationOrZero(s.SlowThreshold)))
	}
	return opts
}

func parseDurationOrZero(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}
	return d
}

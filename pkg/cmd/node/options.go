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

package node

import (
	"github.com/pingcap/batchcluster/pkg/config"
	"github.com/pingcap/batchcluster/pkg/errors"
	"github.com/pingcap/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

// options defines the flags shared by the node commands.
type options struct {
	configFilePath string
	nodeID         string
	logLevel       string
	storeType      string
	dsn            string
}

// addFlags binds the shared flags to cmd.
func (o *options) addFlags(cmd *cobra.Command) {
	defaultConfig := config.GetDefaultConfig()
	cmd.Flags().StringVar(&o.configFilePath, "config", "", "Path of the configuration file")
	cmd.Flags().StringVar(&o.nodeID, "node-id", "", "Node id, the host identifier is used when empty")
	cmd.Flags().StringVar(&o.logLevel, "log-level", defaultConfig.LogConf.Level, "log level (etc: debug|info|warn|error)")
	cmd.Flags().StringVar(&o.storeType, "store-type", defaultConfig.Store.StoreType, "Type of the shared database (mysql|postgres|sqlite)")
	cmd.Flags().StringVar(&o.dsn, "dsn", "", "DSN of the shared database, overrides the store endpoints")
}

// loadConfig reads the config file if any and applies the flags the user
// set on top of it.
func (o *options) loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg := config.GetDefaultConfig()
	if len(o.configFilePath) > 0 {
		if err := cfg.ConfigFromFile(o.configFilePath); err != nil {
			return nil, err
		}
	}
	cmd.Flags().Visit(func(flag *pflag.Flag) {
		switch flag.Name {
		case "node-id":
			cfg.NodeID = o.nodeID
		case "log-level":
			cfg.LogConf.Level = o.logLevel
		case "store-type":
			cfg.Store.StoreType = o.storeType
		case "dsn":
			cfg.Store.DSN = o.dsn
		case "config", "status-addr":
			// do nothing
		default:
			log.Panic("unknown flag, please report a bug", zap.String("flag-name", flag.Name))
		}
	})
	if err := cfg.Adjust(); err != nil {
		return nil, errors.Trace(err)
	}
	return cfg, nil
}

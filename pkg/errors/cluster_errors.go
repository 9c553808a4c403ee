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

package errors

import (
	"github.com/pingcap/errors"
)

// all batch cluster errors
var (
	// general errors
	ErrUnknown = errors.Normalize(
		"unknown error",
		errors.RFCCodeText("BCLUSTER:ErrUnknown"),
	)
	ErrInvalidArgument = errors.Normalize(
		"invalid argument: %s",
		errors.RFCCodeText("BCLUSTER:ErrInvalidArgument"),
	)

	// config related errors
	ErrConfigInvalid = errors.Normalize(
		"invalid config: %s",
		errors.RFCCodeText("BCLUSTER:ErrConfigInvalid"),
	)
	ErrDecodeConfigFile = errors.Normalize(
		"decode config file failed",
		errors.RFCCodeText("BCLUSTER:ErrDecodeConfigFile"),
	)
	ErrConfigUnknownItem = errors.Normalize(
		"unknown config item: %s",
		errors.RFCCodeText("BCLUSTER:ErrConfigUnknownItem"),
	)
	ErrUnsupportedDialect = errors.Normalize(
		"unsupported database dialect: %s",
		errors.RFCCodeText("BCLUSTER:ErrUnsupportedDialect"),
	)
	ErrResolveHostIdentifier = errors.Normalize(
		"resolve host identifier failed, source %s",
		errors.RFCCodeText("BCLUSTER:ErrResolveHostIdentifier"),
	)

	// membership related errors
	ErrNodeRegisterFailed = errors.Normalize(
		"register node %s failed, node id may be duplicated",
		errors.RFCCodeText("BCLUSTER:ErrNodeRegisterFailed"),
	)
	ErrNoActiveNodes = errors.Normalize(
		"no active nodes found in cluster, check node registration and heartbeat",
		errors.RFCCodeText("BCLUSTER:ErrNoActiveNodes"),
	)

	// meta related errors
	ErrMetaNewClientFail = errors.Normalize(
		"create meta client fail",
		errors.RFCCodeText("BCLUSTER:ErrMetaNewClientFail"),
	)
	ErrMetaOpFail = errors.Normalize(
		"meta operation fail",
		errors.RFCCodeText("BCLUSTER:ErrMetaOpFail"),
	)
	ErrMetaParamsInvalid = errors.Normalize(
		"meta params invalid:%s",
		errors.RFCCodeText("BCLUSTER:ErrMetaParamsInvalid"),
	)
	ErrMetaEntryNotFound = errors.Normalize(
		"meta entry not found",
		errors.RFCCodeText("BCLUSTER:ErrMetaEntryNotFound"),
	)

	// job repository related errors
	ErrExecutionNotFound = errors.Normalize(
		"step execution not found, job execution id %d, step execution id %d",
		errors.RFCCodeText("BCLUSTER:ErrExecutionNotFound"),
	)
	ErrStepNotFound = errors.Normalize(
		"step %s not found in registry",
		errors.RFCCodeText("BCLUSTER:ErrStepNotFound"),
	)

	// partition related errors
	ErrPartitionWaitFailed = errors.Normalize(
		"wait for partitions of master step execution %d failed",
		errors.RFCCodeText("BCLUSTER:ErrPartitionWaitFailed"),
	)
	ErrOrphanReassignFailed = errors.Normalize(
		"reassign orphaned partitions of master step execution %d failed",
		errors.RFCCodeText("BCLUSTER:ErrOrphanReassignFailed"),
	)
	ErrPartitionFenced = errors.Normalize(
		"partition %d is no longer owned by node %s at epoch %d",
		errors.RFCCodeText("BCLUSTER:ErrPartitionFenced"),
	)
	ErrPartitionStepFailed = errors.Normalize(
		"partitioned step %s failed, %d partitions failed",
		errors.RFCCodeText("BCLUSTER:ErrPartitionStepFailed"),
	)

	// runtime related errors
	ErrRunnerClosed = errors.Normalize(
		"task runner is closed",
		errors.RFCCodeText("BCLUSTER:ErrRunnerClosed"),
	)
	ErrDuplicateTask = errors.Normalize(
		"duplicate task %s",
		errors.RFCCodeText("BCLUSTER:ErrDuplicateTask"),
	)
	ErrStatusServer = errors.Normalize(
		"status server on %s failed",
		errors.RFCCodeText("BCLUSTER:ErrStatusServer"),
	)
)

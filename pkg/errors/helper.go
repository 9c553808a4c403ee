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
	stderrors "errors"

	"github.com/pingcap/errors"
)

// Re-export some error helpers so that callers only need to import this
// package.
var (
	Is         = stderrors.Is
	As         = stderrors.As
	New        = errors.New
	Errorf     = errors.Errorf
	Trace      = errors.Trace
	Annotate   = errors.Annotate
	Annotatef  = errors.Annotatef
	Cause      = errors.Cause
	ErrorStack = errors.ErrorStack
)

// WrapError generates a new error based on given `*errors.Error`, wraps the err
// as cause error.
// If given `err` is nil, returns a nil error, which is different from the
// behavior of pingcap/errors.Wrap.
func WrapError(rfcError *errors.Error, err error, args ...interface{}) error {
	if err == nil {
		return nil
	}
	if IsRFCError(err) {
		return err
	}
	return rfcError.Wrap(err).GenWithStackByCause(args...)
}

// IsRFCError returns true if err or one of the errors it wraps is a
// normalized error.
func IsRFCError(err error) bool {
	var rfcErr *errors.Error
	return stderrors.As(err, &rfcErr)
}

// RFCCode returns the RFC code of err, or an empty code if err is not a
// normalized error.
func RFCCode(err error) errors.RFCErrorCode {
	var rfcErr *errors.Error
	if stderrors.As(err, &rfcErr) {
		return rfcErr.RFCCode()
	}
	return ""
}

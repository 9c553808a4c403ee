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

package leakutil

import (
	"testing"

	"go.uber.org/goleak"
)

// defaultOpts is the default ignore list for goleak.
var defaultOpts = []goleak.Option{
	goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"),
	// connections of a shared sqlite db may outlive a single test
	goleak.IgnoreTopFunction("database/sql.(*DB).connectionOpener"),
}

// VerifyNone verifies that no unexpected leaks occur.
func VerifyNone(t goleak.TestingT, options ...goleak.Option) {
	opts := append(defaultOpts, options...)
	goleak.VerifyNone(t, opts...)
}

// SetUpLeakTest ignores the common background goroutines and runs
// the test. It should be called in TestMain.
func SetUpLeakTest(m *testing.M, options ...goleak.Option) {
	opts := append(defaultOpts, options...)
	goleak.VerifyTestMain(m, opts...)
}

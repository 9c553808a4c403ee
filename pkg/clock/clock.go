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

package clock

import (
	"time"

	bclock "github.com/benbjohnson/clock"
	"github.com/gavv/monotime"
)

type (
	// Timer alias bclock.Timer
	Timer = bclock.Timer
	// Ticker alias bclock.Ticker
	Ticker = bclock.Ticker
	// MonotonicTime is a duration since an arbitrary fixed point.
	MonotonicTime time.Duration
)

var unixEpoch = time.Unix(0, 0)

// Clock is the time source used by cluster components. Timestamps that are
// persisted are always taken from a Clock so tests can pin them.
type Clock interface {
	bclock.Clock
	Mono() MonotonicTime
}

type withRealMono struct {
	bclock.Clock
}

func (r withRealMono) Mono() MonotonicTime {
	return MonotonicTime(monotime.Now())
}

// Mock is a manually driven Clock.
type Mock struct {
	*bclock.Mock
}

// Mono implements Clock.
func (r Mock) Mono() MonotonicTime {
	return MonotonicTime(r.Now().Sub(unixEpoch))
}

// New returns a Clock backed by the system time.
func New() Clock {
	return withRealMono{bclock.New()}
}

// NewMock returns a mock clock set to the unix epoch.
func NewMock() *Mock {
	return &Mock{bclock.NewMock()}
}

// NewMockAt returns a mock clock set to t.
func NewMockAt(t time.Time) *Mock {
	m := NewMock()
	m.Set(t)
	return m
}

// Sub returns m - other.
func (m MonotonicTime) Sub(other MonotonicTime) time.Duration {
	return time.Duration(m - other)
}

// MonoNow returns the current monotonic time.
func MonoNow() MonotonicTime {
	return MonotonicTime(monotime.Now())
}

// UTCNow returns c.Now() in UTC truncated to microseconds, which is the finest
// precision every supported database keeps for a timestamp column.
func UTCNow(c Clock) time.Time {
	return c.Now().UTC().Truncate(time.Microsecond)
}

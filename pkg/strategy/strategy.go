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

package strategy

import (
	"github.com/pingcap/batchcluster/pkg/errors"
)

// Mode names a partition assignment policy.
type Mode string

// Supported modes
const (
	ModeRoundRobin     Mode = "ROUND_ROBIN"
	ModeFixedNodeCount Mode = "FIXED_NODE_COUNT"
	ModeScaleUp        Mode = "SCALE_UP"
)

// Config describes how the chunks of a partitioned step are spread over the
// active nodes. The zero value means round-robin.
type Config struct {
	Mode           Mode `toml:"mode" json:"mode"`
	FixedNodeCount int  `toml:"fixed-node-count" json:"fixed-node-count"`
}

// Normalize fills the defaults: an empty mode is round-robin, and a fixed
// node count of zero is one.
func (c Config) Normalize() Config {
	if c.Mode == "" {
		c.Mode = ModeRoundRobin
	}
	if c.Mode == ModeFixedNodeCount && c.FixedNodeCount <= 0 {
		c.FixedNodeCount = 1
	}
	return c
}

// Strategy picks a target node for every chunk index. Implementations are
// stateless and safe for concurrent use.
type Strategy interface {
	// Targets returns the node of each of chunkCount chunks. nodes must not
	// be empty.
	Targets(chunkCount int, nodes []string) []string
	Mode() Mode
}

// Assignment binds one chunk to a node.
type Assignment[T any] struct {
	Index  int
	Chunk  T
	NodeID string
}

// New returns the strategy for cfg.
func New(cfg Config) (Strategy, error) {
	cfg = cfg.Normalize()
	switch cfg.Mode {
	case ModeRoundRobin:
		return roundRobin{}, nil
	case ModeFixedNodeCount:
		return fixedNodeCount{count: cfg.FixedNodeCount}, nil
	case ModeScaleUp:
		return scaleUp{}, nil
	default:
		return nil, errors.ErrInvalidArgument.GenWithStackByArgs("unknown partition strategy " + string(cfg.Mode))
	}
}

// Assign maps chunks to nodes with s, keeping the order of chunks.
func Assign[T any](s Strategy, chunks []T, nodes []string) ([]Assignment[T], error) {
	if len(nodes) == 0 {
		return nil, errors.ErrNoActiveNodes.GenWithStackByArgs()
	}
	targets := s.Targets(len(chunks), nodes)
	assignments := make([]Assignment[T], 0, len(chunks))
	for i, chunk := range chunks {
		assignments = append(assignments, Assignment[T]{
			Index:  i,
			Chunk:  chunk,
			NodeID: targets[i],
		})
	}
	return assignments, nil
}

type roundRobin struct{}

func (roundRobin) Mode() Mode { return ModeRoundRobin }

func (roundRobin) Targets(chunkCount int, nodes []string) []string {
	return cycle(chunkCount, nodes)
}

// fixedNodeCount only uses the first count nodes of the caller ordered list.
type fixedNodeCount struct {
	count int
}

func (fixedNodeCount) Mode() Mode { return ModeFixedNodeCount }

func (f fixedNodeCount) Targets(chunkCount int, nodes []string) []string {
	limit := f.count
	if limit > len(nodes) {
		limit = len(nodes)
	}
	return cycle(chunkCount, nodes[:limit])
}

// scaleUp uses all available nodes. It maps like round-robin today.
type scaleUp struct{}

func (scaleUp) Mode() Mode { return ModeScaleUp }

func (scaleUp) Targets(chunkCount int, nodes []string) []string {
	targets := make([]string, chunkCount)
	for i := range targets {
		targets[i] = nodes[i%len(nodes)]
	}
	return targets
}

func cycle(chunkCount int, nodes []string) []string {
	targets := make([]string, 0, chunkCount)
	cursor := 0
	for i := 0; i < chunkCount; i++ {
		targets = append(targets, nodes[cursor])
		cursor++
		if cursor == len(nodes) {
			cursor = 0
		}
	}
	return targets
}

// Package meta: cluster-level metadata
/*
 * Copyright (c) 2018-2026, NVIDIA CORPORATION. All rights reserved.
 */
package meta

import (
	"sort"
	"sync"
	ratomic "sync/atomic"

	"github.com/NVIDIA/reshard/cmn"
	"github.com/NVIDIA/reshard/cmn/cos"
)

type (
	ShardID string

	// Snode is a shard's replica-set member that accepts intra-cluster requests
	Snode struct {
		ID  string `json:"id" yaml:"id" bson:"id"`
		URL string `json:"url" yaml:"url" bson:"url"`
	}

	// Registry maps shards to their current primaries. Callers re-resolve the
	// primary after a failed request, and Refresh signals that the cached
	// answer is suspect.
	Registry interface {
		Primary(shard ShardID) (*Snode, error)
		Refresh(shard ShardID)
		Shards() []ShardID
	}

	StaticRegistry struct {
		primaries map[ShardID]*Snode
		refreshes ratomic.Int64
		mu        sync.RWMutex
	}
)

// interface guard
var _ Registry = (*StaticRegistry)(nil)

func (n *Snode) String() string { return n.ID }

func NewStaticRegistry() *StaticRegistry {
	return &StaticRegistry{primaries: make(map[ShardID]*Snode, 4)}
}

// SetPrimary adds a shard or replaces its primary (stepdown)
func (r *StaticRegistry) SetPrimary(shard ShardID, node *Snode) {
	r.mu.Lock()
	r.primaries[shard] = node
	r.mu.Unlock()
}

func (r *StaticRegistry) Primary(shard ShardID) (*Snode, error) {
	r.mu.RLock()
	node, ok := r.primaries[shard]
	r.mu.RUnlock()
	if !ok {
		return nil, cos.NewErrNotFound(nil, "shard "+string(shard))
	}
	return node, nil
}

func (r *StaticRegistry) Refresh(ShardID) { r.refreshes.Add(1) }

func (r *StaticRegistry) Refreshes() int64 { return r.refreshes.Load() }

func (r *StaticRegistry) Shards() []ShardID {
	r.mu.RLock()
	shards := make([]ShardID, 0, len(r.primaries))
	for id := range r.primaries {
		shards = append(shards, id)
	}
	r.mu.RUnlock()
	sort.Slice(shards, func(i, j int) bool { return shards[i] < shards[j] })
	return shards
}

// ValidateShards checks that every listed shard is known to the registry
func ValidateShards(r Registry, shards []ShardID) error {
	for _, id := range shards {
		if _, err := r.Primary(id); err != nil {
			return cmn.NewErrInvalidOptions("unknown shard %q", id)
		}
	}
	return nil
}

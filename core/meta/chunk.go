// Package meta: cluster-level metadata
/*
 * Copyright (c) 2018-2026, NVIDIA CORPORATION. All rights reserved.
 */
package meta

import (
	"fmt"
	"sort"

	"github.com/NVIDIA/reshard/cmn"
)

type (
	// Chunk is a contiguous [Min, Max) shard key range owned by exactly one shard
	Chunk struct {
		Min   Key     `bson:"min" json:"min"`
		Max   Key     `bson:"max" json:"max"`
		Shard ShardID `bson:"recipientShardId" json:"recipientShardId"`
	}
	// ChunkMap is ordered by Min and covers [MinKey, MaxKey) without gaps or overlaps
	ChunkMap []Chunk

	// Zone is a [Min, Max) range pinned to a named zone
	Zone struct {
		Min  Key    `bson:"min" json:"min"`
		Max  Key    `bson:"max" json:"max"`
		Zone string `bson:"zone" json:"zone"`
	}
)

func (c *Chunk) Contains(key Key) bool {
	return Compare(c.Min, key) <= 0 && Compare(key, c.Max) < 0
}

func (c *Chunk) String() string {
	return fmt.Sprintf("[%s, %s) => %s", c.Min, c.Max, c.Shard)
}

func (cm ChunkMap) Sort() {
	sort.Slice(cm, func(i, j int) bool { return Compare(cm[i].Min, cm[j].Min) < 0 })
}

// Validate checks full coverage of the key space in ascending order
func (cm ChunkMap) Validate(kp KeyPattern) error {
	if len(cm) == 0 {
		return cmn.NewErrInvalidOptions("empty chunk distribution")
	}
	n := len(kp)
	for i := range cm {
		c := &cm[i]
		if len(c.Min) != n || len(c.Max) != n {
			return cmn.NewErrInvalidOptions("chunk %s does not match shard key %s", c, kp)
		}
		if c.Shard == "" {
			return cmn.NewErrInvalidOptions("chunk %s: missing shard", c)
		}
		if Compare(c.Min, c.Max) >= 0 {
			return cmn.NewErrInvalidOptions("chunk %s: min must be less than max", c)
		}
		if i > 0 && Compare(cm[i-1].Max, c.Min) != 0 {
			if Compare(cm[i-1].Max, c.Min) < 0 {
				return cmn.NewErrInvalidOptions("gap between %s and %s", &cm[i-1], c)
			}
			return cmn.NewErrInvalidOptions("overlap between %s and %s", &cm[i-1], c)
		}
	}
	if Compare(cm[0].Min, kp.MinKey()) != 0 {
		return cmn.NewErrInvalidOptions("first chunk must start at %s (got %s)", kp.MinKey(), cm[0].Min)
	}
	if last := cm[len(cm)-1]; Compare(last.Max, kp.MaxKey()) != 0 {
		return cmn.NewErrInvalidOptions("last chunk must end at %s (got %s)", kp.MaxKey(), last.Max)
	}
	return nil
}

// Lookup returns the chunk containing key (nil if not covered)
func (cm ChunkMap) Lookup(key Key) *Chunk {
	i := sort.Search(len(cm), func(i int) bool { return Compare(cm[i].Min, key) > 0 })
	if i == 0 {
		return nil
	}
	if c := &cm[i-1]; c.Contains(key) {
		return c
	}
	return nil
}

// Find returns the index of the chunk with exactly these bounds, or -1
func (cm ChunkMap) Find(lo, hi Key) int {
	for i := range cm {
		if Compare(cm[i].Min, lo) == 0 && Compare(cm[i].Max, hi) == 0 {
			return i
		}
	}
	return -1
}

// Shards returns distinct owners in first-appearance order
func (cm ChunkMap) Shards() []ShardID {
	var (
		seen   = make(map[ShardID]struct{}, 4)
		shards = make([]ShardID, 0, 4)
	)
	for _, c := range cm {
		if _, ok := seen[c.Shard]; !ok {
			seen[c.Shard] = struct{}{}
			shards = append(shards, c.Shard)
		}
	}
	return shards
}

func (cm ChunkMap) Owns(shard ShardID) bool {
	for _, c := range cm {
		if c.Shard == shard {
			return true
		}
	}
	return false
}

func (cm ChunkMap) Clone() ChunkMap {
	clone := make(ChunkMap, len(cm))
	copy(clone, cm)
	return clone
}

// ValidateZones checks zone ranges against the new shard key
func ValidateZones(zones []Zone, kp KeyPattern) error {
	sorted := make([]Zone, len(zones))
	copy(sorted, zones)
	sort.Slice(sorted, func(i, j int) bool { return Compare(sorted[i].Min, sorted[j].Min) < 0 })
	for i, z := range sorted {
		if z.Zone == "" {
			return cmn.NewErrInvalidOptions("zone range [%s, %s): missing zone name", z.Min, z.Max)
		}
		if len(z.Min) != len(kp) || len(z.Max) != len(kp) {
			return cmn.NewErrInvalidOptions("zone %q does not match shard key %s", z.Zone, kp)
		}
		if Compare(z.Min, z.Max) >= 0 {
			return cmn.NewErrInvalidOptions("zone %q: min must be less than max", z.Zone)
		}
		if i > 0 && Compare(sorted[i-1].Max, z.Min) > 0 {
			return cmn.NewErrInvalidOptions("zones %q and %q overlap", sorted[i-1].Zone, z.Zone)
		}
	}
	return nil
}

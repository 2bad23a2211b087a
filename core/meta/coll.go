// Package meta: cluster-level metadata
/*
 * Copyright (c) 2018-2026, NVIDIA CORPORATION. All rights reserved.
 */
package meta

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
)

const CollationSimple = "simple"

// oplog entry kinds
const (
	OpInsert = "i"
	OpUpdate = "u"
	OpDelete = "d"
	OpNoop   = "n"
	// donor's "no more writes" marker: written once write blocking is in place
	OpFinal = "final"
)

type (
	// CollMeta is the routing table of a sharded collection
	CollMeta struct {
		NS        string     `bson:"_id" json:"ns"`
		UUID      string     `bson:"uuid" json:"uuid"`
		Epoch     string     `bson:"epoch" json:"epoch"`
		Key       KeyPattern `bson:"key" json:"key"`
		Collation string     `bson:"collation" json:"collation"`
		Chunks    ChunkMap   `bson:"chunks" json:"chunks"`
		// last committed resharding operation (commit idempotency)
		LastReshardOp string `bson:"lastReshardOp,omitempty" json:"lastReshardOp,omitempty"`
		// in-progress resharding operation; chunk migrations are refused meanwhile
		ReshardingOp string `bson:"reshardingOp,omitempty" json:"reshardingOp,omitempty"`
		Version      int64  `bson:"version" json:"version"`
		Unique       bool   `bson:"unique" json:"unique"`
	}

	// Timestamp is a hybrid logical clock reading: wall nanoseconds plus a counter
	Timestamp struct {
		T int64  `bson:"t" json:"t"`
		I uint32 `bson:"i" json:"i"`
	}

	Clock struct {
		last Timestamp
		mu   sync.Mutex
	}

	OplogEntry struct {
		ID  any       `bson:"id" json:"id"`
		Doc bson.D    `bson:"doc,omitempty" json:"doc,omitempty"` // post-image (pre-image for deletes)
		NS  string    `bson:"ns" json:"ns"`
		Op  string    `bson:"op" json:"op"`
		TS  Timestamp `bson:"ts" json:"ts"`
	}
)

func (cm *CollMeta) String() string {
	return fmt.Sprintf("%s[%s, key %s, v%d]", cm.NS, cm.Epoch, cm.Key, cm.Version)
}

func (cm *CollMeta) Owner(doc bson.D) (ShardID, error) {
	key, err := cm.Key.Extract(doc)
	if err != nil {
		return "", err
	}
	if c := cm.Chunks.Lookup(key); c != nil {
		return c.Shard, nil
	}
	return "", fmt.Errorf("%s: no chunk for %s", cm, key)
}

// TempNS returns the shadow (temporary resharding) namespace
func TempNS(ns, collUUID string) string {
	db := ns
	if i := strings.IndexByte(ns, '.'); i > 0 {
		db = ns[:i]
	}
	return db + ".system.resharding." + collUUID
}

///////////////
// Timestamp //
///////////////

func (ts Timestamp) Compare(other Timestamp) int {
	switch {
	case ts.T < other.T:
		return -1
	case ts.T > other.T:
		return 1
	case ts.I < other.I:
		return -1
	case ts.I > other.I:
		return 1
	}
	return 0
}

func (ts Timestamp) Less(other Timestamp) bool { return ts.Compare(other) < 0 }
func (ts Timestamp) IsZero() bool              { return ts.T == 0 && ts.I == 0 }
func (ts Timestamp) String() string            { return fmt.Sprintf("%d.%d", ts.T, ts.I) }

// Sub returns the wall-clock distance between two readings (zero when ts <= other)
func (ts Timestamp) Sub(other Timestamp) time.Duration {
	if ts.Compare(other) <= 0 {
		return 0
	}
	return time.Duration(ts.T - other.T)
}

func MaxTimestamp(a, b Timestamp) Timestamp {
	if a.Less(b) {
		return b
	}
	return a
}

// Now returns a strictly increasing timestamp
func (c *Clock) Now() Timestamp {
	now := time.Now().UnixNano()
	c.mu.Lock()
	if now > c.last.T {
		c.last = Timestamp{T: now}
	} else {
		c.last.I++
	}
	ts := c.last
	c.mu.Unlock()
	return ts
}

// Last returns the most recent reading without advancing the clock
func (c *Clock) Last() Timestamp {
	c.mu.Lock()
	ts := c.last
	c.mu.Unlock()
	return ts
}

// Package catalog is the config-server routing table: per-namespace shard key,
// epoch, and chunk map
/*
 * Copyright (c) 2018-2026, NVIDIA CORPORATION. All rights reserved.
 */
package catalog

import (
	"sync"

	"github.com/NVIDIA/reshard/cmn"
	"github.com/NVIDIA/reshard/cmn/cos"
	"github.com/NVIDIA/reshard/cmn/nlog"
	"github.com/NVIDIA/reshard/core/meta"
	"github.com/NVIDIA/reshard/dbdriver"
)

const collCollections = "config.collections"

type (
	Catalog interface {
		Get(ns string) (*meta.CollMeta, error)
		Create(cm *meta.CollMeta) error
		// Commit installs the resharded routing table; repeating the same opID is a no-op
		Commit(ns, opID string, next *meta.CollMeta) error
		// MoveChunk transfers ownership of the [lo, hi) chunk
		MoveChunk(ns string, lo, hi meta.Key, to meta.ShardID) (*meta.CollMeta, error)
		// BeginReshard and EndReshard bracket a resharding operation (both idempotent)
		BeginReshard(ns, opID string) error
		EndReshard(ns, opID string) error
	}

	// Store is the dbdriver-backed Catalog with a write-through cache
	Store struct {
		db    dbdriver.Driver
		cache map[string]*meta.CollMeta
		mu    sync.RWMutex
	}
)

// interface guard
var _ Catalog = (*Store)(nil)

func New(db dbdriver.Driver) *Store {
	return &Store{db: db, cache: make(map[string]*meta.CollMeta, 4)}
}

func clone(cm *meta.CollMeta) *meta.CollMeta {
	c := *cm
	c.Chunks = cm.Chunks.Clone()
	c.Key = append(meta.KeyPattern(nil), cm.Key...)
	return &c
}

func (s *Store) Get(ns string) (*meta.CollMeta, error) {
	s.mu.RLock()
	cm, ok := s.cache[ns]
	s.mu.RUnlock()
	if ok {
		return clone(cm), nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	cm, err := s.load(ns)
	if err != nil {
		return nil, err
	}
	return clone(cm), nil
}

// under lock
func (s *Store) load(ns string) (*meta.CollMeta, error) {
	if cm, ok := s.cache[ns]; ok {
		return cm, nil
	}
	cm := &meta.CollMeta{}
	if err := s.db.Get(collCollections, ns, cm); err != nil {
		if dbdriver.IsErrNotFound(err) {
			return nil, cmn.NewErrNamespaceNotFound(ns)
		}
		return nil, err
	}
	s.cache[ns] = cm
	return cm, nil
}

func (s *Store) put(cm *meta.CollMeta) error {
	if err := s.db.Set(collCollections, cm.NS, cm); err != nil {
		return err
	}
	s.cache[cm.NS] = cm
	return nil
}

func (s *Store) Create(cm *meta.CollMeta) error {
	if err := cm.Key.Validate(); err != nil {
		return err
	}
	if err := cm.Chunks.Validate(cm.Key); err != nil {
		return err
	}
	cm = clone(cm)
	if cm.UUID == "" {
		cm.UUID = cos.GenUUID()
	}
	if cm.Epoch == "" {
		cm.Epoch = cos.GenUUID()
	}
	if cm.Collation == "" {
		cm.Collation = meta.CollationSimple
	}
	cm.Version = 1

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.db.SetIfAbsent(collCollections, cm.NS, cm); err != nil {
		if dbdriver.IsErrAlreadyExists(err) {
			return cos.NewErrAlreadyExists(nil, "namespace "+cm.NS)
		}
		return err
	}
	s.cache[cm.NS] = cm
	return nil
}

func (s *Store) Commit(ns, opID string, next *meta.CollMeta) error {
	if err := next.Chunks.Validate(next.Key); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, err := s.load(ns)
	if err != nil {
		return err
	}
	if cur.LastReshardOp == opID {
		return nil // already committed
	}
	cm := clone(next)
	cm.NS = ns
	cm.LastReshardOp = opID
	cm.ReshardingOp = ""
	cm.Version = cur.Version + 1
	if err := s.put(cm); err != nil {
		return err
	}
	nlog.Infoln("catalog: committed", cm.String(), "op", opID)
	return nil
}

func (s *Store) MoveChunk(ns string, lo, hi meta.Key, to meta.ShardID) (*meta.CollMeta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, err := s.load(ns)
	if err != nil {
		return nil, err
	}
	i := cur.Chunks.Find(lo, hi)
	if i < 0 {
		return nil, cmn.NewErrInvalidOptions("%s: no chunk [%s, %s)", ns, lo, hi)
	}
	if cur.ReshardingOp != "" {
		return nil, cmn.NewErrConflictingOperation(ns, cur.ReshardingOp, "chunk migration")
	}
	cm := clone(cur)
	if cm.Chunks[i].Shard == to {
		return cm, nil
	}
	cm.Chunks[i].Shard = to
	cm.Version++
	if err := s.put(cm); err != nil {
		return nil, err
	}
	return clone(cm), nil
}

func (s *Store) BeginReshard(ns, opID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, err := s.load(ns)
	if err != nil {
		return err
	}
	switch cur.ReshardingOp {
	case opID:
		return nil
	case "":
	default:
		return cmn.NewErrConflictingOperation(ns, cur.ReshardingOp, "resharding")
	}
	cm := clone(cur)
	cm.ReshardingOp = opID
	return s.put(cm)
}

func (s *Store) EndReshard(ns, opID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, err := s.load(ns)
	if err != nil {
		if cmn.IsErrNamespaceNotFound(err) {
			return nil
		}
		return err
	}
	if cur.ReshardingOp != opID {
		return nil
	}
	cm := clone(cur)
	cm.ReshardingOp = ""
	return s.put(cm)
}

// Package shard is the per-shard storage stand-in
/*
 * Copyright (c) 2018-2026, NVIDIA CORPORATION. All rights reserved.
 */
package shard

import (
	"context"
	"time"

	"github.com/NVIDIA/reshard/cmn"
	"github.com/NVIDIA/reshard/cmn/nlog"
	"github.com/NVIDIA/reshard/core/meta"
	"github.com/NVIDIA/reshard/stats"
	"github.com/NVIDIA/reshard/xact"

	"go.mongodb.org/mongo-driver/bson"
)

const prepareWaitInterval = 10 * time.Millisecond

type (
	// MigrateHooks are test pause points
	MigrateHooks struct {
		AfterClone func(ctx context.Context) // before entering the critical section
	}

	migration struct {
		src, dst *Node
		hooks    *MigrateHooks
		chunk    meta.Chunk
		ns       string
		holder   string
		startTS  meta.Timestamp
		startSeq int64
	}
)

// MoveChunk migrates the [lo, hi) chunk of ns from this shard to dst:
//  1. clone the documents in range
//  2. copy the transaction ledger entries that touched the range as dead-ends
//  3. critical section: block writes, wait out prepared transactions, transfer
//     the remaining modifications and ledger entries
//  4. commit the ownership change in the catalog
//  5. delete the range here and release the critical section
func (n *Node) MoveChunk(ctx context.Context, ns string, lo, hi meta.Key, dst *Node, hooks *MigrateHooks) error {
	cm, err := n.cat.Get(ns)
	if err != nil {
		return err
	}
	i := cm.Chunks.Find(lo, hi)
	if i < 0 {
		return cmn.NewErrInvalidOptions("%s: no chunk [%s, %s)", ns, lo, hi)
	}
	if cm.ReshardingOp != "" {
		return cmn.NewErrConflictingOperation(ns, cm.ReshardingOp, "chunk migration")
	}
	if cm.Chunks[i].Shard != n.id {
		return cmn.NewErrInvalidOptions("%s: chunk %s is not owned by %s", ns, cm.Chunks[i].String(), n.id)
	}
	if hooks == nil {
		hooks = &MigrateHooks{}
	}
	m := &migration{
		src:    n,
		dst:    dst,
		hooks:  hooks,
		ns:     ns,
		chunk:  cm.Chunks[i],
		holder: xact.KindMoveChunk + ":" + string(n.id) + "=>" + string(dst.id),
	}
	return m.run(ctx, cm.Key, cm.UUID)
}

func (m *migration) run(ctx context.Context, kp meta.KeyPattern, uuid string) error {
	if err := m.dst.CreateCollection(m.ns, uuid); err != nil {
		return err
	}
	// 1. clone
	docs, err := m.clone(kp)
	if err != nil {
		return err
	}
	m.dst.putAll(m.ns, docs)

	// 2. ledger, first pass
	if _, err := m.dst.ledger.ImportDeadEnds(m.src.ledger.EntriesFor(m.ns, m.chunk.Contains, 0)); err != nil {
		return err
	}
	if m.hooks.AfterClone != nil {
		m.hooks.AfterClone(ctx)
	}

	// 3. critical section
	m.src.BlockWrites(m.ns, m.holder, "chunk migration critical section")
	defer m.src.UnblockWrites(m.ns, m.holder)
	if err := m.src.WaitPrepared(ctx, m.ns); err != nil {
		return err
	}
	if err := m.transferMods(kp); err != nil {
		return err
	}
	if _, err := m.dst.ledger.ImportDeadEnds(m.src.ledger.EntriesFor(m.ns, m.chunk.Contains, m.startSeq)); err != nil {
		return err
	}

	// 4. commit
	if _, err := m.src.cat.MoveChunk(m.ns, m.chunk.Min, m.chunk.Max, m.dst.id); err != nil {
		return err
	}

	// 5. range deletion
	cnt := m.src.deleteRange(m.ns, kp, m.chunk.Contains)
	m.src.stats.Inc(stats.ChunkMigrations)
	nlog.Infoln(m.ns+":", "migrated chunk", m.chunk.String(), m.src.id, "=>", m.dst.id, "documents:", len(docs), "deleted:", cnt)
	return nil
}

// snapshot of the documents in range, along with the oplog and ledger positions
func (m *migration) clone(kp meta.KeyPattern) ([]bson.D, error) {
	n := m.src
	n.mu.RLock()
	defer n.mu.RUnlock()
	m.startTS = n.clock.Last()
	m.startSeq = n.ledger.Seq()
	c := n.colls[m.ns]
	if c == nil {
		return nil, nil
	}
	docs := make([]bson.D, 0, len(c.docs))
	for _, r := range c.docs {
		k, err := kp.Extract(r.doc)
		if err != nil {
			return nil, err
		}
		if m.chunk.Contains(k) {
			docs = append(docs, cloneDoc(r.doc))
		}
	}
	return docs, nil
}

// modifications made in range since the clone snapshot
func (m *migration) transferMods(kp meta.KeyPattern) error {
	var (
		after = m.startTS
		limit = cmn.GCO.Get().Reshard.OplogBatch
	)
	for {
		entries, scanned, _ := m.src.FetchOplog(m.ns, after, limit)
		for i := range entries {
			e := &entries[i]
			if e.Doc == nil {
				continue
			}
			k, err := kp.Extract(e.Doc)
			if err != nil {
				return err
			}
			// a document whose post-image left the range stays behind on the source
			if e.Op == meta.OpDelete || !m.chunk.Contains(k) {
				m.dst.removeDoc(m.ns, e.ID)
			} else {
				m.dst.putAll(m.ns, []bson.D{e.Doc})
			}
		}
		if len(entries) < limit {
			return nil
		}
		after = scanned
	}
}

// WaitPrepared waits until no internal transaction on ns is prepared here;
// new ones cannot prepare while writes are blocked
func (n *Node) WaitPrepared(ctx context.Context, ns string) error {
	for {
		n.mu.RLock()
		var pending bool
		for _, req := range n.prepared {
			if req.NS == ns {
				pending = true
				break
			}
		}
		n.mu.RUnlock()
		if !pending {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(prepareWaitInterval):
		}
	}
}

// migration writes bypass the oplog
func (n *Node) putAll(ns string, docs []bson.D) {
	n.mu.Lock()
	c := n.ensure(ns)
	for _, doc := range docs {
		id, _ := docID(doc)
		c.put(id, &record{doc: cloneDoc(doc)})
	}
	n.mu.Unlock()
}

func (n *Node) removeDoc(ns string, id any) {
	n.mu.Lock()
	if c := n.colls[ns]; c != nil {
		delete(c.docs, docKey(id))
	}
	n.mu.Unlock()
}

func (n *Node) deleteRange(ns string, kp meta.KeyPattern, in func(meta.Key) bool) (cnt int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := n.colls[ns]
	if c == nil {
		return 0
	}
	for key, r := range c.docs {
		if k, err := kp.Extract(r.doc); err == nil && in(k) {
			delete(c.docs, key)
			cnt++
		}
	}
	return cnt
}

// Package shard is the per-shard storage stand-in: collections, oplog, write
// blocking, retryable writes, and internal two-phase transactions
/*
 * Copyright (c) 2018-2026, NVIDIA CORPORATION. All rights reserved.
 */
package shard

import (
	"context"
	"sort"
	"sync"

	"github.com/NVIDIA/reshard/catalog"
	"github.com/NVIDIA/reshard/cmn"
	"github.com/NVIDIA/reshard/cmn/cos"
	"github.com/NVIDIA/reshard/cmn/debug"
	"github.com/NVIDIA/reshard/cmn/nlog"
	"github.com/NVIDIA/reshard/core/meta"
	"github.com/NVIDIA/reshard/dbdriver"
	"github.com/NVIDIA/reshard/stats"
	"github.com/NVIDIA/reshard/txn"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

type (
	record struct {
		doc    bson.D
		origin meta.ShardID // resharding: donor the document was received from
	}
	coll struct {
		docs  map[string]*record
		stash map[meta.ShardID]map[string]bson.D // resharding: conflicting images, per donor
		uuid  string
	}

	Node struct {
		cat      catalog.Catalog
		ledger   *txn.Ledger
		stats    *stats.Tracker
		colls    map[string]*coll
		blocked  map[string]map[string]string // ns => holder => reason
		prepared map[string]*txn.TxnRequest   // lsid => prepared internal transaction
		id       meta.ShardID
		oplog    []meta.OplogEntry
		clock    meta.Clock
		mu       sync.RWMutex
	}
)

// interface guard
var _ txn.Shard = (*Node)(nil)

func NewNode(id meta.ShardID, cat catalog.Catalog, db dbdriver.Driver, tracker *stats.Tracker) (*Node, error) {
	ledger, err := txn.NewLedger(string(id), db, tracker)
	if err != nil {
		return nil, err
	}
	return &Node{
		id:       id,
		cat:      cat,
		ledger:   ledger,
		stats:    tracker,
		colls:    make(map[string]*coll, 4),
		blocked:  make(map[string]map[string]string, 2),
		prepared: make(map[string]*txn.TxnRequest, 2),
	}, nil
}

func (n *Node) ID() meta.ShardID    { return n.id }
func (n *Node) String() string      { return string(n.id) }
func (n *Node) Ledger() *txn.Ledger { return n.ledger }

func newColl(uuid string) *coll       { return &coll{uuid: uuid, docs: make(map[string]*record, 64)} }
func (c *coll) get(id any) *record    { return c.docs[docKey(id)] }
func (c *coll) put(id any, r *record) { c.docs[docKey(id)] = r }

// docKey normalizes _id values so that numerically equal ids collide
func docKey(id any) string {
	switch v := id.(type) {
	case int:
		if v >= -1<<31 && v < 1<<31 {
			id = int32(v)
		}
	case int64:
		if v >= -1<<31 && v < 1<<31 {
			id = int32(v)
		}
	}
	typ, data, err := bson.MarshalValue(id)
	debug.AssertNoErr(err)
	return string([]byte{byte(typ)}) + string(data)
}

func docID(doc bson.D) (any, bool) { return meta.GetPath(doc, "_id") }

func matches(doc, filter bson.D) bool {
	for _, e := range filter {
		v, ok := meta.GetPath(doc, e.Key)
		if !ok {
			if e.Value != nil {
				return false
			}
			continue
		}
		if meta.CompareValues(v, e.Value) != 0 {
			return false
		}
	}
	return true
}

func cloneDoc(doc bson.D) bson.D {
	out := make(bson.D, len(doc))
	copy(out, doc)
	return out
}

// under lock
func (n *Node) log(op, ns string, id any, doc bson.D) meta.Timestamp {
	e := meta.OplogEntry{TS: n.clock.Now(), Op: op, NS: ns, ID: id, Doc: doc}
	n.oplog = append(n.oplog, e)
	return e.TS
}

// under lock
func (n *Node) writable(ns string) error {
	for _, reason := range n.blocked[ns] {
		return cmn.NewErrWritesBlocked(ns, reason)
	}
	return nil
}

// under lock; collection UUIDs of sharded collections come from the catalog
func (n *Node) ensure(ns string) *coll {
	if c, ok := n.colls[ns]; ok {
		return c
	}
	uuid := cos.GenUUID()
	if cm, err := n.cat.Get(ns); err == nil {
		uuid = cm.UUID
	}
	c := newColl(uuid)
	n.colls[ns] = c
	return c
}

// shard key values (under the current key) for the ledger
func (n *Node) keysOf(ns string, docs ...bson.D) []meta.Key {
	cm, err := n.cat.Get(ns)
	if err != nil {
		return nil
	}
	keys := make([]meta.Key, 0, len(docs))
	for _, doc := range docs {
		if k, err := cm.Key.Extract(doc); err == nil {
			keys = append(keys, k)
		}
	}
	return keys
}

// under lock
func (n *Node) remember(sess *txn.Session, kind, ns string, res *txn.UpdateResult, docs ...bson.D) error {
	if !sess.Retryable() {
		return nil
	}
	e := &txn.Entry{
		LSID:   sess.LSID,
		TxnNum: sess.TxnNum,
		Kind:   kind,
		NS:     ns,
		Keys:   n.keysOf(ns, docs...),
		Result: res,
		TS:     n.clock.Last(),
	}
	return n.ledger.Record(e)
}

//
// CRUD
//

func (n *Node) Insert(_ context.Context, req *txn.InsertRequest) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if e, err := n.ledger.Check(&req.Session); err != nil || e != nil {
		return err
	}
	if err := n.writable(req.NS); err != nil {
		return err
	}
	doc := cloneDoc(req.Doc)
	id, ok := docID(doc)
	if !ok {
		id = primitive.NewObjectID()
		doc = append(bson.D{{Key: "_id", Value: id}}, doc...)
	}
	c := n.ensure(req.NS)
	if c.get(id) != nil {
		return cos.NewErrAlreadyExists(n, "document "+meta.Key{id}.String()+" in "+req.NS)
	}
	c.put(id, &record{doc: doc})
	n.log(meta.OpInsert, req.NS, id, doc)
	return n.remember(&req.Session, txn.KindRetryableWrite, req.NS, &txn.UpdateResult{N: 1}, doc)
}

func (n *Node) Update(_ context.Context, req *txn.UpdateRequest) (*txn.UpdateResult, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	e, err := n.ledger.Check(&req.Session)
	if err != nil {
		return nil, err
	}
	if e != nil {
		res := *e.Result
		return &res, nil
	}
	if err := n.writable(req.NS); err != nil {
		return nil, err
	}
	var (
		res = &txn.UpdateResult{}
		c   = n.colls[req.NS]
		rec *record
	)
	if c != nil {
		for _, r := range c.docs {
			if matches(r.doc, req.Filter) {
				rec = r
				break
			}
		}
	}
	if rec == nil {
		return res, nil // not recorded: the same statement may still target another shard
	}

	pre, post := rec.doc, rec.doc
	for _, e := range req.Set {
		if e.Key == "_id" {
			return nil, cmn.NewErrInvalidOptions("%s: _id is immutable", req.NS)
		}
		post = meta.SetPath(post, e.Key, e.Value)
	}
	if cm, err := n.cat.Get(req.NS); err == nil {
		preKey, err := cm.Key.Extract(pre)
		if err != nil {
			return nil, err
		}
		postKey, err := cm.Key.Extract(post)
		if err != nil {
			return nil, err
		}
		if meta.Compare(preKey, postKey) != 0 {
			if c := cm.Chunks.Lookup(postKey); c != nil && c.Shard != n.id {
				return nil, &txn.ErrWouldChangeOwningShard{NS: req.NS, Pre: cloneDoc(pre), Post: post}
			}
		}
	}
	id, _ := docID(pre)
	rec.doc = post
	res.N = 1
	if !docsEqual(pre, post) {
		res.NModified = 1
		n.log(meta.OpUpdate, req.NS, id, post)
	}
	return res, n.remember(&req.Session, txn.KindRetryableWrite, req.NS, res, pre, post)
}

func docsEqual(a, b bson.D) bool {
	return len(a) == len(b) && meta.CompareValues(a, b) == 0
}

func (n *Node) Delete(_ context.Context, req *txn.DeleteRequest) (int, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	e, err := n.ledger.Check(&req.Session)
	if err != nil {
		return 0, err
	}
	if e != nil {
		return e.Result.N, nil
	}
	if err := n.writable(req.NS); err != nil {
		return 0, err
	}
	var deleted []bson.D
	if c := n.colls[req.NS]; c != nil {
		for k, r := range c.docs {
			if matches(r.doc, req.Filter) {
				delete(c.docs, k)
				id, _ := docID(r.doc)
				n.log(meta.OpDelete, req.NS, id, r.doc)
				deleted = append(deleted, r.doc)
			}
		}
	}
	res := &txn.UpdateResult{N: len(deleted)}
	return res.N, n.remember(&req.Session, txn.KindRetryableWrite, req.NS, res, deleted...)
}

func (n *Node) Find(_ context.Context, ns string, filter bson.D) ([]bson.D, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	c := n.colls[ns]
	if c == nil {
		return nil, nil
	}
	out := make([]bson.D, 0, 8)
	for _, r := range c.docs {
		if matches(r.doc, filter) {
			out = append(out, cloneDoc(r.doc))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, _ := docID(out[i])
		b, _ := docID(out[j])
		return meta.CompareValues(a, b) < 0
	})
	return out, nil
}

// Count returns the number of documents in ns
func (n *Node) Count(ns string) int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if c := n.colls[ns]; c != nil {
		return len(c.docs)
	}
	return 0
}

//
// internal two-phase transactions
//

func (n *Node) PrepareTxn(_ context.Context, req *txn.TxnRequest) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if p, ok := n.prepared[req.LSID]; ok && p.TxnNum == req.TxnNum {
		return nil
	}
	e, err := n.ledger.Check(&req.Session)
	if err != nil {
		return err
	}
	if e != nil {
		return cmn.NewErrIncompleteTxnHistory(req.LSID, req.TxnNum, string(n.id))
	}
	if err := n.writable(req.NS); err != nil {
		return err
	}
	c := n.ensure(req.NS)
	for _, op := range req.Ops {
		id, ok := docID(op.Doc)
		if !ok {
			return cmn.NewErrInvalidOptions("%s: transaction statement without _id", req.NS)
		}
		switch op.Kind {
		case txn.OpDelete:
			if c.get(id) == nil {
				return cos.NewErrNotFound(n, "document "+meta.Key{id}.String()+" in "+req.NS)
			}
		case txn.OpInsert:
			if c.get(id) != nil {
				return cos.NewErrAlreadyExists(n, "document "+meta.Key{id}.String()+" in "+req.NS)
			}
		default:
			return cmn.NewErrInvalidOptions("unknown transaction statement %q", op.Kind)
		}
	}
	n.prepared[req.LSID] = req
	return nil
}

func (n *Node) CommitTxn(_ context.Context, sess txn.Session) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	req, ok := n.prepared[sess.LSID]
	if !ok || req.TxnNum != sess.TxnNum {
		if e, ok := n.ledger.Get(sess.LSID); ok && e.TxnNum == sess.TxnNum && e.Kind == txn.KindTxnCommitted {
			return nil // already committed
		}
		return cmn.NewErrInvalidOptions("%s: no prepared transaction %s", n.id, sess.String())
	}
	var (
		c    = n.ensure(req.NS)
		docs = make([]bson.D, 0, len(req.Ops))
	)
	for _, op := range req.Ops {
		id, _ := docID(op.Doc)
		switch op.Kind {
		case txn.OpDelete:
			delete(c.docs, docKey(id))
			n.log(meta.OpDelete, req.NS, id, op.Doc)
		case txn.OpInsert:
			c.put(id, &record{doc: cloneDoc(op.Doc)})
			n.log(meta.OpInsert, req.NS, id, op.Doc)
		}
		docs = append(docs, op.Doc)
	}
	delete(n.prepared, sess.LSID)
	nlog.Infoln(n.id, "committed internal transaction", sess.String(), "on", req.NS)
	return n.remember(&req.Session, txn.KindTxnCommitted, req.NS, nil, docs...)
}

func (n *Node) AbortTxn(_ context.Context, sess txn.Session) error {
	n.mu.Lock()
	if req, ok := n.prepared[sess.LSID]; ok && req.TxnNum == sess.TxnNum {
		delete(n.prepared, sess.LSID)
	}
	n.mu.Unlock()
	return nil
}

// Package shard is the per-shard storage stand-in
/*
 * Copyright (c) 2018-2026, NVIDIA CORPORATION. All rights reserved.
 */
package shard

import (
	"sort"

	"github.com/NVIDIA/reshard/cmn"
	"github.com/NVIDIA/reshard/cmn/cos"
	"github.com/NVIDIA/reshard/cmn/nlog"
	"github.com/NVIDIA/reshard/core/meta"

	"go.mongodb.org/mongo-driver/bson"
)

// collection catalog, write blocking, oplog, and the primitives that resharding
// donors and recipients run on

func (n *Node) CollUUID(ns string) (string, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if c, ok := n.colls[ns]; ok {
		return c.uuid, true
	}
	return "", false
}

// CreateCollection is idempotent for the same UUID
func (n *Node) CreateCollection(ns, uuid string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if c, ok := n.colls[ns]; ok {
		if c.uuid == uuid {
			return nil
		}
		return cos.NewErrAlreadyExists(n, "collection "+ns+" (uuid "+c.uuid+")")
	}
	n.colls[ns] = newColl(uuid)
	return nil
}

// DropCollection drops ns only if it is still the collection identified by uuid
// (empty uuid: unconditionally); dropping a missing collection is a no-op
func (n *Node) DropCollection(ns, uuid string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	c, ok := n.colls[ns]
	if !ok || (uuid != "" && c.uuid != uuid) {
		return false
	}
	delete(n.colls, ns)
	nlog.Infoln(n.id, "dropped", ns, "uuid", c.uuid)
	return true
}

// RenameCollection replaces `to` with `from` provided `from` carries the
// expected uuid; repeating a completed rename is a no-op
func (n *Node) RenameCollection(from, to, uuid string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	c, ok := n.colls[from]
	if !ok {
		if dst, ok := n.colls[to]; ok && dst.uuid == uuid {
			return nil
		}
		return cos.NewErrNotFound(n, "collection "+from)
	}
	if c.uuid != uuid {
		return cmn.NewErrInvalidOptions("%s: rename %s: uuid %s does not match %s", n.id, from, c.uuid, uuid)
	}
	for donor, stash := range c.stash {
		if len(stash) > 0 {
			nlog.Warningln(n.id, "rename", from, "with", len(stash), "stashed documents from", donor)
		}
	}
	c.stash = nil
	for _, r := range c.docs {
		r.origin = ""
	}
	delete(n.colls, from)
	n.colls[to] = c
	nlog.Infoln(n.id, "renamed", from, "=>", to, "uuid", uuid)
	return nil
}

//
// write blocking
//

func (n *Node) BlockWrites(ns, holder, reason string) {
	n.mu.Lock()
	holders, ok := n.blocked[ns]
	if !ok {
		holders = make(map[string]string, 1)
		n.blocked[ns] = holders
	}
	holders[holder] = reason
	n.mu.Unlock()
}

func (n *Node) UnblockWrites(ns, holder string) {
	n.mu.Lock()
	if holders, ok := n.blocked[ns]; ok {
		delete(holders, holder)
		if len(holders) == 0 {
			delete(n.blocked, ns)
		}
	}
	n.mu.Unlock()
}

func (n *Node) WritesBlocked(ns string) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.blocked[ns]) > 0
}

//
// oplog
//

func (n *Node) LogNoop(ns string) meta.Timestamp {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.log(meta.OpNoop, ns, nil, nil)
}

// LogFinal writes the "no more writes" marker; must follow BlockWrites
func (n *Node) LogFinal(ns string) meta.Timestamp {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.log(meta.OpFinal, ns, nil, nil)
}

func (n *Node) OplogHead() meta.Timestamp { return n.clock.Last() }

// FetchOplog returns up to limit entries of ns newer than `after`, the position
// the scan reached (a resume point even when nothing matched), and the head
func (n *Node) FetchOplog(ns string, after meta.Timestamp, limit int) (entries []meta.OplogEntry, scanned, head meta.Timestamp) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	head = n.clock.Last()
	scanned = head
	i := sort.Search(len(n.oplog), func(i int) bool { return after.Less(n.oplog[i].TS) })
	for ; i < len(n.oplog); i++ {
		e := &n.oplog[i]
		if e.NS != ns {
			continue
		}
		if len(entries) >= limit {
			scanned = entries[len(entries)-1].TS
			break
		}
		entries = append(entries, *e)
	}
	return entries, scanned, head
}

//
// cloning
//

// ScanDocs returns up to limit documents of ns in _id order, starting after
// the given _id (nil: from the beginning), that satisfy `keep`
func (n *Node) ScanDocs(ns string, after any, limit int, keep func(bson.D) bool) (docs []bson.D, last any, done bool) {
	n.mu.RLock()
	c := n.colls[ns]
	if c == nil {
		n.mu.RUnlock()
		return nil, nil, true
	}
	all := make([]bson.D, 0, len(c.docs))
	for _, r := range c.docs {
		all = append(all, r.doc)
	}
	n.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		a, _ := docID(all[i])
		b, _ := docID(all[j])
		return meta.CompareValues(a, b) < 0
	})
	i := 0
	if after != nil {
		i = sort.Search(len(all), func(i int) bool {
			id, _ := docID(all[i])
			return meta.CompareValues(id, after) > 0
		})
	}
	for ; i < len(all); i++ {
		last, _ = docID(all[i])
		if keep == nil || keep(all[i]) {
			docs = append(docs, cloneDoc(all[i]))
			if len(docs) >= limit {
				return docs, last, i == len(all)-1
			}
		}
	}
	return docs, last, true
}

// SampleKeys returns up to num evenly spaced values of the given key over ns
func (n *Node) SampleKeys(ns string, kp meta.KeyPattern, num int) ([]meta.Key, error) {
	n.mu.RLock()
	c := n.colls[ns]
	if c == nil {
		n.mu.RUnlock()
		return nil, nil
	}
	keys := make([]meta.Key, 0, len(c.docs))
	for _, r := range c.docs {
		k, err := kp.Extract(r.doc)
		if err != nil {
			n.mu.RUnlock()
			return nil, err
		}
		keys = append(keys, k)
	}
	n.mu.RUnlock()

	sort.Slice(keys, func(i, j int) bool { return meta.Compare(keys[i], keys[j]) < 0 })
	if len(keys) <= num {
		return keys, nil
	}
	out := make([]meta.Key, 0, num)
	for i := range num {
		out = append(out, keys[i*len(keys)/num])
	}
	return out, nil
}

// ApplyFrom applies one cloned document or oplog entry received from `origin`.
// Documents from different donors may share an _id; the resident document wins
// and the other is stashed per donor until the resident one goes away.
func (n *Node) ApplyFrom(ns string, origin meta.ShardID, op string, id any, doc bson.D) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	c, ok := n.colls[ns]
	if !ok {
		return cos.NewErrNotFound(n, "collection "+ns)
	}
	var (
		key = docKey(id)
		rec = c.docs[key]
	)
	switch op {
	case meta.OpInsert, meta.OpUpdate:
		if rec == nil || rec.origin == origin {
			c.docs[key] = &record{doc: cloneDoc(doc), origin: origin}
			return nil
		}
		if c.stash == nil {
			c.stash = make(map[meta.ShardID]map[string]bson.D, 2)
		}
		stash, ok := c.stash[origin]
		if !ok {
			stash = make(map[string]bson.D, 4)
			c.stash[origin] = stash
		}
		stash[key] = cloneDoc(doc)
	case meta.OpDelete:
		if rec != nil && rec.origin == origin {
			delete(c.docs, key)
			for donor, stash := range c.stash {
				if d, ok := stash[key]; ok {
					delete(stash, key)
					c.docs[key] = &record{doc: d, origin: donor}
					break
				}
			}
			return nil
		}
		if stash, ok := c.stash[origin]; ok {
			delete(stash, key)
		}
	default:
		return cmn.NewErrInvalidOptions("%s: cannot apply %q", ns, op)
	}
	return nil
}

// Stashed returns the number of conflicting documents held back
func (n *Node) Stashed(ns string) (cnt int) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if c := n.colls[ns]; c != nil {
		for _, stash := range c.stash {
			cnt += len(stash)
		}
	}
	return cnt
}

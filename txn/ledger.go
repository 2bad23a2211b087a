// Package txn implements retryable writes, shard-key-changing update upgrades
// into internal two-phase transactions, and the per-shard transaction ledger.
/*
 * Copyright (c) 2018-2026, NVIDIA CORPORATION. All rights reserved.
 */
package txn

import (
	"sync"

	"github.com/NVIDIA/reshard/cmn"
	"github.com/NVIDIA/reshard/cmn/nlog"
	"github.com/NVIDIA/reshard/core/meta"
	"github.com/NVIDIA/reshard/dbdriver"
	"github.com/NVIDIA/reshard/stats"
)

const collTransactions = "config.transactions"

// ledger entry kinds
const (
	// a plain retryable write executed here; a retry returns the saved result
	KindRetryableWrite = "retryable-write"
	// a committed (internal) transaction; a retry of the original statement
	// cannot be answered from history
	KindTxnCommitted = "txn-committed"
	// imported by chunk migration: "already used, do not replay"
	KindDeadEnd = "dead-end"
)

type (
	// Entry is the latest transaction of one session on this shard
	Entry struct {
		LSID   string         `bson:"_id"`
		Kind   string         `bson:"kind"`
		NS     string         `bson:"ns"`
		Keys   []meta.Key     `bson:"keys,omitempty"` // shard key values touched (under the key at the time)
		Result *UpdateResult  `bson:"result,omitempty"`
		TxnNum int64          `bson:"txnNum"`
		Seq    int64          `bson:"seq"` // ledger write sequence
		TS     meta.Timestamp `bson:"ts"`
	}

	// Ledger is the config.transactions equivalent: one entry per session,
	// keyed by lsid, persisted in the shard-local store
	Ledger struct {
		db      dbdriver.Driver
		entries map[string]*Entry
		stats   *stats.Tracker
		where   string
		seq     int64
		mu      sync.RWMutex
	}
)

func NewLedger(where string, db dbdriver.Driver, tracker *stats.Tracker) (*Ledger, error) {
	l := &Ledger{db: db, where: where, stats: tracker, entries: make(map[string]*Entry, 16)}
	all, err := db.GetAll(collTransactions, "")
	if err != nil {
		return nil, err
	}
	for lsid, val := range all {
		e := &Entry{}
		if err := dbdriver.Decode(val, e); err != nil {
			return nil, cmn.NewErrFailedTo(where, "load", "transaction ledger entry "+lsid, err)
		}
		l.entries[lsid] = e
		l.seq = max(l.seq, e.Seq)
	}
	return l, nil
}

// Check returns the recorded entry if this exact (lsid, txnNum) has already
// executed as a plain retryable write, nil if the statement may execute, or:
//   - ErrTxnTooOld if the session has moved on to a newer txnNum
//   - ErrIncompleteTxnHistory if it committed as a transaction here or was
//     carried here as a dead-end by chunk migration
func (l *Ledger) Check(sess *Session) (*Entry, error) {
	if !sess.Retryable() {
		return nil, nil
	}
	l.mu.RLock()
	e, ok := l.entries[sess.LSID]
	l.mu.RUnlock()
	switch {
	case !ok || e.TxnNum < sess.TxnNum:
		return nil, nil
	case e.TxnNum > sess.TxnNum:
		return nil, cmn.NewErrTxnTooOld(sess.LSID, sess.TxnNum, e.TxnNum)
	case e.Kind == KindRetryableWrite:
		return e, nil
	}
	l.stats.Inc(stats.IncompleteHistory)
	return nil, cmn.NewErrIncompleteTxnHistory(sess.LSID, sess.TxnNum, l.where)
}

// Record persists the entry (superseding older txnNums of the same session)
func (l *Ledger) Record(e *Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if prev, ok := l.entries[e.LSID]; ok && prev.TxnNum > e.TxnNum {
		return cmn.NewErrTxnTooOld(e.LSID, e.TxnNum, prev.TxnNum)
	}
	l.seq++
	e.Seq = l.seq
	if err := l.db.Set(collTransactions, e.LSID, e); err != nil {
		l.seq--
		return err
	}
	l.entries[e.LSID] = e
	return nil
}

func (l *Ledger) Get(lsid string) (*Entry, bool) {
	l.mu.RLock()
	e, ok := l.entries[lsid]
	l.mu.RUnlock()
	if !ok {
		return nil, false
	}
	clone := *e
	return &clone, true
}

// Seq returns the current ledger sequence (chunk migration high-water mark)
func (l *Ledger) Seq() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.seq
}

// EntriesFor selects entries of the namespace written after afterSeq that
// touched at least one key matching `in`
func (l *Ledger) EntriesFor(ns string, in func(meta.Key) bool, afterSeq int64) []*Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []*Entry
	for _, e := range l.entries {
		if e.NS != ns || e.Seq <= afterSeq {
			continue
		}
		for _, k := range e.Keys {
			if in(k) {
				clone := *e
				out = append(out, &clone)
				break
			}
		}
	}
	return out
}

// EntriesOf selects every entry of the namespace written after afterSeq
// (resharding: keys recorded under the old shard key do not route)
func (l *Ledger) EntriesOf(ns string, afterSeq int64) []*Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []*Entry
	for _, e := range l.entries {
		if e.NS == ns && e.Seq > afterSeq {
			clone := *e
			out = append(out, &clone)
		}
	}
	return out
}

// ImportDeadEnds records migrated entries as permanent dead-ends unless this
// shard already knows the same or a newer transaction of the session
func (l *Ledger) ImportDeadEnds(entries []*Entry) (n int, err error) {
	for _, e := range entries {
		l.mu.RLock()
		prev, ok := l.entries[e.LSID]
		l.mu.RUnlock()
		if ok && prev.TxnNum >= e.TxnNum {
			continue
		}
		dead := &Entry{LSID: e.LSID, TxnNum: e.TxnNum, Kind: KindDeadEnd, NS: e.NS, Keys: e.Keys, TS: e.TS}
		if err = l.Record(dead); err != nil {
			return n, err
		}
		n++
	}
	if n > 0 {
		l.stats.Add(stats.DeadEndsImported, int64(n))
		if nlog.V(4) {
			nlog.Infoln(l.where, "imported", n, "dead-end ledger entries")
		}
	}
	return n, nil
}

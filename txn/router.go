// Package txn implements retryable writes, shard-key-changing update upgrades
// into internal two-phase transactions, and the per-shard transaction ledger.
/*
 * Copyright (c) 2018-2026, NVIDIA CORPORATION. All rights reserved.
 */
package txn

import (
	"context"
	"errors"
	"time"

	"github.com/NVIDIA/reshard/catalog"
	"github.com/NVIDIA/reshard/cmn"
	"github.com/NVIDIA/reshard/cmn/nlog"
	"github.com/NVIDIA/reshard/core/meta"
	"github.com/NVIDIA/reshard/stats"

	"go.mongodb.org/mongo-driver/bson"
)

// Router targets CRUD by shard key using the catalog and upgrades
// shard-key-changing retryable updates into internal transactions
type Router struct {
	cat    catalog.Catalog
	shards Shards
	config *cmn.ReshardConf
	stats  *stats.Tracker
}

func NewRouter(cat catalog.Catalog, shards Shards, config *cmn.Config, tracker *stats.Tracker) *Router {
	return &Router{cat: cat, shards: shards, config: &config.Reshard, stats: tracker}
}

// retry re-resolves routing on every attempt; writes blocked by a resharding
// critical section are retried until ctx is done
func (r *Router) retry(ctx context.Context, f func() error) (err error) {
	sleep := r.config.RetryInterval.D()
	for attempt := 1; ; attempt++ {
		if err = f(); err == nil || !cmn.IsErrRetriable(err) {
			return err
		}
		if attempt >= r.config.RetryMax && !cmn.IsErrWritesBlocked(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return errors.Join(err, ctx.Err())
		case <-time.After(sleep):
		}
		sleep = min(sleep*2, r.config.RetryInterval.D()*8)
	}
}

// targets: the owner of the filter's shard key, or every shard owning a chunk
func targets(cm *meta.CollMeta, filter bson.D) ([]meta.ShardID, error) {
	if !cm.Key.HasFields(filter) {
		return cm.Chunks.Shards(), nil
	}
	owner, err := cm.Owner(filter)
	if err != nil {
		return nil, err
	}
	return []meta.ShardID{owner}, nil
}

func (r *Router) Insert(ctx context.Context, req *InsertRequest) error {
	return r.retry(ctx, func() error {
		cm, err := r.cat.Get(req.NS)
		if err != nil {
			return err
		}
		owner, err := cm.Owner(req.Doc)
		if err != nil {
			return err
		}
		shard, err := r.shards.Get(owner)
		if err != nil {
			return err
		}
		return shard.Insert(ctx, req)
	})
}

func (r *Router) Update(ctx context.Context, req *UpdateRequest) (res *UpdateResult, err error) {
	var wcos *ErrWouldChangeOwningShard
	err = r.retry(ctx, func() error {
		cm, err := r.cat.Get(req.NS)
		if err != nil {
			return err
		}
		ids, err := targets(cm, req.Filter)
		if err != nil {
			return err
		}
		res = &UpdateResult{}
		for _, id := range ids {
			shard, err := r.shards.Get(id)
			if err != nil {
				return err
			}
			out, err := shard.Update(ctx, req)
			if err != nil {
				return err
			}
			if out.N > 0 {
				res = out
				return nil
			}
		}
		return nil
	})
	if err == nil || !errors.As(err, &wcos) {
		return res, err
	}
	if !req.Retryable() {
		return nil, cmn.NewErrInvalidOptions("%s: shard key update that changes the owning shard "+
			"must run as a retryable write", req.NS)
	}
	return r.upgrade(ctx, req, wcos)
}

// upgrade runs the update as {delete on the origin, insert on the destination}
// under the original (lsid, txnNumber)
func (r *Router) upgrade(ctx context.Context, req *UpdateRequest, wcos *ErrWouldChangeOwningShard) (*UpdateResult, error) {
	cm, err := r.cat.Get(req.NS)
	if err != nil {
		return nil, err
	}
	from, err := cm.Owner(wcos.Pre)
	if err != nil {
		return nil, err
	}
	to, err := cm.Owner(wcos.Post)
	if err != nil {
		return nil, err
	}
	var (
		parts = []meta.ShardID{from, to}
		reqs  = []*TxnRequest{
			{Session: req.Session, NS: req.NS, Ops: []TxnOp{{Kind: OpDelete, Doc: wcos.Pre}}},
			{Session: req.Session, NS: req.NS, Ops: []TxnOp{{Kind: OpInsert, Doc: wcos.Post}}},
		}
		shards = make([]Shard, 2)
	)
	for i, id := range parts {
		if shards[i], err = r.shards.Get(id); err != nil {
			return nil, err
		}
	}

	// phase 1: prepare
	for i, shard := range shards {
		err := r.retry(ctx, func() error { return shard.PrepareTxn(ctx, reqs[i]) })
		if err != nil {
			for _, s := range shards[:i+1] {
				if errAbort := s.AbortTxn(ctx, req.Session); errAbort != nil {
					nlog.Warningln("txn", req.Session.String(), "abort on", s.ID(), "failed:", errAbort)
				}
			}
			return nil, err
		}
	}

	// phase 2: commit (decided; retried until it sticks)
	for _, shard := range shards {
		for {
			err := r.retry(ctx, func() error { return shard.CommitTxn(ctx, req.Session) })
			if err == nil {
				break
			}
			if ctx.Err() != nil {
				return nil, err
			}
			nlog.Errorln("txn", req.Session.String(), "commit on", shard.ID(), "failed (will retry):", err)
		}
	}
	r.stats.Inc(stats.TxnUpgrades)
	if nlog.V(4) {
		nlog.Infoln("txn", req.Session.String(), req.NS+":", "moved document", from, "=>", to)
	}
	return &UpdateResult{N: 1, NModified: 1, Upgraded: true}, nil
}

func (r *Router) Delete(ctx context.Context, req *DeleteRequest) (n int, err error) {
	err = r.retry(ctx, func() error {
		cm, err := r.cat.Get(req.NS)
		if err != nil {
			return err
		}
		ids, err := targets(cm, req.Filter)
		if err != nil {
			return err
		}
		n = 0
		for _, id := range ids {
			shard, err := r.shards.Get(id)
			if err != nil {
				return err
			}
			cnt, err := shard.Delete(ctx, req)
			if err != nil {
				return err
			}
			n += cnt
		}
		return nil
	})
	return n, err
}

// Find scatters to every shard owning a chunk of the collection
func (r *Router) Find(ctx context.Context, ns string, filter bson.D) (docs []bson.D, err error) {
	err = r.retry(ctx, func() error {
		cm, err := r.cat.Get(ns)
		if err != nil {
			return err
		}
		docs = docs[:0]
		for _, id := range cm.Chunks.Shards() {
			shard, err := r.shards.Get(id)
			if err != nil {
				return err
			}
			out, err := shard.Find(ctx, ns, filter)
			if err != nil {
				return err
			}
			docs = append(docs, out...)
		}
		return nil
	})
	return docs, err
}

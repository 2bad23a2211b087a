// Package reshard implements online resharding: the coordinator state machine,
// its donor and recipient participants, the commit monitor, and abort.
/*
 * Copyright (c) 2018-2026, NVIDIA CORPORATION. All rights reserved.
 */
package reshard

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/NVIDIA/reshard/cmn"
	"github.com/NVIDIA/reshard/cmn/mono"
	"github.com/NVIDIA/reshard/cmn/nlog"
	"github.com/NVIDIA/reshard/core/meta"
	"github.com/NVIDIA/reshard/nl"
	"github.com/NVIDIA/reshard/stats"

	"golang.org/x/sync/errgroup"
)

const maxBackoffFactor = 8

// retry runs f until it succeeds, fails with a non-retriable error, or the
// attempts are exhausted; before each retry `refresh` is called and the
// interval doubles (up to maxBackoffFactor times the configured one)
func retry(ctx context.Context, config *cmn.ReshardConf, refresh func(attempt int, err error), f func(ctx context.Context) error) (err error) {
	sleep := config.RetryInterval.D()
	for attempt := 1; ; attempt++ {
		actx, cancel := context.WithTimeout(ctx, config.RPCTimeout.D())
		err = f(actx)
		cancel()
		if err == nil || ctx.Err() != nil {
			return err
		}
		if !cmn.IsErrRetriable(err) && !errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		if attempt >= config.RetryMax {
			return err
		}
		if refresh != nil {
			refresh(attempt, err)
		}
		select {
		case <-ctx.Done():
			return err
		case <-time.After(sleep):
		}
		sleep = min(sleep*2, config.RetryInterval.D()*maxBackoffFactor)
	}
}

// call delivers one request, re-resolving the shard's primary before each retry
func (c *Coordinator) call(ctx context.Context, shard meta.ShardID, req *Request) (*Report, error) {
	var (
		rep     *Report
		config  = cmn.GCO.Get()
		refresh = func(attempt int, err error) {
			c.reg.Refresh(shard)
			c.stats.IncWith(stats.ReshardRPCRetries, stats.VlabRPC, string(req.Kind))
			if nlog.V(4) {
				nlog.Infoln(req.String(), "=>", shard, "attempt", attempt, "failed:", err)
			}
		}
	)
	err := retry(ctx, &config.Reshard, refresh, func(ctx context.Context) (err error) {
		rep, err = c.parts.Call(ctx, shard, req)
		return err
	})
	if err != nil {
		c.stats.IncWith(stats.ReshardRPCErrors, stats.VlabRPC, string(req.Kind))
		return nil, err
	}
	return rep, nil
}

// bcast delivers one phase instruction to every listed shard in parallel; on
// error, the returned reports are those of the shards that did acknowledge
func (c *Coordinator) bcast(ctx context.Context, opID string, kind Kind, shards []meta.ShardID,
	mk func(shard meta.ShardID) *Request) (map[meta.ShardID]*Report, error) {
	var (
		reports = make(map[meta.ShardID]*Report, len(shards))
		nlb     = nl.NewNLB(opID, string(kind), shards, nil)
		mu      sync.Mutex
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, shard := range shards {
		g.Go(func() error {
			req := mk(shard)
			if err := req.Validate(); err != nil {
				return err
			}
			rep, err := c.call(gctx, shard, req)
			if err != nil {
				err = cmn.NewErrFailedTo(shard, string(kind), req.NS, err)
				nlb.AddErr(err)
				return err
			}
			mu.Lock()
			reports[shard] = rep
			mu.Unlock()
			nlb.MarkFinished(shard)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			nlb.SetAborted()
		}
		nlb.Callback(mono.NanoTime())
		if status := nlb.Status(); !status.Aborted() {
			nlog.Warningln(status.String(), "pending:", status.Pending)
		}
		return reports, err
	}
	return reports, nil
}

// bcastAll repeats the broadcast until every shard acknowledges; used past the
// decision and while aborting, where giving up is not an option
func (c *Coordinator) bcastAll(ctx context.Context, opID string, kind Kind, shards []meta.ShardID,
	mk func(shard meta.ShardID) *Request) error {
	pending := shards
	for {
		reports, err := c.bcast(ctx, opID, kind, pending, mk)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		remaining := make([]meta.ShardID, 0, len(pending))
		for _, shard := range pending {
			if _, ok := reports[shard]; !ok {
				remaining = append(remaining, shard)
			}
		}
		pending = remaining
		nlog.Errorln(opID, kind, "pending", pending, "(will retry):", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(cmn.GCO.Get().Reshard.RetryInterval.D()):
		}
	}
}

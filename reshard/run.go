// Package reshard implements online resharding: the coordinator state machine,
// its donor and recipient participants, the commit monitor, and abort.
/*
 * Copyright (c) 2018-2026, NVIDIA CORPORATION. All rights reserved.
 */
package reshard

import (
	"context"
	"time"

	"github.com/NVIDIA/reshard/cmn"
	"github.com/NVIDIA/reshard/cmn/cos"
	"github.com/NVIDIA/reshard/cmn/debug"
	"github.com/NVIDIA/reshard/cmn/nlog"
	"github.com/NVIDIA/reshard/core/meta"
	"github.com/NVIDIA/reshard/stats"
)

func (x *coordX) run() {
	var err error
	defer func() { x.fin(err) }()
	for !x.stopped.Load() {
		op := x.snap()
		switch op.State {
		case StateAborting:
			if err = x.cleanup(op); err == nil {
				err = cmn.NewErrAborted(x.Name(), "reshard", op.AbortErr())
			}
			return
		case StateDecisionPersisted:
			err = x.commit(op)
			return
		case StateDone:
			return
		}

		errStep := x.step(op)
		if errStep == nil || x.stopped.Load() {
			continue
		}
		if x.IsAborted() {
			errStep = x.AbortErr()
		}
		x.toAborting(errStep)
	}
}

// step runs the current phase and advances to the next one
func (x *coordX) step(op *Operation) error {
	ctx, cancel := context.WithCancel(x.ctx)
	defer cancel()
	go func() {
		select {
		case <-x.ChanAbort():
			cancel()
		case <-ctx.Done():
		}
	}()
	if x.IsAborted() {
		return x.AbortErr()
	}

	var (
		c      = x.c
		config = cmn.GCO.Get()
	)
	switch op.State {
	case StateInitializing:
		if err := c.cat.BeginReshard(op.NS, op.ID); err != nil {
			return err
		}
		return x.advance(ctx, StatePreparingTopology, nil)

	case StatePreparingTopology:
		_, err := c.bcast(ctx, op.ID, KindCreateRecipientColl, op.RecipientIDs(), func(id meta.ShardID) *Request {
			return &Request{Kind: KindCreateRecipientColl, OpID: op.ID, NS: op.NS, Create: &CreateParams{
				NewCollUUID: op.NewCollUUID,
				CollUUID:    op.CollUUID,
				NewKey:      op.NewKey,
				Chunks:      op.recipientChunks(id),
				Donors:      op.DonorIDs(),
			}}
		})
		if err != nil {
			return err
		}
		reports, err := c.bcast(ctx, op.ID, KindPrepareToDonate, op.DonorIDs(), func(meta.ShardID) *Request {
			return &Request{Kind: KindPrepareToDonate, OpID: op.ID, NS: op.NS, Prepare: &PrepareParams{CollUUID: op.CollUUID}}
		})
		if err != nil {
			return err
		}
		return x.advance(ctx, StateCloning, func(op *Operation) {
			mergeDonors(op, reports)
			for i := range op.Donors {
				op.CloneTS = meta.MaxTimestamp(op.CloneTS, op.Donors[i].Mutable.MinFetchTS)
			}
		})

	case StateCloning:
		minFetch := make(map[meta.ShardID]meta.Timestamp, len(op.Donors))
		for i := range op.Donors {
			minFetch[op.Donors[i].Shard] = op.Donors[i].Mutable.MinFetchTS
		}
		_, err := c.bcast(ctx, op.ID, KindStartCloning, op.RecipientIDs(), func(meta.ShardID) *Request {
			return &Request{Kind: KindStartCloning, OpID: op.ID, NS: op.NS, Clone: &CloneParams{CloneTS: op.CloneTS, MinFetch: minFetch}}
		})
		if err != nil {
			return err
		}
		states, err := c.newMonitor(op).WaitUntil(ctx, allCloned)
		if err != nil {
			return err
		}
		return x.advance(ctx, StateApplying, func(op *Operation) { mergeRecipients(op, states) })

	case StateApplying:
		if _, err := x.bcastSimple(ctx, op, KindStartApplyingOplog, op.RecipientIDs()); err != nil {
			return err
		}
		states, err := c.newMonitor(op).WaitUntil(ctx, allCaughtUp(config.Reshard.CommitLagTolerance.D()))
		if err != nil {
			return err
		}
		return x.advance(ctx, StateBlockingWrites, func(op *Operation) { mergeRecipients(op, states) })

	case StateBlockingWrites:
		reports, err := x.bcastSimple(ctx, op, KindStartBlockingWrites, op.DonorIDs())
		if err != nil {
			return err
		}
		return x.advance(ctx, StateCheckingCommit, func(op *Operation) { mergeDonors(op, reports) })

	case StateCheckingCommit:
		states, err := c.newMonitor(op).WaitUntil(ctx, allStrict)
		if err != nil {
			return err
		}
		if err := x.decide(states); err != nil {
			return err
		}
		// past the decision: only a stop can interrupt
		return c.hooks.pause(x.ctx, PauseAfter(StateDecisionPersisted))
	}
	debug.Assert(false, op.String())
	return nil
}

func (x *coordX) bcastSimple(ctx context.Context, op *Operation, kind Kind, shards []meta.ShardID) (map[meta.ShardID]*Report, error) {
	return x.c.bcast(ctx, op.ID, kind, shards, func(meta.ShardID) *Request {
		return &Request{Kind: kind, OpID: op.ID, NS: op.NS}
	})
}

func mergeDonors(op *Operation, reports map[meta.ShardID]*Report) {
	for id, rep := range reports {
		if d := op.donor(id); d != nil && rep.Donor != nil {
			d.Mutable = *rep.Donor
		}
	}
}

func mergeRecipients(op *Operation, states map[meta.ShardID]*RecipientMutable) {
	for id, st := range states {
		if r := op.recipient(id); r != nil {
			r.Mutable = *st
		}
	}
}

// advance checkpoints the next state before anything of it is broadcast
func (x *coordX) advance(ctx context.Context, to State, mutate func(op *Operation)) error {
	if x.IsAborted() {
		return x.AbortErr()
	}
	if err := x.transition(to, mutate); err != nil {
		return err
	}
	return x.c.hooks.pause(ctx, PauseAfter(to))
}

// transition is the only writer of the operation document
func (x *coordX) transition(to State, mutate func(op *Operation)) error {
	if x.stopped.Load() {
		return context.Canceled
	}
	x.opMu.Lock()
	from := x.op.State
	debug.Assertf(CanTransition(from, to), "%s: %s => %s", x.op, from, to)
	next := x.op.clone()
	if mutate != nil {
		mutate(next)
	}
	next.State = to
	if err := x.c.store.Update(next); err != nil {
		x.opMu.Unlock()
		return cmn.NewErrFailedTo(x.Name(), "persist", to, err)
	}
	x.op = next
	x.opMu.Unlock()

	x.c.stats.IncWith(stats.ReshardTransitions, stats.VlabState, string(to))
	x.c.hooks.transition(next.clone(), from, to)
	nlog.Infoln(next.String(), "<=", from)
	return nil
}

// decide persists the decision unless an abort got there first
func (x *coordX) decide(states map[meta.ShardID]*RecipientMutable) error {
	x.decMu.Lock()
	defer x.decMu.Unlock()
	if x.IsAborted() {
		return x.AbortErr()
	}
	err := x.transition(StateDecisionPersisted, func(op *Operation) {
		mergeRecipients(op, states)
		op.Decision = &Decision{NewEpoch: cos.GenUUID(), DecidedAt: time.Now().UnixNano()}
	})
	if err != nil {
		return err
	}
	x.decided = true
	return nil
}

// toAborting records the (first) abort reason and checkpoints `aborting`;
// no-op past the decision
func (x *coordX) toAborting(reason error) {
	x.decMu.Lock()
	defer x.decMu.Unlock()
	if x.decided {
		nlog.Errorln(x.String(), "decided, will keep going despite:", reason)
		return
	}
	nlog.Warningln(x.String(), "aborting:", reason)
	x.persistently(func() error {
		return x.transition(StateAborting, func(op *Operation) { op.setAbortReason(reason) })
	})
}

// persistently retries until success or stop
func (x *coordX) persistently(f func() error) bool {
	interval := cmn.GCO.Get().Reshard.RetryInterval.D()
	for {
		err := f()
		if err == nil {
			return true
		}
		if x.stopped.Load() {
			return false
		}
		nlog.Errorln(x.String(), "(will retry):", err)
		select {
		case <-x.ctx.Done():
			return false
		case <-time.After(interval):
		}
	}
}

// commit runs past the point of no return: catalog swap, recipients (rename
// over the source), donors (drop the source, release blocking), history, and
// finally the document
func (x *coordX) commit(op *Operation) error {
	c := x.c
	ok := x.persistently(func() error { return c.cat.Commit(op.NS, op.ID, op.collMeta()) })
	if !ok {
		return context.Canceled
	}
	commit := func(role string) func(meta.ShardID) *Request {
		return func(meta.ShardID) *Request {
			return &Request{Kind: KindCommitParticipant, OpID: op.ID, NS: op.NS,
				Commit: &CommitParams{Role: role, CollUUID: op.CollUUID, NewCollUUID: op.NewCollUUID}}
		}
	}
	if err := c.bcastAll(x.ctx, op.ID, KindCommitParticipant, op.RecipientIDs(), commit(RoleRecipient)); err != nil {
		return err
	}
	if err := c.bcastAll(x.ctx, op.ID, KindCommitParticipant, op.DonorIDs(), commit(RoleDonor)); err != nil {
		return err
	}
	if !x.persistently(func() error { return c.store.PutOutcome(op, OutcomeCommitted) }) ||
		!x.persistently(func() error { return c.store.Delete(op.NS) }) {
		return context.Canceled
	}
	c.hooks.transition(op, StateDecisionPersisted, StateDone)
	c.stats.IncWith(stats.ReshardTransitions, stats.VlabState, string(StateDone))
	c.stats.Inc(stats.ReshardCommits)
	nlog.Infoln(op.NS+":", "committed", op.ID, "new shard key", op.NewKey.String())
	return nil
}

// cleanup cancels every participant, then releases the catalog, records the
// outcome, and deletes the document
func (x *coordX) cleanup(op *Operation) error {
	c := x.c
	err := c.bcastAll(x.ctx, op.ID, KindAbortParticipant, op.Participants(), func(meta.ShardID) *Request {
		return &Request{Kind: KindAbortParticipant, OpID: op.ID, NS: op.NS}
	})
	if err != nil {
		return err
	}
	if !x.persistently(func() error { return c.cat.EndReshard(op.NS, op.ID) }) ||
		!x.persistently(func() error { return c.store.PutOutcome(op, OutcomeCanceled) }) ||
		!x.persistently(func() error { return c.store.Delete(op.NS) }) {
		return context.Canceled
	}
	c.hooks.transition(op, StateAborting, StateDone)
	c.stats.IncWith(stats.ReshardTransitions, stats.VlabState, string(StateDone))
	c.stats.Inc(stats.ReshardAborts)
	nlog.Warningln(op.NS+":", "canceled", op.ID+":", op.AbortReason)
	return nil
}

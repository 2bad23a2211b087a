// Package reshard implements online resharding: the coordinator state machine,
// its donor and recipient participants, the commit monitor, and abort.
/*
 * Copyright (c) 2018-2026, NVIDIA CORPORATION. All rights reserved.
 */
package reshard

import (
	"context"

	"github.com/NVIDIA/reshard/cmn"
	"github.com/NVIDIA/reshard/cmn/cos"
	"github.com/NVIDIA/reshard/cmn/nlog"
)

// Abort cancels the operation on ns and returns once every participant has
// rolled back and the document is gone. Once the decision is persisted it
// fails with ErrReshardCommitted (document still present) or ErrNoSuchReshard
// (already cleaned up). With nothing to abort it succeeds.
func (c *Coordinator) Abort(ctx context.Context, ns string) error {
	c.mu.Lock()
	x, ok := c.running[ns]
	c.mu.Unlock()
	if ok {
		return x.abortAndWait(ctx)
	}

	op, err := c.store.Get(ns)
	if err != nil {
		if !cos.IsErrNotFound(err) {
			return err
		}
		o, err := c.store.LastOutcome(ns)
		if err != nil {
			return err
		}
		if o != nil && o.Outcome == OutcomeCommitted {
			return cmn.NewErrNoSuchReshard(ns)
		}
		return nil
	}

	// persisted but not running here: this call drives the cleanup
	if op.State.Decided() {
		return cmn.NewErrReshardCommitted(ns, op.ID)
	}
	c.mu.Lock()
	if x, ok := c.running[ns]; ok {
		c.mu.Unlock()
		return x.abortAndWait(ctx)
	}
	x = c.newX(op.ID, ns, op.NewKey)
	if op.State != StateAborting {
		op.setAbortReason(cmn.ErrUserAbort)
		op.State = StateAborting
		if err := c.store.Update(op); err != nil {
			c.mu.Unlock()
			return err
		}
	}
	x.op = op
	c.running[ns] = x
	c.mu.Unlock()

	nlog.Infoln(op.String(), "abort requested while not running")
	go x.run()
	return x.aborted(x.wait(ctx))
}

func (x *coordX) abortAndWait(ctx context.Context) error {
	if err := x.requestAbort(); err != nil {
		return err
	}
	return x.aborted(x.wait(ctx))
}

// requestAbort signals the run unless the decision is already persisted
func (x *coordX) requestAbort() error {
	x.decMu.Lock()
	defer x.decMu.Unlock()
	if x.decided {
		return cmn.NewErrReshardCommitted(x.ns, x.ID())
	}
	x.Abort(nil)
	return nil
}

// the operation's outcome, as seen by the abort command
func (x *coordX) aborted(err error) error {
	switch {
	case err == nil:
		return cmn.NewErrReshardCommitted(x.ns, x.ID())
	case cmn.IsErrAborted(err):
		return nil
	default:
		return err
	}
}

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
	"github.com/NVIDIA/reshard/cmn/nlog"
	"github.com/NVIDIA/reshard/core/meta"
	"github.com/NVIDIA/reshard/stats"
)

type (
	// CommitMonitor polls recipients on a timer; it never times out on its own
	CommitMonitor struct {
		c          *Coordinator
		opID       string
		ns         string
		recipients []meta.ShardID
	}

	// Readiness evaluates one poll: done when true, abort on error
	Readiness func(states map[meta.ShardID]*RecipientMutable) (bool, error)
)

func (c *Coordinator) newMonitor(op *Operation) *CommitMonitor {
	return &CommitMonitor{c: c, opID: op.ID, ns: op.NS, recipients: op.RecipientIDs()}
}

// Poll queries every recipient's state once
func (m *CommitMonitor) Poll(ctx context.Context) (map[meta.ShardID]*RecipientMutable, error) {
	if err := m.c.hooks.pause(ctx, HangBeforeQueryingRecipients); err != nil {
		return nil, err
	}
	m.c.stats.Inc(stats.MonitorPolls)
	reports, err := m.c.bcast(ctx, m.opID, KindQueryRecipientState, m.recipients, func(meta.ShardID) *Request {
		return &Request{Kind: KindQueryRecipientState, OpID: m.opID, NS: m.ns}
	})
	if err != nil {
		return nil, err
	}
	states := make(map[meta.ShardID]*RecipientMutable, len(reports))
	for id, rep := range reports {
		if rep.Recipient == nil {
			return nil, cmn.NewErrFailedTo(id, "report", "recipient state", cmn.NewErrInvalidOptions("empty report"))
		}
		states[id] = rep.Recipient
		m.c.stats.SetWith(stats.RecipientLag, stats.VlabShard, string(id), int64(rep.Recipient.Lag))
	}
	return states, nil
}

// WaitUntil polls every commit_poll_interval until ready; a recipient in the
// error state fails the wait
func (m *CommitMonitor) WaitUntil(ctx context.Context, ready Readiness) (map[meta.ShardID]*RecipientMutable, error) {
	interval := cmn.GCO.Get().Reshard.CommitPollInterval.D()
	for {
		states, err := m.Poll(ctx)
		if err != nil {
			return nil, err
		}
		for id, st := range states {
			if st.State == RecipientError {
				cause := cmn.NewErrRemote(st.ErrCode, st.ErrMsg)
				return states, cmn.NewErrFailedTo(id, "apply", m.ns, cause)
			}
		}
		ok, err := ready(states)
		if err != nil || ok {
			return states, err
		}
		if nlog.V(4) {
			nlog.Infoln(m.ns+":", "recipients not ready yet")
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(interval):
		}
	}
}

//
// readiness conditions
//

func allCloned(states map[meta.ShardID]*RecipientMutable) (bool, error) {
	for _, st := range states {
		if !st.CloneDone {
			return false, nil
		}
	}
	return true, nil
}

// caught up to within commit_lag_tolerance
func allCaughtUp(tolerance time.Duration) Readiness {
	return func(states map[meta.ShardID]*RecipientMutable) (bool, error) {
		for _, st := range states {
			if !st.State.applying() || st.Lag > tolerance {
				return false, nil
			}
		}
		return true, nil
	}
}

func allStrict(states map[meta.ShardID]*RecipientMutable) (bool, error) {
	for _, st := range states {
		if st.State != RecipientStrict {
			return false, nil
		}
	}
	return true, nil
}

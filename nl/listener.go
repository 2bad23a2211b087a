// Package nl tracks participant acknowledgments for resharding broadcasts
/*
 * Copyright (c) 2018-2026, NVIDIA CORPORATION. All rights reserved.
 */
package nl

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	ratomic "sync/atomic"

	"github.com/NVIDIA/reshard/cmn/cos"
	"github.com/NVIDIA/reshard/cmn/debug"
	"github.com/NVIDIA/reshard/cmn/mono"
	"github.com/NVIDIA/reshard/core/meta"
)

type (
	Callback func(nlb *ListenerBase)

	// ListenerBase counts down the shards that must acknowledge one phase
	// instruction; Callback fires once, when the last one does or upon failure
	ListenerBase struct {
		Srcs       map[meta.ShardID]struct{} // all notifiers
		ActiveSrcs map[meta.ShardID]struct{} // not yet acknowledged
		F          Callback                  // optional listening-side callback
		UUID       string
		Kind       string
		Errs       cos.Errs
		EndTimeX   ratomic.Int64
		AbortedX   ratomic.Bool
		mu         sync.RWMutex
	}

	Status struct {
		Kind     string         `json:"kind"`
		UUID     string         `json:"uuid"`
		ErrMsg   string         `json:"err,omitempty"`
		Pending  []meta.ShardID `json:"pending,omitempty"`
		EndTimeX int64          `json:"end_time"`
		AbortedX bool           `json:"aborted"`
	}
)

func NewNLB(uuid, kind string, srcs []meta.ShardID, cb Callback) *ListenerBase {
	nlb := &ListenerBase{
		UUID:       uuid,
		Kind:       kind,
		F:          cb,
		Srcs:       make(map[meta.ShardID]struct{}, len(srcs)),
		ActiveSrcs: make(map[meta.ShardID]struct{}, len(srcs)),
	}
	for _, id := range srcs {
		nlb.Srcs[id] = struct{}{}
		nlb.ActiveSrcs[id] = struct{}{}
	}
	return nlb
}

func (nlb *ListenerBase) Aborted() bool  { return nlb.AbortedX.Load() }
func (nlb *ListenerBase) SetAborted()    { nlb.AbortedX.CompareAndSwap(false, true) }
func (nlb *ListenerBase) EndTime() int64 { return nlb.EndTimeX.Load() }
func (nlb *ListenerBase) Finished() bool { return nlb.EndTime() > 0 }

func (nlb *ListenerBase) ActiveCount() int {
	nlb.mu.RLock()
	defer nlb.mu.RUnlock()
	return len(nlb.ActiveSrcs)
}

func (nlb *ListenerBase) FinCount() int { return len(nlb.Srcs) - nlb.ActiveCount() }

// MarkFinished records one acknowledgment and fires the callback after the last
func (nlb *ListenerBase) MarkFinished(shard meta.ShardID) {
	nlb.mu.Lock()
	_, ok := nlb.Srcs[shard]
	debug.Assert(ok, shard)
	delete(nlb.ActiveSrcs, shard)
	done := len(nlb.ActiveSrcs) == 0
	nlb.mu.Unlock()
	if done {
		nlb.Callback(mono.NanoTime())
	}
}

// Pending returns shards that have not acknowledged yet, sorted
func (nlb *ListenerBase) Pending() []meta.ShardID {
	nlb.mu.RLock()
	pending := make([]meta.ShardID, 0, len(nlb.ActiveSrcs))
	for id := range nlb.ActiveSrcs {
		pending = append(pending, id)
	}
	nlb.mu.RUnlock()
	sort.Slice(pending, func(i, j int) bool { return pending[i] < pending[j] })
	return pending
}

// is called after all Notifiers will have notified OR on failure (err != nil)
func (nlb *ListenerBase) Callback(ts int64) {
	if nlb.EndTimeX.CompareAndSwap(0, 1) {
		nlb.EndTimeX.Store(ts)
		if nlb.F != nil {
			nlb.F(nlb)
		}
	}
}

// Fail records the error and finishes the listener early
func (nlb *ListenerBase) Fail(err error) {
	nlb.AddErr(err)
	nlb.Callback(mono.NanoTime())
}

func (nlb *ListenerBase) AddErr(err error) { nlb.Errs.Add(err) }
func (nlb *ListenerBase) ErrCnt() int      { return nlb.Errs.Cnt() }

func (nlb *ListenerBase) Err() error {
	if nlb.ErrCnt() == 0 {
		return nil
	}
	return &nlb.Errs
}

func (nlb *ListenerBase) Status() *Status {
	status := &Status{
		Kind:     nlb.Kind,
		UUID:     nlb.UUID,
		Pending:  nlb.Pending(),
		EndTimeX: nlb.EndTimeX.Load(),
		AbortedX: nlb.Aborted(),
	}
	if err := nlb.Err(); err != nil {
		status.ErrMsg = err.Error()
	}
	return status
}

func (nlb *ListenerBase) String() string {
	var (
		res      string
		hdr      = fmt.Sprintf("nl-%s[%s]", nlb.Kind, nlb.UUID)
		finCount = nlb.FinCount()
	)
	if tfin := nlb.EndTimeX.Load(); tfin > 0 {
		if cnt := nlb.ErrCnt(); cnt > 0 {
			res = "-" + nlb.Err().Error()
		} else {
			res = "-done"
		}
		return hdr + res
	}
	if finCount > 0 {
		return fmt.Sprintf("%s(cnt=%d/%d)", hdr, finCount, len(nlb.Srcs))
	}
	return hdr
}

////////////
// Status //
////////////

func (ns *Status) Finished() bool { return ns.EndTimeX > 0 }
func (ns *Status) Aborted() bool  { return ns.AbortedX }

func (ns *Status) String() (s string) {
	s = ns.Kind + "[" + ns.UUID + "]"
	switch {
	case ns.Aborted():
		s += "-abrt"
	case ns.Finished():
		if ns.ErrMsg != "" {
			s += "-" + ns.ErrMsg
		} else {
			s += "-done"
		}
	default:
		if len(ns.Pending) > 0 {
			pending := make([]string, len(ns.Pending))
			for i, id := range ns.Pending {
				pending[i] = string(id)
			}
			s += "-pending(" + strings.Join(pending, ",") + ")"
		}
	}
	return
}

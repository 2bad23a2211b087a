// Package xact provides core functionality for long-running, abortable resharding jobs.
/*
 * Copyright (c) 2018-2026, NVIDIA CORPORATION. All rights reserved.
 */
package xact

import (
	"fmt"
	"strings"
	ratomic "sync/atomic"
	"time"

	"github.com/NVIDIA/reshard/cmn"
	"github.com/NVIDIA/reshard/cmn/cos"
	"github.com/NVIDIA/reshard/cmn/debug"
	"github.com/NVIDIA/reshard/cmn/nlog"
)

const (
	LeftID  = "["
	RightID = "]"
)

type (
	// OnFinished is invoked once, upon Finish
	OnFinished func(xctn *Base, err error, aborted bool)

	Base struct {
		notif OnFinished
		abort struct {
			ch     chan error
			err    ratomic.Pointer[error]
			done   ratomic.Bool
			closed ratomic.Bool
		}
		id     string
		kind   string
		_nam   string
		err    cos.Errs
		sutime ratomic.Int64
		eutime ratomic.Int64
	}
)

//////////////
// Base
//////////////

// InitBase: id is the operation UUID; subject is namespace or shard name
func (xctn *Base) InitBase(id, kind, subject string) {
	debug.Assert(cos.IsValidUUID(id), id)
	debug.Assert(IsValidKind(kind), kind)

	xctn.id, xctn.kind = id, kind
	xctn.abort.ch = make(chan error, 1)
	xctn.setStartTime(time.Now())

	// name never changes
	xctn._nam = "x-" + xctn.Kind() + LeftID + xctn.ID() + RightID
	if subject != "" {
		xctn._nam += "-" + subject
	}
}

func (xctn *Base) ID() string   { return xctn.id }
func (xctn *Base) Kind() string { return xctn.kind }

func (xctn *Base) Finished() bool { return xctn.eutime.Load() != 0 }

func (xctn *Base) AddNotif(cb OnFinished) { xctn.notif = cb }

//
// aborting
//

func (xctn *Base) ChanAbort() <-chan error { return xctn.abort.ch }

func (xctn *Base) IsAborted() bool { return xctn.abort.done.Load() }

func (xctn *Base) AbortErr() error {
	if !xctn.IsAborted() {
		return nil
	}
	// (is aborted)
	// normally, is expected to return `abort.err` without any sleep
	// but may also poll for 1s total
	const wait = time.Second
	sleep := cos.ProbingFrequency(wait)
	for elapsed := time.Duration(0); elapsed < wait; elapsed += sleep {
		perr := xctn.abort.err.Load()
		if perr != nil {
			return *perr
		}
		time.Sleep(sleep)
	}
	return cmn.NewErrAborted(xctn.Name(), "base.abort-err.timeout", nil)
}

func (xctn *Base) Abort(err error) bool {
	if xctn.Finished() || !xctn.abort.done.CompareAndSwap(false, true) {
		return false
	}

	if err == nil {
		err = cmn.ErrUserAbort // NOTE: only user can cause no-errors abort
	} else if errAborted := cmn.AsErrAborted(err); errAborted != nil {
		if errCause := errAborted.Unwrap(); errCause != nil {
			err = errCause
		}
	}
	perr := xctn.abort.err.Swap(&err)
	debug.Assert(perr == nil, xctn.String())
	debug.Assert(len(xctn.abort.ch) == 0, xctn.String()) // CAS above

	xctn.abort.ch <- err
	if xctn.abort.closed.CompareAndSwap(false, true) {
		close(xctn.abort.ch)
	}
	nlog.InfoDepth(1, xctn.Name(), err)
	return true
}

// atomically set end-time
func (xctn *Base) Finish() {
	var (
		err     error
		info    string
		aborted bool
	)
	if !xctn.eutime.CompareAndSwap(0, 1) {
		return
	}
	xctn.eutime.Store(time.Now().UnixNano())
	if aborted = xctn.IsAborted(); aborted {
		if perr := xctn.abort.err.Load(); perr != nil {
			err = *perr
		}
	}

	if xctn.abort.closed.CompareAndSwap(false, true) {
		close(xctn.abort.ch)
	}

	if xctn.ErrCnt() > 0 {
		if err == nil {
			debug.Assert(!aborted)
			err = xctn.Err()
		} else {
			// abort takes precedence
			info = "(" + xctn.Err().Error() + ")"
		}
	}
	if xctn.notif != nil {
		xctn.notif(xctn, err, aborted)
	}
	switch {
	case err == nil:
		nlog.Infoln(xctn.String(), "finished")
	case aborted:
		nlog.Warningln(xctn.String(), "aborted:", err, info)
	default:
		nlog.Warningln(xctn.String(), "finished w/err:", err)
	}
}

//
// multi-error
//

func (xctn *Base) AddErr(err error, logExtra ...int) {
	if xctn.IsAborted() { // no more errors once aborted
		return
	}
	debug.Assert(err != nil)

	xctn.err.Add(err)
	if len(logExtra) == 0 {
		return
	}
	if level := logExtra[0]; level == 0 {
		nlog.ErrorDepth(1, err)
	} else if nlog.V(level) {
		nlog.InfoDepth(1, "Warning:", err)
	}
}

func (xctn *Base) Err() error {
	if xctn.ErrCnt() == 0 {
		return nil
	}
	return &xctn.err
}

func (xctn *Base) ErrCnt() int { return xctn.err.Cnt() }

func (xctn *Base) Name() (s string) { return xctn._nam }

func (xctn *Base) String() string {
	var sb strings.Builder
	sb.Grow(128)

	sb.WriteString(xctn._nam)
	sb.WriteByte('-')
	sb.WriteString(cos.FormatTime(xctn.StartTime(), cos.StampMicro))

	if !xctn.Finished() { // ok to (rarely) miss _aborted_ state as this is purely informational
		return sb.String()
	}
	etime := cos.FormatTime(xctn.EndTime(), cos.StampMicro)
	if xctn.IsAborted() {
		sb.WriteString(fmt.Sprintf("-[abrt: %v]", xctn.AbortErr()))
	}
	sb.WriteByte('-')
	sb.WriteString(etime)

	return sb.String()
}

func (xctn *Base) StartTime() time.Time {
	u := xctn.sutime.Load()
	if u != 0 {
		return time.Unix(0, u)
	}
	return time.Time{}
}

func (xctn *Base) setStartTime(s time.Time) { xctn.sutime.Store(s.UnixNano()) }

func (xctn *Base) EndTime() time.Time {
	u := xctn.eutime.Load()
	if u > 1 {
		return time.Unix(0, u)
	}
	return time.Time{}
}

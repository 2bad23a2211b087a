// Package cmn provides common constants, types, and utilities for reshard clients
// and nodes.
/*
 * Copyright (c) 2018-2026, NVIDIA CORPORATION. All rights reserved.
 */
package cmn

import (
	"errors"
	"fmt"

	"github.com/NVIDIA/reshard/cmn/cos"
)

// error codes; travel over the wire (see transport) and are the stable contract
// between nodes and clients
const (
	CodeReshardCommitted       = "ReshardCollectionCommitted"
	CodeNoSuchReshard          = "NoSuchReshardCollection"
	CodeConflictingOperation   = "ConflictingOperationInProgress"
	CodeInvalidShardKey        = "InvalidShardKey"
	CodeInvalidOptions         = "InvalidOptions"
	CodeIncompleteTxnHistory   = "IncompleteTransactionHistory"
	CodeTxnTooOld              = "TransactionTooOld"
	CodeWouldChangeOwningShard = "WouldChangeOwningShard"
	CodeWritesBlocked          = "WritesBlocked"
	CodeNotPrimary             = "NotWritablePrimary"
	CodeShardNotFound          = "ShardNotFound"
	CodeNamespaceNotFound      = "NamespaceNotFound"
	CodeAborted                = "Interrupted"
	CodeTransient              = "HostUnreachable"
	CodeInternal               = "InternalError"
)

type (
	Coder interface {
		error
		Code() string
	}

	ErrReshardCommitted struct {
		ns   string
		opID string
	}
	ErrNoSuchReshard struct {
		ns string
	}
	ErrNamespaceNotFound struct {
		ns string
	}
	ErrConflictingOperation struct {
		ns   string
		opID string
		what string
	}
	ErrInvalidShardKey struct {
		key    string
		reason string
	}
	ErrInvalidOptions struct {
		what string
	}
	ErrIncompleteTxnHistory struct {
		lsid   string
		txnNum int64
		where  string
	}
	ErrTxnTooOld struct {
		lsid    string
		txnNum  int64
		current int64
	}
	ErrWritesBlocked struct {
		ns     string
		reason string
	}
	ErrNotPrimary struct {
		shard string
		node  string
	}
	ErrAborted struct {
		what string
		ctx  string
		err  error
	}
	ErrFailedTo struct {
		actor  any    // most of the time it's this (target|proxy) node but may also be some other "actor"
		what   any    // not necessarily LOM
		err    error  // original error
		action string // not necessarily msg.Action
	}
	// transient infrastructure error: timeouts, connection loss, stepdown
	ErrTransient struct {
		err error
	}
	// error decoded from the wire
	ErrRemote struct {
		code string
		msg  string
	}
)

var ErrUserAbort = errors.New("user abort")

// ErrReshardCommitted

func NewErrReshardCommitted(ns, opID string) *ErrReshardCommitted {
	return &ErrReshardCommitted{ns: ns, opID: opID}
}

func (e *ErrReshardCommitted) Error() string {
	return fmt.Sprintf("resharding of %q (op %s) has already committed and can no longer be aborted", e.ns, e.opID)
}
func (*ErrReshardCommitted) Code() string { return CodeReshardCommitted }

// ErrNoSuchReshard

func NewErrNoSuchReshard(ns string) *ErrNoSuchReshard { return &ErrNoSuchReshard{ns: ns} }

func (e *ErrNoSuchReshard) Error() string {
	return fmt.Sprintf("no resharding operation in progress for %q", e.ns)
}
func (*ErrNoSuchReshard) Code() string { return CodeNoSuchReshard }

// ErrNamespaceNotFound

func NewErrNamespaceNotFound(ns string) *ErrNamespaceNotFound { return &ErrNamespaceNotFound{ns: ns} }

func (e *ErrNamespaceNotFound) Error() string { return "namespace " + e.ns + " not found" }
func (*ErrNamespaceNotFound) Code() string    { return CodeNamespaceNotFound }

// ErrConflictingOperation

func NewErrConflictingOperation(ns, opID, what string) *ErrConflictingOperation {
	return &ErrConflictingOperation{ns: ns, opID: opID, what: what}
}

func (e *ErrConflictingOperation) Error() string {
	return fmt.Sprintf("%q: conflicting resharding operation %s in progress: %s", e.ns, e.opID, e.what)
}
func (*ErrConflictingOperation) Code() string { return CodeConflictingOperation }

// ErrInvalidShardKey

func NewErrInvalidShardKey(key, reason string) *ErrInvalidShardKey {
	return &ErrInvalidShardKey{key: key, reason: reason}
}

func (e *ErrInvalidShardKey) Error() string {
	return fmt.Sprintf("invalid shard key %s: %s", e.key, e.reason)
}
func (*ErrInvalidShardKey) Code() string { return CodeInvalidShardKey }

// ErrInvalidOptions

func NewErrInvalidOptions(format string, a ...any) *ErrInvalidOptions {
	return &ErrInvalidOptions{what: fmt.Sprintf(format, a...)}
}

func (e *ErrInvalidOptions) Error() string { return "invalid options: " + e.what }
func (*ErrInvalidOptions) Code() string    { return CodeInvalidOptions }

// ErrIncompleteTxnHistory

func NewErrIncompleteTxnHistory(lsid string, txnNum int64, where string) *ErrIncompleteTxnHistory {
	return &ErrIncompleteTxnHistory{lsid: lsid, txnNum: txnNum, where: where}
}

func (e *ErrIncompleteTxnHistory) Error() string {
	return fmt.Sprintf("%s: incomplete history detected for transaction %d on session %s: "+
		"the statement was executed as part of a transaction and cannot be retried", e.where, e.txnNum, e.lsid)
}
func (*ErrIncompleteTxnHistory) Code() string { return CodeIncompleteTxnHistory }

// ErrTxnTooOld

func NewErrTxnTooOld(lsid string, txnNum, current int64) *ErrTxnTooOld {
	return &ErrTxnTooOld{lsid: lsid, txnNum: txnNum, current: current}
}

func (e *ErrTxnTooOld) Error() string {
	return fmt.Sprintf("cannot start transaction %d on session %s: a newer transaction %d has already started",
		e.txnNum, e.lsid, e.current)
}
func (*ErrTxnTooOld) Code() string { return CodeTxnTooOld }

// ErrWritesBlocked

func NewErrWritesBlocked(ns, reason string) *ErrWritesBlocked {
	return &ErrWritesBlocked{ns: ns, reason: reason}
}

func (e *ErrWritesBlocked) Error() string {
	return fmt.Sprintf("writes to %q are blocked: %s", e.ns, e.reason)
}
func (*ErrWritesBlocked) Code() string { return CodeWritesBlocked }

// ErrNotPrimary

func NewErrNotPrimary(shard, node string) *ErrNotPrimary {
	return &ErrNotPrimary{shard: shard, node: node}
}

func (e *ErrNotPrimary) Error() string {
	return fmt.Sprintf("node %s is not the primary of shard %s", e.node, e.shard)
}
func (*ErrNotPrimary) Code() string { return CodeNotPrimary }

// ErrAborted

func NewErrAborted(what, ctx string, err error) *ErrAborted {
	return &ErrAborted{what: what, ctx: ctx, err: err}
}

func (e *ErrAborted) Error() (s string) {
	s = fmt.Sprintf("%s aborted", e.what)
	if e.err != nil {
		s = fmt.Sprintf("%s, err: %v", s, e.err)
	}
	if e.ctx != "" {
		s += " (" + e.ctx + ")"
	}
	return
}

func (e *ErrAborted) Unwrap() (err error) { return e.err }
func (*ErrAborted) Code() string          { return CodeAborted }

func AsErrAborted(err error) (errAborted *ErrAborted) {
	if e, ok := err.(*ErrAborted); ok {
		return e
	}
	if errors.As(err, &errAborted) {
		return errAborted
	}
	return nil
}

// ErrFailedTo

func NewErrFailedTo(actor any, action string, what any, err error) *ErrFailedTo {
	if e, ok := err.(*ErrFailedTo); ok {
		return e
	}
	return &ErrFailedTo{actor: actor, action: action, what: what, err: err}
}

func (e *ErrFailedTo) Error() string {
	var actor string
	if e.actor != nil {
		actor = fmt.Sprintf("%v: ", e.actor)
	}
	return fmt.Sprintf("%sfailed to %s %v: %v", actor, e.action, e.what, e.err)
}

func (e *ErrFailedTo) Unwrap() (err error) { return e.err }

// ErrTransient

func NewErrTransient(err error) *ErrTransient { return &ErrTransient{err: err} }

func (e *ErrTransient) Error() string { return "transient: " + e.err.Error() }
func (e *ErrTransient) Unwrap() error { return e.err }
func (*ErrTransient) Code() string    { return CodeTransient }

// ErrRemote

func NewErrRemote(code, msg string) error { return &ErrRemote{code: code, msg: msg} }

func (e *ErrRemote) Error() string { return e.msg }
func (e *ErrRemote) Code() string  { return e.code }

//
// helpers
//

func ErrCode(err error) string {
	var coder Coder
	if errors.As(err, &coder) {
		return coder.Code()
	}
	return ""
}

func hasCode(err error, code string) bool { return err != nil && ErrCode(err) == code }

func IsErrReshardCommitted(err error) bool     { return hasCode(err, CodeReshardCommitted) }
func IsErrNoSuchReshard(err error) bool        { return hasCode(err, CodeNoSuchReshard) }
func IsErrConflictingOperation(err error) bool { return hasCode(err, CodeConflictingOperation) }
func IsErrInvalidShardKey(err error) bool      { return hasCode(err, CodeInvalidShardKey) }
func IsErrInvalidOptions(err error) bool       { return hasCode(err, CodeInvalidOptions) }
func IsErrIncompleteTxnHistory(err error) bool { return hasCode(err, CodeIncompleteTxnHistory) }
func IsErrTxnTooOld(err error) bool            { return hasCode(err, CodeTxnTooOld) }
func IsErrWritesBlocked(err error) bool        { return hasCode(err, CodeWritesBlocked) }
func IsErrNotPrimary(err error) bool           { return hasCode(err, CodeNotPrimary) }
func IsErrAborted(err error) bool              { return hasCode(err, CodeAborted) }
func IsErrNamespaceNotFound(err error) bool    { return hasCode(err, CodeNamespaceNotFound) }
func IsErrWouldChangeOwningShard(err error) bool {
	return hasCode(err, CodeWouldChangeOwningShard)
}

// IsErrRetriable classifies transient infrastructure errors: the caller is expected
// to refresh topology and try again
func IsErrRetriable(err error) bool {
	if err == nil {
		return false
	}
	switch ErrCode(err) {
	case CodeTransient, CodeNotPrimary, CodeWritesBlocked:
		return true
	}
	return cos.IsRetriableConnErr(err) || cos.IsClientTimeout(err)
}

// Package txn implements retryable writes, shard-key-changing update upgrades
// into internal two-phase transactions, and the per-shard transaction ledger.
/*
 * Copyright (c) 2018-2026, NVIDIA CORPORATION. All rights reserved.
 */
package txn

import (
	"context"
	"fmt"

	"github.com/NVIDIA/reshard/cmn"
	"github.com/NVIDIA/reshard/core/meta"

	"go.mongodb.org/mongo-driver/bson"
)

// internal transaction statements
const (
	OpDelete = "delete"
	OpInsert = "insert"
)

type (
	// retryable when LSID is set; TxnNum identifies the attempt within the session
	Session struct {
		LSID   string `bson:"lsid,omitempty" json:"lsid,omitempty"`
		TxnNum int64  `bson:"txnNumber,omitempty" json:"txnNumber,omitempty"`
		Stmt   int32  `bson:"stmtId,omitempty" json:"stmtId,omitempty"`
	}

	UpdateRequest struct {
		Session `bson:",inline"`
		NS      string `bson:"ns"`
		Filter  bson.D `bson:"q"`
		Set     bson.D `bson:"u"` // fields to $set (dotted paths allowed)
	}
	UpdateResult struct {
		N         int  `bson:"n" json:"n"`
		NModified int  `bson:"nModified" json:"nModified"`
		Upgraded  bool `bson:"upgraded,omitempty" json:"upgraded,omitempty"` // ran as an internal transaction
	}

	InsertRequest struct {
		Session `bson:",inline"`
		NS      string `bson:"ns"`
		Doc     bson.D `bson:"doc"`
	}
	DeleteRequest struct {
		Session `bson:",inline"`
		NS      string `bson:"ns"`
		Filter  bson.D `bson:"q"`
	}

	// TxnOp is one statement of an internal two-phase transaction
	TxnOp struct {
		Kind string `bson:"kind"` // OpDelete | OpInsert
		Doc  bson.D `bson:"doc"`  // full document (pre-image for deletes)
	}
	TxnRequest struct {
		Session `bson:",inline"`
		NS      string  `bson:"ns"`
		Ops     []TxnOp `bson:"ops"`
	}

	// Shard is the per-shard write path the router talks to
	Shard interface {
		ID() meta.ShardID
		Insert(ctx context.Context, req *InsertRequest) error
		Update(ctx context.Context, req *UpdateRequest) (*UpdateResult, error)
		Delete(ctx context.Context, req *DeleteRequest) (int, error)
		Find(ctx context.Context, ns string, filter bson.D) ([]bson.D, error)

		PrepareTxn(ctx context.Context, req *TxnRequest) error
		CommitTxn(ctx context.Context, sess Session) error
		AbortTxn(ctx context.Context, sess Session) error
	}

	// Shards resolves a shard (i.e., its current primary) by ID
	Shards interface {
		Get(id meta.ShardID) (Shard, error)
	}

	// ErrWouldChangeOwningShard: the update changes the shard key value so that the
	// document must move to another shard; the router re-runs it as a transaction
	ErrWouldChangeOwningShard struct {
		NS   string
		Pre  bson.D
		Post bson.D
	}
)

func (s *Session) Retryable() bool { return s.LSID != "" }

func (s *Session) String() string { return fmt.Sprintf("{%s, %d}", s.LSID, s.TxnNum) }

func (e *ErrWouldChangeOwningShard) Error() string {
	return fmt.Sprintf("%s: update would change the owning shard of the document", e.NS)
}

func (*ErrWouldChangeOwningShard) Code() string { return cmn.CodeWouldChangeOwningShard }

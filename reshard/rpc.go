// Package reshard implements online resharding: the coordinator state machine,
// its donor and recipient participants, the commit monitor, and abort.
/*
 * Copyright (c) 2018-2026, NVIDIA CORPORATION. All rights reserved.
 */
package reshard

import (
	"context"

	"github.com/NVIDIA/reshard/cmn"
	"github.com/NVIDIA/reshard/core/meta"
	"github.com/NVIDIA/reshard/txn"

	"go.mongodb.org/mongo-driver/bson"
)

type Kind string

// per-shard internal RPCs
const (
	// coordinator => donor
	KindPrepareToDonate     Kind = "prepareToDonate"
	KindStartBlockingWrites Kind = "startBlockingWrites"

	// coordinator => recipient
	KindCreateRecipientColl Kind = "createRecipientCollection"
	KindStartCloning        Kind = "startCloning"
	KindStartApplyingOplog  Kind = "startApplyingOplog"
	KindQueryRecipientState Kind = "queryRecipientState"

	// coordinator => participant
	KindCommitParticipant Kind = "commitParticipant"
	KindAbortParticipant  Kind = "abortParticipant"
	KindSampleKeys        Kind = "sampleKeys"

	// recipient => donor
	KindFetchDocs  Kind = "fetchDocs"
	KindFetchOplog Kind = "fetchOplog"
	KindFetchTxns  Kind = "fetchTxns"
)

// participant roles
const (
	RoleDonor     = "donor"
	RoleRecipient = "recipient"
)

type (
	PrepareParams struct {
		CollUUID string `bson:"collUUID"`
	}
	CreateParams struct {
		NewCollUUID string          `bson:"reshardingUUID"`
		CollUUID    string          `bson:"collUUID"`
		NewKey      meta.KeyPattern `bson:"newShardKey"`
		Chunks      meta.ChunkMap   `bson:"chunks"` // this recipient's only
		Donors      []meta.ShardID  `bson:"donors"`
	}
	CloneParams struct {
		MinFetch map[meta.ShardID]meta.Timestamp `bson:"minFetch"`
		CloneTS  meta.Timestamp                  `bson:"cloneTimestamp"`
	}
	CommitParams struct {
		Role        string `bson:"role"`
		CollUUID    string `bson:"collUUID"`
		NewCollUUID string `bson:"reshardingUUID"`
	}
	SampleParams struct {
		Key meta.KeyPattern `bson:"key"`
		Num int             `bson:"num"`
	}
	FetchDocsParams struct {
		After  any             `bson:"after"` // _id; nil: from the start
		Key    meta.KeyPattern `bson:"key"`
		Chunks meta.ChunkMap   `bson:"chunks"`
		Limit  int             `bson:"limit"`
	}
	FetchOplogParams struct {
		After meta.Timestamp `bson:"after"`
		Limit int            `bson:"limit"`
	}
	FetchTxnsParams struct {
		AfterSeq int64 `bson:"afterSeq"` // ledger sequence already imported
	}

	// Request is a closed set of RPC variants: Kind selects the one payload
	// that must be present
	Request struct {
		Prepare    *PrepareParams    `bson:"prepare,omitempty"`
		Create     *CreateParams     `bson:"create,omitempty"`
		Clone      *CloneParams      `bson:"clone,omitempty"`
		Commit     *CommitParams     `bson:"commit,omitempty"`
		Sample     *SampleParams     `bson:"sample,omitempty"`
		FetchDocs  *FetchDocsParams  `bson:"fetchDocs,omitempty"`
		FetchOplog *FetchOplogParams `bson:"fetchOplog,omitempty"`
		FetchTxns  *FetchTxnsParams  `bson:"fetchTxns,omitempty"`
		Kind       Kind              `bson:"kind"`
		OpID       string            `bson:"opId"`
		NS         string            `bson:"ns"`
	}

	Report struct {
		Donor     *DonorMutable     `bson:"donor,omitempty"`
		Recipient *RecipientMutable `bson:"recipient,omitempty"`
		Keys      []meta.Key        `bson:"keys,omitempty"`
		Docs      []bson.D          `bson:"docs,omitempty"`
		Last      any               `bson:"last,omitempty"`
		Oplog     []meta.OplogEntry `bson:"oplog,omitempty"`
		Txns      []*txn.Entry      `bson:"txns,omitempty"`
		TxnSeq    int64             `bson:"txnSeq,omitempty"`
		Shard     meta.ShardID      `bson:"shard"`
		Scanned   meta.Timestamp    `bson:"scanned"`
		Head      meta.Timestamp    `bson:"head"`
		Done      bool              `bson:"done,omitempty"`
	}

	// Participants delivers internal RPCs to the current primary of a shard
	Participants interface {
		Call(ctx context.Context, shard meta.ShardID, req *Request) (*Report, error)
	}

	// Handler is the receiving side (one per shard)
	Handler interface {
		Handle(ctx context.Context, req *Request) (*Report, error)
	}
)

func (req *Request) Validate() error {
	if req.OpID == "" || req.NS == "" {
		return cmn.NewErrInvalidOptions("%s: missing operation ID or namespace", req.Kind)
	}
	var ok bool
	switch req.Kind {
	case KindPrepareToDonate:
		ok = req.Prepare != nil
	case KindCreateRecipientColl:
		ok = req.Create != nil && req.Create.NewCollUUID != "" && len(req.Create.NewKey) > 0
	case KindStartCloning:
		ok = req.Clone != nil
	case KindCommitParticipant:
		ok = req.Commit != nil && (req.Commit.Role == RoleDonor || req.Commit.Role == RoleRecipient)
	case KindSampleKeys:
		ok = req.Sample != nil && req.Sample.Num > 0
	case KindFetchDocs:
		ok = req.FetchDocs != nil && req.FetchDocs.Limit > 0
	case KindFetchOplog:
		ok = req.FetchOplog != nil && req.FetchOplog.Limit > 0
	case KindFetchTxns:
		ok = req.FetchTxns != nil && req.FetchTxns.AfterSeq >= 0
	case KindStartBlockingWrites, KindStartApplyingOplog, KindQueryRecipientState, KindAbortParticipant:
		ok = true
	default:
		return cmn.NewErrInvalidOptions("unknown request kind %q", req.Kind)
	}
	if !ok {
		return cmn.NewErrInvalidOptions("%s: invalid or missing payload", req.Kind)
	}
	return nil
}

func (req *Request) String() string { return string(req.Kind) + "[" + req.OpID + "]-" + req.NS }

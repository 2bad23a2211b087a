// Package reshard implements online resharding: the coordinator state machine,
// its donor and recipient participants, the commit monitor, and abort.
/*
 * Copyright (c) 2018-2026, NVIDIA CORPORATION. All rights reserved.
 */
package reshard

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/NVIDIA/reshard/cmn"
	"github.com/NVIDIA/reshard/core/meta"
)

type (
	DonorMutable struct {
		State DonorState `bson:"state" json:"state"`
		// recipients replicate this donor's oplog from here on
		MinFetchTS meta.Timestamp `bson:"minFetchTimestamp" json:"minFetchTimestamp"`
		// the "no more writes" marker
		StrictTS meta.Timestamp `bson:"strictConsistencyTimestamp" json:"strictConsistencyTimestamp"`
	}
	DonorEntry struct {
		Shard   meta.ShardID `bson:"id" json:"id"`
		Mutable DonorMutable `bson:"mutableState" json:"mutableState"`
	}

	RecipientMutable struct {
		State     RecipientState `bson:"state" json:"state"`
		ErrMsg    string         `bson:"abortReason,omitempty" json:"abortReason,omitempty"`
		ErrCode   string         `bson:"abortCode,omitempty" json:"abortCode,omitempty"`
		Lag       time.Duration  `bson:"lag" json:"lag"` // max over donors
		CloneDone bool           `bson:"cloneDone" json:"cloneDone"`
	}
	RecipientEntry struct {
		Shard   meta.ShardID     `bson:"id" json:"id"`
		Mutable RecipientMutable `bson:"mutableState" json:"mutableState"`
	}

	Decision struct {
		NewEpoch  string `bson:"newEpoch" json:"newEpoch"`
		DecidedAt int64  `bson:"decidedAt" json:"decidedAt"`
	}

	// Operation is the coordinator document: the single source of truth for
	// one resharding operation, one per namespace
	Operation struct {
		ID          string           `bson:"opId" json:"opId"`
		NS          string           `bson:"_id" json:"ns"`
		CollUUID    string           `bson:"collUUID" json:"collUUID"`
		NewCollUUID string           `bson:"reshardingUUID" json:"reshardingUUID"`
		Collation   string           `bson:"collation" json:"collation"`
		OldKey      meta.KeyPattern  `bson:"oldShardKey" json:"oldShardKey"`
		NewKey      meta.KeyPattern  `bson:"newShardKey" json:"newShardKey"`
		State       State            `bson:"state" json:"state"`
		Donors      []DonorEntry     `bson:"donorShards" json:"donorShards"`
		Recipients  []RecipientEntry `bson:"recipientShards" json:"recipientShards"`
		Chunks      meta.ChunkMap    `bson:"presetReshardedChunks" json:"presetReshardedChunks"`
		Zones       []meta.Zone      `bson:"zones,omitempty" json:"zones,omitempty"`
		CloneTS     meta.Timestamp   `bson:"cloneTimestamp" json:"cloneTimestamp"`
		Decision    *Decision        `bson:"decision,omitempty" json:"decision,omitempty"`
		AbortReason string           `bson:"abortReason,omitempty" json:"abortReason,omitempty"`
		AbortCode   string           `bson:"abortCode,omitempty" json:"abortCode,omitempty"`
		StartedAt   int64            `bson:"startedAt" json:"startedAt"`
		Preset      bool             `bson:"preset" json:"preset"`
		Unique      bool             `bson:"unique" json:"unique"`
	}
)

func (op *Operation) String() string {
	return fmt.Sprintf("%s[%s,%s]", op.NS, op.ID, op.State)
}

func (op *Operation) TempNS() string { return meta.TempNS(op.NS, op.CollUUID) }

func (op *Operation) clone() *Operation {
	c := *op
	c.OldKey = append(meta.KeyPattern(nil), op.OldKey...)
	c.NewKey = append(meta.KeyPattern(nil), op.NewKey...)
	c.Donors = append([]DonorEntry(nil), op.Donors...)
	c.Recipients = append([]RecipientEntry(nil), op.Recipients...)
	c.Chunks = op.Chunks.Clone()
	c.Zones = append([]meta.Zone(nil), op.Zones...)
	if op.Decision != nil {
		d := *op.Decision
		c.Decision = &d
	}
	return &c
}

func (op *Operation) DonorIDs() []meta.ShardID {
	ids := make([]meta.ShardID, len(op.Donors))
	for i := range op.Donors {
		ids[i] = op.Donors[i].Shard
	}
	return ids
}

func (op *Operation) RecipientIDs() []meta.ShardID {
	ids := make([]meta.ShardID, len(op.Recipients))
	for i := range op.Recipients {
		ids[i] = op.Recipients[i].Shard
	}
	return ids
}

// Participants returns donors and recipients, deduplicated and sorted
func (op *Operation) Participants() []meta.ShardID {
	set := make(map[meta.ShardID]struct{}, len(op.Donors)+len(op.Recipients))
	for _, id := range op.DonorIDs() {
		set[id] = struct{}{}
	}
	for _, id := range op.RecipientIDs() {
		set[id] = struct{}{}
	}
	ids := make([]meta.ShardID, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (op *Operation) donor(id meta.ShardID) *DonorEntry {
	for i := range op.Donors {
		if op.Donors[i].Shard == id {
			return &op.Donors[i]
		}
	}
	return nil
}

func (op *Operation) recipient(id meta.ShardID) *RecipientEntry {
	for i := range op.Recipients {
		if op.Recipients[i].Shard == id {
			return &op.Recipients[i]
		}
	}
	return nil
}

// chunks assigned to the recipient under the new shard key
func (op *Operation) recipientChunks(id meta.ShardID) meta.ChunkMap {
	var out meta.ChunkMap
	for _, c := range op.Chunks {
		if c.Shard == id {
			out = append(out, c)
		}
	}
	return out
}

// setAbortReason records the first reason only
func (op *Operation) setAbortReason(err error) {
	if op.AbortReason != "" {
		return
	}
	if errors.Is(err, cmn.ErrUserAbort) {
		op.AbortCode, op.AbortReason = cmn.CodeAborted, cmn.ErrUserAbort.Error()
		return
	}
	op.AbortCode, op.AbortReason = cmn.ErrCode(err), err.Error()
	if op.AbortCode == "" {
		op.AbortCode = cmn.CodeInternal
	}
}

// AbortErr reconstructs the recorded abort reason
func (op *Operation) AbortErr() error {
	if op.AbortReason == "" {
		return nil
	}
	if op.AbortReason == cmn.ErrUserAbort.Error() {
		return cmn.ErrUserAbort
	}
	return cmn.NewErrRemote(op.AbortCode, op.AbortReason)
}

// next routing table, installed at commit
func (op *Operation) collMeta() *meta.CollMeta {
	cm := &meta.CollMeta{
		NS:        op.NS,
		UUID:      op.NewCollUUID,
		Key:       op.NewKey,
		Collation: op.Collation,
		Chunks:    op.Chunks.Clone(),
		Unique:    op.Unique,
	}
	if op.Decision != nil {
		cm.Epoch = op.Decision.NewEpoch
	}
	return cm
}

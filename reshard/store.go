// Package reshard implements online resharding: the coordinator state machine,
// its donor and recipient participants, the commit monitor, and abort.
/*
 * Copyright (c) 2018-2026, NVIDIA CORPORATION. All rights reserved.
 */
package reshard

import (
	"time"

	"github.com/NVIDIA/reshard/cmn"
	"github.com/NVIDIA/reshard/cmn/cos"
	"github.com/NVIDIA/reshard/core/meta"
	"github.com/NVIDIA/reshard/dbdriver"
)

const (
	collOperations = "config.reshardingOperations"
	collHistory    = "config.reshardingHistory"
)

// operation outcomes
const (
	OutcomeCommitted = "committed"
	OutcomeCanceled  = "canceled"
)

type (
	// OpStore persists coordinator documents (one per namespace) and the last
	// outcome per namespace
	OpStore struct {
		db dbdriver.Driver
	}

	Outcome struct {
		NS      string          `bson:"_id" json:"ns"`
		OpID    string          `bson:"opId" json:"opId"`
		Outcome string          `bson:"outcome" json:"outcome"`
		Key     meta.KeyPattern `bson:"key" json:"key"`
		Reason  string          `bson:"reason,omitempty" json:"reason,omitempty"`
		EndedAt int64           `bson:"endedAt" json:"endedAt"`
	}
)

func NewOpStore(db dbdriver.Driver) *OpStore { return &OpStore{db: db} }

// Insert fails with ErrConflictingOperation if the namespace is being resharded
func (s *OpStore) Insert(op *Operation) error {
	if err := s.db.SetIfAbsent(collOperations, op.NS, op); err != nil {
		if dbdriver.IsErrAlreadyExists(err) {
			return cmn.NewErrConflictingOperation(op.NS, "", "resharding")
		}
		return err
	}
	return nil
}

func (s *OpStore) Update(op *Operation) error { return s.db.Set(collOperations, op.NS, op) }

func (s *OpStore) Get(ns string) (*Operation, error) {
	op := &Operation{}
	if err := s.db.Get(collOperations, ns, op); err != nil {
		if dbdriver.IsErrNotFound(err) {
			return nil, cos.NewErrNotFound(nil, "resharding operation for "+ns)
		}
		return nil, err
	}
	return op, nil
}

func (s *OpStore) Delete(ns string) error {
	if err := s.db.Delete(collOperations, ns); err != nil && !dbdriver.IsErrNotFound(err) {
		return err
	}
	return nil
}

func (s *OpStore) List() ([]*Operation, error) {
	all, err := s.db.GetAll(collOperations, "")
	if err != nil {
		return nil, err
	}
	ops := make([]*Operation, 0, len(all))
	for ns, val := range all {
		op := &Operation{}
		if err := dbdriver.Decode(val, op); err != nil {
			return nil, cmn.NewErrFailedTo(nil, "decode", "resharding operation for "+ns, err)
		}
		ops = append(ops, op)
	}
	return ops, nil
}

func (s *OpStore) PutOutcome(op *Operation, outcome string) error {
	o := &Outcome{
		NS:      op.NS,
		OpID:    op.ID,
		Outcome: outcome,
		Key:     op.NewKey,
		Reason:  op.AbortReason,
		EndedAt: time.Now().UnixNano(),
	}
	return s.db.Set(collHistory, op.NS, o)
}

// LastOutcome returns nil if the namespace has never been resharded
func (s *OpStore) LastOutcome(ns string) (*Outcome, error) {
	o := &Outcome{}
	if err := s.db.Get(collHistory, ns, o); err != nil {
		if dbdriver.IsErrNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return o, nil
}

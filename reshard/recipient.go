// Package reshard implements online resharding: the coordinator state machine,
// its donor and recipient participants, the commit monitor, and abort.
/*
 * Copyright (c) 2018-2026, NVIDIA CORPORATION. All rights reserved.
 */
package reshard

import (
	"context"
	"sync"
	"time"

	"github.com/NVIDIA/reshard/cmn"
	"github.com/NVIDIA/reshard/cmn/cos"
	"github.com/NVIDIA/reshard/cmn/debug"
	"github.com/NVIDIA/reshard/cmn/nlog"
	"github.com/NVIDIA/reshard/core/meta"
	"github.com/NVIDIA/reshard/dbdriver"
	"github.com/NVIDIA/reshard/stats"
	"github.com/NVIDIA/reshard/xact"
)

const collRecipients = "config.localReshardingOperations.recipient"

type (
	donorProgress struct {
		CloneAfter  any            `bson:"cloneAfter,omitempty"` // last cloned _id
		LastApplied meta.Timestamp `bson:"lastApplied"`
		Head        meta.Timestamp `bson:"head"`
		TxnSeq      int64          `bson:"txnSeq"` // donor ledger sequence imported
		CloneDone   bool           `bson:"cloneDone"`
		Final       bool           `bson:"final"` // "no more writes" marker applied
	}
	recipientDoc struct {
		OpID        string                          `bson:"_id"`
		NS          string                          `bson:"ns"`
		TempNS      string                          `bson:"tempNs"`
		CollUUID    string                          `bson:"collUUID"`
		NewCollUUID string                          `bson:"reshardingUUID"`
		NewKey      meta.KeyPattern                 `bson:"newShardKey"`
		Chunks      meta.ChunkMap                   `bson:"chunks"`
		Donors      []meta.ShardID                  `bson:"donors"`
		CloneTS     meta.Timestamp                  `bson:"cloneTimestamp"`
		Progress    map[meta.ShardID]*donorProgress `bson:"progress"`
		Mutable     RecipientMutable                `bson:"mutableState"`
	}

	// recipient state machine: creating-collection => cloning => applying =>
	// strict-consistency => done; any of them => error
	recipient struct {
		s      *Service
		cancel context.CancelFunc
		done   chan struct{} // background cloning or applying
		doc    recipientDoc
		mu     sync.Mutex
	}
)

func (s *Service) newRecipient(req *Request) (*recipient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.recipients[req.OpID]; ok {
		return r, nil
	}
	p := req.Create
	r := &recipient{s: s, doc: recipientDoc{
		OpID:        req.OpID,
		NS:          req.NS,
		TempNS:      meta.TempNS(req.NS, p.CollUUID),
		CollUUID:    p.CollUUID,
		NewCollUUID: p.NewCollUUID,
		NewKey:      p.NewKey,
		Chunks:      p.Chunks,
		Donors:      p.Donors,
		Progress:    make(map[meta.ShardID]*donorProgress, len(p.Donors)),
		Mutable:     RecipientMutable{State: RecipientCreating},
	}}
	for _, id := range p.Donors {
		r.doc.Progress[id] = &donorProgress{}
	}
	if err := s.node.CreateCollection(r.doc.TempNS, p.NewCollUUID); err != nil {
		return nil, err
	}
	if err := r.persist(); err != nil {
		return nil, err
	}
	s.recipients[req.OpID] = r
	nlog.Infoln(r.String(), "created", r.doc.TempNS)
	return r, nil
}

func (r *recipient) holder() string { return xact.KindRecipient + ":" + r.doc.OpID }

func (r *recipient) String() string {
	return string(r.s.ID()) + ":recipient[" + r.doc.OpID + "," + string(r.doc.Mutable.State) + "]"
}

// under lock
func (r *recipient) persist() error { return r.s.db.Set(collRecipients, r.doc.OpID, &r.doc) }

func (r *recipient) report() *Report {
	r.mu.Lock()
	m := r.doc.Mutable
	r.mu.Unlock()
	return &Report{Recipient: &m}
}

// under lock
func (r *recipient) setState(state RecipientState) error {
	prev := r.doc.Mutable.State
	r.doc.Mutable.State = state
	if err := r.persist(); err != nil {
		r.doc.Mutable.State = prev
		return err
	}
	nlog.Infoln(r.String(), "<=", prev)
	return nil
}

// fail parks the recipient in the error state for the commit monitor to see
func (r *recipient) fail(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.doc.Mutable.State == RecipientError {
		return
	}
	code := cmn.ErrCode(err)
	if code == "" {
		code = cmn.CodeInternal
	}
	r.doc.Mutable.ErrMsg, r.doc.Mutable.ErrCode = err.Error(), code
	if errV := r.setState(RecipientError); errV != nil {
		nlog.Errorln(r.String(), errV)
	}
	nlog.Errorln(r.String(), "failed:", err)
}

func (r *recipient) startCloning(p *CloneParams) (*Report, error) {
	r.mu.Lock()
	switch r.doc.Mutable.State {
	case RecipientCreating:
		r.doc.CloneTS = p.CloneTS
		for id, prog := range r.doc.Progress {
			ts, ok := p.MinFetch[id]
			if !ok {
				r.mu.Unlock()
				return nil, cmn.NewErrInvalidOptions("%s: missing minFetchTimestamp of donor %s", r, id)
			}
			prog.LastApplied = ts
		}
		if err := r.setState(RecipientCloning); err != nil {
			r.mu.Unlock()
			return nil, err
		}
		r.goRun(r.clone)
	case RecipientCloning, RecipientApplying, RecipientStrict, RecipientError:
		// resent
	default:
		debug.Assert(false, r.String())
	}
	r.mu.Unlock()
	return r.report(), nil
}

func (r *recipient) startApplying() (*Report, error) {
	r.mu.Lock()
	switch r.doc.Mutable.State {
	case RecipientCloning:
		if !r.doc.Mutable.CloneDone {
			r.mu.Unlock()
			return nil, cmn.NewErrInvalidOptions("%s: cloning in progress", r)
		}
		if err := r.setState(RecipientApplying); err != nil {
			r.mu.Unlock()
			return nil, err
		}
		r.goRun(r.apply)
	case RecipientApplying, RecipientStrict, RecipientError:
	default:
		r.mu.Unlock()
		return nil, cmn.NewErrInvalidOptions("%s: cannot start applying", r)
	}
	r.mu.Unlock()
	return r.report(), nil
}

// under lock
func (r *recipient) goRun(f func(ctx context.Context) error) {
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel, r.done = cancel, make(chan struct{})
	done := r.done
	r.s.wg.Add(1)
	go func() {
		defer func() {
			close(done)
			r.s.wg.Done()
		}()
		go func() {
			select {
			case <-r.s.stopCh.Listen():
				cancel()
			case <-done:
			}
		}()
		if err := f(ctx); err != nil && ctx.Err() == nil {
			r.fail(err)
		}
	}()
}

func (r *recipient) stop() {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel, r.done = nil, nil
	r.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

// call retries transient failures for as long as the context permits
func (r *recipient) call(ctx context.Context, donor meta.ShardID, req *Request) (*Report, error) {
	interval := cmn.GCO.Get().Reshard.RetryInterval.D()
	for {
		rep, err := r.s.peers.Call(ctx, donor, req)
		if err == nil || !cmn.IsErrRetriable(err) {
			return rep, err
		}
		if nlog.V(4) {
			nlog.Infoln(r.String(), "retrying", req.String(), "at", donor+":", err)
		}
		select {
		case <-time.After(interval):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

//
// cloning
//

func (r *recipient) clone(ctx context.Context) error {
	for _, donor := range r.doc.Donors {
		if err := r.cloneFrom(ctx, donor); err != nil {
			return err
		}
		if err := r.importTxns(ctx, donor); err != nil {
			return err
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.doc.Mutable.CloneDone = true
	if err := r.persist(); err != nil {
		return err
	}
	nlog.Infoln(r.String(), "clone done,", r.s.node.Count(r.doc.TempNS), "documents")
	return nil
}

func (r *recipient) cloneFrom(ctx context.Context, donor meta.ShardID) error {
	var (
		config = cmn.GCO.Get()
		limit  = config.Reshard.CloneBatch
	)
	r.mu.Lock()
	prog := r.doc.Progress[donor]
	after, done := prog.CloneAfter, prog.CloneDone
	r.mu.Unlock()
	for !done {
		req := &Request{Kind: KindFetchDocs, OpID: r.doc.OpID, NS: r.doc.NS, FetchDocs: &FetchDocsParams{
			After:  after,
			Key:    r.doc.NewKey,
			Chunks: r.doc.Chunks,
			Limit:  limit,
		}}
		rep, err := r.call(ctx, donor, req)
		if err != nil {
			return cmn.NewErrFailedTo(r.s.ID(), "clone from", donor, err)
		}
		for _, doc := range rep.Docs {
			id, _ := meta.GetPath(doc, "_id")
			if err := r.s.node.ApplyFrom(r.doc.TempNS, donor, meta.OpInsert, id, doc); err != nil {
				return err
			}
		}
		r.s.stats.Add(stats.CloneDocs, int64(len(rep.Docs)))
		if rep.Last != nil {
			after = rep.Last
		}
		done = rep.Done

		r.mu.Lock()
		prog.CloneAfter, prog.CloneDone = after, done
		err = r.persist()
		r.mu.Unlock()
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return nil
}

// importTxns carries the donor's transaction ledger over as dead-ends: a
// statement that executed on the donor must not execute again here
func (r *recipient) importTxns(ctx context.Context, donor meta.ShardID) error {
	r.mu.Lock()
	prog := r.doc.Progress[donor]
	after := prog.TxnSeq
	r.mu.Unlock()
	req := &Request{Kind: KindFetchTxns, OpID: r.doc.OpID, NS: r.doc.NS, FetchTxns: &FetchTxnsParams{AfterSeq: after}}
	rep, err := r.call(ctx, donor, req)
	if err != nil {
		return cmn.NewErrFailedTo(r.s.ID(), "fetch transactions from", donor, err)
	}
	n, err := r.s.node.Ledger().ImportDeadEnds(rep.Txns)
	if err != nil {
		return err
	}
	if n > 0 {
		nlog.Infoln(r.String(), "imported", n, "ledger entries from", donor)
	}
	r.mu.Lock()
	prog.TxnSeq = max(prog.TxnSeq, rep.TxnSeq)
	err = r.persist()
	r.mu.Unlock()
	return err
}

//
// applying
//

func (r *recipient) apply(ctx context.Context) error {
	interval := cmn.GCO.Get().Reshard.OplogFetchInterval.D()
	for {
		if err := r.s.hooks.pause(ctx, FailApplyingOplog); err != nil {
			return err
		}
		final := true
		for _, donor := range r.doc.Donors {
			fin, err := r.applyFrom(ctx, donor)
			if err != nil {
				return err
			}
			final = final && fin
		}
		if err := r.updateLag(); err != nil {
			return err
		}
		if final {
			// donors no longer write: last pass over their ledgers
			for _, donor := range r.doc.Donors {
				if err := r.importTxns(ctx, donor); err != nil {
					return err
				}
			}
			return r.toStrict(ctx)
		}
		select {
		case <-time.After(interval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// applyFrom drains the donor's oplog; returns true once the "no more writes"
// marker has been applied
func (r *recipient) applyFrom(ctx context.Context, donor meta.ShardID) (bool, error) {
	limit := cmn.GCO.Get().Reshard.OplogBatch
	r.mu.Lock()
	prog := r.doc.Progress[donor]
	after, final := prog.LastApplied, prog.Final
	r.mu.Unlock()
	for !final {
		req := &Request{Kind: KindFetchOplog, OpID: r.doc.OpID, NS: r.doc.NS,
			FetchOplog: &FetchOplogParams{After: after, Limit: limit}}
		rep, err := r.call(ctx, donor, req)
		if err != nil {
			return false, cmn.NewErrFailedTo(r.s.ID(), "fetch oplog from", donor, err)
		}
		for i := range rep.Oplog {
			e := &rep.Oplog[i]
			fin, err := r.applyEntry(donor, e)
			if err != nil {
				return false, err
			}
			after = e.TS
			if fin {
				final = true
				break
			}
		}
		if !final && rep.Scanned.Compare(after) > 0 {
			after = rep.Scanned
		}
		r.s.stats.Add(stats.OplogApplied, int64(len(rep.Oplog)))

		r.mu.Lock()
		prog.LastApplied, prog.Head, prog.Final = after, rep.Head, final
		err = r.persist()
		r.mu.Unlock()
		if err != nil {
			return false, err
		}
		if len(rep.Oplog) < limit {
			break
		}
	}
	return final, nil
}

// applyEntry routes one donor write by the new shard key: documents that
// leave this recipient's chunks are removed
func (r *recipient) applyEntry(donor meta.ShardID, e *meta.OplogEntry) (final bool, err error) {
	switch e.Op {
	case meta.OpFinal:
		return true, nil
	case meta.OpNoop:
		return false, nil
	case meta.OpDelete:
		return false, r.s.node.ApplyFrom(r.doc.TempNS, donor, meta.OpDelete, e.ID, nil)
	}
	key, err := r.doc.NewKey.Extract(e.Doc)
	if err != nil {
		return false, err
	}
	if r.doc.Chunks.Lookup(key) == nil {
		return false, r.s.node.ApplyFrom(r.doc.TempNS, donor, meta.OpDelete, e.ID, nil)
	}
	return false, r.s.node.ApplyFrom(r.doc.TempNS, donor, e.Op, e.ID, e.Doc)
}

// lag is the max over donors of (donor head - last applied)
func (r *recipient) updateLag() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var lag time.Duration
	for _, prog := range r.doc.Progress {
		if prog.Final {
			continue
		}
		lag = max(lag, prog.Head.Sub(prog.LastApplied))
	}
	r.doc.Mutable.Lag = lag
	return r.persist()
}

func (r *recipient) toStrict(ctx context.Context) error {
	if err := r.s.hooks.pause(ctx, HangBeforeStrictConsistency); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.s.node.BlockWrites(r.doc.NS, r.holder(), "resharding critical section")
	r.doc.Mutable.Lag = 0
	return r.setState(RecipientStrict)
}

//
// commit and abort
//

// commit renames the temporary collection over the source (idempotent)
func (r *recipient) commit(newCollUUID string) error {
	r.stop()
	r.mu.Lock()
	defer r.mu.Unlock()
	debug.Assert(newCollUUID == "" || newCollUUID == r.doc.NewCollUUID, newCollUUID, " vs ", r.doc.NewCollUUID)
	if err := r.s.node.RenameCollection(r.doc.TempNS, r.doc.NS, r.doc.NewCollUUID); err != nil {
		return err
	}
	r.s.node.UnblockWrites(r.doc.NS, r.holder())
	r.doc.Mutable.State = RecipientDone
	return r.remove()
}

func (r *recipient) abort() error {
	r.stop()
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.s.node.DropCollection(r.doc.TempNS, r.doc.NewCollUUID) {
		nlog.Infoln(r.String(), "dropped", r.doc.TempNS)
	}
	r.s.node.UnblockWrites(r.doc.NS, r.holder())
	return r.remove()
}

// under lock
func (r *recipient) remove() error {
	if err := r.s.db.Delete(collRecipients, r.doc.OpID); err != nil && !dbdriver.IsErrNotFound(err) {
		return err
	}
	r.s.delRecipient(r.doc.OpID)
	nlog.Infoln(r.String(), "removed")
	return nil
}

// recover resumes background work from the persisted progress
func (r *recipient) recover() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.s.node.CollUUID(r.doc.TempNS); !ok {
		if err := r.s.node.CreateCollection(r.doc.TempNS, r.doc.NewCollUUID); err != nil {
			return err
		}
	}
	switch r.doc.Mutable.State {
	case RecipientCloning:
		if !r.doc.Mutable.CloneDone {
			r.goRun(r.clone)
		}
	case RecipientApplying:
		r.goRun(r.apply)
	case RecipientStrict:
		r.s.node.BlockWrites(r.doc.NS, r.holder(), "resharding critical section")
	}
	n := len(r.doc.Donors)
	nlog.Infoln(r.String(), "recovered with", n, "donor"+cos.Plural(n))
	return nil
}

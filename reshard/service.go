// Package reshard implements online resharding: the coordinator state machine,
// its donor and recipient participants, the commit monitor, and abort.
/*
 * Copyright (c) 2018-2026, NVIDIA CORPORATION. All rights reserved.
 */
package reshard

import (
	"context"
	"sync"

	"github.com/NVIDIA/reshard/cmn"
	"github.com/NVIDIA/reshard/cmn/cos"
	"github.com/NVIDIA/reshard/cmn/nlog"
	"github.com/NVIDIA/reshard/core/meta"
	"github.com/NVIDIA/reshard/dbdriver"
	"github.com/NVIDIA/reshard/shard"
	"github.com/NVIDIA/reshard/stats"

	"go.mongodb.org/mongo-driver/bson"
)

// Service is one shard's participant endpoint: it dispatches internal RPCs
// to that shard's donor and recipient state machines
type Service struct {
	node       *shard.Node
	db         dbdriver.Driver // shard-local, survives restarts
	peers      Participants    // to fetch from donors
	stats      *stats.Tracker
	hooks      *Hooks
	donors     map[string]*donor     // by operation ID
	recipients map[string]*recipient // ditto
	stopCh     *cos.StopCh
	wg         sync.WaitGroup
	mu         sync.Mutex
}

// interface guard
var _ Handler = (*Service)(nil)

func NewService(node *shard.Node, db dbdriver.Driver, peers Participants, tracker *stats.Tracker, hooks *Hooks) *Service {
	s := &Service{
		node:       node,
		db:         db,
		peers:      peers,
		stats:      tracker,
		hooks:      hooks,
		donors:     make(map[string]*donor, 2),
		recipients: make(map[string]*recipient, 2),
		stopCh:     cos.NewStopCh(),
	}
	return s
}

func (s *Service) ID() meta.ShardID  { return s.node.ID() }
func (s *Service) String() string    { return "reshard-svc[" + string(s.node.ID()) + "]" }
func (s *Service) Node() *shard.Node { return s.node }

// Stop terminates background cloning and applying; a stopped service
// rejects all requests
func (s *Service) Stop() {
	s.stopCh.Close()
	s.wg.Wait()
}

func (s *Service) Handle(ctx context.Context, req *Request) (*Report, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if s.stopCh.Closed() {
		return nil, cmn.NewErrNotPrimary(string(s.ID()), "stopped")
	}
	rep, err := s.handle(ctx, req)
	if err != nil {
		if nlog.V(4) || !cmn.IsErrRetriable(err) {
			nlog.Warningln(s.String(), req.String()+":", err)
		}
		return nil, err
	}
	rep.Shard = s.ID()
	return rep, nil
}

func (s *Service) handle(ctx context.Context, req *Request) (*Report, error) {
	switch req.Kind {
	// donor
	case KindPrepareToDonate:
		d, err := s.newDonor(req)
		if err != nil {
			return nil, err
		}
		return d.prepare()
	case KindStartBlockingWrites:
		d, err := s.getDonor(req)
		if err != nil {
			return nil, err
		}
		return d.blockWrites(ctx)
	case KindFetchDocs:
		return s.fetchDocs(req)
	case KindFetchOplog:
		if d, err := s.getDonor(req); err == nil {
			d.fetchStarted()
		}
		p := req.FetchOplog
		entries, scanned, head := s.node.FetchOplog(req.NS, p.After, p.Limit)
		return &Report{Oplog: entries, Scanned: scanned, Head: head}, nil
	case KindFetchTxns:
		return s.fetchTxns(req), nil
	case KindSampleKeys:
		keys, err := s.node.SampleKeys(req.NS, req.Sample.Key, req.Sample.Num)
		if err != nil {
			return nil, err
		}
		return &Report{Keys: keys}, nil

	// recipient
	case KindCreateRecipientColl:
		r, err := s.newRecipient(req)
		if err != nil {
			return nil, err
		}
		return r.report(), nil
	case KindStartCloning:
		r, err := s.getRecipient(req)
		if err != nil {
			return nil, err
		}
		return r.startCloning(req.Clone)
	case KindStartApplyingOplog:
		r, err := s.getRecipient(req)
		if err != nil {
			return nil, err
		}
		return r.startApplying()
	case KindQueryRecipientState:
		r, err := s.getRecipient(req)
		if err != nil {
			return nil, err
		}
		return r.report(), nil

	// both
	case KindCommitParticipant:
		return &Report{}, s.commit(req)
	case KindAbortParticipant:
		return &Report{}, s.abort(req)
	}
	return nil, cmn.NewErrInvalidOptions("unknown request kind %q", req.Kind)
}

func (s *Service) fetchDocs(req *Request) (*Report, error) {
	var (
		p      = req.FetchDocs
		errKey error
		keep   = func(doc bson.D) bool {
			k, err := p.Key.Extract(doc)
			if err != nil {
				if errKey == nil {
					errKey = err
				}
				return false
			}
			for i := range p.Chunks {
				if p.Chunks[i].Contains(k) {
					return true
				}
			}
			return false
		}
	)
	docs, last, done := s.node.ScanDocs(req.NS, p.After, p.Limit, keep)
	if errKey != nil {
		return nil, errKey
	}
	return &Report{Docs: docs, Last: last, Done: done}, nil
}

// fetchTxns returns the namespace's ledger entries written after AfterSeq;
// the sequence is read first so that nothing in between is skipped
func (s *Service) fetchTxns(req *Request) *Report {
	ledger := s.node.Ledger()
	seq := ledger.Seq()
	return &Report{Txns: ledger.EntriesOf(req.NS, req.FetchTxns.AfterSeq), TxnSeq: seq}
}

func (s *Service) commit(req *Request) error {
	switch req.Commit.Role {
	case RoleRecipient:
		r, err := s.getRecipient(req)
		if err != nil {
			if cos.IsErrNotFound(err) {
				return nil // committed
			}
			return err
		}
		return r.commit(req.Commit.NewCollUUID)
	default:
		d, err := s.getDonor(req)
		if err != nil {
			if cos.IsErrNotFound(err) {
				return nil
			}
			return err
		}
		return d.commit(req.Commit.CollUUID)
	}
}

// abort rolls back both roles, if any
func (s *Service) abort(req *Request) error {
	if r, err := s.getRecipient(req); err == nil {
		if err := r.abort(); err != nil {
			return err
		}
	}
	if d, err := s.getDonor(req); err == nil {
		return d.abort()
	}
	return nil
}

func (s *Service) getDonor(req *Request) (*donor, error) {
	s.mu.Lock()
	d, ok := s.donors[req.OpID]
	s.mu.Unlock()
	if !ok {
		return nil, cos.NewErrNotFound(s, "donor "+req.String())
	}
	return d, nil
}

func (s *Service) getRecipient(req *Request) (*recipient, error) {
	s.mu.Lock()
	r, ok := s.recipients[req.OpID]
	s.mu.Unlock()
	if !ok {
		return nil, cos.NewErrNotFound(s, "recipient "+req.String())
	}
	return r, nil
}

func (s *Service) delDonor(opID string) {
	s.mu.Lock()
	delete(s.donors, opID)
	s.mu.Unlock()
}

func (s *Service) delRecipient(opID string) {
	s.mu.Lock()
	delete(s.recipients, opID)
	s.mu.Unlock()
}

// Recover reloads shard-local donor and recipient documents, re-establishes
// write blocking, and restarts background work
func (s *Service) Recover() error {
	donors, err := s.db.GetAll(collDonors, "")
	if err != nil {
		return err
	}
	for opID, val := range donors {
		d := &donor{s: s}
		if err := dbdriver.Decode(val, &d.doc); err != nil {
			return cmn.NewErrFailedTo(s, "decode", "donor document "+opID, err)
		}
		d.recover()
		s.mu.Lock()
		s.donors[opID] = d
		s.mu.Unlock()
	}
	recipients, err := s.db.GetAll(collRecipients, "")
	if err != nil {
		return err
	}
	for opID, val := range recipients {
		r := &recipient{s: s}
		if err := dbdriver.Decode(val, &r.doc); err != nil {
			return cmn.NewErrFailedTo(s, "decode", "recipient document "+opID, err)
		}
		s.mu.Lock()
		s.recipients[opID] = r
		s.mu.Unlock()
		if err := r.recover(); err != nil {
			return err
		}
	}
	if n := len(donors) + len(recipients); n > 0 {
		nlog.Infoln(s.String(), "recovered", n, "participant document"+cos.Plural(n))
	}
	return nil
}

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
	"github.com/NVIDIA/reshard/cmn/nlog"
	"github.com/NVIDIA/reshard/dbdriver"
	"github.com/NVIDIA/reshard/xact"
)

const collDonors = "config.localReshardingOperations.donor"

type (
	donorDoc struct {
		OpID     string       `bson:"_id"`
		NS       string       `bson:"ns"`
		CollUUID string       `bson:"collUUID"`
		Mutable  DonorMutable `bson:"mutableState"`
	}

	// donor state machine: preparing-to-donate => donating-initial-data =>
	// donating-oplog-entries => blocking-writes => done
	donor struct {
		s   *Service
		doc donorDoc
		mu  sync.Mutex
	}
)

func (s *Service) newDonor(req *Request) (*donor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.donors[req.OpID]; ok {
		return d, nil
	}
	uuid := req.Prepare.CollUUID
	if err := s.node.CreateCollection(req.NS, uuid); err != nil {
		// exists with a different uuid (dropped and recreated)
		return nil, cmn.NewErrFailedTo(s, "prepare to donate", req.NS, err)
	}
	d := &donor{s: s, doc: donorDoc{OpID: req.OpID, NS: req.NS, CollUUID: uuid, Mutable: DonorMutable{State: DonorPreparing}}}
	if err := d.persist(); err != nil {
		return nil, err
	}
	s.donors[req.OpID] = d
	return d, nil
}

func (d *donor) holder() string { return xact.KindDonor + ":" + d.doc.OpID }

func (d *donor) String() string {
	return string(d.s.ID()) + ":donor[" + d.doc.OpID + "," + string(d.doc.Mutable.State) + "]"
}

// under lock
func (d *donor) persist() error { return d.s.db.Set(collDonors, d.doc.OpID, &d.doc) }

// under lock
func (d *donor) setState(state DonorState) error {
	prev := d.doc.Mutable.State
	d.doc.Mutable.State = state
	if err := d.persist(); err != nil {
		d.doc.Mutable.State = prev
		return err
	}
	nlog.Infoln(d.String(), "<=", prev)
	return nil
}

func (d *donor) report() *Report {
	m := d.doc.Mutable
	return &Report{Donor: &m}
}

// prepare records minFetchTimestamp (idempotent)
func (d *donor) prepare() (*Report, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.doc.Mutable.State == DonorPreparing {
		d.doc.Mutable.MinFetchTS = d.s.node.LogNoop(d.doc.NS)
		if err := d.setState(DonorInitialData); err != nil {
			return nil, err
		}
	}
	return d.report(), nil
}

// the first recipient to fetch the oplog moves the donor past initial data
func (d *donor) fetchStarted() {
	d.mu.Lock()
	if d.doc.Mutable.State == DonorInitialData {
		if err := d.setState(DonorOplog); err != nil {
			nlog.Errorln(d.String(), err)
		}
	}
	d.mu.Unlock()
}

// blockWrites starts the critical section and writes the final oplog marker;
// strictConsistencyTimestamp is the marker's (idempotent)
func (d *donor) blockWrites(ctx context.Context) (*Report, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch d.doc.Mutable.State {
	case DonorBlocking:
		return d.report(), nil
	case DonorInitialData, DonorOplog:
	default:
		return nil, cmn.NewErrInvalidOptions("%s: cannot block writes", d)
	}
	d.s.node.BlockWrites(d.doc.NS, d.holder(), "resharding critical section")
	// prepared internal transactions commit before the marker
	if err := d.s.node.WaitPrepared(ctx, d.doc.NS); err != nil {
		return nil, err
	}
	d.doc.Mutable.StrictTS = d.s.node.LogFinal(d.doc.NS)
	if err := d.setState(DonorBlocking); err != nil {
		return nil, err
	}
	return d.report(), nil
}

// commit drops the source collection if it is still the original one, then
// releases the critical section
func (d *donor) commit(collUUID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.s.node.DropCollection(d.doc.NS, collUUID) {
		nlog.Infoln(d.String(), "dropped original", d.doc.NS)
	}
	d.s.node.UnblockWrites(d.doc.NS, d.holder())
	d.doc.Mutable.State = DonorDone
	return d.remove()
}

func (d *donor) abort() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.s.node.UnblockWrites(d.doc.NS, d.holder())
	d.doc.Mutable.State = DonorError
	return d.remove()
}

// under lock
func (d *donor) remove() error {
	if err := d.s.db.Delete(collDonors, d.doc.OpID); err != nil && !dbdriver.IsErrNotFound(err) {
		return err
	}
	d.s.delDonor(d.doc.OpID)
	nlog.Infoln(d.String())
	return nil
}

func (d *donor) recover() {
	if d.doc.Mutable.State == DonorBlocking {
		d.s.node.BlockWrites(d.doc.NS, d.holder(), "resharding critical section")
	}
}

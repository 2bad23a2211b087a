// Package reshard implements online resharding: the coordinator state machine,
// its donor and recipient participants, the commit monitor, and abort.
/*
 * Copyright (c) 2018-2026, NVIDIA CORPORATION. All rights reserved.
 */
package reshard

import (
	"context"
	"sync"
	ratomic "sync/atomic"
	"time"

	"github.com/NVIDIA/reshard/catalog"
	"github.com/NVIDIA/reshard/cmn"
	"github.com/NVIDIA/reshard/cmn/cos"
	"github.com/NVIDIA/reshard/cmn/nlog"
	"github.com/NVIDIA/reshard/core/meta"
	"github.com/NVIDIA/reshard/stats"
	"github.com/NVIDIA/reshard/xact"
)

type (
	// Options of reshardCollection
	Options struct {
		Chunks    meta.ChunkMap `json:"presetReshardedChunks,omitempty"` // explicit distribution
		Zones     []meta.Zone   `json:"zones,omitempty"`
		Collation string        `json:"collation,omitempty"`
		Unique    bool          `json:"unique,omitempty"`
	}

	Args struct {
		Catalog      catalog.Catalog
		Registry     meta.Registry
		Participants Participants
		Store        *OpStore
		Stats        *stats.Tracker
		Hooks        *Hooks
	}

	// Coordinator runs resharding operations, one per namespace at a time
	Coordinator struct {
		cat     catalog.Catalog
		reg     meta.Registry
		parts   Participants
		store   *OpStore
		stats   *stats.Tracker
		hooks   *Hooks
		running map[string]*coordX
		mu      sync.Mutex
	}

	// coordX is one operation's run: the single writer of its document
	coordX struct {
		c      *Coordinator
		op     *Operation
		ctx    context.Context
		cancel context.CancelFunc
		done   chan struct{}
		res    error // outcome, once done
		xact.Base
		ns      string
		newKey  meta.KeyPattern
		opMu    sync.RWMutex
		decMu   sync.Mutex // decision vs abort
		decided bool
		stopped ratomic.Bool
	}
)

func NewCoordinator(args *Args) *Coordinator {
	return &Coordinator{
		cat:     args.Catalog,
		reg:     args.Registry,
		parts:   args.Participants,
		store:   args.Store,
		stats:   args.Stats,
		hooks:   args.Hooks,
		running: make(map[string]*coordX, 4),
	}
}

// StartReshardCollection validates, persists, and runs the operation, and
// blocks until it is done (or ctx is done, in which case it keeps running)
func (c *Coordinator) StartReshardCollection(ctx context.Context, ns string, key meta.KeyPattern, opts *Options) error {
	if opts == nil {
		opts = &Options{}
	}
	cm, err := c.cat.Get(ns)
	if err != nil {
		return err
	}
	if err := c.validate(cm, key, opts); err != nil {
		return err
	}
	if cm.Key.Equal(key) && len(opts.Chunks) == 0 {
		nlog.Infoln(ns+":", "already sharded by", key.String(), "- nothing to do")
		return nil
	}

	x, joined, err := c.reserve(ns, key)
	if err != nil {
		return err
	}
	if joined {
		nlog.Infoln(ns+":", "joining", x.Name())
		return x.wait(ctx)
	}

	op, err := c.newOperation(ctx, x.ID(), cm, key, opts)
	if err == nil {
		err = c.store.Insert(op)
	}
	if err != nil {
		c.unreserve(x, err)
		return err
	}
	x.op = op
	go x.run()
	return x.wait(ctx)
}

// reserve registers the run, or returns the one already running for ns
func (c *Coordinator) reserve(ns string, key meta.KeyPattern) (*coordX, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if x, ok := c.running[ns]; ok {
		if x.newKey.Equal(key) {
			return x, true, nil
		}
		return nil, false, cmn.NewErrConflictingOperation(ns, x.ID(), "resharding to "+x.newKey.String())
	}
	if op, err := c.store.Get(ns); err == nil {
		// persisted but not running here (awaiting recovery)
		return nil, false, cmn.NewErrConflictingOperation(ns, op.ID, "resharding")
	}
	x := c.newX(cos.GenUUID(), ns, key)
	c.running[ns] = x
	return x, false, nil
}

func (c *Coordinator) unreserve(x *coordX, err error) {
	c.mu.Lock()
	delete(c.running, x.ns)
	c.mu.Unlock()
	x.res = err
	close(x.done)
}

func (c *Coordinator) newX(id, ns string, key meta.KeyPattern) *coordX {
	x := &coordX{c: c, ns: ns, newKey: key, done: make(chan struct{})}
	x.InitBase(id, xact.KindReshard, ns)
	x.ctx, x.cancel = context.WithCancel(context.Background())
	x.AddNotif(x.finished)
	return x
}

func (c *Coordinator) newOperation(ctx context.Context, opID string, cm *meta.CollMeta, key meta.KeyPattern, opts *Options) (*Operation, error) {
	op := &Operation{
		ID:          opID,
		NS:          cm.NS,
		CollUUID:    cm.UUID,
		NewCollUUID: cos.GenUUID(),
		Collation:   cm.Collation,
		OldKey:      cm.Key,
		NewKey:      key,
		State:       StateInitializing,
		Zones:       opts.Zones,
		Unique:      opts.Unique,
		StartedAt:   time.Now().UnixNano(),
	}
	if opts.Collation != "" {
		op.Collation = opts.Collation
	}
	for _, id := range cm.Chunks.Shards() {
		op.Donors = append(op.Donors, DonorEntry{Shard: id, Mutable: DonorMutable{State: DonorPreparing}})
	}
	if len(opts.Chunks) > 0 {
		op.Chunks, op.Preset = opts.Chunks.Clone(), true
		op.Chunks.Sort()
	} else {
		chunks, err := c.distribute(ctx, op)
		if err != nil {
			return nil, err
		}
		op.Chunks = chunks
	}
	for _, id := range op.Chunks.Shards() {
		op.Recipients = append(op.Recipients, RecipientEntry{Shard: id, Mutable: RecipientMutable{State: RecipientCreating}})
	}
	return op, nil
}

// Recover resumes every persisted operation (coordinator restart)
func (c *Coordinator) Recover() error {
	ops, err := c.store.List()
	if err != nil {
		return err
	}
	for _, op := range ops {
		c.mu.Lock()
		if _, ok := c.running[op.NS]; ok {
			c.mu.Unlock()
			continue
		}
		x := c.newX(op.ID, op.NS, op.NewKey)
		x.op = op
		x.decided = op.State.Decided()
		c.running[op.NS] = x
		c.mu.Unlock()

		nlog.Infoln("recovering", op.String())
		go x.run()
	}
	return nil
}

// Wait blocks until the operation on ns (if any) is done; with nothing running
// it reports the last recorded outcome
func (c *Coordinator) Wait(ctx context.Context, ns string) error {
	c.mu.Lock()
	x, ok := c.running[ns]
	c.mu.Unlock()
	if ok {
		return x.wait(ctx)
	}
	o, err := c.store.LastOutcome(ns)
	if err != nil || o == nil || o.Outcome == OutcomeCommitted {
		return err
	}
	return cmn.NewErrAborted("reshard["+o.OpID+"]", ns, cmn.NewErrRemote(cmn.CodeAborted, o.Reason))
}

// Status returns a copy of the operation document
func (c *Coordinator) Status(ns string) (*Operation, error) {
	c.mu.Lock()
	x, ok := c.running[ns]
	c.mu.Unlock()
	if ok {
		if op := x.snap(); op != nil {
			return op, nil
		}
	}
	return c.store.Get(ns)
}

// Stop simulates a crash (or step-down): every run stops where it is without
// persisting anything further; the documents stay for Recover
func (c *Coordinator) Stop() {
	c.mu.Lock()
	xs := make([]*coordX, 0, len(c.running))
	for _, x := range c.running {
		xs = append(xs, x)
	}
	c.mu.Unlock()
	for _, x := range xs {
		x.stopped.Store(true)
		x.cancel()
	}
	for _, x := range xs {
		<-x.done
	}
}

////////////
// coordX //
////////////

func (x *coordX) snap() *Operation {
	x.opMu.RLock()
	defer x.opMu.RUnlock()
	if x.op == nil {
		return nil
	}
	return x.op.clone()
}

// log header
func (x *coordX) String() string {
	x.opMu.RLock()
	defer x.opMu.RUnlock()
	if x.op == nil {
		return x.Name()
	}
	return x.op.String()
}

func (x *coordX) wait(ctx context.Context) error {
	select {
	case <-x.done:
		return x.res
	case <-ctx.Done():
		return ctx.Err()
	}
}

// finished records the duration of every run that reaches an outcome
func (x *coordX) finished(_ *xact.Base, _ error, _ bool) {
	if op := x.snap(); op != nil {
		x.c.stats.ObserveLatency(stats.ReshardLatency, time.Since(time.Unix(0, op.StartedAt)))
	}
}

// fin is called once, when the run exits
func (x *coordX) fin(err error) {
	c := x.c
	c.mu.Lock()
	if c.running[x.ns] == x {
		delete(c.running, x.ns)
	}
	c.mu.Unlock()

	if x.stopped.Load() {
		x.res = cmn.NewErrNotPrimary("config", "coordinator stopped")
	} else {
		x.res = err
		x.Finish()
	}
	x.cancel()
	close(x.done)
}

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
	"github.com/NVIDIA/reshard/core/meta"
)

// Local delivers internal RPCs in-process (single-process clusters and tests);
// Fault, when set, is consulted before every delivery
type Local struct {
	handlers map[meta.ShardID]Handler
	fault    func(shard meta.ShardID, req *Request) error
	mu       sync.RWMutex
}

// interface guard
var _ Participants = (*Local)(nil)

func NewLocal() *Local { return &Local{handlers: make(map[meta.ShardID]Handler, 4)} }

// Add registers (or replaces, on "restart") the shard's handler
func (l *Local) Add(shard meta.ShardID, h Handler) {
	l.mu.Lock()
	l.handlers[shard] = h
	l.mu.Unlock()
}

// Remove makes the shard unreachable
func (l *Local) Remove(shard meta.ShardID) {
	l.mu.Lock()
	delete(l.handlers, shard)
	l.mu.Unlock()
}

func (l *Local) SetFault(f func(shard meta.ShardID, req *Request) error) {
	l.mu.Lock()
	l.fault = f
	l.mu.Unlock()
}

func (l *Local) Call(ctx context.Context, shard meta.ShardID, req *Request) (*Report, error) {
	l.mu.RLock()
	h, fault := l.handlers[shard], l.fault
	l.mu.RUnlock()
	if fault != nil {
		if err := fault(shard, req); err != nil {
			return nil, err
		}
	}
	if h == nil {
		return nil, cmn.NewErrNotPrimary(string(shard), "")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return h.Handle(ctx, req)
}

// Package nl tracks participant acknowledgments for resharding broadcasts
/*
 * Copyright (c) 2018-2026, NVIDIA CORPORATION. All rights reserved.
 */
package nl_test

import (
	"errors"
	"sync"
	"testing"

	"github.com/NVIDIA/reshard/core/meta"
	"github.com/NVIDIA/reshard/nl"
	"github.com/NVIDIA/reshard/tools/tassert"
)

func TestListenerCountdown(t *testing.T) {
	var (
		fired  int
		shards = []meta.ShardID{"shard0", "shard1", "shard2"}
		nlb    = nl.NewNLB("op1", "abortParticipant", shards, func(*nl.ListenerBase) { fired++ })
		wg     sync.WaitGroup
	)
	for _, id := range shards[:2] {
		wg.Add(1)
		go func(id meta.ShardID) {
			nlb.MarkFinished(id)
			wg.Done()
		}(id)
	}
	wg.Wait()
	tassert.Fatalf(t, !nlb.Finished(), "%s: finished early", nlb)
	pending := nlb.Pending()
	tassert.Fatalf(t, len(pending) == 1 && pending[0] == "shard2", "pending: %v", pending)

	nlb.MarkFinished("shard2")
	nlb.MarkFinished("shard2")
	tassert.Fatalf(t, nlb.Finished() && fired == 1, "expected exactly one callback, got %d", fired)
	tassert.Errorf(t, nlb.Status().Finished() && nlb.Err() == nil, "status: %s", nlb.Status())
}

func TestListenerFail(t *testing.T) {
	var fired int
	nlb := nl.NewNLB("op2", "commitParticipant", []meta.ShardID{"a", "b"}, func(*nl.ListenerBase) { fired++ })
	nlb.MarkFinished("a")
	nlb.Fail(errors.New("shard b unreachable"))
	nlb.MarkFinished("b")
	tassert.Fatalf(t, fired == 1, "expected one callback, got %d", fired)
	tassert.Errorf(t, nlb.Err() != nil && nlb.Status().ErrMsg != "", "expected error in status")
}

func TestListenerAborted(t *testing.T) {
	nlb := nl.NewNLB("op3", "startCloning", []meta.ShardID{"a", "b"}, nil)
	nlb.MarkFinished("a")
	nlb.SetAborted()
	nlb.Fail(errors.New("context canceled"))
	status := nlb.Status()
	tassert.Errorf(t, status.Aborted() && status.Finished(), "status: %s", status)
	tassert.Errorf(t, len(status.Pending) == 1 && status.Pending[0] == "b", "pending: %v", status.Pending)
}

// Package stats provides methods and functionality to register, track, and
// export resharding metrics: counters, gauges, and latencies.
/*
 * Copyright (c) 2018-2026, NVIDIA CORPORATION. All rights reserved.
 */
package stats_test

import (
	"strings"
	"testing"
	"time"

	"github.com/NVIDIA/reshard/stats"
	"github.com/NVIDIA/reshard/tools/tassert"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestTrackerCounters(t *testing.T) {
	reg := prometheus.NewPedanticRegistry()
	tracker := stats.New("config0", reg)

	tracker.Inc(stats.ReshardCommits)
	tracker.Inc(stats.ReshardCommits)
	tracker.IncWith(stats.ReshardTransitions, stats.VlabState, "cloning")
	tracker.IncWith(stats.ReshardTransitions, stats.VlabState, "applying")
	tracker.IncWith(stats.ReshardRPCRetries, stats.VlabRPC, "startCloning")
	tracker.SetWith(stats.RecipientLag, stats.VlabShard, "shard1", int64(250*time.Millisecond))
	tracker.ObserveLatency(stats.ReshardLatency, 3*time.Second)

	tassert.Errorf(t, tracker.Get(stats.ReshardCommits) == 2, "commits: %d", tracker.Get(stats.ReshardCommits))
	tassert.Errorf(t, tracker.Get(stats.ReshardTransitions) == 2, "transitions: %d", tracker.Get(stats.ReshardTransitions))

	expected := `
# HELP reshard_commit_count committed resharding operations
# TYPE reshard_commit_count counter
reshard_commit_count{node_id="config0"} 2
`
	err := testutil.GatherAndCompare(reg, strings.NewReader(expected), "reshard_commit_count")
	tassert.CheckError(t, err)

	n, err := testutil.GatherAndCount(reg, "reshard_transition_count")
	tassert.CheckFatal(t, err)
	tassert.Errorf(t, n == 2, "expected 2 transition series, got %d", n)

	lag, err := reg.Gather()
	tassert.CheckFatal(t, err)
	var found bool
	for _, mf := range lag {
		if mf.GetName() == "reshard_recipient_lag" {
			found = mf.GetMetric()[0].GetGauge().GetValue() == float64(250*time.Millisecond)
		}
	}
	tassert.Errorf(t, found, "recipient lag gauge not exported")

	snap := tracker.Snap()
	tassert.Errorf(t, strings.Contains(snap.String(), stats.ReshardCommits), "snap: %s", snap)
}

func TestNilTracker(*testing.T) {
	var tracker *stats.Tracker
	tracker.Inc(stats.ReshardAborts)
	tracker.IncWith(stats.ReshardRPCRetries, stats.VlabRPC, "x")
	tracker.SetWith(stats.RecipientLag, stats.VlabShard, "s", 1)
	tracker.ObserveLatency(stats.ReshardLatency, time.Second)
	_ = tracker.Get(stats.ReshardAborts)
	_ = tracker.Snap()
}

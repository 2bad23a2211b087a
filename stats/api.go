// Package stats provides methods and functionality to register, track, and
// export resharding metrics: counters, gauges, and latencies.
/*
 * Copyright (c) 2018-2026, NVIDIA CORPORATION. All rights reserved.
 */
package stats

// metric names; variable labels (if any) in comments
const (
	// coordinator
	ReshardTransitions = "reshard.transition.n"     // state
	ReshardCommits     = "reshard.commit.n"         //
	ReshardAborts      = "reshard.abort.n"          //
	ReshardRPCRetries  = "reshard.rpc.retry.n"      // rpc
	ReshardRPCErrors   = "reshard.rpc.err.n"        // rpc
	MonitorPolls       = "reshard.monitor.poll.n"   //
	ReshardLatency     = "reshard.ns"               // (histogram) time from start to done
	RecipientLag       = "reshard.recipient.lag.ns" // shard

	// participants
	CloneDocs    = "reshard.clone.doc.n"
	OplogApplied = "reshard.oplog.applied.n"

	// transaction ledger and chunk migration
	TxnUpgrades       = "txn.upgrade.n"
	IncompleteHistory = "txn.incomplete.history.n"
	ChunkMigrations   = "chunk.migrate.n"
	DeadEndsImported  = "chunk.migrate.dead.end.n"
)

// variable labels
const (
	VlabState = "state"
	VlabRPC   = "rpc"
	VlabShard = "shard"
)

// metric kinds
const (
	KindCounter = "counter"
	KindGauge   = "gauge"
	KindLatency = "latency" // (histogram)
)

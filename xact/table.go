// Package xact provides core functionality for long-running, abortable resharding jobs.
/*
 * Copyright (c) 2018-2026, NVIDIA CORPORATION. All rights reserved.
 */
package xact

const (
	ScopeG = "global" // cluster-wide (config server)
	ScopeS = "shard"  // runs on one shard's primary
)

// kinds
const (
	KindReshard   = "reshard"           // coordinator: one per namespace
	KindDonor     = "reshard-donor"     // per donor shard
	KindRecipient = "reshard-recipient" // per recipient shard
	KindMoveChunk = "move-chunk"        // chunk migration between two shards
)

type (
	Descriptor struct {
		Scope string // ScopeG (global), etc. - the enum above
		// true: persists a checkpoint document and resumes after restart
		Resumable bool
		// true: moves documents between shards
		Rebalance bool
	}
)

// Table is a static Kind=>[Xaction Descriptor] map
var Table = map[string]Descriptor{
	KindReshard:   {Scope: ScopeG, Resumable: true, Rebalance: true},
	KindDonor:     {Scope: ScopeS, Resumable: true},
	KindRecipient: {Scope: ScopeS, Resumable: true, Rebalance: true},
	KindMoveChunk: {Scope: ScopeS, Rebalance: true},
}

func IsValidKind(kind string) bool   { _, ok := Table[kind]; return ok }
func IsResumable(kind string) bool   { return Table[kind].Resumable }
func IsGlobalScope(kind string) bool { return Table[kind].Scope == ScopeG }

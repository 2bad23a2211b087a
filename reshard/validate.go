// Package reshard implements online resharding: the coordinator state machine,
// its donor and recipient participants, the commit monitor, and abort.
/*
 * Copyright (c) 2018-2026, NVIDIA CORPORATION. All rights reserved.
 */
package reshard

import (
	"github.com/NVIDIA/reshard/cmn"
	"github.com/NVIDIA/reshard/core/meta"
)

// validate rejects user input errors synchronously, before anything is persisted
func (c *Coordinator) validate(cm *meta.CollMeta, key meta.KeyPattern, opts *Options) error {
	if err := key.Validate(); err != nil {
		return err
	}
	if opts.Collation != "" && opts.Collation != meta.CollationSimple {
		return cmn.NewErrInvalidOptions("%s: collation must be %q (got %q)", cm.NS, meta.CollationSimple, opts.Collation)
	}
	if opts.Collation == "" && cm.Collation != "" && cm.Collation != meta.CollationSimple {
		return cmn.NewErrInvalidOptions("%s: collection default collation %q requires an explicit %q collation",
			cm.NS, cm.Collation, meta.CollationSimple)
	}
	if opts.Unique && key.IsHashed() {
		return cmn.NewErrInvalidOptions("%s: hashed shard key %s cannot be unique", cm.NS, key.String())
	}
	if err := meta.ValidateZones(opts.Zones, key); err != nil {
		return err
	}
	if len(opts.Chunks) == 0 {
		return nil
	}
	chunks := opts.Chunks.Clone()
	chunks.Sort()
	if err := chunks.Validate(key); err != nil {
		return err
	}
	return meta.ValidateShards(c.reg, chunks.Shards())
}

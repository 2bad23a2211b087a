// Package reshard implements online resharding: the coordinator state machine,
// its donor and recipient participants, the commit monitor, and abort.
/*
 * Copyright (c) 2018-2026, NVIDIA CORPORATION. All rights reserved.
 */
package reshard

import (
	"context"
	"math"
	"sort"

	"github.com/NVIDIA/reshard/cmn"
	"github.com/NVIDIA/reshard/core/meta"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// distribute computes a balanced chunk map over all shards under the new key:
// hashed keys split the hash space evenly, ranged keys split at quantiles of
// keys sampled from the donors
func (c *Coordinator) distribute(ctx context.Context, op *Operation) (meta.ChunkMap, error) {
	var (
		config     = cmn.GCO.Get()
		recipients = c.reg.Shards()
		num        = len(recipients) * max(config.Reshard.ChunksPerRecipient, 1)
		splits     []meta.Key
	)
	if len(recipients) == 0 {
		return nil, cmn.NewErrInvalidOptions("%s: no shards", op.NS)
	}
	if hashedPrefix(op.NewKey) {
		splits = hashedSplits(op.NewKey, num)
	} else {
		reports, err := c.bcast(ctx, op.ID, KindSampleKeys, op.DonorIDs(), func(meta.ShardID) *Request {
			return &Request{Kind: KindSampleKeys, OpID: op.ID, NS: op.NS,
				Sample: &SampleParams{Key: op.NewKey, Num: config.Reshard.SamplePerDonor}}
		})
		if err != nil {
			return nil, err
		}
		var samples []meta.Key
		for _, rep := range reports {
			samples = append(samples, rep.Keys...)
		}
		splits = splitPoints(samples, num)
	}
	return assignChunks(op.NewKey, splits, recipients), nil
}

func hashedPrefix(kp meta.KeyPattern) bool {
	s, ok := kp[0].Value.(string)
	return ok && s == meta.Hashed
}

// hashedSplits divides the int64 hash space into num equal ranges
func hashedSplits(kp meta.KeyPattern, num int) []meta.Key {
	var (
		splits = make([]meta.Key, 0, num-1)
		step   = math.MaxUint64 / uint64(num)
		lo     = int64(math.MinInt64)
	)
	for i := 1; i < num; i++ {
		k := kp.MinKey()
		k[0] = lo + int64(uint64(i)*step) // (wraps around)
		splits = append(splits, k)
	}
	return splits
}

// splitPoints picks up to num-1 distinct quantiles of the samples
func splitPoints(samples []meta.Key, num int) []meta.Key {
	sort.Slice(samples, func(i, j int) bool { return meta.Compare(samples[i], samples[j]) < 0 })
	uniq := samples[:0]
	for _, k := range samples {
		if len(uniq) == 0 || meta.Compare(uniq[len(uniq)-1], k) != 0 {
			uniq = append(uniq, k)
		}
	}
	if num < 2 || len(uniq) == 0 {
		return nil
	}
	splits := make([]meta.Key, 0, num-1)
	for i := 1; i < num; i++ {
		k := uniq[i*len(uniq)/num]
		if len(splits) > 0 && meta.Compare(splits[len(splits)-1], k) == 0 {
			continue
		}
		if _, isMin := k[0].(primitive.MinKey); isMin {
			continue
		}
		splits = append(splits, k)
	}
	return splits
}

// assignChunks builds [MinKey, s1), [s1, s2), ..., [sN, MaxKey), round-robin
func assignChunks(kp meta.KeyPattern, splits []meta.Key, shards []meta.ShardID) meta.ChunkMap {
	chunks := make(meta.ChunkMap, 0, len(splits)+1)
	lo := kp.MinKey()
	for i, hi := range append(splits, kp.MaxKey()) {
		chunks = append(chunks, meta.Chunk{Min: lo, Max: hi, Shard: shards[i%len(shards)]})
		lo = hi
	}
	return chunks
}

// Package shard_test: retryable writes, transaction upgrades, chunk migration
/*
 * Copyright (c) 2018-2026, NVIDIA CORPORATION. All rights reserved.
 */
package shard_test

import (
	"context"
	"testing"
	"time"

	"github.com/NVIDIA/reshard/catalog"
	"github.com/NVIDIA/reshard/cmn"
	"github.com/NVIDIA/reshard/cmn/cos"
	"github.com/NVIDIA/reshard/core/meta"
	"github.com/NVIDIA/reshard/dbdriver"
	"github.com/NVIDIA/reshard/shard"
	"github.com/NVIDIA/reshard/txn"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
)

const testNS = "db.coll"

type cluster struct {
	cat    *catalog.Store
	nodes  map[meta.ShardID]*shard.Node
	router *txn.Router
}

func (c *cluster) Get(id meta.ShardID) (txn.Shard, error) {
	if n, ok := c.nodes[id]; ok {
		return n, nil
	}
	return nil, cmn.NewErrNotPrimary(string(id), "")
}

// {x: 1} split at 0: A owns [MinKey, 0), B owns [0, MaxKey); C owns nothing
func newCluster(t *testing.T) *cluster {
	kp := meta.KeyPattern{{Key: "x", Value: 1}}
	return newClusterWith(t, meta.ChunkMap{
		{Min: kp.MinKey(), Max: meta.Key{0}, Shard: "A"},
		{Min: meta.Key{0}, Max: kp.MaxKey(), Shard: "B"},
	})
}

func newClusterWith(t *testing.T, chunks meta.ChunkMap) *cluster {
	c := &cluster{cat: catalog.New(dbdriver.NewDBMock()), nodes: make(map[meta.ShardID]*shard.Node)}
	for _, id := range []meta.ShardID{"A", "B", "C"} {
		n, err := shard.NewNode(id, c.cat, dbdriver.NewDBMock(), nil)
		require.NoError(t, err)
		c.nodes[id] = n
	}
	kp := meta.KeyPattern{{Key: "x", Value: 1}}
	require.NoError(t, c.cat.Create(&meta.CollMeta{NS: testNS, Key: kp, Chunks: chunks}))
	config := cmn.DefaultConfig()
	config.Reshard.RetryInterval = cos.Duration(10 * time.Millisecond)
	c.router = txn.NewRouter(c.cat, c, config, nil)
	return c
}

func (c *cluster) insert(t *testing.T, id, x int) {
	err := c.router.Insert(context.Background(), &txn.InsertRequest{NS: testNS, Doc: bson.D{{Key: "_id", Value: id}, {Key: "x", Value: x}}})
	require.NoError(t, err)
}

func moveX(lsid string, txnNum int64, from, to int) *txn.UpdateRequest {
	return &txn.UpdateRequest{
		Session: txn.Session{LSID: lsid, TxnNum: txnNum},
		NS:      testNS,
		Filter:  bson.D{{Key: "x", Value: from}},
		Set:     bson.D{{Key: "x", Value: to}},
	}
}

func TestRetryableWrite(t *testing.T) {
	c := newCluster(t)
	c.insert(t, 1, 5)
	ctx := context.Background()

	req := &txn.UpdateRequest{
		Session: txn.Session{LSID: "s1", TxnNum: 1},
		NS:      testNS,
		Filter:  bson.D{{Key: "x", Value: 5}},
		Set:     bson.D{{Key: "y", Value: 1}},
	}
	res, err := c.router.Update(ctx, req)
	require.NoError(t, err)
	require.Equal(t, 1, res.NModified)

	// the retry returns the recorded result without executing again
	res2, err := c.router.Update(ctx, req)
	require.NoError(t, err)
	require.Equal(t, *res, *res2)

	req.TxnNum = 2
	_, err = c.router.Update(ctx, req)
	require.NoError(t, err)
	req.TxnNum = 1
	_, err = c.router.Update(ctx, req)
	require.True(t, cmn.IsErrTxnTooOld(err), "expected txn-too-old, got %v", err)
}

func TestUpgradeRequiresRetryableWrite(t *testing.T) {
	c := newCluster(t)
	c.insert(t, 1, -100)
	req := moveX("", 0, -100, 10)
	_, err := c.router.Update(context.Background(), req)
	require.True(t, cmn.IsErrInvalidOptions(err), "got %v", err)
	require.Equal(t, 1, c.nodes["A"].Count(testNS))
}

// a shard-key-changing retryable update runs as an internal transaction, after
// which the original statement cannot be retried anywhere, including after the
// origin chunk migrates to a third shard
func TestUpgradeRetryRejected(t *testing.T) {
	c := newCluster(t)
	c.insert(t, 1, -100)
	ctx := context.Background()

	res, err := c.router.Update(ctx, moveX("s1", 1, -100, 0))
	require.NoError(t, err)
	require.True(t, res.Upgraded)
	require.Equal(t, 0, c.nodes["A"].Count(testNS))
	require.Equal(t, 1, c.nodes["B"].Count(testNS))

	_, err = c.router.Update(ctx, moveX("s1", 1, -100, 0))
	require.True(t, cmn.IsErrIncompleteTxnHistory(err), "got %v", err)

	kp := meta.KeyPattern{{Key: "x", Value: 1}}
	require.NoError(t, c.nodes["A"].MoveChunk(ctx, testNS, kp.MinKey(), meta.Key{0}, c.nodes["C"], nil))
	cm, err := c.cat.Get(testNS)
	require.NoError(t, err)
	require.Equal(t, meta.ShardID("C"), cm.Chunks[0].Shard)

	_, err = c.router.Update(ctx, moveX("s1", 1, -100, 0))
	require.True(t, cmn.IsErrIncompleteTxnHistory(err), "got %v", err)

	// untargeted retry
	req := moveX("s1", 1, -100, 0)
	req.Filter = bson.D{{Key: "_id", Value: 1}}
	_, err = c.router.Update(ctx, req)
	require.True(t, cmn.IsErrIncompleteTxnHistory(err), "got %v", err)

	docs, err := c.router.Find(ctx, testNS, nil)
	require.NoError(t, err)
	require.Len(t, docs, 1)
}

func TestUpgradeDuringMigration(t *testing.T) {
	c := newCluster(t)
	for i := 1; i <= 10; i++ {
		c.insert(t, i, -10*i)
	}
	ctx := context.Background()
	kp := meta.KeyPattern{{Key: "x", Value: 1}}

	hooks := &shard.MigrateHooks{AfterClone: func(ctx context.Context) {
		res, err := c.router.Update(ctx, moveX("s7", 3, -70, 70))
		require.NoError(t, err)
		require.True(t, res.Upgraded)
		c.insert(t, 11, -110)
	}}
	require.NoError(t, c.nodes["A"].MoveChunk(ctx, testNS, kp.MinKey(), meta.Key{0}, c.nodes["C"], hooks))

	require.Equal(t, 0, c.nodes["A"].Count(testNS))
	require.Equal(t, 10, c.nodes["C"].Count(testNS))
	require.Equal(t, 1, c.nodes["B"].Count(testNS))

	_, err := c.router.Update(ctx, moveX("s7", 3, -70, 70))
	require.True(t, cmn.IsErrIncompleteTxnHistory(err), "got %v", err)
}

// a document updated out of the migrating chunk, but into another chunk of
// the same shard, must not stay behind on the destination
func TestMigrationUpdateLeavesRange(t *testing.T) {
	kp := meta.KeyPattern{{Key: "x", Value: 1}}
	c := newClusterWith(t, meta.ChunkMap{
		{Min: kp.MinKey(), Max: meta.Key{-50}, Shard: "A"},
		{Min: meta.Key{-50}, Max: meta.Key{0}, Shard: "A"},
		{Min: meta.Key{0}, Max: kp.MaxKey(), Shard: "B"},
	})
	c.insert(t, 1, -100)
	c.insert(t, 2, -200)
	ctx := context.Background()

	hooks := &shard.MigrateHooks{AfterClone: func(ctx context.Context) {
		res, err := c.router.Update(ctx, moveX("s1", 1, -100, -10))
		require.NoError(t, err)
		require.False(t, res.Upgraded)
	}}
	require.NoError(t, c.nodes["A"].MoveChunk(ctx, testNS, kp.MinKey(), meta.Key{-50}, c.nodes["C"], hooks))

	require.Equal(t, 1, c.nodes["A"].Count(testNS))
	require.Equal(t, 1, c.nodes["C"].Count(testNS))
	docs, err := c.router.Find(ctx, testNS, nil)
	require.NoError(t, err)
	require.Len(t, docs, 2)
	found, err := c.nodes["C"].Find(ctx, testNS, bson.D{{Key: "_id", Value: 1}})
	require.NoError(t, err)
	require.Empty(t, found)
}

func TestMigrationRefusedWhileResharding(t *testing.T) {
	c := newCluster(t)
	kp := meta.KeyPattern{{Key: "x", Value: 1}}
	require.NoError(t, c.cat.BeginReshard(testNS, "op1"))
	err := c.nodes["A"].MoveChunk(context.Background(), testNS, kp.MinKey(), meta.Key{0}, c.nodes["C"], nil)
	require.True(t, cmn.IsErrConflictingOperation(err), "got %v", err)
}

func TestWritesBlocked(t *testing.T) {
	c := newCluster(t)
	c.insert(t, 1, 5)
	b := c.nodes["B"]
	b.BlockWrites(testNS, "test", "critical section")

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := c.router.Update(ctx, &txn.UpdateRequest{NS: testNS, Filter: bson.D{{Key: "x", Value: 5}}, Set: bson.D{{Key: "y", Value: 1}}})
	require.True(t, cmn.IsErrWritesBlocked(err), "got %v", err)

	go func() {
		time.Sleep(50 * time.Millisecond)
		b.UnblockWrites(testNS, "test")
	}()
	res, err := c.router.Update(context.Background(), &txn.UpdateRequest{NS: testNS, Filter: bson.D{{Key: "x", Value: 5}}, Set: bson.D{{Key: "y", Value: 1}}})
	require.NoError(t, err)
	require.Equal(t, 1, res.N)
}

func TestApplyStash(t *testing.T) {
	n, err := shard.NewNode("R", catalog.New(dbdriver.NewDBMock()), dbdriver.NewDBMock(), nil)
	require.NoError(t, err)
	const tmp = "db.system.resharding.u1"
	require.NoError(t, n.CreateCollection(tmp, "u2"))
	require.NoError(t, n.CreateCollection(tmp, "u2"))

	fromA := bson.D{{Key: "_id", Value: 1}, {Key: "src", Value: "A"}}
	fromB := bson.D{{Key: "_id", Value: 1}, {Key: "src", Value: "B"}}
	require.NoError(t, n.ApplyFrom(tmp, "A", meta.OpInsert, 1, fromA))
	require.NoError(t, n.ApplyFrom(tmp, "B", meta.OpInsert, 1, fromB))
	require.Equal(t, 1, n.Count(tmp))
	require.Equal(t, 1, n.Stashed(tmp))

	// resident document goes away: the stashed one takes its place
	require.NoError(t, n.ApplyFrom(tmp, "A", meta.OpDelete, 1, fromA))
	docs, err := n.Find(context.Background(), tmp, nil)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	require.Equal(t, fromB, docs[0])
	require.Zero(t, n.Stashed(tmp))

	// idempotent re-apply
	require.NoError(t, n.ApplyFrom(tmp, "B", meta.OpUpdate, 1, fromB))
	require.NoError(t, n.ApplyFrom(tmp, "B", meta.OpDelete, 1, fromB))
	require.NoError(t, n.ApplyFrom(tmp, "B", meta.OpDelete, 1, fromB))
	require.Zero(t, n.Count(tmp))

	require.NoError(t, n.RenameCollection(tmp, testNS, "u2"))
	require.NoError(t, n.RenameCollection(tmp, testNS, "u2"))
	require.False(t, n.DropCollection(testNS, "u1"))
	require.True(t, n.DropCollection(testNS, "u2"))
}

func TestOplogAndScan(t *testing.T) {
	c := newCluster(t)
	b := c.nodes["B"]
	start := b.LogNoop(testNS)
	for i := 1; i <= 5; i++ {
		c.insert(t, i, i)
	}
	entries, scanned, head := b.FetchOplog(testNS, start, 3)
	require.Len(t, entries, 3)
	require.True(t, scanned.Less(head))
	more, _, _ := b.FetchOplog(testNS, scanned, 100)
	require.Len(t, more, 2)

	docs, last, done := b.ScanDocs(testNS, nil, 2, nil)
	require.Len(t, docs, 2)
	require.False(t, done)
	docs, _, done = b.ScanDocs(testNS, last, 10, func(doc bson.D) bool {
		v, _ := meta.GetPath(doc, "x")
		return meta.CompareValues(v, 4) != 0
	})
	require.Len(t, docs, 2)
	require.True(t, done)
}

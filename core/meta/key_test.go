// Package meta_test: unit tests for the package
/*
 * Copyright (c) 2018-2026, NVIDIA CORPORATION. All rights reserved.
 */
package meta_test

import (
	"github.com/NVIDIA/reshard/cmn"
	"github.com/NVIDIA/reshard/core/meta"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

var _ = Describe("KeyPattern", func() {
	DescribeTable("should accept shard key",
		func(kp meta.KeyPattern) {
			Expect(kp.Validate()).NotTo(HaveOccurred())
		},
		Entry("single ascending", meta.KeyPattern{{Key: "x", Value: 1}}),
		Entry("compound", meta.KeyPattern{{Key: "a", Value: 1}, {Key: "b", Value: int32(-1)}}),
		Entry("hashed", meta.KeyPattern{{Key: "x", Value: "hashed"}}),
		Entry("dotted", meta.KeyPattern{{Key: "a.b", Value: 1.0}, {Key: "c", Value: 1}}),
	)

	DescribeTable("should reject shard key",
		func(kp meta.KeyPattern) {
			err := kp.Validate()
			Expect(err).To(HaveOccurred())
			Expect(cmn.IsErrInvalidShardKey(err)).To(BeTrue())
		},
		Entry("empty", meta.KeyPattern{}),
		Entry("duplicate field", meta.KeyPattern{{Key: "x", Value: 1}, {Key: "x", Value: 1}}),
		Entry("overlapping fields", meta.KeyPattern{{Key: "a", Value: 1}, {Key: "a.b", Value: 1}}),
		Entry("bad direction", meta.KeyPattern{{Key: "x", Value: 2}}),
		Entry("two hashed", meta.KeyPattern{{Key: "x", Value: "hashed"}, {Key: "y", Value: "hashed"}}),
		Entry("operator name", meta.KeyPattern{{Key: "$x", Value: 1}}),
	)

	It("should extract keys", func() {
		kp := meta.KeyPattern{{Key: "a.b", Value: 1}, {Key: "c", Value: 1}}
		key, err := kp.Extract(bson.D{{Key: "a", Value: bson.D{{Key: "b", Value: 5}}}, {Key: "z", Value: 1}})
		Expect(err).NotTo(HaveOccurred())
		Expect(key).To(HaveLen(2))
		Expect(key[0]).To(Equal(5))
		Expect(key[1]).To(BeNil())
	})

	It("should reject array values", func() {
		kp := meta.KeyPattern{{Key: "a.b", Value: 1}}
		_, err := kp.Extract(bson.D{{Key: "a", Value: bson.A{bson.D{{Key: "b", Value: 1}}}}})
		Expect(cmn.IsErrInvalidShardKey(err)).To(BeTrue())
		_, err = kp.Extract(bson.D{{Key: "a", Value: bson.D{{Key: "b", Value: bson.A{1, 2}}}}})
		Expect(cmn.IsErrInvalidShardKey(err)).To(BeTrue())
	})

	It("should hash numerically equal values identically", func() {
		Expect(meta.HashValue(int32(7))).To(Equal(meta.HashValue(int64(7))))
		Expect(meta.HashValue(7.0)).To(Equal(meta.HashValue(7)))
		Expect(meta.HashValue(7)).NotTo(Equal(meta.HashValue(8)))
		Expect(meta.HashValue("7")).NotTo(Equal(meta.HashValue(7)))
	})
})

var _ = Describe("Key order", func() {
	DescribeTable("should order values",
		func(lo, hi any) {
			Expect(meta.CompareValues(lo, hi)).To(Equal(-1))
			Expect(meta.CompareValues(hi, lo)).To(Equal(1))
		},
		Entry("MinKey < null", primitive.MinKey{}, nil),
		Entry("null < number", nil, int64(-1000)),
		Entry("int < float", int32(1), 1.5),
		Entry("number < string", 1e9, ""),
		Entry("string < object", "zzz", bson.D{}),
		Entry("bool", false, true),
		Entry("anything < MaxKey", "x", primitive.MaxKey{}),
	)

	It("should treat numeric types as equal", func() {
		Expect(meta.CompareValues(int32(3), int64(3))).To(Equal(0))
		Expect(meta.CompareValues(3.0, 3)).To(Equal(0))
		Expect(meta.Compare(meta.Key{1, "a"}, meta.Key{int64(1), "b"})).To(Equal(-1))
	})
})

var _ = Describe("ChunkMap", func() {
	kp := meta.KeyPattern{{Key: "newKey", Value: 1}}
	preset := meta.ChunkMap{
		{Min: kp.MinKey(), Max: meta.Key{0}, Shard: "recipient0"},
		{Min: meta.Key{0}, Max: kp.MaxKey(), Shard: "recipient1"},
	}

	It("should validate full coverage", func() {
		Expect(preset.Validate(kp)).NotTo(HaveOccurred())
		Expect(preset.Shards()).To(Equal([]meta.ShardID{"recipient0", "recipient1"}))
	})

	It("should route keys", func() {
		Expect(preset.Lookup(meta.Key{-5}).Shard).To(Equal(meta.ShardID("recipient0")))
		Expect(preset.Lookup(meta.Key{0}).Shard).To(Equal(meta.ShardID("recipient1")))
		Expect(preset.Lookup(meta.Key{nil}).Shard).To(Equal(meta.ShardID("recipient0")))
		Expect(preset.Lookup(meta.Key{"s"}).Shard).To(Equal(meta.ShardID("recipient1")))
	})

	DescribeTable("should reject bad distributions",
		func(cm meta.ChunkMap) {
			Expect(cmn.IsErrInvalidOptions(cm.Validate(kp))).To(BeTrue())
		},
		Entry("empty", meta.ChunkMap{}),
		Entry("gap", meta.ChunkMap{
			{Min: kp.MinKey(), Max: meta.Key{0}, Shard: "s0"},
			{Min: meta.Key{1}, Max: kp.MaxKey(), Shard: "s1"},
		}),
		Entry("overlap", meta.ChunkMap{
			{Min: kp.MinKey(), Max: meta.Key{1}, Shard: "s0"},
			{Min: meta.Key{0}, Max: kp.MaxKey(), Shard: "s1"},
		}),
		Entry("open start", meta.ChunkMap{{Min: meta.Key{0}, Max: kp.MaxKey(), Shard: "s0"}}),
		Entry("open end", meta.ChunkMap{{Min: kp.MinKey(), Max: meta.Key{0}, Shard: "s0"}}),
		Entry("wrong arity", meta.ChunkMap{{Min: meta.Key{primitive.MinKey{}, 1}, Max: kp.MaxKey(), Shard: "s0"}}),
	)

	It("should survive a BSON round trip", func() {
		type wrap struct {
			Chunks meta.ChunkMap   `bson:"chunks"`
			Key    meta.KeyPattern `bson:"key"`
		}
		b, err := bson.Marshal(&wrap{Chunks: preset, Key: kp})
		Expect(err).NotTo(HaveOccurred())
		out := &wrap{}
		Expect(bson.Unmarshal(b, out)).To(Succeed())
		Expect(out.Key.Equal(kp)).To(BeTrue())
		Expect(out.Chunks.Validate(out.Key)).NotTo(HaveOccurred())
		Expect(out.Chunks.Lookup(meta.Key{int64(10)}).Shard).To(Equal(meta.ShardID("recipient1")))
	})
})

var _ = Describe("Clock", func() {
	It("should be strictly increasing", func() {
		var (
			clock meta.Clock
			prev  meta.Timestamp
		)
		for range 1000 {
			ts := clock.Now()
			Expect(prev.Less(ts)).To(BeTrue())
			prev = ts
		}
	})

	It("should measure lag", func() {
		a := meta.Timestamp{T: 1_000_000_000}
		b := meta.Timestamp{T: 1_500_000_000}
		Expect(b.Sub(a).Milliseconds()).To(Equal(int64(500)))
		Expect(a.Sub(b)).To(BeZero())
	})
})

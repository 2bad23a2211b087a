// Package main for the resharding daemon: a config server (catalog and
// resharding coordinator) plus the shard primaries of a single-host cluster.
/*
 * Copyright (c) 2018-2026, NVIDIA CORPORATION. All rights reserved.
 */
package main

import (
	"fmt"
	"os"

	"github.com/NVIDIA/reshard/cmn"
	"github.com/NVIDIA/reshard/core/meta"

	"go.mongodb.org/mongo-driver/bson"
	"gopkg.in/yaml.v3"
)

type (
	topology struct {
		ConfigDB    string      `yaml:"config_db"` // overrides config.db.path
		Shards      []shardConf `yaml:"shards"`
		Collections []collConf  `yaml:"collections"`
	}
	shardConf struct {
		ID     meta.ShardID `yaml:"id"`
		Listen string       `yaml:"listen"`
		URL    string       `yaml:"url"`
		DB     string       `yaml:"db"` // shard-local store; ":memory:" when empty
	}
	keyField struct {
		Field string `yaml:"field"`
		Dir   any    `yaml:"dir"` // 1, -1, or "hashed"
	}
	collConf struct {
		NS    string       `yaml:"ns"`
		Key   []keyField   `yaml:"key"`
		Shard meta.ShardID `yaml:"shard"` // initial owner of the entire key range
	}
)

func loadTopology(path string) (*topology, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	topo := &topology{}
	if err := yaml.Unmarshal(b, topo); err != nil {
		return nil, fmt.Errorf("failed to parse %q: %w", path, err)
	}
	return topo, topo.validate()
}

func (topo *topology) validate() error {
	if len(topo.Shards) == 0 {
		return cmn.NewErrInvalidOptions("topology: no shards")
	}
	ids := make(map[meta.ShardID]struct{}, len(topo.Shards))
	for i := range topo.Shards {
		sc := &topo.Shards[i]
		if sc.ID == "" || sc.Listen == "" || sc.URL == "" {
			return cmn.NewErrInvalidOptions("topology: shard #%d: id, listen, and url are required", i)
		}
		if _, ok := ids[sc.ID]; ok {
			return cmn.NewErrInvalidOptions("topology: duplicate shard %q", sc.ID)
		}
		ids[sc.ID] = struct{}{}
		if sc.DB == "" {
			sc.DB = ":memory:"
		}
	}
	for i := range topo.Collections {
		cc := &topo.Collections[i]
		if _, ok := ids[cc.Shard]; !ok {
			return cmn.NewErrInvalidOptions("topology: %s: unknown shard %q", cc.NS, cc.Shard)
		}
		if _, err := cc.keyPattern(); err != nil {
			return err
		}
	}
	return nil
}

func (cc *collConf) keyPattern() (meta.KeyPattern, error) {
	kp := make(meta.KeyPattern, 0, len(cc.Key))
	for _, f := range cc.Key {
		var v any
		switch dir := f.Dir.(type) {
		case int:
			v = int32(dir)
		case string:
			v = dir
		default:
			return nil, cmn.NewErrInvalidShardKey(f.Field, fmt.Sprintf("unsupported direction %v", f.Dir))
		}
		kp = append(kp, bson.E{Key: f.Field, Value: v})
	}
	return kp, kp.Validate()
}

func (cc *collConf) collMeta() (*meta.CollMeta, error) {
	kp, err := cc.keyPattern()
	if err != nil {
		return nil, err
	}
	return &meta.CollMeta{
		NS:     cc.NS,
		Key:    kp,
		Chunks: meta.ChunkMap{{Min: kp.MinKey(), Max: kp.MaxKey(), Shard: cc.Shard}},
	}, nil
}

// Package cmn provides common constants, types, and utilities for reshard clients
// and nodes.
/*
 * Copyright (c) 2018-2026, NVIDIA CORPORATION. All rights reserved.
 */
package cmn

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/NVIDIA/reshard/cmn/cos"
)

type (
	Config struct {
		Log     LogConf     `json:"log"`
		DB      DBConf      `json:"db"`
		Net     NetConf     `json:"net"`
		Reshard ReshardConf `json:"reshard"`
	}
	LogConf struct {
		Dir   string `json:"dir"`   // log directory (stderr when empty)
		Level int    `json:"level"` // verbosity
	}
	DBConf struct {
		Path string `json:"path"` // buntdb file; ":memory:" for non-persistent
	}
	NetConf struct {
		Listen        string       `json:"listen"`         // admin endpoint
		ClientTimeout cos.Duration `json:"client_timeout"` // intra-cluster HTTP client
	}
	ReshardConf struct {
		// CommitMonitor: how often to query recipients
		CommitPollInterval cos.Duration `json:"commit_poll_interval"`
		// max recipient lag (donor head minus last applied) to be considered caught up
		CommitLagTolerance cos.Duration `json:"commit_lag_tolerance"`
		// per-RPC timeout coordinator => participant
		RPCTimeout cos.Duration `json:"rpc_timeout"`
		// initial backoff between retries of a transient RPC failure (doubles, capped at 8x)
		RetryInterval cos.Duration `json:"retry_interval"`
		// max attempts per RPC before the whole operation aborts
		RetryMax int `json:"retry_max"`
		// recipient: how often to fetch donor oplog when idle
		OplogFetchInterval cos.Duration `json:"oplog_fetch_interval"`
		OplogBatch         int          `json:"oplog_batch"`
		CloneBatch         int          `json:"clone_batch"`
		// balanced distribution (no preset): keys sampled per donor
		SamplePerDonor     int `json:"sample_per_donor"`
		ChunksPerRecipient int `json:"chunks_per_recipient"`
	}
)

func DefaultConfig() *Config {
	return &Config{
		DB:  DBConf{Path: ":memory:"},
		Net: NetConf{Listen: ":8080", ClientTimeout: cos.Duration(10 * time.Second)},
		Reshard: ReshardConf{
			CommitPollInterval: cos.Duration(time.Second),
			CommitLagTolerance: cos.Duration(500 * time.Millisecond),
			RPCTimeout:         cos.Duration(10 * time.Second),
			RetryInterval:      cos.Duration(100 * time.Millisecond),
			RetryMax:           10,
			OplogFetchInterval: cos.Duration(100 * time.Millisecond),
			OplogBatch:         1000,
			CloneBatch:         1000,
			SamplePerDonor:     100,
			ChunksPerRecipient: 1,
		},
	}
}

func (c *Config) Validate() error {
	if err := c.Reshard.Validate(); err != nil {
		return err
	}
	if c.Net.ClientTimeout < 0 {
		return fmt.Errorf("invalid net.client_timeout %v", c.Net.ClientTimeout)
	}
	return nil
}

func (c *ReshardConf) Validate() error {
	switch {
	case c.CommitPollInterval <= 0:
		return fmt.Errorf("invalid reshard.commit_poll_interval %v", c.CommitPollInterval)
	case c.CommitLagTolerance < 0:
		return fmt.Errorf("invalid reshard.commit_lag_tolerance %v", c.CommitLagTolerance)
	case c.RPCTimeout <= 0:
		return fmt.Errorf("invalid reshard.rpc_timeout %v", c.RPCTimeout)
	case c.RetryInterval <= 0 || c.RetryMax <= 0:
		return fmt.Errorf("invalid reshard retry policy (%v, %d)", c.RetryInterval, c.RetryMax)
	case c.OplogFetchInterval <= 0:
		return fmt.Errorf("invalid reshard.oplog_fetch_interval %v", c.OplogFetchInterval)
	case c.OplogBatch <= 0 || c.CloneBatch <= 0:
		return fmt.Errorf("invalid reshard batch sizes (%d, %d)", c.OplogBatch, c.CloneBatch)
	case c.SamplePerDonor <= 0 || c.ChunksPerRecipient <= 0:
		return fmt.Errorf("invalid reshard distribution knobs (%d, %d)", c.SamplePerDonor, c.ChunksPerRecipient)
	}
	return nil
}

// LoadConfig reads JSON config on top of defaults; unknown fields are rejected
func LoadConfig(path string) (*Config, error) {
	config := DefaultConfig()
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, cos.NewErrNotFound(nil, "config "+path)
		}
		return nil, err
	}
	if err := cos.JSON.Unmarshal(b, config); err != nil {
		return nil, fmt.Errorf("failed to parse %q: %w", path, err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

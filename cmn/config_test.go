// Package cmn provides common constants, types, and utilities for reshard clients
// and nodes.
/*
 * Copyright (c) 2018-2026, NVIDIA CORPORATION. All rights reserved.
 */
package cmn_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/NVIDIA/reshard/cmn"
	"github.com/NVIDIA/reshard/cmn/cos"
	"github.com/NVIDIA/reshard/tools/tassert"
)

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "reshard.json")
	body := `{"reshard": {"commit_poll_interval": "250ms", "commit_lag_tolerance": "1s", "rpc_timeout": "5s",
		"retry_interval": "50ms", "retry_max": 3, "oplog_fetch_interval": "20ms", "oplog_batch": 10,
		"clone_batch": 10, "sample_per_donor": 5, "chunks_per_recipient": 2}}`
	tassert.CheckFatal(t, os.WriteFile(path, []byte(body), 0o644))

	config, err := cmn.LoadConfig(path)
	tassert.CheckFatal(t, err)
	tassert.Errorf(t, config.Reshard.CommitPollInterval.D() == 250*time.Millisecond,
		"poll interval %v", config.Reshard.CommitPollInterval)
	tassert.Errorf(t, config.Reshard.RetryMax == 3, "retry max %d", config.Reshard.RetryMax)
	// untouched sections keep defaults
	tassert.Errorf(t, config.DB.Path == ":memory:", "db path %q", config.DB.Path)
}

func TestLoadConfigErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := cmn.LoadConfig(filepath.Join(dir, "missing.json"))
	tassert.Fatalf(t, cos.IsErrNotFound(err), "expected not-found, got %v", err)

	path := filepath.Join(dir, "unknown.json")
	tassert.CheckFatal(t, os.WriteFile(path, []byte(`{"rebalance": {}}`), 0o644))
	_, err = cmn.LoadConfig(path)
	tassert.Fatalf(t, err != nil, "expected unknown field to be rejected")

	path = filepath.Join(dir, "invalid.json")
	tassert.CheckFatal(t, os.WriteFile(path, []byte(`{"reshard": {"retry_max": 0}}`), 0o644))
	_, err = cmn.LoadConfig(path)
	tassert.Fatalf(t, err != nil, "expected validation error")
}

func TestErrCodes(t *testing.T) {
	err := cmn.NewErrFailedTo("coordinator", "abort", "test.coll", cmn.NewErrReshardCommitted("test.coll", "op1"))
	tassert.Errorf(t, cmn.IsErrReshardCommitted(err), "wrapped code lost: %v", err)
	tassert.Errorf(t, !cmn.IsErrRetriable(err), "committed must not be retriable")

	remote := cmn.NewErrRemote(cmn.CodeNotPrimary, "stepped down")
	tassert.Errorf(t, cmn.IsErrRetriable(remote), "not-primary must be retriable")
	tassert.Errorf(t, cmn.IsErrRetriable(cmn.NewErrTransient(os.ErrDeadlineExceeded)), "transient must be retriable")
}

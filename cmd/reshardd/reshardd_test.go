// Package main for the resharding daemon: a config server (catalog and
// resharding coordinator) plus the shard primaries of a single-host cluster.
/*
 * Copyright (c) 2018-2026, NVIDIA CORPORATION. All rights reserved.
 */
package main

import (
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/NVIDIA/reshard/cmn"
	"github.com/NVIDIA/reshard/tools/tassert"

	"github.com/valyala/fasthttp"
)

const testTopology = `
shards:
  - id: A
    listen: 127.0.0.1:0
    url: http://127.0.0.1:1
  - id: B
    listen: 127.0.0.1:0
    url: http://127.0.0.1:2
collections:
  - ns: db.coll
    key:
      - field: x
        dir: 1
      - field: y
        dir: hashed
    shard: A
`

func writeTopology(t *testing.T, s string) string {
	path := filepath.Join(t.TempDir(), "topology.yaml")
	tassert.CheckFatal(t, os.WriteFile(path, []byte(s), 0o644))
	return path
}

func TestLoadTopology(t *testing.T) {
	topo, err := loadTopology(writeTopology(t, testTopology))
	tassert.CheckFatal(t, err)
	tassert.Fatalf(t, len(topo.Shards) == 2, "expected 2 shards, got %d", len(topo.Shards))
	tassert.Errorf(t, topo.Shards[0].DB == ":memory:", "default shard db: %q", topo.Shards[0].DB)

	cm, err := topo.Collections[0].collMeta()
	tassert.CheckFatal(t, err)
	tassert.Errorf(t, len(cm.Key) == 2 && cm.Key.IsHashed(), "key %s", cm.Key.String())
	tassert.CheckError(t, cm.Chunks.Validate(cm.Key))

	bad := strings.Replace(testTopology, "shard: A", "shard: Z", 1)
	_, err = loadTopology(writeTopology(t, bad))
	tassert.Errorf(t, cmn.IsErrInvalidOptions(err), "expected invalid options, got %v", err)

	bad = strings.Replace(testTopology, "dir: hashed", "dir: sideways", 1)
	_, err = loadTopology(writeTopology(t, bad))
	tassert.Errorf(t, err != nil, "expected invalid key")
}

func call(a *admin, method, uri, body string) *fasthttp.Response {
	rctx := &fasthttp.RequestCtx{}
	rctx.Request.Header.SetMethod(method)
	rctx.Request.SetRequestURI(uri)
	rctx.Request.SetBodyString(body)
	a.handle(rctx)
	resp := &fasthttp.Response{}
	rctx.Response.CopyTo(resp)
	return resp
}

func TestAdmin(t *testing.T) {
	topo, err := loadTopology(writeTopology(t, testTopology))
	tassert.CheckFatal(t, err)
	d, err := newDaemon(cmn.DefaultConfig(), topo)
	tassert.CheckFatal(t, err)
	defer d.close()
	a := d.admin

	resp := call(a, http.MethodPost, "/v1/docs/db.coll", `{"_id": 1, "x": 10, "y": "a"}`)
	tassert.Fatalf(t, resp.StatusCode() == http.StatusOK, "insert: %d %s", resp.StatusCode(), resp.Body())

	resp = call(a, http.MethodGet, "/v1/docs/db.coll", "")
	tassert.Fatalf(t, resp.StatusCode() == http.StatusOK, "find: %d", resp.StatusCode())
	tassert.Errorf(t, strings.Contains(string(resp.Body()), `"x"`) && strings.Contains(string(resp.Body()), "10"), "find: %s", resp.Body())

	resp = call(a, http.MethodGet, "/v1/reshard/db.coll", "")
	tassert.Errorf(t, resp.StatusCode() == http.StatusNotFound, "status: %d", resp.StatusCode())
	tassert.Errorf(t, strings.Contains(string(resp.Body()), cmn.CodeNoSuchReshard), "status: %s", resp.Body())

	// nothing to abort
	resp = call(a, http.MethodDelete, "/v1/reshard/db.coll", "")
	tassert.Errorf(t, resp.StatusCode() == http.StatusOK, "abort: %d %s", resp.StatusCode(), resp.Body())

	// same key: no-op
	resp = call(a, http.MethodPost, "/v1/reshard", `{"ns": "db.coll", "key": {"x": 1, "y": "hashed"}}`)
	tassert.Errorf(t, resp.StatusCode() == http.StatusOK, "same key: %d %s", resp.StatusCode(), resp.Body())

	resp = call(a, http.MethodPost, "/v1/reshard", `{"ns": "db.coll", "key": {"x": "sideways"}}`)
	tassert.Errorf(t, resp.StatusCode() == http.StatusBadRequest, "bad key: %d %s", resp.StatusCode(), resp.Body())

	resp = call(a, http.MethodGet, "/metrics", "")
	tassert.Errorf(t, strings.Contains(string(resp.Body()), "reshard_"), "metrics: %.200s", resp.Body())

	resp = call(a, http.MethodPut, "/v1/docs/db.coll", "")
	tassert.Errorf(t, resp.StatusCode() == http.StatusMethodNotAllowed, "put: %d", resp.StatusCode())
}

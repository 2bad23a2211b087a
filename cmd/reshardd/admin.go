// Package main for the resharding daemon: a config server (catalog and
// resharding coordinator) plus the shard primaries of a single-host cluster.
/*
 * Copyright (c) 2018-2026, NVIDIA CORPORATION. All rights reserved.
 */
package main

import (
	"context"
	"net/http"
	"strings"

	"github.com/NVIDIA/reshard/cmn"
	"github.com/NVIDIA/reshard/cmn/cos"
	"github.com/NVIDIA/reshard/cmn/nlog"
	"github.com/NVIDIA/reshard/core/meta"
	"github.com/NVIDIA/reshard/reshard"
	"github.com/NVIDIA/reshard/transport"
	"github.com/NVIDIA/reshard/txn"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
	"go.mongodb.org/mongo-driver/bson"
)

// admin endpoints
const (
	pathReshard = "/v1/reshard"
	pathDocs    = "/v1/docs"
	pathStats   = "/v1/stats"
	pathMetrics = "/metrics"
)

type (
	// POST /v1/reshard (Extended JSON)
	reshardMsg struct {
		NS        string        `bson:"ns"`
		Key       bson.D        `bson:"key"`
		Chunks    meta.ChunkMap `bson:"presetReshardedChunks,omitempty"`
		Zones     []meta.Zone   `bson:"zones,omitempty"`
		Collation string        `bson:"collation,omitempty"`
		Unique    bool          `bson:"unique,omitempty"`
	}
	errMsg struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	admin struct {
		d       *daemon
		srv     *fasthttp.Server
		metrics fasthttp.RequestHandler
	}
)

func newAdmin(d *daemon) *admin {
	a := &admin{d: d}
	a.metrics = fasthttpadaptor.NewFastHTTPHandler(promhttp.HandlerFor(d.prom, promhttp.HandlerOpts{}))
	a.srv = &fasthttp.Server{Handler: a.handle, Name: "reshardd"}
	return a
}

func (a *admin) listen(addr string) error {
	nlog.Infoln("admin: listening on", addr)
	return a.srv.ListenAndServe(addr)
}

func (a *admin) shutdown() error { return a.srv.Shutdown() }

func (a *admin) handle(rctx *fasthttp.RequestCtx) {
	path := string(rctx.Path())
	switch {
	case path == pathMetrics:
		a.metrics(rctx)
	case path == pathStats && rctx.IsGet():
		a.writeJSON(rctx, a.d.tracker.Snap())
	case path == pathReshard && rctx.IsPost():
		a.startReshard(rctx)
	case strings.HasPrefix(path, pathReshard+"/"):
		ns := strings.TrimPrefix(path, pathReshard+"/")
		switch {
		case rctx.IsGet():
			a.status(rctx, ns)
		case rctx.IsDelete():
			a.abort(rctx, ns)
		default:
			rctx.Error("method not allowed", http.StatusMethodNotAllowed)
		}
	case strings.HasPrefix(path, pathDocs+"/"):
		ns := strings.TrimPrefix(path, pathDocs+"/")
		switch {
		case rctx.IsGet():
			a.find(rctx, ns)
		case rctx.IsPost():
			a.insert(rctx, ns)
		default:
			rctx.Error("method not allowed", http.StatusMethodNotAllowed)
		}
	default:
		rctx.Error("unknown path "+path, http.StatusNotFound)
	}
}

// reshardCollection; blocks until done unless ?wait=false
func (a *admin) startReshard(rctx *fasthttp.RequestCtx) {
	msg := &reshardMsg{}
	if err := bson.UnmarshalExtJSON(rctx.PostBody(), false, msg); err != nil {
		a.writeErr(rctx, cmn.NewErrInvalidOptions("malformed request: %v", err))
		return
	}
	opts := &reshard.Options{Chunks: msg.Chunks, Zones: msg.Zones, Collation: msg.Collation, Unique: msg.Unique}
	key := meta.KeyPattern(msg.Key)
	if string(rctx.QueryArgs().Peek("wait")) == "false" {
		go func() {
			if err := a.d.coord.StartReshardCollection(context.Background(), msg.NS, key, opts); err != nil {
				nlog.Errorln("reshard", msg.NS+":", err)
			}
		}()
		rctx.SetStatusCode(http.StatusAccepted)
		return
	}
	if err := a.d.coord.StartReshardCollection(context.Background(), msg.NS, key, opts); err != nil {
		a.writeErr(rctx, err)
	}
}

// abortReshardCollection
func (a *admin) abort(rctx *fasthttp.RequestCtx, ns string) {
	if err := a.d.coord.Abort(context.Background(), ns); err != nil {
		a.writeErr(rctx, err)
	}
}

func (a *admin) status(rctx *fasthttp.RequestCtx, ns string) {
	op, err := a.d.coord.Status(ns)
	if err != nil {
		if cos.IsErrNotFound(err) {
			a.writeErr(rctx, cmn.NewErrNoSuchReshard(ns))
			return
		}
		a.writeErr(rctx, err)
		return
	}
	a.writeExtJSON(rctx, op)
}

func (a *admin) insert(rctx *fasthttp.RequestCtx, ns string) {
	var doc bson.D
	if err := bson.UnmarshalExtJSON(rctx.PostBody(), false, &doc); err != nil {
		a.writeErr(rctx, cmn.NewErrInvalidOptions("malformed document: %v", err))
		return
	}
	if err := a.d.router.Insert(context.Background(), &txn.InsertRequest{NS: ns, Doc: doc}); err != nil {
		a.writeErr(rctx, err)
	}
}

func (a *admin) find(rctx *fasthttp.RequestCtx, ns string) {
	docs, err := a.d.router.Find(context.Background(), ns, bson.D{})
	if err != nil {
		a.writeErr(rctx, err)
		return
	}
	a.writeExtJSON(rctx, bson.D{{Key: "docs", Value: docs}})
}

func (a *admin) writeExtJSON(rctx *fasthttp.RequestCtx, v any) {
	b, err := bson.MarshalExtJSON(v, false, false)
	if err != nil {
		a.writeErr(rctx, err)
		return
	}
	rctx.SetContentType("application/json")
	rctx.SetBody(b)
}

func (a *admin) writeJSON(rctx *fasthttp.RequestCtx, v any) {
	rctx.SetContentType("application/json")
	rctx.SetBody(cos.MustMarshal(v))
}

func (a *admin) writeErr(rctx *fasthttp.RequestCtx, err error) {
	code := cmn.ErrCode(err)
	if code == "" {
		code = cmn.CodeInternal
	}
	if code == cmn.CodeInternal || nlog.V(4) {
		nlog.Warningln("admin:", string(rctx.Method()), string(rctx.Path())+":", err)
	}
	rctx.SetStatusCode(transport.HTTPStatus(code))
	rctx.SetContentType("application/json")
	rctx.SetBody(cos.MustMarshal(&errMsg{Code: code, Message: err.Error()}))
}

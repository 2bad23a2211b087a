// Package transport carries per-shard internal resharding RPCs over HTTP:
// a fasthttp server per shard primary and a client that resolves primaries
// through the shard registry. Bodies are BSON.
/*
 * Copyright (c) 2018-2026, NVIDIA CORPORATION. All rights reserved.
 */
package transport

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/NVIDIA/reshard/cmn"
	"github.com/NVIDIA/reshard/cmn/debug"
	"github.com/NVIDIA/reshard/cmn/nlog"
	"github.com/NVIDIA/reshard/reshard"

	"github.com/valyala/fasthttp"
	"go.mongodb.org/mongo-driver/bson"
)

// Server exposes one shard's reshard.Handler
type Server struct {
	h      reshard.Handler
	srv    *fasthttp.Server
	nodeID string
}

func NewServer(nodeID string, h reshard.Handler) *Server {
	s := &Server{h: h, nodeID: nodeID}
	s.srv = &fasthttp.Server{
		Handler:      s.Handler,
		Name:         ua,
		ReadTimeout:  time.Minute,
		WriteTimeout: time.Minute,
	}
	return s
}

func (s *Server) Serve(ln net.Listener) error { return s.srv.Serve(ln) }

func (s *Server) ListenAndServe(addr string) error {
	nlog.Infoln(s.nodeID, "listening on", addr)
	return s.srv.ListenAndServe(addr)
}

func (s *Server) Shutdown() error { return s.srv.Shutdown() }

// Handler is the fasthttp request handler
func (s *Server) Handler(rctx *fasthttp.RequestCtx) {
	if string(rctx.Path()) != PathReshard {
		rctx.Error("unknown path "+string(rctx.Path()), http.StatusNotFound)
		return
	}
	if !rctx.IsPost() {
		rctx.Error("expecting POST", http.StatusMethodNotAllowed)
		return
	}
	req := &reshard.Request{}
	if err := bson.Unmarshal(rctx.PostBody(), req); err != nil {
		s.writeErr(rctx, cmn.NewErrInvalidOptions("malformed request: %v", err))
		return
	}
	// the caller's deadline is not propagated
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rep, err := s.h.Handle(ctx, req)
	if err != nil {
		s.writeErr(rctx, err)
		return
	}
	body, err := bson.Marshal(rep)
	if err != nil {
		s.writeErr(rctx, cmn.NewErrFailedTo(s.nodeID, "marshal", req.String(), err))
		return
	}
	rctx.SetContentType(ContentBSON)
	rctx.Response.Header.Set(HdrNodeID, s.nodeID)
	rctx.SetBody(body)
}

func (s *Server) writeErr(rctx *fasthttp.RequestCtx, err error) {
	code := cmn.ErrCode(err)
	if code == "" {
		code = cmn.CodeInternal
	}
	body, errM := bson.Marshal(&errBody{Code: code, Msg: err.Error()})
	debug.AssertNoErr(errM)
	rctx.SetStatusCode(HTTPStatus(code))
	rctx.SetContentType(ContentBSON)
	rctx.Response.Header.Set(HdrErrCode, code)
	rctx.Response.Header.Set(HdrNodeID, s.nodeID)
	rctx.SetBody(body)
}

// Package transport carries per-shard internal resharding RPCs over HTTP:
// a fasthttp server per shard primary and a client that resolves primaries
// through the shard registry. Bodies are BSON.
/*
 * Copyright (c) 2018-2026, NVIDIA CORPORATION. All rights reserved.
 */
package transport

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/NVIDIA/reshard/cmn"
	"github.com/NVIDIA/reshard/cmn/nlog"
	"github.com/NVIDIA/reshard/core/meta"
	"github.com/NVIDIA/reshard/reshard"

	"github.com/valyala/fasthttp"
	"go.mongodb.org/mongo-driver/bson"
)

type (
	Doer interface {
		DoDeadline(req *fasthttp.Request, resp *fasthttp.Response, deadline time.Time) error
	}

	// Client delivers internal RPCs to the current primary of each shard
	Client struct {
		reg     meta.Registry
		cl      Doer
		timeout time.Duration
	}
)

// interface guard
var _ reshard.Participants = (*Client)(nil)

// overriding fasthttp default `const DefaultDialTimeout = 3 * time.Second`
func dialTimeout(addr string) (net.Conn, error) {
	return fasthttp.DialTimeout(addr, 10*time.Second)
}

func NewIntraClient() *fasthttp.Client {
	return &fasthttp.Client{
		Name:                ua,
		Dial:                dialTimeout,
		MaxIdleConnDuration: time.Minute,
	}
}

// NewClient: nil `cl` selects the default intra-cluster client
func NewClient(reg meta.Registry, cl Doer, config *cmn.Config) *Client {
	if cl == nil {
		cl = NewIntraClient()
	}
	return &Client{reg: reg, cl: cl, timeout: config.Net.ClientTimeout.D()}
}

func (c *Client) Call(ctx context.Context, shard meta.ShardID, rreq *reshard.Request) (*reshard.Report, error) {
	snode, err := c.reg.Primary(shard)
	if err != nil {
		return nil, err
	}
	body, err := bson.Marshal(rreq)
	if err != nil {
		return nil, cmn.NewErrFailedTo(nil, "marshal", rreq.String(), err)
	}

	req, resp := fasthttp.AcquireRequest(), fasthttp.AcquireResponse()
	defer func() {
		fasthttp.ReleaseRequest(req)
		fasthttp.ReleaseResponse(resp)
	}()
	req.Header.SetMethod(http.MethodPost)
	req.SetRequestURI(snode.URL + PathReshard)
	req.Header.SetContentType(ContentBSON)
	req.SetBody(body)

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.cl.DoDeadline(req, resp, deadline); err != nil {
		if nlog.V(4) {
			nlog.Errorln(rreq.String(), "=>", snode, "err:", err)
		}
		return nil, wrapConnErr(err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, remoteErr(snode, resp)
	}
	rep := &reshard.Report{}
	if err := bson.Unmarshal(resp.Body(), rep); err != nil {
		return nil, cmn.NewErrFailedTo(snode, "unmarshal", rreq.String(), err)
	}
	return rep, nil
}

// connection-level failures are retriable: the primary may be moving
func wrapConnErr(err error) error {
	switch {
	case errors.Is(err, fasthttp.ErrTimeout), errors.Is(err, fasthttp.ErrDialTimeout),
		errors.Is(err, fasthttp.ErrConnectionClosed), errors.Is(err, fasthttp.ErrNoFreeConns):
		return cmn.NewErrTransient(err)
	}
	var nerr net.Error
	if errors.As(err, &nerr) {
		return cmn.NewErrTransient(err)
	}
	return err
}

func remoteErr(snode *meta.Snode, resp *fasthttp.Response) error {
	var eb errBody
	if err := bson.Unmarshal(resp.Body(), &eb); err != nil || eb.Code == "" {
		return cmn.NewErrFailedTo(snode, "call", "shard", cmn.NewErrRemote(cmn.CodeInternal,
			http.StatusText(resp.StatusCode())+": "+string(resp.Body())))
	}
	return cmn.NewErrRemote(eb.Code, eb.Msg)
}

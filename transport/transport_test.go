// Package transport_test: internal RPCs over fasthttp
/*
 * Copyright (c) 2018-2026, NVIDIA CORPORATION. All rights reserved.
 */
package transport_test

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/NVIDIA/reshard/catalog"
	"github.com/NVIDIA/reshard/cmn"
	"github.com/NVIDIA/reshard/core/meta"
	"github.com/NVIDIA/reshard/dbdriver"
	"github.com/NVIDIA/reshard/reshard"
	"github.com/NVIDIA/reshard/shard"
	"github.com/NVIDIA/reshard/tools/tassert"
	"github.com/NVIDIA/reshard/transport"
	"github.com/NVIDIA/reshard/txn"

	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"
	"go.mongodb.org/mongo-driver/bson"
)

type fakeHandler struct {
	last *reshard.Request
	err  error
}

func (h *fakeHandler) Handle(_ context.Context, req *reshard.Request) (*reshard.Report, error) {
	h.last = req
	if h.err != nil {
		return nil, h.err
	}
	return &reshard.Report{
		Shard: "A",
		Docs:  []bson.D{{{Key: "_id", Value: int32(1)}, {Key: "x", Value: "one"}}},
		Last:  int32(1),
		Done:  true,
		Donor: &reshard.DonorMutable{State: reshard.DonorInitialData, MinFetchTS: meta.Timestamp{T: 42, I: 1}},
	}, nil
}

func setup(t *testing.T, h reshard.Handler) *transport.Client {
	ln := fasthttputil.NewInmemoryListener()
	srv := transport.NewServer("A-primary", h)
	go srv.Serve(ln)
	t.Cleanup(func() { srv.Shutdown() })

	reg := meta.NewStaticRegistry()
	reg.SetPrimary("A", &meta.Snode{ID: "A-primary", URL: "http://a.local"})
	cl := &fasthttp.Client{Dial: func(string) (net.Conn, error) { return ln.Dial() }}
	return transport.NewClient(reg, cl, cmn.DefaultConfig())
}

func TestCallRoundTrip(t *testing.T) {
	h := &fakeHandler{}
	cl := setup(t, h)
	req := &reshard.Request{Kind: reshard.KindFetchDocs, OpID: "op1", NS: "db.coll",
		FetchDocs: &reshard.FetchDocsParams{Key: meta.KeyPattern{{Key: "x", Value: 1}}, Limit: 10}}
	rep, err := cl.Call(context.Background(), "A", req)
	tassert.CheckFatal(t, err)

	tassert.Fatalf(t, h.last != nil && h.last.Kind == reshard.KindFetchDocs, "request not delivered: %+v", h.last)
	tassert.Errorf(t, h.last.FetchDocs.Limit == 10, "limit %d", h.last.FetchDocs.Limit)
	tassert.Errorf(t, rep.Shard == "A" && rep.Done, "unexpected report %+v", rep)
	tassert.Fatalf(t, len(rep.Docs) == 1, "expected one document, got %d", len(rep.Docs))
	tassert.Errorf(t, meta.CompareValues(rep.Last, int32(1)) == 0, "last %v", rep.Last)
	tassert.Fatalf(t, rep.Donor != nil, "missing donor state")
	tassert.Errorf(t, rep.Donor.MinFetchTS == meta.Timestamp{T: 42, I: 1}, "minFetch %s", rep.Donor.MinFetchTS)
}

func TestCallRemoteError(t *testing.T) {
	h := &fakeHandler{err: cmn.NewErrNotPrimary("A", "A-primary")}
	cl := setup(t, h)
	req := &reshard.Request{Kind: reshard.KindQueryRecipientState, OpID: "op1", NS: "db.coll"}
	_, err := cl.Call(context.Background(), "A", req)
	tassert.Fatalf(t, err != nil, "expected error")
	tassert.Errorf(t, cmn.IsErrNotPrimary(err), "expected not-primary, got %v", err)
	tassert.Errorf(t, cmn.IsErrRetriable(err), "expected retriable, got %v", err)

	h.err = cmn.NewErrReshardCommitted("db.coll", "op1")
	_, err = cl.Call(context.Background(), "A", req)
	tassert.Errorf(t, cmn.IsErrReshardCommitted(err), "got %v", err)
	tassert.Errorf(t, !cmn.IsErrRetriable(err), "not retriable: %v", err)

	h.err = errors.New("boom")
	_, err = cl.Call(context.Background(), "A", req)
	tassert.Errorf(t, cmn.ErrCode(err) == cmn.CodeInternal, "got %v (%q)", err, cmn.ErrCode(err))
}

func TestCallUnknownShard(t *testing.T) {
	cl := setup(t, &fakeHandler{})
	req := &reshard.Request{Kind: reshard.KindAbortParticipant, OpID: "op1", NS: "db.coll"}
	_, err := cl.Call(context.Background(), "Z", req)
	tassert.Errorf(t, err != nil, "expected error for an unregistered shard")
}

func TestCallCanceled(t *testing.T) {
	cl := setup(t, &fakeHandler{})
	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	time.Sleep(time.Millisecond)
	req := &reshard.Request{Kind: reshard.KindAbortParticipant, OpID: "op1", NS: "db.coll"}
	_, err := cl.Call(ctx, "A", req)
	tassert.Errorf(t, err != nil, "expected deadline error")
}

// a real participant behind the server
func TestServiceOverHTTP(t *testing.T) {
	cat := catalog.New(dbdriver.NewDBMock())
	kp := meta.KeyPattern{{Key: "x", Value: 1}}
	tassert.CheckFatal(t, cat.Create(&meta.CollMeta{NS: "db.coll", Key: kp,
		Chunks: meta.ChunkMap{{Min: kp.MinKey(), Max: kp.MaxKey(), Shard: "A"}}}))
	node, err := shard.NewNode("A", cat, dbdriver.NewDBMock(), nil)
	tassert.CheckFatal(t, err)
	for i := range 10 {
		doc := bson.D{{Key: "_id", Value: i}, {Key: "x", Value: i}, {Key: "y", Value: 10 - i}}
		tassert.CheckFatal(t, node.Insert(context.Background(), &txn.InsertRequest{NS: "db.coll", Doc: doc}))
	}
	svc := reshard.NewService(node, dbdriver.NewDBMock(), reshard.NewLocal(), nil, nil)
	defer svc.Stop()
	cl := setup(t, svc)

	req := &reshard.Request{Kind: reshard.KindSampleKeys, OpID: "op1", NS: "db.coll",
		Sample: &reshard.SampleParams{Key: meta.KeyPattern{{Key: "y", Value: 1}}, Num: 5}}
	rep, err := cl.Call(context.Background(), "A", req)
	tassert.CheckFatal(t, err)
	tassert.Fatalf(t, len(rep.Keys) == 5, "expected 5 sampled keys, got %d", len(rep.Keys))
	for i := 1; i < len(rep.Keys); i++ {
		tassert.Errorf(t, meta.Compare(rep.Keys[i-1], rep.Keys[i]) < 0, "keys out of order: %v", rep.Keys)
	}

	req = &reshard.Request{Kind: reshard.KindFetchDocs, OpID: "op1", NS: "db.coll",
		FetchDocs: &reshard.FetchDocsParams{Key: kp, Limit: 4,
			Chunks: meta.ChunkMap{{Min: kp.MinKey(), Max: meta.Key{int32(5)}, Shard: "B"}}}}
	var got int
	for {
		rep, err = cl.Call(context.Background(), "A", req)
		tassert.CheckFatal(t, err)
		got += len(rep.Docs)
		if rep.Done {
			break
		}
		req.FetchDocs.After = rep.Last
	}
	tassert.Errorf(t, got == 5, "expected 5 documents in [MinKey, 5), got %d", got)

	// unknown donor state: queries for it fail with a remote not-found
	req = &reshard.Request{Kind: reshard.KindStartBlockingWrites, OpID: "nope", NS: "db.coll"}
	_, err = cl.Call(context.Background(), "A", req)
	tassert.Errorf(t, err != nil, "expected error")
}

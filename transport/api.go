// Package transport carries per-shard internal resharding RPCs over HTTP:
// a fasthttp server per shard primary and a client that resolves primaries
// through the shard registry. Bodies are BSON.
/*
 * Copyright (c) 2018-2026, NVIDIA CORPORATION. All rights reserved.
 */
package transport

import (
	"net/http"

	"github.com/NVIDIA/reshard/cmn"
)

const (
	PathReshard = "/v1/internal/reshard"

	ContentBSON = "application/bson"

	HdrErrCode = "X-Reshard-Err-Code"
	HdrNodeID  = "X-Reshard-Node"
)

const ua = "reshardd/participants"

// wire form of a failed call
type errBody struct {
	Code string `bson:"code"`
	Msg  string `bson:"msg"`
}

// HTTPStatus maps an error code to the response status; the code itself
// travels in the body
func HTTPStatus(code string) int {
	switch code {
	case cmn.CodeNotPrimary, cmn.CodeTransient, cmn.CodeWritesBlocked:
		return http.StatusServiceUnavailable
	case cmn.CodeInvalidOptions, cmn.CodeInvalidShardKey:
		return http.StatusBadRequest
	case cmn.CodeConflictingOperation, cmn.CodeReshardCommitted:
		return http.StatusConflict
	case cmn.CodeNamespaceNotFound, cmn.CodeNoSuchReshard, cmn.CodeShardNotFound:
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

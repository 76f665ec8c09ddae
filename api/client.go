// Copyright 2024 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/filecoin-project/go-jsonrpc"
)

// Namespace is the JSON-RPC namespace under which Endpoint methods
// are served.
const Namespace = "Bigpool"

// NewClient connects to the pool host at addr, authenticating with
// key, and returns an Endpoint bound to it. Addr may be a bare
// host:port, which is dialed over websocket at the standard RPC path,
// or a complete URL. The returned closer shuts down the connection.
func NewClient(ctx context.Context, addr, key string, opts ...jsonrpc.Option) (Endpoint, jsonrpc.ClientCloser, error) {
	var res EndpointStruct
	closer, err := jsonrpc.NewMergeClient(ctx, WSURL(addr), Namespace,
		[]interface{}{&res.Internal},
		AuthHeader(key),
		append([]jsonrpc.Option{jsonrpc.WithErrors(RPCErrors)}, opts...)...,
	)
	if err != nil {
		return nil, nil, err
	}
	return &res, closer, nil
}

// AuthHeader builds the authorization header carrying the pool key.
func AuthHeader(key string) http.Header {
	if key == "" {
		return nil
	}
	header := http.Header{}
	header.Add("Authorization", "Bearer "+key)
	return header
}

// WSURL normalizes a pool host address into a dialable RPC URL. Bare
// host:port addresses become websocket URLs at the standard RPC path;
// addresses that already carry a scheme pass through unchanged.
func WSURL(addr string) string {
	if strings.Contains(addr, "://") {
		return addr
	}
	return "ws://" + addr + "/rpc/v0"
}

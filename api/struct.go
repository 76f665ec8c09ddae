// Copyright 2024 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package api

import (
	"context"

	"github.com/filecoin-project/go-jsonrpc/auth"
	"github.com/grailbio/bigpool"
	"github.com/grailbio/bigpool/pack"
)

const (
	PermRead  auth.Permission = "read"
	PermWrite auth.Permission = "write"
	PermAdmin auth.Permission = "admin"
)

// AllPermissions is the set granted to callers presenting the pool
// key. There is a single key per pool, so a valid key grants
// everything.
var AllPermissions = []auth.Permission{PermRead, PermWrite, PermAdmin}

// DefaultPerms is the set granted to callers presenting no key:
// none. Every call requires the pool key.
var DefaultPerms []auth.Permission

// EndpointStruct implements Endpoint by delegating to function
// fields, in the manner required by the JSON-RPC client constructor.
// The perm tags drive PermissionedEndpoint.
type EndpointStruct struct {
	Internal struct {
		Handshake     func(ctx context.Context) (HandshakeInfo, error)                       `perm:"read"`
		Available     func(ctx context.Context) (map[bigpool.Kind]int, error)               `perm:"read"`
		Totals        func(ctx context.Context) (map[bigpool.Kind]int, error)               `perm:"read"`
		SetTotal      func(ctx context.Context, kind bigpool.Kind, n int) error             `perm:"admin"`
		Stat          func(ctx context.Context) (PoolStat, error)                           `perm:"read"`
		Shutdown      func(ctx context.Context) error                                       `perm:"admin"`
		Reserve       func(ctx context.Context, req ReserveRequest) (ReserveReply, error)   `perm:"write"`
		Release       func(ctx context.Context, req ReleaseRequest) error                   `perm:"write"`
		Touch         func(ctx context.Context, session string) error                       `perm:"write"`
		Submit        func(ctx context.Context, req SubmitRequest) error                    `perm:"write"`
		GetResult     func(ctx context.Context, req ResultRequest) (ResultReply, error)     `perm:"write"`
		CloseSession  func(ctx context.Context, session string) error                       `perm:"write"`
		TubeSend      func(ctx context.Context, req TubeSendRequest) error                  `perm:"write"`
		TubeRecv      func(ctx context.Context, req TubeRecvRequest) (TubeRecvReply, error) `perm:"write"`
		TubeCloseEdge func(ctx context.Context, req TubeCloseRequest) error                 `perm:"write"`
		GetWorker     func(ctx context.Context, req WorkerRequest) (WorkerSpec, error)      `perm:"write"`
		PutResult     func(ctx context.Context, req PutResultRequest) error                 `perm:"write"`
		HasPack       func(ctx context.Context, ref pack.Ref) (bool, error)                 `perm:"read"`
		PutPack       func(ctx context.Context, req PutPackRequest) error                   `perm:"write"`
	}
}

func (s *EndpointStruct) Handshake(ctx context.Context) (HandshakeInfo, error) {
	return s.Internal.Handshake(ctx)
}

func (s *EndpointStruct) Available(ctx context.Context) (map[bigpool.Kind]int, error) {
	return s.Internal.Available(ctx)
}

func (s *EndpointStruct) Totals(ctx context.Context) (map[bigpool.Kind]int, error) {
	return s.Internal.Totals(ctx)
}

func (s *EndpointStruct) SetTotal(ctx context.Context, kind bigpool.Kind, n int) error {
	return s.Internal.SetTotal(ctx, kind, n)
}

func (s *EndpointStruct) Stat(ctx context.Context) (PoolStat, error) {
	return s.Internal.Stat(ctx)
}

func (s *EndpointStruct) Shutdown(ctx context.Context) error {
	return s.Internal.Shutdown(ctx)
}

func (s *EndpointStruct) Reserve(ctx context.Context, req ReserveRequest) (ReserveReply, error) {
	return s.Internal.Reserve(ctx, req)
}

func (s *EndpointStruct) Release(ctx context.Context, req ReleaseRequest) error {
	return s.Internal.Release(ctx, req)
}

func (s *EndpointStruct) Touch(ctx context.Context, session string) error {
	return s.Internal.Touch(ctx, session)
}

func (s *EndpointStruct) Submit(ctx context.Context, req SubmitRequest) error {
	return s.Internal.Submit(ctx, req)
}

func (s *EndpointStruct) GetResult(ctx context.Context, req ResultRequest) (ResultReply, error) {
	return s.Internal.GetResult(ctx, req)
}

func (s *EndpointStruct) CloseSession(ctx context.Context, session string) error {
	return s.Internal.CloseSession(ctx, session)
}

func (s *EndpointStruct) TubeSend(ctx context.Context, req TubeSendRequest) error {
	return s.Internal.TubeSend(ctx, req)
}

func (s *EndpointStruct) TubeRecv(ctx context.Context, req TubeRecvRequest) (TubeRecvReply, error) {
	return s.Internal.TubeRecv(ctx, req)
}

func (s *EndpointStruct) TubeCloseEdge(ctx context.Context, req TubeCloseRequest) error {
	return s.Internal.TubeCloseEdge(ctx, req)
}

func (s *EndpointStruct) GetWorker(ctx context.Context, req WorkerRequest) (WorkerSpec, error) {
	return s.Internal.GetWorker(ctx, req)
}

func (s *EndpointStruct) PutResult(ctx context.Context, req PutResultRequest) error {
	return s.Internal.PutResult(ctx, req)
}

func (s *EndpointStruct) HasPack(ctx context.Context, ref pack.Ref) (bool, error) {
	return s.Internal.HasPack(ctx, ref)
}

func (s *EndpointStruct) PutPack(ctx context.Context, req PutPackRequest) error {
	return s.Internal.PutPack(ctx, req)
}

var _ Endpoint = (*EndpointStruct)(nil)

// PermissionedEndpoint wraps an endpoint so that every method checks
// the caller's permissions, established by the HTTP authentication
// layer, against the method's perm tag.
func PermissionedEndpoint(a Endpoint) Endpoint {
	var out EndpointStruct
	auth.PermissionedProxy(AllPermissions, DefaultPerms, a, &out.Internal)
	return &out
}

// Copyright 2024 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package worker

import (
	"context"
	"strings"
	"testing"

	"github.com/grailbio/bigpool"
	"github.com/grailbio/bigpool/api"
	"github.com/grailbio/bigpool/internal/payload"
)

// fakeEndpoint builds an endpoint whose tube calls are served by the
// given functions, bypassing the network.
func fakeEndpoint(send func(api.TubeSendRequest) error, recv func(api.TubeRecvRequest) (api.TubeRecvReply, error)) api.Endpoint {
	var ep api.EndpointStruct
	ep.Internal.TubeSend = func(_ context.Context, req api.TubeSendRequest) error {
		return send(req)
	}
	ep.Internal.TubeRecv = func(_ context.Context, req api.TubeRecvRequest) (api.TubeRecvReply, error) {
		return recv(req)
	}
	return &ep
}

func testNode(ep api.Endpoint) *node {
	return &node{
		ep:  ep,
		cfg: Config{TaskID: "t0", Node: 1},
		spec: api.WorkerSpec{
			Task:     "test",
			Node:     1,
			NumNodes: 3,
			Kind:     bigpool.CPU,
			Topology: bigpool.Topology{
				bigpool.E("up", 1, 2),
				bigpool.E("down", 0, 1),
			},
		},
	}
}

func TestNodeSend(t *testing.T) {
	ctx := context.Background()
	var got api.TubeSendRequest
	n := testNode(fakeEndpoint(func(req api.TubeSendRequest) error {
		got = req
		return nil
	}, nil))

	if err := n.Send(ctx, "up", 42); err != nil {
		t.Fatal(err)
	}
	if want := bigpool.E("up", 1, 2); got.Edge != want {
		t.Errorf("got %v, want %v", got.Edge, want)
	}
	if got.TaskID != "t0" {
		t.Errorf("got task %q", got.TaskID)
	}
	v, err := payload.Unmarshal(got.Payload)
	if err != nil {
		t.Fatal(err)
	}
	if v != 42 {
		t.Errorf("got %v, want 42", v)
	}

	if err := n.Send(ctx, "down", 1); err == nil {
		t.Error("expected error sending on incoming-only tube")
	}
	if err := n.Send(ctx, "nonexistent", 1); err == nil {
		t.Error("expected error for unknown tube")
	}
}

func TestNodeRecv(t *testing.T) {
	ctx := context.Background()
	want, err := payload.Marshal("hello")
	if err != nil {
		t.Fatal(err)
	}
	n := testNode(fakeEndpoint(nil, func(req api.TubeRecvRequest) (api.TubeRecvReply, error) {
		if e := bigpool.E("down", 0, 1); req.Edge != e {
			t.Errorf("got %v, want %v", req.Edge, e)
		}
		return api.TubeRecvReply{Payload: want}, nil
	}))

	v, err := n.Recv(ctx, "down")
	if err != nil {
		t.Fatal(err)
	}
	if v != "hello" {
		t.Errorf("got %v, want hello", v)
	}
	if _, err := n.Recv(ctx, "up"); err == nil {
		t.Error("expected error receiving on outgoing-only tube")
	}
}

func TestNodeRecvClosed(t *testing.T) {
	ctx := context.Background()
	n := testNode(fakeEndpoint(nil, func(api.TubeRecvRequest) (api.TubeRecvReply, error) {
		return api.TubeRecvReply{}, api.ErrTubeClosed
	}))
	if _, err := n.Recv(ctx, "down"); err != bigpool.ErrTubeClosed {
		t.Errorf("got %v, want %v", err, bigpool.ErrTubeClosed)
	}
}

type sumTask struct {
	node bigpool.Node
	args []interface{}
}

func (s *sumTask) Init(node bigpool.Node, args []interface{}) error {
	s.node, s.args = node, args
	return nil
}

func (s *sumTask) Run(ctx context.Context) error { return nil }

func (s *sumTask) Result() (interface{}, error) {
	sum := 0
	for _, a := range s.args {
		sum += a.(int)
	}
	return sum, nil
}

type panicTask struct{}

func (*panicTask) Init(bigpool.Node, []interface{}) error { return nil }
func (*panicTask) Run(context.Context) error              { panic("kaboom") }
func (*panicTask) Result() (interface{}, error)           { return nil, nil }

func init() {
	bigpool.Register("worker_test_sum", func() bigpool.Task { return new(sumTask) })
	bigpool.Register("worker_test_panic", func() bigpool.Task { return new(panicTask) })
}

func TestExecute(t *testing.T) {
	ctx := context.Background()
	args, err := payload.Marshal([]interface{}{1, 2, 3})
	if err != nil {
		t.Fatal(err)
	}
	n := testNode(fakeEndpoint(nil, nil))
	n.spec.Task = "worker_test_sum"
	n.spec.Args = args

	v, err := execute(ctx, n, n.spec)
	if err != nil {
		t.Fatal(err)
	}
	if v != 6 {
		t.Errorf("got %v, want 6", v)
	}
}

func TestExecutePanic(t *testing.T) {
	ctx := context.Background()
	n := testNode(fakeEndpoint(nil, nil))
	n.spec.Task = "worker_test_panic"
	n.spec.Args = nil

	_, err := execute(ctx, n, n.spec)
	if err == nil || !strings.Contains(err.Error(), "kaboom") {
		t.Errorf("got %v, want panic error", err)
	}
}

func TestExecuteUnregistered(t *testing.T) {
	ctx := context.Background()
	n := testNode(fakeEndpoint(nil, nil))
	n.spec.Task = "worker_test_unregistered"
	if _, err := execute(ctx, n, n.spec); err == nil {
		t.Error("expected error for unregistered task")
	}
}

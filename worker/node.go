// Copyright 2024 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package worker

import (
	"context"
	"fmt"

	"github.com/grailbio/bigpool"
	"github.com/grailbio/bigpool/api"
	"github.com/grailbio/bigpool/internal/payload"
)

// node implements bigpool.Node over the worker's RPC connection to
// its serving host. Tube labels are resolved against the task
// topology fixed at submission; the host revalidates every edge.
type node struct {
	ep   api.Endpoint
	cfg  Config
	spec api.WorkerSpec
}

var _ bigpool.Node = (*node)(nil)

func (n *node) Index() int         { return n.spec.Node }
func (n *node) NumNodes() int      { return n.spec.NumNodes }
func (n *node) Kind() bigpool.Kind { return n.spec.Kind }
func (n *node) Shared() []byte     { return n.spec.Shared }

func (n *node) Send(ctx context.Context, tube string, v interface{}) error {
	e, ok := n.spec.Topology.Out(tube, n.spec.Node)
	if !ok {
		return fmt.Errorf("no outgoing tube %q from node %d", tube, n.spec.Node)
	}
	p, err := payload.Marshal(v)
	if err != nil {
		return err
	}
	err = n.ep.TubeSend(ctx, api.TubeSendRequest{
		TaskID:  n.cfg.TaskID,
		Edge:    e,
		Payload: p,
	})
	return tubeErr(err)
}

func (n *node) Recv(ctx context.Context, tube string) (interface{}, error) {
	e, ok := n.spec.Topology.In(tube, n.spec.Node)
	if !ok {
		return nil, fmt.Errorf("no incoming tube %q into node %d", tube, n.spec.Node)
	}
	reply, err := n.ep.TubeRecv(ctx, api.TubeRecvRequest{
		TaskID: n.cfg.TaskID,
		Edge:   e,
	})
	if err != nil {
		return nil, tubeErr(err)
	}
	return payload.Unmarshal(reply.Payload)
}

// tubeErr maps the wire form of end-of-stream onto the sentinel task
// code compares against.
func tubeErr(err error) error {
	if err == nil {
		return nil
	}
	if api.ErrorIsIn(err, []error{api.ErrTubeClosed}) {
		return bigpool.ErrTubeClosed
	}
	return err
}

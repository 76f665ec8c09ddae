// Copyright 2024 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package api defines the RPC interface served by every pool host,
// together with its wire types and error taxonomy. The interface is
// served under the "Bigpool" namespace at /rpc/v0 and is consumed by
// three parties: client brokers reserving units and submitting tasks,
// worker processes exchanging tube traffic and results with their
// serving host, and peer hosts forwarding tube traffic for edges that
// span hosts.
package api

import (
	"context"
	"time"

	"github.com/grailbio/bigpool"
	"github.com/grailbio/bigpool/pack"
)

// Version is the protocol version reported by Handshake. Brokers log
// a warning on mismatch but proceed; the protocol has no compatibility
// negotiation.
const Version = "1.0.0"

// Endpoint is the full RPC surface of a pool host.
type Endpoint interface {
	// Handshake verifies connectivity and the caller's key, returning
	// the host's protocol version. It is the probe used by address
	// validation.
	Handshake(ctx context.Context) (HandshakeInfo, error)

	// Available returns the number of unreserved units per kind.
	Available(ctx context.Context) (map[bigpool.Kind]int, error)

	// Totals returns the configured unit inventory per kind.
	Totals(ctx context.Context) (map[bigpool.Kind]int, error)

	// SetTotal adjusts the host's total inventory for the given kind.
	// Outstanding reservations are unaffected, so the host may be
	// transiently oversubscribed after a reduction.
	SetTotal(ctx context.Context, kind bigpool.Kind, n int) error

	// Stat reports a snapshot of the host's sessions, tasks, and
	// inventory, for inspection tools.
	Stat(ctx context.Context) (PoolStat, error)

	// Shutdown asks the host to stop serving: running tasks are
	// terminated, sessions discarded, and the listener closed.
	Shutdown(ctx context.Context) error

	// Reserve sets aside units for the caller's session. It is
	// all-or-nothing: if fewer than the requested number of units are
	// free, ErrInsufficientCapacity is returned and nothing is
	// reserved.
	Reserve(ctx context.Context, req ReserveRequest) (ReserveReply, error)

	// Release returns an allocation's units to the pool. Releasing an
	// unknown or already-released allocation is a no-op.
	Release(ctx context.Context, req ReleaseRequest) error

	// Touch refreshes the session's liveness clock without any other
	// effect. Clients holding units between submissions touch
	// periodically to forestall eviction. ErrNoSession reports that
	// the session is already gone.
	Touch(ctx context.Context, session string) error

	// Submit launches a task on a previously reserved allocation, one
	// worker process per unit.
	Submit(ctx context.Context, req SubmitRequest) error

	// GetResult blocks until the task's local workers have finished,
	// the request's timeout elapses, or the task fails. On timeout the
	// task is terminated, its allocation released, and ErrTaskTimeout
	// returned. Per-worker failures are reported in the reply rather
	// than as a call error.
	GetResult(ctx context.Context, req ResultRequest) (ResultReply, error)

	// CloseSession discards the caller's session: running tasks are
	// terminated and all of the session's allocations released.
	CloseSession(ctx context.Context, session string) error

	// TubeSend appends a payload to the tube edge's queue on the host
	// serving the edge's target node. It blocks only when the queue is
	// at capacity.
	TubeSend(ctx context.Context, req TubeSendRequest) error

	// TubeRecv removes and returns the oldest payload from the edge's
	// queue, blocking until one is available. It returns ErrTubeClosed
	// once the edge is closed and drained.
	TubeRecv(ctx context.Context, req TubeRecvRequest) (TubeRecvReply, error)

	// TubeCloseEdge marks the edge closed, signaling end-of-stream to
	// the receiving worker after the queue drains.
	TubeCloseEdge(ctx context.Context, req TubeCloseRequest) error

	// GetWorker returns the startup spec for one worker of a running
	// task. It is called by worker processes as they boot.
	GetWorker(ctx context.Context, req WorkerRequest) (WorkerSpec, error)

	// PutResult delivers a worker's result, or its failure, to the
	// serving host.
	PutResult(ctx context.Context, req PutResultRequest) error

	// HasPack reports whether the host can already materialize the
	// given pack.
	HasPack(ctx context.Context, ref pack.Ref) (bool, error)

	// PutPack uploads a pack to the host's store. The pack is verified
	// against its digest.
	PutPack(ctx context.Context, req PutPackRequest) error
}

// HandshakeInfo is returned by Endpoint.Handshake.
type HandshakeInfo struct {
	Version string
}

// ReserveRequest asks for N units of the given kind on behalf of a
// session.
type ReserveRequest struct {
	Session string
	Kind    bigpool.Kind
	N       int
}

// ReserveReply names the allocation created by a successful reserve.
type ReserveReply struct {
	AllocID string
}

// ReleaseRequest returns an allocation to the pool.
type ReleaseRequest struct {
	Session string
	AllocID string
}

// Descriptor carries everything a host needs to run its share of a
// task: the registered task name, an optional pack reference for the
// worker binary, the per-node argument payloads, the shared data
// block, and the tube topology.
type Descriptor struct {
	Task     string
	Pack     *pack.Ref
	Args     [][]byte
	Shared   []byte
	Topology bigpool.Topology
}

// SubmitRequest launches a task. Placement maps every node index of
// the task to the address of its serving host; LocalNodes lists the
// node indices this host runs. The same descriptor and placement are
// sent to every participating host.
type SubmitRequest struct {
	Session    string
	TaskID     string
	AllocID    string
	Desc       Descriptor
	Placement  []string
	LocalNodes []int
}

// ResultRequest asks for the results of the task's local workers.
// A nonpositive timeout selects the host's default.
type ResultRequest struct {
	Session string
	TaskID  string
	Timeout time.Duration
}

// NodeResult is one worker's outcome: an encoded value on success, or
// a failure message.
type NodeResult struct {
	Node  int
	Value []byte
	Err   string
}

// ResultReply carries the outcomes of the task's local workers.
type ResultReply struct {
	Results []NodeResult
}

// TubeSendRequest appends a payload to an edge's queue.
type TubeSendRequest struct {
	TaskID  string
	Edge    bigpool.Edge
	Payload []byte
}

// TubeRecvRequest pops a payload from an edge's queue. A zero timeout
// blocks until a payload arrives or the edge closes.
type TubeRecvRequest struct {
	TaskID  string
	Edge    bigpool.Edge
	Timeout time.Duration
}

// TubeRecvReply carries a popped payload.
type TubeRecvReply struct {
	Payload []byte
}

// TubeCloseRequest closes an edge.
type TubeCloseRequest struct {
	TaskID string
	Edge   bigpool.Edge
}

// WorkerRequest identifies a worker fetching its startup spec.
type WorkerRequest struct {
	TaskID string
	Node   int
}

// WorkerSpec is everything a worker process needs to run its node:
// the registered task name, the node's place in the task, its encoded
// arguments, the shared data block, and the task topology for
// resolving tube labels.
type WorkerSpec struct {
	Task     string
	Node     int
	NumNodes int
	Kind     bigpool.Kind
	Args     []byte
	Shared   []byte
	Topology bigpool.Topology
}

// PutResultRequest delivers a worker's outcome.
type PutResultRequest struct {
	TaskID string
	Node   int
	Value  []byte
	Err    string
}

// PutPackRequest uploads a pack blob and its manifest.
type PutPackRequest struct {
	Manifest pack.Manifest
	Data     []byte
}

// SessionStat describes one live session.
type SessionStat struct {
	ID       string
	Idle     time.Duration
	Inflight int
	Allocs   int
	Tasks    int
}

// TaskStat describes one live task.
type TaskStat struct {
	ID      string
	Session string
	State   string
	Nodes   []int
	Age     time.Duration
}

// PoolStat is a point-in-time snapshot of a host.
type PoolStat struct {
	Version   string
	Totals    map[bigpool.Kind]int
	Available map[bigpool.Kind]int
	Sessions  []SessionStat
	Tasks     []TaskStat
}

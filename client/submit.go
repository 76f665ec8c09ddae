// Copyright 2024 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package client

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigpool"
	"github.com/grailbio/bigpool/api"
	"github.com/grailbio/bigpool/internal/payload"
	"github.com/grailbio/bigpool/pack"
	"golang.org/x/sync/errgroup"
)

// resultGrace pads the client-side wait over the host-enforced task
// timeout so that a timely host reply always wins the race.
const resultGrace = 15 * time.Second

type submitOptions struct {
	args    [][]interface{}
	shared  []byte
	pack    *pack.Ref
	topo    bigpool.Topology
	timeout time.Duration
}

// A SubmitOption configures a task submission.
type SubmitOption func(*submitOptions)

// WithArgs supplies per-node arguments as columns: each column must
// have one entry per node, and node i receives the i'th entry of
// every column, in order. Values must be gob-encodable; named types
// need a gob.Register on both client and worker.
func WithArgs(columns ...[]interface{}) SubmitOption {
	return func(o *submitOptions) { o.args = columns }
}

// WithShared attaches a data block handed to every node verbatim.
func WithShared(data []byte) SubmitOption {
	return func(o *submitOptions) { o.shared = data }
}

// WithPack runs the task's workers from the given pack instead of the
// host's own binary. Push the pack with Broker.PushPack first.
func WithPack(ref pack.Ref) SubmitOption {
	return func(o *submitOptions) { o.pack = &ref }
}

// WithTopology declares the tube edges the task's nodes may use.
func WithTopology(topo bigpool.Topology) SubmitOption {
	return func(o *submitOptions) { o.topo = topo }
}

// WithTimeout overrides the configured task timeout for result
// collection on this task.
func WithTimeout(d time.Duration) SubmitOption {
	return func(o *submitOptions) { o.timeout = d }
}

// A Handle follows a submitted task across its hosts.
type Handle struct {
	broker  *Broker
	id      string
	alloc   *Allocation
	n       int
	timeout time.Duration
}

// ID returns the task id.
func (h *Handle) ID() string { return h.id }

// NumNodes returns the task's node count.
func (h *Handle) NumNodes() int { return h.n }

// Allocation returns the allocation the task runs on. The allocation
// stays reserved after results are collected and can carry further
// submissions.
func (h *Handle) Allocation() *Allocation { return h.alloc }

// Submit starts the named task on every unit of the allocation. Node
// indices follow the allocation's host order. Hosts are engaged one
// at a time; if a host rejects the submission after others have
// accepted, the whole allocation is released to terminate the partial
// task, and the caller must allocate anew. If the first host rejects,
// the allocation is left intact.
func (b *Broker) Submit(ctx context.Context, name string, alloc *Allocation, opts ...SubmitOption) (*Handle, error) {
	o := submitOptions{timeout: b.timeout}
	for _, opt := range opts {
		opt(&o)
	}
	if name == "" {
		return nil, errors.E(errors.Invalid, "submit: missing task name")
	}
	n := alloc.N()
	if n == 0 {
		return nil, errors.E(errors.Invalid, "submit: empty allocation")
	}
	if err := o.topo.Validate(n); err != nil {
		return nil, err
	}
	args, err := encodeArgs(o.args, n)
	if err != nil {
		return nil, err
	}

	placement := make([]string, 0, n)
	locals := make([][]int, len(alloc.Allocs))
	seen := make(map[string]bool, len(alloc.Allocs))
	for i, h := range alloc.Allocs {
		if seen[h.Addr] {
			return nil, errors.E(errors.Invalid, "submit: host "+h.Addr+" appears twice in allocation")
		}
		seen[h.Addr] = true
		locals[i] = make([]int, h.N)
		for j := 0; j < h.N; j++ {
			locals[i][j] = len(placement)
			placement = append(placement, h.Addr)
		}
	}

	desc := api.Descriptor{
		Task:     name,
		Pack:     o.pack,
		Args:     args,
		Shared:   o.shared,
		Topology: o.topo,
	}
	id := uuid.New().String()
	for i, h := range alloc.Allocs {
		ep, err := b.endpoint(ctx, h.Addr)
		if err == nil {
			err = ep.Submit(ctx, api.SubmitRequest{
				Session:    b.session,
				TaskID:     id,
				AllocID:    h.ID,
				Desc:       desc,
				Placement:  placement,
				LocalNodes: locals[i],
			})
		}
		if err != nil {
			if i > 0 {
				b.rollback(alloc)
			}
			return nil, errors.E("submit "+name+" to "+h.Addr, err)
		}
	}
	return &Handle{broker: b, id: id, alloc: alloc, n: n, timeout: o.timeout}, nil
}

// encodeArgs turns argument columns into one payload per node.
func encodeArgs(columns [][]interface{}, n int) ([][]byte, error) {
	if len(columns) == 0 {
		return nil, nil
	}
	for _, col := range columns {
		if len(col) != n {
			return nil, errors.E(errors.Invalid,
				fmt.Sprintf("submit: argument column has %d entries for %d nodes", len(col), n))
		}
	}
	args := make([][]byte, n)
	for i := 0; i < n; i++ {
		row := make([]interface{}, len(columns))
		for j, col := range columns {
			row[j] = col[i]
		}
		p, err := payload.Marshal(row)
		if err != nil {
			return nil, err
		}
		args[i] = p
	}
	return args, nil
}

// Result collects the task's results from every host and returns the
// decoded values indexed by node. It blocks until every node has
// finished, the task timeout passes, or ctx is done.
//
// If any worker failed, Result returns the lowest-numbered failure as
// an *api.ErrWorker; the allocation stays reserved so the caller can
// retry or inspect. If a host times out or cannot be reached it is
// presumed dead and the whole allocation is released, since its
// remaining units can no longer be trusted.
func (h *Handle) Result(ctx context.Context) ([]interface{}, error) {
	var (
		mu      sync.Mutex
		values  = make([][]byte, h.n)
		failed  []*api.ErrWorker
		g, gctx = errgroup.WithContext(ctx)
	)
	for _, a := range h.alloc.Allocs {
		a := a
		g.Go(func() error {
			ep, err := h.broker.endpoint(gctx, a.Addr)
			if err != nil {
				log.Error.Printf("bigpool: host %s unreachable: %v", a.Addr, err)
				return api.ErrHostUnreachable
			}
			wctx, cancel := context.WithTimeout(gctx, h.timeout+resultGrace)
			defer cancel()
			rep, err := ep.GetResult(wctx, api.ResultRequest{
				Session: h.broker.session,
				TaskID:  h.id,
				Timeout: h.timeout,
			})
			switch {
			case err == nil:
			case api.ErrorIsIn(err, []error{api.ErrTaskTimeout, api.ErrNoTask, api.ErrNoSession, api.ErrShuttingDown}):
				return err
			case gctx.Err() != nil:
				// Another host already failed the collection.
				return err
			default:
				// Transport failure or a blown grace period; presume
				// the host dead.
				log.Error.Printf("bigpool: host %s: presumed dead: %v", a.Addr, err)
				return api.ErrHostUnreachable
			}
			mu.Lock()
			defer mu.Unlock()
			for _, r := range rep.Results {
				if r.Node < 0 || r.Node >= h.n {
					return errors.E(errors.Invalid,
						fmt.Sprintf("host %s reported node %d of a %d-node task", a.Addr, r.Node, h.n))
				}
				if r.Err != "" {
					failed = append(failed, &api.ErrWorker{Node: r.Node, Msg: r.Err})
					continue
				}
				values[r.Node] = r.Value
			}
			return nil
		})
	}
	err := g.Wait()
	sort.Slice(failed, func(i, j int) bool { return failed[i].Node < failed[j].Node })
	if err != nil {
		// A timeout on one host is usually downstream of a failure
		// another host already reported; surface the root cause.
		if len(failed) > 0 && api.ErrorIsIn(err, []error{api.ErrTaskTimeout}) {
			err = failed[0]
		}
		h.broker.rollback(h.alloc)
		return nil, err
	}
	if len(failed) > 0 {
		return nil, failed[0]
	}
	out := make([]interface{}, h.n)
	for i, p := range values {
		v, err := payload.Unmarshal(p)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// Release returns the task's allocation to its hosts.
func (h *Handle) Release(ctx context.Context) error {
	return h.broker.Release(ctx, h.alloc)
}

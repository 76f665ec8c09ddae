// Copyright 2024 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package server

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/grailbio/base/sync/ctxsync"
	"github.com/grailbio/bigpool"
	"github.com/grailbio/bigpool/api"
)

// taskState is the lifecycle state of a host's share of a task.
// States only increase.
type taskState int

const (
	// taskRunning means local workers are executing.
	taskRunning taskState = iota
	// taskDone means every local worker delivered a result.
	taskDone
	// taskFailed means a worker failed or the task was torn down by
	// timeout, session close, or eviction.
	taskFailed
)

func (s taskState) String() string {
	switch s {
	case taskRunning:
		return "RUNNING"
	case taskDone:
		return "DONE"
	case taskFailed:
		return "FAILED"
	default:
		return fmt.Sprintf("taskState(%d)", int(s))
	}
}

// workerRun tracks one local worker process.
type workerRun struct {
	handle   Handle
	reported bool
	result   api.NodeResult
}

// A task is this host's share of a submitted task: the workers for
// its local nodes, their tube queues, and a small state machine that
// result waiters block on.
type task struct {
	id        string
	session   string
	allocID   string
	kind      bigpool.Kind
	desc      api.Descriptor
	placement []string
	local     []int
	started   time.Time

	// ctx is canceled at teardown; worker handles and forwarders hang
	// off it.
	ctx    context.Context
	cancel context.CancelFunc
	tubes  *tubeTable
	// fwd counts live forwarder goroutines so that teardown after a
	// successful run can let them drain before canceling ctx.
	fwd sync.WaitGroup

	mu       sync.Mutex
	cond     *ctxsync.Cond
	state    taskState
	err      error
	workers  map[int]*workerRun
	nok      int
	released bool
}

func newTask(id string, a *alloc, desc api.Descriptor, placement []string, local []int, tubeCap int) *task {
	ctx, cancel := context.WithCancel(context.Background())
	t := &task{
		id:        id,
		session:   a.Session,
		allocID:   a.ID,
		kind:      a.Kind,
		desc:      desc,
		placement: placement,
		local:     local,
		started:   time.Now(),
		ctx:       ctx,
		cancel:    cancel,
		tubes:     newTubeTable(tubeCap),
		workers:   make(map[int]*workerRun, len(local)),
	}
	t.cond = ctxsync.NewCond(&t.mu)
	for _, node := range local {
		t.workers[node] = &workerRun{}
	}
	return t
}

func (t *task) isLocal(node int) bool {
	_, ok := t.workers[node]
	return ok
}

// setHandle records the runner handle for a local node.
func (t *task) setHandle(node int, h Handle) {
	t.mu.Lock()
	t.workers[node].handle = h
	t.mu.Unlock()
}

// report records a worker's outcome. A failure outcome moves the task
// to taskFailed; the final success moves it to taskDone. Reports
// against settled tasks or already-reported nodes are ignored, which
// makes the exit watcher's synthetic report harmless after a real
// one.
func (t *task) report(node int, res api.NodeResult) (done, failed bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	w, ok := t.workers[node]
	if !ok || w.reported || t.state != taskRunning {
		return false, false
	}
	w.reported = true
	w.result = res
	if res.Err != "" {
		t.state = taskFailed
		t.err = &api.ErrWorker{Node: node, Msg: res.Err}
		t.cond.Broadcast()
		return false, true
	}
	t.nok++
	if t.nok == len(t.workers) {
		t.state = taskDone
		t.cond.Broadcast()
		return true, false
	}
	return false, false
}

// fail moves the task to taskFailed with the given cause, reporting
// whether this call performed the transition.
func (t *task) fail(err error) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != taskRunning {
		return false
	}
	t.state = taskFailed
	t.err = err
	t.cond.Broadcast()
	return true
}

// waitDone blocks until the task settles or the context is done.
func (t *task) waitDone(ctx context.Context) (taskState, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for t.state == taskRunning {
		if err := t.cond.Wait(ctx); err != nil {
			return t.state, err
		}
	}
	return t.state, nil
}

// results snapshots the local workers' outcomes in node order. On a
// failed task, workers that never reported are filled in from the
// failure cause so that every local node carries an outcome.
func (t *task) results() []api.NodeResult {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]api.NodeResult, 0, len(t.workers))
	for node, w := range t.workers {
		res := w.result
		res.Node = node
		if !w.reported {
			switch {
			case t.err != nil:
				res.Err = fmt.Sprintf("aborted: %v", t.err)
			case t.state == taskFailed:
				res.Err = "aborted"
			}
		}
		out = append(out, res)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Node < out[j].Node })
	return out
}

// handles snapshots the live runner handles for teardown.
func (t *task) handles() []Handle {
	t.mu.Lock()
	defer t.mu.Unlock()
	hs := make([]Handle, 0, len(t.workers))
	for _, w := range t.workers {
		if w.handle != nil {
			hs = append(hs, w.handle)
		}
	}
	return hs
}

// markReleased records that the task's allocation has been returned,
// reporting whether this call was the first to do so.
func (t *task) markReleased() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.released {
		return false
	}
	t.released = true
	return true
}

func (t *task) stat() api.TaskStat {
	t.mu.Lock()
	defer t.mu.Unlock()
	nodes := make([]int, 0, len(t.workers))
	for node := range t.workers {
		nodes = append(nodes, node)
	}
	sort.Ints(nodes)
	return api.TaskStat{
		ID:      t.id,
		Session: t.session,
		State:   t.state.String(),
		Nodes:   nodes,
		Age:     time.Since(t.started),
	}
}

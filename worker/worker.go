// Copyright 2024 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package worker implements the worker side of the pool runtime: the
// process bootstrap, the RPC exchange with the serving host, and the
// Node handle passed to tasks.
//
// Binaries that may serve as workers, which includes any client
// binary used with the process runner's same-binary fallback, must
// call Init at the top of main, after task registration:
//
//	func main() {
//		worker.Init()
//		// ordinary main follows
//	}
//
// Init is a no-op unless the process was spawned as a worker, in
// which case it runs the worker to completion and exits.
package worker

import (
	"context"
	"fmt"
	"os"
	"runtime/debug"
	"strconv"
	"sync"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/retry"
	"github.com/grailbio/bigpool"
	"github.com/grailbio/bigpool/api"
	"github.com/grailbio/bigpool/internal/payload"
)

const (
	envAddr = "BIGPOOL_WORKER_ADDR"
	envKey  = "BIGPOOL_WORKER_KEY"
	envTask = "BIGPOOL_WORKER_TASK"
	envNode = "BIGPOOL_WORKER_NODE"
)

var putRetryPolicy = retry.MaxRetries(retry.Backoff(100*time.Millisecond, 2*time.Second, 1.5), 5)

// Config identifies one worker: the host to dial back to, the pool
// key, and the worker's task and node.
type Config struct {
	Addr   string
	Key    string
	TaskID string
	Node   int
}

// Env renders a worker config as the environment variables recognized
// by Init. It is used by the host-side process runner.
func Env(cfg Config) []string {
	return []string{
		envAddr + "=" + cfg.Addr,
		envKey + "=" + cfg.Key,
		envTask + "=" + cfg.TaskID,
		envNode + "=" + strconv.Itoa(cfg.Node),
	}
}

// Init bootstraps worker processes. If the process environment does
// not mark this process as a worker, Init returns immediately;
// otherwise it runs the worker to completion and exits the process,
// never returning. Call it at the top of main, after all Register
// calls have run.
func Init() {
	addr := os.Getenv(envAddr)
	if addr == "" {
		return
	}
	node, err := strconv.Atoi(os.Getenv(envNode))
	if err != nil {
		log.Fatalf("bigpool worker: bad node index %q: %v", os.Getenv(envNode), err)
	}
	cfg := Config{
		Addr:   addr,
		Key:    os.Getenv(envKey),
		TaskID: os.Getenv(envTask),
		Node:   node,
	}
	if err := Run(context.Background(), cfg); err != nil {
		log.Error.Printf("bigpool worker: task %s node %d: %v", cfg.TaskID, cfg.Node, err)
		os.Exit(1)
	}
	os.Exit(0)
}

// Run executes one worker to completion against the host at
// cfg.Addr: it fetches the worker's spec, instantiates the registered
// task, drives it through Init and Run, and delivers the result, or
// the failure, back to the host. Run returns an error only when the
// worker protocol itself fails; task failures are delivered to the
// host and reported there.
func Run(ctx context.Context, cfg Config) error {
	ep, closer, err := api.NewClient(ctx, cfg.Addr, cfg.Key)
	if err != nil {
		return errors.E("worker: dial", cfg.Addr, err)
	}
	defer closer()

	spec, err := ep.GetWorker(ctx, api.WorkerRequest{TaskID: cfg.TaskID, Node: cfg.Node})
	if err != nil {
		return errors.E("worker: get spec", cfg.TaskID, err)
	}
	n := &node{ep: ep, cfg: cfg, spec: spec}

	res := api.PutResultRequest{TaskID: cfg.TaskID, Node: cfg.Node}
	if value, err := execute(ctx, n, spec); err != nil {
		res.Err = err.Error()
	} else if res.Value, err = payload.Marshal(value); err != nil {
		res.Err = err.Error()
		res.Value = nil
	}

	// The result delivery is retried: a host restarting its listener
	// must not cost us a finished computation.
	for retries := 0; ; retries++ {
		err = ep.PutResult(ctx, res)
		if err == nil {
			return nil
		}
		if api.ErrorIsIn(err, []error{api.ErrNoTask}) {
			// The task was torn down while we ran; nothing to deliver.
			return nil
		}
		if werr := retry.Wait(ctx, putRetryPolicy, retries); werr != nil {
			return errors.E("worker: put result", cfg.TaskID, err)
		}
	}
}

// execute drives the task lifecycle, converting panics in user code
// into ordinary failures so that they are reported like any other
// error rather than killing the process silently.
func execute(ctx context.Context, n *node, spec api.WorkerSpec) (value interface{}, err error) {
	create, err := bigpool.Lookup(spec.Task)
	if err != nil {
		return nil, err
	}
	task := create()

	var args []interface{}
	if len(spec.Args) > 0 {
		v, err := payload.Unmarshal(spec.Args)
		if err != nil {
			return nil, err
		}
		var ok bool
		if args, ok = v.([]interface{}); !ok {
			return nil, fmt.Errorf("worker: malformed arguments of type %T", v)
		}
	}

	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("task panic: %v\n%s", p, debug.Stack())
		}
	}()
	if bind := deviceBinder(); bind != nil {
		if err := bind(ctx, n); err != nil {
			return nil, errors.E("worker: bind device", err)
		}
	}
	if err := task.Init(n, args); err != nil {
		return nil, err
	}
	if err := task.Run(ctx); err != nil {
		return nil, err
	}
	return task.Result()
}

var (
	binderMu sync.Mutex
	binder   func(ctx context.Context, node bigpool.Node) error
)

// RegisterDeviceBinder installs a hook invoked in every worker
// process before the task's Init, giving deployments a place to bind
// accelerator devices or otherwise prepare the unit backing the
// worker. The hook can inspect the node's Kind to decide whether it
// applies. At most one binder may be registered.
func RegisterDeviceBinder(f func(ctx context.Context, node bigpool.Node) error) {
	binderMu.Lock()
	defer binderMu.Unlock()
	if binder != nil {
		panic("bigpool worker: device binder already registered")
	}
	binder = f
}

func deviceBinder() func(ctx context.Context, node bigpool.Node) error {
	binderMu.Lock()
	defer binderMu.Unlock()
	return binder
}

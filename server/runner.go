// Copyright 2024 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package server

import (
	"context"
	"os"
	"os/exec"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigpool/worker"
)

// A WorkerCmd names one worker to be started: the task and node it
// serves, the endpoint it should dial home to, and the binary to run.
// An empty Entry means the server's own binary, which then detects
// worker mode through the environment in worker.Init.
type WorkerCmd struct {
	TaskID string
	Node   int
	Addr   string
	Key    string
	Entry  string
	Dir    string
}

// A Handle controls one started worker.
type Handle interface {
	// Wait blocks until the worker exits and returns its exit error.
	Wait() error
	// Kill terminates the worker. It does not wait.
	Kill()
}

// A Runner starts workers. The server holds exactly one; tests swap
// in LocalRunner to run workers in-process.
type Runner interface {
	Start(ctx context.Context, cmd WorkerCmd) (Handle, error)
}

// ProcessRunner starts each worker as its own OS process. The worker
// inherits the server's environment plus the bigpool worker
// variables, and its output is passed through to the server's.
type ProcessRunner struct{}

type processHandle struct {
	cmd *exec.Cmd
}

func (h *processHandle) Wait() error { return h.cmd.Wait() }

func (h *processHandle) Kill() {
	if h.cmd.Process != nil {
		_ = h.cmd.Process.Kill()
	}
}

// Start launches the worker process. The process is killed when ctx
// is canceled.
func (ProcessRunner) Start(ctx context.Context, cmd WorkerCmd) (Handle, error) {
	binary := cmd.Entry
	if binary == "" {
		var err error
		binary, err = os.Executable()
		if err != nil {
			return nil, errors.E("runner: locate binary", err)
		}
	}
	c := exec.CommandContext(ctx, binary)
	c.Env = append(os.Environ(), worker.Env(worker.Config{
		Addr:   cmd.Addr,
		Key:    cmd.Key,
		TaskID: cmd.TaskID,
		Node:   cmd.Node,
	})...)
	c.Dir = cmd.Dir
	c.Stdout = os.Stdout
	c.Stderr = os.Stderr
	if err := c.Start(); err != nil {
		return nil, errors.E("runner: start worker", err)
	}
	return &processHandle{cmd: c}, nil
}

// LocalRunner runs workers as goroutines inside the server process.
// It exists for tests and for single-process experiments; tasks that
// panic are still contained because worker.Run recovers.
type LocalRunner struct{}

type localHandle struct {
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

func (h *localHandle) Wait() error {
	<-h.done
	return h.err
}

func (h *localHandle) Kill() { h.cancel() }

func (LocalRunner) Start(ctx context.Context, cmd WorkerCmd) (Handle, error) {
	wctx, cancel := context.WithCancel(ctx)
	h := &localHandle{cancel: cancel, done: make(chan struct{})}
	go func() {
		h.err = worker.Run(wctx, worker.Config{
			Addr:   cmd.Addr,
			Key:    cmd.Key,
			TaskID: cmd.TaskID,
			Node:   cmd.Node,
		})
		close(h.done)
	}()
	return h, nil
}

// Copyright 2024 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigpool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrTubeClosed is returned by Node.Recv when the sending side of the
// tube has closed it and all buffered values have been drained, and
// by Node.Send when the tube has been torn down. It signals ordinary
// end-of-stream, not failure.
var ErrTubeClosed = errors.New("tube closed")

// A Task is a unit of distributed work. The runtime instantiates one
// Task value per reserved compute unit, in its own worker process,
// and drives it through a fixed lifecycle: Init with the worker's
// node handle and the arguments destined for it, then Run, then
// Result if Run succeeded. Implementations are registered by name
// with Register; every host that may execute a task must run a binary
// that registers it.
//
// Task implementations need not be safe for concurrent use: each
// worker process owns its Task exclusively.
type Task interface {
	// Init prepares the task. Node identifies this worker within the
	// task and provides tube communication; args are the arguments
	// addressed to this node by the submitting client.
	Init(node Node, args []interface{}) error

	// Run executes the task. The context is canceled when the task is
	// torn down, whether by timeout, session eviction, or failure
	// elsewhere in the task.
	Run(ctx context.Context) error

	// Result returns the task's result value, which is delivered back
	// to the submitting client. It is called only after Run returns
	// successfully. Result values must be gob-encodable; named types
	// must be registered with encoding/gob on both ends.
	Result() (interface{}, error)
}

// A Node is a worker's view of its place in a running task. It is
// passed to Task.Init and remains valid for the task's lifetime.
type Node interface {
	// Index is this worker's node index, in [0, NumNodes).
	Index() int
	// NumNodes is the total number of workers in the task.
	NumNodes() int
	// Kind is the kind of compute unit backing this worker.
	Kind() Kind
	// Shared returns the task's shared data block, nil if none was
	// provided. All nodes observe the same bytes.
	Shared() []byte
	// Send pushes a value into the named outgoing tube. It does not
	// block except when the tube's buffer is full. Values must be
	// gob-encodable.
	Send(ctx context.Context, tube string, v interface{}) error
	// Recv pops the next value from the named incoming tube, blocking
	// until one is available. It returns ErrTubeClosed after the
	// sender closes the tube and the buffer drains.
	Recv(ctx context.Context, tube string) (interface{}, error)
}

var (
	tasksMu sync.Mutex
	tasks   = make(map[string]func() Task)
)

// Register registers a task implementation under the given name. The
// provided function is invoked once per worker process to create the
// Task instance. Register is typically called from package init so
// that registration precedes worker bootstrap. It panics if name is
// empty or already registered.
func Register(name string, create func() Task) {
	if name == "" {
		panic("bigpool: Register called with empty task name")
	}
	if create == nil {
		panic("bigpool: Register called with nil constructor for task " + name)
	}
	tasksMu.Lock()
	defer tasksMu.Unlock()
	if _, ok := tasks[name]; ok {
		panic(fmt.Sprintf("bigpool: task %q already registered", name))
	}
	tasks[name] = create
}

// Lookup returns the constructor registered under name.
func Lookup(name string) (func() Task, error) {
	tasksMu.Lock()
	defer tasksMu.Unlock()
	create, ok := tasks[name]
	if !ok {
		return nil, fmt.Errorf("bigpool: no task registered with name %q", name)
	}
	return create, nil
}

// Tasks returns the names of all registered tasks in sorted order.
func Tasks() []string {
	tasksMu.Lock()
	defer tasksMu.Unlock()
	names := make([]string, 0, len(tasks))
	for name := range tasks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

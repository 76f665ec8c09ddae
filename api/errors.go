// Copyright 2024 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package api

import (
	"errors"
	"fmt"
	"reflect"

	"github.com/filecoin-project/go-jsonrpc"
)

const (
	EInsufficientCapacity = iota + jsonrpc.FirstUserCode
	ETaskTimeout
	ETubeClosed
	ENoSession
	ENoTask
	ENoAlloc
	EShuttingDown
)

var (
	// RPCErrors maps the error types below onto wire codes so that
	// they survive the trip through JSON-RPC typed.
	RPCErrors = jsonrpc.NewErrors()

	// ErrInsufficientCapacity signals that a reserve asked for more
	// units than the host has free. Nothing was reserved.
	ErrInsufficientCapacity = &errInsufficientCapacity{}
	// ErrTaskTimeout signals that a result was not produced within the
	// caller's timeout. The task has been terminated and its units
	// returned to the pool.
	ErrTaskTimeout = &errTaskTimeout{}
	// ErrTubeClosed signals ordinary end-of-stream on a tube edge: the
	// sender closed the edge and the queue has drained.
	ErrTubeClosed = &errTubeClosed{}
	// ErrNoSession signals that the named session is unknown, possibly
	// because it was evicted for inactivity.
	ErrNoSession = &errNoSession{}
	// ErrNoTask signals that the named task is unknown, possibly
	// because its results were already collected or it was torn down.
	ErrNoTask = &errNoTask{}
	// ErrNoAlloc signals that the named allocation is unknown or not
	// owned by the caller's session.
	ErrNoAlloc = &errNoAlloc{}
	// ErrShuttingDown signals that the host is shutting down and not
	// accepting new work.
	ErrShuttingDown = &errShuttingDown{}

	// ErrAuth is produced by clients whose key a host rejected. It
	// never crosses the wire: hosts refuse unauthenticated requests at
	// the HTTP layer.
	ErrAuth = &errAuth{}
	// ErrHostUnreachable is produced by clients for hosts that cannot
	// be dialed or that stop answering, and are therefore presumed
	// dead.
	ErrHostUnreachable = &errHostUnreachable{}

	_ error = (*errInsufficientCapacity)(nil)
	_ error = (*errTaskTimeout)(nil)
	_ error = (*errTubeClosed)(nil)
	_ error = (*errNoSession)(nil)
	_ error = (*errNoTask)(nil)
	_ error = (*errNoAlloc)(nil)
	_ error = (*errShuttingDown)(nil)
	_ error = (*errAuth)(nil)
	_ error = (*errHostUnreachable)(nil)
	_ error = (*ErrWorker)(nil)
)

func init() {
	RPCErrors.Register(EInsufficientCapacity, new(*errInsufficientCapacity))
	RPCErrors.Register(ETaskTimeout, new(*errTaskTimeout))
	RPCErrors.Register(ETubeClosed, new(*errTubeClosed))
	RPCErrors.Register(ENoSession, new(*errNoSession))
	RPCErrors.Register(ENoTask, new(*errNoTask))
	RPCErrors.Register(ENoAlloc, new(*errNoAlloc))
	RPCErrors.Register(EShuttingDown, new(*errShuttingDown))
}

// ErrorIsIn reports whether err is, or wraps, an instance of any of
// the given error types. It matches by type, not identity, so it also
// recognizes errors reconstructed from their wire codes.
func ErrorIsIn(err error, errorTypes []error) bool {
	for _, etype := range errorTypes {
		tmp := reflect.New(reflect.PointerTo(reflect.ValueOf(etype).Elem().Type())).Interface()
		if errors.As(err, tmp) {
			return true
		}
	}
	return false
}

type errInsufficientCapacity struct{}

func (errInsufficientCapacity) Error() string { return "insufficient capacity" }

type errTaskTimeout struct{}

func (errTaskTimeout) Error() string { return "task timed out" }

type errTubeClosed struct{}

func (errTubeClosed) Error() string { return "tube closed" }

type errNoSession struct{}

func (errNoSession) Error() string { return "no such session" }

type errNoTask struct{}

func (errNoTask) Error() string { return "no such task" }

type errNoAlloc struct{}

func (errNoAlloc) Error() string { return "no such allocation" }

type errShuttingDown struct{}

func (errShuttingDown) Error() string { return "host is shutting down" }

type errAuth struct{}

func (errAuth) Error() string { return "authentication failed" }

type errHostUnreachable struct{}

func (errHostUnreachable) Error() string { return "host unreachable" }

// ErrWorker reports the failure of a single worker within a task. It
// is produced by clients from the per-node failure messages in a
// result reply.
type ErrWorker struct {
	Node int
	Msg  string
}

func (e *ErrWorker) Error() string { return fmt.Sprintf("worker %d failed: %s", e.Node, e.Msg) }

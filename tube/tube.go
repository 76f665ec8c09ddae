// Copyright 2024 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package tube implements the directed FIFO queues that back task
// tube edges. A Tube carries opaque encoded payloads from exactly one
// producer to exactly one consumer, preserving arrival order. Sends
// are buffered and do not block until the tube's capacity is reached;
// receives block until a payload is available or the tube is closed
// and drained.
package tube

import (
	"context"
	"sync"

	"github.com/grailbio/base/sync/ctxsync"
	"github.com/grailbio/bigpool"
)

// DefaultCapacity is the buffering bound used when a Tube is created
// with a nonpositive capacity.
const DefaultCapacity = 1024

// A Tube is a bounded FIFO queue of payloads. It is safe for
// concurrent use.
type Tube struct {
	mu     sync.Mutex
	cond   *ctxsync.Cond
	buf    [][]byte
	off    int
	cap    int
	closed bool
}

// New returns a tube buffering at most capacity payloads. If capacity
// is not positive, DefaultCapacity is used.
func New(capacity int) *Tube {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	t := &Tube{cap: capacity}
	t.cond = ctxsync.NewCond(&t.mu)
	return t
}

// Push appends a payload to the tube. It returns without blocking
// while the tube holds fewer than its capacity of undelivered
// payloads; otherwise it blocks until space frees up or the context
// is done. Push returns bigpool.ErrTubeClosed if the tube has been
// closed.
func (t *Tube) Push(ctx context.Context, p []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for !t.closed && len(t.buf)-t.off >= t.cap {
		if err := t.cond.Wait(ctx); err != nil {
			return err
		}
	}
	if t.closed {
		return bigpool.ErrTubeClosed
	}
	t.buf = append(t.buf, p)
	t.cond.Broadcast()
	return nil
}

// Pop removes and returns the oldest payload in the tube, blocking
// until one is available or the context is done. Once the tube is
// closed, Pop continues to deliver buffered payloads in order and
// then returns bigpool.ErrTubeClosed.
func (t *Tube) Pop(ctx context.Context) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for t.off == len(t.buf) && !t.closed {
		if err := t.cond.Wait(ctx); err != nil {
			return nil, err
		}
	}
	if t.off == len(t.buf) {
		return nil, bigpool.ErrTubeClosed
	}
	p := t.buf[t.off]
	t.buf[t.off] = nil
	t.off++
	if t.off == len(t.buf) {
		t.buf = t.buf[:0]
		t.off = 0
	}
	t.cond.Broadcast()
	return p, nil
}

// Close marks the tube closed, unblocking all pending and future
// operations. Buffered payloads remain available to Pop. Close is
// idempotent.
func (t *Tube) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	t.cond.Broadcast()
}

// Closed reports whether the tube has been closed.
func (t *Tube) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Len returns the number of undelivered payloads in the tube.
func (t *Tube) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.buf) - t.off
}

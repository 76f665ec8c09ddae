// Copyright 2024 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package server

import (
	"sync"

	"github.com/grailbio/bigpool"
	"github.com/grailbio/bigpool/tube"
)

// An outEdge buffers payloads bound for a consumer on another host.
// A forwarder goroutine drains q and delivers to addr; it is started
// by the server when the edge is first created.
type outEdge struct {
	q    *tube.Tube
	addr string
}

// A tubeTable holds the tube queues for one task on one host. Edges
// whose consumer is local are "in" tubes that TubeRecv pops; edges
// whose consumer is remote are "out" tubes that a forwarder drains.
// Tubes are created lazily on first touch so that closing an edge
// before its first send still leaves a closed tube behind for late
// receivers to observe.
type tubeTable struct {
	capacity int

	mu  sync.Mutex
	in  map[bigpool.Edge]*tube.Tube
	out map[bigpool.Edge]*outEdge
}

func newTubeTable(capacity int) *tubeTable {
	if capacity <= 0 {
		capacity = tube.DefaultCapacity
	}
	return &tubeTable{
		capacity: capacity,
		in:       make(map[bigpool.Edge]*tube.Tube),
		out:      make(map[bigpool.Edge]*outEdge),
	}
}

// In returns the local delivery tube for edge, creating it if needed.
func (t *tubeTable) In(e bigpool.Edge) *tube.Tube {
	t.mu.Lock()
	defer t.mu.Unlock()
	q, ok := t.in[e]
	if !ok {
		q = tube.New(t.capacity)
		t.in[e] = q
	}
	return q
}

// Out returns the forwarding queue for edge, creating it if needed.
// created reports whether this call made the queue; the caller starts
// the edge's forwarder exactly when it did.
func (t *tubeTable) Out(e bigpool.Edge, addr string) (o *outEdge, created bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	o, ok := t.out[e]
	if !ok {
		o = &outEdge{q: tube.New(t.capacity), addr: addr}
		t.out[e] = o
		created = true
	}
	return o, created
}

// CloseAll closes every tube in the table. Blocked senders and
// receivers are released; forwarders drain what remains and exit.
func (t *tubeTable) CloseAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, q := range t.in {
		q.Close()
	}
	for _, o := range t.out {
		o.q.Close()
	}
}

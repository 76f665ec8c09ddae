// Copyright 2024 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package server

import (
	"sync"

	"github.com/google/uuid"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigpool"
	"github.com/grailbio/bigpool/api"
)

// An alloc is a slice of reserved units on this host, owned by a
// session.
type alloc struct {
	ID      string
	Session string
	Kind    bigpool.Kind
	N       int
}

// A ledger tracks the host's unit inventory: totals per kind and the
// live allocations drawn against them. Reservations are
// all-or-nothing, and the reserved count never exceeds the total at
// reservation time. Shrinking a total below the outstanding
// reservations is permitted; the kind then reports no availability
// until enough units are released.
type ledger struct {
	mu     sync.Mutex
	totals map[bigpool.Kind]int
	used   map[bigpool.Kind]int
	allocs map[string]*alloc
}

func newLedger() *ledger {
	return &ledger{
		totals: make(map[bigpool.Kind]int),
		used:   make(map[bigpool.Kind]int),
		allocs: make(map[string]*alloc),
	}
}

// SetTotal adjusts the inventory for a kind. Outstanding allocations
// are unaffected.
func (l *ledger) SetTotal(kind bigpool.Kind, n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n <= 0 {
		delete(l.totals, kind)
		return
	}
	l.totals[kind] = n
}

// Totals returns a copy of the inventory.
func (l *ledger) Totals() map[bigpool.Kind]int {
	l.mu.Lock()
	defer l.mu.Unlock()
	totals := make(map[bigpool.Kind]int, len(l.totals))
	for kind, n := range l.totals {
		totals[kind] = n
	}
	return totals
}

// Available returns the unreserved unit count per kind. Kinds with no
// configured inventory are omitted.
func (l *ledger) Available() map[bigpool.Kind]int {
	l.mu.Lock()
	defer l.mu.Unlock()
	avail := make(map[bigpool.Kind]int, len(l.totals))
	for kind, total := range l.totals {
		free := total - l.used[kind]
		if free < 0 {
			free = 0
		}
		avail[kind] = free
	}
	return avail
}

// Reserve sets aside n units of the given kind for a session. It
// either reserves exactly n units or returns
// api.ErrInsufficientCapacity and reserves nothing.
func (l *ledger) Reserve(session string, kind bigpool.Kind, n int) (*alloc, error) {
	if n <= 0 {
		return nil, errors.E(errors.Invalid, "reserve: unit count must be positive")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.totals[kind]-l.used[kind] < n {
		return nil, api.ErrInsufficientCapacity
	}
	a := &alloc{
		ID:      uuid.New().String(),
		Session: session,
		Kind:    kind,
		N:       n,
	}
	l.used[kind] += n
	l.allocs[a.ID] = a
	return a, nil
}

// Release returns an allocation's units to the pool, reporting the
// released allocation, or nil if the id is unknown. Releasing twice
// is a no-op: the second release finds no allocation.
func (l *ledger) Release(id string) *alloc {
	l.mu.Lock()
	defer l.mu.Unlock()
	a, ok := l.allocs[id]
	if !ok {
		return nil
	}
	delete(l.allocs, id)
	l.used[a.Kind] -= a.N
	if l.used[a.Kind] <= 0 {
		delete(l.used, a.Kind)
	}
	return a
}

// Get returns the live allocation with the given id.
func (l *ledger) Get(id string) (*alloc, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	a, ok := l.allocs[id]
	return a, ok
}

// Copyright 2024 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigpool

import "fmt"

// An Edge is a directed, labeled communication channel between two
// nodes of a task. The sending node addresses the edge by label
// alone, as does the receiving node; to keep that addressing
// unambiguous, a topology may contain at most one edge with a given
// (label, source) pair and at most one with a given (label, target)
// pair. The same label may nevertheless appear on many edges, which
// permits compact patterns such as rings.
type Edge struct {
	Label string
	Src   int
	Dst   int
}

func (e Edge) String() string {
	return fmt.Sprintf("%s:%d->%d", e.Label, e.Src, e.Dst)
}

// A Topology declares the tube edges of a task. The zero value is a
// valid topology with no edges; such tasks run fully independent
// workers.
type Topology []Edge

// E constructs a single edge, for compact topology literals.
func E(label string, src, dst int) Edge {
	return Edge{Label: label, Src: src, Dst: dst}
}

// Ring returns a topology connecting n nodes in a directed cycle
// under a single label: node i sends to node (i+1) mod n and receives
// from node (i-1+n) mod n.
func Ring(label string, n int) Topology {
	topo := make(Topology, 0, n)
	for i := 0; i < n; i++ {
		topo = append(topo, Edge{Label: label, Src: i, Dst: (i + 1) % n})
	}
	return topo
}

// Validate checks the topology against a task of numNodes nodes: all
// edge endpoints must be valid node indices, self-edges are rejected,
// and the (label, source) and (label, target) pairs must each be
// unique so that workers can address tubes by label.
func (t Topology) Validate(numNodes int) error {
	type end struct {
		label string
		node  int
	}
	srcs := make(map[end]bool, len(t))
	dsts := make(map[end]bool, len(t))
	for _, e := range t {
		if e.Label == "" {
			return fmt.Errorf("topology: edge %s has empty label", e)
		}
		if e.Src < 0 || e.Src >= numNodes || e.Dst < 0 || e.Dst >= numNodes {
			return fmt.Errorf("topology: edge %s out of range for %d nodes", e, numNodes)
		}
		if e.Src == e.Dst {
			return fmt.Errorf("topology: edge %s connects a node to itself", e)
		}
		src := end{e.Label, e.Src}
		if srcs[src] {
			return fmt.Errorf("topology: duplicate outgoing edge %q from node %d", e.Label, e.Src)
		}
		srcs[src] = true
		dst := end{e.Label, e.Dst}
		if dsts[dst] {
			return fmt.Errorf("topology: duplicate incoming edge %q into node %d", e.Label, e.Dst)
		}
		dsts[dst] = true
	}
	return nil
}

// Out returns the edge labeled label leaving node src, if any.
func (t Topology) Out(label string, src int) (Edge, bool) {
	for _, e := range t {
		if e.Label == label && e.Src == src {
			return e, true
		}
	}
	return Edge{}, false
}

// In returns the edge labeled label entering node dst, if any.
func (t Topology) In(label string, dst int) (Edge, bool) {
	for _, e := range t {
		if e.Label == label && e.Dst == dst {
			return e, true
		}
	}
	return Edge{}, false
}

// Contains reports whether the topology contains the exact edge e.
func (t Topology) Contains(e Edge) bool {
	for _, have := range t {
		if have == e {
			return true
		}
	}
	return false
}

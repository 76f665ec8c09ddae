// Copyright 2024 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package bigpool implements a lightweight distributed computation
// pool. A pool comprises a set of hosts, each serving an inventory of
// compute units (CPUs, GPUs, or other opaque resource kinds) over a
// simple RPC interface. Clients reserve units from one or more hosts,
// submit named tasks that run as one worker process per reserved
// unit, exchange intermediate values between workers through directed
// FIFO channels called tubes, and finally collect per-worker results.
//
// Tasks are implementations of the Task interface, registered by name
// with Register. Because Go cannot serialize code, every host in a
// pool must run a binary that registers the tasks it is asked to
// execute, either because it is the same binary as the client (the
// common case for small deployments) or because the client ships a
// pack, a content-addressed bundle containing the worker binary, at
// submission time.
//
// A minimal program looks like this:
//
//	func init() {
//		bigpool.Register("pi", func() bigpool.Task { return new(piTask) })
//	}
//
//	func main() {
//		worker.Init()
//		cfg, err := config.Load("")
//		// handle err
//		b := client.New(cfg)
//		defer b.Close()
//		alloc, err := b.Allocate(ctx, bigpool.CPU, 4, hosts)
//		// handle err
//		handle, err := b.Submit(ctx, "pi", alloc, client.WithArgs(args))
//		// handle err
//		results, err := handle.Result(ctx)
//		// ...
//	}
//
// Workers on the same task communicate through tubes declared in the
// task's topology: a set of labeled, directed edges between node
// indices. Sends do not block (up to a generous buffering bound);
// receives block until a value arrives or the sending side closes the
// edge. Edges that span hosts are forwarded transparently by the
// serving hosts; worker code is oblivious to placement.
//
// Hosts guard against abandoned work: a session that issues no
// requests for a configurable window (3s by default) is evicted, its
// workers killed and its units returned to the pool. Clients
// symmetrically bound the time they will wait for results, presuming
// hosts dead after a configurable task timeout.
package bigpool

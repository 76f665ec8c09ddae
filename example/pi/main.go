// Copyright 2024 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Pi estimates π by Monte Carlo sampling spread across a pool of
// workers. Each node draws its share of random points in the unit
// square and counts how many land inside the quarter circle; the
// driver sums the counts and scales.
//
// With no -hosts, the program serves a transient pool host in-process
// and runs against it:
//
//	pi -samples 1000000 -nodes 2
//
// Point it at running hosts to distribute the work for real:
//
//	pi -hosts host1:2718,host2:2718 -nodes 8
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"net"
	"os"
	"strings"
	"time"

	"github.com/grailbio/base/log"
	"github.com/grailbio/bigpool"
	"github.com/grailbio/bigpool/client"
	"github.com/grailbio/bigpool/config"
	"github.com/grailbio/bigpool/server"
	"github.com/grailbio/bigpool/worker"
)

func init() {
	bigpool.Register("pi", func() bigpool.Task { return new(piTask) })
}

// piTask samples points in the unit square and counts those inside
// the quarter circle of radius 1.
type piTask struct {
	node   bigpool.Node
	n      int
	inside int
}

func (t *piTask) Init(node bigpool.Node, args []interface{}) error {
	if len(args) != 1 {
		return fmt.Errorf("pi: want 1 argument, got %d", len(args))
	}
	n, ok := args[0].(int)
	if !ok {
		return fmt.Errorf("pi: argument must be an int sample count, got %T", args[0])
	}
	if n < 0 {
		return fmt.Errorf("pi: negative sample count %d", n)
	}
	t.node = node
	t.n = n
	return nil
}

func (t *piTask) Run(ctx context.Context) error {
	r := rand.New(rand.NewSource(time.Now().UnixNano() ^ int64(t.node.Index())<<32))
	for i := 0; i < t.n; i++ {
		if i&0xffff == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		x, y := r.Float64(), r.Float64()
		if x*x+y*y < 1 {
			t.inside++
		}
	}
	return nil
}

func (t *piTask) Result() (interface{}, error) {
	return t.inside, nil
}

func main() {
	worker.Init()
	log.AddFlags()
	samples := flag.Int("samples", 1000000, "total number of points to sample")
	nodes := flag.Int("nodes", 2, "number of compute units to spread the work over")
	hostList := flag.String("hosts", "", "comma-separated pool hosts; empty serves a transient local host")
	configPath := flag.String("config", "", "pool config file")
	flag.Parse()
	log.SetFlags(0)
	log.SetPrefix("pi: ")
	if *samples <= 0 || *nodes <= 0 {
		log.Fatal("pi: -samples and -nodes must be positive")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal(err)
	}
	ctx := context.Background()

	var hosts []string
	if *hostList != "" {
		for _, h := range strings.Split(*hostList, ",") {
			if h = strings.TrimSpace(h); h != "" {
				hosts = append(hosts, h)
			}
		}
	} else {
		hosts = []string{serveLocal(ctx, cfg, *nodes)}
	}

	b := client.New(cfg)
	defer b.Close() // nolint: errcheck

	live, err := b.Validate(ctx, hosts)
	if err != nil {
		log.Fatal(err)
	}
	alloc, err := b.Allocate(ctx, bigpool.CPU, *nodes, live)
	if err != nil {
		log.Fatal(err)
	}
	defer b.Release(context.Background(), alloc) // nolint: errcheck

	// Node i samples the i'th entry of the column; the remainder is
	// spread over the first few nodes so every point is accounted for.
	col := make([]interface{}, *nodes)
	for i := range col {
		n := *samples / *nodes
		if i < *samples%*nodes {
			n++
		}
		col[i] = n
	}

	start := time.Now()
	h, err := b.Submit(ctx, "pi", alloc, client.WithArgs(col))
	if err != nil {
		log.Fatal(err)
	}
	results, err := h.Result(ctx)
	if err != nil {
		log.Fatal(err)
	}
	var inside int
	for _, r := range results {
		inside += r.(int)
	}
	pi := 4 * float64(inside) / float64(*samples)
	fmt.Printf("pi = %f (%d of %d points inside, %d nodes, %s)\n",
		pi, inside, *samples, *nodes, time.Since(start).Round(time.Millisecond))
}

// serveLocal starts a pool host inside this process with enough CPU
// units for the run and returns its address.
func serveLocal(ctx context.Context, cfg *config.Config, units int) string {
	dir, err := os.MkdirTemp("", "bigpool-pi-")
	if err != nil {
		log.Fatal(err)
	}
	cfg.Server.CPU = units
	cfg.Server.PackDir = dir
	s, err := server.New(cfg)
	if err != nil {
		log.Fatal(err)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		log.Fatal(err)
	}
	go func() {
		if err := s.Serve(ctx, ln); err != nil {
			log.Fatal(err)
		}
	}()
	return ln.Addr().String()
}

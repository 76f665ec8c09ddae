// Copyright 2024 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package server

import (
	"context"
	"errors"
	"fmt"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/grailbio/bigpool"
	"github.com/grailbio/bigpool/api"
	"github.com/grailbio/bigpool/config"
	"github.com/grailbio/bigpool/internal/payload"
	"github.com/grailbio/testutil/assert"
)

// doubleTask returns twice its single integer argument.
type doubleTask struct {
	n int
}

func (d *doubleTask) Init(node bigpool.Node, args []interface{}) error {
	if len(args) != 1 {
		return fmt.Errorf("want 1 arg, got %d", len(args))
	}
	n, ok := args[0].(int)
	if !ok {
		return fmt.Errorf("want int arg, got %T", args[0])
	}
	d.n = n
	return nil
}

func (d *doubleTask) Run(ctx context.Context) error { return nil }

func (d *doubleTask) Result() (interface{}, error) { return 2 * d.n, nil }

// ringTask sends a token once around the "ring" tube, each node
// adding its index. Node 0 reports the accumulated total.
type ringTask struct {
	node  bigpool.Node
	total int
}

func (r *ringTask) Init(node bigpool.Node, args []interface{}) error {
	r.node = node
	return nil
}

func (r *ringTask) Run(ctx context.Context) error {
	n := r.node
	if n.Index() == 0 {
		if err := n.Send(ctx, "ring", 0); err != nil {
			return err
		}
		v, err := n.Recv(ctx, "ring")
		if err != nil {
			return err
		}
		r.total = v.(int)
		return nil
	}
	v, err := n.Recv(ctx, "ring")
	if err != nil {
		return err
	}
	return n.Send(ctx, "ring", v.(int)+n.Index())
}

func (r *ringTask) Result() (interface{}, error) { return r.total, nil }

// blockTask runs until torn down.
type blockTask struct{}

func (blockTask) Init(node bigpool.Node, args []interface{}) error { return nil }

func (blockTask) Run(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func (blockTask) Result() (interface{}, error) { return nil, nil }

// failTask fails on node 0 and blocks elsewhere.
type failTask struct {
	node bigpool.Node
}

func (f *failTask) Init(node bigpool.Node, args []interface{}) error {
	f.node = node
	return nil
}

func (f *failTask) Run(ctx context.Context) error {
	if f.node.Index() == 0 {
		return errors.New("task exploded")
	}
	<-ctx.Done()
	return ctx.Err()
}

func (f *failTask) Result() (interface{}, error) { return nil, nil }

// sharedTask reports the shared block it observes.
type sharedTask struct {
	shared []byte
}

func (s *sharedTask) Init(node bigpool.Node, args []interface{}) error {
	s.shared = node.Shared()
	return nil
}

func (s *sharedTask) Run(ctx context.Context) error { return nil }

func (s *sharedTask) Result() (interface{}, error) { return string(s.shared), nil }

func init() {
	bigpool.Register("server_test_double", func() bigpool.Task { return new(doubleTask) })
	bigpool.Register("server_test_ring", func() bigpool.Task { return new(ringTask) })
	bigpool.Register("server_test_block", func() bigpool.Task { return new(blockTask) })
	bigpool.Register("server_test_fail", func() bigpool.Task { return new(failTask) })
	bigpool.Register("server_test_shared", func() bigpool.Task { return new(sharedTask) })
}

// startTestServer runs a host with 4 CPU and 1 GPU units, in-process
// workers, and a client endpoint dialed against it.
func startTestServer(t *testing.T, mod func(*config.Config)) (*Server, api.Endpoint) {
	t.Helper()
	cfg := config.Default()
	cfg.Server.CPU = 4
	cfg.Server.GPU = 1
	cfg.Server.PackDir = t.TempDir()
	cfg.Server.InactivityWindow = config.Duration(time.Hour)
	if mod != nil {
		mod(cfg)
	}
	s, err := New(cfg, WithRunner(LocalRunner{}))
	assert.NoError(t, err)
	hs := httptest.NewServer(s.Handler())
	u, err := url.Parse(hs.URL)
	assert.NoError(t, err)
	s.SetAddr(u.Host)
	ep, closer, err := api.NewClient(context.Background(), u.Host, cfg.Key)
	assert.NoError(t, err)
	t.Cleanup(func() {
		closer()
		s.Close() // nolint: errcheck
		hs.Close()
	})
	return s, ep
}

// nodeArgs encodes one argument list per node.
func nodeArgs(t *testing.T, vs ...interface{}) [][]byte {
	t.Helper()
	args := make([][]byte, len(vs))
	for i, v := range vs {
		p, err := payload.Marshal([]interface{}{v})
		assert.NoError(t, err)
		args[i] = p
	}
	return args
}

// values decodes a reply that is expected to be failure free.
func values(t *testing.T, rep api.ResultReply) map[int]interface{} {
	t.Helper()
	m := make(map[int]interface{})
	for _, r := range rep.Results {
		if r.Err != "" {
			t.Fatalf("node %d: %s", r.Node, r.Err)
		}
		v, err := payload.Unmarshal(r.Value)
		assert.NoError(t, err)
		m[r.Node] = v
	}
	return m
}

func TestHandshake(t *testing.T) {
	_, ep := startTestServer(t, nil)
	info, err := ep.Handshake(context.Background())
	assert.NoError(t, err)
	assert.EQ(t, info.Version, api.Version)
}

func TestReserveRelease(t *testing.T) {
	_, ep := startTestServer(t, nil)
	ctx := context.Background()

	rep, err := ep.Reserve(ctx, api.ReserveRequest{Session: "s1", Kind: bigpool.CPU, N: 3})
	assert.NoError(t, err)
	if rep.AllocID == "" {
		t.Fatal("empty alloc id")
	}
	avail, err := ep.Available(ctx)
	assert.NoError(t, err)
	assert.EQ(t, avail[bigpool.CPU], 1)
	assert.EQ(t, avail[bigpool.GPU], 1)

	_, err = ep.Reserve(ctx, api.ReserveRequest{Session: "s1", Kind: bigpool.CPU, N: 2})
	if !api.ErrorIsIn(err, []error{api.ErrInsufficientCapacity}) {
		t.Fatalf("got %v, want insufficient capacity", err)
	}
	grep, err := ep.Reserve(ctx, api.ReserveRequest{Session: "s1", Kind: bigpool.GPU, N: 1})
	assert.NoError(t, err)
	_, err = ep.Reserve(ctx, api.ReserveRequest{Session: "s1", Kind: bigpool.GPU, N: 1})
	if !api.ErrorIsIn(err, []error{api.ErrInsufficientCapacity}) {
		t.Fatalf("got %v, want insufficient capacity", err)
	}

	assert.NoError(t, ep.Release(ctx, api.ReleaseRequest{Session: "s1", AllocID: rep.AllocID}))
	assert.NoError(t, ep.Release(ctx, api.ReleaseRequest{Session: "s1", AllocID: grep.AllocID}))
	// Releasing again is a no-op.
	assert.NoError(t, ep.Release(ctx, api.ReleaseRequest{Session: "s1", AllocID: rep.AllocID}))
	avail, err = ep.Available(ctx)
	assert.NoError(t, err)
	assert.EQ(t, avail[bigpool.CPU], 4)
	assert.EQ(t, avail[bigpool.GPU], 1)

	// Totals are adjustable at runtime.
	assert.NoError(t, ep.SetTotal(ctx, bigpool.CPU, 8))
	totals, err := ep.Totals(ctx)
	assert.NoError(t, err)
	assert.EQ(t, totals[bigpool.CPU], 8)
}

func TestRunTask(t *testing.T) {
	s, ep := startTestServer(t, nil)
	ctx := context.Background()

	rep, err := ep.Reserve(ctx, api.ReserveRequest{Session: "s1", Kind: bigpool.CPU, N: 2})
	assert.NoError(t, err)
	placement := []string{s.Addr(), s.Addr()}

	err = ep.Submit(ctx, api.SubmitRequest{
		Session: "s1",
		TaskID:  "t1",
		AllocID: rep.AllocID,
		Desc: api.Descriptor{
			Task: "server_test_double",
			Args: nodeArgs(t, 3, 4),
		},
		Placement:  placement,
		LocalNodes: []int{0, 1},
	})
	assert.NoError(t, err)

	res, err := ep.GetResult(ctx, api.ResultRequest{Session: "s1", TaskID: "t1", Timeout: 10 * time.Second})
	assert.NoError(t, err)
	got := values(t, res)
	assert.EQ(t, got[0], 6)
	assert.EQ(t, got[1], 8)

	// Results are delivered once.
	_, err = ep.GetResult(ctx, api.ResultRequest{Session: "s1", TaskID: "t1", Timeout: time.Second})
	if !api.ErrorIsIn(err, []error{api.ErrNoTask}) {
		t.Fatalf("got %v, want no task", err)
	}

	// The allocation survives collection and can run another task.
	err = ep.Submit(ctx, api.SubmitRequest{
		Session: "s1",
		TaskID:  "t2",
		AllocID: rep.AllocID,
		Desc: api.Descriptor{
			Task: "server_test_double",
			Args: nodeArgs(t, 10, 20),
		},
		Placement:  placement,
		LocalNodes: []int{0, 1},
	})
	assert.NoError(t, err)
	res, err = ep.GetResult(ctx, api.ResultRequest{Session: "s1", TaskID: "t2", Timeout: 10 * time.Second})
	assert.NoError(t, err)
	got = values(t, res)
	assert.EQ(t, got[0], 20)
	assert.EQ(t, got[1], 40)

	stat, err := ep.Stat(ctx)
	assert.NoError(t, err)
	assert.EQ(t, len(stat.Sessions), 1)
	assert.EQ(t, len(stat.Tasks), 0)
	assert.EQ(t, stat.Available[bigpool.CPU], 2)
}

func TestRingTubes(t *testing.T) {
	s, ep := startTestServer(t, nil)
	ctx := context.Background()

	const n = 3
	rep, err := ep.Reserve(ctx, api.ReserveRequest{Session: "s1", Kind: bigpool.CPU, N: n})
	assert.NoError(t, err)
	placement := []string{s.Addr(), s.Addr(), s.Addr()}
	err = ep.Submit(ctx, api.SubmitRequest{
		Session: "s1",
		TaskID:  "ring",
		AllocID: rep.AllocID,
		Desc: api.Descriptor{
			Task:     "server_test_ring",
			Topology: bigpool.Ring("ring", n),
		},
		Placement:  placement,
		LocalNodes: []int{0, 1, 2},
	})
	assert.NoError(t, err)

	res, err := ep.GetResult(ctx, api.ResultRequest{Session: "s1", TaskID: "ring", Timeout: 10 * time.Second})
	assert.NoError(t, err)
	got := values(t, res)
	// The token accumulates 1+2 on its way back to node 0.
	assert.EQ(t, got[0], 3)
}

func TestSharedData(t *testing.T) {
	s, ep := startTestServer(t, nil)
	ctx := context.Background()

	rep, err := ep.Reserve(ctx, api.ReserveRequest{Session: "s1", Kind: bigpool.CPU, N: 2})
	assert.NoError(t, err)
	err = ep.Submit(ctx, api.SubmitRequest{
		Session: "s1",
		TaskID:  "t1",
		AllocID: rep.AllocID,
		Desc: api.Descriptor{
			Task:   "server_test_shared",
			Shared: []byte("common knowledge"),
		},
		Placement:  []string{s.Addr(), s.Addr()},
		LocalNodes: []int{0, 1},
	})
	assert.NoError(t, err)
	res, err := ep.GetResult(ctx, api.ResultRequest{Session: "s1", TaskID: "t1", Timeout: 10 * time.Second})
	assert.NoError(t, err)
	got := values(t, res)
	assert.EQ(t, got[0], "common knowledge")
	assert.EQ(t, got[1], "common knowledge")
}

func TestWorkerFailure(t *testing.T) {
	s, ep := startTestServer(t, nil)
	ctx := context.Background()

	rep, err := ep.Reserve(ctx, api.ReserveRequest{Session: "s1", Kind: bigpool.CPU, N: 2})
	assert.NoError(t, err)
	err = ep.Submit(ctx, api.SubmitRequest{
		Session:    "s1",
		TaskID:     "t1",
		AllocID:    rep.AllocID,
		Desc:       api.Descriptor{Task: "server_test_fail"},
		Placement:  []string{s.Addr(), s.Addr()},
		LocalNodes: []int{0, 1},
	})
	assert.NoError(t, err)

	// Worker failures ride in the reply, not in the call error.
	res, err := ep.GetResult(ctx, api.ResultRequest{Session: "s1", TaskID: "t1", Timeout: 10 * time.Second})
	assert.NoError(t, err)
	assert.EQ(t, len(res.Results), 2)
	byNode := make(map[int]api.NodeResult)
	for _, r := range res.Results {
		byNode[r.Node] = r
	}
	if got := byNode[0].Err; !strings.Contains(got, "task exploded") {
		t.Errorf("node 0: got %q, want task failure", got)
	}
	if byNode[1].Err == "" {
		t.Error("node 1: want aborted failure")
	}

	_, err = ep.GetResult(ctx, api.ResultRequest{Session: "s1", TaskID: "t1", Timeout: time.Second})
	if !api.ErrorIsIn(err, []error{api.ErrNoTask}) {
		t.Fatalf("got %v, want no task", err)
	}
}

func TestResultTimeout(t *testing.T) {
	s, ep := startTestServer(t, nil)
	ctx := context.Background()

	rep, err := ep.Reserve(ctx, api.ReserveRequest{Session: "s1", Kind: bigpool.CPU, N: 1})
	assert.NoError(t, err)
	err = ep.Submit(ctx, api.SubmitRequest{
		Session:    "s1",
		TaskID:     "t1",
		AllocID:    rep.AllocID,
		Desc:       api.Descriptor{Task: "server_test_block"},
		Placement:  []string{s.Addr()},
		LocalNodes: []int{0},
	})
	assert.NoError(t, err)

	_, err = ep.GetResult(ctx, api.ResultRequest{Session: "s1", TaskID: "t1", Timeout: 100 * time.Millisecond})
	if !api.ErrorIsIn(err, []error{api.ErrTaskTimeout}) {
		t.Fatalf("got %v, want task timeout", err)
	}
	// The timed out task's units are back in the pool.
	avail, err := ep.Available(ctx)
	assert.NoError(t, err)
	assert.EQ(t, avail[bigpool.CPU], 4)

	_, err = ep.GetResult(ctx, api.ResultRequest{Session: "s1", TaskID: "t1", Timeout: time.Second})
	if !api.ErrorIsIn(err, []error{api.ErrNoTask}) {
		t.Fatalf("got %v, want no task", err)
	}
}

func TestEviction(t *testing.T) {
	_, ep := startTestServer(t, func(cfg *config.Config) {
		cfg.Server.InactivityWindow = config.Duration(150 * time.Millisecond)
	})
	ctx := context.Background()

	_, err := ep.Reserve(ctx, api.ReserveRequest{Session: "s1", Kind: bigpool.CPU, N: 2})
	assert.NoError(t, err)
	avail, err := ep.Available(ctx)
	assert.NoError(t, err)
	assert.EQ(t, avail[bigpool.CPU], 2)

	// Go quiet and wait for the housekeeper to reclaim the units.
	deadline := time.Now().Add(5 * time.Second)
	for {
		avail, err = ep.Available(ctx)
		assert.NoError(t, err)
		if avail[bigpool.CPU] == 4 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("units not reclaimed, available %v", avail)
		}
		time.Sleep(20 * time.Millisecond)
	}

	// The session id is usable again; eviction discarded only state.
	_, err = ep.Reserve(ctx, api.ReserveRequest{Session: "s1", Kind: bigpool.CPU, N: 1})
	assert.NoError(t, err)
}

func TestTouchKeepsAlive(t *testing.T) {
	_, ep := startTestServer(t, func(cfg *config.Config) {
		cfg.Server.InactivityWindow = config.Duration(150 * time.Millisecond)
	})
	ctx := context.Background()

	_, err := ep.Reserve(ctx, api.ReserveRequest{Session: "s1", Kind: bigpool.CPU, N: 2})
	assert.NoError(t, err)

	// Touching within the window holds the units across several
	// housekeeper sweeps.
	until := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(until) {
		assert.NoError(t, ep.Touch(ctx, "s1"))
		time.Sleep(30 * time.Millisecond)
	}
	avail, err := ep.Available(ctx)
	assert.NoError(t, err)
	assert.EQ(t, avail[bigpool.CPU], 2)

	// A touch for a session that never existed reports as much.
	err = ep.Touch(ctx, "nope")
	if !api.ErrorIsIn(err, []error{api.ErrNoSession}) {
		t.Fatalf("got %v, want no session", err)
	}
}

func TestCloseSession(t *testing.T) {
	s, ep := startTestServer(t, nil)
	ctx := context.Background()

	rep, err := ep.Reserve(ctx, api.ReserveRequest{Session: "s1", Kind: bigpool.CPU, N: 1})
	assert.NoError(t, err)
	err = ep.Submit(ctx, api.SubmitRequest{
		Session:    "s1",
		TaskID:     "t1",
		AllocID:    rep.AllocID,
		Desc:       api.Descriptor{Task: "server_test_block"},
		Placement:  []string{s.Addr()},
		LocalNodes: []int{0},
	})
	assert.NoError(t, err)

	assert.NoError(t, ep.CloseSession(ctx, "s1"))
	_, err = ep.GetResult(ctx, api.ResultRequest{Session: "s1", TaskID: "t1", Timeout: time.Second})
	if !api.ErrorIsIn(err, []error{api.ErrNoSession}) {
		t.Fatalf("got %v, want no session", err)
	}
	avail, err := ep.Available(ctx)
	assert.NoError(t, err)
	assert.EQ(t, avail[bigpool.CPU], 4)

	// Closing again is a no-op.
	assert.NoError(t, ep.CloseSession(ctx, "s1"))
}

func TestSubmitValidation(t *testing.T) {
	s, ep := startTestServer(t, nil)
	ctx := context.Background()

	desc := api.Descriptor{Task: "server_test_double", Args: nodeArgs(t, 1, 2)}
	err := ep.Submit(ctx, api.SubmitRequest{
		Session:    "nosuch",
		TaskID:     "t1",
		AllocID:    "bogus",
		Desc:       desc,
		Placement:  []string{s.Addr(), s.Addr()},
		LocalNodes: []int{0, 1},
	})
	if !api.ErrorIsIn(err, []error{api.ErrNoSession}) {
		t.Fatalf("got %v, want no session", err)
	}

	rep, err := ep.Reserve(ctx, api.ReserveRequest{Session: "s1", Kind: bigpool.CPU, N: 2})
	assert.NoError(t, err)

	err = ep.Submit(ctx, api.SubmitRequest{
		Session:    "s1",
		TaskID:     "t1",
		AllocID:    "bogus",
		Desc:       desc,
		Placement:  []string{s.Addr(), s.Addr()},
		LocalNodes: []int{0, 1},
	})
	if !api.ErrorIsIn(err, []error{api.ErrNoAlloc}) {
		t.Fatalf("got %v, want no alloc", err)
	}

	// One local node for a two unit allocation.
	err = ep.Submit(ctx, api.SubmitRequest{
		Session:    "s1",
		TaskID:     "t1",
		AllocID:    rep.AllocID,
		Desc:       desc,
		Placement:  []string{s.Addr(), s.Addr()},
		LocalNodes: []int{0},
	})
	assert.NotNil(t, err)

	// Topology referencing a node that does not exist.
	bad := api.Descriptor{
		Task:     "server_test_double",
		Args:     nodeArgs(t, 1, 2),
		Topology: bigpool.Topology{bigpool.E("x", 0, 7)},
	}
	err = ep.Submit(ctx, api.SubmitRequest{
		Session:    "s1",
		TaskID:     "t1",
		AllocID:    rep.AllocID,
		Desc:       bad,
		Placement:  []string{s.Addr(), s.Addr()},
		LocalNodes: []int{0, 1},
	})
	assert.NotNil(t, err)

	// Duplicate task ids are rejected.
	ok := api.SubmitRequest{
		Session:    "s1",
		TaskID:     "t1",
		AllocID:    rep.AllocID,
		Desc:       desc,
		Placement:  []string{s.Addr(), s.Addr()},
		LocalNodes: []int{0, 1},
	}
	assert.NoError(t, ep.Submit(ctx, ok))
	assert.NotNil(t, ep.Submit(ctx, ok))
	_, err = ep.GetResult(ctx, api.ResultRequest{Session: "s1", TaskID: "t1", Timeout: 10 * time.Second})
	assert.NoError(t, err)
}

func TestShutdownRPC(t *testing.T) {
	_, ep := startTestServer(t, nil)
	ctx := context.Background()

	assert.NoError(t, ep.Shutdown(ctx))
	deadline := time.Now().Add(5 * time.Second)
	for {
		_, err := ep.Reserve(ctx, api.ReserveRequest{Session: "s1", Kind: bigpool.CPU, N: 1})
		if api.ErrorIsIn(err, []error{api.ErrShuttingDown}) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("server still accepting reservations: %v", err)
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func TestAuth(t *testing.T) {
	s, ep := startTestServer(t, func(cfg *config.Config) {
		cfg.Key = "sekrit"
	})
	ctx := context.Background()

	// The right key works.
	_, err := ep.Handshake(ctx)
	assert.NoError(t, err)

	// A wrong key is rejected at the door.
	_, _, err = api.NewClient(ctx, s.Addr(), "wrong")
	assert.NotNil(t, err)

	// No key at all reaches the endpoint but holds no permissions.
	bare, closer, err := api.NewClient(ctx, s.Addr(), "")
	assert.NoError(t, err)
	defer closer()
	_, err = bare.Handshake(ctx)
	assert.NotNil(t, err)
}

func TestCrossHost(t *testing.T) {
	sA, epA := startTestServer(t, nil)
	sB, epB := startTestServer(t, nil)
	ctx := context.Background()

	repA, err := epA.Reserve(ctx, api.ReserveRequest{Session: "cross", Kind: bigpool.CPU, N: 1})
	assert.NoError(t, err)
	repB, err := epB.Reserve(ctx, api.ReserveRequest{Session: "cross", Kind: bigpool.CPU, N: 1})
	assert.NoError(t, err)

	placement := []string{sA.Addr(), sB.Addr()}
	desc := api.Descriptor{
		Task:     "server_test_ring",
		Topology: bigpool.Ring("ring", 2),
	}
	assert.NoError(t, epB.Submit(ctx, api.SubmitRequest{
		Session:    "cross",
		TaskID:     "t-cross",
		AllocID:    repB.AllocID,
		Desc:       desc,
		Placement:  placement,
		LocalNodes: []int{1},
	}))
	assert.NoError(t, epA.Submit(ctx, api.SubmitRequest{
		Session:    "cross",
		TaskID:     "t-cross",
		AllocID:    repA.AllocID,
		Desc:       desc,
		Placement:  placement,
		LocalNodes: []int{0},
	}))

	resA, err := epA.GetResult(ctx, api.ResultRequest{Session: "cross", TaskID: "t-cross", Timeout: 10 * time.Second})
	assert.NoError(t, err)
	resB, err := epB.GetResult(ctx, api.ResultRequest{Session: "cross", TaskID: "t-cross", Timeout: 10 * time.Second})
	assert.NoError(t, err)

	gotA := values(t, resA)
	// Node 1 added its index to node 0's token on the way around.
	assert.EQ(t, gotA[0], 1)
	gotB := values(t, resB)
	assert.EQ(t, gotB[1], 0)
}

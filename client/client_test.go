// Copyright 2024 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package client

import (
	"context"
	"fmt"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/filecoin-project/go-jsonrpc"
	"github.com/gorilla/mux"
	"github.com/grailbio/bigpool"
	"github.com/grailbio/bigpool/api"
	"github.com/grailbio/bigpool/config"
	"github.com/grailbio/bigpool/pack"
	"github.com/grailbio/testutil/assert"
)

type fakeAlloc struct {
	kind bigpool.Kind
	n    int
}

// fakePool is an in-memory pool host for broker tests: a unit ledger,
// recorded submissions, and canned results, served over the real wire
// by serveFake.
type fakePool struct {
	version string

	mu        sync.Mutex
	free      map[bigpool.Kind]int
	allocs    map[string]fakeAlloc
	seq       int
	submits   []api.SubmitRequest
	submitErr error
	results   []api.NodeResult
	resultErr error
	sessions  []string
	packs     map[string]bool
	puts      int
	touches   int
	touchErr  error
}

func newFakePool(cpu int) *fakePool {
	return &fakePool{
		free:   map[bigpool.Kind]int{bigpool.CPU: cpu},
		allocs: make(map[string]fakeAlloc),
		packs:  make(map[string]bool),
	}
}

func (f *fakePool) cpuFree() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.free[bigpool.CPU]
}

func (f *fakePool) submitted() []api.SubmitRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]api.SubmitRequest(nil), f.submits...)
}

func (f *fakePool) endpoint() api.Endpoint {
	var ep api.EndpointStruct
	in := &ep.Internal
	in.Handshake = func(context.Context) (api.HandshakeInfo, error) {
		v := f.version
		if v == "" {
			v = api.Version
		}
		return api.HandshakeInfo{Version: v}, nil
	}
	in.Available = func(context.Context) (map[bigpool.Kind]int, error) {
		f.mu.Lock()
		defer f.mu.Unlock()
		free := make(map[bigpool.Kind]int, len(f.free))
		for k, n := range f.free {
			free[k] = n
		}
		return free, nil
	}
	in.Reserve = func(_ context.Context, req api.ReserveRequest) (api.ReserveReply, error) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.free[req.Kind] < req.N {
			return api.ReserveReply{}, api.ErrInsufficientCapacity
		}
		f.free[req.Kind] -= req.N
		f.seq++
		id := fmt.Sprintf("alloc-%d", f.seq)
		f.allocs[id] = fakeAlloc{kind: req.Kind, n: req.N}
		return api.ReserveReply{AllocID: id}, nil
	}
	in.Release = func(_ context.Context, req api.ReleaseRequest) error {
		f.mu.Lock()
		defer f.mu.Unlock()
		if a, ok := f.allocs[req.AllocID]; ok {
			f.free[a.kind] += a.n
			delete(f.allocs, req.AllocID)
		}
		return nil
	}
	in.Touch = func(_ context.Context, session string) error {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.touchErr != nil {
			return f.touchErr
		}
		f.touches++
		return nil
	}
	in.Submit = func(_ context.Context, req api.SubmitRequest) error {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.submitErr != nil {
			return f.submitErr
		}
		f.submits = append(f.submits, req)
		return nil
	}
	in.GetResult = func(_ context.Context, req api.ResultRequest) (api.ResultReply, error) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.resultErr != nil {
			return api.ResultReply{}, f.resultErr
		}
		return api.ResultReply{Results: append([]api.NodeResult(nil), f.results...)}, nil
	}
	in.CloseSession = func(_ context.Context, session string) error {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.sessions = append(f.sessions, session)
		return nil
	}
	in.HasPack = func(_ context.Context, ref pack.Ref) (bool, error) {
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.packs[ref.Digest], nil
	}
	in.PutPack = func(_ context.Context, req api.PutPackRequest) error {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.packs[pack.Digest(req.Data)] = true
		f.puts++
		return nil
	}
	return &ep
}

// serveFake serves a fake pool host over websocket JSON-RPC and
// returns its host:port address.
func serveFake(t *testing.T, f *fakePool) string {
	t.Helper()
	rpc := jsonrpc.NewServer(jsonrpc.WithServerErrors(api.RPCErrors))
	rpc.Register(api.Namespace, f.endpoint())
	r := mux.NewRouter()
	r.Handle("/rpc/v0", rpc)
	hs := httptest.NewServer(r)
	t.Cleanup(hs.Close)
	u, err := url.Parse(hs.URL)
	assert.NoError(t, err)
	return u.Host
}

func (f *fakePool) failSubmits(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitErr = err
}

func (f *fakePool) failResults(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resultErr = err
}

func (f *fakePool) setResults(rs ...api.NodeResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results = rs
}

func (f *fakePool) touched() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.touches
}

func testBroker(t *testing.T) *Broker {
	t.Helper()
	b := New(config.Default())
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestValidate(t *testing.T) {
	ctx := context.Background()
	fa, fb := newFakePool(2), newFakePool(2)
	fb.version = "0.0.0-test"
	addrA, addrB := serveFake(t, fa), serveFake(t, fb)
	b := testBroker(t)

	// The dead address is dropped; the version skew on B is tolerated.
	got, err := b.Validate(ctx, []string{addrA, "127.0.0.1:1", addrB})
	assert.NoError(t, err)
	assert.EQ(t, got, []string{addrA, addrB})
}

func TestAllocateGreedy(t *testing.T) {
	ctx := context.Background()
	fa, fb := newFakePool(10), newFakePool(5)
	addrA, addrB := serveFake(t, fa), serveFake(t, fb)
	b := testBroker(t)

	// The first host is drained before the second is touched.
	a, err := b.Allocate(ctx, bigpool.CPU, 12, []string{addrA, addrB})
	assert.NoError(t, err)
	assert.EQ(t, a.N(), 12)
	assert.EQ(t, a.Hosts(), []string{addrA, addrB})
	assert.EQ(t, a.Allocs[0].N, 10)
	assert.EQ(t, a.Allocs[1].N, 2)
	assert.EQ(t, fa.cpuFree(), 0)
	assert.EQ(t, fb.cpuFree(), 3)

	assert.NoError(t, b.Release(ctx, a))
	assert.EQ(t, fa.cpuFree(), 10)
	assert.EQ(t, fb.cpuFree(), 5)
}

func TestAllocateInsufficient(t *testing.T) {
	ctx := context.Background()
	fa, fb := newFakePool(10), newFakePool(5)
	addrA, addrB := serveFake(t, fa), serveFake(t, fb)
	b := testBroker(t)

	_, err := b.Allocate(ctx, bigpool.CPU, 16, []string{addrA, addrB})
	if !api.ErrorIsIn(err, []error{api.ErrInsufficientCapacity}) {
		t.Fatalf("got %v, want insufficient capacity", err)
	}
	// The partial reservations were rolled back.
	assert.EQ(t, fa.cpuFree(), 10)
	assert.EQ(t, fb.cpuFree(), 5)
}

func TestAllocateMap(t *testing.T) {
	ctx := context.Background()
	fa, fb := newFakePool(4), newFakePool(4)
	addrA, addrB := serveFake(t, fa), serveFake(t, fb)
	b := testBroker(t)

	a, err := b.AllocateMap(ctx, bigpool.CPU, map[string]int{addrA: 3, addrB: 1})
	assert.NoError(t, err)
	assert.EQ(t, a.N(), 4)
	assert.EQ(t, fa.cpuFree(), 1)
	assert.EQ(t, fb.cpuFree(), 3)
	assert.NoError(t, b.Release(ctx, a))

	// An unfillable entry rolls back the entries already reserved.
	_, err = b.AllocateMap(ctx, bigpool.CPU, map[string]int{addrA: 2, addrB: 9})
	assert.NotNil(t, err)
	assert.EQ(t, fa.cpuFree(), 4)
	assert.EQ(t, fb.cpuFree(), 4)
}

func TestBrokerClose(t *testing.T) {
	ctx := context.Background()
	fa := newFakePool(2)
	addrA := serveFake(t, fa)
	b := New(config.Default())

	_, err := b.Available(ctx, []string{addrA})
	assert.NoError(t, err)
	assert.NoError(t, b.Close())
	assert.NoError(t, b.Close())
	assert.EQ(t, fa.sessions, []string{b.Session()})

	_, err = b.Available(ctx, []string{addrA})
	assert.NotNil(t, err)
}

func TestKeepalive(t *testing.T) {
	ctx := context.Background()
	fa := newFakePool(2)
	addrA := serveFake(t, fa)
	cfg := config.Default()
	cfg.Client.Keepalive = config.Duration(20 * time.Millisecond)
	b := New(cfg)
	t.Cleanup(func() { _ = b.Close() })

	a, err := b.Allocate(ctx, bigpool.CPU, 1, []string{addrA})
	assert.NoError(t, err)

	// The broker touches the host while the allocation is held.
	deadline := time.Now().Add(5 * time.Second)
	for fa.touched() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if fa.touched() == 0 {
		t.Fatal("no keepalive touches observed")
	}

	// The touching stops with the release. A tick already in flight
	// may land right after, so settle before sampling.
	assert.NoError(t, b.Release(ctx, a))
	time.Sleep(50 * time.Millisecond)
	n := fa.touched()
	time.Sleep(100 * time.Millisecond)
	assert.EQ(t, fa.touched(), n)
}

func TestPushPack(t *testing.T) {
	ctx := context.Background()
	fa, fb := newFakePool(1), newFakePool(1)
	addrA, addrB := serveFake(t, fa), serveFake(t, fb)
	b := testBroker(t)

	data := []byte("pack bytes")
	fa.packs[pack.Digest(data)] = true

	ref, err := b.PushPack(ctx, []string{addrA, addrB}, pack.Manifest{Name: "app"}, data)
	assert.NoError(t, err)
	assert.EQ(t, ref.Name, "app")
	assert.EQ(t, ref.Digest, pack.Digest(data))
	// Only the host missing the pack took an upload.
	assert.EQ(t, fa.puts, 0)
	assert.EQ(t, fb.puts, 1)
}

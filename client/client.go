// Copyright 2024 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package client implements the pool client: a Broker validates
// candidate hosts, reserves compute units across them, submits tasks
// onto reservations, and collects results.
//
// A Broker owns one logical session replicated on every host it talks
// to. Hosts evict the session, terminating its tasks and reclaiming
// its units, if the broker goes quiet for longer than the host's
// inactivity window; Close ends the session deliberately.
package client

import (
	"context"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/filecoin-project/go-jsonrpc"
	"github.com/google/uuid"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/traverse"
	"github.com/grailbio/bigpool"
	"github.com/grailbio/bigpool/api"
	"github.com/grailbio/bigpool/config"
	"github.com/grailbio/bigpool/pack"
)

// A Broker mediates between a client program and a set of pool hosts.
// Brokers are safe for concurrent use.
type Broker struct {
	cfg     *config.Config
	session string
	timeout time.Duration
	probe   time.Duration

	// dialCtx scopes host connections to the broker's lifetime; the
	// JSON-RPC client couples its reconnect loop to the dial context,
	// so dialing under a per-call context would tear the cached
	// connection down when the call ends.
	dialCtx    context.Context
	dialCancel context.CancelFunc

	mu     sync.Mutex
	conns  map[string]*conn
	closed bool
}

type conn struct {
	ep     api.Endpoint
	closer jsonrpc.ClientCloser
}

// New returns a broker with a fresh session.
func New(cfg *config.Config) *Broker {
	b := &Broker{
		cfg:     cfg,
		session: uuid.New().String(),
		timeout: cfg.Client.TaskTimeout.Duration(),
		probe:   cfg.Client.ProbeTimeout.Duration(),
		conns:   make(map[string]*conn),
	}
	b.dialCtx, b.dialCancel = context.WithCancel(context.Background())
	return b
}

// Session returns the broker's session id.
func (b *Broker) Session() string { return b.session }

// Close ends the broker's session on every host it has talked to,
// terminating its tasks and releasing its units, and closes the
// connections. The broker is unusable afterwards.
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	conns := b.conns
	b.conns = nil
	b.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for addr, c := range conns {
		if err := c.ep.CloseSession(ctx, b.session); err != nil {
			log.Debug.Printf("bigpool: close session on %s: %v", addr, err)
		}
		c.closer()
	}
	b.dialCancel()
	return nil
}

// endpoint returns a connection to addr, dialing and caching it on
// first use.
func (b *Broker) endpoint(ctx context.Context, addr string) (api.Endpoint, error) {
	addr = ensurePort(addr)
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, errors.E(errors.Invalid, "broker is closed")
	}
	if c, ok := b.conns[addr]; ok {
		b.mu.Unlock()
		return c.ep, nil
	}
	b.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ep, closer, err := api.NewClient(b.dialCtx, addr, b.cfg.Key)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		closer()
		return nil, errors.E(errors.Invalid, "broker is closed")
	}
	if c, ok := b.conns[addr]; ok {
		// Lost a dial race; keep the first connection.
		closer()
		return c.ep, nil
	}
	b.conns[addr] = &conn{ep: ep, closer: closer}
	return ep, nil
}

// Validate probes the given hosts, or the configured favorites if
// none are given, and returns the ones that answer with a valid
// handshake, in the order given. Unreachable hosts and hosts that
// reject the broker's key are dropped with a log line; a version skew
// is logged but tolerated.
func (b *Broker) Validate(ctx context.Context, addrs []string) ([]string, error) {
	if len(addrs) == 0 {
		addrs = b.cfg.Client.Favorites
	}
	live := make([]bool, len(addrs))
	err := traverse.Each(len(addrs), func(i int) error {
		addr := ensurePort(addrs[i])
		pctx, cancel := context.WithTimeout(ctx, b.probe)
		defer cancel()
		ep, err := b.endpoint(pctx, addr)
		if err == nil {
			var info api.HandshakeInfo
			info, err = ep.Handshake(pctx)
			if err == nil && info.Version != api.Version {
				log.Printf("bigpool: host %s speaks version %s, client %s", addr, info.Version, api.Version)
			}
		}
		if err != nil {
			log.Printf("bigpool: dropping host %s: %v", addr, err)
			return nil
		}
		live[i] = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	valid := make([]string, 0, len(addrs))
	for i, ok := range live {
		if ok {
			valid = append(valid, ensurePort(addrs[i]))
		}
	}
	return valid, nil
}

// Available reports each host's free units by kind.
func (b *Broker) Available(ctx context.Context, addrs []string) (map[string]map[bigpool.Kind]int, error) {
	if len(addrs) == 0 {
		addrs = b.cfg.Client.Favorites
	}
	var mu sync.Mutex
	avail := make(map[string]map[bigpool.Kind]int, len(addrs))
	err := traverse.Each(len(addrs), func(i int) error {
		addr := ensurePort(addrs[i])
		ep, err := b.endpoint(ctx, addr)
		if err != nil {
			return err
		}
		free, err := ep.Available(ctx)
		if err != nil {
			return err
		}
		mu.Lock()
		avail[addr] = free
		mu.Unlock()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return avail, nil
}

// An Alloc is one host's share of an allocation.
type Alloc struct {
	Addr string
	ID   string
	N    int
}

// An Allocation is a set of compute units reserved across one or more
// hosts. Its order fixes the node numbering of tasks submitted onto
// it: the first host's units are nodes 0..N-1, the next host's follow,
// and so on.
//
// While an allocation is held, the broker touches its hosts in the
// background so their inactivity windows do not evict the session
// between submissions. Release stops the touching.
type Allocation struct {
	Kind   bigpool.Kind
	Allocs []Alloc

	stopOnce sync.Once
	stop     chan struct{}
}

func (a *Allocation) stopKeepalive() {
	if a.stop != nil {
		a.stopOnce.Do(func() { close(a.stop) })
	}
}

// N returns the total number of units in the allocation.
func (a *Allocation) N() int {
	var n int
	for _, h := range a.Allocs {
		n += h.N
	}
	return n
}

// Hosts returns the allocation's host addresses in order.
func (a *Allocation) Hosts() []string {
	hosts := make([]string, len(a.Allocs))
	for i, h := range a.Allocs {
		hosts[i] = h.Addr
	}
	return hosts
}

// Allocate reserves n units of the given kind across hosts, filling
// hosts greedily in the order given (or the configured favorites).
// It is all-or-nothing: on shortfall, every unit reserved along the
// way is returned and ErrInsufficientCapacity raised. Hosts that fail
// mid-allocation are skipped with a log line.
func (b *Broker) Allocate(ctx context.Context, kind bigpool.Kind, n int, addrs []string) (*Allocation, error) {
	if n <= 0 {
		return nil, errors.E(errors.Invalid, "allocate: unit count must be positive")
	}
	if len(addrs) == 0 {
		addrs = b.cfg.Client.Favorites
	}
	a := &Allocation{Kind: kind}
	remaining := n
	for _, addr := range addrs {
		if remaining == 0 {
			break
		}
		addr = ensurePort(addr)
		take, id, err := b.reserveUpTo(ctx, addr, kind, remaining)
		if err != nil {
			log.Printf("bigpool: skipping host %s: %v", addr, err)
			continue
		}
		if take == 0 {
			continue
		}
		a.Allocs = append(a.Allocs, Alloc{Addr: addr, ID: id, N: take})
		remaining -= take
	}
	if remaining > 0 {
		b.rollback(a)
		return nil, api.ErrInsufficientCapacity
	}
	b.startKeepalive(a)
	return a, nil
}

// reserveUpTo reserves as many units as addr has free, at most want.
func (b *Broker) reserveUpTo(ctx context.Context, addr string, kind bigpool.Kind, want int) (int, string, error) {
	ep, err := b.endpoint(ctx, addr)
	if err != nil {
		return 0, "", err
	}
	free, err := ep.Available(ctx)
	if err != nil {
		return 0, "", err
	}
	take := want
	if free[kind] < take {
		take = free[kind]
	}
	if take == 0 {
		return 0, "", nil
	}
	rep, err := ep.Reserve(ctx, api.ReserveRequest{Session: b.session, Kind: kind, N: take})
	if err != nil {
		// Lost a capacity race since the free query; treat as empty.
		if api.ErrorIsIn(err, []error{api.ErrInsufficientCapacity}) {
			return 0, "", nil
		}
		return 0, "", err
	}
	return take, rep.AllocID, nil
}

// AllocateMap reserves an explicit number of units per host, in
// sorted host order. It is all-or-nothing across the whole map.
func (b *Broker) AllocateMap(ctx context.Context, kind bigpool.Kind, want map[string]int) (*Allocation, error) {
	addrs := make([]string, 0, len(want))
	for addr := range want {
		addrs = append(addrs, addr)
	}
	sort.Strings(addrs)
	a := &Allocation{Kind: kind}
	for _, addr := range addrs {
		n := want[addr]
		if n <= 0 {
			b.rollback(a)
			return nil, errors.E(errors.Invalid, "allocate: unit count must be positive for "+addr)
		}
		naddr := ensurePort(addr)
		ep, err := b.endpoint(ctx, naddr)
		if err == nil {
			var rep api.ReserveReply
			rep, err = ep.Reserve(ctx, api.ReserveRequest{Session: b.session, Kind: kind, N: n})
			if err == nil {
				a.Allocs = append(a.Allocs, Alloc{Addr: naddr, ID: rep.AllocID, N: n})
				continue
			}
		}
		b.rollback(a)
		return nil, err
	}
	b.startKeepalive(a)
	return a, nil
}

// startKeepalive touches the allocation's hosts every keepalive
// interval until the allocation is released or the broker closed.
func (b *Broker) startKeepalive(a *Allocation) {
	interval := b.cfg.Client.Keepalive.Duration()
	if interval <= 0 {
		return
	}
	a.stop = make(chan struct{})
	go func() {
		tick := time.NewTicker(interval)
		defer tick.Stop()
		for {
			select {
			case <-a.stop:
				return
			case <-b.dialCtx.Done():
				return
			case <-tick.C:
			}
			tctx, cancel := context.WithTimeout(b.dialCtx, interval)
			err := traverse.Each(len(a.Allocs), func(i int) error {
				ep, err := b.endpoint(tctx, a.Allocs[i].Addr)
				if err != nil {
					return err
				}
				return ep.Touch(tctx, b.session)
			})
			cancel()
			if err == nil {
				continue
			}
			if api.ErrorIsIn(err, []error{api.ErrNoSession}) {
				log.Error.Printf("bigpool: session evicted while holding %d %s units", a.N(), a.Kind)
				return
			}
			log.Debug.Printf("bigpool: keepalive: %v", err)
		}
	}()
}

// Release returns every unit of the allocation to its host,
// terminating any task still running on it.
func (b *Broker) Release(ctx context.Context, a *Allocation) error {
	a.stopKeepalive()
	return traverse.Each(len(a.Allocs), func(i int) error {
		h := a.Allocs[i]
		ep, err := b.endpoint(ctx, h.Addr)
		if err != nil {
			return err
		}
		return ep.Release(ctx, api.ReleaseRequest{Session: b.session, AllocID: h.ID})
	})
}

// rollback releases a partially built allocation, best effort.
func (b *Broker) rollback(a *Allocation) {
	if len(a.Allocs) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := b.Release(ctx, a); err != nil {
		log.Error.Printf("bigpool: rollback allocation: %v", err)
	}
}

// PushPack makes the pack available on every given host, uploading it
// where it is missing, and returns its reference for use with
// WithPack.
func (b *Broker) PushPack(ctx context.Context, addrs []string, m pack.Manifest, data []byte) (pack.Ref, error) {
	ref := pack.Ref{Name: m.Name, Digest: pack.Digest(data)}
	err := traverse.Each(len(addrs), func(i int) error {
		ep, err := b.endpoint(ctx, addrs[i])
		if err != nil {
			return err
		}
		has, err := ep.HasPack(ctx, ref)
		if err != nil {
			return err
		}
		if has {
			return nil
		}
		return ep.PutPack(ctx, api.PutPackRequest{Manifest: m, Data: data})
	})
	if err != nil {
		return pack.Ref{}, err
	}
	return ref, nil
}

// SetTotal adjusts a host's unit inventory.
func (b *Broker) SetTotal(ctx context.Context, addr string, kind bigpool.Kind, n int) error {
	ep, err := b.endpoint(ctx, addr)
	if err != nil {
		return err
	}
	return ep.SetTotal(ctx, kind, n)
}

// Stat returns a host's status snapshot.
func (b *Broker) Stat(ctx context.Context, addr string) (api.PoolStat, error) {
	ep, err := b.endpoint(ctx, addr)
	if err != nil {
		return api.PoolStat{}, err
	}
	return ep.Stat(ctx)
}

// Shutdown asks a host to stop serving.
func (b *Broker) Shutdown(ctx context.Context, addr string) error {
	ep, err := b.endpoint(ctx, addr)
	if err != nil {
		return err
	}
	return ep.Shutdown(ctx)
}

// ensurePort completes an address with the default pool port.
func ensurePort(addr string) string {
	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}
	return net.JoinHostPort(addr, strconv.Itoa(config.DefaultPort))
}

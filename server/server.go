// Copyright 2024 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package server implements a bigpool host: the unit ledger, the RPC
// endpoint through which clients reserve units and submit tasks, the
// worker processes that execute task nodes, and the tube plumbing
// that carries payloads between nodes here and on peer hosts.
//
// A server holds no durable state. Sessions, allocations, and tasks
// live in memory and are reclaimed when clients release them, when
// result waits time out, or when the housekeeper evicts a session
// that has gone quiet.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/filecoin-project/go-jsonrpc"
	"github.com/filecoin-project/go-jsonrpc/auth"
	"github.com/gorilla/mux"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/retry"
	"github.com/grailbio/bigpool"
	"github.com/grailbio/bigpool/api"
	"github.com/grailbio/bigpool/config"
	"github.com/grailbio/bigpool/pack"
	"github.com/uber-go/tally/v4"
)

// forwardRetryPolicy governs redelivery of tube payloads to peer
// hosts.
var forwardRetryPolicy = retry.MaxRetries(retry.Backoff(100*time.Millisecond, 2*time.Second, 1.5), 5)

// A session tracks one client's footprint on this host. Sessions are
// created implicitly by the first reservation and die by explicit
// close or by eviction.
type session struct {
	id       string
	last     time.Time
	inflight int
	allocs   map[string]bool
	tasks    map[string]bool
}

// A Server is one pool host.
type Server struct {
	cfg     *config.Config
	ledger  *ledger
	metrics *Metrics
	runner  Runner
	packs   *pack.Store
	window  time.Duration

	// mu guards addr, draining, sessions, tasks, and session fields.
	mu       sync.Mutex
	addr     string
	draining bool
	sessions map[string]*session
	tasks    map[string]*task

	// peerCtx scopes peer connections to the server's lifetime; the
	// JSON-RPC client couples its reconnect loop to the dial context,
	// so a request- or task-scoped context would tear pooled
	// connections down with it.
	peerCtx    context.Context
	peerCancel context.CancelFunc
	peersMu    sync.Mutex
	peers      map[string]api.Endpoint
	closers    []jsonrpc.ClientCloser

	stopc chan struct{}
	bg    sync.WaitGroup

	httpMu  sync.Mutex
	httpSrv *http.Server
}

// An Option configures a server.
type Option func(*Server)

// WithRunner sets the worker runner. The default runs each worker as
// its own OS process.
func WithRunner(r Runner) Option {
	return func(s *Server) { s.runner = r }
}

// WithMetricsScope directs server metrics to the given tally scope.
func WithMetricsScope(scope tally.Scope) Option {
	return func(s *Server) { s.metrics = NewMetrics(scope) }
}

// New returns a server configured by cfg. A zero CPU inventory is
// replaced by the machine's processor count. The housekeeper starts
// immediately; callers must Close the server to stop it.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:      cfg,
		ledger:   newLedger(),
		runner:   ProcessRunner{},
		window:   cfg.Server.InactivityWindow.Duration(),
		sessions: make(map[string]*session),
		tasks:    make(map[string]*task),
		peers:    make(map[string]api.Endpoint),
		stopc:    make(chan struct{}),
	}
	s.peerCtx, s.peerCancel = context.WithCancel(context.Background())
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = NewMetrics(tally.NoopScope)
	}
	ncpu := cfg.Server.CPU
	if ncpu == 0 {
		ncpu = runtime.NumCPU()
	}
	s.ledger.SetTotal(bigpool.CPU, ncpu)
	s.ledger.SetTotal(bigpool.GPU, cfg.Server.GPU)
	s.updateGauges()
	var err error
	s.packs, err = pack.NewStore(cfg.Server.PackDir, cfg.Server.PackURL, 0)
	if err != nil {
		return nil, err
	}
	s.SetAddr(cfg.Server.ListenAddress)
	s.bg.Add(1)
	go s.housekeeper()
	return s, nil
}

// SetAddr sets the address workers and peers use to reach this host.
// An unspecified host is rewritten to the loopback address so that
// locally started workers can dial home.
func (s *Server) SetAddr(addr string) {
	if host, port, err := net.SplitHostPort(addr); err == nil {
		ip := net.ParseIP(host)
		if host == "" || (ip != nil && ip.IsUnspecified()) {
			addr = net.JoinHostPort("127.0.0.1", port)
		}
	}
	s.mu.Lock()
	s.addr = addr
	s.mu.Unlock()
}

// Addr returns the host's advertised address.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Handler returns the host's HTTP handler: the JSON-RPC endpoint at
// /rpc/v0, wrapped in token authentication when the pool has a key.
func (s *Server) Handler() http.Handler {
	m := mux.NewRouter()
	rpcServer := jsonrpc.NewServer(jsonrpc.WithServerErrors(api.RPCErrors))
	var ep api.Endpoint = &service{server: s}
	permissioned := s.cfg.Key != ""
	if permissioned {
		ep = api.PermissionedEndpoint(ep)
	}
	rpcServer.Register(api.Namespace, ep)
	m.Handle("/rpc/v0", rpcServer)
	m.PathPrefix("/").Handler(http.DefaultServeMux)
	if !permissioned {
		return m
	}
	return &auth.Handler{
		Verify: s.verify,
		Next:   m.ServeHTTP,
	}
}

func (s *Server) verify(ctx context.Context, token string) ([]auth.Permission, error) {
	if token != s.cfg.Key {
		return nil, errors.E(errors.Invalid, "invalid auth key")
	}
	return api.AllPermissions, nil
}

// ListenAndServe binds the configured listen address and serves until
// ctx is canceled or the server is shut down.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Server.ListenAddress)
	if err != nil {
		return errors.E("server: listen", s.cfg.Server.ListenAddress, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves the host's RPC endpoint on ln until ctx is canceled or
// Close is called. The host advertises ln's address to its workers, so
// callers may listen on port 0 and let the kernel pick.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.SetAddr(ln.Addr().String())
	srv := &http.Server{
		Handler: s.Handler(),
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
	s.httpMu.Lock()
	s.httpSrv = srv
	s.httpMu.Unlock()
	go func() {
		<-ctx.Done()
		s.Close() // nolint: errcheck
	}()
	log.Printf("bigpool: serving on %s (%v)", s.Addr(), s.ledger.Totals())
	if err := srv.Serve(ln); err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Close tears down every session, stops the housekeeper, and shuts
// down the HTTP server if one is running. It is idempotent. Per-task
// goroutines exit on their own once their tubes are closed and their
// contexts are canceled; Close does not wait for them.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.draining {
		s.mu.Unlock()
		return nil
	}
	s.draining = true
	sessions := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.sessions = make(map[string]*session)
	s.mu.Unlock()

	close(s.stopc)
	for _, sess := range sessions {
		s.teardownSession(sess, api.ErrShuttingDown)
	}

	s.httpMu.Lock()
	srv := s.httpSrv
	s.httpMu.Unlock()
	if srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		srv.Shutdown(ctx) // nolint: errcheck
		cancel()
		srv.Close() // nolint: errcheck
	}
	s.bg.Wait()

	s.peersMu.Lock()
	closers := s.closers
	s.closers = nil
	s.peers = make(map[string]api.Endpoint)
	s.peersMu.Unlock()
	for _, closer := range closers {
		closer()
	}
	s.peerCancel()
	return nil
}

// housekeeper periodically evicts sessions that have gone quiet for
// longer than the inactivity window.
func (s *Server) housekeeper() {
	defer s.bg.Done()
	tick := s.window / 3
	if tick <= 0 {
		tick = time.Second
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopc:
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

// sweep evicts idle sessions. A session with a request in flight is
// never evicted, no matter how old its clock: a blocked result wait
// counts as activity.
func (s *Server) sweep() {
	now := time.Now()
	var evicted []*session
	s.mu.Lock()
	for id, sess := range s.sessions {
		if sess.inflight == 0 && now.Sub(sess.last) > s.window {
			delete(s.sessions, id)
			evicted = append(evicted, sess)
		}
	}
	s.mu.Unlock()
	for _, sess := range evicted {
		log.Printf("bigpool: evicting session %s after %s of inactivity", sess.id, now.Sub(sess.last).Round(time.Millisecond))
		s.metrics.SessionsEvicted.Inc(1)
		s.teardownSession(sess, api.ErrNoSession)
	}
}

// beginOp stamps the session clock and marks a request in flight,
// creating the session if create is set. The returned function undoes
// the in-flight mark; callers must defer it.
func (s *Server) beginOp(id string, create bool) (func(), error) {
	if id == "" {
		return nil, errors.E(errors.Invalid, "empty session id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		if !create {
			return nil, api.ErrNoSession
		}
		if s.draining {
			return nil, api.ErrShuttingDown
		}
		sess = &session{
			id:     id,
			allocs: make(map[string]bool),
			tasks:  make(map[string]bool),
		}
		s.sessions[id] = sess
		s.metrics.SessionsCreated.Inc(1)
		log.Debug.Printf("bigpool: new session %s", id)
	}
	sess.last = time.Now()
	sess.inflight++
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		// The session may have been closed while the request ran; in
		// that case there is nothing to restamp.
		if cur, ok := s.sessions[id]; ok && cur == sess {
			cur.last = time.Now()
		}
		sess.inflight--
	}, nil
}

// teardownSession terminates the session's tasks and returns its
// units to the pool.
func (s *Server) teardownSession(sess *session, cause error) {
	s.mu.Lock()
	tasks := make([]*task, 0, len(sess.tasks))
	for id := range sess.tasks {
		if t, ok := s.tasks[id]; ok {
			delete(s.tasks, id)
			tasks = append(tasks, t)
		}
	}
	allocs := make([]string, 0, len(sess.allocs))
	for id := range sess.allocs {
		allocs = append(allocs, id)
	}
	s.mu.Unlock()
	for _, t := range tasks {
		s.terminateTask(t, cause)
	}
	for _, id := range allocs {
		if a := s.ledger.Release(id); a != nil {
			s.metrics.Releases.Inc(1)
		}
	}
	s.metrics.SessionsClosed.Inc(1)
	s.updateGauges()
}

// terminateTask forcibly settles a task that has already been removed
// from the server's task map: waiters observe the cause, tubes close,
// workers die, and the task's units return to the pool.
func (s *Server) terminateTask(t *task, cause error) {
	if t.fail(cause) {
		s.metrics.TasksFailed.Inc(1)
	}
	t.cancel()
	t.tubes.CloseAll()
	for _, h := range t.handles() {
		h.Kill()
	}
	s.releaseTaskAlloc(t)
}

// releaseTaskAlloc returns the task's allocation to the pool, once.
func (s *Server) releaseTaskAlloc(t *task) {
	if !t.markReleased() {
		return
	}
	if a := s.ledger.Release(t.allocID); a != nil {
		s.mu.Lock()
		if sess, ok := s.sessions[t.session]; ok {
			delete(sess.allocs, a.ID)
		}
		s.mu.Unlock()
		s.metrics.Releases.Inc(1)
		s.updateGauges()
	}
}

// removeTask pops the task from the server's maps, returning whether
// it was still present.
func (s *Server) removeTask(t *task) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[t.id]; !ok {
		return false
	}
	delete(s.tasks, t.id)
	if sess, ok := s.sessions[t.session]; ok {
		delete(sess.tasks, t.id)
	}
	return true
}

// task returns the named live task.
func (s *Server) task(id string) (*task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, api.ErrNoTask
	}
	return t, nil
}

func (s *Server) updateGauges() {
	for kind, n := range s.ledger.Available() {
		s.metrics.SetFree(kind, n)
	}
}

// startWorkers launches one worker per local node. On any start
// failure the already started workers are killed and the error is
// returned.
func (s *Server) startWorkers(t *task, entry, dir string) error {
	for _, node := range t.local {
		h, err := s.runner.Start(t.ctx, WorkerCmd{
			TaskID: t.id,
			Node:   node,
			Addr:   s.Addr(),
			Key:    s.cfg.Key,
			Entry:  entry,
			Dir:    dir,
		})
		if err != nil {
			return errors.E("server: start worker", fmt.Sprint(node), err)
		}
		t.setHandle(node, h)
		s.metrics.WorkersStarted.Inc(1)
		go s.watchWorker(t, node, h)
	}
	return nil
}

// watchWorker reports a failure for workers that exit without having
// delivered a result. Exits after a delivered result are no-ops in
// task.report.
func (s *Server) watchWorker(t *task, node int, h Handle) {
	err := h.Wait()
	if err == nil {
		return
	}
	_, failed := t.report(node, api.NodeResult{Node: node, Err: fmt.Sprintf("worker exited: %v", err)})
	if failed {
		s.metrics.WorkerFailures.Inc(1)
		s.onTaskFailed(t)
	}
}

// onTaskFailed terminates the losing task's remaining workers and
// closes its tubes so that result waiters and peers unblock promptly.
// The task stays in the server's maps so the client can collect the
// per-node errors; its units stay allocated until released or timed
// out.
func (s *Server) onTaskFailed(t *task) {
	s.metrics.TasksFailed.Inc(1)
	t.cancel()
	t.tubes.CloseAll()
	for _, h := range t.handles() {
		h.Kill()
	}
}

// destroyTask dismantles a task whose results have been delivered.
// On success the task's forwarders are left to drain the remaining
// tube traffic to peers before the context is canceled.
func (s *Server) destroyTask(t *task) {
	t.tubes.CloseAll()
	go func() {
		t.fwd.Wait()
		t.cancel()
	}()
}

// closeEdgesFrom closes every tube edge originating at node,
// delivering end of stream to local consumers directly and to remote
// consumers through the edge's forwarder.
func (s *Server) closeEdgesFrom(t *task, node int) {
	for _, e := range t.desc.Topology {
		if e.Src != node {
			continue
		}
		if t.isLocal(e.Dst) {
			t.tubes.In(e).Close()
			continue
		}
		o, created := t.tubes.Out(e, t.placement[e.Dst])
		if created {
			s.startForwarder(t, e, o)
		}
		o.q.Close()
	}
}

// outEdgeFor returns the forwarding queue for a cross-host edge,
// starting its forwarder on first touch.
func (s *Server) outEdgeFor(t *task, e bigpool.Edge) *outEdge {
	o, created := t.tubes.Out(e, t.placement[e.Dst])
	if created {
		s.startForwarder(t, e, o)
	}
	return o
}

func (s *Server) startForwarder(t *task, e bigpool.Edge, o *outEdge) {
	t.fwd.Add(1)
	go s.forward(t, e, o)
}

// forward drains one cross-host edge, delivering payloads to the
// consumer's host in order and propagating end of stream when the
// local queue closes. Delivery failures after retry settle the task:
// a peer that cannot be reached cannot be computed with.
func (s *Server) forward(t *task, e bigpool.Edge, o *outEdge) {
	defer t.fwd.Done()
	for {
		p, err := o.q.Pop(t.ctx)
		if err == bigpool.ErrTubeClosed {
			s.forwardClose(t, e, o)
			return
		}
		if err != nil {
			return
		}
		if err := s.forwardSend(t.ctx, o.addr, api.TubeSendRequest{TaskID: t.id, Edge: e, Payload: p}); err != nil {
			log.Error.Printf("bigpool: forward %s to %s: %v", e, o.addr, err)
			s.metrics.ForwardFails.Inc(1)
			if t.fail(errors.E(errors.Unavailable, "forward "+e.String()+" to "+o.addr, err)) {
				s.onTaskFailed(t)
			}
			return
		}
		s.metrics.TubeForwards.Inc(1)
	}
}

// forwardSend delivers one payload to a peer, retrying transient
// failures. ErrNoTask is retried too: hosts are submitted to one at a
// time, so early traffic can reach a peer before its share of the
// task does.
func (s *Server) forwardSend(ctx context.Context, addr string, req api.TubeSendRequest) error {
	for retries := 0; ; retries++ {
		ep, err := s.peer(ctx, addr)
		if err == nil {
			err = ep.TubeSend(ctx, req)
		}
		if err == nil {
			return nil
		}
		// A closed consumer tube means the peer's share of the task
		// has been torn down; there is no point redelivering.
		if api.ErrorIsIn(err, []error{api.ErrTubeClosed}) {
			return nil
		}
		if rerr := retry.Wait(ctx, forwardRetryPolicy, retries); rerr != nil {
			return err
		}
	}
}

// forwardClose tells the consumer's host that the edge is complete.
// Best effort with retries, ErrNoTask included: a fast producer can
// finish before the consumer's host has seen its submit.
func (s *Server) forwardClose(t *task, e bigpool.Edge, o *outEdge) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	req := api.TubeCloseRequest{TaskID: t.id, Edge: e}
	for retries := 0; ; retries++ {
		ep, err := s.peer(ctx, o.addr)
		if err == nil {
			err = ep.TubeCloseEdge(ctx, req)
		}
		if err == nil {
			return
		}
		if rerr := retry.Wait(ctx, forwardRetryPolicy, retries); rerr != nil {
			log.Error.Printf("bigpool: close %s on %s: %v", e, o.addr, err)
			return
		}
	}
}

// peer returns a client for the given peer host, dialing and caching
// it on first use. Peers share the pool key.
func (s *Server) peer(ctx context.Context, addr string) (api.Endpoint, error) {
	s.peersMu.Lock()
	defer s.peersMu.Unlock()
	if ep, ok := s.peers[addr]; ok {
		return ep, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ep, closer, err := api.NewClient(s.peerCtx, addr, s.cfg.Key)
	if err != nil {
		return nil, err
	}
	s.peers[addr] = ep
	s.closers = append(s.closers, closer)
	return ep, nil
}

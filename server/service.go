// Copyright 2024 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package server

import (
	"context"
	"sort"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigpool"
	"github.com/grailbio/bigpool/api"
	"github.com/grailbio/bigpool/pack"
	"github.com/grailbio/bigpool/tube"
)

// service implements api.Endpoint on top of a Server. Session-scoped
// calls stamp the session clock through beginOp; worker and peer
// calls are keyed by task alone and leave the clock untouched, so a
// busy task cannot keep an abandoned session alive.
type service struct {
	server *Server
}

var _ api.Endpoint = (*service)(nil)

func (h *service) Handshake(ctx context.Context) (api.HandshakeInfo, error) {
	return api.HandshakeInfo{Version: api.Version}, nil
}

func (h *service) Available(ctx context.Context) (map[bigpool.Kind]int, error) {
	return h.server.ledger.Available(), nil
}

func (h *service) Totals(ctx context.Context) (map[bigpool.Kind]int, error) {
	return h.server.ledger.Totals(), nil
}

func (h *service) SetTotal(ctx context.Context, kind bigpool.Kind, n int) error {
	if n < 0 {
		return errors.E(errors.Invalid, "negative total")
	}
	log.Printf("bigpool: set %s total to %d", kind, n)
	h.server.ledger.SetTotal(kind, n)
	h.server.updateGauges()
	return nil
}

func (h *service) Stat(ctx context.Context) (api.PoolStat, error) {
	s := h.server
	now := time.Now()
	s.mu.Lock()
	sessions := make([]api.SessionStat, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, api.SessionStat{
			ID:       sess.id,
			Idle:     now.Sub(sess.last),
			Inflight: sess.inflight,
			Allocs:   len(sess.allocs),
			Tasks:    len(sess.tasks),
		})
	}
	tasks := make([]*task, 0, len(s.tasks))
	for _, t := range s.tasks {
		tasks = append(tasks, t)
	}
	s.mu.Unlock()
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].ID < sessions[j].ID })
	stats := make([]api.TaskStat, len(tasks))
	for i, t := range tasks {
		stats[i] = t.stat()
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].ID < stats[j].ID })
	return api.PoolStat{
		Version:   api.Version,
		Totals:    s.ledger.Totals(),
		Available: s.ledger.Available(),
		Sessions:  sessions,
		Tasks:     stats,
	}, nil
}

func (h *service) Shutdown(ctx context.Context) error {
	log.Printf("bigpool: shutdown requested")
	// Delay enough for the reply to flush before the listener closes.
	time.AfterFunc(100*time.Millisecond, func() {
		h.server.Close() // nolint: errcheck
	})
	return nil
}

func (h *service) Reserve(ctx context.Context, req api.ReserveRequest) (api.ReserveReply, error) {
	s := h.server
	end, err := s.beginOp(req.Session, true)
	if err != nil {
		return api.ReserveReply{}, err
	}
	defer end()
	a, err := s.ledger.Reserve(req.Session, req.Kind, req.N)
	if err != nil {
		if err == api.ErrInsufficientCapacity {
			s.metrics.ReserveDenied.Inc(1)
		}
		return api.ReserveReply{}, err
	}
	s.mu.Lock()
	sess, ok := s.sessions[req.Session]
	if ok {
		sess.allocs[a.ID] = true
	}
	s.mu.Unlock()
	if !ok {
		// The session was closed while we reserved.
		s.ledger.Release(a.ID)
		return api.ReserveReply{}, api.ErrNoSession
	}
	s.metrics.Reserves.Inc(1)
	s.updateGauges()
	log.Debug.Printf("bigpool: session %s reserved %d %s (%s)", req.Session, req.N, req.Kind, a.ID)
	return api.ReserveReply{AllocID: a.ID}, nil
}

// Touch exists for its beginOp side effect: it re-stamps the session's
// liveness clock so that the housekeeper leaves its units alone.
func (h *service) Touch(ctx context.Context, session string) error {
	end, err := h.server.beginOp(session, false)
	if err != nil {
		return err
	}
	end()
	return nil
}

func (h *service) Release(ctx context.Context, req api.ReleaseRequest) error {
	s := h.server
	end, err := s.beginOp(req.Session, false)
	if err != nil {
		// A vanished session holds no units; releasing against it is
		// trivially complete.
		if err == api.ErrNoSession {
			return nil
		}
		return err
	}
	defer end()
	if a, ok := s.ledger.Get(req.AllocID); ok && a.Session != req.Session {
		return api.ErrNoAlloc
	}
	// Terminate any task still running on the allocation; its units
	// cannot return to the pool with workers on them.
	s.mu.Lock()
	var doomed []*task
	for id, t := range s.tasks {
		if t.allocID == req.AllocID {
			delete(s.tasks, id)
			if sess, ok := s.sessions[t.session]; ok {
				delete(sess.tasks, id)
			}
			doomed = append(doomed, t)
		}
	}
	if sess, ok := s.sessions[req.Session]; ok {
		delete(sess.allocs, req.AllocID)
	}
	s.mu.Unlock()
	for _, t := range doomed {
		s.terminateTask(t, api.ErrNoAlloc)
	}
	if a := s.ledger.Release(req.AllocID); a != nil {
		s.metrics.Releases.Inc(1)
		s.updateGauges()
		log.Debug.Printf("bigpool: session %s released %d %s (%s)", req.Session, a.N, a.Kind, a.ID)
	}
	return nil
}

func (h *service) Submit(ctx context.Context, req api.SubmitRequest) error {
	s := h.server
	end, err := s.beginOp(req.Session, false)
	if err != nil {
		return err
	}
	defer end()
	if req.TaskID == "" {
		return errors.E(errors.Invalid, "empty task id")
	}
	if req.Desc.Task == "" {
		return errors.E(errors.Invalid, "empty task name")
	}
	a, ok := s.ledger.Get(req.AllocID)
	if !ok || a.Session != req.Session {
		return api.ErrNoAlloc
	}
	numNodes := len(req.Placement)
	if numNodes == 0 {
		return errors.E(errors.Invalid, "empty placement")
	}
	if len(req.LocalNodes) != a.N {
		return errors.E(errors.Invalid, "local node count does not match allocation")
	}
	seen := make(map[int]bool, len(req.LocalNodes))
	for _, node := range req.LocalNodes {
		if node < 0 || node >= numNodes {
			return errors.E(errors.Invalid, "local node out of range")
		}
		if seen[node] {
			return errors.E(errors.Invalid, "duplicate local node")
		}
		seen[node] = true
	}
	if len(req.Desc.Args) != 0 && len(req.Desc.Args) != numNodes {
		return errors.E(errors.Invalid, "argument count does not match node count")
	}
	if err := req.Desc.Topology.Validate(numNodes); err != nil {
		return errors.E(errors.Invalid, "bad topology", err)
	}

	var entry, dir string
	if req.Desc.Pack != nil {
		entry, dir, err = s.packs.Resolve(ctx, *req.Desc.Pack)
		if err != nil {
			return err
		}
	}

	t := newTask(req.TaskID, a, req.Desc, req.Placement, req.LocalNodes, s.cfg.Server.TubeBuffer)
	s.mu.Lock()
	if s.draining {
		s.mu.Unlock()
		return api.ErrShuttingDown
	}
	if _, exists := s.tasks[t.id]; exists {
		s.mu.Unlock()
		return errors.E(errors.Invalid, "duplicate task id "+t.id)
	}
	sess, ok := s.sessions[req.Session]
	if !ok {
		s.mu.Unlock()
		return api.ErrNoSession
	}
	s.tasks[t.id] = t
	sess.tasks[t.id] = true
	s.mu.Unlock()

	if err := s.startWorkers(t, entry, dir); err != nil {
		s.removeTask(t)
		t.fail(err)
		s.onTaskFailed(t)
		return err
	}
	s.metrics.Submits.Inc(1)
	log.Debug.Printf("bigpool: task %s: started %d workers for %q", t.id, len(t.local), t.desc.Task)
	return nil
}

func (h *service) GetResult(ctx context.Context, req api.ResultRequest) (api.ResultReply, error) {
	s := h.server
	end, err := s.beginOp(req.Session, false)
	if err != nil {
		return api.ResultReply{}, err
	}
	defer end()
	t, err := s.task(req.TaskID)
	if err != nil {
		return api.ResultReply{}, err
	}
	if t.session != req.Session {
		return api.ResultReply{}, api.ErrNoTask
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = s.cfg.Server.ResultTimeout.Duration()
	}
	wctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if _, err := t.waitDone(wctx); err != nil {
		if err == context.DeadlineExceeded {
			// Presumed hung: reclaim the workers and their units.
			if s.removeTask(t) {
				log.Printf("bigpool: task %s timed out after %s", t.id, timeout)
				s.metrics.TasksTimedOut.Inc(1)
				s.terminateTask(t, api.ErrTaskTimeout)
			}
			return api.ResultReply{}, api.ErrTaskTimeout
		}
		return api.ResultReply{}, err
	}
	reply := api.ResultReply{Results: t.results()}
	if s.removeTask(t) {
		s.destroyTask(t)
	}
	return reply, nil
}

func (h *service) CloseSession(ctx context.Context, session string) error {
	s := h.server
	s.mu.Lock()
	sess, ok := s.sessions[session]
	if ok {
		delete(s.sessions, session)
	}
	s.mu.Unlock()
	if !ok {
		return nil
	}
	log.Debug.Printf("bigpool: session %s closed", session)
	s.teardownSession(sess, api.ErrNoSession)
	return nil
}

func (h *service) TubeSend(ctx context.Context, req api.TubeSendRequest) error {
	s := h.server
	t, err := s.task(req.TaskID)
	if err != nil {
		return err
	}
	if !t.desc.Topology.Contains(req.Edge) {
		return errors.E(errors.Invalid, "unknown edge "+req.Edge.String())
	}
	var q *tube.Tube
	switch {
	case t.isLocal(req.Edge.Dst):
		q = t.tubes.In(req.Edge)
	case t.isLocal(req.Edge.Src):
		q = s.outEdgeFor(t, req.Edge).q
	default:
		return errors.E(errors.Invalid, "edge "+req.Edge.String()+" not served here")
	}
	if err := q.Push(ctx, req.Payload); err != nil {
		return tubeWireErr(err)
	}
	s.metrics.TubeSends.Inc(1)
	return nil
}

func (h *service) TubeRecv(ctx context.Context, req api.TubeRecvRequest) (api.TubeRecvReply, error) {
	s := h.server
	t, err := s.task(req.TaskID)
	if err != nil {
		return api.TubeRecvReply{}, err
	}
	if !t.desc.Topology.Contains(req.Edge) {
		return api.TubeRecvReply{}, errors.E(errors.Invalid, "unknown edge "+req.Edge.String())
	}
	if !t.isLocal(req.Edge.Dst) {
		return api.TubeRecvReply{}, errors.E(errors.Invalid, "edge "+req.Edge.String()+" not received here")
	}
	rctx := ctx
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		rctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}
	p, err := t.tubes.In(req.Edge).Pop(rctx)
	if err != nil {
		return api.TubeRecvReply{}, tubeWireErr(err)
	}
	s.metrics.TubeRecvs.Inc(1)
	return api.TubeRecvReply{Payload: p}, nil
}

func (h *service) TubeCloseEdge(ctx context.Context, req api.TubeCloseRequest) error {
	s := h.server
	t, err := s.task(req.TaskID)
	if err != nil {
		return err
	}
	if !t.desc.Topology.Contains(req.Edge) {
		return errors.E(errors.Invalid, "unknown edge "+req.Edge.String())
	}
	switch {
	case t.isLocal(req.Edge.Dst):
		t.tubes.In(req.Edge).Close()
	case t.isLocal(req.Edge.Src):
		s.outEdgeFor(t, req.Edge).q.Close()
	default:
		return errors.E(errors.Invalid, "edge "+req.Edge.String()+" not served here")
	}
	return nil
}

func (h *service) GetWorker(ctx context.Context, req api.WorkerRequest) (api.WorkerSpec, error) {
	s := h.server
	t, err := s.task(req.TaskID)
	if err != nil {
		return api.WorkerSpec{}, err
	}
	if !t.isLocal(req.Node) {
		return api.WorkerSpec{}, errors.E(errors.Invalid, "node not served here")
	}
	spec := api.WorkerSpec{
		Task:     t.desc.Task,
		Node:     req.Node,
		NumNodes: len(t.placement),
		Kind:     t.kind,
		Shared:   t.desc.Shared,
		Topology: t.desc.Topology,
	}
	if len(t.desc.Args) > 0 {
		spec.Args = t.desc.Args[req.Node]
	}
	return spec, nil
}

func (h *service) PutResult(ctx context.Context, req api.PutResultRequest) error {
	s := h.server
	t, err := s.task(req.TaskID)
	if err != nil {
		return err
	}
	if !t.isLocal(req.Node) {
		return errors.E(errors.Invalid, "node not served here")
	}
	done, failed := t.report(req.Node, api.NodeResult{Node: req.Node, Value: req.Value, Err: req.Err})
	// The worker is finished either way; everything it was sending has
	// been sent.
	s.closeEdgesFrom(t, req.Node)
	switch {
	case failed:
		log.Error.Printf("bigpool: task %s node %d failed: %s", t.id, req.Node, req.Err)
		s.metrics.WorkerFailures.Inc(1)
		s.onTaskFailed(t)
	case done:
		s.metrics.TasksDone.Inc(1)
		log.Debug.Printf("bigpool: task %s done", t.id)
	}
	return nil
}

func (h *service) HasPack(ctx context.Context, ref pack.Ref) (bool, error) {
	return h.server.packs.Has(ctx, ref)
}

func (h *service) PutPack(ctx context.Context, req api.PutPackRequest) error {
	ref, err := h.server.packs.Put(ctx, req.Manifest, req.Data)
	if err != nil {
		return err
	}
	h.server.metrics.PacksStored.Inc(1)
	log.Printf("bigpool: stored pack %s (%d bytes)", ref, len(req.Data))
	return nil
}

// tubeWireErr maps the local closed sentinel to its wire form.
func tubeWireErr(err error) error {
	if err == bigpool.ErrTubeClosed {
		return api.ErrTubeClosed
	}
	return err
}

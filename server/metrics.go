// Copyright 2024 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package server

import (
	"github.com/uber-go/tally/v4"

	"github.com/grailbio/bigpool"
)

// Metrics tracks the host's pool activity. All metrics are rooted at
// the scope given to NewMetrics.
type Metrics struct {
	SessionsCreated tally.Counter
	SessionsClosed  tally.Counter
	SessionsEvicted tally.Counter

	Reserves      tally.Counter
	ReserveDenied tally.Counter
	Releases      tally.Counter

	Submits       tally.Counter
	TasksDone     tally.Counter
	TasksFailed   tally.Counter
	TasksTimedOut tally.Counter

	WorkersStarted tally.Counter
	WorkerFailures tally.Counter

	TubeSends    tally.Counter
	TubeRecvs    tally.Counter
	TubeForwards tally.Counter
	ForwardFails tally.Counter

	PacksStored tally.Counter

	scope tally.Scope
}

// NewMetrics returns a new Metrics struct with all metrics
// initialized and rooted at the given scope.
func NewMetrics(scope tally.Scope) *Metrics {
	sessionScope := scope.SubScope("sessions")
	unitScope := scope.SubScope("units")
	taskScope := scope.SubScope("tasks")
	workerScope := scope.SubScope("workers")
	tubeScope := scope.SubScope("tubes")
	packScope := scope.SubScope("packs")
	return &Metrics{
		SessionsCreated: sessionScope.Counter("created"),
		SessionsClosed:  sessionScope.Counter("closed"),
		SessionsEvicted: sessionScope.Counter("evicted"),

		Reserves:      unitScope.Counter("reserves"),
		ReserveDenied: unitScope.Counter("reserve_denied"),
		Releases:      unitScope.Counter("releases"),

		Submits:       taskScope.Counter("submits"),
		TasksDone:     taskScope.Counter("done"),
		TasksFailed:   taskScope.Counter("failed"),
		TasksTimedOut: taskScope.Counter("timed_out"),

		WorkersStarted: workerScope.Counter("started"),
		WorkerFailures: workerScope.Counter("failures"),

		TubeSends:    tubeScope.Counter("sends"),
		TubeRecvs:    tubeScope.Counter("recvs"),
		TubeForwards: tubeScope.Counter("forwards"),
		ForwardFails: tubeScope.Counter("forward_fails"),

		PacksStored: packScope.Counter("stored"),

		scope: unitScope,
	}
}

// SetFree publishes the free-unit gauge for a kind.
func (m *Metrics) SetFree(kind bigpool.Kind, n int) {
	m.scope.Tagged(map[string]string{"kind": kind.String()}).Gauge("free").Update(float64(n))
}

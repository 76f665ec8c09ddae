// Copyright 2024 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigpool

// Kind names a class of compute unit served by a pool host. Kinds are
// opaque to the runtime: hosts advertise an inventory per kind, and
// allocation requests name the kind they want. CPU and GPU are
// conventional; deployments are free to invent their own.
type Kind string

const (
	CPU Kind = "cpu"
	GPU Kind = "gpu"
)

func (k Kind) String() string { return string(k) }

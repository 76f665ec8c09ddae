// Copyright 2024 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package payload implements the value encoding used for task
// arguments, tube values, shared data, and results. Values are
// encoded with encoding/gob behind an interface indirection so that
// dynamic types survive the trip; named types must therefore be
// registered with gob.Register on both ends of the wire.
package payload

import (
	"bytes"
	"encoding/gob"

	"github.com/grailbio/base/errors"
)

func init() {
	// Argument rows and composite results travel as these; gob does
	// not pre-register them the way it does basic types.
	gob.Register([]interface{}(nil))
	gob.Register(map[string]interface{}(nil))
}

// Marshal encodes a single value. A nil value encodes to a nil
// payload; gob has no representation for it.
func Marshal(v interface{}) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	var b bytes.Buffer
	if err := gob.NewEncoder(&b).Encode(&v); err != nil {
		return nil, errors.E(errors.Invalid, "payload: encode", err)
	}
	return b.Bytes(), nil
}

// Unmarshal decodes a value encoded by Marshal.
func Unmarshal(p []byte) (interface{}, error) {
	if len(p) == 0 {
		return nil, nil
	}
	var v interface{}
	if err := gob.NewDecoder(bytes.NewReader(p)).Decode(&v); err != nil {
		return nil, errors.E(errors.Invalid, "payload: decode", err)
	}
	return v, nil
}


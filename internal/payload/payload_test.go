// Copyright 2024 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package payload

import (
	"encoding/gob"
	"reflect"
	"testing"

	fuzz "github.com/google/gofuzz"
)

type testPoint struct {
	X, Y float64
	Tag  string
}

func init() {
	gob.Register(testPoint{})
}

func TestRoundtrip(t *testing.T) {
	for _, v := range []interface{}{
		int(42),
		int64(-1),
		"hello",
		3.14,
		true,
		[]float64{1, 2, 3},
		[]string{"a", "b"},
		map[string]int{"x": 1},
		testPoint{X: 1, Y: 2, Tag: "p"},
	} {
		p, err := Marshal(v)
		if err != nil {
			t.Fatalf("%v: %v", v, err)
		}
		got, err := Unmarshal(p)
		if err != nil {
			t.Fatalf("%v: %v", v, err)
		}
		if !reflect.DeepEqual(got, v) {
			t.Errorf("got %v (%T), want %v (%T)", got, got, v, v)
		}
	}
}

func TestNil(t *testing.T) {
	p, err := Marshal(nil)
	if err != nil {
		t.Fatal(err)
	}
	if p != nil {
		t.Errorf("got %v, want nil payload", p)
	}
	v, err := Unmarshal(p)
	if err != nil {
		t.Fatal(err)
	}
	if v != nil {
		t.Errorf("got %v, want nil", v)
	}
}

func TestRoundtripFuzz(t *testing.T) {
	fz := fuzz.New().NilChance(0)
	for i := 0; i < 100; i++ {
		var v testPoint
		fz.Fuzz(&v)
		p, err := Marshal(v)
		if err != nil {
			t.Fatal(err)
		}
		got, err := Unmarshal(p)
		if err != nil {
			t.Fatal(err)
		}
		if !reflect.DeepEqual(got, v) {
			t.Errorf("got %v, want %v", got, v)
		}
	}
}

package vm

import (
	"errors"
	"testing"
)

func TestTruthy(t *testing.T) {
	tests := []struct {
		v    Value
		want bool
	}{
		{Nil, false},
		{Absent, false},
		{nil, false},
		{True, true},
		{False, false},
		{Int(0), false},
		{Int(3), true},
		{Float(0), false},
		{Str(""), false},
		{Str("x"), true},
		{NewList(), false},
		{NewList(Int(1)), true},
		{NewMap(), false},
		{NewBytes(nil), false},
		{&Cell{}, true},
	}
	for _, tt := range tests {
		if got := Truthy(tt.v); got != tt.want {
			t.Errorf("Truthy(%s) = %v, want %v", Repr(tt.v), got, tt.want)
		}
	}
}

func TestEqual(t *testing.T) {
	m1 := NewMap()
	m1.Set("a", Int(1))
	m2 := NewMap()
	m2.Set("a", Float(1))

	tests := []struct {
		a, b Value
		want bool
	}{
		{Int(1), Int(1), true},
		{Int(1), Float(1), true},
		{Int(1), Str("1"), false},
		{Str("a"), Str("a"), true},
		{Nil, Nil, true},
		{Nil, Absent, false},
		{NewList(Int(1), Str("x")), NewList(Int(1), Str("x")), true},
		{NewList(Int(1)), NewList(Int(2)), false},
		{m1, m2, true},
		{NewBytes([]byte("ab")), NewBytes([]byte("ab")), true},
		{NewError("E", "m"), NewError("E", "m"), true},
		{&Cell{}, &Cell{}, false},
	}
	for _, tt := range tests {
		if got := Equal(tt.a, tt.b); got != tt.want {
			t.Errorf("Equal(%s, %s) = %v, want %v", Repr(tt.a), Repr(tt.b), got, tt.want)
		}
	}
}

func TestArith(t *testing.T) {
	tests := []struct {
		op   Opcode
		a, b Value
		want Value
	}{
		{OpAdd, Int(2), Int(3), Int(5)},
		{OpSub, Int(2), Int(3), Int(-1)},
		{OpMul, Int(4), Float(0.5), Float(2)},
		{OpDiv, Int(7), Int(2), Int(3)},
		{OpDiv, Float(7), Int(2), Float(3.5)},
		{OpMod, Int(7), Int(3), Int(1)},
		{OpAdd, Str("a"), Str("b"), Str("ab")},
		{OpAdd, NewList(Int(1)), NewList(Int(2)), NewList(Int(1), Int(2))},
	}
	for _, tt := range tests {
		got, err := arith(tt.op, tt.a, tt.b)
		if err != nil {
			t.Errorf("%s(%s, %s): %v", tt.op, Repr(tt.a), Repr(tt.b), err)
			continue
		}
		if !Equal(got, tt.want) {
			t.Errorf("%s(%s, %s) = %s, want %s", tt.op, Repr(tt.a), Repr(tt.b), Repr(got), Repr(tt.want))
		}
	}
}

func TestArithErrors(t *testing.T) {
	tests := []struct {
		op   Opcode
		a, b Value
		kind string
	}{
		{OpDiv, Int(1), Int(0), "ZeroDivisionError"},
		{OpMod, Float(1), Float(0), "ZeroDivisionError"},
		{OpSub, Str("a"), Int(1), "TypeError"},
	}
	for _, tt := range tests {
		_, err := arith(tt.op, tt.a, tt.b)
		var ev *ErrorValue
		if !errors.As(err, &ev) || ev.Kind != tt.kind {
			t.Errorf("%s(%s, %s) err = %v, want %s", tt.op, Repr(tt.a), Repr(tt.b), err, tt.kind)
		}
	}
}

func TestCompare(t *testing.T) {
	tests := []struct {
		kind int
		a, b Value
		want bool
	}{
		{CmpLT, Int(1), Int(2), true},
		{CmpLE, Int(2), Int(2), true},
		{CmpGT, Float(2.5), Int(2), true},
		{CmpGE, Int(1), Int(2), false},
		{CmpEQ, Str("a"), Str("a"), true},
		{CmpNE, Str("a"), Int(1), true},
		{CmpLT, Str("a"), Str("b"), true},
	}
	for _, tt := range tests {
		got, err := compare(tt.kind, tt.a, tt.b)
		if err != nil {
			t.Errorf("compare %s %s %s: %v", Repr(tt.a), cmpNames[tt.kind], Repr(tt.b), err)
			continue
		}
		if got != Bool(tt.want) {
			t.Errorf("%s %s %s = %v, want %v", Repr(tt.a), cmpNames[tt.kind], Repr(tt.b), got, tt.want)
		}
	}
	if _, err := compare(CmpLT, Str("a"), Int(1)); err == nil {
		t.Error("comparing str and int should fail")
	}
}

func TestMapOrder(t *testing.T) {
	m := NewMap()
	m.Set("b", Int(1))
	m.Set("a", Int(2))
	m.Set("b", Int(3))
	m.Delete("missing")
	if got := m.Keys(); len(got) != 2 || got[0] != "b" || got[1] != "a" {
		t.Errorf("Keys = %v, want [b a]", got)
	}
	if v, _ := m.Get("b"); v != Int(3) {
		t.Errorf("b = %v, want 3", v)
	}
	m.Delete("b")
	if m.Len() != 1 || m.Keys()[0] != "a" {
		t.Errorf("after delete Keys = %v, want [a]", m.Keys())
	}
	if got := m.String(); got != `{"a": 2}` {
		t.Errorf("String = %s", got)
	}
}

func TestErrorValueUnwrap(t *testing.T) {
	cause := errors.New("disk on fire")
	ev := &ErrorValue{Kind: "HostError", Message: "x", Cause: cause}
	if !errors.Is(ev, cause) {
		t.Error("ErrorValue should unwrap to its cause")
	}
	if ev.Error() != "HostError: x" {
		t.Errorf("Error() = %q", ev.Error())
	}
}

func TestIterators(t *testing.T) {
	r := &RangeIter{Next: 3, Stop: 0, Step: -1}
	var got []Value
	for {
		v, ok := r.advance()
		if !ok {
			break
		}
		got = append(got, v)
	}
	if !Equal(NewList(got...), NewList(Int(3), Int(2), Int(1))) {
		t.Errorf("range = %v", got)
	}

	it := &ListIter{List: NewList(Str("a"))}
	if v, ok := it.advance(); !ok || v != Str("a") {
		t.Errorf("first = %v, %v", v, ok)
	}
	if _, ok := it.advance(); ok {
		t.Error("iterator should be exhausted")
	}
}

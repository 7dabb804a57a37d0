package vm

import (
	"errors"
	"testing"
)

type counterData struct{ n int }

func (c *counterData) CloneOpaque() (any, error) { return &counterData{n: c.n}, nil }

func TestDeepCloneGraph(t *testing.T) {
	shared := NewList(Int(1))
	outer := NewList(shared, shared, NewBytes([]byte("xy")))
	outer.Items = append(outer.Items, outer) // cycle

	v, err := DeepCloner{}.Clone(outer)
	if err != nil {
		t.Fatalf("Clone: %v", err)
	}
	c := v.(*List)
	if c == outer {
		t.Fatal("clone returned the original")
	}
	if c.Items[0] != c.Items[1] {
		t.Error("shared reference was split")
	}
	if c.Items[0] == shared {
		t.Error("inner list was not copied")
	}
	if c.Items[3] != c {
		t.Error("cycle not preserved")
	}
	c.Items[2].(*Bytes).B[0] = 'z'
	if outer.Items[2].(*Bytes).B[0] != 'x' {
		t.Error("bytes share storage with the original")
	}
}

func TestDeepCloneSharesModules(t *testing.T) {
	m := NewModule("lib")
	b := &Builtin{Name: "f"}
	v, err := DeepCloner{}.Clone(NewList(m, b, Int(3)))
	if err != nil {
		t.Fatal(err)
	}
	items := v.(*List).Items
	if items[0] != m || items[1] != b {
		t.Error("modules and builtins should be shared")
	}
}

func TestDeepCloneFunction(t *testing.T) {
	code := testCode(t, 0, 1)
	cell := &Cell{Value: Int(1)}
	fn := &Function{Name: "f", Code: code, Globals: NewModule("m"), Closure: []*Cell{cell}}
	v, err := DeepCloner{}.Clone(NewList(fn, cell))
	if err != nil {
		t.Fatal(err)
	}
	items := v.(*List).Items
	cf := items[0].(*Function)
	if cf.Closure[0] != items[1] {
		t.Error("closure cell identity lost")
	}
	if cf.Globals != fn.Globals {
		t.Error("globals should be shared")
	}
	if cf.Code == code || cf.Code.Name != code.Name {
		t.Error("code should be copied")
	}
}

func TestDeepCloneOpaque(t *testing.T) {
	v, err := DeepCloner{}.Clone(&Opaque{Tag: "counter", Data: &counterData{n: 2}})
	if err != nil {
		t.Fatal(err)
	}
	if v.(*Opaque).Data.(*counterData).n != 2 {
		t.Error("opaque payload not cloned")
	}

	_, err = DeepCloner{}.Clone(NewList(&Opaque{Tag: "file", Data: 42}))
	if !errors.Is(err, ErrNotCloneable) {
		t.Errorf("err = %v, want ErrNotCloneable", err)
	}
}

package objcodec

import (
	"bytes"
	"errors"
	"math"
	"testing"

	"github.com/chazu/brine/compiler"
	"github.com/chazu/brine/vm"
)

func newInterp(t *testing.T) *vm.Interp {
	t.Helper()
	return vm.NewInterp(vm.Config{Stdout: &bytes.Buffer{}})
}

func roundTrip(t *testing.T, c Codec, v vm.Value) vm.Value {
	t.Helper()
	b, err := c.Encode(v)
	if err != nil {
		t.Fatalf("Encode(%s): %v", vm.Repr(v), err)
	}
	out, err := c.Decode(b)
	if err != nil {
		t.Fatalf("Decode(%s): %v", vm.Repr(v), err)
	}
	return out
}

func TestScalarsRoundTrip(t *testing.T) {
	in := newInterp(t)
	values := []vm.Value{
		vm.Nil,
		vm.Absent,
		vm.True,
		vm.False,
		vm.Int(0),
		vm.Int(-7),
		vm.Int(math.MaxInt64),
		vm.Float(0),
		vm.Float(2.5),
		vm.Float(math.Inf(-1)),
		vm.Str(""),
		vm.Str("héllo"),
		vm.NewBytes([]byte{0, 1, 2}),
	}
	for _, c := range []Codec{NewDefault(in), NewFallback(in)} {
		for _, v := range values {
			if got := roundTrip(t, c, v); !vm.Equal(got, v) {
				t.Errorf("%T: %s came back as %s", c, vm.Repr(v), vm.Repr(got))
			}
		}
	}
}

func TestContainersRoundTrip(t *testing.T) {
	in := newInterp(t)
	m := vm.NewMap()
	m.Set("b", vm.Int(2))
	m.Set("a", vm.NewList(vm.Str("x"), vm.Nil))
	v := vm.NewList(vm.Int(1), m, vm.NewList())

	for _, c := range []Codec{NewDefault(in), NewFallback(in)} {
		got := roundTrip(t, c, v)
		if !vm.Equal(got, v) {
			t.Errorf("%T: got %s, want %s", c, got, v)
		}
		gm := got.(*vm.List).Items[1].(*vm.Map)
		if keys := gm.Keys(); len(keys) != 2 || keys[0] != "b" || keys[1] != "a" {
			t.Errorf("%T: map key order %v, want [b a]", c, keys)
		}
	}
}

func TestIteratorsAndErrors(t *testing.T) {
	in := newInterp(t)
	l := vm.NewList(vm.Int(1), vm.Int(2))
	it := &vm.ListIter{List: l, Index: 1}
	rg := &vm.RangeIter{Next: 3, Stop: 10, Step: 2}
	ev := &vm.ErrorValue{Kind: "ValueError", Message: "bad", Payload: vm.Int(9)}

	c := NewDefault(in)
	gotIt := roundTrip(t, c, it).(*vm.ListIter)
	if gotIt.Index != 1 || !vm.Equal(gotIt.List, l) {
		t.Errorf("list iterator = %+v", gotIt)
	}
	gotRg := roundTrip(t, c, rg).(*vm.RangeIter)
	if *gotRg != *rg {
		t.Errorf("range = %+v, want %+v", gotRg, rg)
	}
	gotEv := roundTrip(t, c, ev).(*vm.ErrorValue)
	if !vm.Equal(gotEv, ev) || !vm.Equal(gotEv.Payload, vm.Int(9)) {
		t.Errorf("error = %+v", gotEv)
	}
}

func TestCodeRoundTrip(t *testing.T) {
	u, err := compiler.Compile(`
func f(a) cells c
    try h
    load a
    store c
    endtry
    const 1.5
    return
h:
    pop
    const "x"
    return
end
`, "code.basm")
	if err != nil {
		t.Fatal(err)
	}
	code := u.Funcs["f"]
	got := roundTrip(t, NewDefault(nil), code).(*vm.Code)
	if got == code || got.ID() == code.ID() {
		t.Error("decoded code should be a new unit")
	}
	if got.QualName != code.QualName || got.Filename != code.Filename || got.StackSize != code.StackSize {
		t.Errorf("header = %+v", got)
	}
	if !bytes.Equal(got.Bytecode, code.Bytecode) {
		t.Error("bytecode differs")
	}
	if len(got.Handlers) != 1 || got.Handlers[0] != code.Handlers[0] {
		t.Errorf("handlers = %v, want %v", got.Handlers, code.Handlers)
	}
	if len(got.SlotKinds) != 2 || got.SlotKinds[1] != vm.SlotCell {
		t.Errorf("slot kinds = %v", got.SlotKinds)
	}
	if len(got.Consts) != len(code.Consts) {
		t.Fatalf("consts = %v, want %v", got.Consts, code.Consts)
	}
	for i := range got.Consts {
		if !vm.Equal(got.Consts[i], code.Consts[i]) {
			t.Errorf("const %d = %s, want %s", i, got.Consts[i], code.Consts[i])
		}
	}
	for ip := 0; ip < code.Units(); ip++ {
		if got.LineAt(ip) != code.LineAt(ip) {
			t.Errorf("LineAt(%d) = %d, want %d", ip, got.LineAt(ip), code.LineAt(ip))
		}
	}
}

const libSrc = `
module lib

func double(x)
    load x
    const 2
    mul
    return
end
`

func TestDefaultFunctionByReference(t *testing.T) {
	in := newInterp(t)
	lib, err := compiler.LoadModule(in, "lib", "lib.basm", libSrc)
	if err != nil {
		t.Fatal(err)
	}
	fn, _ := lib.Get("double")
	c := NewDefault(in)
	if got := roundTrip(t, c, fn); got != fn {
		t.Errorf("function reference resolved to %v, want the registered function", got)
	}
	pr, _ := in.LookupBuiltin("print")
	if got := roundTrip(t, c, pr); got != pr {
		t.Errorf("builtin resolved to %v", got)
	}

	b, err := c.Encode(fn)
	if err != nil {
		t.Fatal(err)
	}
	other := newInterp(t)
	if _, err := NewDefault(other).Decode(b); !errors.Is(err, ErrUnresolved) {
		t.Errorf("decode without lib err = %v, want ErrUnresolved", err)
	}
}

func TestDefaultRejects(t *testing.T) {
	in := newInterp(t)
	cyc := vm.NewList()
	cyc.Items = append(cyc.Items, cyc)

	anon := vm.NewModule("anon")
	u, err := compiler.Compile("func g()\n    const 1\n    return\nend\n", "g.basm")
	if err != nil {
		t.Fatal(err)
	}
	loose := vm.NewFunction(u.Funcs["g"], anon, nil)

	tests := []struct {
		name string
		v    vm.Value
	}{
		{"cycle", cyc},
		{"module", in.MainModule()},
		{"opaque", &vm.Opaque{Tag: "handle"}},
		{"unregistered function", loose},
	}
	for _, tc := range tests {
		if _, err := NewDefault(in).Encode(tc.v); !errors.Is(err, ErrUnsupported) {
			t.Errorf("%s: err = %v, want ErrUnsupported", tc.name, err)
		}
	}
}

func TestFallbackPreservesSharingAndCycles(t *testing.T) {
	in := newInterp(t)
	shared := vm.NewList(vm.Int(1))
	root := vm.NewList(shared, shared)
	root.Items = append(root.Items, root)

	got := roundTrip(t, NewFallback(in), root).(*vm.List)
	if len(got.Items) != 3 {
		t.Fatalf("items = %d", len(got.Items))
	}
	if got.Items[0] != got.Items[1] {
		t.Error("shared list decoded as two objects")
	}
	if got.Items[2] != got {
		t.Error("cycle not preserved")
	}
}

func TestFallbackClosureByValue(t *testing.T) {
	in := newInterp(t)
	_, err := compiler.ExecInto(in, in.MainModule(), "main.basm", `
func inner() free c
    load c
    return
end

func outer() cells c
    const 41
    store c
    closure c
    makefunc inner
    return
end

const 4
store g
load outer
call 0
store fn
`)
	if err != nil {
		t.Fatal(err)
	}
	fn, _ := in.MainModule().Get("fn")
	if _, err := NewDefault(in).Encode(fn); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("closure via default err = %v, want ErrUnsupported", err)
	}

	got := roundTrip(t, NewFallback(in), fn).(*vm.Function)
	if got == fn {
		t.Fatal("closure decoded to the same object")
	}
	if len(got.Closure) != 1 || !vm.Equal(got.Closure[0].Value, vm.Int(41)) {
		t.Errorf("closure = %v", got.Closure)
	}
	// __main__ travels by value: a copy of its globals at encode time.
	if got.Globals == in.MainModule() {
		t.Error("__main__ should be copied by value")
	}
	if g, _ := got.Globals.Get("g"); !vm.Equal(g, vm.Int(4)) {
		t.Errorf("copied g = %v, want 4", g)
	}
	if self, _ := got.Globals.Get("outer"); self.(*vm.Function).Globals != got.Globals {
		t.Error("functions in the copied module should point back at it")
	}

	v, err := in.Call(got)
	if err != nil || !vm.Equal(v, vm.Int(41)) {
		t.Errorf("call decoded closure = %v, %v", v, err)
	}
}

func TestFallbackRegisteredModuleByReference(t *testing.T) {
	in := newInterp(t)
	lib, err := compiler.LoadModule(in, "lib", "lib.basm", libSrc)
	if err != nil {
		t.Fatal(err)
	}
	fn, _ := lib.Get("double")
	got := roundTrip(t, NewFallback(in), fn).(*vm.Function)
	if got.Globals != lib {
		t.Error("registered module should decode to the live module")
	}

	detached := vm.NewModule("lib")
	detached.Set("k", vm.Int(1))
	detached.SetSource("module lib\n")
	gm := roundTrip(t, NewFallback(in), detached).(*vm.Module)
	if gm == lib || gm == detached {
		t.Fatal("unregistered module should decode by value")
	}
	if k, _ := gm.Get("k"); !vm.Equal(k, vm.Int(1)) {
		t.Errorf("k = %v", k)
	}
	if src, ok := gm.Source(); !ok || src != "module lib\n" {
		t.Errorf("source = %q, %v", src, ok)
	}
}

func TestFallbackModuleDropsOpaques(t *testing.T) {
	in := newInterp(t)
	mm := in.MainModule()
	mm.Set("k", vm.Int(3))
	mm.Set("h", &vm.Opaque{Tag: "snapshot"})

	gm := roundTrip(t, NewFallback(in), mm).(*vm.Module)
	if _, ok := gm.Get("h"); ok {
		t.Error("opaque global should be left unbound")
	}
	if k, _ := gm.Get("k"); !vm.Equal(k, vm.Int(3)) {
		t.Errorf("k = %v", k)
	}

	// Only direct bindings are dropped; nested opaques still fail.
	mm.Set("l", vm.NewList(&vm.Opaque{Tag: "snapshot"}))
	if _, err := NewFallback(in).Encode(mm); !errors.Is(err, ErrUnsupported) {
		t.Errorf("nested opaque err = %v, want ErrUnsupported", err)
	}
}

func TestChain(t *testing.T) {
	in := newInterp(t)
	c := Chain{Primary: NewDefault(in), Fallback: NewFallback(in)}

	b, err := c.Encode(vm.Int(3))
	if err != nil || b[0] != tagPrimary {
		t.Fatalf("scalar encoded with tag %d, err %v", b[0], err)
	}
	cyc := vm.NewList()
	cyc.Items = append(cyc.Items, cyc)
	b, err = c.Encode(cyc)
	if err != nil || b[0] != tagFallback {
		t.Fatalf("cycle encoded with tag %d, err %v", b[0], err)
	}
	got, err := c.Decode(b)
	if err != nil {
		t.Fatal(err)
	}
	if l := got.(*vm.List); l.Items[0] != l {
		t.Error("cycle lost through chain")
	}

	if _, err := (Chain{Primary: NewDefault(in)}).Encode(cyc); !errors.Is(err, ErrUnsupported) {
		t.Errorf("chain without fallback err = %v", err)
	}
	for _, bad := range [][]byte{nil, {7, 0}} {
		if _, err := c.Decode(bad); !errors.Is(err, ErrMalformed) {
			t.Errorf("Decode(%v) err = %v, want ErrMalformed", bad, err)
		}
	}
}

func TestMalformedInput(t *testing.T) {
	in := newInterp(t)
	inputs := [][]byte{
		{0xff},
		{0xa1, 0x01, 0x18, 0xc8}, // kind 200
	}
	for _, c := range []Codec{NewDefault(in), NewFallback(in)} {
		for _, b := range inputs {
			if _, err := c.Decode(b); !errors.Is(err, ErrMalformed) {
				t.Errorf("%T.Decode(%x) err = %v, want ErrMalformed", c, b, err)
			}
		}
	}
}

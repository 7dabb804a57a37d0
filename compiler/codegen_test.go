package compiler

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/chazu/brine/vm"
)

// exec compiles src into a fresh interpreter's __main__ and runs it.
func exec(t *testing.T, src string) (*vm.Interp, vm.Value) {
	t.Helper()
	in := vm.NewInterp(vm.Config{Stdout: &bytes.Buffer{}})
	v, err := ExecInto(in, in.MainModule(), "test.basm", src)
	if err != nil {
		t.Fatalf("exec: %v", err)
	}
	return in, v
}

func global(t *testing.T, in *vm.Interp, name string) vm.Value {
	t.Helper()
	v, ok := in.MainModule().Get(name)
	if !ok {
		t.Fatalf("global %s not set", name)
	}
	return v
}

func TestCompileArithmetic(t *testing.T) {
	tests := []struct {
		src  string
		want vm.Value
	}{
		{"const 2\nconst 3\nadd\nstore r", vm.Int(5)},
		{"const 7\nconst 2\nsub\nstore r", vm.Int(5)},
		{"const 6\nconst 7\nmul\nstore r", vm.Int(42)},
		{"const 7\nconst 2\nmod\nstore r", vm.Int(1)},
		{"const 1.5\nconst 2\nmul\nstore r", vm.Float(3)},
		{"const \"a\"\nconst \"b\"\nadd\nstore r", vm.Str("ab")},
		{"const 1\nconst 2\nlt\nstore r", vm.True},
		{"const true\nnot\nstore r", vm.False},
	}

	for _, tc := range tests {
		in, _ := exec(t, tc.src)
		if got := global(t, in, "r"); !vm.Equal(got, tc.want) {
			t.Errorf("%q: r = %s, want %s", tc.src, vm.Repr(got), vm.Repr(tc.want))
		}
	}
}

func TestCompileFunctionCall(t *testing.T) {
	src := `
func add(a, b)
    load a
    load b
    add
    return
end

load add
const 2
const 3
call 2
store result
`
	in, _ := exec(t, src)
	if got := global(t, in, "result"); !vm.Equal(got, vm.Int(5)) {
		t.Errorf("result = %s, want 5", vm.Repr(got))
	}
}

func TestCompileLoop(t *testing.T) {
	src := `
func sum(n)
    const 0
    store total
    load range
    load n
    call 1
    iter
loop:
    foreach done
    load total
    add
    store total
    jump loop
done:
    load total
    return
end

load sum
const 5
call 1
store r
`
	in, _ := exec(t, src)
	if got := global(t, in, "r"); !vm.Equal(got, vm.Int(10)) {
		t.Errorf("r = %s, want 10", vm.Repr(got))
	}
	code := global(t, in, "sum").(*vm.Function).Code
	if code.StackSize != 3 {
		t.Errorf("StackSize = %d, want 3", code.StackSize)
	}
	if got := code.SlotNames; len(got) != 2 || got[0] != "n" || got[1] != "total" {
		t.Errorf("SlotNames = %v, want [n total]", got)
	}
}

func TestCompileTryCatch(t *testing.T) {
	src := `
func safe()
    const 10
    try handler
    const 1
    const 0
    div
    endtry
    return
handler:
    attr kind
    return
end

load safe
call 0
store r
`
	in, _ := exec(t, src)
	if got := global(t, in, "r"); !vm.Equal(got, vm.Str("ZeroDivisionError")) {
		t.Errorf("r = %s, want ZeroDivisionError", vm.Repr(got))
	}
	code := global(t, in, "safe").(*vm.Function).Code
	if len(code.Handlers) != 1 {
		t.Fatalf("handlers = %v, want one", code.Handlers)
	}
	if h := code.Handlers[0]; h.Depth != 1 {
		t.Errorf("handler depth = %d, want 1", h.Depth)
	}
}

func TestCompileClosure(t *testing.T) {
	src := `
func inner() free c
    load c
    const 1
    add
    return
end

func outer() cells c
    const 41
    store c
    closure c
    makefunc inner
    call 0
    return
end

load outer
call 0
store r
`
	in, _ := exec(t, src)
	if got := global(t, in, "r"); !vm.Equal(got, vm.Int(42)) {
		t.Errorf("r = %s, want 42", vm.Repr(got))
	}
	if _, ok := in.MainModule().Get("inner"); ok {
		t.Error("functions with free variables should not be bound at module level")
	}
}

func TestCompileUnboundLocal(t *testing.T) {
	src := `
func f()
    const 1
    store x
    delete x
    load x
    return
end
load f
call 0
`
	in := vm.NewInterp(vm.Config{})
	_, err := ExecInto(in, in.MainModule(), "t", src)
	var ev *vm.ErrorValue
	if !errors.As(err, &ev) || ev.Kind != "UnboundLocalError" {
		t.Errorf("err = %v, want UnboundLocalError", err)
	}
}

func TestCompileConstsAreDeduplicated(t *testing.T) {
	u, err := Compile("const 1\nconst 1\nconst \"1\"\nadd\nadd\npop", "t")
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	// 1, "1", and the implicit nil.
	if n := len(u.Code.Consts); n != 3 {
		t.Errorf("consts = %v, want 3 entries", u.Code.Consts)
	}
}

func TestCompileWideJump(t *testing.T) {
	var sb strings.Builder
	sb.WriteString("jump end\n")
	for i := 0; i < 300; i++ {
		sb.WriteString("nop\n")
	}
	sb.WriteString("end:\nconst 1\nstore r\n")
	u, err := Compile(sb.String(), "t")
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	ins, err := vm.Decode(u.Code.Bytecode)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if ins[0].Op != vm.OpJump || ins[0].Size() != 2 {
		t.Fatalf("first instruction = %+v, want a 2-unit JUMP", ins[0])
	}
	target := ins[0].Arg
	found := false
	for _, in := range ins {
		if in.Start == target && in.Op == vm.OpLoadConst {
			found = true
		}
	}
	if !found {
		t.Errorf("jump target %d is not the LOAD_CONST after the label", target)
	}
}

func TestCompileLineTable(t *testing.T) {
	u, err := Compile("nop\n\nconst 1\npop\n", "t")
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	c := u.Code
	if got := c.LineAt(0); got != 1 {
		t.Errorf("LineAt(0) = %d, want 1", got)
	}
	if got := c.LineAt(1); got != 3 {
		t.Errorf("LineAt(1) = %d, want 3", got)
	}
	if got := c.LineAt(2); got != 4 {
		t.Errorf("LineAt(2) = %d, want 4", got)
	}
}

func TestCompileErrors(t *testing.T) {
	tests := []struct {
		name string
		src  string
	}{
		{"unknown instruction", "frobnicate\n"},
		{"undefined label", "jump nowhere\n"},
		{"duplicate label", "a:\na:\nnop\n"},
		{"wrong arity", "add 1\n"},
		{"bad const", "const (\n"},
		{"count not integer", "call x\n"},
		{"try without endtry", "try h\nh:\nnop\n"},
		{"endtry without try", "endtry\n"},
		{"unknown func", "makefunc nope\n"},
		{"closure of local", "func f() locals x\nclosure x\nend\n"},
		{"inconsistent depth", "const 1\njumpif a\nconst 2\na:\nnop\n"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Compile(tc.src, "t")
			if err == nil {
				t.Fatal("expected an error")
			}
		})
	}
}

func TestLoadModule(t *testing.T) {
	in := vm.NewInterp(vm.Config{})
	src := "module lib\nconst 3\nstore three\n"
	m, err := LoadModule(in, "lib", "lib.basm", src)
	if err != nil {
		t.Fatalf("LoadModule: %v", err)
	}
	if got, _ := m.Get("three"); !vm.Equal(got, vm.Int(3)) {
		t.Errorf("three = %v, want 3", got)
	}
	if s, ok := m.Source(); !ok || s != src {
		t.Error("source not recorded")
	}
	if f, ok := m.File(); !ok || f != "lib.basm" {
		t.Errorf("__file__ = %q, want lib.basm", f)
	}
	if reg, ok := in.LookupModule("lib"); !ok || reg != m {
		t.Error("module not registered")
	}

	if _, err := LoadModule(in, "broken", "b", "const 1\nconst 0\ndiv\n"); err == nil {
		t.Fatal("expected an error")
	}
	if _, ok := in.LookupModule("broken"); ok {
		t.Error("failed module left registered")
	}
	if _, err := LoadModule(in, "other", "o", "module lib\n"); err == nil {
		t.Error("expected a module name mismatch")
	}
}

func TestNameTableShared(t *testing.T) {
	src := `
func bump()
    loadg counter
    const 1
    add
    storeg counter
    loadg counter
    return
end

const 0
store counter
`
	unit, err := Compile(src, "names.basm")
	if err != nil {
		t.Fatal(err)
	}
	code := unit.Funcs["bump"]
	if len(code.Names) != 1 || code.Names[0] != "counter" {
		t.Errorf("bump names = %v, want [counter]", code.Names)
	}
	if code.Name != "bump" || code.QualName != "bump" {
		t.Errorf("code named %q/%q", code.Name, code.QualName)
	}
	// The module body binds bump and counter as globals.
	if len(unit.Code.Names) != 2 {
		t.Errorf("module names = %v", unit.Code.Names)
	}
}

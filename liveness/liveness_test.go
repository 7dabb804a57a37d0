package liveness

import (
	"errors"
	"slices"
	"testing"

	"github.com/chazu/brine/compiler"
	"github.com/chazu/brine/vm"
)

func compileFunc(t *testing.T, src, name string) *vm.Code {
	t.Helper()
	u, err := compiler.Compile(src, "t.basm")
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	code, ok := u.Funcs[name]
	if !ok {
		t.Fatalf("func %s not compiled", name)
	}
	return code
}

// offsetOf returns the byte offset of the n-th instruction with op.
func offsetOf(t *testing.T, code *vm.Code, op vm.Opcode, n int) int {
	t.Helper()
	ins, err := vm.Decode(code.Bytecode)
	if err != nil {
		t.Fatal(err)
	}
	for _, in := range ins {
		if in.Op == op {
			if n == 0 {
				return in.Start * vm.UnitSize
			}
			n--
		}
	}
	t.Fatalf("no %s #%d in %s", op, n, code.QualName)
	return 0
}

func TestDeadAfterLastUse(t *testing.T) {
	code := compileFunc(t, `
func f(x, y)
    load x
    pop
    load snap
    call 0
    pop
    load y
    return
end
`, "f")
	a, err := New(0)
	if err != nil {
		t.Fatal(err)
	}
	dead, err := a.DeadVariablesAt(code, offsetOf(t, code, vm.OpCall, 0))
	if err != nil {
		t.Fatalf("DeadVariablesAt: %v", err)
	}
	if !slices.Equal(dead, []string{"x"}) {
		t.Errorf("dead = %v, want [x]", dead)
	}

	dead, _ = a.DeadVariablesAt(code, 0)
	if len(dead) != 0 {
		t.Errorf("at entry dead = %v, want none", dead)
	}
}

func TestOverwrittenIsDead(t *testing.T) {
	code := compileFunc(t, `
func f(a)
    load snap
    call 0
    pop
    const 1
    store a
    load a
    return
end
`, "f")
	a, _ := New(4)
	dead, err := a.DeadVariablesAt(code, offsetOf(t, code, vm.OpCall, 0))
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(dead, []string{"a"}) {
		t.Errorf("dead = %v, want [a]", dead)
	}
}

func TestLoopKeepsVariablesLive(t *testing.T) {
	code := compileFunc(t, `
func f(n)
    const 0
    store i
top:
    load snap
    call 0
    pop
    load i
    load n
    lt
    jumpifnot out
    load i
    const 1
    add
    store i
    jump top
out:
    const nil
    return
end
`, "f")
	a, _ := New(4)
	dead, err := a.DeadVariablesAt(code, offsetOf(t, code, vm.OpCall, 0))
	if err != nil {
		t.Fatal(err)
	}
	if len(dead) != 0 {
		t.Errorf("dead = %v, want none inside the loop", dead)
	}
	dead, _ = a.DeadVariablesAt(code, offsetOf(t, code, vm.OpReturnValue, 0))
	if !slices.Equal(dead, []string{"n", "i"}) {
		t.Errorf("at return dead = %v, want [n i]", dead)
	}
}

func TestHandlerEdgesKeepVariablesLive(t *testing.T) {
	code := compileFunc(t, `
func f(v)
    try h
    load snap
    call 0
    pop
    endtry
    const nil
    return
h:
    pop
    load v
    return
end
`, "f")
	a, _ := New(4)
	dead, err := a.DeadVariablesAt(code, offsetOf(t, code, vm.OpCall, 0))
	if err != nil {
		t.Fatal(err)
	}
	if len(dead) != 0 {
		t.Errorf("dead = %v, want v live through the handler", dead)
	}
}

func TestCellsNeverDead(t *testing.T) {
	code := compileFunc(t, `
func f() cells c
    load snap
    call 0
    return
end
`, "f")
	a, _ := New(4)
	dead, err := a.DeadVariablesAt(code, offsetOf(t, code, vm.OpCall, 0))
	if err != nil {
		t.Fatal(err)
	}
	if len(dead) != 0 {
		t.Errorf("dead = %v, want none", dead)
	}
}

func TestBadOffset(t *testing.T) {
	code := compileFunc(t, "func f()\n    const 1000\n    return\nend\n", "f")
	a, _ := New(4)
	for _, off := range []int{1, 1000} {
		if _, err := a.DeadVariablesAt(code, off); !errors.Is(err, ErrNotInstruction) {
			t.Errorf("offset %d err = %v, want ErrNotInstruction", off, err)
		}
	}
}

func TestCacheReuse(t *testing.T) {
	code := compileFunc(t, "func f(a)\n    load a\n    return\nend\n", "f")
	a, _ := New(1)
	if _, err := a.DeadVariablesAt(code, 0); err != nil {
		t.Fatal(err)
	}
	if !a.cache.Contains(code.ID()) {
		t.Error("result not cached")
	}
	a.Forget(code)
	if a.cache.Contains(code.ID()) {
		t.Error("Forget left the result cached")
	}
}

package vm_test

import (
	"bytes"
	"errors"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/chazu/brine/compiler"
	"github.com/chazu/brine/vm"
)

func newInterp(t *testing.T, cfg vm.Config) (*vm.Interp, *bytes.Buffer) {
	t.Helper()
	out := &bytes.Buffer{}
	cfg.Stdout = out
	return vm.NewInterp(cfg), out
}

func run(t *testing.T, in *vm.Interp, src string) vm.Value {
	t.Helper()
	v, err := compiler.ExecInto(in, in.MainModule(), "test.basm", src)
	if err != nil {
		t.Fatalf("exec: %v", err)
	}
	return v
}

func global(t *testing.T, in *vm.Interp, name string) vm.Value {
	t.Helper()
	v, ok := in.MainModule().Get(name)
	if !ok {
		t.Fatalf("global %s not set", name)
	}
	return v
}

func TestRecursion(t *testing.T) {
	for _, layout := range []vm.Layout{vm.LayoutV1{}, vm.LayoutV2{}} {
		t.Run(layout.Name(), func(t *testing.T) {
			in, _ := newInterp(t, vm.Config{Layout: layout})
			run(t, in, `
func fact(n)
    load n
    const 2
    lt
    jumpifnot rec
    const 1
    return
rec:
    load n
    load fact
    load n
    const 1
    sub
    call 1
    mul
    return
end

load fact
const 10
call 1
store r
`)
			if got := global(t, in, "r"); !vm.Equal(got, vm.Int(3628800)) {
				t.Errorf("r = %s, want 3628800", vm.Repr(got))
			}
			th := in.MainThread()
			if s := th.DataStack().Stats(); s.InUse != 0 || s.Allocs != s.Frees {
				t.Errorf("data stack leaked: %+v", s)
			}
			if th.Top() != nil {
				t.Errorf("top frame %v left after run", th.Top())
			}
		})
	}
}

func TestBuiltins(t *testing.T) {
	in, out := newInterp(t, vm.Config{})
	run(t, in, `
const 1
const 2
list 2
store l
load append
load l
const "three"
call 2
pop
load print
load len
load l
call 1
load l
call 2
pop
const "k"
const 9
map 1
store m
load keys
load m
call 1
store ks
load bytes
const 3
const 7
call 2
store b
load b
const 1
index
store b1
`)
	if got := strings.TrimSpace(out.String()); got != `3 [1, 2, "three"]` {
		t.Errorf("print output = %q", got)
	}
	if got := global(t, in, "ks"); !vm.Equal(got, vm.NewList(vm.Str("k"))) {
		t.Errorf("ks = %s", vm.Repr(got))
	}
	if got := global(t, in, "b1"); !vm.Equal(got, vm.Int(7)) {
		t.Errorf("b1 = %s", vm.Repr(got))
	}
}

func TestRaiseEscapes(t *testing.T) {
	in, _ := newInterp(t, vm.Config{})
	_, err := compiler.ExecInto(in, in.MainModule(), "t", `
func boom()
    load error
    const "ValueError"
    const "bad"
    call 2
    raise
end
load boom
call 0
`)
	var ev *vm.ErrorValue
	if !errors.As(err, &ev) || ev.Kind != "ValueError" || ev.Message != "bad" {
		t.Fatalf("err = %v, want ValueError: bad", err)
	}
	if s := in.MainThread().DataStack().Stats(); s.InUse != 0 {
		t.Errorf("frames leaked after raise: %+v", s)
	}
}

func TestHandlerCatchesCalleeError(t *testing.T) {
	in, _ := newInterp(t, vm.Config{})
	run(t, in, `
func inner()
    const 1
    const 0
    div
    return
end

func outer()
    try caught
    load inner
    call 0
    endtry
    return
caught:
    attr message
    return
end

load outer
call 0
store r
`)
	if got := global(t, in, "r"); !strings.Contains(got.String(), "division by zero") {
		t.Errorf("r = %s", vm.Repr(got))
	}
}

func TestFrameAllocationFailure(t *testing.T) {
	in, _ := newInterp(t, vm.Config{StackSlots: 16})
	_, err := compiler.ExecInto(in, in.MainModule(), "t", `
func down(n)
    load down
    load n
    const 1
    add
    call 1
    return
end
load down
const 0
call 1
`)
	if !errors.Is(err, vm.ErrFrameAllocation) {
		t.Fatalf("err = %v, want ErrFrameAllocation", err)
	}
	var ev *vm.ErrorValue
	if !errors.As(err, &ev) || ev.Kind != "MemoryError" {
		t.Errorf("err = %v, want a MemoryError value", err)
	}
	if s := in.MainThread().DataStack().Stats(); s.InUse != 0 {
		t.Errorf("frames leaked: %+v", s)
	}
}

func TestYieldOutsideFiber(t *testing.T) {
	in, _ := newInterp(t, vm.Config{})
	_, err := compiler.ExecInto(in, in.MainModule(), "t", "const 1\nyield\n")
	if !errors.Is(err, vm.ErrYieldOutsideFiber) {
		t.Errorf("err = %v, want ErrYieldOutsideFiber", err)
	}
}

func TestBuiltinSeesCallingFrame(t *testing.T) {
	in, _ := newInterp(t, vm.Config{})
	var seen *vm.Frame
	var ip int
	in.DefineBuiltin("peek", func(th *vm.Thread, args []vm.Value) (vm.Value, error) {
		seen = th.Top()
		ip = seen.IP
		return vm.Nil, nil
	})
	run(t, in, `
func f(a)
    load peek
    call 0
    return
end
load f
const 5
call 1
pop
`)
	if seen == nil || seen.Code.Name != "f" {
		t.Fatalf("builtin saw frame %v, want f", seen)
	}
	ins, err := vm.DecodeAt(seen.Code.Bytecode, ip)
	if err != nil || ins.Op != vm.OpCall {
		t.Errorf("IP %d is at %v, want the CALL", ip, ins.Op)
	}
}

func TestExecutionLock(t *testing.T) {
	in, _ := newInterp(t, vm.Config{})
	var active, overlaps, unlocked atomic.Int32
	in.DefineBuiltin("busy", func(th *vm.Thread, args []vm.Value) (vm.Value, error) {
		if !in.Locked() {
			unlocked.Add(1)
		}
		if active.Add(1) > 1 {
			overlaps.Add(1)
		}
		runtime.Gosched()
		active.Add(-1)
		return vm.Nil, nil
	})
	run(t, in, `
func f()
    load busy
    call 0
    return
end
`)
	if in.Locked() {
		t.Fatal("lock held after Exec returned")
	}
	f := global(t, in, "f")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				if _, err := in.Call(f); err != nil {
					t.Error(err)
					return
				}
			}
		}()
	}
	wg.Wait()
	if n := unlocked.Load(); n != 0 {
		t.Errorf("builtin ran %d times without the execution lock", n)
	}
	if n := overlaps.Load(); n != 0 {
		t.Errorf("%d overlapping runs", n)
	}

	if err := in.Do(func() error {
		_, err := in.MainThread().Call(f)
		return err
	}); err != nil {
		t.Fatal(err)
	}
}

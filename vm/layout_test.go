package vm

import (
	"errors"
	"testing"
)

func testCode(t *testing.T, slots, stack int) *Code {
	t.Helper()
	names := make([]string, slots)
	kinds := make([]SlotKind, slots)
	for i := range names {
		names[i] = string(rune('a' + i))
		kinds[i] = SlotLocal
	}
	b := NewBytecodeBuilder()
	b.Emit(OpLoadConst, 0)
	b.Emit(OpReturnValue, 0)
	code, err := NewCode(CodeParams{
		Name:      "t",
		StackSize: stack,
		SlotNames: names,
		SlotKinds: kinds,
		Consts:    []Value{Nil},
		Bytecode:  b.Bytes(),
	})
	if err != nil {
		t.Fatalf("NewCode: %v", err)
	}
	return code
}

func TestLayouts(t *testing.T) {
	for _, layout := range []Layout{LayoutV1{}, LayoutV2{}} {
		t.Run(layout.Name(), func(t *testing.T) {
			heap := NewHeapAllocator(0)
			code := testCode(t, 3, 2)

			f, err := layout.NewFrame(heap, code)
			if err != nil {
				t.Fatalf("NewFrame: %v", err)
			}
			if len(f.Slots()) != 3 || f.Depth() != 0 {
				t.Fatalf("frame has %d slots at depth %d", len(f.Slots()), f.Depth())
			}
			for i, v := range f.Slots() {
				if v != nil {
					t.Errorf("slot %d = %v, want empty", i, v)
				}
			}
			if err := f.Push(Int(1)); err != nil {
				t.Fatal(err)
			}
			if err := f.Push(Int(2)); err != nil {
				t.Fatal(err)
			}
			if err := f.Push(Int(3)); !errors.Is(err, ErrStackOverflow) {
				t.Errorf("third push err = %v, want ErrStackOverflow", err)
			}
			// The stack must not alias the slots.
			f.SetSlot(2, Str("z"))
			if v, _ := f.Pop(); v != Int(2) {
				t.Errorf("pop = %v, want 2", v)
			}
			if f.Slot(2) != Str("z") {
				t.Error("slot clobbered by stack")
			}

			if heap.Stats().InUse != 5 {
				t.Errorf("InUse = %d, want 5", heap.Stats().InUse)
			}
			if !layout.FreeFrame(heap, f) {
				t.Fatal("FreeFrame reported no backing")
			}
			if layout.FreeFrame(heap, f) {
				t.Error("second FreeFrame should report false")
			}
			if s := heap.Stats(); s.InUse != 0 || s.Allocs != s.Frees {
				t.Errorf("stats after free = %+v", s)
			}
		})
	}
}

func TestLayoutLookup(t *testing.T) {
	for _, tt := range []struct {
		name    string
		version int
	}{{"v1", 1}, {"unified", 1}, {"", 1}, {"v2", 2}, {"split", 2}} {
		l, err := LayoutByName(tt.name)
		if err != nil || l.Version() != tt.version {
			t.Errorf("LayoutByName(%q) = %v, %v", tt.name, l, err)
		}
	}
	if _, err := LayoutByName("v9"); err == nil {
		t.Error("unknown layout name should fail")
	}
}

func TestHeapBudget(t *testing.T) {
	heap := NewHeapAllocator(4)
	a, err := heap.Alloc(3)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := heap.Alloc(2); !errors.Is(err, ErrFrameAllocation) {
		t.Errorf("err = %v, want ErrFrameAllocation", err)
	}
	heap.Free(a)
	if _, err := heap.Alloc(4); err != nil {
		t.Errorf("after free: %v", err)
	}
}

func TestDataStackLIFO(t *testing.T) {
	d := NewDataStack(8)
	a, _ := d.Alloc(3)
	b, _ := d.Alloc(4)
	if _, err := d.Alloc(2); !errors.Is(err, ErrFrameAllocation) {
		t.Errorf("overflow err = %v", err)
	}
	a[0] = Int(1)
	b[0] = Int(2)
	if a[0] != Int(1) {
		t.Error("blocks overlap")
	}

	func() {
		defer func() {
			if recover() == nil {
				t.Error("out-of-order free should panic")
			}
		}()
		d.Free(a)
	}()

	d.Free(b)
	d.Free(a)
	if s := d.Stats(); s.InUse != 0 || s.Allocs != 2 || s.Frees != 2 {
		t.Errorf("stats = %+v", s)
	}
}

func TestFrameInstrOffset(t *testing.T) {
	heap := NewHeapAllocator(0)
	f, err := LayoutV1{}.NewFrame(heap, testCode(t, 0, 1))
	if err != nil {
		t.Fatal(err)
	}
	if err := f.SetInstrOffset(2); err != nil || f.IP != 1 || f.InstrOffset() != 2 {
		t.Errorf("SetInstrOffset(2): ip=%d err=%v", f.IP, err)
	}
	for _, off := range []int{1, -2, 4, 100} {
		if err := f.SetInstrOffset(off); !errors.Is(err, ErrBadOffset) {
			t.Errorf("SetInstrOffset(%d) err = %v, want ErrBadOffset", off, err)
		}
	}
	if err := f.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestLocalsSnapshot(t *testing.T) {
	code, err := NewCode(CodeParams{
		Name:      "f",
		SlotNames: []string{"a", "b", "c", "d"},
		SlotKinds: []SlotKind{SlotLocal, SlotLocal, SlotCell, SlotFree},
		Bytecode:  []byte{byte(OpNOP), 0},
	})
	if err != nil {
		t.Fatal(err)
	}
	f, err := LayoutV2{}.NewFrame(NewHeapAllocator(0), code)
	if err != nil {
		t.Fatal(err)
	}
	f.SetSlot(0, Int(1))
	f.SetSlot(2, &Cell{Value: Str("c")})
	f.SetSlot(3, &Cell{})
	m := f.LocalsSnapshot()
	if m.Len() != 2 {
		t.Fatalf("snapshot = %s, want a and c", m)
	}
	if v, _ := m.Get("c"); v != Str("c") {
		t.Errorf("c = %v, want cell contents", v)
	}
}

package vm

import (
	"errors"
	"fmt"

	"github.com/chazu/brine/ref"
)

var (
	ErrStackOverflow  = errors.New("vm: operand stack overflow")
	ErrStackUnderflow = errors.New("vm: operand stack underflow")
	ErrBadOffset      = errors.New("vm: instruction offset out of range")
)

// Owner says who is responsible for releasing a frame.
type Owner uint8

const (
	OwnerThread Owner = 0 // lives on a thread's data stack
	OwnerFiber  Owner = 1 // lives on a suspended fiber's data stack
	OwnerHeap   Owner = 2 // detached, heap allocated
)

func (o Owner) String() string {
	switch o {
	case OwnerThread:
		return "thread"
	case OwnerFiber:
		return "fiber"
	case OwnerHeap:
		return "heap"
	}
	return fmt.Sprintf("owner(%d)", uint8(o))
}

// Valid reports whether o is a known owner tag.
func (o Owner) Valid() bool { return o <= OwnerHeap }

// ---------------------------------------------------------------------------
// Frame: one activation record
// ---------------------------------------------------------------------------

// Frame is one activation of a code unit. IP is a unit index that points at
// the first unit of the instruction being executed; while a call or yield
// is in progress it stays on that instruction.
type Frame struct {
	Code     *Code
	Func     *Function
	Globals  *Module
	Builtins *Module
	Locals   *Map // optional direct-access namespace

	IP           int
	ReturnOffset int // units the caller advances by when this frame returns
	Owner        Owner

	Previous *Frame

	slots   []Value
	stack   []Value
	sp      int
	backing [][]Value
	thread  ref.Weak[Thread]
}

func (f *Frame) String() string {
	return fmt.Sprintf("<frame %s ip=%d depth=%d>", f.Code.QualName, f.IP, f.sp)
}

// Slots returns the locals-plus array. Entries may be nil (unbound).
func (f *Frame) Slots() []Value { return f.slots }

// Slot returns slot i.
func (f *Frame) Slot(i int) Value { return f.slots[i] }

// SetSlot stores v in slot i.
func (f *Frame) SetSlot(i int, v Value) { f.slots[i] = v }

// Stack returns the live portion of the operand stack, bottom first.
func (f *Frame) Stack() []Value { return f.stack[:f.sp] }

// Depth returns the live stack depth.
func (f *Frame) Depth() int { return f.sp }

// Push pushes v onto the operand stack.
func (f *Frame) Push(v Value) error {
	if f.sp >= len(f.stack) {
		return fmt.Errorf("%w: %s at depth %d", ErrStackOverflow, f.Code.QualName, f.sp)
	}
	f.stack[f.sp] = v
	f.sp++
	return nil
}

// Pop removes and returns the top of stack.
func (f *Frame) Pop() (Value, error) {
	if f.sp == 0 {
		return nil, fmt.Errorf("%w: %s", ErrStackUnderflow, f.Code.QualName)
	}
	f.sp--
	v := f.stack[f.sp]
	f.stack[f.sp] = nil
	return v, nil
}

func (f *Frame) push(v Value) {
	if f.sp >= len(f.stack) {
		panic(fmt.Errorf("%w: %s at depth %d", ErrStackOverflow, f.Code.QualName, f.sp))
	}
	f.stack[f.sp] = v
	f.sp++
}

func (f *Frame) pop() Value {
	if f.sp == 0 {
		panic(fmt.Errorf("%w: %s", ErrStackUnderflow, f.Code.QualName))
	}
	f.sp--
	v := f.stack[f.sp]
	f.stack[f.sp] = nil
	return v
}

func (f *Frame) peek() Value {
	if f.sp == 0 {
		panic(fmt.Errorf("%w: %s", ErrStackUnderflow, f.Code.QualName))
	}
	return f.stack[f.sp-1]
}

func (f *Frame) truncate(depth int) {
	for f.sp > depth {
		f.sp--
		f.stack[f.sp] = nil
	}
}

// HasBacking reports whether the frame still holds backing memory.
func (f *Frame) HasBacking() bool { return f.backing != nil }

// InstrOffset returns the instruction pointer as a byte offset.
func (f *Frame) InstrOffset() int { return f.IP * UnitSize }

// SetInstrOffset sets the instruction pointer from a byte offset.
func (f *Frame) SetInstrOffset(off int) error {
	if off%UnitSize != 0 || off < 0 || off/UnitSize >= f.Code.Units() {
		return fmt.Errorf("%w: byte offset %d in %s (%d units)", ErrBadOffset, off, f.Code.QualName, f.Code.Units())
	}
	f.IP = off / UnitSize
	return nil
}

// Line returns the source line of the current instruction.
func (f *Frame) Line() int { return f.Code.LineAt(f.IP) }

// Thread returns the thread this frame runs on, if it is still alive.
func (f *Frame) Thread() *Thread { return f.thread.Get() }

// AttachThread records th as the frame's owning thread.
func (f *Frame) AttachThread(th *Thread) { f.thread = ref.MakeWeak(th) }

// Validate checks the frame invariants: IP inside the bytecode, stack depth
// within the declared maximum, slot array sized to the code unit.
func (f *Frame) Validate() error {
	if f.Code == nil {
		return fmt.Errorf("%w: frame without code", ErrBadCode)
	}
	if f.IP < 0 || f.IP >= f.Code.Units() {
		return fmt.Errorf("%w: ip %d in %s (%d units)", ErrBadOffset, f.IP, f.Code.QualName, f.Code.Units())
	}
	if f.sp > f.Code.StackSize {
		return fmt.Errorf("%w: depth %d exceeds %d", ErrStackOverflow, f.sp, f.Code.StackSize)
	}
	if len(f.slots) != f.Code.NLocalsPlus() {
		return fmt.Errorf("%w: %d slots for %d names", ErrBadCode, len(f.slots), f.Code.NLocalsPlus())
	}
	return nil
}

// CurrentInstruction decodes the instruction at IP.
func (f *Frame) CurrentInstruction() (Instruction, error) {
	return DecodeAt(f.Code.Bytecode, f.IP)
}

// LocalsSnapshot materializes the bound locals as a name to value map.
// Cell and free slots contribute their contents.
func (f *Frame) LocalsSnapshot() *Map {
	m := NewMap()
	for i, v := range f.slots {
		if v == nil || v == Absent {
			continue
		}
		if f.Code.SlotKinds[i] != SlotLocal {
			c, ok := v.(*Cell)
			if !ok || c.Value == nil {
				continue
			}
			v = c.Value
		}
		m.Set(f.Code.SlotNames[i], v)
	}
	return m
}

package vm

import (
	"errors"
	"fmt"
)

var (
	ErrFiberDead         = errors.New("vm: fiber is dead")
	ErrFiberRunning      = errors.New("vm: fiber is already running")
	ErrFiberNotSuspended = errors.New("vm: fiber is not suspended")
)

// FiberState tracks a fiber through its life.
type FiberState int

const (
	FiberNew FiberState = iota
	FiberSuspended
	FiberRunning
	FiberDead
	FiberDetached
)

var fiberStateNames = [...]string{"new", "suspended", "running", "dead", "detached"}

func (s FiberState) String() string {
	if int(s) < len(fiberStateNames) {
		return fiberStateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// ---------------------------------------------------------------------------
// Fiber: cooperative unit of suspended execution
// ---------------------------------------------------------------------------

// Fiber runs a function on its own thread. Switch transfers control into
// the fiber until it yields or returns; nothing runs concurrently.
type Fiber struct {
	interp *Interp
	fn     *Function
	th     *Thread
	entry  *Frame
	state  FiberState
}

// NewFiber creates a fiber that will call fn on its first Switch.
func (in *Interp) NewFiber(fn *Function) *Fiber {
	fb := &Fiber{interp: in, fn: fn, th: in.NewThread()}
	fb.th.fiber = fb
	return fb
}

// FiberTag tags the Opaque that carries a fiber through interpreted code.
const FiberTag = "fiber"

// Value wraps fb for interpreted code.
func (fb *Fiber) Value() *Opaque { return &Opaque{Tag: FiberTag, Data: fb} }

// FiberOf unwraps a fiber passed in from interpreted code.
func FiberOf(v Value) (*Fiber, bool) {
	o, ok := v.(*Opaque)
	if !ok || o.Tag != FiberTag {
		return nil, false
	}
	fb, ok := o.Data.(*Fiber)
	return fb, ok
}

// State returns the fiber's state.
func (fb *Fiber) State() FiberState { return fb.state }

// Thread returns the fiber's private thread.
func (fb *Fiber) Thread() *Thread { return fb.th }

// Switch runs the fiber until it yields or returns. On the first switch
// args are the function's arguments; afterwards the first arg (or nil) is
// the value the pending yield evaluates to. The yielded or returned value
// is returned.
func (fb *Fiber) Switch(args ...Value) (Value, error) {
	var (
		v         Value
		suspended bool
		err       error
	)
	switch fb.state {
	case FiberNew:
		f, ferr := fb.th.newFrame(fb.fn, args)
		if ferr != nil {
			return nil, ferr
		}
		fb.entry = f
		fb.state = FiberRunning
		v, suspended, err = fb.th.runEntry(f)
	case FiberSuspended:
		sent := Nil
		if len(args) > 0 {
			sent = args[0]
		}
		fb.state = FiberRunning
		v, suspended, err = fb.th.resume(fb.entry, sent)
	case FiberRunning:
		return nil, ErrFiberRunning
	default:
		return nil, fmt.Errorf("%w (%s)", ErrFiberDead, fb.state)
	}
	if suspended {
		fb.state = FiberSuspended
		return v, nil
	}
	fb.state = FiberDead
	fb.entry = nil
	return v, err
}

// Frame returns the suspended frame on top of the fiber's stack, or nil
// when the fiber is not suspended.
func (fb *Fiber) Frame() *Frame {
	if fb.state != FiberSuspended {
		return nil
	}
	return fb.th.top
}

// Detach captures the fiber's suspended top frame as a value. The frame is
// moved to heap backing memory and the fiber is finished; the frames below
// the top are discarded. The caller owns the returned frame and must free
// it with Interp.FreeDetached or hand it to code that does.
func (fb *Fiber) Detach() (*Frame, error) {
	if fb.state != FiberSuspended {
		return nil, fmt.Errorf("%w (%s)", ErrFiberNotSuspended, fb.state)
	}
	top := fb.th.top
	hf, err := fb.interp.AllocDetached(top.Code)
	if err != nil {
		return nil, err
	}
	hf.Func = top.Func
	hf.Globals = top.Globals
	hf.Builtins = top.Builtins
	hf.Locals = top.Locals
	hf.IP = top.IP
	hf.ReturnOffset = top.ReturnOffset
	copy(hf.slots, top.slots)
	for _, v := range top.Stack() {
		hf.push(v)
	}
	fb.th.unwindTo(fb.entry)
	fb.th.top = nil
	fb.entry = nil
	fb.state = FiberDetached
	return hf, nil
}

// AllocDetached allocates an empty heap-owned frame for code from the
// interpreter's heap budget.
func (in *Interp) AllocDetached(code *Code) (*Frame, error) {
	f, err := in.layout.NewFrame(in.heap, code)
	if err != nil {
		return nil, err
	}
	f.Owner = OwnerHeap
	f.Builtins = in.builtins
	return f, nil
}

// FreeDetached returns a detached frame's heap memory. It reports false if
// the frame had already been freed.
func (in *Interp) FreeDetached(f *Frame) bool {
	return in.layout.FreeFrame(in.heap, f)
}

package vm

import (
	"errors"
	"fmt"
)

// ErrYieldOutsideFiber is raised when YIELD runs on a thread that is not a
// fiber's outermost run.
var ErrYieldOutsideFiber = errors.New("vm: yield outside fiber")

// ---------------------------------------------------------------------------
// Thread: one call stack
// ---------------------------------------------------------------------------

// Thread executes frames. Each thread has one call stack, linked through
// Frame.Previous from the top frame, and one data stack backing it.
type Thread struct {
	interp *Interp
	data   *DataStack
	top    *Frame
	depth  int    // nested run depth
	fiber  *Fiber // set for fiber threads
}

// Interp returns the owning interpreter.
func (th *Thread) Interp() *Interp { return th.interp }

// Top returns the topmost frame. Inside a builtin this is the calling frame.
func (th *Thread) Top() *Frame { return th.top }

// DataStack returns the allocator backing this thread's frames.
func (th *Thread) DataStack() *DataStack { return th.data }

// Fiber returns the fiber this thread belongs to, if any.
func (th *Thread) Fiber() *Fiber { return th.fiber }

func (th *Thread) owner() Owner {
	if th.fiber != nil {
		return OwnerFiber
	}
	return OwnerThread
}

// AllocFrame allocates an empty frame for code on this thread's data stack.
func (th *Thread) AllocFrame(code *Code) (*Frame, error) {
	f, err := th.interp.layout.NewFrame(th.data, code)
	if err != nil {
		return nil, err
	}
	f.Owner = th.owner()
	f.Builtins = th.interp.builtins
	f.AttachThread(th)
	return f, nil
}

// FreeFrame releases a frame allocated with AllocFrame.
func (th *Thread) FreeFrame(f *Frame) {
	th.interp.layout.FreeFrame(th.data, f)
}

// newFrame builds the activation of fn with args.
func (th *Thread) newFrame(fn *Function, args []Value) (*Frame, error) {
	code := fn.Code
	if len(args) > code.ArgCount {
		return nil, NewError("TypeError", "%s takes %d arguments but %d were given", code.QualName, code.ArgCount, len(args))
	}
	missing := code.ArgCount - len(args)
	if missing > len(fn.Defaults) {
		return nil, NewError("TypeError", "%s missing %d required arguments", code.QualName, missing-len(fn.Defaults))
	}
	if len(fn.Closure) != code.NFree() {
		return nil, NewError("TypeError", "%s needs %d closure cells, has %d", code.QualName, code.NFree(), len(fn.Closure))
	}
	f, err := th.AllocFrame(code)
	if err != nil {
		return nil, err
	}
	f.Func = fn
	f.Globals = fn.Globals
	copy(f.slots, args)
	for i := 0; i < missing; i++ {
		f.slots[len(args)+i] = fn.Defaults[len(fn.Defaults)-missing+i]
	}
	free := 0
	for i, k := range code.SlotKinds {
		switch k {
		case SlotCell:
			f.slots[i] = &Cell{}
		case SlotFree:
			f.slots[i] = fn.Closure[free]
			free++
		}
	}
	return f, nil
}

// Call invokes fn with args and runs it to completion.
func (th *Thread) Call(fn Value, args ...Value) (Value, error) {
	switch c := fn.(type) {
	case *Function:
		f, err := th.newFrame(c, args)
		if err != nil {
			return nil, err
		}
		return th.RunFrame(f)
	case *Builtin:
		return c.Fn(th, args)
	}
	return nil, NewError("TypeError", "%s is not callable", fn.Type())
}

// Exec runs a module body code unit with m as its globals.
func (th *Thread) Exec(code *Code, m *Module) (Value, error) {
	return th.Call(NewFunction(code, m, nil))
}

// RunFrame makes f the topmost frame, with no caller, and runs it until it
// returns or raises. f must have been allocated on this thread. Control
// then returns to the frame that was on top before.
func (th *Thread) RunFrame(f *Frame) (Value, error) {
	v, suspended, err := th.runEntry(f)
	if err == nil && suspended {
		err = ErrYieldOutsideFiber
	}
	return v, err
}

func (th *Thread) runEntry(f *Frame) (Value, bool, error) {
	f.Previous = nil
	return th.enter(f, f, func() (Value, bool, error) { return th.run(f) })
}

// enter runs body with top as the topmost frame, restoring the previous top
// afterwards unless the thread suspended. A panic carrying an error unwinds
// every frame down to entry and is returned as that error.
func (th *Thread) enter(entry, top *Frame, body func() (Value, bool, error)) (result Value, suspended bool, err error) {
	saved := th.top
	savedCurrent := th.interp.current
	th.top = top
	th.interp.current = th
	th.depth++
	defer func() {
		th.depth--
		th.interp.current = savedCurrent
		if r := recover(); r != nil {
			perr, ok := r.(error)
			if !ok {
				panic(r)
			}
			th.unwindTo(entry)
			result, suspended, err = nil, false, perr
		}
		if !suspended {
			th.top = saved
		}
	}()
	return body()
}

// unwindTo frees every frame from the top down to and including entry.
func (th *Thread) unwindTo(entry *Frame) {
	for f := th.top; f != nil; {
		prev := f.Previous
		th.FreeFrame(f)
		if f == entry {
			break
		}
		f = prev
	}
}

// resume continues a thread suspended on YIELD, pushing sent as the
// yield's result.
func (th *Thread) resume(entry *Frame, sent Value) (Value, bool, error) {
	f := th.top
	in, err := f.CurrentInstruction()
	if err != nil {
		return nil, false, err
	}
	if in.Op != OpYield {
		return nil, false, fmt.Errorf("vm: resume at %s, not YIELD", in.Op)
	}
	f.IP = in.Next
	f.push(sent)
	return th.enter(entry, f, func() (Value, bool, error) { return th.run(entry) })
}

// toErrorValue converts a Go error into the value a handler receives.
func toErrorValue(err error) *ErrorValue {
	if ev, ok := err.(*ErrorValue); ok {
		return ev
	}
	if errors.Is(err, ErrFrameAllocation) {
		return &ErrorValue{Kind: "MemoryError", Message: err.Error(), Cause: err}
	}
	return &ErrorValue{Kind: "HostError", Message: err.Error(), Cause: err}
}

// ---------------------------------------------------------------------------
// Run loop
// ---------------------------------------------------------------------------

// run executes from th.top until entry returns, an error escapes entry, or
// a YIELD suspends the thread.
func (th *Thread) run(entry *Frame) (Value, bool, error) {
	f := th.top
	for {
		in, err := DecodeAt(f.Code.Bytecode, f.IP)
		if err != nil {
			th.unwindTo(entry)
			return nil, false, err
		}
		var opErr error

		switch in.Op {
		case OpNOP:
			f.IP = in.Next

		case OpPOP:
			f.pop()
			f.IP = in.Next

		case OpDUP:
			f.push(f.peek())
			f.IP = in.Next

		// Variables

		case OpLoadConst:
			f.push(f.Code.Consts[in.Arg])
			f.IP = in.Next

		case OpLoadFast:
			v := f.slots[in.Arg]
			switch v {
			case nil:
				opErr = NewError("UnboundLocalError", "local %q referenced before assignment", f.Code.SlotNames[in.Arg])
			case Absent:
				v = Nil
			}
			if opErr == nil {
				f.push(v)
				f.IP = in.Next
			}

		case OpStoreFast:
			f.slots[in.Arg] = f.pop()
			f.IP = in.Next

		case OpDeleteFast:
			f.slots[in.Arg] = nil
			f.IP = in.Next

		case OpLoadDeref:
			switch c := f.slots[in.Arg].(type) {
			case *Cell:
				if c.Value == nil {
					opErr = NewError("NameError", "free variable %q referenced before assignment", f.Code.SlotNames[in.Arg])
				} else {
					f.push(c.Value)
				}
			default:
				f.push(Nil)
			}
			if opErr == nil {
				f.IP = in.Next
			}

		case OpStoreDeref:
			v := f.pop()
			if c, ok := f.slots[in.Arg].(*Cell); ok {
				c.Value = v
			} else {
				f.slots[in.Arg] = &Cell{Value: v}
			}
			f.IP = in.Next

		case OpLoadClosure:
			c, ok := f.slots[in.Arg].(*Cell)
			if !ok {
				c = &Cell{}
				f.slots[in.Arg] = c
			}
			f.push(c)
			f.IP = in.Next

		case OpLoadGlobal:
			name := f.Code.Names[in.Arg]
			v, ok := f.Globals.Get(name)
			if !ok && f.Builtins != nil {
				v, ok = f.Builtins.Get(name)
			}
			if !ok {
				opErr = NewError("NameError", "name %q is not defined", name)
			} else {
				f.push(v)
				f.IP = in.Next
			}

		case OpStoreGlobal:
			f.Globals.Set(f.Code.Names[in.Arg], f.pop())
			f.IP = in.Next

		// Operators

		case OpAdd, OpSub, OpMul, OpDiv, OpMod:
			b := f.pop()
			a := f.pop()
			v, err := arith(in.Op, a, b)
			if err != nil {
				opErr = err
			} else {
				f.push(v)
				f.IP = in.Next
			}

		case OpCompare:
			b := f.pop()
			a := f.pop()
			v, err := compare(in.Arg, a, b)
			if err != nil {
				opErr = err
			} else {
				f.push(v)
				f.IP = in.Next
			}

		case OpNot:
			f.push(Bool(!Truthy(f.pop())))
			f.IP = in.Next

		// Containers

		case OpBuildList:
			items := make([]Value, in.Arg)
			for i := in.Arg - 1; i >= 0; i-- {
				items[i] = f.pop()
			}
			f.push(NewList(items...))
			f.IP = in.Next

		case OpBuildMap:
			pairs := make([]Value, 2*in.Arg)
			for i := len(pairs) - 1; i >= 0; i-- {
				pairs[i] = f.pop()
			}
			m := NewMap()
			for i := 0; i < len(pairs); i += 2 {
				k, ok := pairs[i].(Str)
				if !ok {
					opErr = NewError("TypeError", "map keys must be str, not %s", pairs[i].Type())
					break
				}
				m.Set(string(k), pairs[i+1])
			}
			if opErr == nil {
				f.push(m)
				f.IP = in.Next
			}

		case OpGetItem:
			key := f.pop()
			container := f.pop()
			v, err := getItem(container, key)
			if err != nil {
				opErr = err
			} else {
				f.push(v)
				f.IP = in.Next
			}

		case OpSetItem:
			v := f.pop()
			key := f.pop()
			container := f.pop()
			if err := setItem(container, key, v); err != nil {
				opErr = err
			} else {
				f.IP = in.Next
			}

		case OpLoadAttr:
			v, err := getAttr(f.pop(), f.Code.Names[in.Arg])
			if err != nil {
				opErr = err
			} else {
				f.push(v)
				f.IP = in.Next
			}

		// Control flow

		case OpJump:
			f.IP = in.Arg

		case OpPopJumpIfTrue:
			if Truthy(f.pop()) {
				f.IP = in.Arg
			} else {
				f.IP = in.Next
			}

		case OpPopJumpIfFalse:
			if !Truthy(f.pop()) {
				f.IP = in.Arg
			} else {
				f.IP = in.Next
			}

		case OpGetIter:
			it, err := getIter(f.pop())
			if err != nil {
				opErr = err
			} else {
				f.push(it)
				f.IP = in.Next
			}

		case OpForIter:
			var v Value
			var ok bool
			switch it := f.peek().(type) {
			case *RangeIter:
				v, ok = it.advance()
			case *ListIter:
				v, ok = it.advance()
			default:
				opErr = NewError("TypeError", "%s is not an iterator", it.Type())
			}
			if opErr == nil {
				if ok {
					f.push(v)
					f.IP = in.Next
				} else {
					f.pop()
					f.IP = in.Arg
				}
			}

		// Calls

		case OpCall:
			args := make([]Value, in.Arg)
			for i := in.Arg - 1; i >= 0; i-- {
				args[i] = f.pop()
			}
			callee := f.pop()
			switch c := callee.(type) {
			case *Function:
				nf, err := th.newFrame(c, args)
				if err != nil {
					opErr = err
					break
				}
				nf.ReturnOffset = in.Size()
				nf.Previous = f
				th.top = nf
				f = nf
				continue
			case *Builtin:
				v, err := c.Fn(th, args)
				if err != nil {
					opErr = err
					break
				}
				if v == nil {
					v = Nil
				}
				f.push(v)
				f.IP = in.Next
			default:
				opErr = NewError("TypeError", "%s is not callable", callee.Type())
			}

		case OpReturnValue:
			v := f.pop()
			caller := f.Previous
			th.FreeFrame(f)
			if f == entry {
				return v, false, nil
			}
			th.top = caller
			caller.IP += f.ReturnOffset
			caller.push(v)
			f = caller
			continue

		case OpMakeFunction:
			code, ok := f.pop().(*Code)
			if !ok {
				opErr = NewError("TypeError", "MAKE_FUNCTION needs a code object")
				break
			}
			if in.Arg != code.NFree() {
				opErr = NewError("TypeError", "%s needs %d closure cells, got %d", code.QualName, code.NFree(), in.Arg)
				break
			}
			cells := make([]*Cell, in.Arg)
			for i := in.Arg - 1; i >= 0; i-- {
				c, ok := f.pop().(*Cell)
				if !ok {
					opErr = NewError("TypeError", "closure entry is not a cell")
					break
				}
				cells[i] = c
			}
			if opErr == nil {
				f.push(NewFunction(code, f.Globals, cells))
				f.IP = in.Next
			}

		case OpYield:
			v := f.pop()
			if th.fiber == nil || th.depth != 1 {
				opErr = ErrYieldOutsideFiber
				break
			}
			return v, true, nil

		case OpRaise:
			v := f.pop()
			if ev, ok := v.(*ErrorValue); ok {
				opErr = ev
			} else {
				opErr = &ErrorValue{Kind: "Error", Message: v.String(), Payload: v}
			}

		default:
			opErr = fmt.Errorf("%w: unknown opcode %#x at unit %d of %s", ErrBadBytecode, byte(in.Op), in.Start, f.Code.QualName)
		}

		if opErr == nil {
			continue
		}

		// Unwind to the nearest handler.
		ev := toErrorValue(opErr)
		for {
			if h, ok := f.Code.HandlerFor(f.IP); ok {
				f.truncate(h.Depth)
				f.push(ev)
				f.IP = h.Target
				break
			}
			caller := f.Previous
			th.FreeFrame(f)
			if f == entry {
				return nil, false, ev
			}
			th.top = caller
			f = caller
		}
	}
}

// ---------------------------------------------------------------------------
// Item, attribute and iteration helpers
// ---------------------------------------------------------------------------

func index(i Value, n int) (int, error) {
	k, ok := i.(Int)
	if !ok {
		return 0, NewError("TypeError", "indices must be int, not %s", i.Type())
	}
	idx := int(k)
	if idx < 0 {
		idx += n
	}
	if idx < 0 || idx >= n {
		return 0, NewError("IndexError", "index %d out of range", int(k))
	}
	return idx, nil
}

func getItem(container, key Value) (Value, error) {
	switch c := container.(type) {
	case *List:
		i, err := index(key, len(c.Items))
		if err != nil {
			return nil, err
		}
		return c.Items[i], nil
	case *Map:
		k, ok := key.(Str)
		if !ok {
			return nil, NewError("TypeError", "map keys must be str, not %s", key.Type())
		}
		v, ok := c.Get(string(k))
		if !ok {
			return nil, NewError("KeyError", "%q", string(k))
		}
		return v, nil
	case Str:
		r := []rune(string(c))
		i, err := index(key, len(r))
		if err != nil {
			return nil, err
		}
		return Str(r[i]), nil
	case *Bytes:
		i, err := index(key, len(c.B))
		if err != nil {
			return nil, err
		}
		return Int(c.B[i]), nil
	}
	return nil, NewError("TypeError", "%s is not subscriptable", container.Type())
}

func setItem(container, key, v Value) error {
	switch c := container.(type) {
	case *List:
		i, err := index(key, len(c.Items))
		if err != nil {
			return err
		}
		c.Items[i] = v
		return nil
	case *Map:
		k, ok := key.(Str)
		if !ok {
			return NewError("TypeError", "map keys must be str, not %s", key.Type())
		}
		c.Set(string(k), v)
		return nil
	}
	return NewError("TypeError", "%s does not support item assignment", container.Type())
}

func getAttr(obj Value, name string) (Value, error) {
	switch o := obj.(type) {
	case *Module:
		if v, ok := o.Get(name); ok {
			return v, nil
		}
	case *Map:
		if v, ok := o.Get(name); ok {
			return v, nil
		}
	case *ErrorValue:
		switch name {
		case "kind":
			return Str(o.Kind), nil
		case "message":
			return Str(o.Message), nil
		case "payload":
			if o.Payload != nil {
				return o.Payload, nil
			}
			return Nil, nil
		}
	}
	return nil, NewError("AttributeError", "%s has no attribute %q", obj.Type(), name)
}

func getIter(v Value) (Value, error) {
	switch x := v.(type) {
	case *RangeIter, *ListIter:
		return x, nil
	case *List:
		return &ListIter{List: x}, nil
	case *Map:
		keys := make([]Value, 0, x.Len())
		for _, k := range x.Keys() {
			keys = append(keys, Str(k))
		}
		return &ListIter{List: NewList(keys...)}, nil
	case Str:
		var chars []Value
		for _, r := range string(x) {
			chars = append(chars, Str(r))
		}
		return &ListIter{List: NewList(chars...)}, nil
	}
	return nil, NewError("TypeError", "%s is not iterable", v.Type())
}

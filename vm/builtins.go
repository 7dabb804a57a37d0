package vm

import (
	"errors"
	"fmt"
	"strings"
)

// installBuiltins defines the core builtin functions.
func (in *Interp) installBuiltins() {
	in.DefineBuiltin("print", func(th *Thread, args []Value) (Value, error) {
		parts := make([]string, len(args))
		for i, a := range args {
			parts[i] = a.String()
		}
		fmt.Fprintln(th.interp.Stdout, strings.Join(parts, " "))
		return Nil, nil
	})

	in.DefineBuiltin("len", func(th *Thread, args []Value) (Value, error) {
		if err := Arity("len", args, 1, 1); err != nil {
			return nil, err
		}
		switch x := args[0].(type) {
		case Str:
			return Int(len([]rune(string(x)))), nil
		case *Bytes:
			return Int(len(x.B)), nil
		case *List:
			return Int(len(x.Items)), nil
		case *Map:
			return Int(x.Len()), nil
		}
		return nil, NewError("TypeError", "%s has no len", args[0].Type())
	})

	in.DefineBuiltin("str", func(th *Thread, args []Value) (Value, error) {
		if err := Arity("str", args, 1, 1); err != nil {
			return nil, err
		}
		return Str(args[0].String()), nil
	})

	in.DefineBuiltin("repr", func(th *Thread, args []Value) (Value, error) {
		if err := Arity("repr", args, 1, 1); err != nil {
			return nil, err
		}
		return Str(Repr(args[0])), nil
	})

	in.DefineBuiltin("type", func(th *Thread, args []Value) (Value, error) {
		if err := Arity("type", args, 1, 1); err != nil {
			return nil, err
		}
		return Str(args[0].Type()), nil
	})

	in.DefineBuiltin("range", func(th *Thread, args []Value) (Value, error) {
		if err := Arity("range", args, 1, 3); err != nil {
			return nil, err
		}
		ints := make([]int64, len(args))
		for i, a := range args {
			n, ok := a.(Int)
			if !ok {
				return nil, NewError("TypeError", "range arguments must be int, not %s", a.Type())
			}
			ints[i] = int64(n)
		}
		r := &RangeIter{Step: 1}
		switch len(ints) {
		case 1:
			r.Stop = ints[0]
		case 2:
			r.Next, r.Stop = ints[0], ints[1]
		case 3:
			r.Next, r.Stop, r.Step = ints[0], ints[1], ints[2]
		}
		if r.Step == 0 {
			return nil, NewError("ValueError", "range step must not be zero")
		}
		return r, nil
	})

	in.DefineBuiltin("append", func(th *Thread, args []Value) (Value, error) {
		if err := Arity("append", args, 2, 2); err != nil {
			return nil, err
		}
		l, ok := args[0].(*List)
		if !ok {
			return nil, NewError("TypeError", "append needs a list, not %s", args[0].Type())
		}
		l.Items = append(l.Items, args[1])
		return l, nil
	})

	in.DefineBuiltin("keys", func(th *Thread, args []Value) (Value, error) {
		if err := Arity("keys", args, 1, 1); err != nil {
			return nil, err
		}
		m, ok := args[0].(*Map)
		if !ok {
			return nil, NewError("TypeError", "keys needs a map, not %s", args[0].Type())
		}
		out := make([]Value, 0, m.Len())
		for _, k := range m.Keys() {
			out = append(out, Str(k))
		}
		return NewList(out...), nil
	})

	in.DefineBuiltin("bytes", func(th *Thread, args []Value) (Value, error) {
		if err := Arity("bytes", args, 1, 2); err != nil {
			return nil, err
		}
		switch x := args[0].(type) {
		case Str:
			return NewBytes([]byte(string(x))), nil
		case Int:
			if x < 0 {
				return nil, NewError("ValueError", "negative byte count")
			}
			fill := byte(0)
			if len(args) == 2 {
				f, ok := args[1].(Int)
				if !ok {
					return nil, NewError("TypeError", "fill must be int")
				}
				fill = byte(f)
			}
			b := make([]byte, int(x))
			for i := range b {
				b[i] = fill
			}
			return NewBytes(b), nil
		}
		return nil, NewError("TypeError", "cannot make bytes from %s", args[0].Type())
	})

	in.DefineBuiltin("error", func(th *Thread, args []Value) (Value, error) {
		if err := Arity("error", args, 2, 2); err != nil {
			return nil, err
		}
		return &ErrorValue{Kind: args[0].String(), Message: args[1].String()}, nil
	})

	in.DefineBuiltin("globals", func(th *Thread, args []Value) (Value, error) {
		return th.top.Globals, nil
	})

	in.installFiberBuiltins()
}

// installFiberBuiltins defines fiber(fn), switch(f, args...) and
// fiber_state(f).
func (in *Interp) installFiberBuiltins() {
	in.DefineBuiltin("fiber", func(th *Thread, args []Value) (Value, error) {
		if err := Arity("fiber", args, 1, 1); err != nil {
			return nil, err
		}
		fn, ok := args[0].(*Function)
		if !ok {
			return nil, NewError("TypeError", "fiber needs a function, not %s", args[0].Type())
		}
		return in.NewFiber(fn).Value(), nil
	})

	in.DefineBuiltin("switch", func(th *Thread, args []Value) (Value, error) {
		if len(args) == 0 {
			return nil, NewError("TypeError", "switch needs a fiber")
		}
		fb, err := fiberArg("switch", args[0])
		if err != nil {
			return nil, err
		}
		v, err := fb.Switch(args[1:]...)
		if err != nil {
			if errors.Is(err, ErrFiberDead) || errors.Is(err, ErrFiberRunning) {
				return nil, NewError("FiberError", "%s", err)
			}
			return nil, err
		}
		return v, nil
	})

	in.DefineBuiltin("fiber_state", func(th *Thread, args []Value) (Value, error) {
		if err := Arity("fiber_state", args, 1, 1); err != nil {
			return nil, err
		}
		fb, err := fiberArg("fiber_state", args[0])
		if err != nil {
			return nil, err
		}
		return Str(fb.State().String()), nil
	})
}

func fiberArg(fn string, v Value) (*Fiber, error) {
	fb, ok := FiberOf(v)
	if !ok {
		return nil, NewError("TypeError", "%s needs a fiber, not %s", fn, v.Type())
	}
	return fb, nil
}

// Arity returns a TypeError unless min <= len(args) <= max.
func Arity(name string, args []Value, min, max int) error {
	if len(args) < min || len(args) > max {
		if min == max {
			return NewError("TypeError", "%s takes %d arguments (%d given)", name, min, len(args))
		}
		return NewError("TypeError", "%s takes %d to %d arguments (%d given)", name, min, max, len(args))
	}
	return nil
}

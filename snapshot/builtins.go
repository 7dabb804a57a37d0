package snapshot

import (
	"errors"

	"github.com/chazu/brine/vm"
)

// InstallBuiltins exposes the engine to interpreted code:
//
//	copy_current_frame([opts])        handle, or bytes with serialize=true
//	serialize_frame(handle, [opts])   bytes
//	deserialize_frame(bytes, [opts])  handle, or the result with run=true
//	run_frame(handle, [replacements]) result
//	release_frame(handle)             nil
//	copy_frame_from_fiber(f, [opts])  handle, or bytes with serialize=true
//	resume_fiber(f)                   result; the fiber is finished
//
// A resumed copy sees nil as the result of the copy_current_frame call or
// the yield that produced it.
func (c *Context) InstallBuiltins() {
	in := c.interp

	in.DefineBuiltin("copy_current_frame", func(th *vm.Thread, args []vm.Value) (vm.Value, error) {
		if err := vm.Arity("copy_current_frame", args, 0, 1); err != nil {
			return nil, err
		}
		o, err := options("copy_current_frame", args, 0)
		if err != nil {
			return nil, err
		}
		p, err := o.policy(c.policy)
		if err != nil {
			return nil, err
		}
		serialize, err := o.boolean("serialize", false)
		if err != nil {
			return nil, err
		}
		if serialize {
			data, err := c.CopyCurrentFrameSerialized(th, p)
			if err != nil {
				return nil, toError(err)
			}
			return vm.NewBytes(data), nil
		}
		h, err := c.CopyCurrentFrame(th, p)
		if err != nil {
			return nil, toError(err)
		}
		return h.Value(), nil
	})

	in.DefineBuiltin("serialize_frame", func(th *vm.Thread, args []vm.Value) (vm.Value, error) {
		if err := vm.Arity("serialize_frame", args, 1, 2); err != nil {
			return nil, err
		}
		h, err := handleArg("serialize_frame", args[0])
		if err != nil {
			return nil, err
		}
		o, err := options("serialize_frame", args, 1)
		if err != nil {
			return nil, err
		}
		hint, err := o.integer("sizehint", 0)
		if err != nil {
			return nil, err
		}
		capture, err := o.boolean("capture_module_source", h.policy.CaptureModuleSource)
		if err != nil {
			return nil, err
		}
		data, err := c.Serialize(h, hint, capture)
		if err != nil {
			return nil, toError(err)
		}
		return vm.NewBytes(data), nil
	})

	in.DefineBuiltin("deserialize_frame", func(th *vm.Thread, args []vm.Value) (vm.Value, error) {
		if err := vm.Arity("deserialize_frame", args, 1, 2); err != nil {
			return nil, err
		}
		b, ok := args[0].(*vm.Bytes)
		if !ok {
			return nil, vm.NewError("TypeError", "deserialize_frame needs bytes, not %s", args[0].Type())
		}
		o, err := options("deserialize_frame", args, 1)
		if err != nil {
			return nil, err
		}
		run, err := o.boolean("run", false)
		if err != nil {
			return nil, err
		}
		reconstruct, err := o.boolean("reconstruct_module", true)
		if err != nil {
			return nil, err
		}
		if run {
			v, err := c.DeserializeAndRun(th, b.B, reconstruct, o.value("replace_locals"))
			if err != nil {
				return nil, toError(err)
			}
			return v, nil
		}
		h, err := c.Deserialize(b.B, reconstruct)
		if err != nil {
			return nil, toError(err)
		}
		return h.Value(), nil
	})

	in.DefineBuiltin("run_frame", func(th *vm.Thread, args []vm.Value) (vm.Value, error) {
		if err := vm.Arity("run_frame", args, 1, 2); err != nil {
			return nil, err
		}
		h, err := handleArg("run_frame", args[0])
		if err != nil {
			return nil, err
		}
		var repl vm.Value
		if len(args) == 2 {
			repl = args[1]
		}
		v, err := c.Run(th, h, repl)
		if err != nil {
			return nil, toError(err)
		}
		return v, nil
	})

	in.DefineBuiltin("release_frame", func(th *vm.Thread, args []vm.Value) (vm.Value, error) {
		if err := vm.Arity("release_frame", args, 1, 1); err != nil {
			return nil, err
		}
		h, err := handleArg("release_frame", args[0])
		if err != nil {
			return nil, err
		}
		if err := h.Release(); err != nil {
			return nil, toError(err)
		}
		return vm.Nil, nil
	})

	in.DefineBuiltin("copy_frame_from_fiber", func(th *vm.Thread, args []vm.Value) (vm.Value, error) {
		if err := vm.Arity("copy_frame_from_fiber", args, 1, 2); err != nil {
			return nil, err
		}
		fb, err := fiberArg("copy_frame_from_fiber", args[0])
		if err != nil {
			return nil, err
		}
		o, err := options("copy_frame_from_fiber", args, 1)
		if err != nil {
			return nil, err
		}
		p, err := o.policy(c.policy)
		if err != nil {
			return nil, err
		}
		serialize, err := o.boolean("serialize", false)
		if err != nil {
			return nil, err
		}
		h, err := c.CopyFrameFromFiber(fb, p)
		if err != nil {
			return nil, toError(err)
		}
		if serialize {
			data, err := c.serializeOnce(h, p)
			if err != nil {
				return nil, toError(err)
			}
			return vm.NewBytes(data), nil
		}
		return h.Value(), nil
	})

	in.DefineBuiltin("resume_fiber", func(th *vm.Thread, args []vm.Value) (vm.Value, error) {
		if err := vm.Arity("resume_fiber", args, 1, 1); err != nil {
			return nil, err
		}
		fb, err := fiberArg("resume_fiber", args[0])
		if err != nil {
			return nil, err
		}
		v, err := c.ResumeFiber(th, fb)
		if err != nil {
			return nil, toError(err)
		}
		return v, nil
	})
}

// toError maps engine errors to the error kinds interpreted code sees.
func toError(err error) error {
	var ev *vm.ErrorValue
	if errors.As(err, &ev) {
		return ev
	}
	var repl *InvalidLocalReplacementError
	switch {
	case errors.As(err, &repl):
		return &vm.ErrorValue{Kind: "TypeError", Message: err.Error(), Cause: err}
	case errors.Is(err, ErrBadPolicy):
		return &vm.ErrorValue{Kind: "ValueError", Message: err.Error(), Cause: err}
	case errors.Is(err, vm.ErrFrameAllocation):
		return &vm.ErrorValue{Kind: "MemoryError", Message: err.Error(), Cause: err}
	}
	return &vm.ErrorValue{Kind: "SnapshotError", Message: err.Error(), Cause: err}
}

func fiberArg(fn string, v vm.Value) (*vm.Fiber, error) {
	fb, ok := vm.FiberOf(v)
	if !ok {
		return nil, vm.NewError("TypeError", "%s needs a fiber, not %s", fn, v.Type())
	}
	return fb, nil
}

func handleArg(fn string, v vm.Value) (*Handle, error) {
	h, ok := HandleOf(v)
	if !ok {
		return nil, vm.NewError("TypeError", "%s needs a snapshot handle, not %s", fn, v.Type())
	}
	return h, nil
}

// ---------------------------------------------------------------------------
// Option maps
// ---------------------------------------------------------------------------

type opts struct {
	fn string
	m  *vm.Map
}

func options(fn string, args []vm.Value, i int) (opts, error) {
	if i >= len(args) || args[i] == vm.Nil {
		return opts{fn: fn, m: vm.NewMap()}, nil
	}
	m, ok := args[i].(*vm.Map)
	if !ok {
		return opts{}, vm.NewError("TypeError", "%s options must be a map, not %s", fn, args[i].Type())
	}
	return opts{fn: fn, m: m}, nil
}

func (o opts) value(key string) vm.Value {
	v, _ := o.m.Get(key)
	return v
}

func (o opts) boolean(key string, def bool) (bool, error) {
	v, ok := o.m.Get(key)
	if !ok || v == vm.Nil {
		return def, nil
	}
	b, ok := v.(vm.Bool)
	if !ok {
		return false, vm.NewError("TypeError", "%s: %s must be bool, not %s", o.fn, key, v.Type())
	}
	return bool(b), nil
}

func (o opts) integer(key string, def int) (int, error) {
	v, ok := o.m.Get(key)
	if !ok || v == vm.Nil {
		return def, nil
	}
	n, ok := v.(vm.Int)
	if !ok {
		return 0, vm.NewError("TypeError", "%s: %s must be int, not %s", o.fn, key, v.Type())
	}
	return int(n), nil
}

func (o opts) strings(key string) ([]string, error) {
	v, ok := o.m.Get(key)
	if !ok || v == vm.Nil {
		return nil, nil
	}
	l, ok := v.(*vm.List)
	if !ok {
		return nil, vm.NewError("TypeError", "%s: %s must be a list, not %s", o.fn, key, v.Type())
	}
	out := make([]string, 0, len(l.Items))
	for _, item := range l.Items {
		s, ok := item.(vm.Str)
		if !ok {
			return nil, vm.NewError("TypeError", "%s: %s entries must be str, not %s", o.fn, key, item.Type())
		}
		out = append(out, string(s))
	}
	return out, nil
}

func (o opts) policy(p Policy) (Policy, error) {
	excl, err := o.strings("exclude_locals")
	if err != nil {
		return p, err
	}
	if excl != nil {
		p.ExcludeLocals = excl
	}
	for _, f := range []struct {
		key string
		dst *bool
	}{
		{"exclude_dead_locals", &p.ExcludeDeadLocals},
		{"exclude_immutables", &p.ExcludeImmutables},
		{"capture_module_source", &p.CaptureModuleSource},
		{"compress", &p.Compress},
		{"shallow", &p.Shallow},
	} {
		if *f.dst, err = o.boolean(f.key, *f.dst); err != nil {
			return p, err
		}
	}
	if p.SizeHint, err = o.integer("sizehint", p.SizeHint); err != nil {
		return p, err
	}
	if err := p.validate(); err != nil {
		return p, toError(err)
	}
	return p, nil
}

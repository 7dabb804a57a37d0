package snapshot

import (
	"errors"
	"fmt"

	"github.com/chazu/brine/vm"
	"github.com/chazu/brine/wire"
)

// ---------------------------------------------------------------------------
// Encoding
// ---------------------------------------------------------------------------

// Serialize encodes the frame owned by h. The handle is not consumed. A
// sizeHint of zero uses the handle's policy; captureModuleSource embeds the
// defining module's source text.
func (c *Context) Serialize(h *Handle, sizeHint int, captureModuleSource bool) ([]byte, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	f, err := h.Frame()
	if err != nil {
		return nil, err
	}
	if sizeHint < 0 {
		return nil, fmt.Errorf("%w: size hint must be positive, got %d", ErrBadPolicy, sizeHint)
	}
	if sizeHint == 0 {
		sizeHint = h.policy.sizeHint()
	}

	snap := &wire.Snapshot{}
	if captureModuleSource {
		if snap.Module, err = c.captureModule(f.Globals); err != nil {
			return nil, err
		}
	}
	if h.policy.ExcludeImmutables {
		snap.Code = &wire.Code{NameOnly: true, Name: f.Code.Name}
	} else if snap.Code, err = c.encodeCode(f.Code); err != nil {
		return nil, err
	}
	if snap.Frame, err = c.encodeFrame(h, f); err != nil {
		return nil, err
	}

	data, err := wire.Marshal(snap, wire.Options{SizeHint: sizeHint, Compress: h.policy.Compress})
	if err != nil {
		return nil, &EncodeError{What: "buffer", Err: err}
	}
	log.Debugf("serialized %s: %d bytes, immutables excluded %v, module source %v",
		f.Code.QualName, len(data), h.policy.ExcludeImmutables, snap.Module != nil)
	return data, nil
}

func (c *Context) encodeCode(code *vm.Code) (*wire.Code, error) {
	wc := &wire.Code{
		Name:        code.Name,
		QualName:    code.QualName,
		Filename:    code.Filename,
		FirstLine:   code.FirstLine,
		Flags:       code.Flags,
		ArgCount:    code.ArgCount,
		StackSize:   code.StackSize,
		NLocalsPlus: code.NLocalsPlus(),
		NLocals:     code.NLocals(),
		NCells:      code.NCells(),
		NFree:       code.NFree(),
		SlotNames:   code.SlotNames,
		SlotKinds:   make([]byte, len(code.SlotKinds)),
		Names:       code.Names,
		Bytecode:    code.Bytecode,
	}
	for i, k := range code.SlotKinds {
		wc.SlotKinds[i] = byte(k)
	}
	for _, hd := range code.Handlers {
		wc.Handlers = append(wc.Handlers, hd.Start, hd.End, hd.Target, hd.Depth)
	}
	for _, e := range code.Lines {
		wc.Lines = append(wc.Lines, e.Start, e.Line)
	}
	for i, k := range code.Consts {
		b, err := c.values.Encode(k)
		if err != nil {
			return nil, &EncodeError{What: fmt.Sprintf("constant %d of %s", i, code.QualName), Err: err}
		}
		wc.Consts = append(wc.Consts, b)
	}
	return wc, nil
}

func (c *Context) encodeFrame(h *Handle, f *vm.Frame) (*wire.Frame, error) {
	wf := &wire.Frame{
		InstrOffset:  f.InstrOffset(),
		ReturnOffset: f.ReturnOffset,
		Owner:        uint8(h.owner),
		Bitmask:      make([]byte, len(h.bitmask)),
		Line:         f.Line(),
	}
	var err error
	if !h.policy.ExcludeImmutables {
		if f.Func != nil {
			// The live function goes by reference when it is still bound
			// under its name; otherwise the frozen copy goes by value.
			origin := h.origin.Get()
			if origin == nil {
				origin = f.Func
			}
			if wf.Func, err = c.values.EncodeWith(origin, f.Func); err != nil {
				return nil, &EncodeError{What: "function " + f.Code.QualName, Err: err}
			}
		}
		if f.Globals != nil {
			if wf.Globals, err = c.fallback.Encode(f.Globals); err != nil {
				return nil, &EncodeError{What: "globals of " + f.Code.QualName, Err: err}
			}
		}
	}
	if f.Locals != nil {
		if wf.Locals, err = c.encodeNamespace(f.Locals); err != nil {
			return nil, &EncodeError{What: "locals namespace of " + f.Code.QualName, Err: err}
		}
	}

	wf.LocalsPlus = make([][]byte, 0, len(h.bitmask))
	for i, v := range f.Slots() {
		if h.bitmask[i] {
			wf.Bitmask[i] = 1
			continue
		}
		b, err := c.encodeValue(v)
		if err != nil {
			return nil, &EncodeError{What: fmt.Sprintf("local %q of %s", f.Code.SlotNames[i], f.Code.QualName), Err: err}
		}
		wf.LocalsPlus = append(wf.LocalsPlus, b)
	}
	for i, v := range f.Stack() {
		b, err := c.encodeValue(v)
		if err != nil {
			return nil, &EncodeError{What: fmt.Sprintf("stack entry %d of %s", i, f.Code.QualName), Err: err}
		}
		wf.Stack = append(wf.Stack, b)
	}
	return wf, nil
}

// encodeValue encodes one slot or stack value, passing it through the hook
// first.
func (c *Context) encodeValue(v vm.Value) ([]byte, error) {
	if c.hook != nil {
		tv, err := c.hook.BeforeEncode(v)
		if err != nil {
			return nil, err
		}
		v = tv
	}
	return c.values.Encode(v)
}

// encodeNamespace encodes the local namespace with each value passed
// through the hook, like the slots it mirrors.
func (c *Context) encodeNamespace(ns *vm.Map) ([]byte, error) {
	if c.hook == nil {
		return c.values.Encode(ns)
	}
	out := vm.NewMap()
	for _, k := range ns.Keys() {
		v, _ := ns.Get(k)
		tv, err := c.hook.BeforeEncode(v)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", k, err)
		}
		out.Set(k, tv)
	}
	return c.values.Encode(out)
}

// ---------------------------------------------------------------------------
// Module source capture
// ---------------------------------------------------------------------------

var errNoGlobals = errors.New("frame has no globals")

// captureModule records the identity and source text of m, which must be a
// registered module with a string __name__.
func (c *Context) captureModule(m *vm.Module) (*wire.Module, error) {
	if m == nil {
		return nil, &ModuleReconstructionError{Module: "<none>", Err: errNoGlobals}
	}
	nv, ok := m.Get(vm.KeyName)
	if !ok {
		return nil, &ModuleReconstructionError{Module: m.Name, Err: fmt.Errorf("module has no %s", vm.KeyName)}
	}
	name, ok := nv.(vm.Str)
	if !ok {
		return nil, &ModuleReconstructionError{Module: m.Name, Err: fmt.Errorf("%s is %s, not str", vm.KeyName, nv.Type())}
	}
	if reg, ok := c.interp.LookupModule(string(name)); !ok || reg != m {
		return nil, &ModuleReconstructionError{Module: string(name), Err: errors.New("module is not registered")}
	}

	wm := &wire.Module{Name: string(name)}
	for _, key := range []string{vm.KeyPackage, vm.KeyFile} {
		v, ok := m.Get(key)
		if !ok {
			continue
		}
		s, ok := v.(vm.Str)
		if !ok {
			return nil, &ModuleReconstructionError{Module: string(name), Err: fmt.Errorf("%s is %s, not str", key, v.Type())}
		}
		if key == vm.KeyPackage {
			wm.Package, wm.HasPackage = string(s), true
		} else {
			wm.Filename, wm.HasFilename = string(s), true
		}
	}

	src, err := c.moduleSource(m, string(name))
	if err != nil {
		return nil, &ModuleReconstructionError{Module: string(name), Err: err}
	}
	wm.Source = src
	return wm, nil
}

// moduleSource returns the text recorded on the module, falling back to
// the interpreter's source loader.
func (c *Context) moduleSource(m *vm.Module, name string) (string, error) {
	if src, ok := m.Source(); ok {
		return src, nil
	}
	if c.interp.Loader == nil {
		return "", fmt.Errorf("%w %q: no recorded source and no loader", vm.ErrNoSource, name)
	}
	src, err := c.interp.Loader.GetSource(name)
	if err != nil {
		return "", err
	}
	log.Debugf("loaded source of %s through the loader", name)
	return src, nil
}

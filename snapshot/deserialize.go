package snapshot

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/chazu/brine/vm"
	"github.com/chazu/brine/wire"
)

// Names used when a captured module carries no name or filename.
const (
	anonymousModulePrefix = "__brine_snapshot_"
	anonymousFilename     = "<brine_snapshot>"
)

// ---------------------------------------------------------------------------
// Decoding
// ---------------------------------------------------------------------------

// Deserialize decodes data into a detached frame owned by the returned
// handle. With reconstructModule set, embedded module source is compiled
// and executed into a freshly registered module that becomes the frame's
// globals.
func (c *Context) Deserialize(data []byte, reconstructModule bool) (*Handle, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	snap, err := wire.Unmarshal(data)
	if err != nil {
		return nil, decodeErr("buffer", err)
	}
	hdr, _ := wire.ReadHeader(data)

	var cached Identity
	if snap.Code.NameOnly {
		id, ok := c.cache.Lookup(snap.Code.Name)
		if !ok {
			return nil, &MissingCachedIdentityError{Name: snap.Code.Name}
		}
		cached = id
	}

	var (
		rebuilt *vm.Module
		undo    func()
	)
	if reconstructModule && snap.Module != nil {
		if rebuilt, undo, err = c.reconstructModule(snap.Module); err != nil {
			return nil, err
		}
	}
	h, err := c.decodeFrame(snap, hdr, cached, rebuilt)
	if err != nil {
		if undo != nil {
			undo()
		}
		return nil, err
	}
	log.Debugf("deserialized %s at offset %d (%d bytes, %d excluded)",
		snap.Code.Name, snap.Frame.InstrOffset, len(data), snap.Frame.Excluded())
	return h, nil
}

// decodeFrame builds the detached frame for snap. cached holds the identity
// of a name-only code section; rebuilt, when set, becomes the globals.
func (c *Context) decodeFrame(snap *wire.Snapshot, hdr wire.Header, cached Identity, rebuilt *vm.Module) (*Handle, error) {
	var (
		code    *vm.Code
		fn      *vm.Function
		globals *vm.Module
		err     error
	)
	if snap.Code.NameOnly {
		code, fn, globals = cached.Code, cached.Func, cached.Globals
	} else if code, err = c.decodeCode(snap.Code); err != nil {
		return nil, err
	}

	wf := snap.Frame
	if wf.Func != nil {
		v, err := c.values.Decode(wf.Func)
		if err != nil {
			return nil, decodeErr("function of "+code.QualName, err)
		}
		if fn, _ = v.(*vm.Function); fn == nil {
			return nil, decodeErrf("function of "+code.QualName, "got %s", v.Type())
		}
	}
	if wf.Globals != nil {
		v, err := c.fallback.Decode(wf.Globals)
		if err != nil {
			return nil, decodeErr("globals of "+code.QualName, err)
		}
		if globals, _ = v.(*vm.Module); globals == nil {
			return nil, decodeErrf("globals of "+code.QualName, "got %s", v.Type())
		}
	}
	if rebuilt != nil {
		globals = rebuilt
	}
	if globals == nil {
		globals = c.resolveGlobals(snap.Module, fn)
	}

	slots, stack, err := c.decodeSlots(code, wf)
	if err != nil {
		return nil, err
	}

	hf, err := c.interp.AllocDetached(code)
	if err != nil {
		return nil, &AllocationError{Code: code.QualName, Err: err}
	}
	hf.Func = fn
	hf.Globals = globals
	hf.ReturnOffset = wf.ReturnOffset
	if err := hf.SetInstrOffset(wf.InstrOffset); err != nil {
		c.interp.FreeDetached(hf)
		return nil, decodeErr("instruction offset", err)
	}
	for i, v := range slots {
		hf.SetSlot(i, v)
	}
	for _, v := range stack {
		if err := hf.Push(v); err != nil {
			c.interp.FreeDetached(hf)
			return nil, decodeErr("stack", err)
		}
	}
	if wf.Locals != nil {
		if hf.Locals, err = c.decodeNamespace(wf.Locals); err != nil {
			c.interp.FreeDetached(hf)
			return nil, err
		}
	}

	bitmask := make([]bool, len(wf.Bitmask))
	for i, b := range wf.Bitmask {
		bitmask[i] = b != 0
	}
	p := DefaultPolicy()
	p.ExcludeImmutables = snap.Code.NameOnly
	p.Compress = hdr.Compressed()
	p.CaptureModuleSource = snap.Module != nil

	return c.newHandle(hf, fn, bitmask, p, vm.Owner(wf.Owner)), nil
}

// DeserializeAndRun decodes data and runs the frame on th, applying
// replacements to its locals first.
func (c *Context) DeserializeAndRun(th *vm.Thread, data []byte, reconstructModule bool, replacements vm.Value) (vm.Value, error) {
	h, err := c.Deserialize(data, reconstructModule)
	if err != nil {
		return nil, err
	}
	v, err := c.Run(th, h, replacements)
	if h.OwnsFrame() {
		if rerr := h.Release(); rerr != nil {
			log.Errorf("releasing unrun snapshot: %s", rerr)
		}
	}
	return v, err
}

// resolveGlobals picks globals for a frame whose buffer carried none: the
// registered module of the captured name, then the function's module, then
// the main module.
func (c *Context) resolveGlobals(wm *wire.Module, fn *vm.Function) *vm.Module {
	if wm != nil {
		if m, ok := c.interp.LookupModule(wm.Name); ok {
			return m
		}
	}
	if fn != nil && fn.Globals != nil {
		return fn.Globals
	}
	return c.interp.MainModule()
}

// DecodeCode decodes only the code unit of data. A name-only unit is taken
// from the identity cache.
func (c *Context) DecodeCode(data []byte) (*vm.Code, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	snap, err := wire.Unmarshal(data)
	if err != nil {
		return nil, decodeErr("buffer", err)
	}
	if snap.Code.NameOnly {
		id, ok := c.cache.Lookup(snap.Code.Name)
		if !ok {
			return nil, &MissingCachedIdentityError{Name: snap.Code.Name}
		}
		return id.Code, nil
	}
	return c.decodeCode(snap.Code)
}

func (c *Context) decodeCode(wc *wire.Code) (*vm.Code, error) {
	what := "code " + wc.Name
	if len(wc.Handlers)%4 != 0 {
		return nil, decodeErrf(what, "handler table has %d entries", len(wc.Handlers))
	}
	if len(wc.Lines)%2 != 0 {
		return nil, decodeErrf(what, "line table has %d entries", len(wc.Lines))
	}
	p := vm.CodeParams{
		Name:      wc.Name,
		QualName:  wc.QualName,
		Filename:  wc.Filename,
		FirstLine: wc.FirstLine,
		Flags:     wc.Flags,
		ArgCount:  wc.ArgCount,
		StackSize: wc.StackSize,
		SlotNames: wc.SlotNames,
		SlotKinds: make([]vm.SlotKind, len(wc.SlotKinds)),
		Names:     wc.Names,
		Bytecode:  wc.Bytecode,
	}
	for i, k := range wc.SlotKinds {
		p.SlotKinds[i] = vm.SlotKind(k)
	}
	for i := 0; i < len(wc.Handlers); i += 4 {
		h := wc.Handlers[i : i+4]
		p.Handlers = append(p.Handlers, vm.Handler{Start: h[0], End: h[1], Target: h[2], Depth: h[3]})
	}
	for i := 0; i < len(wc.Lines); i += 2 {
		p.Lines = append(p.Lines, vm.LineEntry{Start: wc.Lines[i], Line: wc.Lines[i+1]})
	}
	for i, b := range wc.Consts {
		v, err := c.values.Decode(b)
		if err != nil {
			return nil, decodeErr(fmt.Sprintf("constant %d of %s", i, wc.Name), err)
		}
		p.Consts = append(p.Consts, v)
	}
	code, err := vm.NewCode(p)
	if err != nil {
		return nil, decodeErr(what, err)
	}
	return code, nil
}

// decodeSlots checks the frame section against code and decodes the slot
// and stack payloads. Excluded slots come back as vm.Absent.
func (c *Context) decodeSlots(code *vm.Code, wf *wire.Frame) ([]vm.Value, []vm.Value, error) {
	if !vm.Owner(wf.Owner).Valid() {
		return nil, nil, decodeErrf("frame", "unknown owner tag %d", wf.Owner)
	}
	if !wf.HasLocalsPlus || !wf.HasBitmask {
		return nil, nil, decodeErrf("frame", "missing locals metadata")
	}
	n := code.NLocalsPlus()
	if len(wf.Bitmask) != n {
		return nil, nil, decodeErrf("frame", "bitmask has %d entries for %d slots", len(wf.Bitmask), n)
	}
	if included := n - wf.Excluded(); included != len(wf.LocalsPlus) {
		return nil, nil, decodeErrf("frame", "%d locals encoded but bitmask includes %d", len(wf.LocalsPlus), included)
	}
	if len(wf.Stack) > code.StackSize {
		return nil, nil, decodeErrf("frame", "stack depth %d exceeds %d", len(wf.Stack), code.StackSize)
	}

	slots := make([]vm.Value, n)
	next := 0
	for i := range slots {
		if wf.Bitmask[i] != 0 {
			slots[i] = vm.Absent
			continue
		}
		v, err := c.decodeValue(wf.LocalsPlus[next])
		if err != nil {
			return nil, nil, decodeErr(fmt.Sprintf("local %q", code.SlotNames[i]), err)
		}
		slots[i] = v
		next++
	}
	stack := make([]vm.Value, len(wf.Stack))
	for i, b := range wf.Stack {
		v, err := c.decodeValue(b)
		if err != nil {
			return nil, nil, decodeErr(fmt.Sprintf("stack entry %d", i), err)
		}
		stack[i] = v
	}
	return slots, stack, nil
}

func (c *Context) decodeNamespace(b []byte) (*vm.Map, error) {
	v, err := c.values.Decode(b)
	if err != nil {
		return nil, decodeErr("locals namespace", err)
	}
	ns, ok := v.(*vm.Map)
	if !ok {
		return nil, decodeErrf("locals namespace", "got %s", v.Type())
	}
	if c.hook == nil {
		return ns, nil
	}
	for _, k := range ns.Keys() {
		v, _ := ns.Get(k)
		tv, err := c.hook.AfterDecode(v)
		if err != nil {
			return nil, decodeErr("locals namespace entry "+k, err)
		}
		ns.Set(k, tv)
	}
	return ns, nil
}

func (c *Context) decodeValue(b []byte) (vm.Value, error) {
	v, err := c.values.Decode(b)
	if err != nil {
		return nil, err
	}
	if c.hook != nil {
		return c.hook.AfterDecode(v)
	}
	return v, nil
}

// ---------------------------------------------------------------------------
// Module reconstruction
// ---------------------------------------------------------------------------

// reconstructModule compiles the captured source and runs it in a fresh
// module registered under the captured name. A previously registered module
// of that name is restored if execution fails, or later through the
// returned undo.
func (c *Context) reconstructModule(wm *wire.Module) (*vm.Module, func(), error) {
	name := wm.Name
	if name == "" {
		name = anonymousModulePrefix + strings.ReplaceAll(uuid.NewString(), "-", "") + "__"
	}
	filename := anonymousFilename
	switch {
	case wm.HasFilename:
		filename = wm.Filename
	case wm.Name != "":
		filename = wm.Name
	}

	unit, err := c.compile(filename, wm.Source)
	if err != nil {
		return nil, nil, &ModuleReconstructionError{Module: name, Err: err}
	}
	m := vm.NewModule(name)
	m.SetSource(wm.Source)
	if wm.HasPackage {
		m.Set(vm.KeyPackage, vm.Str(wm.Package))
	}
	if wm.HasFilename {
		m.Set(vm.KeyFile, vm.Str(wm.Filename))
	}

	prev, hadPrev := c.interp.LookupModule(name)
	undo := func() {
		if hadPrev {
			c.interp.RegisterModule(prev)
		} else {
			c.interp.UnregisterModule(name)
		}
	}
	c.interp.RegisterModule(m)
	if _, err := c.interp.CurrentThread().Exec(unit.Code, m); err != nil {
		undo()
		return nil, nil, &ModuleReconstructionError{Module: name, Err: err}
	}
	log.Debugf("reconstructed module %s from %s", name, filename)
	return m, undo, nil
}

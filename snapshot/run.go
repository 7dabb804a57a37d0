package snapshot

import (
	"fmt"

	"github.com/chazu/brine/vm"
)

// ---------------------------------------------------------------------------
// Resume/Push Engine
// ---------------------------------------------------------------------------

// Run consumes h: its frame is moved onto th's data stack as the topmost
// frame with no caller and run until it returns or raises. replacements,
// if not nil, must be a map from slot names to new values; it is checked
// before anything is changed, and a bad map leaves h usable.
func (c *Context) Run(th *vm.Thread, h *Handle, replacements vm.Value) (vm.Value, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	hf, err := h.Frame()
	if err != nil {
		return nil, err
	}
	repl, err := checkReplacements(hf.Code, replacements)
	if err != nil {
		return nil, err
	}

	sf, err := th.AllocFrame(hf.Code)
	if err != nil {
		return nil, &AllocationError{Code: hf.Code.QualName, Err: err}
	}
	if _, err := h.take(); err != nil {
		th.FreeFrame(sf)
		return nil, err
	}
	if err := transfer(sf, hf); err != nil {
		th.FreeFrame(sf)
		c.interp.FreeDetached(hf)
		return nil, err
	}
	if !c.interp.FreeDetached(hf) {
		log.Warningf("heap frame of %s was already freed", hf.Code.QualName)
	}
	if repl != nil {
		applyReplacements(sf, repl)
	}

	log.Debugf("running %s from offset %d", sf.Code.QualName, sf.InstrOffset())
	return th.RunFrame(sf)
}

// transfer moves references from the heap frame to the stack frame. Values
// are not cloned.
func transfer(dst, src *vm.Frame) error {
	dst.Func = src.Func
	dst.Globals = src.Globals
	if src.Builtins != nil {
		dst.Builtins = src.Builtins
	}
	dst.Locals = src.Locals
	dst.IP = src.IP
	dst.ReturnOffset = src.ReturnOffset
	for i, v := range src.Slots() {
		dst.SetSlot(i, v)
	}
	for _, v := range src.Stack() {
		if err := dst.Push(v); err != nil {
			return err
		}
	}
	return nil
}

func checkReplacements(code *vm.Code, v vm.Value) (*vm.Map, error) {
	if v == nil || v == vm.Nil {
		return nil, nil
	}
	m, ok := v.(*vm.Map)
	if !ok {
		return nil, &InvalidLocalReplacementError{Reason: fmt.Sprintf("replacements must be a map, not %s", v.Type())}
	}
	for _, k := range m.Keys() {
		if code.SlotIndex(k) < 0 {
			return nil, &InvalidLocalReplacementError{Key: k, Reason: "no such local in " + code.QualName}
		}
	}
	return m, nil
}

// applyReplacements binds each replacement; cell and free slots get the
// value stored in their cell. The local namespace follows.
func applyReplacements(f *vm.Frame, repl *vm.Map) {
	for _, k := range repl.Keys() {
		v, _ := repl.Get(k)
		if f.Locals != nil {
			f.Locals.Set(k, v)
		}
		i := f.Code.SlotIndex(k)
		if f.Code.SlotKinds[i] == vm.SlotLocal {
			f.SetSlot(i, v)
			continue
		}
		if cell, ok := f.Slot(i).(*vm.Cell); ok {
			cell.Value = v
		} else {
			f.SetSlot(i, &vm.Cell{Value: v})
		}
	}
}

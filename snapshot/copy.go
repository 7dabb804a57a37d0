package snapshot

import (
	"errors"
	"fmt"

	"github.com/chazu/brine/ref"
	"github.com/chazu/brine/vm"
)

// ErrNoFrame is returned when there is no live frame to copy.
var ErrNoFrame = errors.New("snapshot: no live frame")

// ---------------------------------------------------------------------------
// Frame Copy Engine
// ---------------------------------------------------------------------------

// CopyCurrentFrame snapshots the frame that is calling into the host, which
// inside a builtin is th.Top().
func (c *Context) CopyCurrentFrame(th *vm.Thread, p Policy) (*Handle, error) {
	f := th.Top()
	if f == nil {
		return nil, ErrNoFrame
	}
	return c.CopyFrame(f, p)
}

// CopyFrameFromFiber snapshots the suspended top frame of fb. The fiber is
// left untouched and may still be switched to.
func (c *Context) CopyFrameFromFiber(fb *vm.Fiber, p Policy) (*Handle, error) {
	f := fb.Frame()
	if f == nil {
		return nil, fmt.Errorf("%w: %w (%s)", ErrNoFrame, vm.ErrFiberNotSuspended, fb.State())
	}
	return c.CopyFrame(f, p)
}

// CopyCurrentFrameSerialized copies the calling frame, encodes it with p
// and releases the copy.
func (c *Context) CopyCurrentFrameSerialized(th *vm.Thread, p Policy) ([]byte, error) {
	h, err := c.CopyCurrentFrame(th, p)
	if err != nil {
		return nil, err
	}
	return c.serializeOnce(h, p)
}

// serializeOnce encodes h with p and releases it.
func (c *Context) serializeOnce(h *Handle, p Policy) ([]byte, error) {
	data, err := c.Serialize(h, p.SizeHint, p.CaptureModuleSource)
	if rerr := h.Release(); err == nil && rerr != nil {
		return nil, rerr
	}
	return data, err
}

// CopyFrame clones f into a detached heap frame owned by the returned
// handle. If f is paused on a call or yield, the copy resumes just after
// that instruction with nil as its result.
func (c *Context) CopyFrame(f *vm.Frame, p Policy) (*Handle, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	if err := f.Validate(); err != nil {
		return nil, fmt.Errorf("snapshot: copy %s: %w", f.Code.QualName, err)
	}
	ip, pushResult, err := resumePoint(f)
	if err != nil {
		return nil, fmt.Errorf("snapshot: copy %s: %w", f.Code.QualName, err)
	}
	bitmask, err := c.exclusions(f, ip, p)
	if err != nil {
		return nil, err
	}

	locals := f.Locals
	if locals == nil {
		locals = namespace(f, bitmask)
	}
	parts, err := c.clone(f, locals, p.Shallow)
	if err != nil {
		return nil, err
	}
	clones := ref.Own(parts, "clone", c.tracker, nil)

	hf, err := c.interp.AllocDetached(parts.code)
	if err != nil {
		if rerr := clones.Release(); rerr != nil {
			log.Errorf("dropping clones of %s: %s", f.Code.QualName, rerr)
		}
		return nil, &AllocationError{Code: f.Code.QualName, Err: err}
	}
	parts, _ = clones.Take()

	hf.Func = parts.fn
	hf.Globals = f.Globals
	hf.Builtins = f.Builtins
	hf.Locals = parts.locals
	hf.IP = ip
	hf.ReturnOffset = f.ReturnOffset
	for i, v := range parts.slots {
		hf.SetSlot(i, v)
	}
	for _, v := range parts.stack {
		if err := hf.Push(v); err != nil {
			c.interp.FreeDetached(hf)
			return nil, err
		}
	}
	if pushResult {
		if err := hf.Push(vm.Nil); err != nil {
			c.interp.FreeDetached(hf)
			return nil, err
		}
	}

	if hf.Func != nil && c.cache.Record(hf) {
		log.Debugf("recorded identity of %s", hf.Code.Name)
	}
	h := c.newHandle(hf, f.Func, bitmask, p, f.Owner)
	log.Debugf("copied frame %s at offset %d (depth %d, %d excluded)",
		hf.Code.QualName, hf.InstrOffset(), hf.Depth(), len(h.Excluded()))
	return h, nil
}

// resumePoint returns the unit index the copy continues at and whether a
// result must be pushed for the call or yield the frame is paused on.
func resumePoint(f *vm.Frame) (int, bool, error) {
	in, err := f.CurrentInstruction()
	if err != nil {
		return 0, false, err
	}
	if !in.Op.IsSuspendPoint() {
		return f.IP, false, nil
	}
	if in.Next >= f.Code.Units() {
		return 0, false, fmt.Errorf("%w: %s is the last instruction", vm.ErrBadOffset, in.Op)
	}
	return in.Next, true, nil
}

// exclusions computes the per-slot bitmask: unbound slots, slots named in
// the policy and, if asked, locals dead at unit ip.
func (c *Context) exclusions(f *vm.Frame, ip int, p Policy) ([]bool, error) {
	dead := make(map[string]bool)
	if p.ExcludeDeadLocals && c.liveness != nil {
		names, err := c.liveness.DeadVariablesAt(f.Code, ip*vm.UnitSize)
		if err != nil {
			return nil, fmt.Errorf("snapshot: liveness of %s: %w", f.Code.QualName, err)
		}
		for _, n := range names {
			dead[n] = true
		}
	}
	mask := make([]bool, f.Code.NLocalsPlus())
	for i, name := range f.Code.SlotNames {
		v := f.Slot(i)
		mask[i] = v == nil || v == vm.Absent || p.excludes(name) || dead[name]
	}
	return mask, nil
}

// namespace materializes the local namespace of f as it stands now.
// Excluded slots are left out.
func namespace(f *vm.Frame, bitmask []bool) *vm.Map {
	ns := f.LocalsSnapshot()
	for i, name := range f.Code.SlotNames {
		if bitmask[i] {
			ns.Delete(name)
		}
	}
	return ns
}

// ---------------------------------------------------------------------------
// Cloning
// ---------------------------------------------------------------------------

type cloned struct {
	fn     *vm.Function
	code   *vm.Code
	locals *vm.Map
	slots  []vm.Value
	stack  []vm.Value
}

// clone copies everything a detached frame needs in one Cloner call, so
// that values shared between slots, the stack, the local namespace and the
// function's closure stay shared in the copy. In shallow mode only the code unit is cloned.
func (c *Context) clone(f *vm.Frame, locals *vm.Map, shallow bool) (cloned, error) {
	name := f.Code.QualName
	if shallow {
		cv, err := c.cloner.Clone(f.Code)
		if err != nil {
			return cloned{}, &CloneError{What: "code of " + name, Err: err}
		}
		code, ok := cv.(*vm.Code)
		if !ok {
			return cloned{}, &CloneError{What: "code of " + name, Err: fmt.Errorf("cloner returned %T", cv)}
		}
		return cloned{
			fn:     f.Func,
			code:   code,
			locals: locals,
			slots:  append([]vm.Value(nil), f.Slots()...),
			stack:  append([]vm.Value(nil), f.Stack()...),
		}, nil
	}

	nslots := len(f.Slots())
	items := make([]vm.Value, 0, 3+nslots+f.Depth())
	items = append(items, funcValue(f.Func), f.Code, mapValue(locals))
	items = append(items, f.Slots()...)
	items = append(items, f.Stack()...)

	out, err := c.cloner.Clone(vm.NewList(items...))
	if err != nil {
		return cloned{}, &CloneError{What: "frame " + name, Err: err}
	}
	list, ok := out.(*vm.List)
	if !ok || len(list.Items) != len(items) {
		return cloned{}, &CloneError{What: "frame " + name, Err: fmt.Errorf("cloner returned %T", out)}
	}
	res := cloned{
		slots: list.Items[3 : 3+nslots],
		stack: list.Items[3+nslots:],
	}
	res.fn, _ = list.Items[0].(*vm.Function)
	res.locals, _ = list.Items[2].(*vm.Map)
	if res.code, ok = list.Items[1].(*vm.Code); !ok {
		return cloned{}, &CloneError{What: "code of " + name, Err: fmt.Errorf("cloner returned %T", list.Items[1])}
	}
	return res, nil
}

func funcValue(fn *vm.Function) vm.Value {
	if fn == nil {
		return nil
	}
	return fn
}

func mapValue(m *vm.Map) vm.Value {
	if m == nil {
		return nil
	}
	return m
}

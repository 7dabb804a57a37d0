package snapshot

import (
	"fmt"

	"github.com/hashicorp/go-multierror"

	"github.com/chazu/brine/ref"
	"github.com/chazu/brine/vm"
)

// OpaqueTag marks handles wrapped as interpreter values.
const OpaqueTag = "snapshot"

// ---------------------------------------------------------------------------
// Handle: owner of one detached frame
// ---------------------------------------------------------------------------

// Handle exclusively owns a detached, heap-backed frame and the runtime
// references captured with it. It moves from created to pushed (Run) or
// released (Release) exactly once; every later use fails.
type Handle struct {
	ctx *Context

	frame   ref.Owned[*vm.Frame]
	runtime []ref.Owned[vm.Value] // function, globals, builtins, locals namespace

	origin ref.Borrowed[*vm.Function] // live function the copy was taken from

	nslots  int
	depth   int
	bitmask []bool
	policy  Policy
	line    int
	owner   vm.Owner // owner tag of the frame the snapshot came from

	pushed bool
}

func (c *Context) newHandle(f *vm.Frame, origin *vm.Function, bitmask []bool, p Policy, owner vm.Owner) *Handle {
	in := c.interp
	h := &Handle{
		ctx:     c,
		origin:  ref.Borrow(origin),
		nslots:  len(f.Slots()),
		depth:   f.Depth(),
		bitmask: bitmask,
		policy:  p,
		line:    f.Line(),
		owner:   owner,
	}
	h.frame = ref.Own(f, "frame", c.tracker, func(f *vm.Frame) error {
		if !in.FreeDetached(f) {
			return fmt.Errorf("snapshot: frame %s already freed", f.Code.QualName)
		}
		return nil
	})
	for _, v := range []vm.Value{f.Func, f.Globals, f.Builtins, f.Locals} {
		if isNilRef(v) {
			continue
		}
		h.runtime = append(h.runtime, ref.Own(v, "runtime", c.tracker, nil))
	}
	return h
}

// isNilRef reports whether v is a nil interface or a typed nil pointer.
func isNilRef(v vm.Value) bool {
	switch x := v.(type) {
	case nil:
		return true
	case *vm.Function:
		return x == nil
	case *vm.Module:
		return x == nil
	case *vm.Map:
		return x == nil
	}
	return false
}

// OwnsFrame reports whether the handle still owns its heap frame.
func (h *Handle) OwnsFrame() bool { return h.frame.Live() }

// OwnsRuntimeRefs reports whether the handle still owns its captured
// runtime references.
func (h *Handle) OwnsRuntimeRefs() bool {
	for i := range h.runtime {
		if h.runtime[i].Live() {
			return true
		}
	}
	return false
}

// Frame returns a borrowed view of the owned frame. It must not be kept
// past Run or Release.
func (h *Handle) Frame() (*vm.Frame, error) {
	if err := h.usable(); err != nil {
		return nil, err
	}
	return h.frame.Get(), nil
}

// Slots returns the number of locals-plus slots.
func (h *Handle) Slots() int { return h.nslots }

// Depth returns the operand stack depth.
func (h *Handle) Depth() int { return h.depth }

// Bitmask returns one flag per slot; true means the slot is not encoded.
func (h *Handle) Bitmask() []bool { return append([]bool(nil), h.bitmask...) }

// Excluded returns the names of the slots flagged in the bitmask.
func (h *Handle) Excluded() []string {
	f := h.frame.Get()
	if f == nil {
		return nil
	}
	var names []string
	for i, ex := range h.bitmask {
		if ex {
			names = append(names, f.Code.SlotNames[i])
		}
	}
	return names
}

// Policy returns the policy the snapshot was taken with.
func (h *Handle) Policy() Policy { return h.policy }

// Line returns the source line the frame resumes at.
func (h *Handle) Line() int { return h.line }

// CapturedOwner returns the owner tag of the frame the snapshot was taken
// from.
func (h *Handle) CapturedOwner() vm.Owner { return h.owner }

func (h *Handle) usable() error {
	if h.pushed {
		return ErrHandleConsumed
	}
	if !h.frame.Live() {
		return ErrHandleReleased
	}
	return nil
}

// Release frees the frame and drops every owned reference. Releasing a
// handle that has been pushed or released already returns an error and
// frees nothing.
func (h *Handle) Release() error {
	if err := h.usable(); err != nil {
		return err
	}
	var result *multierror.Error
	if err := h.frame.Release(); err != nil {
		result = multierror.Append(result, err)
	}
	for i := range h.runtime {
		if err := h.runtime[i].Release(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	log.Debugf("released snapshot handle")
	return result.ErrorOrNil()
}

// take transfers ownership of the frame and runtime references to the
// caller, who must free the frame.
func (h *Handle) take() (*vm.Frame, error) {
	if err := h.usable(); err != nil {
		return nil, err
	}
	f, err := h.frame.Take()
	if err != nil {
		return nil, err
	}
	for i := range h.runtime {
		h.runtime[i].Take()
	}
	h.pushed = true
	return f, nil
}

// String describes the handle for display.
func (h *Handle) String() string {
	f := h.frame.Get()
	switch {
	case h.pushed:
		return "<snapshot pushed>"
	case f == nil:
		return "<snapshot released>"
	}
	return fmt.Sprintf("<snapshot %s ip=%d depth=%d>", f.Code.QualName, f.InstrOffset(), h.depth)
}

// Value wraps h for interpreted code.
func (h *Handle) Value() *vm.Opaque { return &vm.Opaque{Tag: OpaqueTag, Data: h} }

// HandleOf unwraps a handle passed in from interpreted code.
func HandleOf(v vm.Value) (*Handle, bool) {
	o, ok := v.(*vm.Opaque)
	if !ok || o.Tag != OpaqueTag {
		return nil, false
	}
	h, ok := o.Data.(*Handle)
	return h, ok
}

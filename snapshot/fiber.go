package snapshot

import (
	"github.com/chazu/brine/vm"
)

// ResumeFiberFrame runs a frame captured from a suspended fiber as a new
// top-level computation on th. f is either the fiber's live top frame, which
// is copied and left in place, or a frame returned by Fiber.Detach, which is
// consumed. The pending yield evaluates to nil.
func (c *Context) ResumeFiberFrame(th *vm.Thread, f *vm.Frame) (vm.Value, error) {
	h, err := c.CopyFrame(f, Policy{Shallow: true})
	if err != nil {
		return nil, err
	}
	if f.Owner == vm.OwnerHeap && f.HasBacking() {
		c.interp.FreeDetached(f)
	}
	v, err := c.Run(th, h, nil)
	if h.OwnsFrame() {
		if rerr := h.Release(); rerr != nil {
			log.Errorf("releasing unrun fiber frame: %s", rerr)
		}
	}
	return v, err
}

// ResumeFiber detaches the suspended frame of fb and runs it on th. The
// fiber is finished afterwards.
func (c *Context) ResumeFiber(th *vm.Thread, fb *vm.Fiber) (vm.Value, error) {
	f, err := fb.Detach()
	if err != nil {
		return nil, err
	}
	return c.ResumeFiberFrame(th, f)
}

package vm

import "fmt"

// ---------------------------------------------------------------------------
// Frame layouts
// ---------------------------------------------------------------------------

// Layout decides how a frame's slots and operand stack are laid out in
// backing memory. One layout is selected per interpreter at init time.
type Layout interface {
	Version() int
	Name() string
	// NewFrame allocates a frame for code from a. Slots start empty and the
	// stack starts at depth zero.
	NewFrame(a Allocator, code *Code) (*Frame, error)
	// FreeFrame returns f's backing memory to a. It reports false if f no
	// longer has backing memory.
	FreeFrame(a Allocator, f *Frame) bool
}

// LayoutByName resolves "v1"/"unified" or "v2"/"split".
func LayoutByName(name string) (Layout, error) {
	switch name {
	case "", "v1", "unified":
		return LayoutV1{}, nil
	case "v2", "split":
		return LayoutV2{}, nil
	}
	return nil, fmt.Errorf("vm: unknown frame layout %q", name)
}

// LayoutV1 places slots and stack in one arena: [slots | stack].
type LayoutV1 struct{}

func (LayoutV1) Version() int { return 1 }
func (LayoutV1) Name() string { return "unified" }

func (LayoutV1) NewFrame(a Allocator, code *Code) (*Frame, error) {
	n := code.NLocalsPlus()
	buf, err := a.Alloc(code.FrameSize())
	if err != nil {
		return nil, err
	}
	f := &Frame{Code: code}
	f.slots = buf[:n:n]
	f.stack = buf[n:]
	f.backing = [][]Value{buf}
	return f, nil
}

func (LayoutV1) FreeFrame(a Allocator, f *Frame) bool {
	return f.release(a)
}

// LayoutV2 allocates the slot arena and the stack arena separately.
type LayoutV2 struct{}

func (LayoutV2) Version() int { return 2 }
func (LayoutV2) Name() string { return "split" }

func (LayoutV2) NewFrame(a Allocator, code *Code) (*Frame, error) {
	slots, err := a.Alloc(code.NLocalsPlus())
	if err != nil {
		return nil, err
	}
	stack, err := a.Alloc(code.StackSize)
	if err != nil {
		a.Free(slots)
		return nil, err
	}
	f := &Frame{Code: code}
	f.slots = slots
	f.stack = stack
	f.backing = [][]Value{slots, stack}
	return f, nil
}

func (LayoutV2) FreeFrame(a Allocator, f *Frame) bool {
	return f.release(a)
}

// release frees backing buffers in reverse allocation order.
func (f *Frame) release(a Allocator) bool {
	if f.backing == nil {
		return false
	}
	for i := len(f.backing) - 1; i >= 0; i-- {
		a.Free(f.backing[i])
	}
	f.backing = nil
	f.slots = nil
	f.stack = nil
	f.sp = 0
	return true
}

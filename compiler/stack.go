package compiler

import (
	"fmt"

	"github.com/chazu/brine/vm"
)

// stackDepth walks the control-flow graph of bc and returns the maximum
// operand stack depth. It fills in the Depth of each handler with the depth
// at the start of its protected range.
func stackDepth(bc []byte, handlers []vm.Handler) (int, error) {
	ins, err := vm.Decode(bc)
	if err != nil {
		return 0, err
	}
	at := make(map[int]int, len(ins)) // unit -> instruction index
	for i, in := range ins {
		at[in.Start] = i
	}
	depth := make([]int, len(ins))
	for i := range depth {
		depth[i] = -1
	}

	maxDepth := 0
	var work []int
	visit := func(unit, d int) error {
		i, ok := at[unit]
		if !ok {
			if unit == len(bc)/vm.UnitSize {
				return fmt.Errorf("control falls off the end of the code")
			}
			return fmt.Errorf("jump into the middle of an instruction at unit %d", unit)
		}
		if d < 0 {
			return fmt.Errorf("stack underflow at unit %d", unit)
		}
		switch {
		case depth[i] == -1:
			depth[i] = d
			work = append(work, i)
		case depth[i] != d:
			return fmt.Errorf("inconsistent stack depth at unit %d: %d vs %d", unit, depth[i], d)
		}
		if d > maxDepth {
			maxDepth = d
		}
		return nil
	}

	if len(ins) == 0 {
		return 0, nil
	}
	if err := visit(0, 0); err != nil {
		return 0, err
	}
	for len(work) > 0 || pendingHandlers(handlers, at, depth) {
		for len(work) > 0 {
			i := work[len(work)-1]
			work = work[:len(work)-1]
			in := ins[i]
			d := depth[i]

			if in.Op.Info().HasJump {
				jd := d + in.Op.StackEffect(in.Arg)
				if in.Op == vm.OpForIter {
					jd = d - 1
				}
				if err := visit(in.Arg, jd); err != nil {
					return 0, err
				}
			}
			if in.Op.IsTerminal() {
				continue
			}
			if err := visit(in.Next, d+in.Op.StackEffect(in.Arg)); err != nil {
				return 0, err
			}
		}
		// Handler entry depth is the protected range's start depth plus the
		// pushed error.
		for hi, h := range handlers {
			si, ok := at[h.Start]
			if !ok || depth[si] < 0 {
				continue
			}
			handlers[hi].Depth = depth[si]
			if err := visit(h.Target, depth[si]+1); err != nil {
				return 0, err
			}
		}
	}
	return maxDepth, nil
}

// pendingHandlers reports whether a reached handler's target has not been
// visited yet.
func pendingHandlers(handlers []vm.Handler, at map[int]int, depth []int) bool {
	for _, h := range handlers {
		si, ok := at[h.Start]
		if !ok || depth[si] < 0 {
			continue
		}
		if ti, ok := at[h.Target]; ok && depth[ti] < 0 {
			return true
		}
	}
	return false
}

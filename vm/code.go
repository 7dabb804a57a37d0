package vm

import (
	"errors"
	"fmt"
	"sync/atomic"
)

var (
	ErrBadBytecode = errors.New("vm: malformed bytecode")
	ErrBadCode     = errors.New("vm: malformed code unit")
)

// ---------------------------------------------------------------------------
// Code: immutable description of a callable body
// ---------------------------------------------------------------------------

// SlotKind describes what a locals-plus slot holds.
type SlotKind uint8

const (
	SlotLocal SlotKind = 0x20 // plain local or argument
	SlotCell  SlotKind = 0x40 // cell owned by this frame, shared with closures
	SlotFree  SlotKind = 0x80 // cell received from the enclosing closure
)

func (k SlotKind) String() string {
	switch k {
	case SlotLocal:
		return "local"
	case SlotCell:
		return "cell"
	case SlotFree:
		return "free"
	}
	return fmt.Sprintf("kind(%#x)", uint8(k))
}

// Code flags.
const (
	FlagModule    uint32 = 1 << 0 // module body
	FlagGenerator uint32 = 1 << 1 // contains a yield
)

// Handler is one exception table entry. Positions are unit indices.
type Handler struct {
	Start  int // first protected unit
	End    int // one past the last protected unit
	Target int // handler entry
	Depth  int // stack depth to unwind to before pushing the error
}

// LineEntry maps the instruction starting at unit Start (and every unit up
// to the next entry) to a source line.
type LineEntry struct {
	Start int
	Line  int
}

var codeIDs atomic.Uint64

// Code is a compiled callable body. Slots are ordered locals (arguments
// first), then cells, then free variables. A Code is never mutated after
// construction.
type Code struct {
	id uint64

	Name      string
	QualName  string
	Filename  string
	FirstLine int
	Flags     uint32
	ArgCount  int
	StackSize int

	SlotNames []string
	SlotKinds []SlotKind

	Consts   []Value
	Names    []string
	Handlers []Handler
	Lines    []LineEntry
	Bytecode []byte
}

// CodeParams carries the fields of a new code unit.
type CodeParams struct {
	Name      string
	QualName  string
	Filename  string
	FirstLine int
	Flags     uint32
	ArgCount  int
	StackSize int
	SlotNames []string
	SlotKinds []SlotKind
	Consts    []Value
	Names     []string
	Handlers  []Handler
	Lines     []LineEntry
	Bytecode  []byte
}

// NewCode validates p and builds a code unit with a fresh identity.
func NewCode(p CodeParams) (*Code, error) {
	if p.Name == "" {
		return nil, fmt.Errorf("%w: empty name", ErrBadCode)
	}
	if len(p.SlotNames) != len(p.SlotKinds) {
		return nil, fmt.Errorf("%w: %d slot names but %d kinds", ErrBadCode, len(p.SlotNames), len(p.SlotKinds))
	}
	if len(p.Bytecode)%UnitSize != 0 {
		return nil, fmt.Errorf("%w: odd bytecode length %d", ErrBadCode, len(p.Bytecode))
	}
	if p.ArgCount < 0 || p.ArgCount > len(p.SlotNames) {
		return nil, fmt.Errorf("%w: argcount %d with %d slots", ErrBadCode, p.ArgCount, len(p.SlotNames))
	}
	if p.StackSize < 0 {
		return nil, fmt.Errorf("%w: negative stack size", ErrBadCode)
	}
	// Kinds must be grouped locals, cells, frees.
	last := SlotLocal
	for i, k := range p.SlotKinds {
		if k != SlotLocal && k != SlotCell && k != SlotFree {
			return nil, fmt.Errorf("%w: slot %d has unknown kind %#x", ErrBadCode, i, uint8(k))
		}
		if k < last {
			return nil, fmt.Errorf("%w: slot %d (%s) out of order", ErrBadCode, i, k)
		}
		last = k
	}
	qual := p.QualName
	if qual == "" {
		qual = p.Name
	}
	c := &Code{
		id:        codeIDs.Add(1),
		Name:      p.Name,
		QualName:  qual,
		Filename:  p.Filename,
		FirstLine: p.FirstLine,
		Flags:     p.Flags,
		ArgCount:  p.ArgCount,
		StackSize: p.StackSize,
		SlotNames: append([]string(nil), p.SlotNames...),
		SlotKinds: append([]SlotKind(nil), p.SlotKinds...),
		Consts:    append([]Value(nil), p.Consts...),
		Names:     append([]string(nil), p.Names...),
		Handlers:  append([]Handler(nil), p.Handlers...),
		Lines:     append([]LineEntry(nil), p.Lines...),
		Bytecode:  append([]byte(nil), p.Bytecode...),
	}
	return c, nil
}

// Params returns the fields of c as CodeParams, for building a copy.
func (c *Code) Params() CodeParams {
	return CodeParams{
		Name:      c.Name,
		QualName:  c.QualName,
		Filename:  c.Filename,
		FirstLine: c.FirstLine,
		Flags:     c.Flags,
		ArgCount:  c.ArgCount,
		StackSize: c.StackSize,
		SlotNames: c.SlotNames,
		SlotKinds: c.SlotKinds,
		Consts:    c.Consts,
		Names:     c.Names,
		Handlers:  c.Handlers,
		Lines:     c.Lines,
		Bytecode:  c.Bytecode,
	}
}

func (*Code) Type() string     { return "code" }
func (c *Code) String() string { return fmt.Sprintf("<code %s #%d>", c.QualName, c.id) }

// ID returns the code unit's process-unique identity counter.
func (c *Code) ID() uint64 { return c.id }

// Units returns the number of instruction units, half the bytecode length.
func (c *Code) Units() int { return len(c.Bytecode) / UnitSize }

// NLocalsPlus returns the number of slots.
func (c *Code) NLocalsPlus() int { return len(c.SlotNames) }

func (c *Code) countKind(k SlotKind) int {
	n := 0
	for _, sk := range c.SlotKinds {
		if sk == k {
			n++
		}
	}
	return n
}

// NLocals returns the number of plain local slots, arguments included.
func (c *Code) NLocals() int { return c.countKind(SlotLocal) }

// NCells returns the number of cell slots.
func (c *Code) NCells() int { return c.countKind(SlotCell) }

// NFree returns the number of free variable slots.
func (c *Code) NFree() int { return c.countKind(SlotFree) }

// FrameSize returns the number of values a frame for c needs: slots plus
// the maximum stack depth.
func (c *Code) FrameSize() int { return c.NLocalsPlus() + c.StackSize }

// SlotIndex returns the slot holding name, or -1.
func (c *Code) SlotIndex(name string) int {
	for i, n := range c.SlotNames {
		if n == name {
			return i
		}
	}
	return -1
}

// LineAt returns the source line for unit ip, or FirstLine if unknown.
func (c *Code) LineAt(ip int) int {
	line := c.FirstLine
	for _, e := range c.Lines {
		if e.Start > ip {
			break
		}
		line = e.Line
	}
	return line
}

// HandlerFor returns the innermost handler covering unit ip.
func (c *Code) HandlerFor(ip int) (Handler, bool) {
	var best Handler
	found := false
	for _, h := range c.Handlers {
		if ip >= h.Start && ip < h.End {
			if !found || h.End-h.Start < best.End-best.Start {
				best = h
				found = true
			}
		}
	}
	return best, found
}

// ---------------------------------------------------------------------------
// Functions and builtins
// ---------------------------------------------------------------------------

// Function is a code unit bound to its defining module and closure cells.
type Function struct {
	Name     string
	Code     *Code
	Globals  *Module
	Defaults []Value
	Closure  []*Cell
}

func (*Function) Type() string     { return "function" }
func (f *Function) String() string { return "<function " + f.Code.QualName + ">" }

// NewFunction binds code to globals.
func NewFunction(code *Code, globals *Module, closure []*Cell) *Function {
	return &Function{Name: code.Name, Code: code, Globals: globals, Closure: closure}
}

// BuiltinFunc implements a builtin. The calling frame is th.Top(); its IP
// still points at the CALL instruction and the call operands are popped.
type BuiltinFunc func(th *Thread, args []Value) (Value, error)

// Builtin is a host-implemented callable.
type Builtin struct {
	Name string
	Fn   BuiltinFunc
}

func (*Builtin) Type() string     { return "builtin" }
func (b *Builtin) String() string { return "<builtin " + b.Name + ">" }

package vm

import (
	"fmt"
	"strings"
)

// ---------------------------------------------------------------------------
// Opcode definitions
// ---------------------------------------------------------------------------

// Opcode represents a single bytecode instruction. Every instruction is one
// two-byte unit: the opcode followed by an 8-bit argument. Wider arguments
// are built from EXTENDED_ARG prefix units.
type Opcode byte

// UnitSize is the size in bytes of one instruction unit.
const UnitSize = 2

// Stack Operations
const (
	OpNOP         Opcode = 0x00 // no operation
	OpPOP         Opcode = 0x01 // discard top of stack
	OpDUP         Opcode = 0x02 // duplicate top of stack
	OpExtendedArg Opcode = 0x03 // prefix: arg becomes the high bits of the next arg
)

// Variable Operations
const (
	OpLoadConst   Opcode = 0x10 // push consts[arg]
	OpLoadFast    Opcode = 0x11 // push slot[arg]
	OpStoreFast   Opcode = 0x12 // pop into slot[arg]
	OpDeleteFast  Opcode = 0x13 // unbind slot[arg]
	OpLoadDeref   Opcode = 0x14 // push contents of the cell in slot[arg]
	OpStoreDeref  Opcode = 0x15 // pop into the cell in slot[arg]
	OpLoadClosure Opcode = 0x16 // push the cell in slot[arg] itself
	OpLoadGlobal  Opcode = 0x17 // push globals/builtins[names[arg]]
	OpStoreGlobal Opcode = 0x18 // pop into globals[names[arg]]
)

// Operators
const (
	OpAdd     Opcode = 0x20 // pops 2, pushes a+b
	OpSub     Opcode = 0x21 // pops 2, pushes a-b
	OpMul     Opcode = 0x22 // pops 2, pushes a*b
	OpDiv     Opcode = 0x23 // pops 2, pushes a/b
	OpMod     Opcode = 0x24 // pops 2, pushes a%b
	OpCompare Opcode = 0x25 // pops 2, pushes comparison arg (CmpLT..CmpGE)
	OpNot     Opcode = 0x26 // pops 1, pushes its negation
)

// Containers
const (
	OpBuildList Opcode = 0x30 // pops arg items, pushes a list
	OpBuildMap  Opcode = 0x31 // pops arg key/value pairs, pushes a map
	OpGetItem   Opcode = 0x32 // pops container and key, pushes item
	OpSetItem   Opcode = 0x33 // pops container, key and value
	OpLoadAttr  Opcode = 0x34 // replaces TOS with TOS.names[arg]
)

// Control Flow
const (
	OpJump           Opcode = 0x40 // jump to unit arg
	OpPopJumpIfTrue  Opcode = 0x41 // pop, jump to unit arg if truthy
	OpPopJumpIfFalse Opcode = 0x42 // pop, jump to unit arg if falsy
	OpGetIter        Opcode = 0x43 // replace TOS with an iterator over it
	OpForIter        Opcode = 0x44 // push next item, or pop iterator and jump to arg
)

// Calls and Returns
const (
	OpCall         Opcode = 0x50 // pops callee + arg arguments, pushes result
	OpReturnValue  Opcode = 0x51 // return TOS to the caller
	OpMakeFunction Opcode = 0x52 // pops code then arg closure cells, pushes a function
	OpYield        Opcode = 0x53 // pops a value, suspends the fiber, pushes the resume value
	OpRaise        Opcode = 0x54 // pops a value and raises it
)

// ---------------------------------------------------------------------------
// Opcode metadata
// ---------------------------------------------------------------------------

// variableEffect marks opcodes whose stack effect depends on the argument.
const variableEffect = -100

// OpcodeInfo holds metadata about an opcode.
type OpcodeInfo struct {
	Name        string // human-readable name
	StackEffect int    // net effect on stack (variableEffect = depends on arg)
	HasJump     bool   // argument is a jump target
}

// opcodeTable maps opcodes to their metadata.
var opcodeTable = map[Opcode]OpcodeInfo{
	// Stack operations
	OpNOP:         {"NOP", 0, false},
	OpPOP:         {"POP", -1, false},
	OpDUP:         {"DUP", 1, false},
	OpExtendedArg: {"EXTENDED_ARG", 0, false},

	// Variables
	OpLoadConst:   {"LOAD_CONST", 1, false},
	OpLoadFast:    {"LOAD_FAST", 1, false},
	OpStoreFast:   {"STORE_FAST", -1, false},
	OpDeleteFast:  {"DELETE_FAST", 0, false},
	OpLoadDeref:   {"LOAD_DEREF", 1, false},
	OpStoreDeref:  {"STORE_DEREF", -1, false},
	OpLoadClosure: {"LOAD_CLOSURE", 1, false},
	OpLoadGlobal:  {"LOAD_GLOBAL", 1, false},
	OpStoreGlobal: {"STORE_GLOBAL", -1, false},

	// Operators
	OpAdd:     {"ADD", -1, false},
	OpSub:     {"SUB", -1, false},
	OpMul:     {"MUL", -1, false},
	OpDiv:     {"DIV", -1, false},
	OpMod:     {"MOD", -1, false},
	OpCompare: {"COMPARE", -1, false},
	OpNot:     {"NOT", 0, false},

	// Containers
	OpBuildList: {"BUILD_LIST", variableEffect, false}, // 1 - arg
	OpBuildMap:  {"BUILD_MAP", variableEffect, false},  // 1 - 2*arg
	OpGetItem:   {"GET_ITEM", -1, false},
	OpSetItem:   {"SET_ITEM", -3, false},
	OpLoadAttr:  {"LOAD_ATTR", 0, false},

	// Control flow
	OpJump:           {"JUMP", 0, true},
	OpPopJumpIfTrue:  {"POP_JUMP_IF_TRUE", -1, true},
	OpPopJumpIfFalse: {"POP_JUMP_IF_FALSE", -1, true},
	OpGetIter:        {"GET_ITER", 0, false},
	OpForIter:        {"FOR_ITER", 1, true}, // -1 on the exhausted branch

	// Calls
	OpCall:         {"CALL", variableEffect, false},          // -arg
	OpReturnValue:  {"RETURN_VALUE", -1, false},
	OpMakeFunction: {"MAKE_FUNCTION", variableEffect, false}, // -arg
	OpYield:        {"YIELD", 0, false},
	OpRaise:        {"RAISE", -1, false},
}

// Info returns the metadata for an opcode.
func (op Opcode) Info() OpcodeInfo {
	if info, ok := opcodeTable[op]; ok {
		return info
	}
	return OpcodeInfo{Name: fmt.Sprintf("UNKNOWN_%02X", byte(op))}
}

// Name returns the human-readable name for an opcode.
func (op Opcode) Name() string {
	return op.Info().Name
}

// String implements the Stringer interface.
func (op Opcode) String() string {
	return op.Name()
}

// Valid reports whether op is a known opcode.
func (op Opcode) Valid() bool {
	_, ok := opcodeTable[op]
	return ok
}

// StackEffect returns the net stack effect of op with the given argument on
// its fall-through path.
func (op Opcode) StackEffect(arg int) int {
	switch op {
	case OpBuildList:
		return 1 - arg
	case OpBuildMap:
		return 1 - 2*arg
	case OpCall, OpMakeFunction:
		return -arg
	}
	return op.Info().StackEffect
}

// IsTerminal reports whether control never falls through op.
func (op Opcode) IsTerminal() bool {
	return op == OpJump || op == OpReturnValue || op == OpRaise
}

// IsSuspendPoint reports whether a frame can be paused on op with its
// operands already consumed: a call in progress or a fiber yield.
func (op Opcode) IsSuspendPoint() bool {
	return op == OpCall || op == OpYield
}

// ---------------------------------------------------------------------------
// Instruction decoding
// ---------------------------------------------------------------------------

// Instruction is one decoded instruction, including its prefixes.
type Instruction struct {
	Start int // unit index of the first prefix (or the opcode)
	Next  int // unit index of the following instruction
	Op    Opcode
	Arg   int
}

// Size returns the instruction length in units.
func (in Instruction) Size() int { return in.Next - in.Start }

// DecodeAt decodes the instruction starting at unit ip of bc.
func DecodeAt(bc []byte, ip int) (Instruction, error) {
	units := len(bc) / UnitSize
	start := ip
	arg := 0
	for prefixes := 0; ; prefixes++ {
		if ip < 0 || ip >= units {
			return Instruction{}, fmt.Errorf("%w: unit %d outside %d units", ErrBadBytecode, ip, units)
		}
		op := Opcode(bc[ip*UnitSize])
		arg = arg<<8 | int(bc[ip*UnitSize+1])
		ip++
		if op != OpExtendedArg {
			return Instruction{Start: start, Next: ip, Op: op, Arg: arg}, nil
		}
		if prefixes == 3 {
			return Instruction{}, fmt.Errorf("%w: too many EXTENDED_ARG prefixes at unit %d", ErrBadBytecode, start)
		}
	}
}

// Decode decodes every instruction in bc.
func Decode(bc []byte) ([]Instruction, error) {
	if len(bc)%UnitSize != 0 {
		return nil, fmt.Errorf("%w: odd bytecode length %d", ErrBadBytecode, len(bc))
	}
	var out []Instruction
	for ip := 0; ip < len(bc)/UnitSize; {
		in, err := DecodeAt(bc, ip)
		if err != nil {
			return nil, err
		}
		out = append(out, in)
		ip = in.Next
	}
	return out, nil
}

// ArgUnits returns the number of units needed to encode an instruction
// carrying arg.
func ArgUnits(arg int) int {
	switch {
	case arg <= 0xFF:
		return 1
	case arg <= 0xFFFF:
		return 2
	case arg <= 0xFFFFFF:
		return 3
	default:
		return 4
	}
}

// ---------------------------------------------------------------------------
// BytecodeBuilder: Helper for constructing bytecode
// ---------------------------------------------------------------------------

// BytecodeBuilder helps construct bytecode sequences.
type BytecodeBuilder struct {
	bytes []byte
}

// NewBytecodeBuilder creates a new bytecode builder.
func NewBytecodeBuilder() *BytecodeBuilder {
	return &BytecodeBuilder{
		bytes: make([]byte, 0, 64),
	}
}

// Bytes returns the constructed bytecode.
func (b *BytecodeBuilder) Bytes() []byte {
	return b.bytes
}

// Units returns the current length in units.
func (b *BytecodeBuilder) Units() int {
	return len(b.bytes) / UnitSize
}

// Emit appends op with arg, adding EXTENDED_ARG prefixes as needed.
func (b *BytecodeBuilder) Emit(op Opcode, arg int) {
	n := ArgUnits(arg)
	for i := n - 1; i > 0; i-- {
		b.bytes = append(b.bytes, byte(OpExtendedArg), byte(arg>>(8*i)))
	}
	b.bytes = append(b.bytes, byte(op), byte(arg))
}

// ---------------------------------------------------------------------------
// Disassembly
// ---------------------------------------------------------------------------

// Disassemble renders code as one instruction per line.
func Disassemble(c *Code) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "code %s (%s:%d) slots=%d stack=%d\n", c.QualName, c.Filename, c.FirstLine, c.NLocalsPlus(), c.StackSize)
	ins, err := Decode(c.Bytecode)
	if err != nil {
		fmt.Fprintf(&sb, "  <%v>\n", err)
		return sb.String()
	}
	for _, in := range ins {
		fmt.Fprintf(&sb, "  %4d  %-18s", in.Start, in.Op.Name())
		switch in.Op {
		case OpNOP, OpPOP, OpDUP, OpAdd, OpSub, OpMul, OpDiv, OpMod, OpNot,
			OpGetItem, OpSetItem, OpGetIter, OpReturnValue, OpYield, OpRaise:
		case OpLoadConst:
			if in.Arg < len(c.Consts) {
				fmt.Fprintf(&sb, "%d (%s)", in.Arg, Repr(c.Consts[in.Arg]))
			} else {
				fmt.Fprintf(&sb, "%d (?)", in.Arg)
			}
		case OpLoadFast, OpStoreFast, OpDeleteFast, OpLoadDeref, OpStoreDeref, OpLoadClosure:
			if in.Arg < len(c.SlotNames) {
				fmt.Fprintf(&sb, "%d (%s)", in.Arg, c.SlotNames[in.Arg])
			} else {
				fmt.Fprintf(&sb, "%d (?)", in.Arg)
			}
		case OpLoadGlobal, OpStoreGlobal, OpLoadAttr:
			if in.Arg < len(c.Names) {
				fmt.Fprintf(&sb, "%d (%s)", in.Arg, c.Names[in.Arg])
			} else {
				fmt.Fprintf(&sb, "%d (?)", in.Arg)
			}
		case OpCompare:
			if in.Arg < len(cmpNames) {
				fmt.Fprintf(&sb, "%d (%s)", in.Arg, cmpNames[in.Arg])
			} else {
				fmt.Fprintf(&sb, "%d", in.Arg)
			}
		default:
			if in.Op.Info().HasJump {
				fmt.Fprintf(&sb, "-> %d", in.Arg)
			} else {
				fmt.Fprintf(&sb, "%d", in.Arg)
			}
		}
		sb.WriteByte('\n')
	}
	for _, h := range c.Handlers {
		fmt.Fprintf(&sb, "  handler [%d, %d) -> %d depth %d\n", h.Start, h.End, h.Target, h.Depth)
	}
	return sb.String()
}

package wire

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

type fieldNum = protowire.Number

// Top-level sections.
const (
	fieldCode   fieldNum = 1
	fieldFrame  fieldNum = 2
	fieldModule fieldNum = 3
)

// ---------------------------------------------------------------------------
// Field helpers
// ---------------------------------------------------------------------------

// field is one decoded field value: varint fields set u, length-delimited
// fields set bytes.
type field struct {
	u       uint64
	bytes   []byte
	isBytes bool
}

func appendMessage(b []byte, num fieldNum, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

func appendString(b []byte, num fieldNum, s string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendUint(b []byte, num fieldNum, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendInt(b []byte, num fieldNum, v int) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, protowire.EncodeZigZag(int64(v)))
}

// appendInts writes ints as one packed field.
func appendInts(b []byte, num fieldNum, vs []int) []byte {
	var packed []byte
	for _, v := range vs {
		packed = protowire.AppendVarint(packed, protowire.EncodeZigZag(int64(v)))
	}
	return appendMessage(b, num, packed)
}

// appendPayloads writes a list of byte payloads as one nested message with
// repeated field 1, so an empty list is still present.
func appendPayloads(b []byte, num fieldNum, ps [][]byte) []byte {
	var inner []byte
	for _, p := range ps {
		inner = appendMessage(inner, 1, p)
	}
	return appendMessage(b, num, inner)
}

// walk calls fn for each field in b. Unknown wire types are errors; unknown
// field numbers are passed to fn, which may ignore them.
func walk(b []byte, fn func(num fieldNum, v field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrCorruptData, protowire.ParseError(n))
		}
		b = b[n:]
		var v field
		switch typ {
		case protowire.VarintType:
			v.u, n = protowire.ConsumeVarint(b)
		case protowire.BytesType:
			v.bytes, n = protowire.ConsumeBytes(b)
			v.isBytes = true
		default:
			return fmt.Errorf("%w: field %d has wire type %d", ErrCorruptData, num, typ)
		}
		if n < 0 {
			return fmt.Errorf("%w: field %d: %v", ErrCorruptData, num, protowire.ParseError(n))
		}
		b = b[n:]
		if err := fn(num, v); err != nil {
			return err
		}
	}
	return nil
}

func parseInts(b []byte) ([]int, error) {
	var out []int
	for len(b) > 0 {
		v, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: packed ints: %v", ErrCorruptData, protowire.ParseError(n))
		}
		out = append(out, int(protowire.DecodeZigZag(v)))
		b = b[n:]
	}
	return out, nil
}

func parsePayloads(b []byte) ([][]byte, error) {
	out := [][]byte{}
	err := walk(b, func(num fieldNum, v field) error {
		if num != 1 || !v.isBytes {
			return fmt.Errorf("%w: payload list field %d", ErrCorruptData, num)
		}
		out = append(out, v.bytes)
		return nil
	})
	return out, err
}

func toInt(u uint64) int { return int(protowire.DecodeZigZag(u)) }

// ---------------------------------------------------------------------------
// Code section
// ---------------------------------------------------------------------------

// Code is the code unit section. When NameOnly is set only Name is written
// and the reader must resolve the rest elsewhere.
type Code struct {
	NameOnly bool

	Name      string
	QualName  string
	Filename  string
	FirstLine int
	Flags     uint32
	ArgCount  int
	StackSize int

	NLocalsPlus int
	NLocals     int
	NCells      int
	NFree       int
	SlotNames   []string
	SlotKinds   []byte

	Consts   [][]byte // one codec payload per constant
	Names    []string
	Handlers []int // start, end, target, depth in units
	Lines    []int // start unit, line
	Bytecode []byte
}

const (
	codeName fieldNum = iota + 1
	codeQualName
	codeFilename
	codeFirstLine
	codeFlags
	codeArgCount
	codeStackSize
	codeNLocalsPlus
	codeNLocals
	codeNCells
	codeNFree
	codeSlotNames
	codeSlotKinds
	codeConsts
	codeNames
	codeHandlers
	codeLines
	codeBytecode
)

func (c *Code) append(b []byte) []byte {
	b = appendString(b, codeName, c.Name)
	if c.NameOnly {
		return b
	}
	b = appendString(b, codeQualName, c.QualName)
	b = appendString(b, codeFilename, c.Filename)
	b = appendInt(b, codeFirstLine, c.FirstLine)
	b = appendUint(b, codeFlags, uint64(c.Flags))
	b = appendInt(b, codeArgCount, c.ArgCount)
	b = appendInt(b, codeStackSize, c.StackSize)
	b = appendInt(b, codeNLocalsPlus, c.NLocalsPlus)
	b = appendInt(b, codeNLocals, c.NLocals)
	b = appendInt(b, codeNCells, c.NCells)
	b = appendInt(b, codeNFree, c.NFree)
	for _, s := range c.SlotNames {
		b = appendString(b, codeSlotNames, s)
	}
	b = appendMessage(b, codeSlotKinds, c.SlotKinds)
	b = appendPayloads(b, codeConsts, c.Consts)
	for _, s := range c.Names {
		b = appendString(b, codeNames, s)
	}
	b = appendInts(b, codeHandlers, c.Handlers)
	b = appendInts(b, codeLines, c.Lines)
	b = appendMessage(b, codeBytecode, c.Bytecode)
	return b
}

func parseCode(b []byte) (*Code, error) {
	c := &Code{}
	seen := map[fieldNum]bool{}
	err := walk(b, func(num fieldNum, v field) error {
		seen[num] = true
		var err error
		switch num {
		case codeName:
			c.Name = string(v.bytes)
		case codeQualName:
			c.QualName = string(v.bytes)
		case codeFilename:
			c.Filename = string(v.bytes)
		case codeFirstLine:
			c.FirstLine = toInt(v.u)
		case codeFlags:
			c.Flags = uint32(v.u)
		case codeArgCount:
			c.ArgCount = toInt(v.u)
		case codeStackSize:
			c.StackSize = toInt(v.u)
		case codeNLocalsPlus:
			c.NLocalsPlus = toInt(v.u)
		case codeNLocals:
			c.NLocals = toInt(v.u)
		case codeNCells:
			c.NCells = toInt(v.u)
		case codeNFree:
			c.NFree = toInt(v.u)
		case codeSlotNames:
			c.SlotNames = append(c.SlotNames, string(v.bytes))
		case codeSlotKinds:
			c.SlotKinds = append([]byte{}, v.bytes...)
		case codeConsts:
			c.Consts, err = parsePayloads(v.bytes)
		case codeNames:
			c.Names = append(c.Names, string(v.bytes))
		case codeHandlers:
			c.Handlers, err = parseInts(v.bytes)
		case codeLines:
			c.Lines, err = parseInts(v.bytes)
		case codeBytecode:
			c.Bytecode = append([]byte{}, v.bytes...)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	if !seen[codeName] {
		return nil, fmt.Errorf("%w: code name", ErrMissingSection)
	}
	if !seen[codeBytecode] {
		c.NameOnly = true
		return c, nil
	}
	if c.NLocalsPlus != len(c.SlotNames) || c.NLocalsPlus != len(c.SlotKinds) {
		return nil, fmt.Errorf("%w: code %s declares %d slots with %d names and %d kinds",
			ErrCorruptData, c.Name, c.NLocalsPlus, len(c.SlotNames), len(c.SlotKinds))
	}
	if c.NLocals+c.NCells+c.NFree != c.NLocalsPlus {
		return nil, fmt.Errorf("%w: code %s slot counts %d+%d+%d != %d",
			ErrCorruptData, c.Name, c.NLocals, c.NCells, c.NFree, c.NLocalsPlus)
	}
	return c, nil
}

// Units returns the bytecode length in two-byte units.
func (c *Code) Units() int { return len(c.Bytecode) / 2 }

// ---------------------------------------------------------------------------
// Frame section
// ---------------------------------------------------------------------------

// Frame is the frame section. Func and Globals are nil when immutables were
// excluded. LocalsPlus holds only the slots whose Bitmask entry is zero.
type Frame struct {
	Func    []byte
	Globals []byte
	Locals  []byte // direct-access namespace, if the frame had one

	InstrOffset  int // bytes
	ReturnOffset int
	Owner        uint8

	LocalsPlus [][]byte
	Bitmask    []byte // one byte per slot, 1 = excluded
	Stack      [][]byte
	Line       int

	HasLocalsPlus bool
	HasBitmask    bool
}

const (
	frameFunc fieldNum = iota + 1
	frameGlobals
	frameLocals
	frameInstrOffset
	frameReturnOffset
	frameOwner
	frameLocalsPlus
	frameBitmask
	frameStack
	frameLine
)

func (f *Frame) append(b []byte) []byte {
	if f.Func != nil {
		b = appendMessage(b, frameFunc, f.Func)
	}
	if f.Globals != nil {
		b = appendMessage(b, frameGlobals, f.Globals)
	}
	if f.Locals != nil {
		b = appendMessage(b, frameLocals, f.Locals)
	}
	b = appendInt(b, frameInstrOffset, f.InstrOffset)
	b = appendInt(b, frameReturnOffset, f.ReturnOffset)
	b = appendUint(b, frameOwner, uint64(f.Owner))
	b = appendPayloads(b, frameLocalsPlus, f.LocalsPlus)
	b = appendMessage(b, frameBitmask, f.Bitmask)
	b = appendPayloads(b, frameStack, f.Stack)
	b = appendInt(b, frameLine, f.Line)
	return b
}

func parseFrame(b []byte) (*Frame, error) {
	f := &Frame{}
	err := walk(b, func(num fieldNum, v field) error {
		var err error
		switch num {
		case frameFunc:
			f.Func = append([]byte{}, v.bytes...)
		case frameGlobals:
			f.Globals = append([]byte{}, v.bytes...)
		case frameLocals:
			f.Locals = append([]byte{}, v.bytes...)
		case frameInstrOffset:
			f.InstrOffset = toInt(v.u)
		case frameReturnOffset:
			f.ReturnOffset = toInt(v.u)
		case frameOwner:
			if v.u > 0xff {
				return fmt.Errorf("%w: owner tag %d", ErrCorruptData, v.u)
			}
			f.Owner = uint8(v.u)
		case frameLocalsPlus:
			f.LocalsPlus, err = parsePayloads(v.bytes)
			f.HasLocalsPlus = true
		case frameBitmask:
			f.Bitmask = append([]byte{}, v.bytes...)
			f.HasBitmask = true
		case frameStack:
			f.Stack, err = parsePayloads(v.bytes)
		case frameLine:
			f.Line = toInt(v.u)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return f, nil
}

// Excluded returns the number of slots flagged in the bitmask.
func (f *Frame) Excluded() int {
	n := 0
	for _, bit := range f.Bitmask {
		if bit != 0 {
			n++
		}
	}
	return n
}

// ---------------------------------------------------------------------------
// Module section
// ---------------------------------------------------------------------------

// Module carries the defining module's identity and source text.
type Module struct {
	Name        string
	Package     string
	HasPackage  bool
	Filename    string
	HasFilename bool
	Source      string
}

const (
	moduleName fieldNum = iota + 1
	modulePackage
	moduleFilename
	moduleSource
)

func (m *Module) append(b []byte) []byte {
	b = appendString(b, moduleName, m.Name)
	if m.HasPackage {
		b = appendString(b, modulePackage, m.Package)
	}
	if m.HasFilename {
		b = appendString(b, moduleFilename, m.Filename)
	}
	b = appendString(b, moduleSource, m.Source)
	return b
}

func parseModule(b []byte) (*Module, error) {
	m := &Module{}
	hasSource := false
	err := walk(b, func(num fieldNum, v field) error {
		switch num {
		case moduleName:
			m.Name = string(v.bytes)
		case modulePackage:
			m.Package = string(v.bytes)
			m.HasPackage = true
		case moduleFilename:
			m.Filename = string(v.bytes)
			m.HasFilename = true
		case moduleSource:
			m.Source = string(v.bytes)
			hasSource = true
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !hasSource {
		return nil, fmt.Errorf("%w: module source", ErrMissingSection)
	}
	return m, nil
}

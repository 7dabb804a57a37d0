package vm

import (
	"errors"
	"strings"
	"testing"
)

// ---------------------------------------------------------------------------
// Opcode metadata tests
// ---------------------------------------------------------------------------

func TestOpcodeInfo(t *testing.T) {
	tests := []struct {
		op      Opcode
		name    string
		hasJump bool
	}{
		{OpNOP, "NOP", false},
		{OpExtendedArg, "EXTENDED_ARG", false},
		{OpLoadConst, "LOAD_CONST", false},
		{OpLoadFast, "LOAD_FAST", false},
		{OpStoreDeref, "STORE_DEREF", false},
		{OpCompare, "COMPARE", false},
		{OpJump, "JUMP", true},
		{OpPopJumpIfFalse, "POP_JUMP_IF_FALSE", true},
		{OpForIter, "FOR_ITER", true},
		{OpCall, "CALL", false},
		{OpYield, "YIELD", false},
	}

	for _, tt := range tests {
		info := tt.op.Info()
		if info.Name != tt.name {
			t.Errorf("%s: Name = %q, want %q", tt.op, info.Name, tt.name)
		}
		if info.HasJump != tt.hasJump {
			t.Errorf("%s: HasJump = %v, want %v", tt.op, info.HasJump, tt.hasJump)
		}
	}
}

func TestOpcodeUnknown(t *testing.T) {
	op := Opcode(0xEE)
	if op.Valid() {
		t.Error("0xEE should not be valid")
	}
	if got := op.Name(); got != "UNKNOWN_EE" {
		t.Errorf("Name = %q, want UNKNOWN_EE", got)
	}
}

func TestStackEffect(t *testing.T) {
	tests := []struct {
		op   Opcode
		arg  int
		want int
	}{
		{OpLoadConst, 0, 1},
		{OpPOP, 0, -1},
		{OpBuildList, 3, -2},
		{OpBuildList, 0, 1},
		{OpBuildMap, 2, -3},
		{OpCall, 2, -2},
		{OpCall, 0, 0},
		{OpMakeFunction, 1, -1},
		{OpSetItem, 0, -3},
	}
	for _, tt := range tests {
		if got := tt.op.StackEffect(tt.arg); got != tt.want {
			t.Errorf("%s(%d).StackEffect = %d, want %d", tt.op, tt.arg, got, tt.want)
		}
	}
}

func TestSuspendPoints(t *testing.T) {
	for _, op := range []Opcode{OpCall, OpYield} {
		if !op.IsSuspendPoint() {
			t.Errorf("%s should be a suspend point", op)
		}
	}
	for _, op := range []Opcode{OpReturnValue, OpLoadFast, OpJump} {
		if op.IsSuspendPoint() {
			t.Errorf("%s should not be a suspend point", op)
		}
	}
}

// ---------------------------------------------------------------------------
// Encoding and decoding
// ---------------------------------------------------------------------------

func TestEmitAndDecode(t *testing.T) {
	tests := []struct {
		arg   int
		units int
	}{
		{0, 1},
		{0xFF, 1},
		{0x100, 2},
		{0xFFFF, 2},
		{0x10000, 3},
		{0x1000000, 4},
	}
	for _, tt := range tests {
		b := NewBytecodeBuilder()
		b.Emit(OpLoadConst, tt.arg)
		if b.Units() != tt.units {
			t.Errorf("arg %#x: %d units, want %d", tt.arg, b.Units(), tt.units)
		}
		in, err := DecodeAt(b.Bytes(), 0)
		if err != nil {
			t.Fatalf("arg %#x: DecodeAt: %v", tt.arg, err)
		}
		if in.Op != OpLoadConst || in.Arg != tt.arg || in.Size() != tt.units {
			t.Errorf("arg %#x: decoded %+v", tt.arg, in)
		}
	}
}

func TestDecodeSequence(t *testing.T) {
	b := NewBytecodeBuilder()
	b.Emit(OpLoadConst, 1)
	b.Emit(OpJump, 0x1234)
	b.Emit(OpReturnValue, 0)

	ins, err := Decode(b.Bytes())
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(ins) != 3 {
		t.Fatalf("decoded %d instructions, want 3", len(ins))
	}
	if ins[1].Start != 1 || ins[1].Next != 3 {
		t.Errorf("jump spans units [%d, %d), want [1, 3)", ins[1].Start, ins[1].Next)
	}
	if ins[2].Start != 3 {
		t.Errorf("return starts at %d, want 3", ins[2].Start)
	}
}

func TestDecodeErrors(t *testing.T) {
	tests := []struct {
		name string
		bc   []byte
	}{
		{"odd length", []byte{byte(OpNOP)}},
		{"dangling prefix", []byte{byte(OpExtendedArg), 1}},
		{"too many prefixes", []byte{
			byte(OpExtendedArg), 0, byte(OpExtendedArg), 0,
			byte(OpExtendedArg), 0, byte(OpExtendedArg), 0,
			byte(OpNOP), 0,
		}},
	}
	for _, tt := range tests {
		if _, err := Decode(tt.bc); !errors.Is(err, ErrBadBytecode) {
			t.Errorf("%s: err = %v, want ErrBadBytecode", tt.name, err)
		}
	}
}

func TestDisassemble(t *testing.T) {
	b := NewBytecodeBuilder()
	b.Emit(OpLoadFast, 0)
	b.Emit(OpLoadConst, 0)
	b.Emit(OpCompare, CmpLT)
	b.Emit(OpReturnValue, 0)
	code, err := NewCode(CodeParams{
		Name:      "f",
		ArgCount:  1,
		StackSize: 2,
		SlotNames: []string{"x"},
		SlotKinds: []SlotKind{SlotLocal},
		Consts:    []Value{Int(10)},
		Bytecode:  b.Bytes(),
	})
	if err != nil {
		t.Fatalf("NewCode: %v", err)
	}
	out := Disassemble(code)
	for _, want := range []string{"LOAD_FAST", "0 (x)", "0 (10)", "COMPARE", "(<)", "RETURN_VALUE"} {
		if !strings.Contains(out, want) {
			t.Errorf("disassembly missing %q:\n%s", want, out)
		}
	}
}

// ---------------------------------------------------------------------------
// Code validation
// ---------------------------------------------------------------------------

func TestNewCodeValidation(t *testing.T) {
	tests := []struct {
		name string
		p    CodeParams
	}{
		{"empty name", CodeParams{}},
		{"kinds mismatch", CodeParams{Name: "f", SlotNames: []string{"a"}}},
		{"odd bytecode", CodeParams{Name: "f", Bytecode: []byte{0}}},
		{"argcount", CodeParams{Name: "f", ArgCount: 1}},
		{"kind order", CodeParams{Name: "f", SlotNames: []string{"c", "a"}, SlotKinds: []SlotKind{SlotCell, SlotLocal}}},
		{"unknown kind", CodeParams{Name: "f", SlotNames: []string{"a"}, SlotKinds: []SlotKind{0x11}}},
	}
	for _, tt := range tests {
		if _, err := NewCode(tt.p); !errors.Is(err, ErrBadCode) {
			t.Errorf("%s: err = %v, want ErrBadCode", tt.name, err)
		}
	}
}

func TestCodeQueries(t *testing.T) {
	code, err := NewCode(CodeParams{
		Name:      "f",
		FirstLine: 10,
		ArgCount:  1,
		StackSize: 4,
		SlotNames: []string{"a", "b", "c", "d"},
		SlotKinds: []SlotKind{SlotLocal, SlotLocal, SlotCell, SlotFree},
		Lines:     []LineEntry{{Start: 0, Line: 11}, {Start: 3, Line: 12}},
		Handlers: []Handler{
			{Start: 0, End: 10, Target: 20},
			{Start: 2, End: 4, Target: 30},
		},
		Bytecode: make([]byte, 2*UnitSize),
	})
	if err != nil {
		t.Fatalf("NewCode: %v", err)
	}
	if code.NLocals() != 2 || code.NCells() != 1 || code.NFree() != 1 {
		t.Errorf("counts = %d/%d/%d, want 2/1/1", code.NLocals(), code.NCells(), code.NFree())
	}
	if code.FrameSize() != 8 {
		t.Errorf("FrameSize = %d, want 8", code.FrameSize())
	}
	if code.SlotIndex("c") != 2 || code.SlotIndex("zz") != -1 {
		t.Error("SlotIndex mismatch")
	}
	if code.LineAt(2) != 11 || code.LineAt(5) != 12 {
		t.Errorf("LineAt = %d, %d, want 11, 12", code.LineAt(2), code.LineAt(5))
	}
	if h, ok := code.HandlerFor(3); !ok || h.Target != 30 {
		t.Errorf("HandlerFor(3) = %+v, want the inner handler", h)
	}
	if h, ok := code.HandlerFor(6); !ok || h.Target != 20 {
		t.Errorf("HandlerFor(6) = %+v, want the outer handler", h)
	}
	if _, ok := code.HandlerFor(12); ok {
		t.Error("HandlerFor(12) should not match")
	}

	other, _ := NewCode(code.Params())
	if other.ID() == code.ID() {
		t.Error("copied code should get a fresh identity")
	}
}

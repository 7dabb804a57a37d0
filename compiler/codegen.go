package compiler

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/chazu/brine/vm"
)

// ModuleCodeName is the name given to every module body code unit.
const ModuleCodeName = "<module>"

// Unit is the result of compiling one source file.
type Unit struct {
	Module string           // name from the module directive, if any
	Code   *vm.Code         // module body
	Funcs  map[string]*vm.Code
}

// Compile parses and assembles src. filename is recorded in every code unit.
func Compile(src, filename string) (*Unit, error) {
	file, err := Parse(src)
	if err != nil {
		return nil, err
	}
	g := &generator{file: file, filename: filename, codes: make(map[string]*vm.Code), busy: make(map[string]bool)}
	for _, fn := range file.Funcs {
		if _, err := g.funcCode(fn.Name, fn.Pos); err != nil {
			return nil, err
		}
	}
	body, err := g.moduleCode()
	if err != nil {
		return nil, err
	}
	return &Unit{Module: file.Module, Code: body, Funcs: g.codes}, nil
}

// ---------------------------------------------------------------------------
// Generator
// ---------------------------------------------------------------------------

type generator struct {
	file     *File
	filename string
	codes    map[string]*vm.Code
	busy     map[string]bool
}

func (g *generator) funcCode(name string, pos Position) (*vm.Code, error) {
	if c, ok := g.codes[name]; ok {
		return c, nil
	}
	decl := g.file.Func(name)
	if decl == nil {
		return nil, errorf(pos, "unknown func %s", name)
	}
	if g.busy[name] {
		return nil, errorf(pos, "func %s makes itself", name)
	}
	g.busy[name] = true
	defer delete(g.busy, name)

	a := newAssembler(g, decl.Name, decl.Pos.Line)
	if err := a.declare(decl); err != nil {
		return nil, err
	}
	if err := a.items(decl.Body); err != nil {
		return nil, err
	}
	a.emit(vm.OpLoadConst, a.constant(vm.Nil), decl.Pos.Line)
	a.emit(vm.OpReturnValue, 0, decl.Pos.Line)
	code, err := a.finish(len(decl.Params))
	if err != nil {
		return nil, err
	}
	g.codes[name] = code
	return code, nil
}

func (g *generator) moduleCode() (*vm.Code, error) {
	a := newAssembler(g, ModuleCodeName, 1)
	a.module = true
	a.flags |= vm.FlagModule
	for _, fn := range g.file.Funcs {
		if len(fn.Free) > 0 {
			continue
		}
		a.emit(vm.OpLoadConst, a.constant(g.codes[fn.Name]), fn.Pos.Line)
		a.emit(vm.OpMakeFunction, 0, fn.Pos.Line)
		a.emit(vm.OpStoreGlobal, a.nameIndex(fn.Name), fn.Pos.Line)
	}
	if err := a.items(g.file.Body); err != nil {
		return nil, err
	}
	a.emit(vm.OpLoadConst, a.constant(vm.Nil), 0)
	a.emit(vm.OpReturnValue, 0, 0)
	return a.finish(0)
}

// ---------------------------------------------------------------------------
// Assembler: one code unit
// ---------------------------------------------------------------------------

type pendingInstr struct {
	op    vm.Opcode
	arg   int
	label string // jump target, resolved at layout
	line  int
}

type tryRange struct {
	start, end int // instruction indices
	label      string
	pos        Position
}

type assembler struct {
	g      *generator
	name   string
	line   int
	module bool
	flags  uint32

	slots     []string
	kinds     []vm.SlotKind
	slotIndex map[string]int

	consts  []vm.Value
	constIx map[string]int
	names   []string
	nameIx  map[string]int

	instrs []pendingInstr
	labels map[string]int
	tries  []tryRange
	open   []int // indices into tries
}

func newAssembler(g *generator, name string, line int) *assembler {
	return &assembler{
		g:         g,
		name:      name,
		line:      line,
		slotIndex: make(map[string]int),
		constIx:   make(map[string]int),
		nameIx:    make(map[string]int),
		labels:    make(map[string]int),
	}
}

func (a *assembler) addSlot(name string, kind vm.SlotKind, pos Position) error {
	if _, dup := a.slotIndex[name]; dup {
		return errorf(pos, "%s: %q declared twice", a.name, name)
	}
	a.slotIndex[name] = len(a.slots)
	a.slots = append(a.slots, name)
	a.kinds = append(a.kinds, kind)
	return nil
}

// declare lays out slots: params, declared locals, inferred locals, cells,
// free variables.
func (a *assembler) declare(decl *FuncDecl) error {
	for _, n := range decl.Params {
		if err := a.addSlot(n, vm.SlotLocal, decl.Pos); err != nil {
			return err
		}
	}
	for _, n := range decl.Locals {
		if err := a.addSlot(n, vm.SlotLocal, decl.Pos); err != nil {
			return err
		}
	}
	special := make(map[string]bool)
	for _, n := range decl.Cells {
		special[n] = true
	}
	for _, n := range decl.Free {
		special[n] = true
	}
	for _, it := range decl.Body {
		in := it.Instr
		if in == nil || (in.Mnemonic != "store" && in.Mnemonic != "delete") || len(in.Operands) != 1 {
			continue
		}
		n := in.Operands[0].Tok.Literal
		if _, ok := a.slotIndex[n]; ok || special[n] {
			continue
		}
		if err := a.addSlot(n, vm.SlotLocal, in.Pos); err != nil {
			return err
		}
	}
	for _, n := range decl.Cells {
		if err := a.addSlot(n, vm.SlotCell, decl.Pos); err != nil {
			return err
		}
	}
	for _, n := range decl.Free {
		if err := a.addSlot(n, vm.SlotFree, decl.Pos); err != nil {
			return err
		}
	}
	return nil
}

func (a *assembler) constant(v vm.Value) int {
	var key string
	switch x := v.(type) {
	case *vm.Code:
		key = fmt.Sprintf("code:%d", x.ID())
	default:
		key = v.Type() + ":" + vm.Repr(v)
	}
	if i, ok := a.constIx[key]; ok {
		return i
	}
	a.constIx[key] = len(a.consts)
	a.consts = append(a.consts, v)
	return len(a.consts) - 1
}

func (a *assembler) nameIndex(n string) int {
	if i, ok := a.nameIx[n]; ok {
		return i
	}
	a.nameIx[n] = len(a.names)
	a.names = append(a.names, n)
	return len(a.names) - 1
}

func (a *assembler) emit(op vm.Opcode, arg, line int) {
	a.instrs = append(a.instrs, pendingInstr{op: op, arg: arg, line: line})
}

func (a *assembler) emitJump(op vm.Opcode, label string, line int) {
	a.instrs = append(a.instrs, pendingInstr{op: op, label: label, line: line})
}

var noOperand = map[string]vm.Opcode{
	"nop":      vm.OpNOP,
	"pop":      vm.OpPOP,
	"dup":      vm.OpDUP,
	"add":      vm.OpAdd,
	"sub":      vm.OpSub,
	"mul":      vm.OpMul,
	"div":      vm.OpDiv,
	"mod":      vm.OpMod,
	"not":      vm.OpNot,
	"index":    vm.OpGetItem,
	"setindex": vm.OpSetItem,
	"iter":     vm.OpGetIter,
	"return":   vm.OpReturnValue,
	"yield":    vm.OpYield,
	"raise":    vm.OpRaise,
}

var compares = map[string]int{
	"lt": vm.CmpLT, "le": vm.CmpLE, "eq": vm.CmpEQ,
	"ne": vm.CmpNE, "gt": vm.CmpGT, "ge": vm.CmpGE,
}

var jumps = map[string]vm.Opcode{
	"jump":      vm.OpJump,
	"jumpif":    vm.OpPopJumpIfTrue,
	"jumpifnot": vm.OpPopJumpIfFalse,
	"foreach":   vm.OpForIter,
}

var counted = map[string]vm.Opcode{
	"list": vm.OpBuildList,
	"map":  vm.OpBuildMap,
	"call": vm.OpCall,
}

func (a *assembler) items(items []Item) error {
	for _, it := range items {
		if it.Label != "" {
			if _, dup := a.labels[it.Label]; dup {
				return fmt.Errorf("%s: label %q defined twice", a.name, it.Label)
			}
			a.labels[it.Label] = len(a.instrs)
			continue
		}
		if err := a.instr(it.Instr); err != nil {
			return err
		}
	}
	if len(a.open) > 0 {
		t := a.tries[a.open[len(a.open)-1]]
		return errorf(t.pos, "%s: try without endtry", a.name)
	}
	return nil
}

func (a *assembler) instr(in *Instr) error {
	line := in.Pos.Line
	want := func(n int) error {
		if len(in.Operands) != n {
			return errorf(in.Pos, "%s takes %d operand(s), got %d", in.Mnemonic, n, len(in.Operands))
		}
		return nil
	}
	ident := func(i int) (string, error) {
		t := in.Operands[i].Tok
		if t.Type != TokenIdentifier {
			return "", errorf(t.Pos, "%s: expected a name, got %s", in.Mnemonic, t.Type)
		}
		return t.Literal, nil
	}

	if op, ok := noOperand[in.Mnemonic]; ok {
		if err := want(0); err != nil {
			return err
		}
		if op == vm.OpYield {
			a.flags |= vm.FlagGenerator
		}
		a.emit(op, 0, line)
		return nil
	}
	if c, ok := compares[in.Mnemonic]; ok {
		if err := want(0); err != nil {
			return err
		}
		a.emit(vm.OpCompare, c, line)
		return nil
	}
	if op, ok := jumps[in.Mnemonic]; ok {
		if err := want(1); err != nil {
			return err
		}
		l, err := ident(0)
		if err != nil {
			return err
		}
		a.emitJump(op, l, line)
		return nil
	}
	if op, ok := counted[in.Mnemonic]; ok {
		if err := want(1); err != nil {
			return err
		}
		n, err := intOperand(in.Operands[0])
		if err != nil {
			return err
		}
		a.emit(op, n, line)
		return nil
	}

	switch in.Mnemonic {
	case "const":
		if err := want(1); err != nil {
			return err
		}
		v, err := literal(in.Operands[0].Tok)
		if err != nil {
			return err
		}
		a.emit(vm.OpLoadConst, a.constant(v), line)

	case "load", "store", "delete":
		if err := want(1); err != nil {
			return err
		}
		n, err := ident(0)
		if err != nil {
			return err
		}
		return a.variable(in, n)

	case "loadg", "storeg":
		if err := want(1); err != nil {
			return err
		}
		n, err := ident(0)
		if err != nil {
			return err
		}
		op := vm.OpLoadGlobal
		if in.Mnemonic == "storeg" {
			op = vm.OpStoreGlobal
		}
		a.emit(op, a.nameIndex(n), line)

	case "attr":
		if err := want(1); err != nil {
			return err
		}
		n, err := ident(0)
		if err != nil {
			return err
		}
		a.emit(vm.OpLoadAttr, a.nameIndex(n), line)

	case "closure":
		if err := want(1); err != nil {
			return err
		}
		n, err := ident(0)
		if err != nil {
			return err
		}
		i, ok := a.slotIndex[n]
		if !ok || a.kinds[i] == vm.SlotLocal {
			return errorf(in.Pos, "closure %s: not a cell or free variable of %s", n, a.name)
		}
		a.emit(vm.OpLoadClosure, i, line)

	case "makefunc":
		if len(in.Operands) < 1 || len(in.Operands) > 2 {
			return errorf(in.Pos, "usage: makefunc FUNC [ncells]")
		}
		n, err := ident(0)
		if err != nil {
			return err
		}
		code, err := a.g.funcCode(n, in.Pos)
		if err != nil {
			return err
		}
		cells := code.NFree()
		if len(in.Operands) == 2 {
			if cells, err = intOperand(in.Operands[1]); err != nil {
				return err
			}
		}
		a.emit(vm.OpLoadConst, a.constant(code), line)
		a.emit(vm.OpMakeFunction, cells, line)

	case "try":
		if err := want(1); err != nil {
			return err
		}
		l, err := ident(0)
		if err != nil {
			return err
		}
		a.open = append(a.open, len(a.tries))
		a.tries = append(a.tries, tryRange{start: len(a.instrs), end: -1, label: l, pos: in.Pos})

	case "endtry":
		if err := want(0); err != nil {
			return err
		}
		if len(a.open) == 0 {
			return errorf(in.Pos, "endtry without try")
		}
		i := a.open[len(a.open)-1]
		a.open = a.open[:len(a.open)-1]
		a.tries[i].end = len(a.instrs)

	default:
		return errorf(in.Pos, "unknown instruction %q", in.Mnemonic)
	}
	return nil
}

// variable emits the load/store/delete for n resolved against the slots.
func (a *assembler) variable(in *Instr, n string) error {
	line := in.Pos.Line
	i, isSlot := a.slotIndex[n]
	if a.module || !isSlot {
		switch in.Mnemonic {
		case "load":
			a.emit(vm.OpLoadGlobal, a.nameIndex(n), line)
		case "store":
			a.emit(vm.OpStoreGlobal, a.nameIndex(n), line)
		default:
			return errorf(in.Pos, "cannot delete global %s", n)
		}
		return nil
	}
	deref := a.kinds[i] != vm.SlotLocal
	switch in.Mnemonic {
	case "load":
		if deref {
			a.emit(vm.OpLoadDeref, i, line)
		} else {
			a.emit(vm.OpLoadFast, i, line)
		}
	case "store":
		if deref {
			a.emit(vm.OpStoreDeref, i, line)
		} else {
			a.emit(vm.OpStoreFast, i, line)
		}
	case "delete":
		if deref {
			return errorf(in.Pos, "cannot delete cell variable %s", n)
		}
		a.emit(vm.OpDeleteFast, i, line)
	}
	return nil
}

// finish resolves labels, widens arguments and builds the code unit.
func (a *assembler) finish(argc int) (*vm.Code, error) {
	for _, in := range a.instrs {
		if in.label == "" {
			continue
		}
		if _, ok := a.labels[in.label]; !ok {
			return nil, fmt.Errorf("%s: undefined label %q", a.name, in.label)
		}
	}
	for _, t := range a.tries {
		if _, ok := a.labels[t.label]; !ok {
			return nil, errorf(t.pos, "%s: undefined handler label %q", a.name, t.label)
		}
	}

	// Unit positions depend on argument widths, which depend on positions
	// for jumps. Widths only grow, so iterate to a fixed point.
	n := len(a.instrs)
	sizes := make([]int, n)
	pos := make([]int, n+1)
	for i := range sizes {
		sizes[i] = vm.ArgUnits(a.instrs[i].arg)
	}
	for {
		for i := 0; i < n; i++ {
			pos[i+1] = pos[i] + sizes[i]
		}
		changed := false
		for i, in := range a.instrs {
			if in.label == "" {
				continue
			}
			if s := vm.ArgUnits(pos[a.labels[in.label]]); s > sizes[i] {
				sizes[i] = s
				changed = true
			}
		}
		if !changed {
			break
		}
	}

	b := vm.NewBytecodeBuilder()
	var lines []vm.LineEntry
	for i, in := range a.instrs {
		arg := in.arg
		if in.label != "" {
			arg = pos[a.labels[in.label]]
		}
		if in.line > 0 && (len(lines) == 0 || lines[len(lines)-1].Line != in.line) {
			lines = append(lines, vm.LineEntry{Start: pos[i], Line: in.line})
		}
		b.Emit(in.op, arg)
		if b.Units() != pos[i+1] {
			return nil, fmt.Errorf("%s: layout mismatch at instruction %d", a.name, i)
		}
	}

	var handlers []vm.Handler
	for _, t := range a.tries {
		if t.end <= t.start {
			continue
		}
		handlers = append(handlers, vm.Handler{Start: pos[t.start], End: pos[t.end], Target: pos[a.labels[t.label]]})
	}

	bc := b.Bytes()
	stack, err := stackDepth(bc, handlers)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", a.name, err)
	}

	return vm.NewCode(vm.CodeParams{
		Name:      a.name,
		QualName:  a.name,
		Filename:  a.g.filename,
		FirstLine: a.line,
		Flags:     a.flags,
		ArgCount:  argc,
		StackSize: stack,
		SlotNames: a.slots,
		SlotKinds: a.kinds,
		Consts:    a.consts,
		Names:     a.names,
		Handlers:  handlers,
		Lines:     lines,
		Bytecode:  bc,
	})
}

// ---------------------------------------------------------------------------
// Operands
// ---------------------------------------------------------------------------

func intOperand(o Operand) (int, error) {
	if o.Tok.Type != TokenInteger {
		return 0, errorf(o.Tok.Pos, "expected integer, got %s", o.Tok.Type)
	}
	n, err := strconv.ParseInt(o.Tok.Literal, 0, 64)
	if err != nil || n < 0 {
		return 0, errorf(o.Tok.Pos, "bad count %q", o.Tok.Literal)
	}
	return int(n), nil
}

func literal(t Token) (vm.Value, error) {
	switch t.Type {
	case TokenInteger:
		n, err := strconv.ParseInt(t.Literal, 0, 64)
		if err != nil {
			return nil, errorf(t.Pos, "bad integer %q", t.Literal)
		}
		return vm.Int(n), nil
	case TokenFloat:
		f, err := strconv.ParseFloat(t.Literal, 64)
		if err != nil {
			return nil, errorf(t.Pos, "bad float %q", t.Literal)
		}
		return vm.Float(f), nil
	case TokenString:
		return vm.Str(t.Literal), nil
	case TokenIdentifier:
		switch strings.ToLower(t.Literal) {
		case "nil":
			return vm.Nil, nil
		case "true":
			return vm.True, nil
		case "false":
			return vm.False, nil
		}
	}
	return nil, errorf(t.Pos, "bad constant %q", t.Literal)
}

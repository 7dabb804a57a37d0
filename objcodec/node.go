package objcodec

import (
	"fmt"

	"github.com/chazu/brine/vm"
)

type kind uint8

const (
	kindNil kind = iota + 1
	kindAbsent
	kindBool
	kindInt
	kindFloat
	kindStr
	kindBytes
	kindList
	kindMap
	kindCell
	kindCode
	kindFunc
	kindBuiltin
	kindModule
	kindError
	kindRange
	kindListIter
	kindRef // graph only: index into the node table
)

// node is the CBOR shape of one value. Which fields are used depends on
// Kind.
type node struct {
	Kind  kind      `cbor:"1,keyasint"`
	Int   int64     `cbor:"2,keyasint,omitempty"`
	Float float64   `cbor:"3,keyasint,omitempty"`
	Str   string    `cbor:"4,keyasint,omitempty"`
	Bytes []byte    `cbor:"5,keyasint,omitempty"`
	Items []node    `cbor:"6,keyasint,omitempty"`
	Keys  []string  `cbor:"7,keyasint,omitempty"`
	Ints  []int64   `cbor:"8,keyasint,omitempty"`
	Code  *codeNode `cbor:"9,keyasint,omitempty"`
}

type codeNode struct {
	Name      string   `cbor:"1,keyasint"`
	QualName  string   `cbor:"2,keyasint,omitempty"`
	Filename  string   `cbor:"3,keyasint,omitempty"`
	FirstLine int      `cbor:"4,keyasint,omitempty"`
	Flags     uint32   `cbor:"5,keyasint,omitempty"`
	ArgCount  int      `cbor:"6,keyasint,omitempty"`
	StackSize int      `cbor:"7,keyasint,omitempty"`
	SlotNames []string `cbor:"8,keyasint,omitempty"`
	SlotKinds []byte   `cbor:"9,keyasint,omitempty"`
	Consts    []node   `cbor:"10,keyasint,omitempty"`
	Names     []string `cbor:"11,keyasint,omitempty"`
	Handlers  []int    `cbor:"12,keyasint,omitempty"` // start, end, target, depth
	Lines     []int    `cbor:"13,keyasint,omitempty"` // start, line
	Bytecode  []byte   `cbor:"14,keyasint,omitempty"`
}

type graph struct {
	Root  node   `cbor:"1,keyasint"`
	Table []node `cbor:"2,keyasint,omitempty"`
}

// Module node flags.
const (
	moduleByValue   = 1 << 0
	moduleHasSource = 1 << 1
)

// ---------------------------------------------------------------------------
// Encoding
// ---------------------------------------------------------------------------

type encoder struct {
	r     Resolver
	graph bool

	visiting map[vm.Value]bool // tree mode: cycle detection
	ids      map[vm.Value]int  // graph mode: table index per object
	table    []node
}

func unsupported(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrUnsupported}, args...)...)
}

func (e *encoder) encode(v vm.Value) (node, error) {
	switch x := v.(type) {
	case nil:
		return node{}, unsupported("empty slot")
	case *vm.NilValue:
		return node{Kind: kindNil}, nil
	case *vm.AbsentValue:
		return node{Kind: kindAbsent}, nil
	case vm.Bool:
		n := node{Kind: kindBool}
		if x {
			n.Int = 1
		}
		return n, nil
	case vm.Int:
		return node{Kind: kindInt, Int: int64(x)}, nil
	case vm.Float:
		return node{Kind: kindFloat, Float: float64(x)}, nil
	case vm.Str:
		return node{Kind: kindStr, Str: string(x)}, nil
	case *vm.Code:
		cn, err := e.code(x)
		if err != nil {
			return node{}, err
		}
		return node{Kind: kindCode, Code: cn}, nil
	case *vm.Builtin:
		return node{Kind: kindBuiltin, Str: x.Name}, nil
	case *vm.Module:
		if !e.graph {
			return node{}, unsupported("module %s", x.Name)
		}
		if e.byReference(x) {
			return node{Kind: kindModule, Str: x.Name}, nil
		}
	case *vm.Function:
		if !e.graph {
			return e.funcRef(x)
		}
	case *vm.Opaque:
		return node{}, unsupported("opaque %s", x.Tag)
	}

	if e.graph {
		return e.shared(v)
	}
	if e.visiting[v] {
		return node{}, unsupported("cycle through %s", v.Type())
	}
	e.visiting[v] = true
	defer delete(e.visiting, v)
	return e.body(v)
}

// shared places v in the node table once and returns a reference to it.
func (e *encoder) shared(v vm.Value) (node, error) {
	if id, ok := e.ids[v]; ok {
		return node{Kind: kindRef, Int: int64(id)}, nil
	}
	id := len(e.table)
	e.ids[v] = id
	e.table = append(e.table, node{})
	n, err := e.body(v)
	if err != nil {
		return node{}, err
	}
	e.table[id] = n
	return node{Kind: kindRef, Int: int64(id)}, nil
}

// body encodes the contents of a mutable or composite value.
func (e *encoder) body(v vm.Value) (node, error) {
	switch x := v.(type) {
	case *vm.Bytes:
		return node{Kind: kindBytes, Bytes: x.B}, nil

	case *vm.List:
		items, err := e.all(x.Items)
		if err != nil {
			return node{}, err
		}
		return node{Kind: kindList, Items: items, Int: int64(len(x.Items))}, nil

	case *vm.Map:
		keys := x.Keys()
		vals := make([]vm.Value, len(keys))
		for i, k := range keys {
			vals[i], _ = x.Get(k)
		}
		items, err := e.all(vals)
		if err != nil {
			return node{}, err
		}
		return node{Kind: kindMap, Keys: append([]string(nil), keys...), Items: items}, nil

	case *vm.Cell:
		n := node{Kind: kindCell}
		if x.Value != nil {
			c, err := e.encode(x.Value)
			if err != nil {
				return node{}, err
			}
			n.Items = []node{c}
		}
		return n, nil

	case *vm.ErrorValue:
		n := node{Kind: kindError, Str: x.Kind, Keys: []string{x.Message}}
		if x.Payload != nil {
			p, err := e.encode(x.Payload)
			if err != nil {
				return node{}, err
			}
			n.Items = []node{p}
		}
		return n, nil

	case *vm.RangeIter:
		return node{Kind: kindRange, Ints: []int64{x.Next, x.Stop, x.Step}}, nil

	case *vm.ListIter:
		l, err := e.encode(x.List)
		if err != nil {
			return node{}, err
		}
		return node{Kind: kindListIter, Int: int64(x.Index), Items: []node{l}}, nil

	case *vm.Function:
		return e.funcValue(x)

	case *vm.Module:
		return e.moduleValue(x)
	}
	return node{}, unsupported("%s", v.Type())
}

func (e *encoder) all(vals []vm.Value) ([]node, error) {
	out := make([]node, len(vals))
	for i, v := range vals {
		n, err := e.encode(v)
		if err != nil {
			return nil, err
		}
		out[i] = n
	}
	return out, nil
}

func (e *encoder) code(c *vm.Code) (*codeNode, error) {
	cn := &codeNode{
		Name:      c.Name,
		QualName:  c.QualName,
		Filename:  c.Filename,
		FirstLine: c.FirstLine,
		Flags:     c.Flags,
		ArgCount:  c.ArgCount,
		StackSize: c.StackSize,
		SlotNames: c.SlotNames,
		Names:     c.Names,
		Bytecode:  c.Bytecode,
	}
	cn.SlotKinds = make([]byte, len(c.SlotKinds))
	for i, k := range c.SlotKinds {
		cn.SlotKinds[i] = byte(k)
	}
	for _, h := range c.Handlers {
		cn.Handlers = append(cn.Handlers, h.Start, h.End, h.Target, h.Depth)
	}
	for _, l := range c.Lines {
		cn.Lines = append(cn.Lines, l.Start, l.Line)
	}
	// Constants are immutable; encode them as a plain tree in either mode.
	sub := &encoder{r: e.r, visiting: make(map[vm.Value]bool)}
	for _, k := range c.Consts {
		n, err := sub.encode(k)
		if err != nil {
			return nil, fmt.Errorf("constant of %s: %w", c.QualName, err)
		}
		cn.Consts = append(cn.Consts, n)
	}
	return cn, nil
}

// funcRef encodes fn as (module, name). The reference must round-trip in
// this interpreter.
func (e *encoder) funcRef(fn *vm.Function) (node, error) {
	if e.r == nil || fn.Globals == nil {
		return node{}, unsupported("function %s has no resolvable module", fn.Name)
	}
	m, ok := e.r.LookupModule(fn.Globals.Name)
	if !ok || m != fn.Globals {
		return node{}, unsupported("function %s: module %s is not registered", fn.Name, fn.Globals.Name)
	}
	if bound, ok := m.Get(fn.Name); !ok || bound != fn {
		return node{}, unsupported("function %s is not a global of %s", fn.Name, m.Name)
	}
	return node{Kind: kindFunc, Str: m.Name, Keys: []string{fn.Name}}, nil
}

func (e *encoder) funcValue(fn *vm.Function) (node, error) {
	cn, err := e.code(fn.Code)
	if err != nil {
		return node{}, err
	}
	n := node{Kind: kindFunc, Str: fn.Name, Code: cn, Int: int64(len(fn.Defaults))}
	globals := node{Kind: kindNil}
	if fn.Globals != nil {
		if globals, err = e.encode(fn.Globals); err != nil {
			return node{}, err
		}
	}
	n.Items = append(n.Items, globals)
	for _, d := range fn.Defaults {
		dn, err := e.encode(d)
		if err != nil {
			return node{}, err
		}
		n.Items = append(n.Items, dn)
	}
	for _, c := range fn.Closure {
		cn, err := e.encode(c)
		if err != nil {
			return node{}, err
		}
		n.Items = append(n.Items, cn)
	}
	return n, nil
}

func (e *encoder) byReference(m *vm.Module) bool {
	if e.r == nil || m.Name == vm.MainModuleName {
		return false
	}
	reg, ok := e.r.LookupModule(m.Name)
	return ok && reg == m
}

// moduleValue encodes m's namespace. Host opaques bound directly in it,
// such as snapshot handles kept in a global, go as the absent marker and
// are left unbound on decode.
func (e *encoder) moduleValue(m *vm.Module) (node, error) {
	keys := m.Dict.Keys()
	n := node{Kind: kindModule, Str: m.Name, Int: moduleByValue, Keys: append([]string(nil), keys...)}
	n.Items = make([]node, len(keys))
	for i, k := range keys {
		v, _ := m.Dict.Get(k)
		if _, ok := v.(*vm.Opaque); ok {
			n.Items[i] = node{Kind: kindAbsent}
			continue
		}
		item, err := e.encode(v)
		if err != nil {
			return node{}, fmt.Errorf("module %s: %w", m.Name, err)
		}
		n.Items[i] = item
	}
	if src, ok := m.Source(); ok {
		n.Int |= moduleHasSource
		n.Bytes = []byte(src)
	}
	return n, nil
}

// ---------------------------------------------------------------------------
// Decoding
// ---------------------------------------------------------------------------

type decoder struct {
	r     Resolver
	graph bool
	table []node
	built map[int]vm.Value
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrMalformed}, args...)...)
}

func (d *decoder) decode(n node) (vm.Value, error) {
	switch n.Kind {
	case kindNil:
		return vm.Nil, nil
	case kindAbsent:
		return vm.Absent, nil
	case kindBool:
		return vm.Bool(n.Int != 0), nil
	case kindInt:
		return vm.Int(n.Int), nil
	case kindFloat:
		return vm.Float(n.Float), nil
	case kindStr:
		return vm.Str(n.Str), nil
	case kindCode:
		if n.Code == nil {
			return nil, malformed("code node without code")
		}
		return d.code(n.Code)
	case kindBuiltin:
		if d.r == nil {
			return nil, fmt.Errorf("%w: builtin %s", ErrUnresolved, n.Str)
		}
		b, ok := d.r.LookupBuiltin(n.Str)
		if !ok {
			return nil, fmt.Errorf("%w: builtin %s", ErrUnresolved, n.Str)
		}
		return b, nil
	case kindRef:
		if !d.graph {
			return nil, malformed("reference outside a graph")
		}
		return d.ref(int(n.Int))
	case kindFunc:
		if n.Code == nil {
			return d.funcRef(n)
		}
	case kindModule:
		if n.Int&moduleByValue == 0 {
			return d.moduleRef(n.Str)
		}
	}
	if d.graph {
		return nil, malformed("inline %d node in a graph", n.Kind)
	}
	v := d.shell(n)
	if v == nil {
		return nil, malformed("unknown node kind %d", n.Kind)
	}
	if err := d.fill(v, n); err != nil {
		return nil, err
	}
	return v, nil
}

func (d *decoder) ref(id int) (vm.Value, error) {
	if v, ok := d.built[id]; ok {
		return v, nil
	}
	if id < 0 || id >= len(d.table) {
		return nil, malformed("reference %d outside table of %d", id, len(d.table))
	}
	n := d.table[id]
	v := d.shell(n)
	if v == nil {
		return nil, malformed("table entry %d has kind %d", id, n.Kind)
	}
	d.built[id] = v
	if err := d.fill(v, n); err != nil {
		return nil, err
	}
	return v, nil
}

// shell allocates an empty object for n so references to it can be wired
// before its contents are decoded.
func (d *decoder) shell(n node) vm.Value {
	switch n.Kind {
	case kindBytes:
		return vm.NewBytes(nil)
	case kindList:
		return vm.NewList()
	case kindMap:
		return vm.NewMap()
	case kindCell:
		return &vm.Cell{}
	case kindError:
		return &vm.ErrorValue{}
	case kindRange:
		return &vm.RangeIter{}
	case kindListIter:
		return &vm.ListIter{}
	case kindFunc:
		if n.Code != nil {
			return &vm.Function{}
		}
	case kindModule:
		if n.Int&moduleByValue != 0 {
			return vm.NewModule(n.Str)
		}
	}
	return nil
}

func (d *decoder) fill(v vm.Value, n node) error {
	switch x := v.(type) {
	case *vm.Bytes:
		x.B = append([]byte{}, n.Bytes...)

	case *vm.List:
		items, err := d.all(n.Items)
		if err != nil {
			return err
		}
		if int64(len(items)) != n.Int {
			return malformed("list of %d items declares %d", len(items), n.Int)
		}
		x.Items = items

	case *vm.Map:
		return d.fillMap(x, n)

	case *vm.Cell:
		if len(n.Items) > 0 {
			c, err := d.decode(n.Items[0])
			if err != nil {
				return err
			}
			x.Value = c
		}

	case *vm.ErrorValue:
		x.Kind = n.Str
		if len(n.Keys) > 0 {
			x.Message = n.Keys[0]
		}
		if len(n.Items) > 0 {
			p, err := d.decode(n.Items[0])
			if err != nil {
				return err
			}
			x.Payload = p
		}

	case *vm.RangeIter:
		if len(n.Ints) != 3 {
			return malformed("range with %d fields", len(n.Ints))
		}
		x.Next, x.Stop, x.Step = n.Ints[0], n.Ints[1], n.Ints[2]

	case *vm.ListIter:
		if len(n.Items) != 1 {
			return malformed("list iterator without list")
		}
		l, err := d.decode(n.Items[0])
		if err != nil {
			return err
		}
		list, ok := l.(*vm.List)
		if !ok {
			return malformed("list iterator over %s", l.Type())
		}
		x.List = list
		x.Index = int(n.Int)

	case *vm.Function:
		return d.fillFunc(x, n)

	case *vm.Module:
		if err := d.fillMap(x.Dict, n); err != nil {
			return err
		}
		for _, k := range append([]string(nil), x.Dict.Keys()...) {
			if v, _ := x.Dict.Get(k); v == vm.Absent {
				x.Dict.Delete(k)
			}
		}
		if n.Int&moduleHasSource != 0 {
			x.SetSource(string(n.Bytes))
		}
	}
	return nil
}

func (d *decoder) fillMap(m *vm.Map, n node) error {
	if len(n.Keys) != len(n.Items) {
		return malformed("map with %d keys and %d values", len(n.Keys), len(n.Items))
	}
	for i, k := range n.Keys {
		v, err := d.decode(n.Items[i])
		if err != nil {
			return err
		}
		m.Set(k, v)
	}
	return nil
}

func (d *decoder) fillFunc(fn *vm.Function, n node) error {
	code, err := d.code(n.Code)
	if err != nil {
		return err
	}
	nd := int(n.Int)
	if len(n.Items) < 1+nd || len(n.Items)-1-nd != code.NFree() {
		return malformed("function %s with %d items", n.Str, len(n.Items))
	}
	fn.Name = n.Str
	fn.Code = code
	g, err := d.decode(n.Items[0])
	if err != nil {
		return err
	}
	switch m := g.(type) {
	case *vm.Module:
		fn.Globals = m
	case *vm.NilValue:
	default:
		return malformed("function %s globals are %s", n.Str, g.Type())
	}
	for _, dn := range n.Items[1 : 1+nd] {
		v, err := d.decode(dn)
		if err != nil {
			return err
		}
		fn.Defaults = append(fn.Defaults, v)
	}
	for _, cn := range n.Items[1+nd:] {
		v, err := d.decode(cn)
		if err != nil {
			return err
		}
		c, ok := v.(*vm.Cell)
		if !ok {
			return malformed("function %s closure holds %s", n.Str, v.Type())
		}
		fn.Closure = append(fn.Closure, c)
	}
	return nil
}

func (d *decoder) all(ns []node) ([]vm.Value, error) {
	out := make([]vm.Value, len(ns))
	for i, n := range ns {
		v, err := d.decode(n)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (d *decoder) funcRef(n node) (vm.Value, error) {
	if len(n.Keys) != 1 {
		return nil, malformed("function reference without a name")
	}
	m, err := d.moduleRef(n.Str)
	if err != nil {
		return nil, err
	}
	v, ok := m.(*vm.Module).Get(n.Keys[0])
	if !ok {
		return nil, fmt.Errorf("%w: function %s.%s", ErrUnresolved, n.Str, n.Keys[0])
	}
	fn, ok := v.(*vm.Function)
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s is %s, not a function", ErrUnresolved, n.Str, n.Keys[0], v.Type())
	}
	return fn, nil
}

func (d *decoder) moduleRef(name string) (vm.Value, error) {
	if d.r == nil {
		return nil, fmt.Errorf("%w: module %s", ErrUnresolved, name)
	}
	m, ok := d.r.LookupModule(name)
	if !ok {
		return nil, fmt.Errorf("%w: module %s", ErrUnresolved, name)
	}
	return m, nil
}

func (d *decoder) code(cn *codeNode) (*vm.Code, error) {
	if len(cn.Handlers)%4 != 0 || len(cn.Lines)%2 != 0 {
		return nil, malformed("code %s tables", cn.Name)
	}
	p := vm.CodeParams{
		Name:      cn.Name,
		QualName:  cn.QualName,
		Filename:  cn.Filename,
		FirstLine: cn.FirstLine,
		Flags:     cn.Flags,
		ArgCount:  cn.ArgCount,
		StackSize: cn.StackSize,
		SlotNames: cn.SlotNames,
		Names:     cn.Names,
		Bytecode:  cn.Bytecode,
	}
	for _, k := range cn.SlotKinds {
		p.SlotKinds = append(p.SlotKinds, vm.SlotKind(k))
	}
	for i := 0; i < len(cn.Handlers); i += 4 {
		h := cn.Handlers[i : i+4]
		p.Handlers = append(p.Handlers, vm.Handler{Start: h[0], End: h[1], Target: h[2], Depth: h[3]})
	}
	for i := 0; i < len(cn.Lines); i += 2 {
		p.Lines = append(p.Lines, vm.LineEntry{Start: cn.Lines[i], Line: cn.Lines[i+1]})
	}
	sub := &decoder{r: d.r}
	for _, kn := range cn.Consts {
		k, err := sub.decode(kn)
		if err != nil {
			return nil, err
		}
		p.Consts = append(p.Consts, k)
	}
	code, err := vm.NewCode(p)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return code, nil
}

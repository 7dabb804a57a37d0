package vm

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ---------------------------------------------------------------------------
// Value
// ---------------------------------------------------------------------------

// Value is any object the interpreter can hold in a slot or on the operand
// stack. A nil Value in a slot is the "empty" marker for an unbound slot.
type Value interface {
	Type() string
	String() string
}

// NilValue is the type of the Nil singleton.
type NilValue struct{}

func (*NilValue) Type() string   { return "nil" }
func (*NilValue) String() string { return "nil" }

// Nil is the interpreter's nil object.
var Nil Value = &NilValue{}

// AbsentValue is the type of the Absent singleton.
type AbsentValue struct{}

func (*AbsentValue) Type() string   { return "absent" }
func (*AbsentValue) String() string { return "<absent>" }

// Absent marks a slot whose value was deliberately left out of a snapshot.
// Loading an absent slot yields Nil.
var Absent Value = &AbsentValue{}

// Bool is a boolean value.
type Bool bool

func (Bool) Type() string { return "bool" }
func (b Bool) String() string {
	if b {
		return "true"
	}
	return "false"
}

// True and False are the boolean constants.
var (
	True  Value = Bool(true)
	False Value = Bool(false)
)

// Int is a 64-bit signed integer.
type Int int64

func (Int) Type() string     { return "int" }
func (i Int) String() string { return strconv.FormatInt(int64(i), 10) }

// Float is a 64-bit float.
type Float float64

func (Float) Type() string { return "float" }
func (f Float) String() string {
	return strconv.FormatFloat(float64(f), 'g', -1, 64)
}

// Str is an immutable string.
type Str string

func (Str) Type() string     { return "str" }
func (s Str) String() string { return string(s) }

// Bytes is a mutable byte buffer.
type Bytes struct {
	B []byte
}

func (*Bytes) Type() string     { return "bytes" }
func (b *Bytes) String() string { return fmt.Sprintf("<bytes len=%d>", len(b.B)) }

// NewBytes wraps b.
func NewBytes(b []byte) *Bytes { return &Bytes{B: b} }

// List is a mutable sequence.
type List struct {
	Items []Value
}

func (*List) Type() string { return "list" }
func (l *List) String() string {
	parts := make([]string, len(l.Items))
	for i, v := range l.Items {
		parts[i] = Repr(v)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

// NewList creates a list holding items.
func NewList(items ...Value) *List { return &List{Items: items} }

// Cell is a shared variable box used by closures.
type Cell struct {
	Value Value
}

func (*Cell) Type() string { return "cell" }
func (c *Cell) String() string {
	if c.Value == nil {
		return "<cell empty>"
	}
	return "<cell " + Repr(c.Value) + ">"
}

// ErrorValue is a raised error object. It doubles as the Go error returned
// when a raise escapes the outermost frame of a run.
type ErrorValue struct {
	Kind    string
	Message string
	Payload Value // raised non-error value, if any
	Cause   error // host error that produced this value, if any
}

func (*ErrorValue) Type() string     { return "error" }
func (e *ErrorValue) String() string { return e.Kind + ": " + e.Message }
func (e *ErrorValue) Error() string  { return e.String() }
func (e *ErrorValue) Unwrap() error  { return e.Cause }

// NewError creates an error object.
func NewError(kind, format string, args ...any) *ErrorValue {
	return &ErrorValue{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Opaque wraps host data, such as a snapshot handle, so it can travel
// through interpreted code.
type Opaque struct {
	Tag  string
	Data any
}

func (*Opaque) Type() string     { return "opaque" }
func (o *Opaque) String() string { return "<" + o.Tag + ">" }

// Cloneable is implemented by Opaque payloads that support deep copy.
type Cloneable interface {
	CloneOpaque() (any, error)
}

// ---------------------------------------------------------------------------
// Iterators
// ---------------------------------------------------------------------------

// RangeIter yields integers from Next up to (not including) Stop.
type RangeIter struct {
	Next, Stop, Step int64
}

func (*RangeIter) Type() string { return "range_iterator" }
func (r *RangeIter) String() string {
	return fmt.Sprintf("<range %d..%d step %d>", r.Next, r.Stop, r.Step)
}

func (r *RangeIter) advance() (Value, bool) {
	if (r.Step > 0 && r.Next >= r.Stop) || (r.Step < 0 && r.Next <= r.Stop) {
		return nil, false
	}
	v := Int(r.Next)
	r.Next += r.Step
	return v, true
}

// ListIter walks a list by index.
type ListIter struct {
	List  *List
	Index int
}

func (*ListIter) Type() string     { return "list_iterator" }
func (it *ListIter) String() string { return fmt.Sprintf("<list_iterator at %d>", it.Index) }

func (it *ListIter) advance() (Value, bool) {
	if it.Index >= len(it.List.Items) {
		return nil, false
	}
	v := it.List.Items[it.Index]
	it.Index++
	return v, true
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// Repr renders v for display, quoting strings.
func Repr(v Value) string {
	switch x := v.(type) {
	case nil:
		return "<empty>"
	case Str:
		return strconv.Quote(string(x))
	default:
		return v.String()
	}
}

// Truthy reports the boolean interpretation of v.
func Truthy(v Value) bool {
	switch x := v.(type) {
	case nil, *NilValue, *AbsentValue:
		return false
	case Bool:
		return bool(x)
	case Int:
		return x != 0
	case Float:
		return x != 0
	case Str:
		return x != ""
	case *Bytes:
		return len(x.B) > 0
	case *List:
		return len(x.Items) > 0
	case *Map:
		return x.Len() > 0
	default:
		return true
	}
}

// Equal reports value equality for scalars and structural equality for
// lists, maps and bytes. Other objects compare by identity.
func Equal(a, b Value) bool {
	switch x := a.(type) {
	case Int:
		switch y := b.(type) {
		case Int:
			return x == y
		case Float:
			return Float(x) == y
		}
		return false
	case Float:
		switch y := b.(type) {
		case Float:
			return x == y
		case Int:
			return x == Float(y)
		}
		return false
	case Bool:
		y, ok := b.(Bool)
		return ok && x == y
	case Str:
		y, ok := b.(Str)
		return ok && x == y
	case *NilValue:
		_, ok := b.(*NilValue)
		return ok
	case *AbsentValue:
		_, ok := b.(*AbsentValue)
		return ok
	case *Bytes:
		y, ok := b.(*Bytes)
		return ok && string(x.B) == string(y.B)
	case *List:
		y, ok := b.(*List)
		if !ok || len(x.Items) != len(y.Items) {
			return false
		}
		for i := range x.Items {
			if !Equal(x.Items[i], y.Items[i]) {
				return false
			}
		}
		return true
	case *Map:
		y, ok := b.(*Map)
		if !ok || x.Len() != y.Len() {
			return false
		}
		for _, k := range x.Keys() {
			yv, ok := y.Get(k)
			if !ok {
				return false
			}
			xv, _ := x.Get(k)
			if !Equal(xv, yv) {
				return false
			}
		}
		return true
	case *ErrorValue:
		y, ok := b.(*ErrorValue)
		return ok && x.Kind == y.Kind && x.Message == y.Message
	}
	return a == b
}

func toFloat(v Value) (float64, bool) {
	switch x := v.(type) {
	case Int:
		return float64(x), true
	case Float:
		return float64(x), true
	}
	return 0, false
}

// arith applies a binary arithmetic operator.
func arith(op Opcode, a, b Value) (Value, error) {
	if x, ok := a.(Int); ok {
		if y, ok := b.(Int); ok {
			switch op {
			case OpAdd:
				return x + y, nil
			case OpSub:
				return x - y, nil
			case OpMul:
				return x * y, nil
			case OpDiv:
				if y == 0 {
					return nil, NewError("ZeroDivisionError", "integer division by zero")
				}
				return x / y, nil
			case OpMod:
				if y == 0 {
					return nil, NewError("ZeroDivisionError", "integer modulo by zero")
				}
				return x % y, nil
			}
		}
	}
	if op == OpAdd {
		switch x := a.(type) {
		case Str:
			if y, ok := b.(Str); ok {
				return x + y, nil
			}
		case *List:
			if y, ok := b.(*List); ok {
				items := make([]Value, 0, len(x.Items)+len(y.Items))
				items = append(items, x.Items...)
				items = append(items, y.Items...)
				return NewList(items...), nil
			}
		}
	}
	x, okx := toFloat(a)
	y, oky := toFloat(b)
	if !okx || !oky {
		return nil, NewError("TypeError", "unsupported operand types for %s: %s and %s", op.Name(), a.Type(), b.Type())
	}
	switch op {
	case OpAdd:
		return Float(x + y), nil
	case OpSub:
		return Float(x - y), nil
	case OpMul:
		return Float(x * y), nil
	case OpDiv:
		if y == 0 {
			return nil, NewError("ZeroDivisionError", "float division by zero")
		}
		return Float(x / y), nil
	case OpMod:
		if y == 0 {
			return nil, NewError("ZeroDivisionError", "float modulo by zero")
		}
		return Float(math.Mod(x, y)), nil
	}
	return nil, NewError("TypeError", "bad arithmetic opcode %s", op.Name())
}

// Comparison operators carried in the COMPARE argument.
const (
	CmpLT = iota
	CmpLE
	CmpEQ
	CmpNE
	CmpGT
	CmpGE
)

var cmpNames = [...]string{"<", "<=", "==", "!=", ">", ">="}

func compare(kind int, a, b Value) (Value, error) {
	switch kind {
	case CmpEQ:
		return Bool(Equal(a, b)), nil
	case CmpNE:
		return Bool(!Equal(a, b)), nil
	}
	var c int
	if x, ok := a.(Str); ok {
		y, ok := b.(Str)
		if !ok {
			return nil, NewError("TypeError", "cannot compare str and %s", b.Type())
		}
		c = strings.Compare(string(x), string(y))
	} else {
		x, okx := toFloat(a)
		y, oky := toFloat(b)
		if !okx || !oky {
			return nil, NewError("TypeError", "cannot compare %s and %s", a.Type(), b.Type())
		}
		switch {
		case x < y:
			c = -1
		case x > y:
			c = 1
		}
	}
	switch kind {
	case CmpLT:
		return Bool(c < 0), nil
	case CmpLE:
		return Bool(c <= 0), nil
	case CmpGT:
		return Bool(c > 0), nil
	case CmpGE:
		return Bool(c >= 0), nil
	}
	return nil, NewError("TypeError", "bad comparison %d", kind)
}

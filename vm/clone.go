package vm

import (
	"errors"
	"fmt"
)

// ErrNotCloneable is returned when a value cannot be deep-copied.
var ErrNotCloneable = errors.New("vm: value is not cloneable")

// Cloner deep-copies values.
type Cloner interface {
	Clone(v Value) (Value, error)
}

// DeepCloner copies a full object graph. Shared and cyclic references are
// preserved within one Clone call. Modules and builtins are shared rather
// than copied; scalars are immutable and returned as is.
type DeepCloner struct{}

func (DeepCloner) Clone(v Value) (Value, error) {
	c := cloner{memo: make(map[Value]Value)}
	return c.clone(v)
}

type cloner struct {
	memo map[Value]Value
}

func (c *cloner) clone(v Value) (Value, error) {
	switch v.(type) {
	case nil:
		return nil, nil
	case *NilValue, *AbsentValue, Bool, Int, Float, Str, *Module, *Builtin:
		return v, nil
	}
	if done, ok := c.memo[v]; ok {
		return done, nil
	}

	switch x := v.(type) {
	case *Bytes:
		out := &Bytes{B: append([]byte(nil), x.B...)}
		c.memo[v] = out
		return out, nil

	case *List:
		out := &List{Items: make([]Value, len(x.Items))}
		c.memo[v] = out
		for i, item := range x.Items {
			cv, err := c.clone(item)
			if err != nil {
				return nil, err
			}
			out.Items[i] = cv
		}
		return out, nil

	case *Map:
		out := NewMap()
		c.memo[v] = out
		for _, k := range x.Keys() {
			item, _ := x.Get(k)
			cv, err := c.clone(item)
			if err != nil {
				return nil, err
			}
			out.Set(k, cv)
		}
		return out, nil

	case *Cell:
		out := &Cell{}
		c.memo[v] = out
		cv, err := c.clone(x.Value)
		if err != nil {
			return nil, err
		}
		out.Value = cv
		return out, nil

	case *Code:
		p := x.Params()
		p.Consts = make([]Value, len(x.Consts))
		for i, k := range x.Consts {
			cv, err := c.clone(k)
			if err != nil {
				return nil, err
			}
			p.Consts[i] = cv
		}
		out, err := NewCode(p)
		if err != nil {
			return nil, err
		}
		c.memo[v] = out
		return out, nil

	case *Function:
		out := &Function{Name: x.Name, Globals: x.Globals}
		c.memo[v] = out
		code, err := c.clone(x.Code)
		if err != nil {
			return nil, err
		}
		out.Code = code.(*Code)
		for _, d := range x.Defaults {
			cv, err := c.clone(d)
			if err != nil {
				return nil, err
			}
			out.Defaults = append(out.Defaults, cv)
		}
		for _, cell := range x.Closure {
			cv, err := c.clone(cell)
			if err != nil {
				return nil, err
			}
			out.Closure = append(out.Closure, cv.(*Cell))
		}
		return out, nil

	case *RangeIter:
		out := *x
		c.memo[v] = &out
		return &out, nil

	case *ListIter:
		out := &ListIter{Index: x.Index}
		c.memo[v] = out
		l, err := c.clone(x.List)
		if err != nil {
			return nil, err
		}
		out.List = l.(*List)
		return out, nil

	case *ErrorValue:
		out := &ErrorValue{Kind: x.Kind, Message: x.Message, Cause: x.Cause}
		c.memo[v] = out
		if x.Payload != nil {
			p, err := c.clone(x.Payload)
			if err != nil {
				return nil, err
			}
			out.Payload = p
		}
		return out, nil

	case *Opaque:
		cl, ok := x.Data.(Cloneable)
		if !ok {
			return nil, fmt.Errorf("%w: opaque %s", ErrNotCloneable, x.Tag)
		}
		data, err := cl.CloneOpaque()
		if err != nil {
			return nil, fmt.Errorf("%w: opaque %s: %w", ErrNotCloneable, x.Tag, err)
		}
		out := &Opaque{Tag: x.Tag, Data: data}
		c.memo[v] = out
		return out, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrNotCloneable, v.Type())
}

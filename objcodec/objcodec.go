// Package objcodec turns interpreter values into bytes and back.
//
// Two strategies are provided. Default encodes a value as a CBOR tree: it is
// compact and strict, refusing cycles, modules and functions it cannot name.
// Fallback encodes a CBOR object graph with a node table, so it preserves
// sharing and cycles and can carry modules and closures by value. Chain tries
// the first and falls back to the second.
package objcodec

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/chazu/brine/vm"
)

var (
	// ErrUnsupported means the codec cannot represent the value. A more
	// permissive codec may still succeed.
	ErrUnsupported = errors.New("objcodec: unsupported value")
	// ErrUnresolved means a by-reference value names something that does not
	// exist in the decoding interpreter.
	ErrUnresolved = errors.New("objcodec: unresolved reference")
	// ErrMalformed means the input bytes are not a valid encoding.
	ErrMalformed = errors.New("objcodec: malformed encoding")
)

// Codec encodes and decodes single values.
type Codec interface {
	Encode(v vm.Value) ([]byte, error)
	Decode(data []byte) (vm.Value, error)
}

// Resolver finds named modules and builtins. *vm.Interp implements it.
type Resolver interface {
	LookupModule(name string) (*vm.Module, bool)
	LookupBuiltin(name string) (*vm.Builtin, bool)
}

var (
	cborEncMode cbor.EncMode
	cborDecMode cbor.DecMode
)

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("objcodec: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
	dm, err := cbor.DecOptions{
		MaxNestedLevels:  256,
		MaxArrayElements: 1 << 24,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("objcodec: failed to create CBOR dec mode: %v", err))
	}
	cborDecMode = dm
}

// ---------------------------------------------------------------------------
// Default: CBOR tree
// ---------------------------------------------------------------------------

// Default is the strict tree codec. Functions are encoded by reference as
// (module, name) and must resolve to the same function in the decoding
// interpreter; builtins are encoded by name.
type Default struct {
	r Resolver
}

// NewDefault creates a tree codec resolving references through r.
func NewDefault(r Resolver) *Default { return &Default{r: r} }

func (c *Default) Encode(v vm.Value) ([]byte, error) {
	e := &encoder{r: c.r, visiting: make(map[vm.Value]bool)}
	n, err := e.encode(v)
	if err != nil {
		return nil, err
	}
	return cborEncMode.Marshal(n)
}

func (c *Default) Decode(data []byte) (vm.Value, error) {
	var n node
	if err := cborDecMode.Unmarshal(data, &n); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	d := &decoder{r: c.r}
	return d.decode(n)
}

// ---------------------------------------------------------------------------
// Fallback: CBOR object graph
// ---------------------------------------------------------------------------

// Fallback is the permissive graph codec. Mutable objects live in a node
// table and are referenced by index, which preserves identity within one
// encoded value. Modules registered under their own name (other than
// __main__) are encoded by reference; other modules and all functions are
// encoded by value.
type Fallback struct {
	r Resolver
}

// NewFallback creates a graph codec resolving references through r.
func NewFallback(r Resolver) *Fallback { return &Fallback{r: r} }

func (c *Fallback) Encode(v vm.Value) ([]byte, error) {
	e := &encoder{r: c.r, graph: true, ids: make(map[vm.Value]int)}
	root, err := e.encode(v)
	if err != nil {
		return nil, err
	}
	return cborEncMode.Marshal(graph{Root: root, Table: e.table})
}

func (c *Fallback) Decode(data []byte) (vm.Value, error) {
	var g graph
	if err := cborDecMode.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	d := &decoder{r: c.r, table: g.Table, built: make(map[int]vm.Value), graph: true}
	return d.decode(g.Root)
}

// ---------------------------------------------------------------------------
// Chain
// ---------------------------------------------------------------------------

const (
	tagPrimary  byte = 0
	tagFallback byte = 1
)

// Chain encodes with Primary and retries with Fallback when Primary reports
// ErrUnsupported. The output starts with one byte naming the codec used.
type Chain struct {
	Primary  Codec
	Fallback Codec
}

func (c Chain) Encode(v vm.Value) ([]byte, error) {
	return c.EncodeWith(v, v)
}

// EncodeWith encodes v with Primary, or alt with Fallback when Primary
// reports ErrUnsupported. It lets a caller name a live value by reference
// while carrying a frozen copy of it by value.
func (c Chain) EncodeWith(v, alt vm.Value) ([]byte, error) {
	b, err := c.Primary.Encode(v)
	if err == nil {
		return append([]byte{tagPrimary}, b...), nil
	}
	if c.Fallback == nil || !errors.Is(err, ErrUnsupported) {
		return nil, err
	}
	b, err = c.Fallback.Encode(alt)
	if err != nil {
		return nil, err
	}
	return append([]byte{tagFallback}, b...), nil
}

func (c Chain) Decode(data []byte) (vm.Value, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty chain payload", ErrMalformed)
	}
	switch data[0] {
	case tagPrimary:
		return c.Primary.Decode(data[1:])
	case tagFallback:
		if c.Fallback == nil {
			return nil, fmt.Errorf("%w: fallback payload without a fallback codec", ErrMalformed)
		}
		return c.Fallback.Decode(data[1:])
	}
	return nil, fmt.Errorf("%w: unknown chain tag %d", ErrMalformed, data[0])
}

// Package offload moves large byte payloads out of encoded snapshots and
// into a blob store, leaving a small envelope in their place.
package offload

import (
	"errors"
	"fmt"

	"github.com/tliron/commonlog"

	"github.com/chazu/brine/store"
	"github.com/chazu/brine/vm"
)

var log = commonlog.GetLogger("brine.offload")

// Envelope keys.
const (
	MarkerKey = "__brine_offload__"
	KeyID     = "id"
	KeySize   = "size"
	KeyDigest = "digest"
)

// DefaultThreshold is the smallest payload moved out of band.
const DefaultThreshold = 64 * 1024

// ErrBadEnvelope is returned for envelopes missing fields or pointing at
// blobs of the wrong size.
var ErrBadEnvelope = errors.New("offload: malformed envelope")

// BlobStore is the part of store.Store the offloader needs.
type BlobStore interface {
	PutBlob(data []byte) (id, digest string, err error)
	GetBlob(id string) ([]byte, error)
}

var _ BlobStore = (*store.Store)(nil)

// Offloader replaces byte buffers of at least Threshold bytes with
// envelopes on encode and restores them on decode. Lists and maps are
// searched recursively; containers holding an offloaded value are copied,
// never modified.
type Offloader struct {
	Blobs     BlobStore
	Threshold int
}

// New creates an offloader. threshold <= 0 means DefaultThreshold.
func New(blobs BlobStore, threshold int) *Offloader {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Offloader{Blobs: blobs, Threshold: threshold}
}

// BeforeEncode returns v with large payloads replaced by envelopes.
func (o *Offloader) BeforeEncode(v vm.Value) (vm.Value, error) {
	return o.out(v, make(map[vm.Value]bool))
}

func (o *Offloader) out(v vm.Value, visiting map[vm.Value]bool) (vm.Value, error) {
	switch x := v.(type) {
	case *vm.Bytes:
		if len(x.B) < o.Threshold {
			return v, nil
		}
		id, digest, err := o.Blobs.PutBlob(x.B)
		if err != nil {
			return nil, err
		}
		log.Debugf("offloaded %d bytes as %s", len(x.B), id)
		env := vm.NewMap()
		env.Set(MarkerKey, vm.True)
		env.Set(KeyID, vm.Str(id))
		env.Set(KeySize, vm.Int(len(x.B)))
		env.Set(KeyDigest, vm.Str(digest))
		return env, nil

	case *vm.List:
		if visiting[v] {
			return v, nil
		}
		visiting[v] = true
		defer delete(visiting, v)
		var items []vm.Value
		for i, item := range x.Items {
			nv, err := o.out(item, visiting)
			if err != nil {
				return nil, err
			}
			if nv != item && items == nil {
				items = append(make([]vm.Value, 0, len(x.Items)), x.Items[:i]...)
			}
			if items != nil {
				items = append(items, nv)
			}
		}
		if items == nil {
			return v, nil
		}
		return vm.NewList(items...), nil

	case *vm.Map:
		if visiting[v] {
			return v, nil
		}
		visiting[v] = true
		defer delete(visiting, v)
		var out *vm.Map
		for i, k := range x.Keys() {
			item, _ := x.Get(k)
			nv, err := o.out(item, visiting)
			if err != nil {
				return nil, err
			}
			if nv != item && out == nil {
				out = vm.NewMap()
				for _, pk := range x.Keys()[:i] {
					pv, _ := x.Get(pk)
					out.Set(pk, pv)
				}
			}
			if out != nil {
				out.Set(k, nv)
			}
		}
		if out == nil {
			return v, nil
		}
		return out, nil
	}
	return v, nil
}

// AfterDecode restores payloads referenced by envelopes in v. Decoded
// values are fresh, so containers are updated in place.
func (o *Offloader) AfterDecode(v vm.Value) (vm.Value, error) {
	return o.in(v, make(map[vm.Value]bool))
}

func (o *Offloader) in(v vm.Value, seen map[vm.Value]bool) (vm.Value, error) {
	switch x := v.(type) {
	case *vm.Map:
		if IsEnvelope(x) {
			return o.restore(x)
		}
		if seen[v] {
			return v, nil
		}
		seen[v] = true
		for _, k := range x.Keys() {
			item, _ := x.Get(k)
			nv, err := o.in(item, seen)
			if err != nil {
				return nil, err
			}
			if nv != item {
				x.Set(k, nv)
			}
		}
	case *vm.List:
		if seen[v] {
			return v, nil
		}
		seen[v] = true
		for i, item := range x.Items {
			nv, err := o.in(item, seen)
			if err != nil {
				return nil, err
			}
			x.Items[i] = nv
		}
	}
	return v, nil
}

// IsEnvelope reports whether m is an offload envelope.
func IsEnvelope(m *vm.Map) bool {
	v, ok := m.Get(MarkerKey)
	return ok && vm.Equal(v, vm.True)
}

func (o *Offloader) restore(env *vm.Map) (vm.Value, error) {
	idv, _ := env.Get(KeyID)
	sizev, _ := env.Get(KeySize)
	id, ok := idv.(vm.Str)
	if !ok {
		return nil, fmt.Errorf("%w: no id", ErrBadEnvelope)
	}
	size, ok := sizev.(vm.Int)
	if !ok {
		return nil, fmt.Errorf("%w: no size for %s", ErrBadEnvelope, id)
	}
	data, err := o.Blobs.GetBlob(string(id))
	if err != nil {
		return nil, err
	}
	if len(data) != int(size) {
		return nil, fmt.Errorf("%w: blob %s has %d bytes, envelope says %d", ErrBadEnvelope, id, len(data), size)
	}
	if dv, ok := env.Get(KeyDigest); ok {
		if d, ok := dv.(vm.Str); ok && string(d) != store.Digest(data) {
			return nil, fmt.Errorf("%w: blob %s digest", ErrBadEnvelope, id)
		}
	}
	return vm.NewBytes(data), nil
}

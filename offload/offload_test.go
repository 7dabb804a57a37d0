package offload

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"

	"github.com/chazu/brine/store"
	"github.com/chazu/brine/vm"
)

func newOffloader(t *testing.T, threshold int) (*Offloader, *store.Store) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "blobs.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return New(s, threshold), s
}

func TestSmallValuesPassThrough(t *testing.T) {
	o, _ := newOffloader(t, 8)
	l := vm.NewList(vm.Int(1), vm.NewBytes([]byte("short")))
	for _, v := range []vm.Value{vm.Int(1), vm.Str("hello"), vm.NewBytes([]byte("tiny")), l} {
		got, err := o.BeforeEncode(v)
		if err != nil {
			t.Fatal(err)
		}
		if got != v {
			t.Errorf("%s was replaced", vm.Repr(v))
		}
	}
}

func TestOffloadRoundTrip(t *testing.T) {
	o, _ := newOffloader(t, 8)
	big := vm.NewBytes(bytes.Repeat([]byte{7}, 32))
	m := vm.NewMap()
	m.Set("w", big)
	m.Set("n", vm.Int(3))
	l := vm.NewList(vm.Int(0), m)

	out, err := o.BeforeEncode(l)
	if err != nil {
		t.Fatalf("BeforeEncode: %v", err)
	}
	if out == l {
		t.Fatal("list holding a large payload should be copied")
	}
	if w, _ := m.Get("w"); w != big {
		t.Fatal("original map was modified")
	}
	env := out.(*vm.List).Items[1].(*vm.Map)
	w, _ := env.Get("w")
	wm, ok := w.(*vm.Map)
	if !ok || !IsEnvelope(wm) {
		t.Fatalf("w = %v, want an envelope", w)
	}
	if size, _ := wm.Get(KeySize); !vm.Equal(size, vm.Int(32)) {
		t.Errorf("size = %v", size)
	}
	if keys := env.Keys(); len(keys) != 2 || keys[0] != "w" || keys[1] != "n" {
		t.Errorf("copied map keys = %v", keys)
	}

	back, err := o.AfterDecode(out)
	if err != nil {
		t.Fatalf("AfterDecode: %v", err)
	}
	if !vm.Equal(back, l) {
		t.Errorf("restored %s, want %s", back, l)
	}
}

func TestOffloadCycle(t *testing.T) {
	o, _ := newOffloader(t, 4)
	l := vm.NewList(vm.NewBytes([]byte("payload")))
	l.Items = append(l.Items, l)
	out, err := o.BeforeEncode(l)
	if err != nil {
		t.Fatal(err)
	}
	ol := out.(*vm.List)
	if _, ok := ol.Items[0].(*vm.Map); !ok {
		t.Errorf("first item = %v", ol.Items[0])
	}
	if ol.Items[1] != l {
		t.Errorf("cyclic reference should point at the original list")
	}
}

func TestBadEnvelope(t *testing.T) {
	o, s := newOffloader(t, 4)
	id, _, err := s.PutBlob([]byte("abcdef"))
	if err != nil {
		t.Fatal(err)
	}

	env := func(id vm.Value, size vm.Value) *vm.Map {
		m := vm.NewMap()
		m.Set(MarkerKey, vm.True)
		if id != nil {
			m.Set(KeyID, id)
		}
		if size != nil {
			m.Set(KeySize, size)
		}
		return m
	}

	tests := []struct {
		name string
		env  *vm.Map
		want error
	}{
		{"no id", env(nil, vm.Int(6)), ErrBadEnvelope},
		{"no size", env(vm.Str(id), nil), ErrBadEnvelope},
		{"wrong size", env(vm.Str(id), vm.Int(5)), ErrBadEnvelope},
		{"unknown blob", env(vm.Str("missing"), vm.Int(6)), store.ErrNotFound},
	}
	for _, tc := range tests {
		if _, err := o.AfterDecode(tc.env); !errors.Is(err, tc.want) {
			t.Errorf("%s: err = %v, want %v", tc.name, err, tc.want)
		}
	}

	got, err := o.AfterDecode(env(vm.Str(id), vm.Int(6)))
	if err != nil || !vm.Equal(got, vm.NewBytes([]byte("abcdef"))) {
		t.Errorf("valid envelope = %v, %v", got, err)
	}
}

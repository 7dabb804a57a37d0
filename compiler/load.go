package compiler

import (
	"fmt"

	"github.com/chazu/brine/vm"
)

// ExecInto compiles src and runs its module body with m as globals.
func ExecInto(in *vm.Interp, m *vm.Module, filename, src string) (vm.Value, error) {
	unit, err := Compile(src, filename)
	if err != nil {
		return nil, err
	}
	return in.Exec(unit.Code, m)
}

// LoadModule compiles src, registers a fresh module called name and runs the
// body in it. The module keeps src as its source. On failure the module is
// unregistered again.
func LoadModule(in *vm.Interp, name, filename, src string) (*vm.Module, error) {
	unit, err := Compile(src, filename)
	if err != nil {
		return nil, err
	}
	if unit.Module != "" && unit.Module != name {
		return nil, fmt.Errorf("%s declares module %s, loading as %s", filename, unit.Module, name)
	}
	m := vm.NewModule(name)
	m.SetSource(src)
	if filename != "" {
		m.Set(vm.KeyFile, vm.Str(filename))
	}
	in.RegisterModule(m)
	if _, err := in.Exec(unit.Code, m); err != nil {
		in.UnregisterModule(name)
		return nil, err
	}
	return m, nil
}

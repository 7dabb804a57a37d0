package vm

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Module namespace keys.
const (
	KeyName    = "__name__"
	KeyPackage = "__package__"
	KeyFile    = "__file__"
)

// Module is a named namespace of globals, optionally remembering the source
// text it was compiled from.
type Module struct {
	Name string
	Dict *Map

	source    string
	hasSource bool
}

// NewModule creates a module whose namespace holds __name__.
func NewModule(name string) *Module {
	m := &Module{Name: name, Dict: NewMap()}
	m.Dict.Set(KeyName, Str(name))
	return m
}

func (*Module) Type() string     { return "module" }
func (m *Module) String() string { return "<module " + m.Name + ">" }

// Get returns the global called name.
func (m *Module) Get(name string) (Value, bool) { return m.Dict.Get(name) }

// Set binds a global.
func (m *Module) Set(name string, v Value) { m.Dict.Set(name, v) }

// Source returns the source text recorded at load time.
func (m *Module) Source() (string, bool) { return m.source, m.hasSource }

// SetSource records the source text the module was compiled from.
func (m *Module) SetSource(src string) {
	m.source = src
	m.hasSource = true
}

// stringKey returns the string value of key, reporting whether it is present
// and whether it is a string.
func (m *Module) stringKey(key string) (s string, present bool, isStr bool) {
	v, ok := m.Dict.Get(key)
	if !ok {
		return "", false, false
	}
	str, ok := v.(Str)
	return string(str), true, ok
}

// Package returns __package__ if it is set to a string.
func (m *Module) Package() (string, bool) {
	s, present, isStr := m.stringKey(KeyPackage)
	return s, present && isStr
}

// File returns __file__ if it is set to a string.
func (m *Module) File() (string, bool) {
	s, present, isStr := m.stringKey(KeyFile)
	return s, present && isStr
}

// ---------------------------------------------------------------------------
// Source loading
// ---------------------------------------------------------------------------

// ErrNoSource is returned by a SourceLoader that cannot find a module.
var ErrNoSource = errors.New("vm: no source for module")

// SourceLoader fetches module source text by module name.
type SourceLoader interface {
	GetSource(name string) (string, error)
}

// DirLoader loads <dir>/<name>.basm from each directory in order.
type DirLoader struct {
	Dirs []string
}

// SourceExt is the file extension of assembly source files.
const SourceExt = ".basm"

func (l DirLoader) GetSource(name string) (string, error) {
	for _, dir := range l.Dirs {
		path := filepath.Join(dir, name+SourceExt)
		data, err := os.ReadFile(path)
		if err == nil {
			return string(data), nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("vm: read %s: %w", path, err)
		}
	}
	return "", fmt.Errorf("%w %q", ErrNoSource, name)
}

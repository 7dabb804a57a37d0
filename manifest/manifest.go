// Package manifest handles brine.toml project configuration.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// FileName is the configuration file looked up by FindAndLoad.
const FileName = "brine.toml"

// Manifest represents a brine.toml configuration.
type Manifest struct {
	Snapshot SnapshotConfig `toml:"snapshot"`
	Runtime  RuntimeConfig  `toml:"runtime"`
	Offload  OffloadConfig  `toml:"offload"`
	Log      LogConfig      `toml:"log"`

	// Dir is the directory containing the brine.toml file (set at load time).
	// It is empty for the built-in defaults.
	Dir string `toml:"-"`
}

// SnapshotConfig holds default serialization policy.
type SnapshotConfig struct {
	ExcludeDeadLocals   bool     `toml:"exclude-dead-locals"`
	ExcludeImmutables   bool     `toml:"exclude-immutables"`
	CaptureModuleSource bool     `toml:"capture-module-source"`
	ExcludeLocals       []string `toml:"exclude-locals"`
	SizeHint            int      `toml:"size-hint"`
	Compress            bool     `toml:"compress"`
	Shallow             bool     `toml:"shallow"`
}

// RuntimeConfig configures the interpreter.
type RuntimeConfig struct {
	Layout     string   `toml:"layout"`
	HeapSlots  int      `toml:"heap-slots"`
	StackSlots int      `toml:"stack-slots"`
	SourceDirs []string `toml:"source-dirs"`
}

// OffloadConfig configures the snapshot database and out-of-band payloads.
type OffloadConfig struct {
	Enabled   bool   `toml:"enabled"`
	Database  string `toml:"database"`
	Threshold int    `toml:"threshold"`
}

// LogConfig configures logging.
type LogConfig struct {
	Verbosity int    `toml:"verbosity"`
	File      string `toml:"file"`
}

// Default returns the configuration used when no brine.toml exists.
func Default() *Manifest {
	return &Manifest{
		Snapshot: SnapshotConfig{
			ExcludeDeadLocals: true,
			SizeHint:          1024,
		},
		Runtime: RuntimeConfig{
			Layout:     "v1",
			StackSlots: 1 << 16,
			SourceDirs: []string{"."},
		},
		Offload: OffloadConfig{
			Database:  filepath.Join(".brine", "brine.db"),
			Threshold: 64 * 1024,
		},
	}
}

// Load parses a brine.toml file from the given directory. Keys the file does
// not set keep their defaults.
func Load(dir string) (*Manifest, error) {
	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	m := Default()
	md, err := toml.Decode(string(data), m)
	if err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("%s: unknown key %s", path, undecoded[0])
	}

	m.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", dir, err)
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

// FindAndLoad walks up from startDir to find a brine.toml file, then loads
// and returns the manifest. Returns the defaults if no manifest is found.
func FindAndLoad(startDir string) (*Manifest, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, FileName)
		if _, err := os.Stat(path); err == nil {
			return Load(dir)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached root
			return Default(), nil
		}
		dir = parent
	}
}

// Validate checks value ranges.
func (m *Manifest) Validate() error {
	switch m.Runtime.Layout {
	case "", "v1", "unified", "v2", "split":
	default:
		return fmt.Errorf("runtime.layout %q: want v1 or v2", m.Runtime.Layout)
	}
	if m.Snapshot.SizeHint < 0 {
		return fmt.Errorf("snapshot.size-hint must be positive, got %d", m.Snapshot.SizeHint)
	}
	if m.Runtime.HeapSlots < 0 || m.Runtime.StackSlots < 0 {
		return fmt.Errorf("runtime slot budgets must not be negative")
	}
	if m.Offload.Threshold < 0 {
		return fmt.Errorf("offload.threshold must not be negative")
	}
	return nil
}

// resolve makes p absolute relative to the manifest directory.
func (m *Manifest) resolve(p string) string {
	if filepath.IsAbs(p) || m.Dir == "" {
		return p
	}
	return filepath.Join(m.Dir, p)
}

// SourceDirPaths returns absolute paths for the configured source directories.
func (m *Manifest) SourceDirPaths() []string {
	var paths []string
	for _, d := range m.Runtime.SourceDirs {
		paths = append(paths, m.resolve(d))
	}
	return paths
}

// DatabasePath returns the snapshot database path.
func (m *Manifest) DatabasePath() string {
	return m.resolve(m.Offload.Database)
}

package snapshot

import (
	"fmt"

	"github.com/chazu/brine/wire"
)

// Policy controls what a snapshot captures and how it is encoded.
type Policy struct {
	// ExcludeLocals names slots never encoded.
	ExcludeLocals []string
	// ExcludeDeadLocals also omits locals the liveness analyzer reports dead
	// at the resume point.
	ExcludeDeadLocals bool
	// ExcludeImmutables writes only the code unit's name; the reader must
	// resolve code, function and globals through its identity cache.
	ExcludeImmutables bool
	// SizeHint is the initial encode buffer size. Zero means 1024.
	SizeHint int
	// CaptureModuleSource embeds the defining module's source text.
	CaptureModuleSource bool
	// Compress zstd-compresses the encoded body.
	Compress bool
	// Shallow copies slot and stack values by reference instead of cloning
	// them. The code unit is always cloned.
	Shallow bool
}

// DefaultPolicy excludes dead locals and nothing else.
func DefaultPolicy() Policy {
	return Policy{ExcludeDeadLocals: true, SizeHint: wire.DefaultSizeHint}
}

func (p Policy) validate() error {
	if p.SizeHint < 0 {
		return fmt.Errorf("%w: size hint must be positive, got %d", ErrBadPolicy, p.SizeHint)
	}
	return nil
}

func (p Policy) sizeHint() int {
	if p.SizeHint == 0 {
		return wire.DefaultSizeHint
	}
	return p.SizeHint
}

func (p Policy) excludes(name string) bool {
	for _, n := range p.ExcludeLocals {
		if n == name {
			return true
		}
	}
	return false
}

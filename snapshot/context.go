// Package snapshot captures interpreter frames as independent values,
// encodes them to the wire format and resumes them, possibly in another
// process.
//
// All entry points run under the interpreter's execution lock: they are
// called either from builtins, which already hold it, or from host code
// that wraps them in vm.Interp.Do.
package snapshot

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru"
	"github.com/tliron/commonlog"

	"github.com/chazu/brine/compiler"
	"github.com/chazu/brine/liveness"
	"github.com/chazu/brine/objcodec"
	"github.com/chazu/brine/ref"
	"github.com/chazu/brine/vm"
)

var log = commonlog.GetLogger("brine.snapshot")

// DefaultSourceCacheSize is the number of compiled module sources kept for
// reconstruction.
const DefaultSourceCacheSize = 64

// Hook transforms slot and stack values around encoding, for moving large
// payloads out of band.
type Hook interface {
	BeforeEncode(v vm.Value) (vm.Value, error)
	AfterDecode(v vm.Value) (vm.Value, error)
}

// LivenessAnalyzer reports the plain locals of code that are dead at the
// instruction starting at byteOffset.
type LivenessAnalyzer interface {
	DeadVariablesAt(code *vm.Code, byteOffset int) ([]string, error)
}

// Options configures a Context. Zero fields get defaults.
type Options struct {
	Cloner   vm.Cloner        // deep-copy collaborator; vm.DeepCloner if nil
	Default  objcodec.Codec   // value codec; objcodec.Default if nil
	Fallback objcodec.Codec   // permissive codec; objcodec.Fallback if nil
	Hook     Hook             // optional value transformation hook
	Liveness LivenessAnalyzer // dead-local analysis; liveness.Analyzer if nil
	Tracker  ref.Tracker      // ownership observer; ref.Discard if nil
	Policy   *Policy          // base policy for the builtins; DefaultPolicy if nil

	SourceCacheSize int
}

// ---------------------------------------------------------------------------
// Context: process-wide engine state
// ---------------------------------------------------------------------------

// Context holds the collaborators and caches shared by every snapshot taken
// from one interpreter. Create one per interpreter with NewContext and tear
// it down with Close. Its operations run under the interpreter's execution
// lock: from a builtin, or from host code inside Interp.Do.
type Context struct {
	interp   *vm.Interp
	cloner   vm.Cloner
	defaults objcodec.Codec
	fallback objcodec.Codec
	values   objcodec.Chain // defaults, falling back to fallback
	hook     Hook
	liveness LivenessAnalyzer
	tracker  ref.Tracker
	policy   Policy

	cache   *IdentityCache
	sources *lru.Cache // filename + source -> *compiler.Unit
	closed  bool
}

// NewContext creates the engine state for in.
func NewContext(in *vm.Interp, opts Options) (*Context, error) {
	c := &Context{
		interp:   in,
		cloner:   opts.Cloner,
		defaults: opts.Default,
		fallback: opts.Fallback,
		hook:     opts.Hook,
		liveness: opts.Liveness,
		tracker:  opts.Tracker,
		policy:   DefaultPolicy(),
	}
	if opts.Policy != nil {
		if err := opts.Policy.validate(); err != nil {
			return nil, err
		}
		c.policy = *opts.Policy
	}
	if c.cloner == nil {
		c.cloner = vm.DeepCloner{}
	}
	if c.defaults == nil {
		c.defaults = objcodec.NewDefault(in)
	}
	if c.fallback == nil {
		c.fallback = objcodec.NewFallback(in)
	}
	if c.tracker == nil {
		c.tracker = ref.Discard
	}
	if c.liveness == nil {
		a, err := liveness.New(0)
		if err != nil {
			return nil, fmt.Errorf("snapshot: liveness analyzer: %w", err)
		}
		c.liveness = a
	}
	c.values = objcodec.Chain{Primary: c.defaults, Fallback: c.fallback}

	size := opts.SourceCacheSize
	if size <= 0 {
		size = DefaultSourceCacheSize
	}
	sources, err := lru.New(size)
	if err != nil {
		return nil, fmt.Errorf("snapshot: source cache: %w", err)
	}
	c.sources = sources
	c.cache = NewIdentityCache(c.tracker)
	return c, nil
}

// Interp returns the interpreter this context serves.
func (c *Context) Interp() *vm.Interp { return c.interp }

// Policy returns the base policy the builtins start from.
func (c *Context) Policy() Policy { return c.policy }

// Cache returns the code identity cache.
func (c *Context) Cache() *IdentityCache { return c.cache }

// Close releases the identity cache and compiled sources. The context is
// unusable afterwards.
func (c *Context) Close() error {
	if c.closed {
		return ErrContextClosed
	}
	c.closed = true
	c.sources.Purge()
	return c.cache.Clear()
}

func (c *Context) check() error {
	if c.closed {
		return ErrContextClosed
	}
	return nil
}

// compile returns the compiled unit for src, reusing earlier compilations
// of the same text.
func (c *Context) compile(filename, src string) (*compiler.Unit, error) {
	key := filename + "\x00" + src
	if u, ok := c.sources.Get(key); ok {
		return u.(*compiler.Unit), nil
	}
	u, err := compiler.Compile(src, filename)
	if err != nil {
		return nil, err
	}
	c.sources.Add(key, u)
	return u, nil
}

package snapshot

import (
	"github.com/hashicorp/go-multierror"

	"github.com/chazu/brine/ref"
	"github.com/chazu/brine/vm"
)

// ---------------------------------------------------------------------------
// IdentityCache: code name -> immutable companions
// ---------------------------------------------------------------------------

// Identity is the immutable triple recorded for a code unit name.
type Identity struct {
	Func    *vm.Function
	Code    *vm.Code
	Globals *vm.Module
}

type cacheEntry struct {
	fn      ref.Owned[*vm.Function]
	code    ref.Owned[*vm.Code]
	globals ref.Owned[*vm.Module]
}

// IdentityCache maps code unit names to the function, code and globals
// recorded by the first snapshot of that name. Entries are never replaced
// or evicted before Clear. It has no lock of its own: callers hold the
// interpreter's execution lock.
type IdentityCache struct {
	entries map[string]*cacheEntry
	tracker ref.Tracker
}

// NewIdentityCache creates an empty cache reporting ownership to t.
func NewIdentityCache(t ref.Tracker) *IdentityCache {
	if t == nil {
		t = ref.Discard
	}
	return &IdentityCache{entries: make(map[string]*cacheEntry), tracker: t}
}

// Record stores f's function, code and globals under the code's name. It
// reports false and changes nothing if the name is already present.
func (c *IdentityCache) Record(f *vm.Frame) bool {
	return c.RecordIdentity(Identity{Func: f.Func, Code: f.Code, Globals: f.Globals})
}

// RecordIdentity is Record for an explicit triple.
func (c *IdentityCache) RecordIdentity(id Identity) bool {
	name := id.Code.Name
	if _, ok := c.entries[name]; ok {
		return false
	}
	c.entries[name] = &cacheEntry{
		fn:      ref.Own(id.Func, "cache.func", c.tracker, nil),
		code:    ref.Own(id.Code, "cache.code", c.tracker, nil),
		globals: ref.Own(id.Globals, "cache.globals", c.tracker, nil),
	}
	log.Debugf("cached identity for %s", name)
	return true
}

// Lookup returns the identity recorded for name.
func (c *IdentityCache) Lookup(name string) (Identity, bool) {
	e, ok := c.entries[name]
	if !ok {
		return Identity{}, false
	}
	return Identity{Func: e.fn.Get(), Code: e.code.Get(), Globals: e.globals.Get()}, true
}

// Len returns the number of entries.
func (c *IdentityCache) Len() int { return len(c.entries) }

// Clear releases every entry exactly once and empties the cache.
func (c *IdentityCache) Clear() error {
	var result *multierror.Error
	for name, e := range c.entries {
		for _, err := range []error{e.fn.Release(), e.code.Release(), e.globals.Release()} {
			if err != nil {
				result = multierror.Append(result, err)
			}
		}
		delete(c.entries, name)
	}
	return result.ErrorOrNil()
}

// Package ref provides explicit ownership wrappers for managed references.
//
// Three kinds of reference are distinguished at the type level:
//
//   - Owned[T] carries a release obligation. It is released exactly once,
//     either by Release or by transferring ownership away with Take.
//   - Borrowed[T] is a non-owning view that must not outlive its owner.
//   - Weak[T] is a lookup-only back-link that does not keep its target alive.
//
// A Tracker observes acquire/release transitions so that leak and
// double-release checks can be made in tests and diagnostics.
package ref

import (
	"errors"
	"fmt"
	"sync"
	"weak"
)

var (
	// ErrDoubleRelease is returned when an Owned reference is released or
	// taken after its ownership has already been given up.
	ErrDoubleRelease = errors.New("ref: reference already released")
)

// ---------------------------------------------------------------------------
// Tracker
// ---------------------------------------------------------------------------

// Tracker observes ownership transitions of Owned references.
type Tracker interface {
	Acquired(kind string)
	Released(kind string)
}

type discardTracker struct{}

func (discardTracker) Acquired(string) {}
func (discardTracker) Released(string) {}

// Discard is a Tracker that ignores every transition.
var Discard Tracker = discardTracker{}

// Counter is a Tracker that counts transitions per kind.
type Counter struct {
	mu       sync.Mutex
	acquired map[string]int
	released map[string]int
}

// NewCounter creates an empty Counter.
func NewCounter() *Counter {
	return &Counter{
		acquired: make(map[string]int),
		released: make(map[string]int),
	}
}

func (c *Counter) Acquired(kind string) {
	c.mu.Lock()
	c.acquired[kind]++
	c.mu.Unlock()
}

func (c *Counter) Released(kind string) {
	c.mu.Lock()
	c.released[kind]++
	c.mu.Unlock()
}

// Outstanding returns acquisitions minus releases for kind.
func (c *Counter) Outstanding(kind string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.acquired[kind] - c.released[kind]
}

// Balance returns acquisitions minus releases across all kinds.
func (c *Counter) Balance() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, v := range c.acquired {
		n += v
	}
	for _, v := range c.released {
		n -= v
	}
	return n
}

// ReleasedCount returns how many releases were recorded for kind.
func (c *Counter) ReleasedCount(kind string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.released[kind]
}

// AcquiredCount returns how many acquisitions were recorded for kind.
func (c *Counter) AcquiredCount(kind string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.acquired[kind]
}

// String summarizes the outstanding counts, for test failure messages.
func (c *Counter) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := ""
	for k, v := range c.acquired {
		if d := v - c.released[k]; d != 0 {
			s += fmt.Sprintf("%s:%d ", k, d)
		}
	}
	if s == "" {
		return "balanced"
	}
	return s
}

// ---------------------------------------------------------------------------
// Owned
// ---------------------------------------------------------------------------

// Owned holds a reference together with the obligation to release it.
// The zero value owns nothing.
type Owned[T any] struct {
	val     T
	kind    string
	live    bool
	release func(T) error
	tracker Tracker
}

// Own takes ownership of v. release runs once when the reference is
// released (not when it is taken); it may be nil.
func Own[T any](v T, kind string, t Tracker, release func(T) error) Owned[T] {
	if t == nil {
		t = Discard
	}
	t.Acquired(kind)
	return Owned[T]{val: v, kind: kind, live: true, release: release, tracker: t}
}

// Live reports whether the reference is still owned.
func (o *Owned[T]) Live() bool { return o.live }

// Kind returns the tracking kind given at Own time.
func (o *Owned[T]) Kind() string { return o.kind }

// Get returns the referenced value. It returns the zero value once the
// reference has been released or taken.
func (o *Owned[T]) Get() T {
	if !o.live {
		var zero T
		return zero
	}
	return o.val
}

// Borrow returns a non-owning view of the reference.
func (o *Owned[T]) Borrow() Borrowed[T] {
	return Borrowed[T]{val: o.Get()}
}

// Take transfers ownership to the caller. The release callback does not
// run; the new owner is responsible for the value from now on.
func (o *Owned[T]) Take() (T, error) {
	var zero T
	if !o.live {
		return zero, ErrDoubleRelease
	}
	v := o.val
	o.val = zero
	o.live = false
	o.tracker.Released(o.kind)
	return v, nil
}

// Release gives up ownership, running the release callback exactly once.
func (o *Owned[T]) Release() error {
	if !o.live {
		return ErrDoubleRelease
	}
	v := o.val
	var zero T
	o.val = zero
	o.live = false
	o.tracker.Released(o.kind)
	if o.release != nil {
		return o.release(v)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Borrowed
// ---------------------------------------------------------------------------

// Borrowed is a non-owning reference. It carries no release obligation and
// must not be used after its owner has released the value.
type Borrowed[T any] struct {
	val T
}

// Borrow wraps v without taking ownership.
func Borrow[T any](v T) Borrowed[T] { return Borrowed[T]{val: v} }

// Get returns the borrowed value.
func (b Borrowed[T]) Get() T { return b.val }

// ---------------------------------------------------------------------------
// Weak
// ---------------------------------------------------------------------------

// Weak is a lookup-only reference that does not keep its target alive.
type Weak[T any] struct {
	p   weak.Pointer[T]
	set bool
}

// MakeWeak creates a weak reference to p. A nil p yields an empty Weak.
func MakeWeak[T any](p *T) Weak[T] {
	if p == nil {
		return Weak[T]{}
	}
	return Weak[T]{p: weak.Make(p), set: true}
}

// Get returns the target, or nil if it was never set or has been collected.
func (w Weak[T]) Get() *T {
	if !w.set {
		return nil
	}
	return w.p.Value()
}

// IsSet reports whether the reference was created from a non-nil pointer.
func (w Weak[T]) IsSet() bool { return w.set }

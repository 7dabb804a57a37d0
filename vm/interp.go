package vm

import (
	"io"
	"os"
	"sort"
	"sync"

	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("brine.vm")

// MainModuleName is the name of the module that hosts top-level code when
// no other module is given.
const MainModuleName = "__main__"

// Default budgets, in values.
const (
	DefaultHeapSlots  = 1 << 20
	DefaultStackSlots = 1 << 16
)

// Config configures a new interpreter.
type Config struct {
	Layout     Layout       // frame layout; LayoutV1 if nil
	HeapSlots  int          // budget for detached frames; <= 0 means unlimited
	StackSlots int          // capacity of each thread's data stack
	Loader     SourceLoader // fallback source lookup for modules
	Stdout     io.Writer    // where print writes; os.Stdout if nil
}

// ---------------------------------------------------------------------------
// Interp: process-wide host engine state
// ---------------------------------------------------------------------------

// Interp owns the module registry, builtins, frame allocators and threads.
// Only one goroutine executes interpreted code at a time. The outermost
// entry points (Call, Exec and Do) hold the execution lock; code already
// running under it, such as a builtin, uses the Thread methods instead.
type Interp struct {
	mu     sync.Mutex
	locked bool // set while an entry point holds mu

	layout     Layout
	heap       *HeapAllocator
	stackSlots int

	modules  map[string]*Module
	builtins *Module
	main     *Module

	mainThread *Thread
	current    *Thread

	Loader SourceLoader
	Stdout io.Writer
}

// NewInterp creates an interpreter with the default builtins installed.
func NewInterp(cfg Config) *Interp {
	layout := cfg.Layout
	if layout == nil {
		layout = LayoutV1{}
	}
	stackSlots := cfg.StackSlots
	if stackSlots <= 0 {
		stackSlots = DefaultStackSlots
	}
	out := cfg.Stdout
	if out == nil {
		out = os.Stdout
	}
	in := &Interp{
		layout:     layout,
		heap:       NewHeapAllocator(cfg.HeapSlots),
		stackSlots: stackSlots,
		modules:    make(map[string]*Module),
		builtins:   NewModule("builtins"),
		Loader:     cfg.Loader,
		Stdout:     out,
	}
	in.main = NewModule(MainModuleName)
	in.modules[MainModuleName] = in.main
	in.installBuiltins()
	in.mainThread = in.NewThread()
	in.current = in.mainThread
	log.Debugf("interpreter ready (layout %s v%d, stack %d)", layout.Name(), layout.Version(), stackSlots)
	return in
}

// Do runs fn while holding the global execution lock. It must not be
// called from interpreted code.
func (in *Interp) Do(fn func() error) error {
	in.mu.Lock()
	in.locked = true
	defer func() {
		in.locked = false
		in.mu.Unlock()
	}()
	return fn()
}

// Locked reports whether the execution lock is held. It is only meaningful
// on the goroutine running interpreted code.
func (in *Interp) Locked() bool { return in.locked }

// Layout returns the frame layout selected at init.
func (in *Interp) Layout() Layout { return in.layout }

// Heap returns the allocator used for detached frames.
func (in *Interp) Heap() *HeapAllocator { return in.heap }

// Builtins returns the builtin namespace.
func (in *Interp) Builtins() *Module { return in.builtins }

// MainModule returns the __main__ module.
func (in *Interp) MainModule() *Module { return in.main }

// MainThread returns the interpreter's first thread.
func (in *Interp) MainThread() *Thread { return in.mainThread }

// CurrentThread returns the thread that is executing, or the main thread
// when nothing is running.
func (in *Interp) CurrentThread() *Thread { return in.current }

// NewThread creates a thread with its own data stack.
func (in *Interp) NewThread() *Thread {
	return &Thread{interp: in, data: NewDataStack(in.stackSlots)}
}

// ---------------------------------------------------------------------------
// Module registry
// ---------------------------------------------------------------------------

// RegisterModule binds m under its name, replacing any previous module.
func (in *Interp) RegisterModule(m *Module) {
	in.modules[m.Name] = m
}

// UnregisterModule removes the module called name.
func (in *Interp) UnregisterModule(name string) {
	delete(in.modules, name)
}

// LookupModule returns the registered module called name.
func (in *Interp) LookupModule(name string) (*Module, bool) {
	m, ok := in.modules[name]
	return m, ok
}

// ModuleNames returns the registered module names, sorted.
func (in *Interp) ModuleNames() []string {
	names := make([]string, 0, len(in.modules))
	for n := range in.modules {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// LookupBuiltin returns the builtin called name.
func (in *Interp) LookupBuiltin(name string) (*Builtin, bool) {
	v, ok := in.builtins.Get(name)
	if !ok {
		return nil, false
	}
	b, ok := v.(*Builtin)
	return b, ok
}

// DefineBuiltin installs a builtin function.
func (in *Interp) DefineBuiltin(name string, fn BuiltinFunc) {
	in.builtins.Set(name, &Builtin{Name: name, Fn: fn})
}

// ---------------------------------------------------------------------------
// Entry points
// ---------------------------------------------------------------------------

// Call invokes fn on the current thread under the execution lock.
func (in *Interp) Call(fn Value, args ...Value) (Value, error) {
	var v Value
	err := in.Do(func() (err error) {
		v, err = in.current.Call(fn, args...)
		return err
	})
	return v, err
}

// Exec runs a module body code unit with m as its globals under the
// execution lock.
func (in *Interp) Exec(code *Code, m *Module) (Value, error) {
	var v Value
	err := in.Do(func() (err error) {
		v, err = in.current.Exec(code, m)
		return err
	})
	return v, err
}

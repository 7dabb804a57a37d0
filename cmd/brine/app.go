package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/tliron/commonlog"

	"github.com/chazu/brine/compiler"
	"github.com/chazu/brine/manifest"
	"github.com/chazu/brine/offload"
	"github.com/chazu/brine/snapshot"
	"github.com/chazu/brine/store"
	"github.com/chazu/brine/vm"
)

var log = commonlog.GetLogger("brine.cli")

// app bundles an interpreter with its snapshot engine and, when needed,
// the snapshot database.
type app struct {
	cfg   *manifest.Manifest
	in    *vm.Interp
	ctx   *snapshot.Context
	store *store.Store
	out   io.Writer

	// checkpoint targets
	snapshotFile string
	save         bool
	saved        []string
}

// policyFrom converts the [snapshot] section to an engine policy.
func policyFrom(s manifest.SnapshotConfig) snapshot.Policy {
	return snapshot.Policy{
		ExcludeLocals:       s.ExcludeLocals,
		ExcludeDeadLocals:   s.ExcludeDeadLocals,
		ExcludeImmutables:   s.ExcludeImmutables,
		SizeHint:            s.SizeHint,
		CaptureModuleSource: s.CaptureModuleSource,
		Compress:            s.Compress,
		Shallow:             s.Shallow,
	}
}

func newApp(cfg *manifest.Manifest, out io.Writer, needStore bool) (*app, error) {
	layout, err := vm.LayoutByName(cfg.Runtime.Layout)
	if err != nil {
		return nil, err
	}
	in := vm.NewInterp(vm.Config{
		Layout:     layout,
		HeapSlots:  cfg.Runtime.HeapSlots,
		StackSlots: cfg.Runtime.StackSlots,
		Loader:     vm.DirLoader{Dirs: cfg.SourceDirPaths()},
		Stdout:     out,
	})

	a := &app{cfg: cfg, in: in, out: out}
	opts := snapshot.Options{}
	if needStore || cfg.Offload.Enabled {
		if a.store, err = store.Open(cfg.DatabasePath()); err != nil {
			return nil, err
		}
	}
	if cfg.Offload.Enabled {
		opts.Hook = offload.New(a.store, cfg.Offload.Threshold)
	}
	p := policyFrom(cfg.Snapshot)
	opts.Policy = &p

	if a.ctx, err = snapshot.NewContext(in, opts); err != nil {
		a.close()
		return nil, err
	}
	a.ctx.InstallBuiltins()
	in.DefineBuiltin("checkpoint", a.checkpoint)
	return a, nil
}

func (a *app) close() {
	if a.ctx != nil {
		if err := a.ctx.Close(); err != nil {
			log.Warningf("closing snapshot context: %s", err)
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			log.Warningf("closing store: %s", err)
		}
	}
}

// checkpoint([label]) serializes the calling frame with the configured
// policy and module source, writing it to the -snapshot file and/or the
// database. It returns true; the resumed copy sees nil instead.
func (a *app) checkpoint(th *vm.Thread, args []vm.Value) (vm.Value, error) {
	if err := vm.Arity("checkpoint", args, 0, 1); err != nil {
		return nil, err
	}
	label := ""
	if len(args) == 1 {
		s, ok := args[0].(vm.Str)
		if !ok {
			return nil, vm.NewError("TypeError", "checkpoint label must be str, not %s", args[0].Type())
		}
		label = string(s)
	}
	f := th.Top()
	if f == nil {
		return nil, vm.NewError("SnapshotError", "checkpoint outside a frame")
	}
	p := a.ctx.Policy()
	p.CaptureModuleSource = true
	data, err := a.ctx.CopyCurrentFrameSerialized(th, p)
	if err != nil {
		return nil, vm.NewError("SnapshotError", "%s", err)
	}

	if a.snapshotFile != "" {
		if err := os.WriteFile(a.snapshotFile, data, 0o644); err != nil {
			return nil, vm.NewError("OSError", "%s", err)
		}
		log.Infof("checkpoint %s: wrote %d bytes to %s", label, len(data), a.snapshotFile)
	}
	if a.save && a.store != nil {
		name := f.Code.Name
		if label != "" {
			name = label
		}
		module := ""
		if f.Globals != nil {
			module = f.Globals.Name
		}
		id, err := a.store.SaveSnapshot(name, module, data)
		if err != nil {
			return nil, vm.NewError("OSError", "%s", err)
		}
		a.saved = append(a.saved, id)
		fmt.Fprintf(a.out, "checkpoint saved as %s\n", id)
	}
	return vm.True, nil
}

// loadProgram registers path as a module named after the file stem and runs
// its body.
func (a *app) loadProgram(path string) (*vm.Module, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return compiler.LoadModule(a.in, name, path, string(src))
}

package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/chazu/brine/compiler"
	"github.com/chazu/brine/manifest"
	"github.com/chazu/brine/store"
	"github.com/chazu/brine/vm"
	"github.com/chazu/brine/wire"
)

// ---------------------------------------------------------------------------
// run / resume
// ---------------------------------------------------------------------------

func cmdRun(cfg *manifest.Manifest, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	snapFile := fs.String("snapshot", "", "File that checkpoint() writes to")
	save := fs.Bool("save", false, "Also save checkpoints to the snapshot database")
	entry := fs.String("entry", "main", "Function to call after loading (empty for none)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("run needs exactly one program")
	}

	a, err := newApp(cfg, out, *save)
	if err != nil {
		return err
	}
	defer a.close()
	a.snapshotFile, a.save = *snapFile, *save

	m, err := a.loadProgram(fs.Arg(0))
	if err != nil {
		return err
	}
	if *entry == "" {
		return nil
	}
	fn, ok := m.Get(*entry)
	if !ok {
		explicit := false
		fs.Visit(func(f *flag.Flag) { explicit = explicit || f.Name == "entry" })
		if !explicit {
			return nil
		}
		return fmt.Errorf("%s does not define %s", fs.Arg(0), *entry)
	}
	v, err := a.in.Call(fn)
	if err != nil {
		return err
	}
	printResult(out, v)
	return nil
}

func cmdResume(cfg *manifest.Manifest, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("resume", flag.ContinueOnError)
	id := fs.String("id", "", "Resume a snapshot from the database instead of a file")
	noReconstruct := fs.Bool("no-reconstruct", false, "Do not rebuild the module from embedded source")
	snapFile := fs.String("snapshot", "", "File that a further checkpoint() writes to")
	sets := assignments{}
	fs.Var(&sets, "set", "Rebind a local before resuming (NAME=VALUE, repeatable)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if (*id == "") == (fs.NArg() == 0) {
		return errors.New("resume needs either a file or -id")
	}

	a, err := newApp(cfg, out, *id != "")
	if err != nil {
		return err
	}
	defer a.close()
	a.snapshotFile = *snapFile

	var data []byte
	if *id != "" {
		rec, err := a.store.LoadSnapshot(*id)
		if err != nil {
			return err
		}
		data = rec.Data
	} else if data, err = os.ReadFile(fs.Arg(0)); err != nil {
		return err
	}

	var repl vm.Value
	if len(sets) > 0 {
		repl = sets.toMap()
	}
	var v vm.Value
	err = a.in.Do(func() (err error) {
		v, err = a.ctx.DeserializeAndRun(a.in.MainThread(), data, !*noReconstruct, repl)
		return err
	})
	if err != nil {
		return err
	}
	printResult(out, v)
	return nil
}

func printResult(out io.Writer, v vm.Value) {
	if v == nil || v == vm.Nil {
		return
	}
	fmt.Fprintln(out, vm.Repr(v))
}

// assignments collects NAME=VALUE flags.
type assignments map[string]vm.Value

func (a assignments) String() string {
	var keys []string
	for k := range a {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return strings.Join(keys, ",")
}

func (a assignments) Set(s string) error {
	name, val, ok := strings.Cut(s, "=")
	if !ok || name == "" {
		return fmt.Errorf("want NAME=VALUE, got %q", s)
	}
	a[name] = parseValue(val)
	return nil
}

func (a assignments) toMap() *vm.Map {
	m := vm.NewMap()
	var keys []string
	for k := range a {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		m.Set(k, a[k])
	}
	return m
}

// parseValue reads an int, float, bool or nil literal; anything else is a
// string.
func parseValue(s string) vm.Value {
	switch s {
	case "nil":
		return vm.Nil
	case "true":
		return vm.True
	case "false":
		return vm.False
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return vm.Int(n)
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return vm.Float(f)
	}
	if uq, err := strconv.Unquote(s); err == nil {
		return vm.Str(uq)
	}
	return vm.Str(s)
}

// ---------------------------------------------------------------------------
// inspect / dis
// ---------------------------------------------------------------------------

func cmdInspect(args []string, out io.Writer) error {
	if len(args) != 1 {
		return errors.New("inspect needs exactly one snapshot file")
	}
	data, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	return inspect(out, data)
}

func inspect(out io.Writer, data []byte) error {
	hdr, err := wire.ReadHeader(data)
	if err != nil {
		return err
	}
	snap, err := wire.Unmarshal(data)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "snapshot v%d, %d bytes, compressed %v\n", hdr.Version, len(data), hdr.Compressed())
	c := snap.Code
	if c.NameOnly {
		fmt.Fprintf(out, "code      %s (by name, needs the identity cache)\n", c.Name)
	} else {
		fmt.Fprintf(out, "code      %s (%s:%d) %d units, %d consts, stack %d\n",
			c.QualName, c.Filename, c.FirstLine, c.Units(), len(c.Consts), c.StackSize)
	}

	f := snap.Frame
	fmt.Fprintf(out, "offset    %d (line %d)\n", f.InstrOffset, f.Line)
	fmt.Fprintf(out, "return    %d\n", f.ReturnOffset)
	fmt.Fprintf(out, "owner     %s\n", vm.Owner(f.Owner))
	fmt.Fprintf(out, "function  %s\n", presence(f.Func))
	fmt.Fprintf(out, "globals   %s\n", presence(f.Globals))
	fmt.Fprintf(out, "stack     %d entries\n", len(f.Stack))

	fmt.Fprintf(out, "locals    %d slots, %d excluded\n", len(f.Bitmask), f.Excluded())
	next := 0
	for i, bit := range f.Bitmask {
		name := fmt.Sprintf("#%d", i)
		if !c.NameOnly && i < len(c.SlotNames) {
			name = c.SlotNames[i]
		}
		if bit != 0 {
			fmt.Fprintf(out, "  %-12s excluded\n", name)
			continue
		}
		size := 0
		if next < len(f.LocalsPlus) {
			size = len(f.LocalsPlus[next])
		}
		next++
		fmt.Fprintf(out, "  %-12s %d bytes\n", name, size)
	}

	if m := snap.Module; m != nil {
		fmt.Fprintf(out, "module    %s", m.Name)
		if m.HasFilename {
			fmt.Fprintf(out, " (%s)", m.Filename)
		}
		fmt.Fprintf(out, ", %d bytes of source\n", len(m.Source))
	} else {
		fmt.Fprintln(out, "module    not captured")
	}
	return nil
}

func presence(b []byte) string {
	if b == nil {
		return "omitted"
	}
	return fmt.Sprintf("%d bytes", len(b))
}

func cmdDis(cfg *manifest.Manifest, args []string, out io.Writer) error {
	if len(args) != 1 {
		return errors.New("dis needs exactly one file")
	}
	data, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}

	if strings.HasSuffix(args[0], vm.SourceExt) {
		unit, err := compiler.Compile(string(data), args[0])
		if err != nil {
			return err
		}
		fmt.Fprint(out, vm.Disassemble(unit.Code))
		names := make([]string, 0, len(unit.Funcs))
		for name := range unit.Funcs {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Fprintln(out)
			fmt.Fprint(out, vm.Disassemble(unit.Funcs[name]))
		}
		return nil
	}

	a, err := newApp(cfg, out, false)
	if err != nil {
		return err
	}
	defer a.close()
	var code *vm.Code
	err = a.in.Do(func() (err error) {
		code, err = a.ctx.DecodeCode(data)
		return err
	})
	if err != nil {
		return err
	}
	fmt.Fprint(out, vm.Disassemble(code))
	return nil
}

// ---------------------------------------------------------------------------
// snapshots
// ---------------------------------------------------------------------------

func cmdSnapshots(cfg *manifest.Manifest, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("snapshots", flag.ContinueOnError)
	db := fs.String("db", cfg.DatabasePath(), "Snapshot database")
	rm := fs.String("rm", "", "Delete the snapshot with this id")
	export := fs.String("export", "", "Write the snapshot with this id to -o")
	dest := fs.String("o", "", "Output file for -export")
	if err := fs.Parse(args); err != nil {
		return err
	}

	st, err := store.Open(*db)
	if err != nil {
		return err
	}
	defer st.Close()

	switch {
	case *rm != "":
		return st.DeleteSnapshot(*rm)
	case *export != "":
		if *dest == "" {
			return errors.New("-export needs -o FILE")
		}
		rec, err := st.LoadSnapshot(*export)
		if err != nil {
			return err
		}
		return os.WriteFile(*dest, rec.Data, 0o644)
	}

	recs, err := st.ListSnapshots()
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		fmt.Fprintln(out, "no snapshots")
		return nil
	}
	for _, r := range recs {
		fmt.Fprintf(out, "%s  %-20s %-16s %8d  %s\n",
			r.ID, r.Name, r.Module, r.Size, r.Created.Format("2006-01-02 15:04:05"))
	}
	return nil
}

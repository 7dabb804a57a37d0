// Brine CLI - run assembly programs, checkpoint their frames and resume them
package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"

	"github.com/chazu/brine/manifest"
)

func main() {
	verbosity := flag.Int("v", -1, "Log verbosity (overrides [log] verbosity in brine.toml)")
	logFile := flag.String("log", "", "Write logs to this file instead of stderr")
	configDir := flag.String("C", ".", "Directory to start the brine.toml search from")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: brine [options] <command> [arguments]\n\n")
		fmt.Fprintf(os.Stderr, "Commands:\n")
		fmt.Fprintf(os.Stderr, "  run [-snapshot FILE] [-save] [-entry NAME] PROGRAM.basm\n")
		fmt.Fprintf(os.Stderr, "  resume [-id ID] [-no-reconstruct] [-set NAME=VALUE]... [FILE]\n")
		fmt.Fprintf(os.Stderr, "  inspect FILE\n")
		fmt.Fprintf(os.Stderr, "  dis FILE                (a .basm program or a snapshot)\n")
		fmt.Fprintf(os.Stderr, "  snapshots [-db PATH] [-rm ID]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  brine run -snapshot job.snap job.basm   # checkpoint() writes job.snap\n")
		fmt.Fprintf(os.Stderr, "  brine resume job.snap                   # continue after the checkpoint\n")
		fmt.Fprintf(os.Stderr, "  brine resume -set retries=0 job.snap    # ... with a local rebound\n")
	}
	flag.Parse()

	cfg, err := manifest.FindAndLoad(*configDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	configureLogging(cfg, *verbosity, *logFile)

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}
	if err := dispatch(cfg, flag.Args(), os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func configureLogging(cfg *manifest.Manifest, verbosity int, file string) {
	if verbosity < 0 {
		verbosity = cfg.Log.Verbosity
	}
	if file == "" {
		file = cfg.Log.File
	}
	var path *string
	if file != "" {
		path = &file
	}
	commonlog.Configure(verbosity, path)
}

// dispatch runs one subcommand, writing its output to out.
func dispatch(cfg *manifest.Manifest, args []string, out io.Writer) error {
	cmd, rest := args[0], args[1:]
	switch cmd {
	case "run":
		return cmdRun(cfg, rest, out)
	case "resume":
		return cmdResume(cfg, rest, out)
	case "inspect":
		return cmdInspect(rest, out)
	case "dis":
		return cmdDis(cfg, rest, out)
	case "snapshots":
		return cmdSnapshots(cfg, rest, out)
	}
	return fmt.Errorf("unknown command %q (try brine -h)", cmd)
}

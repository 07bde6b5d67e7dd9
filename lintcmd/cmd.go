// Package lintcmd implements the frontend of the analyzer.
// It serves as the entry-point for the ffilint command, and can also be used
// to implement custom tools that behave like ffilint.
package lintcmd

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/ffilint/ffilint/boundary"
	"github.com/ffilint/ffilint/checkers"
	"github.com/ffilint/ffilint/lint"
	"github.com/ffilint/ffilint/loader"
	"github.com/ffilint/ffilint/version"
)

// Exit codes: findings at or above the precision threshold are reported with
// code 1, malformed or unlinkable input with code 2. Analysis-internal
// degradation (widened functions, opaque constructs) never changes the exit
// code; it only demotes severities.
const (
	exitOK       = 0
	exitFindings = 1
	exitBadInput = 2
)

// Command represents the ffilint command line tool.
type Command struct {
	name     string
	checkers []lint.Checker
	version  string

	flags struct {
		fs *flag.FlagSet

		precision    string
		semantics    string
		formatter    string
		entries      list
		parallel     int
		printVersion bool
		listChecks   bool

		debugVersion    bool
		debugVerbose    bool
		debugBlockIters int
		debugSCCIters   int
	}
}

// NewCommand returns a new Command carrying the default checker set.
func NewCommand(name string) *Command {
	cmd := &Command{
		name:     name,
		checkers: checkers.All(),
		version:  version.String(),
	}
	cmd.initFlagSet(name)
	return cmd
}

// SetVersion sets the command's version. Calling it is optional; the
// version defaults to "devel".
func (cmd *Command) SetVersion(v string) {
	cmd.version = v
}

// FlagSet returns the command's flag set. This can be used to add
// additional command line arguments.
func (cmd *Command) FlagSet() *flag.FlagSet {
	return cmd.flags.fs
}

func (cmd *Command) initFlagSet(name string) {
	flags := flag.NewFlagSet(name, flag.ExitOnError)
	cmd.flags.fs = flags

	flags.StringVar(&cmd.flags.precision, "precision", "low", "Minimum severity `tier` to report (valid choices are 'high', 'mid' and 'low')")
	flags.StringVar(&cmd.flags.semantics, "semantics", "", "Path to a boundary semantics `file` merged over the built-in defaults")
	flags.StringVar(&cmd.flags.formatter, "f", "text", "Output `format` (valid choices are 'text' and 'json')")
	flags.Var(&cmd.flags.entries, "entry", "Comma-separated list of entry `functions`; restricts reporting to code reachable from them")
	flags.IntVar(&cmd.flags.parallel, "j", 0, "Number of SCCs to solve concurrently; 0 means GOMAXPROCS")
	flags.BoolVar(&cmd.flags.printVersion, "version", false, "Print version and exit")
	flags.BoolVar(&cmd.flags.listChecks, "list-checks", false, "List all available checks")

	flags.BoolVar(&cmd.flags.debugVersion, "debug.version", false, "Print detailed version information about this program")
	flags.BoolVar(&cmd.flags.debugVerbose, "debug.verbose", false, "Log fixpoint progress to stderr")
	flags.IntVar(&cmd.flags.debugBlockIters, "debug.block-iters", 0, "Override the per-function block iteration bound")
	flags.IntVar(&cmd.flags.debugSCCIters, "debug.scc-iters", 0, "Override the per-SCC summary iteration bound")
}

type list []string

func (list *list) String() string {
	return `"` + strings.Join(*list, ",") + `"`
}

func (list *list) Set(s string) error {
	if s == "" {
		*list = nil
		return nil
	}
	*list = append(*list, strings.Split(s, ",")...)
	return nil
}

// ParseFlags parses command line flags. It must be called before calling
// Run; the remaining arguments are the unit files to analyze.
func (cmd *Command) ParseFlags(args []string) {
	cmd.flags.fs.Parse(args)
}

// Run loads, links and analyzes the unit files named on the command line
// and reports the findings. It always calls os.Exit and does not return.
func (cmd *Command) Run() {
	os.Exit(cmd.run(os.Stdout, os.Stderr))
}

func (cmd *Command) run(stdout, stderr io.Writer) int {
	if cmd.flags.debugVersion {
		version.Verbose(stdout, cmd.name)
		return exitOK
	}
	if cmd.flags.printVersion {
		fmt.Fprintf(stdout, "%s %s\n", cmd.name, cmd.version)
		return exitOK
	}
	if cmd.flags.listChecks {
		for _, c := range cmd.checkers {
			fmt.Fprintln(stdout, c.Name())
		}
		return exitOK
	}

	min, err := lint.ParseSeverity(cmd.flags.precision)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitBadInput
	}

	var f formatter
	switch cmd.flags.formatter {
	case "text":
		f = textFormatter{W: stdout}
	case "json":
		f = jsonFormatter{W: stdout}
	default:
		fmt.Fprintf(stderr, "unsupported output format %q\n", cmd.flags.formatter)
		return exitBadInput
	}

	sem := boundary.DefaultSemantics()
	if path := cmd.flags.semantics; path != "" {
		sem, err = boundary.LoadSemantics(path)
		if err != nil {
			fmt.Fprintln(stderr, err)
			return exitBadInput
		}
	}

	paths := cmd.flags.fs.Args()
	if len(paths) == 0 {
		fmt.Fprintf(stderr, "%s: no unit files given\n", cmd.name)
		return exitBadInput
	}
	m, err := loader.LoadFiles(paths)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitBadInput
	}

	l := &lint.Linter{
		Checkers: cmd.checkers,
		Config: lint.Config{
			Semantics:     sem,
			MinSeverity:   min,
			Entries:       cmd.flags.entries,
			Parallel:      cmd.flags.parallel,
			MaxBlockIters: cmd.flags.debugBlockIters,
			MaxSCCIters:   cmd.flags.debugSCCIters,
		},
	}
	if cmd.flags.debugVerbose {
		l.Config.Diagnostics = stderr
	}

	findings, stats, err := l.Lint(m)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitBadInput
	}

	f.Format(findings)
	if cmd.flags.debugVerbose {
		fmt.Fprintln(stderr, stats)
		for _, c := range stats.Caveats {
			fmt.Fprintln(stderr, "caveat:", c)
		}
	}
	if len(findings) > 0 {
		return exitFindings
	}
	return exitOK
}

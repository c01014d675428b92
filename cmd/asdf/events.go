package main

import (
	"context"
	"flag"
	"os"

	"github.com/asdf-format/asdf-go/internal/parser"
	"golang.org/x/xerrors"
)

const eventsHelp = `asdf events [-flags] <file>

Print the event stream from the ASDF parser (for debugging).

Example:
  % asdf events -verbose image.asdf
`

func events(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("events", flag.ExitOnError)
	var (
		verbose = fset.Bool("verbose", false, "show extra information about each event")
		noYAML  = fset.Bool("no-yaml", false, "do not produce YAML stream events")
		capTree = fset.Bool("cap-tree", false, "capture the YAML tree and print it (for debugging)")
	)
	fset.Usage = usage(fset, eventsHelp)
	fset.Parse(args)
	if fset.NArg() != 1 {
		return xerrors.Errorf("syntax: events <file>")
	}

	var flags parser.Flags
	if !*noYAML {
		flags |= parser.FlagEmitYAMLEvents
	}
	if *capTree {
		flags |= parser.FlagBufferTree
	}

	p, err := parser.NewFromFile(fset.Arg(0), parser.Config{Flags: flags})
	if err != nil {
		return err
	}
	defer p.Close()

	for ev := p.Iterate(); ev != nil; ev = p.Iterate() {
		ev.Print(os.Stdout, *verbose)
	}
	return p.Err()
}

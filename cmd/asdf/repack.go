package main

import (
	"context"
	"flag"

	asdf "github.com/asdf-format/asdf-go"
	"golang.org/x/xerrors"
)

const repackHelp = `asdf repack [-flags] <in> <out>

Read an ASDF file and write it back out (atomically), normalizing the
layout and regenerating the block index.
`

func repack(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("repack", flag.ExitOnError)
	var (
		noBlockIndex = fset.Bool("no-block-index", false, "do not write a block index appendix")
	)
	fset.Usage = usage(fset, repackHelp)
	fset.Parse(args)
	if fset.NArg() != 2 {
		return xerrors.Errorf("syntax: repack <in> <out>")
	}

	var cfg asdf.Config
	if *noBlockIndex {
		cfg.Emitter.Flags |= asdf.NoBlockIndex
	}
	f, err := asdf.OpenEx(fset.Arg(0), &cfg)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.WriteFile(fset.Arg(1))
}

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sync"

	asdf "github.com/asdf-format/asdf-go"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"
)

const verifyChecksumsHelp = `asdf verify-checksums [-flags] <file>

Verify binary block MD5 checksums. Output is quiet on success unless
-verbose is given.
`

func verifyChecksums(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("verify-checksums", flag.ExitOnError)
	var (
		verbose = fset.Bool("verbose", false, "output checksums of all blocks with or without errors")
	)
	fset.Usage = usage(fset, verifyChecksumsHelp)
	fset.Parse(args)
	if fset.NArg() != 1 {
		return xerrors.Errorf("syntax: verify-checksums <file>")
	}

	f, err := asdf.Open(fset.Arg(0))
	if err != nil {
		return err
	}
	defer f.Close()

	// Block handles must be opened serially (opening advances the parser),
	// but checksum verification only does independent positioned reads, so
	// that part fans out.
	n := f.BlockCount()
	blocks := make([]*asdf.Block, n)
	for i := 0; i < n; i++ {
		b, err := f.OpenBlock(i)
		if err != nil {
			return err
		}
		blocks[i] = b
	}

	out := os.Stderr
	if *verbose {
		out = os.Stdout
	}
	var mu sync.Mutex
	mismatch := false

	var eg errgroup.Group
	for i, b := range blocks {
		i, b := i, b // copy
		eg.Go(func() error {
			ok, digest, err := b.VerifyChecksum()
			if err != nil {
				return err
			}
			mu.Lock()
			defer mu.Unlock()
			h := b.Header()
			if !ok {
				mismatch = true
				fmt.Fprintf(out, "Block %d: checksum mismatch\n  expected: %x\n  computed: %x\n", i, h.Checksum, digest)
			} else if *verbose {
				fmt.Fprintf(out, "Block %d: OK\n  checksum: %x\n", i, h.Checksum)
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return err
	}
	if mismatch {
		return xerrors.New("checksum verification failed")
	}
	return nil
}

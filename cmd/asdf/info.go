package main

import (
	"context"
	"encoding/binary"
	"flag"
	"fmt"
	"math"
	"os"
	"strings"

	asdf "github.com/asdf-format/asdf-go"
	"github.com/mattn/go-isatty"
	"golang.org/x/xerrors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
	"gopkg.in/yaml.v3"
)

const infoHelp = `asdf info [-flags] <file>

Print a rendering of an ASDF tree.

Example:
  % asdf info -blocks image.asdf
`

func info(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("info", flag.ExitOnError)
	var (
		noTree          = fset.Bool("no-tree", false, "do not show the tree")
		blocks          = fset.Bool("blocks", false, "show information about blocks")
		verifyChecksums = fset.Bool("verify-checksums", false, "verify block checksums (implies -blocks)")
		stats           = fset.Bool("stats", false, "print statistics for each ndarray in the tree")
	)
	fset.Usage = usage(fset, infoHelp)
	fset.Parse(args)
	if fset.NArg() != 1 {
		return xerrors.Errorf("syntax: info <file>")
	}
	filename := fset.Arg(0)

	f, err := asdf.Open(filename)
	if err != nil {
		return err
	}
	defer f.Close()

	decorate := isatty.IsTerminal(os.Stdout.Fd())
	header := func(title string) {
		if decorate {
			fmt.Printf("── %s ──\n", title)
		} else {
			fmt.Printf("%s:\n", title)
		}
	}

	fmt.Printf("%s (ASDF %s, standard %s)\n", filename, f.ASDFVersion(), f.StandardVersion())

	if !*noTree {
		root := f.Root()
		if root == nil {
			fmt.Println("(no tree)")
		} else {
			header("tree")
			out, err := yaml.Marshal(root.Node())
			if err != nil {
				return err
			}
			os.Stdout.Write(out)
		}
	}

	if *blocks || *verifyChecksums {
		header("blocks")
		n := f.BlockCount()
		for i := 0; i < n; i++ {
			b, err := f.OpenBlock(i)
			if err != nil {
				return err
			}
			h := b.Header()
			comp := b.Compression()
			if comp == "" {
				comp = "none"
			}
			fmt.Printf("block %d: allocated %d, used %d, data %d, compression %s\n",
				i, h.AllocatedSize, h.UsedSize, h.DataSize, comp)
			if *verifyChecksums {
				ok, digest, err := b.VerifyChecksum()
				if err != nil {
					return err
				}
				if ok {
					fmt.Printf("  checksum: %x (OK)\n", h.Checksum)
				} else {
					fmt.Printf("  checksum MISMATCH: expected %x, computed %x\n", h.Checksum, digest)
				}
			}
			b.Close()
		}
	}

	if *stats {
		header("ndarray statistics")
		root := f.Root()
		if root == nil {
			return nil
		}
		arrays := root.FindAll(func(v *asdf.Value) bool {
			return v.Tag() == asdf.NDArrayTag
		}, nil)
		for _, v := range arrays {
			arr, err := asdf.As[*asdf.NDArray](v)
			if err != nil {
				fmt.Printf("%s: unreadable ndarray: %v\n", v.Path(), err)
				continue
			}
			if err := printArrayStats(v.Path(), arr); err != nil {
				fmt.Printf("%s: %v\n", v.Path(), err)
			}
			arr.Close()
		}
	}
	return nil
}

func printArrayStats(path string, arr *asdf.NDArray) error {
	raw, err := arr.ReadAll(asdf.DatatypeFloat64, nil)
	if err != nil && err != asdf.ErrOverflow {
		return err
	}
	data := float64SliceFromBytes(raw)
	if len(data) == 0 {
		fmt.Printf("%s: empty array\n", path)
		return nil
	}
	shape := make([]string, len(arr.Shape))
	for i, dim := range arr.Shape {
		shape[i] = fmt.Sprint(dim)
	}
	fmt.Printf("%s: %s[%s] min=%g max=%g mean=%g stddev=%g\n",
		path, arr.Datatype.Type, strings.Join(shape, ","),
		floats.Min(data), floats.Max(data), stat.Mean(data, nil), stat.StdDev(data, nil))
	return nil
}

func float64SliceFromBytes(raw []byte) []float64 {
	data := make([]float64, len(raw)/8)
	for i := range data {
		data[i] = math.Float64frombits(binary.LittleEndian.Uint64(raw[i*8:]))
	}
	return data
}

// asdf is the commandline utility for inspecting and managing ASDF files.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

func usage(fset *flag.FlagSet, help string) func() {
	return func() {
		fmt.Fprint(os.Stderr, help)
		fmt.Fprintf(os.Stderr, "\nFlags:\n")
		fset.PrintDefaults()
	}
}

// interruptibleContext returns a context which is canceled when the program
// is interrupted (i.e. receiving SIGINT or SIGTERM).
func interruptibleContext() (context.Context, context.CancelFunc) {
	ctx, canc := context.WithCancel(context.Background())
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		// Subsequent signals result in immediate termination, which is
		// useful in case cleanup hangs:
		signal.Stop(sig)
		canc()
	}()
	return ctx, canc
}

func funcmain() error {
	flag.Parse()

	type cmd struct {
		fn func(ctx context.Context, args []string) error
	}
	verbs := map[string]cmd{
		"info":             {info},
		"events":           {events},
		"verify-checksums": {verifyChecksums},
		"repack":           {repack},
		"fuse":             {fuseMount},
	}

	args := flag.Args()
	if len(args) == 0 {
		fmt.Fprintf(os.Stderr, "asdf [-flags] <command> [-flags] <args>\n")
		fmt.Fprintln(os.Stderr)
		fmt.Fprintf(os.Stderr, "To get help on any command, use asdf <command> -help.\n")
		fmt.Fprintln(os.Stderr)
		fmt.Fprintf(os.Stderr, "Commands:\n")
		fmt.Fprintf(os.Stderr, "\tinfo             - print a rendering of an ASDF tree\n")
		fmt.Fprintf(os.Stderr, "\tevents           - print the event stream from the ASDF parser\n")
		fmt.Fprintf(os.Stderr, "\tverify-checksums - verify binary block MD5 checksums\n")
		fmt.Fprintf(os.Stderr, "\trepack           - read a file and write it back out\n")
		fmt.Fprintf(os.Stderr, "\tfuse             - mount a file's tree and blocks as a file system\n")
		os.Exit(2)
	}
	verb, args := args[0], args[1:]

	ctx, canc := interruptibleContext()
	defer canc()
	v, ok := verbs[verb]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command %q\n", verb)
		fmt.Fprintf(os.Stderr, "syntax: asdf <command> [options]\n")
		os.Exit(2)
	}
	if err := v.fn(ctx, args); err != nil {
		return fmt.Errorf("%s: %v", verb, err)
	}
	return nil
}

func main() {
	if err := funcmain(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

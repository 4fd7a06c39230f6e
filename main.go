package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/kballard/go-shellquote"

	"archzfs/installer/internal/installer"
	"archzfs/installer/internal/prompt"
	"archzfs/installer/internal/shell"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	a := &app{stdout: stdout, stderr: stderr}
	cmd := newRootCmd(a)
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	err := cmd.Execute()
	code := exitCode(err)
	switch code {
	case 0:
	case 130:
		color.New(color.FgYellow).Fprintln(stderr, "\nInstallation cancelled.")
	default:
		color.New(color.FgRed, color.Bold).Fprintf(stderr, "Error: %v\n", err)
		if a.debug {
			diagnose(stderr, err)
		}
	}
	return code
}

// exitCode maps an outcome to the process status: 130 for an operator
// interrupt, 1 for anything else that failed.
func exitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, installer.ErrCancelled), errors.Is(err, context.Canceled), prompt.Interrupted(err):
		return 130
	default:
		return 1
	}
}

// diagnose prints every layer of the error chain and the captured stderr of
// a failed command.
func diagnose(w io.Writer, err error) {
	fmt.Fprintln(w, "\nDiagnostics:")
	depth := 0
	for e := err; e != nil; depth++ {
		fmt.Fprintf(w, "  %d: %T: %v\n", depth, e, e)
		switch x := e.(type) {
		case interface{ Unwrap() error }:
			e = x.Unwrap()
		case interface{ Unwrap() []error }:
			for _, inner := range x.Unwrap() {
				fmt.Fprintf(w, "     joined: %v\n", inner)
			}
			e = nil
		default:
			e = nil
		}
	}
	var ce *shell.CommandError
	if errors.As(err, &ce) {
		fmt.Fprintf(w, "\nCommand: %s\nExit status: %d\nStderr:\n%s\n", shellquote.Join(ce.Args...), ce.Code, ce.Stderr)
	}
}

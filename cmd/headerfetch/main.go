package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"

	"github.com/infracollect/headerfetch"
)

// Version is overridden at build time.
var Version = "dev"

var newClient = headerfetch.New

func main() {
	runMain(os.Args, os.Stdout, os.Stderr, os.Exit)
}

// execute runs the CLI command with the provided args and output writers.
func execute(ctx context.Context, args []string, stdout io.Writer, stderr io.Writer) error {
	cmd := newRootCmd()
	cmd.Version = Version
	if len(args) > 0 {
		cmd.SetArgs(args[1:])
	}
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	return cmd.ExecuteContext(ctx)
}

// runMain executes the CLI and exits with the code for the error's category.
func runMain(args []string, stdout io.Writer, stderr io.Writer, exit func(int)) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := execute(ctx, args, stdout, stderr); err != nil {
		_, _ = fmt.Fprintln(stderr, color.RedString("Error: %v", err))
		if headerfetch.Categorize(err) == headerfetch.CategoryUsage {
			_, _ = fmt.Fprintln(stderr, "Run 'headerfetch --help' for usage.")
		}
		exit(headerfetch.ExitCode(err))
	}
}

package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/go-logr/logr"
	"github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"

	"github.com/infracollect/headerfetch"
)

const (
	defaultRoot = "third_party"
	rootEnv     = "HEADERFETCH_ROOT"
)

const longHelp = `Download the C/C++ headers for a node or electron release, plus node.lib
for x64 and x86 when targeting win32, into <root>/<runtime>-<version>.

The directory only appears once every artifact has been fetched, so a
present directory is always complete. Running the same command again is a
no-op.`

const examples = `  headerfetch node 18.0.0
  headerfetch electron v28.1.0 --platform win32 --root ~/.cache/gyp`

type rootOptions struct {
	root     string
	platform string
	arch     string
	strict   bool
	verify   bool
	force    bool
	verbose  bool
	timeout  time.Duration
}

func newRootCmd() *cobra.Command {
	opts := rootOptions{}

	cmd := &cobra.Command{
		Use:           "headerfetch <runtime> <version>",
		Short:         "Download node or electron headers into a local dependency cache",
		Long:          longHelp,
		Example:       examples,
		Args:          exactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return acquire(cmd.Context(), cmd.OutOrStdout(), cmd.ErrOrStderr(), opts, args[0], args[1])
		},
	}
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return &headerfetch.ErrUsage{Msg: err.Error()}
	})

	root := os.Getenv(rootEnv)
	if root == "" {
		root = defaultRoot
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.root, "root", root, "directory to store headers in (env "+rootEnv+")")
	flags.StringVar(&opts.platform, "platform", "", "target platform in node naming, e.g. win32 (default: host)")
	flags.StringVar(&opts.arch, "arch", "", "target architecture in node naming, e.g. x64 (default: host)")
	flags.BoolVar(&opts.strict, "strict", false, "fail if the target directory exists without a completion manifest")
	flags.BoolVar(&opts.verify, "verify", false, "check artifacts against the release's SHASUMS256.txt")
	flags.BoolVar(&opts.force, "force", false, "remove any existing entry and fetch again")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "enable debug logging")
	flags.DurationVar(&opts.timeout, "timeout", 0, "give up after this long (0 means no limit)")

	return cmd
}

func exactArgs(n int) cobra.PositionalArgs {
	return func(_ *cobra.Command, args []string) error {
		if len(args) != n {
			return &headerfetch.ErrUsage{Msg: fmt.Sprintf("expected <runtime> <version>, got %d argument(s)", len(args))}
		}
		return nil
	}
}

func acquire(ctx context.Context, stdout, stderr io.Writer, opts rootOptions, runtime, version string) error {
	root, err := homedir.Expand(opts.root)
	if err != nil {
		return &headerfetch.ErrUsage{Msg: fmt.Sprintf("invalid --root: %v", err)}
	}
	if root == "" {
		return &headerfetch.ErrUsage{Msg: "--root must not be empty"}
	}

	// Configure logging: slog -> logr -> library
	logLevel := slog.LevelInfo
	if opts.verbose {
		logLevel = slog.LevelDebug
	}
	slogHandler := slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: logLevel})
	logger := logr.FromSlogHandler(slogHandler)

	clientOpts := []headerfetch.Option{
		headerfetch.WithRoot(root),
		headerfetch.WithLogger(logger),
		headerfetch.WithStrict(opts.strict),
	}
	if opts.verify {
		clientOpts = append(clientOpts, headerfetch.WithChecksumVerification())
	}
	client, err := newClient(clientOpts...)
	if err != nil {
		return fmt.Errorf("failed to create client: %w", err)
	}

	if opts.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.timeout)
		defer cancel()
	}

	req := headerfetch.Request{
		Runtime:  headerfetch.Runtime(runtime),
		Version:  version,
		Platform: headerfetch.Platform(opts.platform),
		Arch:     headerfetch.Arch(opts.arch),
	}

	if opts.force {
		if err := client.Remove(ctx, req); err != nil {
			return err
		}
	}

	res, err := client.Acquire(ctx, req)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintln(stdout, res.Entry.Path)
	return nil
}

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// Version information (set by build)
var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	root := newRootCommand(stdout, stderr)
	root.SetArgs(args)

	err := root.ExecuteContext(ctx)
	if err == nil {
		return ExitSuccess
	}

	var cmdErr *CommandError
	if errors.As(err, &cmdErr) {
		fmt.Fprintf(stderr, "error: %v\n", cmdErr)
		return cmdErr.ExitCode
	}
	fmt.Fprintf(stderr, "error: %v\n", err)
	return ExitUsageError
}

// =============================================================================
// Root Command
// =============================================================================

// rootOptions are the flags shared by every subcommand.
type rootOptions struct {
	configPath string
	appDir     string
	tag        string
	stdout     io.Writer
	stderr     io.Writer
}

func newRootCommand(stdout, stderr io.Writer) *cobra.Command {
	opts := &rootOptions{stdout: stdout, stderr: stderr}

	root := &cobra.Command{
		Use:   "ladderbox",
		Short: "Package and run the snake-and-ladder API as a container",
		Long: `ladderbox renders a build descriptor for the snake-and-ladder API,
builds it into an image through a Docker daemon reusing cached layers where
possible, and runs containers from the result. Builds and runs are recorded in
a local SQLite ledger.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	flags := root.PersistentFlags()
	flags.StringVar(&opts.configPath, "config", "", "path to config file")
	flags.StringVar(&opts.appDir, "dir", "", "application directory (overrides app.dir)")
	flags.StringVarP(&opts.tag, "tag", "t", "", "image tag (overrides app.repository:app.tag)")

	root.AddCommand(
		newBuildCommand(opts),
		newPlanCommand(opts),
		newDockerfileCommand(opts),
		newComposeCommand(opts),
		newRunCommand(opts),
		newStopCommand(opts),
		newRemoveCommand(opts),
		newLogsCommand(opts),
		newHistoryCommand(opts),
		newInspectCommand(opts),
		newServeCommand(opts),
		newVersionCommand(opts),
	)
	return root
}

func newVersionCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(opts.stdout, "ladderbox %s (built %s)\n", Version, BuildTime)
		},
	}
}

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP control API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), opts, true)
			if err != nil {
				return err
			}
			defer a.Close()

			a.logger.Info("starting ladderbox",
				"version", Version,
				"config", opts.configPath,
				"app_dir", a.cfg.App.Dir,
			)
			return NewServer(a).Start(cmd.Context())
		},
	}
}

// =============================================================================
// Command Error
// =============================================================================

// CommandError carries the process exit code for a failed command.
type CommandError struct {
	Op       string
	Err      error
	ExitCode int
}

func (e *CommandError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

func commandError(op string, code int, err error) error {
	return &CommandError{Op: op, Err: err, ExitCode: code}
}

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/artpar/ladderbox/internal/core/domain"
	"github.com/artpar/ladderbox/internal/shell/docker"
	"github.com/artpar/ladderbox/internal/shell/runner"
	"github.com/artpar/ladderbox/internal/shell/store"
	"github.com/artpar/ladderbox/internal/shell/workers"
	"github.com/spf13/cobra"
)

// =============================================================================
// run
// =============================================================================

func newRunCommand(opts *rootOptions) *cobra.Command {
	var (
		buildID  string
		image    string
		name     string
		hostPort int
		attach   bool
		asJSON   bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start a container and wait until the API is listening",
		Long: `run starts a container from an image and returns once the API accepts
connections on the host port. Without --image or --build the latest finalized
build of the configured tag is used. A container that exits or fails to listen
within run.startup_timeout makes the command fail.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, opts, true)
			if err != nil {
				return err
			}
			defer a.Close()

			req := runner.Request{
				Image:         image,
				BuildID:       buildID,
				Name:          name,
				HostPort:      a.cfg.Run.HostPort,
				ContainerPort: a.cfg.Recipe.Port,
			}
			if hostPort != 0 {
				req.HostPort = hostPort
			}
			if req.Image == "" && req.BuildID == "" {
				latest, err := a.store.LatestFinalizedBuild(ctx, a.cfg.App.Image())
				if err != nil {
					if errors.Is(err, store.ErrNotFound) {
						return commandError("run", ExitRunError,
							fmt.Errorf("no finalized build of %s, run ladderbox build first", a.cfg.App.Image()))
					}
					return commandError("run", ExitDatabaseError, err)
				}
				req.BuildID = latest.ID
			}

			svc := runner.NewService(a.docker, a.store, a.runnerConfig(), a.logger)
			run, err := svc.Run(ctx, req)
			if run != nil {
				if asJSON {
					printJSON(opts.stdout, run)
				} else {
					printRun(opts.stdout, run)
				}
			}
			if err != nil {
				var runErr *runner.RunError
				if errors.As(err, &runErr) && runErr.Logs != "" {
					fmt.Fprintf(opts.stderr, "--- container output ---\n%s\n", runErr.Logs)
				}
				return commandError("run", runExitCode(err), err)
			}
			if !attach {
				return nil
			}
			return a.attach(ctx, svc, run, opts)
		},
	}

	cmd.Flags().StringVar(&buildID, "build", "", "run the image of a finalized build")
	cmd.Flags().StringVar(&image, "image", "", "run an image tag or ID")
	cmd.Flags().StringVar(&name, "name", "", "container name")
	cmd.Flags().IntVarP(&hostPort, "port", "p", 0, "host port (overrides run.host_port)")
	cmd.Flags().BoolVar(&attach, "attach", false, "stream output and stop the container on interrupt")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the run record as JSON")
	cmd.MarkFlagsMutuallyExclusive("build", "image")
	return cmd
}

// attach follows the container output until the process exits or the command
// is interrupted, in which case the container is stopped.
func (a *app) attach(ctx context.Context, svc *runner.Service, run *domain.Run, opts *rootOptions) error {
	bg := context.WithoutCancel(ctx)
	waitCtx, cancel := context.WithCancel(bg)
	defer cancel()

	waitCh := a.docker.WaitContainer(waitCtx, run.ContainerID)

	logs, err := svc.Logs(waitCtx, run.ID, docker.LogOptions{Follow: true, Tail: "0"})
	if err == nil {
		go func() {
			io.Copy(opts.stderr, logs)
			logs.Close()
		}()
	}

	select {
	case <-ctx.Done():
		stopped, err := svc.Stop(bg, run.ID)
		if err != nil {
			return commandError("stop", runExitCode(err), err)
		}
		printRun(opts.stdout, stopped)
		return nil
	case <-waitCh:
	}

	watcher := workers.NewRunWatcher(a.store, a.docker, workers.DefaultRunWatcherConfig(), a.logger)
	final, err := watcher.CheckRunNow(bg, run.ID)
	if err != nil {
		return commandError("run", ExitRunError, err)
	}
	printRun(opts.stdout, final)
	if final.Phase == domain.ContainerCrashed {
		return commandError("run", ExitRunError, fmt.Errorf("%s crashed: %s", final.ID, final.ErrorMessage))
	}
	return nil
}

func printRun(w io.Writer, r *domain.Run) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "run\t%s\n", r.ID)
	fmt.Fprintf(tw, "phase\t%s\n", r.Phase)
	fmt.Fprintf(tw, "image\t%s\n", r.Image)
	if r.ContainerID != "" {
		fmt.Fprintf(tw, "container\t%s\n", shortID(r.ContainerID))
	}
	fmt.Fprintf(tw, "url\thttp://127.0.0.1:%d\n", r.HostPort)
	if r.ExitCode != nil {
		fmt.Fprintf(tw, "exit code\t%d\n", *r.ExitCode)
	}
	if r.ErrorMessage != "" {
		fmt.Fprintf(tw, "error\t%s\n", r.ErrorMessage)
	}
	tw.Flush()
}

// runExitCode maps a runner failure to a process exit code.
func runExitCode(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return ExitDatabaseError
	case errors.Is(err, docker.ErrConnectionFailed):
		return ExitDockerError
	default:
		return ExitRunError
	}
}

// =============================================================================
// stop, rm, logs
// =============================================================================

func newStopCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stop RUN_ID",
		Short: "Stop a running container",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), opts, true)
			if err != nil {
				return err
			}
			defer a.Close()

			run, err := runner.NewService(a.docker, a.store, a.runnerConfig(), a.logger).Stop(cmd.Context(), args[0])
			if err != nil {
				return commandError("stop", runExitCode(err), err)
			}
			printRun(opts.stdout, run)
			return nil
		},
	}
}

func newRemoveCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "rm RUN_ID",
		Aliases: []string{"remove"},
		Short:   "Stop and remove a run's container",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), opts, true)
			if err != nil {
				return err
			}
			defer a.Close()

			run, err := runner.NewService(a.docker, a.store, a.runnerConfig(), a.logger).Remove(cmd.Context(), args[0])
			if err != nil {
				return commandError("rm", runExitCode(err), err)
			}
			printRun(opts.stdout, run)
			return nil
		},
	}
}

func newLogsCommand(opts *rootOptions) *cobra.Command {
	var (
		tail   string
		follow bool
	)

	cmd := &cobra.Command{
		Use:   "logs RUN_ID",
		Short: "Print a run's container output",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), opts, true)
			if err != nil {
				return err
			}
			defer a.Close()

			if tail != "all" {
				if _, err := strconv.Atoi(tail); err != nil {
					return commandError("logs", ExitUsageError, fmt.Errorf("--tail must be a number or \"all\""))
				}
			}

			svc := runner.NewService(a.docker, a.store, a.runnerConfig(), a.logger)
			rc, err := svc.Logs(cmd.Context(), args[0], docker.LogOptions{Tail: tail, Follow: follow})
			if err != nil {
				return commandError("logs", runExitCode(err), err)
			}
			defer rc.Close()

			if _, err := io.Copy(opts.stdout, rc); err != nil && cmd.Context().Err() == nil {
				return commandError("logs", ExitDockerError, err)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&tail, "tail", "all", "number of lines from the end")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "follow output")
	return cmd
}

// =============================================================================
// history, inspect
// =============================================================================

func newHistoryCommand(opts *rootOptions) *cobra.Command {
	var (
		runs   bool
		limit  int
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded builds or runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), opts, false)
			if err != nil {
				return err
			}
			defer a.Close()

			listOpts := store.ListOptions{Limit: limit}.Normalize()
			if runs {
				list, err := a.store.ListRuns(cmd.Context(), listOpts)
				if err != nil {
					return commandError("history", ExitDatabaseError, err)
				}
				if asJSON {
					printJSON(opts.stdout, list)
					return nil
				}
				tw := tabwriter.NewWriter(opts.stdout, 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "RUN\tPHASE\tPORT\tEXIT\tCREATED\tIMAGE")
				for _, r := range list {
					exit := "-"
					if r.ExitCode != nil {
						exit = strconv.Itoa(*r.ExitCode)
					}
					fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%s\n",
						r.ID, r.Phase, r.HostPort, exit, r.CreatedAt.Format(time.DateTime), shortID(r.Image))
				}
				return tw.Flush()
			}

			list, err := a.store.ListBuilds(cmd.Context(), listOpts)
			if err != nil {
				return commandError("history", ExitDatabaseError, err)
			}
			if asJSON {
				printJSON(opts.stdout, list)
				return nil
			}
			tw := tabwriter.NewWriter(opts.stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "BUILD\tPHASE\tDEPS CACHED\tCREATED\tTAG\tIMAGE")
			for _, b := range list {
				fmt.Fprintf(tw, "%s\t%s\t%t\t%s\t%s\t%s\n",
					b.ID, b.Phase, b.DependencyCacheHit, b.CreatedAt.Format(time.DateTime), b.Tag, shortID(b.ImageID))
			}
			return tw.Flush()
		},
	}

	cmd.Flags().BoolVar(&runs, "runs", false, "list runs instead of builds")
	cmd.Flags().IntVarP(&limit, "limit", "n", store.DefaultListOptions().Limit, "maximum number of records")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print records as JSON")
	return cmd
}

func newInspectCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect ID",
		Short: "Print a build (with its layers) or a run as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), opts, false)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := cmd.Context()
			id := args[0]
			if strings.HasPrefix(id, "run_") {
				run, err := a.store.GetRun(ctx, id)
				if err != nil {
					return commandError("inspect", ExitDatabaseError, err)
				}
				printJSON(opts.stdout, run)
				return nil
			}

			build, err := a.store.GetBuild(ctx, id)
			if err != nil {
				return commandError("inspect", ExitDatabaseError, err)
			}
			build.Layers, err = a.store.ListLayers(ctx, id)
			if err != nil {
				return commandError("inspect", ExitDatabaseError, err)
			}
			printJSON(opts.stdout, build)
			return nil
		},
	}
}

// shortID trims a digest-style ID for display. Tags are returned unchanged.
func shortID(id string) string {
	hex, isDigest := strings.CutPrefix(id, "sha256:")
	if (isDigest || len(hex) == 64) && len(hex) > 12 {
		return hex[:12]
	}
	return id
}

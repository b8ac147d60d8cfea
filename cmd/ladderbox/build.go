package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/artpar/ladderbox/internal/core/compose"
	"github.com/artpar/ladderbox/internal/core/domain"
	"github.com/artpar/ladderbox/internal/core/manifest"
	"github.com/artpar/ladderbox/internal/core/recipe"
	"github.com/artpar/ladderbox/internal/shell/builder"
	"github.com/artpar/ladderbox/internal/shell/docker"
	"github.com/artpar/ladderbox/internal/shell/workspace"
	"github.com/spf13/cobra"
)

// =============================================================================
// build
// =============================================================================

func newBuildCommand(opts *rootOptions) *cobra.Command {
	var (
		noCache  bool
		pullBase bool
		asJSON   bool
	)

	cmd := &cobra.Command{
		Use:   "build",
		Short: "Build the application image",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), opts, true)
			if err != nil {
				return err
			}
			defer a.Close()

			req := a.buildRequest()
			req.NoCache = req.NoCache || noCache
			req.PullBase = req.PullBase || pullBase
			req.Progress = progressPrinter(opts.stderr)

			build, err := builder.NewService(a.docker, a.store, a.logger).Build(cmd.Context(), req)
			if build != nil {
				if asJSON {
					printJSON(opts.stdout, build)
				} else {
					printBuild(opts.stdout, build)
				}
			}
			if err != nil {
				return commandError("build", buildExitCode(err), err)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&noCache, "no-cache", false, "rebuild every layer")
	cmd.Flags().BoolVar(&pullBase, "pull", false, "always pull the base image")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the build record as JSON")
	return cmd
}

// progressPrinter renders daemon build events the way docker build does.
func progressPrinter(w io.Writer) func(docker.BuildEvent) {
	return func(e docker.BuildEvent) {
		switch e.Kind {
		case docker.BuildEventStep:
			fmt.Fprintf(w, "Step %d/%d : %s\n", e.Step+1, e.Total, e.Instruction)
		case docker.BuildEventCached:
			fmt.Fprintln(w, " ---> Using cache")
		case docker.BuildEventOutput:
			if text := strings.TrimRight(e.Text, "\n"); text != "" {
				fmt.Fprintln(w, text)
			}
		case docker.BuildEventLayer:
			fmt.Fprintf(w, " ---> %s\n", e.Text)
		case docker.BuildEventError:
			fmt.Fprintf(w, "error: %s\n", e.Text)
		}
	}
}

func printBuild(w io.Writer, b *domain.Build) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "build\t%s\n", b.ID)
	fmt.Fprintf(tw, "tag\t%s\n", b.Tag)
	fmt.Fprintf(tw, "phase\t%s\n", b.Phase)
	if b.ImageID != "" {
		fmt.Fprintf(tw, "image\t%s\n", b.ImageID)
	}
	fmt.Fprintf(tw, "packages\t%d\n", b.Packages)
	fmt.Fprintf(tw, "dependency cache hit\t%t\n", b.DependencyCacheHit)
	fmt.Fprintf(tw, "installer invoked\t%t\n", b.InstallerInvoked)
	if b.ErrorMessage != "" {
		fmt.Fprintf(tw, "error\t%s\n", b.ErrorMessage)
	}
	tw.Flush()
}

// buildExitCode maps a build failure to a process exit code.
func buildExitCode(err error) int {
	var (
		validationErr *recipe.ValidationError
		parseErr      *manifest.ParseError
		workspaceErr  *workspace.WorkspaceError
	)
	switch {
	case errors.As(err, &validationErr), errors.As(err, &parseErr), errors.As(err, &workspaceErr):
		return ExitConfigError
	case errors.Is(err, docker.ErrConnectionFailed):
		return ExitDockerError
	default:
		return ExitBuildError
	}
}

func (a *app) buildRequest() builder.Request {
	return builder.Request{
		Dir:      a.cfg.App.Dir,
		Recipe:   a.cfg.Recipe,
		Tag:      a.cfg.App.Image(),
		NoCache:  a.cfg.Build.NoCache,
		PullBase: a.cfg.Build.PullBase,
	}
}

// =============================================================================
// plan
// =============================================================================

func newPlanCommand(opts *rootOptions) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Show which layers a build would reuse",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), opts, false)
			if err != nil {
				return err
			}
			defer a.Close()

			plan, err := builder.NewService(a.docker, a.store, a.logger).Plan(cmd.Context(), a.buildRequest())
			if err != nil {
				return commandError("plan", buildExitCode(err), err)
			}

			if asJSON {
				printJSON(opts.stdout, plan)
				return nil
			}
			printPlan(opts.stdout, plan)
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print the plan as JSON")
	return cmd
}

func printPlan(w io.Writer, p *builder.Plan) {
	fmt.Fprintf(w, "tag: %s\n", p.Tag)
	if p.PreviousBuildID != "" {
		fmt.Fprintf(w, "compared with: %s\n", p.PreviousBuildID)
	} else {
		fmt.Fprintln(w, "compared with: no previous build")
	}
	fmt.Fprintf(w, "packages: %d\n", p.Packages)
	if len(p.Unpinned) > 0 {
		fmt.Fprintf(w, "unpinned: %s\n", strings.Join(p.Unpinned, ", "))
	}
	fmt.Fprintln(w)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "STEP\tSTAGE\tCACHE\tINSTRUCTION")
	for _, l := range p.Layers {
		status := "rebuild"
		if l.Cached {
			status = "reuse"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", l.Index+1, l.Instruction.Stage, status, l.Instruction.Text())
	}
	tw.Flush()

	fmt.Fprintln(w)
	if p.DependencyLayerCached {
		fmt.Fprintln(w, "dependency layer: reused, installer will not run")
	} else {
		fmt.Fprintln(w, "dependency layer: rebuilt, installer will run")
	}
}

// =============================================================================
// dockerfile
// =============================================================================

func newDockerfileCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "dockerfile",
		Short: "Print the rendered build descriptor",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			r := recipe.WithDefaults(cfg.Recipe)
			if err := recipe.CheckOrdering(recipe.Instructions(r)); err != nil {
				return commandError("dockerfile", ExitConfigError, err)
			}
			fmt.Fprint(opts.stdout, recipe.Render(r))
			return nil
		},
	}
}

// =============================================================================
// compose
// =============================================================================

func newComposeCommand(opts *rootOptions) *cobra.Command {
	var (
		buildID     string
		restart     string
		healthCheck bool
		hostPort    int
		project     string
		output      string
		check       string
	)

	cmd := &cobra.Command{
		Use:   "compose",
		Short: "Export or check a compose file for the application",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}

			if check != "" {
				content, err := os.ReadFile(check)
				if err != nil {
					return commandError("compose", ExitConfigError, err)
				}
				if err := compose.Validate(content, cfg.Recipe.Port); err != nil {
					return commandError("compose", ExitConfigError, err)
				}
				fmt.Fprintf(opts.stdout, "%s: ok\n", check)
				return nil
			}

			params := compose.ExportParams{
				ProjectName:   project,
				Image:         cfg.App.Image(),
				HostPort:      cfg.Run.HostPort,
				ContainerPort: cfg.Recipe.Port,
				Restart:       compose.RestartPolicy(restart),
				HealthCheck:   healthCheck,
			}
			if hostPort != 0 {
				params.HostPort = hostPort
			}
			if buildID != "" {
				a, err := openApp(cmd.Context(), opts, false)
				if err != nil {
					return err
				}
				defer a.Close()

				build, err := a.store.GetBuild(cmd.Context(), buildID)
				if err != nil {
					return commandError("compose", ExitDatabaseError, err)
				}
				if build.Phase != domain.BuildImageFinalized {
					return commandError("compose", ExitBuildError,
						fmt.Errorf("%w: %s is %s", domain.ErrBuildNotFinalized, build.ID, build.Phase))
				}
				params.Image = build.ImageID
				params.Labels = map[string]string{docker.LabelBuild: build.ID}
			}

			out, err := compose.Export(params)
			if err != nil {
				return commandError("compose", ExitConfigError, err)
			}
			if output == "" || output == "-" {
				_, err = opts.stdout.Write(out)
				return err
			}
			if err := os.WriteFile(output, out, 0o644); err != nil {
				return commandError("compose", ExitConfigError, err)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&buildID, "build", "", "pin the image ID of a finalized build")
	cmd.Flags().StringVar(&restart, "restart", "", "restart policy (no, always, on-failure, unless-stopped)")
	cmd.Flags().BoolVar(&healthCheck, "healthcheck", false, "add a TCP health check")
	cmd.Flags().IntVar(&hostPort, "host-port", 0, "published host port (overrides run.host_port)")
	cmd.Flags().StringVar(&project, "project", "", "compose project name")
	cmd.Flags().StringVarP(&output, "output", "o", "", "write to file instead of stdout")
	cmd.Flags().StringVar(&check, "check", "", "validate an existing compose file instead of exporting")
	return cmd
}

// printJSON writes v as indented JSON.
func printJSON(w io.Writer, v any) {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}

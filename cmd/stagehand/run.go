package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/alexisbeaulieu97/stagehand/internal/engine"
	"github.com/alexisbeaulieu97/stagehand/internal/runtime"
	"github.com/alexisbeaulieu97/stagehand/internal/stage"
)

type runOptions struct {
	pipeline string
}

func newRunCmd(root *rootFlags) *cobra.Command {
	opts := &runOptions{}

	cmd := &cobra.Command{
		Use:   "run [stage-id...]",
		Short: "Run stages, or a pipeline from the configuration, in dependency order",
		Long: `Run stages, or a pipeline from the configuration, in dependency order.

With --dry-run every stage records what it would do instead of doing it.
Plugins are still booted: their pre-flight checks and Init hooks run, with
host storage recording writes rather than applying them. Side effects a
plugin performs outside host storage are not intercepted.`,
		Example: `  stagehand run hello:greet
  stagehand run --pipeline build --dry-run`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.pipeline == "" && len(args) == 0 {
				return errors.New("specify stage ids or --pipeline")
			}
			if opts.pipeline != "" && len(args) > 0 {
				return errors.New("stage ids and --pipeline are mutually exclusive")
			}
			return runRun(cmd, root, opts, args)
		},
	}

	cmd.Flags().StringVarP(&opts.pipeline, "pipeline", "p", "", "Run a pipeline defined in the configuration")

	return cmd
}

func runRun(cmd *cobra.Command, root *rootFlags, opts *runOptions, ids []string) (err error) {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := newRuntime(cmd, root)
	if err != nil {
		return err
	}
	defer func() {
		if shutdownErr := rt.Shutdown(ctx); shutdownErr != nil && err == nil {
			err = newCommandError("shut down plugins", "", shutdownErr, "Inspect the plugin logs with --verbose.")
		}
	}()

	mode := stage.ModeLive
	if root.dryRun {
		mode = stage.ModeDryRun
	}

	if _, _, err := rt.Boot(ctx, mode); err != nil {
		return newCommandError("boot", "activating plugins", err, "Run 'stagehand plugins check' for details.")
	}

	pipeline, err := buildRunPipeline(rt, opts, ids)
	if err != nil {
		return newCommandError("build pipeline", strings.Join(ids, ", "), err, "Run 'stagehand stages list' to see the available stages.")
	}

	report, ops, err := rt.Execute(ctx, pipeline, mode)
	if err != nil {
		return newCommandError("run pipeline", pipeline.Name(), err, "Re-run with --verbose for details.")
	}

	out := cmd.OutOrStdout()
	style := engine.StyleFor(out)
	if mode == stage.ModeDryRun {
		fmt.Fprint(out, engine.RenderDryRunReport(pipeline, ops, report.Results, style))
		return nil
	}

	fmt.Fprint(out, engine.Summary(report, style))
	if !report.Succeeded() {
		failed := report.Failed()
		if len(failed) == 0 {
			return fmt.Errorf("pipeline %s %s", report.Pipeline, report.State)
		}
		return newCommandError("run pipeline", report.Pipeline,
			fmt.Errorf("stage '%s' failed: %s", failed[0].StageID, failed[0].Reason),
			"Preview the run with --dry-run, then fix the failing stage.")
	}
	return nil
}

func buildRunPipeline(rt *runtime.Runtime, opts *runOptions, ids []string) (*stage.Pipeline, error) {
	if opts.pipeline != "" {
		return rt.NamedPipeline(opts.pipeline)
	}
	return rt.BuildPipeline("run", ids)
}

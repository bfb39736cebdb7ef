package main

import (
	"github.com/spf13/cobra"

	"github.com/alexisbeaulieu97/stagehand/internal/runtime"
)

type rootFlags struct {
	verbose    bool
	dryRun     bool
	configPath string
	pluginDirs []string

	// options are appended to every runtime the commands build.
	options []runtime.Option
}

func newRootCmd(opts ...runtime.Option) *cobra.Command {
	flags := &rootFlags{options: opts}

	cmd := &cobra.Command{
		Use:           "stagehand",
		Short:         "Stagehand runs plugin-contributed stages as ordered, dry-runnable pipelines",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.PersistentFlags().BoolVarP(&flags.verbose, "verbose", "v", false, "Enable verbose logging")
	cmd.PersistentFlags().BoolVar(&flags.dryRun, "dry-run", false, "Preview execution without making changes (plugins still run pre-flight and init against recorded storage)")
	cmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "Path to configuration file")
	cmd.PersistentFlags().StringArrayVar(&flags.pluginDirs, "plugin-dir", nil, "Plugin directory to scan (repeatable, replaces plugin_dirs)")

	cmd.AddCommand(newPluginsCmd(flags))
	cmd.AddCommand(newStagesCmd(flags))
	cmd.AddCommand(newRunCmd(flags))
	cmd.AddCommand(newVersionCmd())

	return cmd
}

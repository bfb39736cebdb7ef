package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/alexisbeaulieu97/stagehand/internal/stage"
)

func newStagesCmd(root *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stages",
		Short: "Inspect registered stages",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List the stages registered after boot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStagesList(cmd, root)
		},
	})

	return cmd
}

// runStagesList boots in dry-run mode so plugins register their stages
// without writing anything.
func runStagesList(cmd *cobra.Command, root *rootFlags) (err error) {
	rt, err := newRuntime(cmd, root)
	if err != nil {
		return err
	}
	defer func() {
		if shutdownErr := rt.Shutdown(cmd.Context()); shutdownErr != nil && err == nil {
			err = newCommandError("shut down plugins", "", shutdownErr, "Inspect the plugin logs with --verbose.")
		}
	}()

	if _, _, err := rt.Boot(cmd.Context(), stage.ModeDryRun); err != nil {
		return newCommandError("boot", "activating plugins", err, "Run 'stagehand plugins check' for details.")
	}

	registry := rt.Stages()
	writer := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "ID\tOWNER\tDESCRIPTION")
	for _, id := range registry.IDs() {
		s, err := registry.Get(id)
		if err != nil {
			continue
		}
		owner, ok := registry.Owner(id)
		if !ok || owner == "" {
			owner = "-"
		}
		fmt.Fprintf(writer, "%s\t%s\t%s\n", id, owner, s.Description())
	}
	return writer.Flush()
}

package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/alexisbeaulieu97/stagehand/internal/plugin"
	"github.com/alexisbeaulieu97/stagehand/internal/runtime"
)

func newPluginsCmd(root *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plugins",
		Short: "Inspect the plugins found in the plugin directories",
	}

	cmd.AddCommand(newPluginsListCmd(root))
	cmd.AddCommand(newPluginsCheckCmd(root))

	return cmd
}

type pluginsListOptions struct {
	jsonOutput bool
}

func newPluginsListCmd(root *rootFlags) *cobra.Command {
	opts := &pluginsListOptions{}

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List loaded plugins",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := loadedRuntime(cmd, root)
			if err != nil {
				return err
			}
			entries := pluginEntries(rt.Plugins())
			if opts.jsonOutput {
				return renderPluginsJSON(cmd, entries)
			}
			return renderPluginsTable(cmd, entries)
		},
	}

	cmd.Flags().BoolVar(&opts.jsonOutput, "json", false, "Output in JSON format")

	return cmd
}

// loadedRuntime builds a runtime and loads the plugin directories without
// initializing anything. Load failures are reported on stderr.
func loadedRuntime(cmd *cobra.Command, root *rootFlags) (*runtime.Runtime, error) {
	rt, err := newRuntime(cmd, root)
	if err != nil {
		return nil, err
	}
	if _, err := rt.LoadPlugins(cmd.Context()); err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "warning: %v\n", err)
	}
	return rt, nil
}

type pluginEntry struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Version  string `json:"version"`
	Priority string `json:"priority"`
	Enabled  bool   `json:"enabled"`
	Core     bool   `json:"core"`
}

type pluginsJSONPayload struct {
	Count   int           `json:"count"`
	Plugins []pluginEntry `json:"plugins"`
}

func pluginEntries(reg *plugin.Registry) []pluginEntry {
	ids := reg.All()
	entries := make([]pluginEntry, 0, len(ids))
	for _, id := range ids {
		m, ok := reg.Manifest(id)
		if !ok {
			continue
		}
		entries = append(entries, pluginEntry{
			ID:       m.ID,
			Name:     m.Name,
			Version:  m.Version.String(),
			Priority: m.Priority.String(),
			Enabled:  reg.IsEnabled(id),
			Core:     m.IsCore,
		})
	}
	return entries
}

func renderPluginsJSON(cmd *cobra.Command, entries []pluginEntry) error {
	encoder := json.NewEncoder(cmd.OutOrStdout())
	encoder.SetIndent("", "  ")
	return encoder.Encode(pluginsJSONPayload{Count: len(entries), Plugins: entries})
}

func renderPluginsTable(cmd *cobra.Command, entries []pluginEntry) error {
	if len(entries) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No plugins found.")
		fmt.Fprintln(cmd.OutOrStdout(), "\nPass --plugin-dir or set plugin_dirs in the configuration.")
		return nil
	}

	writer := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "ID\tVERSION\tPRIORITY\tENABLED\tCORE")
	for _, e := range entries {
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\n", e.ID, e.Version, e.Priority, yesNo(e.Enabled), yesNo(e.Core))
	}
	return writer.Flush()
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func newPluginsCheckCmd(root *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Resolve dependencies and detect conflicts without initializing plugins",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := loadedRuntime(cmd, root)
			if err != nil {
				return err
			}
			return runPluginsCheck(cmd, rt.Plugins())
		},
	}
}

func runPluginsCheck(cmd *cobra.Command, reg *plugin.Registry) error {
	res, conflicts, err := reg.Plan()
	if err != nil {
		return newCommandError("check plugins", "resolving dependencies", err, "Break the reported cycle or disable one of its plugins.")
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "Initialization order:")
	if len(res.Order) == 0 {
		fmt.Fprintln(out, "  (none)")
	}
	for i, id := range res.Order {
		fmt.Fprintf(out, "  %d. %s\n", i+1, id)
	}

	if excluded := res.ExcludedIDs(); len(excluded) > 0 {
		fmt.Fprintln(out, "\nExcluded:")
		for _, id := range excluded {
			fmt.Fprintf(out, "  - %s: %v\n", id, res.Excluded[id])
		}
	}

	all := conflicts.All()
	if len(all) == 0 {
		fmt.Fprintln(out, "\nNo conflicts detected")
		return nil
	}
	fmt.Fprintln(out, "\nConflicts:")
	for _, c := range all {
		fmt.Fprintf(out, "  - %s\n", c)
	}

	if blocking := conflicts.Blocking(); len(blocking) > 0 {
		return newCommandError("check plugins", "critical conflicts detected", &plugin.ConflictError{Conflicts: blocking},
			"Add one plugin of each conflicting pair to disabled_plugins.")
	}
	return nil
}

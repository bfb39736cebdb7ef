package main

import (
	"io"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/alexisbeaulieu97/stagehand/internal/config"
	"github.com/alexisbeaulieu97/stagehand/internal/logger"
	"github.com/alexisbeaulieu97/stagehand/internal/runtime"
)

const envFile = ".env"

// newRuntime loads the configuration, applies the command-line overrides and
// builds a runtime whose logs go to the command's error stream.
func newRuntime(cmd *cobra.Command, flags *rootFlags) (*runtime.Runtime, error) {
	cfg, err := config.Load(flags.configPath, config.WithEnvFile(envFile))
	if err != nil {
		return nil, newCommandError("load configuration", flags.configPath, err, "Fix the reported field or pass a different file with --config.")
	}
	if len(flags.pluginDirs) > 0 {
		cfg.PluginDirs = append([]string(nil), flags.pluginDirs...)
	}
	if flags.verbose {
		cfg.LogLevel = "debug"
	}

	stderr := cmd.ErrOrStderr()
	log, err := logger.New(logger.Options{
		Level:         cfg.LogLevel,
		HumanReadable: cfg.HumanReadable && isTerminal(stderr),
		Writer:        stderr,
	})
	if err != nil {
		return nil, newCommandError("create logger", cfg.LogLevel, err, "Use one of trace, debug, info, warn or error.")
	}

	opts := append([]runtime.Option{runtime.WithLogger(log)}, flags.options...)
	rt, err := runtime.New(cfg, opts...)
	if err != nil {
		return nil, newCommandError("start runtime", "building subsystems", err, "Check the configuration and try again.")
	}
	return rt, nil
}

func isTerminal(w io.Writer) bool {
	if file, ok := w.(*os.File); ok {
		return term.IsTerminal(int(file.Fd()))
	}
	return false
}

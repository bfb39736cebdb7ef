package config

import (
	"errors"
	"io/fs"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"

	stagehanderrors "github.com/alexisbeaulieu97/stagehand/pkg/errors"
)

// Environment variables that override file settings.
const (
	EnvLogLevel         = "STAGEHAND_LOG_LEVEL"
	EnvHumanReadable    = "STAGEHAND_HUMAN_READABLE"
	EnvPluginDirs       = "STAGEHAND_PLUGIN_DIRS"
	EnvDependencyPolicy = "STAGEHAND_DEPENDENCY_POLICY"
	EnvDisabledPlugins  = "STAGEHAND_DISABLED_PLUGINS"
	EnvStorageRoot      = "STAGEHAND_STORAGE_ROOT"
)

// ApplyEnv overlays STAGEHAND_* variables onto cfg. Plugin directories are
// separated by the OS path list separator; disabled plugins by commas.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	if cfg == nil || lookup == nil {
		return nil
	}

	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		cfg.LogLevel = strings.TrimSpace(v)
	}
	if v, ok := lookup(EnvHumanReadable); ok && v != "" {
		parsed, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return stagehanderrors.NewValidationError(EnvHumanReadable, "expected a boolean", err)
		}
		cfg.HumanReadable = parsed
	}
	if v, ok := lookup(EnvPluginDirs); ok && v != "" {
		cfg.PluginDirs = splitList(v, string(filepath.ListSeparator))
	}
	if v, ok := lookup(EnvDependencyPolicy); ok && v != "" {
		cfg.DependencyPolicy = strings.ToLower(strings.TrimSpace(v))
	}
	if v, ok := lookup(EnvDisabledPlugins); ok {
		cfg.DisabledPlugins = splitList(v, ",")
	}
	if v, ok := lookup(EnvStorageRoot); ok {
		cfg.StorageRoot = strings.TrimSpace(v)
	}
	return nil
}

func splitList(s, sep string) []string {
	var out []string
	for _, part := range strings.Split(s, sep) {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func readEnvFiles(paths []string) (map[string]string, error) {
	merged := make(map[string]string)
	for _, path := range paths {
		values, err := godotenv.Read(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, stagehanderrors.NewParseError(path, 0, err)
		}
		for k, v := range values {
			if _, set := merged[k]; !set {
				merged[k] = v
			}
		}
	}
	return merged, nil
}

// layered consults primary first and falls back to the dotenv values.
func layered(primary func(string) (string, bool), fallback map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		if v, ok := primary(key); ok {
			return v, true
		}
		v, ok := fallback[key]
		return v, ok
	}
}

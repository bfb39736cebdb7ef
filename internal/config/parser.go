package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"

	stagehanderrors "github.com/alexisbeaulieu97/stagehand/pkg/errors"
)

var yamlLineRegex = regexp.MustCompile(`line (\d+)`)

type loadOptions struct {
	envFiles []string
	lookup   func(string) (string, bool)
}

// LoadOption customises Load.
type LoadOption func(*loadOptions)

// WithEnvFile reads STAGEHAND_* overrides from a dotenv file. Variables
// already present in the process environment win. A missing file is ignored.
func WithEnvFile(path string) LoadOption {
	return func(o *loadOptions) { o.envFiles = append(o.envFiles, path) }
}

// WithLookup replaces os.LookupEnv as the source of environment overrides.
func WithLookup(lookup func(string) (string, bool)) LoadOption {
	return func(o *loadOptions) {
		if lookup != nil {
			o.lookup = lookup
		}
	}
}

// Load builds the configuration: defaults, then the YAML file at path when
// path is not empty, then environment overrides. The result is validated.
func Load(path string, opts ...LoadOption) (*Config, error) {
	options := loadOptions{lookup: os.LookupEnv}
	for _, opt := range opts {
		opt(&options)
	}

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, stagehanderrors.NewParseError(path, 0, err)
		}
		if err := decode(path, data, cfg); err != nil {
			return nil, err
		}
	}

	env, err := readEnvFiles(options.envFiles)
	if err != nil {
		return nil, err
	}
	lookup := layered(options.lookup, env)
	if err := ApplyEnv(cfg, lookup); err != nil {
		return nil, err
	}

	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ParseConfig decodes and validates a configuration document without
// applying environment overrides.
func ParseConfig(path string, data []byte) (*Config, error) {
	cfg := Default()
	if err := decode(path, data, cfg); err != nil {
		return nil, err
	}
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(path string, data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return stagehanderrors.NewParseError(path, extractLine(err), err)
	}
	if cfg.Settings == nil {
		cfg.Settings = map[string]string{}
	}
	return nil
}

func extractLine(err error) int {
	if err == nil {
		return 0
	}

	matches := yamlLineRegex.FindStringSubmatch(err.Error())
	if len(matches) != 2 {
		return 0
	}

	var line int
	_, scanErr := fmt.Sscanf(matches[1], "%d", &line)
	if scanErr != nil {
		return 0
	}

	return line
}

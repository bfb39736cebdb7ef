// Package config loads the stagehand application configuration.
package config

// Config represents the full stagehand configuration document.
type Config struct {
	LogLevel         string            `yaml:"log_level" validate:"omitempty,log_level"`
	HumanReadable    bool              `yaml:"human_readable"`
	PluginDirs       []string          `yaml:"plugin_dirs" validate:"dive,required"`
	DependencyPolicy string            `yaml:"dependency_policy" validate:"omitempty,oneof=strict graceful"`
	DisabledPlugins  []string          `yaml:"disabled_plugins" validate:"dive,plugin_id"`
	StorageRoot      string            `yaml:"storage_root"`
	Settings         map[string]string `yaml:"settings" validate:"dive,keys,required,endkeys"`
	Pipelines        []Pipeline        `yaml:"pipelines" validate:"dive"`
}

// Pipeline is a named list of stage ids that can be run with --pipeline.
type Pipeline struct {
	Name        string   `yaml:"name" validate:"required,pipeline_name"`
	Description string   `yaml:"description,omitempty"`
	Stages      []string `yaml:"stages" validate:"required,min=1,dive,stage_id"`
}

// Default returns the configuration used when no file is supplied.
func Default() *Config {
	return &Config{
		LogLevel:      "info",
		HumanReadable: true,
		PluginDirs:    []string{"./plugins"},
		Settings:      map[string]string{},
	}
}

// Pipeline returns the pipeline named name.
func (c *Config) Pipeline(name string) (Pipeline, bool) {
	if c == nil {
		return Pipeline{}, false
	}
	for _, p := range c.Pipelines {
		if p.Name == name {
			return p, true
		}
	}
	return Pipeline{}, false
}

// Setting returns a plugin setting. Keys are usually "plugin_id.key".
func (c *Config) Setting(key string) (string, bool) {
	if c == nil {
		return "", false
	}
	v, ok := c.Settings[key]
	return v, ok
}

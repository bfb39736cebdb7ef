package abi

// Document is the declarative manifest format. It is what plugin.toml,
// manifest.yaml and manifest.json decode into, and what the Manifest vtable
// entry serialises as JSON.
type Document struct {
	Plugin               PluginSection           `toml:"plugin" yaml:"plugin" json:"plugin"`
	Compatibility        CompatibilitySection    `toml:"compatibility" yaml:"compatibility" json:"compatibility"`
	Dependencies         map[string]string       `toml:"dependencies" yaml:"dependencies" json:"dependencies,omitempty"`
	OptionalDependencies map[string]string       `toml:"optional_dependencies" yaml:"optional_dependencies" json:"optional_dependencies,omitempty"`
	Conflicts            ConflictsSection        `toml:"conflicts" yaml:"conflicts" json:"conflicts"`
	StageRequirements    StageRequirementSection `toml:"stage_requirements" yaml:"stage_requirements" json:"stage_requirements"`
	Resources            []ResourceEntry         `toml:"resources" yaml:"resources" json:"resources,omitempty"`
}

// PluginSection is the [plugin] table.
type PluginSection struct {
	ID          string   `toml:"id" yaml:"id" json:"id,omitempty"`
	Name        string   `toml:"name" yaml:"name" json:"name"`
	Version     string   `toml:"version" yaml:"version" json:"version"`
	Author      string   `toml:"author" yaml:"author" json:"author,omitempty"`
	Description string   `toml:"description" yaml:"description" json:"description,omitempty"`
	Website     string   `toml:"website" yaml:"website" json:"website,omitempty"`
	License     string   `toml:"license" yaml:"license" json:"license,omitempty"`
	Core        bool     `toml:"core" yaml:"core" json:"core,omitempty"`
	Priority    string   `toml:"priority" yaml:"priority" json:"priority,omitempty"`
	EntryPoint  string   `toml:"entry_point" yaml:"entry_point" json:"entry_point,omitempty"`
	Files       []string `toml:"files" yaml:"files" json:"files,omitempty"`
	Tags        []string `toml:"tags" yaml:"tags" json:"tags,omitempty"`
}

// CompatibilitySection is the [compatibility] table.
type CompatibilitySection struct {
	API         string   `toml:"api" yaml:"api" json:"api,omitempty"`
	APIVersions []string `toml:"api_versions" yaml:"api_versions" json:"api_versions,omitempty"`
}

// ConflictsSection is the [conflicts] table.
type ConflictsSection struct {
	With         []string          `toml:"with" yaml:"with" json:"with,omitempty"`
	Incompatible map[string]string `toml:"incompatible" yaml:"incompatible" json:"incompatible,omitempty"`
}

// StageRequirementSection is the [stage_requirements] table.
type StageRequirementSection struct {
	Provides []string `toml:"provides" yaml:"provides" json:"provides,omitempty"`
	Requires []string `toml:"requires" yaml:"requires" json:"requires,omitempty"`
	Optional []string `toml:"optional" yaml:"optional" json:"optional,omitempty"`
}

// ResourceEntry is one [[resources]] claim.
type ResourceEntry struct {
	Kind   string `toml:"kind" yaml:"kind" json:"kind"`
	ID     string `toml:"id" yaml:"id" json:"id"`
	Access string `toml:"access" yaml:"access" json:"access"`
}

package manifest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/alexisbeaulieu97/stagehand/internal/version"
	"github.com/alexisbeaulieu97/stagehand/pkg/abi"
	stagehanderrors "github.com/alexisbeaulieu97/stagehand/pkg/errors"
)

// Format identifies an on-disk manifest encoding.
type Format string

const (
	FormatTOML Format = "toml"
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
)

// FileNames lists the manifest file names looked up next to a plugin binary, in order.
var FileNames = []string{"plugin.toml", "manifest.toml", "manifest.yaml", "manifest.yml", "manifest.json"}

var yamlLineRegex = regexp.MustCompile(`line (\d+)`)

// FormatForPath infers the manifest encoding from the file extension.
func FormatForPath(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		return FormatTOML, nil
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".json":
		return FormatJSON, nil
	}
	return "", fmt.Errorf("unsupported manifest extension '%s'", filepath.Ext(path))
}

// ParseFile reads and parses a manifest document from disk.
func ParseFile(path string) (Manifest, error) {
	format, err := FormatForPath(path)
	if err != nil {
		return Manifest{}, stagehanderrors.NewParseError(path, 0, err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, stagehanderrors.NewParseError(path, 0, err)
	}
	return Parse(path, data, format)
}

// FindFile returns the first manifest file present in dir.
func FindFile(dir string) (string, bool) {
	for _, name := range FileNames {
		candidate := filepath.Join(dir, name)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, true
		}
	}
	return "", false
}

// Parse decodes a manifest document. The path is used for error reporting only.
func Parse(path string, data []byte, format Format) (Manifest, error) {
	var doc abi.Document

	switch format {
	case FormatTOML:
		md, err := toml.Decode(string(data), &doc)
		if err != nil {
			return Manifest{}, stagehanderrors.NewParseError(path, tomlLine(err), err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return Manifest{}, stagehanderrors.NewFieldParseError(path, undecoded[0].String(), fmt.Errorf("unknown field"))
		}
	case FormatYAML:
		decoder := yaml.NewDecoder(bytes.NewReader(data))
		decoder.KnownFields(true)
		if err := decoder.Decode(&doc); err != nil {
			return Manifest{}, stagehanderrors.NewParseError(path, yamlLine(err), err)
		}
	case FormatJSON:
		decoder := json.NewDecoder(bytes.NewReader(data))
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&doc); err != nil {
			return Manifest{}, stagehanderrors.NewParseError(path, 0, err)
		}
	default:
		return Manifest{}, stagehanderrors.NewParseError(path, 0, fmt.Errorf("unsupported manifest format '%s'", format))
	}

	return FromDocument(path, doc)
}

// FromDocument converts a decoded document into a validated Manifest.
func FromDocument(path string, d abi.Document) (Manifest, error) {
	p := d.Plugin
	m := Manifest{
		ID:          strings.TrimSpace(p.ID),
		Name:        strings.TrimSpace(p.Name),
		Description: p.Description,
		Author:      p.Author,
		Website:     p.Website,
		License:     p.License,
		IsCore:      p.Core,
		EntryPoint:  p.EntryPoint,
		Files:       p.Files,
		Tags:        p.Tags,
	}
	if m.ID == "" {
		m.ID = m.Name
	}
	if m.ID == "" {
		return Manifest{}, stagehanderrors.NewFieldParseError(path, "plugin.name", fmt.Errorf("plugin name is required"))
	}

	v, err := version.Parse(p.Version)
	if err != nil {
		return Manifest{}, stagehanderrors.NewFieldParseError(path, "plugin.version", err)
	}
	m.Version = v

	hasPriority := strings.TrimSpace(p.Priority) != ""
	if hasPriority {
		priority, err := ParsePriority(p.Priority)
		if err != nil {
			return Manifest{}, stagehanderrors.NewFieldParseError(path, "plugin.priority", err)
		}
		m.Priority = priority
	}

	apiRanges := append([]string{}, d.Compatibility.APIVersions...)
	if strings.TrimSpace(d.Compatibility.API) != "" {
		apiRanges = append([]string{d.Compatibility.API}, apiRanges...)
	}
	for _, raw := range apiRanges {
		r, err := version.ParseRange(raw)
		if err != nil {
			return Manifest{}, stagehanderrors.NewFieldParseError(path, "compatibility.api", err)
		}
		m.APIVersions = append(m.APIVersions, r)
	}

	for _, id := range sortedKeys(d.Dependencies) {
		r, err := version.ParseRange(d.Dependencies[id])
		if err != nil {
			return Manifest{}, stagehanderrors.NewFieldParseError(path, "dependencies."+id, err)
		}
		m.Dependencies = append(m.Dependencies, Required(id, r))
	}
	for _, id := range sortedKeys(d.OptionalDependencies) {
		r, err := version.ParseRange(d.OptionalDependencies[id])
		if err != nil {
			return Manifest{}, stagehanderrors.NewFieldParseError(path, "optional_dependencies."+id, err)
		}
		m.Dependencies = append(m.Dependencies, Optional(id, r))
	}

	m.ConflictsWith = append(m.ConflictsWith, d.Conflicts.With...)
	for _, id := range sortedKeys(d.Conflicts.Incompatible) {
		r, err := version.ParseRange(d.Conflicts.Incompatible[id])
		if err != nil {
			return Manifest{}, stagehanderrors.NewFieldParseError(path, "conflicts.incompatible."+id, err)
		}
		m.IncompatibleWith = append(m.IncompatibleWith, DependencyInfo{ID: id, Range: r})
	}

	for _, id := range d.StageRequirements.Provides {
		m.RequiredStages = append(m.RequiredStages, Provide(id))
	}
	for _, id := range d.StageRequirements.Requires {
		m.RequiredStages = append(m.RequiredStages, Require(id))
	}
	for _, id := range d.StageRequirements.Optional {
		m.RequiredStages = append(m.RequiredStages, OptionalStage(id))
	}

	for i, res := range d.Resources {
		access, err := ParseAccessType(res.Access)
		if err != nil {
			return Manifest{}, stagehanderrors.NewFieldParseError(path, "resources["+strconv.Itoa(i)+"].access", err)
		}
		m.ResourceClaims = append(m.ResourceClaims, ResourceClaim{
			Resource: ResourceIdentifier{Kind: res.Kind, ID: res.ID},
			Access:   access,
		})
	}

	ApplyDefaults(&m, hasPriority)
	if err := m.Validate(); err != nil {
		var validationErr *stagehanderrors.ValidationError
		if errors.As(err, &validationErr) {
			return Manifest{}, stagehanderrors.NewFieldParseError(path, validationErr.Field, err)
		}
		return Manifest{}, stagehanderrors.NewParseError(path, 0, err)
	}
	return m, nil
}

func sortedKeys(values map[string]string) []string {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func tomlLine(err error) int {
	var parseErr toml.ParseError
	if errors.As(err, &parseErr) {
		return parseErr.Position.Line
	}
	return 0
}

func yamlLine(err error) int {
	if err == nil {
		return 0
	}

	matches := yamlLineRegex.FindStringSubmatch(err.Error())
	if len(matches) != 2 {
		return 0
	}

	line, convErr := strconv.Atoi(matches[1])
	if convErr != nil {
		return 0
	}
	return line
}

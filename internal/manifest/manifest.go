// Package manifest describes plugin identity, ordering, dependencies,
// conflicts, stage requirements and resource claims.
package manifest

import (
	"fmt"
	"strings"

	"github.com/alexisbeaulieu97/stagehand/internal/version"
)

// Manifest is the declarative description of a plugin. The registry stores a
// copy on registration and never mutates it afterwards.
type Manifest struct {
	ID               string             `validate:"required,plugin_id"`
	Name             string             `validate:"required"`
	Version          version.Version    `validate:"-"`
	Description      string             `validate:"-"`
	Author           string             `validate:"-"`
	Website          string             `validate:"omitempty,url"`
	License          string             `validate:"-"`
	IsCore           bool               `validate:"-"`
	Priority         Priority           `validate:"-"`
	APIVersions      []version.Range    `validate:"-"`
	Dependencies     []DependencyInfo   `validate:"dive"`
	ConflictsWith    []string           `validate:"dive,required"`
	IncompatibleWith []DependencyInfo   `validate:"dive"`
	RequiredStages   []StageRequirement `validate:"dive"`
	ResourceClaims   []ResourceClaim    `validate:"dive"`
	EntryPoint       string             `validate:"-"`
	Files            []string           `validate:"-"`
	Tags             []string           `validate:"-"`
}

// DefaultEntryPoint returns the conventional library file name for a plugin id.
func DefaultEntryPoint(id string) string {
	return "lib" + id + ".so"
}

// RequiredDependencies returns only the hard dependencies.
func (m Manifest) RequiredDependencies() []DependencyInfo {
	var deps []DependencyInfo
	for _, dep := range m.Dependencies {
		if dep.Required {
			deps = append(deps, dep)
		}
	}
	return deps
}

// Requires reports whether m declares a required dependency on id.
func (m Manifest) Requires(id string) bool {
	for _, dep := range m.Dependencies {
		if dep.Required && dep.ID == id {
			return true
		}
	}
	return false
}

// ProvidedStages returns the stage ids the plugin declares it provides.
func (m Manifest) ProvidedStages() []string {
	var ids []string
	for _, req := range m.RequiredStages {
		if req.Kind == StageProvide {
			ids = append(ids, req.StageID)
		}
	}
	return ids
}

// Clone returns a deep copy so callers cannot mutate registered state.
func (m Manifest) Clone() Manifest {
	out := m
	out.APIVersions = append([]version.Range(nil), m.APIVersions...)
	out.Dependencies = append([]DependencyInfo(nil), m.Dependencies...)
	out.ConflictsWith = append([]string(nil), m.ConflictsWith...)
	out.IncompatibleWith = append([]DependencyInfo(nil), m.IncompatibleWith...)
	out.RequiredStages = append([]StageRequirement(nil), m.RequiredStages...)
	out.ResourceClaims = append([]ResourceClaim(nil), m.ResourceClaims...)
	out.Files = append([]string(nil), m.Files...)
	out.Tags = append([]string(nil), m.Tags...)
	return out
}

// DependencyInfo declares a dependency (or, in IncompatibleWith, a forbidden
// version range) on another plugin.
type DependencyInfo struct {
	ID       string        `validate:"required,plugin_id"`
	Range    version.Range `validate:"-"`
	Required bool          `validate:"-"`
}

// Required declares a hard dependency constrained to r.
func Required(id string, r version.Range) DependencyInfo {
	return DependencyInfo{ID: id, Range: r, Required: true}
}

// RequiredAny declares a hard dependency on any version.
func RequiredAny(id string) DependencyInfo {
	return DependencyInfo{ID: id, Range: version.Any(), Required: true}
}

// Optional declares a soft dependency constrained to r.
func Optional(id string, r version.Range) DependencyInfo {
	return DependencyInfo{ID: id, Range: r}
}

// OptionalAny declares a soft dependency on any version.
func OptionalAny(id string) DependencyInfo {
	return DependencyInfo{ID: id, Range: version.Any()}
}

func (d DependencyInfo) String() string {
	kind := "optional"
	if d.Required {
		kind = "required"
	}
	return fmt.Sprintf("%s %s (%s)", d.ID, d.Range, kind)
}

// StageRequirementKind distinguishes hard, soft and provided stage relations.
type StageRequirementKind int

const (
	StageRequire StageRequirementKind = iota
	StageOptional
	StageProvide
)

func (k StageRequirementKind) String() string {
	switch k {
	case StageRequire:
		return "require"
	case StageOptional:
		return "optional"
	case StageProvide:
		return "provide"
	}
	return "unknown"
}

// StageRequirement relates a plugin (or stage) to a stage id.
type StageRequirement struct {
	StageID string               `validate:"required,stage_id"`
	Kind    StageRequirementKind `validate:"-"`
}

// Require declares that stageID must run before the declaring stage.
func Require(stageID string) StageRequirement {
	return StageRequirement{StageID: stageID, Kind: StageRequire}
}

// OptionalStage declares an ordering edge honoured only when stageID is present.
func OptionalStage(stageID string) StageRequirement {
	return StageRequirement{StageID: stageID, Kind: StageOptional}
}

// Provide declares that the plugin supplies stageID.
func Provide(stageID string) StageRequirement {
	return StageRequirement{StageID: stageID, Kind: StageProvide}
}

// IsSatisfiedBy reports whether stageID fulfils the requirement.
func (r StageRequirement) IsSatisfiedBy(stageID string) bool {
	return r.StageID == stageID
}

func (r StageRequirement) String() string {
	switch r.Kind {
	case StageProvide:
		return "Provides stage: " + r.StageID
	case StageRequire:
		return "Requires stage: " + r.StageID
	default:
		return "Optional stage: " + r.StageID
	}
}

// ResourceIdentifier names an external resource, e.g. ("file_path", "/var/lock/x").
type ResourceIdentifier struct {
	Kind string `validate:"required"`
	ID   string `validate:"required"`
}

func (r ResourceIdentifier) String() string {
	return r.Kind + ":" + r.ID
}

// ResourceAccessType is the kind of access a plugin intends to take.
type ResourceAccessType int

const (
	ExclusiveWrite ResourceAccessType = iota
	ExclusiveRead
	SharedWrite
	SharedRead
	ProvidesUniqueID
)

var accessNames = map[ResourceAccessType]string{
	ExclusiveWrite:   "exclusive_write",
	ExclusiveRead:    "exclusive_read",
	SharedWrite:      "shared_write",
	SharedRead:       "shared_read",
	ProvidesUniqueID: "provides_unique_id",
}

// AccessTypes lists every access type in matrix order.
func AccessTypes() []ResourceAccessType {
	return []ResourceAccessType{ExclusiveWrite, ExclusiveRead, SharedWrite, SharedRead, ProvidesUniqueID}
}

func (a ResourceAccessType) String() string {
	if name, ok := accessNames[a]; ok {
		return name
	}
	return fmt.Sprintf("access(%d)", int(a))
}

// ParseAccessType parses snake_case or CamelCase access names.
func ParseAccessType(s string) (ResourceAccessType, error) {
	normalized := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(s), "_", ""))
	for access, name := range accessNames {
		if strings.ReplaceAll(name, "_", "") == normalized {
			return access, nil
		}
	}
	return 0, fmt.Errorf("unknown resource access type '%s'", s)
}

// ResourceClaim declares intended access to a resource.
type ResourceClaim struct {
	Resource ResourceIdentifier
	Access   ResourceAccessType `validate:"-"`
}

func (c ResourceClaim) String() string {
	return fmt.Sprintf("%s (%s)", c.Resource, c.Access)
}

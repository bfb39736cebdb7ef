package plugin

import (
	"fmt"
	"sort"

	"github.com/alexisbeaulieu97/stagehand/internal/manifest"
)

// ConflictKind enumerates the variants of ConflictType.
type ConflictKind int

const (
	ConflictMutuallyExclusive ConflictKind = iota
	ConflictDependencyVersion
	ConflictResource
	ConflictExplicitlyIncompatible
	ConflictPartialOverlap
	ConflictCustom
)

func (k ConflictKind) String() string {
	switch k {
	case ConflictMutuallyExclusive:
		return "mutually_exclusive"
	case ConflictDependencyVersion:
		return "dependency_version"
	case ConflictResource:
		return "resource"
	case ConflictExplicitlyIncompatible:
		return "explicitly_incompatible"
	case ConflictPartialOverlap:
		return "partial_overlap"
	case ConflictCustom:
		return "custom"
	}
	return "unknown"
}

// Severity grades a conflict.
type Severity int

const (
	SeverityNone Severity = iota
	SeverityWarn
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityWarn:
		return "warn"
	case SeverityCritical:
		return "critical"
	}
	return "none"
}

const (
	sn = SeverityNone
	sw = SeverityWarn
	sc = SeverityCritical
)

// accessMatrix grades two claims on the same resource, indexed by
// manifest.ResourceAccessType. It is symmetric.
var accessMatrix = [5][5]Severity{
	// exclusive_write, exclusive_read, shared_write, shared_read, provides_unique_id
	{sc, sc, sc, sc, sc},
	{sc, sc, sc, sc, sc},
	{sc, sc, sw, sw, sc},
	{sc, sc, sw, sn, sn},
	{sc, sc, sc, sn, sc},
}

// AccessSeverity grades two claims on the same resource.
func AccessSeverity(a, b manifest.ResourceAccessType) Severity {
	if int(a) < 0 || int(a) >= len(accessMatrix) || int(b) < 0 || int(b) >= len(accessMatrix) {
		return SeverityCritical
	}
	return accessMatrix[a][b]
}

// ConflictType describes why two plugins conflict. Only the fields relevant
// to Kind are set.
type ConflictType struct {
	Kind         ConflictKind
	Dependency   string
	Resource     manifest.ResourceIdentifier
	FirstAccess  manifest.ResourceAccessType
	SecondAccess manifest.ResourceAccessType
	Custom       string
}

// Severity is a pure function of the variant.
func (t ConflictType) Severity() Severity {
	switch t.Kind {
	case ConflictMutuallyExclusive, ConflictDependencyVersion, ConflictExplicitlyIncompatible:
		return SeverityCritical
	case ConflictResource:
		return AccessSeverity(t.FirstAccess, t.SecondAccess)
	}
	return SeverityWarn
}

// IsCritical reports whether the conflict blocks activation.
func (t ConflictType) IsCritical() bool {
	return t.Severity() == SeverityCritical
}

func (t ConflictType) String() string {
	switch t.Kind {
	case ConflictMutuallyExclusive:
		return "mutually exclusive"
	case ConflictDependencyVersion:
		return fmt.Sprintf("incompatible versions of dependency %s", t.Dependency)
	case ConflictResource:
		return fmt.Sprintf("resource %s claimed as %s and %s", t.Resource, t.FirstAccess, t.SecondAccess)
	case ConflictExplicitlyIncompatible:
		return "explicitly incompatible"
	case ConflictPartialOverlap:
		return "partially overlapping functionality"
	}
	return t.Custom
}

// StrategyKind enumerates conflict resolution strategies.
type StrategyKind int

const (
	StrategyDisableFirst StrategyKind = iota
	StrategyDisableSecond
	StrategyManualConfiguration
	StrategyCompatibilityLayer
	StrategyMerge
	StrategyAllowWithWarning
	StrategyCustom
)

// ResolutionStrategy records how a conflict was settled.
type ResolutionStrategy struct {
	Kind StrategyKind
	Note string
}

func (s ResolutionStrategy) String() string {
	switch s.Kind {
	case StrategyDisableFirst:
		return "disable first"
	case StrategyDisableSecond:
		return "disable second"
	case StrategyManualConfiguration:
		return "manual configuration"
	case StrategyCompatibilityLayer:
		return "compatibility layer"
	case StrategyMerge:
		return "merge"
	case StrategyAllowWithWarning:
		return "allow with warning"
	}
	return s.Note
}

// PluginConflict is one conflict between two plugins.
type PluginConflict struct {
	First       string
	Second      string
	Type        ConflictType
	Description string
	Resolution  *ResolutionStrategy
}

// IsCritical reports whether the conflict blocks activation.
func (c PluginConflict) IsCritical() bool { return c.Type.IsCritical() }

// IsResolved reports whether a strategy was chosen.
func (c PluginConflict) IsResolved() bool { return c.Resolution != nil }

// Involves reports whether id is one of the two plugins.
func (c PluginConflict) Involves(id string) bool { return c.First == id || c.Second == id }

func (c PluginConflict) String() string {
	text := fmt.Sprintf("%s <-> %s [%s]: %s", c.First, c.Second, c.Type.Severity(), c.Description)
	if c.Resolution != nil {
		text += fmt.Sprintf(" (resolved: %s)", c.Resolution)
	}
	return text
}

// ConflictSet accumulates conflicts and their resolutions.
type ConflictSet struct {
	conflicts []PluginConflict
}

// Add appends a conflict.
func (s *ConflictSet) Add(conflict PluginConflict) {
	s.conflicts = append(s.conflicts, conflict)
}

// Len returns the number of conflicts.
func (s *ConflictSet) Len() int { return len(s.conflicts) }

// All returns every conflict.
func (s *ConflictSet) All() []PluginConflict {
	return append([]PluginConflict(nil), s.conflicts...)
}

// Critical returns the conflicts that block activation.
func (s *ConflictSet) Critical() []PluginConflict {
	return s.filter(func(c PluginConflict) bool { return c.IsCritical() })
}

// NonCritical returns the warnings.
func (s *ConflictSet) NonCritical() []PluginConflict {
	return s.filter(func(c PluginConflict) bool { return !c.IsCritical() })
}

// Blocking returns the critical conflicts that have no strategy yet.
func (s *ConflictSet) Blocking() []PluginConflict {
	return s.filter(func(c PluginConflict) bool { return c.IsCritical() && !c.IsResolved() })
}

// Unresolved returns the conflicts without a strategy.
func (s *ConflictSet) Unresolved() []PluginConflict {
	return s.filter(func(c PluginConflict) bool { return !c.IsResolved() })
}

func (s *ConflictSet) filter(keep func(PluginConflict) bool) []PluginConflict {
	var out []PluginConflict
	for _, conflict := range s.conflicts {
		if keep(conflict) {
			out = append(out, conflict)
		}
	}
	return out
}

// Resolve attaches a strategy to the conflict at index i.
func (s *ConflictSet) Resolve(i int, strategy ResolutionStrategy) error {
	if i < 0 || i >= len(s.conflicts) {
		return fmt.Errorf("conflict index %d out of range (have %d)", i, len(s.conflicts))
	}
	s.conflicts[i].Resolution = &strategy
	return nil
}

// AllCriticalResolved reports whether every critical conflict has a strategy.
func (s *ConflictSet) AllCriticalResolved() bool {
	for _, conflict := range s.conflicts {
		if conflict.IsCritical() && !conflict.IsResolved() {
			return false
		}
	}
	return true
}

// PluginsToDisable returns the plugins named by DisableFirst and
// DisableSecond resolutions, deduplicated and sorted.
func (s *ConflictSet) PluginsToDisable() []string {
	set := make(map[string]bool)
	for _, conflict := range s.conflicts {
		if conflict.Resolution == nil {
			continue
		}
		switch conflict.Resolution.Kind {
		case StrategyDisableFirst:
			set[conflict.First] = true
		case StrategyDisableSecond:
			set[conflict.Second] = true
		}
	}
	return sortedKeys(set)
}

// HasConflictBetween reports whether a and b conflict, in either order.
func (s *ConflictSet) HasConflictBetween(a, b string) bool {
	for _, conflict := range s.conflicts {
		if (conflict.First == a && conflict.Second == b) || (conflict.First == b && conflict.Second == a) {
			return true
		}
	}
	return false
}

// DetectConflicts checks every pair of manifests, in id order, for declared
// exclusions, required dependencies outside their declared version range,
// declared incompatibilities and clashing resource claims.
func DetectConflicts(manifests []manifest.Manifest) *ConflictSet {
	sorted := append([]manifest.Manifest(nil), manifests...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	set := &ConflictSet{}
	for i := 0; i < len(sorted); i++ {
		for j := i + 1; j < len(sorted); j++ {
			detectPair(set, sorted[i], sorted[j])
		}
	}
	return set
}

func detectPair(set *ConflictSet, a, b manifest.Manifest) {
	if declaresConflict(a, b.ID) || declaresConflict(b, a.ID) {
		set.Add(PluginConflict{
			First:       a.ID,
			Second:      b.ID,
			Type:        ConflictType{Kind: ConflictMutuallyExclusive},
			Description: fmt.Sprintf("plugins '%s' and '%s' cannot be enabled together", a.ID, b.ID),
		})
	}

	for _, pair := range [][2]manifest.Manifest{{a, b}, {b, a}} {
		dependent, dependency := pair[0], pair[1]
		dep, ok := requiredDependency(dependent, dependency.ID)
		if !ok || dep.Range.Contains(dependency.Version) {
			continue
		}
		set.Add(PluginConflict{
			First:  a.ID,
			Second: b.ID,
			Type:   ConflictType{Kind: ConflictDependencyVersion, Dependency: dependency.ID},
			Description: fmt.Sprintf("'%s' requires '%s' %s but %s is present",
				dependent.ID, dependency.ID, dep.Range, dependency.Version),
		})
	}

	if declaresIncompatible(a, b) || declaresIncompatible(b, a) {
		set.Add(PluginConflict{
			First:       a.ID,
			Second:      b.ID,
			Type:        ConflictType{Kind: ConflictExplicitlyIncompatible},
			Description: fmt.Sprintf("plugins '%s' %s and '%s' %s are declared incompatible", a.ID, a.Version, b.ID, b.Version),
		})
	}

	type claimPair struct {
		first, second manifest.ResourceAccessType
	}
	worst := make(map[manifest.ResourceIdentifier]claimPair)
	var resources []manifest.ResourceIdentifier
	for _, ca := range a.ResourceClaims {
		for _, cb := range b.ResourceClaims {
			if ca.Resource != cb.Resource {
				continue
			}
			severity := AccessSeverity(ca.Access, cb.Access)
			if severity == SeverityNone {
				continue
			}
			prev, seen := worst[ca.Resource]
			if !seen {
				resources = append(resources, ca.Resource)
			}
			if !seen || severity > AccessSeverity(prev.first, prev.second) {
				worst[ca.Resource] = claimPair{first: ca.Access, second: cb.Access}
			}
		}
	}
	for _, resource := range resources {
		pair := worst[resource]
		set.Add(PluginConflict{
			First:  a.ID,
			Second: b.ID,
			Type: ConflictType{
				Kind:         ConflictResource,
				Resource:     resource,
				FirstAccess:  pair.first,
				SecondAccess: pair.second,
			},
			Description: fmt.Sprintf("'%s' claims %s as %s while '%s' claims it as %s",
				a.ID, resource, pair.first, b.ID, pair.second),
		})
	}
}

func declaresConflict(m manifest.Manifest, other string) bool {
	for _, id := range m.ConflictsWith {
		if id == other {
			return true
		}
	}
	return false
}

func requiredDependency(m manifest.Manifest, id string) (manifest.DependencyInfo, bool) {
	for _, dep := range m.Dependencies {
		if dep.Required && dep.ID == id {
			return dep, true
		}
	}
	return manifest.DependencyInfo{}, false
}

// Dependent returns the plugin whose requirement a dependency-version conflict
// violates.
func (c PluginConflict) Dependent() string {
	if c.Type.Kind != ConflictDependencyVersion {
		return ""
	}
	if c.Type.Dependency == c.Second {
		return c.First
	}
	return c.Second
}

func declaresIncompatible(m, other manifest.Manifest) bool {
	for _, dep := range m.IncompatibleWith {
		if dep.ID == other.ID && dep.Range.Contains(other.Version) {
			return true
		}
	}
	return false
}

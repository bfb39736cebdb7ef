package plugin

import (
	"fmt"
	"sort"

	"github.com/alexisbeaulieu97/stagehand/internal/logger"
	"github.com/alexisbeaulieu97/stagehand/internal/manifest"
)

// Resolution is the outcome of dependency resolution over a set of manifests.
type Resolution struct {
	// Order lists the surviving plugins dependencies-first, ties broken by
	// priority and then id.
	Order []string
	// Excluded maps each plugin left out to the reason.
	Excluded map[string]error
	Warnings []string
	// Graph holds every satisfiable edge between the input plugins.
	Graph *DependencyGraph
}

// IsExcluded reports whether id was left out.
func (r *Resolution) IsExcluded(id string) bool {
	_, ok := r.Excluded[id]
	return ok
}

// ExcludedIDs returns the excluded ids, sorted.
func (r *Resolution) ExcludedIDs() []string {
	ids := make([]string, 0, len(r.Excluded))
	for id := range r.Excluded {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Resolve orders manifests by their dependencies. Missing or mismatched
// required dependencies exclude the dependent, and exclusion propagates to
// everything that requires an excluded plugin. Optional problems only warn.
// A cycle aborts with *ErrCircularDependency.
func Resolve(manifests []manifest.Manifest, log *logger.Logger) (*Resolution, error) {
	byID := make(map[string]manifest.Manifest, len(manifests))
	ids := make([]string, 0, len(manifests))
	for _, m := range manifests {
		if _, dup := byID[m.ID]; dup {
			return nil, ErrDuplicatePlugin{ID: m.ID}
		}
		byID[m.ID] = m
		ids = append(ids, m.ID)
	}
	sort.Strings(ids)

	res := &Resolution{Excluded: make(map[string]error), Graph: NewDependencyGraph()}
	warn := func(msg string) {
		res.Warnings = append(res.Warnings, msg)
		log.Warn(msg)
	}

	for _, id := range ids {
		m := byID[id]
		res.Graph.AddNode(id)
		for _, dep := range m.Dependencies {
			target, present := byID[dep.ID]
			switch {
			case !present && dep.Required:
				if _, already := res.Excluded[id]; !already {
					res.Excluded[id] = &ErrMissingDependency{Plugin: id, Dependency: dep.ID}
				}
			case !present:
				warn(fmt.Sprintf("plugin '%s': optional dependency '%s' is not available", id, dep.ID))
			case !dep.Range.Contains(target.Version) && dep.Required:
				if _, already := res.Excluded[id]; !already {
					res.Excluded[id] = &ErrVersionConflict{
						Plugin:        dep.ID,
						RequiredBy:    map[string]string{id: dep.Range.String()},
						ActualVersion: target.Version.String(),
					}
				}
			case !dep.Range.Contains(target.Version):
				warn(fmt.Sprintf("plugin '%s': optional dependency '%s' %s does not satisfy %s",
					id, dep.ID, target.Version, dep.Range))
			default:
				res.Graph.AddEdge(id, dep.ID, dep.Required)
			}
		}
	}

	if cycle := res.Graph.DetectCycles(); len(cycle) > 0 {
		return nil, &ErrCircularDependency{Cycle: cycle}
	}

	for changed := true; changed; {
		changed = false
		for _, id := range ids {
			if res.IsExcluded(id) {
				continue
			}
			for _, dep := range byID[id].RequiredDependencies() {
				if res.IsExcluded(dep.ID) {
					res.Excluded[id] = &ErrExcludedDependency{Plugin: id, Dependency: dep.ID}
					changed = true
					break
				}
			}
		}
	}

	active := NewDependencyGraph()
	for _, id := range ids {
		if res.IsExcluded(id) {
			continue
		}
		active.AddNode(id)
		for _, dep := range res.Graph.Dependencies(id) {
			if !res.IsExcluded(dep) {
				active.AddEdge(id, dep, res.Graph.IsRequiredBy(dep, id))
			}
		}
	}

	order, err := active.TopologicalSort(func(a, b string) bool {
		pa, pb := byID[a].Priority, byID[b].Priority
		if c := pa.Compare(pb); c != 0 {
			return c < 0
		}
		return a < b
	})
	if err != nil {
		return nil, err
	}
	res.Order = order
	return res, nil
}

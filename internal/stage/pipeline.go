package stage

import (
	"fmt"
	"sort"
	"strings"

	"github.com/alexisbeaulieu97/stagehand/internal/manifest"
	stagehanderrors "github.com/alexisbeaulieu97/stagehand/pkg/errors"
)

// ErrStageCycle reports a cycle among stage requirements.
type ErrStageCycle struct {
	Cycle []string
}

func (e *ErrStageCycle) Error() string {
	if e == nil {
		return "stage dependency cycle detected"
	}
	return fmt.Sprintf("stage dependency cycle detected: %s\nHint: break the cycle by turning one requirement into an optional stage", strings.Join(e.Cycle, " -> "))
}

// Pipeline is an ordered, immutable list of stage ids.
type Pipeline struct {
	name        string
	description string
	stageIDs    []string
}

// NewPipeline builds a pipeline from an already ordered id list.
func NewPipeline(name, description string, ids []string) *Pipeline {
	return &Pipeline{name: name, description: description, stageIDs: append([]string(nil), ids...)}
}

func (p *Pipeline) Name() string        { return p.name }
func (p *Pipeline) Description() string { return p.description }
func (p *Pipeline) Len() int            { return len(p.stageIDs) }

// StageIDs returns a copy of the execution order.
func (p *Pipeline) StageIDs() []string {
	return append([]string(nil), p.stageIDs...)
}

// BuildPipeline resolves ids into an execution order. Hard requirements are
// pulled in transitively; optional requirements only order stages that are
// already part of the pipeline. Ties keep the requested order. graph may be
// nil, in which case relations come from the stages alone.
func BuildPipeline(name, description string, reg *Registry, graph *Graph, ids []string) (*Pipeline, error) {
	if reg == nil {
		reg = NewRegistry()
	}
	if graph == nil {
		graph = NewGraph(reg)
	}

	index := make(map[string]int)
	var members []string
	add := func(id string) {
		if _, ok := index[id]; ok {
			return
		}
		index[id] = len(members)
		members = append(members, id)
	}

	for _, id := range ids {
		if !reg.Has(id) {
			return nil, stagehanderrors.NewStageError(id, ErrStageNotFound)
		}
		add(id)
	}

	for i := 0; i < len(members); i++ {
		id := members[i]
		for _, req := range graph.Requirements(id) {
			if req.Kind != manifest.StageRequire {
				continue
			}
			provider, ok := graph.Provider(req.StageID)
			if !ok {
				return nil, stagehanderrors.NewStageError(id, fmt.Errorf("%w: '%s'", ErrMissingRequirement, req.StageID))
			}
			if provider != id {
				add(provider)
			}
		}
	}

	predecessors := make(map[string]map[string]struct{}, len(members))
	for _, id := range members {
		predecessors[id] = make(map[string]struct{})
		for _, req := range graph.Requirements(id) {
			if req.Kind == manifest.StageProvide {
				continue
			}
			provider, ok := graph.Provider(req.StageID)
			if !ok || provider == id {
				continue
			}
			if _, inSet := index[provider]; !inSet {
				continue
			}
			predecessors[id][provider] = struct{}{}
		}
	}

	order, err := sortStages(members, index, predecessors)
	if err != nil {
		return nil, err
	}
	return NewPipeline(name, description, order), nil
}

func sortStages(members []string, index map[string]int, predecessors map[string]map[string]struct{}) ([]string, error) {
	indegree := make(map[string]int, len(members))
	successors := make(map[string][]string, len(members))
	for _, id := range members {
		indegree[id] = len(predecessors[id])
		for pred := range predecessors[id] {
			successors[pred] = append(successors[pred], id)
		}
	}

	byRequest := func(list []string) {
		sort.Slice(list, func(i, j int) bool { return index[list[i]] < index[list[j]] })
	}

	var ready []string
	for _, id := range members {
		if indegree[id] == 0 {
			ready = append(ready, id)
		}
	}

	order := make([]string, 0, len(members))
	for len(ready) > 0 {
		byRequest(ready)
		current := ready[0]
		ready = ready[1:]
		order = append(order, current)
		for _, next := range successors[current] {
			indegree[next]--
			if indegree[next] == 0 {
				ready = append(ready, next)
			}
		}
	}

	if len(order) != len(members) {
		var remaining []string
		for _, id := range members {
			if indegree[id] > 0 {
				remaining = append(remaining, id)
			}
		}
		return nil, &ErrStageCycle{Cycle: findCycle(remaining, index, predecessors)}
	}
	return order, nil
}

// findCycle walks predecessor edges from the earliest remaining node until a
// node repeats, then returns the loop closed on itself.
func findCycle(remaining []string, index map[string]int, predecessors map[string]map[string]struct{}) []string {
	if len(remaining) == 0 {
		return nil
	}
	inRemaining := make(map[string]struct{}, len(remaining))
	for _, id := range remaining {
		inRemaining[id] = struct{}{}
	}

	pos := make(map[string]int)
	var path []string
	current := remaining[0]
	for {
		if at, seen := pos[current]; seen {
			cycle := append([]string(nil), path[at:]...)
			// Predecessor walk runs backwards; flip it so edges read dependency first.
			for i, j := 0, len(cycle)-1; i < j; i, j = i+1, j-1 {
				cycle[i], cycle[j] = cycle[j], cycle[i]
			}
			return append(cycle, cycle[0])
		}
		pos[current] = len(path)
		path = append(path, current)

		var next []string
		for pred := range predecessors[current] {
			if _, ok := inRemaining[pred]; ok {
				next = append(next, pred)
			}
		}
		if len(next) == 0 {
			return path
		}
		sort.Slice(next, func(i, j int) bool { return index[next[i]] < index[next[j]] })
		current = next[0]
	}
}

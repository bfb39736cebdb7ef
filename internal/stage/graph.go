package stage

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/alexisbeaulieu97/stagehand/internal/manifest"
	stagehanderrors "github.com/alexisbeaulieu97/stagehand/pkg/errors"
)

// ErrMissingRequirement is wrapped when a Require relation cannot be satisfied.
var ErrMissingRequirement = errors.New("required stage is not available")

// ErrMissingProvision is wrapped when a declared Provide names a stage its
// owner never registered.
var ErrMissingProvision = errors.New("provided stage is not registered")

// MissingRequirement names a stage whose hard requirement is unsatisfied.
type MissingRequirement struct {
	StageID  string
	Requires string
}

func (m MissingRequirement) String() string {
	return fmt.Sprintf("stage '%s' requires '%s'", m.StageID, m.Requires)
}

// Graph holds stage relations on top of a registry. Relations come from
// AddRequirement and from stages implementing Requirer.
type Graph struct {
	mu       sync.RWMutex
	registry *Registry
	explicit map[string][]manifest.StageRequirement
}

// NewGraph creates a graph over reg.
func NewGraph(reg *Registry) *Graph {
	if reg == nil {
		reg = NewRegistry()
	}
	return &Graph{registry: reg, explicit: make(map[string][]manifest.StageRequirement)}
}

// AddRequirement attaches a relation to stageID.
func (g *Graph) AddRequirement(stageID string, req manifest.StageRequirement) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.explicit[stageID] = append(g.explicit[stageID], req)
}

// Requirements returns every relation declared for stageID.
func (g *Graph) Requirements(stageID string) []manifest.StageRequirement {
	g.mu.RLock()
	reqs := append([]manifest.StageRequirement(nil), g.explicit[stageID]...)
	g.mu.RUnlock()

	if s, err := g.registry.Get(stageID); err == nil {
		reqs = append(reqs, RequirementsOf(s)...)
	}
	return reqs
}

// Provider returns the registered stage that satisfies target: target itself
// when registered, otherwise the first registered stage (by id) declaring
// Provide(target).
func (g *Graph) Provider(target string) (string, bool) {
	if g.registry.Has(target) {
		return target, true
	}
	for _, id := range g.registry.IDs() {
		for _, req := range g.Requirements(id) {
			if req.Kind == manifest.StageProvide && req.IsSatisfiedBy(target) {
				return id, true
			}
		}
	}
	return "", false
}

func (g *Graph) stageIDs() []string {
	seen := make(map[string]struct{})
	for _, id := range g.registry.IDs() {
		seen[id] = struct{}{}
	}
	g.mu.RLock()
	for id := range g.explicit {
		seen[id] = struct{}{}
	}
	g.mu.RUnlock()

	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// MissingRequirements lists every Require relation of a registered stage that
// no registered stage satisfies.
func (g *Graph) MissingRequirements() []MissingRequirement {
	var missing []MissingRequirement
	for _, id := range g.stageIDs() {
		if !g.registry.Has(id) {
			continue
		}
		for _, req := range g.Requirements(id) {
			if req.Kind != manifest.StageRequire {
				continue
			}
			if _, ok := g.Provider(req.StageID); !ok {
				missing = append(missing, MissingRequirement{StageID: id, Requires: req.StageID})
			}
		}
	}
	return missing
}

// Validate fails with a StageError for each unsatisfied Require relation.
func (g *Graph) Validate() error {
	missing := g.MissingRequirements()
	if len(missing) == 0 {
		return nil
	}
	errs := make([]error, 0, len(missing))
	for _, m := range missing {
		errs = append(errs, stagehanderrors.NewStageError(m.StageID,
			fmt.Errorf("%w: '%s'", ErrMissingRequirement, m.Requires)))
	}
	return errors.Join(errs...)
}

// CheckDeclared verifies relations declared for owner as a whole rather than
// for one of its stages: every Require needs a provider, and every Provide
// must be a stage registered by owner. Optional relations are not checked.
func (g *Graph) CheckDeclared(owner string, reqs []manifest.StageRequirement) error {
	var errs []error
	for _, req := range reqs {
		switch req.Kind {
		case manifest.StageRequire:
			if _, ok := g.Provider(req.StageID); !ok {
				errs = append(errs, stagehanderrors.NewStageError(req.StageID,
					fmt.Errorf("%w: required by '%s'", ErrMissingRequirement, owner)))
			}
		case manifest.StageProvide:
			if registeredBy, ok := g.registry.Owner(req.StageID); !ok || registeredBy != owner {
				errs = append(errs, stagehanderrors.NewStageError(req.StageID,
					fmt.Errorf("%w: declared by '%s'", ErrMissingProvision, owner)))
			}
		}
	}
	return errors.Join(errs...)
}

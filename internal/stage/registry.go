package stage

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	stagehanderrors "github.com/alexisbeaulieu97/stagehand/pkg/errors"
)

// ErrStageNotFound is wrapped by lookups of unknown stage ids.
var ErrStageNotFound = errors.New("stage not found")

// ErrDuplicateStage is wrapped when a stage id is registered twice.
var ErrDuplicateStage = errors.New("stage already registered")

// Registry stores stages by id and remembers which owner contributed each one.
type Registry struct {
	mu     sync.RWMutex
	stages map[string]Stage
	owners map[string]string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		stages: make(map[string]Stage),
		owners: make(map[string]string),
	}
}

// Register adds an ownerless stage.
func (r *Registry) Register(s Stage) error {
	return r.RegisterForOwner("", s)
}

// RegisterForOwner adds a stage contributed by owner, typically a plugin id.
func (r *Registry) RegisterForOwner(owner string, s Stage) error {
	if s == nil {
		return stagehanderrors.NewStageError("", errors.New("stage is nil"))
	}
	id := s.ID()
	if id == "" {
		return stagehanderrors.NewStageError("", errors.New("stage id is empty"))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.stages[id]; exists {
		return stagehanderrors.NewStageError(id, fmt.Errorf("%w (owner %q)", ErrDuplicateStage, r.owners[id]))
	}
	r.stages[id] = s
	r.owners[id] = owner
	return nil
}

// Get returns the stage registered under id.
func (r *Registry) Get(id string) (Stage, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.stages[id]
	if !ok {
		return nil, stagehanderrors.NewStageError(id, ErrStageNotFound)
	}
	return s, nil
}

// Has reports whether id is registered.
func (r *Registry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.stages[id]
	return ok
}

// Owner returns the owner a stage was registered for.
func (r *Registry) Owner(id string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	owner, ok := r.owners[id]
	return owner, ok
}

// Remove deletes a stage. It reports whether the id was registered.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.stages[id]; !ok {
		return false
	}
	delete(r.stages, id)
	delete(r.owners, id)
	return true
}

// UnregisterOwner removes every stage contributed by owner and returns their sorted ids.
func (r *Registry) UnregisterOwner(owner string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var removed []string
	for id, o := range r.owners {
		if o == owner {
			removed = append(removed, id)
		}
	}
	for _, id := range removed {
		delete(r.stages, id)
		delete(r.owners, id)
	}
	sort.Strings(removed)
	return removed
}

// OwnedBy returns the sorted ids contributed by owner.
func (r *Registry) OwnedBy(owner string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var ids []string
	for id, o := range r.owners {
		if o == owner {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// IDs returns every registered id, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.stages))
	for id := range r.stages {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Count returns the number of registered stages.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.stages)
}

// Clear removes every stage.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stages = make(map[string]Stage)
	r.owners = make(map[string]string)
}

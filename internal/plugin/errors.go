package plugin

import (
	"fmt"
	"sort"
	"strings"
)

// ErrPluginNotFound is returned when the requested plugin is not registered.
type ErrPluginNotFound struct {
	ID string
}

func (e ErrPluginNotFound) Error() string {
	return fmt.Sprintf("plugin '%s' not found in registry\nHint: ensure the plugin is registered before usage", e.ID)
}

// ErrDuplicatePlugin is returned when a plugin id is registered twice.
type ErrDuplicatePlugin struct {
	ID string
}

func (e ErrDuplicatePlugin) Error() string {
	return fmt.Sprintf("plugin '%s' already registered\nHint: plugin ids must be unique across all plugin directories", e.ID)
}

// ErrCircularDependency is returned when a dependency cycle is detected.
type ErrCircularDependency struct {
	Cycle []string
}

func (e ErrCircularDependency) Error() string {
	if len(e.Cycle) == 0 {
		return "circular dependency detected\nHint: review plugin dependencies to remove cycles"
	}

	sequence := append(append([]string{}, e.Cycle...), e.Cycle[0])
	return fmt.Sprintf(
		"circular dependency detected: %s\nHint: break the cycle by removing or refactoring one of the dependencies",
		strings.Join(sequence, " -> "),
	)
}

// ErrVersionConflict captures version mismatches between dependents and a plugin.
type ErrVersionConflict struct {
	Plugin        string
	RequiredBy    map[string]string // dependent -> version range
	ActualVersion string
}

func (e ErrVersionConflict) Error() string {
	conflicts := make([]string, 0, len(e.RequiredBy))
	for dependent, constraint := range e.RequiredBy {
		conflicts = append(conflicts, fmt.Sprintf("%s requires %s", dependent, constraint))
	}
	sort.Strings(conflicts)

	return fmt.Sprintf(
		"version conflict for plugin '%s' (actual %s):\n  %s\nHint: align plugin versions or relax constraints",
		e.Plugin,
		e.ActualVersion,
		strings.Join(conflicts, "\n  "),
	)
}

// ErrMissingDependency is returned when a required dependency is not registered or enabled.
type ErrMissingDependency struct {
	Plugin     string
	Dependency string
}

func (e ErrMissingDependency) Error() string {
	return fmt.Sprintf(
		"plugin '%s' declares dependency '%s' which is not available\nHint: install and enable the dependency, or mark it optional",
		e.Plugin,
		e.Dependency,
	)
}

// ErrExcludedDependency is returned when a required dependency was itself excluded.
type ErrExcludedDependency struct {
	Plugin     string
	Dependency string
}

func (e ErrExcludedDependency) Error() string {
	return fmt.Sprintf(
		"plugin '%s' requires '%s' which was excluded\nHint: fix the errors reported for '%s' first",
		e.Plugin,
		e.Dependency,
		e.Dependency,
	)
}

// ErrDependencyViolation is returned when disabling a plugin would break enabled dependents.
type ErrDependencyViolation struct {
	Plugin     string
	Dependents []string
}

func (e ErrDependencyViolation) Error() string {
	return fmt.Sprintf(
		"cannot disable plugin '%s': required by %s\nHint: disable the dependents first",
		e.Plugin,
		strings.Join(e.Dependents, ", "),
	)
}

// ErrAPIIncompatible is returned when a plugin does not support the host API version.
type ErrAPIIncompatible struct {
	Plugin    string
	Supported []string
	Host      string
}

func (e ErrAPIIncompatible) Error() string {
	return fmt.Sprintf(
		"plugin '%s' supports API %s but host provides %s\nHint: rebuild the plugin against a compatible API version",
		e.Plugin,
		strings.Join(e.Supported, " || "),
		e.Host,
	)
}

// ConflictError aborts activation when critical conflicts are present.
type ConflictError struct {
	Conflicts []PluginConflict
}

func (e ConflictError) Error() string {
	lines := make([]string, 0, len(e.Conflicts))
	for _, c := range e.Conflicts {
		lines = append(lines, c.String())
	}
	return fmt.Sprintf(
		"%d critical plugin conflict(s):\n  %s\nHint: disable one plugin of each conflicting pair",
		len(e.Conflicts),
		strings.Join(lines, "\n  "),
	)
}

// LoadFailure is one failed file in a batch load.
type LoadFailure struct {
	Path string
	Err  error
}

// BatchLoadError lists every file that failed to load from a directory.
type BatchLoadError struct {
	Dir      string
	Loaded   int
	Failures []LoadFailure
}

func (e BatchLoadError) Error() string {
	lines := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		lines = append(lines, fmt.Sprintf("%s: %v", f.Path, f.Err))
	}
	return fmt.Sprintf("failed to load %d plugin(s) from %s (%d loaded):\n  %s",
		len(e.Failures), e.Dir, e.Loaded, strings.Join(lines, "\n  "))
}

// Unwrap exposes every failure cause to errors.Is and errors.As.
func (e BatchLoadError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		errs = append(errs, f.Err)
	}
	return errs
}

package plugin

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/alexisbeaulieu97/stagehand/internal/logger"
	"github.com/alexisbeaulieu97/stagehand/internal/manifest"
	"github.com/alexisbeaulieu97/stagehand/internal/stage"
	"github.com/alexisbeaulieu97/stagehand/internal/version"
	stagehanderrors "github.com/alexisbeaulieu97/stagehand/pkg/errors"
)

// Activation reports the outcome of Registry.Activate.
type Activation struct {
	// Order is the resolved initialization order of the batch.
	Order []string
	// Initialized lists the plugins whose Init succeeded, in order.
	Initialized []string
	// Excluded maps each plugin left inactive to the reason.
	Excluded map[string]error
	// Warnings holds the non-critical conflicts.
	Warnings []PluginConflict
}

// Registry manages plugin registration, activation and shutdown.
type Registry struct {
	mu          sync.RWMutex
	plugins     map[string]Plugin
	manifests   map[string]manifest.Manifest
	enabled     map[string]bool
	quarantined map[string]error
	initialized map[string]bool
	closed      map[string]bool
	order       []string
	conflicts   []PluginConflict
	stages      *stage.Registry

	loader     Loader
	config     *RegistryConfig
	logger     *logger.Logger
	apiVersion version.APIVersion
}

// NewRegistry returns a new registry. loader may be nil when plugins are only
// registered in-process.
func NewRegistry(config *RegistryConfig, loader Loader, log *logger.Logger) *Registry {
	if config == nil {
		config = DefaultConfig()
	}
	return &Registry{
		plugins:     make(map[string]Plugin),
		manifests:   make(map[string]manifest.Manifest),
		enabled:     make(map[string]bool),
		quarantined: make(map[string]error),
		initialized: make(map[string]bool),
		closed:      make(map[string]bool),
		loader:      loader,
		config:      config,
		logger:      log,
		apiVersion:  version.CurrentAPIVersion,
	}
}

// Register validates the plugin's manifest and adds it. New plugins start
// enabled unless the configuration disables them.
func (r *Registry) Register(p Plugin) error {
	if p == nil {
		return fmt.Errorf("plugin is nil")
	}

	var m manifest.Manifest
	if err := guard(func() error { m = p.Manifest(); return nil }); err != nil {
		return stagehanderrors.NewLoadError("", "", err)
	}
	if err := m.Validate(); err != nil {
		return err
	}
	if !r.apiVersion.Satisfies(m.APIVersions) {
		supported := make([]string, 0, len(m.APIVersions))
		for _, rng := range m.APIVersions {
			supported = append(supported, rng.String())
		}
		return &ErrAPIIncompatible{Plugin: m.ID, Supported: supported, Host: r.apiVersion.String()}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.plugins[m.ID]; exists {
		return ErrDuplicatePlugin{ID: m.ID}
	}

	r.plugins[m.ID] = p
	r.manifests[m.ID] = m.Clone()
	r.enabled[m.ID] = !r.config.isDisabled(m.ID)
	return nil
}

// Unregister removes a plugin that is not initialized and closes it.
func (r *Registry) Unregister(id string) error {
	r.mu.Lock()
	p, exists := r.plugins[id]
	if !exists {
		r.mu.Unlock()
		return ErrPluginNotFound{ID: id}
	}
	if r.initialized[id] {
		r.mu.Unlock()
		return fmt.Errorf("plugin '%s' is initialized\nHint: shut the registry down before unregistering", id)
	}
	delete(r.plugins, id)
	delete(r.manifests, id)
	delete(r.enabled, id)
	delete(r.quarantined, id)
	alreadyClosed := r.closed[id]
	delete(r.closed, id)
	r.mu.Unlock()

	if alreadyClosed {
		return nil
	}
	return guard(p.Close)
}

// LoadPlugin loads and registers a single plugin file. It returns the plugin id.
func (r *Registry) LoadPlugin(ctx context.Context, path string) (string, error) {
	if r.loader == nil {
		return "", stagehanderrors.NewLoadError(path, "", errors.New("no plugin loader configured"))
	}
	p, err := r.loader.Load(ctx, path)
	if err != nil {
		return "", err
	}
	if err := r.Register(p); err != nil {
		if closeErr := guard(p.Close); closeErr != nil {
			r.logger.Warn(fmt.Sprintf("closing rejected plugin %s: %v", path, closeErr))
		}
		return "", stagehanderrors.NewLoadError(path, "", err)
	}
	return p.Manifest().ID, nil
}

// LoadPluginsFromDirectory loads every plugin file in dir. Per-file failures
// do not stop the batch; they are returned together as *BatchLoadError.
func (r *Registry) LoadPluginsFromDirectory(ctx context.Context, dir string) (int, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return 0, stagehanderrors.NewLoadError(dir, "", err)
	}
	if !info.IsDir() {
		return 0, stagehanderrors.NewLoadError(dir, "", errors.New("not a directory"))
	}
	if r.loader == nil {
		return 0, stagehanderrors.NewLoadError(dir, "", errors.New("no plugin loader configured"))
	}

	paths, err := r.loader.Discover(dir)
	if err != nil {
		return 0, stagehanderrors.NewLoadError(dir, "", err)
	}

	loaded := 0
	var failures []LoadFailure
	for _, path := range paths {
		if ctx != nil && ctx.Err() != nil {
			failures = append(failures, LoadFailure{Path: path, Err: ctx.Err()})
			continue
		}
		id, err := r.LoadPlugin(ctx, path)
		if err != nil {
			r.logger.Error(err, fmt.Sprintf("failed to load plugin %s", path))
			failures = append(failures, LoadFailure{Path: path, Err: err})
			continue
		}
		r.logger.WithFields(map[string]any{"plugin": id, "path": path}).Debug("plugin loaded")
		loaded++
	}

	if len(failures) > 0 {
		return loaded, &BatchLoadError{Dir: dir, Loaded: loaded, Failures: failures}
	}
	return loaded, nil
}

// Plan runs dependency resolution and conflict detection over the enabled
// plugins without touching any of them. Conflicts are detected over every
// enabled plugin, including those resolution excludes. A dependency-version
// conflict whose dependent resolution already excluded is marked resolved by
// disabling that dependent.
func (r *Registry) Plan() (*Resolution, *ConflictSet, error) {
	r.mu.RLock()
	manifests := r.enabledManifestsLocked()
	r.mu.RUnlock()

	res, err := Resolve(manifests, r.logger)
	if err != nil {
		return nil, nil, err
	}

	conflicts := DetectConflicts(manifests)
	for i, conflict := range conflicts.All() {
		dependent := conflict.Dependent()
		if dependent == "" || !res.IsExcluded(dependent) {
			continue
		}
		strategy := ResolutionStrategy{Kind: StrategyDisableSecond}
		if dependent == conflict.First {
			strategy.Kind = StrategyDisableFirst
		}
		if err := conflicts.Resolve(i, strategy); err != nil {
			return nil, nil, err
		}
	}
	return res, conflicts, nil
}

// Activate resolves, conflict-checks, registers stages for and initializes
// every enabled plugin that is not yet initialized.
//
// A plugin whose stage requirements cannot be met, or whose Init fails, is
// disabled. Every plugin that transitively requires it is rolled back: shut
// down if already initialized, its stages unregistered and itself disabled.
// Plugins that only optionally depend on it keep running.
func (r *Registry) Activate(ctx context.Context, stages *stage.Registry, host Host) (*Activation, error) {
	if stages == nil {
		stages = stage.NewRegistry()
	}

	res, conflicts, err := r.Plan()
	if err != nil {
		return nil, err
	}

	if len(res.Excluded) > 0 && r.config.DependencyPolicy == PolicyStrict {
		errs := make([]error, 0, len(res.Excluded))
		for _, id := range res.ExcludedIDs() {
			errs = append(errs, res.Excluded[id])
		}
		return nil, errors.Join(errs...)
	}

	if blocking := conflicts.Blocking(); len(blocking) > 0 {
		r.mu.Lock()
		r.conflicts = conflicts.All()
		r.mu.Unlock()
		return nil, &ConflictError{Conflicts: blocking}
	}

	activation := &Activation{
		Order:    res.Order,
		Excluded: make(map[string]error, len(res.Excluded)),
		Warnings: conflicts.NonCritical(),
	}
	for id, reason := range res.Excluded {
		activation.Excluded[id] = reason
		r.logger.Warn(reason.Error())
	}
	for _, warning := range activation.Warnings {
		r.logger.Warn(warning.String())
	}

	r.mu.Lock()
	r.stages = stages
	r.conflicts = conflicts.All()
	for id, reason := range r.quarantined {
		activation.Excluded[id] = reason
	}
	pending := make([]string, 0, len(res.Order))
	handles := make(map[string]Plugin, len(res.Order))
	for _, id := range res.Order {
		if r.initialized[id] {
			continue
		}
		pending = append(pending, id)
		handles[id] = r.plugins[id]
	}
	r.mu.Unlock()

	failed := make(map[string]bool)
	fail := func(id string, err error) {
		failed[id] = true
		activation.Excluded[id] = err
		r.logger.Error(err, fmt.Sprintf("plugin '%s' failed to activate", id))
		r.rollback(ctx, id, res.Graph, activation, failed)
	}

	for _, id := range pending {
		if failed[id] {
			continue
		}
		if err := r.registerStages(id, handles[id], stages); err != nil {
			fail(id, err)
		}
	}
	r.checkStageRequirements(pending, stages, failed, fail)

	for _, id := range pending {
		if failed[id] {
			continue
		}
		err := guard(func() error { return handles[id].Init(ctx, host) })
		if err != nil {
			fail(id, stagehanderrors.NewInitializationError(id, "init", err))
			continue
		}

		r.mu.Lock()
		r.initialized[id] = true
		r.order = append(r.order, id)
		r.mu.Unlock()
		activation.Initialized = append(activation.Initialized, id)
		r.logger.WithFields(map[string]any{"plugin": id}).Info("plugin initialized")
	}

	return activation, nil
}

func (r *Registry) registerStages(id string, p Plugin, stages *stage.Registry) error {
	var provided []stage.Stage
	if err := guard(func() error {
		var err error
		provided, err = p.Stages()
		return err
	}); err != nil {
		return stagehanderrors.NewInitializationError(id, "register_stages", err)
	}
	for _, s := range provided {
		if err := stages.RegisterForOwner(id, s); err != nil {
			stages.UnregisterOwner(id)
			return stagehanderrors.NewInitializationError(id, "register_stages", err)
		}
	}
	return nil
}

// checkStageRequirements fails every pending plugin whose manifest declares a
// stage relation the registered stages do not meet. A failure unregisters
// stages, so the check repeats until no further plugin fails.
func (r *Registry) checkStageRequirements(pending []string, stages *stage.Registry, failed map[string]bool, fail func(string, error)) {
	for changed := true; changed; {
		changed = false
		graph := stage.NewGraph(stages)
		for _, id := range pending {
			if failed[id] {
				continue
			}
			r.mu.RLock()
			reqs := r.manifests[id].RequiredStages
			r.mu.RUnlock()
			if err := graph.CheckDeclared(id, reqs); err != nil {
				fail(id, stagehanderrors.NewInitializationError(id, "stage_requirements", err))
				changed = true
			}
		}
	}
}

// rollback removes a failed plugin from the active set together with every
// plugin that transitively requires it.
func (r *Registry) rollback(ctx context.Context, id string, graph *DependencyGraph, activation *Activation, failed map[string]bool) {
	affected := append([]string{id}, graph.RequiredDependents(id)...)

	r.mu.Lock()
	stages := r.stages
	for _, target := range affected {
		r.enabled[target] = false
	}
	r.mu.Unlock()

	for _, target := range affected {
		if stages != nil {
			stages.UnregisterOwner(target)
		}
		if target == id {
			continue
		}
		failed[target] = true
		if _, recorded := activation.Excluded[target]; !recorded {
			activation.Excluded[target] = &ErrExcludedDependency{Plugin: target, Dependency: id}
		}

		r.mu.Lock()
		wasInitialized := r.initialized[target]
		p := r.plugins[target]
		if wasInitialized {
			delete(r.initialized, target)
			r.order = removeID(r.order, target)
		}
		r.mu.Unlock()

		if wasInitialized {
			if err := guard(func() error { return p.Shutdown(ctx) }); err != nil {
				r.logger.Error(err, fmt.Sprintf("rollback shutdown of '%s' failed", target))
			}
			activation.Initialized = removeID(activation.Initialized, target)
		}
		r.logger.Warn(fmt.Sprintf("plugin '%s' rolled back because '%s' failed", target, id))
	}
}

// PreflightAll runs PreflightCheck on every enabled plugin and returns the failures.
func (r *Registry) PreflightAll(ctx context.Context) map[string]error {
	r.mu.RLock()
	ids := r.enabledIDsLocked()
	handles := make([]Plugin, len(ids))
	for i, id := range ids {
		handles[i] = r.plugins[id]
	}
	r.mu.RUnlock()

	failures := make(map[string]error)
	for i, id := range ids {
		p := handles[i]
		if err := guard(func() error { return p.PreflightCheck(ctx) }); err != nil {
			failures[id] = stagehanderrors.NewInitializationError(id, "preflight", err)
			r.logger.Error(err, fmt.Sprintf("pre-flight check failed for plugin '%s'", id))
		}
	}
	return failures
}

// Quarantine disables a plugin regardless of its dependents and records why.
// Dependents are then excluded by the next resolution.
func (r *Registry) Quarantine(id string, reason error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.plugins[id]; !exists {
		return ErrPluginNotFound{ID: id}
	}
	r.enabled[id] = false
	r.quarantined[id] = reason
	return nil
}

// ShutdownAll shuts plugins down in reverse initialization order, then closes
// every registered plugin. Failures are logged and joined; shutdown continues.
func (r *Registry) ShutdownAll(ctx context.Context) error {
	r.mu.Lock()
	order := append([]string(nil), r.order...)
	stages := r.stages
	handles := make(map[string]Plugin, len(r.plugins))
	for id, p := range r.plugins {
		handles[id] = p
	}
	r.mu.Unlock()

	var errs []error
	for i := len(order) - 1; i >= 0; i-- {
		id := order[i]
		p := handles[id]
		if err := guard(func() error { return p.Shutdown(ctx) }); err != nil {
			wrapped := stagehanderrors.NewInitializationError(id, "shutdown", err)
			r.logger.Error(wrapped, fmt.Sprintf("plugin '%s' failed to shut down", id))
			errs = append(errs, wrapped)
		}
		if stages != nil {
			stages.UnregisterOwner(id)
		}
		r.mu.Lock()
		delete(r.initialized, id)
		r.order = removeID(r.order, id)
		r.mu.Unlock()
	}

	ids := make([]string, 0, len(handles))
	for id := range handles {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		r.mu.Lock()
		alreadyClosed := r.closed[id]
		r.closed[id] = true
		r.mu.Unlock()
		if alreadyClosed {
			continue
		}
		if err := guard(handles[id].Close); err != nil {
			wrapped := stagehanderrors.NewInitializationError(id, "close", err)
			r.logger.Error(wrapped, fmt.Sprintf("plugin '%s' failed to close", id))
			errs = append(errs, wrapped)
		}
	}

	return errors.Join(errs...)
}

// Enable marks a plugin as part of the active set.
func (r *Registry) Enable(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.plugins[id]; !exists {
		return ErrPluginNotFound{ID: id}
	}
	r.enabled[id] = true
	delete(r.quarantined, id)
	return nil
}

// Disable removes a plugin from the active set. It fails, leaving the state
// unchanged, when an enabled plugin requires it.
func (r *Registry) Disable(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.plugins[id]; !exists {
		return ErrPluginNotFound{ID: id}
	}

	var dependents []string
	for other, m := range r.manifests {
		if other != id && r.enabled[other] && m.Requires(id) {
			dependents = append(dependents, other)
		}
	}
	if len(dependents) > 0 {
		sort.Strings(dependents)
		return &ErrDependencyViolation{Plugin: id, Dependents: dependents}
	}

	r.enabled[id] = false
	return nil
}

// Get retrieves a plugin by id.
func (r *Registry) Get(id string) (Plugin, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, exists := r.plugins[id]
	if !exists {
		return nil, ErrPluginNotFound{ID: id}
	}
	return p, nil
}

// Manifest returns a copy of the stored manifest.
func (r *Registry) Manifest(id string) (manifest.Manifest, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.manifests[id]
	if !ok {
		return manifest.Manifest{}, false
	}
	return m.Clone(), true
}

// List returns the enabled plugin ids in sorted order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.enabledIDsLocked()
}

// All returns every registered plugin id in sorted order.
func (r *Registry) All() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.plugins))
	for id := range r.plugins {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// IsEnabled reports whether id is in the active set.
func (r *Registry) IsEnabled(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.enabled[id]
}

// IsInitialized reports whether id completed Init and has not been shut down.
func (r *Registry) IsInitialized(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.initialized[id]
}

// Order returns the initialization order of currently initialized plugins.
func (r *Registry) Order() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Conflicts returns the conflicts found by the last activation.
func (r *Registry) Conflicts() []PluginConflict {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]PluginConflict(nil), r.conflicts...)
}

func (r *Registry) enabledIDsLocked() []string {
	ids := make([]string, 0, len(r.plugins))
	for id := range r.plugins {
		if r.enabled[id] {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

func (r *Registry) enabledManifestsLocked() []manifest.Manifest {
	ids := r.enabledIDsLocked()
	manifests := make([]manifest.Manifest, 0, len(ids))
	for _, id := range ids {
		manifests = append(manifests, r.manifests[id].Clone())
	}
	return manifests
}

func removeID(ids []string, target string) []string {
	out := ids[:0:0]
	for _, id := range ids {
		if id != target {
			out = append(out, id)
		}
	}
	return out
}

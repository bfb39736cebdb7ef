// Package runtime wires the stagehand subsystems together and drives the
// plugin lifecycle through the core stages.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/alexisbeaulieu97/stagehand/internal/config"
	"github.com/alexisbeaulieu97/stagehand/internal/dryrun"
	"github.com/alexisbeaulieu97/stagehand/internal/engine"
	"github.com/alexisbeaulieu97/stagehand/internal/events"
	"github.com/alexisbeaulieu97/stagehand/internal/loader"
	"github.com/alexisbeaulieu97/stagehand/internal/logger"
	"github.com/alexisbeaulieu97/stagehand/internal/plugin"
	"github.com/alexisbeaulieu97/stagehand/internal/stage"
	"github.com/alexisbeaulieu97/stagehand/internal/storage"
	stagehanderrors "github.com/alexisbeaulieu97/stagehand/pkg/errors"
)

// Runtime owns every subsystem of one stagehand process.
type Runtime struct {
	cfg      *config.Config
	log      *logger.Logger
	storage  storage.Provider
	events   *events.Dispatcher
	loader   plugin.Loader
	plugins  *plugin.Registry
	stages   *stage.Registry
	executor *engine.Executor
	shutdown *atomic.Bool

	mu            sync.Mutex
	booted        bool
	stopped       bool
	loadErr       error
	activation    *plugin.Activation
	activationErr error
	shutdownErr   error

	builtins    []plugin.Plugin
	extraStages []stage.Stage
}

// Option customises New.
type Option func(*Runtime)

// WithLogger replaces the logger built from the configuration.
func WithLogger(l *logger.Logger) Option {
	return func(r *Runtime) { r.log = l }
}

// WithStorage replaces the local storage provider.
func WithStorage(p storage.Provider) Option {
	return func(r *Runtime) { r.storage = p }
}

// WithEvents supplies the event dispatcher. The default one also logs every
// event at debug level.
func WithEvents(d *events.Dispatcher) Option {
	return func(r *Runtime) { r.events = d }
}

// WithLoader replaces the shared-library loader.
func WithLoader(l plugin.Loader) Option {
	return func(r *Runtime) { r.loader = l }
}

// WithPlugins registers in-process plugins alongside the ones loaded from disk.
func WithPlugins(plugins ...plugin.Plugin) Option {
	return func(r *Runtime) { r.builtins = append(r.builtins, plugins...) }
}

// WithStages registers ownerless stages.
func WithStages(stages ...stage.Stage) Option {
	return func(r *Runtime) { r.extraStages = append(r.extraStages, stages...) }
}

// New builds a runtime from cfg. A nil cfg selects config.Default().
func New(cfg *config.Config, opts ...Option) (*Runtime, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	r := &Runtime{cfg: cfg, shutdown: &atomic.Bool{}}
	for _, opt := range opts {
		opt(r)
	}

	if r.log == nil {
		log, err := logger.New(logger.Options{Level: cfg.LogLevel, HumanReadable: cfg.HumanReadable, Writer: os.Stderr})
		if err != nil {
			return nil, stagehanderrors.NewValidationError("log_level", err.Error(), err)
		}
		r.log = log
	}
	if r.storage == nil {
		r.storage = storage.NewLocalProvider(cfg.StorageRoot)
	}
	if r.events == nil {
		eventLog := r.log.With("component", "events")
		r.events = events.NewDispatcher(eventLog)
		r.events.RegisterHandler(events.Wildcard, events.LoggingHandler(eventLog))
	}
	if r.loader == nil {
		r.loader = loader.New(nil, r.log.With("component", "loader"))
	}

	policy, ok := plugin.ParseDependencyPolicy(cfg.DependencyPolicy)
	if !ok {
		policy = plugin.DefaultConfig().DependencyPolicy
	}
	r.plugins = plugin.NewRegistry(&plugin.RegistryConfig{
		DependencyPolicy: policy,
		DisabledPlugins:  append([]string(nil), cfg.DisabledPlugins...),
	}, r.loader, r.log.With("component", "plugins"))

	r.stages = stage.NewRegistry()
	r.executor = engine.NewExecutor(r.stages, r.log.With("component", "engine"))

	for _, s := range coreStages(r) {
		if err := r.stages.RegisterForOwner(CoreOwner, s); err != nil {
			return nil, err
		}
	}
	for _, s := range r.extraStages {
		if err := r.stages.Register(s); err != nil {
			return nil, err
		}
	}
	for _, p := range r.builtins {
		if err := r.plugins.Register(p); err != nil {
			return nil, err
		}
	}

	return r, nil
}

func (r *Runtime) Config() *config.Config     { return r.cfg }
func (r *Runtime) Logger() *logger.Logger     { return r.log }
func (r *Runtime) Storage() storage.Provider  { return r.storage }
func (r *Runtime) Events() *events.Dispatcher { return r.events }
func (r *Runtime) Plugins() *plugin.Registry  { return r.plugins }
func (r *Runtime) Stages() *stage.Registry    { return r.stages }
func (r *Runtime) Executor() *engine.Executor { return r.executor }
func (r *Runtime) ShutdownRequested() bool    { return r.shutdown.Load() }
func (r *Runtime) RequestShutdown()           { r.shutdown.Store(true) }

func (r *Runtime) host(p storage.Provider) plugin.Host {
	return plugin.NewHost(p, r.events, r.log, r.cfg.Settings)
}

// Activation returns the outcome of the last plugin activation, or nil.
func (r *Runtime) Activation() *plugin.Activation {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.activation
}

// LoadErrors returns the failures collected while loading plugin directories.
func (r *Runtime) LoadErrors() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loadErr
}

// LoadPlugins loads every configured plugin directory. Directories that do not
// exist are skipped. Per-file failures are collected and returned together
// with the number of plugins loaded.
func (r *Runtime) LoadPlugins(ctx context.Context) (int, error) {
	var total int
	var errs []error
	for _, dir := range r.cfg.PluginDirs {
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			r.log.WithFields(map[string]any{"dir": dir}).Debug("plugin directory not found, skipping")
			continue
		}
		loaded, err := r.plugins.LoadPluginsFromDirectory(ctx, dir)
		total += loaded
		if err != nil {
			errs = append(errs, err)
		}
	}

	err := errors.Join(errs...)
	r.mu.Lock()
	r.loadErr = err
	r.mu.Unlock()

	r.log.WithFields(map[string]any{"loaded": total, "dirs": len(r.cfg.PluginDirs)}).Info("plugin directories scanned")
	return total, err
}

func (r *Runtime) newContext(mode stage.Mode) *stage.Context {
	return stage.NewContext(mode,
		stage.WithStorage(r.storage),
		stage.WithEvents(r.events),
		stage.WithLogger(r.log),
		stage.WithShutdownFlag(r.shutdown),
	)
}

// Boot loads plugins and runs the lifecycle pipeline: pre-flight checks,
// initialization and post-initialization. Plugin load failures are logged and
// kept in LoadErrors; they do not stop the boot. In dry-run mode plugins are
// still activated, but their writes through the host storage are only recorded.
func (r *Runtime) Boot(ctx context.Context, mode stage.Mode) (*engine.RunReport, *dryrun.Context, error) {
	r.mu.Lock()
	if r.booted {
		r.mu.Unlock()
		return nil, nil, errors.New("runtime already booted")
	}
	r.booted = true
	r.mu.Unlock()

	if _, err := r.LoadPlugins(ctx); err != nil {
		r.log.Error(err, "some plugins failed to load")
	}

	pipeline, err := stage.BuildPipeline("boot", "Plugin lifecycle", r.stages, nil, LifecycleStages())
	if err != nil {
		return nil, nil, err
	}

	sctx := r.newContext(mode)
	report, err := r.executor.Run(ctx, pipeline, sctx)
	if err != nil {
		return nil, nil, err
	}

	r.mu.Lock()
	activationErr := r.activationErr
	r.mu.Unlock()
	if activationErr != nil {
		return report, sctx.Operations(), activationErr
	}
	if failed := report.Failed(); len(failed) > 0 {
		return report, sctx.Operations(), stagehanderrors.NewStageError(failed[0].StageID, errors.New(failed[0].Reason))
	}
	return report, sctx.Operations(), nil
}

// RunPipeline builds a pipeline from ids and runs it in mode. Stage failures
// are reported through the RunReport; the error covers pipeline construction.
func (r *Runtime) RunPipeline(ctx context.Context, ids []string, mode stage.Mode) (*engine.RunReport, *dryrun.Context, error) {
	pipeline, err := r.BuildPipeline("run", ids)
	if err != nil {
		return nil, nil, err
	}
	return r.Execute(ctx, pipeline, mode)
}

// RunNamed runs a pipeline defined in the configuration.
func (r *Runtime) RunNamed(ctx context.Context, name string, mode stage.Mode) (*engine.RunReport, *dryrun.Context, error) {
	pipeline, err := r.NamedPipeline(name)
	if err != nil {
		return nil, nil, err
	}
	return r.Execute(ctx, pipeline, mode)
}

// BuildPipeline resolves ids into an ordered pipeline against the registered stages.
func (r *Runtime) BuildPipeline(name string, ids []string) (*stage.Pipeline, error) {
	return r.build(name, "", ids)
}

// NamedPipeline builds the pipeline called name in the configuration.
func (r *Runtime) NamedPipeline(name string) (*stage.Pipeline, error) {
	def, ok := r.cfg.Pipeline(name)
	if !ok {
		return nil, stagehanderrors.NewValidationError("pipeline", fmt.Sprintf("no pipeline named %q in configuration", name), nil)
	}
	return r.build(def.Name, def.Description, def.Stages)
}

func (r *Runtime) build(name, description string, ids []string) (*stage.Pipeline, error) {
	if len(ids) == 0 {
		return nil, stagehanderrors.NewValidationError("stages", "no stages requested", nil)
	}
	return stage.BuildPipeline(name, description, r.stages, nil, ids)
}

// Execute runs an already built pipeline in mode with a fresh stage context.
func (r *Runtime) Execute(ctx context.Context, pipeline *stage.Pipeline, mode stage.Mode) (*engine.RunReport, *dryrun.Context, error) {
	sctx := r.newContext(mode)
	report, err := r.executor.Run(ctx, pipeline, sctx)
	if err != nil {
		return nil, nil, err
	}
	return report, sctx.Operations(), nil
}

// Shutdown runs the shutdown stage in live mode. Later calls return the
// first call's result.
func (r *Runtime) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	if r.stopped {
		err := r.shutdownErr
		r.mu.Unlock()
		return err
	}
	r.stopped = true
	r.mu.Unlock()

	pipeline := stage.NewPipeline("shutdown", "Plugin shutdown", []string{StageShutdown})
	// A shutdown request must not skip the shutdown stage itself.
	sctx := stage.NewContext(stage.ModeLive,
		stage.WithStorage(r.storage),
		stage.WithEvents(r.events),
		stage.WithLogger(r.log),
	)
	report, err := r.executor.Run(context.WithoutCancel(ctx), pipeline, sctx)

	r.mu.Lock()
	defer r.mu.Unlock()
	switch {
	case err != nil:
		r.shutdownErr = err
	case r.shutdownErr == nil && len(report.Failed()) > 0:
		failed := report.Failed()[0]
		r.shutdownErr = stagehanderrors.NewStageError(failed.StageID, errors.New(failed.Reason))
	}
	return r.shutdownErr
}

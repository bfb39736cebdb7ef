package runtime

import (
	"context"
	"fmt"
	"sort"

	"github.com/alexisbeaulieu97/stagehand/internal/dryrun"
	"github.com/alexisbeaulieu97/stagehand/internal/events"
	"github.com/alexisbeaulieu97/stagehand/internal/manifest"
	"github.com/alexisbeaulieu97/stagehand/internal/stage"
)

// CoreOwner owns the lifecycle stages in the stage registry.
const CoreOwner = "core"

// Lifecycle stage ids.
const (
	StagePreflight          = "core:plugin_preflight_check"
	StageInitialization     = "core:plugin_initialization"
	StagePostInitialization = "core:plugin_post_initialization"
	StageShutdown           = "core:plugin_shutdown"
)

// Context keys written by the lifecycle stages.
const (
	KeyPreflightFailures = "core:preflight_failures"
	KeyActivation        = "core:activation"
)

// LifecycleStages returns the stages Boot runs, in order.
func LifecycleStages() []string {
	return []string{StagePreflight, StageInitialization, StagePostInitialization}
}

func coreStages(r *Runtime) []stage.Stage {
	return []stage.Stage{
		&preflightStage{
			Base: stage.Base{
				StageID:   StagePreflight,
				StageName: "Plugin Pre-flight Checks",
				Desc:      "Executes pre-initialization checks for all loaded plugins.",
			},
			rt: r,
		},
		&initializationStage{
			Base: stage.Base{
				StageID:   StageInitialization,
				StageName: "Plugin Initialization",
				Desc:      "Initializes all plugins that passed previous checks.",
				Reqs:      []manifest.StageRequirement{manifest.OptionalStage(StagePreflight)},
			},
			rt: r,
		},
		&postInitializationStage{
			Base: stage.Base{
				StageID:    StagePostInitialization,
				StageName:  "Plugin Post-Initialization",
				Desc:       "Executes logic after all plugins have been initialized.",
				DryRunText: "Would run post-initialization hooks for successfully initialized plugins.",
				Reqs:       []manifest.StageRequirement{manifest.Require(StageInitialization)},
			},
			rt: r,
		},
		&shutdownStage{
			Base: stage.Base{
				StageID:   StageShutdown,
				StageName: "Plugin Shutdown",
				Desc:      "Shuts down initialized plugins in reverse order and releases them.",
			},
			rt: r,
		},
	}
}

// preflightFailures returns the ids stored by the pre-flight stage.
func preflightFailures(sctx *stage.Context) map[string]error {
	failures, _ := stage.Value[map[string]error](sctx, KeyPreflightFailures)
	return failures
}

type preflightStage struct {
	stage.Base
	rt *Runtime
}

func (s *preflightStage) DryRunDescription(*stage.Context) string {
	return fmt.Sprintf("Would execute pre-flight checks for %d loaded plugins.", len(s.rt.plugins.List()))
}

// Execute records every failing plugin under KeyPreflightFailures. Individual
// failures do not fail the stage.
func (s *preflightStage) Execute(ctx context.Context, sctx *stage.Context) error {
	failures := s.rt.plugins.PreflightAll(ctx)
	sctx.Set(KeyPreflightFailures, failures)
	sctx.Logger().WithFields(map[string]any{
		"checked": len(s.rt.plugins.List()),
		"failed":  len(failures),
	}).Info("pre-flight checks complete")
	return nil
}

type initializationStage struct {
	stage.Base
	rt *Runtime
}

func (s *initializationStage) DryRunDescription(sctx *stage.Context) string {
	failures := preflightFailures(sctx)
	skipped := 0
	for _, id := range s.rt.plugins.List() {
		if _, failed := failures[id]; failed {
			skipped++
		}
	}
	return fmt.Sprintf("Would initialize %d plugins (skipping %d due to failed pre-flight checks).",
		len(s.rt.plugins.List())-skipped, skipped)
}

// Execute disables plugins that failed pre-flight, then activates the rest.
// In dry-run mode the plugins see a storage provider that records instead of
// writing.
func (s *initializationStage) Execute(ctx context.Context, sctx *stage.Context) error {
	if sctx.IsDryRun() {
		sctx.Record(dryrun.CustomOperation{Text: s.DryRunDescription(sctx)})
	}

	failures := preflightFailures(sctx)
	ids := make([]string, 0, len(failures))
	for id := range failures {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if err := s.rt.plugins.Quarantine(id, failures[id]); err != nil {
			sctx.Logger().Error(err, fmt.Sprintf("failed to disable plugin '%s' after pre-flight failure", id))
			continue
		}
		sctx.Logger().Warn(fmt.Sprintf("plugin '%s' disabled due to pre-flight failure", id))
	}

	hostStorage := sctx.RawStorage()
	if sctx.IsDryRun() {
		hostStorage = sctx.Storage()
	}

	activation, err := s.rt.plugins.Activate(ctx, s.rt.stages, s.rt.host(hostStorage))

	s.rt.mu.Lock()
	s.rt.activation = activation
	s.rt.activationErr = err
	s.rt.mu.Unlock()

	if err != nil {
		return err
	}
	sctx.Set(KeyActivation, activation)
	return nil
}

type postInitializationStage struct {
	stage.Base
	rt *Runtime
}

// Execute announces the activated plugins on the event bus.
func (s *postInitializationStage) Execute(ctx context.Context, sctx *stage.Context) error {
	payload := map[string]any{
		"initialized": s.rt.plugins.Order(),
		"excluded":    []string{},
	}
	if activation := s.rt.Activation(); activation != nil {
		excluded := make([]string, 0, len(activation.Excluded))
		for id := range activation.Excluded {
			excluded = append(excluded, id)
		}
		sort.Strings(excluded)
		payload["excluded"] = excluded
	}

	results := s.rt.events.Dispatch(ctx, events.New(events.PluginsInitialized, CoreOwner, payload))
	for _, err := range events.Errors(results) {
		sctx.Logger().Error(err, "plugins.initialized handler failed")
	}
	return nil
}

type shutdownStage struct {
	stage.Base
	rt *Runtime
}

func (s *shutdownStage) DryRunDescription(*stage.Context) string {
	return fmt.Sprintf("Would shut down %d initialized plugins in reverse order.", len(s.rt.plugins.Order()))
}

// Execute shuts every plugin down. Dry runs only describe it.
func (s *shutdownStage) Execute(ctx context.Context, sctx *stage.Context) error {
	if sctx.IsDryRun() {
		return nil
	}

	order := s.rt.plugins.Order()
	err := s.rt.plugins.ShutdownAll(ctx)

	s.rt.mu.Lock()
	if err != nil && s.rt.shutdownErr == nil {
		s.rt.shutdownErr = err
	}
	s.rt.mu.Unlock()

	s.rt.events.Dispatch(ctx, events.New(events.PluginsShutdown, CoreOwner, map[string]any{
		"plugins": order,
	}))
	return err
}

// Package engine runs pipelines of stages in live or dry-run mode.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/alexisbeaulieu97/stagehand/internal/dryrun"
	"github.com/alexisbeaulieu97/stagehand/internal/events"
	"github.com/alexisbeaulieu97/stagehand/internal/logger"
	"github.com/alexisbeaulieu97/stagehand/internal/stage"
	stagehanderrors "github.com/alexisbeaulieu97/stagehand/pkg/errors"
)

// Skip reasons recorded on stage results.
const (
	ReasonShutdown      = "shutdown requested"
	ReasonUpstream      = "upstream failure"
	ReasonNoDryRun      = "dry-run not supported"
	ReasonStageNotFound = "stage not found"
)

const eventSource = "engine"

// State is the lifecycle of one pipeline run.
type State int

const (
	StateNotStarted State = iota
	StateRunning
	StateCompleted
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not_started"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateAborted:
		return "aborted"
	}
	return "unknown"
}

// Hook runs around every stage. The result is nil for pre-hooks.
type Hook func(ctx context.Context, stageID string, sctx *stage.Context, result *stage.Result) error

// HookError records a failed hook without interrupting the run.
type HookError struct {
	StageID string
	Phase   string
	Err     error
}

func (e HookError) Error() string {
	return fmt.Sprintf("%s-hook for stage '%s': %v", e.Phase, e.StageID, e.Err)
}

func (e HookError) Unwrap() error { return e.Err }

// Executor runs pipelines one stage at a time against a stage registry.
type Executor struct {
	stages *stage.Registry
	logger *logger.Logger

	mu        sync.RWMutex
	preHooks  []Hook
	postHooks []Hook
}

// NewExecutor builds an executor over stages.
func NewExecutor(stages *stage.Registry, log *logger.Logger) *Executor {
	if stages == nil {
		stages = stage.NewRegistry()
	}
	return &Executor{stages: stages, logger: log}
}

// Stages returns the registry the executor resolves stage ids against.
func (e *Executor) Stages() *stage.Registry { return e.stages }

// AddPreHook registers a hook that runs before every stage.
func (e *Executor) AddPreHook(h Hook) {
	if h == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.preHooks = append(e.preHooks, h)
}

// AddPostHook registers a hook that runs after every stage, whatever its outcome.
func (e *Executor) AddPostHook(h Hook) {
	if h == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.postHooks = append(e.postHooks, h)
}

func (e *Executor) hooks() (pre, post []Hook) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]Hook(nil), e.preHooks...), append([]Hook(nil), e.postHooks...)
}

// Run executes pipeline in the mode carried by sctx. Stage failures are
// reported in the returned RunReport; the error is reserved for invalid input.
func (e *Executor) Run(ctx context.Context, pipeline *stage.Pipeline, sctx *stage.Context) (*RunReport, error) {
	if pipeline == nil {
		return nil, stagehanderrors.NewExecutionError("", errors.New("pipeline is nil"))
	}
	if sctx == nil {
		return nil, stagehanderrors.NewExecutionError("", errors.New("stage context is nil"))
	}
	if ctx == nil {
		ctx = context.Background()
	}

	report := &RunReport{
		RunID:    sctx.RunID(),
		Pipeline: pipeline.Name(),
		Mode:     sctx.Mode(),
		State:    StateNotStarted,
		Results:  make([]stage.Result, 0, pipeline.Len()),
	}

	log := e.logger.WithFields(map[string]any{
		"run_id":   report.RunID,
		"pipeline": report.Pipeline,
		"mode":     report.Mode.String(),
	})

	preHooks, postHooks := e.hooks()

	report.State = StateRunning
	report.Started = time.Now()
	e.dispatch(ctx, sctx, events.PipelineStarted, map[string]any{
		"run_id":   report.RunID,
		"pipeline": report.Pipeline,
		"mode":     report.Mode.String(),
		"stages":   pipeline.StageIDs(),
	})
	log.Info("pipeline started")

	ids := pipeline.StageIDs()
	for i, id := range ids {
		if reason, stop := e.interrupted(ctx, sctx); stop {
			log.Warn(fmt.Sprintf("pipeline interrupted before stage %s", id))
			report.State = StateAborted
			report.skipRemaining(ids[i:], reason)
			break
		}

		stageCtx := sctx.ForStage(id)
		for _, hook := range preHooks {
			if err := callHook(ctx, hook, id, stageCtx, nil); err != nil {
				report.HookErrors = append(report.HookErrors, HookError{StageID: id, Phase: "pre", Err: err})
			}
		}

		result := e.runStage(ctx, id, stageCtx)
		report.Results = append(report.Results, result)

		for _, hook := range postHooks {
			res := result
			if err := callHook(ctx, hook, id, stageCtx, &res); err != nil {
				report.HookErrors = append(report.HookErrors, HookError{StageID: id, Phase: "post", Err: err})
			}
		}

		e.dispatch(ctx, sctx, events.StageCompleted, map[string]any{
			"run_id":   report.RunID,
			"stage_id": id,
			"status":   result.Status.String(),
			"reason":   result.Reason,
		})

		if result.IsFailure() {
			log.WithFields(map[string]any{"stage": id, "reason": result.Reason}).Warn("stage failed, aborting pipeline")
			report.State = StateAborted
			report.skipRemaining(ids[i+1:], ReasonUpstream)
			break
		}
	}

	if report.State == StateRunning {
		report.State = StateCompleted
	}
	report.Finished = time.Now()

	for _, hookErr := range report.HookErrors {
		log.Error(hookErr.Err, fmt.Sprintf("%s-hook failed for stage %s", hookErr.Phase, hookErr.StageID))
	}

	e.dispatch(ctx, sctx, events.PipelineFinished, map[string]any{
		"run_id":   report.RunID,
		"pipeline": report.Pipeline,
		"state":    report.State.String(),
		"duration": report.Duration().String(),
	})
	log.WithFields(map[string]any{
		"state":    report.State.String(),
		"duration": report.Duration().String(),
	}).Info("pipeline finished")

	return report, nil
}

func (e *Executor) interrupted(ctx context.Context, sctx *stage.Context) (string, bool) {
	if ctx.Err() != nil || sctx.ShutdownRequested() {
		return ReasonShutdown, true
	}
	return "", false
}

func (e *Executor) runStage(ctx context.Context, id string, sctx *stage.Context) stage.Result {
	s, err := e.stages.Get(id)
	if err != nil {
		return stage.Failure(id, ReasonStageNotFound)
	}

	if sctx.IsDryRun() && !s.SupportsDryRun() {
		sctx.Operations().Note(id, fmt.Sprintf("Stage '%s' does not support dry-run and would be skipped", s.Name()))
		return stage.Skipped(id, ReasonNoDryRun)
	}

	before := len(sctx.Operations().StageOperations(id))
	start := time.Now()
	err = execute(ctx, s, sctx)
	elapsed := time.Since(start)

	if err != nil {
		e.logger.WithFields(map[string]any{"stage": id, "run_id": sctx.RunID()}).Error(err, "stage execution failed")
		result := stage.Failure(id, err.Error())
		result.Duration = elapsed
		return result
	}

	if sctx.IsDryRun() && len(sctx.Operations().StageOperations(id)) == before {
		sctx.Record(describe(s, sctx))
	}

	result := stage.Success(id)
	result.Duration = elapsed
	return result
}

// describe turns a stage's dry-run description into a recorded operation,
// carrying its estimates when the stage provides them.
func describe(s stage.Stage, sctx *stage.Context) dryrun.Operation {
	op := dryrun.CustomOperation{Text: s.DryRunDescription(sctx)}
	if est, ok := s.(stage.Estimator); ok {
		op.DiskUsage = est.EstimatedDiskUsage(sctx)
		op.Duration = est.EstimatedDuration(sctx)
	}
	return op
}

func execute(ctx context.Context, s stage.Stage, sctx *stage.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("stage '%s' panicked: %v", s.ID(), r)
		}
	}()
	return s.Execute(ctx, sctx)
}

func callHook(ctx context.Context, hook Hook, id string, sctx *stage.Context, result *stage.Result) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("hook panicked: %v", r)
		}
	}()
	return hook(ctx, id, sctx, result)
}

func (e *Executor) dispatch(ctx context.Context, sctx *stage.Context, eventType string, payload map[string]any) {
	d := sctx.Events()
	if d == nil {
		return
	}
	d.Dispatch(ctx, events.New(eventType, eventSource, payload))
}

// Package stage defines pipeline stages, the registry that holds them and the
// builder that orders them into pipelines.
package stage

import (
	"context"
	"fmt"
	"time"

	"github.com/alexisbeaulieu97/stagehand/internal/manifest"
)

// Stage is one unit of work in a pipeline.
type Stage interface {
	ID() string
	Name() string
	Description() string
	SupportsDryRun() bool
	DryRunDescription(sctx *Context) string
	Execute(ctx context.Context, sctx *Context) error
}

// Requirer is implemented by stages that declare relations to other stages.
type Requirer interface {
	Requirements() []manifest.StageRequirement
}

// Estimator is implemented by stages that can estimate their own footprint
// when simulated.
type Estimator interface {
	EstimatedDiskUsage(sctx *Context) uint64
	EstimatedDuration(sctx *Context) time.Duration
}

// Base carries the identity of a stage and supplies default behaviour.
// Embed it and implement Execute.
type Base struct {
	StageID    string
	StageName  string
	Desc       string
	NoDryRun   bool
	DryRunText string
	Reqs       []manifest.StageRequirement
}

func (b Base) ID() string { return b.StageID }

// Name defaults to the id.
func (b Base) Name() string {
	if b.StageName == "" {
		return b.StageID
	}
	return b.StageName
}

func (b Base) Description() string { return b.Desc }

func (b Base) SupportsDryRun() bool { return !b.NoDryRun }

// DryRunDescription returns "Would execute stage: <name>" unless overridden.
func (b Base) DryRunDescription(*Context) string {
	if b.DryRunText != "" {
		return b.DryRunText
	}
	return fmt.Sprintf("Would execute stage: %s", b.Name())
}

func (b Base) Requirements() []manifest.StageRequirement {
	return append([]manifest.StageRequirement(nil), b.Reqs...)
}

// Func adapts a plain function into a Stage.
type Func struct {
	Base
	Run func(ctx context.Context, sctx *Context) error
}

// NewFunc builds a Func stage with default metadata.
func NewFunc(id string, run func(ctx context.Context, sctx *Context) error, reqs ...manifest.StageRequirement) *Func {
	return &Func{Base: Base{StageID: id, Reqs: reqs}, Run: run}
}

// Execute runs the wrapped function. A nil function is a no-op.
func (f *Func) Execute(ctx context.Context, sctx *Context) error {
	if f.Run == nil {
		return nil
	}
	return f.Run(ctx, sctx)
}

// Status is the outcome class of a stage run.
type Status int

const (
	StatusSuccess Status = iota
	StatusFailure
	StatusSkipped
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusFailure:
		return "failure"
	case StatusSkipped:
		return "skipped"
	}
	return "unknown"
}

// Result records what happened to one stage.
type Result struct {
	StageID  string
	Status   Status
	Reason   string
	Duration time.Duration
}

// Success builds a successful result.
func Success(stageID string) Result {
	return Result{StageID: stageID, Status: StatusSuccess}
}

// Failure builds a failed result.
func Failure(stageID, reason string) Result {
	return Result{StageID: stageID, Status: StatusFailure, Reason: reason}
}

// Skipped builds a skipped result.
func Skipped(stageID, reason string) Result {
	return Result{StageID: stageID, Status: StatusSkipped, Reason: reason}
}

func (r Result) IsSuccess() bool { return r.Status == StatusSuccess }
func (r Result) IsFailure() bool { return r.Status == StatusFailure }
func (r Result) IsSkipped() bool { return r.Status == StatusSkipped }

func (r Result) String() string {
	switch r.Status {
	case StatusSuccess:
		return "Success"
	case StatusFailure:
		return "Failure: " + r.Reason
	case StatusSkipped:
		return "Skipped: " + r.Reason
	}
	return "Unknown"
}

// RequirementsOf returns the relations a stage declares, or nil.
func RequirementsOf(s Stage) []manifest.StageRequirement {
	if r, ok := s.(Requirer); ok {
		return r.Requirements()
	}
	return nil
}

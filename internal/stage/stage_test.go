package stage

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/alexisbeaulieu97/stagehand/internal/dryrun"
	"github.com/alexisbeaulieu97/stagehand/internal/manifest"
	"github.com/alexisbeaulieu97/stagehand/internal/storage"
	stagehanderrors "github.com/alexisbeaulieu97/stagehand/pkg/errors"
)

func noop(context.Context, *Context) error { return nil }

func newRegistry(t *testing.T, stages ...Stage) *Registry {
	t.Helper()
	reg := NewRegistry()
	for _, s := range stages {
		require.NoError(t, reg.Register(s))
	}
	return reg
}

func TestBaseDefaults(t *testing.T) {
	t.Parallel()

	s := NewFunc("docs:render", noop)
	require.Equal(t, "docs:render", s.Name())
	require.True(t, s.SupportsDryRun())
	require.Equal(t, "Would execute stage: docs:render", s.DryRunDescription(nil))

	s.StageName = "Render docs"
	s.DryRunText = "Would render 3 pages"
	require.Equal(t, "Would render 3 pages", s.DryRunDescription(nil))
}

func TestResultString(t *testing.T) {
	t.Parallel()

	require.Equal(t, "Success", Success("a").String())
	require.Equal(t, "Failure: disk full", Failure("a", "disk full").String())
	require.Equal(t, "Skipped: upstream failure", Skipped("a", "upstream failure").String())
}

func TestRegistryRejectsDuplicatesAndTracksOwners(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	require.NoError(t, reg.RegisterForOwner("hello", NewFunc("hello:greet", noop)))
	require.NoError(t, reg.RegisterForOwner("hello", NewFunc("hello:wave", noop)))
	require.NoError(t, reg.Register(NewFunc("core:boot", noop)))

	err := reg.Register(NewFunc("hello:greet", noop))
	require.ErrorIs(t, err, ErrDuplicateStage)
	var stageErr *stagehanderrors.StageError
	require.ErrorAs(t, err, &stageErr)
	require.Equal(t, "hello:greet", stageErr.StageID)

	owner, ok := reg.Owner("hello:wave")
	require.True(t, ok)
	require.Equal(t, "hello", owner)
	require.Equal(t, []string{"hello:greet", "hello:wave"}, reg.OwnedBy("hello"))

	require.Equal(t, []string{"hello:greet", "hello:wave"}, reg.UnregisterOwner("hello"))
	require.Equal(t, []string{"core:boot"}, reg.IDs())
	require.Equal(t, 1, reg.Count())

	_, err = reg.Get("hello:greet")
	require.ErrorIs(t, err, ErrStageNotFound)

	require.True(t, reg.Remove("core:boot"))
	require.False(t, reg.Remove("core:boot"))
	require.NoError(t, reg.Register(NewFunc("x", noop)))
	reg.Clear()
	require.Zero(t, reg.Count())
}

func TestGraphCheckDeclared(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	require.NoError(t, reg.RegisterForOwner("docs", NewFunc("docs:render", noop)))
	require.NoError(t, reg.RegisterForOwner("site", NewFunc("site:build", noop, manifest.Provide("assets"))))
	graph := NewGraph(reg)

	require.NoError(t, graph.CheckDeclared("docs", []manifest.StageRequirement{
		manifest.Provide("docs:render"),
		manifest.Require("site:build"),
		manifest.Require("assets"),
		manifest.OptionalStage("lint"),
	}))

	err := graph.CheckDeclared("docs", []manifest.StageRequirement{manifest.Require("lint")})
	require.ErrorIs(t, err, ErrMissingRequirement)
	var stageErr *stagehanderrors.StageError
	require.ErrorAs(t, err, &stageErr)
	require.Equal(t, "lint", stageErr.StageID)

	require.ErrorIs(t, graph.CheckDeclared("docs", []manifest.StageRequirement{manifest.Provide("site:build")}), ErrMissingProvision)
	require.ErrorIs(t, graph.CheckDeclared("docs", []manifest.StageRequirement{manifest.Provide("docs:absent")}), ErrMissingProvision)
}

func TestGraphValidateReportsMissingRequire(t *testing.T) {
	t.Parallel()

	reg := newRegistry(t,
		NewFunc("edit", noop, manifest.Require("gather")),
		NewFunc("publish", noop, manifest.Require("assemble"), manifest.OptionalStage("lint")),
	)
	graph := NewGraph(reg)

	require.Equal(t, []MissingRequirement{
		{StageID: "edit", Requires: "gather"},
		{StageID: "publish", Requires: "assemble"},
	}, graph.MissingRequirements())
	err := graph.Validate()
	require.ErrorIs(t, err, ErrMissingRequirement)

	require.NoError(t, reg.Register(NewFunc("gather", noop)))
	graph.AddRequirement("gather", manifest.Provide("assemble"))
	require.NoError(t, graph.Validate())
}

func TestBuildPipelineExpandsRequiredPredecessors(t *testing.T) {
	t.Parallel()

	reg := newRegistry(t,
		NewFunc("gather", noop),
		NewFunc("edit", noop, manifest.Require("gather")),
		NewFunc("assemble", noop, manifest.Require("edit")),
		NewFunc("lint", noop),
	)

	p, err := BuildPipeline("build", "Build everything", reg, nil, []string{"assemble"})
	require.NoError(t, err)
	require.Equal(t, "build", p.Name())
	require.Equal(t, "Build everything", p.Description())
	require.Equal(t, []string{"gather", "edit", "assemble"}, p.StageIDs())
}

func TestBuildPipelineKeepsRequestOrderForIndependentStages(t *testing.T) {
	t.Parallel()

	reg := newRegistry(t,
		NewFunc("c", noop),
		NewFunc("a", noop),
		NewFunc("b", noop, manifest.OptionalStage("c")),
	)

	p, err := BuildPipeline("p", "", reg, nil, []string{"b", "a", "c"})
	require.NoError(t, err)
	require.Equal(t, []string{"a", "c", "b"}, p.StageIDs())

	p, err = BuildPipeline("p", "", reg, nil, []string{"b", "a"})
	require.NoError(t, err)
	require.Equal(t, []string{"b", "a"}, p.StageIDs(), "optional predecessors are not pulled in")
}

func TestBuildPipelineFailsOnUnknownAndMissingStages(t *testing.T) {
	t.Parallel()

	reg := newRegistry(t, NewFunc("edit", noop, manifest.Require("gather")))

	_, err := BuildPipeline("p", "", reg, nil, []string{"nope"})
	require.ErrorIs(t, err, ErrStageNotFound)
	var stageErr *stagehanderrors.StageError
	require.ErrorAs(t, err, &stageErr)
	require.Equal(t, "nope", stageErr.StageID)

	_, err = BuildPipeline("p", "", reg, nil, []string{"edit"})
	require.ErrorIs(t, err, ErrMissingRequirement)
	require.Contains(t, err.Error(), "gather")
}

func TestBuildPipelineUsesProviders(t *testing.T) {
	t.Parallel()

	reg := newRegistry(t,
		NewFunc("hello:greet", noop, manifest.Provide("greeting")),
		NewFunc("report", noop, manifest.Require("greeting")),
	)

	p, err := BuildPipeline("p", "", reg, nil, []string{"report"})
	require.NoError(t, err)
	require.Equal(t, []string{"hello:greet", "report"}, p.StageIDs())
}

func TestBuildPipelineNamesCycle(t *testing.T) {
	t.Parallel()

	reg := newRegistry(t,
		NewFunc("a", noop, manifest.Require("b")),
		NewFunc("b", noop, manifest.Require("a")),
		NewFunc("c", noop, manifest.Require("a")),
	)

	_, err := BuildPipeline("p", "", reg, nil, []string{"c"})
	var cycleErr *ErrStageCycle
	require.ErrorAs(t, err, &cycleErr)
	require.Len(t, cycleErr.Cycle, 3)
	require.Equal(t, cycleErr.Cycle[0], cycleErr.Cycle[2])
	require.ElementsMatch(t, []string{"a", "b"}, cycleErr.Cycle[:2])
	require.Contains(t, err.Error(), "stage dependency cycle detected")
}

func TestContextValuesAndViews(t *testing.T) {
	t.Parallel()

	flag := &atomic.Bool{}
	sctx := NewContext(ModeLive, WithShutdownFlag(flag), WithRunID("run-1"))
	require.Equal(t, "run-1", sctx.RunID())
	require.Nil(t, sctx.DryRun())

	key := Key("hello", "greeting")
	require.Equal(t, "hello:greeting", key)
	sctx.Set(key, "hi")
	sctx.Set("count", 3)

	view := sctx.ForStage("hello:greet")
	require.Equal(t, "hello:greet", view.StageID())
	greeting, ok := Value[string](view, key)
	require.True(t, ok)
	require.Equal(t, "hi", greeting)

	_, ok = Value[string](view, "count")
	require.False(t, ok)
	count, ok := Value[int](view, "count")
	require.True(t, ok)
	require.Equal(t, 3, count)

	view.Set("from_view", true)
	require.Equal(t, []string{"count", "from_view", key}, sctx.Keys())
	sctx.Delete("count")
	_, ok = sctx.Get("count")
	require.False(t, ok)

	require.False(t, view.ShutdownRequested())
	flag.Store(true)
	require.True(t, view.ShutdownRequested())
}

func TestContextStorageRecordsPerStage(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	root := t.TempDir()
	sctx := NewContext(ModeDryRun, WithStorage(storage.NewLocalProvider(root)))
	require.NotNil(t, sctx.DryRun())

	require.NoError(t, sctx.ForStage("write").Storage().WriteString(ctx, "out.txt", "data"))
	sctx.ForStage("note").Record(dryrun.CustomOperation{Text: "Would ping"})

	plan := sctx.DryRun()
	require.Equal(t, []string{"write", "note"}, plan.Stages())
	require.Equal(t, []string{"Would create file at out.txt", "Would ping"}, plan.Descriptions())

	exists, err := sctx.RawStorage().FileExists(ctx, "out.txt")
	require.NoError(t, err)
	require.False(t, exists)
}

func TestFuncExecuteNilIsNoop(t *testing.T) {
	t.Parallel()

	s := &Func{Base: Base{StageID: "empty"}}
	require.NoError(t, s.Execute(context.Background(), NewContext(ModeLive)))

	failing := NewFunc("fail", func(context.Context, *Context) error { return errors.New("nope") })
	require.EqualError(t, failing.Execute(context.Background(), NewContext(ModeLive)), "nope")
}

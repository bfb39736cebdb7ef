package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/alexisbeaulieu97/stagehand/internal/events"
	"github.com/alexisbeaulieu97/stagehand/internal/manifest"
	"github.com/alexisbeaulieu97/stagehand/internal/stage"
	"github.com/alexisbeaulieu97/stagehand/internal/storage"
)

func writer(id, path, content string, reqs ...manifest.StageRequirement) *stage.Func {
	return stage.NewFunc(id, func(ctx context.Context, sctx *stage.Context) error {
		return sctx.Storage().WriteString(ctx, path, content)
	}, reqs...)
}

func failing(id string, err error) *stage.Func {
	return stage.NewFunc(id, func(context.Context, *stage.Context) error { return err })
}

func newExecutor(t *testing.T, stages ...stage.Stage) *Executor {
	t.Helper()
	reg := stage.NewRegistry()
	for _, s := range stages {
		require.NoError(t, reg.Register(s))
	}
	return NewExecutor(reg, nil)
}

// siteStages is the gather -> edit -> assemble chain used across tests.
func siteStages() []stage.Stage {
	return []stage.Stage{
		writer("gather", "sources.txt", "raw"),
		stage.NewFunc("edit", func(ctx context.Context, sctx *stage.Context) error {
			return sctx.Storage().WriteString(ctx, "edited.txt", "edited")
		}, manifest.Require("gather")),
		stage.NewFunc("assemble", func(ctx context.Context, sctx *stage.Context) error {
			if err := sctx.Storage().CreateDirAll(ctx, "out"); err != nil {
				return err
			}
			return sctx.Storage().WriteString(ctx, filepath.Join("out", "site.txt"), "site")
		}, manifest.Require("edit")),
	}
}

func statuses(results []stage.Result) []string {
	out := make([]string, 0, len(results))
	for _, r := range results {
		out = append(out, r.StageID+"="+r.String())
	}
	return out
}

func TestDryRunRecordsWithoutWriting(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	exec := newExecutor(t, siteStages()...)
	pipeline, err := stage.BuildPipeline("site", "", exec.Stages(), nil, []string{"assemble"})
	require.NoError(t, err)
	require.Equal(t, []string{"gather", "edit", "assemble"}, pipeline.StageIDs())

	sctx := stage.NewContext(stage.ModeDryRun, stage.WithStorage(storage.NewLocalProvider(root)))
	report, err := exec.Run(context.Background(), pipeline, sctx)
	require.NoError(t, err)
	require.True(t, report.Succeeded())
	require.Equal(t, StateCompleted, report.State)
	require.Equal(t, stage.ModeDryRun, report.Mode)

	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	require.Empty(t, entries)

	text := DryRunReport(pipeline, sctx.DryRun(), report.Results)
	first := strings.Index(text, "[1] gather")
	second := strings.Index(text, "[2] edit")
	third := strings.Index(text, "[3] assemble")
	require.True(t, first >= 0 && first < second && second < third, text)
	require.NotContains(t, text, "[4]")
	require.Contains(t, text, "  Would create file at sources.txt")
	require.Contains(t, text, "  Would create directory out")
	require.Contains(t, text, "Total operations: 4")
	require.Contains(t, text, "Total stages: 3")
	require.Contains(t, text, "Estimated disk usage: 13 bytes")
	require.Contains(t, text, "No potential conflicts detected")
	require.True(t, strings.HasSuffix(text, "\n"+DryRunTrailer+"\n"))
}

func TestLiveJournalMatchesDryRun(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	exec := newExecutor(t, siteStages()...)
	pipeline, err := stage.BuildPipeline("site", "", exec.Stages(), nil, []string{"assemble"})
	require.NoError(t, err)

	dry := stage.NewContext(stage.ModeDryRun, stage.WithStorage(storage.NewLocalProvider(root)))
	_, err = exec.Run(context.Background(), pipeline, dry)
	require.NoError(t, err)

	live := stage.NewContext(stage.ModeLive, stage.WithStorage(storage.NewLocalProvider(root)))
	report, err := exec.Run(context.Background(), pipeline, live)
	require.NoError(t, err)
	require.True(t, report.Succeeded())
	require.Nil(t, live.DryRun())

	require.Equal(t, dry.Operations().Descriptions(), live.Operations().Descriptions())

	data, err := os.ReadFile(filepath.Join(root, "out", "site.txt"))
	require.NoError(t, err)
	require.Equal(t, "site", string(data))
}

func TestRepeatedWritesDescribeTheSameInBothModes(t *testing.T) {
	t.Parallel()

	twice := stage.NewFunc("p:write", func(ctx context.Context, sctx *stage.Context) error {
		if err := sctx.Storage().WriteString(ctx, "out.txt", "draft"); err != nil {
			return err
		}
		return sctx.Storage().WriteString(ctx, "out.txt", "final")
	})
	exec := newExecutor(t, twice)
	pipeline := stage.NewPipeline("p", "", []string{"p:write"})

	dry := stage.NewContext(stage.ModeDryRun, stage.WithStorage(storage.NewLocalProvider(t.TempDir())))
	_, err := exec.Run(context.Background(), pipeline, dry)
	require.NoError(t, err)

	live := stage.NewContext(stage.ModeLive, stage.WithStorage(storage.NewLocalProvider(t.TempDir())))
	_, err = exec.Run(context.Background(), pipeline, live)
	require.NoError(t, err)

	want := []string{"Would create file at out.txt", "Would modify out.txt"}
	require.Equal(t, want, dry.Operations().Descriptions())
	require.Equal(t, want, live.Operations().Descriptions())
	require.Empty(t, dry.Operations().Conflicts())
	require.Empty(t, live.Operations().Conflicts())
}

func TestMissingRequirementFailsBeforeExecution(t *testing.T) {
	t.Parallel()

	var ran int
	reg := stage.NewRegistry()
	require.NoError(t, reg.Register(stage.NewFunc("publish", func(context.Context, *stage.Context) error {
		ran++
		return nil
	}, manifest.Require("ghost"))))

	_, err := stage.BuildPipeline("p", "", reg, nil, []string{"publish"})
	require.ErrorIs(t, err, stage.ErrMissingRequirement)
	require.Contains(t, err.Error(), "ghost")
	require.Zero(t, ran)
}

func TestRunStopsAfterFailure(t *testing.T) {
	t.Parallel()

	var laterRan bool
	exec := newExecutor(t,
		writer("first", "a.txt", "a"),
		failing("second", errors.New("disk full")),
		stage.NewFunc("third", func(context.Context, *stage.Context) error {
			laterRan = true
			return nil
		}),
	)
	pipeline := stage.NewPipeline("p", "", []string{"first", "second", "third"})

	report, err := exec.Run(context.Background(), pipeline, stage.NewContext(stage.ModeLive, stage.WithStorage(storage.NewLocalProvider(t.TempDir()))))
	require.NoError(t, err)
	require.Equal(t, StateAborted, report.State)
	require.False(t, report.Succeeded())
	require.False(t, laterRan)
	require.Equal(t, []string{
		"first=Success",
		"second=Failure: disk full",
		"third=Skipped: upstream failure",
	}, statuses(report.Results))
	require.Len(t, report.Failed(), 1)
}

func TestRunFailsUnknownStage(t *testing.T) {
	t.Parallel()

	exec := newExecutor(t, writer("only", "a.txt", "a"))
	pipeline := stage.NewPipeline("p", "", []string{"missing", "only"})

	report, err := exec.Run(context.Background(), pipeline, stage.NewContext(stage.ModeDryRun))
	require.NoError(t, err)
	require.Equal(t, []string{
		"missing=Failure: stage not found",
		"only=Skipped: upstream failure",
	}, statuses(report.Results))
}

func TestRunConvertsPanicToFailure(t *testing.T) {
	t.Parallel()

	exec := newExecutor(t, stage.NewFunc("boom", func(context.Context, *stage.Context) error {
		panic("kaboom")
	}))

	report, err := exec.Run(context.Background(), stage.NewPipeline("p", "", []string{"boom"}), stage.NewContext(stage.ModeLive))
	require.NoError(t, err)
	result, ok := report.Result("boom")
	require.True(t, ok)
	require.True(t, result.IsFailure())
	require.Contains(t, result.Reason, "kaboom")
}

func TestRunHonoursShutdown(t *testing.T) {
	t.Parallel()

	t.Run("flag set by a stage", func(t *testing.T) {
		t.Parallel()

		exec := newExecutor(t,
			stage.NewFunc("stopper", func(_ context.Context, sctx *stage.Context) error {
				sctx.Shutdown()
				return nil
			}),
			writer("after", "a.txt", "a"),
		)
		report, err := exec.Run(context.Background(), stage.NewPipeline("p", "", []string{"stopper", "after"}), stage.NewContext(stage.ModeDryRun))
		require.NoError(t, err)
		require.Equal(t, StateAborted, report.State)
		require.Equal(t, []string{"stopper=Success", "after=Skipped: shutdown requested"}, statuses(report.Results))
	})

	t.Run("cancelled context", func(t *testing.T) {
		t.Parallel()

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		exec := newExecutor(t, writer("a", "a.txt", "a"), writer("b", "b.txt", "b"))
		report, err := exec.Run(ctx, stage.NewPipeline("p", "", []string{"a", "b"}), stage.NewContext(stage.ModeDryRun))
		require.NoError(t, err)
		require.Equal(t, StateAborted, report.State)
		require.Equal(t, []string{"a=Skipped: shutdown requested", "b=Skipped: shutdown requested"}, statuses(report.Results))
	})
}

func TestDryRunSkipsUnsupportedStages(t *testing.T) {
	t.Parallel()

	var ran bool
	blind := stage.NewFunc("deploy", func(context.Context, *stage.Context) error {
		ran = true
		return nil
	})
	blind.NoDryRun = true
	exec := newExecutor(t, blind, stage.NewFunc("notify", func(context.Context, *stage.Context) error { return nil }))
	pipeline := stage.NewPipeline("p", "", []string{"deploy", "notify"})

	sctx := stage.NewContext(stage.ModeDryRun)
	report, err := exec.Run(context.Background(), pipeline, sctx)
	require.NoError(t, err)
	require.False(t, ran)
	require.Equal(t, StateCompleted, report.State)
	require.Equal(t, []string{"deploy=Skipped: dry-run not supported", "notify=Success"}, statuses(report.Results))

	note, ok := sctx.DryRun().NoteFor("deploy")
	require.True(t, ok)
	require.Contains(t, note, "does not support dry-run")
	require.Equal(t, []string{"Would execute stage: notify"}, sctx.DryRun().Descriptions())

	text := DryRunReport(pipeline, sctx.DryRun(), report.Results)
	require.Contains(t, text, "[1] deploy\n  "+note)
}

func TestDryRunReportsWriteConflicts(t *testing.T) {
	t.Parallel()

	exec := newExecutor(t, writer("a", "shared.txt", "1"), writer("b", "shared.txt", "2"))
	pipeline := stage.NewPipeline("p", "", []string{"a", "b"})
	sctx := stage.NewContext(stage.ModeDryRun, stage.WithStorage(storage.NewLocalProvider(t.TempDir())))

	report, err := exec.Run(context.Background(), pipeline, sctx)
	require.NoError(t, err)

	text := DryRunReport(pipeline, sctx.DryRun(), report.Results)
	require.Contains(t, text, "WARNING: Potential conflicts detected!")
	require.Contains(t, text, "path shared.txt is written by stage a and stage b")
}

func TestDryRunReportPreviewsModifications(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "hosts"), []byte("127.0.0.1 localhost\n"), 0o644))

	exec := newExecutor(t, writer("pin", "hosts", "127.0.0.1 localhost\n10.0.0.5 build\n"))
	pipeline := stage.NewPipeline("p", "", []string{"pin"})
	sctx := stage.NewContext(stage.ModeDryRun, stage.WithStorage(storage.NewLocalProvider(root)))

	report, err := exec.Run(context.Background(), pipeline, sctx)
	require.NoError(t, err)

	text := DryRunReport(pipeline, sctx.DryRun(), report.Results)
	require.Contains(t, text, "  Would modify hosts\n    --- a/hosts\n    +++ b/hosts\n    @@ -1,1 +1,2 @@\n     127.0.0.1 localhost\n    +10.0.0.5 build\n")
}

func TestHooksRunAroundEveryStage(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var calls []string
	record := func(entry string) {
		mu.Lock()
		defer mu.Unlock()
		calls = append(calls, entry)
	}

	exec := newExecutor(t, writer("a", "a.txt", "a"), failing("b", errors.New("nope")))
	exec.AddPreHook(func(_ context.Context, id string, _ *stage.Context, result *stage.Result) error {
		require.Nil(t, result)
		record("pre:" + id)
		return errors.New("pre hook broke")
	})
	exec.AddPostHook(func(_ context.Context, id string, _ *stage.Context, result *stage.Result) error {
		record("post:" + id + ":" + result.Status.String())
		if id == "a" {
			panic("post hook panic")
		}
		return nil
	})

	report, err := exec.Run(context.Background(), stage.NewPipeline("p", "", []string{"a", "b"}), stage.NewContext(stage.ModeDryRun))
	require.NoError(t, err)
	require.Equal(t, []string{"pre:a", "post:a:success", "pre:b", "post:b:failure"}, calls)
	require.Equal(t, []string{"a=Success", "b=Failure: nope"}, statuses(report.Results))

	require.Len(t, report.HookErrors, 3)
	require.Equal(t, "pre", report.HookErrors[0].Phase)
	require.Equal(t, "post", report.HookErrors[1].Phase)
	require.Contains(t, report.HookErrors[1].Error(), "post hook panic")
}

func TestRunDispatchesEvents(t *testing.T) {
	t.Parallel()

	dispatcher := events.NewDispatcher(nil)
	var mu sync.Mutex
	var seen []string
	dispatcher.RegisterHandler(events.Wildcard, func(_ context.Context, event events.Event) error {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, event.Type)
		return nil
	})

	exec := newExecutor(t, writer("a", "a.txt", "a"), writer("b", "b.txt", "b"))
	sctx := stage.NewContext(stage.ModeDryRun, stage.WithEvents(dispatcher))
	report, err := exec.Run(context.Background(), stage.NewPipeline("p", "", []string{"a", "b"}), sctx)
	require.NoError(t, err)
	require.NotEmpty(t, report.RunID)
	require.Equal(t, sctx.RunID(), report.RunID)
	require.Equal(t, []string{
		events.PipelineStarted,
		events.StageCompleted,
		events.StageCompleted,
		events.PipelineFinished,
	}, seen)
}

func TestRunRejectsNilInput(t *testing.T) {
	t.Parallel()

	exec := newExecutor(t)
	_, err := exec.Run(context.Background(), nil, stage.NewContext(stage.ModeLive))
	require.Error(t, err)
	_, err = exec.Run(context.Background(), stage.NewPipeline("p", "", nil), nil)
	require.Error(t, err)
}

package runtime

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/alexisbeaulieu97/stagehand/internal/config"
	"github.com/alexisbeaulieu97/stagehand/internal/engine"
	"github.com/alexisbeaulieu97/stagehand/internal/events"
	"github.com/alexisbeaulieu97/stagehand/internal/logger"
	"github.com/alexisbeaulieu97/stagehand/internal/manifest"
	"github.com/alexisbeaulieu97/stagehand/internal/plugin"
	"github.com/alexisbeaulieu97/stagehand/internal/stage"
	"github.com/alexisbeaulieu97/stagehand/internal/storage"
)

type journal struct {
	mu      sync.Mutex
	entries []string
}

func (j *journal) add(entry string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, entry)
}

func (j *journal) all() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.entries...)
}

// sitePlugin contributes one stage that writes <id>.txt and touches
// <id>.init from Init.
type sitePlugin struct {
	manifest     manifest.Manifest
	journal      *journal
	preflightErr error
	stageReqs    []manifest.StageRequirement
}

func newSitePlugin(j *journal, b *manifest.Builder, stageReqs ...manifest.StageRequirement) *sitePlugin {
	return &sitePlugin{manifest: b.MustBuild(), journal: j, stageReqs: stageReqs}
}

func (p *sitePlugin) Manifest() manifest.Manifest { return p.manifest }

func (p *sitePlugin) PreflightCheck(context.Context) error {
	p.journal.add("preflight:" + p.manifest.ID)
	return p.preflightErr
}

func (p *sitePlugin) Init(ctx context.Context, host plugin.Host) error {
	p.journal.add("init:" + p.manifest.ID)
	return host.Storage().WriteString(ctx, p.manifest.ID+".init", "ready")
}

func (p *sitePlugin) Stages() ([]stage.Stage, error) {
	id := p.manifest.ID
	return []stage.Stage{stage.NewFunc(id+":build", func(ctx context.Context, sctx *stage.Context) error {
		return sctx.Storage().WriteString(ctx, id+".txt", id)
	}, p.stageReqs...)}, nil
}

func (p *sitePlugin) Shutdown(context.Context) error {
	p.journal.add("shutdown:" + p.manifest.ID)
	return nil
}

func (p *sitePlugin) Close() error { return nil }

// emptyLoader finds nothing, keeping tests independent of shared libraries.
type emptyLoader struct{}

func (emptyLoader) Discover(string) ([]string, error) { return nil, nil }

func (emptyLoader) Load(context.Context, string) (plugin.Plugin, error) {
	return nil, errors.New("no plugins here")
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.PluginDirs = nil
	cfg.DependencyPolicy = "graceful"
	return cfg
}

func newRuntime(t *testing.T, root string, plugins ...plugin.Plugin) *Runtime {
	t.Helper()
	rt, err := New(testConfig(),
		WithLogger(logger.Nop()),
		WithStorage(storage.NewLocalProvider(root)),
		WithLoader(emptyLoader{}),
		WithPlugins(plugins...),
	)
	require.NoError(t, err)
	return rt
}

func sitePlugins(j *journal) (base, top, flaky *sitePlugin) {
	base = newSitePlugin(j, manifest.New("base", "", "1.0.0"))
	top = newSitePlugin(j, manifest.New("top", "", "1.0.0").Depends("base", ">=1.0.0"), manifest.Require("base:build"))
	flaky = newSitePlugin(j, manifest.New("flaky", "", "1.0.0"))
	flaky.preflightErr = errors.New("missing credentials")
	return base, top, flaky
}

func TestNewRegistersCoreStages(t *testing.T) {
	t.Parallel()

	rt := newRuntime(t, t.TempDir())
	require.Equal(t, []string{
		StageInitialization,
		StagePostInitialization,
		StagePreflight,
		StageShutdown,
	}, rt.Stages().OwnedBy(CoreOwner))
}

func TestBootLiveActivatesPlugins(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	j := &journal{}
	base, top, flaky := sitePlugins(j)
	rt := newRuntime(t, root, top, flaky, base)

	var initialized []string
	rt.Events().RegisterHandler(events.PluginsInitialized, func(_ context.Context, event events.Event) error {
		initialized = event.Payload["initialized"].([]string)
		return nil
	})

	report, ops, err := rt.Boot(context.Background(), stage.ModeLive)
	require.NoError(t, err)
	require.True(t, report.Succeeded())
	require.Equal(t, []string{StagePreflight, StageInitialization, StagePostInitialization}, stageIDs(report))
	require.NotNil(t, ops)

	require.Equal(t, []string{"base", "top"}, initialized)
	require.False(t, rt.Plugins().IsEnabled("flaky"))
	require.Contains(t, rt.Activation().Excluded, "flaky")
	require.True(t, rt.Stages().Has("top:build"))
	require.False(t, rt.Stages().Has("flaky:build"))

	_, err = os.Stat(filepath.Join(root, "base.init"))
	require.NoError(t, err)

	_, _, err = rt.Boot(context.Background(), stage.ModeLive)
	require.Error(t, err)

	runReport, _, err := rt.RunPipeline(context.Background(), []string{"top:build"}, stage.ModeLive)
	require.NoError(t, err)
	require.True(t, runReport.Succeeded())
	require.Equal(t, []string{"base:build", "top:build"}, stageIDs(runReport))
	data, err := os.ReadFile(filepath.Join(root, "top.txt"))
	require.NoError(t, err)
	require.Equal(t, "top", string(data))

	require.NoError(t, rt.Shutdown(context.Background()))
	require.NoError(t, rt.Shutdown(context.Background()))
	require.False(t, rt.Stages().Has("top:build"))
	require.True(t, rt.Stages().Has(StageShutdown))
	require.Equal(t, []string{
		"preflight:base", "preflight:flaky", "preflight:top",
		"init:base", "init:top",
		"shutdown:top", "shutdown:base",
	}, j.all())
}

func TestBootDryRunRecordsInsteadOfWriting(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	j := &journal{}
	base, top, flaky := sitePlugins(j)
	rt := newRuntime(t, root, base, top, flaky)

	report, ops, err := rt.Boot(context.Background(), stage.ModeDryRun)
	require.NoError(t, err)
	require.True(t, report.Succeeded())

	require.Equal(t, []string{
		"Would execute pre-flight checks for 3 loaded plugins.",
		"Would initialize 2 plugins (skipping 1 due to failed pre-flight checks).",
		"Would create file at base.init",
		"Would create file at top.init",
		"Would run post-initialization hooks for successfully initialized plugins.",
	}, ops.Descriptions())

	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	require.Empty(t, entries)

	pipeline, err := rt.BuildPipeline("site", []string{"top:build"})
	require.NoError(t, err)
	runReport, runOps, err := rt.RunPipeline(context.Background(), pipeline.StageIDs(), stage.ModeDryRun)
	require.NoError(t, err)
	text := engine.DryRunReport(pipeline, runOps, runReport.Results)
	require.Contains(t, text, "[1] base:build\n  Would create file at base.txt")
	require.Contains(t, text, "[2] top:build\n  Would create file at top.txt")

	entries, err = os.ReadDir(root)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestBootFailsOnCriticalConflict(t *testing.T) {
	t.Parallel()

	j := &journal{}
	a := newSitePlugin(j, manifest.New("a", "", "1.0.0").ConflictsWith("b"))
	b := newSitePlugin(j, manifest.New("b", "", "1.0.0"))
	rt := newRuntime(t, t.TempDir(), a, b)

	report, _, err := rt.Boot(context.Background(), stage.ModeLive)
	var conflictErr *plugin.ConflictError
	require.ErrorAs(t, err, &conflictErr)
	require.Equal(t, engine.StateAborted, report.State)

	result, ok := report.Result(StagePostInitialization)
	require.True(t, ok)
	require.True(t, result.IsSkipped())
	require.NotContains(t, j.all(), "init:a")
}

func TestRequestShutdownStopsPipelines(t *testing.T) {
	t.Parallel()

	j := &journal{}
	base, _, _ := sitePlugins(j)
	rt := newRuntime(t, t.TempDir(), base)
	_, _, err := rt.Boot(context.Background(), stage.ModeLive)
	require.NoError(t, err)

	rt.RequestShutdown()
	require.True(t, rt.ShutdownRequested())

	report, _, err := rt.RunPipeline(context.Background(), []string{"base:build"}, stage.ModeLive)
	require.NoError(t, err)
	require.Equal(t, engine.StateAborted, report.State)
	require.Equal(t, "shutdown requested", report.Results[0].Reason)

	require.NoError(t, rt.Shutdown(context.Background()))
	require.Contains(t, j.all(), "shutdown:base")
}

func TestRunPipelineRejectsUnknownStages(t *testing.T) {
	t.Parallel()

	rt := newRuntime(t, t.TempDir())
	_, _, err := rt.RunPipeline(context.Background(), []string{"ghost:run"}, stage.ModeDryRun)
	require.ErrorIs(t, err, stage.ErrStageNotFound)

	_, _, err = rt.RunPipeline(context.Background(), nil, stage.ModeDryRun)
	require.Error(t, err)

	_, _, err = rt.RunNamed(context.Background(), "missing", stage.ModeDryRun)
	require.Error(t, err)
}

func TestRunNamedUsesConfiguredPipeline(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Pipelines = []config.Pipeline{{Name: "hello", Description: "say hello", Stages: []string{"hello:write"}}}

	root := t.TempDir()
	rt, err := New(cfg,
		WithLogger(logger.Nop()),
		WithStorage(storage.NewLocalProvider(root)),
		WithLoader(emptyLoader{}),
		WithStages(stage.NewFunc("hello:write", func(ctx context.Context, sctx *stage.Context) error {
			return sctx.Storage().WriteString(ctx, "hello.txt", "hello")
		})),
	)
	require.NoError(t, err)

	report, ops, err := rt.RunNamed(context.Background(), "hello", stage.ModeDryRun)
	require.NoError(t, err)
	require.Equal(t, "hello", report.Pipeline)
	require.Equal(t, []string{"Would create file at hello.txt"}, ops.Descriptions())
}

func TestLoadPluginsSkipsMissingDirectories(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.PluginDirs = []string{filepath.Join(t.TempDir(), "absent"), t.TempDir()}
	rt, err := New(cfg, WithLogger(logger.Nop()), WithLoader(emptyLoader{}))
	require.NoError(t, err)

	loaded, err := rt.LoadPlugins(context.Background())
	require.NoError(t, err)
	require.Zero(t, loaded)
	require.NoError(t, rt.LoadErrors())
}

func stageIDs(report *engine.RunReport) []string {
	ids := make([]string, 0, len(report.Results))
	for _, r := range report.Results {
		ids = append(ids, r.StageID)
	}
	return ids
}

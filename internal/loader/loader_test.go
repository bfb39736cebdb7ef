package loader

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/alexisbeaulieu97/stagehand/internal/logger"
	"github.com/alexisbeaulieu97/stagehand/internal/manifest"
	"github.com/alexisbeaulieu97/stagehand/internal/plugin"
	"github.com/alexisbeaulieu97/stagehand/internal/stage"
	"github.com/alexisbeaulieu97/stagehand/internal/storage"
	"github.com/alexisbeaulieu97/stagehand/pkg/abi"
	stagehanderrors "github.com/alexisbeaulieu97/stagehand/pkg/errors"
)

type greeter struct {
	doc       abi.Document
	initErr   error
	greeting  string
	panicIn   string
	shutdowns int
	stages    []abi.StageDescriptor
}

func (g *greeter) Manifest() abi.Document {
	if g.panicIn == "manifest" {
		panic("manifest exploded")
	}
	return g.doc
}

func (g *greeter) Init(host abi.Host) error {
	if g.panicIn == "init" {
		panic("init exploded")
	}
	g.greeting, _ = host.Setting("greeting")
	host.Logf("debug", "greeting is %q", g.greeting)
	return g.initErr
}

func (g *greeter) PreflightCheck(context.Context) error { return nil }

func (g *greeter) Stages() []abi.StageDescriptor { return g.stages }

func (g *greeter) Shutdown() error {
	g.shutdowns++
	return nil
}

func helloDocument() abi.Document {
	return abi.Document{
		Plugin:               abi.PluginSection{ID: "hello", Name: "Hello", Version: "1.2.0", Priority: "third_party:160"},
		Compatibility:        abi.CompatibilitySection{API: "^1.0"},
		Dependencies:         map[string]string{"base": ">=1.0"},
		OptionalDependencies: map[string]string{"extras": "^2"},
		Conflicts:            abi.ConflictsSection{With: []string{"legacy"}},
		StageRequirements:    abi.StageRequirementSection{Provides: []string{"hello:greet"}},
	}
}

type fakeLibrary map[string]any

func (l fakeLibrary) Lookup(symbol string) (any, error) {
	sym, ok := l[symbol]
	if !ok {
		return nil, errors.New("symbol not found")
	}
	return sym, nil
}

type fakeOpener map[string]Library

func (o fakeOpener) Open(path string) (Library, error) {
	lib, ok := o[path]
	if !ok {
		return nil, os.ErrNotExist
	}
	return lib, nil
}

func entryFor(vt *abi.VTable) fakeLibrary {
	return fakeLibrary{abi.EntrySymbol: func() *abi.VTable { return vt }}
}

func loadOne(t *testing.T, lib Library) (plugin.Plugin, error) {
	t.Helper()
	l := New(fakeOpener{"libhello.so": lib}, logger.Nop())
	return l.Load(context.Background(), "libhello.so")
}

func TestDiscoverListsLibrariesSorted(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	for _, name := range []string{"zeta.so", "alpha.dylib", "beta.dll", "notes.txt", "libfake.so.bak"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644))
	}
	require.NoError(t, os.Mkdir(filepath.Join(dir, "nested.so"), 0o755))

	paths, err := New(nil, nil).Discover(dir)
	require.NoError(t, err)
	require.Equal(t, []string{
		filepath.Join(dir, "alpha.dylib"),
		filepath.Join(dir, "beta.dll"),
		filepath.Join(dir, "zeta.so"),
	}, paths)

	_, err = New(nil, nil).Discover(filepath.Join(dir, "missing"))
	require.Error(t, err)
}

const helloToml = `[plugin]
id = "hello"
name = "Hello"
version = "1.2.0"
entry_point = "bin/hello-v1.so"
files = ["README.md"]

[compatibility]
api = "^1.0"
`

func writeFiles(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		path := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
}

func TestDiscoverPrefersManifests(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{
		"alpha.so":             "x",
		"hello/plugin.toml":    helloToml,
		"hello/libhello.so":    "x",
		"extras/manifest.json": "{}",
		"bare/libbare.so":      "x",
	})

	paths, err := New(nil, nil).Discover(dir)
	require.NoError(t, err)
	require.Equal(t, []string{
		filepath.Join(dir, "alpha.so"),
		filepath.Join(dir, "extras", "manifest.json"),
		filepath.Join(dir, "hello", "plugin.toml"),
	}, paths)

	paths, err = New(nil, nil).Discover(filepath.Join(dir, "hello"))
	require.NoError(t, err)
	require.Equal(t, []string{filepath.Join(dir, "hello", "plugin.toml")}, paths)
}

func TestLoadFollowsManifestEntryPoint(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{"plugin.toml": helloToml, "README.md": "hi"})
	libPath := filepath.Join(dir, "bin", "hello-v1.so")
	opener := fakeOpener{libPath: entryFor(abi.Export(func() abi.Plugin { return &greeter{doc: helloDocument()} }))}

	p, err := New(opener, logger.Nop()).Load(context.Background(), filepath.Join(dir, "plugin.toml"))
	require.NoError(t, err)
	require.Equal(t, libPath, p.(*VTablePlugin).Path())
	require.Equal(t, "bin/hello-v1.so", p.Manifest().EntryPoint)
	require.Equal(t, []string{"README.md"}, p.Manifest().Files)
	require.True(t, p.Manifest().Requires("base"))
	require.NoError(t, p.Close())

	_, err = New(opener, logger.Nop()).Load(context.Background(), filepath.Join(dir, "libhello.so"))
	var parseErr *stagehanderrors.ParseError
	require.ErrorAs(t, err, &parseErr)
	require.Equal(t, "plugin.entry_point", parseErr.Field)
}

func TestLoadRejectsBadOnDiskManifests(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		manifest  string
		wantField string
	}{
		{name: "malformed toml", manifest: "[plugin\nid = \"hello\"\n"},
		{name: "unknown field", manifest: "[plugin]\nid = \"hello\"\nversion = \"1.2.0\"\nflavour = \"mint\"\n", wantField: "plugin.flavour"},
		{name: "invalid version", manifest: "[plugin]\nid = \"hello\"\nversion = \"one\"\n", wantField: "plugin.version"},
		{name: "id mismatch", manifest: "[plugin]\nid = \"howdy\"\nversion = \"1.2.0\"\nentry_point = \"libhello.so\"\n", wantField: "plugin.id"},
		{name: "version mismatch", manifest: "[plugin]\nid = \"hello\"\nversion = \"2.0.0\"\n", wantField: "plugin.version"},
		{name: "entry point escapes", manifest: "[plugin]\nid = \"hello\"\nversion = \"1.2.0\"\nentry_point = \"../libhello.so\"\n", wantField: "plugin.entry_point"},
		{name: "missing shipped file", manifest: "[plugin]\nid = \"hello\"\nversion = \"1.2.0\"\nfiles = [\"data/words.txt\"]\n", wantField: "plugin.files[0]"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			dir := t.TempDir()
			writeFiles(t, dir, map[string]string{"plugin.toml": tt.manifest})
			libPath := filepath.Join(dir, "libhello.so")
			vt := abi.Export(func() abi.Plugin { return &greeter{doc: helloDocument()} })
			opener := fakeOpener{libPath: entryFor(vt)}

			p, err := New(opener, logger.Nop()).Load(context.Background(), libPath)
			require.Nil(t, p)

			var loadErr *stagehanderrors.LoadError
			require.ErrorAs(t, err, &loadErr)
			require.Equal(t, libPath, loadErr.Path)

			var parseErr *stagehanderrors.ParseError
			require.ErrorAs(t, err, &parseErr)
			require.Equal(t, filepath.Join(dir, "plugin.toml"), parseErr.Path)
			require.Equal(t, tt.wantField, parseErr.Field)
			require.Zero(t, abi.Outstanding(vt))
		})
	}
}

func TestLoadPluginsFromDirectoryReportsManifestErrors(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{"a/plugin.toml": "[plugin]\nid = \"a\"\nversion = \"latest\"\n"})
	reg := plugin.NewRegistry(nil, New(fakeOpener{}, logger.Nop()), logger.Nop())

	loaded, err := reg.LoadPluginsFromDirectory(context.Background(), dir)
	require.Zero(t, loaded)

	var batch *plugin.BatchLoadError
	require.ErrorAs(t, err, &batch)
	require.Len(t, batch.Failures, 1)
	require.Equal(t, filepath.Join(dir, "a", "plugin.toml"), batch.Failures[0].Path)

	var parseErr *stagehanderrors.ParseError
	require.ErrorAs(t, batch.Failures[0].Err, &parseErr)
	require.Equal(t, "plugin.version", parseErr.Field)
	require.Empty(t, reg.List())
}

func TestLoadCopiesManifestAndFreesBuffers(t *testing.T) {
	t.Parallel()

	vt := abi.Export(func() abi.Plugin { return &greeter{doc: helloDocument()} })
	p, err := loadOne(t, entryFor(vt))
	require.NoError(t, err)

	m := p.Manifest()
	require.Equal(t, "hello", m.ID)
	require.Equal(t, "1.2.0", m.Version.String())
	require.Equal(t, "third_party:160", m.Priority.String())
	require.True(t, m.Requires("base"))
	require.False(t, m.Requires("extras"))
	require.Equal(t, []string{"legacy"}, m.ConflictsWith)
	require.Equal(t, []string{"hello:greet"}, m.ProvidedStages())
	require.Zero(t, abi.Outstanding(vt))
	require.Equal(t, "libhello.so", p.(*VTablePlugin).Path())
}

func TestLoadRejectsBadLibraries(t *testing.T) {
	t.Parallel()

	good := func() *abi.VTable {
		return abi.Export(func() abi.Plugin { return &greeter{doc: helloDocument()} })
	}

	tests := []struct {
		name    string
		lib     Library
		wantMsg string
	}{
		{name: "missing library", lib: nil, wantMsg: "file does not exist"},
		{name: "missing symbol", lib: fakeLibrary{}, wantMsg: "entry symbol"},
		{name: "wrong symbol type", lib: fakeLibrary{abi.EntrySymbol: 42}, wantMsg: "has type int"},
		{name: "nil vtable", lib: fakeLibrary{abi.EntrySymbol: func() *abi.VTable { return nil }}, wantMsg: "nil vtable"},
		{name: "entry panics", lib: fakeLibrary{abi.EntrySymbol: func() *abi.VTable { panic("constructor exploded") }}, wantMsg: "panic during load: constructor exploded"},
		{
			name: "abi mismatch",
			lib: func() Library {
				vt := good()
				vt.ABIVersion = abi.Version + 1
				return entryFor(vt)
			}(),
			wantMsg: "ABI version mismatch",
		},
		{
			name: "nil instance",
			lib: func() Library {
				vt := good()
				vt.Instance = nil
				return entryFor(vt)
			}(),
			wantMsg: "instance is nil",
		},
		{
			name: "zero size instance",
			lib: func() Library {
				vt := good()
				vt.InstanceSize = func(abi.Instance) uintptr { return 0 }
				return entryFor(vt)
			}(),
			wantMsg: "zero size",
		},
		{
			name: "missing entry",
			lib: func() Library {
				vt := good()
				vt.Shutdown = nil
				return entryFor(vt)
			}(),
			wantMsg: "missing entries: Shutdown",
		},
		{
			name: "manifest panics inside plugin",
			lib: entryFor(abi.Export(func() abi.Plugin {
				return &greeter{doc: helloDocument(), panicIn: "manifest"}
			})),
			wantMsg: "manifest exploded",
		},
		{
			name: "getter panics on host side",
			lib: func() Library {
				vt := good()
				vt.Manifest = func(abi.Instance) *abi.ByteBuf { panic("bad pointer") }
				return entryFor(vt)
			}(),
			wantMsg: "panic during load: bad pointer",
		},
		{
			name: "name mismatch",
			lib: func() Library {
				vt := good()
				vt.Name = func(abi.Instance) *abi.StringBuf { return &abi.StringBuf{Value: "impostor"} }
				return entryFor(vt)
			}(),
			wantMsg: "does not match manifest id",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			opener := fakeOpener{}
			if tt.lib != nil {
				opener["libhello.so"] = tt.lib
			}
			p, err := New(opener, logger.Nop()).Load(context.Background(), "libhello.so")
			require.Nil(t, p)

			var loadErr *stagehanderrors.LoadError
			require.ErrorAs(t, err, &loadErr)
			require.Equal(t, "libhello.so", loadErr.Path)
			require.ErrorContains(t, err, tt.wantMsg)
		})
	}
}

func TestLoadDestroysInstanceAfterPanic(t *testing.T) {
	t.Parallel()

	vt := abi.Export(func() abi.Plugin { return &greeter{doc: helloDocument()} })
	destroyed := 0
	destroyInstance := vt.Destroy
	vt.Destroy = func(inst abi.Instance) abi.ResultCode {
		destroyed++
		return destroyInstance(inst)
	}
	vt.Dependencies = func(abi.Instance) *abi.DependencyList { panic("corrupt dependency list") }

	p, err := loadOne(t, entryFor(vt))
	require.Nil(t, p)
	require.ErrorContains(t, err, "panic during load: corrupt dependency list")
	require.Equal(t, 1, destroyed)
}

func TestLoadHonoursCancelledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := New(fakeOpener{}, nil).Load(ctx, "libhello.so")
	require.ErrorIs(t, err, context.Canceled)
}

func TestVTablePluginLifecycle(t *testing.T) {
	t.Parallel()

	g := &greeter{doc: helloDocument()}
	vt := abi.Export(func() abi.Plugin { return g })
	p, err := loadOne(t, entryFor(vt))
	require.NoError(t, err)

	host := plugin.NewHost(nil, nil, logger.Nop(), map[string]string{"hello.greeting": "hi there"})
	require.NoError(t, p.PreflightCheck(context.Background()))
	require.NoError(t, p.Init(context.Background(), host))
	require.Equal(t, "hi there", g.greeting)

	require.NoError(t, p.Shutdown(context.Background()))
	require.Equal(t, 1, g.shutdowns)

	require.NoError(t, p.Close())
	require.NoError(t, p.Close())

	err = p.Init(context.Background(), host)
	require.ErrorIs(t, err, ErrDestroyed)
	require.Zero(t, abi.Outstanding(vt))
}

func TestVTablePluginReportsFailures(t *testing.T) {
	t.Parallel()

	t.Run("error result carries last error", func(t *testing.T) {
		t.Parallel()

		vt := abi.Export(func() abi.Plugin { return &greeter{doc: helloDocument(), initErr: errors.New("no credentials")} })
		p, err := loadOne(t, entryFor(vt))
		require.NoError(t, err)

		err = p.Init(context.Background(), nil)
		var initErr *stagehanderrors.InitializationError
		require.ErrorAs(t, err, &initErr)
		require.Equal(t, "init", initErr.Phase)

		var callErr *CallError
		require.ErrorAs(t, err, &callErr)
		require.Equal(t, abi.ResultError, callErr.Code)
		require.Equal(t, "no credentials", callErr.Message)
		require.Zero(t, abi.Outstanding(vt))
	})

	t.Run("plugin side panic", func(t *testing.T) {
		t.Parallel()

		vt := abi.Export(func() abi.Plugin { return &greeter{doc: helloDocument(), panicIn: "init"} })
		p, err := loadOne(t, entryFor(vt))
		require.NoError(t, err)

		var callErr *CallError
		require.ErrorAs(t, p.Init(context.Background(), nil), &callErr)
		require.Equal(t, abi.ResultPanic, callErr.Code)
		require.Contains(t, callErr.Message, "init exploded")
	})

	t.Run("host side panic barrier", func(t *testing.T) {
		t.Parallel()

		vt := abi.Export(func() abi.Plugin { return &greeter{doc: helloDocument()} })
		p, err := loadOne(t, entryFor(vt))
		require.NoError(t, err)

		vt.Shutdown = func(abi.Instance) abi.ResultCode { panic("segfault") }
		err = p.Shutdown(context.Background())
		var initErr *stagehanderrors.InitializationError
		require.ErrorAs(t, err, &initErr)
		require.Equal(t, "shutdown", initErr.Phase)
		require.ErrorContains(t, err, "panic: segfault")
	})
}

func TestPluginStagesRunThroughRecordingStorage(t *testing.T) {
	t.Parallel()

	g := &greeter{doc: helloDocument(), stages: []abi.StageDescriptor{{
		ID:                "hello:greet",
		Name:              "Greet",
		DryRunDescription: "Would greet the world",
		Requirements:      []abi.StageRequirementEntry{{StageID: "core:plugin_initialization", Kind: abi.StageRequire}},
		Execute: func(ctx context.Context, env abi.StageEnv) error {
			env.Set("hello:greeted", true)
			return env.WriteFile(ctx, "greeting.txt", []byte("hello"))
		},
	}}}
	p, err := loadOne(t, entryFor(abi.Export(func() abi.Plugin { return g })))
	require.NoError(t, err)

	stages, err := p.Stages()
	require.NoError(t, err)
	require.Len(t, stages, 1)

	s := stages[0]
	require.Equal(t, "hello:greet", s.ID())
	require.Equal(t, "Would greet the world", s.DryRunDescription(nil))
	require.Equal(t, []manifest.StageRequirement{manifest.Require("core:plugin_initialization")}, stage.RequirementsOf(s))

	dir := t.TempDir()
	sctx := stage.NewContext(stage.ModeDryRun, stage.WithStorage(storage.NewLocalProvider(dir)))
	require.NoError(t, s.Execute(context.Background(), sctx.ForStage(s.ID())))

	greeted, ok := stage.Value[bool](sctx, "hello:greeted")
	require.True(t, ok)
	require.True(t, greeted)
	require.Equal(t, []string{"Would create file at greeting.txt"}, sctx.DryRun().Descriptions())
	require.NoFileExists(t, filepath.Join(dir, "greeting.txt"))
}

func TestPluginStagesRejectInvalidDescriptors(t *testing.T) {
	t.Parallel()

	g := &greeter{doc: helloDocument(), stages: []abi.StageDescriptor{{ID: "Bad ID!", Execute: func(context.Context, abi.StageEnv) error { return nil }}}}
	p, err := loadOne(t, entryFor(abi.Export(func() abi.Plugin { return g })))
	require.NoError(t, err)

	_, err = p.Stages()
	require.ErrorContains(t, err, "invalid stage id")
}

func TestPluginStageRecoversPanics(t *testing.T) {
	t.Parallel()

	s, err := newPluginStage("hello", abi.StageDescriptor{
		ID:      "hello:boom",
		Execute: func(context.Context, abi.StageEnv) error { panic("kaboom") },
	})
	require.NoError(t, err)

	err = s.Execute(context.Background(), stage.NewContext(stage.ModeLive))
	require.ErrorContains(t, err, "kaboom")
}
